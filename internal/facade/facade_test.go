package facade

import (
	"context"
	"testing"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/require"

	"github.com/lunehealth/authcore/internal/autherr"
	"github.com/lunehealth/authcore/internal/capability"
	"github.com/lunehealth/authcore/internal/challenge"
	"github.com/lunehealth/authcore/internal/fallback"
	"github.com/lunehealth/authcore/internal/opaque"
	"github.com/lunehealth/authcore/internal/passkey"
	"github.com/lunehealth/authcore/internal/session"
	"github.com/lunehealth/authcore/internal/storage"
)

// passwordVault hands out protocol clients keyed by identifier, the way a
// native integration would prompt for and hold the password.
type passwordVault struct {
	passwords map[string]string
	calls     int
}

func (v *passwordVault) factory(ctx context.Context, identifier string) (PasswordClient, error) {
	v.calls++
	pw, ok := v.passwords[identifier]
	if !ok {
		return nil, nil
	}
	return opaque.NewClient(identifier, pw), nil
}

func newTestService(t *testing.T, collab Collaborators, opts Options) *Service {
	t.Helper()

	detector := capability.NewDetector(capability.Signals{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64)",
	}, nil)

	store := storage.NewMemoryStore("authcore:")
	challenges := challenge.NewManager(challenge.NewMemoryStore(), challenge.Options{})
	t.Cleanup(challenges.Stop)

	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "Test RP",
		RPID:          "localhost",
		RPOrigins:     []string{"https://localhost"},
	})
	require.NoError(t, err)
	passkeys := passkey.NewManager(wa, store, challenges, nil, passkey.Policy{}, nil)

	sessions := session.NewManager(session.NewMemoryStore(), session.Options{
		SigningSecret: []byte("facade-test-signing-secret-32by!"),
	})
	t.Cleanup(sessions.Stop)

	suite, err := opaque.NewDHSuite([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	engine := opaque.NewEngine(suite, store, sessions, opaque.Options{})
	t.Cleanup(engine.Stop)

	orchestrator := fallback.NewOrchestrator(collab.Recovery, sessions, fallback.Options{})

	return NewService(detector, store, challenges, passkeys, engine, sessions, orchestrator, collab, opts)
}

func TestRegisterPasswordOnly(t *testing.T) {
	ctx := context.Background()
	vault := &passwordVault{passwords: map[string]string{"maya": "correct horse battery staple"}}
	svc := newTestService(t, Collaborators{Password: vault.factory}, Options{})

	outcome, err := svc.Register(ctx, "maya", "maya", "Maya")
	require.NoError(t, err)
	require.Equal(t, fallback.MethodOpaquePassword, outcome.Method)
	require.Nil(t, outcome.Credential)
	require.Contains(t, outcome.NextSteps, "create-recovery-phrase")
	require.NotContains(t, outcome.NextSteps, "enroll-strong-credential")

	methods, err := svc.Methods(ctx, "maya")
	require.NoError(t, err)
	require.Equal(t, []string{fallback.MethodOpaquePassword}, methods)
}

func TestRegisterWithoutCollaborators(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Collaborators{}, Options{})

	_, err := svc.Register(ctx, "maya", "maya", "Maya")
	require.Equal(t, autherr.KindCeremonyFailed, autherr.KindOf(err))
}

func TestRegisterDuplicateIdentity(t *testing.T) {
	ctx := context.Background()
	vault := &passwordVault{passwords: map[string]string{"maya": "pw one"}}
	svc := newTestService(t, Collaborators{Password: vault.factory}, Options{})

	_, err := svc.Register(ctx, "maya", "maya", "Maya")
	require.NoError(t, err)

	_, err = svc.Register(ctx, "maya", "maya", "Maya")
	require.Equal(t, autherr.KindDuplicateIdentity, autherr.KindOf(err))
}

func TestAuthenticatePassword(t *testing.T) {
	ctx := context.Background()
	vault := &passwordVault{passwords: map[string]string{"maya": "correct horse battery staple"}}
	svc := newTestService(t, Collaborators{Password: vault.factory}, Options{})

	_, err := svc.Register(ctx, "maya", "maya", "Maya")
	require.NoError(t, err)

	outcome, err := svc.Authenticate(ctx, &AuthRequest{Identifier: "maya"})
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Equal(t, fallback.MethodOpaquePassword, outcome.Method)
	require.NotNil(t, outcome.Session)
	require.Equal(t, "maya", outcome.Session.OwnerID)

	// The session key round-trips through validation until logout.
	validated, err := svc.ValidateSession(ctx, outcome.Session.Key)
	require.NoError(t, err)
	require.Equal(t, outcome.Session.ID, validated.ID)

	require.NoError(t, svc.Logout(ctx, outcome.Session.ID))
	_, err = svc.ValidateSession(ctx, outcome.Session.Key)
	require.Error(t, err)
}

func TestAuthenticateWrongPasswordExhaustsChain(t *testing.T) {
	ctx := context.Background()
	vault := &passwordVault{passwords: map[string]string{"maya": "correct horse battery staple"}}
	svc := newTestService(t, Collaborators{Password: vault.factory}, Options{})

	_, err := svc.Register(ctx, "maya", "maya", "Maya")
	require.NoError(t, err)

	vault.passwords["maya"] = "not the password"
	outcome, err := svc.Authenticate(ctx, &AuthRequest{Identifier: "maya"})
	require.NoError(t, err)
	require.False(t, outcome.Success)
	require.NotEmpty(t, outcome.Attempted)
	require.Equal(t, autherr.KindVerificationFailed, outcome.Attempted[0].Kind)
	require.Contains(t, outcome.RecoveryOptions, "recovery-phrase")
	require.Equal(t, outcome.RecoveryOptions, outcome.NextSteps)
}

type acceptAllRecovery struct{ ownerID string }

func (r *acceptAllRecovery) ValidateRecovery(ctx context.Context, kind string, payload []byte) (*fallback.RecoveryResult, error) {
	return &fallback.RecoveryResult{Success: true, OwnerID: r.ownerID}, nil
}

func TestAuthenticateRecoveryPhraseFallback(t *testing.T) {
	ctx := context.Background()
	vault := &passwordVault{passwords: map[string]string{"maya": "correct horse battery staple"}}
	svc := newTestService(t, Collaborators{
		Password: vault.factory,
		Recovery: &acceptAllRecovery{ownerID: "maya"},
	}, Options{})

	_, err := svc.Register(ctx, "maya", "maya", "Maya")
	require.NoError(t, err)

	vault.passwords["maya"] = "forgotten"
	outcome, err := svc.Authenticate(ctx, &AuthRequest{
		Identifier:     "maya",
		RecoveryPhrase: []byte("correct horse battery staple recovery"),
	})
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Equal(t, fallback.MethodRecoveryPhrase, outcome.Method)
	require.Contains(t, outcome.NextSteps, "rotate-credentials")
	require.Equal(t, 1, outcome.FallbackCount)
}

func TestAuthenticateSkipListBypassesPassword(t *testing.T) {
	ctx := context.Background()
	vault := &passwordVault{passwords: map[string]string{"maya": "pw"}}
	svc := newTestService(t, Collaborators{Password: vault.factory}, Options{})

	_, err := svc.Register(ctx, "maya", "maya", "Maya")
	require.NoError(t, err)
	vault.calls = 0

	outcome, err := svc.Authenticate(ctx, &AuthRequest{
		Identifier: "maya",
		Skip:       []string{fallback.MethodOpaquePassword},
	})
	require.NoError(t, err)
	require.False(t, outcome.Success)
	require.Zero(t, vault.calls, "skipped methods must not touch their collaborator")
}

func TestAuthenticateUnknownIdentity(t *testing.T) {
	ctx := context.Background()
	vault := &passwordVault{passwords: map[string]string{"maya": "pw"}}
	svc := newTestService(t, Collaborators{Password: vault.factory}, Options{})

	outcome, err := svc.Authenticate(ctx, &AuthRequest{Identifier: "maya"})
	require.NoError(t, err)
	require.False(t, outcome.Success)
	require.Equal(t, autherr.KindIdentityNotFound, outcome.Attempted[0].Kind)
}

func TestDeleteIdentity(t *testing.T) {
	ctx := context.Background()
	vault := &passwordVault{passwords: map[string]string{"maya": "pw"}}
	svc := newTestService(t, Collaborators{Password: vault.factory}, Options{})

	_, err := svc.Register(ctx, "maya", "maya", "Maya")
	require.NoError(t, err)

	auth, err := svc.Authenticate(ctx, &AuthRequest{Identifier: "maya"})
	require.NoError(t, err)
	require.True(t, auth.Success)

	require.NoError(t, svc.DeleteIdentity(ctx, "maya"))

	methods, err := svc.Methods(ctx, "maya")
	require.NoError(t, err)
	require.Empty(t, methods)

	_, err = svc.ValidateSession(ctx, auth.Session.Key)
	require.Error(t, err)
}

func TestRegisterOwnerDistinctFromIdentifier(t *testing.T) {
	ctx := context.Background()
	vault := &passwordVault{passwords: map[string]string{"maya@example.com": "correct horse battery staple"}}
	svc := newTestService(t, Collaborators{Password: vault.factory}, Options{})

	_, err := svc.Register(ctx, "owner-uuid-1", "maya@example.com", "Maya")
	require.NoError(t, err)

	// Logging in with the identifier yields a session for the owner.
	outcome, err := svc.Authenticate(ctx, &AuthRequest{Identifier: "maya@example.com"})
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Equal(t, "owner-uuid-1", outcome.Session.OwnerID)

	// Removing the owner must take the identifier's record with it.
	require.NoError(t, svc.DeleteIdentity(ctx, "owner-uuid-1"))

	methods, err := svc.Methods(ctx, "maya@example.com")
	require.NoError(t, err)
	require.Empty(t, methods)

	_, err = svc.ValidateSession(ctx, outcome.Session.Key)
	require.Error(t, err)

	after, err := svc.Authenticate(ctx, &AuthRequest{Identifier: "maya@example.com"})
	require.NoError(t, err)
	require.False(t, after.Success)
	require.Equal(t, autherr.KindIdentityNotFound, after.Attempted[0].Kind)
}

func TestServiceLifecycle(t *testing.T) {
	vault := &passwordVault{passwords: map[string]string{}}
	svc := newTestService(t, Collaborators{Password: vault.factory}, Options{})

	svc.Start(context.Background())
	svc.Stop()
	svc.Stop()
}
