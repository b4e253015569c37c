// Package facade is the single application entry point. It composes
// capability detection, the strong-credential manager, the password engine,
// and the fallback orchestrator behind two calls: Register and Authenticate.
package facade

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lunehealth/authcore/internal/autherr"
	"github.com/lunehealth/authcore/internal/capability"
	"github.com/lunehealth/authcore/internal/challenge"
	"github.com/lunehealth/authcore/internal/fallback"
	"github.com/lunehealth/authcore/internal/opaque"
	"github.com/lunehealth/authcore/internal/passkey"
	"github.com/lunehealth/authcore/internal/session"
	"github.com/lunehealth/authcore/internal/storage"
)

// PasswordClient is the client half of the zero-knowledge password
// exchange. The service only shuttles blinded protocol artifacts through
// it; the plaintext password stays on the client side.
type PasswordClient interface {
	CreateRegistration(ctx context.Context) (*opaque.RegistrationRequest, error)
	FinalizeRegistration(ctx context.Context, resp *opaque.RegistrationResponse) (*opaque.RegistrationUpload, error)
	CreateLogin(ctx context.Context) (*opaque.LoginRequest, error)
	FinalizeLogin(ctx context.Context, resp *opaque.LoginResponse) (*opaque.LoginFinish, error)
}

// PasswordClientFactory supplies the client exchange for one identity.
// Returning nil means no password input is available for this attempt.
type PasswordClientFactory func(ctx context.Context, identifier string) (PasswordClient, error)

// Collaborators are the external parties the service hands off to.
type Collaborators struct {
	// Ceremony drives the platform authenticator. Nil disables every
	// strong-credential method.
	Ceremony passkey.CeremonyProvider

	// Password supplies the client exchange for password flows. Nil
	// disables the opaque-password method.
	Password PasswordClientFactory

	// Recovery validates recovery phrases and emergency codes. Consumed
	// only through the fallback orchestrator.
	Recovery fallback.RecoveryValidator
}

// Options tunes the composed service.
type Options struct {
	Chain  fallback.ChainOptions
	Logger *slog.Logger
}

// Service is the unified authentication entry point.
type Service struct {
	detector     *capability.Detector
	store        storage.SecureStore
	challenges   *challenge.Manager
	passkeys     *passkey.Manager
	engine       *opaque.Engine
	sessions     *session.Manager
	orchestrator *fallback.Orchestrator
	collab       Collaborators
	opts         Options
	logger       *slog.Logger
}

func NewService(
	detector *capability.Detector,
	store storage.SecureStore,
	challenges *challenge.Manager,
	passkeys *passkey.Manager,
	engine *opaque.Engine,
	sessions *session.Manager,
	orchestrator *fallback.Orchestrator,
	collab Collaborators,
	opts Options,
) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		detector:     detector,
		store:        store,
		challenges:   challenges,
		passkeys:     passkeys,
		engine:       engine,
		sessions:     sessions,
		orchestrator: orchestrator,
		collab:       collab,
		opts:         opts,
		logger:       opts.Logger,
	}
}

// Start launches the background cleanup loops of every owned component.
func (s *Service) Start(ctx context.Context) {
	s.challenges.Start(ctx)
	s.sessions.Start(ctx)
	s.engine.Start(ctx)
}

// Stop tears the cleanup loops down. Idempotent.
func (s *Service) Stop() {
	s.engine.Stop()
	s.sessions.Stop()
	s.challenges.Stop()
}

// RegistrationOutcome reports how an identity was enrolled.
type RegistrationOutcome struct {
	Method     string
	Credential *passkey.Credential
	Profile    *capability.Profile
	NextSteps  []string
}

// Register enrolls a new identity with the strongest method the platform
// supports, falling back to the zero-knowledge password flow when no
// authenticator is available. The identifier (what the user types) and the
// owner id (the account key) are linked here and resolved on every later
// call, so the two never have to be the same value.
func (s *Service) Register(ctx context.Context, ownerID, identifier, displayName string) (*RegistrationOutcome, error) {
	taken, err := s.identifierTaken(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, autherr.New(autherr.KindDuplicateIdentity, "identifier already registered")
	}

	profile := s.detector.Assess(ctx)

	if profile.SupportsPasskeys && s.collab.Ceremony != nil {
		cred, err := s.passkeys.Register(ctx, ownerID, identifier, displayName, profile, passkey.VariantPlatform, s.collab.Ceremony)
		if err != nil {
			return nil, err
		}
		if err := s.saveAlias(ctx, identifier, ownerID); err != nil {
			return nil, err
		}
		s.logger.Info("identity enrolled", "owner", ownerID, "method", fallback.MethodPasskeyPlatform)
		return &RegistrationOutcome{
			Method:     fallback.MethodPasskeyPlatform,
			Credential: cred,
			Profile:    profile,
			NextSteps:  []string{"create-recovery-phrase"},
		}, nil
	}

	if s.collab.Password == nil {
		return nil, autherr.New(autherr.KindCeremonyFailed, "no enrollment method available")
	}
	if err := s.registerPassword(ctx, ownerID, identifier); err != nil {
		return nil, err
	}
	if err := s.saveAlias(ctx, identifier, ownerID); err != nil {
		return nil, err
	}

	next := []string{"create-recovery-phrase"}
	if profile.SupportsStrongCredential {
		next = append(next, "enroll-strong-credential")
	}
	s.logger.Info("identity enrolled", "owner", ownerID, "method", fallback.MethodOpaquePassword)
	return &RegistrationOutcome{
		Method:    fallback.MethodOpaquePassword,
		Profile:   profile,
		NextSteps: next,
	}, nil
}

func (s *Service) registerPassword(ctx context.Context, ownerID, identifier string) error {
	client, err := s.collab.Password(ctx, identifier)
	if err != nil {
		return fmt.Errorf("password client: %w", err)
	}
	if client == nil {
		return autherr.New(autherr.KindCeremonyFailed, "no password input available")
	}

	req, err := client.CreateRegistration(ctx)
	if err != nil {
		return fmt.Errorf("create registration request: %w", err)
	}
	resp, err := s.engine.BeginRegistration(ctx, identifier, req)
	if err != nil {
		return err
	}
	upload, err := client.FinalizeRegistration(ctx, resp)
	if err != nil {
		return fmt.Errorf("finalize registration: %w", err)
	}
	return s.engine.FinishRegistration(ctx, identifier, ownerID, upload)
}

func aliasKey(identifier string) string { return "alias/" + identifier }
func ownerKey(ownerID string) string    { return "owner-alias/" + ownerID }

// saveAlias links the login identifier to its owner id in both directions.
// Written only after enrollment succeeds so a failed ceremony leaves no
// partial state.
func (s *Service) saveAlias(ctx context.Context, identifier, ownerID string) error {
	if err := s.store.Store(ctx, aliasKey(identifier), []byte(ownerID), nil); err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to store identifier alias", err)
	}
	if err := s.store.Store(ctx, ownerKey(ownerID), []byte(identifier), nil); err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to store owner alias", err)
	}
	return nil
}

func (s *Service) identifierTaken(ctx context.Context, identifier string) (bool, error) {
	exists, err := s.store.Exists(ctx, aliasKey(identifier))
	if err != nil {
		return false, autherr.Wrap(autherr.KindStorageFailure, "failed to check identifier", err)
	}
	return exists, nil
}

// resolveOwner maps a login identifier to its owner id. Identities not
// enrolled through this facade resolve to themselves.
func (s *Service) resolveOwner(ctx context.Context, identifier string) (string, error) {
	data, _, err := s.store.Retrieve(ctx, aliasKey(identifier))
	if err != nil {
		return "", autherr.Wrap(autherr.KindStorageFailure, "failed to resolve identifier", err)
	}
	if data == nil {
		return identifier, nil
	}
	return string(data), nil
}

// resolveIdentifier is the reverse mapping, used on account removal.
func (s *Service) resolveIdentifier(ctx context.Context, ownerID string) (string, error) {
	data, _, err := s.store.Retrieve(ctx, ownerKey(ownerID))
	if err != nil {
		return "", autherr.Wrap(autherr.KindStorageFailure, "failed to resolve owner", err)
	}
	if data == nil {
		return ownerID, nil
	}
	return string(data), nil
}

// AuthRequest describes one authentication attempt.
type AuthRequest struct {
	Identifier string

	// Preferred moves the named method to the front of the chain.
	Preferred string
	// Skip removes methods from the chain for this attempt.
	Skip []string

	// Recovery payloads, eligible only when the user supplied them.
	RecoveryPhrase []byte
	EmergencyCode  []byte
}

// Outcome is a fallback outcome augmented with recommended next steps.
type Outcome struct {
	*fallback.Outcome
	Profile   *capability.Profile
	NextSteps []string
}

// Authenticate walks the fallback chain for the identifier and returns the
// aggregated outcome. A nil error with Success false means the chain was
// exhausted; the outcome then carries the recovery options.
func (s *Service) Authenticate(ctx context.Context, req *AuthRequest) (*Outcome, error) {
	profile := s.detector.Assess(ctx)
	storeCaps := s.store.Capabilities()

	ownerID, err := s.resolveOwner(ctx, req.Identifier)
	if err != nil {
		return nil, err
	}

	chain := fallback.ChainOptions{Preferred: s.opts.Chain.Preferred}
	if req.Preferred != "" {
		chain.Preferred = req.Preferred
	}
	chain.Skip = append(append([]string{}, s.opts.Chain.Skip...), req.Skip...)

	run := s.orchestrator.Run(ctx, &fallback.Request{
		Identifier:     req.Identifier,
		Chain:          chain,
		RecoveryPhrase: req.RecoveryPhrase,
		EmergencyCode:  req.EmergencyCode,
	}, profile, storeCaps, s.executors(ownerID, req.Identifier, profile))

	return &Outcome{
		Outcome:   run,
		Profile:   profile,
		NextSteps: s.nextSteps(ctx, run, profile, ownerID),
	}, nil
}

// executors maps each non-recovery method to its execution path. Methods
// without an available collaborator get no entry and are skipped. Passkey
// records live under the owner id; the opaque record stays keyed by the
// login identifier because the client transcript binds to it.
func (s *Service) executors(ownerID, identifier string, profile *capability.Profile) map[string]fallback.Executor {
	executors := make(map[string]fallback.Executor)

	if s.collab.Ceremony != nil {
		executors[fallback.MethodPasskeyPlatform] = s.passkeyExecutor(ownerID, profile, passkey.VariantPlatform, fallback.MethodPasskeyPlatform)
		executors[fallback.MethodStrongCredentialPlatform] = s.passkeyExecutor(ownerID, profile, passkey.VariantPlatform, fallback.MethodStrongCredentialPlatform)
		executors[fallback.MethodStrongCredentialRoaming] = s.passkeyExecutor(ownerID, profile, passkey.VariantRoaming, fallback.MethodStrongCredentialRoaming)
	}
	if s.collab.Password != nil {
		executors[fallback.MethodOpaquePassword] = s.passwordExecutor(identifier)
	}
	return executors
}

func (s *Service) passkeyExecutor(ownerID string, profile *capability.Profile, variant passkey.Variant, method string) fallback.Executor {
	return func(ctx context.Context) (*session.Session, error) {
		if _, err := s.passkeys.Authenticate(ctx, ownerID, profile, variant, s.collab.Ceremony); err != nil {
			return nil, err
		}
		return s.sessions.Issue(ctx, ownerID, method)
	}
}

func (s *Service) passwordExecutor(identifier string) fallback.Executor {
	return func(ctx context.Context) (*session.Session, error) {
		client, err := s.collab.Password(ctx, identifier)
		if err != nil {
			return nil, fmt.Errorf("password client: %w", err)
		}
		if client == nil {
			return nil, autherr.New(autherr.KindCeremonyFailed, "no password input available")
		}

		req, err := client.CreateLogin(ctx)
		if err != nil {
			return nil, fmt.Errorf("create login request: %w", err)
		}
		resp, err := s.engine.BeginLogin(ctx, identifier, req)
		if err != nil {
			return nil, err
		}
		fin, err := client.FinalizeLogin(ctx, resp)
		if err != nil {
			return nil, fmt.Errorf("finalize login: %w", err)
		}
		return s.engine.FinishLogin(ctx, identifier, fin)
	}
}

// nextSteps recommends what the user should do after this outcome.
func (s *Service) nextSteps(ctx context.Context, run *fallback.Outcome, profile *capability.Profile, ownerID string) []string {
	if !run.Success {
		return run.RecoveryOptions
	}

	var steps []string
	switch run.Method {
	case fallback.MethodOpaquePassword:
		if profile.SupportsPasskeys {
			steps = append(steps, "enroll-passkey")
		} else if profile.SupportsStrongCredential {
			steps = append(steps, "enroll-strong-credential")
		}
	case fallback.MethodRecoveryPhrase, fallback.MethodEmergencyCode:
		steps = append(steps, "rotate-credentials")
		if profile.SupportsPasskeys {
			steps = append(steps, "enroll-passkey")
		}
	default:
		// A strong-credential win without an enrolled passkey on a
		// passkey-capable platform still deserves a nudge.
		if profile.SupportsPasskeys && run.Method != fallback.MethodPasskeyPlatform {
			if has, err := s.passkeys.HasCredentials(ctx, ownerID); err == nil && !has {
				steps = append(steps, "enroll-passkey")
			}
		}
	}
	return steps
}

// ValidateSession checks a previously issued session key.
func (s *Service) ValidateSession(ctx context.Context, key string) (*session.Session, error) {
	return s.sessions.Validate(ctx, key)
}

// Logout revokes a single session.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	return s.sessions.Revoke(ctx, sessionID)
}

// RevokeSessions revokes every session belonging to the owner.
func (s *Service) RevokeSessions(ctx context.Context, ownerID string) error {
	return s.sessions.RevokeAll(ctx, ownerID)
}

// Methods reports which authentication methods the identity can currently
// use on this platform.
func (s *Service) Methods(ctx context.Context, identifier string) ([]string, error) {
	profile := s.detector.Assess(ctx)

	ownerID, err := s.resolveOwner(ctx, identifier)
	if err != nil {
		return nil, err
	}

	var methods []string
	if profile.SupportsStrongCredential {
		has, err := s.passkeys.HasCredentials(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		if has {
			methods = append(methods, fallback.MethodPasskeyPlatform, fallback.MethodStrongCredentialPlatform)
		}
	}
	hasPassword, err := s.engine.HasRecord(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if hasPassword {
		methods = append(methods, fallback.MethodOpaquePassword)
	}
	return methods, nil
}

// DeleteIdentity removes every trace of the identity: credentials, opaque
// record, identifier aliases, and open sessions.
func (s *Service) DeleteIdentity(ctx context.Context, ownerID string) error {
	identifier, err := s.resolveIdentifier(ctx, ownerID)
	if err != nil {
		return err
	}
	if err := s.passkeys.DeleteOwner(ctx, ownerID); err != nil {
		return err
	}
	if err := s.engine.DeleteAccount(ctx, identifier); err != nil {
		return err
	}
	if err := s.store.Remove(ctx, aliasKey(identifier)); err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to remove identifier alias", err)
	}
	if err := s.store.Remove(ctx, ownerKey(ownerID)); err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to remove owner alias", err)
	}
	if err := s.challenges.RevokeAll(ctx, ownerID); err != nil {
		return err
	}
	return s.sessions.RevokeAll(ctx, ownerID)
}
