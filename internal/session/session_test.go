package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lunehealth/authcore/internal/autherr"
)

var testSecret = []byte("test-signing-secret-0123456789ab")

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	m := NewManager(NewMemoryStore(), Options{TTL: ttl, SigningSecret: testSecret})
	t.Cleanup(m.Stop)
	return m
}

func TestIssueAndValidate(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, time.Hour)

	issued, err := m.Issue(ctx, "owner-1", "opaque-password")
	require.NoError(t, err)
	require.NotEmpty(t, issued.ID)
	require.NotEmpty(t, issued.Key)

	validated, err := m.Validate(ctx, issued.Key)
	require.NoError(t, err)
	require.Equal(t, issued.ID, validated.ID)
	require.Equal(t, "owner-1", validated.OwnerID)
	require.Equal(t, "opaque-password", validated.Method)
	require.Empty(t, validated.Key, "signed key must never be persisted")
}

func TestValidateRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, time.Hour)

	_, err := m.Validate(ctx, "not-a-token")
	require.Equal(t, autherr.KindVerificationFailed, autherr.KindOf(err))
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, time.Hour)
	other := NewManager(NewMemoryStore(), Options{TTL: time.Hour, SigningSecret: []byte("different-secret")})
	defer other.Stop()

	issued, err := other.Issue(ctx, "owner-1", "opaque-password")
	require.NoError(t, err)

	_, err = m.Validate(ctx, issued.Key)
	require.Equal(t, autherr.KindVerificationFailed, autherr.KindOf(err))
}

func TestRevokedSessionFailsValidation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, time.Hour)

	issued, err := m.Issue(ctx, "owner-1", "opaque-password")
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, issued.ID))

	_, err = m.Validate(ctx, issued.Key)
	require.Equal(t, autherr.KindVerificationFailed, autherr.KindOf(err))
}

func TestRevokeAll(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, time.Hour)

	s1, err := m.Issue(ctx, "owner-1", "opaque-password")
	require.NoError(t, err)
	s2, err := m.Issue(ctx, "owner-1", "passkey-platform")
	require.NoError(t, err)
	other, err := m.Issue(ctx, "owner-2", "opaque-password")
	require.NoError(t, err)

	require.NoError(t, m.RevokeAll(ctx, "owner-1"))

	_, err = m.Validate(ctx, s1.Key)
	require.Error(t, err)
	_, err = m.Validate(ctx, s2.Key)
	require.Error(t, err)
	_, err = m.Validate(ctx, other.Key)
	require.NoError(t, err)
}

func TestExpiredSessionFailsValidation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 10*time.Millisecond)

	issued, err := m.Issue(ctx, "owner-1", "opaque-password")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = m.Validate(ctx, issued.Key)
	require.Equal(t, autherr.KindVerificationFailed, autherr.KindOf(err))
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	store.Save(ctx, &Session{ID: "stale", OwnerID: "o", ExpiresAt: time.Now().Add(-time.Minute)})
	store.Save(ctx, &Session{ID: "live", OwnerID: "o", ExpiresAt: time.Now().Add(time.Minute)})

	removed, err := store.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	live, err := store.Get(ctx, "live")
	require.NoError(t, err)
	require.NotNil(t, live)
}

func TestStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), Options{SigningSecret: testSecret})

	m.Start(ctx)
	m.Start(ctx)
	m.Stop()
	m.Stop()
}
