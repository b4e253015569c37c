package challenge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lunehealth/authcore/internal/autherr"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m := NewManager(NewMemoryStore(), opts)
	t.Cleanup(m.Stop)
	return m
}

func TestGenerateProducesUniqueTokens(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		ch, err := m.Generate(ctx, "owner-1")
		require.NoError(t, err)
		require.False(t, seen[ch.Token], "token collision")
		require.GreaterOrEqual(t, len(ch.Token), 43, "token must carry at least 256 bits")
		seen[ch.Token] = true
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})

	ch, err := m.Generate(ctx, "owner-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Validate(ctx, ch.Token, "owner-1"))
	}
}

func TestValidateUnknownChallenge(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})

	err := m.Validate(ctx, "no-such-token", "owner-1")
	require.Equal(t, autherr.KindChallengeNotFound, autherr.KindOf(err))
}

func TestValidateWrongOwner(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})

	ch, err := m.Generate(ctx, "owner-1")
	require.NoError(t, err)

	err = m.Validate(ctx, ch.Token, "owner-2")
	require.Equal(t, autherr.KindChallengeNotFound, autherr.KindOf(err))
}

func TestValidateAfterExpiry(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{TTL: 10 * time.Millisecond})

	ch, err := m.Generate(ctx, "owner-1")
	require.NoError(t, err)

	require.NoError(t, m.Validate(ctx, ch.Token, "owner-1"))

	time.Sleep(20 * time.Millisecond)
	err = m.Validate(ctx, ch.Token, "owner-1")
	require.Equal(t, autherr.KindChallengeExpired, autherr.KindOf(err))

	// Expired validation prunes; a second look reports not-found.
	err = m.Validate(ctx, ch.Token, "owner-1")
	require.Equal(t, autherr.KindChallengeNotFound, autherr.KindOf(err))
}

func TestConsumeSucceedsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})

	ch, err := m.Generate(ctx, "owner-1")
	require.NoError(t, err)

	require.NoError(t, m.Consume(ctx, ch.Token, "owner-1"))

	err = m.Consume(ctx, ch.Token, "owner-1")
	require.Equal(t, autherr.KindChallengeNotFound, autherr.KindOf(err))
}

func TestConcurrentConsumeHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})

	ch, err := m.Generate(ctx, "owner-1")
	require.NoError(t, err)

	const callers = 32
	var wg sync.WaitGroup
	results := make(chan error, callers)

	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			results <- m.Consume(ctx, ch.Token, "owner-1")
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		}
	}
	require.Equal(t, 1, successes, "exactly one caller may consume a challenge")
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})

	ch, err := m.Generate(ctx, "owner-1")
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, ch.Token, "owner-1"))
	err = m.Validate(ctx, ch.Token, "owner-1")
	require.Equal(t, autherr.KindChallengeNotFound, autherr.KindOf(err))
}

func TestRevokeAllOnlyAffectsOwner(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})

	chA1, err := m.Generate(ctx, "owner-a")
	require.NoError(t, err)
	chA2, err := m.Generate(ctx, "owner-a")
	require.NoError(t, err)
	chB, err := m.Generate(ctx, "owner-b")
	require.NoError(t, err)

	require.NoError(t, m.RevokeAll(ctx, "owner-a"))

	require.Equal(t, autherr.KindChallengeNotFound, autherr.KindOf(m.Validate(ctx, chA1.Token, "owner-a")))
	require.Equal(t, autherr.KindChallengeNotFound, autherr.KindOf(m.Validate(ctx, chA2.Token, "owner-a")))
	require.NoError(t, m.Validate(ctx, chB.Token, "owner-b"))
}

func TestAdoptTracksExternalToken(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})

	_, err := m.Adopt(ctx, "external-token", "owner-1")
	require.NoError(t, err)

	require.NoError(t, m.Consume(ctx, "external-token", "owner-1"))
	err = m.Consume(ctx, "external-token", "owner-1")
	require.Equal(t, autherr.KindChallengeNotFound, autherr.KindOf(err))
}

func TestPruningLoopRemovesExpired(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	m := NewManager(store, Options{TTL: 5 * time.Millisecond, PruneInterval: 10 * time.Millisecond})
	m.Start(ctx)
	defer m.Stop()

	_, err := m.Generate(ctx, "owner-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.challenges) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), Options{PruneInterval: time.Minute})

	m.Start(ctx)
	m.Start(ctx)
	m.Stop()
	m.Stop()
}
