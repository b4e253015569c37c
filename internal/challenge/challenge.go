// Package challenge owns the one-time token lifecycle: generation,
// validation, atomic consumption, and revocation. Challenges back both the
// strong-credential ceremonies and the recovery flows; each one is valid
// for a single consumption no matter how many callers race on it.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lunehealth/authcore/internal/autherr"
)

const (
	// DefaultTokenLength yields 256 bits of entropy.
	DefaultTokenLength = 32
	DefaultTTL         = 5 * time.Minute
	defaultPruneEvery  = time.Minute
)

// Challenge is a single-use token bound to an optional owner.
type Challenge struct {
	Token     string    `json:"token"`
	OwnerID   string    `json:"ownerId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store is the pluggable persistence contract. The in-memory store is the
// default; a redis store enables multi-instance deployments. Take must be
// atomic: under concurrent calls for the same key, exactly one caller
// receives the record.
type Store interface {
	Put(ctx context.Context, key string, ch *Challenge) error
	Get(ctx context.Context, key string) (*Challenge, error)
	Delete(ctx context.Context, key string) error
	Take(ctx context.Context, key string) (*Challenge, error)
	DeleteOwner(ctx context.Context, ownerID string) error
	CleanupExpired(ctx context.Context) (int, error)
}

// Options tunes the manager. Zero values fall back to defaults.
type Options struct {
	TokenLength   int
	TTL           time.Duration
	PruneInterval time.Duration
	Logger        *slog.Logger
}

// Manager generates and consumes challenges against a backing store.
type Manager struct {
	store  Store
	opts   Options
	logger *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

func NewManager(store Store, opts Options) *Manager {
	if opts.TokenLength <= 0 {
		opts.TokenLength = DefaultTokenLength
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = defaultPruneEvery
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Manager{
		store:  store,
		opts:   opts,
		logger: opts.Logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// key scopes a challenge to its owner so that the same token issued for two
// owners never collides, and so owner-wide revocation can match by prefix.
func key(ownerID, token string) string {
	if ownerID == "" {
		ownerID = "-"
	}
	return fmt.Sprintf("%s:%s", ownerID, token)
}

// Generate mints a cryptographically random token and records it with the
// configured TTL.
func (m *Manager) Generate(ctx context.Context, ownerID string) (*Challenge, error) {
	buf := make([]byte, m.opts.TokenLength)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	return m.Adopt(ctx, token, ownerID)
}

// Adopt records an externally issued token (for example the challenge the
// ceremony library minted) under this manager's single-use lifecycle.
func (m *Manager) Adopt(ctx context.Context, token, ownerID string) (*Challenge, error) {
	now := time.Now()
	ch := &Challenge{
		Token:     token,
		OwnerID:   ownerID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.opts.TTL),
	}

	if err := m.store.Put(ctx, key(ownerID, token), ch); err != nil {
		return nil, autherr.Wrap(autherr.KindStorageFailure, "failed to store challenge", err)
	}
	return ch, nil
}

// Validate checks a challenge without consuming it. Expired challenges are
// pruned as a side effect; otherwise validation is idempotent.
func (m *Manager) Validate(ctx context.Context, token, ownerID string) error {
	ch, err := m.store.Get(ctx, key(ownerID, token))
	if err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to load challenge", err)
	}
	if ch == nil {
		return autherr.New(autherr.KindChallengeNotFound, "challenge not found")
	}
	if time.Now().After(ch.ExpiresAt) {
		if err := m.store.Delete(ctx, key(ownerID, token)); err != nil {
			m.logger.Warn("failed to prune expired challenge", "error", err)
		}
		return autherr.New(autherr.KindChallengeExpired, "challenge expired")
	}
	return nil
}

// Consume validates and deletes in one atomic step. Only the first caller
// for a given challenge succeeds.
func (m *Manager) Consume(ctx context.Context, token, ownerID string) error {
	ch, err := m.store.Take(ctx, key(ownerID, token))
	if err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to consume challenge", err)
	}
	if ch == nil {
		return autherr.New(autherr.KindChallengeNotFound, "challenge not found")
	}
	if time.Now().After(ch.ExpiresAt) {
		return autherr.New(autherr.KindChallengeExpired, "challenge expired")
	}
	return nil
}

// Revoke invalidates a single challenge.
func (m *Manager) Revoke(ctx context.Context, token, ownerID string) error {
	if err := m.store.Delete(ctx, key(ownerID, token)); err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to revoke challenge", err)
	}
	return nil
}

// RevokeAll invalidates every outstanding challenge for an owner.
func (m *Manager) RevokeAll(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		ownerID = "-"
	}
	if err := m.store.DeleteOwner(ctx, ownerID); err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to revoke challenges", err)
	}
	return nil
}

// Start launches periodic pruning of expired challenges. Pruning runs on
// its own schedule and never blocks a foreground call. Only the first call
// launches the loop.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() { m.start(ctx) })
}

func (m *Manager) start(ctx context.Context) {
	m.started.Store(true)
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.opts.PruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				removed, err := m.store.CleanupExpired(ctx)
				if err != nil {
					m.logger.Warn("challenge cleanup failed", "error", err)
					continue
				}
				if removed > 0 {
					m.logger.Debug("pruned expired challenges", "count", removed)
				}
			}
		}
	}()
}

// Stop terminates the pruning loop. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		if m.started.Load() {
			<-m.done
		}
	})
}
