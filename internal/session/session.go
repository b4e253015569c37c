// Package session issues and validates authenticated sessions. Session
// state lives behind a pluggable store (in-memory default, redis for
// multi-instance); the session key handed to the caller is a signed token
// so it can be validated cheaply before the store is consulted.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lunehealth/authcore/internal/autherr"
)

const DefaultTTL = 24 * time.Hour

// Session is the issued authentication session. Key is opaque to callers.
type Session struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Method    string    `json:"method"`
	Key       string    `json:"key,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store is the pluggable session persistence contract.
type Store interface {
	Save(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	DeleteOwner(ctx context.Context, ownerID string) error
	CleanupExpired(ctx context.Context) (int, error)
}

// Options tunes the manager.
type Options struct {
	TTL           time.Duration
	SigningSecret []byte
	CleanupEvery  time.Duration
	Logger        *slog.Logger
}

// Manager issues, validates, and revokes sessions.
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
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.CleanupEvery <= 0 {
		opts.CleanupEvery = 5 * time.Minute
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

// Issue creates a session for an owner after a successful authentication.
func (m *Manager) Issue(ctx context.Context, ownerID, method string) (*Session, error) {
	now := time.Now()
	session := &Session{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Method:    method,
		CreatedAt: now,
		ExpiresAt: now.Add(m.opts.TTL),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": ownerID,
		"sid": session.ID,
		"iat": now.Unix(),
		"exp": session.ExpiresAt.Unix(),
	})
	key, err := token.SignedString(m.opts.SigningSecret)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindStorageFailure, "failed to sign session key", err)
	}
	session.Key = key

	// The signed key never touches the store; revocation works off the id.
	persisted := *session
	persisted.Key = ""
	if err := m.store.Save(ctx, &persisted); err != nil {
		return nil, autherr.Wrap(autherr.KindStorageFailure, "failed to save session", err)
	}
	return session, nil
}

// Validate checks a session key's signature, expiry, and revocation state.
func (m *Manager) Validate(ctx context.Context, key string) (*Session, error) {
	token, err := jwt.Parse(key, func(t *jwt.Token) (any, error) {
		return m.opts.SigningSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, autherr.New(autherr.KindVerificationFailed, "invalid session key")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, autherr.New(autherr.KindVerificationFailed, "invalid session claims")
	}
	sid, _ := claims["sid"].(string)
	if sid == "" {
		return nil, autherr.New(autherr.KindVerificationFailed, "session key missing id")
	}

	session, err := m.store.Get(ctx, sid)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindStorageFailure, "failed to load session", err)
	}
	if session == nil {
		return nil, autherr.New(autherr.KindVerificationFailed, "session revoked or expired")
	}
	if time.Now().After(session.ExpiresAt) {
		if err := m.store.Delete(ctx, sid); err != nil {
			m.logger.Warn("failed to remove expired session", "session", sid, "error", err)
		}
		return nil, autherr.New(autherr.KindVerificationFailed, "session expired")
	}
	return session, nil
}

// Revoke removes a single session.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	if err := m.store.Delete(ctx, sessionID); err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to revoke session", err)
	}
	return nil
}

// RevokeAll removes every session for an owner.
func (m *Manager) RevokeAll(ctx context.Context, ownerID string) error {
	if err := m.store.DeleteOwner(ctx, ownerID); err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to revoke sessions", err)
	}
	return nil
}

// Start launches the periodic expired-session purge. Only the first call
// launches the loop.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() { m.start(ctx) })
}

func (m *Manager) start(ctx context.Context) {
	m.started.Store(true)
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.opts.CleanupEvery)
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
					m.logger.Warn("session cleanup failed", "error", err)
					continue
				}
				if removed > 0 {
					m.logger.Debug("purged expired sessions", "count", removed)
				}
			}
		}
	}()
}

// Stop terminates the cleanup loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		if m.started.Load() {
			<-m.done
		}
	})
}
