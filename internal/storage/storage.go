// Package storage provides the namespaced secure key/value contract shared
// by every platform backend. Backends differ only in what hardware sits
// behind them; the contract, expiry handling, and error classification are
// identical across all of them.
package storage

import (
	"context"
	"fmt"
	"time"
)

// Metadata rides alongside a stored value. ExpiresAt is enforced by the
// store itself: an expired entry is removed on read and reported as absent.
type Metadata struct {
	ExpiresAt      time.Time `json:"expiresAt,omitempty"`
	HardwareBacked bool      `json:"hardwareBacked,omitempty"`
	BiometricGated bool      `json:"biometricGated,omitempty"`
}

// Expired reports whether the entry is past its expiry. Zero ExpiresAt
// means the entry never expires.
func (m *Metadata) Expired(now time.Time) bool {
	return m != nil && !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Capabilities describes what the active backend can actually guarantee.
// The fallback orchestrator consults this when deciding method eligibility.
type Capabilities struct {
	HardwareBacked  bool
	Encrypted       bool
	BiometricGated  bool
	SurvivesRestart bool
}

// SecureStore is the platform-abstracted secure persistence contract.
// Retrieve returns (nil, nil, nil) when the key is absent or expired.
type SecureStore interface {
	Store(ctx context.Context, key string, value []byte, meta *Metadata) error
	Retrieve(ctx context.Context, key string) ([]byte, *Metadata, error)
	Remove(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Capabilities() Capabilities
}

// StorageError wraps a backend failure with retryability. Corruption
// (a stored envelope that no longer decodes) is never retryable.
type StorageError struct {
	Op        string
	Key       string
	Retryable bool
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func transientError(op, key string, err error) *StorageError {
	return &StorageError{Op: op, Key: key, Retryable: true, Err: err}
}

func corruptionError(op, key string, err error) *StorageError {
	return &StorageError{Op: op, Key: key, Retryable: false, Err: err}
}

// envelope is the serialized form every backend writes.
type envelope struct {
	Value []byte    `json:"value"`
	Meta  *Metadata `json:"meta,omitempty"`
}
