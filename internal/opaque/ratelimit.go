package opaque

import (
	"sync"
	"time"

	"github.com/lunehealth/authcore/internal/autherr"
)

const (
	DefaultRateLimitWindow = 15 * time.Minute
	DefaultMaxAttempts     = 10
)

// RateLimiter enforces a sliding attempt window per identifier. Updates to
// a given identifier are atomic: concurrent attempts cannot under-count.
type RateLimiter struct {
	window      time.Duration
	maxAttempts int

	attempts map[string][]time.Time
	mu       sync.Mutex

	now func() time.Time
}

func NewRateLimiter(window time.Duration, maxAttempts int) *RateLimiter {
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &RateLimiter{
		window:      window,
		maxAttempts: maxAttempts,
		attempts:    make(map[string][]time.Time),
		now:         time.Now,
	}
}

// Check records one attempt for the identifier and rejects it when the
// window is already saturated. The returned failure carries the time until
// the oldest in-window attempt slides out.
func (r *RateLimiter) Check(identifier string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	live := r.attempts[identifier][:0]
	for _, at := range r.attempts[identifier] {
		if at.After(cutoff) {
			live = append(live, at)
		}
	}

	if len(live) >= r.maxAttempts {
		r.attempts[identifier] = live
		retryAfter := live[0].Sub(cutoff)
		return autherr.RateLimited("too many attempts", retryAfter)
	}

	r.attempts[identifier] = append(live, now)
	return nil
}

// Reset clears an identifier's window, typically after a successful login.
func (r *RateLimiter) Reset(identifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.attempts, identifier)
}

// Remaining reports how many attempts are left inside the current window.
func (r *RateLimiter) Remaining(identifier string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	live := 0
	for _, at := range r.attempts[identifier] {
		if at.After(cutoff) {
			live++
		}
	}
	if live >= r.maxAttempts {
		return 0
	}
	return r.maxAttempts - live
}

// Cleanup drops identifiers whose windows have fully elapsed.
func (r *RateLimiter) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	removed := 0
	for identifier, attempts := range r.attempts {
		stale := true
		for _, at := range attempts {
			if at.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			delete(r.attempts, identifier)
			removed++
		}
	}
	return removed
}
