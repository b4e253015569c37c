// Package autherr defines the failure taxonomy shared by every
// authentication component. Failures cross component boundaries as typed
// records so the fallback orchestrator can decide whether to advance the
// chain without unwinding through panics or sentinel string matching.
package autherr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure. The orchestrator keys its retry decisions off
// the kind rather than the message.
type Kind string

const (
	KindCapabilityDetection Kind = "capability_detection_failure"
	KindChallengeExpired    Kind = "challenge_expired"
	KindChallengeNotFound   Kind = "challenge_not_found"
	KindCeremonyCancelled   Kind = "ceremony_cancelled"
	KindCeremonyFailed      Kind = "ceremony_failed"
	KindCounterRegression   Kind = "counter_regression"
	KindRateLimitExceeded   Kind = "rate_limit_exceeded"
	KindProtocolStateDesync Kind = "protocol_state_desync"
	KindStorageFailure      Kind = "storage_failure"
	KindDuplicateIdentity   Kind = "duplicate_identity"
	KindIdentityNotFound    Kind = "identity_not_found"
	KindVerificationFailed  Kind = "verification_failed"
)

// Failure is the tagged error record propagated between components.
type Failure struct {
	Kind       Kind
	Detail     string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Detail, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Is lets errors.Is match two failures by kind alone.
func (f *Failure) Is(target error) bool {
	var other *Failure
	if errors.As(target, &other) {
		return f.Kind == other.Kind
	}
	return false
}

// New builds a failure of the given kind. Retryability defaults follow the
// taxonomy: only kinds that are safe to re-attempt are marked retryable.
func New(kind Kind, detail string) *Failure {
	return &Failure{Kind: kind, Detail: detail, Retryable: defaultRetryable(kind)}
}

// Wrap builds a failure that carries an underlying cause.
func Wrap(kind Kind, detail string, err error) *Failure {
	f := New(kind, detail)
	f.Err = err
	return f
}

// RateLimited builds a rate-limit failure carrying the computed retry-after.
func RateLimited(detail string, retryAfter time.Duration) *Failure {
	f := New(KindRateLimitExceeded, detail)
	f.RetryAfter = retryAfter
	return f
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindCeremonyFailed, KindStorageFailure, KindVerificationFailed:
		return true
	default:
		return false
	}
}

// KindOf extracts the kind from an arbitrary error, or "" when the error is
// not a Failure.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// IsRetryable reports whether the error may be re-attempted. Errors outside
// the taxonomy are treated as retryable transport-level trouble.
func IsRetryable(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Retryable
	}
	return err != nil
}
