// Package fallback ranks authentication methods by strength and attempts
// them strictly in order until one succeeds or the chain is exhausted.
// Failures advance the chain as typed records; exhaustion surfaces every
// attempted method together with the available recovery options.
package fallback

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/lunehealth/authcore/internal/autherr"
	"github.com/lunehealth/authcore/internal/capability"
	"github.com/lunehealth/authcore/internal/session"
	"github.com/lunehealth/authcore/internal/storage"
)

// Method names, ordered from strongest to weakest.
const (
	MethodPasskeyPlatform          = "passkey-platform"
	MethodStrongCredentialPlatform = "strong-credential-platform"
	MethodStrongCredentialRoaming  = "strong-credential-roaming"
	MethodOpaquePassword           = "opaque-password"
	MethodRecoveryPhrase           = "recovery-phrase"
	MethodEmergencyCode            = "emergency-code"
)

// Recovery kinds accepted by the recovery subsystem contract.
const (
	RecoveryKindPhrase    = "phrase"
	RecoveryKindEmergency = "emergency"
)

// Requirements names the capabilities a method needs to be eligible.
type Requirements struct {
	StrongCredential bool
	Passkeys         bool
	HardwareBacked   bool
}

// Method is a static fallback chain entry. Lower priority is tried first.
type Method struct {
	Name      string
	Priority  int
	Retryable bool
	Requires  Requirements
}

// DefaultChain returns the full method ranking.
func DefaultChain() []Method {
	return []Method{
		{Name: MethodPasskeyPlatform, Priority: 1, Retryable: true, Requires: Requirements{Passkeys: true}},
		{Name: MethodStrongCredentialPlatform, Priority: 2, Retryable: true, Requires: Requirements{StrongCredential: true}},
		{Name: MethodStrongCredentialRoaming, Priority: 3, Retryable: true, Requires: Requirements{StrongCredential: true}},
		{Name: MethodOpaquePassword, Priority: 4, Retryable: true},
		{Name: MethodRecoveryPhrase, Priority: 5, Retryable: false},
		{Name: MethodEmergencyCode, Priority: 6, Retryable: false},
	}
}

// ChainOptions shape the candidate chain for one run.
type ChainOptions struct {
	// Preferred moves the named method to the front without removing the
	// others.
	Preferred string
	// Skip removes methods outright.
	Skip []string
}

// BuildChain filters the configured methods against the capability profile
// and the active storage backend, then orders them. The result is a
// deterministic function of its inputs.
func BuildChain(methods []Method, profile *capability.Profile, storeCaps storage.Capabilities, opts ChainOptions) []Method {
	skip := make(map[string]bool, len(opts.Skip))
	for _, name := range opts.Skip {
		skip[name] = true
	}

	var eligible []Method
	for _, m := range methods {
		if skip[m.Name] {
			continue
		}
		if m.Requires.Passkeys && !profile.SupportsPasskeys {
			continue
		}
		if m.Requires.StrongCredential && !profile.SupportsStrongCredential {
			continue
		}
		if m.Requires.HardwareBacked && !profile.HardwareBacked && !storeCaps.HardwareBacked {
			continue
		}
		eligible = append(eligible, m)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Priority < eligible[j].Priority
	})

	if opts.Preferred != "" {
		for i, m := range eligible {
			if m.Name == opts.Preferred {
				preferred := eligible[i]
				eligible = append(eligible[:i], eligible[i+1:]...)
				eligible = append([]Method{preferred}, eligible...)
				break
			}
		}
	}
	return eligible
}

// RecoveryResult is what the recovery subsystem reports back.
type RecoveryResult struct {
	Success bool
	OwnerID string
}

// RecoveryValidator is the external recovery subsystem contract. The
// orchestrator is the only component that calls it.
type RecoveryValidator interface {
	ValidateRecovery(ctx context.Context, kind string, payload []byte) (*RecoveryResult, error)
}

// Executor runs one authentication method. A nil error means success.
type Executor func(ctx context.Context) (*session.Session, error)

// Request describes one orchestrated run.
type Request struct {
	Identifier string
	Chain      ChainOptions

	// Recovery payloads, present only when the user supplied them. A
	// recovery method without its payload is not eligible.
	RecoveryPhrase []byte
	EmergencyCode  []byte
}

// AttemptRecord captures one failed or successful method attempt.
type AttemptRecord struct {
	Method string        `json:"method"`
	Kind   autherr.Kind  `json:"kind,omitempty"`
	Detail string        `json:"detail,omitempty"`
	Took   time.Duration `json:"took"`
}

// Outcome aggregates an orchestrated run.
type Outcome struct {
	Success         bool
	Method          string
	Session         *session.Session
	Attempted       []AttemptRecord
	FallbackCount   int
	RecoveryOptions []string
}

// Options tunes the orchestrator.
type Options struct {
	Methods []Method
	// MaxRetriesPerMethod caps how many times a retryable method is
	// re-attempted on a retryable failure before the chain advances.
	// Zero means a single attempt per method.
	MaxRetriesPerMethod int
	Logger              *slog.Logger
}

// Orchestrator executes the fallback chain. Methods run strictly one at a
// time so the user never faces two authenticator prompts at once.
type Orchestrator struct {
	methods  []Method
	recovery RecoveryValidator
	sessions *session.Manager
	opts     Options
	logger   *slog.Logger
}

func NewOrchestrator(recovery RecoveryValidator, sessions *session.Manager, opts Options) *Orchestrator {
	if opts.Methods == nil {
		opts.Methods = DefaultChain()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		methods:  opts.Methods,
		recovery: recovery,
		sessions: sessions,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Chain exposes the chain a run would use, mainly for callers that present
// the method order to the user.
func (o *Orchestrator) Chain(profile *capability.Profile, storeCaps storage.Capabilities, opts ChainOptions) []Method {
	return BuildChain(o.methods, profile, storeCaps, opts)
}

// Run attempts each eligible method in order. The executors map supplies
// the per-method execution; recovery methods are executed internally
// against the recovery subsystem and need no entry.
func (o *Orchestrator) Run(ctx context.Context, req *Request, profile *capability.Profile, storeCaps storage.Capabilities, executors map[string]Executor) *Outcome {
	chain := BuildChain(o.methods, profile, storeCaps, req.Chain)
	outcome := &Outcome{}

	for _, method := range chain {
		executor := o.executorFor(method, req, executors)
		if executor == nil {
			continue
		}

		issued, record := o.attempt(ctx, method, executor)
		outcome.Attempted = append(outcome.Attempted, record...)

		if issued != nil {
			outcome.Success = true
			outcome.Method = method.Name
			outcome.Session = issued
			outcome.FallbackCount = countFallbacks(outcome.Attempted, method.Name)
			o.logger.Info("authentication succeeded",
				"identifier", req.Identifier, "method", method.Name, "fallbacks", outcome.FallbackCount)
			return outcome
		}
	}

	outcome.RecoveryOptions = recoveryOptions(profile)
	o.logger.Warn("authentication chain exhausted",
		"identifier", req.Identifier, "attempted", len(outcome.Attempted))
	return outcome
}

// attempt runs a single method, honoring its retry policy. Cancellation,
// counter regression, and state desync are never silently retried.
func (o *Orchestrator) attempt(ctx context.Context, method Method, executor Executor) (*session.Session, []AttemptRecord) {
	var records []AttemptRecord

	tries := 1
	if method.Retryable {
		tries += o.opts.MaxRetriesPerMethod
	}

	for i := 0; i < tries; i++ {
		start := time.Now()
		issued, err := executor(ctx)
		took := time.Since(start)

		if err == nil {
			records = append(records, AttemptRecord{Method: method.Name, Took: took})
			return issued, records
		}

		record := AttemptRecord{Method: method.Name, Kind: autherr.KindOf(err), Detail: errDetail(err), Took: took}
		records = append(records, record)
		o.logger.Debug("method attempt failed", "method", method.Name, "kind", record.Kind)

		if !autherr.IsRetryable(err) || terminalKind(record.Kind) {
			break
		}
	}
	return nil, records
}

func (o *Orchestrator) executorFor(method Method, req *Request, executors map[string]Executor) Executor {
	switch method.Name {
	case MethodRecoveryPhrase:
		if len(req.RecoveryPhrase) == 0 || o.recovery == nil {
			return nil
		}
		return o.recoveryExecutor(RecoveryKindPhrase, method.Name, req.RecoveryPhrase)
	case MethodEmergencyCode:
		if len(req.EmergencyCode) == 0 || o.recovery == nil {
			return nil
		}
		return o.recoveryExecutor(RecoveryKindEmergency, method.Name, req.EmergencyCode)
	default:
		return executors[method.Name]
	}
}

func (o *Orchestrator) recoveryExecutor(kind, methodName string, payload []byte) Executor {
	return func(ctx context.Context) (*session.Session, error) {
		result, err := o.recovery.ValidateRecovery(ctx, kind, payload)
		if err != nil {
			return nil, autherr.Wrap(autherr.KindVerificationFailed, "recovery validation failed", err)
		}
		if !result.Success {
			return nil, autherr.New(autherr.KindVerificationFailed, "recovery payload rejected")
		}
		return o.sessions.Issue(ctx, result.OwnerID, methodName)
	}
}

// terminalKind marks failure kinds that must never be retried with the
// same credential or session.
func terminalKind(kind autherr.Kind) bool {
	switch kind {
	case autherr.KindCeremonyCancelled, autherr.KindCounterRegression, autherr.KindProtocolStateDesync, autherr.KindRateLimitExceeded:
		return true
	default:
		return false
	}
}

// recoveryOptions lists what the user can still do after exhaustion.
func recoveryOptions(profile *capability.Profile) []string {
	options := []string{"recovery-phrase", "emergency-code", "account-reset"}
	if profile.SupportsStrongCredential {
		options = append(options, "backup-authenticator")
	}
	return options
}

func countFallbacks(attempted []AttemptRecord, winner string) int {
	count := 0
	seen := make(map[string]bool)
	for _, record := range attempted {
		if record.Method == winner {
			continue
		}
		if !seen[record.Method] {
			seen[record.Method] = true
			count++
		}
	}
	return count
}

func errDetail(err error) string {
	var failure *autherr.Failure
	if errors.As(err, &failure) {
		return failure.Detail
	}
	return err.Error()
}
