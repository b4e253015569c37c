// Package opaque implements the server side of an OPAQUE-style
// zero-knowledge password protocol. The server never observes a plaintext
// password: registration and login exchange blinded OPRF elements and
// opaque envelopes only, and the stored record contains nothing a password
// could be recovered from offline without the client's secrets.
package opaque

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/lunehealth/authcore/internal/autherr"
	"github.com/lunehealth/authcore/internal/session"
	"github.com/lunehealth/authcore/internal/storage"
)

const (
	// DefaultStateTTL bounds how long a begin step stays redeemable.
	DefaultStateTTL = 2 * time.Minute
)

// RegistrationRequest is the client's blinded registration envelope.
type RegistrationRequest struct {
	BlindedElement []byte `cbor:"1,keyasint"`
}

// RegistrationResponse returns the evaluated element and the server's
// static public key for envelope construction on the client.
type RegistrationResponse struct {
	EvaluatedElement []byte `cbor:"1,keyasint"`
	ServerPublicKey  []byte `cbor:"2,keyasint"`
}

// RegistrationUpload is the client's finished registration material.
type RegistrationUpload struct {
	Envelope        []byte `cbor:"1,keyasint"`
	ClientPublicKey []byte `cbor:"2,keyasint"`
}

// LoginRequest is the client's blinded login request.
type LoginRequest struct {
	BlindedElement           []byte `cbor:"1,keyasint"`
	ClientEphemeralPublicKey []byte `cbor:"2,keyasint"`
}

// LoginResponse carries everything the client needs to recover its
// envelope and finish the key exchange.
type LoginResponse struct {
	EvaluatedElement         []byte `cbor:"1,keyasint"`
	Envelope                 []byte `cbor:"2,keyasint"`
	ServerPublicKey          []byte `cbor:"3,keyasint"`
	ServerEphemeralPublicKey []byte `cbor:"4,keyasint"`
}

// LoginFinish is the client's key-confirmation message.
type LoginFinish struct {
	ClientMAC []byte `cbor:"1,keyasint"`
}

// registrationRecord is the persisted opaque record. It never contains
// plaintext password material. OwnerID is the account the username logs
// into; sessions are issued against it.
type registrationRecord struct {
	Username        string    `cbor:"1,keyasint"`
	Envelope        []byte    `cbor:"2,keyasint"`
	ClientPublicKey []byte    `cbor:"3,keyasint"`
	CreatedAt       time.Time `cbor:"4,keyasint"`
	OwnerID         string    `cbor:"5,keyasint,omitempty"`
}

// loginState is the transient server-side state between begin and finish.
type loginState struct {
	ExpectedClientMAC []byte    `cbor:"1,keyasint"`
	SessionKey        []byte    `cbor:"2,keyasint"`
	ExpiresAt         time.Time `cbor:"3,keyasint"`
	OwnerID           string    `cbor:"4,keyasint,omitempty"`
}

// Options tunes the engine.
type Options struct {
	StateTTL         time.Duration
	RateLimitWindow  time.Duration
	MaxLoginAttempts int
	CleanupEvery     time.Duration
	Logger           *slog.Logger
}

// Engine is the server-side protocol engine.
type Engine struct {
	suite    Suite
	store    storage.SecureStore
	sessions *session.Manager
	limiter  *RateLimiter
	opts     Options
	logger   *slog.Logger

	// regMu makes the duplicate check and the record write atomic for
	// concurrent registrations of the same username.
	regMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

func NewEngine(suite Suite, store storage.SecureStore, sessions *session.Manager, opts Options) *Engine {
	if opts.StateTTL <= 0 {
		opts.StateTTL = DefaultStateTTL
	}
	if opts.CleanupEvery <= 0 {
		opts.CleanupEvery = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		suite:    suite,
		store:    store,
		sessions: sessions,
		limiter:  NewRateLimiter(opts.RateLimitWindow, opts.MaxLoginAttempts),
		opts:     opts,
		logger:   opts.Logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func recordKey(username string) string { return "record/" + username }
func regKey(username string) string    { return "reg/" + username }
func loginKey(username string) string  { return "login/" + username }

// BeginRegistration evaluates the blinded element for a new identity.
// Duplicate usernames are rejected before any protocol work happens.
func (e *Engine) BeginRegistration(ctx context.Context, username string, req *RegistrationRequest) (*RegistrationResponse, error) {
	e.regMu.Lock()
	defer e.regMu.Unlock()

	exists, err := e.store.Exists(ctx, recordKey(username))
	if err != nil {
		return nil, autherr.Wrap(autherr.KindStorageFailure, "failed to check for existing record", err)
	}
	if exists {
		return nil, autherr.New(autherr.KindDuplicateIdentity, "username already registered")
	}

	evaluated, err := e.suite.EvaluateOPRF(username, req.BlindedElement)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindCeremonyFailed, "OPRF evaluation failed", err)
	}

	// Mark the pending registration so finish cannot run without begin.
	meta := &storage.Metadata{ExpiresAt: time.Now().Add(e.opts.StateTTL)}
	if err := e.store.Store(ctx, regKey(username), []byte{1}, meta); err != nil {
		return nil, autherr.Wrap(autherr.KindStorageFailure, "failed to store registration state", err)
	}

	return &RegistrationResponse{
		EvaluatedElement: evaluated,
		ServerPublicKey:  e.suite.ServerPublicKey(),
	}, nil
}

// FinishRegistration persists the opaque record. This is the only step
// that writes durable registration state. ownerID names the account the
// record belongs to; empty means the username is the account id.
func (e *Engine) FinishRegistration(ctx context.Context, username, ownerID string, upload *RegistrationUpload) error {
	e.regMu.Lock()
	defer e.regMu.Unlock()

	// A record written since begin wins: a concurrent or stale finish
	// must not overwrite it.
	exists, err := e.store.Exists(ctx, recordKey(username))
	if err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to check for existing record", err)
	}
	if exists {
		return autherr.New(autherr.KindDuplicateIdentity, "username already registered")
	}

	pending, _, err := e.store.Retrieve(ctx, regKey(username))
	if err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to load registration state", err)
	}
	if pending == nil {
		return autherr.New(autherr.KindProtocolStateDesync, "no registration in progress")
	}
	if err := e.store.Remove(ctx, regKey(username)); err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to clear registration state", err)
	}

	if len(upload.Envelope) == 0 || len(upload.ClientPublicKey) == 0 {
		return autherr.New(autherr.KindCeremonyFailed, "incomplete registration upload")
	}

	if ownerID == "" {
		ownerID = username
	}
	record := registrationRecord{
		Username:        username,
		Envelope:        upload.Envelope,
		ClientPublicKey: upload.ClientPublicKey,
		CreatedAt:       time.Now(),
		OwnerID:         ownerID,
	}
	data, err := cbor.Marshal(&record)
	if err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to encode record", err)
	}

	if err := e.store.Store(ctx, recordKey(username), data, nil); err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to persist record", err)
	}

	e.logger.Info("opaque registration completed", "username", username)
	return nil
}

// BeginLogin evaluates the blinded login request and opens a key exchange.
// Every call counts against the identifier's rate-limit window.
func (e *Engine) BeginLogin(ctx context.Context, username string, req *LoginRequest) (*LoginResponse, error) {
	if err := e.limiter.Check(username); err != nil {
		return nil, err
	}

	data, _, err := e.store.Retrieve(ctx, recordKey(username))
	if err != nil {
		return nil, autherr.Wrap(autherr.KindStorageFailure, "failed to load record", err)
	}
	if data == nil {
		return nil, autherr.New(autherr.KindIdentityNotFound, "unknown identity")
	}

	var record registrationRecord
	if err := cbor.Unmarshal(data, &record); err != nil {
		return nil, autherr.Wrap(autherr.KindStorageFailure, "corrupt registration record", err)
	}

	evaluated, err := e.suite.EvaluateOPRF(username, req.BlindedElement)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindCeremonyFailed, "OPRF evaluation failed", err)
	}

	ke, err := e.suite.GenerateKeyExchange()
	if err != nil {
		return nil, autherr.Wrap(autherr.KindCeremonyFailed, "key exchange failed", err)
	}

	transcript := loginTranscript(username, req, evaluated, record.Envelope, ke.PublicKey)
	keys, err := e.suite.DeriveLoginKeys(ke, record.ClientPublicKey, req.ClientEphemeralPublicKey, transcript)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindCeremonyFailed, "key derivation failed", err)
	}

	state := loginState{
		ExpectedClientMAC: computeMAC(keys.ClientMACKey, transcript),
		SessionKey:        keys.SessionKey,
		ExpiresAt:         time.Now().Add(e.opts.StateTTL),
		OwnerID:           record.OwnerID,
	}
	stateData, err := cbor.Marshal(&state)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindStorageFailure, "failed to encode login state", err)
	}
	meta := &storage.Metadata{ExpiresAt: state.ExpiresAt}
	if err := e.store.Store(ctx, loginKey(username), stateData, meta); err != nil {
		return nil, autherr.Wrap(autherr.KindStorageFailure, "failed to store login state", err)
	}

	return &LoginResponse{
		EvaluatedElement:         evaluated,
		Envelope:                 record.Envelope,
		ServerPublicKey:          e.suite.ServerPublicKey(),
		ServerEphemeralPublicKey: ke.PublicKey,
	}, nil
}

// FinishLogin verifies the client's key confirmation and issues a session.
// Nothing is persisted unless the whole step succeeds.
func (e *Engine) FinishLogin(ctx context.Context, username string, fin *LoginFinish) (*session.Session, error) {
	stateData, _, err := e.store.Retrieve(ctx, loginKey(username))
	if err != nil {
		return nil, autherr.Wrap(autherr.KindStorageFailure, "failed to load login state", err)
	}
	if stateData == nil {
		return nil, autherr.New(autherr.KindProtocolStateDesync, "no login in progress")
	}
	if err := e.store.Remove(ctx, loginKey(username)); err != nil {
		return nil, autherr.Wrap(autherr.KindStorageFailure, "failed to clear login state", err)
	}

	var state loginState
	if err := cbor.Unmarshal(stateData, &state); err != nil {
		return nil, autherr.Wrap(autherr.KindProtocolStateDesync, "corrupt login state", err)
	}
	if time.Now().After(state.ExpiresAt) {
		return nil, autherr.New(autherr.KindProtocolStateDesync, "login state expired")
	}

	if !macEqual(state.ExpectedClientMAC, fin.ClientMAC) {
		return nil, autherr.New(autherr.KindVerificationFailed, "key confirmation failed")
	}

	e.limiter.Reset(username)

	owner := state.OwnerID
	if owner == "" {
		owner = username
	}
	issued, err := e.sessions.Issue(ctx, owner, "opaque-password")
	if err != nil {
		return nil, err
	}
	e.logger.Info("opaque login completed", "username", username, "session", issued.ID)
	return issued, nil
}

// DeleteAccount removes the opaque record on account removal, along with
// every session held by the record's owner.
func (e *Engine) DeleteAccount(ctx context.Context, username string) error {
	owner := username
	data, _, err := e.store.Retrieve(ctx, recordKey(username))
	if err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to load record", err)
	}
	if data != nil {
		var record registrationRecord
		if err := cbor.Unmarshal(data, &record); err == nil && record.OwnerID != "" {
			owner = record.OwnerID
		}
	}

	if err := e.store.Remove(ctx, recordKey(username)); err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to delete record", err)
	}
	return e.sessions.RevokeAll(ctx, owner)
}

// HasRecord reports whether an opaque record exists for the username.
func (e *Engine) HasRecord(ctx context.Context, username string) (bool, error) {
	exists, err := e.store.Exists(ctx, recordKey(username))
	if err != nil {
		return false, autherr.Wrap(autherr.KindStorageFailure, "failed to check record", err)
	}
	return exists, nil
}

// AttemptsRemaining exposes the identifier's rate-limit headroom.
func (e *Engine) AttemptsRemaining(username string) int {
	return e.limiter.Remaining(username)
}

// Start launches periodic cleanup of stale rate-limit windows. Only the
// first call launches the loop.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() { e.start(ctx) })
}

func (e *Engine) start(ctx context.Context) {
	e.started.Store(true)
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.opts.CleanupEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.C:
				if removed := e.limiter.Cleanup(); removed > 0 {
					e.logger.Debug("purged stale rate-limit windows", "count", removed)
				}
			}
		}
	}()
}

// Stop terminates the cleanup loop.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
		if e.started.Load() {
			<-e.done
		}
	})
}

// loginTranscript binds every public protocol value for one login attempt.
func loginTranscript(username string, req *LoginRequest, evaluated, envelope, serverEphPub []byte) []byte {
	h := sha256.New()
	h.Write([]byte(protocolLabel))
	h.Write([]byte(username))
	h.Write(req.BlindedElement)
	h.Write(req.ClientEphemeralPublicKey)
	h.Write(evaluated)
	h.Write(envelope)
	h.Write(serverEphPub)
	return h.Sum(nil)
}
