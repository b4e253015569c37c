// Package passkey drives the strong-credential (WebAuthn) registration and
// authentication ceremonies. One capability-parameterized manager serves
// every platform; platform differences live in small option providers.
//
// Verification fails closed: any mismatch of origin, relying party,
// challenge, or signature leaves no partial state behind, and a usage
// counter that does not advance is rejected unconditionally as a possible
// cloned credential.
package passkey

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/lunehealth/authcore/internal/autherr"
	"github.com/lunehealth/authcore/internal/capability"
	"github.com/lunehealth/authcore/internal/challenge"
	"github.com/lunehealth/authcore/internal/storage"
)

// State tracks a ceremony attempt through its lifecycle.
type State string

const (
	StateIdle            State = "idle"
	StateOptionsIssued   State = "options_issued"
	StateCeremonyPending State = "ceremony_pending"
	StateVerified        State = "verified"
	StateFailed          State = "failed"
)

// Variant selects which authenticator class the ceremony targets.
type Variant string

const (
	VariantPlatform Variant = "platform"
	VariantRoaming  Variant = "roaming"
)

// Credential is the stored public-key credential record. The counter is
// monotonic non-decreasing; mutation happens only on successful
// verification, never on failure.
type Credential struct {
	ID              string                            `json:"id"`
	OwnerID         string                            `json:"ownerId"`
	PublicKey       []byte                            `json:"publicKey"`
	AttestationType string                            `json:"attestationType,omitempty"`
	Transport       []protocol.AuthenticatorTransport `json:"transport,omitempty"`
	Counter         uint32                            `json:"counter"`
	Platform        capability.Platform               `json:"platform"`
	CloneFlagged    bool                              `json:"cloneFlagged,omitempty"`
	CreatedAt       time.Time                         `json:"createdAt"`
	LastUsedAt      time.Time                         `json:"lastUsedAt"`
}

// ownerRecord is the persisted per-owner credential set, mirroring how the
// credential store keeps one document per identity.
type ownerRecord struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	DisplayName string       `json:"displayName"`
	Credentials []Credential `json:"credentials"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// ceremonyRecord is the transient state held between Begin and Finish.
type ceremonyRecord struct {
	State    State                 `json:"state"`
	Kind     string                `json:"kind"`
	Variant  Variant               `json:"variant"`
	Platform capability.Platform   `json:"platform"`
	Session  *webauthn.SessionData `json:"session"`
}

// CeremonyResult is what the external ceremony provider hands back.
// Cancelled marks an explicit user abort, which is terminal for the attempt.
type CeremonyResult struct {
	Response  []byte
	Cancelled bool
}

// CeremonyProvider is the external authenticator collaborator. It receives
// the generated options and returns the attestation or assertion response.
type CeremonyProvider interface {
	Register(ctx context.Context, options *protocol.CredentialCreation) (*CeremonyResult, error)
	Authenticate(ctx context.Context, options *protocol.CredentialAssertion) (*CeremonyResult, error)
}

// AttestationVerifier validates registration attestations. When a platform
// strategy demands direct attestation and no verifier is configured, the
// manager fails closed instead of accepting unverified attestations.
type AttestationVerifier interface {
	VerifyAttestation(ctx context.Context, attestationType string, response *protocol.ParsedCredentialCreationData) error
}

// Policy tunes verification behavior.
type Policy struct {
	// AllowZeroCounter accepts authenticators that never implement a
	// usage counter (both stored and returned counters are zero). Any
	// nonzero history still requires strict increase.
	AllowZeroCounter bool
}

// Manager runs ceremonies for every platform.
type Manager struct {
	webauthn   *webauthn.WebAuthn
	store      storage.SecureStore
	challenges *challenge.Manager
	verifier   AttestationVerifier
	policy     Policy
	logger     *slog.Logger
}

func NewManager(wa *webauthn.WebAuthn, store storage.SecureStore, challenges *challenge.Manager, verifier AttestationVerifier, policy Policy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		webauthn:   wa,
		store:      store,
		challenges: challenges,
		verifier:   verifier,
		policy:     policy,
		logger:     logger,
	}
}

func ownerKey(ownerID string) string    { return "owner/" + ownerID }
func ceremonyKey(ownerID string) string { return "ceremony/" + ownerID }

// BeginRegistration builds platform-tuned creation options, binds the
// ceremony challenge to the owner, and records the attempt state.
func (m *Manager) BeginRegistration(ctx context.Context, ownerID, name, displayName string, profile *capability.Profile, variant Variant) (*protocol.CredentialCreation, error) {
	record, err := m.loadOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		now := time.Now()
		record = &ownerRecord{
			ID:          ownerID,
			Name:        name,
			DisplayName: displayName,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	strategy := strategyFor(profile, variant)
	user := &ceremonyUser{record: record}

	options, session, err := m.webauthn.BeginRegistration(user,
		webauthn.WithAuthenticatorSelection(strategy.AuthenticatorSelection()),
		webauthn.WithConveyancePreference(strategy.Conveyance()),
		webauthn.WithExclusions(user.descriptors()),
	)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindCeremonyFailed, "failed to build registration options", err)
	}
	options.Response.Timeout = int(strategy.Timeout().Milliseconds())

	if _, err := m.challenges.Adopt(ctx, session.Challenge, ownerID); err != nil {
		return nil, err
	}

	if err := m.saveCeremony(ctx, ownerID, &ceremonyRecord{
		State:    StateOptionsIssued,
		Kind:     "registration",
		Variant:  variant,
		Platform: profile.Platform,
		Session:  session,
	}, strategy.Timeout()); err != nil {
		return nil, err
	}

	return options, nil
}

// FinishRegistration verifies the attestation response against the bound
// challenge, origin, and relying party, then persists the credential. The
// owner record is written only after every check passes.
func (m *Manager) FinishRegistration(ctx context.Context, ownerID, name, displayName string, result *CeremonyResult) (*Credential, error) {
	ceremony, err := m.takeCeremony(ctx, ownerID, "registration")
	if err != nil {
		return nil, err
	}

	if result.Cancelled {
		m.discardChallenge(ctx, ceremony.Session.Challenge, ownerID)
		return nil, autherr.New(autherr.KindCeremonyCancelled, "registration cancelled by user")
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(result.Response))
	if err != nil {
		m.discardChallenge(ctx, ceremony.Session.Challenge, ownerID)
		return nil, autherr.Wrap(autherr.KindCeremonyFailed, "malformed attestation response", err)
	}

	// The bound challenge is single-use: consume it before verification so
	// a replay of the same response can never verify twice.
	if err := m.challenges.Consume(ctx, ceremony.Session.Challenge, ownerID); err != nil {
		return nil, err
	}

	record, err := m.loadOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		now := time.Now()
		record = &ownerRecord{
			ID:          ownerID,
			Name:        name,
			DisplayName: displayName,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	user := &ceremonyUser{record: record}

	cred, err := m.webauthn.CreateCredential(user, *ceremony.Session, parsed)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindVerificationFailed, "attestation verification failed", err)
	}

	strategy := strategyFor(&capability.Profile{Platform: ceremony.Platform}, ceremony.Variant)
	if strategy.Conveyance() == protocol.PreferDirectAttestation {
		if m.verifier == nil {
			return nil, autherr.New(autherr.KindVerificationFailed, "direct attestation required but no attestation verifier configured")
		}
		if err := m.verifier.VerifyAttestation(ctx, cred.AttestationType, parsed); err != nil {
			return nil, autherr.Wrap(autherr.KindVerificationFailed, "attestation rejected", err)
		}
	}

	now := time.Now()
	stored := Credential{
		ID:              encodeCredentialID(cred.ID),
		OwnerID:         ownerID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		Transport:       cred.Transport,
		Counter:         cred.Authenticator.SignCount,
		Platform:        ceremony.Platform,
		CreatedAt:       now,
		LastUsedAt:      now,
	}

	record.Credentials = append(record.Credentials, stored)
	record.UpdatedAt = now
	if err := m.saveOwner(ctx, record); err != nil {
		return nil, err
	}

	m.logger.Info("credential registered", "owner", ownerID, "platform", ceremony.Platform, "variant", ceremony.Variant)
	return &stored, nil
}

// BeginAuthentication builds assertion options scoped to the owner's
// credentials that can serve the requested authenticator class.
func (m *Manager) BeginAuthentication(ctx context.Context, ownerID string, profile *capability.Profile, variant Variant) (*protocol.CredentialAssertion, error) {
	record, err := m.loadOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if record == nil || len(activeCredentials(record)) == 0 {
		return nil, autherr.New(autherr.KindIdentityNotFound, "no credentials registered for owner")
	}

	eligible := variantCredentials(record, variant)
	if len(eligible) == 0 {
		return nil, autherr.New(autherr.KindIdentityNotFound,
			fmt.Sprintf("no %s credentials registered for owner", variant))
	}

	strategy := strategyFor(profile, variant)
	user := &ceremonyUser{record: record}

	options, session, err := m.webauthn.BeginLogin(user,
		webauthn.WithAllowedCredentials(credentialDescriptors(eligible)),
		webauthn.WithUserVerification(protocol.VerificationRequired),
	)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindCeremonyFailed, "failed to build authentication options", err)
	}
	options.Response.Timeout = int(strategy.Timeout().Milliseconds())

	if _, err := m.challenges.Adopt(ctx, session.Challenge, ownerID); err != nil {
		return nil, err
	}

	if err := m.saveCeremony(ctx, ownerID, &ceremonyRecord{
		State:    StateOptionsIssued,
		Kind:     "authentication",
		Variant:  variant,
		Platform: profile.Platform,
		Session:  session,
	}, strategy.Timeout()); err != nil {
		return nil, err
	}

	return options, nil
}

// FinishAuthentication verifies the signed assertion and enforces counter
// monotonicity. A counter that does not advance past the stored value is a
// hard rejection regardless of signature validity: it signals a possibly
// cloned credential.
func (m *Manager) FinishAuthentication(ctx context.Context, ownerID string, result *CeremonyResult) (*Credential, error) {
	ceremony, err := m.takeCeremony(ctx, ownerID, "authentication")
	if err != nil {
		return nil, err
	}

	if result.Cancelled {
		m.discardChallenge(ctx, ceremony.Session.Challenge, ownerID)
		return nil, autherr.New(autherr.KindCeremonyCancelled, "authentication cancelled by user")
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(result.Response))
	if err != nil {
		m.discardChallenge(ctx, ceremony.Session.Challenge, ownerID)
		return nil, autherr.Wrap(autherr.KindCeremonyFailed, "malformed assertion response", err)
	}

	if err := m.challenges.Consume(ctx, ceremony.Session.Challenge, ownerID); err != nil {
		return nil, err
	}

	record, err := m.loadOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, autherr.New(autherr.KindIdentityNotFound, "owner record disappeared mid-ceremony")
	}

	credID := encodeCredentialID(parsed.RawID)
	idx := -1
	for i := range record.Credentials {
		if record.Credentials[i].ID == credID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, autherr.New(autherr.KindVerificationFailed, "assertion references unknown credential")
	}
	if record.Credentials[idx].CloneFlagged {
		return nil, autherr.New(autherr.KindCounterRegression, "credential previously flagged for counter regression")
	}

	// Counter check runs before signature verification so a regression is
	// rejected independent of signature validity.
	storedCounter := record.Credentials[idx].Counter
	newCounter := parsed.Response.AuthenticatorData.Counter
	if !counterAdvances(storedCounter, newCounter, m.policy) {
		record.Credentials[idx].CloneFlagged = true
		if err := m.saveOwner(ctx, record); err != nil {
			m.logger.Error("failed to flag regressed credential", "owner", ownerID, "error", err)
		}
		m.logger.Warn("credential counter regression detected",
			"owner", ownerID, "credential", credID, "stored", storedCounter, "returned", newCounter)
		return nil, autherr.New(autherr.KindCounterRegression,
			fmt.Sprintf("counter regressed: stored=%d returned=%d", storedCounter, newCounter))
	}

	user := &ceremonyUser{record: record}
	verified, err := m.webauthn.ValidateLogin(user, *ceremony.Session, parsed)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindVerificationFailed, "assertion verification failed", err)
	}
	if verified.Authenticator.CloneWarning {
		return nil, autherr.New(autherr.KindCounterRegression, "authenticator reported clone warning")
	}

	record.Credentials[idx].Counter = newCounter
	record.Credentials[idx].LastUsedAt = time.Now()
	record.UpdatedAt = record.Credentials[idx].LastUsedAt
	if err := m.saveOwner(ctx, record); err != nil {
		return nil, err
	}

	cred := record.Credentials[idx]
	return &cred, nil
}

// Register drives a full registration ceremony through the external
// provider, walking the attempt state machine end to end.
func (m *Manager) Register(ctx context.Context, ownerID, name, displayName string, profile *capability.Profile, variant Variant, provider CeremonyProvider) (*Credential, error) {
	options, err := m.BeginRegistration(ctx, ownerID, name, displayName, profile, variant)
	if err != nil {
		return nil, err
	}

	if err := m.markPending(ctx, ownerID); err != nil {
		return nil, err
	}

	result, err := provider.Register(ctx, options)
	if err != nil {
		m.clearCeremony(ctx, ownerID)
		return nil, autherr.Wrap(autherr.KindCeremonyFailed, "ceremony provider failed", err)
	}

	return m.FinishRegistration(ctx, ownerID, name, displayName, result)
}

// Authenticate drives a full authentication ceremony through the external
// provider.
func (m *Manager) Authenticate(ctx context.Context, ownerID string, profile *capability.Profile, variant Variant, provider CeremonyProvider) (*Credential, error) {
	options, err := m.BeginAuthentication(ctx, ownerID, profile, variant)
	if err != nil {
		return nil, err
	}

	if err := m.markPending(ctx, ownerID); err != nil {
		return nil, err
	}

	result, err := provider.Authenticate(ctx, options)
	if err != nil {
		m.clearCeremony(ctx, ownerID)
		return nil, autherr.Wrap(autherr.KindCeremonyFailed, "ceremony provider failed", err)
	}

	return m.FinishAuthentication(ctx, ownerID, result)
}

// Credentials lists the owner's active (unflagged) credentials.
func (m *Manager) Credentials(ctx context.Context, ownerID string) ([]Credential, error) {
	record, err := m.loadOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	return activeCredentials(record), nil
}

// HasCredentials reports whether the owner has at least one usable
// credential.
func (m *Manager) HasCredentials(ctx context.Context, ownerID string) (bool, error) {
	creds, err := m.Credentials(ctx, ownerID)
	if err != nil {
		return false, err
	}
	return len(creds) > 0, nil
}

// RevokeCredential removes a credential explicitly. The last remaining
// credential cannot be revoked while the owner has no other method
// enrolled; callers remove the whole owner record instead.
func (m *Manager) RevokeCredential(ctx context.Context, ownerID, credentialID string) error {
	record, err := m.loadOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	if record == nil {
		return autherr.New(autherr.KindIdentityNotFound, "owner not found")
	}

	kept := make([]Credential, 0, len(record.Credentials))
	found := false
	for _, cred := range record.Credentials {
		if cred.ID == credentialID {
			found = true
			continue
		}
		kept = append(kept, cred)
	}
	if !found {
		return autherr.New(autherr.KindIdentityNotFound, "credential not found")
	}
	if len(kept) == 0 {
		return autherr.New(autherr.KindVerificationFailed, "cannot revoke the last credential")
	}

	record.Credentials = kept
	record.UpdatedAt = time.Now()
	return m.saveOwner(ctx, record)
}

// DeleteOwner removes the owner record and every credential in it, along
// with any in-flight ceremony state.
func (m *Manager) DeleteOwner(ctx context.Context, ownerID string) error {
	if err := m.store.Remove(ctx, ceremonyKey(ownerID)); err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to clear ceremony state", err)
	}
	if err := m.store.Remove(ctx, ownerKey(ownerID)); err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to remove owner record", err)
	}
	return nil
}

func (m *Manager) markPending(ctx context.Context, ownerID string) error {
	data, meta, err := m.store.Retrieve(ctx, ceremonyKey(ownerID))
	if err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to load ceremony state", err)
	}
	if data == nil {
		return autherr.New(autherr.KindProtocolStateDesync, "no ceremony in progress")
	}

	var ceremony ceremonyRecord
	if err := json.Unmarshal(data, &ceremony); err != nil {
		return autherr.Wrap(autherr.KindProtocolStateDesync, "corrupt ceremony state", err)
	}
	if ceremony.State != StateOptionsIssued {
		return autherr.New(autherr.KindProtocolStateDesync,
			fmt.Sprintf("cannot hand off ceremony in state %q", ceremony.State))
	}

	ceremony.State = StateCeremonyPending
	encoded, err := json.Marshal(&ceremony)
	if err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to encode ceremony state", err)
	}
	if err := m.store.Store(ctx, ceremonyKey(ownerID), encoded, meta); err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to update ceremony state", err)
	}
	return nil
}

// takeCeremony loads and removes the in-flight ceremony, validating kind
// and state. A missing or mismatched ceremony is a state desync: the
// attempt dies, nothing else does.
func (m *Manager) takeCeremony(ctx context.Context, ownerID, kind string) (*ceremonyRecord, error) {
	data, _, err := m.store.Retrieve(ctx, ceremonyKey(ownerID))
	if err != nil {
		return nil, autherr.Wrap(autherr.KindStorageFailure, "failed to load ceremony state", err)
	}
	if data == nil {
		return nil, autherr.New(autherr.KindProtocolStateDesync, "no ceremony in progress")
	}
	if err := m.store.Remove(ctx, ceremonyKey(ownerID)); err != nil {
		return nil, autherr.Wrap(autherr.KindStorageFailure, "failed to clear ceremony state", err)
	}

	var ceremony ceremonyRecord
	if err := json.Unmarshal(data, &ceremony); err != nil {
		return nil, autherr.Wrap(autherr.KindProtocolStateDesync, "corrupt ceremony state", err)
	}
	if ceremony.Kind != kind {
		return nil, autherr.New(autherr.KindProtocolStateDesync,
			fmt.Sprintf("expected %s ceremony, found %s", kind, ceremony.Kind))
	}
	if ceremony.State != StateOptionsIssued && ceremony.State != StateCeremonyPending {
		return nil, autherr.New(autherr.KindProtocolStateDesync,
			fmt.Sprintf("ceremony in unexpected state %q", ceremony.State))
	}
	return &ceremony, nil
}

func (m *Manager) saveCeremony(ctx context.Context, ownerID string, ceremony *ceremonyRecord, ttl time.Duration) error {
	data, err := json.Marshal(ceremony)
	if err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to encode ceremony state", err)
	}
	meta := &storage.Metadata{ExpiresAt: time.Now().Add(ttl)}
	if err := m.store.Store(ctx, ceremonyKey(ownerID), data, meta); err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to store ceremony state", err)
	}
	return nil
}

func (m *Manager) clearCeremony(ctx context.Context, ownerID string) {
	if err := m.store.Remove(ctx, ceremonyKey(ownerID)); err != nil {
		m.logger.Warn("failed to clear ceremony state", "owner", ownerID, "error", err)
	}
}

func (m *Manager) discardChallenge(ctx context.Context, token, ownerID string) {
	if err := m.challenges.Revoke(ctx, token, ownerID); err != nil {
		m.logger.Warn("failed to revoke ceremony challenge", "owner", ownerID, "error", err)
	}
}

func (m *Manager) loadOwner(ctx context.Context, ownerID string) (*ownerRecord, error) {
	data, _, err := m.store.Retrieve(ctx, ownerKey(ownerID))
	if err != nil {
		return nil, autherr.Wrap(autherr.KindStorageFailure, "failed to load owner record", err)
	}
	if data == nil {
		return nil, nil
	}

	var record ownerRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, autherr.Wrap(autherr.KindStorageFailure, "corrupt owner record", err)
	}
	return &record, nil
}

func (m *Manager) saveOwner(ctx context.Context, record *ownerRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to encode owner record", err)
	}
	caps := m.store.Capabilities()
	meta := &storage.Metadata{
		HardwareBacked: caps.HardwareBacked,
		BiometricGated: caps.BiometricGated,
	}
	if err := m.store.Store(ctx, ownerKey(record.ID), data, meta); err != nil {
		return autherr.Wrap(autherr.KindStorageFailure, "failed to store owner record", err)
	}
	return nil
}

func counterAdvances(stored, returned uint32, policy Policy) bool {
	if stored == 0 && returned == 0 {
		return policy.AllowZeroCounter
	}
	return returned > stored
}

func activeCredentials(record *ownerRecord) []Credential {
	var active []Credential
	for _, cred := range record.Credentials {
		if !cred.CloneFlagged {
			active = append(active, cred)
		}
	}
	return active
}

// variantCredentials narrows the active credentials to the requested
// authenticator class. Transport hints decide: internal means platform,
// anything else roaming, and a credential with no hints serves both.
func variantCredentials(record *ownerRecord, variant Variant) []Credential {
	var matched []Credential
	for _, cred := range activeCredentials(record) {
		if credentialMatchesVariant(cred, variant) {
			matched = append(matched, cred)
		}
	}
	return matched
}

func credentialMatchesVariant(cred Credential, variant Variant) bool {
	if len(cred.Transport) == 0 {
		return true
	}
	internal := false
	for _, transport := range cred.Transport {
		if transport == protocol.Internal {
			internal = true
			break
		}
	}
	if variant == VariantPlatform {
		return internal
	}
	return !internal
}

func credentialDescriptors(creds []Credential) []protocol.CredentialDescriptor {
	var descriptors []protocol.CredentialDescriptor
	for _, cred := range creds {
		id, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(cred.ID)
		if err != nil {
			continue
		}
		descriptors = append(descriptors, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: id,
			Transport:    cred.Transport,
		})
	}
	return descriptors
}

func encodeCredentialID(id []byte) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(id)
}

// ceremonyUser adapts an owner record to the webauthn user contract.
type ceremonyUser struct {
	record *ownerRecord
}

func (u *ceremonyUser) WebAuthnID() []byte          { return []byte(u.record.ID) }
func (u *ceremonyUser) WebAuthnName() string        { return u.record.Name }
func (u *ceremonyUser) WebAuthnDisplayName() string { return u.record.DisplayName }
func (u *ceremonyUser) WebAuthnIcon() string        { return "" }

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, 0, len(u.record.Credentials))
	for _, cred := range u.record.Credentials {
		if cred.CloneFlagged {
			continue
		}
		id, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(cred.ID)
		if err != nil {
			continue
		}
		creds = append(creds, webauthn.Credential{
			ID:              id,
			PublicKey:       cred.PublicKey,
			AttestationType: cred.AttestationType,
			Transport:       cred.Transport,
			Authenticator: webauthn.Authenticator{
				SignCount: cred.Counter,
			},
		})
	}
	return creds
}

func (u *ceremonyUser) descriptors() []protocol.CredentialDescriptor {
	var descriptors []protocol.CredentialDescriptor
	for _, cred := range u.WebAuthnCredentials() {
		descriptors = append(descriptors, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: cred.ID,
			Transport:    cred.Transport,
		})
	}
	return descriptors
}
