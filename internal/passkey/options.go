package passkey

import (
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/lunehealth/authcore/internal/capability"
)

const (
	// DefaultCeremonyTimeout applies on platforms with dedicated secure
	// hardware; generic browser targets get the longer window.
	DefaultCeremonyTimeout = 60 * time.Second
	WebCeremonyTimeout     = 120 * time.Second
)

// optionStrategy tunes ceremony options per platform. One engine, small
// strategies: platform differences stay out of the protocol flow.
type optionStrategy struct {
	attachment protocol.AuthenticatorAttachment
	conveyance protocol.ConveyancePreference
	timeout    time.Duration
}

// strategyFor picks the option strategy for a capability profile and
// authenticator variant. Platforms with dedicated secure hardware demand
// direct attestation; generic browser targets relax to none.
func strategyFor(profile *capability.Profile, variant Variant) optionStrategy {
	s := optionStrategy{
		attachment: protocol.Platform,
		conveyance: protocol.PreferNoAttestation,
		timeout:    WebCeremonyTimeout,
	}

	if variant == VariantRoaming {
		s.attachment = protocol.CrossPlatform
	}

	switch profile.Platform {
	case capability.PlatformIOS, capability.PlatformAndroid:
		s.conveyance = protocol.PreferDirectAttestation
		s.timeout = DefaultCeremonyTimeout
	}
	return s
}

func (s optionStrategy) AuthenticatorSelection() protocol.AuthenticatorSelection {
	return protocol.AuthenticatorSelection{
		AuthenticatorAttachment: s.attachment,
		RequireResidentKey:      protocol.ResidentKeyRequired(),
		ResidentKey:             protocol.ResidentKeyRequirementRequired,
		UserVerification:        protocol.VerificationRequired,
	}
}

func (s optionStrategy) Conveyance() protocol.ConveyancePreference {
	return s.conveyance
}

func (s optionStrategy) Timeout() time.Duration {
	return s.timeout
}
