// Package capability classifies the runtime platform and probes the
// security hardware available to it. The resulting profile drives ceremony
// option tuning and fallback chain construction.
package capability

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// Signals carries the raw environment evidence used for classification.
// Probe callbacks are optional; a nil probe reads as "unavailable".
type Signals struct {
	UserAgent string
	OSName    string
	OSVersion string

	// SecureElementProbe reports whether a hardware-backed keystore
	// (Secure Enclave, StrongBox, TPM) answered an attestation probe.
	SecureElementProbe func(ctx context.Context) (bool, error)

	// BiometricProbe reports whether a biometric authenticator is
	// enrolled and reachable.
	BiometricProbe func(ctx context.Context) (bool, error)

	// PasskeyProbe reports whether the platform authenticator supports
	// discoverable credentials.
	PasskeyProbe func(ctx context.Context) (bool, error)
}

// StorageDescriptor names the platform secure-storage location a credential
// would land in, mirroring what the native keystore layers report.
type StorageDescriptor struct {
	Service            string `json:"service"`
	AccessibilityLevel string `json:"accessibilityLevel"`
	RequireBiometrics  bool   `json:"requireBiometrics"`
}

// Profile is an immutable capability snapshot. It is recomputed on every
// assessment; callers must not mutate it.
type Profile struct {
	Platform                 Platform
	SupportsStrongCredential bool
	SupportsPasskeys         bool
	SupportsBiometrics       bool
	HardwareBacked           bool
	Storage                  StorageDescriptor
	SuggestedFallbacks       []string
	AssessedAt               time.Time
}

// DetectPlatform classifies the environment from its signals. Matching is
// ordered and mutually exclusive: iOS patterns win over Android, and anything
// unmatched is treated as a generic browser target. It never fails.
func DetectPlatform(sig Signals) Platform {
	ua := strings.ToLower(sig.UserAgent)
	osName := strings.ToLower(sig.OSName)

	switch {
	case strings.Contains(osName, "ios") || strings.Contains(osName, "ipados"):
		return PlatformIOS
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad") || strings.Contains(ua, "ipod"):
		return PlatformIOS
	case strings.Contains(osName, "android") || strings.Contains(ua, "android"):
		return PlatformAndroid
	default:
		return PlatformWeb
	}
}

// Detector performs capability assessments against a fixed set of signals.
type Detector struct {
	signals Signals
	logger  *slog.Logger
}

func NewDetector(signals Signals, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{signals: signals, logger: logger}
}

// Assess probes the environment and returns a fresh profile. Probe failures
// never propagate: any error degrades the snapshot to the most conservative
// profile for the detected platform rather than blocking authentication.
func (d *Detector) Assess(ctx context.Context) *Profile {
	platform := DetectPlatform(d.signals)

	hardware, err := runProbe(ctx, d.signals.SecureElementProbe)
	if err != nil {
		d.logger.Warn("secure element probe failed, degrading profile", "platform", platform, "error", err)
		return conservativeProfile(platform)
	}

	biometrics, err := runProbe(ctx, d.signals.BiometricProbe)
	if err != nil {
		d.logger.Warn("biometric probe failed, degrading profile", "platform", platform, "error", err)
		return conservativeProfile(platform)
	}

	passkeys, err := runProbe(ctx, d.signals.PasskeyProbe)
	if err != nil {
		d.logger.Warn("passkey probe failed, degrading profile", "platform", platform, "error", err)
		return conservativeProfile(platform)
	}

	profile := &Profile{
		Platform:                 platform,
		SupportsStrongCredential: passkeys || hardware,
		SupportsPasskeys:         passkeys,
		SupportsBiometrics:       biometrics,
		HardwareBacked:           hardware,
		Storage:                  storageDescriptor(platform, biometrics),
		AssessedAt:               time.Now(),
	}
	profile.SuggestedFallbacks = suggestFallbacks(profile)
	return profile
}

// IsHardwareBacked is a derived view over a fresh assessment.
func (d *Detector) IsHardwareBacked(ctx context.Context) bool {
	return d.Assess(ctx).HardwareBacked
}

// OptimalMethods returns the primary method list for a fresh assessment.
func (d *Detector) OptimalMethods(ctx context.Context) []string {
	return d.Assess(ctx).OptimalMethods()
}

// OptimalMethods names the strongest authentication mechanisms the profile
// supports, preferring platform biometric passkeys.
func (p *Profile) OptimalMethods() []string {
	if p.SupportsPasskeys && p.HardwareBacked {
		switch p.Platform {
		case PlatformIOS:
			return []string{"passkey-faceid", "passkey-touchid"}
		case PlatformAndroid:
			return []string{"passkey-fingerprint", "passkey-face"}
		default:
			return []string{"passkey-platform", "passkey-roaming"}
		}
	}
	if p.SupportsStrongCredential {
		return []string{"strong-credential-platform"}
	}
	return []string{"opaque-password"}
}

func runProbe(ctx context.Context, probe func(ctx context.Context) (bool, error)) (bool, error) {
	if probe == nil {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return probe(ctx)
}

// conservativeProfile is the degraded snapshot used when any probe fails:
// no strong-credential support, password-first fallbacks only.
func conservativeProfile(platform Platform) *Profile {
	p := &Profile{
		Platform:   platform,
		Storage:    storageDescriptor(platform, false),
		AssessedAt: time.Now(),
	}
	p.SuggestedFallbacks = suggestFallbacks(p)
	return p
}

func storageDescriptor(platform Platform, biometrics bool) StorageDescriptor {
	switch platform {
	case PlatformIOS:
		return StorageDescriptor{
			Service:            "com.lunehealth.keychain",
			AccessibilityLevel: "whenUnlockedThisDeviceOnly",
			RequireBiometrics:  biometrics,
		}
	case PlatformAndroid:
		return StorageDescriptor{
			Service:            "lunehealth_keystore",
			AccessibilityLevel: "deviceCredential",
			RequireBiometrics:  biometrics,
		}
	default:
		return StorageDescriptor{
			Service:            "lunehealth_webstore",
			AccessibilityLevel: "browser",
			RequireBiometrics:  false,
		}
	}
}

func suggestFallbacks(p *Profile) []string {
	var methods []string
	if p.SupportsPasskeys {
		methods = append(methods, "passkey-platform")
	}
	if p.SupportsStrongCredential {
		methods = append(methods, "strong-credential-platform", "strong-credential-roaming")
	}
	methods = append(methods, "opaque-password", "recovery-phrase", "emergency-code")
	return methods
}
