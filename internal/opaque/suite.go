package opaque

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const protocolLabel = "authcore-opaque-v1"

// Suite supplies the blinding/OPRF/key-derivation mathematics. The engine
// only orchestrates envelopes and state handoff; swapping the suite swaps
// the underlying cryptography without touching the protocol flow.
type Suite interface {
	// EvaluateOPRF applies the per-identity OPRF key to a blinded element.
	// The plaintext password never reaches the server; only the blinded
	// element does.
	EvaluateOPRF(username string, blindedElement []byte) ([]byte, error)

	// ServerPublicKey returns the server's static public key.
	ServerPublicKey() []byte

	// GenerateKeyExchange mints an ephemeral key pair for one login.
	GenerateKeyExchange() (*KeyExchange, error)

	// DeriveLoginKeys runs the triple-DH key schedule and binds it to the
	// login transcript.
	DeriveLoginKeys(ke *KeyExchange, clientStaticPub, clientEphemeralPub, transcript []byte) (*LoginKeys, error)
}

// KeyExchange is a single login's ephemeral key pair.
type KeyExchange struct {
	PrivateKey []byte
	PublicKey  []byte
}

// LoginKeys is the derived key material for one login attempt.
type LoginKeys struct {
	SessionKey   []byte
	ClientMACKey []byte
	ServerMACKey []byte
}

// dhSuite is the default suite: X25519 DH-OPRF evaluation plus a 3DH key
// exchange with HKDF-SHA256 key derivation.
type dhSuite struct {
	staticPrivate []byte
	staticPublic  []byte
	oprfSeed      []byte
}

// NewDHSuite derives the server's static identity and OPRF seed from a
// single master secret. The secret must be at least 32 bytes.
func NewDHSuite(masterSecret []byte) (Suite, error) {
	if len(masterSecret) < 32 {
		return nil, fmt.Errorf("master secret must be at least 32 bytes, got %d", len(masterSecret))
	}

	staticPrivate := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterSecret, nil, []byte(protocolLabel+"/static")), staticPrivate); err != nil {
		return nil, fmt.Errorf("failed to derive static key: %w", err)
	}

	staticPublic, err := curve25519.X25519(staticPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to compute static public key: %w", err)
	}

	oprfSeed := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterSecret, nil, []byte(protocolLabel+"/oprf-seed")), oprfSeed); err != nil {
		return nil, fmt.Errorf("failed to derive OPRF seed: %w", err)
	}

	return &dhSuite{
		staticPrivate: staticPrivate,
		staticPublic:  staticPublic,
		oprfSeed:      oprfSeed,
	}, nil
}

func (s *dhSuite) EvaluateOPRF(username string, blindedElement []byte) ([]byte, error) {
	if len(blindedElement) != curve25519.PointSize {
		return nil, fmt.Errorf("blinded element must be %d bytes, got %d", curve25519.PointSize, len(blindedElement))
	}

	key := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.oprfSeed, nil, []byte("oprf/"+username)), key); err != nil {
		return nil, fmt.Errorf("failed to derive OPRF key: %w", err)
	}

	evaluated, err := curve25519.X25519(key, blindedElement)
	if err != nil {
		return nil, fmt.Errorf("OPRF evaluation failed: %w", err)
	}
	return evaluated, nil
}

func (s *dhSuite) ServerPublicKey() []byte {
	pub := make([]byte, len(s.staticPublic))
	copy(pub, s.staticPublic)
	return pub
}

func (s *dhSuite) GenerateKeyExchange() (*KeyExchange, error) {
	private := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to compute ephemeral public key: %w", err)
	}
	return &KeyExchange{PrivateKey: private, PublicKey: public}, nil
}

func (s *dhSuite) DeriveLoginKeys(ke *KeyExchange, clientStaticPub, clientEphemeralPub, transcript []byte) (*LoginKeys, error) {
	dh1, err := curve25519.X25519(ke.PrivateKey, clientEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("key exchange failed: %w", err)
	}
	dh2, err := curve25519.X25519(s.staticPrivate, clientEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("key exchange failed: %w", err)
	}
	dh3, err := curve25519.X25519(ke.PrivateKey, clientStaticPub)
	if err != nil {
		return nil, fmt.Errorf("key exchange failed: %w", err)
	}

	ikm := make([]byte, 0, len(dh1)+len(dh2)+len(dh3))
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)

	reader := hkdf.New(sha256.New, ikm, transcript, []byte(protocolLabel+"/keys"))
	keys := &LoginKeys{
		SessionKey:   make([]byte, 32),
		ClientMACKey: make([]byte, 32),
		ServerMACKey: make([]byte, 32),
	}
	for _, buf := range [][]byte{keys.SessionKey, keys.ClientMACKey, keys.ServerMACKey} {
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, fmt.Errorf("key derivation failed: %w", err)
		}
	}
	return keys, nil
}

// computeMAC binds a MAC key to a transcript.
func computeMAC(key, transcript []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(transcript)
	return mac.Sum(nil)
}

// macEqual is constant-time.
func macEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
