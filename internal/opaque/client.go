package opaque

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/lunehealth/authcore/internal/autherr"
)

// Client is the reference client half of the protocol. Native SDKs
// reimplement this exchange on their own platforms; this one serves Go
// integrations and end-to-end tests. The password never leaves the client:
// only blinded elements and derived public keys cross the wire.
type Client struct {
	username string
	password []byte

	ephemeral *KeyExchange
	request   *LoginRequest

	sessionKey []byte
}

func NewClient(username, password string) *Client {
	return &Client{username: username, password: []byte(password)}
}

// CreateRegistration blinds the password into a group element. The server
// sees only the blinded point.
func (c *Client) CreateRegistration(ctx context.Context) (*RegistrationRequest, error) {
	blinded, err := c.blindedElement()
	if err != nil {
		return nil, err
	}
	return &RegistrationRequest{BlindedElement: blinded}, nil
}

// FinalizeRegistration derives the client's static identity from the OPRF
// output and seals it into the upload envelope.
func (c *Client) FinalizeRegistration(ctx context.Context, resp *RegistrationResponse) (*RegistrationUpload, error) {
	_, staticPub, err := c.staticKeyPair(resp.EvaluatedElement)
	if err != nil {
		return nil, err
	}

	envelope, err := c.sealEnvelope(resp.EvaluatedElement, staticPub, resp.ServerPublicKey)
	if err != nil {
		return nil, err
	}
	return &RegistrationUpload{Envelope: envelope, ClientPublicKey: staticPub}, nil
}

// CreateLogin blinds the password again and attaches a fresh ephemeral key.
func (c *Client) CreateLogin(ctx context.Context) (*LoginRequest, error) {
	blinded, err := c.blindedElement()
	if err != nil {
		return nil, err
	}

	private := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, private); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to compute ephemeral public key: %w", err)
	}

	c.ephemeral = &KeyExchange{PrivateKey: private, PublicKey: public}
	c.request = &LoginRequest{BlindedElement: blinded, ClientEphemeralPublicKey: public}
	return c.request, nil
}

// FinalizeLogin recovers the static identity from the OPRF output, checks
// the returned envelope, and proves key possession with the client MAC. A
// wrong password yields a different static key and the server rejects the
// MAC; the mismatch is never detectable from the wire alone.
func (c *Client) FinalizeLogin(ctx context.Context, resp *LoginResponse) (*LoginFinish, error) {
	if c.ephemeral == nil || c.request == nil {
		return nil, autherr.New(autherr.KindProtocolStateDesync, "no login in progress")
	}

	staticPriv, staticPub, err := c.staticKeyPair(resp.EvaluatedElement)
	if err != nil {
		return nil, err
	}

	expected, err := c.sealEnvelope(resp.EvaluatedElement, staticPub, resp.ServerPublicKey)
	if err != nil {
		return nil, err
	}
	if !macEqual(expected, resp.Envelope) {
		return nil, autherr.New(autherr.KindVerificationFailed, "envelope check failed")
	}

	dh1, err := curve25519.X25519(c.ephemeral.PrivateKey, resp.ServerEphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("key exchange failed: %w", err)
	}
	dh2, err := curve25519.X25519(c.ephemeral.PrivateKey, resp.ServerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("key exchange failed: %w", err)
	}
	dh3, err := curve25519.X25519(staticPriv, resp.ServerEphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("key exchange failed: %w", err)
	}

	transcript := loginTranscript(c.username, c.request, resp.EvaluatedElement, resp.Envelope, resp.ServerEphemeralPublicKey)

	ikm := make([]byte, 0, len(dh1)+len(dh2)+len(dh3))
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)

	reader := hkdf.New(sha256.New, ikm, transcript, []byte(protocolLabel+"/keys"))
	sessionKey := make([]byte, 32)
	clientMACKey := make([]byte, 32)
	for _, buf := range [][]byte{sessionKey, clientMACKey} {
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, fmt.Errorf("key derivation failed: %w", err)
		}
	}

	c.sessionKey = sessionKey
	c.ephemeral = nil
	c.request = nil
	return &LoginFinish{ClientMAC: computeMAC(clientMACKey, transcript)}, nil
}

// SessionKey returns the key derived by the last completed login exchange.
func (c *Client) SessionKey() []byte {
	return c.sessionKey
}

// blindedElement maps the password to a group element deterministically so
// registration and login reach the same OPRF evaluation.
func (c *Client) blindedElement() ([]byte, error) {
	scalar := make([]byte, curve25519.ScalarSize)
	reader := hkdf.New(sha256.New, c.password, []byte(c.username), []byte(protocolLabel+"/blind"))
	if _, err := io.ReadFull(reader, scalar); err != nil {
		return nil, fmt.Errorf("failed to derive blinding scalar: %w", err)
	}

	blinded, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to blind password: %w", err)
	}
	return blinded, nil
}

// staticKeyPair derives the client's long-term identity from the OPRF
// output, so only someone holding the password can reproduce it.
func (c *Client) staticKeyPair(evaluated []byte) (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	reader := hkdf.New(sha256.New, evaluated, []byte(c.username), []byte(protocolLabel+"/client-static"))
	if _, err := io.ReadFull(reader, priv); err != nil {
		return nil, nil, fmt.Errorf("failed to derive static key: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute static public key: %w", err)
	}
	return priv, pub, nil
}

// sealEnvelope authenticates the key bindings under a key only the
// password holder can derive.
func (c *Client) sealEnvelope(evaluated, staticPub, serverPub []byte) ([]byte, error) {
	envKey := make([]byte, 32)
	reader := hkdf.New(sha256.New, evaluated, []byte(c.username), []byte(protocolLabel+"/envelope"))
	if _, err := io.ReadFull(reader, envKey); err != nil {
		return nil, fmt.Errorf("failed to derive envelope key: %w", err)
	}

	payload := make([]byte, 0, len(staticPub)+len(serverPub))
	payload = append(payload, staticPub...)
	payload = append(payload, serverPub...)
	return computeMAC(envKey, payload), nil
}
