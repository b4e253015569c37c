package opaque

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/lunehealth/authcore/internal/autherr"
	"github.com/lunehealth/authcore/internal/session"
	"github.com/lunehealth/authcore/internal/storage"
)

var masterSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()

	suite, err := NewDHSuite(masterSecret)
	require.NoError(t, err)

	sessions := session.NewManager(session.NewMemoryStore(), session.Options{
		SigningSecret: []byte("session-signing-secret-for-test!"),
	})
	t.Cleanup(sessions.Stop)

	engine := NewEngine(suite, storage.NewMemoryStore("opaque:"), sessions, opts)
	t.Cleanup(engine.Stop)
	return engine
}

// testClient models the client side of the protocol for tests: it holds
// the static and ephemeral key pairs and derives the same key schedule the
// server does.
type testClient struct {
	staticPriv []byte
	staticPub  []byte
	ephPriv    []byte
	ephPub     []byte
}

func newTestClient(t *testing.T) *testClient {
	t.Helper()
	c := &testClient{}
	c.staticPriv, c.staticPub = genKeyPair(t)
	c.ephPriv, c.ephPub = genKeyPair(t)
	return c
}

func genKeyPair(t *testing.T) ([]byte, []byte) {
	t.Helper()
	priv := make([]byte, curve25519.ScalarSize)
	_, err := rand.Read(priv)
	require.NoError(t, err)
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	require.NoError(t, err)
	return priv, pub
}

func blindedElement(t *testing.T) []byte {
	t.Helper()
	// Any valid group element serves as a blinded point for the server.
	_, pub := genKeyPair(t)
	return pub
}

func register(t *testing.T, engine *Engine, username string, client *testClient) {
	t.Helper()
	ctx := context.Background()

	_, err := engine.BeginRegistration(ctx, username, &RegistrationRequest{BlindedElement: blindedElement(t)})
	require.NoError(t, err)

	err = engine.FinishRegistration(ctx, username, "", &RegistrationUpload{
		Envelope:        []byte("client-sealed-envelope"),
		ClientPublicKey: client.staticPub,
	})
	require.NoError(t, err)
}

// finishMAC reproduces the client half of the key schedule.
func (c *testClient) finishMAC(t *testing.T, username string, req *LoginRequest, resp *LoginResponse) []byte {
	t.Helper()

	dh1, err := curve25519.X25519(c.ephPriv, resp.ServerEphemeralPublicKey)
	require.NoError(t, err)
	dh2, err := curve25519.X25519(c.ephPriv, resp.ServerPublicKey)
	require.NoError(t, err)
	dh3, err := curve25519.X25519(c.staticPriv, resp.ServerEphemeralPublicKey)
	require.NoError(t, err)

	transcript := loginTranscript(username, req, resp.EvaluatedElement, resp.Envelope, resp.ServerEphemeralPublicKey)

	ikm := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	reader := hkdf.New(sha256.New, ikm, transcript, []byte(protocolLabel+"/keys"))
	sessionKey := make([]byte, 32)
	clientMACKey := make([]byte, 32)
	_, err = io.ReadFull(reader, sessionKey)
	require.NoError(t, err)
	_, err = io.ReadFull(reader, clientMACKey)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, clientMACKey)
	mac.Write(transcript)
	return mac.Sum(nil)
}

func TestRegistrationRejectsDuplicateUsername(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, Options{})
	client := newTestClient(t)

	register(t, engine, "maya", client)

	_, err := engine.BeginRegistration(ctx, "maya", &RegistrationRequest{BlindedElement: blindedElement(t)})
	require.Equal(t, autherr.KindDuplicateIdentity, autherr.KindOf(err))
}

func TestFinishRegistrationRequiresBegin(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, Options{})

	err := engine.FinishRegistration(ctx, "maya", "", &RegistrationUpload{
		Envelope:        []byte("envelope"),
		ClientPublicKey: []byte("key"),
	})
	require.Equal(t, autherr.KindProtocolStateDesync, autherr.KindOf(err))
}

func TestFullLoginFlow(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, Options{})
	client := newTestClient(t)

	register(t, engine, "maya", client)

	req := &LoginRequest{
		BlindedElement:           blindedElement(t),
		ClientEphemeralPublicKey: client.ephPub,
	}
	resp, err := engine.BeginLogin(ctx, "maya", req)
	require.NoError(t, err)
	require.Equal(t, []byte("client-sealed-envelope"), resp.Envelope)

	issued, err := engine.FinishLogin(ctx, "maya", &LoginFinish{
		ClientMAC: client.finishMAC(t, "maya", req, resp),
	})
	require.NoError(t, err)
	require.Equal(t, "maya", issued.OwnerID)
	require.Equal(t, "opaque-password", issued.Method)
	require.NotEmpty(t, issued.Key)
	require.WithinDuration(t, time.Now().Add(session.DefaultTTL), issued.ExpiresAt, time.Minute)
}

func TestLoginRejectsBadKeyConfirmation(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, Options{})
	client := newTestClient(t)

	register(t, engine, "maya", client)

	req := &LoginRequest{
		BlindedElement:           blindedElement(t),
		ClientEphemeralPublicKey: client.ephPub,
	}
	_, err := engine.BeginLogin(ctx, "maya", req)
	require.NoError(t, err)

	_, err = engine.FinishLogin(ctx, "maya", &LoginFinish{ClientMAC: []byte("wrong")})
	require.Equal(t, autherr.KindVerificationFailed, autherr.KindOf(err))

	// The login state was consumed; a retry of finish alone desyncs.
	_, err = engine.FinishLogin(ctx, "maya", &LoginFinish{ClientMAC: []byte("wrong")})
	require.Equal(t, autherr.KindProtocolStateDesync, autherr.KindOf(err))
}

func TestLoginUnknownIdentity(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, Options{})

	_, err := engine.BeginLogin(ctx, "ghost", &LoginRequest{
		BlindedElement:           blindedElement(t),
		ClientEphemeralPublicKey: blindedElement(t),
	})
	require.Equal(t, autherr.KindIdentityNotFound, autherr.KindOf(err))
}

func TestRateLimitWindow(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, Options{
		RateLimitWindow:  50 * time.Millisecond,
		MaxLoginAttempts: 10,
	})

	req := &LoginRequest{
		BlindedElement:           blindedElement(t),
		ClientEphemeralPublicKey: blindedElement(t),
	}

	for i := 0; i < 10; i++ {
		_, err := engine.BeginLogin(ctx, "ghost", req)
		require.Equal(t, autherr.KindIdentityNotFound, autherr.KindOf(err), "attempt %d", i+1)
	}

	// The 11th attempt inside the window is rejected with a positive
	// retry-after.
	_, err := engine.BeginLogin(ctx, "ghost", req)
	require.Equal(t, autherr.KindRateLimitExceeded, autherr.KindOf(err))
	var failure *autherr.Failure
	require.ErrorAs(t, err, &failure)
	require.Greater(t, failure.RetryAfter, time.Duration(0))
	require.Equal(t, 0, engine.AttemptsRemaining("ghost"))

	// Once the window elapses the counter resets naturally.
	time.Sleep(60 * time.Millisecond)
	_, err = engine.BeginLogin(ctx, "ghost", req)
	require.Equal(t, autherr.KindIdentityNotFound, autherr.KindOf(err))
}

func TestSuccessfulLoginResetsRateLimit(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, Options{MaxLoginAttempts: 3})
	client := newTestClient(t)

	register(t, engine, "maya", client)

	for i := 0; i < 2; i++ {
		req := &LoginRequest{
			BlindedElement:           blindedElement(t),
			ClientEphemeralPublicKey: client.ephPub,
		}
		_, err := engine.BeginLogin(ctx, "maya", req)
		require.NoError(t, err)
	}
	require.Equal(t, 1, engine.AttemptsRemaining("maya"))

	req := &LoginRequest{
		BlindedElement:           blindedElement(t),
		ClientEphemeralPublicKey: client.ephPub,
	}
	resp, err := engine.BeginLogin(ctx, "maya", req)
	require.NoError(t, err)
	_, err = engine.FinishLogin(ctx, "maya", &LoginFinish{
		ClientMAC: client.finishMAC(t, "maya", req, resp),
	})
	require.NoError(t, err)

	require.Equal(t, 3, engine.AttemptsRemaining("maya"))
}

func TestProtocolPayloadsCarryNoPassword(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, Options{})
	client := newTestClient(t)

	regReq := &RegistrationRequest{BlindedElement: blindedElement(t)}
	regResp, err := engine.BeginRegistration(ctx, "maya", regReq)
	require.NoError(t, err)
	upload := &RegistrationUpload{Envelope: []byte("envelope"), ClientPublicKey: client.staticPub}
	require.NoError(t, engine.FinishRegistration(ctx, "maya", "", upload))

	loginReq := &LoginRequest{BlindedElement: blindedElement(t), ClientEphemeralPublicKey: client.ephPub}
	loginResp, err := engine.BeginLogin(ctx, "maya", loginReq)
	require.NoError(t, err)

	for _, payload := range []any{regReq, regResp, upload, loginReq, loginResp} {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		require.False(t, strings.Contains(strings.ToLower(string(data)), "password"),
			"payload %T must not carry a password field", payload)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	limiter := NewRateLimiter(time.Minute, 5)

	base := time.Now()
	limiter.now = func() time.Time { return base }
	require.NoError(t, limiter.Check("a"))
	require.NoError(t, limiter.Check("b"))

	// Advance past the window: both identifiers are stale.
	limiter.now = func() time.Time { return base.Add(2 * time.Minute) }
	require.Equal(t, 2, limiter.Cleanup())
	require.Equal(t, 5, limiter.Remaining("a"))
}

func TestRateLimiterRetryAfterShrinks(t *testing.T) {
	limiter := NewRateLimiter(time.Minute, 2)

	base := time.Now()
	limiter.now = func() time.Time { return base }
	require.NoError(t, limiter.Check("a"))
	limiter.now = func() time.Time { return base.Add(10 * time.Second) }
	require.NoError(t, limiter.Check("a"))

	limiter.now = func() time.Time { return base.Add(20 * time.Second) }
	err := limiter.Check("a")
	var failure *autherr.Failure
	require.ErrorAs(t, err, &failure)
	// The oldest attempt slides out after the 1-minute window: 40s left.
	require.InDelta(t, (40 * time.Second).Seconds(), failure.RetryAfter.Seconds(), 1)
}

func TestConcurrentRegistrationsKeepFirstRecord(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, Options{})
	first := newTestClient(t)
	second := newTestClient(t)

	// Two begin steps for the same new username both pass the duplicate
	// check; only the first finish may write the record.
	_, err := engine.BeginRegistration(ctx, "maya", &RegistrationRequest{BlindedElement: blindedElement(t)})
	require.NoError(t, err)
	_, err = engine.BeginRegistration(ctx, "maya", &RegistrationRequest{BlindedElement: blindedElement(t)})
	require.NoError(t, err)

	err = engine.FinishRegistration(ctx, "maya", "", &RegistrationUpload{
		Envelope:        []byte("first-envelope"),
		ClientPublicKey: first.staticPub,
	})
	require.NoError(t, err)

	err = engine.FinishRegistration(ctx, "maya", "", &RegistrationUpload{
		Envelope:        []byte("second-envelope"),
		ClientPublicKey: second.staticPub,
	})
	require.Equal(t, autherr.KindDuplicateIdentity, autherr.KindOf(err))
}

func TestEngineStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, Options{})

	engine.Start(ctx)
	engine.Start(ctx)
	engine.Stop()
	engine.Stop()
}
