package opaque

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lunehealth/authcore/internal/autherr"
)

func clientRegister(t *testing.T, engine *Engine, client *Client, username string) {
	t.Helper()
	ctx := context.Background()

	req, err := client.CreateRegistration(ctx)
	require.NoError(t, err)
	resp, err := engine.BeginRegistration(ctx, username, req)
	require.NoError(t, err)
	upload, err := client.FinalizeRegistration(ctx, resp)
	require.NoError(t, err)
	require.NoError(t, engine.FinishRegistration(ctx, username, "", upload))
}

func TestClientRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, Options{})
	client := NewClient("maya", "correct horse battery staple")

	clientRegister(t, engine, client, "maya")

	req, err := client.CreateLogin(ctx)
	require.NoError(t, err)
	resp, err := engine.BeginLogin(ctx, "maya", req)
	require.NoError(t, err)
	fin, err := client.FinalizeLogin(ctx, resp)
	require.NoError(t, err)

	issued, err := engine.FinishLogin(ctx, "maya", fin)
	require.NoError(t, err)
	require.Equal(t, "maya", issued.OwnerID)
	require.Len(t, client.SessionKey(), 32)
}

func TestClientWrongPasswordFailsClosed(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, Options{})

	clientRegister(t, engine, NewClient("maya", "correct horse battery staple"), "maya")

	imposter := NewClient("maya", "incorrect horse")
	req, err := imposter.CreateLogin(ctx)
	require.NoError(t, err)
	resp, err := engine.BeginLogin(ctx, "maya", req)
	require.NoError(t, err)

	// The envelope check fails before any MAC is sent: a wrong password
	// derives a different envelope key.
	_, err = imposter.FinalizeLogin(ctx, resp)
	require.Equal(t, autherr.KindVerificationFailed, autherr.KindOf(err))
}

func TestClientFinalizeLoginRequiresCreate(t *testing.T) {
	ctx := context.Background()
	client := NewClient("maya", "pw")

	_, err := client.FinalizeLogin(ctx, &LoginResponse{})
	require.Equal(t, autherr.KindProtocolStateDesync, autherr.KindOf(err))
}

func TestClientLoginIsRepeatable(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, Options{})
	client := NewClient("maya", "correct horse battery staple")

	clientRegister(t, engine, client, "maya")

	for i := 0; i < 3; i++ {
		req, err := client.CreateLogin(ctx)
		require.NoError(t, err)
		resp, err := engine.BeginLogin(ctx, "maya", req)
		require.NoError(t, err)
		fin, err := client.FinalizeLogin(ctx, resp)
		require.NoError(t, err)
		_, err = engine.FinishLogin(ctx, "maya", fin)
		require.NoError(t, err)
	}
}