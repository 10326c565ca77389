package auth_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storyweave/client-go/internal/auth"
	"github.com/storyweave/client-go/internal/stubserver"
)

func newClient(t *testing.T) *auth.Client {
	t.Helper()
	_, handler := stubserver.New(zap.NewNop())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return auth.NewClient(srv.URL, zap.NewNop())
}

func TestGate(t *testing.T) {
	g := auth.NewGate("")
	_, ok := g.Credential()
	assert.False(t, ok, "empty gate must block the join handshake")

	g.SetCredential("tok")
	cred, ok := g.Credential()
	assert.True(t, ok)
	assert.Equal(t, "tok", cred)

	g.Clear()
	_, ok = g.Credential()
	assert.False(t, ok)
}

func TestGuestLogin(t *testing.T) {
	c := newClient(t)
	token, err := c.GuestLogin(context.Background(), "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestLoginRequiresUsername(t *testing.T) {
	c := newClient(t)
	_, err := c.Login(context.Background(), "", "")
	assert.Error(t, err)
}

func TestCreateRoom(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	token, err := c.GuestLogin(ctx, "alice")
	require.NoError(t, err)

	created, err := c.CreateRoom(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, 1, created.RoomID)
	assert.NotEmpty(t, created.RoomCode)

	_, err = c.CreateRoom(ctx, "not-a-token")
	assert.ErrorIs(t, err, auth.ErrNoCredential)
}
