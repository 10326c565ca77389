package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storyweave/client-go/internal/protocol"
	"github.com/storyweave/client-go/internal/stubserver"
)

func newStub(t *testing.T) string {
	t.Helper()
	_, handler := stubserver.New(zap.NewNop())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func wsURL(base, path string) string {
	return "ws" + strings.TrimPrefix(base, "http") + path
}

func guestToken(t *testing.T, base string) string {
	t.Helper()
	resp, err := http.Post(base+"/auth/guest_login", "application/json", strings.NewReader(`{"username":"tester"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.AccessToken)
	return out.AccessToken
}

func recvEvent(t *testing.T, ch <-chan Event, within time.Duration) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(within):
		t.Fatalf("timed out waiting for event")
		return Event{} // unreachable
	}
}

func TestDial_Unauthorized(t *testing.T) {
	base := newStub(t)
	_, err := Dial(context.Background(), wsURL(base, "/ws/room"), "bogus-token", zap.NewNop())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestDial_OpenedThenConnectConfirmed(t *testing.T) {
	base := newStub(t)
	s, err := Dial(context.Background(), wsURL(base, "/ws/room"), guestToken(t, base), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	ev := recvEvent(t, s.Events(), time.Second)
	require.NotNil(t, ev.Signal)
	assert.Equal(t, SignalOpened, ev.Signal.Kind)

	ev = recvEvent(t, s.Events(), time.Second)
	require.NotNil(t, ev.Frame)
	eff, ok := protocol.EffectOf(ev.Frame.Event)
	require.True(t, ok)
	assert.Equal(t, protocol.EffectConnectConfirmed, eff)
}

func TestSession_JoinRoundTrip(t *testing.T) {
	base := newStub(t)
	s, err := Dial(context.Background(), wsURL(base, "/ws/room"), guestToken(t, base), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	req, err := protocol.NewRequest(1, protocol.EventJoinRoom, protocol.JoinRoomRequest{RoomID: 0})
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), req))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Frame == nil || !ev.Frame.IsAck() {
				continue // signals and pushes interleave with the ack
			}
			require.Equal(t, uint64(1), *ev.Frame.AckID)
			var ack protocol.Ack
			require.NoError(t, json.Unmarshal(ev.Frame.Data, &ack))
			assert.True(t, ack.OK())
			assert.Contains(t, ack.Users, "tester")
			return
		case <-deadline:
			t.Fatal("no join ack")
		}
	}
}

func TestClose_IsIdempotent(t *testing.T) {
	base := newStub(t)
	s, err := Dial(context.Background(), wsURL(base, "/ws/room"), guestToken(t, base), zap.NewNop())
	require.NoError(t, err)

	s.Close()
	s.Close() // second close must be a no-op

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return // queue drained and closed
			}
		case <-deadline:
			t.Fatal("event channel never closed after Close")
		}
	}
}

func TestMalformedFrameIsTransientNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte("not json"))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"event":"status_update","data":{"msg":"still alive"}}`))
		// Hold the connection open until the client hangs up.
		_, _, _ = conn.Read(ctx)
	}))
	t.Cleanup(srv.Close)

	s, err := Dial(context.Background(), wsURL(srv.URL, "/"), "", zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	ev := recvEvent(t, s.Events(), time.Second)
	require.NotNil(t, ev.Signal)
	require.Equal(t, SignalOpened, ev.Signal.Kind)

	ev = recvEvent(t, s.Events(), time.Second)
	require.NotNil(t, ev.Signal)
	assert.Equal(t, SignalTransientError, ev.Signal.Kind)

	ev = recvEvent(t, s.Events(), time.Second)
	require.NotNil(t, ev.Frame)
	assert.Equal(t, "status_update", ev.Frame.Event)
}
