package lobbyfeed_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storyweave/client-go/internal/auth"
	"github.com/storyweave/client-go/internal/lobbyfeed"
	"github.com/storyweave/client-go/internal/protocol"
	"github.com/storyweave/client-go/internal/stubserver"
)

func TestFeed_SnapshotThenUpdate(t *testing.T) {
	_, handler := stubserver.New(zap.NewNop())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	feed, err := lobbyfeed.Open(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/lobby", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(feed.Close)

	rooms := recvRooms(t, feed)
	require.Len(t, rooms, 1)
	assert.Equal(t, "the-commons", rooms[0].RoomName)
	assert.Equal(t, 0, rooms[0].Members)

	// Creating a room pushes a fresh list to every lobby watcher.
	api := auth.NewClient(srv.URL, zap.NewNop())
	token, err := api.GuestLogin(ctx, "alice")
	require.NoError(t, err)
	_, err = api.CreateRoom(ctx, token)
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case rooms, ok := <-feed.Updates():
			if !ok {
				t.Fatal("feed closed before update arrived")
			}
			if len(rooms) == 2 {
				return
			}
		case <-deadline:
			t.Fatal("no lobby update after room creation")
		}
	}
}

func recvRooms(t *testing.T, feed *lobbyfeed.Feed) []protocol.RoomInfo {
	t.Helper()
	select {
	case rooms, ok := <-feed.Updates():
		if !ok {
			t.Fatal("feed closed unexpectedly")
		}
		return rooms
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rooms")
		return nil // unreachable
	}
}
