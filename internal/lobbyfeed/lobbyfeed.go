package lobbyfeed

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/storyweave/client-go/internal/protocol"
	"github.com/storyweave/client-go/internal/transport"
)

// Feed consumes the lobby channel's rooms_info pushes. Read-only and
// unauthenticated; it exists so the user can pick a room before a room
// session is opened.
type Feed struct {
	ts      *transport.Session
	updates chan []protocol.RoomInfo
	log     *zap.Logger
}

func Open(ctx context.Context, endpoint string, log *zap.Logger) (*Feed, error) {
	ts, err := transport.Dial(ctx, endpoint, "", log)
	if err != nil {
		return nil, err
	}
	f := &Feed{
		ts:      ts,
		updates: make(chan []protocol.RoomInfo, 1),
		log:     log,
	}
	go f.loop()
	return f, nil
}

// Updates delivers each room list as it arrives; closed when the feed dies.
// Consumers that fall behind see only the latest list.
func (f *Feed) Updates() <-chan []protocol.RoomInfo { return f.updates }

func (f *Feed) Close() { f.ts.Close() }

func (f *Feed) loop() {
	defer close(f.updates)

	for ev := range f.ts.Events() {
		if ev.Frame == nil || ev.Frame.Event == "" {
			continue
		}
		eff, ok := protocol.EffectOf(ev.Frame.Event)
		if !ok || eff != protocol.EffectRoomsInfo {
			f.log.Warn("unexpected lobby event", zap.String("event", ev.Frame.Event))
			continue
		}
		var info protocol.RoomsInfo
		if err := json.Unmarshal(ev.Frame.Data, &info); err != nil {
			f.log.Warn("bad rooms_info payload", zap.Error(err))
			continue
		}
		// Latest-wins: drop the stale list if nobody has read it yet.
		select {
		case f.updates <- info.Rooms:
		default:
			select {
			case <-f.updates:
			default:
			}
			f.updates <- info.Rooms
		}
	}
}
