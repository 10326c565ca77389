package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame is one message on the room or lobby channel. A frame is exactly one
// of: a request (ID + Event), an acknowledgement (AckID), or a push event
// (Event, no ID).
type Frame struct {
	ID    uint64          `json:"id,omitempty"`
	AckID *uint64         `json:"ack,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// IsAck reports whether the frame acknowledges a prior request.
func (f Frame) IsAck() bool { return f.AckID != nil }

// NewRequest builds a request frame with the payload marshalled in place.
func NewRequest(id uint64, event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s request: %w", event, err)
	}
	return Frame{ID: id, Event: event, Data: data}, nil
}

// Outbound request events.
const (
	EventJoinRoom     = "join_room"
	EventStorySnippet = "story_snippet"
	EventStartGame    = "start_game"
)

// Effect is the semantic meaning of an inbound push event. The backend has
// renamed events between versions without changing their meaning, so inbound
// routing is by effect, never by wire name.
type Effect int

const (
	EffectUnknown Effect = iota
	EffectConnectConfirmed
	EffectStatusNotice
	EffectRosterReplace
	EffectRoundClosed
	EffectStoryPart
	EffectRoundStarted
	EffectGameStarted
	EffectSnippetReceived
	EffectRoomsInfo
)

func (e Effect) String() string {
	switch e {
	case EffectConnectConfirmed:
		return "ConnectConfirmed"
	case EffectStatusNotice:
		return "StatusNotice"
	case EffectRosterReplace:
		return "RosterReplace"
	case EffectRoundClosed:
		return "RoundClosed"
	case EffectStoryPart:
		return "StoryPart"
	case EffectRoundStarted:
		return "RoundStarted"
	case EffectGameStarted:
		return "GameStarted"
	case EffectSnippetReceived:
		return "SnippetReceived"
	case EffectRoomsInfo:
		return "RoomsInfo"
	default:
		return "Unknown"
	}
}

// effectByEvent maps every known wire name, including historical synonyms,
// to its effect. Adding a renamed event is a one-line change here.
var effectByEvent = map[string]Effect{
	"connect_confirm":   EffectConnectConfirmed,
	"connect_ack":       EffectConnectConfirmed,
	"status_update":     EffectStatusNotice,
	"error":             EffectStatusNotice,
	"user_list_update":  EffectRosterReplace,
	"round_ended":       EffectRoundClosed,
	"snippet_broadcast": EffectRoundClosed,
	"new_story_part":    EffectStoryPart,
	"ai_response":       EffectStoryPart,
	"round_started":     EffectRoundStarted,
	"game_started":      EffectGameStarted,
	"snippet_received":  EffectSnippetReceived,
	"rooms_info":        EffectRoomsInfo,
}

// EffectOf resolves a wire event name. ok is false for unrecognized names;
// callers log and drop those.
func EffectOf(event string) (Effect, bool) {
	e, ok := effectByEvent[event]
	return e, ok
}

// Ack is the acknowledgement payload for any request.
type Ack struct {
	Status string   `json:"status"`
	Msg    string   `json:"msg,omitempty"`
	RoomID *int     `json:"room_id,omitempty"`
	Users  []string `json:"users_list,omitempty"`
}

// ErrAckRejected wraps the server's failure detail for an error ack.
var ErrAckRejected = errors.New("request rejected")

func (a Ack) OK() bool { return a.Status == "ok" }

// Err returns nil for an ok ack, otherwise the server's detail wrapped in
// ErrAckRejected.
func (a Ack) Err() error {
	if a.OK() {
		return nil
	}
	if a.Msg == "" {
		return ErrAckRejected
	}
	return fmt.Errorf("%w: %s", ErrAckRejected, a.Msg)
}

// Request payloads.

type JoinRoomRequest struct {
	RoomID int `json:"room_id"`
}

type StorySnippetRequest struct {
	Snippet string `json:"snippet"`
}

type StartGameRequest struct{}

// Push payloads.

type ConnectConfirmed struct {
	SID string `json:"sid,omitempty"`
}

type StatusNotice struct {
	Msg string `json:"msg"`
}

type RosterUpdate struct {
	Users []string `json:"users_list"`
}

type SnippetItem struct {
	Snippet        string `json:"snippet"`
	SenderUsername string `json:"sender_username"`
}

type RoundClosed struct {
	Snippets []SnippetItem `json:"snippets"`
}

type StoryPart struct {
	Text     string `json:"text"`
	ImageURL string `json:"image_url,omitempty"`
	MusicURL string `json:"music_url,omitempty"`
}

type RoundStarted struct {
	Triggerer string `json:"triggerer,omitempty"`
	Round     int    `json:"round"`
}

type GameStarted struct {
	Triggerer string `json:"triggerer"`
}

type SnippetReceived struct {
	Username string `json:"username"`
}

type RoomInfo struct {
	RoomID   int    `json:"room_id"`
	RoomName string `json:"room_name"`
	Members  int    `json:"members"`
	Status   string `json:"status,omitempty"`
}

type RoomsInfo struct {
	Rooms []RoomInfo `json:"rooms"`
}
