// Package stubserver speaks the room and lobby channel protocol in-process.
// It backs the client's integration tests and the local dev server binary;
// it is not the production backend.
package stubserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/storyweave/client-go/internal/protocol"
)

const (
	maxRoomSize    = 6
	maxSnippetSize = 280
)

type member struct {
	username  string
	outbox    chan protocol.Frame
	submitted bool
	snippet   string
}

type stubRoom struct {
	id       int
	name     string
	members  map[*member]struct{}
	started  bool
	round    int
	snipping bool // collecting snippets for the current round
}

// Server holds the in-memory world: issued tokens, rooms, lobby watchers.
type Server struct {
	mu     sync.Mutex
	tokens map[string]string // token -> username
	rooms  map[int]*stubRoom
	nextID int
	lobby  map[*member]struct{}
	log    *zap.Logger
}

// New returns a chi handler exposing the full external surface: REST auth
// and room creation plus the two websocket channels. One room is pre-seeded
// so a client can join without creating anything.
func New(log *zap.Logger) (*Server, http.Handler) {
	s := &Server{
		tokens: make(map[string]string),
		rooms:  make(map[int]*stubRoom),
		lobby:  make(map[*member]struct{}),
		log:    log,
		nextID: 1,
	}
	s.rooms[0] = &stubRoom{id: 0, name: "the-commons", members: make(map[*member]struct{})}

	r := chi.NewRouter()
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/guest_login", s.handleLogin)
	r.Post("/api/rooms", s.handleCreateRoom)
	r.Get("/ws/room", s.handleRoomWS)
	r.Get("/ws/lobby", s.handleLobbyWS)
	return s, r
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "username required"})
		return
	}

	token := randToken()
	s.mu.Lock()
	s.tokens[token] = req.Username
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"access_token": token})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "unauthorized"})
		return
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	rm := &stubRoom{id: id, name: fmt.Sprintf("room-%d", id), members: make(map[*member]struct{})}
	s.rooms[id] = rm
	s.mu.Unlock()

	s.broadcastLobby()
	writeJSON(w, http.StatusCreated, map[string]any{
		"msg": "room created",
		"room": map[string]any{
			"room_id":   id,
			"room_code": rm.name,
			"status":    "LOBBY",
		},
	})
}

func (s *Server) handleRoomWS(w http.ResponseWriter, r *http.Request) {
	username, ok := s.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	m := &member{username: username, outbox: make(chan protocol.Frame, 16)}
	go writeLoop(r.Context(), conn, m.outbox)

	m.push("connect_ack", protocol.ConnectConfirmed{})
	defer s.leaveRoom(m)

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			return
		}

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Warn("stub: bad frame", zap.Error(err))
			continue
		}
		s.handleRequest(m, f)
	}
}

func (s *Server) handleLobbyWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	m := &member{outbox: make(chan protocol.Frame, 16)}
	go writeLoop(r.Context(), conn, m.outbox)

	s.mu.Lock()
	s.lobby[m] = struct{}{}
	m.push("rooms_info", s.roomsInfoLocked())
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.lobby, m)
		s.mu.Unlock()
	}()

	// Lobby clients never send requests; hold until they hang up.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

func (s *Server) handleRequest(m *member, f protocol.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch f.Event {
	case protocol.EventJoinRoom:
		s.joinRoomLocked(m, f)
	case protocol.EventStorySnippet:
		s.storySnippetLocked(m, f)
	case protocol.EventStartGame:
		s.startGameLocked(m, f)
	default:
		m.ack(f.ID, protocol.Ack{Status: "error", Msg: "unknown request"})
	}
}

func (s *Server) joinRoomLocked(m *member, f protocol.Frame) {
	var req protocol.JoinRoomRequest
	if err := json.Unmarshal(f.Data, &req); err != nil {
		m.ack(f.ID, protocol.Ack{Status: "error", Msg: "invalid join data"})
		return
	}

	rm, ok := s.rooms[req.RoomID]
	if !ok {
		m.ack(f.ID, protocol.Ack{Status: "error", Msg: "room does not exist", RoomID: &req.RoomID})
		return
	}
	if len(rm.members) >= maxRoomSize {
		m.ack(f.ID, protocol.Ack{Status: "error", Msg: "room is full", RoomID: &req.RoomID})
		return
	}

	rm.members[m] = struct{}{}

	for other := range rm.members {
		if other != m {
			other.push("status_update", protocol.StatusNotice{Msg: m.username + " joined the room"})
		}
		other.push("user_list_update", protocol.RosterUpdate{Users: rosterLocked(rm)})
	}

	m.ack(f.ID, protocol.Ack{Status: "ok", RoomID: &req.RoomID, Users: rosterLocked(rm)})
}

func (s *Server) storySnippetLocked(m *member, f protocol.Frame) {
	rm := s.memberRoomLocked(m)
	if rm == nil {
		m.ack(f.ID, protocol.Ack{Status: "error", Msg: "you are not in a room"})
		return
	}

	var req protocol.StorySnippetRequest
	if err := json.Unmarshal(f.Data, &req); err != nil || req.Snippet == "" {
		m.ack(f.ID, protocol.Ack{Status: "error", Msg: "snippet must not be empty"})
		return
	}
	if !rm.snipping {
		m.ack(f.ID, protocol.Ack{Status: "error", Msg: "it is not time to submit snippets"})
		return
	}
	if len(req.Snippet) > maxSnippetSize {
		m.ack(f.ID, protocol.Ack{Status: "error", Msg: fmt.Sprintf("snippet too long (max: %d)", maxSnippetSize)})
		return
	}

	m.submitted = true
	m.snippet = req.Snippet
	for other := range rm.members {
		other.push("snippet_received", protocol.SnippetReceived{Username: m.username})
	}
	m.ack(f.ID, protocol.Ack{Status: "ok"})

	for other := range rm.members {
		if !other.submitted {
			return
		}
	}
	s.endRoundLocked(rm)
}

func (s *Server) startGameLocked(m *member, f protocol.Frame) {
	rm := s.memberRoomLocked(m)
	if rm == nil {
		m.ack(f.ID, protocol.Ack{Status: "error", Msg: "not in room"})
		return
	}

	// Success ack is silent on data, matching the backend; the push events
	// carry the state change.
	m.ack(f.ID, protocol.Ack{Status: "ok"})

	rm.started = true
	for other := range rm.members {
		other.push("game_started", protocol.GameStarted{Triggerer: m.username})
	}
	s.startRoundLocked(rm, m.username)
}

func (s *Server) startRoundLocked(rm *stubRoom, triggerer string) {
	rm.round++
	rm.snipping = true
	for other := range rm.members {
		other.submitted = false
		other.snippet = ""
		other.push("round_started", protocol.RoundStarted{Triggerer: triggerer, Round: rm.round})
	}
}

func (s *Server) endRoundLocked(rm *stubRoom) {
	rm.snipping = false

	var snippets []protocol.SnippetItem
	for other := range rm.members {
		snippets = append(snippets, protocol.SnippetItem{
			Snippet:        other.snippet,
			SenderUsername: other.username,
		})
	}
	for other := range rm.members {
		other.push("round_ended", protocol.RoundClosed{Snippets: snippets})
	}

	// Stand-in for the generation pipeline: a canned continuation.
	part := protocol.StoryPart{
		Text: fmt.Sprintf("And so the tale grew, as round %d came to a close.", rm.round),
	}
	for other := range rm.members {
		other.push("new_story_part", part)
	}
	s.startRoundLocked(rm, "")
}

func (s *Server) leaveRoom(m *member) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.memberRoomLocked(m)
	if rm == nil {
		return
	}
	delete(rm.members, m)
	for other := range rm.members {
		other.push("status_update", protocol.StatusNotice{Msg: m.username + " left"})
		other.push("user_list_update", protocol.RosterUpdate{Users: rosterLocked(rm)})
	}
}

func (s *Server) memberRoomLocked(m *member) *stubRoom {
	for _, rm := range s.rooms {
		if _, ok := rm.members[m]; ok {
			return rm
		}
	}
	return nil
}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	username, ok := s.tokens[token]
	return username, ok
}

func (s *Server) broadcastLobby() {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.roomsInfoLocked()
	for m := range s.lobby {
		m.push("rooms_info", info)
	}
}

func (s *Server) roomsInfoLocked() protocol.RoomsInfo {
	info := protocol.RoomsInfo{Rooms: []protocol.RoomInfo{}}
	for _, rm := range s.rooms {
		status := "LOBBY"
		if rm.started {
			status = "PLAYING"
		}
		info.Rooms = append(info.Rooms, protocol.RoomInfo{
			RoomID:   rm.id,
			RoomName: rm.name,
			Members:  len(rm.members),
			Status:   status,
		})
	}
	return info
}

func rosterLocked(rm *stubRoom) []string {
	users := make([]string, 0, len(rm.members))
	for m := range rm.members {
		users = append(users, m.username)
	}
	return users
}

func (m *member) push(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case m.outbox <- protocol.Frame{Event: event, Data: data}:
	default:
		// Slow client; drop the push rather than stall the room.
	}
}

func (m *member) ack(id uint64, a protocol.Ack) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	select {
	case m.outbox <- protocol.Frame{AckID: &id, Data: data}:
	default:
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, outbox <-chan protocol.Frame) {
	for {
		select {
		case f := <-outbox:
			payload, _ := json.Marshal(f)
			wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_ = conn.Write(wctx, websocket.MessageText, payload)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

func randToken() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
