package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/storyweave/client-go/internal/dispatch"
	"github.com/storyweave/client-go/internal/protocol"
	"github.com/storyweave/client-go/internal/transport"
)

var ErrBadRoomID = errors.New("room id must be non-negative")

// Link is the transport surface the session consumes.
type Link interface {
	Events() <-chan transport.Event
	Send(ctx context.Context, f protocol.Frame) error
	Close()
}

type Msg interface{ isSessionMsg() }

// Watch registers a view consumer; it receives the current view immediately
// and every change after. Slow consumers are dropped rather than stalling
// the session loop.
type Watch struct {
	ID     string
	Outbox chan View
}

type Unwatch struct{ ID string }

// GetView reflects internal state without data races; used by tests and
// one-shot renders.
type GetView struct {
	Reply chan View
}

type Teardown struct{}

func (Watch) isSessionMsg()    {}
func (Unwatch) isSessionMsg()  {}
func (GetView) isSessionMsg()  {}
func (Teardown) isSessionMsg() {}

type linkEvent struct {
	ev transport.Event
}

type attachLink struct {
	link Link
}

type dispatchReq struct {
	kind    dispatch.Kind
	payload any
	reply   chan dispatchReply
}

type dispatchReply struct {
	pending *dispatch.Pending
	err     error
}

func (linkEvent) isSessionMsg()   {}
func (attachLink) isSessionMsg()  {}
func (dispatchReq) isSessionMsg() {}

// View is an immutable copy of the derived state, safe to render from any
// goroutine.
type View struct {
	Conn     ConnState
	Join     JoinState
	Phase    GamePhase
	GameOn   bool
	Status   string
	Roster   []string
	Timeline []Entry
}

type Options struct {
	// JoinTimeout is how long to wait for the join acknowledgement before
	// declaring the join unconfirmed. Defaults to 5s.
	JoinTimeout time.Duration
	// AckTimeout bounds every dispatched action's wait; an action with no
	// ack by then resolves as timed out. Zero means the dispatcher default.
	AckTimeout time.Duration
	Logger     *zap.Logger
}

// Session owns one room's membership, timeline, roster, and phase. One
// session per active room view: opened on entry, torn down on exit. Nothing
// here outlives the session and no state is shared across sessions.
type Session struct {
	inbox        chan Msg
	link         Link
	disp         *dispatch.Dispatcher
	roomID       int
	state        State
	watchers     map[string]chan View
	log          *zap.Logger
	ctx          context.Context
	cancel       context.CancelFunc
	joinID       uint64 // nonzero while a join ack may still arrive
	joinTimeout  time.Duration
	ackTimeout   time.Duration
	joinDeadline <-chan time.Time
}

// Open starts the session actor over an already-dialed link. The join
// handshake is issued when the link reports Opened.
func Open(parent context.Context, link Link, roomID int, opts Options) (*Session, error) {
	if roomID < 0 {
		return nil, ErrBadRoomID
	}
	if opts.JoinTimeout == 0 {
		opts.JoinTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		inbox:       make(chan Msg, 64),
		link:        link,
		disp:        dispatch.New(link, opts.AckTimeout, opts.Logger),
		roomID:      roomID,
		state:       State{Conn: ConnDisconnected, Join: JoinNone, Phase: PhaseNotStarted},
		watchers:    make(map[string]chan View),
		log:         opts.Logger.With(zap.Int("room_id", roomID)),
		ctx:         ctx,
		cancel:      cancel,
		joinTimeout: opts.JoinTimeout,
		ackTimeout:  opts.AckTimeout,
	}

	go s.feed(link)
	go s.loop()
	return s, nil
}

// Inbox accepts Watch, Unwatch, GetView, and Teardown messages.
func (s *Session) Inbox() chan<- Msg { return s.inbox }

// Attach resumes the session over a fresh connection after a disconnect.
// Membership does not survive a reconnect, so the join handshake replays;
// the timeline does not.
func (s *Session) Attach(link Link) {
	select {
	case s.inbox <- attachLink{link: link}:
	case <-s.ctx.Done():
	}
}

// SubmitSnippet dispatches the user's snippet. The returned pending handle
// resolves with the per-action acknowledgement; the caller clears its input
// buffer only on an ok ack.
func (s *Session) SubmitSnippet(ctx context.Context, text string) (*dispatch.Pending, error) {
	return s.request(ctx, dispatch.KindSubmitSnippet, protocol.StorySnippetRequest{Snippet: text})
}

// StartGame dispatches a start request. Success does not move the phase;
// only the game-started push event does.
func (s *Session) StartGame(ctx context.Context) (*dispatch.Pending, error) {
	return s.request(ctx, dispatch.KindStartGame, protocol.StartGameRequest{})
}

func (s *Session) request(ctx context.Context, kind dispatch.Kind, payload any) (*dispatch.Pending, error) {
	reply := make(chan dispatchReply, 1)
	select {
	case s.inbox <- dispatchReq{kind: kind, payload: payload, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, dispatch.ErrDispatcherClosed
	}
	select {
	case r := <-reply:
		return r.pending, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, dispatch.ErrDispatcherClosed
	}
}

func (s *Session) feed(link Link) {
	for ev := range link.Events() {
		select {
		case s.inbox <- linkEvent{ev: ev}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) loop() {
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case <-s.joinDeadline:
			s.joinDeadline = nil
			if s.joinID == 0 {
				break
			}
			// joinID stays set: a late ack on this connection still
			// upgrades the unconfirmed join to a real outcome.
			s.state.Join = JoinUnconfirmed
			s.state.Status = "joined without confirmation"
			s.log.Warn("no join ack before deadline")
			s.broadcast()

		case m := <-s.inbox:
			switch msg := m.(type) {
			case Watch:
				s.watchers[msg.ID] = msg.Outbox
				msg.Outbox <- s.view()

			case Unwatch:
				delete(s.watchers, msg.ID)

			case GetView:
				msg.Reply <- s.view()

			case Teardown:
				s.shutdown()
				return

			case dispatchReq:
				if s.state.Join != JoinAccepted {
					msg.reply <- dispatchReply{err: ErrNotJoined}
					break
				}
				p, err := s.disp.Dispatch(s.ctx, msg.kind, msg.payload)
				msg.reply <- dispatchReply{pending: p, err: err}

			case attachLink:
				s.link = msg.link
				s.disp = dispatch.New(msg.link, s.ackTimeout, s.log)
				s.joinID = 0
				s.joinDeadline = nil
				go s.feed(msg.link)

			case linkEvent:
				s.handleLink(msg.ev)
			}
		}
	}
}

func (s *Session) handleLink(ev transport.Event) {
	switch {
	case ev.Signal != nil:
		s.handleSignal(*ev.Signal)
	case ev.Frame != nil && ev.Frame.IsAck():
		s.handleAck(*ev.Frame)
	case ev.Frame != nil:
		s.handlePush(*ev.Frame)
	}
}

func (s *Session) handleSignal(sig transport.Signal) {
	switch sig.Kind {
	case transport.SignalOpened:
		s.state.Conn = ConnConnected
		s.state.Join = JoinPending
		s.state.Status = fmt.Sprintf("joining room %d", s.roomID)
		s.sendJoin()

	case transport.SignalRejected:
		// Credential is invalid; no automatic retry. Caller tears down and
		// routes the user back through login.
		s.log.Warn("session rejected", zap.String("reason", sig.Reason))
		s.state = s.state.disconnected("unauthorized: " + sig.Reason)
		s.state.Conn = ConnRejected
		s.disp.Shutdown()

	case transport.SignalClosed:
		s.log.Info("transport closed", zap.String("reason", sig.Reason))
		s.state = s.state.disconnected("disconnected")
		s.joinID = 0
		s.joinDeadline = nil
		s.disp.Shutdown()

	case transport.SignalTransientError:
		s.log.Warn("transport anomaly", zap.String("reason", sig.Reason))
		return
	}
	s.broadcast()
}

func (s *Session) sendJoin() {
	id := s.disp.Allocate()
	frame, err := protocol.NewRequest(id, protocol.EventJoinRoom, protocol.JoinRoomRequest{RoomID: s.roomID})
	if err != nil {
		s.log.Error("build join request", zap.Error(err))
		return
	}
	if err := s.link.Send(s.ctx, frame); err != nil {
		// The Closed signal for this connection is already on its way.
		s.log.Warn("join send failed", zap.Error(err))
		return
	}
	s.joinID = id
	s.joinDeadline = time.After(s.joinTimeout)
}

func (s *Session) handleAck(f protocol.Frame) {
	ack := protocol.Ack{Status: "ok"}
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &ack); err != nil {
			s.log.Warn("malformed ack payload", zap.Uint64("ack_id", *f.AckID), zap.Error(err))
			return
		}
	}

	if *f.AckID == s.joinID && s.joinID != 0 {
		s.handleJoinAck(ack)
		return
	}

	if !ack.OK() {
		detail := ack.Msg
		if detail == "" {
			detail = "action failed"
		}
		s.state.Timeline = append(s.state.Timeline, systemNotice(detail))
		s.broadcast()
	}
	s.disp.Resolve(*f.AckID, ack)
}

func (s *Session) handleJoinAck(ack protocol.Ack) {
	s.joinID = 0
	s.joinDeadline = nil

	if ack.OK() {
		s.state.Join = JoinAccepted
		s.state.Phase = PhaseNotStarted
		s.state.Roster = slices.Clone(ack.Users)
		s.state.Status = fmt.Sprintf("joined room %d", s.roomID)
		s.log.Info("join accepted", zap.Strings("roster", ack.Users))
	} else {
		s.state.Join = JoinDenied
		s.state.Roster = nil
		s.state.Status = ack.Msg
		s.log.Warn("join denied", zap.String("reason", ack.Msg))
	}
	s.broadcast()
}

func (s *Session) handlePush(f protocol.Frame) {
	eff, ok := protocol.EffectOf(f.Event)
	if !ok {
		s.log.Warn("unrecognized event", zap.String("event", f.Event))
		return
	}

	next, err := Apply(s.state, eff, f.Data)
	if err != nil {
		s.log.Warn("event dropped", zap.String("event", f.Event), zap.Stringer("effect", eff), zap.Error(err))
		return
	}
	s.state = next
	s.broadcast()
}

func (s *Session) view() View {
	return View{
		Conn:     s.state.Conn,
		Join:     s.state.Join,
		Phase:    s.state.Phase,
		GameOn:   s.state.GameOn,
		Status:   s.state.Status,
		Roster:   slices.Clone(s.state.Roster),
		Timeline: slices.Clone(s.state.Timeline),
	}
}

func (s *Session) broadcast() {
	v := s.view()
	for id, ch := range s.watchers {
		select {
		case ch <- v:
			// ok
		default:
			// Watcher is slow/full - drop them.
			close(ch)
			delete(s.watchers, id)
		}
	}
}

func (s *Session) shutdown() {
	s.disp.Shutdown()
	s.link.Close()
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
	s.cancel()
}
