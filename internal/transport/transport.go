package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/storyweave/client-go/internal/protocol"
)

var ErrUnauthorized = errors.New("unauthorized")

const writeTimeout = 3 * time.Second

type SignalKind int

const (
	SignalOpened SignalKind = iota
	SignalRejected
	SignalClosed
	SignalTransientError
)

func (k SignalKind) String() string {
	switch k {
	case SignalOpened:
		return "Opened"
	case SignalRejected:
		return "Rejected"
	case SignalClosed:
		return "Closed"
	case SignalTransientError:
		return "TransientError"
	default:
		return "Unknown"
	}
}

// Signal is a connection lifecycle notification.
type Signal struct {
	Kind   SignalKind
	Reason string
}

// Event is one item on the session's delivery queue: either a frame or a
// lifecycle signal, never both. All events for one session arrive in order
// on a single channel.
type Event struct {
	Frame  *protocol.Frame
	Signal *Signal
}

// Session owns one websocket connection to a room or lobby channel. It has
// no business semantics and no reconnect policy; when the connection dies
// the session is spent and the caller decides what happens next.
type Session struct {
	conn      *websocket.Conn
	events    chan Event
	log       *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Dial opens an authenticated session. The credential is attached once, at
// open; there is no mid-session rotation. An empty credential dials
// unauthenticated (lobby channel).
func Dial(ctx context.Context, endpoint, credential string, log *zap.Logger) (*Session, error) {
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: %w", endpoint, ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:   conn,
		events: make(chan Event, 64),
		log:    log,
		ctx:    sctx,
		cancel: cancel,
	}

	s.events <- Event{Signal: &Signal{Kind: SignalOpened}}
	go s.readLoop()
	return s, nil
}

// Events is the single ordered queue of frames and signals. It is closed
// after the terminal Closed or Rejected signal is delivered.
func (s *Session) Events() <-chan Event { return s.events }

// Send writes one frame. Safe to call from any goroutine; fails once the
// connection is gone.
func (s *Session) Send(ctx context.Context, f protocol.Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(wctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close tears the connection down. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
	})
}

func (s *Session) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.deliver(Event{Signal: terminalSignal(err)})
			return
		}

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			// Malformed frames are anomalies, not transport failures.
			s.log.Warn("dropping malformed frame", zap.Error(err))
			s.deliver(Event{Signal: &Signal{Kind: SignalTransientError, Reason: "malformed frame"}})
			continue
		}
		if !s.deliver(Event{Frame: &f}) {
			return
		}
	}
}

func (s *Session) deliver(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func terminalSignal(err error) *Signal {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.StatusPolicyViolation || strings.Contains(ce.Reason, "unauthorized") {
			return &Signal{Kind: SignalRejected, Reason: ce.Reason}
		}
		return &Signal{Kind: SignalClosed, Reason: ce.Reason}
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return &Signal{Kind: SignalClosed}
	}
	return &Signal{Kind: SignalClosed, Reason: err.Error()}
}
