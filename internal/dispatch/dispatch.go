package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storyweave/client-go/internal/protocol"
)

var (
	ErrDispatcherClosed = errors.New("dispatcher closed")
	ErrAbandoned        = errors.New("action abandoned by session teardown")
	ErrAckTimeout       = errors.New("no acknowledgement before deadline")
)

const defaultAckTimeout = 10 * time.Second

// Kind is the wire event a user intent maps to.
type Kind string

const (
	KindSubmitSnippet Kind = protocol.EventStorySnippet
	KindStartGame     Kind = protocol.EventStartGame
)

// Sender is the outbound half of a transport session.
type Sender interface {
	Send(ctx context.Context, f protocol.Frame) error
}

type ackResult struct {
	ack protocol.Ack
	err error
}

// Pending is one in-flight action awaiting its acknowledgement. Multiple
// actions may be in flight at once; each resolves independently by
// correlation id, never by arrival order. Every pending action resolves:
// by ack, by the ack deadline, or by session teardown. The backend may
// legitimately stay silent on success (start_game acks only on error), so
// a deadline is an outcome, not a bug.
type Pending struct {
	ID          uint64
	Kind        Kind
	SubmittedAt time.Time
	done        chan ackResult
	timer       *time.Timer
}

// Wait blocks until the action resolves or the context is cancelled.
// ErrAckTimeout means the deadline passed with no ack; ErrAbandoned means
// the session tore down underneath the wait.
func (p *Pending) Wait(ctx context.Context) (protocol.Ack, error) {
	select {
	case res, ok := <-p.done:
		if !ok {
			return protocol.Ack{}, ErrAbandoned
		}
		return res.ack, res.err
	case <-ctx.Done():
		return protocol.Ack{}, ctx.Err()
	}
}

// Dispatcher sends user intents and correlates each acknowledgement back to
// the call that produced it. It also allocates correlation ids for the join
// handshake so request ids never collide within a session.
type Dispatcher struct {
	mu         sync.Mutex
	next       uint64
	pending    map[uint64]*Pending
	sender     Sender
	ackTimeout time.Duration
	log        *zap.Logger
	closed     bool
}

// New builds a dispatcher over the given sender. ackTimeout bounds every
// action's wait; zero means the default.
func New(sender Sender, ackTimeout time.Duration, log *zap.Logger) *Dispatcher {
	if ackTimeout == 0 {
		ackTimeout = defaultAckTimeout
	}
	return &Dispatcher{
		next:       1,
		pending:    make(map[uint64]*Pending),
		sender:     sender,
		ackTimeout: ackTimeout,
		log:        log,
	}
}

// Allocate hands out the next correlation id without registering a pending
// action. Used by the join handshake, which the room session resolves
// itself.
func (d *Dispatcher) Allocate() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.next
	d.next++
	return id
}

// Dispatch sends one action and registers it for acknowledgement.
func (d *Dispatcher) Dispatch(ctx context.Context, kind Kind, payload any) (*Pending, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	id := d.next
	d.next++
	p := &Pending{
		ID:          id,
		Kind:        kind,
		SubmittedAt: time.Now(),
		done:        make(chan ackResult, 1),
	}
	d.pending[id] = p
	p.timer = time.AfterFunc(d.ackTimeout, func() { d.expire(id) })
	d.mu.Unlock()

	frame, err := protocol.NewRequest(id, string(kind), payload)
	if err != nil {
		d.forget(id)
		return nil, err
	}
	if err := d.sender.Send(ctx, frame); err != nil {
		d.forget(id)
		return nil, err
	}
	d.log.Debug("action dispatched", zap.Uint64("id", id), zap.String("kind", string(kind)))
	return p, nil
}

// Resolve delivers an ack to its pending action. Returns false when the id
// matches nothing, which callers treat as a droppable anomaly.
func (d *Dispatcher) Resolve(ackID uint64, ack protocol.Ack) bool {
	p := d.take(ackID)
	if p == nil {
		d.log.Warn("ack with no pending action", zap.Uint64("ack_id", ackID))
		return false
	}
	p.done <- ackResult{ack: ack}
	return true
}

// expire resolves an action whose deadline passed with no ack.
func (d *Dispatcher) expire(id uint64) {
	p := d.take(id)
	if p == nil {
		return
	}
	d.log.Warn("action unacknowledged before deadline", zap.Uint64("id", id), zap.String("kind", string(p.Kind)))
	p.done <- ackResult{err: ErrAckTimeout}
}

// Shutdown abandons every outstanding wait without error panics; callers
// blocked in Wait observe ErrAbandoned.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, p := range d.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		close(p.done)
		delete(d.pending, id)
	}
}

// take removes and returns a pending entry, stopping its deadline timer.
func (d *Dispatcher) take(id uint64) *Pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[id]
	if !ok {
		return nil
	}
	delete(d.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

func (d *Dispatcher) forget(id uint64) {
	d.mu.Lock()
	if p, ok := d.pending[id]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(d.pending, id)
	}
	d.mu.Unlock()
}
