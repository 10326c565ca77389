package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/storyweave/client-go/internal/protocol"
)

var (
	ErrNotJoined       = errors.New("not joined to a room")
	ErrWrongPhase      = errors.New("event out of phase")
	ErrBadPayload      = errors.New("bad event payload")
	ErrUnexpectedEvent = errors.New("event not valid on this channel")
)

type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnected
	ConnRejected
)

type JoinState int

const (
	JoinNone JoinState = iota
	JoinPending
	JoinAccepted
	JoinDenied
	// JoinUnconfirmed means the join request got no acknowledgement before
	// the deadline. Degraded but visible; not treated as success.
	JoinUnconfirmed
)

type GamePhase int

const (
	PhaseNotStarted GamePhase = iota
	PhaseRoundInProgress
	PhaseAwaitingGeneration
)

func (p GamePhase) String() string {
	switch p {
	case PhaseRoundInProgress:
		return "RoundInProgress"
	case PhaseAwaitingGeneration:
		return "AwaitingGeneration"
	default:
		return "NotStarted"
	}
}

// State is everything the reconciler derives from the event stream. Only
// Apply and the session loop's signal handling mutate it.
type State struct {
	Conn     ConnState
	Join     JoinState
	Phase    GamePhase
	GameOn   bool
	Status   string
	Roster   []string
	Timeline []Entry
}

// disconnected clears everything a dead connection can no longer vouch for.
// The timeline stays: it was already rendered, it just stops growing until
// a new connection rejoins.
func (s State) disconnected(status string) State {
	next := s
	next.Conn = ConnDisconnected
	next.Join = JoinNone
	next.Phase = PhaseNotStarted
	next.GameOn = false
	next.Roster = nil
	next.Status = status
	return next
}

// Apply folds one push event into the state. It returns the prior state
// plus an error when the event's precondition does not hold; callers log
// and drop, never crash.
func Apply(s State, eff protocol.Effect, data json.RawMessage) (State, error) {
	next := s

	if eff == protocol.EffectConnectConfirmed {
		next.Status = "connection established"
		return next, nil
	}

	if s.Join != JoinAccepted && s.Join != JoinUnconfirmed {
		return s, ErrNotJoined
	}

	switch eff {
	case protocol.EffectStatusNotice:
		var p protocol.StatusNotice
		if err := unmarshal(data, &p); err != nil {
			return s, err
		}
		next.Timeline = append(next.Timeline, systemNotice(p.Msg))

	case protocol.EffectRosterReplace:
		var p protocol.RosterUpdate
		if err := unmarshal(data, &p); err != nil {
			return s, err
		}
		next.Roster = slices.Clone(p.Users)

	case protocol.EffectRoundClosed:
		if s.Phase != PhaseRoundInProgress {
			return s, fmt.Errorf("%w: round close in %s", ErrWrongPhase, s.Phase)
		}
		var p protocol.RoundClosed
		if err := unmarshal(data, &p); err != nil {
			return s, err
		}
		for _, item := range p.Snippets {
			next.Timeline = append(next.Timeline, snippetEntry(item))
		}
		next.Phase = PhaseAwaitingGeneration

	case protocol.EffectStoryPart:
		if s.Phase != PhaseAwaitingGeneration {
			return s, fmt.Errorf("%w: story part in %s", ErrWrongPhase, s.Phase)
		}
		var p protocol.StoryPart
		if err := unmarshal(data, &p); err != nil {
			return s, err
		}
		next.Timeline = append(next.Timeline, artifactEntry(p))
		next.Phase = PhaseRoundInProgress

	case protocol.EffectRoundStarted:
		var p protocol.RoundStarted
		if err := unmarshal(data, &p); err != nil {
			return s, err
		}
		next.Timeline = append(next.Timeline, systemNotice(roundStartedNotice(p)))
		next.Phase = PhaseRoundInProgress

	case protocol.EffectGameStarted:
		if s.Phase == PhaseAwaitingGeneration {
			return s, fmt.Errorf("%w: game start in %s", ErrWrongPhase, s.Phase)
		}
		var p protocol.GameStarted
		if err := unmarshal(data, &p); err != nil {
			return s, err
		}
		next.Timeline = append(next.Timeline, systemNotice(fmt.Sprintf("game started by %s", p.Triggerer)))
		next.GameOn = true

	case protocol.EffectSnippetReceived:
		var p protocol.SnippetReceived
		if err := unmarshal(data, &p); err != nil {
			return s, err
		}
		next.Timeline = append(next.Timeline, systemNotice(fmt.Sprintf("snippet received from %s", p.Username)))

	default:
		return s, ErrUnexpectedEvent
	}

	return next, nil
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}
