package engine

import "fmt"

// State is the sequencing state of a scope.
type State int

const (
	// StateIdle: nothing buffered, no timer, no recovery.
	StateIdle State = iota
	// StateAccumulating: events were just buffered and are being classified.
	StateAccumulating
	// StateGapPending: the buffer has a hole; the coalescing timer is armed.
	StateGapPending
	// StateRecovering: a difference query is in flight; new events are
	// postponed.
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateGapPending:
		return "gap_pending"
	case StateRecovering:
		return "recovering"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// trigger is an input to the state machine.
type trigger int

const (
	trigBuffered trigger = iota
	trigGap
	trigContiguous
	trigRecover
	trigRecovered
	trigReset
)

func (t trigger) String() string {
	switch t {
	case trigBuffered:
		return "buffered"
	case trigGap:
		return "gap"
	case trigContiguous:
		return "contiguous"
	case trigRecover:
		return "recover"
	case trigRecovered:
		return "recovered"
	case trigReset:
		return "reset"
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

// transitions is the complete state table. A missing entry is an illegal
// transition; in particular Recovering has no recover edge, which is what
// forbids nested recoveries.
var transitions = map[State]map[trigger]State{
	StateIdle: {
		trigBuffered:   StateAccumulating,
		trigContiguous: StateIdle,
		trigRecover:    StateRecovering,
		trigReset:      StateIdle,
	},
	StateAccumulating: {
		trigBuffered:   StateAccumulating,
		trigGap:        StateGapPending,
		trigContiguous: StateIdle,
		trigRecover:    StateRecovering,
		trigReset:      StateIdle,
	},
	StateGapPending: {
		trigBuffered: StateAccumulating,
		trigRecover:  StateRecovering,
		trigReset:    StateIdle,
	},
	StateRecovering: {
		trigRecovered: StateIdle,
		trigReset:     StateIdle,
	},
}

// next looks up the transition for t from s.
func next(s State, t trigger) (State, error) {
	to, ok := transitions[s][t]
	if !ok {
		return s, fmt.Errorf("illegal transition %s --%s-->", s, t)
	}
	return to, nil
}
