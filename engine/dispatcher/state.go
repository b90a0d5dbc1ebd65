package dispatcher

import (
	"time"
)

// =============================================================================
// Message States
// =============================================================================

// State is one step of the per-message dispatch state machine.
type State string

const (
	StateReceived     State = "received"
	StateValidated    State = "validated"
	StateAdmitted     State = "admitted"
	StateDedupChecked State = "dedup_checked"
	StateReserved     State = "reserved"
	StateRouted       State = "routed"
	StateQueued       State = "queued"
	StateExecuting    State = "executing"
	StateSettled      State = "settled"
	StateAcked        State = "acked"
	// StateFailed is the terminal state for every abort path.
	StateFailed State = "failed"
)

// validTransitions is the forward edge set of the state machine. Every
// non-terminal state may also abort to StateFailed.
var validTransitions = map[State][]State{
	StateReceived:     {StateValidated},
	StateValidated:    {StateAdmitted},
	StateAdmitted:     {StateDedupChecked},
	StateDedupChecked: {StateReserved, StateAcked},
	StateReserved:     {StateRouted},
	StateRouted:       {StateQueued},
	StateQueued:       {StateExecuting},
	StateExecuting:    {StateSettled},
	StateSettled:      {StateAcked},
	StateAcked:        {},
	StateFailed:       {},
}

// IsValidTransition reports whether the machine may move from one state to
// the next.
func IsValidTransition(from, to State) bool {
	if to == StateFailed {
		return from != StateAcked && from != StateFailed
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a state ends the machine.
func (s State) IsTerminal() bool {
	return s == StateAcked || s == StateFailed
}

// =============================================================================
// State Trace
// =============================================================================

// StateChange is one recorded transition.
type StateChange struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Trace records the states a message passed through, in order. It is not
// safe for concurrent use; each message owns its trace and hands it between
// pipeline stages.
type Trace struct {
	MessageID string        `json:"message_id"`
	Changes   []StateChange `json:"changes"`
}

// NewTrace starts a trace in StateReceived.
func NewTrace(messageID string) *Trace {
	return &Trace{
		MessageID: messageID,
		Changes:   []StateChange{{State: StateReceived, At: time.Now()}},
	}
}

// Current returns the most recent state.
func (t *Trace) Current() State {
	return t.Changes[len(t.Changes)-1].State
}

// To advances the trace. Invalid transitions are recorded anyway so the
// trace shows what actually happened; the return value flags the violation.
func (t *Trace) To(state State) bool {
	ok := IsValidTransition(t.Current(), state)
	t.Changes = append(t.Changes, StateChange{State: state, At: time.Now()})
	return ok
}
