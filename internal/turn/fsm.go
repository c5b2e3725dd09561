package turn

import (
	"fmt"
	"time"
)

// State is the session engine's turn-taking state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessingTurn
	StateResponding
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessingTurn:
		return "processing_turn"
	case StateResponding:
		return "responding"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Change records one transition for listeners.
type Change struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Listener observes state changes, typically for metrics.
type Listener func(Change)

// validTransitions encodes the turn protocol. ProcessingTurn may route back
// to Listening when a turn yields an empty transcript in continuous mode, and
// any non-terminal state may end.
var validTransitions = map[State][]State{
	StateIdle:           {StateListening, StateEnded},
	StateListening:      {StateProcessingTurn, StateIdle, StateEnded},
	StateProcessingTurn: {StateResponding, StateListening, StateIdle, StateEnded},
	StateResponding:     {StateListening, StateIdle, StateEnded},
	StateEnded:          {},
}

// InvalidTransitionError reports a transition outside the protocol.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid turn transition from %s to %s", e.From, e.To)
}

// Machine is the turn state machine. It is owned by a single session
// goroutine and is not safe for concurrent use; session isolation replaces
// locking.
type Machine struct {
	state     State
	listeners []Listener
	enteredAt time.Time
}

func NewMachine() *Machine {
	return &Machine{state: StateIdle, enteredAt: time.Now()}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// TimeInState returns how long the machine has been in the current state.
func (m *Machine) TimeInState() time.Duration { return time.Since(m.enteredAt) }

// AddListener registers a listener for subsequent transitions.
func (m *Machine) AddListener(l Listener) {
	m.listeners = append(m.listeners, l)
}

// CanTransition reports whether moving to the given state is allowed.
func (m *Machine) CanTransition(to State) bool {
	for _, allowed := range validTransitions[m.state] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state, validating against the protocol table.
func (m *Machine) Transition(to State, reason string) error {
	if !m.CanTransition(to) {
		return &InvalidTransitionError{From: m.state, To: to}
	}

	change := Change{From: m.state, To: to, Reason: reason, At: time.Now()}
	m.state = to
	m.enteredAt = change.At

	for _, l := range m.listeners {
		l(change)
	}
	return nil
}
