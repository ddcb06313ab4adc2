package agent

import (
	"log/slog"
	"sync"
)

// State is a phase of a conversation turn.
type State string

const (
	StateIdle             State = "idle"
	StateParsingIntent    State = "parsing_intent"
	StateThinking         State = "thinking"
	StateExecuting        State = "executing"
	StateReflecting       State = "reflecting"
	StateResponding       State = "responding"
	StateAwaitingApproval State = "awaiting_approval"
)

// legal lists the expected edges. An edge missing here is a
// programming error, not a user error.
var legal = map[State]map[State]bool{
	StateIdle:             {StateParsingIntent: true},
	StateParsingIntent:    {StateThinking: true, StateIdle: true},
	StateThinking:         {StateExecuting: true, StateResponding: true, StateIdle: true},
	StateExecuting:        {StateExecuting: true, StateReflecting: true, StateAwaitingApproval: true, StateIdle: true},
	StateReflecting:       {StateResponding: true, StateIdle: true},
	StateResponding:       {StateIdle: true},
	StateAwaitingApproval: {StateExecuting: true, StateIdle: true},
}

// Machine tracks where one conversation lane is in its turn. The
// cancel latch is set by the user's cancel message and polled between
// steps; an in-flight model or tool call cannot be pre-empted.
type Machine struct {
	mu        sync.Mutex
	state     State
	cancelled bool
}

func NewMachine() *Machine { return &Machine{state: StateIdle} }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// To moves to the next state. An unexpected edge is logged and taken
// anyway so a missed transition never wedges a lane.
func (m *Machine) To(next State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !legal[m.state][next] {
		slog.Warn("unexpected state transition", "from", m.state, "to", next)
	}
	m.state = next
}

// Cancel sets the latch. State is untouched; the running turn notices
// at its next checkpoint.
func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = true
}

func (m *Machine) Cancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// Reset returns to idle and clears the latch.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
	m.cancelled = false
}
