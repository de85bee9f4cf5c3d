// Package health tracks the runtime state of the sync core. The archive
// queue degrades it when archive writes keep failing; the daemon drives
// the start/stop edges.
package health

import (
	"fmt"
	"slices"
	"sync"

	"github.com/otavioch/tandem/internal/bus"
)

// State represents a sync core runtime state.
type State string

const (
	Starting State = "STARTING"
	Ready    State = "READY"
	// Degraded means the live channel is still serving but archive
	// writes are failing; history may lag.
	Degraded State = "DEGRADED"
	Stopped  State = "STOPPED"
	Errored  State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Starting: {Ready, Errored, Stopped},
	Ready:    {Degraded, Stopped, Errored},
	Degraded: {Ready, Stopped, Errored},
	Errored:  {Starting, Stopped},
	Stopped:  {},
}

// Machine tracks and enforces runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine starting in Starting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Starting, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid; moving to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Emit(bus.KindHealthChanged, StatusChange{From: from, To: to})
	}
	return nil
}

// StatusChange is the payload for health change events.
type StatusChange struct {
	From State
	To   State
}
