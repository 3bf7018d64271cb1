// Package connectivity tracks whether the backend is reachable and reacts to
// the device coming back online.
package connectivity

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/frc-emotion/nautilus/internal/bus"
)

// State is the tri-state connectivity signal.
type State string

const (
	Unknown      State = "UNKNOWN"
	Connected    State = "CONNECTED"
	Disconnected State = "DISCONNECTED"
)

// validTransitions defines allowed state transitions. Nothing returns to Unknown.
var validTransitions = map[State][]State{
	Unknown:      {Connected, Disconnected},
	Connected:    {Disconnected},
	Disconnected: {Connected},
}

// Machine holds the current connectivity state.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine in the Unknown state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Unknown,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state and reports whether the state changed.
// Moving to the current state is a no-op.
func (m *Machine) Transition(to State) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return false, nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return false, fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.Event{
		Kind:      bus.KindStatusChanged,
		Timestamp: time.Now(),
		Payload: StatusChange{
			From: from,
			To:   to,
		},
	})
	return true, nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
