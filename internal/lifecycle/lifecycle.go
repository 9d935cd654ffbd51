// Package lifecycle implements the shared state machine used by the
// endpoint, containers, and pipeline components: NEW -> INITIALIZED ->
// STARTING_PREP -> STARTING -> STARTED -> STOPPING_PREP -> STOPPING ->
// STOPPED -> DESTROYING -> DESTROYED, with a FAILED state reachable from
// anywhere.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
)

// State is one point in the lifecycle state machine.
type State uint8

const (
	New State = iota
	Initialized
	StartingPrep
	Starting
	Started
	StoppingPrep
	Stopping
	Stopped
	Destroying
	Destroyed
	Failed
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Initialized:
		return "INITIALIZED"
	case StartingPrep:
		return "STARTING_PREP"
	case Starting:
		return "STARTING"
	case Started:
		return "STARTED"
	case StoppingPrep:
		return "STOPPING_PREP"
	case Stopping:
		return "STOPPING"
	case Stopped:
		return "STOPPED"
	case Destroying:
		return "DESTROYING"
	case Destroyed:
		return "DESTROYED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ErrInvalidTransition is returned when a caller requests a transition
// that the state machine does not allow from the current state.
var ErrInvalidTransition = errors.New("lifecycle: invalid state transition")

// allowed lists, for each state, the states it may move to directly.
// FAILED is reachable from every state and is therefore not listed.
var allowed = map[State][]State{
	New:          {Initialized, Failed},
	Initialized:  {StartingPrep, Failed},
	StartingPrep: {Starting, Failed},
	Starting:     {Started, Failed},
	Started:      {StoppingPrep, Failed},
	StoppingPrep: {Stopping, Failed},
	Stopping:     {Stopped, Failed},
	Stopped:      {Destroying, StartingPrep, Failed},
	Destroying:   {Destroyed, Failed},
	Destroyed:    {},
	Failed:       {},
}

// Listener is notified on every successful transition.
type Listener func(from, to State)

// Machine is a concurrency-safe holder of the current State plus a
// copy-on-write list of listeners: listeners may add or remove
// listeners from inside a callback without deadlocking the dispatch.
type Machine struct {
	mu        sync.Mutex
	state     State
	listeners []Listener
}

// NewMachine returns a Machine starting in the NEW state.
func NewMachine() *Machine {
	return &Machine{state: New}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AddListener registers a listener. Safe to call from within a listener
// callback.
func (m *Machine) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make([]Listener, len(m.listeners)+1)
	copy(next, m.listeners)
	next[len(next)-1] = l
	m.listeners = next
}

// To attempts a transition to the target state. It fails with
// ErrInvalidTransition if the transition is not one of the allowed
// edges (FAILED is always allowed). Listeners run after the state has
// changed, outside the lock, so a listener may safely call back into
// the Machine.
func (m *Machine) To(target State) error {
	m.mu.Lock()
	from := m.state
	if target != Failed && !contains(allowed[from], target) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, target)
	}
	m.state = target
	listeners := m.listeners
	m.mu.Unlock()

	for _, l := range listeners {
		l(from, target)
	}
	return nil
}

// MustTo panics if the transition is invalid. Intended for call sites
// that have already validated the transition is legal (e.g. driven by
// a fixed start/stop template method).
func (m *Machine) MustTo(target State) {
	if err := m.To(target); err != nil {
		panic(err)
	}
}

func contains(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
