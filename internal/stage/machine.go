// Package stage turns domain events into stage transitions and navigation
// decisions for one booking window.
package stage

import (
	"context"
	"sync"

	"github.com/qmuntal/stateless"
)

// State is a screen/step of the booking flow within this window's lifetime.
type State string

const (
	StateLoading            State = "loading"
	StateInQueue            State = "in_queue"
	StatePromotedNavigating State = "promoted_navigating"
	StateClosed             State = "closed"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether the window leaves the queue flow in this
// state; an external navigation tears the controller down afterwards.
func (s State) IsTerminal() bool {
	return s == StatePromotedNavigating || s == StateClosed
}

// Trigger is an event that causes a stage transition.
type Trigger string

const (
	TriggerQueueEntered Trigger = "queue_entered"
	TriggerPromoted     Trigger = "promoted"
	TriggerMatchEnded   Trigger = "match_ended"
)

// String returns the string representation of the trigger.
func (t Trigger) String() string {
	return string(t)
}

// TransitionCallback is called when a stage transition occurs.
type TransitionCallback func(ctx context.Context, from, to State, trigger Trigger)

// Machine wraps the stateless state machine with the queue-stage lifecycle.
// Loading enters the queue once and never flickers back; both terminal
// states accept no further triggers.
type Machine struct {
	sm          *stateless.StateMachine
	callbacks   []TransitionCallback
	callbacksMu sync.RWMutex
}

// NewMachine creates a stage machine starting in Loading.
func NewMachine() *Machine {
	m := &Machine{
		callbacks: make([]TransitionCallback, 0),
	}

	sm := stateless.NewStateMachine(StateLoading)

	sm.Configure(StateLoading).
		Permit(TriggerQueueEntered, StateInQueue).
		Permit(TriggerMatchEnded, StateClosed)

	sm.Configure(StateInQueue).
		Permit(TriggerPromoted, StatePromotedNavigating).
		Permit(TriggerMatchEnded, StateClosed)

	sm.Configure(StatePromotedNavigating)
	// Terminal within this window: teardown happens via navigation.

	sm.Configure(StateClosed)

	sm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		m.callbacksMu.RLock()
		callbacks := make([]TransitionCallback, len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.callbacksMu.RUnlock()

		from := t.Source.(State)
		to := t.Destination.(State)
		trigger := t.Trigger.(Trigger)

		for _, cb := range callbacks {
			cb(ctx, from, to, trigger)
		}
	})

	m.sm = sm
	return m
}

// State returns the current state.
func (m *Machine) State(ctx context.Context) (State, error) {
	state, err := m.sm.State(ctx)
	if err != nil {
		return "", err
	}
	return state.(State), nil
}

// MustState returns the current state, panicking on error.
func (m *Machine) MustState() State {
	state, err := m.State(context.Background())
	if err != nil {
		panic(err)
	}
	return state
}

// Fire triggers a state transition.
func (m *Machine) Fire(ctx context.Context, trigger Trigger) error {
	return m.sm.FireCtx(ctx, trigger)
}

// CanFire returns true if the trigger can be fired from the current state.
func (m *Machine) CanFire(ctx context.Context, trigger Trigger) (bool, error) {
	return m.sm.CanFireCtx(ctx, trigger)
}

// OnTransition registers a callback to be called on stage transitions.
func (m *Machine) OnTransition(cb TransitionCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}
