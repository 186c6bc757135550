package order

import (
	"sync"
	"time"
)

// State is where a position request sits in the router's two-phase flow.
// Submission only ever produces StateRequested; the other states are
// decided by the keeper and observed by polling.
type State string

type Event string

const (
	StateRequested          State = "requested"
	StateExecuted           State = "executed"
	StateCancelledRefunded  State = "cancelled_refunded"
	StateTimedOutUnresolved State = "timed_out_unresolved"
)

const (
	EventExecuted      Event = "executed"
	EventCancelled     Event = "cancelled"
	EventWindowElapsed Event = "window_elapsed"
)

// Keeper execution window enforced by the position router. A request not
// executed within both bounds is cancelled by the protocol and the
// collateral refunded minus gas.
const (
	KeeperBlockWindow = 2
	KeeperTimeWindow  = 180 * time.Second
)

func (s State) Terminal() bool {
	return s == StateExecuted || s == StateCancelledRefunded
}

func ParseEvent(raw string) (Event, bool) {
	switch e := Event(raw); e {
	case EventExecuted, EventCancelled, EventWindowElapsed:
		return e, true
	}
	return "", false
}

type Machine struct {
	mu    sync.Mutex
	State State
}

func NewMachine() *Machine {
	return &Machine{State: StateRequested}
}

func (m *Machine) Apply(event Event) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.State = nextState(m.State, event)
	return m.State
}

func (m *Machine) SetState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.State = state
}

// A timed-out request can still resolve: the keeper may execute late or the
// cancellation may land after the window elapsed.
func nextState(current State, event Event) State {
	switch current {
	case StateRequested:
		switch event {
		case EventExecuted:
			return StateExecuted
		case EventCancelled:
			return StateCancelledRefunded
		case EventWindowElapsed:
			return StateTimedOutUnresolved
		}
	case StateTimedOutUnresolved:
		switch event {
		case EventExecuted:
			return StateExecuted
		case EventCancelled:
			return StateCancelledRefunded
		}
	}
	return current
}
