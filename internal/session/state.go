package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of an import or export session.
type State string

const (
	StateIdle                State = "idle"
	StateOpened              State = "opened"
	StateRunning             State = "running"
	StateCompleted           State = "completed"
	StateCompletedWithErrors State = "completed-with-errors"
	StateCanceled            State = "canceled"
	StateFailed              State = "failed"
)

// States lists every state.
var States = []State{
	StateIdle, StateOpened, StateRunning,
	StateCompleted, StateCompletedWithErrors, StateCanceled, StateFailed,
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCompletedWithErrors, StateCanceled, StateFailed:
		return true
	}
	return false
}

// Event drives a state change.
type Event string

const (
	EventOpen               Event = "open"
	EventStart              Event = "start"
	EventComplete           Event = "complete"
	EventCompleteWithErrors Event = "complete-with-errors"
	EventAbort              Event = "abort"
	EventFail               Event = "fail"
	EventConnectionLost     Event = "connection-lost"
	EventClose              Event = "close"
)

// Events lists every event.
var Events = []Event{
	EventOpen, EventStart, EventComplete, EventCompleteWithErrors,
	EventAbort, EventFail, EventConnectionLost, EventClose,
}

// ErrIllegalTransition is returned by Transition for a pair with no edge.
var ErrIllegalTransition = errors.New("illegal state transition")

// Transition returns the state reached from s on e. It is defined for every
// pair: pairs without an edge return s unchanged and ErrIllegalTransition.
//
//	open              any state but running         -> opened
//	start             opened                        -> running
//	complete, ...     running                       -> the matching terminal state
//	connection-lost   any state                     -> idle
//	close             any state but running         -> idle
//
// A running session is closed by canceling it first; terminal states only
// leave through open, close or connection-lost.
func Transition(s State, e Event) (State, error) {
	switch e {
	case EventOpen:
		if s != StateRunning {
			return StateOpened, nil
		}
	case EventStart:
		if s == StateOpened {
			return StateRunning, nil
		}
	case EventComplete:
		if s == StateRunning {
			return StateCompleted, nil
		}
	case EventCompleteWithErrors:
		if s == StateRunning {
			return StateCompletedWithErrors, nil
		}
	case EventAbort:
		if s == StateRunning {
			return StateCanceled, nil
		}
	case EventFail:
		if s == StateRunning {
			return StateFailed, nil
		}
	case EventConnectionLost:
		return StateIdle, nil
	case EventClose:
		if s != StateRunning {
			return StateIdle, nil
		}
	}
	return s, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, s, e)
}

// terminalEvent picks the event that ends a run with the given outcome.
func terminalEvent(failed, aborted bool, errorCount int64) Event {
	switch {
	case failed:
		return EventFail
	case aborted:
		return EventAbort
	case errorCount > 0:
		return EventCompleteWithErrors
	}
	return EventComplete
}
