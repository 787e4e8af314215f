package conversation

import (
	"sync"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateListening
	StateSending
	StateSpeaking
	StateError
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateSending:
		return "SENDING"
	case StateSpeaking:
		return "SPEAKING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
	// Message is set for transitions into StateError.
	Message string
}

// StateListener observes conversation state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(StateChange)

func (f StateListenerFunc) OnStateChange(ev StateChange) { f(ev) }

var validTransitions = map[State][]State{
	StateIdle:      {StateListening, StateError},
	StateListening: {StateSending, StateError, StateIdle},
	StateSending:   {StateSpeaking, StateListening, StateError, StateIdle},
	StateSpeaking:  {StateListening, StateError, StateIdle},
	StateError:     {StateListening, StateError, StateIdle},
}

// stateMachine holds the current state and validates transitions.
type stateMachine struct {
	mu        sync.RWMutex
	current   State
	message   string
	since     time.Time
	listeners []StateListener
	now       func() time.Time
}

func newStateMachine(now func() time.Time) *stateMachine {
	if now == nil {
		now = time.Now
	}
	return &stateMachine{current: StateIdle, since: now(), now: now}
}

// State returns the current state.
func (sm *stateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

func (sm *stateMachine) snapshot() (State, string, time.Time) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current, sm.message, sm.since
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation. Listeners are notified
// after the lock is released.
func (sm *stateMachine) Transition(state State, reason, message string) (StateChange, error) {
	sm.mu.Lock()
	if !transitionValid(sm.current, state) {
		from := sm.current
		sm.mu.Unlock()
		return StateChange{}, &InvalidTransitionError{From: from, To: state}
	}
	ev := StateChange{
		FromState: sm.current,
		ToState:   state,
		Timestamp: sm.now(),
		Reason:    reason,
		Message:   message,
	}
	sm.current = state
	sm.message = message
	sm.since = ev.Timestamp
	listeners := make([]StateListener, len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	for _, l := range listeners {
		l.OnStateChange(ev)
	}
	return ev, nil
}

// AddListener registers a listener for state change events.
func (sm *stateMachine) AddListener(listener StateListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
