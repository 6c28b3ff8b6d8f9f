package eventloop

import (
	"sync/atomic"
)

// LoopState represents the current state of the event loop.
//
// State Machine:
//
//	StateAwake → StateDraining        [Run()]
//	StateDraining → StateIdle         [iteration end, before blocking]
//	StateIdle → StateDraining         [wakeup]
//	StateDraining → StateExited       [ExitWithCode]
//	StateIdle → StateExited           [fatal poll error]
//	StateExited → (terminal)
//
// State Transition Rules:
//   - Use TryTransition() (CAS) for the Draining/Idle cycle
//   - Use Store() only for StateExited, which is irreversible
type LoopState uint64

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = iota
	// StateIdle indicates the loop is between iterations, blocked or about to
	// block in epoll.
	StateIdle
	// StateDraining indicates the loop is delivering an iteration.
	StateDraining
	// StateExited indicates Run has returned. Producers are rejected.
	StateExited
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateIdle:
		return "Idle"
	case StateDraining:
		return "Draining"
	case StateExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// FastState is a lock-free state machine with cache-line padding.
type FastState struct { // betteralign:ignore
	_ [64]byte      // Cache line padding (before value) //nolint:unused
	v atomic.Uint64 // State value
	_ [56]byte      // Pad to complete cache line (64 - 8 = 56) //nolint:unused
}

// NewFastState creates a new state machine in the Awake state.
func NewFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

// Load returns the current state atomically.
func (s *FastState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state, without validating the transition.
func (s *FastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
func (s *FastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// IsTerminal returns true if the loop has exited.
func (s *FastState) IsTerminal() bool {
	return s.Load() == StateExited
}

// IsRunning returns true if Run is delivering or blocked.
func (s *FastState) IsRunning() bool {
	state := s.Load()
	return state == StateDraining || state == StateIdle
}
