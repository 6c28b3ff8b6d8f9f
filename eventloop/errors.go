package eventloop

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run() is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("eventloop: loop is already running")

	// ErrLoopTerminated is returned when Run() is called on a loop that has already exited.
	ErrLoopTerminated = errors.New("eventloop: loop has been terminated")

	// ErrReentrantRun is returned when Run() is called from within the loop itself.
	ErrReentrantRun = errors.New("eventloop: cannot call Run() from within the loop")

	// ErrLoopClosed is matched by errors returned from producers after the loop exited.
	ErrLoopClosed = errors.New("eventloop: loop closed")

	// ErrNilConnection is returned by New if the connection is nil.
	ErrNilConnection = errors.New("eventloop: nil connection")

	// ErrNilHandler is returned by Run if the handler is nil.
	ErrNilHandler = errors.New("eventloop: nil handler")

	// ErrNilWindow is returned when registering a nil window.
	ErrNilWindow = errors.New("eventloop: nil window")
)

// PollError is the fatal error returned by Run when waiting for readiness
// failed. It aborts the loop, without delivering a partial iteration.
type PollError struct {
	Err error
}

// Error implements the error interface.
func (e *PollError) Error() string {
	return fmt.Sprintf("eventloop: poll failed: %v", e.Err)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *PollError) Unwrap() error {
	return e.Err
}

// Code returns the OS error number, or 1 if the cause carries none. It is
// the exit code returned alongside the error.
func (e *PollError) Code() int {
	var errno unix.Errno
	if errors.As(e.Err, &errno) && errno != 0 {
		return int(errno)
	}
	return 1
}

// ClosedError is returned by [Proxy.SendEvent] once the loop has exited. It
// carries the value that was not sent.
type ClosedError[T any] struct {
	Value T
}

// Error implements the error interface.
func (e *ClosedError[T]) Error() string {
	return ErrLoopClosed.Error()
}

// Is matches [ErrLoopClosed].
func (e *ClosedError[T]) Is(target error) bool {
	return target == ErrLoopClosed
}
