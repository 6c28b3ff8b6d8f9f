//go:build linux

package eventloop

import (
	"errors"
)

// activationRequest is one pending Target.RequestActivationToken call.
type activationRequest struct {
	window WindowID
	serial ActivationSerial
}

// multiplexer presents the connection and the three producer channels as
// one blocking wait, over a single epoll registration table.
//
// The pending queues are owned by the loop goroutine. Each channel's wake
// callback moves its buffered values into the corresponding pending queue.
type multiplexer[T any] struct {
	conn       Connection
	user       *channel[T]
	redraw     *channel[WindowID]
	activation *channel[activationRequest]

	pendingUser       ChunkedIngress[T]
	pendingRedraw     ChunkedIngress[WindowID]
	pendingActivation ChunkedIngress[activationRequest]

	poller FastPoller
}

func newMultiplexer[T any](conn Connection) (m *multiplexer[T], err error) {
	m = &multiplexer[T]{conn: conn}
	if err := m.poller.Init(); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = m.close()
			m = nil
		}
	}()

	if m.user, err = newChannel[T](); err != nil {
		return
	}
	if m.redraw, err = newChannel[WindowID](); err != nil {
		return
	}
	if m.activation, err = newChannel[activationRequest](); err != nil {
		return
	}

	// the connection's readiness is re-checked via Connection.Pending
	if err = m.poller.RegisterFD(conn.Fd(), EventRead, func(IOEvents) {}); err != nil {
		return
	}
	if err = m.poller.RegisterFD(m.user.fd, EventRead, func(IOEvents) { m.transferUser() }); err != nil {
		return
	}
	if err = m.poller.RegisterFD(m.redraw.fd, EventRead, func(IOEvents) { m.transferRedraw() }); err != nil {
		return
	}
	if err = m.poller.RegisterFD(m.activation.fd, EventRead, func(IOEvents) { m.transferActivation() }); err != nil {
		return
	}

	return m, nil
}

// hasPending reports whether an iteration has anything to deliver, without
// blocking. Activation tokens are deliberately excluded, so they alone never
// keep the loop spinning.
func (m *multiplexer[T]) hasPending() bool {
	return m.conn.Pending() ||
		m.pendingUser.Length() != 0 ||
		m.pendingRedraw.Length() != 0
}

// blockUntil waits for readiness, for at most timeoutMs (-1 for no limit),
// running the wake callbacks of every ready registration. A wake doesn't
// imply anything was produced. Any error is fatal.
func (m *multiplexer[T]) blockUntil(timeoutMs int) *PollError {
	if _, err := m.poller.PollIO(timeoutMs); err != nil {
		return &PollError{Err: err}
	}
	return nil
}

func (m *multiplexer[T]) transferUser() int {
	m.user.acknowledge()
	return m.user.receive(&m.pendingUser)
}

func (m *multiplexer[T]) transferRedraw() int {
	m.redraw.acknowledge()
	return m.redraw.receive(&m.pendingRedraw)
}

func (m *multiplexer[T]) transferActivation() int {
	m.activation.acknowledge()
	return m.activation.receive(&m.pendingActivation)
}

// close rejects further sends, then releases every fd. The connection's fd
// is unregistered but not closed.
func (m *multiplexer[T]) close() error {
	errs := []error{
		closeChannel(&m.poller, m.user),
		closeChannel(&m.poller, m.redraw),
		closeChannel(&m.poller, m.activation),
	}
	_ = m.poller.UnregisterFD(m.conn.Fd())
	errs = append(errs, m.poller.Close())
	return errors.Join(errs...)
}

func closeChannel[V any](p *FastPoller, ch *channel[V]) error {
	if ch == nil {
		return nil
	}
	_ = p.UnregisterFD(ch.fd)
	return ch.close()
}
