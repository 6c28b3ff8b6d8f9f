//go:build linux

package eventloop

import (
	"errors"
	"weak"

	"github.com/joeycumines/go-x11loop/device"
)

// Target is the loop's handle, passed to every Handler invocation.
//
// RequestRedraw and RequestActivationToken may be called from any
// goroutine. The device accessors must only be called from the handler.
type Target[T any] struct {
	loop *EventLoop[T]
}

// RequestRedraw queues a RedrawRequested for the window. Requests for the
// same window are coalesced, delivering at most one per iteration.
func (t *Target[T]) RequestRedraw(id WindowID) error {
	return t.loop.mux.redraw.send(id)
}

// RequestActivationToken queues a request for an activation token for the
// window, delivered as a WindowEvent carrying ActivationTokenDone, with the
// returned serial. Requests for windows that are gone (or were never
// registered) are dropped.
func (t *Target[T]) RequestActivationToken(id WindowID) (ActivationSerial, error) {
	serial := ActivationSerial(t.loop.activationSerial.Add(1))
	if err := t.loop.mux.activation.send(activationRequest{window: id, serial: serial}); err != nil {
		return 0, err
	}
	return serial, nil
}

// Window returns the registered window, if it is still alive.
func (t *Target[T]) Window(id WindowID) (Window, bool) {
	return t.loop.windows.lookup(id)
}

// UnregisterWindow removes a window, returning false if it was not
// registered. Windows that are garbage collected are removed automatically.
func (t *Target[T]) UnregisterWindow(id WindowID) bool {
	return t.loop.windows.unregister(id)
}

// SetListenDeviceEvents changes when raw device input is delivered, taking
// effect from the next batch of native events.
func (t *Target[T]) SetListenDeviceEvents(filter DeviceEvents) {
	t.loop.deviceEvents.Store(uint32(filter))
}

// Device returns a snapshot of a known device.
func (t *Target[T]) Device(id device.ID) (device.Device, bool) {
	return t.loop.devices.Device(id)
}

// Proxy returns a goroutine-safe sender of user events.
func (t *Target[T]) Proxy() Proxy[T] {
	return t.loop.Proxy()
}

// RegisterWindow makes a window available to the loop, by its ID, e.g. to
// resolve activation tokens. The window is held weakly, so it is dropped once
// the application no longer references it. Registering an ID again replaces
// the previous window.
func RegisterWindow[T any, W any, P interface {
	*W
	Window
}](target *Target[T], window P) error {
	if window == nil {
		return ErrNilWindow
	}
	id := window.ID()
	if id == 0 {
		return errors.New("eventloop: window id 0 is reserved")
	}
	target.loop.windows.register(id, weakWindow[W, P]{p: weak.Make((*W)(window))})
	return nil
}

// Proxy sends user events to the loop. It is a small value, safe to copy and
// to use from any goroutine.
type Proxy[T any] struct {
	ch *channel[T]
}

// SendEvent queues value for delivery as a UserEvent, in FIFO order. Once
// the loop has exited, it returns a *ClosedError carrying the value.
func (p Proxy[T]) SendEvent(value T) error {
	if p.ch == nil {
		return &ClosedError[T]{Value: value}
	}
	if err := p.ch.send(value); err != nil {
		if errors.Is(err, ErrLoopClosed) {
			return &ClosedError[T]{Value: value}
		}
		return err
	}
	return nil
}
