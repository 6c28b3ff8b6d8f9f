package eventloop

import (
	"fmt"

	"github.com/joeycumines/go-x11loop/device"
)

type (
	// WindowID identifies a window, as assigned by the server.
	WindowID uint32

	// ActivationSerial identifies one [Target.RequestActivationToken] call.
	ActivationSerial uint64

	// NativeEvent is an undecoded event, as popped from a [Connection].
	// The loop itself interprets the native device events declared by the
	// device package, and hands everything else to [Connection.Translate].
	NativeEvent any

	// Event is delivered to the [Handler]. The concrete types are declared
	// in this file.
	Event interface {
		isEvent()
	}

	// WindowEventKind is the payload of a [WindowEvent].
	WindowEventKind interface {
		isWindowEvent()
	}

	// DeviceEventKind is the payload of a [DeviceEvent].
	DeviceEventKind interface {
		isDeviceEvent()
	}
)

// Events, in the order they may appear within an iteration.
type (
	// NewEvents begins every iteration.
	NewEvents struct {
		Cause StartCause
	}

	// Resumed follows the [NewEvents] of the first iteration. X11 has no
	// suspend/resume lifecycle, it is emitted for parity with platforms
	// that do.
	Resumed struct{}

	WindowEvent struct {
		Event  WindowEventKind
		Window WindowID
	}

	DeviceEvent struct {
		Event  DeviceEventKind
		Device device.ID
	}

	// UserEvent carries a value sent by a [Proxy].
	UserEvent[T any] struct {
		Value T
	}

	// MainEventsCleared is emitted once every native, activation and user
	// event of the iteration has been delivered.
	MainEventsCleared struct{}

	// RedrawRequested is delivered at most once per window per iteration,
	// however many times the redraw was requested.
	RedrawRequested struct {
		Window WindowID
	}

	RedrawEventsCleared struct{}

	// LoopDestroyed is the final event, delivered exactly once, after which
	// the handler is never invoked again.
	LoopDestroyed struct{}
)

// Window events.
type (
	Resized struct {
		Width  uint32
		Height uint32
	}

	Moved struct {
		X int32
		Y int32
	}

	CloseRequested struct{}

	Destroyed struct{}

	Focused struct {
		Focused bool
	}

	KeyboardInput struct {
		Keycode uint8
		State   uint16
		Pressed bool
	}

	MouseInput struct {
		Button  uint8
		State   uint16
		Pressed bool
	}

	CursorMoved struct {
		X float64
		Y float64
	}

	// ActivationTokenDone carries the token requested by the
	// [Target.RequestActivationToken] call identified by Serial.
	ActivationTokenDone struct {
		Token  string
		Serial ActivationSerial
	}
)

// Device events.
type (
	DeviceAdded struct{}

	DeviceRemoved struct{}

	// Scroll is a scroll delta, in discrete steps, translated from a raw
	// valuator report by the device registry.
	Scroll struct {
		device.ScrollDelta
	}

	// Motion is a raw valuator report for an axis that is not a scroll axis.
	Motion struct {
		Axis  int
		Value float64
	}
)

func (NewEvents) isEvent()           {}
func (Resumed) isEvent()             {}
func (WindowEvent) isEvent()         {}
func (DeviceEvent) isEvent()         {}
func (UserEvent[T]) isEvent()        {}
func (MainEventsCleared) isEvent()   {}
func (RedrawRequested) isEvent()     {}
func (RedrawEventsCleared) isEvent() {}
func (LoopDestroyed) isEvent()       {}

func (Resized) isWindowEvent()             {}
func (Moved) isWindowEvent()               {}
func (CloseRequested) isWindowEvent()      {}
func (Destroyed) isWindowEvent()           {}
func (Focused) isWindowEvent()             {}
func (KeyboardInput) isWindowEvent()       {}
func (MouseInput) isWindowEvent()          {}
func (CursorMoved) isWindowEvent()         {}
func (ActivationTokenDone) isWindowEvent() {}

func (DeviceAdded) isDeviceEvent()   {}
func (DeviceRemoved) isDeviceEvent() {}
func (Scroll) isDeviceEvent()        {}
func (Motion) isDeviceEvent()        {}

func (x NewEvents) String() string { return fmt.Sprintf("NewEvents(%s)", x.Cause) }

func (x WindowEvent) String() string {
	return fmt.Sprintf("WindowEvent(%d, %T)", x.Window, x.Event)
}

func (x DeviceEvent) String() string {
	return fmt.Sprintf("DeviceEvent(%d, %T)", x.Device, x.Event)
}

func (x RedrawRequested) String() string { return fmt.Sprintf("RedrawRequested(%d)", x.Window) }
