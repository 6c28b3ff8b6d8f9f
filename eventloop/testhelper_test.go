//go:build linux

package eventloop

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-x11loop/device"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// fakeConn is a Connection backed by a real eventfd, so the loop blocks on it
// exactly as it would on a socket.
type fakeConn struct {
	t        *testing.T
	queue    []NativeEvent
	devices  []device.Info
	selected []bool
	queryErr error
	// selectErr is returned by SelectDeviceEvents
	selectErr error
	mu        sync.Mutex
	fd        int
}

func newFakeConn(t *testing.T) *fakeConn {
	t.Helper()
	fd, err := createWakeFd(0, EFD_CLOEXEC|EFD_NONBLOCK)
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	t.Cleanup(func() { _ = closeFD(fd) })
	return &fakeConn{t: t, fd: fd}
}

func (c *fakeConn) Fd() int { return c.fd }

func (c *fakeConn) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) != 0
}

func (c *fakeConn) PollEvent() (NativeEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		drainWakeFd(c.fd)
		return nil, false
	}
	ev := c.queue[0]
	c.queue = c.queue[1:]
	return ev, true
}

// Translate passes through native events that are already loop events.
func (c *fakeConn) Translate(ev NativeEvent, emit func(Event)) {
	switch ev := ev.(type) {
	case Event:
		emit(ev)
	case []Event:
		for _, e := range ev {
			emit(e)
		}
	}
}

func (c *fakeConn) QueryDevices(sel device.Selector) ([]device.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	var out []device.Info
	for _, info := range c.devices {
		switch {
		case sel == device.AllDevices,
			sel == device.AllMasterDevices && !info.Use.Physical(),
			sel == device.Single(info.ID):
			out = append(out, info)
		}
	}
	return out, nil
}

func (c *fakeConn) SelectDeviceEvents(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = append(c.selected, enabled)
	return c.selectErr
}

func (c *fakeConn) selections() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.selected...)
}

// push queues native events, and makes the fd readable.
func (c *fakeConn) push(events ...NativeEvent) {
	c.mu.Lock()
	c.queue = append(c.queue, events...)
	c.mu.Unlock()
	if err := writeWakeFd(c.fd); err != nil {
		panic(err)
	}
}

// touchpad is a physical slave pointer with a vertical scroll axis (2) of
// increment 1, and a horizontal one (3) of increment 120.
func touchpad(id device.ID) device.Info {
	return device.Info{
		ID:         id,
		Name:       fmt.Sprintf("touchpad %d", id),
		Use:        device.SlavePointer,
		Attachment: 2,
		Classes: []device.Class{
			device.ValuatorClass{Axis: 2, Value: 0},
			device.ScrollClass{Axis: 2, Orientation: device.Vertical, Increment: 1},
			device.ValuatorClass{Axis: 3, Value: 0},
			device.ScrollClass{Axis: 3, Orientation: device.Horizontal, Increment: 120},
		},
	}
}

// fakeWindow implements Window.
type fakeWindow struct {
	err   error
	token string
	panic any
	id    WindowID
	calls int
}

func (w *fakeWindow) ID() WindowID { return w.id }

func (w *fakeWindow) GenerateActivationToken() (string, error) {
	w.calls++
	if w.panic != nil {
		panic(w.panic)
	}
	return w.token, w.err
}

// describe renders an event for comparison in tests.
func describe(ev Event) string {
	switch ev := ev.(type) {
	case NewEvents:
		return "NewEvents(" + ev.Cause.Kind.String() + ")"
	case Resumed:
		return "Resumed"
	case WindowEvent:
		switch kind := ev.Event.(type) {
		case ActivationTokenDone:
			return fmt.Sprintf("Window(%d,Activation(%s,%d))", ev.Window, kind.Token, kind.Serial)
		case Focused:
			return fmt.Sprintf("Window(%d,Focused(%v))", ev.Window, kind.Focused)
		default:
			return fmt.Sprintf("Window(%d,%T)", ev.Window, ev.Event)
		}
	case DeviceEvent:
		switch kind := ev.Event.(type) {
		case Scroll:
			return fmt.Sprintf("Device(%d,Scroll(%v,%v))", ev.Device, kind.Delta, kind.Orientation)
		case Motion:
			return fmt.Sprintf("Device(%d,Motion(%d,%v))", ev.Device, kind.Axis, kind.Value)
		case DeviceAdded:
			return fmt.Sprintf("Device(%d,Added)", ev.Device)
		case DeviceRemoved:
			return fmt.Sprintf("Device(%d,Removed)", ev.Device)
		}
	case UserEvent[int]:
		return fmt.Sprintf("User(%d)", ev.Value)
	case MainEventsCleared:
		return "MainEventsCleared"
	case RedrawRequested:
		return fmt.Sprintf("Redraw(%d)", ev.Window)
	case RedrawEventsCleared:
		return "RedrawEventsCleared"
	case LoopDestroyed:
		return "LoopDestroyed"
	}
	return fmt.Sprintf("%T", ev)
}

// recorder collects the events delivered to its handler, deferring to an
// optional inner handler for control flow.
type recorder struct {
	inner  Handler[int]
	events []string
}

func (r *recorder) handle(ev Event, target *Target[int], cf *ControlFlow) {
	r.events = append(r.events, describe(ev))
	if r.inner != nil {
		r.inner(ev, target, cf)
	}
}

// exitAfter is a handler that polls, exiting with code once n iterations
// have completed.
func exitAfter(n int, code int) Handler[int] {
	var iterations int
	return func(ev Event, _ *Target[int], cf *ControlFlow) {
		if _, ok := ev.(RedrawEventsCleared); ok {
			iterations++
			if iterations >= n {
				*cf = ExitWithCode(code)
			}
		}
	}
}

// newTestLoop constructs a loop over a fresh fakeConn, closing it if it is
// never run.
func newTestLoop(t *testing.T, opts ...LoopOption) (*EventLoop[int], *fakeConn) {
	t.Helper()
	conn := newFakeConn(t)
	l, err := New[int](conn, opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, conn
}

// newTestLogger returns a debug-level stumpy logger writing JSON lines to w.
func newTestLogger(w io.Writer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField("")),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}

// syncBuffer is a goroutine-safe bytes.Buffer.
type syncBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// runAsync runs the loop on a new goroutine, returning a channel that
// receives its result.
func runAsync(l *EventLoop[int], handler Handler[int]) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		code, err := l.Run(handler)
		ch <- runResult{code: code, err: err}
	}()
	return ch
}

type runResult struct {
	err  error
	code int
}

func awaitRun(t *testing.T, ch <-chan runResult, timeout time.Duration) runResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(timeout):
		t.Fatalf("loop did not exit within %v", timeout)
		panic("unreachable")
	}
}

// waitLoopState waits for a loop to reach a specific state within a timeout.
func waitLoopState(t *testing.T, l *EventLoop[int], expected LoopState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for l.State() != expected && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if state := l.State(); state != expected {
		t.Fatalf("loop failed to reach %v state (got %v)", expected, state)
	}
}

var errTest = errors.New("test error")
