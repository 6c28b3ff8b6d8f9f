//go:build linux

package xconn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
	"github.com/joeycumines/go-x11loop/device"
	"github.com/joeycumines/go-x11loop/eventloop"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// XInput 2.2 is the first version with raw events delivered to every client.
const (
	xiMajor = 2
	xiMinor = 2
)

func init() {
	xgb.NewEventFuncs[genericEventCode] = newGenericEvent
}

type (
	// Extensions are the negotiated server extensions.
	Extensions struct {
		XInputOpcode byte
		XInputMajor  uint16
		XInputMinor  uint16
		// XkbOpcode is zero if the server lacks XKEYBOARD, which is
		// tolerated.
		XkbOpcode byte
	}

	// Atoms are the atoms interned on connect.
	Atoms struct {
		WMProtocols         xproto.Atom
		WMDeleteWindow      xproto.Atom
		NetWMPing           xproto.Atom
		NetStartupInfoBegin xproto.Atom
		NetStartupInfo      xproto.Atom
	}

	// ConnectionLost is the native event popped once the server connection
	// has failed. Nothing further is ever popped.
	ConnectionLost struct{}

	// protocolError is an asynchronous error reply, queued in order with
	// the events.
	protocolError struct {
		err xgb.Error
	}

	geometry struct {
		x, y          int16
		width, height uint16
	}
)

// Conn is an X11 connection, implementing [eventloop.Connection] and
// [eventloop.DeviceEventSelector].
type Conn struct { // betteralign:ignore
	x         *xgb.Conn
	transport *transport
	log       *logiface.Logger[logiface.Event]
	screen    *xproto.ScreenInfo
	done      chan struct{}

	// guards the fields below
	mu       sync.Mutex
	queue    eventloop.ChunkedIngress[eventloop.NativeEvent]
	geometry map[xproto.Window]geometry
	closed   bool

	atoms Atoms
	ext   Extensions
	fd    int
}

var _ eventloop.Connection = (*Conn)(nil)
var _ eventloop.DeviceEventSelector = (*Conn)(nil)

// Open connects to the X server, negotiates the required extensions, and
// starts reading events.
func Open(opts ...Option) (*Conn, error) {
	cfg := resolveConnOptions(opts)

	addr, err := parseDisplay(cfg.display)
	if err != nil {
		return nil, err
	}
	t, err := dialTransport(addr)
	if err != nil {
		return nil, fmt.Errorf("xconn: connect %q: %w", cfg.display, err)
	}
	x, err := xgb.NewConnNet(t)
	if err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("xconn: connect %q: %w", cfg.display, err)
	}
	x.DisplayNumber = addr.number
	x.DefaultScreen = addr.screen

	setup := xproto.Setup(x)
	if addr.screen >= len(setup.Roots) {
		x.Close()
		return nil, fmt.Errorf("xconn: connect %q: no screen %d", cfg.display, addr.screen)
	}

	c := &Conn{
		x:         x,
		transport: t,
		log:       cfg.logger,
		screen:    setup.DefaultScreen(x),
		done:      make(chan struct{}),
		geometry:  make(map[xproto.Window]geometry),
		fd:        -1,
	}

	if c.ext, err = negotiate(x); err != nil {
		x.Close()
		return nil, err
	}
	if c.atoms, err = internAtoms(x); err != nil {
		x.Close()
		return nil, err
	}
	if c.fd, err = unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK); err != nil {
		x.Close()
		return nil, fmt.Errorf("xconn: eventfd: %w", err)
	}

	c.log.Debug().
		Str("display", cfg.display).
		Str("address", addr.address).
		Int("xinput_major", int(c.ext.XInputMajor)).
		Int("xinput_minor", int(c.ext.XInputMinor)).
		Bool("xkb", c.ext.XkbOpcode != 0).
		Log("connected")

	go c.pump()

	return c, nil
}

func negotiate(x *xgb.Conn) (ext Extensions, err error) {
	xi, err := xproto.QueryExtension(x, uint16(len("XInputExtension")), "XInputExtension").Reply()
	if err != nil {
		return ext, fmt.Errorf("xconn: query XInputExtension: %w", err)
	}
	if !xi.Present {
		return ext, &ExtensionError{Name: "XInputExtension"}
	}
	ext.XInputOpcode = xi.MajorOpcode

	cookie := x.NewCookie(true, true)
	x.NewRequest(xiQueryVersionRequest(ext.XInputOpcode, xiMajor, xiMinor), cookie)
	reply, err := cookie.Reply()
	if err != nil {
		return ext, fmt.Errorf("xconn: XIQueryVersion: %w", err)
	}
	if ext.XInputMajor, ext.XInputMinor, err = decodeXIQueryVersion(reply); err != nil {
		return ext, fmt.Errorf("xconn: XIQueryVersion: %w", err)
	}
	if ext.XInputMajor < xiMajor || (ext.XInputMajor == xiMajor && ext.XInputMinor < xiMinor) {
		return ext, &ExtensionError{
			Name: "XInputExtension",
			Have: fmt.Sprintf("%d.%d", ext.XInputMajor, ext.XInputMinor),
			Want: fmt.Sprintf("%d.%d", xiMajor, xiMinor),
		}
	}

	xkb, err := xproto.QueryExtension(x, uint16(len("XKEYBOARD")), "XKEYBOARD").Reply()
	if err != nil {
		return ext, fmt.Errorf("xconn: query XKEYBOARD: %w", err)
	}
	if xkb.Present {
		ext.XkbOpcode = xkb.MajorOpcode
	}

	return ext, nil
}

// internAtoms interns every atom with a single round trip.
func internAtoms(x *xgb.Conn) (atoms Atoms, err error) {
	targets := []struct {
		dst  *xproto.Atom
		name string
	}{
		{&atoms.WMProtocols, "WM_PROTOCOLS"},
		{&atoms.WMDeleteWindow, "WM_DELETE_WINDOW"},
		{&atoms.NetWMPing, "_NET_WM_PING"},
		{&atoms.NetStartupInfoBegin, "_NET_STARTUP_INFO_BEGIN"},
		{&atoms.NetStartupInfo, "_NET_STARTUP_INFO"},
	}
	cookies := make([]xproto.InternAtomCookie, len(targets))
	for i, t := range targets {
		cookies[i] = xproto.InternAtom(x, false, uint16(len(t.name)), t.name)
	}
	for i, t := range targets {
		reply, err := cookies[i].Reply()
		if err != nil {
			return atoms, fmt.Errorf("xconn: intern %s: %w", t.name, err)
		}
		*t.dst = reply.Atom
	}
	return atoms, nil
}

// pump reads from the server until the connection fails.
func (c *Conn) pump() {
	defer close(c.done)
	for {
		ev, xerr := c.x.WaitForEvent()
		switch {
		case ev == nil && xerr == nil:
			if c.isClosed() {
				c.log.Debug().Log("connection closed")
				return
			}
			c.log.Err().Log("connection lost")
			c.push(ConnectionLost{})
			return
		case xerr != nil:
			c.push(protocolError{err: xerr})
		case ev != nil:
			if g, ok := ev.(genericEvent); ok {
				if g, ok = c.transport.resolve(g); !ok {
					c.log.Err().Stringer("event", g).Log("generic event lost")
					continue
				}
				if native, ok := c.decodeGeneric(g); ok {
					c.push(native)
				}
				continue
			}
			c.push(ev)
		}
	}
}

func (c *Conn) decodeGeneric(g genericEvent) (eventloop.NativeEvent, bool) {
	if g.data[1] != c.ext.XInputOpcode {
		return nil, false
	}
	native, ok := decodeXIEvent(g.data)
	if !ok {
		c.log.Debug().Stringer("event", g).Log("dropped generic event")
	}
	return native, ok
}

func (c *Conn) push(ev eventloop.NativeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue.Push(ev)
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(c.fd, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		c.log.Err().Err(err).Log("eventfd write failed")
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Fd returns the eventfd signalled whenever an event is queued.
func (c *Conn) Fd() int { return c.fd }

// Pending reports whether an event is queued.
func (c *Conn) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Length() != 0
}

// PollEvent pops the next queued event. The eventfd is drained whenever the
// queue empties, so it is readable exactly while events are queued.
func (c *Conn) PollEvent() (eventloop.NativeEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.queue.Pop()
	if c.queue.Length() == 0 && !c.closed {
		var buf [8]byte
		_, _ = unix.Read(c.fd, buf[:])
	}
	return ev, ok
}

// Done is closed once the server connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Extensions returns the negotiated extensions.
func (c *Conn) Extensions() Extensions { return c.ext }

// Atoms returns the interned atoms.
func (c *Conn) Atoms() Atoms { return c.atoms }

// Root returns the root window of the default screen.
func (c *Conn) Root() xproto.Window { return c.screen.Root }

// QueryDevices lists the selected devices, via XIQueryDevice.
func (c *Conn) QueryDevices(selector device.Selector) ([]device.Info, error) {
	cookie := c.x.NewCookie(true, true)
	c.x.NewRequest(xiQueryDeviceRequest(c.ext.XInputOpcode, uint16(selector)), cookie)
	reply, err := cookie.Reply()
	if err != nil {
		return nil, fmt.Errorf("xconn: XIQueryDevice: %w", err)
	}
	infos, err := decodeXIQueryDevice(reply)
	if err != nil {
		return nil, fmt.Errorf("xconn: XIQueryDevice: %w", err)
	}
	return infos, nil
}

// SelectDeviceEvents updates the root window's XInput 2 event mask, to
// receive raw input only while enabled.
func (c *Conn) SelectDeviceEvents(enabled bool) error {
	cookie := c.x.NewCookie(true, false)
	c.x.NewRequest(xiSelectEventsRequest(c.ext.XInputOpcode, uint32(c.screen.Root), deviceEventMasks(enabled)), cookie)
	if err := cookie.Check(); err != nil {
		return fmt.Errorf("xconn: XISelectEvents: %w", err)
	}
	return nil
}

// Close disconnects from the server. The eventfd remains open until the
// pump has exited.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.x.Close()
	<-c.done
	return unix.Close(c.fd)
}
