//go:build linux

package xconn

import (
	"github.com/jezek/xgb/xproto"
	"github.com/joeycumines/go-x11loop/eventloop"
)

// Translate converts a core protocol event into loop events. Device
// events are decoded by the pump, and never reach here.
func (c *Conn) Translate(native eventloop.NativeEvent, emit func(eventloop.Event)) {
	window := func(w xproto.Window, kind eventloop.WindowEventKind) {
		emit(eventloop.WindowEvent{Window: eventloop.WindowID(w), Event: kind})
	}

	switch ev := native.(type) {
	case xproto.ExposeEvent:
		// only the last of a series
		if ev.Count == 0 {
			emit(eventloop.RedrawRequested{Window: eventloop.WindowID(ev.Window)})
		}

	case xproto.ConfigureNotifyEvent:
		resized, moved := c.updateGeometry(ev.Window, geometry{
			x:      ev.X,
			y:      ev.Y,
			width:  ev.Width,
			height: ev.Height,
		})
		if resized {
			window(ev.Window, eventloop.Resized{Width: uint32(ev.Width), Height: uint32(ev.Height)})
		}
		if moved {
			window(ev.Window, eventloop.Moved{X: int32(ev.X), Y: int32(ev.Y)})
		}

	case xproto.ClientMessageEvent:
		c.clientMessage(ev, window)

	case xproto.DestroyNotifyEvent:
		c.mu.Lock()
		delete(c.geometry, ev.Window)
		c.mu.Unlock()
		window(ev.Window, eventloop.Destroyed{})

	case xproto.FocusInEvent:
		if ev.Detail != xproto.NotifyDetailPointer {
			window(ev.Event, eventloop.Focused{Focused: true})
		}

	case xproto.FocusOutEvent:
		if ev.Detail != xproto.NotifyDetailPointer {
			window(ev.Event, eventloop.Focused{Focused: false})
		}

	case xproto.KeyPressEvent:
		window(ev.Event, eventloop.KeyboardInput{Keycode: byte(ev.Detail), State: ev.State, Pressed: true})

	case xproto.KeyReleaseEvent:
		window(ev.Event, eventloop.KeyboardInput{Keycode: byte(ev.Detail), State: ev.State})

	case xproto.ButtonPressEvent:
		window(ev.Event, eventloop.MouseInput{Button: byte(ev.Detail), State: ev.State, Pressed: true})

	case xproto.ButtonReleaseEvent:
		window(ev.Event, eventloop.MouseInput{Button: byte(ev.Detail), State: ev.State})

	case xproto.MotionNotifyEvent:
		window(ev.Event, eventloop.CursorMoved{X: float64(ev.EventX), Y: float64(ev.EventY)})

	case protocolError:
		c.log.Err().
			Str("error", ev.err.Error()).
			Int("sequence", int(ev.err.SequenceId())).
			Log("protocol error")

	case ConnectionLost:

	default:
		c.log.Trace().Interface("event", native).Log("unhandled event")
	}
}

// updateGeometry records a window's geometry, reporting what changed.
// Windows seen for the first time report both.
func (c *Conn) updateGeometry(w xproto.Window, g geometry) (resized, moved bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.geometry[w]
	c.geometry[w] = g
	if !ok {
		return true, true
	}
	return old.width != g.width || old.height != g.height, old.x != g.x || old.y != g.y
}

func (c *Conn) clientMessage(ev xproto.ClientMessageEvent, window func(xproto.Window, eventloop.WindowEventKind)) {
	if ev.Type != c.atoms.WMProtocols || ev.Format != 32 || len(ev.Data.Data32) == 0 {
		return
	}
	switch xproto.Atom(ev.Data.Data32[0]) {
	case c.atoms.WMDeleteWindow:
		window(ev.Window, eventloop.CloseRequested{})
	case c.atoms.NetWMPing:
		if c.x == nil {
			return
		}
		// errors arrive asynchronously, as a protocolError
		ev.Window = c.screen.Root
		xproto.SendEvent(
			c.x,
			false,
			c.screen.Root,
			xproto.EventMaskSubstructureNotify|xproto.EventMaskSubstructureRedirect,
			string(ev.Bytes()),
		)
	}
}
