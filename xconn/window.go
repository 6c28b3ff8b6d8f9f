//go:build linux

package xconn

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
	"github.com/joeycumines/go-x11loop/eventloop"
)

// startupChunkSize is the payload of one format 8 client message.
const startupChunkSize = 20

const windowEventMask = xproto.EventMaskExposure |
	xproto.EventMaskStructureNotify |
	xproto.EventMaskFocusChange |
	xproto.EventMaskKeyPress |
	xproto.EventMaskKeyRelease |
	xproto.EventMaskButtonPress |
	xproto.EventMaskButtonRelease |
	xproto.EventMaskPointerMotion

// Window is a top-level window, implementing [eventloop.Window].
type Window struct {
	conn  *Conn
	title string
	id    xproto.Window
}

var _ eventloop.Window = (*Window)(nil)

// CreateWindow creates and maps a top-level window, which participates in
// the WM_DELETE_WINDOW and _NET_WM_PING protocols.
func (c *Conn) CreateWindow(title string, width, height uint16) (*Window, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	id, err := xproto.NewWindowId(c.x)
	if err != nil {
		return nil, fmt.Errorf("xconn: allocate window id: %w", err)
	}

	err = xproto.CreateWindowChecked(
		c.x,
		c.screen.RootDepth,
		id,
		c.screen.Root,
		0, 0, width, height, 0,
		xproto.WindowClassInputOutput,
		c.screen.RootVisual,
		xproto.CwBackPixel|xproto.CwEventMask,
		[]uint32{c.screen.WhitePixel, windowEventMask},
	).Check()
	if err != nil {
		return nil, fmt.Errorf("xconn: create window: %w", err)
	}

	protocols := make([]byte, 8)
	xgb.Put32(protocols, uint32(c.atoms.WMDeleteWindow))
	xgb.Put32(protocols[4:], uint32(c.atoms.NetWMPing))
	xproto.ChangeProperty(c.x, xproto.PropModeReplace, id, c.atoms.WMProtocols, xproto.AtomAtom, 32, 2, protocols)
	xproto.ChangeProperty(c.x, xproto.PropModeReplace, id, xproto.AtomWmName, xproto.AtomString, 8, uint32(len(title)), []byte(title))

	if err := xproto.MapWindowChecked(c.x, id).Check(); err != nil {
		xproto.DestroyWindow(c.x, id)
		return nil, fmt.Errorf("xconn: map window: %w", err)
	}

	c.log.Debug().Int("window", int(id)).Str("title", title).Log("window created")

	return &Window{conn: c, id: id, title: title}, nil
}

// ID returns the server's window id.
func (w *Window) ID() eventloop.WindowID { return eventloop.WindowID(w.id) }

// GenerateActivationToken creates a startup-notification id, and announces
// it to the root window, so a later activation request carrying it is
// honoured by the window manager.
func (w *Window) GenerateActivationToken() (string, error) {
	c := w.conn
	if c.isClosed() {
		return "", ErrClosed
	}

	token := newActivationToken(time.Now())
	msg := startupMessage("new", [][2]string{
		{"ID", token},
		{"NAME", w.title},
		{"SCREEN", strconv.Itoa(c.x.DefaultScreen)},
	})

	chunks := startupChunks(msg)
	for i, chunk := range chunks {
		kind := c.atoms.NetStartupInfo
		if i == 0 {
			kind = c.atoms.NetStartupInfoBegin
		}
		ev := xproto.ClientMessageEvent{
			Format: 8,
			Window: w.id,
			Type:   kind,
			Data:   xproto.ClientMessageDataUnionData8New(chunk),
		}
		cookie := xproto.SendEventChecked(c.x, false, c.screen.Root, xproto.EventMaskPropertyChange, string(ev.Bytes()))
		// the final check covers every chunk, requests being ordered
		if i == len(chunks)-1 {
			if err := cookie.Check(); err != nil {
				return "", fmt.Errorf("xconn: send startup notification: %w", err)
			}
		}
	}

	return token, nil
}

// Destroy destroys the window.
func (w *Window) Destroy() error {
	if w.conn.isClosed() {
		return ErrClosed
	}
	if err := xproto.DestroyWindowChecked(w.conn.x, w.id).Check(); err != nil {
		return fmt.Errorf("xconn: destroy window: %w", err)
	}
	return nil
}

func newActivationToken(now time.Time) string {
	return uuid.NewString() + "_TIME" + strconv.FormatInt(now.UnixMilli(), 10)
}

// startupMessage formats a startup-notification message, quoting every
// value.
func startupMessage(kind string, fields [][2]string) string {
	var b strings.Builder
	b.WriteString(kind)
	b.WriteByte(':')
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f[0])
		b.WriteString(`="`)
		for _, r := range f[1] {
			if r == '"' || r == '\\' {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
		b.WriteByte('"')
	}
	return b.String()
}

// startupChunks splits a message into NUL terminated, zero padded, client
// message payloads.
func startupChunks(msg string) [][]byte {
	n := len(msg) + 1
	buf := make([]byte, (n+startupChunkSize-1)/startupChunkSize*startupChunkSize)
	copy(buf, msg)
	chunks := make([][]byte, 0, len(buf)/startupChunkSize)
	for off := 0; off < len(buf); off += startupChunkSize {
		chunks = append(chunks, buf[off:off+startupChunkSize])
	}
	return chunks
}
