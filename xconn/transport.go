package xconn

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/jezek/xgb"
)

// As per Xauth.h.
const (
	familyLocal = 256
	familyWild  = 65535
)

const cookieAuthName = "MIT-MAGIC-COOKIE-1"

// displayAddr is a parsed display name, either [protocol/][host]:n[.screen]
// or a socket path followed by :n[.screen].
type displayAddr struct {
	network string
	address string
	// host is empty for local connections
	host    string
	display string
	number  int
	screen  int
}

// parseDisplay parses a display name, defaulting to $DISPLAY.
func parseDisplay(name string) (addr displayAddr, err error) {
	if name == "" {
		name = os.Getenv("DISPLAY")
	}
	if name == "" {
		return addr, errors.New("xconn: empty display name")
	}
	bad := fmt.Errorf("xconn: bad display name %q", name)

	colon := strings.LastIndex(name, ":")
	if colon < 0 {
		return addr, bad
	}
	var protocol, socket string
	if name[0] == '/' {
		socket = name[:colon]
	} else if slash := strings.LastIndex(name[:colon], "/"); slash >= 0 {
		protocol = name[:slash]
		addr.host = name[slash+1 : colon]
	} else {
		addr.host = name[:colon]
	}

	addr.display = name[colon+1:]
	if dot := strings.LastIndex(addr.display, "."); dot >= 0 {
		if addr.screen, err = strconv.Atoi(addr.display[dot+1:]); err != nil || addr.screen < 0 {
			return displayAddr{}, bad
		}
		addr.display = addr.display[:dot]
	}
	if addr.number, err = strconv.Atoi(addr.display); err != nil || addr.number < 0 {
		return displayAddr{}, bad
	}

	switch {
	case socket != "":
		addr.network, addr.address = "unix", socket+":"+addr.display
	case addr.host != "" && addr.host != "unix":
		if protocol == "" {
			protocol = "tcp"
		}
		addr.network, addr.address = protocol, net.JoinHostPort(addr.host, strconv.Itoa(6000+addr.number))
	default:
		addr.host = ""
		addr.network, addr.address = "unix", "/tmp/.X11-unix/X"+addr.display
	}
	return addr, nil
}

// readAuthority finds the MIT-MAGIC-COOKIE-1 for the display in the
// Xauthority file. No file, or no matching entry, returns a nil cookie.
func readAuthority(host, display string) ([]byte, error) {
	if host == "" || host == "localhost" {
		var err error
		if host, err = os.Hostname(); err != nil {
			return nil, err
		}
	}

	name := os.Getenv("XAUTHORITY")
	if name == "" {
		home := os.Getenv("HOME")
		if home == "" {
			return nil, nil
		}
		name = home + "/.Xauthority"
	}
	f, err := os.Open(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var family uint16
		if err := binary.Read(r, binary.BigEndian, &family); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, err
		}
		var fields [4][]byte // address, display, name, data
		for i := range fields {
			var n uint16
			if err := binary.Read(r, binary.BigEndian, &n); err != nil {
				return nil, fmt.Errorf("xconn: xauthority: %w", io.ErrUnexpectedEOF)
			}
			fields[i] = make([]byte, n)
			if _, err := io.ReadFull(r, fields[i]); err != nil {
				return nil, fmt.Errorf("xconn: xauthority: %w", io.ErrUnexpectedEOF)
			}
		}
		if family != familyWild && (family != familyLocal || string(fields[0]) != host) {
			continue
		}
		if len(fields[1]) != 0 && string(fields[1]) != display {
			continue
		}
		if string(fields[2]) != cookieAuthName || len(fields[3]) != 16 {
			continue
		}
		return fields[3], nil
	}
}

// setupRequest encodes the connection setup request, little endian,
// protocol 11.0.
func setupRequest(authName string, authData []byte) []byte {
	nameLen := xgb.Pad(len(authName))
	buf := make([]byte, 12+nameLen+xgb.Pad(len(authData)))
	buf[0] = 0x6c
	xgb.Put16(buf[2:], 11)
	xgb.Put16(buf[6:], uint16(len(authName)))
	xgb.Put16(buf[8:], uint16(len(authData)))
	copy(buf[12:], authName)
	copy(buf[12+nameLen:], authData)
	return buf
}

// transport is the connection as seen by xgb.
//
// xgb reads every event as 32 bytes, so the remainder of a generic event
// would be misread as the frames that follow. transport frames the stream
// itself, and hands xgb a 32 byte stub of each generic event, carrying a
// key to the full event in place of its length. It also supplies the setup
// request's authorization, which xgb cannot find for a connection it did
// not dial.
type transport struct { // betteralign:ignore
	net.Conn

	// replaces the setup request if non-nil
	setup []byte
	// unread bytes of the current frame
	pending []byte

	// guards the fields below
	mu      sync.Mutex
	generic map[uint32][]byte
	next    uint32

	// setup completes before xgb starts its goroutines
	wrote     bool
	connected bool
}

func newTransport(conn net.Conn, cookie []byte) *transport {
	t := &transport{Conn: conn, generic: make(map[uint32][]byte)}
	if cookie != nil {
		t.setup = setupRequest(cookieAuthName, cookie)
	}
	return t
}

// dialTransport connects to the display.
func dialTransport(addr displayAddr) (*transport, error) {
	cookie, err := readAuthority(addr.host, addr.display)
	if err != nil {
		return nil, fmt.Errorf("xconn: read authority: %w", err)
	}
	conn, err := net.Dial(addr.network, addr.address)
	if err != nil {
		return nil, err
	}
	return newTransport(conn, cookie), nil
}

func (t *transport) Write(p []byte) (int, error) {
	if !t.wrote {
		t.wrote = true
		if t.setup != nil {
			if _, err := t.Conn.Write(t.setup); err != nil {
				return 0, err
			}
			return len(p), nil
		}
	}
	return t.Conn.Write(p)
}

func (t *transport) Read(p []byte) (int, error) {
	if len(t.pending) == 0 {
		var err error
		if t.pending, err = t.readFrame(); err != nil {
			return 0, err
		}
	}
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

// readFrame reads the setup reply, or the next reply, error or event.
func (t *transport) readFrame() ([]byte, error) {
	if !t.connected {
		t.connected = true
		head := make([]byte, 8)
		if _, err := io.ReadFull(t.Conn, head); err != nil {
			return nil, err
		}
		return t.readBody(head, int(xgb.Get16(head[6:]))*4)
	}

	frame := make([]byte, 32)
	if _, err := io.ReadFull(t.Conn, frame); err != nil {
		return nil, err
	}
	switch frame[0] {
	case 1:
		return t.readBody(frame, int(xgb.Get32(frame[4:]))*4)
	case genericEventCode:
		full, err := t.readBody(frame, int(xgb.Get32(frame[4:]))*4)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		key := t.next
		t.next++
		t.generic[key] = full
		t.mu.Unlock()
		stub := append([]byte(nil), frame...)
		xgb.Put32(stub[4:], key)
		return stub, nil
	default:
		return frame, nil
	}
}

func (t *transport) readBody(head []byte, n int) ([]byte, error) {
	if n == 0 {
		return head, nil
	}
	buf := make([]byte, len(head)+n)
	copy(buf, head)
	if _, err := io.ReadFull(t.Conn, buf[len(head):]); err != nil {
		return nil, err
	}
	return buf, nil
}

// resolve replaces a stub with the full generic event. Events sent by
// clients are never longer than 32 bytes, and are returned as is.
func (t *transport) resolve(g genericEvent) (genericEvent, bool) {
	if len(g.data) < 32 || g.data[0] != genericEventCode {
		return g, true
	}
	key := xgb.Get32(g.data[4:])
	t.mu.Lock()
	defer t.mu.Unlock()
	full, ok := t.generic[key]
	if !ok {
		return g, false
	}
	delete(t.generic, key)
	return genericEvent{data: full}, true
}
