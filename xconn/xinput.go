package xconn

import (
	"errors"
	"fmt"

	"github.com/jezek/xgb"
	"github.com/joeycumines/go-x11loop/device"
)

// XInput 2 minor opcodes.
const (
	xiSelectEvents = 46
	xiQueryVersion = 47
	xiQueryDevice  = 48
)

// XInput 2 event types, carried by generic events.
const (
	xiDeviceChanged    = 1
	xiHierarchyChanged = 11
	xiRawKeyPress      = 13
	xiRawKeyRelease    = 14
	xiRawButtonPress   = 15
	xiRawButtonRelease = 16
	xiRawMotion        = 17
)

// XInput 2 device classes.
const (
	xiValuatorClass = 2
	xiScrollClass   = 3
)

// genericEventCode is the core event code of every generic (XGE) event.
const genericEventCode = 35

var errShortReply = errors.New("xconn: short reply")

// fp3232 decodes the XI2 fixed point 32.32 format.
func fp3232(b []byte) float64 {
	integral := int32(xgb.Get32(b))
	frac := xgb.Get32(b[4:])
	return float64(integral) + float64(frac)/(1<<32)
}

// xiQueryVersionRequest encodes XIQueryVersion.
func xiQueryVersionRequest(opcode byte, major, minor uint16) []byte {
	buf := make([]byte, 8)
	buf[0] = opcode
	buf[1] = xiQueryVersion
	xgb.Put16(buf[2:], 2)
	xgb.Put16(buf[4:], major)
	xgb.Put16(buf[6:], minor)
	return buf
}

// decodeXIQueryVersion returns the server's supported version.
func decodeXIQueryVersion(buf []byte) (major, minor uint16, err error) {
	if len(buf) < 12 {
		return 0, 0, errShortReply
	}
	return xgb.Get16(buf[8:]), xgb.Get16(buf[10:]), nil
}

// xiQueryDeviceRequest encodes XIQueryDevice.
func xiQueryDeviceRequest(opcode byte, deviceID uint16) []byte {
	buf := make([]byte, 8)
	buf[0] = opcode
	buf[1] = xiQueryDevice
	xgb.Put16(buf[2:], 2)
	xgb.Put16(buf[4:], deviceID)
	return buf
}

// decodeXIQueryDevice decodes the device list of an XIQueryDevice reply.
// Only valuator and scroll classes are retained.
func decodeXIQueryDevice(buf []byte) ([]device.Info, error) {
	if len(buf) < 32 {
		return nil, errShortReply
	}
	n := int(xgb.Get16(buf[8:]))
	infos := make([]device.Info, 0, n)
	b := buf[32:]
	for i := range n {
		if len(b) < 12 {
			return nil, fmt.Errorf("xconn: device %d: %w", i, errShortReply)
		}
		info := device.Info{
			ID:         device.ID(xgb.Get16(b)),
			Use:        device.Use(xgb.Get16(b[2:])),
			Attachment: device.ID(xgb.Get16(b[4:])),
			Enabled:    b[10] != 0,
		}
		numClasses := int(xgb.Get16(b[6:]))
		nameLen := int(xgb.Get16(b[8:]))
		off := 12 + xgb.Pad(nameLen)
		if len(b) < off {
			return nil, fmt.Errorf("xconn: device %d name: %w", info.ID, errShortReply)
		}
		info.Name = string(b[12 : 12+nameLen])
		b = b[off:]

		for range numClasses {
			if len(b) < 4 {
				return nil, fmt.Errorf("xconn: device %d class: %w", info.ID, errShortReply)
			}
			classType := xgb.Get16(b)
			classLen := int(xgb.Get16(b[2:])) * 4
			if classLen < 6 || len(b) < classLen {
				return nil, fmt.Errorf("xconn: device %d class length %d: %w", info.ID, classLen, errShortReply)
			}
			if class, ok := decodeXIClass(classType, b[:classLen]); ok {
				info.Classes = append(info.Classes, class)
			}
			b = b[classLen:]
		}

		infos = append(infos, info)
	}
	return infos, nil
}

func decodeXIClass(classType uint16, b []byte) (device.Class, bool) {
	switch classType {
	case xiValuatorClass:
		// type, len, sourceid, number, label, min, max, value, ...
		if len(b) < 36 {
			return nil, false
		}
		return device.ValuatorClass{
			Axis:  int(xgb.Get16(b[6:])),
			Value: fp3232(b[28:]),
		}, true
	case xiScrollClass:
		// type, len, sourceid, number, scroll_type, pad, flags, increment
		if len(b) < 24 {
			return nil, false
		}
		var orientation device.Orientation
		switch xgb.Get16(b[8:]) {
		case 1:
			orientation = device.Vertical
		case 2:
			orientation = device.Horizontal
		default:
			return nil, false
		}
		return device.ScrollClass{
			Axis:        int(xgb.Get16(b[6:])),
			Orientation: orientation,
			Increment:   fp3232(b[16:]),
		}, true
	default:
		return nil, false
	}
}

// xiEventMask is one device's entry of an XISelectEvents request.
type xiEventMask struct {
	events   []uint16
	deviceID uint16
}

// deviceEventMasks returns the root window selection. Hotplug notifications
// are always selected, for all devices. Raw events are selected on the master
// devices only, as the server also delivers a copy of each slave's raw event
// to its master. The slave is identified by the raw event's source.
func deviceEventMasks(raw bool) []xiEventMask {
	masks := []xiEventMask{
		{deviceID: uint16(device.AllDevices), events: []uint16{xiHierarchyChanged, xiDeviceChanged}},
		{deviceID: uint16(device.AllMasterDevices)},
	}
	if raw {
		masks[1].events = []uint16{xiRawMotion, xiRawButtonPress, xiRawButtonRelease}
	}
	return masks
}

// xiSelectEventsRequest encodes XISelectEvents.
func xiSelectEventsRequest(opcode byte, window uint32, masks []xiEventMask) []byte {
	size := 12
	bitmaps := make([][]byte, len(masks))
	for i, m := range masks {
		var maxEvent uint16
		for _, ev := range m.events {
			maxEvent = max(maxEvent, ev)
		}
		bitmap := make([]byte, (int(maxEvent)/32+1)*4)
		for _, ev := range m.events {
			bitmap[ev/8] |= 1 << (ev % 8)
		}
		bitmaps[i] = bitmap
		size += 4 + len(bitmap)
	}

	buf := make([]byte, size)
	buf[0] = opcode
	buf[1] = xiSelectEvents
	xgb.Put16(buf[2:], uint16(size/4))
	xgb.Put32(buf[4:], window)
	xgb.Put16(buf[8:], uint16(len(masks)))
	off := 12
	for i, m := range masks {
		xgb.Put16(buf[off:], m.deviceID)
		xgb.Put16(buf[off+2:], uint16(len(bitmaps[i])/4))
		copy(buf[off+4:], bitmaps[i])
		off += 4 + len(bitmaps[i])
	}
	return buf
}

// genericEvent is a raw XGE event, as read by xgb.
type genericEvent struct {
	data []byte
}

func newGenericEvent(buf []byte) xgb.Event {
	return genericEvent{data: append([]byte(nil), buf...)}
}

func (x genericEvent) Bytes() []byte { return x.data }

func (x genericEvent) String() string {
	if len(x.data) < 10 {
		return "GenericEvent{}"
	}
	return fmt.Sprintf("GenericEvent{extension: %d, type: %d}", x.data[1], xgb.Get16(x.data[8:]))
}

// decodeXIEvent decodes the XInput 2 events understood by the loop, returning
// false for anything else, including truncated events.
func decodeXIEvent(buf []byte) (any, bool) {
	if len(buf) < 32 {
		return nil, false
	}
	if size := 32 + int(xgb.Get32(buf[4:]))*4; len(buf) < size {
		return nil, false
	}
	switch xgb.Get16(buf[8:]) {
	case xiDeviceChanged:
		return device.ChangedEvent{ID: device.ID(xgb.Get16(buf[10:]))}, true
	case xiHierarchyChanged:
		return decodeXIHierarchy(buf)
	case xiRawMotion, xiRawButtonPress, xiRawButtonRelease:
		return decodeXIRaw(buf)
	default:
		return nil, false
	}
}

func decodeXIHierarchy(buf []byte) (any, bool) {
	n := int(xgb.Get16(buf[20:]))
	b := buf[32:]
	if len(b) < n*12 {
		return nil, false
	}
	ev := device.HierarchyEvent{Changes: make([]device.HierarchyChange, 0, n)}
	for i := range n {
		info := b[i*12:]
		ev.Changes = append(ev.Changes, device.HierarchyChange{
			ID:    device.ID(xgb.Get16(info)),
			Flags: device.HierarchyFlag(xgb.Get32(info[8:])),
		})
	}
	return ev, true
}

// decodeXIRaw decodes a raw event's unaccelerated valuator values, attributed
// to the source (slave) device.
func decodeXIRaw(buf []byte) (any, bool) {
	sourceID := device.ID(xgb.Get16(buf[20:]))
	maskLen := int(xgb.Get16(buf[22:])) * 4
	b := buf[32:]
	if len(b) < maskLen {
		return nil, false
	}
	mask := b[:maskLen]
	var axes []int
	for i := range maskLen * 8 {
		if mask[i/8]&(1<<(i%8)) != 0 {
			axes = append(axes, i)
		}
	}
	// accelerated values, then raw values, for each set bit
	values := b[maskLen:]
	if len(values) < len(axes)*16 {
		return nil, false
	}
	raw := values[len(axes)*8:]
	ev := device.RawValuatorEvent{ID: sourceID, Values: make(map[int]float64, len(axes))}
	for i, axis := range axes {
		ev.Values[axis] = fp3232(raw[i*8:])
	}
	return ev, true
}
