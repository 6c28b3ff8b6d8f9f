// Package device tracks the input devices known to the windowing server, and
// the scroll-axis calibration needed to turn raw valuator reports into scroll
// deltas.
//
// The distinction between logical (master) and physical (slave) devices is
// load-bearing: only physical devices carry scroll axes. A master device
// reports the same valuators as the slave that is currently driving it, so
// calibrating its axes as well would double count every delta.
package device

import (
	"fmt"
)

// ID identifies a device, as assigned by the server.
type ID uint16

// Selector selects the devices to query. Values other than [AllDevices] and
// [AllMasterDevices] select a single device by ID.
type Selector uint16

const (
	// AllDevices selects every device, master and slave.
	AllDevices Selector = 0
	// AllMasterDevices selects only the master (logical) devices.
	AllMasterDevices Selector = 1
)

// Single selects exactly one device.
func Single(id ID) Selector { return Selector(id) }

// Use is the role of a device in the master/slave hierarchy.
type Use uint16

const (
	MasterPointer  Use = 1
	MasterKeyboard Use = 2
	SlavePointer   Use = 3
	SlaveKeyboard  Use = 4
	FloatingSlave  Use = 5
)

// Physical reports whether the device is a physical input source, i.e. a
// slave (attached or floating), as opposed to a logical master device.
func (x Use) Physical() bool {
	return x == SlavePointer || x == SlaveKeyboard || x == FloatingSlave
}

func (x Use) String() string {
	switch x {
	case MasterPointer:
		return "MasterPointer"
	case MasterKeyboard:
		return "MasterKeyboard"
	case SlavePointer:
		return "SlavePointer"
	case SlaveKeyboard:
		return "SlaveKeyboard"
	case FloatingSlave:
		return "FloatingSlave"
	default:
		return fmt.Sprintf("Use(%d)", uint16(x))
	}
}

// Orientation is the direction of a scroll axis.
type Orientation uint8

const (
	Vertical Orientation = iota + 1
	Horizontal
)

func (x Orientation) String() string {
	switch x {
	case Vertical:
		return "Vertical"
	case Horizontal:
		return "Horizontal"
	default:
		return fmt.Sprintf("Orientation(%d)", uint8(x))
	}
}

type (
	// Info is the server's description of a single device, as returned by a
	// [Querier].
	Info struct {
		Name string
		// Classes are the input classes reported for the device. Only
		// [ScrollClass] and [ValuatorClass] are interpreted.
		Classes []Class
		ID      ID
		Use     Use
		// Attachment is the paired master (pointer <-> keyboard) for master
		// devices, and the master for attached slaves.
		Attachment ID
		Enabled    bool
	}

	// Class is one input class of a device.
	Class interface {
		// Number is the valuator (axis) index the class describes.
		Number() int
	}

	// ScrollClass marks a valuator as a scroll axis.
	ScrollClass struct {
		Axis        int
		Orientation Orientation
		// Increment is the valuator distance of one discrete scroll step.
		Increment float64
	}

	// ValuatorClass reports the current absolute value of a valuator.
	ValuatorClass struct {
		Axis  int
		Value float64
	}

	// Querier is implemented by the protocol connection.
	Querier interface {
		QueryDevices(selector Selector) ([]Info, error)
	}

	// ScrollAxis is the calibration state of one scroll valuator.
	ScrollAxis struct {
		Increment   float64
		Position    float64
		Orientation Orientation
	}

	// Device is a snapshot of a registry entry.
	Device struct {
		Name       string
		Axes       map[int]ScrollAxis
		Attachment ID
	}

	// ScrollDelta is the result of translating a raw valuator report.
	ScrollDelta struct {
		// Delta is in scroll steps (valuator distance / increment).
		Delta       float64
		Orientation Orientation
	}
)

func (x ScrollClass) Number() int { return x.Axis }

func (x ValuatorClass) Number() int { return x.Axis }

// HierarchyFlag describes a change reported by a hierarchy notification.
type HierarchyFlag uint32

const (
	MasterAdded    HierarchyFlag = 1 << 0
	MasterRemoved  HierarchyFlag = 1 << 1
	SlaveAdded     HierarchyFlag = 1 << 2
	SlaveRemoved   HierarchyFlag = 1 << 3
	SlaveAttached  HierarchyFlag = 1 << 4
	SlaveDetached  HierarchyFlag = 1 << 5
	DeviceEnabled  HierarchyFlag = 1 << 6
	DeviceDisabled HierarchyFlag = 1 << 7
)

// Native events understood by the event loop itself, rather than by the
// protocol codec. A connection emits them from its PollEvent.
type (
	// HierarchyEvent is a device hotplug notification.
	HierarchyEvent struct {
		Changes []HierarchyChange
	}

	HierarchyChange struct {
		ID    ID
		Flags HierarchyFlag
	}

	// ChangedEvent reports that a device's classes changed, e.g. the
	// physical device behind a master switched.
	ChangedEvent struct {
		ID ID
	}

	// RawValuatorEvent is a raw (untransformed) valuator report.
	RawValuatorEvent struct {
		// Values maps valuator index to new absolute value.
		Values map[int]float64
		ID     ID
	}
)

// Added reports whether the change added a device.
func (x HierarchyChange) Added() bool {
	return x.Flags&(MasterAdded|SlaveAdded) != 0
}

// Removed reports whether the change removed a device.
func (x HierarchyChange) Removed() bool {
	return x.Flags&(MasterRemoved|SlaveRemoved) != 0
}
