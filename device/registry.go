package device

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/joeycumines/logiface"
)

// ErrNilQuerier is returned by [NewRegistry] if no querier is provided.
var ErrNilQuerier = errors.New("device: nil querier")

// Registry is the set of known devices, keyed by ID.
//
// Thread Safety: NOT thread-safe. It is owned by the event loop goroutine,
// which is the only goroutine that translates native events.
type Registry struct {
	querier Querier
	logger  *logiface.Logger[logiface.Event]
	devices map[ID]*entry
}

type entry struct {
	name string
	// axes are (valuator index, axis) pairs, in server order
	axes       []axisEntry
	attachment ID
}

type axisEntry struct {
	index int
	axis  ScrollAxis
}

// NewRegistry constructs an empty registry. The logger may be nil.
func NewRegistry(querier Querier, logger *logiface.Logger[logiface.Event]) (*Registry, error) {
	if querier == nil {
		return nil, ErrNilQuerier
	}
	return &Registry{
		querier: querier,
		logger:  logger,
		devices: make(map[ID]*entry),
	}, nil
}

// Enumerate queries the server for all devices matching the selector.
func (r *Registry) Enumerate(selector Selector) ([]Info, error) {
	infos, err := r.querier.QueryDevices(selector)
	if err != nil {
		return nil, fmt.Errorf("device: query %d: %w", selector, err)
	}
	return infos, nil
}

// Init is the device-initialization hook, inserting or replacing an entry for
// every device matching the selector.
func (r *Registry) Init(selector Selector) error {
	infos, err := r.Enumerate(selector)
	if err != nil {
		return err
	}
	for i := range infos {
		r.insert(&infos[i])
	}
	r.logger.Debug().
		Int("selector", int(selector)).
		Int("count", len(infos)).
		Log("devices initialized")
	return nil
}

// OnHotplug re-queries a single device, inserting or replacing its entry.
func (r *Registry) OnHotplug(id ID) error {
	return r.Init(Single(id))
}

// OnRemoval deletes the entry for the device, along with its scroll axes.
// Returns false if the device was not known.
func (r *Registry) OnRemoval(id ID) bool {
	if _, ok := r.devices[id]; !ok {
		return false
	}
	delete(r.devices, id)
	r.logger.Debug().Int("device", int(id)).Log("device removed")
	return true
}

// ResetScrollPosition re-queries a device's valuators, and updates the stored
// position of each of its scroll axes. Unknown devices are ignored.
func (r *Registry) ResetScrollPosition(id ID) error {
	e, ok := r.devices[id]
	if !ok {
		return nil
	}
	infos, err := r.Enumerate(Single(id))
	if err != nil {
		return err
	}
	for i := range infos {
		if infos[i].ID == id {
			e.resetScrollPosition(&infos[i])
		}
	}
	return nil
}

// TranslateRaw converts a raw valuator report into a scroll delta. The second
// return value is false if the valuator is not a scroll axis of the device
// (which is the common case, e.g. for the x/y motion axes).
func (r *Registry) TranslateRaw(id ID, axis int, value float64) (ScrollDelta, bool) {
	e, ok := r.devices[id]
	if !ok {
		return ScrollDelta{}, false
	}
	for i := range e.axes {
		if e.axes[i].index != axis {
			continue
		}
		a := &e.axes[i].axis
		delta := (value - a.Position) / a.Increment
		a.Position = value
		return ScrollDelta{Delta: delta, Orientation: a.Orientation}, true
	}
	return ScrollDelta{}, false
}

// Device returns a snapshot of the entry for id.
func (r *Registry) Device(id ID) (Device, bool) {
	e, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	d := Device{
		Name:       e.name,
		Attachment: e.attachment,
	}
	if len(e.axes) != 0 {
		d.Axes = make(map[int]ScrollAxis, len(e.axes))
		for _, a := range e.axes {
			d.Axes[a.index] = a.axis
		}
	}
	return d, true
}

// Devices returns the IDs of all known devices, in no particular order.
func (r *Registry) Devices() []ID {
	ids := make([]ID, 0, len(r.devices))
	for id := range maps.Keys(r.devices) {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of known devices.
func (r *Registry) Len() int { return len(r.devices) }

func (r *Registry) insert(info *Info) {
	e := newEntry(info)
	// would divide by zero on every report
	e.axes = slices.DeleteFunc(e.axes, func(a axisEntry) bool {
		if a.axis.Increment != 0 {
			return false
		}
		r.logger.Warning().
			Int("device", int(info.ID)).
			Int("axis", a.index).
			Log("scroll axis has zero increment")
		return true
	})
	r.devices[info.ID] = e
}

func newEntry(info *Info) *entry {
	e := entry{
		name:       info.Name,
		attachment: info.Attachment,
	}
	if info.Use.Physical() {
		for _, class := range info.Classes {
			if c, ok := class.(ScrollClass); ok {
				e.axes = append(e.axes, axisEntry{
					index: c.Axis,
					axis: ScrollAxis{
						Increment:   c.Increment,
						Orientation: c.Orientation,
					},
				})
			}
		}
	}
	e.resetScrollPosition(info)
	return &e
}

func (e *entry) resetScrollPosition(info *Info) {
	if !info.Use.Physical() {
		return
	}
	for _, class := range info.Classes {
		c, ok := class.(ValuatorClass)
		if !ok {
			continue
		}
		for i := range e.axes {
			if e.axes[i].index == c.Axis {
				e.axes[i].axis.Position = c.Value
			}
		}
	}
}
