package eventloop

import (
	"sync"
	"weak"
)

// windowRef resolves a weakly held window, returning nil once it has been
// garbage collected.
type windowRef interface {
	window() Window
}

// weakWindow holds a *W weakly, so the registry never keeps a window alive.
type weakWindow[W any, P interface {
	*W
	Window
}] struct {
	p weak.Pointer[W]
}

func (x weakWindow[W, P]) window() Window {
	if v := x.p.Value(); v != nil {
		return P(v)
	}
	return nil
}

// registry maps window ids to weakly held windows. A lookup miss is the
// ordinary "window already gone" case.
//
// It uses a ring of ids for incremental scavenging of collected entries.
type registry struct {
	data map[WindowID]windowRef

	// ring is a circular buffer of ids, visited in batches by Scavenge.
	// Zero marks a removed id, it is never a valid window id.
	ring []WindowID

	// head is the current cursor position in the ring for the scavenger.
	head int

	mu sync.RWMutex
}

func newRegistry() *registry {
	return &registry{
		data: make(map[WindowID]windowRef),
		ring: make([]WindowID, 0, 16),
	}
}

// register adds or replaces the entry for id.
func (r *registry) register(id WindowID, ref windowRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[id]; !ok {
		r.ring = append(r.ring, id)
	}
	r.data[id] = ref
}

// unregister removes the entry for id, returning false if it was not present.
func (r *registry) unregister(id WindowID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[id]; !ok {
		return false
	}
	delete(r.data, id)
	for i, v := range r.ring {
		if v == id {
			r.ring[i] = 0
			break
		}
	}
	return true
}

// lookup returns the live window for id.
func (r *registry) lookup(id WindowID) (Window, bool) {
	r.mu.RLock()
	ref, ok := r.data[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	w := ref.window()
	return w, w != nil
}

// Len returns the number of entries, including collected ones that have not
// yet been scavenged.
func (r *registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// Scavenge checks up to batchSize ring entries, removing collected windows.
// Returns the number removed.
func (r *registry) Scavenge(batchSize int) int {
	if batchSize <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ringLen := len(r.ring)
	if ringLen == 0 {
		return 0
	}

	start := r.head
	end := min(start+batchSize, ringLen)

	var removed int
	for i := start; i < end; i++ {
		id := r.ring[i]
		if id == 0 {
			continue
		}
		ref, ok := r.data[id]
		if !ok || ref.window() == nil {
			delete(r.data, id)
			r.ring[i] = 0
			removed++
		}
	}

	r.head = end
	if r.head >= ringLen {
		r.head = 0
		// cycle completed, compact when mostly empty
		if ringLen > 64 && len(r.data) < ringLen/4 {
			r.compact()
		}
	}

	return removed
}

// compact removes zero markers from the ring, and rebuilds the map to
// release its buckets. Must be called with mu held.
func (r *registry) compact() {
	newRing := make([]WindowID, 0, len(r.data))
	newData := make(map[WindowID]windowRef, len(r.data))
	for _, id := range r.ring {
		if id != 0 {
			if ref, ok := r.data[id]; ok {
				newRing = append(newRing, id)
				newData[id] = ref
			}
		}
	}
	r.ring = newRing
	r.data = newData
	r.head = 0
}
