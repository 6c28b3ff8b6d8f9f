//go:build linux

package eventloop

import (
	"sync"
	"sync/atomic"
)

// chunkSize is the number of values per node in the ChunkedIngress linked list.
const chunkSize = 128

// ChunkedIngress is a chunked linked-list FIFO queue.
//
// Thread Safety: This struct is NOT thread-safe.
// The caller must provide external synchronization (e.g. a channel's mutex),
// or confine it to the loop goroutine.
type ChunkedIngress[T any] struct { // betteralign:ignore
	head   *chunk[T]
	tail   *chunk[T]
	spare  *chunk[T] // one exhausted chunk, kept for reuse
	length int
}

// chunk is a fixed-size node in the chunked linked-list.
// It uses readPos/pos cursors for O(1) push/pop without shifting.
type chunk[T any] struct {
	values  [chunkSize]T
	next    *chunk[T]
	readPos int // First unread slot
	pos     int // First unused slot
}

func (q *ChunkedIngress[T]) newChunk() *chunk[T] {
	if c := q.spare; c != nil {
		q.spare = nil
		return c
	}
	return &chunk[T]{}
}

// returnChunk clears an exhausted chunk, so it doesn't retain references,
// and keeps it as the spare.
func (q *ChunkedIngress[T]) returnChunk(c *chunk[T]) {
	clear(c.values[:c.pos])
	c.pos = 0
	c.readPos = 0
	c.next = nil
	q.spare = c
}

// Push adds a value to the back of the queue.
func (q *ChunkedIngress[T]) Push(value T) {
	if q.tail == nil {
		q.tail = q.newChunk()
		q.head = q.tail
	}

	if q.tail.pos == len(q.tail.values) {
		newTail := q.newChunk()
		q.tail.next = newTail
		q.tail = newTail
	}

	q.tail.values[q.tail.pos] = value
	q.tail.pos++
	q.length++
}

// Pop removes and returns the value at the front of the queue.
// Returns false if the queue is empty.
func (q *ChunkedIngress[T]) Pop() (T, bool) {
	var zero T

	if q.head == nil || q.head.readPos >= q.head.pos {
		return zero, false
	}

	value := q.head.values[q.head.readPos]
	// Zero out popped slot for GC safety
	q.head.values[q.head.readPos] = zero
	q.head.readPos++
	q.length--

	// If chunk is now exhausted, free it or reset cursors
	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
		} else {
			oldHead := q.head
			q.head = q.head.next
			q.returnChunk(oldHead)
		}
	}

	return value, true
}

// Length returns the queue length.
func (q *ChunkedIngress[T]) Length() int {
	return q.length
}

// channel is one producer→loop queue, signalled through its own eventfd.
//
// Producers call send from any goroutine. Only the loop goroutine calls
// acknowledge, receive and close.
type channel[T any] struct {
	queue ChunkedIngress[T]
	// wakePending deduplicates eventfd writes, until the loop acknowledges
	wakePending atomic.Bool
	mu          sync.Mutex
	fd          int
	closed      bool
}

func newChannel[T any]() (*channel[T], error) {
	fd, err := createWakeFd(0, EFD_CLOEXEC|EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &channel[T]{fd: fd}, nil
}

// send enqueues value and wakes the loop. Returns ErrLoopClosed if the loop
// has exited.
func (c *channel[T]) send(value T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrLoopClosed
	}
	c.queue.Push(value)
	if c.wakePending.CompareAndSwap(false, true) {
		// the write happens under mu, so it never races close
		if err := writeWakeFd(c.fd); err != nil {
			c.wakePending.Store(false)
			return err
		}
	}
	return nil
}

// acknowledge consumes the eventfd signal. It must be called before receive,
// so that a value pushed concurrently re-signals.
func (c *channel[T]) acknowledge() {
	drainWakeFd(c.fd)
	c.wakePending.Store(false)
}

// receive moves every buffered value into dst, returning the count moved.
func (c *channel[T]) receive(dst *ChunkedIngress[T]) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.queue.Length()
	for {
		value, ok := c.queue.Pop()
		if !ok {
			break
		}
		dst.Push(value)
	}
	return n
}

// Length returns the number of values buffered in the channel.
func (c *channel[T]) Length() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Length()
}

// close rejects further sends and releases the eventfd. Buffered values are
// discarded.
func (c *channel[T]) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.queue = ChunkedIngress[T]{}
	return closeFD(c.fd)
}
