package eventloop

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a snapshot of the runtime statistics of the event loop.
// Collection is optional, enabled via WithMetrics.
//
// EventLoop.Metrics() may be called from any goroutine, and returns a copy.
//
// Example:
//
//	loop, _ := New[string](conn, WithMetrics(true))
//	...
//	stats := loop.Metrics()
//	fmt.Printf("IPS: %.2f, P99 iteration: %v\n",
//		stats.IPS, stats.Latency.P99)
type Metrics struct {
	// Latency of whole iterations, NewEvents to RedrawEventsCleared.
	Latency LatencyMetrics

	// Queue depths, sampled as each queue is drained.
	Queue QueueMetrics

	// IPS is iterations per second, over a rolling window.
	IPS float64

	// Iterations is the total number of completed iterations.
	Iterations uint64
}

// LatencyMetrics is a latency distribution with percentiles.
type LatencyMetrics struct {
	P50  time.Duration
	P90  time.Duration
	P99  time.Duration
	Max  time.Duration
	Mean time.Duration
	// Sum is over the retained samples.
	Sum time.Duration
	// Count is the number of retained samples.
	Count int
}

// latencyRecorder keeps a rolling buffer of samples to compute percentiles.
type latencyRecorder struct {
	samples     [sampleSize]time.Duration
	sampleIdx   int
	sampleCount int
	sum         time.Duration
	mu          sync.Mutex
}

// sampleSize is the maximum number of latency samples to retain.
const sampleSize = 1000

// Record records a latency sample.
func (l *latencyRecorder) Record(duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// If buffer is full, subtract the old sample that we're replacing
	if l.sampleCount >= sampleSize {
		l.sum -= l.samples[l.sampleIdx]
	}

	l.samples[l.sampleIdx] = duration
	l.sum += duration
	l.sampleIdx++
	if l.sampleIdx >= sampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < sampleSize {
		l.sampleCount++
	}
}

// Sample computes percentiles from the retained samples.
func (l *latencyRecorder) Sample() LatencyMetrics {
	l.mu.Lock()
	count := l.sampleCount
	sorted := slices.Clone(l.samples[:count])
	sum := l.sum
	l.mu.Unlock()

	if count == 0 {
		return LatencyMetrics{}
	}

	slices.Sort(sorted)

	return LatencyMetrics{
		P50:   sorted[percentileIndex(count, 50)],
		P90:   sorted[percentileIndex(count, 90)],
		P99:   sorted[percentileIndex(count, 99)],
		Max:   sorted[count-1],
		Mean:  sum / time.Duration(count),
		Sum:   sum,
		Count: count,
	}
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

// QueueDepth is the depth statistics of one pending queue.
type QueueDepth struct {
	Current int
	Max     int
	// Avg is an exponential moving average with alpha=0.1, warm-started at
	// the first observed value.
	Avg float64

	initialized bool
}

func (q *QueueDepth) update(depth int) {
	q.Current = depth
	if depth > q.Max {
		q.Max = depth
	}
	if !q.initialized {
		q.Avg = float64(depth)
		q.initialized = true
	} else {
		q.Avg = 0.9*q.Avg + 0.1*float64(depth)
	}
}

// QueueMetrics is the depth of each pending queue.
type QueueMetrics struct {
	User       QueueDepth
	Redraw     QueueDepth
	Activation QueueDepth
}

// queueRecorder guards QueueMetrics, which the loop updates while other
// goroutines take snapshots.
type queueRecorder struct {
	metrics QueueMetrics
	mu      sync.Mutex
}

func (q *queueRecorder) update(depth *QueueDepth, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth.update(n)
}

// UpdateUser updates the user event queue depth metrics.
func (q *queueRecorder) UpdateUser(depth int) { q.update(&q.metrics.User, depth) }

// UpdateRedraw updates the redraw queue depth metrics.
func (q *queueRecorder) UpdateRedraw(depth int) { q.update(&q.metrics.Redraw, depth) }

// UpdateActivation updates the activation token queue depth metrics.
func (q *queueRecorder) UpdateActivation(depth int) { q.update(&q.metrics.Activation, depth) }

func (q *queueRecorder) snapshot() QueueMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.metrics
}

// RateCounter tracks events per second with a rolling window.
//
// Thread Safety: All methods (Increment, Rate) are thread-safe.
type RateCounter struct {
	lastRotation atomic.Value // Stores time.Time
	buckets      []int64
	bucketSize   time.Duration
	windowSize   time.Duration
	totalCount   atomic.Uint64
	mu           sync.Mutex
}

// NewRateCounter creates a new counter. windowSize is the time window for
// the rate calculation (e.g. 10*time.Second), and bucketSize is the
// granularity of the rolling window (e.g. 100*time.Millisecond).
func NewRateCounter(windowSize, bucketSize time.Duration) *RateCounter {
	bucketCount := max(int(windowSize/bucketSize), 1)
	counter := &RateCounter{
		buckets:    make([]int64, bucketCount),
		bucketSize: bucketSize,
		windowSize: windowSize,
	}
	counter.lastRotation.Store(time.Now())
	return counter
}

// Increment records one event.
func (t *RateCounter) Increment() {
	t.totalCount.Add(1)
	t.rotate()
	t.mu.Lock()
	t.buckets[len(t.buckets)-1]++
	t.mu.Unlock()
}

// Total returns the number of events recorded since construction.
func (t *RateCounter) Total() uint64 {
	return t.totalCount.Load()
}

// rotate advances the buckets if time has passed.
func (t *RateCounter) rotate() {
	now := time.Now()
	lastRotation := t.lastRotation.Load().(time.Time)
	bucketsToAdvance := int(now.Sub(lastRotation) / t.bucketSize)

	if bucketsToAdvance >= len(t.buckets) {
		// Full window reset
		t.mu.Lock()
		clear(t.buckets)
		t.mu.Unlock()
		t.lastRotation.Store(now)
		return
	}

	if bucketsToAdvance > 0 {
		t.mu.Lock()
		// Shift buckets left, filling with zeros
		copy(t.buckets, t.buckets[bucketsToAdvance:])
		clear(t.buckets[len(t.buckets)-bucketsToAdvance:])
		t.mu.Unlock()
		t.lastRotation.Store(lastRotation.Add(time.Duration(bucketsToAdvance) * t.bucketSize))
	}
}

// Rate returns the current events per second.
func (t *RateCounter) Rate() float64 {
	t.rotate()

	t.mu.Lock()
	defer t.mu.Unlock()

	var sum int64
	for _, count := range t.buckets {
		sum += count
	}
	if sum == 0 {
		return 0
	}
	return float64(sum) / t.windowSize.Seconds()
}

// loopMetrics is the collector owned by the loop.
type loopMetrics struct {
	ips     *RateCounter
	latency latencyRecorder
	queue   queueRecorder
}

func newLoopMetrics() *loopMetrics {
	return &loopMetrics{ips: NewRateCounter(10*time.Second, 100*time.Millisecond)}
}

func (m *loopMetrics) recordIteration(d time.Duration) {
	m.latency.Record(d)
	m.ips.Increment()
}

func (m *loopMetrics) snapshot() Metrics {
	return Metrics{
		Latency:    m.latency.Sample(),
		Queue:      m.queue.snapshot(),
		IPS:        m.ips.Rate(),
		Iterations: m.ips.Total(),
	}
}
