package telemetry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMaxSamples holds ten minutes at 60 Hz.
const DefaultMaxSamples = 36000

// Buffer accumulates samples for one capture epoch.
//
// Samples are kept in a fixed ring: once MaxSamples is reached the oldest sample
// is evicted and the next snapshot reports Overflow. Append is O(1) and holds the
// lock only for the copy, so it is safe to call from the radio delivery path.
type Buffer struct {
	logger *logrus.Logger
	clock  func() time.Time

	mu       sync.Mutex
	ring     []Sample
	head     int // index of the oldest sample
	size     int
	last     int64
	hasLast  bool
	evicted  int
	rejected int
	started  time.Time
	lastSeen time.Time
}

// BufferOption configures a Buffer.
type BufferOption func(*Buffer)

// WithClock overrides the wall clock used for epoch boundaries.
func WithClock(clock func() time.Time) BufferOption {
	return func(b *Buffer) { b.clock = clock }
}

// WithLogger sets the logger used to report rejected samples.
func WithLogger(logger *logrus.Logger) BufferOption {
	return func(b *Buffer) { b.logger = logger }
}

// NewBuffer creates a buffer bounded to maxSamples (DefaultMaxSamples when <= 0)
// and starts the first capture epoch.
func NewBuffer(maxSamples int, opts ...BufferOption) *Buffer {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	b := &Buffer{
		clock: time.Now,
		ring:  make([]Sample, maxSamples),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logrus.New()
	}
	b.started = b.clock()
	return b
}

// Append adds a sample. A sample older than the last appended one is rejected
// (logged, counted, not stored) so the buffer stays ordered even when the link
// reorders notifications. Returns whether the sample was stored.
func (b *Buffer) Append(s Sample) bool {
	b.mu.Lock()
	if b.hasLast && s.Timestamp < b.last {
		b.rejected++
		last := b.last
		b.mu.Unlock()
		b.logger.WithFields(logrus.Fields{
			"timestamp": s.Timestamp,
			"last":      last,
		}).Debug("Rejected out-of-order sample")
		return false
	}

	capacity := len(b.ring)
	if b.size == capacity {
		b.ring[b.head] = s
		b.head = (b.head + 1) % capacity
		b.evicted++
	} else {
		b.ring[(b.head+b.size)%capacity] = s
		b.size++
	}
	b.last = s.Timestamp
	b.hasLast = true
	b.lastSeen = b.clock()
	b.mu.Unlock()
	return true
}

// Len returns the number of samples held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the maximum number of samples held.
func (b *Buffer) Cap() int {
	return len(b.ring)
}

// Stale reports whether no sample was stored within threshold of now.
// A buffer that never received a sample in this epoch is measured from the epoch start.
func (b *Buffer) Stale(now time.Time, threshold time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := b.lastSeen
	if ref.IsZero() {
		ref = b.started
	}
	return now.Sub(ref) > threshold
}

// Snapshot returns an immutable batch of the samples appended since the last Reset.
func (b *Buffer) Snapshot() Batch {
	b.mu.Lock()
	samples := make([]Sample, b.size)
	for i := 0; i < b.size; i++ {
		s := b.ring[(b.head+i)%len(b.ring)]
		samples[i] = s.WithTimestamp(s.Timestamp)
	}
	started := b.started
	evicted := b.evicted
	rejected := b.rejected
	b.mu.Unlock()

	ended := b.clock()
	if ended.Before(started) {
		ended = started
	}
	return newBatch(started, ended, samples, evicted, rejected)
}

// Reset clears the buffer and begins a new capture epoch.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.ring)
	b.head = 0
	b.size = 0
	b.last = 0
	b.hasLast = false
	b.evicted = 0
	b.rejected = 0
	b.lastSeen = time.Time{}
	b.started = b.clock()
}
