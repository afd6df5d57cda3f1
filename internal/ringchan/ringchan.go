// Package ringchan provides a bounded channel with overwrite-oldest semantics.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Producers never block: if the buffer is full, the oldest element is discarded.
// Consumers read C() like a normal channel, or use Receive/TryReceive to have
// reads counted in Metrics.
//
//	rc := ringchan.New[Event](3)
//	for i := 0; i < 10; i++ {
//	    rc.ForceSend(Event{N: i})
//	}
//	rc.Close()
//	for ev := range rc.C() {
//	    fmt.Println(ev.N) // 7, 8, 9
//	}
//
// Sends after Close are dropped silently, so producers racing a shutdown never panic.
type RingChannel[T any] struct {
	ch chan T

	mu     sync.RWMutex
	closed bool

	processed   atomic.Int64
	written     atomic.Int64
	overwritten atomic.Int64
	dropped     atomic.Int64
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
// Reads via C() are not counted as Processed.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// TrySend attempts to insert without blocking.
// Returns false if the buffer is full or the channel is closed.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.closed {
		rc.dropped.Add(1)
		return false
	}

	select {
	case rc.ch <- v:
		rc.written.Add(1)
		return true
	default:
		return false
	}
}

// ForceSend always returns immediately, discarding the oldest element if needed.
// Returns true when an older element was overwritten.
func (rc *RingChannel[T]) ForceSend(v T) (overwrote bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.closed {
		rc.dropped.Add(1)
		return false
	}

	for {
		select {
		case rc.ch <- v:
			rc.written.Add(1)
			return overwrote
		default:
		}

		// Full: drop the oldest and try again. Another producer may refill the
		// slot in between, hence the loop.
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			overwrote = true
		default:
		}
	}
}

// Receive blocks until a value is available or the channel is closed.
// The ok result is false if the channel is closed and drained.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		rc.processed.Add(1)
	}
	return
}

// TryReceive attempts a non-blocking receive.
// Returns (zero, false) if no value is ready.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.processed.Add(1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. Safe to call more than once.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}

// Metrics is a snapshot of RingChannel counters.
type Metrics struct {
	Processed   int64
	Written     int64
	Overwritten int64
	Dropped     int64 // sends rejected after Close
}

// GetMetrics returns a snapshot of current counter values.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Processed:   rc.processed.Load(),
		Written:     rc.written.Load(),
		Overwritten: rc.overwritten.Load(),
		Dropped:     rc.dropped.Load(),
	}
}
