package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Batch is an immutable snapshot of one capture epoch.
type Batch struct {
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	Samples   []Sample
	// Fingerprint is the hex SHA-256 of EncodeSamples(Samples).
	Fingerprint string
	// Overflow is set when samples were evicted; the batch is then incomplete.
	Overflow bool
	Evicted  int
	Rejected int
}

// newBatch keeps millisecond precision only, the precision batches are stored
// and exported with, so a reloaded batch serializes exactly like the live one.
func newBatch(started, ended time.Time, samples []Sample, evicted, rejected int) Batch {
	started = started.Truncate(time.Millisecond)
	ended = ended.Truncate(time.Millisecond)
	return Batch{
		StartedAt:   started,
		EndedAt:     ended,
		Duration:    ended.Sub(started),
		Samples:     samples,
		Fingerprint: Fingerprint(samples),
		Overflow:    evicted > 0,
		Evicted:     evicted,
		Rejected:    rejected,
	}
}

// NewBatch assembles a batch from stored parts, recomputing the fingerprint.
// EndedAt is clamped so it never precedes StartedAt.
func NewBatch(started, ended time.Time, samples []Sample, evicted int) Batch {
	if ended.Before(started) {
		ended = started
	}
	return newBatch(started, ended, samples, evicted, 0)
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int {
	return len(b.Samples)
}

// Fingerprint returns the hex SHA-256 of the deterministic sample encoding.
func Fingerprint(samples []Sample) string {
	data, err := EncodeSamples(samples)
	if err != nil {
		// Encoding fixed-shape numeric data cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Summary holds aggregate statistics of a batch.
type Summary struct {
	TotalPoints     int
	AvgAcceleration float64 // mean accelerometer magnitude, g
	AvgGyroscope    float64 // mean gyroscope magnitude, °/s
}

// Summary computes aggregate statistics over the batch.
func (b Batch) Summary() Summary {
	s := Summary{TotalPoints: len(b.Samples)}
	if len(b.Samples) == 0 {
		return s
	}
	for _, sample := range b.Samples {
		s.AvgAcceleration += sample.Accel.Magnitude()
		s.AvgGyroscope += sample.Gyro.Magnitude()
	}
	n := float64(len(b.Samples))
	s.AvgAcceleration /= n
	s.AvgGyroscope /= n
	return s
}
