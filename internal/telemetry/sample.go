package telemetry

import "math"

// Full-scale divisors of the MPU6050 at its default ranges (±2 g, ±250 °/s).
const (
	AccelScale = 16384.0
	GyroScale  = 131.0
)

// Vector3 is a 3-axis reading.
type Vector3 struct {
	X, Y, Z float64
}

// Magnitude returns the Euclidean norm of the vector.
func (v Vector3) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

func (v Vector3) finite() bool {
	for _, f := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// RawAxes are the pre-scaled integer sensor readings.
type RawAxes struct {
	AX, AY, AZ int32
	GX, GY, GZ int32
}

// Sample is one telemetry reading. Values are copied, so a Sample never changes
// after construction.
type Sample struct {
	// Timestamp is the capture time in milliseconds.
	Timestamp int64
	Accel     Vector3
	Gyro      Vector3
	Raw       *RawAxes
}

// SampleFromRaw scales raw integer readings into physical units (g and °/s).
func SampleFromRaw(raw RawAxes) Sample {
	r := raw
	return Sample{
		Accel: Vector3{
			X: float64(raw.AX) / AccelScale,
			Y: float64(raw.AY) / AccelScale,
			Z: float64(raw.AZ) / AccelScale,
		},
		Gyro: Vector3{
			X: float64(raw.GX) / GyroScale,
			Y: float64(raw.GY) / GyroScale,
			Z: float64(raw.GZ) / GyroScale,
		},
		Raw: &r,
	}
}

// WithTimestamp returns a copy of the sample stamped with ts.
func (s Sample) WithTimestamp(ts int64) Sample {
	out := s
	out.Timestamp = ts
	if s.Raw != nil {
		r := *s.Raw
		out.Raw = &r
	}
	return out
}
