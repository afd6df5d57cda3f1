package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// FormatFloat renders a reading with the fixed precision used in every serialized form.
func FormatFloat(v float64) json.Number {
	return json.Number(strconv.FormatFloat(v, 'f', 6, 64))
}

func vectorObject(v Vector3) *orderedmap.OrderedMap[string, any] {
	m := orderedmap.New[string, any]()
	m.Set("x", FormatFloat(v.X))
	m.Set("y", FormatFloat(v.Y))
	m.Set("z", FormatFloat(v.Z))
	return m
}

// SampleObject returns the sample as a JSON object with a fixed key order.
func SampleObject(s Sample) *orderedmap.OrderedMap[string, any] {
	m := orderedmap.New[string, any]()
	m.Set("timestamp", s.Timestamp)
	m.Set("accelerometer", vectorObject(s.Accel))
	m.Set("gyroscope", vectorObject(s.Gyro))
	if s.Raw != nil {
		raw := orderedmap.New[string, any]()
		raw.Set("ax", s.Raw.AX)
		raw.Set("ay", s.Raw.AY)
		raw.Set("az", s.Raw.AZ)
		raw.Set("gx", s.Raw.GX)
		raw.Set("gy", s.Raw.GY)
		raw.Set("gz", s.Raw.GZ)
		m.Set("raw", raw)
	}
	return m
}

// EncodeSamples serializes samples deterministically: stable key order and six
// fractional digits for every reading. Equal sample sequences always produce
// identical bytes.
func EncodeSamples(samples []Sample) ([]byte, error) {
	points := make([]*orderedmap.OrderedMap[string, any], len(samples))
	for i, s := range samples {
		points[i] = SampleObject(s)
	}
	data, err := json.Marshal(points)
	if err != nil {
		return nil, fmt.Errorf("failed to encode samples: %w", err)
	}
	return data, nil
}

type wireVector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type wireRaw struct {
	AX int32 `json:"ax"`
	AY int32 `json:"ay"`
	AZ int32 `json:"az"`
	GX int32 `json:"gx"`
	GY int32 `json:"gy"`
	GZ int32 `json:"gz"`
}

type wireSample struct {
	Timestamp     int64      `json:"timestamp"`
	Accelerometer wireVector `json:"accelerometer"`
	Gyroscope     wireVector `json:"gyroscope"`
	Raw           *wireRaw   `json:"raw,omitempty"`
}

// DecodeSamples parses the output of EncodeSamples.
// Re-encoding the result reproduces the input bytes.
func DecodeSamples(data []byte) ([]Sample, error) {
	var wire []wireSample
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode samples: %w", err)
	}

	samples := make([]Sample, len(wire))
	for i, w := range wire {
		samples[i] = Sample{
			Timestamp: w.Timestamp,
			Accel:     Vector3(w.Accelerometer),
			Gyro:      Vector3(w.Gyroscope),
		}
		if w.Raw != nil {
			samples[i].Raw = &RawAxes{AX: w.Raw.AX, AY: w.Raw.AY, AZ: w.Raw.AZ, GX: w.Raw.GX, GY: w.Raw.GY, GZ: w.Raw.GZ}
		}
	}
	return samples, nil
}
