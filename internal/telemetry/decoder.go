package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// Payload formats understood by NewDecoder.
const (
	FormatCSV    = "csv"
	FormatBinary = "binary"
)

// ErrMalformed marks a notification payload (or part of it) that could not be decoded.
var ErrMalformed = errors.New("malformed payload")

// Decoder turns notification payloads into samples. Returned samples are not
// timestamped. A non-nil error wraps ErrMalformed and may accompany samples
// decoded from the well-formed part of the payload.
type Decoder interface {
	Decode(payload []byte) ([]Sample, error)
}

// NewDecoder returns the decoder for the given payload format.
func NewDecoder(format string) (Decoder, error) {
	switch strings.ToLower(format) {
	case "", FormatCSV:
		return NewCSVDecoder(), nil
	case FormatBinary:
		return BinaryDecoder{}, nil
	default:
		return nil, fmt.Errorf("unknown payload format %q (must be %s or %s)", format, FormatCSV, FormatBinary)
	}
}

const (
	csvValuesPerSample = 6
	csvMaxPending      = 200
	csvRingCapacity    = 1024
)

// CSVDecoder reassembles an ASCII stream of comma separated raw readings
// (ax,ay,az,gx,gy,gz,ax,...) that the peripheral splits across notifications.
//
// A value is only decoded once a delimiter follows it. A non-numeric value is
// skipped on its own so the stream can resynchronize.
// When the undecoded tail grows beyond 200 bytes it is discarded.
type CSVDecoder struct {
	mu      sync.Mutex
	pending *ringbuffer.RingBuffer
	scratch []byte
}

// NewCSVDecoder creates a stream decoder with an empty pending buffer.
func NewCSVDecoder() *CSVDecoder {
	return &CSVDecoder{
		pending: ringbuffer.New(csvRingCapacity),
		scratch: make([]byte, csvRingCapacity),
	}
}

// Decode appends payload to the stream and returns every complete sample.
func (d *CSVDecoder) Decode(payload []byte) ([]Sample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var problems []string

	if len(payload) > d.pending.Free() {
		problems = append(problems, fmt.Sprintf("stream overflow, dropped %d pending bytes", d.pending.Length()))
		d.pending.Reset()
		if len(payload) > d.pending.Free() {
			return nil, fmt.Errorf("%w: payload of %d bytes exceeds stream capacity", ErrMalformed, len(payload))
		}
	}
	if _, err := d.pending.Write(payload); err != nil {
		d.pending.Reset()
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	n, err := d.pending.TryRead(d.scratch)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		d.pending.Reset()
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	tokens, terminated := splitValues(string(d.scratch[:n]))

	// Without a trailing delimiter the last value may continue in the next notification.
	complete := len(tokens)
	if !terminated {
		complete--
	}

	var samples []Sample
	i := 0
	for i+csvValuesPerSample <= complete {
		raw, bad := parsePacket(tokens[i : i+csvValuesPerSample])
		if bad >= 0 {
			if strings.TrimSpace(tokens[i+bad]) != "" {
				problems = append(problems, fmt.Sprintf("invalid value %q", tokens[i+bad]))
			}
			i++
			continue
		}
		samples = append(samples, SampleFromRaw(raw))
		i += csvValuesPerSample
	}

	rest := strings.Join(tokens[i:], ",")
	if rest != "" && terminated {
		rest += ","
	}
	if len(rest) > csvMaxPending {
		problems = append(problems, fmt.Sprintf("discarded %d undecodable bytes", len(rest)))
		rest = ""
	}
	if rest != "" {
		_, _ = d.pending.Write([]byte(rest))
	}

	if len(problems) > 0 {
		return samples, fmt.Errorf("%w: %s", ErrMalformed, strings.Join(problems, "; "))
	}
	return samples, nil
}

// Pending returns the number of buffered bytes not yet decoded.
func (d *CSVDecoder) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.Length()
}

// Reset drops any partially received values.
func (d *CSVDecoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending.Reset()
}

// splitValues splits on commas and line breaks. terminated reports whether the
// stream ended with a delimiter, in which case the trailing empty value is dropped.
func splitValues(s string) (values []string, terminated bool) {
	s = strings.NewReplacer("\r\n", ",", "\n", ",", "\r", ",").Replace(s)
	if s == "" {
		return nil, false
	}
	values = strings.Split(s, ",")
	if values[len(values)-1] == "" {
		return values[:len(values)-1], true
	}
	return values, false
}

// parsePacket parses six values. It returns the index of the first invalid value, or -1.
func parsePacket(values []string) (RawAxes, int) {
	var v [csvValuesPerSample]int32
	for i, s := range values {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return RawAxes{}, i
		}
		v[i] = int32(n)
	}
	return RawAxes{AX: v[0], AY: v[1], AZ: v[2], GX: v[3], GY: v[4], GZ: v[5]}, -1
}

// Binary frame sizes: six little-endian float32, optionally followed by six int16 raw values.
const (
	binaryScaledSize = 6 * 4
	binaryFullSize   = binaryScaledSize + 6*2
)

// BinaryDecoder decodes one sample per notification.
type BinaryDecoder struct{}

// Decode parses a 24 or 36 byte frame. Any other size or a non-finite value is malformed.
func (BinaryDecoder) Decode(payload []byte) ([]Sample, error) {
	if len(payload) != binaryScaledSize && len(payload) != binaryFullSize {
		return nil, fmt.Errorf("%w: expected %d or %d bytes, got %d", ErrMalformed, binaryScaledSize, binaryFullSize, len(payload))
	}

	f := func(i int) float64 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:])))
	}
	s := Sample{
		Accel: Vector3{X: f(0), Y: f(1), Z: f(2)},
		Gyro:  Vector3{X: f(3), Y: f(4), Z: f(5)},
	}
	if !s.Accel.finite() || !s.Gyro.finite() {
		return nil, fmt.Errorf("%w: non-finite reading", ErrMalformed)
	}

	if len(payload) == binaryFullSize {
		r := func(i int) int32 {
			return int32(int16(binary.LittleEndian.Uint16(payload[binaryScaledSize+i*2:])))
		}
		s.Raw = &RawAxes{AX: r(0), AY: r(1), AZ: r(2), GX: r(3), GY: r(4), GZ: r(5)}
	}
	return []Sample{s}, nil
}
