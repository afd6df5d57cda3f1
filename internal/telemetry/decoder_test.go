package telemetry

import (
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVDecoderSinglePacket(t *testing.T) {
	d := NewCSVDecoder()

	samples, err := d.Decode([]byte("16384,0,-8192,131,-262,0,"))
	require.NoError(t, err)
	require.Len(t, samples, 1)

	s := samples[0]
	assert.Equal(t, Vector3{X: 1, Y: 0, Z: -0.5}, s.Accel)
	assert.Equal(t, Vector3{X: 1, Y: -2, Z: 0}, s.Gyro)
	require.NotNil(t, s.Raw)
	assert.Equal(t, RawAxes{AX: 16384, AY: 0, AZ: -8192, GX: 131, GY: -262, GZ: 0}, *s.Raw)
	assert.Zero(t, d.Pending())
}

func TestCSVDecoderReassemblesAcrossNotifications(t *testing.T) {
	// GOAL: Verify values split across notifications are joined before decoding
	//
	// TEST SCENARIO: First chunk ends mid packet → no samples, tail pending → second chunk completes two packets

	d := NewCSVDecoder()

	samples, err := d.Decode([]byte("1,2,3,"))
	require.NoError(t, err)
	assert.Empty(t, samples)
	assert.Equal(t, len("1,2,3,"), d.Pending())

	samples, err = d.Decode([]byte("4,5,6,7,8,9,10,11,12,"))
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, int32(1), samples[0].Raw.AX)
	assert.Equal(t, int32(6), samples[0].Raw.GZ)
	assert.Equal(t, int32(7), samples[1].Raw.AX)
	assert.Zero(t, d.Pending())
}

func TestCSVDecoderKeepsUnterminatedTail(t *testing.T) {
	d := NewCSVDecoder()

	samples, err := d.Decode([]byte("1,2"))
	require.NoError(t, err)
	assert.Empty(t, samples)

	samples, err = d.Decode([]byte("0,3,4,5,6,"))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, int32(20), samples[0].Raw.AY, "MUST join a value split mid-digits")
}

func TestCSVDecoderHoldsSplitSixthValue(t *testing.T) {
	// GOAL: Verify a value cut mid-digits at the end of a packet is not decoded early
	//
	// TEST SCENARIO: "1,2,3,4,5,6" then "7,8,9,10,11,12,13," → one sample ending in GZ 67, axes stay aligned

	d := NewCSVDecoder()

	samples, err := d.Decode([]byte("1,2,3,4,5,6"))
	require.NoError(t, err)
	assert.Empty(t, samples, "an unterminated sixth value MUST wait for its delimiter")
	assert.Equal(t, len("1,2,3,4,5,6"), d.Pending())

	samples, err = d.Decode([]byte("7,8,9,10,11,12,13,"))
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, RawAxes{AX: 1, AY: 2, AZ: 3, GX: 4, GY: 5, GZ: 67}, *samples[0].Raw)
	assert.Equal(t, RawAxes{AX: 8, AY: 9, AZ: 10, GX: 11, GY: 12, GZ: 13}, *samples[1].Raw)
	assert.Zero(t, d.Pending())
}

func TestCSVDecoderLineDelimited(t *testing.T) {
	d := NewCSVDecoder()

	samples, err := d.Decode([]byte("1,2,3,4,5,6\r\n7,8,9,10,11,12\n"))
	require.NoError(t, err)
	assert.Len(t, samples, 2)
}

func TestCSVDecoderSkipsInvalidValue(t *testing.T) {
	// GOAL: Verify one garbage value costs one value, not the stream
	//
	// TEST SCENARIO: Garbage token before a valid packet → error reported → valid packet still decoded

	d := NewCSVDecoder()

	samples, err := d.Decode([]byte("xx,1,2,3,4,5,6,"))
	assert.ErrorIs(t, err, ErrMalformed)
	assert.ErrorContains(t, err, `"xx"`)
	require.Len(t, samples, 1)
	assert.Equal(t, int32(1), samples[0].Raw.AX)
}

func TestCSVDecoderDiscardsOversizedTail(t *testing.T) {
	d := NewCSVDecoder()

	junk := strings.Repeat("a", 250)

	samples, err := d.Decode([]byte(junk))
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Empty(t, samples)
	assert.Zero(t, d.Pending(), "MUST clear the pending stream past the limit")

	samples, err = d.Decode([]byte("1,2,3,4,5,6,"))
	require.NoError(t, err)
	assert.Len(t, samples, 1, "MUST recover after clearing")
}

func TestCSVDecoderReset(t *testing.T) {
	d := NewCSVDecoder()
	_, _ = d.Decode([]byte("1,2,"))
	d.Reset()
	assert.Zero(t, d.Pending())
}

func binaryFrame(values []float32, raw []int16) []byte {
	buf := make([]byte, 0, len(values)*4+len(raw)*2)
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	for _, r := range raw {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(r))
	}
	return buf
}

func TestBinaryDecoder(t *testing.T) {
	var d BinaryDecoder

	t.Run("scaled only", func(t *testing.T) {
		samples, err := d.Decode(binaryFrame([]float32{0.5, -0.25, 1, 10, -20, 0}, nil))
		require.NoError(t, err)
		require.Len(t, samples, 1)
		assert.Equal(t, Vector3{X: 0.5, Y: -0.25, Z: 1}, samples[0].Accel)
		assert.Equal(t, Vector3{X: 10, Y: -20, Z: 0}, samples[0].Gyro)
		assert.Nil(t, samples[0].Raw)
	})

	t.Run("with raw values", func(t *testing.T) {
		samples, err := d.Decode(binaryFrame([]float32{1, 0, 0, 0, 0, 0}, []int16{16384, 0, 0, -131, 0, 1}))
		require.NoError(t, err)
		require.NotNil(t, samples[0].Raw)
		assert.Equal(t, RawAxes{AX: 16384, GX: -131, GZ: 1}, *samples[0].Raw)
	})

	t.Run("wrong size", func(t *testing.T) {
		_, err := d.Decode([]byte{1, 2, 3})
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("non-finite value", func(t *testing.T) {
		_, err := d.Decode(binaryFrame([]float32{float32(math.NaN()), 0, 0, 0, 0, 0}, nil))
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestNewDecoder(t *testing.T) {
	d, err := NewDecoder("")
	require.NoError(t, err)
	assert.IsType(t, &CSVDecoder{}, d)

	d, err = NewDecoder("BINARY")
	require.NoError(t, err)
	assert.IsType(t, BinaryDecoder{}, d)

	_, err = NewDecoder("protobuf")
	assert.ErrorContains(t, err, "unknown payload format")
}
