package mint

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/srg/kinetic/internal/telemetry"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	DefaultMinSamples = 5
	ContentTypeJSON   = "application/json"

	DeviceType   = "ESP32C3_MPU6050"
	DataType     = "IMU Sensor Data"
	DefaultTitle = "Kinetic IMU Data Collection"
)

// RequestNamespace is the UUIDv5 namespace of request identifiers.
var RequestNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/srg/kinetic/mint-request"))

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidationError reports a batch or address rejected before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PrepareOptions tunes request preparation.
type PrepareOptions struct {
	// MinSamples is the smallest batch accepted; DefaultMinSamples when zero.
	MinSamples int
	// AllowPartial accepts a batch whose buffer overflowed.
	AllowPartial bool
	Title        string
	Description  string
}

// Request is a prepared submission. Preparing the same batch for the same
// address always yields the same Payload bytes and RequestID.
type Request struct {
	Address     string
	Filename    string
	ContentType string
	Payload     []byte
	// Fingerprint is the batch content fingerprint.
	Fingerprint string
	RequestID   string
	Samples     int
}

// RequestID derives the idempotency key of a batch fingerprint and target address.
// The address is compared case-insensitively.
func RequestID(fingerprint, address string) string {
	return uuid.NewSHA1(RequestNamespace, []byte(fingerprint+"|"+strings.ToLower(address))).String()
}

// ValidateAddress checks the wallet address format.
func ValidateAddress(address string) error {
	if !addressPattern.MatchString(address) {
		return &ValidationError{Field: "address", Reason: fmt.Sprintf("%q is not a 0x-prefixed 20-byte hex address", address)}
	}
	return nil
}

// Prepare validates the batch and builds its export document.
func Prepare(batch telemetry.Batch, address string, opts PrepareOptions) (*Request, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}

	minSamples := opts.MinSamples
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	if batch.Len() < minSamples {
		return nil, &ValidationError{
			Field:  "batch",
			Reason: fmt.Sprintf("%d samples captured, at least %d required", batch.Len(), minSamples),
		}
	}
	if batch.Overflow && !opts.AllowPartial {
		return nil, &ValidationError{
			Field:  "batch",
			Reason: fmt.Sprintf("capture overflowed and lost %d samples", batch.Evicted),
		}
	}

	payload, err := json.Marshal(exportDocument(batch, address, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to encode export document: %w", err)
	}

	return &Request{
		Address:     address,
		Filename:    fmt.Sprintf("kinetic-imu-data-%d.json", batch.StartedAt.UnixMilli()),
		ContentType: ContentTypeJSON,
		Payload:     payload,
		Fingerprint: batch.Fingerprint,
		RequestID:   RequestID(batch.Fingerprint, address),
		Samples:     batch.Len(),
	}, nil
}

func exportDocument(batch telemetry.Batch, address string, opts PrepareOptions) *orderedmap.OrderedMap[string, any] {
	seconds := int64(math.Round(batch.Duration.Seconds()))

	title := opts.Title
	if title == "" {
		title = DefaultTitle
	}
	description := opts.Description
	if description == "" {
		description = fmt.Sprintf("IMU sensor data collected over %d seconds from Kinetic device", seconds)
	}

	info := orderedmap.New[string, any]()
	info.Set("startTime", batch.StartedAt.UnixMilli())
	info.Set("endTime", batch.EndedAt.UnixMilli())
	info.Set("duration", batch.Duration.Milliseconds())
	info.Set("durationSeconds", seconds)
	info.Set("totalDataPoints", batch.Len())
	info.Set("deviceType", DeviceType)
	info.Set("dataType", DataType)
	info.Set("overflow", batch.Overflow)

	exportID := batch.Fingerprint
	if len(exportID) > 12 {
		exportID = exportID[:12]
	}

	metadata := orderedmap.New[string, any]()
	metadata.Set("title", title)
	metadata.Set("description", description)
	metadata.Set("collectionInfo", info)
	metadata.Set("walletAddress", address)
	metadata.Set("exportId", exportID)

	points := make([]*orderedmap.OrderedMap[string, any], batch.Len())
	for i, s := range batch.Samples {
		points[i] = telemetry.SampleObject(s)
	}

	stats := batch.Summary()
	summary := orderedmap.New[string, any]()
	summary.Set("totalPoints", stats.TotalPoints)
	summary.Set("avgAcceleration", telemetry.FormatFloat(stats.AvgAcceleration))
	summary.Set("avgGyroscope", telemetry.FormatFloat(stats.AvgGyroscope))

	sensorData := orderedmap.New[string, any]()
	sensorData.Set("dataPoints", points)
	sensorData.Set("summary", summary)

	doc := orderedmap.New[string, any]()
	doc.Set("metadata", metadata)
	doc.Set("sensorData", sensorData)
	return doc
}
