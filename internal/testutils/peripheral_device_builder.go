//go:build test

package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/srg/kinetic/internal/device"
)

// IMU peripheral profile used by default.
const (
	IMUServiceUUID        = "19b10000-e8f2-537e-4f6c-d104768a1214"
	IMUCharacteristicUUID = "19b10001-e8f2-537e-4f6c-d104768a1217"
)

// CharacteristicConfig represents a characteristic configuration for mocking
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,notify"
}

// ServiceConfig represents a service configuration for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete device profile for mocking
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// PeripheralDeviceBuilder builds FakeLinks with a configurable GATT profile.
type PeripheralDeviceBuilder struct {
	address      string
	profile      DeviceProfileConfig
	discoverErr  error
	subscribeErr error
	closeErr     error
}

// NewPeripheralDeviceBuilder creates a builder with an empty profile.
func NewPeripheralDeviceBuilder(address string) *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{address: address}
}

// NewIMUPeripheral returns a builder preloaded with the IMU data service and
// its notify characteristic.
func NewIMUPeripheral(address string) *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder(address).
		WithService(IMUServiceUUID).
		WithCharacteristic(IMUCharacteristicUUID, "read,notify")
}

// WithService adds a service to the device profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties})
	return b
}

// FromJSON replaces the device profile with the given JSON.
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	var cfg DeviceProfileConfig
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &cfg); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}
	b.profile = cfg
	return b
}

// WithDiscoverError makes Discover fail.
func (b *PeripheralDeviceBuilder) WithDiscoverError(err error) *PeripheralDeviceBuilder {
	b.discoverErr = err
	return b
}

// WithSubscribeError makes Subscribe fail.
func (b *PeripheralDeviceBuilder) WithSubscribeError(err error) *PeripheralDeviceBuilder {
	b.subscribeErr = err
	return b
}

// WithCloseError makes Close return err.
func (b *PeripheralDeviceBuilder) WithCloseError(err error) *PeripheralDeviceBuilder {
	b.closeErr = err
	return b
}

// Build creates a fresh link. Each call returns an independent link, so one
// builder can serve several dials.
func (b *PeripheralDeviceBuilder) Build() *FakeLink {
	profile := make([]device.Service, 0, len(b.profile.Services))
	for _, svc := range b.profile.Services {
		s := device.Service{UUID: device.NormalizeUUID(svc.UUID)}
		for _, c := range svc.Characteristics {
			s.Characteristics = append(s.Characteristics, device.Characteristic{
				UUID:       device.NormalizeUUID(c.UUID),
				Properties: parseProperties(c.Properties),
			})
		}
		profile = append(profile, s)
	}

	l := newFakeLink(b.address, profile)
	l.discoverErr = b.discoverErr
	l.subscribeErr = b.subscribeErr
	l.closeErr = b.closeErr
	return l
}

func parseProperties(s string) device.Property {
	var p device.Property
	for _, name := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "read":
			p |= device.PropertyRead
		case "write":
			p |= device.PropertyWrite
		case "write-without-response":
			p |= device.PropertyWriteWithoutResponse
		case "notify":
			p |= device.PropertyNotify
		case "indicate":
			p |= device.PropertyIndicate
		}
	}
	return p
}
