package device

import (
	"context"
	"strings"
)

// Advertisement is a single scan sighting reported by the radio.
type Advertisement interface {
	Addr() string
	LocalName() string
	// RSSI returns the received signal strength in dBm; 0 means the stack did not report one.
	RSSI() int
	Services() []string
	Connectable() bool
}

// Radio is the wireless stack seen from the connection manager.
type Radio interface {
	// Scan delivers advertisements to handler until ctx is done.
	// Context cancellation is a normal way to stop scanning and is not reported as an error.
	Scan(ctx context.Context, handler func(Advertisement)) error

	// Dial establishes a link to the peripheral with the given address.
	Dial(ctx context.Context, address string) (Link, error)
}

// Link is one established connection to a peripheral.
type Link interface {
	Address() string

	// Discover enumerates the GATT profile of the peripheral.
	Discover(ctx context.Context) ([]Service, error)

	// Subscribe enables notifications (or indications) on the characteristic and
	// invokes handler for every payload. The handler runs on the radio delivery path
	// and must not block.
	Subscribe(serviceUUID, charUUID string, handler func(payload []byte)) error

	// Disconnected is closed when the link drops, for any reason.
	Disconnected() <-chan struct{}

	// Close unsubscribes and releases the connection. Safe to call more than once.
	Close() error
}

// Property is a characteristic property bit.
type Property uint8

const (
	PropertyRead Property = 1 << iota
	PropertyWrite
	PropertyWriteWithoutResponse
	PropertyNotify
	PropertyIndicate
)

func (p Property) String() string {
	var names []string
	for _, f := range []struct {
		bit  Property
		name string
	}{
		{PropertyRead, "read"},
		{PropertyWrite, "write"},
		{PropertyWriteWithoutResponse, "write-without-response"},
		{PropertyNotify, "notify"},
		{PropertyIndicate, "indicate"},
	} {
		if p&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	return strings.Join(names, ",")
}

// CanSubscribe reports whether the characteristic pushes values to subscribers.
func (p Property) CanSubscribe() bool {
	return p&(PropertyNotify|PropertyIndicate) != 0
}

// Characteristic is a discovered GATT characteristic. UUIDs are normalized.
type Characteristic struct {
	UUID       string
	Properties Property
}

// Service is a discovered GATT service. UUIDs are normalized.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// FindCharacteristic locates a characteristic inside a discovered profile.
// It returns a *NotFoundError naming the missing service or characteristic.
func FindCharacteristic(profile []Service, serviceUUID, charUUID string) (Characteristic, error) {
	svcID := NormalizeUUID(serviceUUID)
	charID := NormalizeUUID(charUUID)

	for _, svc := range profile {
		if svc.UUID != svcID {
			continue
		}
		for _, c := range svc.Characteristics {
			if c.UUID == charID {
				return c, nil
			}
		}
		return Characteristic{}, &NotFoundError{Resource: "characteristic", UUIDs: []string{svcID, charID}}
	}
	return Characteristic{}, &NotFoundError{Resource: "service", UUIDs: []string{svcID}}
}
