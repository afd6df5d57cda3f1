package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/kinetic/internal/device"
)

type subscription struct {
	char     *ble.Characteristic
	indicate bool
}

// link is a live go-ble client connection.
type link struct {
	address string
	client  ble.Client
	logger  *logrus.Logger

	mu    sync.Mutex
	chars map[string]*ble.Characteristic // keyed by "<service>/<char>", normalized
	subs  []subscription

	closeOnce sync.Once
	closeErr  error
}

func newLink(address string, client ble.Client, logger *logrus.Logger) *link {
	return &link{
		address: address,
		client:  client,
		logger:  logger,
		chars:   make(map[string]*ble.Characteristic),
	}
}

func charKey(serviceUUID, charUUID string) string {
	return device.NormalizeUUID(serviceUUID) + "/" + device.NormalizeUUID(charUUID)
}

func (l *link) Address() string { return l.address }

// Discover runs full profile discovery. DiscoverProfile does not accept a context,
// so cancellation is honored once it returns.
func (l *link) Discover(ctx context.Context) ([]device.Service, error) {
	l.logger.WithField("address", l.address).Debug("Discovering services and characteristics...")

	profile, err := l.client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	services := make([]device.Service, 0, len(profile.Services))
	for _, bleSvc := range profile.Services {
		svc := device.Service{UUID: device.NormalizeUUID(bleSvc.UUID.String())}
		for _, bleChar := range bleSvc.Characteristics {
			c := device.Characteristic{
				UUID:       device.NormalizeUUID(bleChar.UUID.String()),
				Properties: convertProperty(bleChar.Property),
			}
			svc.Characteristics = append(svc.Characteristics, c)
			l.chars[svc.UUID+"/"+c.UUID] = bleChar
		}
		services = append(services, svc)
	}

	l.logger.WithFields(logrus.Fields{
		"address":  l.address,
		"services": len(services),
	}).Debug("Profile discovered successfully")
	return services, nil
}

// Subscribe enables notifications, falling back to indications when the
// characteristic does not support plain notifications.
func (l *link) Subscribe(serviceUUID, charUUID string, handler func([]byte)) error {
	l.mu.Lock()
	char, ok := l.chars[charKey(serviceUUID, charUUID)]
	l.mu.Unlock()
	if !ok {
		return &device.NotFoundError{
			Resource: "characteristic",
			UUIDs:    []string{device.NormalizeUUID(serviceUUID), device.NormalizeUUID(charUUID)},
		}
	}

	indicate := false
	switch {
	case char.Property&ble.CharNotify != 0:
	case char.Property&ble.CharIndicate != 0:
		indicate = true
	default:
		return fmt.Errorf("%w: characteristic %s does not support notifications", device.ErrUnsupported, device.NormalizeUUID(charUUID))
	}

	err := l.client.Subscribe(char, indicate, func(data []byte) {
		handler(data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", NormalizeError(err))
	}

	l.mu.Lock()
	l.subs = append(l.subs, subscription{char: char, indicate: indicate})
	l.mu.Unlock()
	return nil
}

func (l *link) Disconnected() <-chan struct{} {
	return l.client.Disconnected()
}

// Close unsubscribes from remote notifications and cancels the connection.
// The connection is cancelled even when unsubscribing fails.
func (l *link) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		subs := l.subs
		l.subs = nil
		l.mu.Unlock()

		var unsubscribeErrors []string
		for _, s := range subs {
			if err := l.client.Unsubscribe(s.char, s.indicate); err != nil {
				unsubscribeErrors = append(unsubscribeErrors, err.Error())
			}
		}
		if len(unsubscribeErrors) > 0 {
			l.logger.WithField("errors", strings.Join(unsubscribeErrors, "; ")).Warn("Failed to unsubscribe from some characteristics during disconnect")
		}

		l.closeErr = NormalizeError(l.client.CancelConnection())
		if l.closeErr != nil {
			l.logger.WithFields(logrus.Fields{
				"address": l.address,
				"error":   l.closeErr,
			}).Warn("BLE device disconnected with errors")
		} else {
			l.logger.WithField("address", l.address).Info("BLE device disconnected")
		}
	})
	return l.closeErr
}

func convertProperty(p ble.Property) device.Property {
	var out device.Property
	if p&ble.CharRead != 0 {
		out |= device.PropertyRead
	}
	if p&ble.CharWrite != 0 {
		out |= device.PropertyWrite
	}
	if p&ble.CharWriteNR != 0 {
		out |= device.PropertyWriteWithoutResponse
	}
	if p&ble.CharNotify != 0 {
		out |= device.PropertyNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= device.PropertyIndicate
	}
	return out
}
