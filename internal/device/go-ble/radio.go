package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/kinetic/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests).
// The platform default is set in factory_<os>.go.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = defaultDeviceFactory

// Radio implements device.Radio on top of go-ble.
// The host controller is opened lazily on first use and shared by scan and dial.
type Radio struct {
	logger *logrus.Logger

	once   sync.Once
	dev    ble.Device
	devErr error
}

// NewRadio creates a Radio. A nil logger is replaced with a default one.
func NewRadio(logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	return &Radio{logger: logger}
}

func (r *Radio) device() (ble.Device, error) {
	r.once.Do(func() {
		dev, err := DeviceFactory()
		if err != nil {
			r.devErr = fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
			return
		}
		r.dev = dev
	})
	return r.dev, r.devErr
}

// Scan wraps ble.Device.Scan, converting advertisements to device.Advertisement.
// Duplicates are always reported: every sighting refreshes signal strength.
func (r *Radio) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	dev, err := r.device()
	if err != nil {
		return err
	}

	err = dev.Scan(ctx, true, func(adv ble.Advertisement) {
		handler(NewAdvertisement(adv))
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return NormalizeError(err)
	}
	return nil
}

// Dial connects to the peripheral and returns a live link.
func (r *Radio) Dial(ctx context.Context, address string) (device.Link, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	dev, err := r.device()
	if err != nil {
		return nil, err
	}

	r.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Debug("Failed to dial BLE device")
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	return newLink(address, client, r.logger), nil
}
