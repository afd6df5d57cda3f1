package goble

import (
	"sort"

	"github.com/go-ble/ble"
	"github.com/srg/kinetic/internal/device"
)

// advertisement wraps ble.Advertisement to implement device.Advertisement
type advertisement struct {
	adv ble.Advertisement
}

// NewAdvertisement adapts a go-ble advertisement.
func NewAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &advertisement{adv: adv}
}

func (a *advertisement) LocalName() string { return a.adv.LocalName() }
func (a *advertisement) Connectable() bool { return a.adv.Connectable() }
func (a *advertisement) RSSI() int         { return a.adv.RSSI() }

func (a *advertisement) Addr() string {
	if a.adv.Addr() == nil {
		return ""
	}
	return a.adv.Addr().String()
}

// Services returns normalized, sorted advertised service UUIDs.
func (a *advertisement) Services() []string {
	bleServices := a.adv.Services()
	result := make([]string, 0, len(bleServices))
	for _, svc := range bleServices {
		if n := device.NormalizeUUID(svc.String()); n != "" {
			result = append(result, n)
		}
	}
	sort.Strings(result)
	return result
}
