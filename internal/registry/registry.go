// Package registry tracks peripherals discovered while scanning.
package registry

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/srg/kinetic/internal/device"
)

// Descriptor is a snapshot of a discovered peripheral.
// An empty Name means the peripheral did not advertise one.
type Descriptor struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	RSSI        *int      `json:"rssi,omitempty"`
	Services    []string  `json:"services"`
	Connectable bool      `json:"connectable"`
	SeenAt      time.Time `json:"seen_at"`
}

// DescriptorFromAdvertisement builds a Descriptor from a scan sighting.
// An RSSI of 0 is recorded as absent.
func DescriptorFromAdvertisement(adv device.Advertisement, seenAt time.Time) Descriptor {
	d := Descriptor{
		ID:          adv.Addr(),
		Name:        adv.LocalName(),
		Services:    device.NormalizeUUIDs(adv.Services()),
		Connectable: adv.Connectable(),
		SeenAt:      seenAt,
	}
	sort.Strings(d.Services)
	if rssi := adv.RSSI(); rssi != 0 {
		d.RSSI = &rssi
	}
	return d
}

// SignalKnown reports whether the descriptor carries a usable signal reading.
func (d Descriptor) SignalKnown() bool {
	return d.RSSI != nil && *d.RSSI != 0
}

// DisplayName returns the advertised name or a placeholder.
func (d Descriptor) DisplayName() string {
	if d.Name == "" {
		return "Unknown Device"
	}
	return d.Name
}

// Registry tracks discovered peripherals keyed by identity.
// Observe, List and Clear never block each other and are safe for concurrent use.
type Registry struct {
	devices atomic.Pointer[hashmap.Map[string, Descriptor]]
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	r.devices.Store(hashmap.New[string, Descriptor]())
	return r
}

// Observe upserts the descriptor. Advertisements are snapshots: every field is replaced.
func (r *Registry) Observe(d Descriptor) {
	if d.ID == "" {
		return
	}
	r.devices.Load().Set(d.ID, d)
}

// Get returns the descriptor with the given identity.
func (r *Registry) Get(id string) (Descriptor, bool) {
	return r.devices.Load().Get(id)
}

// Len returns the number of tracked peripherals.
func (r *Registry) Len() int {
	return r.devices.Load().Len()
}

// Clear empties the registry.
func (r *Registry) Clear() {
	r.devices.Store(hashmap.New[string, Descriptor]())
}

// List returns descriptors ordered by descending signal strength.
// Unknown signals (absent or 0) sort last; ties are ordered by ID.
func (r *Registry) List() []Descriptor {
	m := r.devices.Load()
	out := make([]Descriptor, 0, m.Len())
	m.Range(func(_ string, d Descriptor) bool {
		out = append(out, d)
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		ak, bk := a.SignalKnown(), b.SignalKnown()
		switch {
		case ak && bk && *a.RSSI != *b.RSSI:
			return *a.RSSI > *b.RSSI
		case ak != bk:
			return ak
		default:
			return a.ID < b.ID
		}
	})
	return out
}
