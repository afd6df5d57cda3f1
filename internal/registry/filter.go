package registry

import (
	"strings"

	"github.com/srg/kinetic/internal/device"
)

// DefaultNamePatterns match the firmware families that ship the IMU sketch.
var DefaultNamePatterns = []string{"arduino", "esp32", "esp8266", "nano", "uno"}

// Matcher decides which sightings are candidate peripherals.
// The zero value accepts everything.
type Matcher struct {
	// NamePatterns are case-insensitive substrings of the advertised name.
	NamePatterns []string
	// ServiceUUIDs accept a peripheral advertising any of them, regardless of name.
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// TargetMatcher accepts the default IMU firmware names or the given data service.
func TargetMatcher(dataService string) *Matcher {
	return &Matcher{
		NamePatterns: DefaultNamePatterns,
		ServiceUUIDs: []string{dataService},
	}
}

// Match applies block, allow, then target (name or service) filters.
func (m *Matcher) Match(d Descriptor) bool {
	if m == nil {
		return true
	}

	for _, blocked := range m.BlockList {
		if strings.EqualFold(d.ID, blocked) {
			return false
		}
	}

	if len(m.AllowList) > 0 {
		allowed := false
		for _, a := range m.AllowList {
			if strings.EqualFold(d.ID, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(m.NamePatterns) == 0 && len(m.ServiceUUIDs) == 0 {
		return true
	}

	name := strings.ToLower(d.Name)
	for _, p := range m.NamePatterns {
		if name != "" && strings.Contains(name, strings.ToLower(p)) {
			return true
		}
	}

	for _, required := range m.ServiceUUIDs {
		want := device.NormalizeUUID(required)
		for _, svc := range d.Services {
			if svc == want {
				return true
			}
		}
	}
	return false
}
