package registry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/srg/kinetic/internal/registry"
	"github.com/stretchr/testify/suite"
)

func rssi(v int) *int { return &v }

type RegistryTestSuite struct {
	suite.Suite
	reg *registry.Registry
	now time.Time
}

func (s *RegistryTestSuite) SetupTest() {
	s.reg = registry.New()
	s.now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (s *RegistryTestSuite) ids(list []registry.Descriptor) []string {
	out := make([]string, len(list))
	for i, d := range list {
		out[i] = d.ID
	}
	return out
}

func (s *RegistryTestSuite) TestObserveReplacesSnapshot() {
	// GOAL: Verify advertisements overwrite, not merge, the previous sighting
	//
	// TEST SCENARIO: Observe with name and services → observe again without them → stored descriptor has no name or services

	s.reg.Observe(registry.Descriptor{ID: "AA", Name: "ESP32-IMU", RSSI: rssi(-40), Services: []string{"180f"}, SeenAt: s.now})
	s.reg.Observe(registry.Descriptor{ID: "AA", RSSI: rssi(-72), SeenAt: s.now.Add(time.Second)})

	got, ok := s.reg.Get("AA")
	s.Require().True(ok)
	s.Empty(got.Name, "MUST drop the name absent from the latest advertisement")
	s.Empty(got.Services, "MUST drop services absent from the latest advertisement")
	s.Equal(-72, *got.RSSI)
	s.Equal(1, s.reg.Len())
}

func (s *RegistryTestSuite) TestObserveIgnoresEmptyID() {
	s.reg.Observe(registry.Descriptor{Name: "ghost"})
	s.Zero(s.reg.Len())
}

func (s *RegistryTestSuite) TestListOrdering() {
	// GOAL: Verify descending signal order with unknown signals last
	//
	// TEST SCENARIO: Observe mixed readings including nil and 0 → List → strongest first, unknowns last ordered by ID

	s.reg.Observe(registry.Descriptor{ID: "weak", RSSI: rssi(-88)})
	s.reg.Observe(registry.Descriptor{ID: "zero", RSSI: rssi(0)})
	s.reg.Observe(registry.Descriptor{ID: "strong", RSSI: rssi(-41)})
	s.reg.Observe(registry.Descriptor{ID: "absent"})
	s.reg.Observe(registry.Descriptor{ID: "mid-b", RSSI: rssi(-60)})
	s.reg.Observe(registry.Descriptor{ID: "mid-a", RSSI: rssi(-60)})

	s.Equal([]string{"strong", "mid-a", "mid-b", "weak", "absent", "zero"}, s.ids(s.reg.List()))
}

func (s *RegistryTestSuite) TestClear() {
	s.reg.Observe(registry.Descriptor{ID: "AA", RSSI: rssi(-50)})
	s.reg.Observe(registry.Descriptor{ID: "BB", RSSI: rssi(-60)})

	s.reg.Clear()

	s.Zero(s.reg.Len())
	s.Empty(s.reg.List())
	_, ok := s.reg.Get("AA")
	s.False(ok)
}

func (s *RegistryTestSuite) TestConcurrentObserveAndList() {
	// GOAL: Verify observe/list/clear can be used from the radio callback and the UI concurrently
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.reg.Observe(registry.Descriptor{ID: string(rune('A' + w)), RSSI: rssi(-30 - i%60)})
				_ = s.reg.List()
			}
		}(w)
	}
	wg.Wait()

	s.Equal(4, s.reg.Len())
}

func (s *RegistryTestSuite) TestMatcher() {
	svc := "19b10000-e8f2-537e-4f6c-d104768a1214"
	m := registry.TargetMatcher(svc)

	tests := []struct {
		name string
		d    registry.Descriptor
		want bool
	}{
		{"name pattern case-insensitive", registry.Descriptor{ID: "1", Name: "My-ESP32C3"}, true},
		{"arduino nano", registry.Descriptor{ID: "2", Name: "Arduino Nano 33"}, true},
		{"service advertised", registry.Descriptor{ID: "3", Services: []string{"19b10000e8f2537e4f6cd104768a1214"}}, true},
		{"unrelated device", registry.Descriptor{ID: "4", Name: "Headphones", Services: []string{"180f"}}, false},
		{"no name no services", registry.Descriptor{ID: "5"}, false},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.Equal(tt.want, m.Match(tt.d))
		})
	}

	s.Run("block list wins", func() {
		m := &registry.Matcher{BlockList: []string{"aa:bb"}}
		s.False(m.Match(registry.Descriptor{ID: "AA:BB", Name: "esp32"}))
		s.True(m.Match(registry.Descriptor{ID: "CC:DD"}))
	})

	s.Run("allow list restricts", func() {
		m := &registry.Matcher{AllowList: []string{"CC:DD"}}
		s.False(m.Match(registry.Descriptor{ID: "AA:BB"}))
		s.True(m.Match(registry.Descriptor{ID: "cc:dd"}))
	})

	s.Run("nil matcher accepts all", func() {
		var m *registry.Matcher
		s.True(m.Match(registry.Descriptor{ID: "x"}))
	})
}

func (s *RegistryTestSuite) TestSignalQuality() {
	tests := []struct {
		rssi *int
		want registry.Quality
	}{
		{nil, registry.QualityUnknown},
		{rssi(0), registry.QualityUnknown},
		{rssi(-45), registry.QualityExcellent},
		{rssi(-50), registry.QualityExcellent},
		{rssi(-55), registry.QualityGood},
		{rssi(-70), registry.QualityFair},
		{rssi(-71), registry.QualityWeak},
	}
	for _, tt := range tests {
		s.Equal(tt.want, registry.SignalQuality(tt.rssi))
	}
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
