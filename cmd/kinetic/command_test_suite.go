//go:build test

package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/kinetic/internal/device"
	"github.com/srg/kinetic/internal/journal"
	"github.com/srg/kinetic/internal/mint"
	"github.com/srg/kinetic/internal/telemetry"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent fake peripheral identification
const (
	TestDeviceAddress1 = "AA:BB:CC:DD:EE:01"
	TestDeviceAddress2 = "AA:BB:CC:DD:EE:02"
	TestWallet         = "0x52908400098527886E0F7030069857D2E4169EE7"
)

// memStore is an in-memory journal.
type memStore struct {
	mu       sync.Mutex
	order    []string
	batches  map[string]telemetry.Batch
	devices  map[string]string
	saved    map[string]time.Time
	outcomes map[string][]mint.Outcome
}

func newMemStore() *memStore {
	return &memStore{
		batches:  map[string]telemetry.Batch{},
		devices:  map[string]string{},
		saved:    map[string]time.Time{},
		outcomes: map[string][]mint.Outcome{},
	}
}

func (m *memStore) SaveBatch(_ context.Context, dev string, batch telemetry.Batch) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := batch.Fingerprint
	if _, ok := m.batches[id]; !ok {
		m.order = append(m.order, id)
		m.batches[id] = batch
		m.devices[id] = dev
		m.saved[id] = time.Now()
	}
	return id, nil
}

func (m *memStore) LoadBatch(_ context.Context, prefix string) (telemetry.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []string
	for id := range m.batches {
		if strings.HasPrefix(id, strings.ToLower(prefix)) {
			found = append(found, id)
		}
	}
	switch {
	case len(prefix) < journal.MinPrefixLen || len(found) == 0:
		return telemetry.Batch{}, fmt.Errorf("%s: %w", prefix, journal.ErrNotFound)
	case len(found) > 1:
		return telemetry.Batch{}, fmt.Errorf("%s: %w", prefix, journal.ErrAmbiguous)
	}
	return m.batches[found[0]], nil
}

func (m *memStore) ListBatches(context.Context) ([]journal.BatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]journal.BatchRecord, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		id := m.order[i]
		b := m.batches[id]
		r := journal.BatchRecord{
			ID:        id,
			Device:    m.devices[id],
			StartedAt: b.StartedAt,
			EndedAt:   b.EndedAt,
			Samples:   b.Len(),
			Evicted:   b.Evicted,
			SavedAt:   m.saved[id],
		}
		if outs := m.outcomes[id]; len(outs) > 0 {
			last := outs[len(outs)-1]
			r.LastKind = last.Kind()
			if last.Receipt != nil {
				r.LastTo = last.Receipt.Transaction.To
			}
		}
		records = append(records, r)
	}
	return records, nil
}

func (m *memStore) RecordOutcome(_ context.Context, batchID, _ string, out mint.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[batchID] = append(m.outcomes[batchID], out)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) Outcomes(id string) []mint.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mint.Outcome(nil), m.outcomes[id]...)
}

func (m *memStore) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := append([]string(nil), m.order...)
	sort.Strings(ids)
	return ids
}

type mintReply struct {
	status int
	body   string
}

// CommandTestSuite wires every command to a fake radio, an in-memory journal
// and a scripted mint server. All cmd/kinetic test suites embed it.
type CommandTestSuite struct {
	suite.Suite

	Radio device.Radio
	Store *memStore

	mintMu      sync.Mutex
	mintReplies []mintReply
	MintCalls   atomic.Int32
	mintServer  *httptest.Server

	configPath string

	origRadio   func(*logrus.Logger) device.Radio
	origJournal func(string, *logrus.Logger) (batchStore, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.Store = newMemStore()
	s.Radio = nil
	s.mintReplies = nil
	s.MintCalls.Store(0)
	s.mintServer = httptest.NewServer(http.HandlerFunc(s.serveMint))

	s.origRadio, s.origJournal = newRadio, openJournal
	newRadio = func(*logrus.Logger) device.Radio {
		s.Require().NotNil(s.Radio, "test MUST configure a radio")
		return s.Radio
	}
	openJournal = func(string, *logrus.Logger) (batchStore, error) { return s.Store, nil }

	s.configPath = filepath.Join(s.T().TempDir(), "kinetic.yaml")
	s.WriteConfig("")
}

func (s *CommandTestSuite) TearDownTest() {
	newRadio, openJournal = s.origRadio, s.origJournal
	s.mintServer.Close()
}

// WriteConfig writes the test config; extra YAML is appended verbatim.
func (s *CommandTestSuite) WriteConfig(extra string) {
	base := fmt.Sprintf(`
scan:
  timeout: 100ms
link:
  connect_timeout: 1s
  reconnect_initial_delay: 1ms
  reconnect_max_delay: 4ms
capture:
  duration: 300ms
mint:
  base_url: %s
  base_delay: 1ms
  max_delay: 4ms
journal:
  path: unused.db
`, s.mintServer.URL)
	s.Require().NoError(os.WriteFile(s.configPath, []byte(base+extra), 0o600))
}

// MintReplies scripts the mint server; the last reply repeats.
func (s *CommandTestSuite) MintReplies(replies ...mintReply) {
	s.mintMu.Lock()
	defer s.mintMu.Unlock()
	s.mintReplies = replies
}

func (s *CommandTestSuite) serveMint(w http.ResponseWriter, r *http.Request) {
	n := int(s.MintCalls.Add(1))
	s.mintMu.Lock()
	reply := mintReply{http.StatusOK, `{"success":true,"transaction":{"to":"0x1111111111111111111111111111111111111111","value":"0","data":"0xfeed"}}`}
	if len(s.mintReplies) > 0 {
		reply = s.mintReplies[min(n, len(s.mintReplies))-1]
	}
	s.mintMu.Unlock()

	w.WriteHeader(reply.status)
	_, _ = w.Write([]byte(reply.body))
}

// ExecuteCommand runs the CLI with args against the test config, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(append(args, "--config", s.configPath))
	err := root.Execute()
	return buf.String(), err
}

// FixtureBatch returns n upright samples 20ms apart.
func FixtureBatch(n int, evicted int) telemetry.Batch {
	start := time.UnixMilli(1700000000000)
	samples := make([]telemetry.Sample, n)
	for i := range samples {
		samples[i] = telemetry.SampleFromRaw(telemetry.RawAxes{AZ: 16384, GX: int32(i)}).WithTimestamp(start.UnixMilli() + int64(i)*20)
	}
	return telemetry.NewBatch(start, start.Add(time.Duration(n)*20*time.Millisecond), samples, evicted)
}
