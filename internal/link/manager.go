package link

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/kinetic/internal/device"
	"github.com/srg/kinetic/internal/groutine"
	"github.com/srg/kinetic/internal/metrics"
	"github.com/srg/kinetic/internal/registry"
	"github.com/srg/kinetic/internal/ringchan"
	"github.com/srg/kinetic/internal/telemetry"
)

// Default IMU peripheral profile.
const (
	DefaultServiceUUID        = "19b10000-e8f2-537e-4f6c-d104768a1214"
	DefaultCharacteristicUUID = "19b10001-e8f2-537e-4f6c-d104768a1217"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultEventBuffer    = 64
)

// Sink receives decoded samples. telemetry.Buffer implements it.
// A Sink with a Reset method is reset when a new session subscribes.
type Sink interface {
	Append(s telemetry.Sample) bool
}

// Options configures a Manager. Only Radio is required.
type Options struct {
	Radio    device.Radio
	Registry *registry.Registry
	// Matcher filters sightings before they reach the registry; nil accepts all.
	Matcher *registry.Matcher
	Decoder telemetry.Decoder
	Sink    Sink

	ServiceUUID        string
	CharacteristicUUID string
	ConnectTimeout     time.Duration
	Reconnect          ReconnectPolicy

	// EventBuffer bounds the state event channel; older events are overwritten.
	EventBuffer int
	Clock       func() time.Time
	Logger      *logrus.Logger
	Metrics     *metrics.Metrics
}

// Manager owns the single connection session.
//
// Transitions are serialized by mu. Every operation that invalidates in-flight
// work (Connect, StopScan, Disconnect) bumps gen; background goroutines carry
// the generation they were started with and drop their results once it is stale.
type Manager struct {
	opts   Options
	logger *logrus.Logger
	events *ringchan.RingChannel[StateEvent]

	mu        sync.Mutex
	state     State
	session   Session
	gen       uint64
	busy      bool
	link      device.Link
	cancelOp  context.CancelFunc
	scanDone  <-chan struct{}
	watchDone <-chan struct{}

	// epoch anchors sample timestamps; later readings are stamped as epoch
	// plus elapsed time so a wall clock step cannot move them backwards.
	epoch     time.Time
	lastStamp atomic.Int64

	decodeFailures atomic.Int64
	samples        atomic.Int64
}

// NewManager creates a manager in the Disconnected state.
func NewManager(opts Options) (*Manager, error) {
	if opts.Radio == nil {
		return nil, errors.New("link: radio is required")
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Decoder == nil {
		opts.Decoder = telemetry.NewCSVDecoder()
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = DefaultServiceUUID
	}
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = DefaultCharacteristicUUID
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	opts.Reconnect = opts.Reconnect.withDefaults()
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	return &Manager{
		opts:   opts,
		logger: opts.Logger,
		events: ringchan.New[StateEvent](opts.EventBuffer),
		epoch:  opts.Clock(),
	}, nil
}

// Registry returns the registry fed by scanning.
func (m *Manager) Registry() *registry.Registry {
	return m.opts.Registry
}

// Events delivers every state transition. Slow readers lose the oldest events.
func (m *Manager) Events() <-chan StateEvent {
	return m.events.C()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a snapshot of the current session.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// DecodeFailures returns the number of notifications that could not be decoded.
func (m *Manager) DecodeFailures() int64 {
	return m.decodeFailures.Load()
}

// SamplesReceived returns the number of decoded samples delivered to the sink.
func (m *Manager) SamplesReceived() int64 {
	return m.samples.Load()
}

// StartScan clears the registry and forwards matching sightings into it until
// ctx ends, StopScan, Connect or Disconnect.
func (m *Manager) StartScan(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.busy {
		return ErrBusy
	}
	if m.state != Disconnected {
		return fmt.Errorf("%w: cannot scan while %s", ErrInvalidTransition, m.state)
	}

	m.opts.Registry.Clear()
	m.gen++
	gen := m.gen

	scanCtx, cancel := context.WithCancel(ctx)
	m.cancelOp = cancel
	m.session = Session{}
	m.transition(Scanning, nil)

	m.scanDone = groutine.Go(scanCtx, "link-scan", func(ctx context.Context) {
		err := m.opts.Radio.Scan(ctx, m.handleAdvertisement)
		m.scanFinished(gen, err)
	})
	return nil
}

// StopScan ends an active scan. It is a no-op in any other state.
func (m *Manager) StopScan() {
	m.mu.Lock()
	if m.state != Scanning {
		m.mu.Unlock()
		return
	}
	m.gen++
	cancel, done := m.cancelOp, m.scanDone
	m.cancelOp, m.scanDone = nil, nil
	m.transition(Disconnected, nil)
	m.mu.Unlock()

	cancel()
	<-done
}

func (m *Manager) handleAdvertisement(adv device.Advertisement) {
	d := registry.DescriptorFromAdvertisement(adv, m.opts.Clock())
	if d.ID == "" || !m.opts.Matcher.Match(d) {
		return
	}
	m.opts.Registry.Observe(d)
}

func (m *Manager) scanFinished(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != Scanning {
		return
	}

	m.cancelOp, m.scanDone = nil, nil
	var lerr *device.LinkError
	if err != nil {
		lerr = device.ClassifyLinkError(device.OpScan, "", err)
		m.session.Err = lerr
		m.logger.WithField("error", err).Warn("Scan stopped with error")
	}
	m.transition(Disconnected, errOrNil(lerr))
}

// Connect dials the peripheral, discovers its profile and subscribes to the
// telemetry characteristic. It is allowed from Disconnected and Scanning (the
// scan is stopped first). A Connect while another transition is in flight
// fails with ErrBusy.
//
// Failures leave the manager in Failed with the returned *device.LinkError:
// retryable for stack errors, non-retryable when the device lacks the
// expected service or characteristic. Connect never retries on its own.
func (m *Manager) Connect(ctx context.Context, address string) (Session, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Session{}, errors.New("link: device address is not set")
	}

	m.mu.Lock()
	if m.busy || m.state.inFlight() {
		m.mu.Unlock()
		return Session{}, ErrBusy
	}
	if m.state != Disconnected && m.state != Scanning {
		state := m.state
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: cannot connect while %s", ErrInvalidTransition, state)
	}

	stopScan, scanDone := m.cancelOp, m.scanDone
	m.busy = true
	m.gen++
	gen := m.gen

	opCtx, cancel := context.WithCancel(ctx)
	m.cancelOp, m.scanDone = cancel, nil

	desc, ok := m.opts.Registry.Get(address)
	if !ok {
		desc = registry.Descriptor{ID: address}
	}
	m.session = Session{Device: desc}
	m.transition(Connecting, nil)
	m.mu.Unlock()

	if stopScan != nil {
		stopScan()
	}
	if scanDone != nil {
		<-scanDone
	}

	m.logger.WithField("address", address).Info("Connecting to device...")
	link, err := m.attach(opCtx, gen, address, device.OpConnect)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		cancel()
		if link != nil {
			_ = link.Close()
		}
		return m.session, &device.LinkError{Op: device.OpConnect, Address: address, Retryable: true, Err: ErrAborted}
	}
	m.busy = false

	if err != nil {
		cancel()
		m.cancelOp = nil
		lerr := device.ClassifyLinkError(device.OpConnect, address, err)
		m.fail(lerr)
		return m.session, lerr
	}

	// The connect context only bounds the attach; the watcher lives until Disconnect.
	cancel()
	watchCtx, stopWatch := context.WithCancel(context.Background())
	m.cancelOp = stopWatch
	m.link = link
	m.session.Err = nil
	m.session.SubscribedAt = m.opts.Clock()
	m.transition(Subscribed, nil)
	m.watchDone = groutine.Go(watchCtx, "link-watch", func(ctx context.Context) {
		m.watch(ctx, gen, link)
	})

	m.logger.WithField("address", address).Info("Device connected and streaming")
	return m.session, nil
}

// Disconnect cancels any scan, pending connect or reconnect, closes the link
// and leaves the manager Disconnected. It is safe to call from any state and
// always succeeds; a failure to close the link is only logged.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.gen++
	m.busy = false
	cancel, scanDone, watchDone, link := m.cancelOp, m.scanDone, m.watchDone, m.link
	m.cancelOp, m.scanDone, m.watchDone, m.link = nil, nil, nil, nil
	if m.state != Disconnected {
		m.transition(Disconnected, nil)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if scanDone != nil {
		<-scanDone
	}
	if watchDone != nil {
		<-watchDone
	}
	if link == nil {
		return nil
	}

	if err := link.Close(); err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": link.Address(),
			"error":   err,
		}).Warn("Device disconnected with errors")
		return nil
	}
	m.logger.WithField("address", link.Address()).Info("Device disconnected")
	return nil
}

// Close disconnects and closes the event channel.
func (m *Manager) Close() error {
	err := m.Disconnect()
	m.events.Close()
	return err
}

// attach dials, discovers and subscribes. On error the link, if any, is closed.
func (m *Manager) attach(ctx context.Context, gen uint64, address string, op device.LinkOp) (device.Link, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	link, err := m.opts.Radio.Dial(dialCtx, address)
	cancel()
	if err != nil {
		return nil, device.ClassifyLinkError(op, address, err)
	}

	if !m.advance(gen, Discovering) {
		_ = link.Close()
		return nil, &device.LinkError{Op: op, Address: address, Retryable: true, Err: ErrAborted}
	}

	discoverCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	profile, err := link.Discover(discoverCtx)
	cancel()
	if err != nil {
		_ = link.Close()
		return nil, device.ClassifyLinkError(device.OpDiscover, address, err)
	}

	char, err := device.FindCharacteristic(profile, m.opts.ServiceUUID, m.opts.CharacteristicUUID)
	if err != nil {
		_ = link.Close()
		return nil, device.ClassifyLinkError(device.OpDiscover, address, err)
	}
	if !char.Properties.CanSubscribe() {
		_ = link.Close()
		return nil, device.ClassifyLinkError(device.OpSubscribe, address,
			fmt.Errorf("characteristic %s has properties %q: %w", char.UUID, char.Properties, device.ErrUnsupported))
	}

	if r, ok := m.opts.Decoder.(interface{ Reset() }); ok {
		r.Reset()
	}
	// A fresh session starts a new capture epoch; a recovered one continues it.
	if r, ok := m.opts.Sink.(interface{ Reset() }); ok && op == device.OpConnect {
		r.Reset()
	}
	if err := link.Subscribe(m.opts.ServiceUUID, m.opts.CharacteristicUUID, m.handleNotification); err != nil {
		_ = link.Close()
		return nil, device.ClassifyLinkError(device.OpSubscribe, address, err)
	}
	return link, nil
}

// handleNotification runs on the radio delivery path.
func (m *Manager) handleNotification(payload []byte) {
	m.opts.Metrics.NotificationReceived()

	samples, err := m.opts.Decoder.Decode(payload)
	if err != nil {
		m.decodeFailures.Add(1)
		m.opts.Metrics.DecodeFailed()
		m.logger.WithFields(logrus.Fields{
			"bytes": len(payload),
			"error": err,
		}).Debug("Dropped malformed notification")
	}
	if len(samples) == 0 {
		return
	}

	ts := m.stamp()
	for _, s := range samples {
		m.samples.Add(1)
		if m.opts.Sink == nil {
			continue
		}
		if !m.opts.Sink.Append(s.WithTimestamp(ts)) {
			m.opts.Metrics.SampleRejected()
		}
	}
}

// stamp returns the capture timestamp in Unix milliseconds. Stamps never decrease.
func (m *Manager) stamp() int64 {
	now := m.opts.Clock()
	ts := m.epoch.Add(now.Sub(m.epoch)).UnixMilli()
	for {
		last := m.lastStamp.Load()
		if ts <= last {
			return last
		}
		if m.lastStamp.CompareAndSwap(last, ts) {
			return ts
		}
	}
}

// advance moves to the given state if gen is still current.
func (m *Manager) advance(gen uint64, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.transition(to, nil)
	return true
}

func (m *Manager) fail(lerr *device.LinkError) {
	m.session.Err = lerr
	m.transition(Failed, lerr)
	m.logger.WithFields(logrus.Fields{
		"address":   lerr.Address,
		"retryable": lerr.Retryable,
		"error":     lerr.Err,
	}).Error("Connection failed")
}

// transition must be called with mu held.
func (m *Manager) transition(to State, err error) {
	from := m.state
	m.state = to
	m.session.State = to

	ev := StateEvent{
		From:    from,
		To:      to,
		Address: m.session.Device.ID,
		Err:     err,
		At:      m.opts.Clock(),
	}
	m.events.ForceSend(ev)
	m.opts.Metrics.StateChanged(to.String())

	m.logger.WithFields(logrus.Fields{
		"address": ev.Address,
		"from":    from.String(),
		"state":   to.String(),
	}).Debug("State changed")
}

func errOrNil(lerr *device.LinkError) error {
	if lerr == nil {
		return nil
	}
	return lerr
}
