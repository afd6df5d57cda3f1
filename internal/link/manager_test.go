//go:build test

package link_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/kinetic/internal/device"
	"github.com/srg/kinetic/internal/link"
	"github.com/srg/kinetic/internal/registry"
	"github.com/srg/kinetic/internal/telemetry"
	"github.com/srg/kinetic/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	imuAddress = "AA:BB:CC:DD:EE:01"
	waitFor    = 2 * time.Second
	tick       = 5 * time.Millisecond
)

type ManagerTestSuite struct {
	suite.Suite
	millis atomic.Int64
	buffer *telemetry.Buffer
	mgr    *link.Manager
}

func (s *ManagerTestSuite) SetupTest() {
	s.millis.Store(1_700_000_000_000)
	s.buffer = telemetry.NewBuffer(1000, telemetry.WithClock(s.clock))
}

func (s *ManagerTestSuite) TearDownTest() {
	if s.mgr != nil {
		_ = s.mgr.Close()
		s.mgr = nil
	}
}

// clock advances one millisecond per reading so every notification gets a distinct timestamp.
func (s *ManagerTestSuite) clock() time.Time {
	return time.UnixMilli(s.millis.Add(1))
}

func (s *ManagerTestSuite) newManager(radio device.Radio, mutate ...func(*link.Options)) *link.Manager {
	opts := link.Options{
		Radio:   radio,
		Matcher: registry.TargetMatcher(testutils.IMUServiceUUID),
		Decoder: telemetry.NewCSVDecoder(),
		Sink:    s.buffer,
		Clock:   s.clock,
		Reconnect: link.ReconnectPolicy{
			InitialDelay: time.Millisecond,
			MaxDelay:     4 * time.Millisecond,
			MaxAttempts:  3,
		},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	m, err := link.NewManager(opts)
	s.Require().NoError(err)
	s.mgr = m
	return m
}

func (s *ManagerTestSuite) drainStates(m *link.Manager) []link.StateEvent {
	var out []link.StateEvent
	for {
		select {
		case ev := <-m.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func targets(events []link.StateEvent) []link.State {
	out := make([]link.State, len(events))
	for i, ev := range events {
		out[i] = ev.To
	}
	return out
}

func (s *ManagerTestSuite) assertDiscoveringBeforeSubscribed(events []link.StateEvent) {
	for _, ev := range events {
		if ev.To == link.Subscribed {
			s.Equal(link.Discovering, ev.From, "MUST only enter Subscribed from Discovering")
		}
	}
}

func (s *ManagerTestSuite) waitState(m *link.Manager, want link.State) {
	s.Require().Eventually(func() bool { return m.State() == want }, waitFor, tick,
		"MUST reach %s (current %s)", want, m.State())
}

func csvPacket(i int) []byte {
	return []byte(fmt.Sprintf("%d,0,16384,0,0,131,", i))
}

func (s *ManagerTestSuite) TestConnectSubscribes() {
	peripheral := testutils.NewIMUPeripheral(imuAddress).Build()
	radio := testutils.NewRadioBuilder().WithLinks(imuAddress, peripheral).Build()
	m := s.newManager(radio)

	session, err := m.Connect(context.Background(), imuAddress)
	s.Require().NoError(err)

	s.Equal(link.Subscribed, session.State)
	s.Equal(imuAddress, session.Device.ID)
	s.Nil(session.Err)
	s.Equal([]link.State{link.Connecting, link.Discovering, link.Subscribed}, targets(s.drainStates(m)))

	s.True(peripheral.Notify(csvPacket(1)))
	s.Equal(1, s.buffer.Len())
	s.EqualValues(1, m.SamplesReceived())
}

func (s *ManagerTestSuite) TestScanPopulatesRegistry() {
	// GOAL: Verify scanning fills the registry with target peripherals only
	//
	// TEST SCENARIO: Two sightings (IMU board, phone) → scan → only the board is registered → StopScan returns to Disconnected

	board := testutils.NewAdvertisementBuilder().WithAddress(imuAddress).WithName("ESP32-IMU").WithRSSI(-48).Build()
	phone := testutils.NewAdvertisementBuilder().WithAddress("11:22:33:44:55:66").WithName("Pixel").WithRSSI(-30).Build()
	radio := testutils.NewRadioBuilder().WithAdvertisements(board, phone).Build()
	m := s.newManager(radio)

	s.Require().NoError(m.StartScan(context.Background()))
	s.Eventually(func() bool { return m.Registry().Len() == 1 }, waitFor, tick)

	d, ok := m.Registry().Get(imuAddress)
	s.Require().True(ok)
	s.Equal("ESP32-IMU", d.Name)
	s.Equal(registry.QualityExcellent, d.Quality())

	s.ErrorIs(m.StartScan(context.Background()), link.ErrInvalidTransition, "MUST reject a second scan")

	m.StopScan()
	s.Equal(link.Disconnected, m.State())
}

func (s *ManagerTestSuite) TestScanRestartClearsRegistry() {
	board := testutils.NewAdvertisementBuilder().WithAddress(imuAddress).WithName("nano-33").Build()
	radio := testutils.NewRadioBuilder().WithAdvertisements(board).Build()
	m := s.newManager(radio)

	m.Registry().Observe(registry.Descriptor{ID: "stale"})
	s.Require().NoError(m.StartScan(context.Background()))
	s.Eventually(func() bool { return m.Registry().Len() == 1 }, waitFor, tick)

	_, ok := m.Registry().Get("stale")
	s.False(ok, "MUST clear the registry when scanning starts")
}

func (s *ManagerTestSuite) TestScanStopsOnItsOwn() {
	radio := testutils.NewRadioBuilder().WithScanError(device.ErrBluetoothOff).Build()
	m := s.newManager(radio)

	s.Require().NoError(m.StartScan(context.Background()))
	s.waitState(m, link.Disconnected)

	session := m.Session()
	s.Require().NotNil(session.Err)
	s.ErrorIs(session.Err, device.ErrBluetoothOff)
}

func (s *ManagerTestSuite) TestConnectFromScanning() {
	peripheral := testutils.NewIMUPeripheral(imuAddress).Build()
	board := testutils.NewAdvertisementBuilder().WithAddress(imuAddress).WithName("Arduino").WithRSSI(-65).Build()
	radio := testutils.NewRadioBuilder().WithAdvertisements(board).WithLinks(imuAddress, peripheral).Build()
	m := s.newManager(radio)

	s.Require().NoError(m.StartScan(context.Background()))
	s.Eventually(func() bool { return m.Registry().Len() == 1 }, waitFor, tick)

	session, err := m.Connect(context.Background(), imuAddress)
	s.Require().NoError(err)
	s.Equal("Arduino", session.Device.Name, "MUST carry the scanned descriptor")
	s.Equal([]link.State{link.Scanning, link.Connecting, link.Discovering, link.Subscribed}, targets(s.drainStates(m)))
}

func (s *ManagerTestSuite) TestConnectFailureIsRetryable() {
	// GOAL: Verify a stack failure fails the session as retryable without retrying on its own
	//
	// TEST SCENARIO: Dial fails → Failed with retryable LinkError → exactly one dial → Disconnect → Connect works again

	peripheral := testutils.NewIMUPeripheral(imuAddress).Build()
	radio := testutils.NewRadioBuilder().
		WithDialError(imuAddress, errors.New("le-connection-abort-by-local")).
		WithLinks(imuAddress, peripheral).
		Build()
	m := s.newManager(radio)

	session, err := m.Connect(context.Background(), imuAddress)
	s.Require().Error(err)

	var lerr *device.LinkError
	s.Require().ErrorAs(err, &lerr)
	s.True(lerr.Retryable, "MUST classify a stack failure as retryable")
	s.Equal(device.OpConnect, lerr.Op)
	s.Equal(link.Failed, session.State)
	s.Equal(lerr, session.Err)

	time.Sleep(20 * time.Millisecond)
	radio.AssertNumberOfCalls(s.T(), "Dial", 1)
	s.Equal(link.Failed, m.State(), "MUST not retry automatically")

	s.ErrorIs(m.StartScan(context.Background()), link.ErrInvalidTransition)
	_, err = m.Connect(context.Background(), imuAddress)
	s.ErrorIs(err, link.ErrInvalidTransition, "MUST require Disconnect after a failure")

	s.Require().NoError(m.Disconnect())
	s.Equal(link.Disconnected, m.State())

	_, err = m.Connect(context.Background(), imuAddress)
	s.NoError(err)
}

func (s *ManagerTestSuite) TestMissingCharacteristicIsFatal() {
	peripheral := testutils.NewPeripheralDeviceBuilder(imuAddress).
		WithService(testutils.IMUServiceUUID).
		WithCharacteristic("2a37", "notify").
		Build()
	radio := testutils.NewRadioBuilder().WithLinks(imuAddress, peripheral).Build()
	m := s.newManager(radio)

	session, err := m.Connect(context.Background(), imuAddress)

	var lerr *device.LinkError
	s.Require().ErrorAs(err, &lerr)
	s.False(lerr.Retryable, "MUST mark an incompatible device as non-retryable")

	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("characteristic", nf.Resource)

	s.Equal(link.Failed, session.State)
	s.GreaterOrEqual(peripheral.Closes(), 1, "MUST close the link of an incompatible device")
	s.Equal([]link.State{link.Connecting, link.Discovering, link.Failed}, targets(s.drainStates(m)))
}

func (s *ManagerTestSuite) TestMissingServiceIsFatal() {
	peripheral := testutils.NewPeripheralDeviceBuilder(imuAddress).FromJSON(`{
		"services": [{"uuid": "180f", "characteristics": [{"uuid": "2a19", "properties": "read,notify"}]}]
	}`).Build()
	radio := testutils.NewRadioBuilder().WithLinks(imuAddress, peripheral).Build()
	m := s.newManager(radio)

	_, err := m.Connect(context.Background(), imuAddress)

	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("service", nf.Resource)
	s.False(device.IsRetryable(err))
}

func (s *ManagerTestSuite) TestCharacteristicWithoutNotifyIsFatal() {
	peripheral := testutils.NewPeripheralDeviceBuilder(imuAddress).
		WithService(testutils.IMUServiceUUID).
		WithCharacteristic(testutils.IMUCharacteristicUUID, "read").
		Build()
	radio := testutils.NewRadioBuilder().WithLinks(imuAddress, peripheral).Build()
	m := s.newManager(radio)

	_, err := m.Connect(context.Background(), imuAddress)
	s.ErrorIs(err, device.ErrUnsupported)
	s.False(device.IsRetryable(err))
}

func (s *ManagerTestSuite) TestSubscribeFailureIsRetryable() {
	peripheral := testutils.NewIMUPeripheral(imuAddress).WithSubscribeError(errors.New("att: write failed")).Build()
	radio := testutils.NewRadioBuilder().WithLinks(imuAddress, peripheral).Build()
	m := s.newManager(radio)

	session, err := m.Connect(context.Background(), imuAddress)
	s.True(device.IsRetryable(err))
	s.Equal(link.Failed, session.State)
}

func (s *ManagerTestSuite) TestConcurrentConnectIsRejected() {
	// GOAL: Verify a second connect during an in-flight connect is rejected, not queued
	//
	// TEST SCENARIO: First dial blocks → second Connect returns ErrBusy → release → first Connect succeeds → one dial total

	release := make(chan struct{})
	peripheral := testutils.NewIMUPeripheral(imuAddress).Build()
	radio := testutils.NewRadioBuilder().WithBlockingDial(imuAddress, release, peripheral).Build()
	m := s.newManager(radio)

	done := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background(), imuAddress)
		done <- err
	}()
	s.waitState(m, link.Connecting)

	_, err := m.Connect(context.Background(), imuAddress)
	s.ErrorIs(err, link.ErrBusy)
	s.ErrorIs(m.StartScan(context.Background()), link.ErrBusy)

	close(release)
	s.NoError(<-done)
	s.Equal(link.Subscribed, m.State())
	radio.AssertNumberOfCalls(s.T(), "Dial", 1)
}

func (s *ManagerTestSuite) TestDisconnectAbortsPendingConnect() {
	release := make(chan struct{})
	peripheral := testutils.NewIMUPeripheral(imuAddress).Build()
	radio := testutils.NewRadioBuilder().WithBlockingDial(imuAddress, release, peripheral).Build()
	m := s.newManager(radio)

	done := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background(), imuAddress)
		done <- err
	}()
	s.waitState(m, link.Connecting)

	s.NoError(m.Disconnect())
	s.Equal(link.Disconnected, m.State())

	err := <-done
	s.ErrorIs(err, link.ErrAborted)
	s.Equal(link.Disconnected, m.State(), "MUST stay Disconnected after the aborted connect returns")
}

func (s *ManagerTestSuite) TestMalformedNotificationIsCounted() {
	peripheral := testutils.NewIMUPeripheral(imuAddress).Build()
	radio := testutils.NewRadioBuilder().WithLinks(imuAddress, peripheral).Build()
	m := s.newManager(radio, func(o *link.Options) { o.Decoder = telemetry.BinaryDecoder{} })

	_, err := m.Connect(context.Background(), imuAddress)
	s.Require().NoError(err)
	s.drainStates(m)

	s.True(peripheral.Notify([]byte{1, 2, 3}))
	s.True(peripheral.Notify([]byte("not a frame")))

	s.EqualValues(2, m.DecodeFailures())
	s.Zero(s.buffer.Len())
	s.Equal(link.Subscribed, m.State(), "MUST not change state on a decode failure")
	s.Empty(s.drainStates(m))
}

func (s *ManagerTestSuite) TestLinkDropRecoversWithoutLosingOrder() {
	// GOAL: Verify a single link drop is recovered and the capture stays complete and ordered
	//
	// TEST SCENARIO: 17 samples → link drops → Reconnecting once → re-attach through Discovering → 17 more samples → 34 ordered samples, no overflow

	first := testutils.NewIMUPeripheral(imuAddress).Build()
	second := testutils.NewIMUPeripheral(imuAddress).Build()
	radio := testutils.NewRadioBuilder().WithLinks(imuAddress, first, second).Build()
	m := s.newManager(radio)

	_, err := m.Connect(context.Background(), imuAddress)
	s.Require().NoError(err)

	for i := 0; i < 17; i++ {
		s.Require().True(first.Notify(csvPacket(i)))
	}

	first.Drop()
	s.Require().True(second.WaitSubscribed(waitFor), "MUST re-subscribe on the new link")
	s.waitState(m, link.Subscribed)

	for i := 17; i < 34; i++ {
		s.Require().True(second.Notify(csvPacket(i)))
	}

	batch := s.buffer.Snapshot()
	s.Require().Equal(34, batch.Len())
	s.False(batch.Overflow)
	for i, sample := range batch.Samples {
		s.EqualValues(i, sample.Raw.AX, "MUST keep arrival order")
		if i > 0 {
			s.LessOrEqual(batch.Samples[i-1].Timestamp, sample.Timestamp)
		}
	}

	events := s.drainStates(m)
	s.Equal([]link.State{
		link.Connecting, link.Discovering, link.Subscribed,
		link.Reconnecting, link.Discovering, link.Subscribed,
	}, targets(events))
	s.assertDiscoveringBeforeSubscribed(events)

	s.Equal(1, m.Session().Reconnects)
	s.GreaterOrEqual(first.Closes(), 1)
	radio.AssertNumberOfCalls(s.T(), "Dial", 2)
}

func (s *ManagerTestSuite) TestReconnectExhaustionFails() {
	peripheral := testutils.NewIMUPeripheral(imuAddress).Build()
	radio := testutils.NewRadioBuilder().
		WithLinks(imuAddress, peripheral).
		WithDialError(imuAddress, device.ErrTimeout).
		WithDialError(imuAddress, device.ErrTimeout).
		WithDialError(imuAddress, device.ErrTimeout).
		Build()
	m := s.newManager(radio)

	_, err := m.Connect(context.Background(), imuAddress)
	s.Require().NoError(err)

	peripheral.Drop()
	s.waitState(m, link.Failed)

	session := m.Session()
	s.Require().NotNil(session.Err)
	s.True(session.Err.Retryable, "MUST leave an exhausted reconnect retryable")
	s.Equal(device.OpReconnect, session.Err.Op)
	radio.AssertNumberOfCalls(s.T(), "Dial", 4)

	events := s.drainStates(m)
	s.Equal([]link.State{link.Connecting, link.Discovering, link.Subscribed, link.Reconnecting, link.Failed}, targets(events))
}

func (s *ManagerTestSuite) TestReconnectToIncompatibleDeviceStops() {
	good := testutils.NewIMUPeripheral(imuAddress).Build()
	bad := testutils.NewPeripheralDeviceBuilder(imuAddress).WithService("180f").Build()
	radio := testutils.NewRadioBuilder().WithLinks(imuAddress, good, bad).Build()
	m := s.newManager(radio)

	_, err := m.Connect(context.Background(), imuAddress)
	s.Require().NoError(err)

	good.Drop()
	s.waitState(m, link.Failed)

	s.False(m.Session().Err.Retryable)
	radio.AssertNumberOfCalls(s.T(), "Dial", 2)
}

func (s *ManagerTestSuite) TestDisconnectFromAnyState() {
	peripheral := testutils.NewIMUPeripheral(imuAddress).Build()
	radio := testutils.NewRadioBuilder().WithLinks(imuAddress, peripheral).Build()
	m := s.newManager(radio)

	s.Run("already disconnected", func() {
		s.NoError(m.Disconnect())
		s.Equal(link.Disconnected, m.State())
		s.Empty(s.drainStates(m), "MUST not publish a self transition")
	})

	s.Run("scanning", func() {
		s.Require().NoError(m.StartScan(context.Background()))
		s.NoError(m.Disconnect())
		s.Equal(link.Disconnected, m.State())
		s.drainStates(m)
	})

	s.Run("subscribed", func() {
		_, err := m.Connect(context.Background(), imuAddress)
		s.Require().NoError(err)
		s.NoError(m.Disconnect())
		s.Equal(link.Disconnected, m.State())
		s.Equal(1, peripheral.Closes(), "MUST close the link")

		time.Sleep(20 * time.Millisecond)
		s.Equal(link.Disconnected, m.State(), "MUST not reconnect after an explicit disconnect")
		radio.AssertNumberOfCalls(s.T(), "Dial", 1)
	})
}

func (s *ManagerTestSuite) TestDisconnectLogsCloseError() {
	// GOAL: Verify disconnect always succeeds and only logs a link that fails to close
	//
	// TEST SCENARIO: Close returns an HCI error → Disconnect returns nil, warning logged, state Disconnected

	peripheral := testutils.NewIMUPeripheral(imuAddress).WithCloseError(errors.New("hci: command disallowed")).Build()
	radio := testutils.NewRadioBuilder().WithLinks(imuAddress, peripheral).Build()
	logger, hook := test.NewNullLogger()
	m := s.newManager(radio, func(o *link.Options) { o.Logger = logger })

	_, err := m.Connect(context.Background(), imuAddress)
	s.Require().NoError(err)

	s.NoError(m.Disconnect(), "disconnect MUST always succeed")
	s.Equal(link.Disconnected, m.State(), "MUST end Disconnected even when close fails")

	entry := hook.LastEntry()
	s.Require().NotNil(entry)
	s.Equal(logrus.WarnLevel, entry.Level)
	s.Equal("Device disconnected with errors", entry.Message)
	s.ErrorContains(entry.Data["error"].(error), "command disallowed")
}

func (s *ManagerTestSuite) TestTimestampsSurviveClockStepBack() {
	// GOAL: Verify a wall clock stepping backwards does not make samples go out of order
	//
	// TEST SCENARIO: Clock jumps back an hour between notifications → both samples kept, stamps non-decreasing

	var step atomic.Int64
	wall := func() time.Time {
		return time.UnixMilli(1_700_000_000_000 + step.Load())
	}
	peripheral := testutils.NewIMUPeripheral(imuAddress).Build()
	radio := testutils.NewRadioBuilder().WithLinks(imuAddress, peripheral).Build()
	m := s.newManager(radio, func(o *link.Options) { o.Clock = wall })

	_, err := m.Connect(context.Background(), imuAddress)
	s.Require().NoError(err)

	step.Store(10)
	s.Require().True(peripheral.Notify(csvPacket(1)))
	step.Store(-time.Hour.Milliseconds())
	s.Require().True(peripheral.Notify(csvPacket(2)))

	batch := s.buffer.Snapshot()
	s.Require().Equal(2, batch.Len(), "MUST keep samples stamped after a clock step")
	s.Zero(batch.Rejected, "MUST NOT reject samples after a clock step")
	s.EqualValues(1_700_000_000_010, batch.Samples[0].Timestamp)
	s.LessOrEqual(batch.Samples[0].Timestamp, batch.Samples[1].Timestamp)
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
