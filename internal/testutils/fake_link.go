//go:build test

package testutils

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/kinetic/internal/device"
)

// FakeLink is a scriptable device.Link. Notifications are injected with Notify
// and a drop is simulated with Drop.
type FakeLink struct {
	address      string
	profile      []device.Service
	discoverErr  error
	subscribeErr error
	closeErr     error

	mu         sync.Mutex
	handler    func([]byte)
	subscribed chan struct{}
	subOnce    sync.Once

	disconnected chan struct{}
	dropOnce     sync.Once
	closes       atomic.Int32
}

func newFakeLink(address string, profile []device.Service) *FakeLink {
	return &FakeLink{
		address:      address,
		profile:      profile,
		subscribed:   make(chan struct{}),
		disconnected: make(chan struct{}),
	}
}

func (l *FakeLink) Address() string { return l.address }

func (l *FakeLink) Discover(ctx context.Context) ([]device.Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.discoverErr != nil {
		return nil, l.discoverErr
	}
	return l.profile, nil
}

func (l *FakeLink) Subscribe(serviceUUID, charUUID string, handler func([]byte)) error {
	if l.subscribeErr != nil {
		return l.subscribeErr
	}
	if _, err := device.FindCharacteristic(l.profile, serviceUUID, charUUID); err != nil {
		return err
	}
	l.mu.Lock()
	l.handler = handler
	l.mu.Unlock()
	l.subOnce.Do(func() { close(l.subscribed) })
	return nil
}

func (l *FakeLink) Disconnected() <-chan struct{} {
	return l.disconnected
}

// Close counts the call and ends the link like a real disconnect would.
func (l *FakeLink) Close() error {
	l.closes.Add(1)
	l.drop()
	return l.closeErr
}

// Notify delivers payload to the subscribed handler. It reports false when
// nothing is subscribed or the link is down.
func (l *FakeLink) Notify(payload []byte) bool {
	select {
	case <-l.disconnected:
		return false
	default:
	}
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h == nil {
		return false
	}
	h(payload)
	return true
}

// Drop simulates the peripheral going out of range.
func (l *FakeLink) Drop() {
	l.drop()
}

func (l *FakeLink) drop() {
	l.dropOnce.Do(func() {
		l.mu.Lock()
		l.handler = nil
		l.mu.Unlock()
		close(l.disconnected)
	})
}

// WaitSubscribed blocks until Subscribe succeeded or timeout elapses.
func (l *FakeLink) WaitSubscribed(timeout time.Duration) bool {
	select {
	case <-l.subscribed:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Closes returns how many times Close was called.
func (l *FakeLink) Closes() int {
	return int(l.closes.Load())
}
