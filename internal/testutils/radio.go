//go:build test

package testutils

import (
	"context"
	"sync"

	"github.com/srg/kinetic/internal/device"
	"github.com/stretchr/testify/mock"
)

// DialFunc produces the result of one Dial call.
type DialFunc func(ctx context.Context, address string) (device.Link, error)

// MockRadio is a testify mock of device.Radio.
//
// Dial expectations may return a DialFunc as the first value to compute the
// result per call.
type MockRadio struct {
	mock.Mock
}

func (r *MockRadio) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	args := r.Called(ctx, handler)
	return args.Error(0)
}

func (r *MockRadio) Dial(ctx context.Context, address string) (device.Link, error) {
	args := r.Called(ctx, address)
	if fn, ok := args.Get(0).(DialFunc); ok {
		return fn(ctx, address)
	}
	link, _ := args.Get(0).(device.Link)
	return link, args.Error(1)
}

// RadioBuilder configures a MockRadio.
//
//	radio := testutils.NewRadioBuilder().
//	    WithAdvertisements(adv1, adv2).
//	    WithLinks(addr, link1, link2).
//	    Build()
type RadioBuilder struct {
	ads      []device.Advertisement
	scanErr  error
	keepScan bool
	dials    []dialStep
}

type dialStep struct {
	address string
	fn      DialFunc
}

// NewRadioBuilder creates a builder whose scan reports nothing and blocks until cancelled.
func NewRadioBuilder() *RadioBuilder {
	return &RadioBuilder{keepScan: true}
}

// WithAdvertisements sets the sightings reported by every Scan.
func (b *RadioBuilder) WithAdvertisements(ads ...device.Advertisement) *RadioBuilder {
	b.ads = append(b.ads, ads...)
	return b
}

// WithScanError makes Scan return err right after reporting the advertisements.
func (b *RadioBuilder) WithScanError(err error) *RadioBuilder {
	b.scanErr = err
	b.keepScan = false
	return b
}

// WithFiniteScan makes Scan return nil after reporting the advertisements.
func (b *RadioBuilder) WithFiniteScan() *RadioBuilder {
	b.keepScan = false
	return b
}

// WithLinks queues successful dials to address, one per link, in order.
func (b *RadioBuilder) WithLinks(address string, links ...*FakeLink) *RadioBuilder {
	for _, l := range links {
		link := l
		b.dials = append(b.dials, dialStep{address: address, fn: func(context.Context, string) (device.Link, error) {
			return link, nil
		}})
	}
	return b
}

// WithDialError queues a failing dial.
func (b *RadioBuilder) WithDialError(address string, err error) *RadioBuilder {
	b.dials = append(b.dials, dialStep{address: address, fn: func(context.Context, string) (device.Link, error) {
		return nil, err
	}})
	return b
}

// WithBlockingDial queues a dial that waits for release to close (then returns
// link) or for its context to end.
func (b *RadioBuilder) WithBlockingDial(address string, release <-chan struct{}, link *FakeLink) *RadioBuilder {
	b.dials = append(b.dials, dialStep{address: address, fn: func(ctx context.Context, _ string) (device.Link, error) {
		select {
		case <-release:
			return link, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}})
	return b
}

// Build creates the mock with all expectations registered.
func (b *RadioBuilder) Build() *MockRadio {
	r := &MockRadio{}

	ads := append([]device.Advertisement(nil), b.ads...)
	scanErr, keep := b.scanErr, b.keepScan
	r.On("Scan", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		handler := args.Get(1).(func(device.Advertisement))
		for _, adv := range ads {
			handler(adv)
		}
		if keep {
			<-ctx.Done()
		}
	}).Return(scanErr).Maybe()

	// Calls matching several queued steps are served in order.
	var mu sync.Mutex
	queues := map[string][]DialFunc{}
	for _, step := range b.dials {
		queues[step.address] = append(queues[step.address], step.fn)
	}
	for address := range queues {
		addr := address
		var next DialFunc = func(ctx context.Context, a string) (device.Link, error) {
			mu.Lock()
			q := queues[addr]
			if len(q) == 0 {
				mu.Unlock()
				return nil, device.ErrNotConnected
			}
			fn := q[0]
			queues[addr] = q[1:]
			mu.Unlock()
			return fn(ctx, a)
		}
		r.On("Dial", mock.Anything, addr).Return(next, nil)
	}
	return r
}
