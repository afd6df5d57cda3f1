package link

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/srg/kinetic/internal/device"
)

// ReconnectPolicy bounds recovery after a link drop. Attempt n (from 0) waits
// InitialDelay * 2^n, capped at MaxDelay, before re-dialing.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultReconnectPolicy returns the defaults used when a field is left zero.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: time.Second,
		MaxDelay:     8 * time.Second,
		MaxAttempts:  3,
	}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	def := DefaultReconnectPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

func (p ReconnectPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts)), ctx)
}

// watch follows the current link and recovers it when it drops.
func (m *Manager) watch(ctx context.Context, gen uint64, link device.Link) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-link.Disconnected():
		}

		next, ok := m.recover(ctx, gen, link)
		if !ok {
			return
		}
		link = next
	}
}

// recover moves a dropped session through Reconnecting and re-attaches it.
// It returns the new link, or false once the session is Failed or superseded.
func (m *Manager) recover(ctx context.Context, gen uint64, dropped device.Link) (device.Link, bool) {
	address := dropped.Address()

	m.mu.Lock()
	if gen != m.gen || m.state != Subscribed {
		m.mu.Unlock()
		return nil, false
	}
	m.link = nil
	m.session.Reconnects++
	m.transition(Reconnecting, nil)
	m.mu.Unlock()

	m.logger.WithField("address", address).Warn("Link dropped, reconnecting...")
	_ = dropped.Close()

	b := m.opts.Reconnect.backOff(ctx)
	var lastErr *device.LinkError
	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		m.opts.Metrics.ReconnectAttempted()
		m.logger.WithFields(logrus.Fields{
			"address": address,
			"attempt": attempt,
			"delay":   delay,
		}).Info("Reconnect attempt")

		link, err := m.attach(ctx, gen, address, device.OpReconnect)
		if err == nil {
			if m.resume(gen, link) {
				m.logger.WithField("address", address).Info("Link recovered")
				return link, true
			}
			_ = link.Close()
			return nil, false
		}

		lastErr = device.ClassifyLinkError(device.OpReconnect, address, err)
		m.logger.WithFields(logrus.Fields{
			"address": address,
			"attempt": attempt,
			"error":   err,
		}).Warn("Reconnect attempt failed")

		if !lastErr.Retryable || !m.rewind(gen) {
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return nil, false
	}
	if lastErr == nil {
		lastErr = &device.LinkError{Op: device.OpReconnect, Address: address, Retryable: true, Err: device.ErrNotConnected}
	}
	m.fail(lastErr)
	return nil, false
}

// rewind returns a failed attempt to Reconnecting if gen is still current.
func (m *Manager) rewind(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	if m.state != Reconnecting {
		m.transition(Reconnecting, nil)
	}
	return true
}

func (m *Manager) resume(gen uint64, link device.Link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.link = link
	m.session.Err = nil
	m.session.SubscribedAt = m.opts.Clock()
	m.transition(Subscribed, nil)
	return true
}
