// Package metrics exposes prometheus collectors for the capture pipeline.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kinetic"

// Metrics groups the collectors updated by the link manager, the telemetry
// path and the submission pipeline.
type Metrics struct {
	notifications   prometheus.Counter
	decodeFailures  prometheus.Counter
	samplesRejected prometheus.Counter
	samplesEvicted  prometheus.Counter
	transitions     *prometheus.CounterVec
	reconnects      prometheus.Counter
	attempts        prometheus.Counter
	outcomes        *prometheus.CounterVec
	bufferSamples   prometheus.Gauge
}

// New creates the collectors and registers them on reg.
// A nil reg falls back to prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications received from the subscribed characteristic.",
		}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Notification payloads that could not be decoded.",
		}),
		samplesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_rejected_total",
			Help:      "Samples dropped because their timestamp went backwards.",
		}),
		samplesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_evicted_total",
			Help:      "Samples evicted from a full capture buffer.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_reconnect_attempts_total",
			Help:      "Re-dial attempts after a link drop.",
		}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submission_attempts_total",
			Help:      "Requests sent to the minting endpoint.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submission_outcomes_total",
			Help:      "Final submission outcomes by kind.",
		}, []string{"kind"}),
		bufferSamples: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_samples",
			Help:      "Samples currently held in the capture buffer.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.notifications, m.decodeFailures, m.samplesRejected, m.samplesEvicted,
		m.transitions, m.reconnects, m.attempts, m.outcomes, m.bufferSamples,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) NotificationReceived() {
	if m != nil {
		m.notifications.Inc()
	}
}

func (m *Metrics) DecodeFailed() {
	if m != nil {
		m.decodeFailures.Inc()
	}
}

func (m *Metrics) SampleRejected() {
	if m != nil {
		m.samplesRejected.Inc()
	}
}

func (m *Metrics) SamplesEvicted(n int) {
	if m != nil && n > 0 {
		m.samplesEvicted.Add(float64(n))
	}
}

func (m *Metrics) StateChanged(state string) {
	if m != nil {
		m.transitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) ReconnectAttempted() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) SubmissionAttempted() {
	if m != nil {
		m.attempts.Inc()
	}
}

// SubmissionFinished records one final outcome; kind is "success" or the failure kind.
func (m *Metrics) SubmissionFinished(kind string) {
	if m != nil {
		m.outcomes.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetBufferSamples(n int) {
	if m != nil {
		m.bufferSamples.Set(float64(n))
	}
}
