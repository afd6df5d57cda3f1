package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.NotificationReceived()
	m.NotificationReceived()
	m.DecodeFailed()
	m.SampleRejected()
	m.SamplesEvicted(3)
	m.SamplesEvicted(0)
	m.StateChanged("Subscribed")
	m.StateChanged("Subscribed")
	m.StateChanged("Reconnecting")
	m.ReconnectAttempted()
	m.SubmissionAttempted()
	m.SubmissionFinished("success")
	m.SetBufferSamples(34)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.notifications))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.samplesRejected))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.samplesEvicted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("Subscribed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("Reconnecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("success")))
	assert.Equal(t, 34.0, testutil.ToFloat64(m.bufferSamples))
}

func TestMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err, "MUST refuse to register the same collectors twice")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.NotificationReceived()
		m.DecodeFailed()
		m.SampleRejected()
		m.SamplesEvicted(1)
		m.StateChanged("Failed")
		m.ReconnectAttempted()
		m.SubmissionAttempted()
		m.SubmissionFinished("transport")
		m.SetBufferSamples(1)
	})
}

func TestServerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.DecodeFailed()

	srv, err := Listen("127.0.0.1:0", reg, nil)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		assert.NoError(t, <-done)
	})

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "kinetic_decode_failures_total 1")

	health, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
