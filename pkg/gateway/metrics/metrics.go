package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DirectionClientToUpstream = "client_to_upstream"
	DirectionUpstreamToClient = "upstream_to_client"
)

// Metrics holds all Prometheus metrics for the relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Upstream dial metrics
	UpstreamConnectDuration *prometheus.HistogramVec

	// Frame metrics
	FramesTotal         *prometheus.CounterVec
	BytesTotal          *prometheus.CounterVec
	InvalidClientFrames prometheus.Counter

	// Admission metrics
	RejectedConnections *prometheus.CounterVec
}

// New creates a new Metrics instance with all Prometheus metrics registered
// on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tutor_relay"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active relay sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of relay sessions by end reason",
		},
		[]string{"reason"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Relay session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	upstreamConnectDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_connect_duration_seconds",
			Help:      "Time spent dialing the upstream realtime API",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"status"},
	)

	framesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total frames relayed",
		},
		[]string{"direction"},
	)

	bytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total payload bytes relayed",
		},
		[]string{"direction"},
	)

	invalidClientFrames := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_client_frames_total",
			Help:      "Client frames rejected as invalid JSON",
		},
	)

	rejectedConnections := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_connections_total",
			Help:      "Relay connections refused before upgrade",
		},
		[]string{"reason"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		upstreamConnectDuration,
		framesTotal,
		bytesTotal,
		invalidClientFrames,
		rejectedConnections,
	)

	return &Metrics{
		registry:                registry,
		SessionsActive:          sessionsActive,
		SessionsTotal:           sessionsTotal,
		SessionDuration:         sessionDuration,
		UpstreamConnectDuration: upstreamConnectDuration,
		FramesTotal:             framesTotal,
		BytesTotal:              bytesTotal,
		InvalidClientFrames:     invalidClientFrames,
		RejectedConnections:     rejectedConnections,
	}
}

// Registry exposes the private registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a new relay session starting.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a relay session ending.
func (m *Metrics) RecordSessionEnd(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordUpstreamConnect records one upstream dial attempt.
func (m *Metrics) RecordUpstreamConnect(ok bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.UpstreamConnectDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordFrame records one relayed frame.
func (m *Metrics) RecordFrame(direction string, size int) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction).Inc()
	m.BytesTotal.WithLabelValues(direction).Add(float64(size))
}

// RecordInvalidClientFrame records a client frame that failed JSON validation.
func (m *Metrics) RecordInvalidClientFrame() {
	if m == nil {
		return
	}
	m.InvalidClientFrames.Inc()
}

// RecordRejected records a connection refused before upgrade.
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.RejectedConnections.WithLabelValues(reason).Inc()
}
