// Package metric provides the Prometheus registry shared by all engine
// components plus the HTTP server exposing /metrics and /health.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric the engine exports.
const Namespace = "dbcv"

// Metrics contains engine-level metrics. Component caches and pools register
// their own collectors through MetricsRegistry.
type Metrics struct {
	MessagesReceived   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	Transitions        *prometheus.CounterVec
	HandlerDuration    *prometheus.HistogramVec
	HandlerFailures    *prometheus.CounterVec
	StreamAcks         *prometheus.CounterVec
	StreamClaims       *prometheus.CounterVec
	TokenRefreshes     *prometheus.CounterVec
	EmitterFires       *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	NATSConnected      prometheus.Gauge
}

// NewMetrics creates the engine metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Stream messages read, by stream role",
		}, []string{"role"}),

		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "messages",
			Name:      "processed_total",
			Help:      "Stream messages processed, by stream role and outcome",
		}, []string{"role", "status"}),

		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "messages",
			Name:      "duration_seconds",
			Help:      "Time from read to ack",
			Buckets:   prometheus.DefBuckets,
		}, []string{"role"}),

		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "graph",
			Name:      "transitions_total",
			Help:      "Step transitions, by origin (master, step, proxy, template)",
		}, []string{"origin"}),

		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "handler",
			Name:      "duration_seconds",
			Help:      "Connection group handler latency by search type",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"type"}),

		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "handler",
			Name:      "failures_total",
			Help:      "Handler errors swallowed into an empty context",
		}, []string{"type"}),

		StreamAcks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "acks_total",
			Help:      "Messages acknowledged",
		}, []string{"stream"}),

		StreamClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "claims_total",
			Help:      "Pending messages reclaimed from idle consumers",
		}, []string{"stream"}),

		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "auth",
			Name:      "token_refreshes_total",
			Help:      "Access token refreshes by provider and outcome",
		}, []string{"provider", "status"}),

		EmitterFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "emitter",
			Name:      "fires_total",
			Help:      "Scheduled emitter executions by outcome",
		}, []string{"status"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "errors",
			Name:      "total",
			Help:      "Errors by component and class",
		}, []string{"component", "class"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
	}
}

func (m *Metrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.MessagesReceived,
		m.MessagesProcessed,
		m.ProcessingDuration,
		m.Transitions,
		m.HandlerDuration,
		m.HandlerFailures,
		m.StreamAcks,
		m.StreamClaims,
		m.TokenRefreshes,
		m.EmitterFires,
		m.ErrorsTotal,
		m.NATSConnected,
	)
}

// RecordProcessed records the outcome and latency of one stream message.
func (m *Metrics) RecordProcessed(role, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.MessagesProcessed.WithLabelValues(role, status).Inc()
	m.ProcessingDuration.WithLabelValues(role).Observe(d.Seconds())
}

// RecordTransition counts one step transition.
func (m *Metrics) RecordTransition(origin string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(origin).Inc()
}

// RecordHandler records handler latency and whether it failed.
func (m *Metrics) RecordHandler(kind string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.HandlerDuration.WithLabelValues(kind).Observe(d.Seconds())
	if failed {
		m.HandlerFailures.WithLabelValues(kind).Inc()
	}
}

// RecordError counts an error for a component by its class name.
func (m *Metrics) RecordError(component, class string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// SetNATSConnected records the NATS connection state.
func (m *Metrics) SetNATSConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.NATSConnected.Set(1)
	} else {
		m.NATSConnected.Set(0)
	}
}

// RecordReceived counts n messages read from a stream role.
func (m *Metrics) RecordReceived(role string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MessagesReceived.WithLabelValues(role).Add(float64(n))
}

// RecordAck counts one acknowledged stream entry.
func (m *Metrics) RecordAck(stream string) {
	if m == nil {
		return
	}
	m.StreamAcks.WithLabelValues(stream).Inc()
}

// RecordClaims counts entries reclaimed from idle consumers.
func (m *Metrics) RecordClaims(stream string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StreamClaims.WithLabelValues(stream).Add(float64(n))
}

// RecordEmitterFire counts one scheduled emitter run by outcome.
func (m *Metrics) RecordEmitterFire(status string) {
	if m == nil {
		return
	}
	m.EmitterFires.WithLabelValues(status).Inc()
}
