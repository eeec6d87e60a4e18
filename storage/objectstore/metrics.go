package objectstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/carbonfay/DBCV-sub000/metric"
)

// storeMetrics holds Prometheus metrics for bucket operations.
type storeMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	errors     *prometheus.CounterVec
	bytes      *prometheus.CounterVec
}

// newStoreMetrics registers the metrics. A nil registry disables them.
func newStoreMetrics(registry *metric.MetricsRegistry, bucket string) (*storeMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"bucket": bucket}
	m := &storeMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "objectstore",
			Name:        "operations_total",
			Help:        "Bucket operations by kind",
			ConstLabels: labels,
		}, []string{"operation"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "objectstore",
			Name:        "operation_duration_seconds",
			Help:        "Bucket operation duration in seconds",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "objectstore",
			Name:        "operation_errors_total",
			Help:        "Failed bucket operations",
			ConstLabels: labels,
		}, []string{"operation"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "objectstore",
			Name:        "bytes_total",
			Help:        "Bytes moved by direction",
			ConstLabels: labels,
		}, []string{"direction"}),
	}

	service := "objectstore_" + bucket
	if err := registry.RegisterCounterVec(service, "operations", m.operations); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec(service, "latency", m.latency); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "errors", m.errors); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "bytes", m.bytes); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *storeMetrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op).Inc()
	m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.errors.WithLabelValues(op).Inc()
	}
}

func (m *storeMetrics) transferred(direction string, n int) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues(direction).Add(float64(n))
}
