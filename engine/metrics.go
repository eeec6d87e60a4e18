package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/carbonfay/DBCV-sub000/metric"
)

// executorMetrics holds Prometheus metrics for graph execution.
type executorMetrics struct {
	executions *prometheus.CounterVec // outcome: transitioned, stayed, failed
	hops       prometheus.Histogram
	emitted    prometheus.Counter
	limits     *prometheus.CounterVec // limit: hops, template_depth, template_cycle
}

// newExecutorMetrics registers executor metrics. A nil registry disables them.
func newExecutorMetrics(registry *metric.MetricsRegistry) (*executorMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &executorMetrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Graph executions by outcome",
		}, []string{"outcome"}),

		hops: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "executor",
			Name:      "hops",
			Help:      "Steps arrived at per execution",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),

		emitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "executor",
			Name:      "messages_emitted_total",
			Help:      "Step messages rendered and sent",
		}),

		limits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "executor",
			Name:      "limits_hit_total",
			Help:      "Executions stopped by a traversal limit",
		}, []string{"limit"}),
	}

	if err := registry.RegisterCounterVec("executor", "executions", m.executions); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("executor", "hops", m.hops); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("executor", "emitted", m.emitted); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("executor", "limits", m.limits); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *executorMetrics) recordExecution(outcome string, hops int) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(outcome).Inc()
	m.hops.Observe(float64(hops))
}

func (m *executorMetrics) recordEmitted() {
	if m != nil {
		m.emitted.Inc()
	}
}

func (m *executorMetrics) recordLimit(limit string) {
	if m != nil {
		m.limits.WithLabelValues(limit).Inc()
	}
}
