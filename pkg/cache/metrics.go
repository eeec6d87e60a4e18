package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/carbonfay/DBCV-sub000/metric"
)

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	sets      prometheus.Counter
	deletes   prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        name,
			ConstLabels: prometheus.Labels{"cache": prefix},
			Help:        help,
		})
	}

	m := &cacheMetrics{
		hits:      counter("hits_total", "Total number of cache hits"),
		misses:    counter("misses_total", "Total number of cache misses"),
		sets:      counter("sets_total", "Total number of cache set operations"),
		deletes:   counter("deletes_total", "Total number of cache delete operations"),
		evictions: counter("evictions_total", "Total number of evictions and expiries"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: prometheus.Labels{"cache": prefix},
			Help:        "Current number of entries in cache",
		}),
	}

	for name, c := range map[string]prometheus.Counter{
		"cache_hits":      m.hits,
		"cache_misses":    m.misses,
		"cache_sets":      m.sets,
		"cache_deletes":   m.deletes,
		"cache_evictions": m.evictions,
	} {
		if err := registry.RegisterCounter(prefix, name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(prefix, "cache_size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

// observer fans events out to the statistics and, when enabled, the metrics.
type observer struct {
	stats   *Statistics
	metrics *cacheMetrics
}

func (o observer) hit() {
	o.stats.hit()
	if o.metrics != nil {
		o.metrics.hits.Inc()
	}
}

func (o observer) miss() {
	o.stats.miss()
	if o.metrics != nil {
		o.metrics.misses.Inc()
	}
}

func (o observer) set(size int) {
	o.stats.set()
	o.size(size)
	if o.metrics != nil {
		o.metrics.sets.Inc()
	}
}

func (o observer) delete(size int) {
	o.stats.delete()
	o.size(size)
	if o.metrics != nil {
		o.metrics.deletes.Inc()
	}
}

func (o observer) evict(n, size int) {
	for i := 0; i < n; i++ {
		o.stats.eviction()
	}
	o.size(size)
	if o.metrics != nil {
		o.metrics.evictions.Add(float64(n))
	}
}

func (o observer) size(size int) {
	o.stats.updateSize(size)
	if o.metrics != nil {
		o.metrics.size.Set(float64(size))
	}
}

func newObserver[V any](opts *cacheOptions[V], constructor string) (observer, error) {
	o := observer{stats: NewStatistics()}
	if opts.metricsReg == nil {
		return o, nil
	}
	m, err := newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
	if err != nil {
		return o, wrapMetricsErr(err, constructor)
	}
	o.metrics = m
	return o, nil
}
