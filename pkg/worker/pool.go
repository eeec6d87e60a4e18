// Package worker provides a generic bounded worker pool. The stream consumer
// uses it to process a batch of messages with a fixed degree of parallelism.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/carbonfay/DBCV-sub000/metric"
)

// Pool runs processor over submitted items using a fixed number of workers.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error
	onPanic   func(T, any)

	workChan chan T
	quit     chan struct{}
	metrics  *poolMetrics
	wg       sync.WaitGroup

	// sendMu guards workChan against close while a sender is active.
	sendMu      sync.RWMutex
	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	quitOnce    sync.Once

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
	busy      atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	busy           prometheus.Gauge
	processed      *prometheus.CounterVec
	processingTime prometheus.Histogram
}

// Option configures the pool.
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics under prefix.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithPanicHandler is called with the item and recovered value when the
// processor panics. The worker keeps running.
func WithPanicHandler[T any](fn func(item T, recovered any)) Option[T] {
	return func(p *Pool[T]) {
		p.onPanic = fn
	}
}

// NewPool creates a pool. Non-positive sizes fall back to 10 workers and a
// queue of 100.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metricsRegistry != nil && p.metricsPrefix != "" {
		p.initializeMetrics()
	}
	return p
}

func (p *Pool[T]) initializeMetrics() {
	labels := prometheus.Labels{"pool": p.metricsPrefix}
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "worker_pool", Name: "queue_depth",
			Help: "Items waiting for a worker", ConstLabels: labels,
		}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "worker_pool", Name: "busy_workers",
			Help: "Workers currently running the processor", ConstLabels: labels,
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "worker_pool", Name: "processed_total",
			Help: "Items processed by outcome", ConstLabels: labels,
		}, []string{"status"}),
		processingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace, Subsystem: "worker_pool", Name: "processing_duration_seconds",
			Help: "Processor latency", ConstLabels: labels,
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
	}

	const service = "worker_pool"
	if err := p.metricsRegistry.RegisterGauge(service, p.metricsPrefix+"_queue_depth", m.queueDepth); err != nil {
		return
	}
	_ = p.metricsRegistry.RegisterGauge(service, p.metricsPrefix+"_busy", m.busy)
	_ = p.metricsRegistry.RegisterCounterVec(service, p.metricsPrefix+"_processed", m.processed)
	_ = p.metricsRegistry.RegisterHistogram(service, p.metricsPrefix+"_duration", m.processingTime)
	p.metrics = m
}

// Start launches the workers. Workers exit when ctx is done or Stop drains
// the queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// Submit enqueues work, blocking while the queue is full. It returns early
// when ctx is done or the pool is stopping.
func (p *Pool[T]) Submit(ctx context.Context, work T) error {
	if err := p.ready(); err != nil {
		return err
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.quit:
		return ErrPoolStopped
	default:
	}

	select {
	case p.workChan <- work:
		p.accepted()
		return nil
	case <-p.quit:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit enqueues work without blocking and returns ErrQueueFull when the
// queue has no room.
func (p *Pool[T]) TrySubmit(work T) error {
	if err := p.ready(); err != nil {
		return err
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.quit:
		return ErrPoolStopped
	default:
	}

	select {
	case p.workChan <- work:
		p.accepted()
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

func (p *Pool[T]) ready() error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	return nil
}

func (p *Pool[T]) accepted() {
	p.submitted.Add(1)
	if p.metrics != nil {
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}

// Stop refuses new work, lets workers drain the queue, and waits up to timeout.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	p.lifecycleMu.Unlock()

	p.quitOnce.Do(func() { close(p.quit) })

	p.sendMu.Lock()
	close(p.workChan)
	p.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns a snapshot of pool counters.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Busy:       p.busy.Load(),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
		Panics:     p.panics.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Busy       int64 `json:"busy"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Panics     int64 `json:"panics"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			p.run(ctx, work)
		}
	}
}

func (p *Pool[T]) run(ctx context.Context, work T) {
	p.busy.Add(1)
	start := time.Now()
	err := p.safeProcess(ctx, work)
	elapsed := time.Since(start)
	p.busy.Add(-1)

	p.processed.Add(1)
	status := "success"
	if err != nil {
		p.failed.Add(1)
		status = "error"
	}

	if p.metrics != nil {
		p.metrics.processed.WithLabelValues(status).Inc()
		p.metrics.processingTime.Observe(elapsed.Seconds())
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
		p.metrics.busy.Set(float64(p.busy.Load()))
	}
}

func (p *Pool[T]) safeProcess(ctx context.Context, work T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			if p.onPanic != nil {
				p.onPanic(work, r)
			}
			err = fmt.Errorf("worker: processor panic: %v", r)
		}
	}()
	return p.processor(ctx, work)
}
