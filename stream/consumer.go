package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/metric"
	"github.com/carbonfay/DBCV-sub000/pkg/retry"
	"github.com/carbonfay/DBCV-sub000/pkg/worker"
)

// Handler processes one entry payload. Errors are logged; the entry is
// acknowledged either way.
type Handler func(ctx context.Context, data []byte) error

// Deps holds the consumer's runtime dependencies.
type Deps struct {
	Client  redis.UniversalClient
	Config  Config
	Role    string
	Handler Handler

	Metrics         *metric.Metrics
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

type entry struct {
	id      string
	data    []byte
	claimed bool
}

// Consumer reads one stream under a consumer group.
type Consumer struct {
	client  redis.UniversalClient
	cfg     Config
	role    string
	handler Handler
	metrics *metric.Metrics
	logger  *slog.Logger

	pool     *worker.Pool[entry]
	producer *Producer
	retry    retry.Config

	mu       sync.Mutex
	running  atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup

	processed atomic.Int64
	claimed   atomic.Int64
}

// NewConsumer creates a consumer. Client, Handler and the stream and group
// names are required.
func NewConsumer(deps Deps) (*Consumer, error) {
	if deps.Client == nil || deps.Handler == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Consumer", "NewConsumer", "check dependencies")
	}
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	cfg := deps.Config.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	role := deps.Role
	if role == "" {
		role = cfg.Stream
	}

	c := &Consumer{
		client:   deps.Client,
		cfg:      cfg,
		role:     role,
		handler:  deps.Handler,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "stream-consumer", "stream", cfg.Stream, "consumer", cfg.Consumer),
		producer: NewProducer(deps.Client, cfg.Stream, cfg.MaxLen),
		retry:    errors.DefaultRetryConfig().ToRetryConfig(),
	}
	c.pool = worker.NewPool[entry](cfg.Workers, cfg.QueueSize, c.process,
		worker.WithMetricsRegistry[entry](deps.MetricsRegistry, "stream_"+role),
		worker.WithPanicHandler[entry](func(e entry, r any) {
			c.logger.Error("Stream worker panicked", "entry", e.id, "panic", r)
		}),
	)
	return c, nil
}

// Name returns the consumer identity within the group.
func (c *Consumer) Name() string { return c.cfg.Consumer }

// Config returns the effective configuration.
func (c *Consumer) Config() Config { return c.cfg }

// Start publishes the init marker, creates the group and starts the read
// and reclaim loops. Calling Start on a running consumer is a no-op.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running.Load() {
		return nil
	}

	err := retry.Do(ctx, c.retry, func() error {
		if _, err := c.producer.PublishRaw(ctx, InitMarker); err != nil {
			return err
		}
		return c.ensureGroup(ctx)
	})
	if err != nil {
		return errors.WrapTransient(err, "Consumer", "Start", "prepare stream")
	}

	// Workers drain queued entries on Stop even after ctx is cancelled.
	if err := c.pool.Start(context.WithoutCancel(ctx)); err != nil {
		return errors.WrapFatal(err, "Consumer", "Start", "start workers")
	}

	c.shutdown = make(chan struct{})
	c.running.Store(true)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.claimLoop(ctx)
	}()

	c.logger.Info("Stream consumer started", "group", c.cfg.Group, "workers", c.cfg.Workers,
		"batch_size", c.cfg.BatchSize, "min_idle", c.cfg.MinIdle)
	return nil
}

// Stop ends the loops and waits up to timeout for in-flight entries.
func (c *Consumer) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running.Load() {
		c.mu.Unlock()
		return nil
	}
	c.running.Store(false)
	close(c.shutdown)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout), "Consumer", "Stop", "wait for loops")
	}

	if err := c.pool.Stop(timeout); err != nil {
		return errors.WrapTransient(err, "Consumer", "Stop", "drain workers")
	}
	c.logger.Info("Stream consumer stopped", "processed", c.processed.Load(), "claimed", c.claimed.Load())
	return nil
}

// Run starts the consumer and blocks until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Stop(30 * time.Second)
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (c *Consumer) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.shutdown:
		return true
	default:
		return false
	}
}

// pause waits d or until the consumer stops. It reports whether to go on.
func (c *Consumer) pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.shutdown:
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) readLoop(ctx context.Context) {
	for !c.stopping(ctx) {
		n, err := c.readBatch(ctx)
		switch {
		case err != nil:
			if c.stopping(ctx) {
				return
			}
			c.metrics.RecordError("stream", errors.Classify(err).String())
			c.logger.Warn("Stream read failed", "error", err)
			if !c.pause(ctx, time.Second) {
				return
			}
		case n == 0 && c.cfg.Block < 0:
			if !c.pause(ctx, 50*time.Millisecond) {
				return
			}
		}
	}
}

// readBatch reads up to BatchSize new entries and queues them.
func (c *Consumer) readBatch(ctx context.Context) (int, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    int64(c.cfg.BatchSize),
		Block:    c.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			if gerr := c.ensureGroup(ctx); gerr != nil {
				return 0, errors.WrapTransient(gerr, "Consumer", "readBatch", "recreate group")
			}
		}
		return 0, errors.WrapTransient(err, "Consumer", "readBatch", "xreadgroup")
	}

	n := 0
	for _, s := range streams {
		c.metrics.RecordReceived(c.role, len(s.Messages))
		for _, m := range s.Messages {
			if err := c.pool.Submit(ctx, toEntry(m, false)); err != nil {
				return n, errors.WrapTransient(err, "Consumer", "readBatch", "queue entry")
			}
			n++
		}
	}
	return n, nil
}

func (c *Consumer) claimLoop(ctx context.Context) {
	for c.pause(ctx, c.cfg.ClaimInterval) {
		if _, err := c.reclaim(ctx); err != nil && !c.stopping(ctx) {
			c.metrics.RecordError("stream", errors.Classify(err).String())
			c.logger.Warn("Reclaiming pending entries failed", "error", err)
		}
	}
}

// reclaim claims entries other consumers left pending longer than MinIdle
// and queues them. It returns how many were claimed.
func (c *Consumer) reclaim(ctx context.Context) (int, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  c.cfg.ClaimBatch,
	}).Result()
	if err != nil {
		return 0, errors.WrapTransient(err, "Consumer", "reclaim", "xpending")
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		// Entries held by this consumer are still in flight here.
		if p.Consumer == c.cfg.Consumer || p.Idle < c.cfg.MinIdle {
			continue
		}
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	msgs, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.MinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return 0, errors.WrapTransient(err, "Consumer", "reclaim", "xclaim")
	}

	c.metrics.RecordClaims(c.cfg.Stream, len(msgs))
	c.claimed.Add(int64(len(msgs)))
	c.logger.Info("Reclaimed idle entries", "count", len(msgs))

	for i, m := range msgs {
		if err := c.pool.Submit(ctx, toEntry(m, true)); err != nil {
			return i, errors.WrapTransient(err, "Consumer", "reclaim", "queue entry")
		}
	}
	return len(msgs), nil
}

func toEntry(m redis.XMessage, claimed bool) entry {
	e := entry{id: m.ID, claimed: claimed}
	switch v := m.Values[Field].(type) {
	case string:
		e.data = []byte(v)
	case []byte:
		e.data = v
	}
	return e
}

// process runs the handler and always acknowledges the entry.
func (c *Consumer) process(ctx context.Context, e entry) error {
	start := time.Now()
	defer c.ack(ctx, e)

	if e.data == nil {
		c.logger.Warn("Stream entry has no payload, dropping", "entry", e.id)
		c.metrics.RecordProcessed(c.role, "invalid", time.Since(start))
		return nil
	}

	if err := c.handle(ctx, e); err != nil {
		c.metrics.RecordError("stream", errors.Classify(err).String())
		c.logger.Warn("Stream handler failed", "entry", e.id, "claimed", e.claimed, "error", err)
	}
	c.processed.Add(1)
	return nil
}

func (c *Consumer) handle(ctx context.Context, e entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, e.data)
}

func (c *Consumer) ack(ctx context.Context, e entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, e.id).Err(); err != nil {
		c.logger.Warn("Ack failed, entry will be reclaimed", "entry", e.id, "error", err)
		return
	}
	c.metrics.RecordAck(c.cfg.Stream)
}
