// Package emitter schedules emitters: bots that speak first on a cron or
// interval trigger. A firing emitter does not run the graph itself; it
// appends an "emitter" message to the user-originated stream so the
// message takes the same consumer path as chat traffic.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/metric"
	"github.com/carbonfay/DBCV-sub000/types"
)

// Publisher appends a payload to the user-originated stream.
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// Source lists the stored emitters.
type Source interface {
	Emitters(ctx context.Context) ([]*types.Emitter, error)
}

// ProcessFunc handles one raw message, normally engine.Dispatcher.Process.
type ProcessFunc func(ctx context.Context, raw []byte) error

// Deps are the scheduler's collaborators. Publisher is required.
type Deps struct {
	Publisher Publisher
	Process   ProcessFunc
	Location  *time.Location
	// Parallelism bounds ProcessBatch. Defaults to 8.
	Parallelism int
	// FireTimeout bounds one publish. Defaults to 10s.
	FireTimeout time.Duration

	Metrics *metric.Metrics
	Logger  *slog.Logger
}

// JobID is the stable scheduler key of an emitter.
func JobID(emitterID string) string { return "emitter:" + emitterID }

// JobInfo describes one scheduled emitter.
type JobInfo struct {
	ID        string
	EmitterID string
	Paused    bool
	Next      time.Time
}

type job struct {
	emitter  *types.Emitter
	schedule cron.Schedule
	entry    cron.EntryID
	paused   bool
}

// Scheduler owns the emitter jobs.
type Scheduler struct {
	cron        *cron.Cron
	publisher   Publisher
	process     ProcessFunc
	loc         *time.Location
	parallelism int
	fireTimeout time.Duration
	metrics     *metric.Metrics
	logger      *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
	base context.Context
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(deps Deps) (*Scheduler, error) {
	if deps.Publisher == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Scheduler", "NewScheduler", "check publisher")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "emitter")
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	if deps.Parallelism <= 0 {
		deps.Parallelism = 8
	}
	if deps.FireTimeout <= 0 {
		deps.FireTimeout = 10 * time.Second
	}

	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		publisher:   deps.Publisher,
		process:     deps.Process,
		loc:         loc,
		parallelism: deps.Parallelism,
		fireTimeout: deps.FireTimeout,
		metrics:     deps.Metrics,
		logger:      logger,
		jobs:        make(map[string]*job),
		base:        context.Background(),
	}, nil
}

// Load schedules every stored emitter. Disabled emitters are kept paused.
// Emitters with bad triggers are logged and skipped.
func (s *Scheduler) Load(ctx context.Context, src Source) (int, error) {
	emitters, err := src.Emitters(ctx)
	if err != nil {
		return 0, errors.WrapTransient(err, "Scheduler", "Load", "list emitters")
	}
	n := 0
	for _, e := range emitters {
		if err := s.Modify(e); err != nil {
			s.logger.Warn("Emitter not scheduled", "emitter", e.ID, "error", err)
			continue
		}
		n++
	}
	s.logger.Info("Emitters loaded", "scheduled", n, "total", len(emitters))
	return n, nil
}

// Start runs the cron loop. Fired jobs publish with contexts derived from
// ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = context.WithoutCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
}

// Stop halts the cron loop and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Scheduler", "Stop", "wait for jobs")
	}
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}

// Add schedules a new emitter. Adding an existing ID is an error.
func (s *Scheduler) Add(e *types.Emitter) error {
	if e == nil || e.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Scheduler", "Add", "check emitter")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[JobID(e.ID)]; ok {
		return errors.WrapInvalid(fmt.Errorf("job %s already exists", JobID(e.ID)), "Scheduler", "Add", "check job")
	}
	return s.put(e)
}

// Modify replaces an emitter's definition and trigger, adding it when new.
// Enabled decides whether the job runs.
func (s *Scheduler) Modify(e *types.Emitter) error {
	if e == nil || e.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Scheduler", "Modify", "check emitter")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[JobID(e.ID)]; ok && !old.paused {
		s.cron.Remove(old.entry)
	}
	return s.put(e)
}

// put must be called with mu held.
func (s *Scheduler) put(e *types.Emitter) error {
	sched, err := Schedule(e.Trigger, s.loc)
	if err != nil {
		delete(s.jobs, JobID(e.ID))
		return errors.WrapInvalid(err, "Scheduler", "put", "parse trigger of "+e.ID)
	}
	cp := *e
	j := &job{emitter: &cp, schedule: sched, paused: !e.Enabled}
	if !j.paused {
		j.entry = s.cron.Schedule(sched, s.jobFunc(e.ID))
	}
	s.jobs[JobID(e.ID)] = j
	return nil
}

// Remove deletes an emitter's job.
func (s *Scheduler) Remove(emitterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[JobID(emitterID)]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: job %s", errors.ErrKeyNotFound, JobID(emitterID)), "Scheduler", "Remove", "find job")
	}
	if !j.paused {
		s.cron.Remove(j.entry)
	}
	delete(s.jobs, JobID(emitterID))
	return nil
}

// Pause stops an emitter from firing and keeps its definition.
func (s *Scheduler) Pause(emitterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[JobID(emitterID)]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: job %s", errors.ErrKeyNotFound, JobID(emitterID)), "Scheduler", "Pause", "find job")
	}
	if j.paused {
		return nil
	}
	s.cron.Remove(j.entry)
	j.paused = true
	j.emitter.Enabled = false
	return nil
}

// Resume re-enables a paused emitter.
func (s *Scheduler) Resume(emitterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[JobID(emitterID)]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: job %s", errors.ErrKeyNotFound, JobID(emitterID)), "Scheduler", "Resume", "find job")
	}
	if !j.paused {
		return nil
	}
	j.entry = s.cron.Schedule(j.schedule, s.jobFunc(emitterID))
	j.paused = false
	j.emitter.Enabled = true
	return nil
}

// Jobs lists the scheduled emitters ordered by job ID.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for id, j := range s.jobs {
		info := JobInfo{ID: id, EmitterID: j.emitter.ID, Paused: j.paused}
		if !j.paused {
			info.Next = s.cron.Entry(j.entry).Next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (s *Scheduler) jobFunc(emitterID string) cron.FuncJob {
	return func() { s.fire(emitterID) }
}

// fire publishes the emitter's message for one trigger.
func (s *Scheduler) fire(emitterID string) {
	s.mu.Lock()
	j, ok := s.jobs[JobID(emitterID)]
	var e types.Emitter
	if ok {
		e = *j.emitter
	}
	base := s.base
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(base, s.fireTimeout)
	defer cancel()

	msg := Message(&e, time.Now())
	if _, err := s.publisher.Publish(ctx, msg); err != nil {
		s.metrics.RecordEmitterFire("error")
		s.metrics.RecordError("emitter", errors.Classify(err).String())
		s.logger.Warn("Emitter publish failed", "emitter", e.ID, "error", err)
		return
	}
	s.metrics.RecordEmitterFire("ok")
	s.logger.Debug("Emitter fired", "emitter", e.ID, "bot", e.BotID, "channel", e.ChannelID)
}

// Message is the stream payload an emitter produces.
func Message(e *types.Emitter, at time.Time) *types.IncomingMessage {
	return &types.IncomingMessage{
		ID:        uuid.NewString(),
		Type:      types.MessageTypeEmitter,
		BotID:     e.BotID,
		ChannelID: e.ChannelID,
		UserID:    e.UserID,
		Text:      e.Text,
		Params:    e.Params,
		Event:     e.Name,
		CreatedAt: at.UTC(),
	}
}

// PublishEvent appends a synthetic emitter message named name to the
// user-originated stream. payload may carry bot_id, channel_id, user_id,
// text and params; channel_id is required.
func (s *Scheduler) PublishEvent(ctx context.Context, name string, payload map[string]any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.WrapInvalid(err, "Scheduler", "PublishEvent", "encode payload")
	}
	var msg types.IncomingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", errors.WrapInvalid(errors.Join(errors.ErrInvalidMessage, err), "Scheduler", "PublishEvent", "decode payload")
	}
	if msg.ChannelID == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidMessage, "Scheduler", "PublishEvent", "check channel")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Type = types.MessageTypeEmitter
	msg.Event = name
	msg.CreatedAt = time.Now().UTC()

	id, err := s.publisher.Publish(ctx, &msg)
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordEmitterFire(status)
	return id, err
}

// ProcessBatch runs messages through the process function with bounded
// parallelism. Every message is attempted; the returned error joins the
// failures.
func (s *Scheduler) ProcessBatch(ctx context.Context, msgs [][]byte) error {
	if s.process == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Scheduler", "ProcessBatch", "check process function")
	}
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, raw := range msgs {
		i, raw := i, raw
		g.Go(func() error {
			if err := s.process(gctx, raw); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("message %d: %w", i, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// cronLogger routes cron's logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
