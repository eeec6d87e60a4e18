package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/metric"
	"github.com/carbonfay/DBCV-sub000/pkg/cache"
	"github.com/carbonfay/DBCV-sub000/pkg/dotpath"
	"github.com/carbonfay/DBCV-sub000/rule"
	"github.com/carbonfay/DBCV-sub000/types"
	"github.com/carbonfay/DBCV-sub000/variables"
)

// Traversal limits.
const (
	DefaultMaxHops          = 64
	DefaultMaxTemplateDepth = 8
)

// Limit names reported in Result.Stopped.
const (
	LimitHops          = "hops"
	LimitTemplateDepth = "template_depth"
	LimitTemplateCycle = "template_cycle"
)

// Data is what the executor reads and writes through the data manager.
type Data interface {
	Bot(ctx context.Context, id string) (*types.Bot, error)
	Session(ctx context.Context, userID, botID, channelID, firstStepID string) (*types.Session, error)
	SetSessionStep(ctx context.Context, s *types.Session, stepID string) (*types.Session, error)
	Scopes(ctx context.Context, owners types.Owners) (map[types.Scope]map[string]any, error)
}

// Outbox delivers rendered step messages.
type Outbox interface {
	Send(ctx context.Context, msg *types.OutboundMessage) error
}

// Deps are the executor's collaborators. Data, Variables and Rules are
// required.
type Deps struct {
	Data      Data
	Variables *variables.Engine
	Rules     *rule.Evaluator
	Handlers  HandlerSet
	// Outbox may be nil; rendered messages are then only returned.
	Outbox Outbox

	Metrics         *metric.Metrics
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger

	MaxHops          int
	MaxTemplateDepth int
}

// Result describes one execution.
type Result struct {
	BotID        string
	SessionID    string
	FromStepID   string
	StepID       string
	Transitioned bool
	Hops         int
	Emitted      []*types.OutboundMessage
	// Stopped names the traversal limit that ended the execution, if any.
	Stopped string
}

// Executor runs incoming messages through bot graphs. Safe for concurrent
// use; executions for the same session are not serialized.
type Executor struct {
	data     Data
	vars     *variables.Engine
	rules    *rule.Evaluator
	handlers HandlerSet
	outbox   Outbox

	maxHops          int
	maxTemplateDepth int

	core    *metric.Metrics
	metrics *executorMetrics
	logger  *slog.Logger

	// inspected remembers when each bot's snapshot was last validated.
	inspected cache.Cache[time.Time]
}

// NewExecutor creates an executor.
func NewExecutor(deps Deps) (*Executor, error) {
	if deps.Data == nil || deps.Variables == nil || deps.Rules == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Executor", "NewExecutor", "check dependencies")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	handlers := deps.Handlers
	if handlers.Message == nil {
		handlers.Message = MessageHandler{}
	}
	if deps.MaxHops <= 0 {
		deps.MaxHops = DefaultMaxHops
	}
	if deps.MaxTemplateDepth <= 0 {
		deps.MaxTemplateDepth = DefaultMaxTemplateDepth
	}

	m, err := newExecutorMetrics(deps.MetricsRegistry)
	if err != nil {
		logger.Error("Failed to initialize executor metrics", "error", err)
		m = nil
	}
	inspected, err := cache.NewLRU[time.Time](4096)
	if err != nil {
		return nil, errors.WrapFatal(err, "Executor", "NewExecutor", "inspection cache")
	}

	return &Executor{
		data:             deps.Data,
		vars:             deps.Variables,
		rules:            deps.Rules,
		handlers:         handlers,
		outbox:           deps.Outbox,
		maxHops:          deps.MaxHops,
		maxTemplateDepth: deps.MaxTemplateDepth,
		core:             deps.Metrics,
		metrics:          m,
		logger:           logger.With("component", "executor"),
		inspected:        inspected,
	}, nil
}

// Execute advances botID's session for msg. The session step is persisted
// even when no connection matched. Errors are returned only when the bot,
// session or scopes cannot be loaded or the step cannot be saved; handler
// and rule failures are logged and treated as no match.
func (x *Executor) Execute(ctx context.Context, botID string, msg *types.IncomingMessage) (*Result, error) {
	bot, err := x.data.Bot(ctx, botID)
	if err != nil {
		x.metrics.recordExecution("failed", 0)
		return nil, err
	}
	if bot.Snapshot == nil {
		x.metrics.recordExecution("failed", 0)
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrSnapshotMissing, bot.ID), "Executor", "Execute", "load graph")
	}
	x.inspect(bot)

	sender := msg.UserID
	if msg.SenderBotID != "" {
		sender = msg.SenderBotID
	}
	if sender == "" || msg.ChannelID == "" {
		x.metrics.recordExecution("failed", 0)
		return nil, errors.WrapInvalid(errors.ErrInvalidMessage, "Executor", "Execute", "identify sender and channel")
	}

	first := bot.Snapshot.FirstStepID
	if first == "" {
		first = bot.FirstStepID
	}
	session, err := x.data.Session(ctx, sender, bot.ID, msg.ChannelID, first)
	if err != nil {
		x.metrics.recordExecution("failed", 0)
		return nil, errors.Wrap(err, "Executor", "Execute", "load session")
	}

	owners := types.Owners{BotID: bot.ID, UserID: sender, ChannelID: msg.ChannelID, SessionID: session.ID}
	scopes, err := x.data.Scopes(ctx, owners)
	if err != nil {
		x.metrics.recordExecution("failed", 0)
		return nil, errors.Wrap(err, "Executor", "Execute", "load scopes")
	}
	working := variables.Merge(scopes)
	working[types.NamespaceTemplate] = map[string]any{}
	working[types.NamespaceMessage] = msg.Context()

	r := &run{
		x:      x,
		bot:    bot,
		msg:    msg,
		owners: owners,
		result: &Result{BotID: bot.ID, SessionID: session.ID, FromStepID: session.StepID},
		logger: x.logger.With("bot", bot.ID, "session", session.ID),
	}

	cursor := session.StepID
	if _, ok := bot.Snapshot.Step(cursor); !ok {
		r.logger.Warn("Session points at a missing step, restarting at first step", "step", cursor, "first_step", first)
		cursor = first
	}

	top := &frame{graph: bot.Snapshot, working: working, top: true}
	final := r.turn(ctx, top, cursor)
	r.result.StepID = final
	r.result.Hops = r.hops
	r.result.Stopped = r.stopped

	if _, err := x.data.SetSessionStep(ctx, session, final); err != nil {
		x.metrics.recordExecution("failed", r.hops)
		return r.result, errors.WrapTransient(err, "Executor", "Execute", "save session step")
	}

	outcome := "stayed"
	if r.result.Transitioned {
		outcome = "transitioned"
	}
	x.metrics.recordExecution(outcome, r.hops)
	r.logger.Debug("Execution finished", "from", r.result.FromStepID, "to", final, "hops", r.hops,
		"emitted", len(r.result.Emitted), "stopped", r.stopped)
	return r.result, nil
}

// inspect validates a bot's snapshot at most once per ten minutes and logs
// what it finds.
func (x *Executor) inspect(bot *types.Bot) {
	if at, ok := x.inspected.Get(bot.ID); ok && time.Since(at) < 10*time.Minute {
		return
	}
	_, _ = x.inspected.Set(bot.ID, time.Now())
	for _, issue := range ValidateSnapshot(bot.Snapshot) {
		log := x.logger.Debug
		if issue.Severity == SeverityError {
			log = x.logger.Warn
		}
		log("Bot graph issue", "bot", bot.ID, "type", issue.Type, "step", issue.StepID, "group", issue.GroupID, "message", issue.Message)
	}
}

// frame is one graph being walked: the bot itself or a template call.
type frame struct {
	graph   *types.Snapshot
	working map[string]any
	top     bool
}

// run is the state of one execution.
type run struct {
	x      *Executor
	bot    *types.Bot
	msg    *types.IncomingMessage
	owners types.Owners
	result *Result
	logger *slog.Logger

	hops    int
	stack   []string
	stopped string
}

func (r *run) stop(limit string, attrs ...any) {
	if r.stopped != "" {
		return
	}
	r.stopped = limit
	r.x.metrics.recordLimit(limit)
	r.logger.Warn("Traversal limit reached, parking session", append([]any{"limit", limit}, attrs...)...)
}

// turn evaluates master groups, then the groups of cursor, and follows the
// first transition. It returns the step the frame ends at.
func (r *run) turn(ctx context.Context, f *frame, cursor string) string {
	if next, ok := r.evaluate(ctx, f, f.graph.MasterGroups, "master"); ok {
		final, _ := r.arrive(ctx, f, next, cursor)
		return final
	}
	if step, ok := f.graph.Step(cursor); ok {
		if next, ok := r.evaluate(ctx, f, step.Groups, "step"); ok {
			final, _ := r.arrive(ctx, f, next, cursor)
			return final
		}
	}
	return cursor
}

// arrive enters stepID and keeps going through proxy steps. It returns the
// last step reached and whether that step's groups were already evaluated
// (or traversal stopped) so the caller must not evaluate it again.
func (r *run) arrive(ctx context.Context, f *frame, stepID, from string) (string, bool) {
	cursor := from
	id := stepID
	for {
		if r.stopped != "" {
			return cursor, true
		}
		if r.hops >= r.x.maxHops {
			r.stop(LimitHops, "step", id, "max_hops", r.x.maxHops)
			return cursor, true
		}
		step, ok := f.graph.Step(id)
		if !ok {
			r.logger.Warn("Transition to missing step ignored", "step", id, "error", errors.ErrStepNotFound)
			return cursor, true
		}

		r.hops++
		cursor = id
		if f.top {
			r.result.Transitioned = true
		}

		if step.Message != nil {
			r.emit(ctx, f, step)
		}
		if step.TemplateID != "" {
			r.call(ctx, f, step.TemplateID)
			if r.stopped != "" {
				return cursor, true
			}
		}
		if !step.IsProxy {
			return cursor, false
		}
		next, matched := r.evaluate(ctx, f, step.Groups, "proxy")
		if !matched {
			return cursor, true
		}
		id = next
	}
}

// call runs a template instance as a subroutine of f.
func (r *run) call(ctx context.Context, parent *frame, id string) {
	tmpl, ok := r.bot.Snapshot.Template(id)
	if !ok {
		r.logger.Warn("Step references a missing template", "template", id, "error", errors.ErrTemplateNotFound)
		return
	}
	if slices.Contains(r.stack, id) {
		r.stop(LimitTemplateCycle, "template", id, "stack", strings.Join(r.stack, ">"))
		return
	}
	if len(r.stack) >= r.x.maxTemplateDepth {
		r.stop(LimitTemplateDepth, "template", id, "max_depth", r.x.maxTemplateDepth)
		return
	}
	r.stack = append(r.stack, id)
	defer func() { r.stack = r.stack[:len(r.stack)-1] }()

	child := &frame{
		graph:   tmpl.Graph(r.bot.Snapshot.Templates),
		working: childWorking(parent.working, tmpl),
	}
	project(tmpl.Inputs, parent.working, namespace(child.working))

	cursor, settled := r.arrive(ctx, child, tmpl.FirstStepID, "")
	if !settled && cursor != "" {
		r.turn(ctx, child, cursor)
	}

	project(tmpl.Outputs, child.working, namespace(parent.working))
}

// childWorking shares the persisted scopes and the message with the parent
// and gives the template a private namespace seeded from its variables.
func childWorking(parent map[string]any, tmpl *types.TemplateInstance) map[string]any {
	w := make(map[string]any, len(parent))
	for k, v := range parent {
		w[k] = v
	}
	w[types.NamespaceTemplate] = dotpath.CloneMap(tmpl.Variables)
	return w
}

func namespace(working map[string]any) map[string]any {
	ns, ok := working[types.NamespaceTemplate].(map[string]any)
	if !ok {
		ns = map[string]any{}
		working[types.NamespaceTemplate] = ns
	}
	return ns
}

// project copies source paths of from into target paths of into. Targets
// are relative to the template namespace; a leading "template." is allowed.
func project(mapping map[string]string, from, into map[string]any) {
	targets := make([]string, 0, len(mapping))
	for t := range mapping {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	for _, target := range targets {
		v, ok := variables.Lookup(from, mapping[target])
		if !ok {
			continue
		}
		path := strings.TrimPrefix(target, types.NamespaceTemplate+".")
		if path == "" {
			continue
		}
		dotpath.Set(into, path, dotpath.Clone(v))
	}
}

// evaluate runs groups in priority order and returns the next step of the
// first matching connection.
func (r *run) evaluate(ctx context.Context, f *frame, groups []*types.ConnectionGroup, origin string) (string, bool) {
	for _, g := range types.SortGroups(groups) {
		if r.stopped != "" || ctx.Err() != nil {
			return "", false
		}

		kind := g.SearchType
		if kind == "" {
			kind = types.SearchMessage
		}
		handler, err := HandlerFor(kind, r.x.handlers)
		if err != nil {
			r.logger.Warn("Group skipped", "group", g.ID, "error", err)
			continue
		}

		start := time.Now()
		hctx, err := handler.Handle(ctx, Input{
			Bot:     r.bot,
			Group:   g,
			Message: r.msg,
			Env:     f.working,
			Owners:  r.owners,
		})
		r.x.core.RecordHandler(string(kind), time.Since(start), err != nil)
		if err != nil {
			r.logger.Warn("Handler failed, continuing with fallback context", "group", g.ID, "type", kind, "error", err)
		}
		if hctx == nil {
			hctx = map[string]any{}
		}

		if len(g.Variables) > 0 {
			if _, err := r.x.vars.Save(ctx, g.Variables, evalEnv(f.working, hctx), r.owners, f.working); err != nil {
				r.logger.Warn("Saving variables failed", "group", g.ID, "error", err)
			}
		}

		env := evalEnv(f.working, hctx)
		for _, c := range types.SortConnections(g.Connections) {
			if c.NextStepID == "" {
				continue
			}
			ok, err := r.x.rules.Evaluate(c.Rules, env)
			if err != nil {
				r.logger.Debug("Connection rule failed, treated as no match", "connection", c.ID, "error", err)
				continue
			}
			if ok {
				r.x.core.RecordTransition(origin)
				return c.NextStepID, true
			}
		}
	}
	return "", false
}

// evalEnv is the view connections are evaluated against: the handler
// context under "context" and at the top level, with the scope namespaces
// taking precedence over colliding context keys.
func evalEnv(working, hctx map[string]any) map[string]any {
	env := make(map[string]any, len(working)+len(hctx)+1)
	for k, v := range hctx {
		env[k] = v
	}
	for k, v := range working {
		env[k] = v
	}
	env[types.NamespaceContext] = hctx
	return env
}

func (r *run) emit(ctx context.Context, f *frame, step *types.Step) {
	out := &types.OutboundMessage{
		ID:          uuid.NewString(),
		BotID:       r.bot.ID,
		ChannelID:   r.owners.ChannelID,
		RecipientID: r.owners.UserID,
		StepID:      step.ID,
		Text:        variables.SubstituteString(step.Message.Text, f.working),
		Params:      variables.SubstituteMap(step.Message.Params, f.working),
		CreatedAt:   time.Now().UTC(),
	}
	r.result.Emitted = append(r.result.Emitted, out)
	r.x.metrics.recordEmitted()

	if r.x.outbox == nil {
		return
	}
	if err := r.x.outbox.Send(ctx, out); err != nil {
		r.logger.Warn("Sending step message failed", "step", step.ID, "error", err)
	}
}
