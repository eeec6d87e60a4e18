package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/metric"
	"github.com/carbonfay/DBCV-sub000/types"
)

// Stream roles.
const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// Membership resolves and edits the participants of a channel.
type Membership interface {
	Subscribers(ctx context.Context, channelID string) (*types.Subscribers, error)
	Unsubscribe(ctx context.Context, channelID, userID string) error
}

// Notifier pushes channel activity to live viewers. Delivery is best
// effort.
type Notifier interface {
	Notify(ctx context.Context, channelID string, payload any) error
}

// Dispatcher turns raw stream payloads into executions.
type Dispatcher struct {
	executor *Executor
	subs     Membership
	notifier Notifier
	metrics  *metric.Metrics
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. notifier, metrics and logger may be
// nil.
func NewDispatcher(executor *Executor, subs Membership, notifier Notifier, metrics *metric.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		executor: executor,
		subs:     subs,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.With("component", "dispatcher"),
	}
}

type envelope struct {
	Type types.MessageType `json:"type"`
}

// Process handles one user-originated payload. Init markers are dropped.
// A message naming a bot goes to that bot only; otherwise every bot
// subscribed to the channel except the sender sees it. Only malformed
// payloads produce an error; execution failures are logged.
func (d *Dispatcher) Process(ctx context.Context, raw []byte) error {
	start := time.Now()

	var msg types.IncomingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		d.metrics.RecordProcessed(RoleUser, "invalid", time.Since(start))
		return errors.WrapInvalid(errors.Join(errors.ErrInvalidMessage, err), "Dispatcher", "Process", "decode message")
	}
	if msg.IsControl() {
		return nil
	}
	if msg.ChannelID == "" {
		d.metrics.RecordProcessed(RoleUser, "invalid", time.Since(start))
		return errors.WrapInvalid(errors.ErrInvalidMessage, "Dispatcher", "Process", "check channel")
	}
	if msg.Type == "" {
		msg.Type = types.MessageTypeMessage
	}
	if msg.Type == types.MessageTypeUnsubscribe {
		return d.unsubscribe(ctx, &msg, start)
	}

	d.notify(ctx, msg.ChannelID, &msg)

	var bots []string
	if msg.BotID != "" {
		bots = []string{msg.BotID}
	} else {
		bots = d.subscribers(ctx, msg.ChannelID, msg.SenderBotID)
	}

	if msg.Type == types.MessageTypeEmitter && msg.UserID == "" {
		d.metrics.RecordProcessed(RoleUser, d.broadcast(ctx, bots, &msg), time.Since(start))
		return nil
	}

	status := d.run(ctx, bots, &msg)
	d.metrics.RecordProcessed(RoleUser, status, time.Since(start))
	return nil
}

func (d *Dispatcher) unsubscribe(ctx context.Context, msg *types.IncomingMessage, start time.Time) error {
	if msg.UserID == "" {
		d.metrics.RecordProcessed(RoleUser, "invalid", time.Since(start))
		return errors.WrapInvalid(errors.ErrInvalidMessage, "Dispatcher", "Process", "check unsubscribe user")
	}
	if err := d.subs.Unsubscribe(ctx, msg.ChannelID, msg.UserID); err != nil {
		d.metrics.RecordProcessed(RoleUser, "error", time.Since(start))
		return errors.Wrap(err, "Dispatcher", "Process", "unsubscribe")
	}
	d.logger.Info("User unsubscribed", "channel", msg.ChannelID, "user", msg.UserID)
	d.metrics.RecordProcessed(RoleUser, "unsubscribed", time.Since(start))
	return nil
}

// broadcast runs an emitter message that names no user once per user
// subscribed to the channel, so each user advances their own session.
func (d *Dispatcher) broadcast(ctx context.Context, bots []string, msg *types.IncomingMessage) string {
	subs, err := d.subs.Subscribers(ctx, msg.ChannelID)
	if err != nil {
		d.logger.Warn("Loading channel subscribers failed", "channel", msg.ChannelID, "error", err)
		d.metrics.RecordError("dispatcher", errors.Classify(err).String())
		return "error"
	}
	if len(subs.UserIDs) == 0 {
		return "no_target"
	}
	status := "ok"
	for _, userID := range subs.UserIDs {
		cp := *msg
		cp.UserID = userID
		if s := d.run(ctx, bots, &cp); s != "ok" {
			status = s
		}
	}
	return status
}

// ProcessBotMessage handles one bot-originated payload: the message is
// pushed to live viewers and then delivered to every other bot subscribed to
// the channel.
func (d *Dispatcher) ProcessBotMessage(ctx context.Context, raw []byte) error {
	start := time.Now()

	var head envelope
	if err := json.Unmarshal(raw, &head); err != nil {
		d.metrics.RecordProcessed(RoleBot, "invalid", time.Since(start))
		return errors.WrapInvalid(errors.Join(errors.ErrInvalidMessage, err), "Dispatcher", "ProcessBotMessage", "decode message")
	}
	if head.Type == types.MessageTypeInit {
		return nil
	}

	var out types.OutboundMessage
	if err := json.Unmarshal(raw, &out); err != nil || out.ChannelID == "" || out.BotID == "" {
		d.metrics.RecordProcessed(RoleBot, "invalid", time.Since(start))
		return errors.WrapInvalid(errors.ErrInvalidMessage, "Dispatcher", "ProcessBotMessage", "decode message")
	}

	d.notify(ctx, out.ChannelID, &out)

	bots := d.subscribers(ctx, out.ChannelID, out.BotID)
	status := d.run(ctx, bots, out.AsIncoming())
	d.metrics.RecordProcessed(RoleBot, status, time.Since(start))
	return nil
}

func (d *Dispatcher) subscribers(ctx context.Context, channelID, exceptBot string) []string {
	subs, err := d.subs.Subscribers(ctx, channelID)
	if err != nil {
		d.logger.Warn("Loading channel subscribers failed", "channel", channelID, "error", err)
		d.metrics.RecordError("dispatcher", errors.Classify(err).String())
		return nil
	}
	return subs.BotsExcept(exceptBot)
}

// run executes msg for each bot in order and reports an aggregate status.
func (d *Dispatcher) run(ctx context.Context, bots []string, msg *types.IncomingMessage) string {
	if len(bots) == 0 {
		return "no_target"
	}
	status := "ok"
	for _, botID := range bots {
		if _, err := d.executor.Execute(ctx, botID, msg); err != nil {
			status = "error"
			d.metrics.RecordError("executor", errors.Classify(err).String())
			d.logger.Error("Execution failed", "bot", botID, "channel", msg.ChannelID, "message", msg.ID, "error", err)
		}
	}
	return status
}

func (d *Dispatcher) notify(ctx context.Context, channelID string, payload any) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, channelID, payload); err != nil {
		d.logger.Debug("Notify failed", "channel", channelID, "error", err)
	}
}
