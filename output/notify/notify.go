package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/metric"
)

// DefaultSubjectPrefix is the NATS subject root for channel events.
const DefaultSubjectPrefix = "dbcv.channel"

// Event is the payload viewers receive.
type Event struct {
	ChannelID string          `json:"channel_id"`
	Payload   json.RawMessage `json:"payload"`
	SentAt    time.Time       `json:"sent_at"`
}

// Encode wraps payload into an Event.
func Encode(channelID string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "notify", "Encode", "marshal payload")
	}
	return json.Marshal(Event{ChannelID: channelID, Payload: raw, SentAt: time.Now().UTC()})
}

// Sink delivers channel events. It matches engine.Notifier.
type Sink interface {
	Notify(ctx context.Context, channelID string, payload any) error
}

// Publisher is the core NATS publish call; *natsclient.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Config configures NATSSink.
type Config struct {
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
}

// NATSSink publishes events on a per-channel subject.
type NATSSink struct {
	pub     Publisher
	prefix  string
	metrics *metric.Metrics
	logger  *slog.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

// NewNATSSink creates a sink on pub. metrics and logger may be nil.
func NewNATSSink(pub Publisher, cfg Config, metrics *metric.Metrics, logger *slog.Logger) *NATSSink {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{
		pub:     pub,
		prefix:  prefix,
		metrics: metrics,
		logger:  logger.With("component", "notify-nats"),
	}
}

// Subject returns the subject events for channelID go to. Characters NATS
// treats as separators or wildcards are replaced.
func (s *NATSSink) Subject(channelID string) string {
	return s.prefix + "." + subjectToken(channelID)
}

func subjectToken(v string) string {
	if v == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, v)
}

// Notify publishes payload for channelID.
func (s *NATSSink) Notify(ctx context.Context, channelID string, payload any) error {
	data, err := Encode(channelID, payload)
	if err != nil {
		return err
	}
	if err := s.pub.Publish(ctx, s.Subject(channelID), data); err != nil {
		s.failed.Add(1)
		s.metrics.RecordError("notify", errors.Classify(err).String())
		return errors.WrapTransient(err, "NATSSink", "Notify", "publish event")
	}
	s.sent.Add(1)
	return nil
}

// Stats returns the sent and failed counts.
func (s *NATSSink) Stats() (sent, failed int64) { return s.sent.Load(), s.failed.Load() }

type multi []Sink

// Multi delivers to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Notify(ctx context.Context, channelID string, payload any) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, channelID, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
