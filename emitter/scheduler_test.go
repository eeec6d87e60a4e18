package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/metric"
	"github.com/carbonfay/DBCV-sub000/types"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*types.IncomingMessage
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, payload any) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	msg, ok := payload.(*types.IncomingMessage)
	if !ok {
		return "", fmt.Errorf("unexpected payload %T", payload)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return fmt.Sprintf("%d-0", len(p.msgs)), nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type fakeSource []*types.Emitter

func (s fakeSource) Emitters(context.Context) ([]*types.Emitter, error) { return s, nil }

func newScheduler(t *testing.T, pub Publisher, process ProcessFunc, m *metric.Metrics) *Scheduler {
	t.Helper()
	s, err := NewScheduler(Deps{Publisher: pub, Process: process, Parallelism: 3, Metrics: m})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func morning(id string, enabled bool) *types.Emitter {
	return &types.Emitter{
		ID: id, BotID: "bot", ChannelID: "chan", UserID: "user", Name: "good-morning",
		Trigger: types.Trigger{Hour: "9"}, Text: "Good morning", Enabled: enabled,
	}
}

func TestScheduler_Lifecycle(t *testing.T) {
	s := newScheduler(t, &fakePublisher{}, nil, nil)

	require.NoError(t, s.Add(morning("e1", true)))
	assert.Error(t, s.Add(morning("e1", true)), "duplicate job")
	assert.Equal(t, []JobInfo{{ID: "emitter:e1", EmitterID: "e1"}}, s.Jobs())

	require.NoError(t, s.Pause("e1"))
	require.NoError(t, s.Pause("e1"))
	assert.True(t, s.Jobs()[0].Paused)

	require.NoError(t, s.Resume("e1"))
	assert.False(t, s.Jobs()[0].Paused)

	require.NoError(t, s.Modify(morning("e1", false)))
	assert.True(t, s.Jobs()[0].Paused, "disabled emitters keep their definition")

	bad := morning("e2", true)
	bad.Trigger = types.Trigger{Seconds: "soon"}
	assert.True(t, errors.IsInvalid(s.Modify(bad)))

	require.NoError(t, s.Remove("e1"))
	assert.Empty(t, s.Jobs())
	assert.ErrorIs(t, s.Remove("e1"), errors.ErrKeyNotFound)
	assert.ErrorIs(t, s.Resume("e1"), errors.ErrKeyNotFound)
}

func TestScheduler_NextFireTime(t *testing.T) {
	s := newScheduler(t, &fakePublisher{}, nil, nil)
	require.NoError(t, s.Add(morning("e1", true)))
	s.Start(context.Background())

	require.Eventually(t, func() bool { return !s.Jobs()[0].Next.IsZero() }, time.Second, 10*time.Millisecond)
	next := s.Jobs()[0].Next.UTC()
	assert.Equal(t, 9, next.Hour())
	assert.Zero(t, next.Minute())
}

func TestScheduler_Load(t *testing.T) {
	bad := morning("bad", true)
	bad.Trigger.DayOfWeek = "8"
	s := newScheduler(t, &fakePublisher{}, nil, nil)

	n, err := s.Load(context.Background(), fakeSource{morning("a", true), morning("b", false), bad})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, s.Jobs(), 2)
}

func TestScheduler_Fire(t *testing.T) {
	pub := &fakePublisher{}
	m := metric.NewMetrics()
	s := newScheduler(t, pub, nil, m)
	require.NoError(t, s.Add(morning("e1", true)))

	s.fire("e1")
	s.fire("missing")

	require.Equal(t, 1, pub.count())
	msg := pub.msgs[0]
	assert.Equal(t, types.MessageTypeEmitter, msg.Type)
	assert.Equal(t, "bot", msg.BotID)
	assert.Equal(t, "chan", msg.ChannelID)
	assert.Equal(t, "user", msg.UserID)
	assert.Equal(t, "Good morning", msg.Text)
	assert.Equal(t, "good-morning", msg.Event)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EmitterFires.WithLabelValues("ok")))

	pub.err = errors.ErrConnectionLost
	s.fire("e1")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EmitterFires.WithLabelValues("error")))
}

func TestScheduler_FiresOnInterval(t *testing.T) {
	pub := &fakePublisher{}
	s := newScheduler(t, pub, nil, nil)
	e := morning("tick", true)
	e.Trigger = types.Trigger{Seconds: "1"}
	require.NoError(t, s.Add(e))

	s.Start(context.Background())
	require.Eventually(t, func() bool { return pub.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestScheduler_PublishEvent(t *testing.T) {
	pub := &fakePublisher{}
	s := newScheduler(t, pub, nil, nil)
	ctx := context.Background()

	id, err := s.PublishEvent(ctx, "order-shipped", map[string]any{
		"bot_id": "bot", "channel_id": "chan", "user_id": "user", "text": "shipped",
		"params": map[string]any{"order": "A-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "1-0", id)

	msg := pub.msgs[0]
	assert.Equal(t, types.MessageTypeEmitter, msg.Type)
	assert.Equal(t, "order-shipped", msg.Event)
	assert.Equal(t, map[string]any{"order": "A-1"}, msg.Params)

	_, err = s.PublishEvent(ctx, "x", map[string]any{"text": "no channel"})
	assert.True(t, errors.IsInvalid(err))
}

func TestScheduler_ProcessBatch(t *testing.T) {
	var inFlight, peak atomic.Int32
	var handled atomic.Int32
	process := func(_ context.Context, raw []byte) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		handled.Add(1)

		var msg types.IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return err
		}
		return nil
	}
	s := newScheduler(t, &fakePublisher{}, process, nil)

	batch := make([][]byte, 0, 12)
	for i := 0; i < 11; i++ {
		batch = append(batch, []byte(fmt.Sprintf(`{"channel_id":"c","text":"m%d"}`, i)))
	}
	batch = append(batch, []byte(`{broken`))

	err := s.ProcessBatch(context.Background(), batch)
	assert.Error(t, err, "the broken message is reported")
	assert.Equal(t, int32(12), handled.Load(), "every message is attempted")
	assert.LessOrEqual(t, peak.Load(), int32(3))

	empty := newScheduler(t, &fakePublisher{}, nil, nil)
	assert.True(t, errors.IsFatal(empty.ProcessBatch(context.Background(), batch)))
}

func TestNewScheduler_RequiresPublisher(t *testing.T) {
	_, err := NewScheduler(Deps{})
	assert.Error(t, err)
}
