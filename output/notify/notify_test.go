package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/metric"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{subject, data})
	return nil
}

func TestNATSSink_Notify(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNATSSink(pub, Config{}, nil, nil)

	require.NoError(t, sink.Notify(context.Background(), "chan-1", map[string]string{"text": "hi"}))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "dbcv.channel.chan-1", pub.msgs[0].subject)

	var ev Event
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &ev))
	assert.Equal(t, "chan-1", ev.ChannelID)
	assert.JSONEq(t, `{"text":"hi"}`, string(ev.Payload))
	assert.False(t, ev.SentAt.IsZero())

	sent, failed := sink.Stats()
	assert.Equal(t, int64(1), sent)
	assert.Zero(t, failed)
}

func TestNATSSink_Subject(t *testing.T) {
	sink := NewNATSSink(&fakePublisher{}, Config{SubjectPrefix: "viewers."}, nil, nil)
	assert.Equal(t, "viewers.a_b_c", sink.Subject("a.b*c"))
	assert.Equal(t, "viewers.x_y", sink.Subject("x>y"))
	assert.Equal(t, "viewers._", sink.Subject(""))
}

func TestNATSSink_Failure(t *testing.T) {
	m := metric.NewMetrics()
	sink := NewNATSSink(&fakePublisher{err: errors.ErrConnectionLost}, Config{}, m, nil)

	err := sink.Notify(context.Background(), "chan", "x")
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
	_, failed := sink.Stats()
	assert.Equal(t, int64(1), failed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("notify", "transient")))

	assert.True(t, errors.IsInvalid(sink.Notify(context.Background(), "chan", func() {})))
}

func TestHTTPSink_Notify(t *testing.T) {
	var calls atomic.Int32
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPConfig{URL: srv.URL, RetryCount: 2, Headers: map[string]string{"X-Token": "secret"}}, nil, nil)
	require.NoError(t, sink.Notify(context.Background(), "chan", map[string]int{"n": 1}))

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "chan", got.ChannelID)
	sent, retried, failed := sink.Stats()
	assert.Equal(t, [3]int64{1, 1, 0}, [3]int64{sent, retried, failed})
}

func TestHTTPSink_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPConfig{URL: srv.URL, RetryCount: 1, Timeout: time.Second}, nil, nil)
	err := sink.Notify(context.Background(), "chan", "x")
	assert.True(t, errors.IsTransient(err))
	_, retried, failed := sink.Stats()
	assert.Equal(t, int64(1), retried)
	assert.Equal(t, int64(1), failed)
}

func TestHTTPSink_CancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sink := NewHTTPSink(HTTPConfig{URL: srv.URL, RetryCount: 5}, nil, nil)
	err := sink.Notify(ctx, "chan", "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPConfig_Validate(t *testing.T) {
	assert.Error(t, HTTPConfig{}.Validate())
	assert.Error(t, HTTPConfig{URL: "http://x", RetryCount: 11}.Validate())
	assert.NoError(t, HTTPConfig{URL: "http://x", RetryCount: 3}.Validate())
}

func TestMulti(t *testing.T) {
	ok := &fakePublisher{}
	bad := &fakePublisher{err: errors.ErrConnectionLost}
	sink := Multi(NewNATSSink(ok, Config{}, nil, nil), nil, NewNATSSink(bad, Config{}, nil, nil))

	err := sink.Notify(context.Background(), "chan", "x")
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
	assert.Len(t, ok.msgs, 1, "a failing sink does not stop the others")
}
