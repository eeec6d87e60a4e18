package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{NewHealthy("redis", "ok"), NewHealthy("db", "ok")}, StatusHealthy},
		{"one degraded", []Status{NewHealthy("redis", "ok"), NewDegraded("nats", "reconnecting")}, StatusDegraded},
		{"unhealthy wins", []Status{NewDegraded("nats", "x"), NewUnhealthy("db", "down")}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("dbcv", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestMonitor_CheckRunsProbes(t *testing.T) {
	m := NewMonitor(time.Second)
	m.Register("redis", func(context.Context) error { return nil })
	m.Register("database", func(context.Context) error {
		return errors.New("dial tcp 10.0.0.5:5432: connection refused")
	})

	status := m.Check(context.Background(), "dbcv")
	assert.Equal(t, StatusUnhealthy, status.Status)

	db, ok := m.Get("database")
	require.True(t, ok)
	assert.NotContains(t, db.Message, "10.0.0.5")

	redis, ok := m.Get("redis")
	require.True(t, ok)
	assert.True(t, redis.IsHealthy())
}

func TestMonitor_PushedStatus(t *testing.T) {
	m := NewMonitor(0)
	m.UpdateDegraded("stream.user", "reclaim backlog")

	status := m.Check(context.Background(), "dbcv")
	assert.Equal(t, StatusDegraded, status.Status)
}

func TestSanitize(t *testing.T) {
	msg := sanitize("connect redis://:hunter2@cache:6379 failed password=hunter2")
	assert.NotContains(t, msg, "hunter2")
	assert.Contains(t, msg, "[URL]")
}
