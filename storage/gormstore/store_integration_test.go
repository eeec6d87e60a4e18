//go:build integration

package gormstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/types"
)

func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "dbcv",
			"POSTGRES_PASSWORD": "dbcv",
			"POSTGRES_DB":       "dbcv_test",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		).WithDeadline(2 * time.Minute),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("host=%s port=%s user=dbcv password=dbcv dbname=dbcv_test sslmode=disable", host, port.Port())
}

func TestIntegration_Store(t *testing.T) {
	ctx := context.Background()
	dsn := startPostgres(ctx, t)

	s, err := Open(ctx, Config{DSN: dsn, AutoMigrate: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.SaveBot(ctx, &types.Bot{ID: "b1", FirstStepID: "A", Snapshot: &types.Snapshot{FirstStepID: "A"}}))
	bot, err := s.GetBot(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "A", bot.Snapshot.FirstStepID)

	_, err = s.GetBot(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrBotNotFound)

	t.Run("sessions", func(t *testing.T) {
		_, err := s.FindSession(ctx, "u", "b1", "c")
		require.ErrorIs(t, err, errors.ErrKeyNotFound)

		first, err := s.CreateSession(ctx, &types.Session{ID: "s1", UserID: "u", BotID: "b1", ChannelID: "c", StepID: "A"})
		require.NoError(t, err)
		dup, err := s.CreateSession(ctx, &types.Session{ID: "s2", UserID: "u", BotID: "b1", ChannelID: "c", StepID: "A"})
		require.NoError(t, err)
		assert.Equal(t, first.ID, dup.ID)

		require.NoError(t, s.SetSessionStep(ctx, "s1", "B"))
		got, err := s.FindSession(ctx, "u", "b1", "c")
		require.NoError(t, err)
		assert.Equal(t, "B", got.StepID)
	})

	t.Run("scopes", func(t *testing.T) {
		empty, err := s.LoadScope(ctx, types.ScopeUser, "u")
		require.NoError(t, err)
		assert.Empty(t, empty)

		_, err = s.PatchScope(ctx, types.ScopeUser, "u", map[string]any{"a": map[string]any{"x": 1.0}})
		require.NoError(t, err)
		merged, err := s.PatchScope(ctx, types.ScopeUser, "u", map[string]any{"a": map[string]any{"y": 2.0}})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": map[string]any{"x": 1.0, "y": 2.0}}, merged)

		loaded, err := s.LoadScope(ctx, types.ScopeUser, "u")
		require.NoError(t, err)
		assert.Equal(t, merged, loaded)
	})

	t.Run("subscriptions and credentials", func(t *testing.T) {
		require.NoError(t, s.Subscribe(ctx, "c", []string{"b1", "b2"}, []string{"u"}))
		require.NoError(t, s.Subscribe(ctx, "c", []string{"b1"}, nil))
		subs, err := s.Subscribers(ctx, "c")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"b1", "b2"}, subs.BotIDs)

		require.NoError(t, s.SaveCredential(ctx, &types.Credential{ID: "k1", BotID: "b1", Provider: "google", Strategy: "oauth", IsDefault: true}))
		require.NoError(t, s.SaveCredential(ctx, &types.Credential{ID: "k2", BotID: "b1", Provider: "google", Strategy: "oauth", IsDefault: true}))
		creds, err := s.Credentials(ctx, "b1", "google")
		require.NoError(t, err)
		require.Len(t, creds, 2)
		assert.False(t, creds[0].IsDefault)
		assert.True(t, creds[1].IsDefault)
	})

	t.Run("unsubscribe", func(t *testing.T) {
		require.NoError(t, s.Subscribe(ctx, "c2", []string{"b1"}, []string{"u1", "u2"}))
		s1, err := s.CreateSession(ctx, &types.Session{ID: "s-u1", UserID: "u1", BotID: "b1", ChannelID: "c2", StepID: "A"})
		require.NoError(t, err)
		_, err = s.CreateSession(ctx, &types.Session{ID: "s-u2", UserID: "u2", BotID: "b1", ChannelID: "c2", StepID: "A"})
		require.NoError(t, err)
		_, err = s.PatchScope(ctx, types.ScopeSession, s1.ID, map[string]any{"cart": 1.0})
		require.NoError(t, err)

		removed, err := s.Unsubscribe(ctx, "c2", "u1")
		require.NoError(t, err)
		assert.Equal(t, []string{"s-u1"}, removed)

		_, err = s.FindSession(ctx, "u1", "b1", "c2")
		assert.ErrorIs(t, err, errors.ErrKeyNotFound)
		scope, err := s.LoadScope(ctx, types.ScopeSession, "s-u1")
		require.NoError(t, err)
		assert.Empty(t, scope)
		_, err = s.FindSession(ctx, "u2", "b1", "c2")
		require.NoError(t, err)

		subs, err := s.Subscribers(ctx, "c2")
		require.NoError(t, err)
		assert.Equal(t, []string{"u2"}, subs.UserIDs)
	})

	t.Run("emitters", func(t *testing.T) {
		require.NoError(t, s.SaveEmitter(ctx, &types.Emitter{ID: "e1", BotID: "b1", Trigger: types.Trigger{Minutes: "5"}, Enabled: true}))
		emitters, err := s.Emitters(ctx)
		require.NoError(t, err)
		require.Len(t, emitters, 1)
		assert.Equal(t, "5", emitters[0].Trigger.Minutes)
	})
}
