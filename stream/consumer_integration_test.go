//go:build integration

package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/carbonfay/DBCV-sub000/types"
)

func startRedis(ctx context.Context, t *testing.T) *redis.Client {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

func TestIntegration_ConsumerRoundTrip(t *testing.T) {
	ctx := context.Background()
	rdb := startRedis(ctx, t)

	cfg := testConfig("it")
	rec := &recorder{}
	startConsumer(t, rdb, cfg, rec.handle(nil), nil)

	producer := NewProducer(rdb, cfg.Stream, 10_000)
	for i := 0; i < 20; i++ {
		_, err := producer.Publish(ctx, types.IncomingMessage{ChannelID: "c", Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(rec.texts()) == 20 }, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return pendingCount(t, rdb, cfg) == 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Len(t, rec.texts(), 20)
}
