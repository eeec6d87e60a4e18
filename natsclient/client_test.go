package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient("")
	assert.Error(t, err)
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:4222")
	require.NoError(t, err)

	assert.ErrorIs(t, c.Publish(context.Background(), "dbcv.notify.x", []byte("{}")), ErrNotConnected)
	_, err = c.ObjectStore(context.Background(), "attachments")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, c.Close(context.Background()))
}

func TestClient_CircuitOpensAfterFailures(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(50*time.Millisecond),
		WithCircuitBreaker(2, time.Hour))
	require.NoError(t, err)

	ctx := context.Background()
	assert.Error(t, c.Connect(ctx))
	assert.Error(t, c.Connect(ctx))
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.ErrorIs(t, c.Connect(ctx), ErrCircuitOpen)
}
