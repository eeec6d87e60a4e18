package stream

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/types"
)

// Field is the entry field carrying the JSON payload.
const Field = "data"

// InitMarker is the payload published when a consumer starts.
var InitMarker = []byte(`{"type":"init"}`)

// Producer appends entries to one stream.
type Producer struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewProducer creates a producer. maxLen > 0 trims the stream
// approximately on every append.
func NewProducer(client redis.UniversalClient, stream string, maxLen int64) *Producer {
	return &Producer{client: client, stream: stream, maxLen: maxLen}
}

// Stream returns the stream name.
func (p *Producer) Stream() string { return p.stream }

// PublishRaw appends data as is and returns the entry ID.
func (p *Producer) PublishRaw(ctx context.Context, data []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{Field: data},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", errors.WrapTransient(err, "Producer", "Publish", "xadd "+p.stream)
	}
	return id, nil
}

// Publish JSON-encodes payload and appends it.
func (p *Producer) Publish(ctx context.Context, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", errors.WrapInvalid(err, "Producer", "Publish", "encode payload")
	}
	return p.PublishRaw(ctx, data)
}

// Send appends a rendered bot message.
func (p *Producer) Send(ctx context.Context, msg *types.OutboundMessage) error {
	_, err := p.Publish(ctx, msg)
	return err
}
