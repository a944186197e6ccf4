package bus

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jleechanorg/bp-telemetry/pkg/config"
	"github.com/jleechanorg/bp-telemetry/pkg/models"
)

// Producer writes events onto one stream with approximate MAXLEN
// trimming. All publishes are fire-and-forget: failures are logged and
// reported via the boolean return, never retried inline; the watcher
// loops must never block behind the bus.
type Producer struct {
	client *Client
	stream config.StreamConfig
}

// NewProducer creates a producer bound to one stream.
func NewProducer(client *Client, stream config.StreamConfig) *Producer {
	return &Producer{client: client, stream: stream}
}

// Stream returns the stream name this producer writes to.
func (p *Producer) Stream() string {
	return p.stream.Name
}

// PublishEvent flattens a RawEvent and appends it. Returns false when
// the event could not be published; the caller must not retry.
func (p *Producer) PublishEvent(ctx context.Context, event *models.RawEvent) bool {
	fields, err := event.ToStreamFields()
	if err != nil {
		slog.Warn("Failed to encode event for bus",
			"event_type", event.EventType, "event_id", event.EventID, "error", err)
		return false
	}
	return p.PublishFields(ctx, fields)
}

// PublishFields appends a pre-flattened field map.
func (p *Producer) PublishFields(ctx context.Context, fields map[string]any) bool {
	err := p.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream.Name,
		MaxLen: p.stream.MaxLength,
		Approx: p.stream.TrimApproximate,
		Values: fields,
	}).Err()
	if err != nil {
		slog.Warn("Failed to publish to stream",
			"stream", p.stream.Name, "error", err)
		return false
	}
	return true
}
