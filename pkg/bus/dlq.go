package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jleechanorg/bp-telemetry/pkg/config"
	"github.com/jleechanorg/bp-telemetry/pkg/models"
)

// DLQ copies poisoned or exhausted messages to the dead-letter stream.
// The entry preserves the original fields verbatim plus the failure
// metadata; the DLQ stream is append-only and approximately trimmed.
type DLQ struct {
	client *Client
	stream config.StreamConfig
}

// NewDLQ creates a dead-letter writer for the configured stream.
func NewDLQ(client *Client, stream config.StreamConfig) *DLQ {
	return &DLQ{client: client, stream: stream}
}

// Stream returns the DLQ stream name.
func (d *DLQ) Stream() string {
	return d.stream.Name
}

// Record copies msg to the DLQ. Unlike event publishing this is NOT
// fire-and-forget: the caller must only acknowledge the original
// message if the DLQ write succeeded, otherwise data would be lost.
func (d *DLQ) Record(ctx context.Context, consumer *GroupConsumer, msg models.StreamMessage, retryCount int64, errType string, cause error) error {
	entry := models.DLQEntry{
		OriginalMessageID: msg.ID,
		OriginalFields:    msg.Fields,
		MovedToDLQAt:      time.Now(),
		RetryCount:        retryCount,
		ErrorType:         errType,
		StreamName:        consumer.Stream(),
		GroupName:         consumer.Group(),
		ConsumerName:      consumer.Consumer(),
	}
	if cause != nil {
		entry.ErrorMessage = cause.Error()
	}

	err := d.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream.Name,
		MaxLen: d.stream.MaxLength,
		Approx: d.stream.TrimApproximate,
		Values: entry.ToStreamFields(),
	}).Err()
	if err != nil {
		return fmt.Errorf("record message %s to DLQ: %w", msg.ID, err)
	}
	return nil
}
