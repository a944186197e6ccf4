package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jleechanorg/bp-telemetry/pkg/models"
)

// ErrNoMessages indicates a blocked read timed out with nothing new.
var ErrNoMessages = errors.New("no messages available")

// Consumer group names used by the pipeline. Each writer has its own
// group so every consumer sees every event; a group delivers each
// message to exactly one of its consumers, so sharing one group across
// platforms would split the stream between them.
const (
	GroupClaudeProcessors   = "processors:claude"
	GroupCursorProcessors   = "processors:cursor"
	GroupCursorSessions     = "cursor_session_monitors"
	GroupTranscriptSessions = "transcript_processors"
)

// PendingEntry describes one delivered-but-unacknowledged message.
type PendingEntry struct {
	MessageID     string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// GroupConsumer reads one stream through a consumer group with a
// stable consumer name. Messages stay on the group's pending list
// until acknowledged; abandoned entries can be claimed back.
type GroupConsumer struct {
	client   *Client
	stream   string
	group    string
	consumer string
}

// NewGroupConsumer creates the group (starting at id "0" so pre-crash
// messages are reprocessed) and returns a consumer bound to it. An
// already-existing group is not an error.
func NewGroupConsumer(ctx context.Context, client *Client, stream, group, consumer string) (*GroupConsumer, error) {
	err := client.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}
	return &GroupConsumer{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
	}, nil
}

// Stream returns the stream name.
func (c *GroupConsumer) Stream() string { return c.stream }

// Group returns the consumer group name.
func (c *GroupConsumer) Group() string { return c.group }

// Consumer returns this consumer's stable name.
func (c *GroupConsumer) Consumer() string { return c.consumer }

// ReadNew performs a group read of up to count new messages (">"),
// blocking up to block. Returns ErrNoMessages on a quiet timeout.
func (c *GroupConsumer) ReadNew(ctx context.Context, count int64, block time.Duration) ([]models.StreamMessage, error) {
	streams, err := c.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoMessages
		}
		return nil, fmt.Errorf("group read %s/%s: %w", c.stream, c.group, err)
	}
	return flattenStreams(streams), nil
}

// ReadOwnPending re-reads this consumer's own pending entries from the
// beginning (id "0"). Used on startup to drain work delivered before a
// crash.
func (c *GroupConsumer) ReadOwnPending(ctx context.Context, count int64) ([]models.StreamMessage, error) {
	streams, err := c.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, "0"},
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoMessages
		}
		return nil, fmt.Errorf("read own pending %s/%s: %w", c.stream, c.group, err)
	}
	return flattenStreams(streams), nil
}

// Pending lists up to count pending entries across the whole group,
// with idle time and delivery count per entry.
func (c *GroupConsumer) Pending(ctx context.Context, count int64) ([]PendingEntry, error) {
	ext, err := c.client.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("list pending %s/%s: %w", c.stream, c.group, err)
	}
	entries := make([]PendingEntry, 0, len(ext))
	for _, p := range ext {
		entries = append(entries, PendingEntry{
			MessageID:     p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return entries, nil
}

// PendingCount returns the total size of the group's pending list,
// regardless of how many entries a bounded Pending scan would return.
func (c *GroupConsumer) PendingCount(ctx context.Context) (int64, error) {
	summary, err := c.client.rdb.XPending(ctx, c.stream, c.group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("pending summary %s/%s: %w", c.stream, c.group, err)
	}
	return summary.Count, nil
}

// Claim takes ownership of the given pending message ids that have
// been idle at least minIdle, returning the claimed messages.
func (c *GroupConsumer) Claim(ctx context.Context, minIdle time.Duration, ids ...string) ([]models.StreamMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := c.client.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim %d messages on %s/%s: %w", len(ids), c.stream, c.group, err)
	}
	out := make([]models.StreamMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, models.StreamMessage{ID: m.ID, Fields: m.Values})
	}
	return out, nil
}

// Ack acknowledges the given message ids, removing them from the
// pending list. Called only after the batch is durably committed.
func (c *GroupConsumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.rdb.XAck(ctx, c.stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("ack %d messages on %s/%s: %w", len(ids), c.stream, c.group, err)
	}
	return nil
}

func flattenStreams(streams []redis.XStream) []models.StreamMessage {
	var out []models.StreamMessage
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, models.StreamMessage{ID: m.ID, Fields: m.Values})
		}
	}
	return out
}
