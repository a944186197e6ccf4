package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jleechanorg/bp-telemetry/pkg/bus"
	"github.com/jleechanorg/bp-telemetry/pkg/cdc"
	"github.com/jleechanorg/bp-telemetry/pkg/config"
	"github.com/jleechanorg/bp-telemetry/pkg/metrics"
	"github.com/jleechanorg/bp-telemetry/pkg/models"
	"github.com/jleechanorg/bp-telemetry/pkg/store"
)

type consumerHarness struct {
	client   *bus.Client
	store    *store.Store
	producer *bus.Producer
	consumer *Consumer
	metrics  *metrics.Pipeline
	rdb      *redis.Client
}

func newHarness(t *testing.T) *consumerHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := bus.NewClientFromRedis(rdb)

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "traces.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	events := config.StreamConfig{Name: "telemetry:events", MaxLength: 10_000, TrimApproximate: true}
	cdcStream := config.StreamConfig{Name: "cdc:events", MaxLength: 100_000, TrimApproximate: true}
	dlqStream := config.StreamConfig{Name: "telemetry:dlq", MaxLength: 1_000, TrimApproximate: true}

	group, err := bus.NewGroupConsumer(context.Background(), client, events.Name, bus.GroupClaudeProcessors, "test-writer")
	require.NoError(t, err)

	cfg := config.ConsumerConfig{
		BatchSize:           10,
		BatchTimeout:        20 * time.Millisecond,
		MaxRetries:          3,
		TargetWriteLatency:  10 * time.Millisecond,
		ThrottleSleep:       10 * time.Millisecond,
		PELBacklogThreshold: 200,
	}
	m := &metrics.Pipeline{}
	pub := cdc.NewPublisher(bus.NewProducer(client, cdcStream))
	consumer := NewClaudeConsumer(st, group, bus.NewDLQ(client, dlqStream), pub, cfg, 10*time.Millisecond, m)

	return &consumerHarness{client: client, store: st, producer: bus.NewProducer(client, events), consumer: consumer, metrics: m, rdb: rdb}
}

func claudeEvent(id string) *models.RawEvent {
	return &models.RawEvent{
		Version:   models.SchemaVersion,
		HookType:  models.HookTypeJSONLTrace,
		EventType: "assistant",
		Timestamp: time.Now().UTC(),
		Platform:  models.PlatformClaude,
		EventID:   id,
		SessionID: "S1",
		Metadata:  map[string]any{"workspace_hash": "w1", "source": models.SourceJSONLMonitor},
		Payload:   map[string]any{"entry_data": `{"uuid":"u-` + id + `"}`},
	}
}

func TestConsumerWritesAcksAndPublishesCDC(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e3"} {
		require.True(t, h.producer.PublishEvent(ctx, claudeEvent(id)))
	}

	go h.consumer.Run(ctx)
	defer h.consumer.Stop()

	require.Eventually(t, func() bool {
		n, err := h.store.CountClaudeTraces(ctx)
		return err == nil && n == 3
	}, 5*time.Second, 10*time.Millisecond, "all events durably written")

	// CDC carries one notification per row with dense sequences.
	assert.Eventually(t, func() bool {
		entries, err := h.rdb.XRange(ctx, "cdc:events", "-", "+").Result()
		return err == nil && len(entries) == 3
	}, 5*time.Second, 10*time.Millisecond)

	// After the durable write everything is acknowledged.
	assert.Eventually(t, func() bool {
		pending, err := h.rdb.XPending(ctx, "telemetry:events", bus.GroupClaudeProcessors).Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConsumerAcksFilteredEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cursorEvent := &models.RawEvent{
		Version:   models.SchemaVersion,
		EventType: models.EventTypeGeneration,
		Timestamp: time.Now().UTC(),
		Platform:  models.PlatformCursor,
		EventID:   "c1",
		Metadata:  map[string]any{"workspace_hash": "w2", "source": models.SourceCursorDatabase},
	}
	require.True(t, h.producer.PublishEvent(ctx, cursorEvent))

	go h.consumer.Run(ctx)
	defer h.consumer.Stop()

	assert.Eventually(t, func() bool {
		pending, err := h.rdb.XPending(ctx, "telemetry:events", bus.GroupClaudeProcessors).Result()
		return err == nil && pending.Count == 0 && h.metrics.EventsFiltered.Load() == 1
	}, 5*time.Second, 10*time.Millisecond, "foreign-platform events are acked, not written")

	n, err := h.store.CountClaudeTraces(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConsumerDeadLettersUnparseable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A timestamp that cannot parse makes the message unparseable.
	require.True(t, h.producer.PublishFields(ctx, map[string]any{
		"event_type": "assistant",
		"platform":   "claude",
		"timestamp":  "not-a-time",
	}))

	go h.consumer.Run(ctx)
	defer h.consumer.Stop()

	assert.Eventually(t, func() bool {
		entries, err := h.rdb.XRange(ctx, "telemetry:dlq", "-", "+").Result()
		return err == nil && len(entries) == 1
	}, 5*time.Second, 10*time.Millisecond, "unparseable message lands in DLQ")

	assert.Eventually(t, func() bool {
		pending, err := h.rdb.XPending(ctx, "telemetry:events", bus.GroupClaudeProcessors).Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 10*time.Millisecond, "dead-lettered message is acked")
}

func TestConsumerDropsIncompleteEnvelope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Parses fine but has no timestamp and no session identity: dropped
	// with a warning, never dead-lettered.
	require.True(t, h.producer.PublishFields(ctx, map[string]any{
		"event_type": "assistant",
		"platform":   "claude",
	}))

	go h.consumer.Run(ctx)
	defer h.consumer.Stop()

	assert.Eventually(t, func() bool {
		pending, err := h.rdb.XPending(ctx, "telemetry:events", bus.GroupClaudeProcessors).Result()
		return err == nil && pending.Count == 0 && h.metrics.DecodeFailures.Load() == 1
	}, 5*time.Second, 10*time.Millisecond, "incomplete event is acked and dropped")

	entries, err := h.rdb.XRange(ctx, "telemetry:dlq", "-", "+").Result()
	require.NoError(t, err)
	assert.Empty(t, entries)

	n, err := h.store.CountClaudeTraces(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBothWritersReceiveEveryEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The second writer runs in its own group on the same stream: group
	// semantics deliver each message to one consumer per group, so a
	// shared group would split the stream between the platforms.
	cursorGroup, err := bus.NewGroupConsumer(ctx, h.client, "telemetry:events", bus.GroupCursorProcessors, "cursor-test-writer")
	require.NoError(t, err)
	cfg := config.ConsumerConfig{
		BatchSize:           10,
		BatchTimeout:        20 * time.Millisecond,
		MaxRetries:          3,
		TargetWriteLatency:  10 * time.Millisecond,
		ThrottleSleep:       10 * time.Millisecond,
		PELBacklogThreshold: 200,
	}
	cdcStream := config.StreamConfig{Name: "cdc:events", MaxLength: 100_000, TrimApproximate: true}
	dlqStream := config.StreamConfig{Name: "telemetry:dlq", MaxLength: 1_000, TrimApproximate: true}
	cursorConsumer := NewCursorConsumer(h.store, cursorGroup, bus.NewDLQ(h.client, dlqStream),
		cdc.NewPublisher(bus.NewProducer(h.client, cdcStream)), cfg, 10*time.Millisecond, &metrics.Pipeline{})

	require.True(t, h.producer.PublishEvent(ctx, claudeEvent("e1")))
	require.True(t, h.producer.PublishEvent(ctx, &models.RawEvent{
		Version:   models.SchemaVersion,
		EventType: models.EventTypeGeneration,
		Timestamp: time.Now().UTC(),
		Platform:  models.PlatformCursor,
		EventID:   "g1",
		SessionID: "ext-1",
		Metadata:  map[string]any{"workspace_hash": "w2", "source": models.SourceCursorDatabase},
		Payload:   map[string]any{"full_data": map[string]any{"generationUUID": "g1"}},
	}))

	go h.consumer.Run(ctx)
	defer h.consumer.Stop()
	go cursorConsumer.Run(ctx)
	defer cursorConsumer.Stop()

	// Each writer persists its own platform's event regardless of which
	// arrived first.
	require.Eventually(t, func() bool {
		nc, err1 := h.store.CountClaudeTraces(ctx)
		nk, err2 := h.store.CountCursorTraces(ctx)
		return err1 == nil && err2 == nil && nc == 1 && nk == 1
	}, 5*time.Second, 10*time.Millisecond, "one row per platform")

	for _, group := range []string{bus.GroupClaudeProcessors, bus.GroupCursorProcessors} {
		assert.Eventually(t, func() bool {
			pending, err := h.rdb.XPending(ctx, "telemetry:events", group).Result()
			return err == nil && pending.Count == 0
		}, 5*time.Second, 10*time.Millisecond, "group %s fully acknowledged", group)
	}
}

func TestConsumerFinalFlushOnStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.True(t, h.producer.PublishEvent(ctx, claudeEvent("e9")))

	go h.consumer.Run(ctx)

	// Wait until the message has been read into the batch, then stop
	// before the timeout flush necessarily fired.
	require.Eventually(t, func() bool {
		return h.metrics.EventsConsumed.Load() == 1
	}, 5*time.Second, time.Millisecond)
	h.consumer.Stop()

	n, err := h.store.CountClaudeTraces(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "in-flight batch flushed on shutdown")
}
