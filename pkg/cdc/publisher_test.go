package cdc

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jleechanorg/bp-telemetry/pkg/bus"
	"github.com/jleechanorg/bp-telemetry/pkg/config"
	"github.com/jleechanorg/bp-telemetry/pkg/models"
)

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		eventType string
		want      int
	}{
		{models.EventTypeUserPrompt, 1},
		{models.EventTypeAcceptance, 1},
		{models.EventTypeToolUse, 2},
		{models.EventTypeMCPExecution, 2},
		{models.EventTypeAssistantResponse, 2},
		{models.EventTypeFileEdit, 3},
		{models.EventTypeShellExecution, 3},
		{models.EventTypeSessionStart, 4},
		{models.EventTypeSessionEnd, 4},
		{models.EventTypeGeneration, 5},
		{"something_new", 5},
		// Raw transcript entries: an assistant turn is execution work,
		// a user turn stays at the default band.
		{models.EventTypeAssistantEntry, 2},
		{models.EventTypeUserEntry, 5},
	}
	for _, tc := range tests {
		t.Run(tc.eventType, func(t *testing.T) {
			assert.Equal(t, tc.want, PriorityFor(tc.eventType))
		})
	}
}

func TestPublishRow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := bus.NewClientFromRedis(rdb)

	stream := config.StreamConfig{Name: "cdc:events", MaxLength: 100_000, TrimApproximate: true}
	pub := NewPublisher(bus.NewProducer(client, stream))

	event := &models.RawEvent{
		EventID:   "evt-9",
		SessionID: "S1",
		EventType: models.EventTypeUserPrompt,
		Platform:  models.PlatformClaude,
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	pub.PublishRow(context.Background(), 42, event)

	entries, err := rdb.XRange(context.Background(), "cdc:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, "42", entries[0].Values["sequence"])
	assert.Equal(t, "evt-9", entries[0].Values["event_id"])
	assert.Equal(t, strconv.Itoa(PriorityInteractive), entries[0].Values["priority"])
	assert.Equal(t, "claude", entries[0].Values["platform"])
}
