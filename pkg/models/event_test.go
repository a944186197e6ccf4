package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawEvent_StreamFieldsRoundTrip(t *testing.T) {
	ts := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	e := &RawEvent{
		Version:   SchemaVersion,
		HookType:  HookTypeJSONLTrace,
		EventType: "assistant",
		Timestamp: ts,
		Platform:  PlatformClaude,
		EventID:   "evt-1",
		SessionID: "S1",
		Metadata: map[string]any{
			"workspace_hash": "abc123",
			"source":         SourceJSONLMonitor,
		},
		Payload: map[string]any{
			"entry_data": map[string]any{"type": "assistant", "uuid": "A1"},
		},
	}

	fields, err := e.ToStreamFields()
	require.NoError(t, err)
	assert.Equal(t, "claude", fields["platform"])
	assert.IsType(t, "", fields["metadata"], "metadata must travel as a JSON string")
	assert.IsType(t, "", fields["payload"], "payload must travel as a JSON string")

	decoded, err := EventFromStreamFields("1-0", fields)
	require.NoError(t, err)
	assert.Equal(t, e.EventID, decoded.EventID)
	assert.Equal(t, e.SessionID, decoded.SessionID)
	assert.Equal(t, e.Platform, decoded.Platform)
	assert.True(t, ts.Equal(decoded.Timestamp))
	assert.Equal(t, "abc123", decoded.WorkspaceHash())
	assert.Equal(t, SourceJSONLMonitor, decoded.Source())
}

func TestEventFromStreamFields_EventIDFallsBackToMessageID(t *testing.T) {
	fields := map[string]any{
		"event_type": "generation",
		"platform":   "cursor",
		"timestamp":  "2025-01-01T00:00:00Z",
		"metadata":   `{"workspace_hash":"w1","source":"cursor_db_monitor"}`,
	}

	decoded, err := EventFromStreamFields("1692000000-7", fields)
	require.NoError(t, err)
	assert.Equal(t, "1692000000-7", decoded.EventID)
}

func TestEventFromStreamFields_BadTimestamp(t *testing.T) {
	fields := map[string]any{
		"event_type": "generation",
		"platform":   "cursor",
		"timestamp":  "not-a-time",
	}
	_, err := EventFromStreamFields("1-0", fields)
	assert.Error(t, err)
}

func TestEventFromStreamFields_BadPayloadJSON(t *testing.T) {
	fields := map[string]any{
		"event_type": "generation",
		"platform":   "cursor",
		"payload":    "{not json",
	}
	_, err := EventFromStreamFields("1-0", fields)
	assert.Error(t, err)
}

func TestRawEvent_Validate(t *testing.T) {
	valid := &RawEvent{
		EventType: EventTypeSessionStart,
		Platform:  PlatformClaude,
		Timestamp: time.Now(),
		SessionID: "S1",
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*RawEvent)
	}{
		{"missing event_type", func(e *RawEvent) { e.EventType = "" }},
		{"unknown platform", func(e *RawEvent) { e.Platform = "copilot" }},
		{"missing timestamp", func(e *RawEvent) { e.Timestamp = time.Time{} }},
		{"no identifiers", func(e *RawEvent) { e.SessionID = ""; e.Metadata = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := *valid
			tt.mutate(&e)
			assert.Error(t, e.Validate())
		})
	}
}

func TestRawEvent_ValidateAllowsEmptySessionIDWithWorkspaceHash(t *testing.T) {
	// Cursor lifecycle events may carry only a workspace_hash.
	e := &RawEvent{
		EventType: EventTypeSessionStart,
		Platform:  PlatformCursor,
		Timestamp: time.Now(),
		Metadata:  map[string]any{"workspace_hash": "deadbeef", "source": SourceCursorDatabase},
	}
	assert.NoError(t, e.Validate())
}

func TestWorkspaceName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/u/a/proj", "proj"},
		{"/u/a/proj/", "proj"},
		{"/", ""},
		{"", ""},
		{"proj", "proj"},
		{"/single", "single"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, WorkspaceName(tt.path), "path %q", tt.path)
	}
}

func TestDLQEntry_PreservesOriginalFields(t *testing.T) {
	entry := &DLQEntry{
		OriginalMessageID: "5-0",
		OriginalFields: map[string]any{
			"event_type": "tool_use",
			"platform":   "claude",
			"payload":    `{"k":"v"}`,
		},
		MovedToDLQAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		RetryCount:   3,
		ErrorType:    "unparseable",
		ErrorMessage: "invalid payload JSON",
		StreamName:   "telemetry:events",
		GroupName:    "processors",
		ConsumerName: "consumer-1",
	}

	fields := entry.ToStreamFields()
	for k, v := range entry.OriginalFields {
		assert.Equal(t, v, fields[k], "original field %q must be preserved", k)
	}
	assert.Equal(t, "5-0", fields["original_message_id"])
	assert.Equal(t, int64(3), fields["retry_count"])
	assert.Equal(t, "unparseable", fields["error_type"])
}
