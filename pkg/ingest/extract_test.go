package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jleechanorg/bp-telemetry/pkg/models"
)

func TestCompressRoundTrip(t *testing.T) {
	event := &models.RawEvent{
		Version:   models.SchemaVersion,
		EventType: models.EventTypeToolUse,
		EventID:   "e1",
		Platform:  models.PlatformClaude,
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:   map[string]any{"entry_data": `{"type":"assistant"}`},
	}
	blob, err := CompressEvent(event)
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	back, err := DecompressEvent(blob)
	require.NoError(t, err)
	assert.Equal(t, event.EventID, back.EventID)
	assert.Equal(t, event.Payload, back.Payload)
}

func TestDecompressRejectsGarbage(t *testing.T) {
	_, err := DecompressEvent([]byte("not a zlib stream"))
	assert.Error(t, err)
}

func TestExtractClaudeRow(t *testing.T) {
	entry := map[string]any{
		"uuid":        "u-1",
		"parentUuid":  "u-0",
		"requestId":   "req-1",
		"isSidechain": true,
		"cwd":         "/home/dev/proj",
		"version":     "1.0.64",
		"gitBranch":   "main",
		"userType":    "external",
		"type":        "assistant",
		"message": map[string]any{
			"id":          "msg-1",
			"role":        "assistant",
			"model":       "model-x",
			"stop_reason": "tool_use",
			"content": []any{
				map[string]any{"type": "text", "text": "hi"},
				map[string]any{"type": "tool_use", "name": "Bash"},
				map[string]any{"type": "tool_use", "name": "Read"},
			},
			"usage": map[string]any{
				"input_tokens":                float64(120),
				"output_tokens":               float64(30),
				"cache_read_input_tokens":     float64(900),
				"cache_creation_input_tokens": float64(15),
				"service_tier":                "standard",
				"cache_creation": map[string]any{
					"ephemeral_5m_input_tokens": float64(15),
					"ephemeral_1h_input_tokens": float64(0),
				},
			},
		},
	}
	event := &models.RawEvent{
		EventID:   "e1",
		SessionID: "S1",
		EventType: "assistant",
		HookType:  models.HookTypeJSONLTrace,
		Platform:  models.PlatformClaude,
		Timestamp: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		Metadata: map[string]any{
			"workspace_hash": "w1",
			"project_name":   "proj",
			"source":         models.SourceJSONLMonitor,
		},
		Payload: map[string]any{"entry_data": entry},
	}

	row := ExtractClaudeRow(event, []byte("blob"))
	assert.Equal(t, "u-1", row.UUID)
	assert.Equal(t, "u-0", row.ParentUUID)
	assert.Equal(t, "req-1", row.RequestID)
	assert.True(t, row.IsSidechain)
	assert.Equal(t, "/home/dev/proj", row.CWD)
	assert.Equal(t, "main", row.GitBranch)
	assert.Equal(t, "proj", row.ProjectName)
	assert.Equal(t, "model-x", row.Model)
	assert.Equal(t, "msg-1", row.MessageID)
	assert.Equal(t, int64(120), row.InputTokens)
	assert.Equal(t, int64(30), row.OutputTokens)
	assert.Equal(t, int64(150), row.TokensUsed, "tokens_used is input plus output")
	assert.Equal(t, int64(900), row.CacheReadInputTokens)
	assert.Equal(t, int64(15), row.CacheCreation5mTokens)
	assert.Equal(t, int64(2), row.ToolCallsCount)
	assert.Equal(t, "Bash", row.ToolName)
	assert.Equal(t, []byte("blob"), row.EventData)
}

func TestExtractClaudeRowFromJSONString(t *testing.T) {
	event := &models.RawEvent{
		EventID:   "e2",
		EventType: "user",
		Platform:  models.PlatformClaude,
		Timestamp: time.Now(),
		Payload: map[string]any{
			"entry_data": `{"uuid":"u-2","toolUseResult":{"agentId":"agent-7"}}`,
		},
	}
	row := ExtractClaudeRow(event, nil)
	assert.Equal(t, "u-2", row.UUID)
	assert.Equal(t, "agent-7", row.AgentID, "agent id recovered from tool result")
}

func TestExtractClaudeRowMalformedEntry(t *testing.T) {
	event := &models.RawEvent{
		EventID:   "e3",
		EventType: models.EventTypeSessionEnd,
		Platform:  models.PlatformClaude,
		Timestamp: time.Now(),
		Payload:   map[string]any{"entry_data": "{not json", "end_reason": "normal"},
	}
	row := ExtractClaudeRow(event, []byte("b"))
	assert.Equal(t, "e3", row.EventID, "malformed entries still persist")
	assert.Equal(t, "end", row.LifecyclePhase)
	assert.Equal(t, "normal", row.EndReason)
}

func TestExtractCursorRow(t *testing.T) {
	event := &models.RawEvent{
		EventID:   "c1",
		SessionID: "ext-1",
		EventType: models.EventTypeGeneration,
		Platform:  models.PlatformCursor,
		Timestamp: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		Metadata: map[string]any{
			"workspace_hash": "abcd",
			"source":         models.SourceCursorDatabase,
			"storage_level":  "workspace",
			"database_table": "ItemTable",
			"item_key":       "aiService.generations",
		},
		Payload: map[string]any{
			"full_data": map[string]any{
				"generationUUID": "gen-1",
				"composerId":     "comp-1",
				"type":           float64(1),
				"text":           "add a test",
				"unixMs":         float64(1738368000000),
				"startTime":      float64(1000),
				"endTime":        float64(3500),
				"linesAdded":     float64(12),
				"linesRemoved":   float64(3),
				"tokenCount": map[string]any{
					"inputTokens":  float64(200),
					"outputTokens": float64(80),
				},
				"capabilitiesRan": []any{"edit", "search"},
				"relevantFiles":   []any{"main.go"},
				"selections":      []any{},
			},
		},
	}

	row := ExtractCursorRow(event, []byte("blob"))
	assert.Equal(t, "ext-1", row.ExternalSessionID)
	assert.Equal(t, "workspace", row.StorageLevel)
	assert.Equal(t, "ItemTable", row.DatabaseTable)
	assert.Equal(t, "aiService.generations", row.ItemKey)
	assert.Equal(t, "gen-1", row.GenerationID)
	assert.Equal(t, "comp-1", row.ComposerID)
	assert.Equal(t, "user", row.MessageRole)
	assert.Equal(t, int64(10), row.MessageLength)
	assert.Equal(t, int64(1738368000000), row.UnixMS)
	assert.Equal(t, int64(2500), row.DurationMS)
	assert.Equal(t, int64(12), row.LinesAdded)
	assert.Equal(t, int64(280), row.TotalTokens)
	assert.JSONEq(t, `["edit","search"]`, row.CapabilitiesRan)
	assert.JSONEq(t, `["main.go"]`, row.RelevantFiles)
	assert.Empty(t, row.Selections, "empty lists stay unset")
}

func TestExtractCursorRowWithoutFullData(t *testing.T) {
	event := &models.RawEvent{
		EventID:   "c2",
		EventType: models.EventTypeAgentMode,
		Platform:  models.PlatformCursor,
		Timestamp: time.Now(),
		Metadata:  map[string]any{"workspace_hash": "abcd"},
	}
	row := ExtractCursorRow(event, nil)
	assert.Equal(t, "c2", row.EventID)
	assert.Equal(t, "abcd", row.WorkspaceHash)
}
