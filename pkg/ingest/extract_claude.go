package ingest

import (
	"encoding/json"
	"time"

	"github.com/jleechanorg/bp-telemetry/pkg/models"
	"github.com/jleechanorg/bp-telemetry/pkg/store"
)

// ExtractClaudeRow builds the indexed transcript-table row for one
// event. The full event is compressed separately into blob; extraction
// is best-effort: a malformed entry still yields a storable row with
// whatever columns could be read.
func ExtractClaudeRow(event *models.RawEvent, blob []byte) store.ClaudeTraceRow {
	row := store.ClaudeTraceRow{
		EventID:        event.EventID,
		SessionID:      event.SessionID,
		EventType:      event.EventType,
		EventTimestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
		HookType:       event.HookType,
		Source:         event.Source(),
		WorkspaceHash:  event.WorkspaceHash(),
		ProjectName:    mapString(event.Metadata, "project_name"),
		AgentID:        mapString(event.Metadata, "agent_id"),
		EventData:      blob,
	}

	entry := transcriptEntry(event.Payload)
	if entry == nil {
		row.LifecyclePhase = lifecyclePhase(event.EventType)
		row.EndReason = mapString(event.Payload, "end_reason")
		return row
	}

	row.UUID = mapString(entry, "uuid")
	row.ParentUUID = mapString(entry, "parentUuid")
	row.RequestID = mapString(entry, "requestId")
	row.IsSidechain = mapBool(entry, "isSidechain")
	row.CWD = mapString(entry, "cwd")
	row.Version = mapString(entry, "version")
	row.GitBranch = mapString(entry, "gitBranch")
	row.UserType = mapString(entry, "userType")
	row.MessageType = mapString(entry, "type")
	row.LifecyclePhase = lifecyclePhase(event.EventType)

	if row.AgentID == "" {
		if result, ok := entry["toolUseResult"].(map[string]any); ok {
			row.AgentID = mapString(result, "agentId")
		}
	}

	message, ok := entry["message"].(map[string]any)
	if !ok {
		return row
	}
	row.Role = mapString(message, "role")
	row.Model = mapString(message, "model")
	row.MessageID = mapString(message, "id")
	row.StopReason = mapString(message, "stop_reason")
	row.StopSequence = mapString(message, "stop_sequence")
	row.ToolCallsCount = countToolCalls(message)
	if row.ToolCallsCount > 0 && row.ToolName == "" {
		row.ToolName = firstToolName(message)
	}

	if usage, ok := message["usage"].(map[string]any); ok {
		row.InputTokens = mapInt(usage, "input_tokens")
		row.OutputTokens = mapInt(usage, "output_tokens")
		row.CacheCreationInputTokens = mapInt(usage, "cache_creation_input_tokens")
		row.CacheReadInputTokens = mapInt(usage, "cache_read_input_tokens")
		row.ServiceTier = mapString(usage, "service_tier")
		if cache, ok := usage["cache_creation"].(map[string]any); ok {
			row.CacheCreation5mTokens = mapInt(cache, "ephemeral_5m_input_tokens")
			row.CacheCreation1hTokens = mapInt(cache, "ephemeral_1h_input_tokens")
		}
		row.TokensUsed = row.InputTokens + row.OutputTokens
	}
	return row
}

// transcriptEntry returns the parsed JSONL entry carried under
// payload.entry_data, accepting either a pre-parsed object or the
// verbatim JSON string.
func transcriptEntry(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	switch v := payload["entry_data"].(type) {
	case map[string]any:
		return v
	case string:
		var entry map[string]any
		if err := json.Unmarshal([]byte(v), &entry); err != nil {
			return nil
		}
		return entry
	default:
		return nil
	}
}

func lifecyclePhase(eventType string) string {
	switch eventType {
	case models.EventTypeSessionStart:
		return "start"
	case models.EventTypeSessionEnd:
		return "end"
	default:
		return ""
	}
}

func countToolCalls(message map[string]any) int64 {
	content, ok := message["content"].([]any)
	if !ok {
		return 0
	}
	var n int64
	for _, item := range content {
		if block, ok := item.(map[string]any); ok && mapString(block, "type") == "tool_use" {
			n++
		}
	}
	return n
}

func firstToolName(message map[string]any) string {
	content, ok := message["content"].([]any)
	if !ok {
		return ""
	}
	for _, item := range content {
		if block, ok := item.(map[string]any); ok && mapString(block, "type") == "tool_use" {
			return mapString(block, "name")
		}
	}
	return ""
}

func mapString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func mapBool(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

// mapInt reads a numeric field. JSON numbers decode as float64; string
// digits are tolerated because stream fields round-trip as text.
func mapInt(m map[string]any, key string) int64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}
