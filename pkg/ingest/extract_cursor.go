package ingest

import (
	"encoding/json"
	"time"

	"github.com/jleechanorg/bp-telemetry/pkg/models"
	"github.com/jleechanorg/bp-telemetry/pkg/store"
)

// ExtractCursorRow builds the indexed KV-table row for one event. The
// value the watcher saw lives under payload.full_data; list-valued
// fields are stored JSON-stringified.
func ExtractCursorRow(event *models.RawEvent, blob []byte) store.CursorTraceRow {
	row := store.CursorTraceRow{
		EventID:           event.EventID,
		ExternalSessionID: event.SessionID,
		EventType:         event.EventType,
		EventTimestamp:    event.Timestamp.UTC().Format(time.RFC3339Nano),
		Source:            event.Source(),
		WorkspaceHash:     event.WorkspaceHash(),
		StorageLevel:      mapString(event.Metadata, "storage_level"),
		DatabaseTable:     mapString(event.Metadata, "database_table"),
		ItemKey:           mapString(event.Metadata, "item_key"),
		EventData:         blob,
	}

	data, ok := event.Payload["full_data"].(map[string]any)
	if !ok {
		return row
	}

	row.GenerationID = firstString(data, "generationUUID", "generation_id")
	row.ComposerID = firstString(data, "composerId", "composer_id")
	row.BubbleID = firstString(data, "bubbleId", "bubble_id")
	row.ParentBubbleID = firstString(data, "parentBubbleId", "parent_bubble_id")
	row.PromptID = firstString(data, "promptId", "prompt_id")
	row.Model = firstString(data, "model", "modelName")
	row.Status = mapString(data, "status")
	row.CommandType = firstString(data, "commandType", "type")
	row.IsAgentic = mapBool(data, "isAgentic")

	if text := firstString(data, "text", "textDescription"); text != "" {
		row.MessageLength = int64(len(text))
	}
	if role := mapString(data, "role"); role != "" {
		row.MessageRole = role
	} else if mapInt(data, "type") == 1 {
		row.MessageRole = "user"
	} else if _, has := data["type"]; has {
		row.MessageRole = "assistant"
	}

	row.UnixMS = firstInt(data, "unixMs", "unix_ms", "timestamp")
	row.StartTimeMS = firstInt(data, "startTime", "createdAt")
	row.EndTimeMS = firstInt(data, "endTime", "lastUpdatedAt")
	if row.EndTimeMS > 0 && row.StartTimeMS > 0 {
		row.DurationMS = row.EndTimeMS - row.StartTimeMS
	}

	row.LinesAdded = firstInt(data, "linesAdded", "addedLineCount")
	row.LinesRemoved = firstInt(data, "linesRemoved", "removedLineCount")

	if usage, ok := data["tokenCount"].(map[string]any); ok {
		row.InputTokens = firstInt(usage, "inputTokens", "input_tokens")
		row.OutputTokens = firstInt(usage, "outputTokens", "output_tokens")
	} else {
		row.InputTokens = mapInt(data, "inputTokens")
		row.OutputTokens = mapInt(data, "outputTokens")
	}
	row.TotalTokens = row.InputTokens + row.OutputTokens

	row.CapabilitiesRan = jsonList(data, "capabilitiesRan")
	row.CapabilityStatuses = jsonList(data, "capabilityStatuses")
	row.RelevantFiles = jsonList(data, "relevantFiles")
	row.Selections = jsonList(data, "selections")
	return row
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := mapString(m, k); v != "" {
			return v
		}
	}
	return ""
}

func firstInt(m map[string]any, keys ...string) int64 {
	for _, k := range keys {
		if v := mapInt(m, k); v != 0 {
			return v
		}
	}
	return 0
}

// jsonList stringifies a list-valued field, returning "" when absent
// or empty so the column stays NULL-ish for rows without it.
func jsonList(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if list, ok := v.([]any); ok && len(list) == 0 {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
