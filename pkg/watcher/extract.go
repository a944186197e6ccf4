package watcher

import (
	"time"

	"github.com/google/uuid"

	"github.com/jleechanorg/bp-telemetry/pkg/models"
)

// Monitored workspace keys and the global composer key prefix.
const (
	keyGenerations        = "aiService.generations"
	keyPrompts            = "aiService.prompts"
	keyBackgroundComposer = "workbench.backgroundComposer.workspacePersistentData"
	keyAgentModeExit      = "workbench.agentMode.exitInfo"
	composerKeyPrefix     = "composerData:"
)

const (
	storageLevelWorkspace = "workspace"
	storageLevelGlobal    = "global"
	tableItemTable        = "ItemTable"
	tableCursorDiskKV     = "cursorDiskKV"
)

// bubbleRecursionLimit bounds nested-bubble extraction; real composer
// trees are shallow, anything deeper is treated as malformed.
const bubbleRecursionLimit = 5

// kvOrigin describes where a KV value was observed; it becomes the
// routing metadata every emitted event carries.
type kvOrigin struct {
	workspaceHash string
	storageLevel  string
	table         string
	itemKey       string
}

// newKVEvent builds the common envelope for one extracted item. Every
// KV event declares the cursor platform; downstream routing depends on
// it.
func newKVEvent(origin kvOrigin, eventType, eventID, sessionID string, ts time.Time, fullData any) *models.RawEvent {
	if eventID == "" {
		eventID = uuid.NewString()
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	source := models.SourceCursorDatabase
	if origin.storageLevel == storageLevelGlobal {
		source = models.SourceCursorGlobal
	}
	return &models.RawEvent{
		Version:   models.SchemaVersion,
		EventType: eventType,
		Timestamp: ts,
		Platform:  models.PlatformCursor,
		EventID:   eventID,
		SessionID: sessionID,
		Metadata: map[string]any{
			"workspace_hash": origin.workspaceHash,
			"source":         source,
			"storage_level":  origin.storageLevel,
			"database_table": origin.table,
			"item_key":       origin.itemKey,
		},
		Payload: map[string]any{"full_data": fullData},
	}
}

// extractGenerations yields one generation event per array item.
func extractGenerations(origin kvOrigin, items []map[string]any) []*models.RawEvent {
	events := make([]*models.RawEvent, 0, len(items))
	for _, item := range items {
		id, _ := item["generationUUID"].(string)
		events = append(events, newKVEvent(origin, models.EventTypeGeneration, id, "",
			msToTime(itemTimestamp(item)), item))
	}
	return events
}

// extractPrompts yields one prompt event per array item.
func extractPrompts(origin kvOrigin, items []map[string]any) []*models.RawEvent {
	events := make([]*models.RawEvent, 0, len(items))
	for _, item := range items {
		id, _ := item["promptId"].(string)
		events = append(events, newKVEvent(origin, models.EventTypePrompt, id, "",
			msToTime(itemTimestamp(item)), item))
	}
	return events
}

// extractComposer yields the composer event itself, one bubble event
// per conversation entry (descending into nested bubbles), and one
// capability event per non-empty capability run.
func extractComposer(origin kvOrigin, composerID string, data map[string]any) []*models.RawEvent {
	var events []*models.RawEvent

	ts := msToTime(itemTimestamp(data))
	events = append(events, newKVEvent(origin, models.EventTypeComposer, composerID, composerID, ts, data))

	conversation, _ := data["conversation"].([]any)
	for _, raw := range conversation {
		bubble, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		events = append(events, extractBubble(origin, composerID, "", bubble, 0)...)
	}
	return events
}

func extractBubble(origin kvOrigin, composerID, parentBubbleID string, bubble map[string]any, depth int) []*models.RawEvent {
	if depth > bubbleRecursionLimit {
		return nil
	}

	bubbleID, _ := bubble["bubbleId"].(string)
	if parentBubbleID != "" {
		bubble["parentBubbleId"] = parentBubbleID
	}
	events := []*models.RawEvent{
		newKVEvent(origin, models.EventTypeBubble, bubbleID, composerID,
			msToTime(itemTimestamp(bubble)), bubble),
	}

	for _, capRaw := range capabilityList(bubble) {
		capability, ok := capRaw.(map[string]any)
		if !ok || len(capability) == 0 {
			continue
		}
		events = append(events, newKVEvent(origin, models.EventTypeCapability, "", composerID,
			msToTime(itemTimestamp(capability)), capability))
	}

	for _, nestedKey := range []string{"nestedBubbles", "subBubbles"} {
		nested, _ := bubble[nestedKey].([]any)
		for _, raw := range nested {
			child, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			events = append(events, extractBubble(origin, composerID, bubbleID, child, depth+1)...)
		}
	}
	return events
}

func capabilityList(bubble map[string]any) []any {
	if caps, ok := bubble["capabilitiesRan"].([]any); ok {
		return caps
	}
	// capabilitiesRan also appears keyed by capability type.
	if caps, ok := bubble["capabilitiesRan"].(map[string]any); ok {
		var out []any
		for _, v := range caps {
			if list, ok := v.([]any); ok {
				out = append(out, list...)
			}
		}
		return out
	}
	return nil
}

// extractBackgroundComposer yields one event for the whole persisted
// background-composer blob.
func extractBackgroundComposer(origin kvOrigin, data map[string]any) []*models.RawEvent {
	return []*models.RawEvent{
		newKVEvent(origin, models.EventTypeBackgroundCompose, "", "", time.Time{}, data),
	}
}

// extractAgentMode yields one event for the agent-mode exit record.
func extractAgentMode(origin kvOrigin, data map[string]any) []*models.RawEvent {
	return []*models.RawEvent{
		newKVEvent(origin, models.EventTypeAgentMode, "", "", time.Time{}, data),
	}
}

func msToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
