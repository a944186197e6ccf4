// Package models defines the core data types flowing through the
// telemetry pipeline: raw events, sessions, CDC notifications, and
// dead-letter entries, together with their stream wire encoding.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Platform identifies which assistant produced an event.
type Platform string

// Supported assistant platforms.
const (
	PlatformClaude Platform = "claude"
	PlatformCursor Platform = "cursor"
)

// Well-known event types. The set is open (watchers may emit any
// event_type string), but these are the ones the pipeline treats
// specially (lifecycle routing, CDC priority).
const (
	EventTypeSessionStart      = "session_start"
	EventTypeSessionEnd        = "session_end"
	EventTypeUserMessage       = "user_message"
	EventTypeAssistantMessage  = "assistant_message"
	EventTypeUserPrompt        = "user_prompt"
	EventTypeAssistantResponse = "assistant_response"
	EventTypeToolUse           = "tool_use"
	EventTypeMCPExecution      = "mcp_execution"
	EventTypeAcceptance        = "acceptance_decision"
	EventTypeFileEdit          = "file_edit"
	EventTypeShellExecution    = "shell_execution"
	EventTypeGeneration        = "generation"
	EventTypePrompt            = "prompt"
	EventTypeComposer          = "composer"
	EventTypeBubble            = "bubble"
	EventTypeCapability        = "capability"
	EventTypeBackgroundCompose = "background_composer"
	EventTypeAgentMode         = "agent_mode"

	// Transcript entries keep their raw entry type when emitted.
	EventTypeUserEntry      = "user"
	EventTypeAssistantEntry = "assistant"
)

// Watcher source identifiers carried in metadata.source.
const (
	SourceJSONLMonitor      = "jsonl_monitor"
	SourceTranscriptMonitor = "transcript_monitor"
	SourceCursorDatabase    = "cursor_db_monitor"
	SourceCursorGlobal      = "cursor_global_monitor"
	SourceRecovered         = "recovered"
)

// HookTypeJSONLTrace marks events produced by tailing transcript files.
const HookTypeJSONLTrace = "JSONLTrace"

// SchemaVersion is the envelope version tag written into every event.
const SchemaVersion = "1.0"

// RawEvent is the unit of telemetry. Immutable once produced.
// Metadata must include at minimum workspace_hash and source.
type RawEvent struct {
	Version   string         `json:"version"`
	HookType  string         `json:"hook_type"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Platform  Platform       `json:"platform"`
	EventID   string         `json:"event_id"`
	SessionID string         `json:"session_id"`
	Metadata  map[string]any `json:"metadata"`
	Payload   map[string]any `json:"payload"`
}

// WorkspaceHash returns metadata.workspace_hash, or "" when absent.
func (e *RawEvent) WorkspaceHash() string {
	return e.metaString("workspace_hash")
}

// Source returns metadata.source, or "" when absent.
func (e *RawEvent) Source() string {
	return e.metaString("source")
}

func (e *RawEvent) metaString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	if v, ok := e.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// Validate checks the required envelope fields of a hook-emitted event.
// Per the error policy, events failing validation are logged and
// dropped by the caller, not dead-lettered.
func (e *RawEvent) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("event missing event_type")
	}
	if e.Platform != PlatformClaude && e.Platform != PlatformCursor {
		return fmt.Errorf("event has unknown platform %q", e.Platform)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event missing timestamp")
	}
	if e.WorkspaceHash() == "" && e.SessionID == "" {
		return fmt.Errorf("event carries neither workspace_hash nor session_id")
	}
	return nil
}

// ToStreamFields flattens the event into the flat string-keyed map the
// bus carries. Top-level scalars become strings; metadata and payload
// are JSON-encoded strings.
func (e *RawEvent) ToStreamFields() (map[string]any, error) {
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal event metadata: %w", err)
	}
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return map[string]any{
		"version":    e.Version,
		"hook_type":  e.HookType,
		"event_type": e.EventType,
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
		"platform":   string(e.Platform),
		"event_id":   e.EventID,
		"session_id": e.SessionID,
		"metadata":   string(metaJSON),
		"payload":    string(payloadJSON),
	}, nil
}

// EventFromStreamFields reconstructs a RawEvent from bus message
// fields. messageID is the bus-assigned id and is used as the event_id
// fallback when the producer omitted one.
func EventFromStreamFields(messageID string, fields map[string]any) (*RawEvent, error) {
	e := &RawEvent{
		Version:   fieldString(fields, "version"),
		HookType:  fieldString(fields, "hook_type"),
		EventType: fieldString(fields, "event_type"),
		Platform:  Platform(fieldString(fields, "platform")),
		EventID:   fieldString(fields, "event_id"),
		SessionID: fieldString(fields, "session_id"),
	}
	if e.EventID == "" {
		e.EventID = messageID
	}

	if ts := fieldString(fields, "timestamp"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp %q: %w", ts, err)
		}
		e.Timestamp = parsed
	}

	if raw := fieldString(fields, "metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Metadata); err != nil {
			return nil, fmt.Errorf("parse event metadata: %w", err)
		}
	}
	if raw := fieldString(fields, "payload"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
			return nil, fmt.Errorf("parse event payload: %w", err)
		}
	}
	return e, nil
}

func fieldString(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

// StreamMessage is a bus message as consumed from a stream: the broker
// id plus the flat field map.
type StreamMessage struct {
	ID     string
	Fields map[string]any
}
