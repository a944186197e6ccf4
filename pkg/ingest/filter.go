package ingest

import "github.com/jleechanorg/bp-telemetry/pkg/models"

// EventFilter decides whether a consumer keeps an event. Rejected
// events are still acknowledged; they belong to the other platform's
// consumer or to nobody.
type EventFilter func(*models.RawEvent) bool

var cursorSources = map[string]struct{}{
	models.SourceCursorDatabase: {},
	models.SourceCursorGlobal:   {},
}

var claudeSources = map[string]struct{}{
	models.SourceJSONLMonitor:      {},
	models.SourceTranscriptMonitor: {},
}

// ClaudeFilter keeps transcript-platform events: explicit platform plus
// a known transcript source, or the transcript hook type, or lifecycle
// events. Routing is by declared provenance only, never by the shape of
// the session id.
func ClaudeFilter(e *models.RawEvent) bool {
	_, claudeSource := claudeSources[e.Source()]
	if e.Platform == models.PlatformClaude && claudeSource {
		return true
	}
	if e.HookType == models.HookTypeJSONLTrace {
		return true
	}
	if e.Platform == models.PlatformClaude &&
		(e.EventType == models.EventTypeSessionStart || e.EventType == models.EventTypeSessionEnd) {
		return true
	}
	return false
}

// CursorFilter keeps KV-platform events. Anything declaring the
// transcript platform or a transcript source is excluded outright.
func CursorFilter(e *models.RawEvent) bool {
	if e.Platform == models.PlatformClaude {
		return false
	}
	if _, claudeSource := claudeSources[e.Source()]; claudeSource {
		return false
	}
	if e.Platform == models.PlatformCursor {
		return true
	}
	if _, cursorSource := cursorSources[e.Source()]; cursorSource {
		return true
	}
	// Workspace-scoped events with no session id default to the KV side.
	return e.WorkspaceHash() != "" && e.SessionID == ""
}
