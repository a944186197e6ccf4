package store

import (
	"context"
	"fmt"
	"log/slog"
)

// schemaVersion is bumped whenever a statement is added below. Upgrades
// are additive only: every statement is idempotent, so replaying the
// whole list against an older database brings it forward.
const schemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,

	`CREATE TABLE IF NOT EXISTS claude_raw_traces (
		sequence                    INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id                    TEXT NOT NULL,
		session_id                  TEXT,
		event_type                  TEXT NOT NULL,
		event_timestamp             TEXT NOT NULL,
		hook_type                   TEXT,
		source                      TEXT,
		uuid                        TEXT,
		parent_uuid                 TEXT,
		request_id                  TEXT,
		agent_id                    TEXT,
		workspace_hash              TEXT,
		project_name                TEXT,
		is_sidechain                INTEGER NOT NULL DEFAULT 0,
		cwd                         TEXT,
		version                     TEXT,
		git_branch                  TEXT,
		user_type                   TEXT,
		role                        TEXT,
		model                       TEXT,
		message_id                  TEXT,
		message_type                TEXT,
		stop_reason                 TEXT,
		stop_sequence               TEXT,
		input_tokens                INTEGER NOT NULL DEFAULT 0,
		output_tokens               INTEGER NOT NULL DEFAULT 0,
		cache_creation_input_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_input_tokens     INTEGER NOT NULL DEFAULT 0,
		cache_creation_5m_tokens    INTEGER NOT NULL DEFAULT 0,
		cache_creation_1h_tokens    INTEGER NOT NULL DEFAULT 0,
		service_tier                TEXT,
		tokens_used                 INTEGER NOT NULL DEFAULT 0,
		tool_calls_count            INTEGER NOT NULL DEFAULT 0,
		tool_name                   TEXT,
		is_api_error                INTEGER NOT NULL DEFAULT 0,
		lifecycle_phase             TEXT,
		end_reason                  TEXT,
		duration_ms                 INTEGER,
		event_data                  BLOB NOT NULL,
		created_at                  TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_claude_traces_session ON claude_raw_traces(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_claude_traces_workspace ON claude_raw_traces(workspace_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_claude_traces_type_ts ON claude_raw_traces(event_type, event_timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_claude_traces_event_id ON claude_raw_traces(event_id)`,

	`CREATE TABLE IF NOT EXISTS cursor_raw_traces (
		sequence            INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id            TEXT NOT NULL,
		external_session_id TEXT,
		event_type          TEXT NOT NULL,
		event_timestamp     TEXT NOT NULL,
		source              TEXT,
		workspace_hash      TEXT,
		storage_level       TEXT,
		database_table      TEXT,
		item_key            TEXT,
		generation_id       TEXT,
		composer_id         TEXT,
		bubble_id           TEXT,
		parent_bubble_id    TEXT,
		prompt_id           TEXT,
		message_role        TEXT,
		message_length      INTEGER NOT NULL DEFAULT 0,
		model               TEXT,
		unix_ms             INTEGER,
		start_time_ms       INTEGER,
		end_time_ms         INTEGER,
		duration_ms         INTEGER,
		lines_added         INTEGER NOT NULL DEFAULT 0,
		lines_removed       INTEGER NOT NULL DEFAULT 0,
		input_tokens        INTEGER NOT NULL DEFAULT 0,
		output_tokens       INTEGER NOT NULL DEFAULT 0,
		total_tokens        INTEGER NOT NULL DEFAULT 0,
		capabilities_ran    TEXT,
		capability_statuses TEXT,
		relevant_files      TEXT,
		selections          TEXT,
		status              TEXT,
		is_agentic          INTEGER NOT NULL DEFAULT 0,
		command_type        TEXT,
		event_data          BLOB NOT NULL,
		created_at          TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cursor_traces_session ON cursor_raw_traces(external_session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_cursor_traces_workspace ON cursor_raw_traces(workspace_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_cursor_traces_type_ts ON cursor_raw_traces(event_type, event_timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_cursor_traces_generation ON cursor_raw_traces(generation_id)`,

	`CREATE TABLE IF NOT EXISTS cursor_sessions (
		internal_id    TEXT PRIMARY KEY,
		external_id    TEXT,
		platform       TEXT NOT NULL,
		workspace_hash TEXT,
		workspace_path TEXT,
		workspace_name TEXT,
		started_at     TEXT NOT NULL,
		ended_at       TEXT,
		end_reason     TEXT,
		created_at     TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_external ON cursor_sessions(external_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_active ON cursor_sessions(ended_at) WHERE ended_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON cursor_sessions(workspace_hash)`,

	`CREATE TABLE IF NOT EXISTS session_mappings (
		external_id TEXT NOT NULL,
		internal_id TEXT NOT NULL,
		platform    TEXT NOT NULL,
		created_at  TEXT NOT NULL DEFAULT (datetime('now')),
		PRIMARY KEY (external_id, platform)
	)`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id     TEXT NOT NULL,
		platform       TEXT NOT NULL,
		workspace_hash TEXT,
		title          TEXT,
		started_at     TEXT,
		updated_at     TEXT,
		created_at     TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id)`,
}

// migrate replays every schema statement and records the resulting
// version. Safe to run on every startup.
func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, schemaVersion)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	slog.Debug("Schema ensured", "version", schemaVersion)
	return nil
}

// SchemaVersion returns the highest recorded schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.GetContext(ctx, &v, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
