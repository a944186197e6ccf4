package store

import (
	"context"
	"fmt"
	"time"
)

// ClaudeTraceRow is one persisted transcript event. Sequence is
// assigned by the database at insert time; EventData holds the full
// original event, DEFLATE-compressed.
type ClaudeTraceRow struct {
	Sequence                 int64  `db:"sequence"`
	EventID                  string `db:"event_id"`
	SessionID                string `db:"session_id"`
	EventType                string `db:"event_type"`
	EventTimestamp           string `db:"event_timestamp"`
	HookType                 string `db:"hook_type"`
	Source                   string `db:"source"`
	UUID                     string `db:"uuid"`
	ParentUUID               string `db:"parent_uuid"`
	RequestID                string `db:"request_id"`
	AgentID                  string `db:"agent_id"`
	WorkspaceHash            string `db:"workspace_hash"`
	ProjectName              string `db:"project_name"`
	IsSidechain              bool   `db:"is_sidechain"`
	CWD                      string `db:"cwd"`
	Version                  string `db:"version"`
	GitBranch                string `db:"git_branch"`
	UserType                 string `db:"user_type"`
	Role                     string `db:"role"`
	Model                    string `db:"model"`
	MessageID                string `db:"message_id"`
	MessageType              string `db:"message_type"`
	StopReason               string `db:"stop_reason"`
	StopSequence             string `db:"stop_sequence"`
	InputTokens              int64  `db:"input_tokens"`
	OutputTokens             int64  `db:"output_tokens"`
	CacheCreationInputTokens int64  `db:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64  `db:"cache_read_input_tokens"`
	CacheCreation5mTokens    int64  `db:"cache_creation_5m_tokens"`
	CacheCreation1hTokens    int64  `db:"cache_creation_1h_tokens"`
	ServiceTier              string `db:"service_tier"`
	TokensUsed               int64  `db:"tokens_used"`
	ToolCallsCount           int64  `db:"tool_calls_count"`
	ToolName                 string `db:"tool_name"`
	IsAPIError               bool   `db:"is_api_error"`
	LifecyclePhase           string `db:"lifecycle_phase"`
	EndReason                string `db:"end_reason"`
	DurationMS               int64  `db:"duration_ms"`
	EventData                []byte `db:"event_data"`
}

// CursorTraceRow is one persisted KV-sourced event.
type CursorTraceRow struct {
	Sequence           int64  `db:"sequence"`
	EventID            string `db:"event_id"`
	ExternalSessionID  string `db:"external_session_id"`
	EventType          string `db:"event_type"`
	EventTimestamp     string `db:"event_timestamp"`
	Source             string `db:"source"`
	WorkspaceHash      string `db:"workspace_hash"`
	StorageLevel       string `db:"storage_level"`
	DatabaseTable      string `db:"database_table"`
	ItemKey            string `db:"item_key"`
	GenerationID       string `db:"generation_id"`
	ComposerID         string `db:"composer_id"`
	BubbleID           string `db:"bubble_id"`
	ParentBubbleID     string `db:"parent_bubble_id"`
	PromptID           string `db:"prompt_id"`
	MessageRole        string `db:"message_role"`
	MessageLength      int64  `db:"message_length"`
	Model              string `db:"model"`
	UnixMS             int64  `db:"unix_ms"`
	StartTimeMS        int64  `db:"start_time_ms"`
	EndTimeMS          int64  `db:"end_time_ms"`
	DurationMS         int64  `db:"duration_ms"`
	LinesAdded         int64  `db:"lines_added"`
	LinesRemoved       int64  `db:"lines_removed"`
	InputTokens        int64  `db:"input_tokens"`
	OutputTokens       int64  `db:"output_tokens"`
	TotalTokens        int64  `db:"total_tokens"`
	CapabilitiesRan    string `db:"capabilities_ran"`
	CapabilityStatuses string `db:"capability_statuses"`
	RelevantFiles      string `db:"relevant_files"`
	Selections         string `db:"selections"`
	Status             string `db:"status"`
	IsAgentic          bool   `db:"is_agentic"`
	CommandType        string `db:"command_type"`
	EventData          []byte `db:"event_data"`
}

const insertClaudeTraces = `INSERT INTO claude_raw_traces (
	event_id, session_id, event_type, event_timestamp, hook_type, source,
	uuid, parent_uuid, request_id, agent_id,
	workspace_hash, project_name, is_sidechain, cwd, version, git_branch, user_type,
	role, model, message_id, message_type, stop_reason, stop_sequence,
	input_tokens, output_tokens, cache_creation_input_tokens, cache_read_input_tokens,
	cache_creation_5m_tokens, cache_creation_1h_tokens, service_tier,
	tokens_used, tool_calls_count, tool_name, is_api_error,
	lifecycle_phase, end_reason, duration_ms, event_data
) VALUES (
	:event_id, :session_id, :event_type, :event_timestamp, :hook_type, :source,
	:uuid, :parent_uuid, :request_id, :agent_id,
	:workspace_hash, :project_name, :is_sidechain, :cwd, :version, :git_branch, :user_type,
	:role, :model, :message_id, :message_type, :stop_reason, :stop_sequence,
	:input_tokens, :output_tokens, :cache_creation_input_tokens, :cache_read_input_tokens,
	:cache_creation_5m_tokens, :cache_creation_1h_tokens, :service_tier,
	:tokens_used, :tool_calls_count, :tool_name, :is_api_error,
	:lifecycle_phase, :end_reason, :duration_ms, :event_data
)`

const insertCursorTraces = `INSERT INTO cursor_raw_traces (
	event_id, external_session_id, event_type, event_timestamp, source,
	workspace_hash, storage_level, database_table, item_key,
	generation_id, composer_id, bubble_id, parent_bubble_id, prompt_id,
	message_role, message_length, model,
	unix_ms, start_time_ms, end_time_ms, duration_ms,
	lines_added, lines_removed, input_tokens, output_tokens, total_tokens,
	capabilities_ran, capability_statuses, relevant_files, selections,
	status, is_agentic, command_type, event_data
) VALUES (
	:event_id, :external_session_id, :event_type, :event_timestamp, :source,
	:workspace_hash, :storage_level, :database_table, :item_key,
	:generation_id, :composer_id, :bubble_id, :parent_bubble_id, :prompt_id,
	:message_role, :message_length, :model,
	:unix_ms, :start_time_ms, :end_time_ms, :duration_ms,
	:lines_added, :lines_removed, :input_tokens, :output_tokens, :total_tokens,
	:capabilities_ran, :capability_statuses, :relevant_files, :selections,
	:status, :is_agentic, :command_type, :event_data
)`

// AppendResult reports what a batch append produced: the contiguous
// sequence range assigned to the rows and the wall-clock write latency.
type AppendResult struct {
	FirstSequence int64
	LastSequence  int64
	Elapsed       time.Duration
}

// AppendClaudeTraces inserts the batch in one multi-row statement
// inside a single transaction and fills in each row's Sequence. Rows
// keep their slice order; sequences are contiguous, ending at the
// table's last rowid.
func (s *Store) AppendClaudeTraces(ctx context.Context, rows []ClaudeTraceRow) (AppendResult, error) {
	return s.appendBatch(ctx, insertClaudeTraces, rows, len(rows), func(first int64) {
		for i := range rows {
			rows[i].Sequence = first + int64(i)
		}
	})
}

// AppendCursorTraces is the KV-table counterpart of AppendClaudeTraces.
func (s *Store) AppendCursorTraces(ctx context.Context, rows []CursorTraceRow) (AppendResult, error) {
	return s.appendBatch(ctx, insertCursorTraces, rows, len(rows), func(first int64) {
		for i := range rows {
			rows[i].Sequence = first + int64(i)
		}
	})
}

func (s *Store) appendBatch(ctx context.Context, query string, rows any, n int, assign func(first int64)) (AppendResult, error) {
	if n == 0 {
		return AppendResult{}, nil
	}
	start := time.Now()

	var res AppendResult
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin trace transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// sqlx expands the named statement into one multi-row VALUES
		// list for a slice argument.
		result, err := tx.NamedExecContext(ctx, query, rows)
		if err != nil {
			return fmt.Errorf("insert %d trace rows: %w", n, err)
		}
		last, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("read last sequence: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit trace batch: %w", err)
		}

		res.LastSequence = last
		res.FirstSequence = last - int64(n) + 1
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}

	assign(res.FirstSequence)
	res.Elapsed = time.Since(start)
	return res, nil
}

// CountClaudeTraces returns the row count of the transcript table.
func (s *Store) CountClaudeTraces(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM claude_raw_traces`)
	if err != nil {
		return 0, fmt.Errorf("count transcript traces: %w", err)
	}
	return n, nil
}

// CountCursorTraces returns the row count of the KV table.
func (s *Store) CountCursorTraces(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM cursor_raw_traces`)
	if err != nil {
		return 0, fmt.Errorf("count kv traces: %w", err)
	}
	return n, nil
}
