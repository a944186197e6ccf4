package models

import (
	"path/filepath"
	"strings"
	"time"
)

// EndReason records why a session stopped being active.
type EndReason string

// Session end reasons.
const (
	EndReasonNormal  EndReason = "normal"
	EndReasonTimeout EndReason = "timeout"
	EndReasonCrash   EndReason = "crash"
)

// Session represents a live (or historical) assistant session. Created
// on session_start, ended exactly once by session_end or the timeout
// sweeper, never deleted. A row with a nil EndedAt is recoverable: on
// startup it becomes active in memory again.
type Session struct {
	ExternalID    string         `db:"external_id"`
	InternalID    string         `db:"internal_id"`
	Platform      Platform       `db:"platform"`
	WorkspaceHash string         `db:"workspace_hash"`
	WorkspacePath string         `db:"workspace_path"`
	WorkspaceName string         `db:"workspace_name"`
	StartedAt     time.Time      `db:"started_at"`
	EndedAt       *time.Time     `db:"ended_at"`
	EndReason     EndReason      `db:"end_reason"`
	Metadata      map[string]any `db:"-"`
}

// Active reports whether the session has not yet ended.
func (s *Session) Active() bool {
	return s.EndedAt == nil
}

// ActiveKey returns the in-memory map key for this session:
// workspace_hash for the KV platform, external_id for the transcript
// platform.
func (s *Session) ActiveKey() string {
	if s.Platform == PlatformCursor && s.WorkspaceHash != "" {
		return s.WorkspaceHash
	}
	return s.ExternalID
}

// WorkspaceName derives the display name for a workspace path: the
// last non-empty path component. Pure and platform-stable; an empty
// path yields "".
func WorkspaceName(workspacePath string) string {
	if workspacePath == "" {
		return ""
	}
	cleaned := filepath.ToSlash(filepath.Clean(workspacePath))
	parts := strings.Split(cleaned, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i]
		}
	}
	return ""
}
