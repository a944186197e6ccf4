package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jleechanorg/bp-telemetry/pkg/models"
)

// ErrSessionNotFound indicates no session row matched the lookup.
var ErrSessionNotFound = errors.New("session not found")

const timeLayout = time.RFC3339Nano

type sessionRow struct {
	InternalID    string         `db:"internal_id"`
	ExternalID    sql.NullString `db:"external_id"`
	Platform      string         `db:"platform"`
	WorkspaceHash sql.NullString `db:"workspace_hash"`
	WorkspacePath sql.NullString `db:"workspace_path"`
	WorkspaceName sql.NullString `db:"workspace_name"`
	StartedAt     string         `db:"started_at"`
	EndedAt       sql.NullString `db:"ended_at"`
	EndReason     sql.NullString `db:"end_reason"`
}

func (r sessionRow) toModel() (*models.Session, error) {
	started, err := time.Parse(timeLayout, r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("parse session started_at %q: %w", r.StartedAt, err)
	}
	s := &models.Session{
		InternalID:    r.InternalID,
		ExternalID:    r.ExternalID.String,
		Platform:      models.Platform(r.Platform),
		WorkspaceHash: r.WorkspaceHash.String,
		WorkspacePath: r.WorkspacePath.String,
		WorkspaceName: r.WorkspaceName.String,
		StartedAt:     started,
		EndReason:     models.EndReason(r.EndReason.String),
	}
	if r.EndedAt.Valid {
		ended, err := time.Parse(timeLayout, r.EndedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse session ended_at %q: %w", r.EndedAt.String, err)
		}
		s.EndedAt = &ended
	}
	return s, nil
}

// InsertSession persists a newly started session and its
// external-to-internal id mapping. Re-inserting the same internal id is
// a no-op so replayed session_start events stay idempotent.
func (s *Store) InsertSession(ctx context.Context, sess *models.Session) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin session transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO cursor_sessions
				(internal_id, external_id, platform, workspace_hash, workspace_path, workspace_name, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.InternalID, sess.ExternalID, string(sess.Platform),
			sess.WorkspaceHash, sess.WorkspacePath, sess.WorkspaceName,
			sess.StartedAt.UTC().Format(timeLayout))
		if err != nil {
			return fmt.Errorf("insert session %s: %w", sess.InternalID, err)
		}

		if sess.ExternalID != "" {
			_, err = tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO session_mappings (external_id, internal_id, platform)
				VALUES (?, ?, ?)`,
				sess.ExternalID, sess.InternalID, string(sess.Platform))
			if err != nil {
				return fmt.Errorf("insert session mapping %s: %w", sess.ExternalID, err)
			}
		}
		return tx.Commit()
	})
}

// EndSession marks an active session ended with the given reason. A
// session already ended keeps its original end; ErrSessionNotFound is
// returned when no active row matched.
func (s *Store) EndSession(ctx context.Context, internalID string, endedAt time.Time, reason models.EndReason) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE cursor_sessions
			SET ended_at = ?, end_reason = ?
			WHERE internal_id = ? AND ended_at IS NULL`,
			endedAt.UTC().Format(timeLayout), string(reason), internalID)
		if err != nil {
			return fmt.Errorf("end session %s: %w", internalID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("end session %s: %w", internalID, err)
		}
		if n == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// FindSessionByExternalID returns the most recent session for an
// external id on a platform.
func (s *Store) FindSessionByExternalID(ctx context.Context, platform models.Platform, externalID string) (*models.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT internal_id, external_id, platform, workspace_hash, workspace_path,
		       workspace_name, started_at, ended_at, end_reason
		FROM cursor_sessions
		WHERE platform = ? AND external_id = ?
		ORDER BY started_at DESC LIMIT 1`,
		string(platform), externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session %s/%s: %w", platform, externalID, err)
	}
	return row.toModel()
}

// ActiveSessions returns every session with ended_at IS NULL, oldest
// first. Called once on startup to rebuild the in-memory active set.
func (s *Store) ActiveSessions(ctx context.Context) ([]*models.Session, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT internal_id, external_id, platform, workspace_hash, workspace_path,
		       workspace_name, started_at, ended_at, end_reason
		FROM cursor_sessions
		WHERE ended_at IS NULL
		ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("scan active sessions: %w", err)
	}
	out := make([]*models.Session, 0, len(rows))
	for _, r := range rows {
		sess, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// UpdateSessionWorkspace fills in workspace path and name on a session
// whose start event arrived before the path was known. Trace rows
// already written are not touched.
func (s *Store) UpdateSessionWorkspace(ctx context.Context, internalID, workspacePath, workspaceName string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE cursor_sessions
			SET workspace_path = ?, workspace_name = ?
			WHERE internal_id = ?`,
			workspacePath, workspaceName, internalID)
		if err != nil {
			return fmt.Errorf("update session workspace %s: %w", internalID, err)
		}
		return nil
	})
}

// SweepTimedOut ends one batch of active sessions that started before
// cutoff, marking them timed out. It returns the sessions it ended so
// the caller can drop them from the active set; the caller paces
// successive batches.
func (s *Store) SweepTimedOut(ctx context.Context, cutoff time.Time, batchSize int) ([]*models.Session, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT internal_id, external_id, platform, workspace_hash, workspace_path,
		       workspace_name, started_at, ended_at, end_reason
		FROM cursor_sessions
		WHERE ended_at IS NULL AND started_at < ?
		ORDER BY started_at ASC LIMIT ?`,
		cutoff.UTC().Format(timeLayout), batchSize)
	if err != nil {
		return nil, fmt.Errorf("scan timed-out sessions: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	now := time.Now()
	swept := make([]*models.Session, 0, len(rows))
	for _, r := range rows {
		sess, err := r.toModel()
		if err != nil {
			return swept, err
		}
		if err := s.EndSession(ctx, sess.InternalID, now, models.EndReasonTimeout); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue // ended concurrently
			}
			return swept, err
		}
		ended := now
		sess.EndedAt = &ended
		sess.EndReason = models.EndReasonTimeout
		swept = append(swept, sess)
	}
	return swept, nil
}
