package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jleechanorg/bp-telemetry/pkg/bus"
	"github.com/jleechanorg/bp-telemetry/pkg/metrics"
	"github.com/jleechanorg/bp-telemetry/pkg/models"
	"github.com/jleechanorg/bp-telemetry/pkg/store"
)

const (
	listenerBatch = 100
	listenerBlock = time.Second
)

// Listener consumes session_start / session_end events for one
// platform through its own consumer group and keeps the store and the
// active map in sync.
type Listener struct {
	platform models.Platform
	group    *bus.GroupConsumer
	store    *store.Store
	manager  *Manager
	metrics  *metrics.Pipeline

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewListener builds a lifecycle listener for one platform.
func NewListener(platform models.Platform, group *bus.GroupConsumer, st *store.Store, manager *Manager, m *metrics.Pipeline) *Listener {
	return &Listener{
		platform: platform,
		group:    group,
		store:    st,
		manager:  manager,
		metrics:  m,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run recovers persisted state, drains this consumer's own pending
// entries, then processes new lifecycle events until stopped.
func (l *Listener) Run(ctx context.Context) {
	defer close(l.done)

	if err := l.recover(ctx); err != nil {
		slog.Error("Session recovery failed", "platform", l.platform, "error", err)
	}
	l.drainOwnPending(ctx)

	slog.Info("Lifecycle listener started", "platform", l.platform, "group", l.group.Group())
	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := l.group.ReadNew(ctx, listenerBatch, listenerBlock)
		if err != nil {
			if errors.Is(err, bus.ErrNoMessages) || ctx.Err() != nil {
				continue
			}
			slog.Error("Lifecycle read failed", "platform", l.platform, "error", err)
			time.Sleep(listenerBlock)
			continue
		}
		for _, msg := range msgs {
			l.handle(ctx, msg)
		}
	}
}

// Stop signals the loop to exit and waits for it.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

// recover repopulates the active map from rows whose ended_at is NULL.
// Recovered sessions are tagged so downstream consumers can tell them
// from freshly started ones.
func (l *Listener) recover(ctx context.Context) error {
	sessions, err := l.store.ActiveSessions(ctx)
	if err != nil {
		return err
	}
	n := 0
	for _, sess := range sessions {
		if sess.Platform != l.platform {
			continue
		}
		if sess.Metadata == nil {
			sess.Metadata = map[string]any{}
		}
		sess.Metadata["source"] = models.SourceRecovered
		l.manager.Activate(sess)
		n++
	}
	if n > 0 {
		slog.Info("Recovered active sessions", "platform", l.platform, "count", n)
	}
	return nil
}

func (l *Listener) drainOwnPending(ctx context.Context) {
	for {
		msgs, err := l.group.ReadOwnPending(ctx, listenerBatch)
		if err != nil || len(msgs) == 0 {
			return
		}
		for _, msg := range msgs {
			l.handle(ctx, msg)
		}
		if len(msgs) < listenerBatch {
			return
		}
	}
}

// handle processes one bus message. Events that are not this
// platform's lifecycle events are acknowledged and skipped.
func (l *Listener) handle(ctx context.Context, msg models.StreamMessage) {
	event, err := models.EventFromStreamFields(msg.ID, msg.Fields)
	if err != nil {
		slog.Warn("Skipping undecodable lifecycle message", "message_id", msg.ID, "error", err)
		l.ack(ctx, msg.ID)
		return
	}
	if event.Platform != l.platform {
		l.ack(ctx, msg.ID)
		return
	}

	switch event.EventType {
	case models.EventTypeSessionStart:
		if err := l.sessionStart(ctx, event); err != nil {
			slog.Error("session_start handling failed",
				"platform", l.platform, "session_id", event.SessionID, "error", err)
			return // stays pending for redelivery
		}
	case models.EventTypeSessionEnd:
		l.sessionEnd(ctx, event)
	}
	l.ack(ctx, msg.ID)
}

func (l *Listener) sessionStart(ctx context.Context, event *models.RawEvent) error {
	workspacePath := metaOrPayloadString(event, "workspace_path")
	if workspacePath == "" {
		workspacePath = metaOrPayloadString(event, "cwd")
	}

	sess := &models.Session{
		InternalID:    uuid.NewString(),
		ExternalID:    event.SessionID,
		Platform:      event.Platform,
		WorkspaceHash: event.WorkspaceHash(),
		WorkspacePath: workspacePath,
		WorkspaceName: models.WorkspaceName(workspacePath),
		StartedAt:     event.Timestamp.UTC(),
		Metadata:      event.Metadata,
	}

	// An already-active key means a replayed start; keep the original.
	if existing := l.manager.Get(sess.ActiveKey()); existing != nil && existing.ExternalID == sess.ExternalID {
		return nil
	}

	if err := l.store.InsertSession(ctx, sess); err != nil {
		return err
	}
	l.manager.Activate(sess)
	l.metrics.SessionsStarted.Add(1)
	slog.Info("Session started",
		"platform", sess.Platform, "external_id", sess.ExternalID, "workspace", sess.WorkspaceName)
	return nil
}

// sessionEnd updates the store and drops the session from the active
// map. A session_end with no matching session is logged and skipped;
// it must never wedge the listener.
func (l *Listener) sessionEnd(ctx context.Context, event *models.RawEvent) {
	key := event.SessionID
	if event.Platform == models.PlatformCursor && event.WorkspaceHash() != "" {
		key = event.WorkspaceHash()
	}

	sess := l.manager.Get(key)
	if sess == nil {
		found, err := l.store.FindSessionByExternalID(ctx, event.Platform, event.SessionID)
		if err != nil {
			slog.Warn("session_end for unknown session",
				"platform", event.Platform, "session_id", event.SessionID)
			return
		}
		sess = found
	}

	endedAt := event.Timestamp
	if endedAt.IsZero() {
		endedAt = time.Now()
	}
	reason := models.EndReasonNormal
	if metaOrPayloadString(event, "end_reason") == string(models.EndReasonCrash) {
		reason = models.EndReasonCrash
	}
	err := l.store.EndSession(ctx, sess.InternalID, endedAt.UTC(), reason)
	if err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		slog.Error("Failed to persist session end",
			"internal_id", sess.InternalID, "error", err)
		return
	}
	l.manager.Deactivate(key)
	l.metrics.SessionsEnded.Add(1)
	slog.Info("Session ended", "platform", sess.Platform, "external_id", sess.ExternalID)
}

func (l *Listener) ack(ctx context.Context, id string) {
	if err := l.group.Ack(ctx, id); err != nil {
		slog.Warn("Lifecycle ack failed", "message_id", id, "error", err)
	}
}

func metaOrPayloadString(event *models.RawEvent, key string) string {
	if v, ok := event.Metadata[key].(string); ok && v != "" {
		return v
	}
	if v, ok := event.Payload[key].(string); ok && v != "" {
		return v
	}
	return ""
}
