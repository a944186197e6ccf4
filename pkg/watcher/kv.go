package watcher

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jleechanorg/bp-telemetry/pkg/bus"
	"github.com/jleechanorg/bp-telemetry/pkg/lifecycle"
	"github.com/jleechanorg/bp-telemetry/pkg/metrics"
	"github.com/jleechanorg/bp-telemetry/pkg/models"
)

// kvDebounce coalesces bursts of file change notifications before a
// sync.
const kvDebounce = 10 * time.Second

// globalDBName is the embedded database in the global storage root.
const globalDBName = "state.vscdb"

// keyState remembers what the watcher last saw for one monitored key:
// a timestamp watermark for timestamped arrays, a content hash for
// everything else.
type keyState struct {
	watermark int64
	hash      string
}

// KVWatcher monitors the per-workspace embedded databases of every
// active KV-platform session plus the global database, emitting events
// when watched keys change.
type KVWatcher struct {
	workspaceRoot string
	globalRoot    string
	interval      time.Duration
	producer      *bus.Producer
	manager       *lifecycle.Manager
	mapper        *WorkspaceMapper
	metrics       *metrics.Pipeline

	// syncMu serialises sync passes: the debounced file-change path
	// and the poll fallback may fire together.
	syncMu sync.Mutex

	mu       sync.Mutex
	states   map[string]*keyState // (scope, workspace, key) -> state
	handles  map[string]*sqlx.DB  // workspace hash -> open read-only handle
	degraded map[string]bool

	debouncer *Debouncer

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewKVWatcher builds the KV watcher. interval is the poll fallback
// cadence; file change notifications trigger earlier syncs.
func NewKVWatcher(workspaceRoot, globalRoot string, interval time.Duration, producer *bus.Producer, manager *lifecycle.Manager, mapper *WorkspaceMapper, m *metrics.Pipeline) *KVWatcher {
	w := &KVWatcher{
		workspaceRoot: workspaceRoot,
		globalRoot:    globalRoot,
		interval:      interval,
		producer:      producer,
		manager:       manager,
		mapper:        mapper,
		metrics:       m,
		states:        make(map[string]*keyState),
		handles:       make(map[string]*sqlx.DB),
		degraded:      make(map[string]bool),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	manager.OnDeactivate(w.closeWorkspace)
	return w
}

// Run syncs on file change notifications (debounced) with the periodic
// poll as fallback, until stopped.
func (w *KVWatcher) Run(ctx context.Context) {
	defer close(w.done)
	slog.Info("KV watcher started", "interval", w.interval)

	debouncer, err := NewDebouncer(kvDebounce, func(ctx context.Context) { w.Sync(ctx) })
	if err != nil {
		slog.Warn("File notifications unavailable, poll only", "error", err)
	} else {
		w.debouncer = debouncer
		debouncer.Watch(filepath.Join(w.globalRoot, globalDBName))
		go debouncer.Run(ctx)
		defer debouncer.Stop()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Sync(ctx)
	for {
		select {
		case <-w.stop:
			w.closeAll()
			return
		case <-ctx.Done():
			w.closeAll()
			return
		case <-ticker.C:
			w.Sync(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for it.
func (w *KVWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// Sync runs one pass over every active workspace and the global
// database.
func (w *KVWatcher) Sync(ctx context.Context) {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()
	for _, sess := range w.manager.Active() {
		if sess.Platform != models.PlatformCursor || sess.WorkspaceHash == "" {
			continue
		}
		w.syncWorkspace(ctx, sess)
	}
	w.syncGlobal(ctx)
}

func (w *KVWatcher) syncWorkspace(ctx context.Context, sess *models.Session) {
	db, err := w.workspaceHandle(ctx, sess)
	if err != nil {
		if w.setDegraded(sess.WorkspaceHash, true) {
			slog.Warn("Workspace database unavailable, watcher degraded",
				"workspace", sess.WorkspaceHash, "error", err)
		}
		return
	}
	w.setDegraded(sess.WorkspaceHash, false)

	origin := kvOrigin{
		workspaceHash: sess.WorkspaceHash,
		storageLevel:  storageLevelWorkspace,
		table:         tableItemTable,
	}

	for _, key := range []string{keyGenerations, keyPrompts} {
		origin.itemKey = key
		w.syncTimestampedArray(ctx, db, origin, key)
	}
	for _, key := range []string{keyBackgroundComposer, keyAgentModeExit} {
		origin.itemKey = key
		w.syncOpaqueValue(ctx, db, origin, key)
	}
}

// syncTimestampedArray emits only items newer than the remembered
// watermark and advances it to the new maximum.
func (w *KVWatcher) syncTimestampedArray(ctx context.Context, db *sqlx.DB, origin kvOrigin, key string) {
	value, err := readItemValue(ctx, db, key)
	if errors.Is(err, sql.ErrNoRows) {
		return
	}
	if err != nil {
		slog.Debug("KV read failed", "key", key, "workspace", origin.workspaceHash, "error", err)
		return
	}

	var items []map[string]any
	if err := json.Unmarshal([]byte(value), &items); err != nil {
		slog.Warn("Monitored key is not a JSON array", "key", key, "error", err)
		return
	}

	state := w.state(storageLevelWorkspace, origin.workspaceHash, key)
	var fresh []map[string]any
	newMark := state.watermark
	for _, item := range items {
		ts := itemTimestamp(item)
		if ts > state.watermark {
			fresh = append(fresh, item)
		}
		if ts > newMark {
			newMark = ts
		}
	}
	if len(fresh) == 0 {
		state.watermark = newMark
		return
	}

	var events []*models.RawEvent
	switch key {
	case keyGenerations:
		events = extractGenerations(origin, fresh)
	case keyPrompts:
		events = extractPrompts(origin, fresh)
	}
	w.publish(ctx, events)
	state.watermark = newMark
}

// syncOpaqueValue emits when the canonical content hash changes.
func (w *KVWatcher) syncOpaqueValue(ctx context.Context, db *sqlx.DB, origin kvOrigin, key string) {
	value, err := readItemValue(ctx, db, key)
	if errors.Is(err, sql.ErrNoRows) {
		return
	}
	if err != nil {
		slog.Debug("KV read failed", "key", key, "workspace", origin.workspaceHash, "error", err)
		return
	}

	data, hash, ok := canonicalValue(value)
	if !ok {
		return
	}
	state := w.state(storageLevelWorkspace, origin.workspaceHash, key)
	if state.hash == hash {
		return
	}

	var events []*models.RawEvent
	switch key {
	case keyBackgroundComposer:
		events = extractBackgroundComposer(origin, data)
	case keyAgentModeExit:
		events = extractAgentMode(origin, data)
	}
	w.publish(ctx, events)
	state.hash = hash
}

// syncGlobal scans composerData:* keys in the global database,
// hash-detecting changes per key.
func (w *KVWatcher) syncGlobal(ctx context.Context) {
	path := filepath.Join(w.globalRoot, globalDBName)
	db, err := openReadOnly(path)
	if err != nil {
		if w.setDegraded("global", true) {
			slog.Warn("Global database unavailable, watcher degraded", "path", path, "error", err)
		}
		return
	}
	defer db.Close()

	entries, err := readComposerEntries(ctx, db)
	if err != nil {
		slog.Debug("Global composer scan failed", "error", err)
		return
	}
	w.setDegraded("global", false)

	for key, value := range entries {
		data, hash, ok := canonicalValue(value)
		if !ok {
			continue
		}
		state := w.state(storageLevelGlobal, "", key)
		if state.hash == hash {
			continue
		}

		origin := kvOrigin{
			storageLevel: storageLevelGlobal,
			table:        tableCursorDiskKV,
			itemKey:      key,
		}
		composerID := key[len(composerKeyPrefix):]
		w.publish(ctx, extractComposer(origin, composerID, data))
		state.hash = hash
	}
}

func (w *KVWatcher) publish(ctx context.Context, events []*models.RawEvent) {
	for _, event := range events {
		if w.producer.PublishEvent(ctx, event) {
			w.metrics.EventsPublished.Add(1)
		} else {
			w.metrics.PublishFailures.Add(1)
		}
	}
}

// workspaceHandle returns (opening if needed) the cached read-only
// handle for a session's workspace database, registering it with the
// file-change debouncer on first open.
func (w *KVWatcher) workspaceHandle(ctx context.Context, sess *models.Session) (*sqlx.DB, error) {
	w.mu.Lock()
	if db, ok := w.handles[sess.WorkspaceHash]; ok {
		w.mu.Unlock()
		return db, nil
	}
	w.mu.Unlock()

	path, err := w.mapper.Resolve(ctx, sess.WorkspaceHash, sess.WorkspacePath)
	if err != nil {
		return nil, err
	}
	db, err := openReadOnly(path)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.handles[sess.WorkspaceHash] = db
	w.mu.Unlock()
	if w.debouncer != nil {
		w.debouncer.Watch(path)
	}
	return db, nil
}

// closeWorkspace is the deactivation callback: it drops the handle and
// per-workspace change-detection state for an ended session.
func (w *KVWatcher) closeWorkspace(sess *models.Session) {
	if sess.Platform != models.PlatformCursor || sess.WorkspaceHash == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if db, ok := w.handles[sess.WorkspaceHash]; ok {
		_ = db.Close()
		delete(w.handles, sess.WorkspaceHash)
	}
	prefix := storageLevelWorkspace + "\x00" + sess.WorkspaceHash + "\x00"
	for k := range w.states {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(w.states, k)
		}
	}
	delete(w.degraded, sess.WorkspaceHash)
}

func (w *KVWatcher) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for hash, db := range w.handles {
		_ = db.Close()
		delete(w.handles, hash)
	}
}

// setDegraded flips the degraded flag for one database and reports
// whether this call was the transition into the degraded state, so the
// warning is logged once per outage.
func (w *KVWatcher) setDegraded(id string, degraded bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	was := w.degraded[id]
	w.degraded[id] = degraded
	return degraded && !was
}

func (w *KVWatcher) state(scope, workspaceHash, key string) *keyState {
	id := scope + "\x00" + workspaceHash + "\x00" + key
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.states[id]
	if !ok {
		st = &keyState{}
		w.states[id] = st
	}
	return st
}

// canonicalValue parses a raw JSON object and returns it with the hash
// of its canonical re-encoding; map re-marshalling sorts keys, so
// formatting differences never count as changes.
func canonicalValue(raw string) (map[string]any, string, bool) {
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, "", false
	}
	canon, err := json.Marshal(data)
	if err != nil {
		return nil, "", false
	}
	sum := sha256.Sum256(canon)
	return data, hex.EncodeToString(sum[:]), true
}
