// Package watcher implements the source-side monitors: tailing
// transcript JSONL files and polling foreign embedded key-value
// databases, emitting raw events onto the bus.
package watcher

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jleechanorg/bp-telemetry/pkg/bus"
	"github.com/jleechanorg/bp-telemetry/pkg/lifecycle"
	"github.com/jleechanorg/bp-telemetry/pkg/metrics"
	"github.com/jleechanorg/bp-telemetry/pkg/models"
	"github.com/jleechanorg/bp-telemetry/pkg/store"
)

// maxLineSize bounds a single transcript line; assistant entries with
// embedded tool output can run to megabytes.
const maxLineSize = 16 * 1024 * 1024

// EncodeProjectPath maps a workspace path to its transcript directory
// name: every path separator becomes a dash, so /home/dev/proj is
// stored as -home-dev-proj.
func EncodeProjectPath(workspacePath string) string {
	return strings.ReplaceAll(filepath.ToSlash(workspacePath), "/", "-")
}

// DecodeProjectPath reverses EncodeProjectPath. Dashes inside original
// directory names are indistinguishable from separators, so callers
// prefer an explicit cwd observed inside the transcript when present.
func DecodeProjectPath(dirName string) string {
	return strings.ReplaceAll(dirName, "-", "/")
}

// fileState is the tail position of one transcript file.
type fileState struct {
	size  int64
	mtime time.Time
	lines int
}

// JSONLWatcher tails the transcript files of every active
// transcript-platform session and emits one event per new entry.
type JSONLWatcher struct {
	root     string
	interval time.Duration
	producer *bus.Producer
	manager  *lifecycle.Manager
	store    *store.Store
	metrics  *metrics.Pipeline
	dedup    *dedupCache

	mu     sync.Mutex
	files  map[string]*fileState
	agents map[string]map[string]struct{} // session external id -> agent file names

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewJSONLWatcher builds a transcript watcher over the given project
// root. st may be nil; when present, workspace paths recovered from
// directory names are written back to the session row.
func NewJSONLWatcher(root string, interval time.Duration, producer *bus.Producer, manager *lifecycle.Manager, st *store.Store, m *metrics.Pipeline) *JSONLWatcher {
	w := &JSONLWatcher{
		root:     root,
		interval: interval,
		producer: producer,
		manager:  manager,
		store:    st,
		metrics:  m,
		dedup:    newDedupCache(dedupTTL),
		files:    make(map[string]*fileState),
		agents:   make(map[string]map[string]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	manager.OnDeactivate(w.forget)
	return w
}

// Run polls until stopped.
func (w *JSONLWatcher) Run(ctx context.Context) {
	defer close(w.done)
	slog.Info("Transcript watcher started", "root", w.root, "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Poll(ctx)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for it.
func (w *JSONLWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// Poll runs one poll cycle over every active transcript session.
func (w *JSONLWatcher) Poll(ctx context.Context) {
	for _, sess := range w.manager.Active() {
		if sess.Platform != models.PlatformClaude {
			continue
		}
		w.pollSession(ctx, sess)
	}
}

func (w *JSONLWatcher) pollSession(ctx context.Context, sess *models.Session) {
	dir := w.resolveProjectDir(ctx, sess)
	if dir == "" {
		return
	}

	files := []string{filepath.Join(dir, sess.ExternalID+".jsonl")}
	w.mu.Lock()
	for name := range w.agents[sess.ExternalID] {
		files = append(files, filepath.Join(dir, name))
	}
	w.mu.Unlock()

	for _, path := range files {
		w.tailFile(ctx, sess, path)
	}
}

// resolveProjectDir finds the session's transcript directory: the
// encoded workspace path when known, otherwise a scan of every project
// directory for the session's file, recovering the workspace path from
// the directory name.
func (w *JSONLWatcher) resolveProjectDir(ctx context.Context, sess *models.Session) string {
	if sess.WorkspacePath != "" {
		dir := filepath.Join(w.root, EncodeProjectPath(sess.WorkspacePath))
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		return ""
	}

	entries, err := os.ReadDir(w.root)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(w.root, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, sess.ExternalID+".jsonl")); err == nil {
			w.adoptWorkspacePath(ctx, sess, dir, entry.Name())
			return dir
		}
	}
	return ""
}

// adoptWorkspacePath fills in a session's workspace path discovered
// after the fact. The transcript's own cwd wins over the decoded
// directory name; only the session row is updated, never trace rows.
func (w *JSONLWatcher) adoptWorkspacePath(ctx context.Context, sess *models.Session, dir, dirName string) {
	path := firstCWD(filepath.Join(dir, sess.ExternalID+".jsonl"))
	if path == "" {
		path = DecodeProjectPath(dirName)
	}
	sess.WorkspacePath = path
	sess.WorkspaceName = models.WorkspaceName(path)
	if w.store != nil {
		if err := w.store.UpdateSessionWorkspace(ctx, sess.InternalID, sess.WorkspacePath, sess.WorkspaceName); err != nil {
			slog.Warn("Failed to backfill workspace path",
				"session", sess.ExternalID, "error", err)
		}
	}
}

// firstCWD scans the first few transcript lines for an explicit cwd or
// workspace value.
func firstCWD(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for i := 0; i < 10 && scanner.Scan(); i++ {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if cwd, ok := entry["cwd"].(string); ok && cwd != "" {
			return cwd
		}
		if ws, ok := entry["workspace"].(string); ok && ws != "" {
			return ws
		}
	}
	return ""
}

// tailFile reads any lines appended since the last poll. A missing
// file is skipped; malformed lines are logged and skipped.
func (w *JSONLWatcher) tailFile(ctx context.Context, sess *models.Session, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	state, ok := w.files[path]
	if !ok {
		state = &fileState{}
		w.files[path] = state
	}
	unchanged := ok && state.size == info.Size() && state.mtime.Equal(info.ModTime())
	startLine := state.lines
	w.mu.Unlock()
	if unchanged {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		slog.Warn("Transcript unreadable this cycle", "path", path, "error", err)
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo <= startLine {
			continue
		}
		line := scanner.Text()

		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			slog.Warn("Skipping malformed transcript line",
				"path", path, "line", lineNo, "error", err)
			continue
		}
		w.emitEntry(ctx, sess, entry, line)
		w.discoverAgent(sess, entry, path)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("Transcript read aborted", "path", path, "error", err)
	}

	w.mu.Lock()
	state.size = info.Size()
	state.mtime = info.ModTime()
	state.lines = lineNo
	w.mu.Unlock()
}

func (w *JSONLWatcher) emitEntry(ctx context.Context, sess *models.Session, entry map[string]any, line string) {
	entryType, _ := entry["type"].(string)
	if entryType == "" {
		entryType = "unknown"
	}
	eventID, _ := entry["uuid"].(string)
	if eventID == "" {
		eventID = uuid.NewString()
	}
	if w.dedup.Seen(sess.WorkspaceHash, eventID) {
		return
	}

	event := &models.RawEvent{
		Version:   models.SchemaVersion,
		HookType:  models.HookTypeJSONLTrace,
		EventType: entryType,
		Timestamp: entryTimestamp(entry),
		Platform:  models.PlatformClaude,
		EventID:   eventID,
		SessionID: sess.ExternalID,
		Metadata: map[string]any{
			"workspace_hash": sess.WorkspaceHash,
			"project_name":   sess.WorkspaceName,
			"source":         models.SourceJSONLMonitor,
		},
		Payload: map[string]any{"entry_data": line},
	}
	if w.producer.PublishEvent(ctx, event) {
		w.metrics.EventsPublished.Add(1)
	} else {
		w.metrics.PublishFailures.Add(1)
	}
}

// discoverAgent begins tailing agent-{id}.jsonl next to the session
// file the first time the id appears in a tool result.
func (w *JSONLWatcher) discoverAgent(sess *models.Session, entry map[string]any, currentPath string) {
	result, ok := entry["toolUseResult"].(map[string]any)
	if !ok {
		return
	}
	agentID, ok := result["agentId"].(string)
	if !ok || agentID == "" {
		return
	}
	name := "agent-" + agentID + ".jsonl"
	if filepath.Base(currentPath) == name {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.agents[sess.ExternalID] == nil {
		w.agents[sess.ExternalID] = make(map[string]struct{})
	}
	if _, known := w.agents[sess.ExternalID][name]; !known {
		w.agents[sess.ExternalID][name] = struct{}{}
		slog.Info("Discovered agent transcript", "session", sess.ExternalID, "file", name)
	}
}

// forget drops per-session tail state when a session deactivates.
func (w *JSONLWatcher) forget(sess *models.Session) {
	if sess.Platform != models.PlatformClaude {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.agents, sess.ExternalID)
	sessionFile := sess.ExternalID + ".jsonl"
	for path := range w.files {
		if strings.HasSuffix(path, sessionFile) {
			delete(w.files, path)
		}
	}
}

func entryTimestamp(entry map[string]any) time.Time {
	if raw, ok := entry["timestamp"].(string); ok {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts
			}
		}
	}
	return time.Now().UTC()
}
