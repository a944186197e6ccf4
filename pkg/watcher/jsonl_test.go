package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jleechanorg/bp-telemetry/pkg/bus"
	"github.com/jleechanorg/bp-telemetry/pkg/config"
	"github.com/jleechanorg/bp-telemetry/pkg/lifecycle"
	"github.com/jleechanorg/bp-telemetry/pkg/metrics"
	"github.com/jleechanorg/bp-telemetry/pkg/models"
)

func TestProjectPathMapping(t *testing.T) {
	assert.Equal(t, "-home-dev-proj", EncodeProjectPath("/home/dev/proj"))
	assert.Equal(t, "/home/dev/proj", DecodeProjectPath("-home-dev-proj"))
}

func TestDedupCache(t *testing.T) {
	c := newDedupCache(time.Hour)
	assert.False(t, c.Seen("w1", "a"))
	assert.True(t, c.Seen("w1", "a"))
	assert.False(t, c.Seen("w2", "a"), "keys are scoped per workspace")
}

func TestDedupCacheExpiry(t *testing.T) {
	c := newDedupCache(time.Millisecond)
	assert.False(t, c.Seen("w", "a"))
	time.Sleep(5 * time.Millisecond)
	assert.False(t, c.Seen("w", "a"), "expired entries are forgotten")
}

type jsonlHarness struct {
	watcher *JSONLWatcher
	manager *lifecycle.Manager
	rdb     *redis.Client
	root    string
}

func newJSONLHarness(t *testing.T) *jsonlHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	producer := bus.NewProducer(bus.NewClientFromRedis(rdb), config.StreamConfig{
		Name: "telemetry:events", MaxLength: 10_000, TrimApproximate: true,
	})
	manager := lifecycle.NewManager()
	root := t.TempDir()
	w := NewJSONLWatcher(root, time.Hour, producer, manager, nil, &metrics.Pipeline{})
	return &jsonlHarness{watcher: w, manager: manager, rdb: rdb, root: root}
}

func (h *jsonlHarness) streamEvents(t *testing.T) []redis.XMessage {
	t.Helper()
	entries, err := h.rdb.XRange(context.Background(), "telemetry:events", "-", "+").Result()
	require.NoError(t, err)
	return entries
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, line := range lines {
		_, err := f.WriteString(line + "\n")
		require.NoError(t, err)
	}
	// Advance mtime so successive polls in the same instant see change.
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
}

func TestJSONLWatcherTailsNewLines(t *testing.T) {
	h := newJSONLHarness(t)
	ctx := context.Background()

	dir := filepath.Join(h.root, EncodeProjectPath("/home/dev/proj"))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	file := filepath.Join(dir, "S1.jsonl")
	writeLines(t, file,
		`{"type":"user","uuid":"u1","timestamp":"2025-01-01T00:00:00Z"}`,
		`{"type":"assistant","uuid":"u2"}`,
	)

	h.manager.Activate(&models.Session{
		ExternalID:    "S1",
		Platform:      models.PlatformClaude,
		WorkspaceHash: "w1",
		WorkspacePath: "/home/dev/proj",
		WorkspaceName: "proj",
	})

	h.watcher.Poll(ctx)
	events := h.streamEvents(t)
	require.Len(t, events, 2)

	first, err := models.EventFromStreamFields(events[0].ID, events[0].Values)
	require.NoError(t, err)
	assert.Equal(t, models.PlatformClaude, first.Platform)
	assert.Equal(t, "user", first.EventType)
	assert.Equal(t, models.HookTypeJSONLTrace, first.HookType)
	assert.Equal(t, "S1", first.SessionID)
	assert.Equal(t, "u1", first.EventID)
	assert.Equal(t, "w1", first.WorkspaceHash())
	assert.Equal(t, models.SourceJSONLMonitor, first.Source())
	assert.Contains(t, first.Payload["entry_data"], `"uuid":"u1"`)

	// Re-polling an unchanged file emits nothing new.
	h.watcher.Poll(ctx)
	assert.Len(t, h.streamEvents(t), 2)

	// Appended lines are picked up from the recorded position.
	writeLines(t, file, `{"type":"user","uuid":"u3"}`)
	h.watcher.Poll(ctx)
	events = h.streamEvents(t)
	require.Len(t, events, 3)
	last, err := models.EventFromStreamFields(events[2].ID, events[2].Values)
	require.NoError(t, err)
	assert.Equal(t, "u3", last.EventID)
}

func TestJSONLWatcherSkipsMalformedLines(t *testing.T) {
	h := newJSONLHarness(t)
	ctx := context.Background()

	dir := filepath.Join(h.root, EncodeProjectPath("/w/p"))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeLines(t, filepath.Join(dir, "S1.jsonl"),
		`{"type":"user","uuid":"u1"}`,
		`{not json at all`,
		`{"type":"assistant","uuid":"u2"}`,
	)

	h.manager.Activate(&models.Session{
		ExternalID: "S1", Platform: models.PlatformClaude,
		WorkspaceHash: "w1", WorkspacePath: "/w/p",
	})
	h.watcher.Poll(ctx)
	assert.Len(t, h.streamEvents(t), 2, "malformed line skipped, rest emitted")
}

func TestJSONLWatcherMissingFileSkipped(t *testing.T) {
	h := newJSONLHarness(t)
	dir := filepath.Join(h.root, EncodeProjectPath("/w/p"))
	require.NoError(t, os.MkdirAll(dir, 0o755))

	h.manager.Activate(&models.Session{
		ExternalID: "gone", Platform: models.PlatformClaude,
		WorkspaceHash: "w1", WorkspacePath: "/w/p",
	})
	h.watcher.Poll(context.Background())
	assert.Empty(t, h.streamEvents(t))
}

func TestJSONLWatcherRecoversWorkspacePathFromScan(t *testing.T) {
	h := newJSONLHarness(t)
	ctx := context.Background()

	dir := filepath.Join(h.root, "-home-dev-alpha")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeLines(t, filepath.Join(dir, "S9.jsonl"),
		`{"type":"user","uuid":"u1","cwd":"/home/dev/alpha"}`,
	)

	sess := &models.Session{
		ExternalID: "S9", Platform: models.PlatformClaude, WorkspaceHash: "w9",
	}
	h.manager.Activate(sess)
	h.watcher.Poll(ctx)

	assert.Equal(t, "/home/dev/alpha", sess.WorkspacePath, "cwd from transcript wins")
	assert.Equal(t, "alpha", sess.WorkspaceName)
	assert.Len(t, h.streamEvents(t), 1)
}

func TestJSONLWatcherDiscoversAgentFiles(t *testing.T) {
	h := newJSONLHarness(t)
	ctx := context.Background()

	dir := filepath.Join(h.root, EncodeProjectPath("/w/p"))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeLines(t, filepath.Join(dir, "S1.jsonl"),
		`{"type":"user","uuid":"u1","toolUseResult":{"agentId":"a77"}}`,
	)
	writeLines(t, filepath.Join(dir, "agent-a77.jsonl"),
		`{"type":"assistant","uuid":"ag1"}`,
	)

	h.manager.Activate(&models.Session{
		ExternalID: "S1", Platform: models.PlatformClaude,
		WorkspaceHash: "w1", WorkspacePath: "/w/p",
	})

	// First poll sees the agent id; the agent file is tailed on the
	// same or next pass.
	h.watcher.Poll(ctx)
	h.watcher.Poll(ctx)

	events := h.streamEvents(t)
	require.Len(t, events, 2)
	ids := make([]string, 0, 2)
	for _, e := range events {
		decoded, err := models.EventFromStreamFields(e.ID, e.Values)
		require.NoError(t, err)
		ids = append(ids, decoded.EventID)
	}
	assert.Contains(t, ids, "u1")
	assert.Contains(t, ids, "ag1")
}

func TestJSONLWatcherDeduplicatesEntries(t *testing.T) {
	h := newJSONLHarness(t)
	ctx := context.Background()

	dir := filepath.Join(h.root, EncodeProjectPath("/w/p"))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	file := filepath.Join(dir, "S1.jsonl")
	writeLines(t, file, `{"type":"user","uuid":"dup"}`)

	sess := &models.Session{
		ExternalID: "S1", Platform: models.PlatformClaude,
		WorkspaceHash: "w1", WorkspacePath: "/w/p",
	}
	h.manager.Activate(sess)
	h.watcher.Poll(ctx)

	// Simulate lost tail state (e.g. restart-style re-read): the same
	// uuid must not be emitted twice.
	h.watcher.mu.Lock()
	h.watcher.files = make(map[string]*fileState)
	h.watcher.mu.Unlock()
	h.watcher.Poll(ctx)

	assert.Len(t, h.streamEvents(t), 1)
}
