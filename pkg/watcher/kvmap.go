package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ErrNoDatabase indicates no candidate database matched a workspace.
var ErrNoDatabase = errors.New("no database found for workspace")

// workspaceDBName is the embedded database file inside each
// per-workspace storage directory.
const workspaceDBName = "state.vscdb"

// WorkspaceMapper resolves workspace hashes to embedded database
// paths. Results are cached in a small JSON file so restarts skip the
// discovery scan.
type WorkspaceMapper struct {
	storageRoot string
	cachePath   string

	mu    sync.Mutex
	cache map[string]string
}

// NewWorkspaceMapper loads the cache (if any) and returns a mapper
// over the workspace-storage root.
func NewWorkspaceMapper(storageRoot, cachePath string) *WorkspaceMapper {
	m := &WorkspaceMapper{
		storageRoot: storageRoot,
		cachePath:   cachePath,
		cache:       make(map[string]string),
	}
	if raw, err := os.ReadFile(cachePath); err == nil {
		if err := json.Unmarshal(raw, &m.cache); err != nil {
			slog.Warn("Workspace map cache unreadable, starting empty", "path", cachePath, "error", err)
			m.cache = make(map[string]string)
		}
	}
	return m
}

// PathHash is the directory-name hash of a workspace path: the first
// 16 hex characters of its SHA-256.
func PathHash(workspacePath string) string {
	sum := sha256.Sum256([]byte(workspacePath))
	return hex.EncodeToString(sum[:])[:16]
}

// Resolve maps a workspace to its database path, trying in order: the
// persisted cache, the path-hash directory match, a content scan of
// every candidate, and finally the candidate with the freshest
// generation timestamp.
func (m *WorkspaceMapper) Resolve(ctx context.Context, workspaceHash, workspacePath string) (string, error) {
	m.mu.Lock()
	if path, ok := m.cache[workspaceHash]; ok {
		m.mu.Unlock()
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		// Stale cache entry; fall through to rediscovery.
		m.mu.Lock()
		delete(m.cache, workspaceHash)
	}
	m.mu.Unlock()

	path, err := m.discover(ctx, workspacePath)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.cache[workspaceHash] = path
	m.mu.Unlock()
	m.persist()
	return path, nil
}

func (m *WorkspaceMapper) discover(ctx context.Context, workspacePath string) (string, error) {
	if workspacePath != "" {
		direct := filepath.Join(m.storageRoot, PathHash(workspacePath), workspaceDBName)
		if _, err := os.Stat(direct); err == nil {
			return direct, nil
		}
	}

	candidates, err := m.candidates()
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", ErrNoDatabase
	}

	if workspacePath != "" {
		for _, candidate := range candidates {
			match, err := databaseMentionsPath(ctx, candidate, workspacePath)
			if err != nil {
				slog.Debug("Candidate scan failed", "path", candidate, "error", err)
				continue
			}
			if match {
				return candidate, nil
			}
		}
	}

	// Last resort: the database with the most recent generation.
	best := ""
	var bestTS int64
	for _, candidate := range candidates {
		ts, err := latestGenerationTimestamp(ctx, candidate)
		if err != nil {
			continue
		}
		if ts > bestTS {
			bestTS, best = ts, candidate
		}
	}
	if best == "" {
		return "", ErrNoDatabase
	}
	return best, nil
}

func (m *WorkspaceMapper) candidates() ([]string, error) {
	entries, err := os.ReadDir(m.storageRoot)
	if err != nil {
		return nil, fmt.Errorf("list workspace storage %s: %w", m.storageRoot, err)
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		db := filepath.Join(m.storageRoot, entry.Name(), workspaceDBName)
		if _, err := os.Stat(db); err == nil {
			out = append(out, db)
		}
	}
	return out, nil
}

// persist writes the cache file; failures are logged, never fatal.
func (m *WorkspaceMapper) persist() {
	m.mu.Lock()
	raw, err := json.MarshalIndent(m.cache, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.cachePath), 0o755); err != nil {
		slog.Warn("Cannot create workspace map cache directory", "error", err)
		return
	}
	if err := os.WriteFile(m.cachePath, raw, 0o644); err != nil {
		slog.Warn("Cannot persist workspace map cache", "path", m.cachePath, "error", err)
	}
}
