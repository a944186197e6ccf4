// Package lifecycle tracks active sessions: a bus listener creates and
// ends them, an in-memory map serves lookups, and a sweeper times out
// sessions that never ended.
package lifecycle

import (
	"log/slog"
	"sync"

	"github.com/jleechanorg/bp-telemetry/pkg/models"
)

// DeactivateFunc is invoked after a session leaves the active set.
// Watchers register these to close database handles and cancel file
// watchers for the session's workspace.
type DeactivateFunc func(*models.Session)

// Manager holds the in-memory active-session map. Keys follow
// Session.ActiveKey: workspace_hash for the KV platform, external_id
// for the transcript platform.
type Manager struct {
	mu        sync.Mutex
	active    map[string]*models.Session
	callbacks []DeactivateFunc
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{active: make(map[string]*models.Session)}
}

// OnDeactivate registers a callback run for every deactivated session.
// Must be called before the listener starts.
func (m *Manager) OnDeactivate(fn DeactivateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Activate adds a session to the active set. Re-activating the same
// key replaces the entry.
func (m *Manager) Activate(sess *models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[sess.ActiveKey()] = sess
}

// Deactivate removes the session under key and fires the callbacks.
// Returns the removed session, or nil if the key was not active.
func (m *Manager) Deactivate(key string) *models.Session {
	m.mu.Lock()
	sess, ok := m.active[key]
	if ok {
		delete(m.active, key)
	}
	callbacks := m.callbacks
	m.mu.Unlock()

	if !ok {
		return nil
	}
	for _, fn := range callbacks {
		fn(sess)
	}
	return sess
}

// DeactivateSession removes a session regardless of which key it was
// stored under. Used by the sweeper, which only has the session row.
func (m *Manager) DeactivateSession(sess *models.Session) {
	if removed := m.Deactivate(sess.ActiveKey()); removed == nil {
		slog.Debug("Swept session was not in the active set",
			"internal_id", sess.InternalID)
	}
}

// Get returns the active session for key, or nil.
func (m *Manager) Get(key string) *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[key]
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Active returns a copy of the current active sessions.
func (m *Manager) Active() []*models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Session, 0, len(m.active))
	for _, s := range m.active {
		out = append(out, s)
	}
	return out
}
