package pty

import (
	"fmt"
	"sync"
)

// DefaultMaxTiles is the sidebar capacity when none is configured.
const DefaultMaxTiles = 6

// Manager tracks live sessions and their tile arrangement. Every session
// sits in the sidebar order; at most one is also marked as main.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	order      []string
	main       string
	fullscreen bool
	maxTiles   int
}

// NewManager creates an empty Manager holding at most maxTiles sessions.
func NewManager(maxTiles int) *Manager {
	if maxTiles <= 0 {
		maxTiles = DefaultMaxTiles
	}
	return &Manager{
		sessions: make(map[string]*Session),
		maxTiles: maxTiles,
	}
}

// CreateSession spawns a session and appends it to the sidebar. It fails
// with ErrLayoutFull when the sidebar is at capacity.
func (m *Manager) CreateSession(id, name string, opts Options) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("pty: session %q already exists", id)
	}
	if len(m.order) >= m.maxTiles {
		return nil, ErrLayoutFull
	}

	sess, err := newSession(id, name, opts)
	if err != nil {
		return nil, err
	}

	m.sessions[id] = sess
	m.order = append(m.order, id)
	return sess, nil
}

func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return sess, nil
}

// DestroySession removes the tile and closes its session. Closing the main
// terminal empties the main pane; nothing is promoted in its place.
func (m *Manager) DestroySession(id string) error {
	sess := m.Forget(id)
	if sess == nil {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return sess.Close()
}

// Forget removes the tile without closing the session, for sessions whose
// child already exited. It returns nil when id is unknown.
func (m *Manager) Forget(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.main == id {
		m.main = ""
		m.fullscreen = false
	}
	return sess
}

// Promote shows id in the main pane. A previous main terminal stays in the
// sidebar and simply loses the mark.
func (m *Manager) Promote(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	if m.main != id {
		m.fullscreen = false
	}
	m.main = id
	return nil
}

// ReturnToSidebar clears the main pane if id is the main terminal and
// reports whether anything changed.
func (m *Manager) ReturnToSidebar(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.main == "" || m.main != id {
		return false
	}
	m.main = ""
	m.fullscreen = false
	return true
}

// Reorder moves the tile at from so it lands before the tile currently at
// to. to may equal the number of tiles to move to the end. Moving down
// accounts for the removal shifting later indices.
func (m *Manager) Reorder(from, to int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if from < 0 || from >= len(m.order) || to < 0 || to > len(m.order) {
		return fmt.Errorf("%w: from %d to %d with %d tiles", ErrBadIndex, from, to, len(m.order))
	}
	id := m.order[from]
	m.order = append(m.order[:from], m.order[from+1:]...)
	if from < to {
		to--
	}
	m.order = append(m.order, "")
	copy(m.order[to+1:], m.order[to:])
	m.order[to] = id
	return nil
}

// ToggleFullscreen switches the main terminal between the split layout and
// filling the window. It fails when no terminal is main.
func (m *Manager) ToggleFullscreen() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.main == "" {
		return false, fmt.Errorf("%w: no main terminal", ErrSessionNotFound)
	}
	m.fullscreen = !m.fullscreen
	return m.fullscreen, nil
}

// ListSessions returns every tile in sidebar order, numbered from 1.
func (m *Manager) ListSessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked()
}

func (m *Manager) listLocked() []SessionInfo {
	infos := make([]SessionInfo, 0, len(m.order))
	for i, id := range m.order {
		info := m.sessions[id].info()
		info.Number = i + 1
		info.Main = id == m.main
		infos = append(infos, info)
	}
	return infos
}

// Layout returns the current arrangement.
func (m *Manager) Layout() Layout {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Layout{
		Terminals:  m.listLocked(),
		Main:       m.main,
		Fullscreen: m.fullscreen,
		Max:        m.maxTiles,
	}
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// Close terminates and removes all sessions.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sess := range m.sessions {
		_ = sess.Close()
		delete(m.sessions, id)
	}
	m.order = nil
	m.main = ""
	m.fullscreen = false
}
