package session

import (
	"sync"

	"chatline/pkg/interfaces"
)

// Manager indexes open sessions by connection handle.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Open creates an Unregistered session for conn.
func (m *Manager) Open(conn interfaces.Connection) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[conn.ID()]; exists {
		return nil, ErrDuplicateSession
	}
	s := New(conn)
	m.sessions[conn.ID()] = s
	return s, nil
}

// Get returns the open session for a connection handle.
func (m *Manager) Get(connID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[connID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close closes and forgets the session for connID.
func (m *Manager) Close(connID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[connID]
	delete(m.sessions, connID)
	m.mu.Unlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	s.Close()
	return s, nil
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll closes every open session, for shutdown.
func (m *Manager) CloseAll() []*Session {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	return all
}
