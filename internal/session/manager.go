package session

import "sync"

// Manager tracks at most one session per guild.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Get returns the session for guildID, or nil.
func (m *Manager) Get(guildID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[guildID]
}

// Put registers a session, replacing (and stopping) any previous one.
func (m *Manager) Put(guildID string, s *Session) {
	m.mu.Lock()
	prev := m.sessions[guildID]
	m.sessions[guildID] = s
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
}

// Remove stops and forgets the session for guildID, if any.
func (m *Manager) Remove(guildID string) {
	m.mu.Lock()
	s := m.sessions[guildID]
	delete(m.sessions, guildID)
	m.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// StopAll stops every live session; used during shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range all {
		s.Stop()
	}
}
