package scheduler

import (
	"sort"
	"sync"
	"time"
)

// SessionManager keeps an LRU view of host sessions built from the event
// feed. The host client uses it to address calls to a session's directory.
type SessionManager struct {
	cache   map[string]*SessionInfo
	mu      sync.RWMutex
	maxSize int
	now     func() time.Time
}

// NewSessionManager creates a session manager holding at most maxSize sessions.
func NewSessionManager(maxSize int) *SessionManager {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &SessionManager{
		cache:   make(map[string]*SessionInfo),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Observe records an event for the session. Non-empty fields of info
// overwrite what is known; an empty ID is ignored.
func (m *SessionManager) Observe(info SessionInfo) {
	if info.ID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cached, ok := m.cache[info.ID]
	if !ok {
		cached = &SessionInfo{ID: info.ID}
		m.cache[info.ID] = cached
	}
	if info.Title != "" {
		cached.Title = info.Title
	}
	if info.Directory != "" {
		cached.Directory = info.Directory
	}
	if !info.CreatedAt.IsZero() {
		cached.CreatedAt = info.CreatedAt
	}
	cached.LastSeen = m.now()
	cached.Events++

	m.evict()
}

// Get returns a copy of the session's info.
func (m *SessionManager) Get(sessionID string) (SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cached, ok := m.cache[sessionID]
	if !ok {
		return SessionInfo{}, ErrSessionNotFound
	}
	return *cached, nil
}

// Directory returns the session's working directory, or "" if unknown.
func (m *SessionManager) Directory(sessionID string) string {
	info, err := m.Get(sessionID)
	if err != nil {
		return ""
	}
	return info.Directory
}

// List returns every tracked session, most recently seen first.
func (m *SessionManager) List() []SessionInfo {
	m.mu.RLock()
	out := make([]SessionInfo, 0, len(m.cache))
	for _, cached := range m.cache {
		out = append(out, *cached)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Delete forgets a session.
func (m *SessionManager) Delete(sessionID string) {
	m.mu.Lock()
	delete(m.cache, sessionID)
	m.mu.Unlock()
}

// Clear forgets every session.
func (m *SessionManager) Clear() {
	m.mu.Lock()
	m.cache = make(map[string]*SessionInfo)
	m.mu.Unlock()
}

// Len returns the number of tracked sessions.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

// evict drops the least recently seen sessions beyond maxSize.
// Must be called with mu held.
func (m *SessionManager) evict() {
	if len(m.cache) <= m.maxSize {
		return
	}

	type entry struct {
		id       string
		lastSeen time.Time
	}
	entries := make([]entry, 0, len(m.cache))
	for id, cached := range m.cache {
		entries = append(entries, entry{id, cached.LastSeen})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastSeen.Before(entries[j].lastSeen)
	})

	toRemove := len(m.cache) - m.maxSize
	for i := 0; i < toRemove && i < len(entries); i++ {
		delete(m.cache, entries[i].id)
	}
}
