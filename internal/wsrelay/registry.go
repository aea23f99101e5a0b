package wsrelay

import (
	"fmt"
	"sort"
	"sync"
)

// Registry tracks the live sessions of a manager. It is the only state shared
// between sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds s, rejecting duplicate identifiers.
func (r *Registry) Register(s *Session) error {
	if s == nil {
		return fmt.Errorf("wsrelay: register nil session")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.id]; exists {
		return fmt.Errorf("wsrelay: session %s already registered", s.id)
	}
	r.sessions[s.id] = s
	return nil
}

// Unregister removes the session with id and reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; !exists {
		return false
	}
	delete(r.sessions, id)
	return true
}

// remove drops s only if it is still the session registered under its id.
func (r *Registry) remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, exists := r.sessions[s.id]; !exists || cur != s {
		return false
	}
	delete(r.sessions, s.id)
	return true
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions ordered by start time.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].startedAt.Equal(sessions[j].startedAt) {
			return sessions[i].id < sessions[j].id
		}
		return sessions[i].startedAt.Before(sessions[j].startedAt)
	})
	return sessions
}

// CloseAll closes every registered session with cause. Sessions are closed
// outside the lock because Close unregisters.
func (r *Registry) CloseAll(cause error) int {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close(cause)
	}
	return len(sessions)
}
