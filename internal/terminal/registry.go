package terminal

import (
	"sort"
	"sync"
)

// Registry tracks the live sessions of one server instance.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session under its ID.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Remove forgets a session. It does not terminate it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Get returns the session with the given ID, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a snapshot of all sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Terminate ends one session. It reports whether the session was found.
func (r *Registry) Terminate(id string, reason EndReason) bool {
	s := r.Get(id)
	if s == nil {
		return false
	}
	s.Terminate(reason)
	return true
}

// TerminateAll ends every registered session.
func (r *Registry) TerminateAll(reason EndReason) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.Terminate(reason)
	}
}
