package realtime

import (
	"errors"
	"sync"
)

// ErrTooManySessions is returned by Registry.Add when a concurrency cap is
// hit, either gateway-wide or for the caller's key.
var ErrTooManySessions = errors.New("realtime: too many sessions")

// Registry tracks live sessions and enforces the concurrency caps.
type Registry struct {
	mu        sync.Mutex
	max       int
	maxPerKey int
	sessions  map[string]*Session
	perKey    map[string]int
}

// NewRegistry constructs a registry with the given gateway-wide and per-key
// session caps.
func NewRegistry(max, maxPerKey int) *Registry {
	return &Registry{
		max:       max,
		maxPerKey: maxPerKey,
		sessions:  make(map[string]*Session),
		perKey:    make(map[string]int),
	}
}

// Add admits s unless a cap is exceeded.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= r.max {
		return ErrTooManySessions
	}
	if r.perKey[s.Key] >= r.maxPerKey {
		return ErrTooManySessions
	}
	r.sessions[s.ID] = s
	r.perKey[s.Key]++
	return nil
}

// Remove drops a session by id. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if r.perKey[s.Key]--; r.perKey[s.Key] <= 0 {
		delete(r.perKey, s.Key)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll terminates every live session, for server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
