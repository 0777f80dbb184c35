package collision

import "sync"

// Registry hands out one Guard per session. Guards are created lazily and
// dropped when the session ends so reservations never leak across sessions.
type Registry struct {
	mu     sync.Mutex
	guards map[string]*Guard
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{guards: make(map[string]*Guard)}
}

// ForSession returns the session's guard, creating it on first use.
func (r *Registry) ForSession(sessionID string) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guards[sessionID]
	if !ok {
		g = NewGuard()
		r.guards[sessionID] = g
	}
	return g
}

// Drop removes the session's guard and every reservation it held.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.guards, sessionID)
}

// Len reports how many sessions currently hold a guard.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.guards)
}
