package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry maps operator IDs to MCP session IDs.
// Populated when operators call funnel.status with operator_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // operatorID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an operator ID with a session ID.
// If the operator already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(operatorID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[operatorID] = sessionID
}

// SessionFor returns the session ID for the given operator, if connected.
func (r *SessionRegistry) SessionFor(operatorID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[operatorID]
	return sid, ok
}

// Operators returns the registered operator IDs, sorted.
func (r *SessionRegistry) Operators() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.sessions))
	for op := range r.sessions {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops
}

// Remove deletes all operator mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for op, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, op)
		}
	}
}
