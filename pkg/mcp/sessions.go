package mcp

import "sync"

// WatchRegistry maps workflow IDs to the MCP session that launched them.
// Populated when a client runs a workflow detached, so completion can be
// pushed back to the right session.
type WatchRegistry struct {
	mu      sync.RWMutex
	watches map[string]string // workflowID → sessionID
}

// NewWatchRegistry creates a new empty WatchRegistry.
func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{watches: make(map[string]string)}
}

// Watch associates a workflow run with a session ID.
// A second Watch for the same workflow overwrites the first (reconnect).
func (r *WatchRegistry) Watch(workflowID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watches[workflowID] = sessionID
}

// SessionFor returns the session watching the given workflow, if any.
func (r *WatchRegistry) SessionFor(workflowID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.watches[workflowID]
	return sid, ok
}

// Unwatch drops the watch for one workflow.
func (r *WatchRegistry) Unwatch(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watches, workflowID)
}

// Drop deletes all watches held by the given session ID.
// Called when a session disconnects.
func (r *WatchRegistry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for wf, sid := range r.watches {
		if sid == sessionID {
			delete(r.watches, wf)
		}
	}
}
