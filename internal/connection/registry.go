package connection

import (
	"slices"
	"sync"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/logger"
)

// Registry keeps a one-to-one mapping between session identities and
// registered connections. Accepted but unregistered connections are tracked
// with an empty identity so they can be closed on shutdown.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Connection
	owners   map[*Connection]string
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Connection),
		owners:   make(map[*Connection]string),
	}
}

// Accept records a connection that has not registered yet.
func (r *Registry) Accept(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[c]; !ok {
		r.owners[c] = ""
	}
}

// Register binds id to c. A different connection already holding id is
// evicted: it is closed and forgotten, and returned so the caller can
// skip it. If c was registered under another identity, that identity is
// released and returned as previous.
func (r *Registry) Register(id string, c *Connection) (evicted *Connection, previous string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old := r.owners[c]; old != "" && old != id {
		if r.sessions[old] == c {
			delete(r.sessions, old)
		}
		previous = old
	}

	if holder, ok := r.sessions[id]; ok && holder != c {
		delete(r.owners, holder)
		if err := holder.Close(); err != nil {
			logger.DebugF("[%s] Close evicted connection: %v", holder.ConnID, err)
		}
		evicted = holder
		logger.InfoF("[%s] Session %s evicted by [%s]", holder.ConnID, id, c.ConnID)
	}

	r.sessions[id] = c
	r.owners[c] = id
	return evicted, previous
}

// Unregister forgets c. It reports the identity c held and whether it was
// registered. Calling it twice is harmless.
func (r *Registry) Unregister(c *Connection) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.owners[c]
	if !ok {
		return "", false
	}
	delete(r.owners, c)
	if id == "" {
		return "", false
	}
	if r.sessions[id] == c {
		delete(r.sessions, id)
	}
	return id, true
}

func (r *Registry) Lookup(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[id]
	return c, ok
}

// IdentityOf returns the identity bound to c, or "" when c is unregistered.
func (r *Registry) IdentityOf(c *Connection) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[c]
}

// Identities returns the registered identities in sorted order.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Registered returns a snapshot of every registered connection keyed by identity.
func (r *Registry) Registered() map[string]*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Connection, len(r.sessions))
	for id, c := range r.sessions {
		out[id] = c
	}
	return out
}

// Connections returns every tracked connection, registered or not.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.owners))
	for c := range r.owners {
		out = append(out, c)
	}
	return out
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Contains reports whether c is still tracked, registered or not.
func (r *Registry) Contains(c *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.owners[c]
	return ok
}
