// ABOUTME: Registry of live client connections keyed by connection id
// ABOUTME: Owned by the gateway; connections are removed exactly once on disconnect

package gateway

import (
	"log/slog"
	"sync"
)

// ConnRegistry tracks every live client connection.
type ConnRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	logger *slog.Logger
}

// NewConnRegistry creates an empty connection registry.
func NewConnRegistry(logger *slog.Logger) *ConnRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnRegistry{
		conns:  make(map[string]*Conn),
		logger: logger.With("component", "conn-registry"),
	}
}

// Add registers a connection after a successful handshake.
func (r *ConnRegistry) Add(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("connection registered", "conn_id", c.ID(), "total", total)
}

// Remove deletes a connection, returning it if it was present. Safe to
// call multiple times for the same id.
func (r *ConnRegistry) Remove(id string) (*Conn, bool) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if ok {
		r.logger.Info("connection removed", "conn_id", id, "total", total)
	}
	return c, ok
}

// Get retrieves a connection by id.
func (r *ConnRegistry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of live connections.
func (r *ConnRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// All returns a snapshot of the live connections.
func (r *ConnRegistry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
