package gateway

import (
	"log"
	"sync"
	"sync/atomic"
)

// Manager owns the per-process bidirectional mapping between connections and
// user IDs. It is the only component that knows which local sockets exist;
// the cluster-wide view lives in the presence store. All methods are safe
// for concurrent use by independent connection handlers.
type Manager struct {
	conns  sync.Map // connID -> Conn
	users  sync.Map // connID -> userID
	byUser sync.Map // userID -> connID
	active atomic.Int64
}

// NewManager creates an empty connection manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a connection with no user association yet.
func (m *Manager) Register(conn Conn) {
	m.conns.Store(conn.ID(), conn)
	m.active.Add(1)
}

// Unregister removes a connection and any binding it still holds.
func (m *Manager) Unregister(connID string) {
	if _, loaded := m.conns.LoadAndDelete(connID); loaded {
		m.active.Add(-1)
	}
	m.Unbind(connID)
}

// Bind associates a connection with a user, overwriting any prior binding
// for that connection.
func (m *Manager) Bind(connID, userID string) {
	if prev, loaded := m.users.Swap(connID, userID); loaded {
		if prevUser := prev.(string); prevUser != userID {
			m.byUser.Delete(prevUser)
		}
	}
	m.byUser.Store(userID, connID)
}

// Unbind removes the binding for a connection and returns the user ID that
// was bound, if any. Unbinding an unbound connection is a no-op.
func (m *Manager) Unbind(connID string) (string, bool) {
	prev, loaded := m.users.LoadAndDelete(connID)
	if !loaded {
		return "", false
	}
	userID := prev.(string)
	// Only clear the reverse entry if it still points at this connection;
	// the user may have rebound through a newer connection.
	if current, ok := m.byUser.Load(userID); ok && current.(string) == connID {
		m.byUser.Delete(userID)
	}
	return userID, true
}

// UserFor reverse-looks-up the user bound to a connection.
func (m *Manager) UserFor(connID string) (string, bool) {
	v, ok := m.users.Load(connID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// ConnFor returns the live connection serving a user, if this instance
// holds one.
func (m *Manager) ConnFor(userID string) (Conn, bool) {
	connID, ok := m.byUser.Load(userID)
	if !ok {
		return nil, false
	}
	return m.Conn(connID.(string))
}

// Conn returns a live connection by ID.
func (m *Manager) Conn(connID string) (Conn, bool) {
	v, ok := m.conns.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(Conn), true
}

// Range calls fn for every live connection until fn returns false.
func (m *Manager) Range(fn func(conn Conn) bool) {
	m.conns.Range(func(_, value any) bool {
		return fn(value.(Conn))
	})
}

// Len returns the number of live connections on this instance.
func (m *Manager) Len() int {
	return int(m.active.Load())
}

// CloseAll closes every live connection and drops all bindings.
func (m *Manager) CloseAll(reason string) {
	m.conns.Range(func(key, value any) bool {
		connID := key.(string)
		conn := value.(Conn)
		log.Printf("Closing connection %s: %s", connID, reason)
		if err := conn.Close(); err != nil {
			log.Printf("Error closing connection %s: %v", connID, err)
		}
		m.Unregister(connID)
		return true
	})
}
