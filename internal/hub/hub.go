// Package hub owns the node-local socket registry: which users have a live
// connection here and how to push an event frame to them. Pushes are
// best-effort; a send failure drops the frame and the connection's own
// read loop will notice the broken socket.
package hub

import (
	"log/slog"
	"sync"
)

// Conn is a live client connection able to receive event frames. The
// websocket transport implements it; tests use in-memory fakes.
type Conn interface {
	ID() string
	Send(event string, payload interface{}) error
}

// Hub maps locally-connected users to their connection. One connection per
// user per node; a reconnect overwrites the previous entry.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]Conn // userID → conn
}

// New returns an empty hub.
func New() *Hub {
	return &Hub{conns: make(map[string]Conn)}
}

// Register attaches userID's connection, replacing any prior one. The
// replaced connection, if any, is returned so the caller can tell it the
// session moved elsewhere.
func (h *Hub) Register(userID string, conn Conn) Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.conns[userID]
	h.conns[userID] = conn
	if prev != nil && prev.ID() == conn.ID() {
		return nil
	}
	return prev
}

// Unregister detaches the connection, but only if it is still the one
// registered: a stale disconnect must not evict a fresh reconnect.
func (h *Hub) Unregister(userID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.conns[userID]; ok && current.ID() == conn.ID() {
		delete(h.conns, userID)
	}
}

// Get returns the user's live connection, if any.
func (h *Hub) Get(userID string) (Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[userID]
	return conn, ok
}

// Send pushes one event frame to userID's local socket. Returns false when
// the user has no local connection; send errors are logged and dropped.
func (h *Hub) Send(userID, event string, payload interface{}) bool {
	conn, ok := h.Get(userID)
	if !ok {
		return false
	}
	if err := conn.Send(event, payload); err != nil {
		slog.Debug("Dropped local push", "user", userID, "event", event, "error", err)
		return false
	}
	return true
}

// SendToUsers pushes the frame to every listed user with a local socket
// and returns how many deliveries succeeded.
func (h *Hub) SendToUsers(userIDs []string, event string, payload interface{}) int {
	delivered := 0
	for _, uid := range userIDs {
		if h.Send(uid, event, payload) {
			delivered++
		}
	}
	return delivered
}

// Size returns the number of locally-connected users.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
