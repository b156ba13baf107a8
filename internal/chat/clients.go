// Package chat provides the WebSocket delivery layer between cardbridge
// and card-capable chat clients.
package chat

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks active WebSocket connections per actor. One actor may
// hold several connections (tabs, devices); each is keyed by client ID.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the connection for an actor and client, or nil.
func (r *Registry) GetActive(actorID, clientID string) *websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if conns, ok := r.active[actorID]; ok {
		return conns[clientID]
	}
	return nil
}

// Conns returns all active connections for an actor.
func (r *Registry) Conns(actorID string) []*websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*websocket.Conn, 0, len(r.active[actorID]))
	for _, c := range r.active[actorID] {
		conns = append(conns, c)
	}
	return conns
}

// Register adds a connection for an actor/client, closing any previous
// connection held under the same client ID.
func (r *Registry) Register(actorID, clientID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[actorID]; !exists {
		r.active[actorID] = make(map[string]*websocket.Conn)
	}
	if existing, exists := r.active[actorID][clientID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "client replaced")
	}

	r.active[actorID][clientID] = conn
	slog.Info("Chat client registered", "actor_id", actorID, "client_id", clientID)
}

// Unregister removes a connection for an actor/client. A stale
// unregister for an already-replaced connection is a no-op.
func (r *Registry) Unregister(actorID, clientID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conns, ok := r.active[actorID]; ok {
		if current, exists := conns[clientID]; exists && current == conn {
			delete(conns, clientID)
			if len(conns) == 0 {
				delete(r.active, actorID)
			}
			slog.Info("Chat client unregistered", "actor_id", actorID, "client_id", clientID)
		}
	}
}

// CloseAll forcefully terminates every connection for an actor.
func (r *Registry) CloseAll(actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.active[actorID]
	if !ok {
		return
	}
	for cid, conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
		slog.Info("Chat client closed", "actor_id", actorID, "client_id", cid)
	}
	delete(r.active, actorID)
}
