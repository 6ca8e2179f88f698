package ws

import (
	"sync"

	"github.com/gorilla/websocket"

	"chatsync/internal/domain"
	"chatsync/internal/metrics"
)

// Hub manages active feed connections keyed by scope and fans change
// events out to them. It implements the service event sink.
type Hub struct {
	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]map[*websocket.Conn]struct{}),
	}
}

// Register adds a connection for the given scope.
func (h *Hub) Register(scope string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conns[scope] == nil {
		h.conns[scope] = make(map[*websocket.Conn]struct{})
	}
	h.conns[scope][conn] = struct{}{}
}

// Unregister removes a connection for the given scope.
func (h *Hub) Unregister(scope string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.conns[scope]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.conns, scope)
		}
	}
}

// Publish sends the event to every connection subscribed to scope.
// Connections that fail to write are closed; removal happens on their
// handler's unregister.
func (h *Hub) Publish(scope string, ev domain.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.conns[scope] {
		if err := conn.WriteJSON(ev); err != nil {
			conn.Close()
		}
	}
	metrics.Broadcasts.Inc()
}

// Subscribers returns the number of live connections for scope.
func (h *Hub) Subscribers(scope string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[scope])
}
