package rpcfacade

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// sendBufferSize is each client's outbound channel depth, matching the
// teacher-adjacent hub's burst-traffic allowance.
const sendBufferSize = 256

// client is one connected WebSocket peer.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// hub tracks every connected client for notification fan-out.
type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub() *hub {
	return &hub{clients: map[*client]struct{}{}}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// broadcast fans a notification out to every connected client, dropping
// (and disconnecting) any client whose send buffer is full rather than
// blocking the caller.
func (h *hub) broadcast(n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
