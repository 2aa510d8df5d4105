package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mwhitley/skybridge/internal/fusion"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CORS is handled at the router; the upgrade accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// trackMessage is the wire format pushed to WebSocket clients after each
// fusion cycle.
type trackMessage struct {
	Type   string         `json:"type"`
	Count  int            `json:"count"`
	Tracks []fusion.Track `json:"tracks"`
}

// Hub fans fusion cycles out to connected WebSocket clients. A client that
// cannot keep up is dropped rather than allowed to stall the broadcast.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	// writeMu serializes broadcasts; the websocket library forbids
	// concurrent writers on one connection.
	writeMu sync.Mutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]bool)}
}

// Serve upgrades the request and keeps the connection registered until the
// client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	// Drain client frames so pings and close messages are processed; the
	// stream is one-way otherwise.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// BroadcastTracks sends one track view to every client.
func (h *Hub) BroadcastTracks(tracks []fusion.Track) {
	payload, err := json.Marshal(trackMessage{
		Type:   "tracks",
		Count:  len(tracks),
		Tracks: tracks,
	})
	if err != nil {
		log.Printf("Failed to marshal track broadcast: %v", err)
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.drop(conn)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// drop unregisters and closes one client. Safe to call twice.
func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()

	if ok {
		conn.Close()
	}
}
