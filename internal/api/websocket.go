package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harborglow/hashlab/internal/jsonx"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// Message represents a WebSocket message
type Message struct {
	Type string `json:"type"` // "snapshot"
	Data any    `json:"data"`
}

// ClientCounter is told the hub size whenever it changes.
type ClientCounter interface {
	SetWebSocketClients(n int)
}

// WebSocketHub manages WebSocket connections and broadcasts
type WebSocketHub struct {
	clients    map[*websocket.Conn]bool
	clientsMu  sync.RWMutex
	broadcast  chan Message
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	stopOnce   sync.Once
	counter    ClientCounter
}

// NewWebSocketHub creates a new WebSocketHub. counter may be nil.
func NewWebSocketHub(counter ClientCounter) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		counter:    counter,
	}
}

// Run starts the hub's main loop to handle register/unregister/broadcast
func (h *WebSocketHub) Run() {
	for {
		select {
		case <-h.done:
			h.clientsMu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.clientsMu.Unlock()
			return

		case conn := <-h.register:
			h.clientsMu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.clientsMu.Unlock()
			h.count(n)
			log.Printf("WebSocket client connected, total clients: %d", n)

		case conn := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.clientsMu.Unlock()
			h.count(n)
			log.Printf("WebSocket client disconnected, total clients: %d", n)

		case msg := <-h.broadcast:
			data, err := jsonx.Marshal(msg)
			if err != nil {
				log.Printf("WebSocket encode error: %v", err)
				continue
			}
			h.clientsMu.RLock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					log.Printf("WebSocket write error: %v", err)
					go func(c *websocket.Conn) {
						select {
						case h.unregister <- c:
						case <-h.done:
						}
					}(conn)
				}
			}
			h.clientsMu.RUnlock()
		}
	}
}

func (h *WebSocketHub) count(n int) {
	if h.counter != nil {
		h.counter.SetWebSocketClients(n)
	}
}

// Clients returns the number of connected clients.
func (h *WebSocketHub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Stop stops the hub
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast sends a message to all connected clients
func (h *WebSocketHub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		log.Printf("WebSocket broadcast buffer full, dropping message")
	}
}

// handleWebSocket handles WebSocket upgrade and connection
// GET /api/ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	// the newest snapshot goes out before the hub owns the connection's
	// writes, so the page isn't blank until the next tick
	if s.sampler != nil {
		if snap := s.sampler.Latest(); snap != nil {
			if data, err := jsonx.Marshal(Message{Type: "snapshot", Data: snap}); err == nil {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.TextMessage, data)
			}
		}
	}

	select {
	case s.hub.register <- conn:
	case <-s.hub.done:
		conn.Close()
		return
	}

	// Read loop to detect client disconnect
	go func() {
		defer func() {
			select {
			case s.hub.unregister <- conn:
			case <-s.hub.done:
			}
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
