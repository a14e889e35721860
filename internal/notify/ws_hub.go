package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/options-engine/internal/metrics"
)

type userMessage struct {
	userID string
	data   []byte
}

type registration struct {
	userID string
	conn   *websocket.Conn
}

// Hub manages WebSocket connections keyed by user and pushes each user's
// events to all of that user's open connections.
type Hub struct {
	clients    map[string]map[*websocket.Conn]bool
	messages   chan userMessage
	register   chan registration
	unregister chan registration
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*websocket.Conn]bool),
		messages:   make(chan userMessage, 256),
		register:   make(chan registration),
		unregister: make(chan registration),
	}
}

// Run starts the hub's main event loop until ctx is done. Must be called in
// a goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case reg := <-h.register:
			h.mu.Lock()
			conns, ok := h.clients[reg.userID]
			if !ok {
				conns = make(map[*websocket.Conn]bool)
				h.clients[reg.userID] = conns
			}
			conns[reg.conn] = true
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "user", reg.userID)

		case reg := <-h.unregister:
			h.remove(reg.userID, reg.conn)

		case msg := <-h.messages:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients[msg.userID] {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.remove(msg.userID, conn)
			}
		}
	}
}

// Notify queues an event for the user's connections. Drops the event if the
// buffer is full so settlement never waits on slow clients.
func (h *Hub) Notify(_ context.Context, userID string, kind EventKind, payload interface{}) {
	data, err := json.Marshal(newEvent(userID, kind, payload))
	if err != nil {
		slog.Error("ws notify: marshal failed", "user", userID, "err", err)
		return
	}
	select {
	case h.messages <- userMessage{userID: userID, data: data}:
	default:
		metrics.NotificationsDropped.WithLabelValues("websocket").Inc()
	}
}

// Connections returns the number of open connections for a user.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) remove(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.clients[userID]
	if _, ok := conns[conn]; !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.clients, userID)
	}
	conn.Close()
	metrics.WebSocketClients.Dec()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, conns := range h.clients {
		for conn := range conns {
			conn.Close()
			metrics.WebSocketClients.Dec()
		}
		delete(h.clients, userID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws?user_id=.
// Identity comes from the query string; authentication happens upstream.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	reg := registration{userID: userID, conn: conn}
	h.register <- reg

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- reg }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[userID][conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
