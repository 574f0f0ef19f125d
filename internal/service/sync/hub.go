package sync

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ChangeEvent tells other devices of an account that shared state moved.
// It carries no payload beyond identifiers: receivers reconcile against the
// store rather than trusting the event.
type ChangeEvent struct {
	Type      string    `json:"type"` // "goal_accepted" | "goal_completed" | "economy_changed"
	AccountID string    `json:"accountId"`
	GoalID    string    `json:"goalId,omitempty"`
	At        time.Time `json:"at"`
}

// Hub fans change events out to the websocket connections of an account.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]struct{}
	log   zerolog.Logger

	manager  *Manager
	upgrader websocket.Upgrader
}

// NewHub returns an empty change-feed hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		conns: make(map[string]map[*websocket.Conn]struct{}),
		log:   log.With().Str("component", "sync-hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Same permissive posture as the HTTP CORS middleware.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and keeps the connection registered until the
// peer goes away. The feed is one-way; client frames are drained and dropped.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, accountID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.register(accountID, conn)
	defer h.unregister(accountID, conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// BindManager makes broadcasts also wake the account's server-side
// synchronizer, so its projection re-reads without waiting for the ticker.
func (h *Hub) BindManager(m *Manager) {
	h.manager = m
}

// Broadcast sends the event to every device of the account. A connection
// that cannot be written to is dropped; its device falls back to polling.
func (h *Hub) Broadcast(event ChangeEvent) {
	event.At = time.Now().UTC()
	if h.manager != nil {
		h.manager.Wake(event.AccountID)
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns[event.AccountID]))
	for conn := range h.conns[event.AccountID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.WriteJSON(event); err != nil {
			h.log.Debug().Err(err).Msg("dropping unwritable feed connection")
			h.unregister(event.AccountID, conn)
			conn.Close()
		}
	}
}

func (h *Hub) register(accountID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[accountID] == nil {
		h.conns[accountID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[accountID][conn] = struct{}{}
}

func (h *Hub) unregister(accountID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[accountID], conn)
	if len(h.conns[accountID]) == 0 {
		delete(h.conns, accountID)
	}
}
