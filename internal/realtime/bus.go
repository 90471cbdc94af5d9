// Package realtime fans a payload out to every live connection held by
// a given user, built on github.com/gorilla/websocket.
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	httpmetrics "github.com/sawpanic/chatpipeline/internal/interfaces/http"
)

// Bus is the contract internal/consumer depends on: emit an event to
// every connection belonging to a user's room.
type Bus interface {
	Emit(ctx context.Context, userID, event string, payload interface{}) error
}

// Hub is a per-user-room WebSocket fan-out service. Each user may hold
// multiple concurrent connections (multiple tabs/devices); Emit writes
// to all of them.
type Hub struct {
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*connection]struct{}

	metrics *httpmetrics.MetricsRegistry
}

type connection struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *connection) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// NewHub constructs an empty Hub. metrics may be nil, in which case emit
// latency is not recorded.
func NewHub(metrics *httpmetrics.MetricsRegistry) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms:   make(map[string]map[*connection]struct{}),
		metrics: metrics,
	}
}

// event is the envelope written to each socket, matching the shape
// `{error:...}` / message payloads used across this module's surfaces.
type event struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// ServeWS upgrades an inbound HTTP request to a WebSocket connection and
// registers it in userID's room. The caller is responsible for calling
// presence.Index.SetUserOnline before upgrading and SetUserOffline once
// the last connection for userID closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("realtime: websocket upgrade: %w", err)
	}

	conn := &connection{ws: ws}
	h.register(userID, conn)

	go func() {
		defer h.unregister(userID, conn)
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	return nil
}

func (h *Hub) register(userID string, c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[userID] == nil {
		h.rooms[userID] = make(map[*connection]struct{})
	}
	h.rooms[userID][c] = struct{}{}
}

func (h *Hub) unregister(userID string, c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, userID)
		}
	}
}

// Emit writes the event to every live connection in user:{userID}'s room.
// A user with no open connections is a silent no-op; the Consumer already
// checks presence before calling Emit, so Emit itself simply has nothing
// to write to in that case.
func (h *Hub) Emit(ctx context.Context, userID, eventName string, payload interface{}) error {
	start := time.Now()
	if h.metrics != nil {
		defer func() {
			h.metrics.RealtimeEmitLatency.Observe(time.Since(start).Seconds())
		}()
	}

	h.mu.RLock()
	conns := make([]*connection, 0, len(h.rooms[userID]))
	for c := range h.rooms[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	msg := event{Event: eventName, Payload: payload}
	var firstErr error
	for _, c := range conns {
		if err := c.writeJSON(msg); err != nil {
			log.Warn().Str("userId", userID).Err(err).Msg("realtime: failed to write to connection")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RoomSize reports how many live connections userID currently holds,
// useful for presence reference-counting decisions in the transport layer.
func (h *Hub) RoomSize(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// MarshalNotification builds the realtime notification payload pushed to
// a recipient's socket when a message arrives while they're online.
func MarshalNotification(messageID, conversationID, senderID string, senderInfo SenderInfo, content, createdAt string) map[string]interface{} {
	return map[string]interface{}{
		"messageId":      messageID,
		"conversationId": conversationID,
		"senderId":       senderID,
		"senderInfo": map[string]string{
			"_id":      senderInfo.ID,
			"username": senderInfo.Username,
			"email":    senderInfo.Email,
		},
		"content":       content,
		"createdAt":     createdAt,
		"isAutoMessage": true,
	}
}

// SenderInfo is the `senderInfo` object embedded in a realtime payload.
type SenderInfo struct {
	ID       string
	Username string
	Email    string
}
