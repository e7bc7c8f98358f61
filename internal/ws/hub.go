package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"roulette-chat/internal/observability"
	"roulette-chat/internal/rabbitmq"
)

// Hub tracks the streaming connections of each open conversation.
type Hub struct {
	rooms     map[string]map[*websocket.Conn]ConnInfo
	mu        sync.RWMutex
	publisher rabbitmq.Publisher
}

// NewHub creates an empty hub. publisher may be nil.
func NewHub(publisher rabbitmq.Publisher) *Hub {
	return &Hub{
		rooms:     make(map[string]map[*websocket.Conn]ConnInfo),
		publisher: publisher,
	}
}

// AddClient registers a connection streaming the conversation with peerID.
func (h *Hub) AddClient(peerID string, conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[peerID]; !ok {
		h.rooms[peerID] = make(map[*websocket.Conn]ConnInfo)
	}
	h.rooms[peerID][conn] = info
}

// RemoveClient unregisters a connection. It reports whether the connection was present.
func (h *Hub) RemoveClient(peerID string, conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[peerID]
	if !ok {
		return false
	}
	if _, ok := conns[conn]; !ok {
		return false
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.rooms, peerID)
	}
	return true
}

// Count returns the number of clients streaming the conversation with peerID.
func (h *Hub) Count(peerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[peerID])
}

// CloseRoom sends a close frame to every client of the conversation.
// Their stream loops observe the close and unregister themselves.
func (h *Hub) CloseRoom(peerID string) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.rooms[peerID]))
	for conn := range h.rooms[peerID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "conversation closed")
	for _, conn := range conns {
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			log.Printf("websocket close frame failed peer=%s: %v", peerID, err)
		}
	}
}

// publishEvent reports connection lifecycle events. Failures are logged.
func (h *Hub) publishEvent(ctx context.Context, name, peerID string, info ConnInfo, reason string) {
	if h.publisher == nil {
		return
	}
	event := observability.EventEnvelope{
		EventType: "ws_events",
		EventName: name,
		RequestID: info.RequestID,
		TraceID:   info.TraceID,
		Payload: observability.WSEventPayload{
			PeerID:     peerID,
			ConnID:     info.ConnID,
			UserID:     info.UserID,
			DeviceID:   info.DeviceID,
			IP:         info.IP,
			DurationMS: time.Since(info.ConnectedAt).Milliseconds(),
			Reason:     reason,
		},
	}
	if err := h.publisher.Publish(ctx, eventsRoutingKey, event); err != nil {
		log.Printf("websocket event publish failed event=%s: %v", name, err)
	}
}
