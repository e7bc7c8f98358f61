package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"roulette-chat/internal/conversation"
	"roulette-chat/internal/observability"
)

const writeTimeout = 5 * time.Second

// ConversationSource resolves open conversations by peer id.
type ConversationSource interface {
	Get(peerID string) (*conversation.Conversation, error)
}

// StreamHandler streams conversation window snapshots over websocket.
type StreamHandler struct {
	hub    *Hub
	convs  ConversationSource
	selfID string
}

// NewStreamHandler constructs a StreamHandler.
func NewStreamHandler(hub *Hub, convs ConversationSource, selfID string) *StreamHandler {
	return &StreamHandler{hub: hub, convs: convs, selfID: selfID}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection and writes every published state until the
// client leaves or the conversation is closed.
func (h *StreamHandler) Handle(c *gin.Context) {
	peerID := c.Param("peer_id")
	conv, err := h.convs.Get(peerID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not open"})
		return
	}

	ctx, span := otel.Tracer("roulette-chat/ws").Start(c.Request.Context(), "ws.handshake")
	conn, err := upgrader.Upgrade(c.Writer, c.Request.WithContext(ctx), nil)
	if err != nil {
		span.End()
		return
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      h.selfID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	span.End()

	h.hub.AddClient(peerID, conn, info)
	observability.IncWSActive()
	h.hub.publishEvent(ctx, "ws_connect", peerID, info, "")

	states, unsubscribe := conv.Subscribe()
	closeReason := make(chan string, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeReason <- err.Error()
				unsubscribe()
				return
			}
		}
	}()

	reason := h.writeStates(conn, states)
	unsubscribe()
	_ = conn.Close()
	if reason == "" {
		reason = <-closeReason
	}

	h.hub.RemoveClient(peerID, conn)
	observability.DecWSActive()
	h.hub.publishEvent(context.WithoutCancel(ctx), "ws_disconnect", peerID, info, reason)
}

// writeStates returns a non-empty reason when a write fails.
func (h *StreamHandler) writeStates(conn *websocket.Conn, states <-chan conversation.State) string {
	for state := range states {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(state.View()); err != nil {
			return err.Error()
		}
	}
	return ""
}
