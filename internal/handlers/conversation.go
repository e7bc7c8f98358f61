package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"roulette-chat/internal/codec"
	"roulette-chat/internal/conversation"
	"roulette-chat/internal/models"
	"roulette-chat/internal/telemetry"
	"roulette-chat/internal/ws"
)

const maxImageBytes = 10 << 20

// ConversationHandler exposes the conversation state machine over HTTP.
type ConversationHandler struct {
	manager *conversation.Manager
	hub     *ws.Hub
	audit   *telemetry.AuditEmitter
}

// NewConversationHandler builds a ConversationHandler. audit may be nil.
func NewConversationHandler(manager *conversation.Manager, hub *ws.Hub, audit *telemetry.AuditEmitter) *ConversationHandler {
	return &ConversationHandler{manager: manager, hub: hub, audit: audit}
}

// Open initializes the conversation with the peer, or returns the open one.
func (h *ConversationHandler) Open(c *gin.Context) {
	peerID := c.Param("peer_id")
	if peerID == "" || peerID == h.manager.SelfID() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return
	}

	conv, err := h.manager.Open(c.Request.Context(), peerID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to load conversation", "conversation": conv.Snapshot().View()})
		return
	}
	h.audit.ConversationOpened(c.Request.Context(), requestIDFromContext(c), userIDFromContext(c), peerID)
	c.JSON(http.StatusOK, conv.Snapshot().View())
}

// Get returns the current window.
func (h *ConversationHandler) Get(c *gin.Context) {
	conv, ok := h.conversation(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, conv.Snapshot().View())
}

// Close disposes the conversation and disconnects its streams.
func (h *ConversationHandler) Close(c *gin.Context) {
	peerID := c.Param("peer_id")
	h.hub.CloseRoom(peerID)
	if err := h.manager.Close(peerID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not open"})
		return
	}
	h.audit.ConversationClosed(c.Request.Context(), requestIDFromContext(c), userIDFromContext(c), peerID)
	c.Status(http.StatusNoContent)
}

// PostMessage sends a text message.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conv, ok := h.conversation(c)
	if !ok {
		return
	}

	msg, err := conv.Send(c.Request.Context(), req.Text)
	if err != nil {
		writeSendError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conversation.NewMessageView(msg))
}

// PostImage uploads an image, sent as a multipart "file" field or as the raw body.
func (h *ConversationHandler) PostImage(c *gin.Context) {
	conv, ok := h.conversation(c)
	if !ok {
		return
	}

	data, caption, err := readImage(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := conv.SendImage(c.Request.Context(), data, caption)
	if err != nil {
		writeSendError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conversation.NewMessageView(msg))
}

func readImage(c *gin.Context) ([]byte, string, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		header, err := c.FormFile("file")
		if err != nil {
			return nil, "", errors.New("missing file field")
		}
		if header.Size > maxImageBytes {
			return nil, "", errors.New("image too large")
		}
		f, err := header.Open()
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		return data, c.PostForm("caption"), err
	}

	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxImageBytes))
	if err != nil {
		return nil, "", errors.New("image too large")
	}
	return data, c.Query("caption"), nil
}

// PostMovie sends a movie recommendation.
func (h *ConversationHandler) PostMovie(c *gin.Context) {
	var req struct {
		TMDBID    int64  `json:"tmdb_id" binding:"required,gt=0"`
		Title     string `json:"title" binding:"required"`
		PosterURL string `json:"poster_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conv, ok := h.conversation(c)
	if !ok {
		return
	}

	msg, err := conv.SendMovie(c.Request.Context(), req.Title, models.MovieAttachment{TMDBID: req.TMDBID, PosterURL: req.PosterURL})
	if err != nil {
		writeSendError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conversation.NewMessageView(msg))
}

// LoadOlder prepends the previous page and returns the window.
func (h *ConversationHandler) LoadOlder(c *gin.Context) {
	conv, ok := h.conversation(c)
	if !ok {
		return
	}
	if err := conv.LoadOlderPage(c.Request.Context()); err != nil {
		writeSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv.Snapshot().View())
}

// ClearError dismisses the last send error.
func (h *ConversationHandler) ClearError(c *gin.Context) {
	conv, ok := h.conversation(c)
	if !ok {
		return
	}
	conv.ClearSendError()
	c.Status(http.StatusNoContent)
}

// Profile returns the peer profile.
func (h *ConversationHandler) Profile(c *gin.Context) {
	conv, ok := h.conversation(c)
	if !ok {
		return
	}
	p := conv.Profile()
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		return
	}

	type profileResponse struct {
		ID          string `json:"id"`
		Username    string `json:"username"`
		DisplayName string `json:"display_name,omitempty"`
		AvatarURL   string `json:"avatar_url,omitempty"`
	}
	c.JSON(http.StatusOK, profileResponse{
		ID:          p.ID,
		Username:    p.Username,
		DisplayName: p.DisplayName.String,
		AvatarURL:   p.AvatarURL.String,
	})
}

func (h *ConversationHandler) conversation(c *gin.Context) (*conversation.Conversation, bool) {
	conv, err := h.manager.Get(c.Param("peer_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not open"})
		return nil, false
	}
	return conv, true
}

func writeSendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage), errors.Is(err, codec.ErrInvalidAttachment):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, conversation.ErrMissingKey):
		c.JSON(http.StatusConflict, gin.H{"error": "encryption keys are not available for this conversation"})
	case errors.Is(err, conversation.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": "conversation is not ready"})
	case errors.Is(err, conversation.ErrClosed):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not open"})
	case errors.Is(err, conversation.ErrRemoteWrite), errors.Is(err, conversation.ErrRemoteRead):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
