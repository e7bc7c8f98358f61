package handlers

import "github.com/gin-gonic/gin"

// RegisterConversationRoutes mounts the conversation API on router.
func RegisterConversationRoutes(router gin.IRouter, h *ConversationHandler) {
	conv := router.Group("/conversations/:peer_id")
	conv.POST("", h.Open)
	conv.GET("", h.Get)
	conv.DELETE("", h.Close)
	conv.POST("/messages", h.PostMessage)
	conv.POST("/images", h.PostImage)
	conv.POST("/movies", h.PostMovie)
	conv.POST("/older", h.LoadOlder)
	conv.DELETE("/error", h.ClearError)
	conv.GET("/profile", h.Profile)
}
