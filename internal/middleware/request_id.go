package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"roulette-chat/internal/observability"
)

// RequestIDKey is the context key holding the request id.
const RequestIDKey = "request_id"

// RequestID propagates X-Request-Id, generating one when absent.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(observability.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			c.Request.Header.Set(observability.RequestIDHeader, id)
		}
		c.Set(RequestIDKey, id)
		c.Header(observability.RequestIDHeader, id)
		c.Next()
	}
}
