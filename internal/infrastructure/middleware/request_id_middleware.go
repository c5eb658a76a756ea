package middleware

import (
	"streamperf/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	RequestIDHeader = "X-Request-ID"
	SessionIDHeader = "X-Session-ID"
)

// RequestIDMiddleware tags each request with an ID and carries the player
// session ID into the request context for ContextLogger
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)

		ctx := logger.WithRequestID(c.Request.Context(), id)
		if session := c.GetHeader(SessionIDHeader); session != "" {
			ctx = logger.WithSessionID(ctx, session)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
