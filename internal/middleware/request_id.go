package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/classvault/backend/internal/logger"
	"github.com/classvault/backend/internal/tenantctx"
)

// RequestID assigns a correlation id to every request, echoes it in the
// X-Request-ID header and writes one structured log line per request. The
// same id ends up on every audit entry the request produces.
func RequestID(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Request-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Request = c.Request.WithContext(tenantctx.WithCorrelationID(c.Request.Context(), correlationID))
		c.Header("X-Request-ID", correlationID)

		start := time.Now()
		c.Next()

		log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"correlation_id", correlationID,
		)
	}
}
