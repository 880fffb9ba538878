package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/classvault/backend/internal/apierr"
	"github.com/classvault/backend/internal/tenantctx"
)

// respondError renders any service error as the uniform envelope: a human
// message, the machine-readable error kind and the request correlation id.
func respondError(c *gin.Context, err error) {
	c.JSON(apierr.StatusOf(err), gin.H{
		"error":          err.Error(),
		"kind":           string(apierr.KindOf(err)),
		"correlation_id": tenantctx.CorrelationID(c.Request.Context()),
	})
}
