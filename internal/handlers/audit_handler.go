package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/classvault/backend/internal/apierr"
	"github.com/classvault/backend/internal/models"
	"github.com/classvault/backend/internal/services"
	"github.com/classvault/backend/internal/tenantctx"
)

type AuditHandler struct {
	auditService *services.AuditService
}

func NewAuditHandler(auditService *services.AuditService) *AuditHandler {
	return &AuditHandler{auditService: auditService}
}

// List returns audit entries, newest first
// GET /audit-logs?actor_id=&action=&outcome=&since=&until=&page=&limit=
func (h *AuditHandler) List(c *gin.Context) {
	subject := tenantctx.SubjectFrom(c.Request.Context())

	filter := services.AuditQueryFilter{
		Action:  c.Query("action"),
		Outcome: models.AuditOutcome(c.Query("outcome")),
	}

	if raw := c.Query("actor_id"); raw != "" {
		actorID, err := uuid.Parse(raw)
		if err != nil {
			respondError(c, apierr.Validation("actor_id", "must be a UUID"))
			return
		}
		filter.ActorID = &actorID
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, apierr.Validation("since", "must be RFC 3339"))
			return
		}
		filter.Since = since
	}
	if raw := c.Query("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, apierr.Validation("until", "must be RFC 3339"))
			return
		}
		filter.Until = until
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, total, err := h.auditService.Query(c.Request.Context(), subject, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"total":   total,
		"page":    filter.Page,
		"limit":   filter.Limit,
	})
}
