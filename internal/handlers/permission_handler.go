package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/classvault/backend/internal/apierr"
	"github.com/classvault/backend/internal/models"
	"github.com/classvault/backend/internal/services"
	"github.com/classvault/backend/internal/tenantctx"
)

type PermissionHandler struct {
	permissionService *services.PermissionService
}

func NewPermissionHandler(permissionService *services.PermissionService) *PermissionHandler {
	return &PermissionHandler{permissionService: permissionService}
}

// Grant creates a permission row for a user or role
// POST /permissions
func (h *PermissionHandler) Grant(c *gin.Context) {
	subject := tenantctx.SubjectFrom(c.Request.Context())

	var req struct {
		AssetID       string     `json:"asset_id" binding:"required"`
		GranteeUserID string     `json:"grantee_user_id"`
		GranteeRole   string     `json:"grantee_role"`
		Capabilities  []string   `json:"capabilities" binding:"required"`
		ExpiresAt     *time.Time `json:"expires_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.Validation("body", err.Error()))
		return
	}

	assetID, err := uuid.Parse(req.AssetID)
	if err != nil {
		respondError(c, apierr.Validation("asset_id", "must be a UUID"))
		return
	}

	grant := services.GrantRequest{
		AssetID:   assetID,
		ExpiresAt: req.ExpiresAt,
	}
	if req.GranteeUserID != "" {
		granteeID, err := uuid.Parse(req.GranteeUserID)
		if err != nil {
			respondError(c, apierr.Validation("grantee_user_id", "must be a UUID"))
			return
		}
		grant.GranteeUserID = &granteeID
	}
	if req.GranteeRole != "" {
		role := models.Role(req.GranteeRole)
		grant.GranteeRole = &role
	}
	for _, cap := range req.Capabilities {
		grant.Capabilities = append(grant.Capabilities, models.Capability(cap))
	}

	perm, err := h.permissionService.Grant(c.Request.Context(), subject, grant)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, perm)
}

// Revoke removes a permission row
// DELETE /permissions/:id
func (h *PermissionHandler) Revoke(c *gin.Context) {
	subject := tenantctx.SubjectFrom(c.Request.Context())

	permissionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierr.Validation("permission_id", "must be a UUID"))
		return
	}

	if err := h.permissionService.Revoke(c.Request.Context(), subject, permissionID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "permission revoked"})
}

// ListForAsset returns the grants on one asset
// GET /assets/:id/permissions
func (h *PermissionHandler) ListForAsset(c *gin.Context) {
	subject := tenantctx.SubjectFrom(c.Request.Context())

	assetID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierr.Validation("asset_id", "must be a UUID"))
		return
	}

	grants, err := h.permissionService.ListGrants(c.Request.Context(), subject, assetID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"permissions": grants})
}
