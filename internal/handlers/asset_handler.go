package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/classvault/backend/internal/apierr"
	"github.com/classvault/backend/internal/services"
	"github.com/classvault/backend/internal/tenantctx"
)

type AssetHandler struct {
	assetService   *services.AssetService
	versionService *services.VersionService
	trashService   *services.TrashService
}

func NewAssetHandler(assetService *services.AssetService, versionService *services.VersionService, trashService *services.TrashService) *AssetHandler {
	return &AssetHandler{
		assetService:   assetService,
		versionService: versionService,
		trashService:   trashService,
	}
}

// List returns visible assets of the caller's tenant
// GET /assets?name=&page=1&limit=20
func (h *AssetHandler) List(c *gin.Context) {
	subject := tenantctx.SubjectFrom(c.Request.Context())
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	assets, total, err := h.assetService.List(c.Request.Context(), subject, c.Query("name"), page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"assets": assets,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

// Get returns one asset's metadata
// GET /assets/:id
func (h *AssetHandler) Get(c *gin.Context) {
	subject := tenantctx.SubjectFrom(c.Request.Context())
	assetID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierr.Validation("asset_id", "must be a UUID"))
		return
	}

	asset, err := h.assetService.Get(c.Request.Context(), subject, assetID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, asset)
}

// Download issues a signed, range-capable URL for the current version
// GET /assets/:id/download
func (h *AssetHandler) Download(c *gin.Context) {
	subject := tenantctx.SubjectFrom(c.Request.Context())
	assetID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierr.Validation("asset_id", "must be a UUID"))
		return
	}

	url, err := h.assetService.DownloadURL(c.Request.Context(), subject, assetID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, url)
}

// ListVersions returns the version history, newest first
// GET /assets/:id/versions?page=1&limit=50
func (h *AssetHandler) ListVersions(c *gin.Context) {
	subject := tenantctx.SubjectFrom(c.Request.Context())
	assetID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierr.Validation("asset_id", "must be a UUID"))
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	versions, total, err := h.versionService.List(c.Request.Context(), subject, assetID, page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"versions": versions,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

// RestoreVersion makes a historical version current under a new number
// POST /assets/:id/versions/:n/restore
func (h *AssetHandler) RestoreVersion(c *gin.Context) {
	subject := tenantctx.SubjectFrom(c.Request.Context())
	assetID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierr.Validation("asset_id", "must be a UUID"))
		return
	}
	versionNumber, err := strconv.Atoi(c.Param("n"))
	if err != nil || versionNumber < 1 {
		respondError(c, apierr.Validation("version_number", "must be a positive integer"))
		return
	}

	version, err := h.versionService.Restore(c.Request.Context(), subject, assetID, versionNumber)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, version)
}

// Delete soft-deletes the asset into the trash
// POST /assets/:id/delete
func (h *AssetHandler) Delete(c *gin.Context) {
	subject := tenantctx.SubjectFrom(c.Request.Context())
	assetID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierr.Validation("asset_id", "must be a UUID"))
		return
	}

	entry, err := h.trashService.SoftDelete(c.Request.Context(), subject, assetID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Restore brings a soft-deleted asset back before the retention boundary
// POST /assets/:id/restore
func (h *AssetHandler) Restore(c *gin.Context) {
	subject := tenantctx.SubjectFrom(c.Request.Context())
	assetID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierr.Validation("asset_id", "must be a UUID"))
		return
	}

	if err := h.trashService.Restore(c.Request.Context(), subject, assetID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "asset restored"})
}

// ListTrash returns the unrestored trash entries visible to the caller
// GET /trash?page=1&limit=20
func (h *AssetHandler) ListTrash(c *gin.Context) {
	subject := tenantctx.SubjectFrom(c.Request.Context())
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	entries, total, err := h.trashService.List(c.Request.Context(), subject, page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}
