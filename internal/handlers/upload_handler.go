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

type UploadHandler struct {
	uploadService     *services.UploadService
	permissionService *services.PermissionService
}

func NewUploadHandler(uploadService *services.UploadService, permissionService *services.PermissionService) *UploadHandler {
	return &UploadHandler{
		uploadService:     uploadService,
		permissionService: permissionService,
	}
}

// Init starts an upload attempt and returns signed chunk URLs
// POST /uploads/init
func (h *UploadHandler) Init(c *gin.Context) {
	subject := tenantctx.SubjectFrom(c.Request.Context())

	var req services.InitUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.Validation("body", err.Error()))
		return
	}

	result, err := h.uploadService.Init(c.Request.Context(), subject, h.permissionService, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// RegisterChunk records a completed chunk's etag
// POST /uploads/:id/chunks/:index
func (h *UploadHandler) RegisterChunk(c *gin.Context) {
	subject := tenantctx.SubjectFrom(c.Request.Context())

	uploadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierr.Validation("upload_id", "must be a UUID"))
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		respondError(c, apierr.Validation("chunk_index", "must be an integer"))
		return
	}

	var req struct {
		ETag string `json:"etag" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.Validation("etag", "is required"))
		return
	}

	if err := h.uploadService.RegisterChunk(c.Request.Context(), subject, uploadID, index, req.ETag); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload_id": uploadID, "chunk_index": index})
}

// Complete finalizes the upload and publishes the new version
// POST /uploads/:id/complete
func (h *UploadHandler) Complete(c *gin.Context) {
	subject := tenantctx.SubjectFrom(c.Request.Context())

	uploadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierr.Validation("upload_id", "must be a UUID"))
		return
	}

	var req struct {
		Checksum string `json:"checksum" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.Validation("checksum", "is required"))
		return
	}

	version, err := h.uploadService.Complete(c.Request.Context(), subject, uploadID, req.Checksum)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, version)
}
