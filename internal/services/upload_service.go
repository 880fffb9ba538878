package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/classvault/backend/internal/apierr"
	"github.com/classvault/backend/internal/config"
	"github.com/classvault/backend/internal/logger"
	"github.com/classvault/backend/internal/models"
	"github.com/classvault/backend/internal/tenantctx"
)

// InitUploadRequest describes one upload attempt. AssetID is set when the
// upload adds a version to an existing asset; otherwise a new pending asset
// is created and stays out of listings until the upload verifies.
type InitUploadRequest struct {
	AssetID      *uuid.UUID `json:"asset_id,omitempty"`
	Name         string     `json:"name"`
	MimeType     string     `json:"mime_type"`
	ExpectedSize int64      `json:"expected_size"`
	ChunkCount   int        `json:"chunk_count"`
}

// InitUploadResult carries the session id and one signed upload URL per
// planned chunk.
type InitUploadResult struct {
	UploadID  uuid.UUID   `json:"upload_id"`
	AssetID   uuid.UUID   `json:"asset_id"`
	ChunkURLs []SignedURL `json:"chunk_urls"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// UploadService drives the multi-step upload state machine
// (initiated -> completing -> verified, or failed/expired), coordinating the
// object store and the metadata store. File bytes never pass through it.
type UploadService struct {
	db    *gorm.DB
	cfg   *config.Config
	store ObjectStore
	audit *AuditService
	log   *logger.Logger
}

func NewUploadService(db *gorm.DB, cfg *config.Config, store ObjectStore, audit *AuditService, log *logger.Logger) *UploadService {
	return &UploadService{db: db, cfg: cfg, store: store, audit: audit, log: log.With("service", "upload")}
}

// Init validates policy and quota, creates the pending metadata rows and
// hands out signed chunk URLs.
func (s *UploadService) Init(ctx context.Context, subject *tenantctx.Subject, perms *PermissionService, req InitUploadRequest) (*InitUploadResult, error) {
	entry := AuditEntry{Actor: *subject, Action: ActionUploadInit, TargetType: "upload"}
	res, err := s.init(ctx, subject, perms, req)
	if err != nil {
		if req.AssetID != nil {
			entry.TargetID = *req.AssetID
		}
		s.audit.RecordFailure(ctx, entry, err)
		return nil, err
	}
	return res, nil
}

func (s *UploadService) init(ctx context.Context, subject *tenantctx.Subject, perms *PermissionService, req InitUploadRequest) (*InitUploadResult, error) {
	if err := s.validatePolicy(req); err != nil {
		return nil, err
	}

	// Resolve the target asset. New versions of existing assets require
	// write on that asset; a brand-new asset belongs to the caller.
	var asset *models.Asset
	newAsset := false
	if req.AssetID != nil {
		existing, err := loadAsset(ctx, s.db, *req.AssetID)
		if err != nil {
			return nil, err
		}
		if existing.IsDeleted {
			return nil, apierr.NotFound("asset")
		}
		if err := perms.Authorize(ctx, subject, existing, ActionWrite); err != nil {
			return nil, err
		}
		asset = existing
	} else {
		newAsset = true
		asset = &models.Asset{
			ID:        uuid.New(),
			TenantID:  subject.TenantID,
			OwnerID:   subject.UserID,
			Name:      req.Name,
			MimeType:  req.MimeType,
			IsPending: true,
		}
	}

	tenant, err := s.loadTenant(ctx, asset.TenantID)
	if err != nil {
		return nil, err
	}
	if err := s.checkQuota(ctx, tenant, req.ExpectedSize); err != nil {
		return nil, err
	}

	versionID := uuid.New()
	objectKey := models.ObjectKey(tenant.Type, tenant.ID, asset.ID, versionID)
	expiresAt := time.Now().Add(s.cfg.UploadURLTTL)

	// Storage first, metadata second: a stray multipart upload is cheap to
	// abort, a session row pointing at nothing is not (teacher ordering).
	var multipartID string
	var urls []SignedURL
	if req.ChunkCount == 1 {
		var u SignedURL
		err = s.withStorageRetry(ctx, func() error {
			var serr error
			u, serr = s.store.SignUpload(ctx, objectKey, req.MimeType, s.cfg.UploadURLTTL)
			return serr
		})
		if err != nil {
			return nil, err
		}
		urls = []SignedURL{u}
	} else {
		err = s.withStorageRetry(ctx, func() error {
			var serr error
			multipartID, serr = s.store.CreateMultipart(ctx, objectKey, req.MimeType)
			return serr
		})
		if err != nil {
			return nil, err
		}
		urls = make([]SignedURL, 0, req.ChunkCount)
		for i := 1; i <= req.ChunkCount; i++ {
			var u SignedURL
			err = s.withStorageRetry(ctx, func() error {
				var serr error
				u, serr = s.store.SignUploadPart(ctx, objectKey, multipartID, int32(i), s.cfg.UploadURLTTL)
				return serr
			})
			if err != nil {
				s.abortMultipart(objectKey, multipartID)
				return nil, err
			}
			urls = append(urls, u)
		}
	}

	session := &models.UploadSession{
		TenantID:          asset.TenantID,
		UserID:            subject.UserID,
		AssetID:           asset.ID,
		VersionID:         versionID,
		ObjectKey:         objectKey,
		MimeType:          req.MimeType,
		ExpectedSize:      req.ExpectedSize,
		DeclaredChunks:    req.ChunkCount,
		MultipartUploadID: multipartID,
		NewAsset:          newAsset,
		Status:            models.UploadStatusInitiated,
		ExpiresAt:         expiresAt,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if newAsset {
			if err := tx.Create(asset).Error; err != nil {
				return err
			}
		}
		if err := tx.Create(session).Error; err != nil {
			return err
		}
		return s.audit.AppendTx(ctx, tx, AuditEntry{
			Actor:      *subject,
			Action:     ActionUploadInit,
			TargetType: "asset",
			TargetID:   asset.ID,
			Detail: map[string]interface{}{
				"upload_id":     session.ID,
				"expected_size": req.ExpectedSize,
				"chunk_count":   req.ChunkCount,
			},
		})
	})
	if err != nil {
		if multipartID != "" {
			s.abortMultipart(objectKey, multipartID)
		}
		return nil, err
	}

	return &InitUploadResult{
		UploadID:  session.ID,
		AssetID:   asset.ID,
		ChunkURLs: urls,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *UploadService) validatePolicy(req InitUploadRequest) error {
	if req.AssetID == nil && strings.TrimSpace(req.Name) == "" {
		return apierr.Validation("name", "must not be empty")
	}
	if req.ExpectedSize <= 0 {
		return apierr.Validation("expected_size", "must be positive")
	}
	if req.ExpectedSize > s.cfg.UploadMaxSizeBytes {
		return apierr.Validation("expected_size", "exceeds allowed maximum")
	}
	if req.ChunkCount < 1 || req.ChunkCount > s.cfg.UploadMaxChunks {
		return apierr.Validation("chunk_count", "out of range")
	}
	for _, prefix := range s.cfg.AllowedMimePrefixes {
		if strings.HasPrefix(req.MimeType, prefix) {
			return nil
		}
	}
	return apierr.Validation("mime_type", "not allowed by policy")
}

func (s *UploadService) loadTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var tenant models.Tenant
	if err := s.db.WithContext(ctx).First(&tenant, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierr.NotFound("tenant")
		}
		return nil, err
	}
	return &tenant, nil
}

// checkQuota counts committed asset bytes plus the declared sizes of live
// upload sessions, so concurrent inits cannot collectively oversubscribe the
// tenant. Expired and terminal sessions release their reservation.
func (s *UploadService) checkQuota(ctx context.Context, tenant *models.Tenant, need int64) error {
	var used int64
	if err := s.db.WithContext(ctx).
		Model(&models.Asset{}).
		Where("tenant_id = ?", tenant.ID).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&used).Error; err != nil {
		return err
	}

	var reserved int64
	if err := s.db.WithContext(ctx).
		Model(&models.UploadSession{}).
		Where("tenant_id = ? AND status IN ? AND expires_at > ?",
			tenant.ID,
			[]models.UploadStatus{models.UploadStatusInitiated, models.UploadStatusCompleting},
			time.Now()).
		Select("COALESCE(SUM(expected_size), 0)").
		Scan(&reserved).Error; err != nil {
		return err
	}

	remaining := tenant.StorageQuotaBytes - used - reserved
	if need > remaining {
		return apierr.QuotaExceeded(remaining, need)
	}
	return nil
}

// RegisterChunk idempotently records one completed chunk's etag. The same
// (index, etag) pair is a no-op; the same index with a different etag is a
// conflict. Each newly recorded chunk leaves one audit entry; idempotent
// repeats mutate nothing and leave none.
func (s *UploadService) RegisterChunk(ctx context.Context, subject *tenantctx.Subject, uploadID uuid.UUID, index int, etag string) error {
	entry := AuditEntry{Actor: *subject, Action: ActionUploadChunk, TargetType: "upload", TargetID: uploadID}
	if err := s.registerChunk(ctx, subject, uploadID, index, etag); err != nil {
		s.audit.RecordFailure(ctx, entry, err)
		return err
	}
	return nil
}

func (s *UploadService) registerChunk(ctx context.Context, subject *tenantctx.Subject, uploadID uuid.UUID, index int, etag string) error {
	session, err := s.loadOwnSession(ctx, subject, uploadID)
	if err != nil {
		return err
	}
	if session.Status == models.UploadStatusExpired || time.Now().After(session.ExpiresAt) {
		return apierr.Expired("upload session expired")
	}
	if session.Status != models.UploadStatusInitiated {
		return apierr.Conflict("upload is no longer accepting chunks")
	}
	if index < 1 || index > session.DeclaredChunks {
		return apierr.Validation("chunk_index", "outside the declared chunk plan")
	}
	if etag == "" {
		return apierr.Validation("etag", "must not be empty")
	}

	var existing models.UploadChunk
	err = s.db.WithContext(ctx).
		Where("session_id = ? AND chunk_index = ?", session.ID, index).
		First(&existing).Error
	switch {
	case err == nil:
		if existing.ETag == etag {
			return nil
		}
		return apierr.Conflict("chunk already registered with a different etag")
	case errors.Is(err, gorm.ErrRecordNotFound):
		// fall through to insert
	default:
		return err
	}

	chunk := &models.UploadChunk{SessionID: session.ID, ChunkIndex: index, ETag: etag}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(chunk).Error; err != nil {
			return err
		}
		return s.audit.AppendTx(ctx, tx, AuditEntry{
			Actor:      *subject,
			Action:     ActionUploadChunk,
			TargetType: "asset",
			TargetID:   session.AssetID,
			Detail: map[string]interface{}{
				"upload_id":   session.ID,
				"chunk_index": index,
			},
		})
	})
	if err != nil {
		// A concurrent registration may have won the unique index race.
		var raced models.UploadChunk
		if lookupErr := s.db.WithContext(ctx).
			Where("session_id = ? AND chunk_index = ?", session.ID, index).
			First(&raced).Error; lookupErr == nil {
			if raced.ETag == etag {
				return nil
			}
			return apierr.Conflict("chunk already registered with a different etag")
		}
		return err
	}
	return nil
}

// Complete finalizes the upload: verifies the chunk plan, asks storage to
// finalize, checks the declared checksum against the storage-reported one
// and publishes the new version atomically. At most one completion per
// upload id can be in flight; the loser of the status transition gets a
// conflict.
func (s *UploadService) Complete(ctx context.Context, subject *tenantctx.Subject, uploadID uuid.UUID, clientChecksum string) (*models.AssetVersion, error) {
	entry := AuditEntry{Actor: *subject, Action: ActionUploadComplete, TargetType: "upload", TargetID: uploadID}
	version, err := s.complete(ctx, subject, uploadID, clientChecksum)
	if err != nil {
		s.audit.RecordFailure(ctx, entry, err)
		return nil, err
	}
	return version, nil
}

func (s *UploadService) complete(ctx context.Context, subject *tenantctx.Subject, uploadID uuid.UUID, clientChecksum string) (*models.AssetVersion, error) {
	session, err := s.loadOwnSession(ctx, subject, uploadID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.UploadStatusExpired || time.Now().After(session.ExpiresAt) {
		return nil, apierr.Expired("upload session expired")
	}
	if clientChecksum == "" {
		return nil, apierr.Validation("checksum", "must not be empty")
	}

	// Single-flight guard: only the request that wins the
	// initiated -> completing transition proceeds.
	res := s.db.WithContext(ctx).
		Model(&models.UploadSession{}).
		Where("id = ? AND status = ?", session.ID, models.UploadStatusInitiated).
		Update("status", models.UploadStatusCompleting)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apierr.Conflict("a completion for this upload is already in flight or finished")
	}

	var chunks []models.UploadChunk
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", session.ID).
		Order("chunk_index ASC").
		Find(&chunks).Error; err != nil {
		s.revertToInitiated(ctx, session.ID)
		return nil, err
	}
	if len(chunks) != session.DeclaredChunks {
		// Incomplete is not terminal: the client can register the missing
		// chunks and try again.
		s.revertToInitiated(ctx, session.ID)
		return nil, apierr.UploadIncomplete(len(chunks), session.DeclaredChunks)
	}

	var info ObjectInfo
	if session.MultipartUploadID != "" {
		parts := make([]CompletedPart, 0, len(chunks))
		for _, c := range chunks {
			parts = append(parts, CompletedPart{Index: int32(c.ChunkIndex), ETag: c.ETag})
		}
		err = s.withStorageRetry(ctx, func() error {
			var serr error
			info, serr = s.store.CompleteMultipart(ctx, session.ObjectKey, session.MultipartUploadID, parts)
			return serr
		})
	} else {
		err = s.withStorageRetry(ctx, func() error {
			var serr error
			info, serr = s.store.HeadObject(ctx, session.ObjectKey)
			return serr
		})
	}
	if err != nil {
		s.revertToInitiated(ctx, session.ID)
		return nil, err
	}

	if !strings.EqualFold(info.Checksum, clientChecksum) {
		s.markFailed(ctx, session.ID, apierr.KindChecksumMismatch)
		return nil, apierr.ChecksumMismatch(clientChecksum, info.Checksum)
	}

	return s.publishVersion(ctx, subject, session, info)
}

// publishVersion creates the immutable version row, moves the asset's
// current pointers and flips the session to verified, all in one metadata
// transaction together with the audit entry. A lost version-number race is
// retried once before surfacing a conflict.
func (s *UploadService) publishVersion(ctx context.Context, subject *tenantctx.Subject, session *models.UploadSession, info ObjectInfo) (*models.AssetVersion, error) {
	var version *models.AssetVersion
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		version, err = s.tryPublishVersion(ctx, subject, session, info)
		if err == nil {
			return version, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		s.revertToInitiated(ctx, session.ID)
		return nil, apierr.Conflict("concurrent version creation for this asset")
	}
	s.revertToInitiated(ctx, session.ID)
	return nil, err
}

func (s *UploadService) tryPublishVersion(ctx context.Context, subject *tenantctx.Subject, session *models.UploadSession, info ObjectInfo) (*models.AssetVersion, error) {
	var version models.AssetVersion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var asset models.Asset
		if err := lockForUpdate(tx).
			First(&asset, "id = ?", session.AssetID).Error; err != nil {
			return err
		}

		version = models.AssetVersion{
			ID:            session.VersionID,
			AssetID:       asset.ID,
			VersionNumber: asset.CurrentVersion + 1,
			ObjectKey:     session.ObjectKey,
			SizeBytes:     info.SizeBytes,
			Checksum:      info.Checksum,
			CreatedByID:   session.UserID,
		}
		if err := tx.Create(&version).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"current_version": version.VersionNumber,
			"mime_type":       session.MimeType,
			"size_bytes":      info.SizeBytes,
			"checksum":        info.Checksum,
			"is_pending":      false,
		}
		if err := tx.Model(&models.Asset{}).Where("id = ?", asset.ID).Updates(updates).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.UploadSession{}).
			Where("id = ?", session.ID).
			Update("status", models.UploadStatusVerified).Error; err != nil {
			return err
		}

		return s.audit.AppendTx(ctx, tx, AuditEntry{
			Actor:      *subject,
			Action:     ActionUploadComplete,
			TargetType: "asset",
			TargetID:   asset.ID,
			Detail: map[string]interface{}{
				"upload_id":      session.ID,
				"version_number": version.VersionNumber,
				"size_bytes":     info.SizeBytes,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return &version, nil
}

// ExpireStale moves sessions past their TTL to the expired terminal state
// and aborts their multipart uploads. Sessions stuck in completing are also
// swept once a finalization grace period past the TTL has elapsed, so a
// process crash between the completion transition and publish cannot strand
// a session forever. Pending assets from expired sessions never became
// visible, so no compensation is needed on the metadata side.
func (s *UploadService) ExpireStale(ctx context.Context) (int, error) {
	now := time.Now()
	var stale []models.UploadSession
	if err := s.db.WithContext(ctx).
		Where("(status = ? AND expires_at < ?) OR (status = ? AND expires_at < ?)",
			models.UploadStatusInitiated, now,
			models.UploadStatusCompleting, now.Add(-s.cfg.UploadFinalizeGrace)).
		Find(&stale).Error; err != nil {
		return 0, err
	}

	expired := 0
	for i := range stale {
		res := s.db.WithContext(ctx).
			Model(&models.UploadSession{}).
			Where("id = ? AND status = ?", stale[i].ID, stale[i].Status).
			Update("status", models.UploadStatusExpired)
		if res.Error != nil || res.RowsAffected == 0 {
			continue
		}
		if stale[i].MultipartUploadID != "" {
			s.abortMultipart(stale[i].ObjectKey, stale[i].MultipartUploadID)
		}
		expired++
	}
	return expired, nil
}

func (s *UploadService) loadOwnSession(ctx context.Context, subject *tenantctx.Subject, uploadID uuid.UUID) (*models.UploadSession, error) {
	var session models.UploadSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", uploadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierr.NotFound("upload")
		}
		return nil, err
	}
	if session.UserID != subject.UserID && subject.Role != models.RoleAdmin {
		return nil, apierr.PermissionDenied("upload belongs to another user")
	}
	return &session, nil
}

func (s *UploadService) revertToInitiated(ctx context.Context, sessionID uuid.UUID) {
	if err := s.db.WithContext(ctx).
		Model(&models.UploadSession{}).
		Where("id = ? AND status = ?", sessionID, models.UploadStatusCompleting).
		Update("status", models.UploadStatusInitiated).Error; err != nil {
		s.log.Error("failed to revert upload session", "upload_id", sessionID, "error", err)
	}
}

func (s *UploadService) markFailed(ctx context.Context, sessionID uuid.UUID, kind apierr.Kind) {
	if err := s.db.WithContext(ctx).
		Model(&models.UploadSession{}).
		Where("id = ?", sessionID).
		Updates(map[string]interface{}{
			"status":       models.UploadStatusFailed,
			"failure_kind": string(kind),
		}).Error; err != nil {
		s.log.Error("failed to mark upload session failed", "upload_id", sessionID, "error", err)
	}
}

func (s *UploadService) abortMultipart(key, uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.AbortMultipart(ctx, key, uploadID); err != nil {
		s.log.Warn("failed to abort multipart upload", "object_key", key, "error", err)
	}
}

func (s *UploadService) withStorageRetry(ctx context.Context, fn func() error) error {
	return retryStorage(ctx, s.cfg, fn)
}
