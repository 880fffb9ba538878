package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/classvault/backend/internal/apierr"
	"github.com/classvault/backend/internal/config"
	"github.com/classvault/backend/internal/logger"
	"github.com/classvault/backend/internal/models"
	"github.com/classvault/backend/internal/tenantctx"
)

// TrashService implements soft delete and restore with a bounded retention
// window. PurgeExpired is the only hard-delete path in the whole system.
type TrashService struct {
	db    *gorm.DB
	cfg   *config.Config
	store ObjectStore
	perms *PermissionService
	audit *AuditService
	log   *logger.Logger
}

func NewTrashService(db *gorm.DB, cfg *config.Config, store ObjectStore, perms *PermissionService, audit *AuditService, log *logger.Logger) *TrashService {
	return &TrashService{db: db, cfg: cfg, store: store, perms: perms, audit: audit, log: log.With("service", "trash")}
}

// SoftDelete hides the asset and schedules its purge. Deleting an already
// deleted asset is a no-op returning the existing trash entry.
func (s *TrashService) SoftDelete(ctx context.Context, subject *tenantctx.Subject, assetID uuid.UUID) (*models.TrashEntry, error) {
	entry := AuditEntry{
		Actor:      *subject,
		Action:     ActionAssetDelete,
		TargetType: "asset",
		TargetID:   assetID,
	}
	trash, err := s.softDelete(ctx, subject, assetID)
	if err != nil {
		s.audit.RecordFailure(ctx, entry, err)
		return nil, err
	}
	return trash, nil
}

func (s *TrashService) softDelete(ctx context.Context, subject *tenantctx.Subject, assetID uuid.UUID) (*models.TrashEntry, error) {
	asset, err := loadAsset(ctx, s.db, assetID)
	if err != nil {
		return nil, err
	}
	if err := s.perms.Authorize(ctx, subject, asset, ActionDelete); err != nil {
		return nil, err
	}

	if asset.IsDeleted {
		var existing models.TrashEntry
		if err := s.db.WithContext(ctx).
			Where("asset_id = ? AND restored_at IS NULL", assetID).
			Order("deleted_at DESC").
			First(&existing).Error; err == nil {
			return &existing, nil
		}
		// Deleted flag without a live trash entry should not happen; fall
		// through and create one so the asset stays restorable.
	}

	now := time.Now().UTC()
	trash := &models.TrashEntry{
		AssetID:     assetID,
		DeletedByID: subject.UserID,
		DeletedAt:   now,
		PurgeAfter:  now.Add(s.cfg.TrashRetention),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Asset{}).Where("id = ?", assetID).Update("is_deleted", true).Error; err != nil {
			return err
		}
		if err := tx.Create(trash).Error; err != nil {
			return err
		}
		return s.audit.AppendTx(ctx, tx, AuditEntry{
			Actor:      *subject,
			Action:     ActionAssetDelete,
			TargetType: "asset",
			TargetID:   assetID,
			Detail:     map[string]interface{}{"purge_after": trash.PurgeAfter},
		})
	})
	if err != nil {
		return nil, err
	}
	return trash, nil
}

// Restore brings a soft-deleted asset back before the retention boundary.
// The trash entry is stamped, never deleted.
func (s *TrashService) Restore(ctx context.Context, subject *tenantctx.Subject, assetID uuid.UUID) error {
	entry := AuditEntry{
		Actor:      *subject,
		Action:     ActionAssetRestore,
		TargetType: "asset",
		TargetID:   assetID,
	}
	if err := s.restore(ctx, subject, assetID); err != nil {
		s.audit.RecordFailure(ctx, entry, err)
		return err
	}
	return nil
}

func (s *TrashService) restore(ctx context.Context, subject *tenantctx.Subject, assetID uuid.UUID) error {
	asset, err := loadAsset(ctx, s.db, assetID)
	if err != nil {
		return err
	}
	if err := s.perms.Authorize(ctx, subject, asset, ActionRestore); err != nil {
		return err
	}
	if !asset.IsDeleted {
		return apierr.Validation("asset", "is not deleted")
	}

	var trash models.TrashEntry
	if err := s.db.WithContext(ctx).
		Where("asset_id = ? AND restored_at IS NULL", assetID).
		Order("deleted_at DESC").
		First(&trash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apierr.NotFound("trash entry")
		}
		return err
	}

	now := time.Now().UTC()
	if now.After(trash.PurgeAfter) {
		return apierr.Expired("retention window has passed")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Asset{}).Where("id = ?", assetID).Update("is_deleted", false).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.TrashEntry{}).Where("id = ?", trash.ID).Update("restored_at", now).Error; err != nil {
			return err
		}
		return s.audit.AppendTx(ctx, tx, AuditEntry{
			Actor:      *subject,
			Action:     ActionAssetRestore,
			TargetType: "asset",
			TargetID:   assetID,
		})
	})
}

// List returns the unrestored trash entries of the subject's tenant.
func (s *TrashService) List(ctx context.Context, subject *tenantctx.Subject, page, limit int) ([]models.TrashEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	query := s.db.WithContext(ctx).
		Model(&models.TrashEntry{}).
		Joins("JOIN assets ON assets.id = trash_entries.asset_id").
		Where("assets.tenant_id = ? AND trash_entries.restored_at IS NULL", subject.TenantID)

	if subject.Role != models.RoleAdmin && !subject.Role.TenantWide() {
		query = query.Where("assets.owner_id = ?", subject.UserID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []models.TrashEntry
	if err := query.Preload("Asset").
		Order("trash_entries.deleted_at DESC").
		Offset((page - 1) * limit).Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// PurgeExpired hard-deletes metadata and storage objects for trash entries
// past their purge date that were never restored. Invoked by the background
// sweeper; safe to call concurrently with regular traffic because a restore
// after the boundary is already rejected.
func (s *TrashService) PurgeExpired(ctx context.Context) (int, error) {
	var due []models.TrashEntry
	if err := s.db.WithContext(ctx).
		Where("purge_after < ? AND restored_at IS NULL", time.Now().UTC()).
		Find(&due).Error; err != nil {
		return 0, err
	}

	purged := 0
	for i := range due {
		if err := s.purgeOne(ctx, &due[i]); err != nil {
			s.log.Error("failed to purge asset", "asset_id", due[i].AssetID, "error", err)
			continue
		}
		purged++
	}
	return purged, nil
}

func (s *TrashService) purgeOne(ctx context.Context, trash *models.TrashEntry) error {
	var versions []models.AssetVersion
	if err := s.db.WithContext(ctx).Where("asset_id = ?", trash.AssetID).Find(&versions).Error; err != nil {
		return err
	}

	// Storage objects go first: if a delete fails the metadata stays and the
	// next sweep retries the whole entry.
	deleted := map[string]bool{}
	for i := range versions {
		if deleted[versions[i].ObjectKey] {
			continue
		}
		err := retryStorage(ctx, s.cfg, func() error {
			return s.store.DeleteObject(ctx, versions[i].ObjectKey)
		})
		if err != nil {
			return err
		}
		deleted[versions[i].ObjectKey] = true
	}

	asset, err := loadAsset(ctx, s.db, trash.AssetID)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("asset_id = ?", trash.AssetID).Delete(&models.AssetVersion{}).Error; err != nil {
			return err
		}
		if err := tx.Where("asset_id = ?", trash.AssetID).Delete(&models.AssetPermission{}).Error; err != nil {
			return err
		}
		sessionIDs := tx.Model(&models.UploadSession{}).Select("id").Where("asset_id = ?", trash.AssetID)
		if err := tx.Where("session_id IN (?)", sessionIDs).Delete(&models.UploadChunk{}).Error; err != nil {
			return err
		}
		if err := tx.Where("asset_id = ?", trash.AssetID).Delete(&models.UploadSession{}).Error; err != nil {
			return err
		}
		if err := tx.Where("asset_id = ?", trash.AssetID).Delete(&models.TrashEntry{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.Asset{}, "id = ?", trash.AssetID).Error; err != nil {
			return err
		}

		// Purges run under the sweeper, not a user request: the actor is the
		// system (zero user id) but the tenant scope is kept.
		return s.audit.AppendTx(ctx, tx, AuditEntry{
			Actor:      tenantctx.Subject{UserID: uuid.Nil, TenantID: asset.TenantID},
			Action:     ActionAssetPurge,
			TargetType: "asset",
			TargetID:   trash.AssetID,
		})
	})
}
