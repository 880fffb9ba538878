package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/classvault/backend/internal/apierr"
	"github.com/classvault/backend/internal/logger"
	"github.com/classvault/backend/internal/models"
	"github.com/classvault/backend/internal/tenantctx"
)

// VersionService queries and restores immutable version records. Objects in
// storage are immutable, so restoring is a metadata re-point: a new version
// row referencing the historical object key, never a byte copy.
type VersionService struct {
	db    *gorm.DB
	perms *PermissionService
	audit *AuditService
	log   *logger.Logger
}

func NewVersionService(db *gorm.DB, perms *PermissionService, audit *AuditService, log *logger.Logger) *VersionService {
	return &VersionService{db: db, perms: perms, audit: audit, log: log.With("service", "version")}
}

// List returns the asset's versions ordered by version number descending.
func (s *VersionService) List(ctx context.Context, subject *tenantctx.Subject, assetID uuid.UUID, page, limit int) ([]models.AssetVersion, int64, error) {
	asset, err := loadAsset(ctx, s.db, assetID)
	if err != nil {
		return nil, 0, err
	}
	if asset.IsDeleted || asset.IsPending {
		return nil, 0, apierr.NotFound("asset")
	}
	if err := s.perms.Authorize(ctx, subject, asset, ActionRead); err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}

	query := s.db.WithContext(ctx).Model(&models.AssetVersion{}).Where("asset_id = ?", assetID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var versions []models.AssetVersion
	if err := query.Order("version_number DESC").Offset((page - 1) * limit).Limit(limit).Find(&versions).Error; err != nil {
		return nil, 0, err
	}
	return versions, total, nil
}

// Restore makes a historical version current by creating a new version with
// the next number and the historical object key. The monotonic counter only
// ever moves forward; no version row is deleted or renumbered.
func (s *VersionService) Restore(ctx context.Context, subject *tenantctx.Subject, assetID uuid.UUID, versionNumber int) (*models.AssetVersion, error) {
	entry := AuditEntry{
		Actor:      *subject,
		Action:     ActionVersionRestore,
		TargetType: "asset",
		TargetID:   assetID,
	}
	version, err := s.restore(ctx, subject, assetID, versionNumber)
	if err != nil {
		s.audit.RecordFailure(ctx, entry, err)
		return nil, err
	}
	return version, nil
}

func (s *VersionService) restore(ctx context.Context, subject *tenantctx.Subject, assetID uuid.UUID, versionNumber int) (*models.AssetVersion, error) {
	asset, err := loadAsset(ctx, s.db, assetID)
	if err != nil {
		return nil, err
	}
	if asset.IsDeleted || asset.IsPending {
		return nil, apierr.NotFound("asset")
	}
	if err := s.perms.Authorize(ctx, subject, asset, ActionRestore); err != nil {
		return nil, err
	}

	var restored models.AssetVersion
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked models.Asset
		if err := lockForUpdate(tx).
			First(&locked, "id = ?", assetID).Error; err != nil {
			return err
		}

		var source models.AssetVersion
		if err := tx.Where("asset_id = ? AND version_number = ?", assetID, versionNumber).
			First(&source).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apierr.NotFound("version")
			}
			return err
		}

		restored = models.AssetVersion{
			AssetID:       assetID,
			VersionNumber: locked.CurrentVersion + 1,
			ObjectKey:     source.ObjectKey,
			SizeBytes:     source.SizeBytes,
			Checksum:      source.Checksum,
			CreatedByID:   subject.UserID,
		}
		if err := tx.Create(&restored).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.Asset{}).Where("id = ?", assetID).Updates(map[string]interface{}{
			"current_version": restored.VersionNumber,
			"size_bytes":      restored.SizeBytes,
			"checksum":        restored.Checksum,
		}).Error; err != nil {
			return err
		}

		return s.audit.AppendTx(ctx, tx, AuditEntry{
			Actor:      *subject,
			Action:     ActionVersionRestore,
			TargetType: "asset",
			TargetID:   assetID,
			Detail: map[string]interface{}{
				"source_version": versionNumber,
				"new_version":    restored.VersionNumber,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return &restored, nil
}
