package services

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/classvault/backend/internal/apierr"
	"github.com/classvault/backend/internal/config"
	"github.com/classvault/backend/internal/logger"
	"github.com/classvault/backend/internal/models"
	"github.com/classvault/backend/internal/tenantctx"
)

// AssetService covers the read paths: tenant-scoped listing and lookup, and
// signed download URL issuance. Deleted and pending assets are excluded from
// every normal read path.
type AssetService struct {
	db    *gorm.DB
	cfg   *config.Config
	store ObjectStore
	perms *PermissionService
	audit *AuditService
	log   *logger.Logger
}

func NewAssetService(db *gorm.DB, cfg *config.Config, store ObjectStore, perms *PermissionService, audit *AuditService, log *logger.Logger) *AssetService {
	return &AssetService{db: db, cfg: cfg, store: store, perms: perms, audit: audit, log: log.With("service", "asset")}
}

// List returns visible assets of the subject's tenant, newest first.
// Students and teachers only see assets they own or hold a grant on;
// tenant-wide roles see the whole tenant.
func (s *AssetService) List(ctx context.Context, subject *tenantctx.Subject, nameFilter string, page, limit int) ([]models.Asset, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	query := s.db.WithContext(ctx).
		Model(&models.Asset{}).
		Where("tenant_id = ? AND is_deleted = ? AND is_pending = ?", subject.TenantID, false, false)

	if subject.Role != models.RoleAdmin && !subject.Role.TenantWide() {
		query = query.Where(
			"owner_id = ? OR id IN (?)",
			subject.UserID,
			s.grantedAssetIDs(ctx, subject),
		)
	}
	if nameFilter != "" {
		query = query.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(nameFilter)+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var assets []models.Asset
	if err := query.Order("created_at DESC").Offset((page - 1) * limit).Limit(limit).Find(&assets).Error; err != nil {
		return nil, 0, err
	}
	return assets, total, nil
}

func (s *AssetService) grantedAssetIDs(ctx context.Context, subject *tenantctx.Subject) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&models.AssetPermission{}).
		Select("asset_id").
		Where("grantee_user_id = ? OR grantee_role = ?", subject.UserID, subject.Role).
		Where("expires_at IS NULL OR expires_at > ?", s.db.NowFunc())
}

// Get returns one visible asset after a read authorization check.
func (s *AssetService) Get(ctx context.Context, subject *tenantctx.Subject, id uuid.UUID) (*models.Asset, error) {
	asset, err := loadAsset(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if asset.IsDeleted || asset.IsPending {
		return nil, apierr.NotFound("asset")
	}
	if err := s.perms.Authorize(ctx, subject, asset, ActionRead); err != nil {
		return nil, err
	}
	return asset, nil
}

// DownloadURL issues a time-bounded signed URL for the asset's current
// version. The URL is a plain object GET, so byte-range requests work
// against it for streaming media.
func (s *AssetService) DownloadURL(ctx context.Context, subject *tenantctx.Subject, id uuid.UUID) (*SignedURL, error) {
	asset, err := loadAsset(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if asset.IsDeleted || asset.IsPending || asset.CurrentVersion == 0 {
		return nil, apierr.NotFound("asset")
	}
	if err := s.perms.Authorize(ctx, subject, asset, ActionDownload); err != nil {
		return nil, err
	}

	var version models.AssetVersion
	if err := s.db.WithContext(ctx).
		Where("asset_id = ? AND version_number = ?", asset.ID, asset.CurrentVersion).
		First(&version).Error; err != nil {
		return nil, err
	}

	var url SignedURL
	err = retryStorage(ctx, s.cfg, func() error {
		var serr error
		url, serr = s.store.SignDownload(ctx, version.ObjectKey, s.cfg.DownloadURLTTL, asset.Name)
		return serr
	})
	if err != nil {
		return nil, err
	}

	// Signed URLs grant time-bounded access outside the permission checks, so
	// their issuance goes in the ledger. Best effort: the URL is already out.
	if err := s.audit.Append(ctx, AuditEntry{
		Actor:      *subject,
		Action:     ActionAssetDownload,
		TargetType: "asset",
		TargetID:   asset.ID,
		Detail:     map[string]interface{}{"version_number": asset.CurrentVersion},
	}, models.AuditOutcomeSuccess, ""); err != nil {
		s.log.Warn("failed to audit download url issuance", "asset_id", asset.ID, "error", err)
	}
	return &url, nil
}
