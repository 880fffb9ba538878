package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/classvault/backend/internal/apierr"
	"github.com/classvault/backend/internal/logger"
	"github.com/classvault/backend/internal/models"
	"github.com/classvault/backend/internal/tenantctx"
)

// Action is what a subject is attempting on an asset.
type Action string

const (
	ActionRead     Action = "read"
	ActionDownload Action = "download"
	ActionWrite    Action = "write"
	ActionDelete   Action = "delete"
	ActionRestore  Action = "restore"
)

// requiredCapability maps an action onto the capability a grant must carry.
// Delete is not separately grantable; a write grant covers it.
var requiredCapability = map[Action]models.Capability{
	ActionRead:     models.CapabilityRead,
	ActionDownload: models.CapabilityDownload,
	ActionWrite:    models.CapabilityWrite,
	ActionDelete:   models.CapabilityWrite,
	ActionRestore:  models.CapabilityRestore,
}

// GrantRequest is the input to creating an AssetPermission.
type GrantRequest struct {
	AssetID       uuid.UUID
	GranteeUserID *uuid.UUID
	GranteeRole   *models.Role
	Capabilities  []models.Capability
	ExpiresAt     *time.Time
}

// PermissionService evaluates whether a subject may perform an action on an
// asset, combining static role capabilities with dynamic grant rows. Results
// are computed per request and never cached beyond it: grants can change
// between requests.
type PermissionService struct {
	db    *gorm.DB
	audit *AuditService
	log   *logger.Logger
}

func NewPermissionService(db *gorm.DB, audit *AuditService, log *logger.Logger) *PermissionService {
	return &PermissionService{db: db, audit: audit, log: log.With("service", "permission")}
}

// Authorize decides allow/deny for one (subject, asset, action) triple.
//
// Order: admin bypass, then same-tenant ownership / tenant-wide role, then
// explicit grants. Cross-tenant access is only ever possible through an
// explicit non-expired grant; ownership never crosses tenant boundaries.
func (s *PermissionService) Authorize(ctx context.Context, subject *tenantctx.Subject, asset *models.Asset, action Action) error {
	if subject == nil {
		return apierr.Unauthenticated("no subject resolved")
	}
	if subject.Role == models.RoleAdmin {
		return nil
	}

	if asset.TenantID == subject.TenantID {
		if asset.OwnerID == subject.UserID || subject.Role.TenantWide() {
			return nil
		}
	}

	required, ok := requiredCapability[action]
	if !ok {
		return apierr.Validation("action", string(action))
	}

	var grants []models.AssetPermission
	if err := s.db.WithContext(ctx).
		Where("asset_id = ?", asset.ID).
		Where("grantee_user_id = ? OR grantee_role = ?", subject.UserID, subject.Role).
		Find(&grants).Error; err != nil {
		return err
	}

	now := time.Now()
	for i := range grants {
		if grants[i].ExpiredAt(now) {
			continue
		}
		if grants[i].Has(required) {
			return nil
		}
	}

	return apierr.PermissionDenied("NoGrant")
}

// canManageGrants limits grant administration to the asset's owner, a
// tenant-wide role of the owning tenant, or an admin.
func (s *PermissionService) canManageGrants(subject *tenantctx.Subject, asset *models.Asset) bool {
	if subject.Role == models.RoleAdmin {
		return true
	}
	if asset.TenantID != subject.TenantID {
		return false
	}
	return asset.OwnerID == subject.UserID || subject.Role.TenantWide()
}

// Grant creates a permission row for a user or a role on an asset.
func (s *PermissionService) Grant(ctx context.Context, subject *tenantctx.Subject, req GrantRequest) (*models.AssetPermission, error) {
	entry := AuditEntry{
		Actor:      *subject,
		Action:     ActionPermissionGrant,
		TargetType: "asset",
		TargetID:   req.AssetID,
	}

	perm, err := s.grant(ctx, subject, req)
	if err != nil {
		s.audit.RecordFailure(ctx, entry, err)
		return nil, err
	}
	return perm, nil
}

func (s *PermissionService) grant(ctx context.Context, subject *tenantctx.Subject, req GrantRequest) (*models.AssetPermission, error) {
	if (req.GranteeUserID == nil) == (req.GranteeRole == nil) {
		return nil, apierr.Validation("grantee", "exactly one of user or role must be set")
	}
	if req.GranteeRole != nil && !req.GranteeRole.Valid() {
		return nil, apierr.Validation("grantee_role", "unknown role")
	}
	if len(req.Capabilities) == 0 {
		return nil, apierr.Validation("capabilities", "at least one capability required")
	}
	for _, c := range req.Capabilities {
		if !c.Grantable() {
			return nil, apierr.Validation("capabilities", "unknown capability "+string(c))
		}
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		return nil, apierr.Validation("expires_at", "already in the past")
	}

	asset, err := loadAsset(ctx, s.db, req.AssetID)
	if err != nil {
		return nil, err
	}
	if !s.canManageGrants(subject, asset) {
		return nil, apierr.PermissionDenied("only the owner, a tenant-wide role or an admin may manage grants")
	}

	perm := &models.AssetPermission{
		AssetID:       asset.ID,
		GranteeUserID: req.GranteeUserID,
		GranteeRole:   req.GranteeRole,
		Capabilities:  models.EncodeCapabilities(req.Capabilities),
		GrantedByID:   subject.UserID,
		ExpiresAt:     req.ExpiresAt,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(perm).Error; err != nil {
			return err
		}
		return s.audit.AppendTx(ctx, tx, AuditEntry{
			Actor:      *subject,
			Action:     ActionPermissionGrant,
			TargetType: "asset",
			TargetID:   asset.ID,
			Detail: map[string]interface{}{
				"permission_id": perm.ID,
				"capabilities":  perm.Capabilities,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return perm, nil
}

// Revoke removes a permission row.
func (s *PermissionService) Revoke(ctx context.Context, subject *tenantctx.Subject, permissionID uuid.UUID) error {
	entry := AuditEntry{
		Actor:      *subject,
		Action:     ActionPermissionRevoke,
		TargetType: "permission",
		TargetID:   permissionID,
	}
	if err := s.revoke(ctx, subject, permissionID); err != nil {
		s.audit.RecordFailure(ctx, entry, err)
		return err
	}
	return nil
}

func (s *PermissionService) revoke(ctx context.Context, subject *tenantctx.Subject, permissionID uuid.UUID) error {
	var perm models.AssetPermission
	if err := s.db.WithContext(ctx).First(&perm, "id = ?", permissionID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apierr.NotFound("permission")
		}
		return err
	}
	asset, err := loadAsset(ctx, s.db, perm.AssetID)
	if err != nil {
		return err
	}
	if !s.canManageGrants(subject, asset) {
		return apierr.PermissionDenied("only the owner, a tenant-wide role or an admin may manage grants")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&perm).Error; err != nil {
			return err
		}
		return s.audit.AppendTx(ctx, tx, AuditEntry{
			Actor:      *subject,
			Action:     ActionPermissionRevoke,
			TargetType: "asset",
			TargetID:   asset.ID,
			Detail:     map[string]interface{}{"permission_id": perm.ID},
		})
	})
}

// ListGrants returns the permission rows for an asset.
func (s *PermissionService) ListGrants(ctx context.Context, subject *tenantctx.Subject, assetID uuid.UUID) ([]models.AssetPermission, error) {
	asset, err := loadAsset(ctx, s.db, assetID)
	if err != nil {
		return nil, err
	}
	if !s.canManageGrants(subject, asset) {
		return nil, apierr.PermissionDenied("only the owner, a tenant-wide role or an admin may view grants")
	}
	var grants []models.AssetPermission
	if err := s.db.WithContext(ctx).Where("asset_id = ?", assetID).Order("created_at DESC").Find(&grants).Error; err != nil {
		return nil, err
	}
	return grants, nil
}

// loadAsset fetches an asset by id, including deleted ones: delete and
// restore paths still need to address the row. Callers decide visibility.
func loadAsset(ctx context.Context, db *gorm.DB, id uuid.UUID) (*models.Asset, error) {
	var asset models.Asset
	if err := db.WithContext(ctx).First(&asset, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("asset")
		}
		return nil, err
	}
	return &asset, nil
}
