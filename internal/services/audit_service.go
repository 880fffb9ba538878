package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/classvault/backend/internal/apierr"
	"github.com/classvault/backend/internal/config"
	"github.com/classvault/backend/internal/logger"
	"github.com/classvault/backend/internal/models"
	"github.com/classvault/backend/internal/tenantctx"
)

// Audit action codes.
const (
	ActionUploadInit       = "upload_init"
	ActionUploadChunk      = "upload_chunk"
	ActionUploadComplete   = "upload_complete"
	ActionAssetDownload    = "asset_download"
	ActionVersionRestore   = "version_restore"
	ActionAssetDelete      = "asset_delete"
	ActionAssetRestore     = "asset_restore"
	ActionAssetPurge       = "asset_purge"
	ActionPermissionGrant  = "permission_grant"
	ActionPermissionRevoke = "permission_revoke"
)

// AuditEntry is the input to an append. Outcome and error kind are filled by
// the append helpers.
type AuditEntry struct {
	Actor      tenantctx.Subject
	Action     string
	TargetType string
	TargetID   uuid.UUID
	Detail     map[string]interface{}
}

// AuditQueryFilter narrows an audit query. The tenant scope comes from the
// querying subject, never from the filter.
type AuditQueryFilter struct {
	ActorID *uuid.UUID
	Action  string
	Outcome models.AuditOutcome
	Since   time.Time
	Until   time.Time
	Page    int
	Limit   int
}

// AuditService is the append-only ledger. There is deliberately no update or
// delete method; the interface is the enforcement, not database policy.
type AuditService struct {
	db           *gorm.DB
	emailService *EmailService
	cfg          *config.Config
	log          *logger.Logger
}

func NewAuditService(db *gorm.DB, emailService *EmailService, cfg *config.Config, log *logger.Logger) *AuditService {
	return &AuditService{
		db:           db,
		emailService: emailService,
		cfg:          cfg,
		log:          log.With("service", "audit"),
	}
}

// Append records one entry outside any transaction. Used for failure
// outcomes, where the domain mutation has already been rolled back.
func (s *AuditService) Append(ctx context.Context, entry AuditEntry, outcome models.AuditOutcome, errKind string) error {
	return s.append(ctx, s.db.WithContext(ctx), entry, outcome, errKind)
}

// AppendTx records one entry inside the caller's transaction, so the domain
// mutation is not committed unless the audit entry is. Success paths must
// use this.
func (s *AuditService) AppendTx(ctx context.Context, tx *gorm.DB, entry AuditEntry) error {
	return s.append(ctx, tx, entry, models.AuditOutcomeSuccess, "")
}

func (s *AuditService) append(ctx context.Context, tx *gorm.DB, entry AuditEntry, outcome models.AuditOutcome, errKind string) error {
	var detail datatypes.JSON
	if entry.Detail != nil {
		if raw, err := json.Marshal(entry.Detail); err == nil {
			detail = datatypes.JSON(raw)
		}
	}

	row := &models.AuditLogEntry{
		ActorID:       entry.Actor.UserID,
		TenantID:      entry.Actor.TenantID,
		Action:        entry.Action,
		TargetType:    entry.TargetType,
		TargetID:      entry.TargetID,
		Outcome:       outcome,
		ErrorKind:     errKind,
		CorrelationID: tenantctx.CorrelationID(ctx),
		Detail:        detail,
	}
	if err := tx.Create(row).Error; err != nil {
		return err
	}

	if entry.Action == ActionAssetDelete && outcome == models.AuditOutcomeSuccess {
		go s.checkSuspiciousActivity(entry.Actor.UserID)
	}
	return nil
}

// RecordFailure appends a failure entry carrying the error kind. The audit
// write is best effort here: the triggering operation is already failing
// closed.
func (s *AuditService) RecordFailure(ctx context.Context, entry AuditEntry, opErr error) {
	if err := s.Append(ctx, entry, models.AuditOutcomeFailure, string(apierr.KindOf(opErr))); err != nil {
		s.log.Error("failed to record audit failure entry", "action", entry.Action, "error", err)
	}
}

// checkSuspiciousActivity alerts when one actor deletes many assets in a
// short window, which can indicate a compromised account.
func (s *AuditService) checkSuspiciousActivity(actorID uuid.UUID) {
	fiveMinutesAgo := time.Now().Add(-5 * time.Minute)
	var count int64
	s.db.Model(&models.AuditLogEntry{}).
		Where("actor_id = ? AND action = ? AND created_at > ?", actorID, ActionAssetDelete, fiveMinutesAgo).
		Count(&count)

	if count >= 10 && s.emailService != nil && s.cfg != nil && s.cfg.AdminAlertEmail != "" {
		subject := "Suspicious delete activity detected"
		body := fmt.Sprintf(`Warning: user %s deleted %d assets within the last 5 minutes.

This may indicate a compromised account. Review the audit log for this actor.`, actorID, count)
		if err := s.emailService.SendGenericTextEmail(s.cfg.AdminAlertEmail, subject, body); err != nil {
			s.log.Warn("failed to send delete-burst alert", "error", err)
		}
	}
}

// Query returns audit entries for the subject's tenant, newest first. Only
// admins and supervisors may read the ledger.
func (s *AuditService) Query(ctx context.Context, subject *tenantctx.Subject, filter AuditQueryFilter) ([]*models.AuditLogEntry, int64, error) {
	if subject.Role != models.RoleAdmin && subject.Role != models.RoleSupervisor {
		return nil, 0, apierr.PermissionDenied("audit log access requires admin or supervisor role")
	}

	query := s.db.WithContext(ctx).Model(&models.AuditLogEntry{})
	if subject.Role != models.RoleAdmin {
		query = query.Where("tenant_id = ?", subject.TenantID)
	}
	if filter.ActorID != nil {
		query = query.Where("actor_id = ?", *filter.ActorID)
	}
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.Outcome != "" {
		query = query.Where("outcome = ?", filter.Outcome)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		query = query.Where("created_at <= ?", filter.Until)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit < 1 || limit > 100 {
		limit = 50
	}

	var entries []*models.AuditLogEntry
	if err := query.Order("created_at DESC").Offset((page - 1) * limit).Limit(limit).Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}
