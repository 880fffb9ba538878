package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AuditOutcome string

const (
	AuditOutcomeSuccess AuditOutcome = "success"
	AuditOutcomeFailure AuditOutcome = "failure"
)

// AuditLogEntry is append-only. No update or delete operation exists for
// this entity under any role; the audit service interface only exposes
// append and query.
type AuditLogEntry struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ActorID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"actor_id"`
	TenantID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Action        string         `gorm:"type:varchar(100);not null;index" json:"action"`
	TargetType    string         `gorm:"type:varchar(50);not null" json:"target_type"`
	TargetID      uuid.UUID      `gorm:"type:uuid;not null" json:"target_id"`
	Outcome       AuditOutcome   `gorm:"type:varchar(16);not null;index" json:"outcome"`
	ErrorKind     string         `gorm:"type:varchar(64)" json:"error_kind,omitempty"`
	CorrelationID string         `gorm:"type:varchar(64);index" json:"correlation_id"`
	Detail        datatypes.JSON `json:"detail,omitempty"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (AuditLogEntry) TableName() string {
	return "audit_logs"
}

func (e *AuditLogEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
