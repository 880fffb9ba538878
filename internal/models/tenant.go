package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TenantType string

const (
	TenantTypePublisher TenantType = "publisher"
	TenantTypeSchool    TenantType = "school"
	TenantTypeTeacher   TenantType = "teacher"
)

// Tenant is the isolation boundary grouping users and assets. Tenants are
// never hard-deleted in normal operation.
type Tenant struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Type              TenantType `gorm:"size:32;not null" json:"type"`
	Name              string     `gorm:"size:255;not null" json:"name"`
	StorageQuotaBytes int64      `gorm:"not null" json:"storage_quota_bytes"`
	CreatedAt         time.Time  `json:"created_at"`

	// Relations
	Users  []User  `gorm:"foreignKey:TenantID" json:"users,omitempty"`
	Assets []Asset `gorm:"foreignKey:TenantID" json:"assets,omitempty"`
}

func (t *Tenant) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
