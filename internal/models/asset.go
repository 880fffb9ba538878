package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Asset is the single row per logical asset regardless of version count.
// Current* fields always mirror the AssetVersion with the highest version
// number. A pending asset (upload not yet verified) never appears in
// listings; a deleted asset stays addressable for restore until its trash
// entry passes the retention boundary.
type Asset struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID        uuid.UUID  `gorm:"type:uuid;not null;index" json:"tenant_id"`
	OwnerID         uuid.UUID  `gorm:"type:uuid;not null;index" json:"owner_id"`
	Name            string     `gorm:"size:255;not null" json:"name"`
	MimeType        string     `gorm:"size:120" json:"mime_type"`
	SizeBytes       int64      `json:"size_bytes"`
	Checksum        string     `gorm:"size:128" json:"checksum"`
	CurrentVersion  int        `gorm:"default:0" json:"current_version"`
	FolderID        *uuid.UUID `gorm:"type:uuid" json:"folder_id,omitempty"`
	IsDeleted       bool       `gorm:"default:false;index" json:"is_deleted"`
	IsPending       bool       `gorm:"default:true;index" json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	// Relations
	Tenant   *Tenant        `gorm:"foreignKey:TenantID" json:"tenant,omitempty"`
	Owner    *User          `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
	Versions []AssetVersion `gorm:"foreignKey:AssetID" json:"versions,omitempty"`
}

func (a *Asset) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// AssetVersion is an immutable snapshot of an asset's binary content.
// Version numbers start at 1 and are strictly increasing per asset, never
// reused. Restores create a new version pointing at the historical object.
type AssetVersion struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	AssetID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_asset_version,priority:1" json:"asset_id"`
	VersionNumber int       `gorm:"not null;uniqueIndex:idx_asset_version,priority:2" json:"version_number"`
	ObjectKey     string    `gorm:"size:512;not null" json:"object_key"`
	SizeBytes     int64     `json:"size_bytes"`
	Checksum      string    `gorm:"size:128" json:"checksum"`
	CreatedByID   uuid.UUID `gorm:"type:uuid;not null" json:"created_by_id"`
	CreatedAt     time.Time `json:"created_at"`
}

func (v *AssetVersion) BeforeCreate(tx *gorm.DB) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return nil
}

// ObjectKey builds the version-scoped storage key. The tenant prefix is the
// second layer of isolation, independent of metadata filtering. Keys are
// never reused: every write goes to a fresh version-scoped key.
func ObjectKey(tenantType TenantType, tenantID, assetID, versionID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/%s/%s", tenantType, tenantID, assetID, versionID)
}
