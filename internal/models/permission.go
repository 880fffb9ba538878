package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Capability is a grantable action on an asset.
type Capability string

const (
	CapabilityRead     Capability = "read"
	CapabilityDownload Capability = "download"
	CapabilityWrite    Capability = "write"
	CapabilityRestore  Capability = "restore"
)

var grantableCapabilities = map[Capability]bool{
	CapabilityRead:     true,
	CapabilityDownload: true,
	CapabilityWrite:    true,
	CapabilityRestore:  true,
}

func (c Capability) Grantable() bool { return grantableCapabilities[c] }

// EncodeCapabilities renders a capability set as the CSV stored on the row.
func EncodeCapabilities(caps []Capability) string {
	parts := make([]string, 0, len(caps))
	for _, c := range caps {
		parts = append(parts, string(c))
	}
	return strings.Join(parts, ",")
}

// AssetPermission is an explicit, possibly time-limited grant to a user or a
// role. Multiple rows may coexist for the same asset/grantee; the effective
// capability set is the union of all non-expired rows.
type AssetPermission struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	AssetID       uuid.UUID  `gorm:"type:uuid;not null;index" json:"asset_id"`
	GranteeUserID *uuid.UUID `gorm:"type:uuid;index" json:"grantee_user_id,omitempty"`
	GranteeRole   *Role      `gorm:"size:32;index" json:"grantee_role,omitempty"`
	Capabilities  string     `gorm:"size:128;not null" json:"capabilities"` // CSV of Capability values
	GrantedByID   uuid.UUID  `gorm:"type:uuid;not null" json:"granted_by_id"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (p *AssetPermission) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

func (p *AssetPermission) ExpiredAt(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// Has reports whether the row carries the given capability.
func (p *AssetPermission) Has(c Capability) bool {
	for _, part := range strings.Split(p.Capabilities, ",") {
		if Capability(strings.TrimSpace(part)) == c {
			return true
		}
	}
	return false
}
