package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TrashEntry records a soft delete. Exactly one entry is created per delete
// operation; a restore stamps RestoredAt but keeps the row for its audit
// value. Entries past PurgeAfter that were never restored are the only
// hard-delete path in the system.
type TrashEntry struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	AssetID     uuid.UUID  `gorm:"type:uuid;not null;index" json:"asset_id"`
	DeletedByID uuid.UUID  `gorm:"type:uuid;not null" json:"deleted_by_id"`
	DeletedAt   time.Time  `gorm:"not null" json:"deleted_at"`
	PurgeAfter  time.Time  `gorm:"not null;index" json:"purge_after"`
	RestoredAt  *time.Time `json:"restored_at,omitempty"`

	// Relations
	Asset *Asset `gorm:"foreignKey:AssetID" json:"asset,omitempty"`
}

func (t *TrashEntry) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
