package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UploadStatus string

const (
	UploadStatusInitiated  UploadStatus = "initiated"
	UploadStatusCompleting UploadStatus = "completing"
	UploadStatusVerified   UploadStatus = "verified"
	UploadStatusFailed     UploadStatus = "failed"
	UploadStatusExpired    UploadStatus = "expired"
)

// Terminal reports whether the state machine can leave this status.
func (s UploadStatus) Terminal() bool {
	return s == UploadStatusVerified || s == UploadStatusFailed || s == UploadStatusExpired
}

// UploadSession persists one upload attempt's state machine:
// initiated -> completing -> verified, or failed/expired.
type UploadSession struct {
	ID                uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID          uuid.UUID    `gorm:"type:uuid;not null;index" json:"tenant_id"`
	UserID            uuid.UUID    `gorm:"type:uuid;not null" json:"user_id"`
	AssetID           uuid.UUID    `gorm:"type:uuid;not null;index" json:"asset_id"`
	VersionID         uuid.UUID    `gorm:"type:uuid;not null" json:"version_id"`
	ObjectKey         string       `gorm:"size:512;not null" json:"object_key"`
	MimeType          string       `gorm:"size:120" json:"mime_type"`
	ExpectedSize      int64        `gorm:"not null" json:"expected_size"`
	DeclaredChunks    int          `gorm:"not null" json:"declared_chunks"`
	MultipartUploadID string       `gorm:"size:512" json:"-"` // empty for single-part uploads
	NewAsset          bool         `gorm:"not null" json:"new_asset"`
	Status            UploadStatus `gorm:"size:16;not null;default:initiated;index" json:"status"`
	FailureKind       string       `gorm:"size:64" json:"failure_kind,omitempty"`
	ExpiresAt         time.Time    `gorm:"not null;index" json:"expires_at"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`

	// Relations
	Chunks []UploadChunk `gorm:"foreignKey:SessionID" json:"chunks,omitempty"`
}

func (u *UploadSession) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// UploadChunk records one completed chunk's storage-assigned integrity tag.
type UploadChunk struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_session_chunk,priority:1" json:"session_id"`
	ChunkIndex int       `gorm:"not null;uniqueIndex:idx_session_chunk,priority:2" json:"chunk_index"`
	ETag       string    `gorm:"size:255;not null" json:"etag"`
	CreatedAt  time.Time `json:"created_at"`
}

func (c *UploadChunk) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
