package services

import (
	"context"
	"time"
)

// SignedURL is a time-bounded, single-object-scoped credential allowing
// direct client-to-storage transfer without routing bytes through this
// service.
type SignedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CompletedPart pairs a chunk index with its storage-assigned integrity tag.
type CompletedPart struct {
	Index int32
	ETag  string
}

// ObjectInfo is the storage-reported state of a finalized object.
type ObjectInfo struct {
	SizeBytes int64
	Checksum  string
}

// ObjectStore is the object storage gateway contract. Implementations carry
// no business logic, never retry silently (retry policy belongs to callers)
// and surface backend failures as StorageUnavailable.
type ObjectStore interface {
	SignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (SignedURL, error)
	SignDownload(ctx context.Context, key string, ttl time.Duration, downloadName string) (SignedURL, error)
	CreateMultipart(ctx context.Context, key, contentType string) (string, error)
	SignUploadPart(ctx context.Context, key, uploadID string, partNumber int32, ttl time.Duration) (SignedURL, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (ObjectInfo, error)
	AbortMultipart(ctx context.Context, key, uploadID string) error
	HeadObject(ctx context.Context, key string) (ObjectInfo, error)
	DeleteObject(ctx context.Context, key string) error
}
