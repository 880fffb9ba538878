package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/classvault/backend/internal/apierr"
	"github.com/classvault/backend/internal/config"
	"github.com/classvault/backend/internal/logger"
	"github.com/classvault/backend/internal/models"
	"github.com/classvault/backend/internal/tenantctx"
)

// newTestDB opens an isolated in-memory database per test. The named shared
// cache keeps gorm's pooled connections on the same database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestConfig() *config.Config {
	return &config.Config{
		UploadURLTTL:         15 * time.Minute,
		UploadMaxSizeBytes:   100 * 1024 * 1024,
		UploadMaxChunks:      100,
		UploadFinalizeGrace:  10 * time.Minute,
		AllowedMimePrefixes:  []string{"image/", "audio/", "video/", "application/", "text/"},
		DownloadURLTTL:       time.Hour,
		TrashRetention:       720 * time.Hour,
		StorageRetryAttempts: 2,
		StorageRetryBackoff:  time.Millisecond,
	}
}

// testEnv bundles the service graph every test needs.
type testEnv struct {
	db       *gorm.DB
	cfg      *config.Config
	store    *fakeObjectStore
	audit    *AuditService
	perms    *PermissionService
	uploads  *UploadService
	assets   *AssetService
	versions *VersionService
	trash    *TrashService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	cfg := newTestConfig()
	store := newFakeObjectStore()
	log := logger.NewNop()

	audit := NewAuditService(db, nil, cfg, log)
	perms := NewPermissionService(db, audit, log)
	return &testEnv{
		db:       db,
		cfg:      cfg,
		store:    store,
		audit:    audit,
		perms:    perms,
		uploads:  NewUploadService(db, cfg, store, audit, log),
		assets:   NewAssetService(db, cfg, store, perms, audit, log),
		versions: NewVersionService(db, perms, audit, log),
		trash:    NewTrashService(db, cfg, store, perms, audit, log),
	}
}

func seedTenant(t *testing.T, db *gorm.DB, typ models.TenantType, quota int64) *models.Tenant {
	t.Helper()
	tenant := &models.Tenant{Type: typ, Name: string(typ) + " tenant", StorageQuotaBytes: quota}
	if err := db.Create(tenant).Error; err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	return tenant
}

func seedUser(t *testing.T, db *gorm.DB, tenant *models.Tenant, role models.Role) *models.User {
	t.Helper()
	user := &models.User{TenantID: tenant.ID, Name: string(role) + " user", Role: role, IsActive: true}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func subjectFor(user *models.User, tenant *models.Tenant) *tenantctx.Subject {
	return &tenantctx.Subject{
		UserID:     user.ID,
		TenantID:   tenant.ID,
		TenantType: tenant.Type,
		Role:       user.Role,
	}
}

// seedAsset creates a verified asset with one published version.
func seedAsset(t *testing.T, db *gorm.DB, tenant *models.Tenant, owner *models.User, name string, size int64) *models.Asset {
	t.Helper()
	asset := &models.Asset{
		TenantID:       tenant.ID,
		OwnerID:        owner.ID,
		Name:           name,
		MimeType:       "application/pdf",
		SizeBytes:      size,
		Checksum:       "c0",
		CurrentVersion: 1,
		IsPending:      false,
	}
	if err := db.Create(asset).Error; err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	// gorm drops IsPending=false from the INSERT in favor of the column's
	// default:true, so persist it with an explicit update.
	if err := db.Model(asset).Update("is_pending", false).Error; err != nil {
		t.Fatalf("seed asset pending flag: %v", err)
	}
	versionID := uuid.New()
	version := &models.AssetVersion{
		ID:            versionID,
		AssetID:       asset.ID,
		VersionNumber: 1,
		ObjectKey:     models.ObjectKey(tenant.Type, tenant.ID, asset.ID, versionID),
		SizeBytes:     size,
		Checksum:      "c0",
		CreatedByID:   owner.ID,
	}
	if err := db.Create(version).Error; err != nil {
		t.Fatalf("seed version: %v", err)
	}
	return asset
}

// fakeObjectStore is an in-memory ObjectStore. Tests stage the finalized
// object state under its key before calling Complete; a key without staged
// state behaves like an unreachable backend.
type fakeObjectStore struct {
	mu         sync.Mutex
	finalized  map[string]ObjectInfo
	multiparts map[string]string
	aborted    []string
	deleted    []string

	failHead     int
	failComplete int
	failDelete   int
	failSign     int
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		finalized:  map[string]ObjectInfo{},
		multiparts: map[string]string{},
	}
}

func (f *fakeObjectStore) stage(key string, info ObjectInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized[key] = info
}

func (f *fakeObjectStore) SignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (SignedURL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSign > 0 {
		f.failSign--
		return SignedURL{}, apierr.StorageUnavailable(errors.New("sign failed"))
	}
	return SignedURL{URL: "https://store.test/" + key, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (f *fakeObjectStore) SignDownload(ctx context.Context, key string, ttl time.Duration, downloadName string) (SignedURL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSign > 0 {
		f.failSign--
		return SignedURL{}, apierr.StorageUnavailable(errors.New("sign failed"))
	}
	return SignedURL{URL: "https://store.test/" + key + "?dl=" + downloadName, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (f *fakeObjectStore) CreateMultipart(ctx context.Context, key, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "mp-" + uuid.NewString()
	f.multiparts[key] = id
	return id, nil
}

func (f *fakeObjectStore) SignUploadPart(ctx context.Context, key, uploadID string, partNumber int32, ttl time.Duration) (SignedURL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSign > 0 {
		f.failSign--
		return SignedURL{}, apierr.StorageUnavailable(errors.New("sign failed"))
	}
	return SignedURL{
		URL:       fmt.Sprintf("https://store.test/%s?uploadId=%s&partNumber=%d", key, uploadID, partNumber),
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

func (f *fakeObjectStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failComplete > 0 {
		f.failComplete--
		return ObjectInfo{}, apierr.StorageUnavailable(errors.New("complete failed"))
	}
	info, ok := f.finalized[key]
	if !ok {
		return ObjectInfo{}, apierr.StorageUnavailable(errors.New("object not staged: " + key))
	}
	delete(f.multiparts, key)
	return info, nil
}

func (f *fakeObjectStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, key)
	delete(f.multiparts, key)
	return nil
}

func (f *fakeObjectStore) HeadObject(ctx context.Context, key string) (ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHead > 0 {
		f.failHead--
		return ObjectInfo{}, apierr.StorageUnavailable(errors.New("head failed"))
	}
	info, ok := f.finalized[key]
	if !ok {
		return ObjectInfo{}, apierr.StorageUnavailable(errors.New("object not staged: " + key))
	}
	return info, nil
}

func (f *fakeObjectStore) DeleteObject(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete > 0 {
		f.failDelete--
		return apierr.StorageUnavailable(errors.New("delete failed"))
	}
	f.deleted = append(f.deleted, key)
	delete(f.finalized, key)
	return nil
}

func (f *fakeObjectStore) deletedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeObjectStore) abortedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.aborted...)
}
