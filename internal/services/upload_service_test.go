package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/classvault/backend/internal/apierr"
	"github.com/classvault/backend/internal/models"
	"github.com/classvault/backend/internal/tenantctx"
)

func initUpload(t *testing.T, env *testEnv, a *actor, req InitUploadRequest) *InitUploadResult {
	t.Helper()
	res, err := env.uploads.Init(context.Background(), a.subject, env.perms, req)
	if err != nil {
		t.Fatalf("init upload: %v", err)
	}
	return res
}

// actor bundles a seeded user with its subject for test readability.
type actor struct {
	tenant  *models.Tenant
	user    *models.User
	subject *tenantctx.Subject
}

func seedActor(t *testing.T, env *testEnv, typ models.TenantType, role models.Role, quota int64) *actor {
	t.Helper()
	tenant := seedTenant(t, env.db, typ, quota)
	user := seedUser(t, env.db, tenant, role)
	return &actor{tenant: tenant, user: user, subject: subjectFor(user, tenant)}
}

func loadSession(t *testing.T, env *testEnv, id uuid.UUID) *models.UploadSession {
	t.Helper()
	var session models.UploadSession
	if err := env.db.First(&session, "id = ?", id).Error; err != nil {
		t.Fatalf("load session: %v", err)
	}
	return &session
}

func TestUploadSinglePartRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	actor := seedActor(t, env, models.TenantTypeSchool, models.RoleTeacher, 1<<30)

	res := initUpload(t, env, actor, InitUploadRequest{
		Name:         "photo.jpg",
		MimeType:     "image/jpeg",
		ExpectedSize: 1024,
		ChunkCount:   1,
	})
	if len(res.ChunkURLs) != 1 {
		t.Fatalf("chunk url count: want=1 got=%d", len(res.ChunkURLs))
	}

	// The pending asset is invisible until the upload verifies.
	assets, _, err := env.assets.List(context.Background(), actor.subject, "", 1, 20)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(assets) != 0 {
		t.Fatalf("pending asset visible in listing")
	}

	session := loadSession(t, env, res.UploadID)
	if session.MultipartUploadID != "" {
		t.Fatalf("single-part upload got a multipart id")
	}
	if err := env.uploads.RegisterChunk(context.Background(), actor.subject, res.UploadID, 1, "etag-1"); err != nil {
		t.Fatalf("register chunk: %v", err)
	}

	env.store.stage(session.ObjectKey, ObjectInfo{SizeBytes: 1024, Checksum: "abc123"})
	version, err := env.uploads.Complete(context.Background(), actor.subject, res.UploadID, "ABC123")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if version.VersionNumber != 1 {
		t.Fatalf("version number: want=1 got=%d", version.VersionNumber)
	}

	var asset models.Asset
	if err := env.db.First(&asset, "id = ?", res.AssetID).Error; err != nil {
		t.Fatalf("load asset: %v", err)
	}
	if asset.IsPending || asset.CurrentVersion != 1 || asset.SizeBytes != 1024 {
		t.Fatalf("asset after publish: pending=%v version=%d size=%d", asset.IsPending, asset.CurrentVersion, asset.SizeBytes)
	}
	if loadSession(t, env, res.UploadID).Status != models.UploadStatusVerified {
		t.Fatalf("session not verified")
	}
}

func TestUploadMultiChunkRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	actor := seedActor(t, env, models.TenantTypeSchool, models.RoleTeacher, 1<<30)

	const total = 12 * 1024 * 1024
	res := initUpload(t, env, actor, InitUploadRequest{
		Name:         "recording.mp4",
		MimeType:     "video/mp4",
		ExpectedSize: total,
		ChunkCount:   3,
	})
	if len(res.ChunkURLs) != 3 {
		t.Fatalf("chunk url count: want=3 got=%d", len(res.ChunkURLs))
	}
	session := loadSession(t, env, res.UploadID)
	if session.MultipartUploadID == "" {
		t.Fatalf("multi-chunk upload has no multipart id")
	}

	for i := 1; i <= 3; i++ {
		if err := env.uploads.RegisterChunk(context.Background(), actor.subject, res.UploadID, i, "etag-"+string(rune('0'+i))); err != nil {
			t.Fatalf("register chunk %d: %v", i, err)
		}
	}

	env.store.stage(session.ObjectKey, ObjectInfo{SizeBytes: total, Checksum: "c1"})
	version, err := env.uploads.Complete(context.Background(), actor.subject, res.UploadID, "c1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if version.VersionNumber != 1 || version.SizeBytes != total {
		t.Fatalf("published version: number=%d size=%d", version.VersionNumber, version.SizeBytes)
	}

	// A second completion loses the status transition.
	_, err = env.uploads.Complete(context.Background(), actor.subject, res.UploadID, "c1")
	if !apierr.IsKind(err, apierr.KindConflict) {
		t.Fatalf("second complete: want conflict, got %v", err)
	}
}

func TestUploadCompleteWithMissingChunksIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	actor := seedActor(t, env, models.TenantTypeSchool, models.RoleTeacher, 1<<30)

	res := initUpload(t, env, actor, InitUploadRequest{
		Name:         "big.bin",
		MimeType:     "application/octet-stream",
		ExpectedSize: 4096,
		ChunkCount:   2,
	})
	if err := env.uploads.RegisterChunk(context.Background(), actor.subject, res.UploadID, 1, "e1"); err != nil {
		t.Fatalf("register chunk: %v", err)
	}

	_, err := env.uploads.Complete(context.Background(), actor.subject, res.UploadID, "sum")
	if !apierr.IsKind(err, apierr.KindUploadIncomplete) {
		t.Fatalf("incomplete complete: want upload incomplete, got %v", err)
	}
	// Not terminal: the session reverted and the client can finish.
	if loadSession(t, env, res.UploadID).Status != models.UploadStatusInitiated {
		t.Fatalf("session not reverted to initiated")
	}

	if err := env.uploads.RegisterChunk(context.Background(), actor.subject, res.UploadID, 2, "e2"); err != nil {
		t.Fatalf("register chunk 2: %v", err)
	}
	env.store.stage(loadSession(t, env, res.UploadID).ObjectKey, ObjectInfo{SizeBytes: 4096, Checksum: "sum"})
	if _, err := env.uploads.Complete(context.Background(), actor.subject, res.UploadID, "sum"); err != nil {
		t.Fatalf("retry complete: %v", err)
	}
}

func TestUploadChecksumMismatchIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	actor := seedActor(t, env, models.TenantTypeSchool, models.RoleTeacher, 1<<30)

	res := initUpload(t, env, actor, InitUploadRequest{
		Name:         "corrupt.zip",
		MimeType:     "application/zip",
		ExpectedSize: 512,
		ChunkCount:   1,
	})
	if err := env.uploads.RegisterChunk(context.Background(), actor.subject, res.UploadID, 1, "e1"); err != nil {
		t.Fatalf("register chunk: %v", err)
	}
	session := loadSession(t, env, res.UploadID)
	env.store.stage(session.ObjectKey, ObjectInfo{SizeBytes: 512, Checksum: "actual"})

	_, err := env.uploads.Complete(context.Background(), actor.subject, res.UploadID, "declared")
	if !apierr.IsKind(err, apierr.KindChecksumMismatch) {
		t.Fatalf("mismatch: want checksum mismatch, got %v", err)
	}

	session = loadSession(t, env, res.UploadID)
	if session.Status != models.UploadStatusFailed {
		t.Fatalf("session status after mismatch: %s", session.Status)
	}
	if session.FailureKind != string(apierr.KindChecksumMismatch) {
		t.Fatalf("failure kind: %s", session.FailureKind)
	}

	// No version became visible.
	var count int64
	env.db.Model(&models.AssetVersion{}).Where("asset_id = ?", res.AssetID).Count(&count)
	if count != 0 {
		t.Fatalf("version rows after failed upload: %d", count)
	}
	assets, _, _ := env.assets.List(context.Background(), actor.subject, "", 1, 20)
	if len(assets) != 0 {
		t.Fatalf("failed upload's asset visible in listing")
	}
}

func TestRegisterChunkIdempotency(t *testing.T) {
	env := newTestEnv(t)
	actor := seedActor(t, env, models.TenantTypeSchool, models.RoleTeacher, 1<<30)
	res := initUpload(t, env, actor, InitUploadRequest{
		Name:         "a.bin",
		MimeType:     "application/octet-stream",
		ExpectedSize: 2048,
		ChunkCount:   2,
	})
	ctx := context.Background()

	if err := env.uploads.RegisterChunk(ctx, actor.subject, res.UploadID, 1, "e1"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// Same pair again is a no-op.
	if err := env.uploads.RegisterChunk(ctx, actor.subject, res.UploadID, 1, "e1"); err != nil {
		t.Fatalf("idempotent register: %v", err)
	}
	// Same index, different etag conflicts.
	err := env.uploads.RegisterChunk(ctx, actor.subject, res.UploadID, 1, "e1-other")
	if !apierr.IsKind(err, apierr.KindConflict) {
		t.Fatalf("conflicting register: want conflict, got %v", err)
	}
	// Index outside the declared plan.
	err = env.uploads.RegisterChunk(ctx, actor.subject, res.UploadID, 3, "e3")
	if !apierr.IsKind(err, apierr.KindValidation) {
		t.Fatalf("out-of-range register: want validation error, got %v", err)
	}

	var count int64
	env.db.Model(&models.UploadChunk{}).Where("session_id = ?", res.UploadID).Count(&count)
	if count != 1 {
		t.Fatalf("chunk rows: want=1 got=%d", count)
	}
}

func TestRegisterChunkLeavesAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	actor := seedActor(t, env, models.TenantTypeSchool, models.RoleTeacher, 1<<30)
	res := initUpload(t, env, actor, InitUploadRequest{
		Name:         "tracked.bin",
		MimeType:     "application/octet-stream",
		ExpectedSize: 2048,
		ChunkCount:   2,
	})
	ctx := context.Background()

	if err := env.uploads.RegisterChunk(ctx, actor.subject, res.UploadID, 1, "e1"); err != nil {
		t.Fatalf("register chunk: %v", err)
	}
	rows := auditRows(t, env, ActionUploadChunk)
	if len(rows) != 1 {
		t.Fatalf("audit rows after register: want=1 got=%d", len(rows))
	}
	if rows[0].Outcome != models.AuditOutcomeSuccess || rows[0].ActorID != actor.user.ID || rows[0].TargetID != res.AssetID {
		t.Fatalf("chunk audit row: outcome=%s actor=%s target=%s", rows[0].Outcome, rows[0].ActorID, rows[0].TargetID)
	}

	// The idempotent repeat mutates nothing and adds no entry.
	if err := env.uploads.RegisterChunk(ctx, actor.subject, res.UploadID, 1, "e1"); err != nil {
		t.Fatalf("idempotent register: %v", err)
	}
	if rows := auditRows(t, env, ActionUploadChunk); len(rows) != 1 {
		t.Fatalf("audit rows after idempotent repeat: want=1 got=%d", len(rows))
	}

	// A rejected registration leaves a failure entry with the error kind.
	if err := env.uploads.RegisterChunk(ctx, actor.subject, res.UploadID, 1, "e1-other"); !apierr.IsKind(err, apierr.KindConflict) {
		t.Fatalf("conflicting register: want conflict, got %v", err)
	}
	rows = auditRows(t, env, ActionUploadChunk)
	if len(rows) != 2 {
		t.Fatalf("audit rows after conflict: want=2 got=%d", len(rows))
	}
	if rows[1].Outcome != models.AuditOutcomeFailure || rows[1].ErrorKind != string(apierr.KindConflict) {
		t.Fatalf("conflict audit row: outcome=%s kind=%s", rows[1].Outcome, rows[1].ErrorKind)
	}
}

func TestConcurrentCompletesPublishGapFreeVersions(t *testing.T) {
	env := newTestEnv(t)
	actor := seedActor(t, env, models.TenantTypeSchool, models.RoleTeacher, 1<<30)
	asset := seedAsset(t, env.db, actor.tenant, actor.user, "shared.pdf", 100)
	ctx := context.Background()

	sessions := make([]*InitUploadResult, 2)
	for i := range sessions {
		res := initUpload(t, env, actor, InitUploadRequest{
			AssetID:      &asset.ID,
			MimeType:     "application/pdf",
			ExpectedSize: 200,
			ChunkCount:   1,
		})
		if err := env.uploads.RegisterChunk(ctx, actor.subject, res.UploadID, 1, "e1"); err != nil {
			t.Fatalf("register chunk %d: %v", i, err)
		}
		env.store.stage(loadSession(t, env, res.UploadID).ObjectKey, ObjectInfo{SizeBytes: 200, Checksum: "c1"})
		sessions[i] = res
	}

	// Both sessions race to publish the asset's next version. Each call must
	// either publish or lose cleanly with a conflict; the published numbers
	// must stay gap-free with no duplicates.
	var wg sync.WaitGroup
	errs := make([]error, len(sessions))
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.uploads.Complete(ctx, actor.subject, sessions[i].UploadID, "c1")
		}(i)
	}
	wg.Wait()

	published := 0
	for i, err := range errs {
		switch {
		case err == nil:
			published++
		case apierr.IsKind(err, apierr.KindConflict):
		default:
			t.Fatalf("complete %d: %v", i, err)
		}
	}
	if published < 1 {
		t.Fatalf("no completion published a version")
	}

	var reloaded models.Asset
	if err := env.db.First(&reloaded, "id = ?", asset.ID).Error; err != nil {
		t.Fatalf("load asset: %v", err)
	}
	if reloaded.CurrentVersion != 1+published {
		t.Fatalf("current version: want=%d got=%d", 1+published, reloaded.CurrentVersion)
	}
	var versions []models.AssetVersion
	if err := env.db.Where("asset_id = ?", asset.ID).Order("version_number ASC").Find(&versions).Error; err != nil {
		t.Fatalf("load versions: %v", err)
	}
	if len(versions) != 1+published {
		t.Fatalf("version rows: want=%d got=%d", 1+published, len(versions))
	}
	for i := range versions {
		if versions[i].VersionNumber != i+1 {
			t.Fatalf("version numbers not gap-free: position %d holds %d", i, versions[i].VersionNumber)
		}
	}
}

func TestUploadSecondVersionIncrementsNumber(t *testing.T) {
	env := newTestEnv(t)
	actor := seedActor(t, env, models.TenantTypeSchool, models.RoleTeacher, 1<<30)
	asset := seedAsset(t, env.db, actor.tenant, actor.user, "doc.pdf", 100)

	res := initUpload(t, env, actor, InitUploadRequest{
		AssetID:      &asset.ID,
		MimeType:     "application/pdf",
		ExpectedSize: 200,
		ChunkCount:   1,
	})
	if res.AssetID != asset.ID {
		t.Fatalf("upload targets wrong asset")
	}
	if err := env.uploads.RegisterChunk(context.Background(), actor.subject, res.UploadID, 1, "e1"); err != nil {
		t.Fatalf("register chunk: %v", err)
	}
	env.store.stage(loadSession(t, env, res.UploadID).ObjectKey, ObjectInfo{SizeBytes: 200, Checksum: "c2"})

	version, err := env.uploads.Complete(context.Background(), actor.subject, res.UploadID, "c2")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if version.VersionNumber != 2 {
		t.Fatalf("second version number: want=2 got=%d", version.VersionNumber)
	}

	var reloaded models.Asset
	env.db.First(&reloaded, "id = ?", asset.ID)
	if reloaded.CurrentVersion != 2 || reloaded.SizeBytes != 200 {
		t.Fatalf("asset pointers: version=%d size=%d", reloaded.CurrentVersion, reloaded.SizeBytes)
	}
}

func TestUploadToExistingAssetRequiresWrite(t *testing.T) {
	env := newTestEnv(t)
	actor := seedActor(t, env, models.TenantTypeSchool, models.RoleTeacher, 1<<30)
	asset := seedAsset(t, env.db, actor.tenant, actor.user, "doc.pdf", 100)

	stranger := seedUser(t, env.db, actor.tenant, models.RoleStudent)
	_, err := env.uploads.Init(context.Background(), subjectFor(stranger, actor.tenant), env.perms, InitUploadRequest{
		AssetID:      &asset.ID,
		MimeType:     "application/pdf",
		ExpectedSize: 200,
		ChunkCount:   1,
	})
	if !apierr.IsKind(err, apierr.KindPermissionDenied) {
		t.Fatalf("upload without write: want permission denied, got %v", err)
	}
}

func TestUploadQuotaEnforcement(t *testing.T) {
	env := newTestEnv(t)
	actor := seedActor(t, env, models.TenantTypeSchool, models.RoleTeacher, 1000)
	seedAsset(t, env.db, actor.tenant, actor.user, "existing.bin", 900)

	_, err := env.uploads.Init(context.Background(), actor.subject, env.perms, InitUploadRequest{
		Name:         "too-big.bin",
		MimeType:     "application/octet-stream",
		ExpectedSize: 200,
		ChunkCount:   1,
	})
	if !apierr.IsKind(err, apierr.KindQuotaExceeded) {
		t.Fatalf("over quota: want quota exceeded, got %v", err)
	}

	// Fits in the remaining 100 bytes.
	if _, err := env.uploads.Init(context.Background(), actor.subject, env.perms, InitUploadRequest{
		Name:         "fits.bin",
		MimeType:     "application/octet-stream",
		ExpectedSize: 100,
		ChunkCount:   1,
	}); err != nil {
		t.Fatalf("within quota: %v", err)
	}
}

func TestUploadInitValidation(t *testing.T) {
	env := newTestEnv(t)
	actor := seedActor(t, env, models.TenantTypeSchool, models.RoleTeacher, 1<<30)
	ctx := context.Background()

	cases := []InitUploadRequest{
		{Name: "", MimeType: "text/plain", ExpectedSize: 10, ChunkCount: 1},
		{Name: "x", MimeType: "text/plain", ExpectedSize: 0, ChunkCount: 1},
		{Name: "x", MimeType: "text/plain", ExpectedSize: env.cfg.UploadMaxSizeBytes + 1, ChunkCount: 1},
		{Name: "x", MimeType: "text/plain", ExpectedSize: 10, ChunkCount: 0},
		{Name: "x", MimeType: "text/plain", ExpectedSize: 10, ChunkCount: env.cfg.UploadMaxChunks + 1},
		{Name: "x", MimeType: "x-custom/blob", ExpectedSize: 10, ChunkCount: 1},
	}
	for i, req := range cases {
		_, err := env.uploads.Init(ctx, actor.subject, env.perms, req)
		if !apierr.IsKind(err, apierr.KindValidation) {
			t.Fatalf("case %d: want validation error, got %v", i, err)
		}
	}
}

func TestUploadSessionOwnership(t *testing.T) {
	env := newTestEnv(t)
	actor := seedActor(t, env, models.TenantTypeSchool, models.RoleTeacher, 1<<30)
	res := initUpload(t, env, actor, InitUploadRequest{
		Name:         "private.bin",
		MimeType:     "application/octet-stream",
		ExpectedSize: 10,
		ChunkCount:   1,
	})

	other := seedUser(t, env.db, actor.tenant, models.RoleTeacher)
	err := env.uploads.RegisterChunk(context.Background(), subjectFor(other, actor.tenant), res.UploadID, 1, "e1")
	if !apierr.IsKind(err, apierr.KindPermissionDenied) {
		t.Fatalf("foreign register: want permission denied, got %v", err)
	}
	_, err = env.uploads.Complete(context.Background(), subjectFor(other, actor.tenant), res.UploadID, "sum")
	if !apierr.IsKind(err, apierr.KindPermissionDenied) {
		t.Fatalf("foreign complete: want permission denied, got %v", err)
	}
}

func TestExpireStaleSessions(t *testing.T) {
	env := newTestEnv(t)
	actor := seedActor(t, env, models.TenantTypeSchool, models.RoleTeacher, 1<<30)
	res := initUpload(t, env, actor, InitUploadRequest{
		Name:         "stale.bin",
		MimeType:     "application/octet-stream",
		ExpectedSize: 10,
		ChunkCount:   2,
	})

	if err := env.db.Model(&models.UploadSession{}).
		Where("id = ?", res.UploadID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error; err != nil {
		t.Fatalf("age session: %v", err)
	}

	expired, err := env.uploads.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired count: want=1 got=%d", expired)
	}
	session := loadSession(t, env, res.UploadID)
	if session.Status != models.UploadStatusExpired {
		t.Fatalf("session status: %s", session.Status)
	}
	if keys := env.store.abortedKeys(); len(keys) != 1 || keys[0] != session.ObjectKey {
		t.Fatalf("multipart not aborted: %v", keys)
	}

	// Chunks and completion are rejected after expiry.
	err = env.uploads.RegisterChunk(context.Background(), actor.subject, res.UploadID, 1, "e1")
	if !apierr.IsKind(err, apierr.KindExpired) {
		t.Fatalf("register after expiry: want expired, got %v", err)
	}
	_, err = env.uploads.Complete(context.Background(), actor.subject, res.UploadID, "sum")
	if !apierr.IsKind(err, apierr.KindExpired) {
		t.Fatalf("complete after expiry: want expired, got %v", err)
	}
}

func TestExpireStaleRecoversCrashedCompletion(t *testing.T) {
	env := newTestEnv(t)
	actor := seedActor(t, env, models.TenantTypeSchool, models.RoleTeacher, 1<<30)

	// A session whose process died after winning the completion transition:
	// stuck in completing, long past its TTL and the finalization grace.
	crashed := initUpload(t, env, actor, InitUploadRequest{
		Name:         "crashed.bin",
		MimeType:     "application/octet-stream",
		ExpectedSize: 10,
		ChunkCount:   2,
	})
	if err := env.db.Model(&models.UploadSession{}).
		Where("id = ?", crashed.UploadID).
		Updates(map[string]interface{}{
			"status":     models.UploadStatusCompleting,
			"expires_at": time.Now().Add(-time.Hour),
		}).Error; err != nil {
		t.Fatalf("age crashed session: %v", err)
	}

	// A completion that is merely slow, still inside the grace period.
	inflight := initUpload(t, env, actor, InitUploadRequest{
		Name:         "inflight.bin",
		MimeType:     "application/octet-stream",
		ExpectedSize: 10,
		ChunkCount:   2,
	})
	if err := env.db.Model(&models.UploadSession{}).
		Where("id = ?", inflight.UploadID).
		Updates(map[string]interface{}{
			"status":     models.UploadStatusCompleting,
			"expires_at": time.Now().Add(-time.Minute),
		}).Error; err != nil {
		t.Fatalf("age inflight session: %v", err)
	}

	expired, err := env.uploads.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired count: want=1 got=%d", expired)
	}

	session := loadSession(t, env, crashed.UploadID)
	if session.Status != models.UploadStatusExpired {
		t.Fatalf("crashed session status: %s", session.Status)
	}
	if keys := env.store.abortedKeys(); len(keys) != 1 || keys[0] != session.ObjectKey {
		t.Fatalf("crashed multipart not aborted: %v", keys)
	}
	if loadSession(t, env, inflight.UploadID).Status != models.UploadStatusCompleting {
		t.Fatalf("in-flight completion swept inside grace period")
	}

	_, err = env.uploads.Complete(context.Background(), actor.subject, crashed.UploadID, "sum")
	if !apierr.IsKind(err, apierr.KindExpired) {
		t.Fatalf("complete after recovery: want expired, got %v", err)
	}
}

func TestUploadQuotaReservesActiveSessions(t *testing.T) {
	env := newTestEnv(t)
	actor := seedActor(t, env, models.TenantTypeSchool, models.RoleTeacher, 1000)
	ctx := context.Background()

	first := initUpload(t, env, actor, InitUploadRequest{
		Name:         "first.bin",
		MimeType:     "application/octet-stream",
		ExpectedSize: 600,
		ChunkCount:   1,
	})

	// The first session's declared size is reserved even though no asset
	// bytes are committed yet.
	_, err := env.uploads.Init(ctx, actor.subject, env.perms, InitUploadRequest{
		Name:         "second.bin",
		MimeType:     "application/octet-stream",
		ExpectedSize: 600,
		ChunkCount:   1,
	})
	if !apierr.IsKind(err, apierr.KindQuotaExceeded) {
		t.Fatalf("oversubscribed init: want quota exceeded, got %v", err)
	}

	// An expired session releases its reservation.
	if err := env.db.Model(&models.UploadSession{}).
		Where("id = ?", first.UploadID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error; err != nil {
		t.Fatalf("age session: %v", err)
	}
	if _, err := env.uploads.ExpireStale(ctx); err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if _, err := env.uploads.Init(ctx, actor.subject, env.perms, InitUploadRequest{
		Name:         "second.bin",
		MimeType:     "application/octet-stream",
		ExpectedSize: 600,
		ChunkCount:   1,
	}); err != nil {
		t.Fatalf("init after reservation released: %v", err)
	}
}

func TestStorageRetryRecoversTransientFailure(t *testing.T) {
	env := newTestEnv(t)
	actor := seedActor(t, env, models.TenantTypeSchool, models.RoleTeacher, 1<<30)
	res := initUpload(t, env, actor, InitUploadRequest{
		Name:         "flaky.bin",
		MimeType:     "application/octet-stream",
		ExpectedSize: 64,
		ChunkCount:   1,
	})
	if err := env.uploads.RegisterChunk(context.Background(), actor.subject, res.UploadID, 1, "e1"); err != nil {
		t.Fatalf("register chunk: %v", err)
	}
	session := loadSession(t, env, res.UploadID)
	env.store.stage(session.ObjectKey, ObjectInfo{SizeBytes: 64, Checksum: "sum"})
	env.store.failHead = 1 // first head fails, the retry succeeds

	if _, err := env.uploads.Complete(context.Background(), actor.subject, res.UploadID, "sum"); err != nil {
		t.Fatalf("complete with transient failure: %v", err)
	}
}

func TestUploadInitSurfacesStorageOutage(t *testing.T) {
	env := newTestEnv(t)
	actor := seedActor(t, env, models.TenantTypeSchool, models.RoleTeacher, 1<<30)
	env.store.failSign = env.cfg.StorageRetryAttempts // exhaust every retry

	_, err := env.uploads.Init(context.Background(), actor.subject, env.perms, InitUploadRequest{
		Name:         "unreachable.bin",
		MimeType:     "application/octet-stream",
		ExpectedSize: 10,
		ChunkCount:   1,
	})
	if !apierr.IsKind(err, apierr.KindStorageUnavailable) {
		t.Fatalf("init during outage: want storage unavailable, got %v", err)
	}

	// No orphan metadata was written.
	var sessions, assets int64
	env.db.Model(&models.UploadSession{}).Count(&sessions)
	env.db.Model(&models.Asset{}).Count(&assets)
	if sessions != 0 || assets != 0 {
		t.Fatalf("orphan rows after failed init: sessions=%d assets=%d", sessions, assets)
	}
}
