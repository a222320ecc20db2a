package backup

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	tenantActor = Actor{ID: "user-1", TenantID: "t1"}
	otherActor  = Actor{ID: "user-2", TenantID: "t2"}
	superAdmin  = Actor{ID: "ops-1", TenantID: "platform", Roles: []string{"SUPER_ADMIN"}}
)

type managerFixture struct {
	manager *BackupManager
	store   *MemoryRecordStore
	backend *memoryBackend
	dal     *MockDataAccessLayer
	applier *MockApplier
	clock   *fixedClock
}

func newManagerFixture(t *testing.T, configure ...func(*BackupSystemConfig, *Dependencies)) *managerFixture {
	t.Helper()

	f := &managerFixture{
		store:   NewMemoryRecordStore(),
		backend: newMemoryBackend("memory"),
		dal:     &MockDataAccessLayer{},
		applier: &MockApplier{},
		clock:   newFixedClock(testEpoch),
	}
	config := &BackupSystemConfig{
		Encryption: EncryptionConfig{KDF: KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1}},
		Jobs:       JobsConfig{Workers: 2, PerTenant: 1, QueueSize: 8},
	}
	deps := Dependencies{
		Config:     config,
		Store:      f.store,
		Storage:    f.backend,
		DataAccess: f.dal,
		Applier:    f.applier,
		Clock:      f.clock,
	}
	for _, fn := range configure {
		fn(config, &deps)
	}

	manager, err := NewBackupManager(deps)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })
	f.manager = manager
	return f
}

// withAudits makes every entity fetch return one audit row
func (f *managerFixture) withAudits() *managerFixture {
	f.dal.On("FetchEntities", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]Entity{{"id": "a1", "title": "Fire exits", "created_at": testEpoch.Format(time.RFC3339)}}, nil)
	return f
}

func (f *managerFixture) create(t *testing.T, opts CreateOptions) *BackupRecord {
	t.Helper()
	record, handle, err := f.manager.CreateBackup(context.Background(), "t1", opts, tenantActor)
	require.NoError(t, err)
	require.NotNil(t, handle)
	return f.wait(t, record.ID)
}

func (f *managerFixture) wait(t *testing.T, id string) *BackupRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	record, err := f.manager.Wait(ctx, id)
	require.NoError(t, err)
	return record
}

func (f *managerFixture) tamper(key string) {
	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	f.backend.objects[key][0] ^= 0xff
}

func nightly() CreateOptions {
	return CreateOptions{Name: "nightly", IncludeData: true, Compression: CompressionTypeGzip, RetentionDays: 7}
}

func TestNewBackupManager_RequiresDependencies(t *testing.T) {
	_, err := NewBackupManager(Dependencies{Storage: newMemoryBackend("memory"), DataAccess: &MockDataAccessLayer{}})
	assert.Error(t, err)

	_, err = NewBackupManager(Dependencies{Store: NewMemoryRecordStore(), DataAccess: &MockDataAccessLayer{}})
	assert.Error(t, err)

	_, err = NewBackupManager(Dependencies{Store: NewMemoryRecordStore(), Storage: newMemoryBackend("memory")})
	assert.Error(t, err)
}

func TestBackupManager_CreateBackupCompletes(t *testing.T) {
	f := newManagerFixture(t).withAudits()

	record, handle, err := f.manager.CreateBackup(context.Background(), "t1", nightly(), tenantActor)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusPending, record.Status)
	assert.Equal(t, "t1", record.TenantID)
	assert.Equal(t, "user-1", record.CreatedBy)
	assert.Equal(t, BackupTypeFull, record.Type)

	final := f.wait(t, record.ID)
	require.NoError(t, handle.Err())

	assert.Equal(t, BackupStatusCompleted, final.Status)
	assert.NotEmpty(t, final.Checksum)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, final.CreatedAt.AddDate(0, 0, 7), final.ExpiresAt)
	assert.Equal(t, "memory://"+final.Metadata.StorageKey, final.StorageLocator)

	stored, err := f.backend.Get(context.Background(), final.StorageLocator)
	require.NoError(t, err)
	assert.Equal(t, int64(len(stored)), final.Size)
	assert.Equal(t, NewChecksumVerifier().Calculate(stored), final.Checksum)

	metrics := f.manager.Metrics().Snapshot()
	assert.Equal(t, int64(1), metrics.Backups.Success)
	assert.Equal(t, final.Size, metrics.BytesWritten)
}

func TestBackupManager_CreateBackupAppliesDefaults(t *testing.T) {
	f := newManagerFixture(t).withAudits()

	final := f.create(t, CreateOptions{Name: "defaults", IncludeData: true})
	assert.Equal(t, CompressionTypeGzip, final.Compression)
	assert.Equal(t, DefaultRetentionDays, final.RetentionDays)
	assert.Equal(t, final.CreatedAt.AddDate(0, 0, DefaultRetentionDays), final.ExpiresAt)
	f.dal.AssertNumberOfCalls(t, "FetchEntities", len(DefaultEntities))
}

func TestBackupManager_CreateBackupValidation(t *testing.T) {
	tests := []struct {
		name    string
		tenant  string
		opts    CreateOptions
		actor   Actor
		wantErr error
		message string
	}{
		{
			name:    "missing name",
			tenant:  "t1",
			opts:    CreateOptions{Name: "", IncludeData: true},
			actor:   tenantActor,
			wantErr: ErrValidation,
			message: "Backup name is required",
		},
		{
			name:    "nothing to include",
			tenant:  "t1",
			opts:    CreateOptions{Name: "empty"},
			actor:   tenantActor,
			wantErr: ErrValidation,
			message: "At least one of includeData, includeFiles or includeConfig must be set",
		},
		{
			name:    "unknown entity",
			tenant:  "t1",
			opts:    CreateOptions{Name: "n", IncludeData: true, Entities: []string{"sessions"}},
			actor:   tenantActor,
			wantErr: ErrValidation,
			message: "Unknown entity: sessions",
		},
		{
			name:    "unsupported compression",
			tenant:  "t1",
			opts:    CreateOptions{Name: "n", IncludeData: true, Compression: "brotli"},
			actor:   tenantActor,
			wantErr: ErrValidation,
			message: "Unsupported compression type",
		},
		{
			name:    "encryption without any password",
			tenant:  "t1",
			opts:    CreateOptions{Name: "n", IncludeData: true, Encryption: true},
			actor:   tenantActor,
			wantErr: ErrValidation,
			message: "Encryption requires a password or a configured fallback secret",
		},
		{
			name:    "incremental is not implemented",
			tenant:  "t1",
			opts:    CreateOptions{Name: "n", IncludeData: true, Spec: IncrementalSpec{BaseBackupID: "bkp_base"}},
			actor:   tenantActor,
			wantErr: ErrNotImplemented,
			message: "INCREMENTAL backups are not implemented",
		},
		{
			name:    "another tenant",
			tenant:  "t2",
			opts:    nightly(),
			actor:   tenantActor,
			wantErr: ErrForbidden,
		},
		{
			name:    "anonymous actor",
			tenant:  "t1",
			opts:    nightly(),
			actor:   Actor{TenantID: "t1"},
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newManagerFixture(t)

			record, handle, err := f.manager.CreateBackup(context.Background(), tt.tenant, tt.opts, tt.actor)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.message != "" {
				assert.Contains(t, err.Error(), tt.message)
			}
			assert.Nil(t, record)
			assert.Nil(t, handle)

			_, total, listErr := f.store.List(context.Background(), Scope{Privileged: true}, ListFilter{Limit: 10})
			require.NoError(t, listErr)
			assert.Zero(t, total, "no record is persisted")
		})
	}
}

func TestBackupManager_PrivilegedActorCreatesForTenant(t *testing.T) {
	f := newManagerFixture(t).withAudits()

	record, _, err := f.manager.CreateBackup(context.Background(), "t1", nightly(), superAdmin)
	require.NoError(t, err)
	assert.Equal(t, "t1", record.TenantID)
	assert.Equal(t, "ops-1", record.CreatedBy)

	final := f.wait(t, record.ID)
	assert.Equal(t, BackupStatusCompleted, final.Status)
	f.dal.AssertCalled(t, "FetchEntities", mock.Anything,
		Scope{ActorID: "ops-1", TenantID: "t1", Privileged: true}, mock.Anything, mock.Anything)
}

func TestBackupManager_StorageFailureMarksFailed(t *testing.T) {
	f := newManagerFixture(t).withAudits()
	f.backend.putErr = NewStorageError("disk full", nil)

	record, handle, err := f.manager.CreateBackup(context.Background(), "t1", nightly(), tenantActor)
	require.NoError(t, err, "pipeline errors never reach the caller")

	final := f.wait(t, record.ID)
	assert.Equal(t, BackupStatusFailed, final.Status)
	assert.Equal(t, "disk full", final.ErrorMessage)
	assert.Empty(t, final.Checksum)
	assert.ErrorIs(t, handle.Err(), &BackupError{Type: BackupErrorTypeStorage})

	assert.Equal(t, int64(1), f.manager.Metrics().Snapshot().Backups.Failed)
}

func TestBackupManager_EntityFailureIsRecordedAsWarning(t *testing.T) {
	f := newManagerFixture(t)
	f.dal.On("FetchEntities", mock.Anything, mock.Anything, "audits", mock.Anything).Return([]Entity{{"id": "a1"}}, nil)
	f.dal.On("FetchEntities", mock.Anything, mock.Anything, "permits", mock.Anything).Return(nil, errors.New("permits table locked"))

	opts := nightly()
	opts.Entities = []string{"audits", "permits"}
	final := f.create(t, opts)

	assert.Equal(t, BackupStatusCompleted, final.Status)
	require.Len(t, final.Metadata.Warnings, 1)
	assert.Contains(t, final.Metadata.Warnings[0], "permits")
}

func TestBackupManager_GetAndListRespectTenant(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	for i, tenant := range []string{"t1", "t1", "t2"} {
		record := newTestRecord(GenerateBackupID(), tenant, testEpoch.Add(time.Duration(i)*time.Hour))
		require.NoError(t, f.store.Create(ctx, record))
	}
	own := newTestRecord("bkp_own", "t1", testEpoch)
	foreign := newTestRecord("bkp_foreign", "t2", testEpoch)
	require.NoError(t, f.store.Create(ctx, own))
	require.NoError(t, f.store.Create(ctx, foreign))

	got, err := f.manager.GetBackup(ctx, "bkp_own", tenantActor)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TenantID)

	_, err = f.manager.GetBackup(ctx, "bkp_foreign", tenantActor)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.manager.GetBackup(ctx, "bkp_missing", tenantActor)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.manager.GetBackup(ctx, "", tenantActor)
	assert.ErrorIs(t, err, ErrValidation)

	got, err = f.manager.GetBackup(ctx, "bkp_foreign", superAdmin)
	require.NoError(t, err)
	assert.Equal(t, "t2", got.TenantID)

	page, err := f.manager.ListBackups(ctx, ListFilter{}, tenantActor)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, DefaultListLimit, page.Limit)
	for _, item := range page.Items {
		assert.Equal(t, "t1", item.TenantID)
	}

	_, err = f.manager.ListBackups(ctx, ListFilter{TenantID: "t2"}, tenantActor)
	assert.ErrorIs(t, err, ErrForbidden)

	page, err = f.manager.ListBackups(ctx, ListFilter{TenantID: "t2"}, superAdmin)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = f.manager.ListBackups(ctx, ListFilter{}, superAdmin)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)

	from, to := testEpoch, testEpoch.Add(-time.Hour)
	_, err = f.manager.ListBackups(ctx, ListFilter{DateFrom: &from, DateTo: &to}, tenantActor)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestBackupManager_DownloadBackup(t *testing.T) {
	f := newManagerFixture(t).withAudits()
	final := f.create(t, nightly())

	download, err := f.manager.DownloadBackup(context.Background(), final.ID, tenantActor)
	require.NoError(t, err)
	assert.Equal(t, final.ID+".json.gz", download.Filename)
	assert.Equal(t, "application/gzip", download.ContentType)
	assert.Equal(t, final.Checksum, download.Checksum)
	assert.Len(t, download.Data, int(final.Size))

	_, err = f.manager.DownloadBackup(context.Background(), final.ID, otherActor)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestBackupManager_DownloadPendingBackup(t *testing.T) {
	f := newManagerFixture(t)
	record := newTestRecord("bkp_pending", "t1", testEpoch)
	require.NoError(t, f.store.Create(context.Background(), record))

	_, err := f.manager.DownloadBackup(context.Background(), "bkp_pending", tenantActor)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "Backup is not ready for download")
	assert.Zero(t, f.backend.callCount("get"))
}

func TestBackupManager_DownloadDetectsCorruption(t *testing.T) {
	f := newManagerFixture(t).withAudits()
	final := f.create(t, nightly())
	f.tamper(final.Metadata.StorageKey)

	_, err := f.manager.DownloadBackup(context.Background(), final.ID, tenantActor)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestBackupManager_RestoreDryRun(t *testing.T) {
	f := newManagerFixture(t).withAudits()
	final := f.create(t, nightly())

	result, err := f.manager.RestoreBackup(context.Background(), RestoreOptions{
		BackupID:     final.ID,
		DryRun:       true,
		ValidateData: true,
	}, tenantActor)
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.True(t, result.Validated)
	assert.False(t, result.Applied)
	assert.Equal(t, SnapshotFormatVersion, result.FormatVersion)
	assert.Equal(t, len(DefaultEntities), len(result.EntityCounts))
	assert.Equal(t, 1, result.EntityCounts["audits"])
	f.applier.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	metrics := f.manager.Metrics().Snapshot()
	assert.Equal(t, int64(1), metrics.Restores.Success)
	assert.Equal(t, int64(1), metrics.DryRuns)
}

func TestBackupManager_RestoreNarrowsEntities(t *testing.T) {
	f := newManagerFixture(t).withAudits()
	final := f.create(t, nightly())

	result, err := f.manager.RestoreBackup(context.Background(), RestoreOptions{
		BackupID: final.ID,
		DryRun:   true,
		Entities: []string{"permits"},
	}, tenantActor)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"permits": 1}, result.EntityCounts)
}

func TestBackupManager_RestoreApplies(t *testing.T) {
	f := newManagerFixture(t).withAudits()
	final := f.create(t, nightly())
	f.applier.On("Apply", mock.Anything, Scope{ActorID: "user-1", TenantID: "t1"}, mock.Anything, true).Return(nil)

	result, err := f.manager.RestoreBackup(context.Background(), RestoreOptions{
		BackupID:          final.ID,
		OverwriteExisting: true,
	}, tenantActor)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	f.applier.AssertExpectations(t)
}

func TestBackupManager_RestoreWithDefaultApplierIsNotImplemented(t *testing.T) {
	f := newManagerFixture(t, func(_ *BackupSystemConfig, deps *Dependencies) {
		deps.Applier = nil
	}).withAudits()
	final := f.create(t, nightly())

	_, err := f.manager.RestoreBackup(context.Background(), RestoreOptions{BackupID: final.ID}, tenantActor)
	assert.ErrorIs(t, err, ErrNotImplemented)
	assert.Equal(t, int64(1), f.manager.Metrics().Snapshot().Restores.Failed)
}

func TestBackupManager_RestoreRejectsUnfinishedBackup(t *testing.T) {
	f := newManagerFixture(t)
	record := newTestRecord("bkp_pending", "t1", testEpoch)
	require.NoError(t, f.store.Create(context.Background(), record))

	_, err := f.manager.RestoreBackup(context.Background(), RestoreOptions{BackupID: "bkp_pending", DryRun: true}, tenantActor)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Backup is not ready for restore")

	_, err = f.manager.RestoreBackup(context.Background(), RestoreOptions{}, tenantActor)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestBackupManager_RestoreZipIsNotImplemented(t *testing.T) {
	f := newManagerFixture(t).withAudits()
	opts := nightly()
	opts.Compression = CompressionTypeZip
	final := f.create(t, opts)
	require.Equal(t, BackupStatusCompleted, final.Status)

	_, err := f.manager.RestoreBackup(context.Background(), RestoreOptions{BackupID: final.ID, DryRun: true}, tenantActor)
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestBackupManager_RestoreDetectsCorruptionBeforeDecrypt(t *testing.T) {
	f := newManagerFixture(t).withAudits()
	opts := nightly()
	opts.Encryption = true
	opts.Password = "correct horse"
	final := f.create(t, opts)
	f.tamper(final.Metadata.StorageKey)

	_, err := f.manager.RestoreBackup(context.Background(), RestoreOptions{
		BackupID: final.ID, DryRun: true, Password: "correct horse",
	}, tenantActor)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestBackupManager_EncryptedRoundTrip(t *testing.T) {
	f := newManagerFixture(t).withAudits()
	opts := nightly()
	opts.Encryption = true
	opts.Password = "correct horse"
	final := f.create(t, opts)

	require.Equal(t, BackupStatusCompleted, final.Status)
	assert.Equal(t, KDFArgon2id, final.Metadata.KDF)
	assert.Equal(t, PasswordSourceCaller, final.Metadata.PasswordSource)
	assert.True(t, f.backend.has(final.Metadata.StorageKey))
	assert.Contains(t, final.Metadata.StorageKey, ".json.gz.enc")

	stored, err := f.backend.Get(context.Background(), final.StorageLocator)
	require.NoError(t, err)
	assert.True(t, IsEnvelope(stored))

	result, err := f.manager.RestoreBackup(context.Background(), RestoreOptions{
		BackupID: final.ID, DryRun: true, Password: "correct horse",
	}, tenantActor)
	require.NoError(t, err)
	assert.Equal(t, 1, result.EntityCounts["audits"])

	_, err = f.manager.RestoreBackup(context.Background(), RestoreOptions{
		BackupID: final.ID, DryRun: true, Password: "wrong",
	}, tenantActor)
	assert.ErrorIs(t, err, ErrEncryption)

	_, err = f.manager.RestoreBackup(context.Background(), RestoreOptions{BackupID: final.ID, DryRun: true}, tenantActor)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Password is required to restore an encrypted backup")
}

func TestBackupManager_EncryptionFallbackSecret(t *testing.T) {
	f := newManagerFixture(t, func(config *BackupSystemConfig, _ *Dependencies) {
		config.Encryption.FallbackSecret = "platform-secret"
	}).withAudits()

	opts := nightly()
	opts.Encryption = true
	final := f.create(t, opts)

	require.Equal(t, BackupStatusCompleted, final.Status)
	assert.Equal(t, PasswordSourceFallback, final.Metadata.PasswordSource)

	_, err := f.manager.RestoreBackup(context.Background(), RestoreOptions{BackupID: final.ID, DryRun: true}, tenantActor)
	assert.NoError(t, err)
}

func TestBackupManager_DeleteBackup(t *testing.T) {
	f := newManagerFixture(t).withAudits()
	final := f.create(t, nightly())
	ctx := context.Background()

	assert.ErrorIs(t, f.manager.DeleteBackup(ctx, final.ID, otherActor), ErrForbidden)
	assert.True(t, f.backend.has(final.Metadata.StorageKey))

	require.NoError(t, f.manager.DeleteBackup(ctx, final.ID, tenantActor))
	assert.False(t, f.backend.has(final.Metadata.StorageKey))

	_, err := f.manager.GetBackup(ctx, final.ID, tenantActor)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBackupManager_DeleteToleratesMissingArtifact(t *testing.T) {
	f := newManagerFixture(t)
	record := newTestRecord("bkp_lost", "t1", testEpoch)
	record.Status = BackupStatusCompleted
	record.StorageLocator = "memory://" + record.Metadata.StorageKey
	require.NoError(t, f.store.Create(context.Background(), record))

	require.NoError(t, f.manager.DeleteBackup(context.Background(), "bkp_lost", tenantActor))
	assert.Equal(t, 1, f.backend.callCount("delete"))
}

func TestBackupManager_DeleteKeepsRecordWhenStorageFails(t *testing.T) {
	f := newManagerFixture(t).withAudits()
	final := f.create(t, nightly())
	f.backend.deleteErr = NewStorageError("bucket unavailable", nil)

	err := f.manager.DeleteBackup(context.Background(), final.ID, tenantActor)
	assert.Error(t, err)

	_, err = f.manager.GetBackup(context.Background(), final.ID, tenantActor)
	assert.NoError(t, err)
}

func TestBackupManager_DeleteInProgressConflicts(t *testing.T) {
	f := newManagerFixture(t)
	record := newTestRecord("bkp_running", "t1", testEpoch)
	record.Status = BackupStatusInProgress
	require.NoError(t, f.store.Create(context.Background(), record))

	err := f.manager.DeleteBackup(context.Background(), "bkp_running", tenantActor)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "Backup is in progress and cannot be deleted")
}

func TestBackupManager_CancelPendingBackup(t *testing.T) {
	f := newManagerFixture(t)
	record := newTestRecord("bkp_pending", "t1", testEpoch)
	require.NoError(t, f.store.Create(context.Background(), record))

	cancelled, err := f.manager.CancelBackup(context.Background(), "bkp_pending", tenantActor)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusCancelled, cancelled.Status)
	assert.Equal(t, "backup cancelled", cancelled.ErrorMessage)
	assert.Equal(t, int64(1), f.manager.Metrics().Snapshot().Cancelled)

	_, err = f.manager.CancelBackup(context.Background(), "bkp_pending", tenantActor)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "Backup is already CANCELLED")
}

func TestBackupManager_CancelRunningBackup(t *testing.T) {
	f := newManagerFixture(t)
	started := make(chan struct{})
	f.dal.On("FetchEntities", mock.Anything, mock.Anything, "audits", mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			close(started)
			<-ctx.Done()
		}).
		Return(nil, context.Canceled)

	opts := nightly()
	opts.Entities = []string{"audits"}
	record, _, err := f.manager.CreateBackup(context.Background(), "t1", opts, tenantActor)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not start")
	}

	running, err := f.manager.CancelBackup(context.Background(), record.ID, tenantActor)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusInProgress, running.Status)

	final := f.wait(t, record.ID)
	assert.Equal(t, BackupStatusFailed, final.Status)
	assert.Equal(t, "backup cancelled", final.ErrorMessage)
	assert.False(t, f.backend.has(final.Metadata.StorageKey))
}

func TestBackupManager_PanickingPipelineEndsFailed(t *testing.T) {
	f := newManagerFixture(t)
	f.dal.On("FetchEntities", mock.Anything, mock.Anything, "audits", mock.Anything).
		Run(func(mock.Arguments) { panic("driver bug") }).
		Return(nil, nil)

	opts := nightly()
	opts.Entities = []string{"audits"}
	record, handle, err := f.manager.CreateBackup(context.Background(), "t1", opts, tenantActor)
	require.NoError(t, err)

	final := f.wait(t, record.ID)
	assert.Equal(t, BackupStatusFailed, final.Status)
	assert.Equal(t, "backup pipeline panicked: driver bug", final.ErrorMessage)
	require.Error(t, handle.Err())
	assert.Equal(t, KindInternal, KindOf(handle.Err()))
	assert.Equal(t, int64(1), f.manager.Metrics().Snapshot().Backups.Failed)

	require.NoError(t, f.manager.DeleteBackup(context.Background(), record.ID, tenantActor))
	_, err = f.store.Get(context.Background(), record.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBackupManager_CancelQueuedBackupDoesNotWaitForTenantJob(t *testing.T) {
	var auditBuf bytes.Buffer
	f := newManagerFixture(t, func(_ *BackupSystemConfig, deps *Dependencies) {
		audit, err := NewBackupLogger(BackupLoggerConfig{EnableAuditLog: true, AuditWriter: &auditBuf})
		require.NoError(t, err)
		deps.Audit = audit
	})

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	f.dal.On("FetchEntities", mock.Anything, mock.Anything, "audits", mock.Anything).
		Run(func(mock.Arguments) {
			started <- struct{}{}
			<-release
		}).
		Return([]Entity{{"id": "a1"}}, nil)

	opts := nightly()
	opts.Entities = []string{"audits"}
	first, _, err := f.manager.CreateBackup(context.Background(), "t1", opts, tenantActor)
	require.NoError(t, err)
	<-started

	second, handle, err := f.manager.CreateBackup(context.Background(), "t1", opts, tenantActor)
	require.NoError(t, err)

	cancelled, err := f.manager.CancelBackup(context.Background(), second.ID, tenantActor)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusCancelled, cancelled.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	final, err := f.manager.Wait(ctx, second.ID)
	require.NoError(t, err, "wait returns while the tenant's other backup is still running")
	assert.Equal(t, BackupStatusCancelled, final.Status)
	assert.Equal(t, JobStateCancelled, handle.State())

	close(release)
	assert.Equal(t, BackupStatusCompleted, f.wait(t, first.ID).Status)
	f.dal.AssertNumberOfCalls(t, "FetchEntities", 1)

	var closing map[string]interface{}
	for _, entry := range auditEntries(t, &auditBuf) {
		if entry["backup_id"] == second.ID && entry["operation"] == "backup_create" && entry["result"] != "started" {
			closing = entry
		}
	}
	require.NotNil(t, closing, "cancelled backup has a closing audit entry")
	assert.Equal(t, "failure", closing["result"])
	details := closing["details"].(map[string]interface{})
	assert.Contains(t, details["error"], "backup cancelled before it started")
	assert.Equal(t, string(BackupStatusCancelled), details["status"])
}

func TestBackupManager_CleanupExpiredBackups(t *testing.T) {
	backend := &selectiveDeleteBackend{memoryBackend: newMemoryBackend("memory")}
	f := newManagerFixture(t, func(_ *BackupSystemConfig, deps *Dependencies) {
		deps.Storage = backend
	})
	ctx := context.Background()

	stored := func(id string, createdAt time.Time) *BackupRecord {
		record := newTestRecord(id, "t1", createdAt)
		record.Status = BackupStatusCompleted
		locator, err := backend.Put(ctx, record.Metadata.StorageKey, []byte(id))
		require.NoError(t, err)
		record.StorageLocator = locator
		require.NoError(t, f.store.Create(ctx, record))
		return record
	}

	old := testEpoch.AddDate(0, 0, -40)
	stored("bkp_expired_1", old)
	stored("bkp_expired_2", old.Add(time.Hour))
	broken := stored("bkp_expired_3", old.Add(2*time.Hour))
	fresh := stored("bkp_fresh", testEpoch.AddDate(0, 0, -1))
	backend.failLocator = broken.StorageLocator

	running := newTestRecord("bkp_running", "t1", old)
	running.Status = BackupStatusInProgress
	require.NoError(t, f.store.Create(ctx, running))

	result, err := f.manager.CleanupExpiredBackups(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, result.DeletedCount)
	assert.Equal(t, 3, result.Scanned)
	assert.Contains(t, result.Failed, "bkp_expired_3")
	assert.NotContains(t, result.Failed, "bkp_running")

	_, err = f.store.Get(ctx, running.ID)
	assert.NoError(t, err, "running backup is left alone")

	_, err = f.store.Get(ctx, fresh.ID)
	assert.NoError(t, err, "non-expired record remains")
	assert.True(t, backend.has(fresh.Metadata.StorageKey))

	_, err = f.store.Get(ctx, broken.ID)
	assert.NoError(t, err, "record whose artifact could not be deleted remains")

	metrics := f.manager.Metrics().Snapshot()
	assert.Equal(t, int64(2), metrics.ExpiredDeleted)
	assert.Equal(t, int64(1), metrics.ExpiredFailed)
}

// selectiveDeleteBackend fails deletes of a single locator
type selectiveDeleteBackend struct {
	*memoryBackend
	failLocator string
}

func (b *selectiveDeleteBackend) Delete(ctx context.Context, locator string) error {
	if locator == b.failLocator {
		return NewStorageError("object is under legal hold", nil)
	}
	return b.memoryBackend.Delete(ctx, locator)
}
