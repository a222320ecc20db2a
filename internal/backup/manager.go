package backup

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"compliance-backup/internal/logging"
)

// Dependencies wires a BackupManager. Store, Storage and DataAccess are
// required; everything else has a default.
type Dependencies struct {
	Config     *BackupSystemConfig
	Store      RecordStore
	Storage    StorageBackend
	DataAccess DataAccessLayer
	Applier    Applier
	Authorizer *Authorizer
	Logger     *logging.Logger
	Audit      *BackupLogger
	Metrics    *MetricsCollector
	Clock      Clock
}

// mirroredPutter is implemented by backends that keep a remote replica
type mirroredPutter interface {
	PutMirrored(ctx context.Context, key string, data []byte) (string, string, error)
}

// BackupManager orchestrates backup creation, access, restore and retention
type BackupManager struct {
	config      *BackupSystemConfig
	store       RecordStore
	storage     StorageBackend
	serializer  *DataSerializer
	compression *CompressionManager
	encryption  *EncryptionCodec
	checksum    *ChecksumVerifier
	jobs        *JobQueue
	authz       *Authorizer
	restorer    *RestoreEngine
	retention   *RetentionManager
	logger      *logging.Logger
	audit       *BackupLogger
	metrics     *MetricsCollector
	clock       Clock
}

var _ BackupService = (*BackupManager)(nil)

// NewBackupManager creates a manager and starts its worker pool
func NewBackupManager(deps Dependencies) (*BackupManager, error) {
	if deps.Store == nil {
		return nil, NewConfigurationError("record store is required", nil)
	}
	if deps.Storage == nil {
		return nil, NewConfigurationError("storage backend is required", nil)
	}
	if deps.DataAccess == nil {
		return nil, NewConfigurationError("data access layer is required", nil)
	}

	config := GenerateDefaultConfig()
	if deps.Config != nil {
		copied := *deps.Config
		copied.SetDefaults()
		config = &copied
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewDiscardLogger()
	}
	if deps.Audit == nil {
		audit, err := NewBackupLogger(BackupLoggerConfig{Logger: deps.Logger})
		if err != nil {
			return nil, err
		}
		deps.Audit = audit
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetricsCollector()
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Authorizer == nil {
		deps.Authorizer = NewAuthorizer()
	}
	if deps.Applier == nil {
		deps.Applier = NotImplementedApplier{}
	}

	m := &BackupManager{
		config:      config,
		store:       deps.Store,
		storage:     deps.Storage,
		serializer:  NewDataSerializer(deps.DataAccess, config.Serializer.Entities, deps.Logger),
		compression: NewCompressionManager(),
		encryption:  NewEncryptionCodec(config.Encryption.KDF),
		checksum:    NewChecksumVerifier(),
		jobs:        NewJobQueue(config.Jobs, deps.Logger),
		authz:       deps.Authorizer,
		logger:      deps.Logger,
		audit:       deps.Audit,
		metrics:     deps.Metrics,
		clock:       deps.Clock,
	}
	m.restorer = &RestoreEngine{
		store:          m.store,
		storage:        m.storage,
		compression:    m.compression,
		encryption:     m.encryption,
		checksum:       m.checksum,
		applier:        deps.Applier,
		fallbackSecret: config.Encryption.FallbackSecret,
		logger:         m.logger,
	}
	m.retention = NewRetentionManager(m.store, m, m.clock, m.logger).WithObservers(m.audit, m.metrics)
	if config.Retention.LockFile != "" {
		m.retention.WithLockFile(config.Retention.LockFile)
	}
	return m, nil
}

// Metrics returns the manager's collector
func (m *BackupManager) Metrics() *MetricsCollector { return m.metrics }

// Retention returns the retention manager bound to this orchestrator
func (m *BackupManager) Retention() *RetentionManager { return m.retention }

// CreateBackup validates opts, persists a PENDING record and queues the
// pipeline. The record is returned before the pipeline runs.
func (m *BackupManager) CreateBackup(ctx context.Context, tenantID string, opts CreateOptions, actor Actor) (*BackupRecord, *JobHandle, error) {
	scope, err := m.authorize(actor, tenantID)
	if err != nil {
		return nil, nil, err
	}

	opts.ApplyDefaults(m.config.Retention.DefaultDays)
	if err := m.validateCreate(&opts); err != nil {
		return nil, nil, err
	}

	record := NewBackupRecord(GenerateBackupID(), opts, scope.ActorID, scope.TenantID, m.clock.Now())
	if opts.Encryption {
		record.Metadata.KDF = KDFArgon2id
		record.Metadata.PasswordSource = PasswordSourceCaller
		if opts.Password == "" {
			record.Metadata.PasswordSource = PasswordSourceFallback
		}
	}

	if err := m.store.Create(ctx, record); err != nil {
		return nil, nil, err
	}
	finish := m.audit.LogBackupCreate(ctx, scope, record)

	handle, err := m.jobs.SubmitWithCancel(scope.TenantID, record.ID, func(jobCtx context.Context) error {
		final, err := m.runBackup(jobCtx, scope, record.ID, opts)
		finish(err, final)
		return err
	}, func(cause error) {
		final, _ := m.store.Get(context.WithoutCancel(ctx), record.ID)
		finish(NewInternalError("backup cancelled before it started", cause), final)
	})
	if err != nil {
		m.markFailed(ctx, record.ID, err)
		finish(err, nil)
		return nil, nil, err
	}

	m.logger.WithFields(map[string]interface{}{
		"backup_id": record.ID,
		"tenant_id": record.TenantID,
		"actor_id":  record.CreatedBy,
	}).Info("Backup queued")
	return record, handle, nil
}

func (m *BackupManager) validateCreate(opts *CreateOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	var errs ValidationErrors
	for _, entity := range opts.Entities {
		if !m.serializer.Supports(entity) {
			errs.Add("entities", fmt.Sprintf("Unknown entity: %s", entity), entity)
		}
	}
	if opts.Encryption && opts.Password == "" && m.config.Encryption.FallbackSecret == "" {
		errs.Add("password", "Encryption requires a password or a configured fallback secret", nil)
	}
	if errs.HasErrors() {
		return errs.AsBackupError()
	}

	if opts.BackupType() != BackupTypeFull {
		return NewNotImplementedError(fmt.Sprintf("%s backups are not implemented", opts.BackupType()))
	}
	return nil
}

// runBackup runs processBackup and marks the record FAILED when the
// pipeline panics
func (m *BackupManager) runBackup(ctx context.Context, scope Scope, id string, opts CreateOptions) (final *BackupRecord, err error) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = NewInternalError(fmt.Sprintf("backup pipeline panicked: %v", r), nil)
			m.logger.WithFields(map[string]interface{}{
				"backup_id": id,
				"panic":     fmt.Sprint(r),
			}).Error("Backup pipeline panicked")

			final = m.markFailed(context.WithoutCancel(ctx), id, err)
			m.metrics.RecordBackup(BackupStatusFailed, time.Since(started), 0, 0)
		}
	}()
	return m.processBackup(ctx, scope, id, opts)
}

// processBackup runs the pipeline for one record. Record updates use a
// context detached from cancellation so a cancelled job still lands in FAILED.
func (m *BackupManager) processBackup(ctx context.Context, scope Scope, id string, opts CreateOptions) (*BackupRecord, error) {
	started := time.Now()
	persistCtx := context.WithoutCancel(ctx)

	record, err := m.store.Update(persistCtx, id, func(r *BackupRecord) error {
		return r.TransitionTo(BackupStatusInProgress, m.clock.Now())
	})
	if err != nil {
		// cancelled or deleted while queued
		return nil, err
	}

	fail := func(stage string, err error) (*BackupRecord, error) {
		if ctx.Err() != nil {
			err = NewInternalError("backup cancelled", ctx.Err())
		}
		m.logger.WithFields(map[string]interface{}{
			"backup_id": id,
			"stage":     stage,
			"error":     err.Error(),
		}).Error("Backup pipeline failed")

		final := m.markFailed(persistCtx, id, err)
		m.metrics.RecordBackup(BackupStatusFailed, time.Since(started), 0, 0)
		return final, err
	}

	stageStart := time.Now()
	snapshot, err := m.serializer.Snapshot(ctx, scope, opts, m.clock.Now())
	if err != nil {
		return fail("serialize", err)
	}
	document, err := m.serializer.Marshal(snapshot)
	if err != nil {
		return fail("serialize", err)
	}
	m.logger.LogPipelineStage(id, "serialize", 0, len(document), time.Since(stageStart))

	stageStart = time.Now()
	compressor, err := m.compression.GetCompressor(record.Compression)
	if err != nil {
		return fail("compress", err)
	}
	payload, stats, err := m.compression.Compress(document, record.Compression, compressor.DefaultLevel())
	if err != nil {
		return fail("compress", err)
	}
	m.logger.LogPipelineStage(id, "compress", len(document), len(payload), time.Since(stageStart))

	if record.Encryption {
		stageStart = time.Now()
		password := opts.Password
		if password == "" {
			password = m.config.Encryption.FallbackSecret
		}
		sealed, _, err := m.encryption.Encrypt(payload, password)
		if err != nil {
			return fail("encrypt", err)
		}
		m.logger.LogPipelineStage(id, "encrypt", len(payload), len(sealed), time.Since(stageStart))
		payload = sealed
	}

	checksum := m.checksum.Calculate(payload)

	if err := ctx.Err(); err != nil {
		return fail("store", err)
	}
	stageStart = time.Now()
	var locator, replica string
	if mirrored, ok := m.storage.(mirroredPutter); ok {
		locator, replica, err = mirrored.PutMirrored(ctx, record.Metadata.StorageKey, payload)
	} else {
		locator, err = m.storage.Put(ctx, record.Metadata.StorageKey, payload)
	}
	if err != nil {
		return fail("store", err)
	}
	m.logger.LogPipelineStage(id, "store", len(payload), len(payload), time.Since(stageStart))

	final, err := m.store.Update(persistCtx, id, func(r *BackupRecord) error {
		if err := r.TransitionTo(BackupStatusCompleted, m.clock.Now()); err != nil {
			return err
		}
		r.Size = int64(len(payload))
		r.Checksum = checksum
		r.StorageLocator = locator
		r.Metadata.RemoteLocator = replica
		r.Metadata.Warnings = snapshot.Metadata.Warnings
		return nil
	})
	if err != nil {
		if delErr := m.storage.Delete(persistCtx, locator); delErr != nil && !errors.Is(delErr, ErrNotFound) {
			m.logger.WithField("locator", locator).Warnf("Failed to remove orphaned artifact: %v", delErr)
		}
		return fail("finalize", err)
	}

	m.metrics.RecordBackup(BackupStatusCompleted, time.Since(started), final.Size, stats.CompressionRatio)
	return final, nil
}

// markFailed moves the record to FAILED with cause's message
func (m *BackupManager) markFailed(ctx context.Context, id string, cause error) *BackupRecord {
	message := cause.Error()
	var backupErr *BackupError
	if errors.As(cause, &backupErr) {
		message = backupErr.Message
	}

	final, err := m.store.Update(ctx, id, func(r *BackupRecord) error {
		if err := r.TransitionTo(BackupStatusFailed, m.clock.Now()); err != nil {
			return err
		}
		r.ErrorMessage = message
		return nil
	})
	if err != nil {
		m.logger.WithField("backup_id", id).Errorf("Failed to mark backup as failed: %v", err)
		return nil
	}
	return final
}

// GetBackup returns one record visible to actor
func (m *BackupManager) GetBackup(ctx context.Context, id string, actor Actor) (*BackupRecord, error) {
	_, record, err := m.load(ctx, id, actor)
	return record, err
}

// ListBackups returns one page of records visible to actor
func (m *BackupManager) ListBackups(ctx context.Context, filter ListFilter, actor Actor) (*Page, error) {
	scope, err := m.authz.ScopeFor(actor)
	if err != nil {
		return nil, err
	}
	if filter.TenantID != "" {
		if _, err := scope.ForTenant(filter.TenantID); err != nil {
			return nil, err
		}
	}
	if filter.DateFrom != nil && filter.DateTo != nil && filter.DateFrom.After(*filter.DateTo) {
		return nil, NewValidationError("dateFrom must not be after dateTo", nil)
	}

	filter.Normalize()
	items, total, err := m.store.List(ctx, scope, filter)
	if err != nil {
		return nil, err
	}
	return &Page{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// DownloadBackup returns the stored artifact of a COMPLETED backup after
// re-verifying its checksum
func (m *BackupManager) DownloadBackup(ctx context.Context, id string, actor Actor) (download *Download, err error) {
	scope, record, err := m.load(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	finish := m.audit.LogDownload(ctx, scope, id)
	defer func() { finish(err) }()

	if !record.IsReady() {
		return nil, NewValidationError("Backup is not ready for download", nil).
			WithContext("status", string(record.Status))
	}

	data, err := m.storage.Get(ctx, record.StorageLocator)
	if err != nil {
		return nil, err
	}
	if err := m.checksum.VerifyOrError(data, record.Checksum); err != nil {
		return nil, err
	}

	return &Download{
		Filename:    path.Base(record.Metadata.StorageKey),
		ContentType: ContentTypeFor(record.Compression, record.Encryption),
		Checksum:    record.Checksum,
		Data:        data,
	}, nil
}

// DeleteBackup removes the artifact and then the record
func (m *BackupManager) DeleteBackup(ctx context.Context, id string, actor Actor) error {
	scope, record, err := m.load(ctx, id, actor)
	if err != nil {
		return err
	}
	return m.deleteRecord(ctx, scope, record, "requested")
}

// deleteRecord is the single deletion path shared with the retention sweep.
// A missing artifact is tolerated; any other storage failure keeps the record.
func (m *BackupManager) deleteRecord(ctx context.Context, scope Scope, record *BackupRecord, reason string) (err error) {
	finish := m.audit.LogDeletion(ctx, scope, record.ID, reason)
	defer func() { finish(err) }()

	switch record.Status {
	case BackupStatusInProgress:
		return NewConflictError("Backup is in progress and cannot be deleted", nil).WithContext("backup_id", record.ID)
	case BackupStatusPending:
		if handle, ok := m.jobs.Handle(record.ID); ok {
			handle.Cancel()
		}
	}

	if record.StorageLocator != "" {
		if err := m.storage.Delete(ctx, record.StorageLocator); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	if err := m.store.Delete(ctx, record.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// CancelBackup cancels a PENDING or IN_PROGRESS backup. A pending backup
// becomes CANCELLED; a running one is interrupted and ends FAILED.
func (m *BackupManager) CancelBackup(ctx context.Context, id string, actor Actor) (*BackupRecord, error) {
	_, record, err := m.load(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	handle, hasHandle := m.jobs.Handle(id)
	if record.Status == BackupStatusPending {
		updated, err := m.store.Update(ctx, id, func(r *BackupRecord) error {
			if err := r.TransitionTo(BackupStatusCancelled, m.clock.Now()); err != nil {
				return err
			}
			r.ErrorMessage = "backup cancelled"
			return nil
		})
		if err == nil {
			if hasHandle {
				handle.Cancel()
			}
			m.metrics.RecordBackup(BackupStatusCancelled, 0, 0, 0)
			return updated, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		// the worker picked it up in the meantime
		if record, err = m.store.Get(ctx, id); err != nil {
			return nil, err
		}
	}

	if record.Status != BackupStatusInProgress {
		return nil, NewConflictError(fmt.Sprintf("Backup is already %s", record.Status), nil).
			WithContext("backup_id", id)
	}
	if hasHandle {
		handle.Cancel()
	}
	return record, nil
}

// Wait blocks until the backup's job has finished, then returns the record
func (m *BackupManager) Wait(ctx context.Context, id string) (*BackupRecord, error) {
	if handle, ok := m.jobs.Handle(id); ok {
		select {
		case <-handle.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.store.Get(ctx, id)
}

// RestoreBackup validates a COMPLETED backup and, unless dry-running,
// applies it
func (m *BackupManager) RestoreBackup(ctx context.Context, opts RestoreOptions, actor Actor) (result *RestoreResult, err error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	scope, record, err := m.load(ctx, opts.BackupID, actor)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	finish := m.audit.LogRestore(ctx, scope, opts)
	defer func() {
		finish(err, result)
		m.metrics.RecordRestore(err == nil, opts.DryRun, time.Since(started))
	}()

	restoreScope, err := scope.ForTenant(record.TenantID)
	if err != nil {
		return nil, err
	}
	return m.restorer.Restore(ctx, restoreScope, record, opts)
}

// CleanupExpiredBackups deletes every expired backup, best effort
func (m *BackupManager) CleanupExpiredBackups(ctx context.Context) (*CleanupResult, error) {
	return m.retention.CleanupExpiredBackups(ctx)
}

// DeleteExpired removes an expired record through the regular deletion path
func (m *BackupManager) DeleteExpired(ctx context.Context, record *BackupRecord) error {
	scope := Scope{ActorID: retentionActorID, TenantID: record.TenantID, Privileged: true}
	return m.deleteRecord(ctx, scope, record, "expired")
}

// Shutdown stops the worker pool and closes the audit trail
func (m *BackupManager) Shutdown(ctx context.Context) error {
	err := m.jobs.Shutdown(ctx)
	if closeErr := m.audit.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// authorize builds the actor's scope narrowed to tenantID
func (m *BackupManager) authorize(actor Actor, tenantID string) (Scope, error) {
	scope, err := m.authz.ScopeFor(actor)
	if err != nil {
		return Scope{}, err
	}
	return scope.ForTenant(tenantID)
}

// load fetches a record and checks the actor may see it
func (m *BackupManager) load(ctx context.Context, id string, actor Actor) (Scope, *BackupRecord, error) {
	scope, err := m.authz.ScopeFor(actor)
	if err != nil {
		return Scope{}, nil, err
	}
	if id == "" {
		return Scope{}, nil, NewValidationError("Backup ID is required", nil)
	}
	record, err := m.store.Get(ctx, id)
	if err != nil {
		return Scope{}, nil, err
	}
	if err := scope.Check(record); err != nil {
		return Scope{}, nil, err
	}
	return scope, record, nil
}
