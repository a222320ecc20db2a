package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"compliance-backup/internal/logging"
)

const retentionActorID = "retention"

// BackupDeleter removes one expired backup through the regular deletion path
type BackupDeleter interface {
	DeleteExpired(ctx context.Context, record *BackupRecord) error
}

// RetentionManager sweeps expired backups
type RetentionManager struct {
	store    RecordStore
	deleter  BackupDeleter
	clock    Clock
	logger   *logging.Logger
	audit    *BackupLogger
	metrics  *MetricsCollector
	lockPath string
}

// NewRetentionManager creates a retention manager
func NewRetentionManager(store RecordStore, deleter BackupDeleter, clock Clock, logger *logging.Logger) *RetentionManager {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &RetentionManager{store: store, deleter: deleter, clock: clock, logger: logger}
}

// WithObservers attaches the audit trail and metrics
func (rm *RetentionManager) WithObservers(audit *BackupLogger, metrics *MetricsCollector) *RetentionManager {
	rm.audit = audit
	rm.metrics = metrics
	return rm
}

// WithLockFile makes every sweep hold an exclusive file lock at path so
// overlapping triggers from several processes skip instead of racing
func (rm *RetentionManager) WithLockFile(path string) *RetentionManager {
	rm.lockPath = path
	return rm
}

// CleanupExpiredBackups deletes every record whose expiry is at or before
// now. Failures are collected per record and do not stop the sweep.
func (rm *RetentionManager) CleanupExpiredBackups(ctx context.Context) (result *CleanupResult, err error) {
	if rm.audit != nil {
		finish := rm.audit.LogRetentionCleanup(ctx)
		defer func() { finish(err, result) }()
	}
	if rm.metrics != nil {
		defer func() { rm.metrics.RecordCleanup(result, err) }()
	}

	if rm.lockPath != "" {
		unlock, err := rm.lock()
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	start := time.Now()
	now := rm.clock.Now()
	expired, err := rm.store.ListExpired(ctx, now)
	if err != nil {
		return nil, err
	}

	result = &CleanupResult{Scanned: len(expired), Failed: make(map[string]string)}
	for _, record := range expired {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
		if !record.IsExpired(now) {
			continue
		}

		if err := rm.deleter.DeleteExpired(ctx, record); err != nil {
			result.Failed[record.ID] = err.Error()
			rm.logger.WithFields(map[string]interface{}{
				"backup_id": record.ID,
				"tenant_id": record.TenantID,
				"error":     err.Error(),
			}).Warn("Failed to delete expired backup")
			continue
		}
		result.DeletedCount++
		rm.logBackupCleanup(record, now)
	}

	result.Duration = time.Since(start)
	rm.logger.WithFields(map[string]interface{}{
		"deleted": result.DeletedCount,
		"failed":  len(result.Failed),
		"scanned": result.Scanned,
	}).Info("Retention sweep completed")
	return result, nil
}

// ScheduleCleanup runs a sweep every interval until ctx is done
func (rm *RetentionManager) ScheduleCleanup(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return NewConfigurationError("cleanup interval must be positive", nil)
	}

	rm.logger.Info(fmt.Sprintf("Scheduling automatic cleanup every %v", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rm.logger.Info("Cleanup scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			result, err := rm.CleanupExpiredBackups(ctx)
			if err != nil {
				rm.logger.Error(fmt.Sprintf("Scheduled cleanup failed: %v", err))
				continue
			}
			rm.logger.Info(fmt.Sprintf("Scheduled cleanup completed: %d deleted, %d failed",
				result.DeletedCount, len(result.Failed)))
		}
	}
}

func (rm *RetentionManager) lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(rm.lockPath), 0750); err != nil {
		return nil, NewConfigurationError("failed to create cleanup lock directory", err)
	}
	fileLock := flock.New(rm.lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, NewInternalError("failed to acquire cleanup lock", err)
	}
	if !locked {
		return nil, NewConflictError("another retention sweep is running", nil).WithContext("lock_file", rm.lockPath)
	}
	return func() {
		if err := fileLock.Unlock(); err != nil {
			rm.logger.Warnf("Failed to release cleanup lock: %v", err)
		}
	}, nil
}

func (rm *RetentionManager) logBackupCleanup(record *BackupRecord, now time.Time) {
	rm.logger.WithFields(map[string]interface{}{
		"backup_id":  record.ID,
		"tenant_id":  record.TenantID,
		"created_at": record.CreatedAt.Format(time.RFC3339),
		"expires_at": record.ExpiresAt.Format(time.RFC3339),
		"size":       record.Size,
		"age_days":   int(now.Sub(record.CreatedAt).Hours() / 24),
	}).Info("Expired backup deleted")
}
