package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"compliance-backup/internal/logging"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BackupLogger writes operational logs for backup operations and, when
// enabled, a JSON compliance audit trail
type BackupLogger struct {
	logger        *logging.Logger
	auditLogger   *logrus.Logger
	auditCloser   io.Closer
	correlationID string
}

// BackupLoggerConfig holds configuration for backup logging
type BackupLoggerConfig struct {
	Logger         *logging.Logger
	AuditLogFile   string
	EnableAuditLog bool
	CorrelationID  string
	// AuditWriter overrides AuditLogFile
	AuditWriter io.Writer
}

// AuditLogEntry is one record of the compliance trail
type AuditLogEntry struct {
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	RequestID     string                 `json:"request_id,omitempty"`
	ActorID       string                 `json:"actor_id,omitempty"`
	TenantID      string                 `json:"tenant_id,omitempty"`
	Operation     string                 `json:"operation"`
	BackupID      string                 `json:"backup_id,omitempty"`
	Result        string                 `json:"result"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// NewBackupLogger creates a backup logger with a fresh correlation ID
// unless one is given
func NewBackupLogger(config BackupLoggerConfig) (*BackupLogger, error) {
	correlationID := config.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	if config.Logger == nil {
		config.Logger = logging.NewDiscardLogger()
	}

	bl := &BackupLogger{
		logger:        config.Logger,
		correlationID: correlationID,
	}
	if !config.EnableAuditLog {
		return bl, nil
	}

	out := config.AuditWriter
	if out == nil {
		if config.AuditLogFile == "" {
			return nil, NewConfigurationError("audit log file is required when auditing is enabled", nil)
		}
		if err := os.MkdirAll(filepath.Dir(config.AuditLogFile), 0750); err != nil {
			return nil, NewConfigurationError("failed to create audit log directory", err)
		}
		file, err := os.OpenFile(config.AuditLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, NewConfigurationError("failed to open audit log file", err)
		}
		out = file
		bl.auditCloser = file
	}

	auditLogger := logrus.New()
	auditLogger.SetOutput(out)
	auditLogger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	auditLogger.SetLevel(logrus.InfoLevel)
	bl.auditLogger = auditLogger

	return bl, nil
}

// CorrelationID returns the current correlation ID
func (bl *BackupLogger) CorrelationID() string {
	return bl.correlationID
}

// WithCorrelationID returns a logger sharing outputs under another correlation ID
func (bl *BackupLogger) WithCorrelationID(correlationID string) *BackupLogger {
	return &BackupLogger{
		logger:        bl.logger,
		auditLogger:   bl.auditLogger,
		correlationID: correlationID,
	}
}

// Close releases the audit file
func (bl *BackupLogger) Close() error {
	if bl.auditCloser == nil {
		return nil
	}
	return bl.auditCloser.Close()
}

// LogBackupCreate records a create request and returns a closure for the
// pipeline outcome
func (bl *BackupLogger) LogBackupCreate(ctx context.Context, scope Scope, record *BackupRecord) func(error, *BackupRecord) {
	finish := bl.track(ctx, "backup_create", scope, record.ID, map[string]interface{}{
		"name":        record.Name,
		"type":        string(record.Type),
		"compression": string(record.Compression),
		"encryption":  record.Encryption,
		"retention":   record.RetentionDays,
	})

	return func(err error, final *BackupRecord) {
		details := map[string]interface{}{}
		if final != nil {
			details["status"] = string(final.Status)
			details["size"] = final.Size
			details["checksum"] = final.Checksum
			if final.Metadata.RemoteLocator != "" {
				details["remote_locator"] = final.Metadata.RemoteLocator
			}
			if len(final.Metadata.Warnings) > 0 {
				details["warnings"] = final.Metadata.Warnings
			}
		}
		finish(err, details)
	}
}

// LogRestore records a restore request
func (bl *BackupLogger) LogRestore(ctx context.Context, scope Scope, opts RestoreOptions) func(error, *RestoreResult) {
	finish := bl.track(ctx, "backup_restore", scope, opts.BackupID, map[string]interface{}{
		"dry_run":            opts.DryRun,
		"validate_data":      opts.ValidateData,
		"overwrite_existing": opts.OverwriteExisting,
		"entities":           opts.Entities,
	})

	return func(err error, result *RestoreResult) {
		details := map[string]interface{}{}
		if result != nil {
			details["entity_counts"] = result.EntityCounts
			details["file_count"] = result.FileCount
			details["applied"] = result.Applied
		}
		finish(err, details)
	}
}

// LogDeletion records the removal of a backup
func (bl *BackupLogger) LogDeletion(ctx context.Context, scope Scope, backupID, reason string) func(error) {
	finish := bl.track(ctx, "backup_delete", scope, backupID, map[string]interface{}{"reason": reason})
	return func(err error) { finish(err, nil) }
}

// LogDownload records an artifact download
func (bl *BackupLogger) LogDownload(ctx context.Context, scope Scope, backupID string) func(error) {
	finish := bl.track(ctx, "backup_download", scope, backupID, nil)
	return func(err error) { finish(err, nil) }
}

// LogRetentionCleanup records one retention sweep
func (bl *BackupLogger) LogRetentionCleanup(ctx context.Context) func(error, *CleanupResult) {
	finish := bl.track(ctx, "retention_cleanup", Scope{ActorID: "system", Privileged: true}, "", nil)
	return func(err error, result *CleanupResult) {
		details := map[string]interface{}{}
		if result != nil {
			details["deleted_count"] = result.DeletedCount
			details["scanned"] = result.Scanned
			details["failed"] = len(result.Failed)
		}
		finish(err, details)
	}
}

func (bl *BackupLogger) track(ctx context.Context, operation string, scope Scope, backupID string, details map[string]interface{}) func(error, map[string]interface{}) {
	start := time.Now()
	fields := map[string]interface{}{
		"correlation_id": bl.correlationID,
		"operation":      operation,
		"tenant_id":      scope.TenantID,
		"actor_id":       scope.ActorID,
	}
	if backupID != "" {
		fields["backup_id"] = backupID
	}
	bl.logger.WithFields(fields).Debug("Backup operation started")
	bl.audit(ctx, operation, scope, backupID, "started", details)

	return func(err error, extra map[string]interface{}) {
		merged := make(map[string]interface{}, len(details)+len(extra)+1)
		for k, v := range details {
			merged[k] = v
		}
		for k, v := range extra {
			merged[k] = v
		}
		merged["duration"] = time.Since(start).String()

		entry := bl.logger.WithFields(fields).WithField("duration", merged["duration"])
		result := "success"
		if err != nil {
			result = "failure"
			merged["error"] = err.Error()
			entry.WithField("error", err.Error()).Error("Backup operation failed")
		} else {
			entry.Info("Backup operation completed")
		}
		bl.audit(ctx, operation, scope, backupID, result, merged)
	}
}

func (bl *BackupLogger) audit(ctx context.Context, operation string, scope Scope, backupID, result string, details map[string]interface{}) {
	if bl.auditLogger == nil {
		return
	}

	entry := AuditLogEntry{
		Timestamp:     time.Now().UTC(),
		CorrelationID: bl.correlationID,
		RequestID:     logging.GetRequestIDFromContext(ctx),
		ActorID:       scope.ActorID,
		TenantID:      scope.TenantID,
		Operation:     operation,
		BackupID:      backupID,
		Result:        result,
		Details:       details,
	}

	bl.auditLogger.WithFields(logrus.Fields{
		"correlation_id": entry.CorrelationID,
		"request_id":     entry.RequestID,
		"actor_id":       entry.ActorID,
		"tenant_id":      entry.TenantID,
		"operation":      entry.Operation,
		"backup_id":      entry.BackupID,
		"result":         entry.Result,
		"details":        entry.Details,
	}).Info(fmt.Sprintf("audit %s %s", entry.Operation, entry.Result))
}
