package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"compliance-backup/internal/logging"
)

// SchemaStatements creates the tables used by SQLRecordStore
var SchemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS backups (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	tenant_id VARCHAR(64) NOT NULL,
	name VARCHAR(255) NOT NULL,
	description TEXT NOT NULL,
	type VARCHAR(16) NOT NULL,
	status VARCHAR(16) NOT NULL,
	size BIGINT NOT NULL DEFAULT 0,
	storage_locator VARCHAR(1024) NOT NULL DEFAULT '',
	checksum CHAR(64) NOT NULL DEFAULT '',
	compression VARCHAR(8) NOT NULL,
	encryption TINYINT(1) NOT NULL DEFAULT 0,
	entities JSON NOT NULL,
	date_from DATETIME(6) NULL,
	date_to DATETIME(6) NULL,
	retention_days INT NOT NULL,
	expires_at DATETIME(6) NOT NULL,
	created_by VARCHAR(64) NOT NULL,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	completed_at DATETIME(6) NULL,
	error_message TEXT NOT NULL,
	metadata JSON NOT NULL,
	KEY idx_backups_tenant_created (tenant_id, created_at),
	KEY idx_backups_expires (expires_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

const recordColumns = "id, tenant_id, name, description, type, status, size, storage_locator, checksum, " +
	"compression, encryption, entities, date_from, date_to, retention_days, expires_at, created_by, " +
	"created_at, updated_at, completed_at, error_message, metadata"

// SQLRecordStore persists records in MySQL
type SQLRecordStore struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewSQLRecordStore wraps an open connection pool
func NewSQLRecordStore(db *sql.DB, logger *logging.Logger) *SQLRecordStore {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &SQLRecordStore{db: db, logger: logger}
}

// Create inserts a new record
func (s *SQLRecordStore) Create(ctx context.Context, record *BackupRecord) error {
	if record == nil || record.ID == "" {
		return NewValidationError("record ID is required", nil)
	}

	args, err := recordArgs(record)
	if err != nil {
		return err
	}

	query := "INSERT INTO backups (" + recordColumns + ") VALUES (" + placeholders(len(args)) + ")"
	start := time.Now()
	_, err = s.db.ExecContext(ctx, query, args...)
	s.logger.LogQuery(query, record.TenantID, time.Since(start), 1, err)
	if err != nil {
		return NewDatabaseError("failed to insert backup record", err).WithContext("backup_id", record.ID)
	}
	return nil
}

// Get loads one record
func (s *SQLRecordStore) Get(ctx context.Context, id string) (*BackupRecord, error) {
	query := "SELECT " + recordColumns + " FROM backups WHERE id = ?"
	start := time.Now()
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	s.logger.LogQuery(query, "", time.Since(start), 1, err)
	return record, s.wrapLookupError(err, id)
}

// Update locks the row, applies mutate and writes the mutable columns back
func (s *SQLRecordStore) Update(ctx context.Context, id string, mutate func(*BackupRecord) error) (*BackupRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewDatabaseError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	current, err := scanRecord(tx.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM backups WHERE id = ? FOR UPDATE", id))
	if err != nil {
		return nil, s.wrapLookupError(err, id)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkUpdate(current, next); err != nil {
		return nil, err
	}

	metadata, err := json.Marshal(next.Metadata)
	if err != nil {
		return nil, NewInternalError("failed to encode record metadata", err)
	}

	query := `UPDATE backups SET status = ?, size = ?, storage_locator = ?, checksum = ?,
	updated_at = ?, completed_at = ?, error_message = ?, metadata = ? WHERE id = ?`
	start := time.Now()
	_, err = tx.ExecContext(ctx, query,
		next.Status, next.Size, next.StorageLocator, next.Checksum,
		next.UpdatedAt, nullTime(next.CompletedAt), next.ErrorMessage, metadata, id)
	s.logger.LogQuery(query, next.TenantID, time.Since(start), 1, err)
	if err != nil {
		return nil, NewDatabaseError("failed to update backup record", err).WithContext("backup_id", id)
	}

	if err := tx.Commit(); err != nil {
		return nil, NewDatabaseError("failed to commit backup record update", err).WithContext("backup_id", id)
	}
	return next, nil
}

// List returns the page of records visible to scope, newest first
func (s *SQLRecordStore) List(ctx context.Context, scope Scope, filter ListFilter) ([]*BackupRecord, int, error) {
	filter.Normalize()

	var conditions []string
	var args []interface{}
	if !scope.Privileged {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, scope.TenantID)
	}
	if filter.TenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.DateFrom != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, *filter.DateFrom)
	}
	if filter.DateTo != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, *filter.DateTo)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM backups" + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, NewDatabaseError("failed to count backup records", err)
	}

	query := "SELECT " + recordColumns + " FROM backups" + where + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	start := time.Now()
	records, err := s.queryRecords(ctx, query, append(args, filter.Limit, filter.Offset)...)
	s.logger.LogQuery(query, scope.TenantID, time.Since(start), len(records), err)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// Delete removes one record
func (s *SQLRecordStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM backups WHERE id = ?", id)
	if err != nil {
		return NewDatabaseError("failed to delete backup record", err).WithContext("backup_id", id)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return NewNotFoundError(fmt.Sprintf("backup %s not found", id), nil)
	}
	return nil
}

// ListExpired returns records whose expiry is at or before now, skipping
// running backups
func (s *SQLRecordStore) ListExpired(ctx context.Context, now time.Time) ([]*BackupRecord, error) {
	return s.queryRecords(ctx,
		"SELECT "+recordColumns+" FROM backups WHERE expires_at <= ? AND status <> ? ORDER BY expires_at",
		now, string(BackupStatusInProgress))
}

func (s *SQLRecordStore) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*BackupRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewDatabaseError("failed to query backup records", err)
	}
	defer rows.Close()

	records := []*BackupRecord{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, NewDatabaseError("failed to scan backup record", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, NewDatabaseError("failed to iterate backup records", err)
	}
	return records, nil
}

func (s *SQLRecordStore) wrapLookupError(err error, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return NewNotFoundError(fmt.Sprintf("backup %s not found", id), err)
	default:
		var backupErr *BackupError
		if errors.As(err, &backupErr) {
			return err
		}
		return NewDatabaseError("failed to load backup record", err).WithContext("backup_id", id)
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*BackupRecord, error) {
	var (
		r                             BackupRecord
		entities, metadata            []byte
		dateFrom, dateTo, completedAt sql.NullTime
	)

	err := row.Scan(
		&r.ID, &r.TenantID, &r.Name, &r.Description, &r.Type, &r.Status, &r.Size,
		&r.StorageLocator, &r.Checksum, &r.Compression, &r.Encryption, &entities,
		&dateFrom, &dateTo, &r.RetentionDays, &r.ExpiresAt, &r.CreatedBy,
		&r.CreatedAt, &r.UpdatedAt, &completedAt, &r.ErrorMessage, &metadata,
	)
	if err != nil {
		return nil, err
	}

	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &r.Entities); err != nil {
			return nil, NewCorruptionError("invalid entities column", err).WithContext("backup_id", r.ID)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, NewCorruptionError("invalid metadata column", err).WithContext("backup_id", r.ID)
		}
	}
	r.DateFrom = timePtr(dateFrom)
	r.DateTo = timePtr(dateTo)
	r.CompletedAt = timePtr(completedAt)
	return &r, nil
}

func recordArgs(r *BackupRecord) ([]interface{}, error) {
	entities := r.Entities
	if entities == nil {
		entities = []string{}
	}
	entitiesJSON, err := json.Marshal(entities)
	if err != nil {
		return nil, NewInternalError("failed to encode record entities", err)
	}
	metadataJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil, NewInternalError("failed to encode record metadata", err)
	}

	return []interface{}{
		r.ID, r.TenantID, r.Name, r.Description, r.Type, r.Status, r.Size,
		r.StorageLocator, r.Checksum, r.Compression, r.Encryption, entitiesJSON,
		nullTime(r.DateFrom), nullTime(r.DateTo), r.RetentionDays, r.ExpiresAt, r.CreatedBy,
		r.CreatedAt, r.UpdatedAt, nullTime(r.CompletedAt), r.ErrorMessage, metadataJSON,
	}, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
