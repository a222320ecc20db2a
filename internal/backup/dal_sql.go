package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"compliance-backup/internal/logging"
)

// entityTables maps exportable entity names onto their tables. Names not
// listed here never reach a query.
var entityTables = map[string]string{
	"audits":        "audits",
	"grievances":    "grievances",
	"permits":       "permits",
	"trainings":     "trainings",
	"notifications": "notifications",
	"factories":     "factories",
	"users":         "users",
}

// userColumns excludes credential columns from every export
const userColumns = "id, tenant_id, email, name, role, factory_id, is_active, created_at, updated_at"

// SQLDataAccessLayer reads tenant business data from MySQL
type SQLDataAccessLayer struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewSQLDataAccessLayer wraps an open connection pool
func NewSQLDataAccessLayer(db *sql.DB, logger *logging.Logger) *SQLDataAccessLayer {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &SQLDataAccessLayer{db: db, logger: logger}
}

// KnownEntity reports whether entity can be exported
func KnownEntity(entity string) bool {
	_, ok := entityTables[entity]
	return ok
}

// FetchEntities returns the rows of one entity type for the scope's tenant
func (d *SQLDataAccessLayer) FetchEntities(ctx context.Context, scope Scope, entity string, window DateRange) ([]Entity, error) {
	table, ok := entityTables[entity]
	if !ok {
		return nil, NewValidationError(fmt.Sprintf("unknown entity %q", entity), nil)
	}

	columns := "*"
	if table == "users" {
		columns = userColumns
	}
	where, args := tenantWindow(scope, window)
	query := "SELECT " + columns + " FROM " + table + where + " ORDER BY created_at, id"

	start := time.Now()
	rows, err := d.queryMaps(ctx, query, args...)
	d.logger.LogQuery(query, scope.TenantID, time.Since(start), len(rows), err)
	if err != nil {
		return nil, NewDatabaseError(fmt.Sprintf("failed to fetch %s", entity), err).
			WithContext("tenant_id", scope.TenantID)
	}
	return rows, nil
}

// FetchFileRecords returns upload metadata for the scope's tenant
func (d *SQLDataAccessLayer) FetchFileRecords(ctx context.Context, scope Scope, window DateRange) ([]FileRecord, error) {
	where, args := tenantWindow(scope, window)
	query := "SELECT id, name, path, mime_type, size, entity_type, entity_id, uploaded_by, created_at FROM files" +
		where + " ORDER BY created_at, id"

	start := time.Now()
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		d.logger.LogQuery(query, scope.TenantID, time.Since(start), 0, err)
		return nil, NewDatabaseError("failed to fetch file records", err).WithContext("tenant_id", scope.TenantID)
	}
	defer rows.Close()

	files := []FileRecord{}
	for rows.Next() {
		var (
			f                                      FileRecord
			mimeType, entityType, entityID, upload sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.Name, &f.Path, &mimeType, &f.Size, &entityType, &entityID, &upload, &f.CreatedAt); err != nil {
			return nil, NewDatabaseError("failed to scan file record", err)
		}
		f.MimeType = mimeType.String
		f.EntityType = entityType.String
		f.EntityID = entityID.String
		f.UploadedBy = upload.String
		files = append(files, f)
	}
	err = rows.Err()
	d.logger.LogQuery(query, scope.TenantID, time.Since(start), len(files), err)
	if err != nil {
		return nil, NewDatabaseError("failed to iterate file records", err)
	}
	return files, nil
}

// FetchTenantConfig returns users, factories, feature flags and settings
func (d *SQLDataAccessLayer) FetchTenantConfig(ctx context.Context, scope Scope) (*TenantConfig, error) {
	cfg := &TenantConfig{
		FeatureFlags: make(map[string]bool),
		Settings:     make(map[string]interface{}),
	}

	var err error
	if cfg.Users, err = d.queryMaps(ctx, "SELECT "+userColumns+" FROM users WHERE tenant_id = ? ORDER BY id", scope.TenantID); err != nil {
		return nil, NewDatabaseError("failed to fetch tenant users", err)
	}
	if cfg.Factories, err = d.queryMaps(ctx, "SELECT * FROM factories WHERE tenant_id = ? ORDER BY id", scope.TenantID); err != nil {
		return nil, NewDatabaseError("failed to fetch tenant factories", err)
	}

	flags, err := d.db.QueryContext(ctx, "SELECT flag, enabled FROM tenant_feature_flags WHERE tenant_id = ?", scope.TenantID)
	if err != nil {
		return nil, NewDatabaseError("failed to fetch feature flags", err)
	}
	defer flags.Close()
	for flags.Next() {
		var name string
		var enabled bool
		if err := flags.Scan(&name, &enabled); err != nil {
			return nil, NewDatabaseError("failed to scan feature flag", err)
		}
		cfg.FeatureFlags[name] = enabled
	}
	if err := flags.Err(); err != nil {
		return nil, NewDatabaseError("failed to iterate feature flags", err)
	}

	settings, err := d.db.QueryContext(ctx, "SELECT setting_key, setting_value FROM tenant_settings WHERE tenant_id = ?", scope.TenantID)
	if err != nil {
		return nil, NewDatabaseError("failed to fetch tenant settings", err)
	}
	defer settings.Close()
	for settings.Next() {
		var key string
		var raw []byte
		if err := settings.Scan(&key, &raw); err != nil {
			return nil, NewDatabaseError("failed to scan tenant setting", err)
		}
		cfg.Settings[key] = decodeSetting(raw)
	}
	if err := settings.Err(); err != nil {
		return nil, NewDatabaseError("failed to iterate tenant settings", err)
	}

	d.logger.WithFields(map[string]interface{}{
		"tenant_id": scope.TenantID,
		"users":     len(cfg.Users),
		"factories": len(cfg.Factories),
		"flags":     len(cfg.FeatureFlags),
		"settings":  len(cfg.Settings),
	}).Debug("Fetched tenant configuration")
	return cfg, nil
}

func (d *SQLDataAccessLayer) queryMaps(ctx context.Context, query string, args ...interface{}) ([]Entity, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := []Entity{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Entity, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// tenantWindow builds the tenant and created_at filter shared by exports
func tenantWindow(scope Scope, window DateRange) (string, []interface{}) {
	conditions := []string{"tenant_id = ?"}
	args := []interface{}{scope.TenantID}
	if window.From != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, *window.From)
	}
	if window.To != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, *window.To)
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func decodeSetting(raw []byte) interface{} {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}
