package backup

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLDataAccess(t *testing.T) (*SQLDataAccessLayer, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLDataAccessLayer(db, nil), mock
}

func TestSQLDataAccessLayer_FetchEntities(t *testing.T) {
	dal, mock := newSQLDataAccess(t)
	scope := Scope{ActorID: "user-1", TenantID: "t1"}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM audits WHERE tenant_id = ? ORDER BY created_at, id")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "title", "created_at"}).
			AddRow("a1", "t1", []byte("Fire exits"), testEpoch).
			AddRow("a2", "t1", []byte("Chemical storage"), testEpoch.Add(time.Hour)))

	rows, err := dal.FetchEntities(context.Background(), scope, "audits", DateRange{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Fire exits", rows[0]["title"], "byte columns become strings")
	assert.Equal(t, "t1", rows[1]["tenant_id"])

	created, ok := rows[1].CreatedAt()
	require.True(t, ok)
	assert.Equal(t, testEpoch.Add(time.Hour), created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDataAccessLayer_FetchEntitiesWithWindow(t *testing.T) {
	dal, mock := newSQLDataAccess(t)
	from := testEpoch.AddDate(0, 0, -7)
	to := testEpoch

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM permits WHERE tenant_id = ? AND created_at >= ? AND created_at <= ? ORDER BY created_at, id")).
		WithArgs("t1", from, to).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rows, err := dal.FetchEntities(context.Background(), Scope{TenantID: "t1"}, "permits", DateRange{From: &from, To: &to})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.NotNil(t, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDataAccessLayer_FetchUsersOmitsCredentials(t *testing.T) {
	dal, mock := newSQLDataAccess(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + userColumns + " FROM users WHERE tenant_id = ?")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).AddRow("u1", "safety@factory.example"))

	rows, err := dal.FetchEntities(context.Background(), Scope{TenantID: "t1"}, "users", DateRange{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotContains(t, rows[0], "password_hash")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDataAccessLayer_FetchEntitiesUnknownEntity(t *testing.T) {
	dal, mock := newSQLDataAccess(t)

	_, err := dal.FetchEntities(context.Background(), Scope{TenantID: "t1"}, "audits; DROP TABLE audits", DateRange{})
	assert.ErrorIs(t, err, ErrValidation)
	assert.NoError(t, mock.ExpectationsWereMet(), "no query reaches the database")
}

func TestSQLDataAccessLayer_FetchEntitiesQueryError(t *testing.T) {
	dal, mock := newSQLDataAccess(t)

	mock.ExpectQuery("FROM grievances").WillReturnError(errors.New("connection reset"))

	_, err := dal.FetchEntities(context.Background(), Scope{TenantID: "t1"}, "grievances", DateRange{})
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Contains(t, err.Error(), "failed to fetch grievances")
}

func TestSQLDataAccessLayer_FetchFileRecords(t *testing.T) {
	dal, mock := newSQLDataAccess(t)

	columns := []string{"id", "name", "path", "mime_type", "size", "entity_type", "entity_id", "uploaded_by", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM files WHERE tenant_id = ? ORDER BY created_at, id")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("f1", "permit.pdf", "uploads/t1/permit.pdf", "application/pdf", int64(2048), "permit", "p1", "u1", testEpoch).
			AddRow("f2", "photo.jpg", "uploads/t1/photo.jpg", nil, int64(512), nil, nil, nil, testEpoch))

	files, err := dal.FetchFileRecords(context.Background(), Scope{TenantID: "t1"}, DateRange{})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, FileRecord{
		ID: "f1", Name: "permit.pdf", Path: "uploads/t1/permit.pdf", MimeType: "application/pdf",
		Size: 2048, EntityType: "permit", EntityID: "p1", UploadedBy: "u1", CreatedAt: testEpoch,
	}, files[0])
	assert.Empty(t, files[1].MimeType)
	assert.Empty(t, files[1].UploadedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDataAccessLayer_FetchTenantConfig(t *testing.T) {
	dal, mock := newSQLDataAccess(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE tenant_id = ? ORDER BY id")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role"}).AddRow("u1", "admin"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM factories WHERE tenant_id = ? ORDER BY id")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow("fac1", "Izmir Plant"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT flag, enabled FROM tenant_feature_flags WHERE tenant_id = ?")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"flag", "enabled"}).
			AddRow("training_reminders", true).
			AddRow("grievance_portal", false))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT setting_key, setting_value FROM tenant_settings WHERE tenant_id = ?")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"setting_key", "setting_value"}).
			AddRow("timezone", []byte(`"Europe/Istanbul"`)).
			AddRow("limits", []byte(`{"max_users":50}`)).
			AddRow("banner", []byte("plain text")))

	cfg, err := dal.FetchTenantConfig(context.Background(), Scope{TenantID: "t1"})
	require.NoError(t, err)

	require.Len(t, cfg.Users, 1)
	require.Len(t, cfg.Factories, 1)
	assert.Equal(t, "Izmir Plant", cfg.Factories[0]["name"])
	assert.Equal(t, map[string]bool{"training_reminders": true, "grievance_portal": false}, cfg.FeatureFlags)
	assert.Equal(t, "Europe/Istanbul", cfg.Settings["timezone"])
	assert.Equal(t, map[string]interface{}{"max_users": float64(50)}, cfg.Settings["limits"])
	assert.Equal(t, "plain text", cfg.Settings["banner"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDataAccessLayer_FetchTenantConfigFailure(t *testing.T) {
	dal, mock := newSQLDataAccess(t)

	mock.ExpectQuery("FROM users").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FROM factories").WillReturnError(errors.New("table missing"))

	_, err := dal.FetchTenantConfig(context.Background(), Scope{TenantID: "t1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch tenant factories")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKnownEntity(t *testing.T) {
	for _, entity := range DefaultEntities {
		assert.True(t, KnownEntity(entity), entity)
	}
	assert.False(t, KnownEntity("sessions"))
}
