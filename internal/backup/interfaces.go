package backup

import (
	"context"
	"time"
)

// BackupService is the caller-facing surface of the backup subsystem
type BackupService interface {
	CreateBackup(ctx context.Context, tenantID string, opts CreateOptions, actor Actor) (*BackupRecord, *JobHandle, error)
	GetBackup(ctx context.Context, id string, actor Actor) (*BackupRecord, error)
	ListBackups(ctx context.Context, filter ListFilter, actor Actor) (*Page, error)
	DownloadBackup(ctx context.Context, id string, actor Actor) (*Download, error)
	DeleteBackup(ctx context.Context, id string, actor Actor) error
	CancelBackup(ctx context.Context, id string, actor Actor) (*BackupRecord, error)
	RestoreBackup(ctx context.Context, opts RestoreOptions, actor Actor) (*RestoreResult, error)
	CleanupExpiredBackups(ctx context.Context) (*CleanupResult, error)
}

// StorageBackend persists artifact bytes. Locators returned by Put are
// opaque to callers and must be passed back unchanged to Get and Delete.
type StorageBackend interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, locator string) ([]byte, error)
	Delete(ctx context.Context, locator string) error
	Name() string
}

// RecordStore persists BackupRecords. Update applies mutate under the
// store's lock and rejects status moves the state machine forbids.
type RecordStore interface {
	Create(ctx context.Context, record *BackupRecord) error
	Get(ctx context.Context, id string) (*BackupRecord, error)
	Update(ctx context.Context, id string, mutate func(*BackupRecord) error) (*BackupRecord, error)
	List(ctx context.Context, scope Scope, filter ListFilter) ([]*BackupRecord, int, error)
	Delete(ctx context.Context, id string) error
	ListExpired(ctx context.Context, now time.Time) ([]*BackupRecord, error)
}

// DataAccessLayer reads tenant business data. Every call is bound to a Scope.
type DataAccessLayer interface {
	FetchEntities(ctx context.Context, scope Scope, entity string, window DateRange) ([]Entity, error)
	FetchFileRecords(ctx context.Context, scope Scope, window DateRange) ([]FileRecord, error)
	FetchTenantConfig(ctx context.Context, scope Scope) (*TenantConfig, error)
}

// Applier writes a parsed snapshot back into the data layer
type Applier interface {
	Apply(ctx context.Context, scope Scope, snapshot *Snapshot, overwriteExisting bool) error
}

// Clock abstracts time for tests
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
