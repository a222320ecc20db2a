package backup

import (
	"os"
	"time"
)

// BackupRecord tracks one backup artifact through its lifecycle
type BackupRecord struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Type           BackupType      `json:"type"`
	Status         BackupStatus    `json:"status"`
	Size           int64           `json:"size"`
	StorageLocator string          `json:"storage_locator"`
	Checksum       string          `json:"checksum,omitempty"`
	Compression    CompressionType `json:"compression"`
	Encryption     bool            `json:"encryption"`
	Entities       []string        `json:"entities,omitempty"`
	DateFrom       *time.Time      `json:"date_from,omitempty"`
	DateTo         *time.Time      `json:"date_to,omitempty"`
	RetentionDays  int             `json:"retention_days"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CreatedBy      string          `json:"created_by"`
	TenantID       string          `json:"tenant_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Metadata       RecordMetadata  `json:"metadata"`
}

// RecordMetadata holds the typed extras recorded alongside a backup
type RecordMetadata struct {
	IncludeData    bool     `json:"include_data"`
	IncludeFiles   bool     `json:"include_files"`
	IncludeConfig  bool     `json:"include_config"`
	BaseBackupID   string   `json:"base_backup_id,omitempty"`
	StorageKey     string   `json:"storage_key"`
	RemoteLocator  string   `json:"remote_locator,omitempty"`
	KDF            string   `json:"kdf,omitempty"`
	PasswordSource string   `json:"password_source,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Password sources recorded on encrypted backups
const (
	PasswordSourceCaller   = "caller"
	PasswordSourceFallback = "fallback"
)

// BackupType classifies a backup. Only FULL is produced.
type BackupType string

const (
	BackupTypeFull         BackupType = "FULL"
	BackupTypeIncremental  BackupType = "INCREMENTAL"
	BackupTypeDifferential BackupType = "DIFFERENTIAL"
)

// BackupStatus is the lifecycle state of a BackupRecord
type BackupStatus string

const (
	BackupStatusPending    BackupStatus = "PENDING"
	BackupStatusInProgress BackupStatus = "IN_PROGRESS"
	BackupStatusCompleted  BackupStatus = "COMPLETED"
	BackupStatusFailed     BackupStatus = "FAILED"
	BackupStatusCancelled  BackupStatus = "CANCELLED"
)

// CompressionType names a compression strategy
type CompressionType string

const (
	CompressionTypeNone CompressionType = "none"
	CompressionTypeGzip CompressionType = "gzip"
	CompressionTypeZip  CompressionType = "zip"
	CompressionTypeZstd CompressionType = "zstd"
	CompressionTypeLZ4  CompressionType = "lz4"
)

// StorageProviderType names a remote storage provider
type StorageProviderType string

const (
	StorageProviderLocal StorageProviderType = "LOCAL"
	StorageProviderS3    StorageProviderType = "S3"
	StorageProviderMinio StorageProviderType = "MINIO"
	StorageProviderAzure StorageProviderType = "AZURE"
	StorageProviderGCS   StorageProviderType = "GCS"
)

// TypeSpec is the per-type variant of a backup request. The set of
// implementations is closed.
type TypeSpec interface {
	BackupType() BackupType
	isTypeSpec()
}

// FullSpec requests a complete snapshot of the selected scope
type FullSpec struct{}

// IncrementalSpec requests changes since BaseBackupID
type IncrementalSpec struct {
	BaseBackupID string
}

// DifferentialSpec requests changes since the last full backup BaseBackupID
type DifferentialSpec struct {
	BaseBackupID string
}

func (FullSpec) BackupType() BackupType         { return BackupTypeFull }
func (IncrementalSpec) BackupType() BackupType  { return BackupTypeIncremental }
func (DifferentialSpec) BackupType() BackupType { return BackupTypeDifferential }

func (FullSpec) isTypeSpec()         {}
func (IncrementalSpec) isTypeSpec()  {}
func (DifferentialSpec) isTypeSpec() {}

// CreateOptions is the validated request to create a backup
type CreateOptions struct {
	Name          string          `json:"name" validate:"required,max=255"`
	Description   string          `json:"description,omitempty" validate:"max=1000"`
	IncludeData   bool            `json:"include_data"`
	IncludeFiles  bool            `json:"include_files"`
	IncludeConfig bool            `json:"include_config"`
	Entities      []string        `json:"entities,omitempty" validate:"dive,required"`
	DateFrom      *time.Time      `json:"date_from,omitempty"`
	DateTo        *time.Time      `json:"date_to,omitempty"`
	Compression   CompressionType `json:"compression" validate:"omitempty,compression"`
	Encryption    bool            `json:"encryption"`
	Password      string          `json:"-"`
	RetentionDays int             `json:"retention_days" validate:"gte=0,max=3650"`
	Spec          TypeSpec        `json:"-"`
}

// RestoreOptions is the validated request to restore a backup
type RestoreOptions struct {
	BackupID          string     `json:"backup_id" validate:"required"`
	Entities          []string   `json:"entities,omitempty" validate:"dive,required"`
	DateFrom          *time.Time `json:"date_from,omitempty"`
	DateTo            *time.Time `json:"date_to,omitempty"`
	OverwriteExisting bool       `json:"overwrite_existing"`
	ValidateData      bool       `json:"validate_data"`
	DryRun            bool       `json:"dry_run"`
	Password          string     `json:"-"`
}

// RestoreResult reports what a restore found and did
type RestoreResult struct {
	BackupID      string         `json:"backup_id"`
	DryRun        bool           `json:"dry_run"`
	Validated     bool           `json:"validated"`
	EntityCounts  map[string]int `json:"entity_counts"`
	FileCount     int            `json:"file_count"`
	HasConfig     bool           `json:"has_config"`
	FormatVersion string         `json:"format_version"`
	Applied       bool           `json:"applied"`
}

// ListFilter narrows ListBackups results
type ListFilter struct {
	TenantID string
	Status   BackupStatus
	Type     BackupType
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
	Offset   int
}

// Page is one page of list results
type Page struct {
	Items  []*BackupRecord `json:"items"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// Download is a completed artifact ready to stream to a client
type Download struct {
	Filename    string
	ContentType string
	Checksum    string
	Data        []byte
}

// CleanupResult summarises one retention sweep
type CleanupResult struct {
	DeletedCount int               `json:"deleted_count"`
	Scanned      int               `json:"scanned"`
	Failed       map[string]string `json:"failed,omitempty"`
	Duration     time.Duration     `json:"duration"`
}

// Actor is the caller on whose behalf an operation runs
type Actor struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
}

// DateRange is an optional inclusive time window
type DateRange struct {
	From *time.Time
	To   *time.Time
}

// Contains reports whether t falls inside the range
func (r DateRange) Contains(t time.Time) bool {
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && t.After(*r.To) {
		return false
	}
	return true
}

// IsZero reports whether neither bound is set
func (r DateRange) IsZero() bool {
	return r.From == nil && r.To == nil
}

// SnapshotFormatVersion is written into every artifact
const SnapshotFormatVersion = "1.0"

// Snapshot is the document persisted in a backup artifact
type Snapshot struct {
	Metadata SnapshotMetadata    `json:"metadata"`
	Data     map[string][]Entity `json:"data,omitempty"`
	Files    []FileRecord        `json:"files,omitempty"`
	Config   *TenantConfig       `json:"config,omitempty"`
}

// SnapshotMetadata describes how a snapshot was produced
type SnapshotMetadata struct {
	Version   string          `json:"version"`
	CreatedAt time.Time       `json:"createdAt"`
	TenantID  string          `json:"tenantId"`
	Options   SnapshotOptions `json:"options"`
	Warnings  []string        `json:"warnings,omitempty"`
}

// SnapshotOptions echoes the scope that produced a snapshot
type SnapshotOptions struct {
	IncludeData   bool       `json:"includeData"`
	IncludeFiles  bool       `json:"includeFiles"`
	IncludeConfig bool       `json:"includeConfig"`
	Entities      []string   `json:"entities,omitempty"`
	DateFrom      *time.Time `json:"dateFrom,omitempty"`
	DateTo        *time.Time `json:"dateTo,omitempty"`
}

// Entity is one business row as returned by the data access layer
type Entity map[string]interface{}

// FileRecord is the metadata of one uploaded file. File bytes are not exported.
type FileRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	MimeType   string    `json:"mimeType,omitempty"`
	Size       int64     `json:"size"`
	EntityType string    `json:"entityType,omitempty"`
	EntityID   string    `json:"entityId,omitempty"`
	UploadedBy string    `json:"uploadedBy,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TenantConfig is the minimal configuration snapshot of a tenant
type TenantConfig struct {
	Users        []Entity               `json:"users"`
	Factories    []Entity               `json:"factories"`
	FeatureFlags map[string]bool        `json:"featureFlags"`
	Settings     map[string]interface{} `json:"settings"`
}

// StorageConfig defines storage backend configuration
type StorageConfig struct {
	Provider StorageProviderType `yaml:"provider"`
	Timeout  time.Duration       `yaml:"timeout"`
	Local    *LocalConfig        `yaml:"local,omitempty"`
	S3       *S3Config           `yaml:"s3,omitempty"`
	Minio    *MinioConfig        `yaml:"minio,omitempty"`
	Azure    *AzureConfig        `yaml:"azure,omitempty"`
	GCS      *GCSConfig          `yaml:"gcs,omitempty"`
}

// LocalConfig for local file system storage
type LocalConfig struct {
	BasePath    string      `yaml:"base_path"`
	Permissions os.FileMode `yaml:"permissions"`
}

// S3Config for Amazon S3 storage
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// MinioConfig for S3-compatible endpoints such as MinIO or R2
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// AzureConfig for Azure Blob Storage
type AzureConfig struct {
	AccountName   string `yaml:"account_name"`
	AccountKey    string `yaml:"account_key"`
	ContainerName string `yaml:"container_name"`
	Prefix        string `yaml:"prefix"`
}

// GCSConfig for Google Cloud Storage
type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsPath string `yaml:"credentials_path"`
	ProjectID       string `yaml:"project_id"`
}
