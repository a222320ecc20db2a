package backup

import (
	"os"
	"strconv"
	"strings"
	"time"

	"compliance-backup/internal/database"
)

// Default configuration values
const (
	DefaultRetentionDays   = 30
	DefaultCleanupInterval = 24 * time.Hour
	DefaultJobWorkers      = 4
	DefaultJobsPerTenant   = 2
	DefaultJobQueueSize    = 64
)

// DefaultEntities is the entity set exported when a request names none
var DefaultEntities = []string{
	"audits",
	"grievances",
	"permits",
	"trainings",
	"notifications",
	"factories",
	"users",
}

// BackupSystemConfig represents the complete backup system configuration
type BackupSystemConfig struct {
	Environment string                  `yaml:"environment"`
	Storage     StorageConfig           `yaml:"storage"`
	Encryption  EncryptionConfig        `yaml:"encryption"`
	Retention   RetentionConfig         `yaml:"retention"`
	Jobs        JobsConfig              `yaml:"jobs"`
	Serializer  SerializerConfig        `yaml:"serializer"`
	Database    database.DatabaseConfig `yaml:"database"`
	Audit       AuditConfig             `yaml:"audit"`
}

// EncryptionConfig defines how artifact passwords are resolved
type EncryptionConfig struct {
	// FallbackSecret is used when a request asks for encryption without a password
	FallbackSecret string    `yaml:"fallback_secret"`
	KDF            KDFParams `yaml:"kdf"`
}

// RetentionConfig defines default retention and the sweep cadence
type RetentionConfig struct {
	DefaultDays     int           `yaml:"default_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	LockFile        string        `yaml:"lock_file"`
}

// JobsConfig sizes the background worker pool
type JobsConfig struct {
	Workers   int `yaml:"workers"`
	PerTenant int `yaml:"per_tenant"`
	QueueSize int `yaml:"queue_size"`
}

// SerializerConfig lists the entities the serializer knows how to export
type SerializerConfig struct {
	Entities []string `yaml:"entities"`
}

// AuditConfig controls the compliance audit trail
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"`
}

// Validate validates the BackupSystemConfig
func (bsc *BackupSystemConfig) Validate() error {
	var errors ValidationErrors

	merge := func(section string, err error) {
		if err == nil {
			return
		}
		if validationErrs, ok := err.(ValidationErrors); ok {
			errors = append(errors, validationErrs...)
			return
		}
		errors.Add(section, err.Error(), nil)
	}

	merge("storage", bsc.Storage.Validate())
	merge("retention", bsc.Retention.Validate())
	merge("jobs", bsc.Jobs.Validate())
	merge("serializer", bsc.Serializer.Validate())
	if bsc.Database.Enabled() {
		merge("database", bsc.Database.Validate())
	}
	if bsc.Audit.Enabled && bsc.Audit.File == "" {
		errors.Add("audit.file", "audit file is required when auditing is enabled", nil)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for the backup system configuration
func (bsc *BackupSystemConfig) SetDefaults() {
	if bsc.Environment == "" {
		bsc.Environment = "development"
	}
	bsc.Storage.SetDefaults()
	bsc.Retention.SetDefaults()
	bsc.Jobs.SetDefaults()
	bsc.Serializer.SetDefaults()
	if bsc.Encryption.KDF == (KDFParams{}) {
		bsc.Encryption.KDF = DefaultKDFParams()
	}
	bsc.Database.SetDefaults()
}

// LoadFromEnvironment loads configuration values from environment variables
func (bsc *BackupSystemConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_ENVIRONMENT"); val != "" {
		bsc.Environment = strings.ToLower(val)
	}
	if val := os.Getenv("BACKUP_ENCRYPTION_SECRET"); val != "" {
		bsc.Encryption.FallbackSecret = val
	}
	bsc.Storage.LoadFromEnvironment()
	bsc.Retention.LoadFromEnvironment()
	bsc.Jobs.LoadFromEnvironment()
	bsc.Database.LoadFromEnvironment()
	if val := os.Getenv("BACKUP_AUDIT_FILE"); val != "" {
		bsc.Audit.Enabled = true
		bsc.Audit.File = val
	}
}

// IsProduction reports whether remote mirroring policy applies
func (bsc *BackupSystemConfig) IsProduction() bool {
	return bsc.Environment == EnvironmentProduction
}

// Validate validates the RetentionConfig
func (rc *RetentionConfig) Validate() error {
	var errors ValidationErrors

	if rc.DefaultDays < 1 {
		errors.Add("retention.default_days", "default retention days must be at least 1", rc.DefaultDays)
	}
	if rc.CleanupInterval < 0 {
		errors.Add("retention.cleanup_interval", "cleanup interval cannot be negative", rc.CleanupInterval)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for retention configuration
func (rc *RetentionConfig) SetDefaults() {
	if rc.DefaultDays == 0 {
		rc.DefaultDays = DefaultRetentionDays
	}
	if rc.CleanupInterval == 0 {
		rc.CleanupInterval = DefaultCleanupInterval
	}
}

// LoadFromEnvironment loads retention configuration from environment variables
func (rc *RetentionConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_RETENTION_DAYS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			rc.DefaultDays = parsed
		}
	}
	if val := os.Getenv("BACKUP_CLEANUP_INTERVAL"); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			rc.CleanupInterval = parsed
		}
	}
	if val := os.Getenv("BACKUP_CLEANUP_LOCK_FILE"); val != "" {
		rc.LockFile = val
	}
}

// Validate validates the JobsConfig
func (jc *JobsConfig) Validate() error {
	var errors ValidationErrors

	if jc.Workers < 1 {
		errors.Add("jobs.workers", "workers must be at least 1", jc.Workers)
	}
	if jc.PerTenant < 1 {
		errors.Add("jobs.per_tenant", "per-tenant concurrency must be at least 1", jc.PerTenant)
	}
	if jc.QueueSize < 0 {
		errors.Add("jobs.queue_size", "queue size cannot be negative", jc.QueueSize)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for the worker pool
func (jc *JobsConfig) SetDefaults() {
	if jc.Workers == 0 {
		jc.Workers = DefaultJobWorkers
	}
	if jc.PerTenant == 0 {
		jc.PerTenant = DefaultJobsPerTenant
	}
	if jc.QueueSize == 0 {
		jc.QueueSize = DefaultJobQueueSize
	}
}

// LoadFromEnvironment loads worker pool settings from environment variables
func (jc *JobsConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_JOB_WORKERS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			jc.Workers = parsed
		}
	}
	if val := os.Getenv("BACKUP_JOBS_PER_TENANT"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			jc.PerTenant = parsed
		}
	}
}

// Validate validates the SerializerConfig
func (sc *SerializerConfig) Validate() error {
	var errors ValidationErrors

	seen := make(map[string]bool, len(sc.Entities))
	for _, entity := range sc.Entities {
		if strings.TrimSpace(entity) == "" {
			errors.Add("serializer.entities", "entity names cannot be empty", nil)
			continue
		}
		if seen[entity] {
			errors.Add("serializer.entities", "duplicate entity "+entity, entity)
		}
		seen[entity] = true
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets the default entity set
func (sc *SerializerConfig) SetDefaults() {
	if len(sc.Entities) == 0 {
		sc.Entities = append([]string(nil), DefaultEntities...)
	}
}

// Validate validates the StorageConfig. Remote provider settings are only
// checked when the remote backend is built.
func (sc *StorageConfig) Validate() error {
	var errors ValidationErrors

	if sc.Provider != "" && !isValidStorageProviderType(sc.Provider) {
		errors.Add("storage.provider", "unsupported storage provider: "+string(sc.Provider), sc.Provider)
	}
	if sc.Timeout < 0 {
		errors.Add("storage.timeout", "storage timeout cannot be negative", sc.Timeout)
	}
	if sc.Local != nil {
		if err := sc.Local.Validate(); err != nil {
			errors.Add("storage.local", err.Error(), nil)
		}
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// HasRemoteCredentials reports whether the selected remote provider has
// enough settings to be built
func (sc *StorageConfig) HasRemoteCredentials() bool {
	switch sc.Provider {
	case StorageProviderS3:
		return sc.S3 != nil && sc.S3.Validate() == nil
	case StorageProviderMinio:
		return sc.Minio != nil && sc.Minio.Validate() == nil
	case StorageProviderAzure:
		return sc.Azure != nil && sc.Azure.Validate() == nil
	case StorageProviderGCS:
		return sc.GCS != nil && sc.GCS.Validate() == nil
	default:
		return false
	}
}

// SetDefaults sets default values for storage configuration
func (sc *StorageConfig) SetDefaults() {
	if sc.Provider == "" {
		sc.Provider = StorageProviderLocal
	}
	if sc.Timeout == 0 {
		sc.Timeout = DefaultStorageTimeout
	}
	if sc.Local == nil {
		sc.Local = &LocalConfig{}
	}
	sc.Local.SetDefaults()

	switch sc.Provider {
	case StorageProviderS3:
		if sc.S3 == nil {
			sc.S3 = &S3Config{}
		}
		sc.S3.SetDefaults()
	case StorageProviderMinio:
		if sc.Minio == nil {
			sc.Minio = &MinioConfig{}
		}
		sc.Minio.SetDefaults()
	}
}

// LoadFromEnvironment loads storage configuration from environment variables
func (sc *StorageConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_STORAGE_PROVIDER"); val != "" {
		sc.Provider = StorageProviderType(strings.ToUpper(val))
	}
	if val := os.Getenv("BACKUP_STORAGE_TIMEOUT"); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			sc.Timeout = parsed
		}
	}

	if sc.Local == nil {
		sc.Local = &LocalConfig{}
	}
	sc.Local.LoadFromEnvironment()

	switch sc.Provider {
	case StorageProviderS3:
		if sc.S3 == nil {
			sc.S3 = &S3Config{}
		}
		sc.S3.LoadFromEnvironment()
	case StorageProviderMinio:
		if sc.Minio == nil {
			sc.Minio = &MinioConfig{}
		}
		sc.Minio.LoadFromEnvironment()
	case StorageProviderAzure:
		if sc.Azure == nil {
			sc.Azure = &AzureConfig{}
		}
		sc.Azure.LoadFromEnvironment()
	case StorageProviderGCS:
		if sc.GCS == nil {
			sc.GCS = &GCSConfig{}
		}
		sc.GCS.LoadFromEnvironment()
	}
}

// Validate validates local storage settings
func (lc *LocalConfig) Validate() error {
	var errors ValidationErrors

	if strings.TrimSpace(lc.BasePath) == "" {
		errors.Add("base_path", "base path is required for local storage", nil)
	}
	if lc.Permissions&^os.ModePerm != 0 {
		errors.Add("permissions", "permissions must be a plain file mode", lc.Permissions)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for local storage configuration
func (lc *LocalConfig) SetDefaults() {
	if lc.BasePath == "" {
		lc.BasePath = "./backups"
	}
	if lc.Permissions == 0 {
		lc.Permissions = 0750
	}
}

// LoadFromEnvironment loads local storage configuration from environment variables
func (lc *LocalConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_LOCAL_BASE_PATH"); val != "" {
		lc.BasePath = val
	}
	if val := os.Getenv("BACKUP_LOCAL_PERMISSIONS"); val != "" {
		if parsed, err := strconv.ParseUint(val, 8, 32); err == nil {
			lc.Permissions = os.FileMode(parsed)
		}
	}
}

// Validate validates S3 settings
func (s3c *S3Config) Validate() error {
	var errors ValidationErrors

	if s3c.Bucket == "" {
		errors.Add("bucket", "bucket is required for S3 storage", nil)
	}
	if s3c.Region == "" {
		errors.Add("region", "region is required for S3 storage", nil)
	}
	if s3c.AccessKey == "" || s3c.SecretKey == "" {
		errors.Add("credentials", "access key and secret key are required for S3 storage", nil)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for S3 storage configuration
func (s3c *S3Config) SetDefaults() {
	if s3c.Region == "" {
		s3c.Region = "us-east-1"
	}
}

// LoadFromEnvironment loads S3 storage configuration from environment variables
func (s3c *S3Config) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_S3_BUCKET"); val != "" {
		s3c.Bucket = val
	}
	if val := os.Getenv("BACKUP_S3_REGION"); val != "" {
		s3c.Region = val
	}
	if val := os.Getenv("BACKUP_S3_PREFIX"); val != "" {
		s3c.Prefix = val
	}
	if val := os.Getenv("BACKUP_S3_ACCESS_KEY"); val != "" {
		s3c.AccessKey = val
	}
	if val := os.Getenv("BACKUP_S3_SECRET_KEY"); val != "" {
		s3c.SecretKey = val
	}
}

// Validate validates MinIO settings
func (mc *MinioConfig) Validate() error {
	var errors ValidationErrors

	if mc.Endpoint == "" {
		errors.Add("endpoint", "endpoint is required for MinIO storage", nil)
	}
	if mc.Bucket == "" {
		errors.Add("bucket", "bucket is required for MinIO storage", nil)
	}
	if mc.AccessKey == "" || mc.SecretKey == "" {
		errors.Add("credentials", "access key and secret key are required for MinIO storage", nil)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for MinIO storage configuration
func (mc *MinioConfig) SetDefaults() {
	if mc.Region == "" {
		mc.Region = "auto"
	}
}

// LoadFromEnvironment loads MinIO storage configuration from environment variables
func (mc *MinioConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_MINIO_ENDPOINT"); val != "" {
		mc.Endpoint = val
	}
	if val := os.Getenv("BACKUP_MINIO_BUCKET"); val != "" {
		mc.Bucket = val
	}
	if val := os.Getenv("BACKUP_MINIO_PREFIX"); val != "" {
		mc.Prefix = val
	}
	if val := os.Getenv("BACKUP_MINIO_ACCESS_KEY"); val != "" {
		mc.AccessKey = val
	}
	if val := os.Getenv("BACKUP_MINIO_SECRET_KEY"); val != "" {
		mc.SecretKey = val
	}
	if val := os.Getenv("BACKUP_MINIO_USE_SSL"); val != "" {
		mc.UseSSL = strings.ToLower(val) == "true"
	}
}

// Validate validates Azure settings
func (ac *AzureConfig) Validate() error {
	var errors ValidationErrors

	if ac.AccountName == "" {
		errors.Add("account_name", "account name is required for Azure storage", nil)
	}
	if ac.AccountKey == "" {
		errors.Add("account_key", "account key is required for Azure storage", nil)
	}
	if ac.ContainerName == "" {
		errors.Add("container_name", "container name is required for Azure storage", nil)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// LoadFromEnvironment loads Azure storage configuration from environment variables
func (ac *AzureConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_AZURE_ACCOUNT_NAME"); val != "" {
		ac.AccountName = val
	}
	if val := os.Getenv("BACKUP_AZURE_ACCOUNT_KEY"); val != "" {
		ac.AccountKey = val
	}
	if val := os.Getenv("BACKUP_AZURE_CONTAINER_NAME"); val != "" {
		ac.ContainerName = val
	}
}

// Validate validates GCS settings. Credentials may come from the
// environment, so only the bucket is mandatory.
func (gc *GCSConfig) Validate() error {
	var errors ValidationErrors

	if gc.Bucket == "" {
		errors.Add("bucket", "bucket is required for GCS storage", nil)
	}
	if gc.CredentialsPath == "" && os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" && gc.ProjectID == "" {
		errors.Add("credentials", "credentials path or project ID is required for GCS storage", nil)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// LoadFromEnvironment loads GCS storage configuration from environment variables
func (gc *GCSConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_GCS_BUCKET"); val != "" {
		gc.Bucket = val
	}
	if val := os.Getenv("BACKUP_GCS_CREDENTIALS_PATH"); val != "" {
		gc.CredentialsPath = val
	}
	if val := os.Getenv("BACKUP_GCS_PROJECT_ID"); val != "" {
		gc.ProjectID = val
	}
}
