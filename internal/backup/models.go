package backup

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

func init() {
	validate.RegisterValidation("compression", func(fl validator.FieldLevel) bool {
		return isValidCompressionType(CompressionType(fl.Field().String()))
	})
}

// fieldMessages maps validator failures onto the messages shown to callers
var fieldMessages = map[string]string{
	"Name.required":           "Backup name is required",
	"Name.max":                "Backup name must be at most 255 characters",
	"Description.max":         "Description must be at most 1000 characters",
	"Entities.required":       "Entity names must not be empty",
	"Compression.compression": "Unsupported compression type",
	"RetentionDays.gte":       "Retention days must be at least 1",
	"RetentionDays.max":       "Retention days must be at most 3650",
	"BackupID.required":       "Backup ID is required",
}

func collectFieldErrors(err error, errs *ValidationErrors) {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		errs.Add("", err.Error(), nil)
		return
	}
	for _, fe := range fieldErrs {
		name := fe.StructField()
		if i := strings.IndexByte(name, '['); i >= 0 {
			name = name[:i]
		}
		msg, ok := fieldMessages[name+"."+fe.Tag()]
		if !ok {
			msg = fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
		}
		errs.Add(toSnake(name), msg, fe.Value())
	}
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Validate trims the name and checks create options. RetentionDays of zero
// means "use the configured default" and must be resolved before persisting.
func (o *CreateOptions) Validate() error {
	o.Name = strings.TrimSpace(o.Name)

	var errs ValidationErrors

	if err := validate.Struct(o); err != nil {
		collectFieldErrors(err, &errs)
	}
	if !o.IncludeData && !o.IncludeFiles && !o.IncludeConfig {
		errs.Add("include", "At least one of includeData, includeFiles or includeConfig must be set", nil)
	}
	if o.DateFrom != nil && o.DateTo != nil && o.DateFrom.After(*o.DateTo) {
		errs.Add("date_from", "dateFrom must not be after dateTo", o.DateFrom)
	}
	if o.Spec != nil && o.Spec.BackupType() != BackupTypeFull {
		switch s := o.Spec.(type) {
		case IncrementalSpec:
			if s.BaseBackupID == "" {
				errs.Add("base_backup_id", "Base backup ID is required for incremental backups", nil)
			}
		case DifferentialSpec:
			if s.BaseBackupID == "" {
				errs.Add("base_backup_id", "Base backup ID is required for differential backups", nil)
			}
		}
	}

	if errs.HasErrors() {
		return errs.AsBackupError()
	}
	return nil
}

// BackupType resolves the requested type, defaulting to FULL
func (o *CreateOptions) BackupType() BackupType {
	if o.Spec == nil {
		return BackupTypeFull
	}
	return o.Spec.BackupType()
}

// ApplyDefaults fills unset fields from the system defaults
func (o *CreateOptions) ApplyDefaults(retentionDays int) {
	if o.Compression == "" {
		o.Compression = CompressionTypeGzip
	}
	if o.RetentionDays == 0 {
		o.RetentionDays = retentionDays
	}
	if o.Spec == nil {
		o.Spec = FullSpec{}
	}
}

// Validate checks restore options
func (o *RestoreOptions) Validate() error {
	var errs ValidationErrors

	if err := validate.Struct(o); err != nil {
		collectFieldErrors(err, &errs)
	}
	if o.DateFrom != nil && o.DateTo != nil && o.DateFrom.After(*o.DateTo) {
		errs.Add("date_from", "dateFrom must not be after dateTo", o.DateFrom)
	}

	if errs.HasErrors() {
		return errs.AsBackupError()
	}
	return nil
}

// Range returns the restore narrowing window
func (o *RestoreOptions) Range() DateRange {
	return DateRange{From: o.DateFrom, To: o.DateTo}
}

// Normalize clamps pagination to sane bounds
func (f *ListFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Matches reports whether r passes the non-tenant filter criteria
func (f *ListFilter) Matches(r *BackupRecord) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	return DateRange{From: f.DateFrom, To: f.DateTo}.Contains(r.CreatedAt)
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// transitions lists the allowed next states for each status
var transitions = map[BackupStatus][]BackupStatus{
	BackupStatusPending:    {BackupStatusInProgress, BackupStatusCancelled, BackupStatusFailed},
	BackupStatusInProgress: {BackupStatusCompleted, BackupStatusFailed},
}

// CanTransitionTo reports whether s may move to next
func (s BackupStatus) CanTransitionTo(next BackupStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s BackupStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsValid reports whether s is a known status
func (s BackupStatus) IsValid() bool {
	switch s {
	case BackupStatusPending, BackupStatusInProgress, BackupStatusCompleted,
		BackupStatusFailed, BackupStatusCancelled:
		return true
	}
	return false
}

// TransitionTo moves the record to next, stamping timestamps
func (r *BackupRecord) TransitionTo(next BackupStatus, now time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return NewConflictError(fmt.Sprintf("cannot move backup from %s to %s", r.Status, next), nil).
			WithContext("backup_id", r.ID)
	}
	r.Status = next
	r.UpdatedAt = now
	if next == BackupStatusCompleted {
		completed := now
		r.CompletedAt = &completed
	}
	return nil
}

// IsReady reports whether the artifact may be downloaded or restored
func (r *BackupRecord) IsReady() bool {
	return r.Status == BackupStatusCompleted
}

// IsExpired reports whether the retention window has closed at now
func (r *BackupRecord) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Clone returns a deep copy safe to hand out of a store
func (r *BackupRecord) Clone() *BackupRecord {
	c := *r
	c.Entities = append([]string(nil), r.Entities...)
	c.Metadata.Warnings = append([]string(nil), r.Metadata.Warnings...)
	if r.DateFrom != nil {
		t := *r.DateFrom
		c.DateFrom = &t
	}
	if r.DateTo != nil {
		t := *r.DateTo
		c.DateTo = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// NewBackupRecord builds the PENDING record for a validated request
func NewBackupRecord(id string, opts CreateOptions, actorID, tenantID string, now time.Time) *BackupRecord {
	now = now.UTC()
	r := &BackupRecord{
		ID:            id,
		Name:          opts.Name,
		Description:   opts.Description,
		Type:          opts.BackupType(),
		Status:        BackupStatusPending,
		Compression:   opts.Compression,
		Encryption:    opts.Encryption,
		Entities:      append([]string(nil), opts.Entities...),
		DateFrom:      opts.DateFrom,
		DateTo:        opts.DateTo,
		RetentionDays: opts.RetentionDays,
		ExpiresAt:     now.AddDate(0, 0, opts.RetentionDays),
		CreatedBy:     actorID,
		TenantID:      tenantID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata: RecordMetadata{
			IncludeData:   opts.IncludeData,
			IncludeFiles:  opts.IncludeFiles,
			IncludeConfig: opts.IncludeConfig,
		},
	}
	switch s := opts.Spec.(type) {
	case IncrementalSpec:
		r.Metadata.BaseBackupID = s.BaseBackupID
	case DifferentialSpec:
		r.Metadata.BaseBackupID = s.BaseBackupID
	}
	r.Metadata.StorageKey = BuildStorageKey(r)
	return r
}

// GenerateBackupID generates a unique backup ID
func GenerateBackupID() string {
	return "bkp_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// BuildStorageKey returns tenant/yyyy/mm/id.ext for a record
func BuildStorageKey(r *BackupRecord) string {
	return path.Join(
		sanitizeKeySegment(r.TenantID),
		r.CreatedAt.Format("2006"),
		r.CreatedAt.Format("01"),
		r.ID+ArtifactExtension(r.Compression, r.Encryption),
	)
}

// ArtifactExtension returns the file extension for a compression/encryption pair
func ArtifactExtension(ct CompressionType, encrypted bool) string {
	var ext string
	switch ct {
	case CompressionTypeGzip:
		ext = ".json.gz"
	case CompressionTypeZip:
		ext = ".zip"
	case CompressionTypeZstd:
		ext = ".json.zst"
	case CompressionTypeLZ4:
		ext = ".json.lz4"
	default:
		ext = ".json"
	}
	if encrypted {
		ext += ".enc"
	}
	return ext
}

// ContentTypeFor returns the MIME type served on download
func ContentTypeFor(ct CompressionType, encrypted bool) string {
	if encrypted {
		return "application/octet-stream"
	}
	switch ct {
	case CompressionTypeNone:
		return "application/json"
	case CompressionTypeGzip:
		return "application/gzip"
	case CompressionTypeZip:
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}

func sanitizeKeySegment(s string) string {
	s = strings.ReplaceAll(s, "..", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	if s == "" {
		return "_"
	}
	return s
}

func isValidCompressionType(ct CompressionType) bool {
	switch ct {
	case CompressionTypeNone, CompressionTypeGzip, CompressionTypeZip, CompressionTypeZstd, CompressionTypeLZ4:
		return true
	default:
		return false
	}
}

func isValidStorageProviderType(provider StorageProviderType) bool {
	switch provider {
	case StorageProviderLocal, StorageProviderS3, StorageProviderMinio, StorageProviderAzure, StorageProviderGCS:
		return true
	default:
		return false
	}
}
