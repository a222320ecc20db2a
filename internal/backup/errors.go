package backup

import (
	"errors"
	"fmt"
	"strings"
)

// BackupError represents errors that occur during backup operations
type BackupError struct {
	Type    BackupErrorType        `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *BackupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause error
func (e *BackupError) Unwrap() error {
	return e.Cause
}

// Is matches any BackupError of the same type, so callers can test
// errors.Is(err, ErrNotFound) regardless of message.
func (e *BackupError) Is(target error) bool {
	t, ok := target.(*BackupError)
	return ok && t.Type == e.Type
}

// Kind maps the error onto the four caller-facing categories
func (e *BackupError) Kind() ErrorKind {
	switch e.Type {
	case BackupErrorTypeValidation, BackupErrorTypeConflict:
		return KindValidation
	case BackupErrorTypeNotFound:
		return KindNotFound
	case BackupErrorTypeForbidden:
		return KindForbidden
	default:
		return KindInternal
	}
}

// WithContext adds context information to the error
func (e *BackupError) WithContext(key string, value interface{}) *BackupError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// BackupErrorType represents different types of backup errors
type BackupErrorType string

const (
	BackupErrorTypeStorage        BackupErrorType = "STORAGE_ERROR"
	BackupErrorTypeValidation     BackupErrorType = "VALIDATION_ERROR"
	BackupErrorTypeCompression    BackupErrorType = "COMPRESSION_ERROR"
	BackupErrorTypeEncryption     BackupErrorType = "ENCRYPTION_ERROR"
	BackupErrorTypeCorruption     BackupErrorType = "CORRUPTION_ERROR"
	BackupErrorTypeForbidden      BackupErrorType = "FORBIDDEN_ERROR"
	BackupErrorTypeDatabase       BackupErrorType = "DATABASE_ERROR"
	BackupErrorTypeConfiguration  BackupErrorType = "CONFIGURATION_ERROR"
	BackupErrorTypeNotFound       BackupErrorType = "NOT_FOUND_ERROR"
	BackupErrorTypeConflict       BackupErrorType = "CONFLICT_ERROR"
	BackupErrorTypeNotImplemented BackupErrorType = "NOT_IMPLEMENTED_ERROR"
	BackupErrorTypeInternal       BackupErrorType = "INTERNAL_ERROR"
)

// ErrorKind is the coarse category surfaced to callers of the subsystem
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindForbidden  ErrorKind = "forbidden"
	KindInternal   ErrorKind = "internal"
)

// Sentinels for errors.Is checks. Matching is by type only.
var (
	ErrValidation     = &BackupError{Type: BackupErrorTypeValidation}
	ErrNotFound       = &BackupError{Type: BackupErrorTypeNotFound}
	ErrForbidden      = &BackupError{Type: BackupErrorTypeForbidden}
	ErrConflict       = &BackupError{Type: BackupErrorTypeConflict}
	ErrCorruption     = &BackupError{Type: BackupErrorTypeCorruption}
	ErrEncryption     = &BackupError{Type: BackupErrorTypeEncryption}
	ErrNotImplemented = &BackupError{Type: BackupErrorTypeNotImplemented}
)

// KindOf returns the caller-facing category of any error
func KindOf(err error) ErrorKind {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr.Kind()
	}
	return KindInternal
}

// NewBackupError creates a new BackupError
func NewBackupError(errorType BackupErrorType, message string, cause error) *BackupError {
	return &BackupError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Common error constructors
func NewStorageError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeStorage, message, cause)
}

func NewValidationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeValidation, message, cause)
}

func NewCompressionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCompression, message, cause)
}

func NewEncryptionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeEncryption, message, cause)
}

func NewCorruptionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCorruption, message, cause)
}

func NewForbiddenError(message string) *BackupError {
	return NewBackupError(BackupErrorTypeForbidden, message, nil)
}

func NewDatabaseError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeDatabase, message, cause)
}

func NewConfigurationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConfiguration, message, cause)
}

func NewNotFoundError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConflict, message, cause)
}

func NewNotImplementedError(message string) *BackupError {
	return NewBackupError(BackupErrorTypeNotImplemented, message, nil)
}

func NewInternalError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeInternal, message, cause)
}

// ValidationError represents validation-specific errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors represents a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "no validation errors"
	case 1:
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Add adds a validation error to the collection
func (e *ValidationErrors) Add(field, message string, value interface{}) {
	*e = append(*e, ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Messages returns the human-readable messages in order
func (e ValidationErrors) Messages() []string {
	out := make([]string, len(e))
	for i, ve := range e {
		out[i] = ve.Message
	}
	return out
}

// AsBackupError folds the collection into a single validation BackupError
// whose message is the joined field messages.
func (e ValidationErrors) AsBackupError() *BackupError {
	if !e.HasErrors() {
		return nil
	}
	return NewValidationError(strings.Join(e.Messages(), "; "), e)
}

// IsRetryable determines if an error is worth retrying at the storage layer
func IsRetryable(err error) bool {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr.Type == BackupErrorTypeStorage || backupErr.Type == BackupErrorTypeDatabase
	}
	return false
}

// IsPermanent determines if an error is permanent and should not be retried
func IsPermanent(err error) bool {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		switch backupErr.Type {
		case BackupErrorTypeValidation, BackupErrorTypeCorruption, BackupErrorTypeForbidden,
			BackupErrorTypeConfiguration, BackupErrorTypeNotImplemented, BackupErrorTypeEncryption:
			return true
		}
	}
	return false
}
