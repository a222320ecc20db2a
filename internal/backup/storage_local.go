package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	schemeLocal = "file"
	schemeS3    = "s3"
	schemeMinio = "minio"
	schemeGCS   = "gcs"
	schemeAzure = "azure"
)

// HealthChecker is implemented by backends that can probe their target
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

func formatLocator(scheme, key string) string {
	return scheme + "://" + key
}

// parseLocator returns the key inside locator. A bare key is accepted.
func parseLocator(scheme, locator string) (string, error) {
	if locator == "" {
		return "", NewValidationError("storage locator cannot be empty", nil)
	}
	if i := strings.Index(locator, "://"); i >= 0 {
		if locator[:i] != scheme {
			return "", NewValidationError(fmt.Sprintf("locator %q does not belong to %s storage", locator, scheme), nil)
		}
		locator = locator[i+3:]
	}
	return strings.TrimPrefix(locator, "/"), nil
}

// KeyFromLocator strips any scheme from a locator
func KeyFromLocator(locator string) string {
	if i := strings.Index(locator, "://"); i >= 0 {
		return locator[i+3:]
	}
	return locator
}

func joinKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// LocalStorageBackend stores artifacts under a base directory
type LocalStorageBackend struct {
	basePath    string
	permissions os.FileMode
}

// NewLocalStorageBackend creates the backend and its base directory
func NewLocalStorageBackend(config *LocalConfig) (*LocalStorageBackend, error) {
	if config == nil {
		return nil, NewValidationError("local storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid local storage configuration", err)
	}

	backend := &LocalStorageBackend{
		basePath:    filepath.Clean(config.BasePath),
		permissions: config.Permissions,
	}
	if backend.permissions == 0 {
		backend.permissions = 0750
	}
	if err := os.MkdirAll(backend.basePath, backend.permissions); err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to create base directory %s", backend.basePath), err)
	}
	return backend, nil
}

// Name identifies the backend in logs
func (l *LocalStorageBackend) Name() string { return "local" }

// Put writes data atomically to basePath/key
func (l *LocalStorageBackend) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", NewStorageError("local put cancelled", err)
	}

	target, err := l.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), l.permissions); err != nil {
		return "", NewStorageError("failed to create backup directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", NewStorageError("failed to create temporary file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", NewStorageError("failed to write backup file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", NewStorageError("failed to sync backup file", err)
	}
	if err := tmp.Close(); err != nil {
		return "", NewStorageError("failed to close backup file", err)
	}
	if err := os.Chmod(tmpName, 0640); err != nil {
		return "", NewStorageError("failed to set backup file permissions", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", NewStorageError("failed to move backup file into place", err)
	}

	return formatLocator(schemeLocal, key), nil
}

// Get reads the artifact at locator
func (l *LocalStorageBackend) Get(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError("local get cancelled", err)
	}

	key, err := parseLocator(schemeLocal, locator)
	if err != nil {
		return nil, err
	}
	target, err := l.resolve(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, NewNotFoundError(fmt.Sprintf("backup artifact %s not found", key), err)
	}
	if err != nil {
		return nil, NewStorageError("failed to read backup file", err)
	}
	return data, nil
}

// Delete removes the artifact at locator and prunes empty parent directories
func (l *LocalStorageBackend) Delete(ctx context.Context, locator string) error {
	key, err := parseLocator(schemeLocal, locator)
	if err != nil {
		return err
	}
	target, err := l.resolve(key)
	if err != nil {
		return err
	}

	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewNotFoundError(fmt.Sprintf("backup artifact %s not found", key), err)
		}
		return NewStorageError("failed to delete backup file", err)
	}

	for dir := filepath.Dir(target); dir != l.basePath && strings.HasPrefix(dir, l.basePath); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// resolve maps a key to a path that cannot escape basePath
func (l *LocalStorageBackend) resolve(key string) (string, error) {
	if key == "" {
		return "", NewValidationError("storage key cannot be empty", nil)
	}
	cleaned := filepath.Clean("/" + filepath.FromSlash(key))
	target := filepath.Join(l.basePath, cleaned)
	if target == l.basePath {
		return "", NewValidationError(fmt.Sprintf("invalid storage key %q", key), nil)
	}
	return target, nil
}

// BasePath returns the root directory
func (l *LocalStorageBackend) BasePath() string {
	return l.basePath
}

// HealthCheck verifies that the base directory is writable
func (l *LocalStorageBackend) HealthCheck(ctx context.Context) error {
	testFile := filepath.Join(l.basePath, ".health_check")

	if err := os.WriteFile(testFile, []byte("health_check"), 0600); err != nil {
		return NewStorageError("local storage health check failed: cannot write to base directory", err)
	}
	if _, err := os.ReadFile(testFile); err != nil {
		return NewStorageError("local storage health check failed: cannot read from base directory", err)
	}
	_ = os.Remove(testFile)
	return nil
}
