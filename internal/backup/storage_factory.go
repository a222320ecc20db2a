package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "compliance-backup/internal/errors"
	"compliance-backup/internal/logging"
)

// EnvironmentProduction enables mirroring to remote storage
const EnvironmentProduction = "production"

// DefaultStorageTimeout bounds a single remote storage call
const DefaultStorageTimeout = 2 * time.Minute

// StorageBackendFactory builds the storage backend selected by configuration
type StorageBackendFactory struct {
	logger *logging.Logger
	retry  apperrors.RetryConfig
}

// NewStorageBackendFactory creates a factory. A nil logger discards output.
func NewStorageBackendFactory(logger *logging.Logger) *StorageBackendFactory {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &StorageBackendFactory{
		logger: logger,
		retry:  apperrors.DefaultRetryConfig(),
	}
}

// WithRetryConfig overrides the retry policy applied to remote calls
func (f *StorageBackendFactory) WithRetryConfig(config apperrors.RetryConfig) *StorageBackendFactory {
	f.retry = config
	return f
}

// Create returns the local backend, mirrored to the configured remote
// provider when running in production with remote credentials present.
func (f *StorageBackendFactory) Create(ctx context.Context, environment string, config StorageConfig) (StorageBackend, error) {
	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid storage configuration", err)
	}

	localConfig := config.Local
	if localConfig == nil {
		localConfig = &LocalConfig{}
		localConfig.SetDefaults()
	}
	local, err := NewLocalStorageBackend(localConfig)
	if err != nil {
		return nil, err
	}

	if config.Provider == StorageProviderLocal || config.Provider == "" {
		return local, nil
	}
	if environment != EnvironmentProduction || !config.HasRemoteCredentials() {
		f.logger.WithFields(map[string]interface{}{
			"provider":    config.Provider,
			"environment": environment,
		}).Info("Remote storage not mirrored outside production or without credentials")
		return local, nil
	}

	remote, err := f.createRemote(ctx, config)
	if err != nil {
		return nil, err
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultStorageTimeout
	}
	wrapped := NewResilientBackend(remote, timeout, apperrors.NewRetryHandler(f.retry), f.logger)
	return NewMirroredStorageBackend(local, wrapped, f.logger), nil
}

func (f *StorageBackendFactory) createRemote(ctx context.Context, config StorageConfig) (StorageBackend, error) {
	switch config.Provider {
	case StorageProviderS3:
		return NewS3StorageBackend(config.S3)
	case StorageProviderMinio:
		return NewMinioStorageBackend(config.Minio)
	case StorageProviderAzure:
		return NewAzureStorageBackend(config.Azure)
	case StorageProviderGCS:
		return NewGCSStorageBackend(ctx, config.GCS)
	default:
		return nil, NewValidationError(fmt.Sprintf("unsupported storage provider: %s", config.Provider), nil)
	}
}

// SupportedProviders lists the provider names accepted in configuration
func (f *StorageBackendFactory) SupportedProviders() []StorageProviderType {
	return []StorageProviderType{
		StorageProviderLocal,
		StorageProviderS3,
		StorageProviderMinio,
		StorageProviderAzure,
		StorageProviderGCS,
	}
}

// ResilientBackend bounds every call to the wrapped backend with a timeout
// and retries recoverable failures.
type ResilientBackend struct {
	inner   StorageBackend
	timeout time.Duration
	retry   *apperrors.RetryHandler
	logger  *logging.Logger
}

// NewResilientBackend wraps inner
func NewResilientBackend(inner StorageBackend, timeout time.Duration, retry *apperrors.RetryHandler, logger *logging.Logger) *ResilientBackend {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	if retry == nil {
		retry = apperrors.NewDefaultRetryHandler()
	}
	return &ResilientBackend{inner: inner, timeout: timeout, retry: retry, logger: logger}
}

// Name returns the wrapped backend's name
func (r *ResilientBackend) Name() string { return r.inner.Name() }

func (r *ResilientBackend) do(ctx context.Context, op func(context.Context) error) error {
	return r.retry.Retry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return op(callCtx)
	})
}

// Put stores data with timeout and retry
func (r *ResilientBackend) Put(ctx context.Context, key string, data []byte) (string, error) {
	start := time.Now()
	var locator string
	err := r.do(ctx, func(callCtx context.Context) error {
		var err error
		locator, err = r.inner.Put(callCtx, key, data)
		return err
	})
	r.logger.LogStorageOperation(r.inner.Name(), "put", key, len(data), time.Since(start), err)
	return locator, err
}

// Get fetches data with timeout and retry
func (r *ResilientBackend) Get(ctx context.Context, locator string) ([]byte, error) {
	start := time.Now()
	var data []byte
	err := r.do(ctx, func(callCtx context.Context) error {
		var err error
		data, err = r.inner.Get(callCtx, locator)
		return err
	})
	r.logger.LogStorageOperation(r.inner.Name(), "get", locator, len(data), time.Since(start), err)
	return data, err
}

// Delete removes data with timeout and retry
func (r *ResilientBackend) Delete(ctx context.Context, locator string) error {
	start := time.Now()
	err := r.do(ctx, func(callCtx context.Context) error {
		return r.inner.Delete(callCtx, locator)
	})
	r.logger.LogStorageOperation(r.inner.Name(), "delete", locator, 0, time.Since(start), err)
	return err
}

// HealthCheck delegates when the wrapped backend supports it
func (r *ResilientBackend) HealthCheck(ctx context.Context) error {
	hc, ok := r.inner.(HealthChecker)
	if !ok {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return hc.HealthCheck(callCtx)
}

// MirroredStorageBackend keeps a local copy of every artifact and a second
// copy in remote storage. The local locator is authoritative.
type MirroredStorageBackend struct {
	primary   StorageBackend
	secondary StorageBackend
	logger    *logging.Logger
}

// NewMirroredStorageBackend creates a mirrored backend
func NewMirroredStorageBackend(primary, secondary StorageBackend, logger *logging.Logger) *MirroredStorageBackend {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &MirroredStorageBackend{primary: primary, secondary: secondary, logger: logger}
}

// Name combines both backend names
func (m *MirroredStorageBackend) Name() string {
	return m.primary.Name() + "+" + m.secondary.Name()
}

// Put writes both copies and returns the primary locator
func (m *MirroredStorageBackend) Put(ctx context.Context, key string, data []byte) (string, error) {
	locator, _, err := m.PutMirrored(ctx, key, data)
	return locator, err
}

// PutMirrored writes the local copy, then the remote copy. A failure of
// either is an error; a local copy left behind by a remote failure is removed.
func (m *MirroredStorageBackend) PutMirrored(ctx context.Context, key string, data []byte) (string, string, error) {
	primaryLocator, err := m.primary.Put(ctx, key, data)
	if err != nil {
		return "", "", err
	}

	replicaLocator, err := m.secondary.Put(ctx, key, data)
	if err != nil {
		if cleanupErr := m.primary.Delete(context.WithoutCancel(ctx), primaryLocator); cleanupErr != nil {
			m.logger.Warnf("Failed to remove local copy %s after remote upload failure: %v", primaryLocator, cleanupErr)
		}
		return "", "", NewStorageError(fmt.Sprintf("failed to mirror backup to %s storage", m.secondary.Name()), err)
	}

	return primaryLocator, replicaLocator, nil
}

// Get reads the local copy and falls back to the remote copy
func (m *MirroredStorageBackend) Get(ctx context.Context, locator string) ([]byte, error) {
	data, primaryErr := m.primary.Get(ctx, locator)
	if primaryErr == nil {
		return data, nil
	}

	m.logger.Warnf("Local copy unavailable for %s, reading from %s: %v", locator, m.secondary.Name(), primaryErr)
	data, secondaryErr := m.secondary.Get(ctx, KeyFromLocator(locator))
	if secondaryErr == nil {
		return data, nil
	}

	if errors.Is(primaryErr, ErrNotFound) && errors.Is(secondaryErr, ErrNotFound) {
		return nil, secondaryErr
	}
	return nil, NewStorageError("backup artifact unavailable in local and remote storage", errors.Join(primaryErr, secondaryErr))
}

// Delete removes the local copy, then the remote copy on a best-effort basis
func (m *MirroredStorageBackend) Delete(ctx context.Context, locator string) error {
	primaryErr := m.primary.Delete(ctx, locator)

	if err := m.secondary.Delete(ctx, KeyFromLocator(locator)); err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.Warnf("Failed to delete remote copy of %s from %s: %v", locator, m.secondary.Name(), err)
	}
	return primaryErr
}

// HealthCheck checks every backend that supports it
func (m *MirroredStorageBackend) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, b := range []StorageBackend{m.primary, m.secondary} {
		if hc, ok := b.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
