package backup

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStorageBackend stores artifacts in a Google Cloud Storage bucket
type GCSStorageBackend struct {
	client     *storage.Client
	bucketName string
	prefix     string
}

// NewGCSStorageBackend creates a GCS backend. Without a credentials file the
// client falls back to application default credentials.
func NewGCSStorageBackend(ctx context.Context, config *GCSConfig) (*GCSStorageBackend, error) {
	if config == nil {
		return nil, NewValidationError("GCS storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid GCS storage configuration", err)
	}

	var opts []option.ClientOption
	if config.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, NewStorageError("failed to create GCS client", err)
	}

	return &GCSStorageBackend{
		client:     client,
		bucketName: config.Bucket,
		prefix:     config.Prefix,
	}, nil
}

// Name identifies the backend in logs
func (g *GCSStorageBackend) Name() string { return "gcs" }

func (g *GCSStorageBackend) object(key string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucketName).Object(joinKey(g.prefix, key))
}

// Put uploads data under prefix/key
func (g *GCSStorageBackend) Put(ctx context.Context, key string, data []byte) (string, error) {
	writer := g.object(key).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return "", NewStorageError("failed to upload backup to GCS", err).WithContext("key", key)
	}
	if err := writer.Close(); err != nil {
		return "", NewStorageError("failed to finalize GCS upload", err).WithContext("key", key)
	}
	return formatLocator(schemeGCS, key), nil
}

// Get downloads the artifact at locator
func (g *GCSStorageBackend) Get(ctx context.Context, locator string) ([]byte, error) {
	key, err := parseLocator(schemeGCS, locator)
	if err != nil {
		return nil, err
	}

	reader, err := g.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, NewNotFoundError(fmt.Sprintf("backup artifact %s not found in GCS", key), err)
		}
		return nil, NewStorageError("failed to open GCS object", err).WithContext("key", key)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, NewStorageError("failed to read GCS object", err)
	}
	return data, nil
}

// Delete removes the object
func (g *GCSStorageBackend) Delete(ctx context.Context, locator string) error {
	key, err := parseLocator(schemeGCS, locator)
	if err != nil {
		return err
	}

	if err := g.object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return NewNotFoundError(fmt.Sprintf("backup artifact %s not found in GCS", key), err)
		}
		return NewStorageError("failed to delete backup from GCS", err).WithContext("key", key)
	}
	return nil
}

// HealthCheck verifies that the bucket is reachable
func (g *GCSStorageBackend) HealthCheck(ctx context.Context) error {
	if _, err := g.client.Bucket(g.bucketName).Attrs(ctx); err != nil {
		return NewStorageError("GCS storage health check failed: bucket not accessible", err)
	}
	return nil
}

// Close closes the GCS client
func (g *GCSStorageBackend) Close() error {
	return g.client.Close()
}
