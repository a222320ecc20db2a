package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStorageBackend stores artifacts on an S3-compatible endpoint such as
// MinIO or Cloudflare R2
type MinioStorageBackend struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioStorageBackend creates a backend for an S3-compatible endpoint.
// A scheme on the endpoint overrides UseSSL.
func NewMinioStorageBackend(config *MinioConfig) (*MinioStorageBackend, error) {
	if config == nil {
		return nil, NewValidationError("MinIO storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid MinIO storage configuration", err)
	}

	endpoint := config.Endpoint
	secure := config.UseSSL
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
		secure = true
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = strings.TrimPrefix(endpoint, "http://")
		secure = false
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: secure,
		Region: config.Region,
	})
	if err != nil {
		return nil, NewStorageError("failed to initialize MinIO client", err)
	}

	return &MinioStorageBackend{
		client: client,
		bucket: config.Bucket,
		prefix: config.Prefix,
	}, nil
}

// Name identifies the backend in logs
func (m *MinioStorageBackend) Name() string { return "minio" }

// Put uploads data under prefix/key
func (m *MinioStorageBackend) Put(ctx context.Context, key string, data []byte) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucket, joinKey(m.prefix, key), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", NewStorageError("failed to upload backup to MinIO", err).WithContext("key", key)
	}
	return formatLocator(schemeMinio, key), nil
}

// Get downloads the artifact at locator
func (m *MinioStorageBackend) Get(ctx context.Context, locator string) ([]byte, error) {
	key, err := parseLocator(schemeMinio, locator)
	if err != nil {
		return nil, err
	}

	obj, err := m.client.GetObject(ctx, m.bucket, joinKey(m.prefix, key), minio.GetObjectOptions{})
	if err != nil {
		return nil, m.wrapError("failed to open MinIO object", key, err)
	}
	defer obj.Close()

	// GetObject is lazy, errors such as NoSuchKey surface on the first read
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, m.wrapError("failed to read MinIO object", key, err)
	}
	return data, nil
}

// Delete removes the object
func (m *MinioStorageBackend) Delete(ctx context.Context, locator string) error {
	key, err := parseLocator(schemeMinio, locator)
	if err != nil {
		return err
	}

	if err := m.client.RemoveObject(ctx, m.bucket, joinKey(m.prefix, key), minio.RemoveObjectOptions{}); err != nil {
		return m.wrapError("failed to delete backup from MinIO", key, err)
	}
	return nil
}

// HealthCheck verifies that the bucket exists
func (m *MinioStorageBackend) HealthCheck(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return NewStorageError("MinIO storage health check failed", err)
	}
	if !exists {
		return NewStorageError(fmt.Sprintf("MinIO storage health check failed: bucket %s does not exist", m.bucket), nil)
	}
	return nil
}

func (m *MinioStorageBackend) wrapError(message, key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return NewNotFoundError(fmt.Sprintf("backup artifact %s not found in MinIO", key), err)
	}
	return NewStorageError(message, err).WithContext("key", key)
}
