package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3StorageBackend stores artifacts in an Amazon S3 bucket
type S3StorageBackend struct {
	client s3iface.S3API
	bucket string
	prefix string
}

// NewS3StorageBackend creates an S3 backend from static credentials
func NewS3StorageBackend(config *S3Config) (*S3StorageBackend, error) {
	if config == nil {
		return nil, NewValidationError("S3 storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid S3 storage configuration", err)
	}

	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(config.Region),
		Credentials: credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, ""),
	})
	if err != nil {
		return nil, NewStorageError("failed to create AWS session", err)
	}

	return NewS3StorageBackendWithClient(s3.New(sess), config.Bucket, config.Prefix), nil
}

// NewS3StorageBackendWithClient wraps an existing client
func NewS3StorageBackendWithClient(client s3iface.S3API, bucket, prefix string) *S3StorageBackend {
	return &S3StorageBackend{client: client, bucket: bucket, prefix: prefix}
}

// Name identifies the backend in logs
func (s *S3StorageBackend) Name() string { return "s3" }

// Put uploads data under prefix/key
func (s *S3StorageBackend) Put(ctx context.Context, key string, data []byte) (string, error) {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(joinKey(s.prefix, key)),
		Body:                 bytes.NewReader(data),
		ContentLength:        aws.Int64(int64(len(data))),
		ContentType:          aws.String("application/octet-stream"),
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
	})
	if err != nil {
		return "", NewStorageError("failed to upload backup to S3", err).WithContext("key", key)
	}
	return formatLocator(schemeS3, key), nil
}

// Get downloads the artifact at locator
func (s *S3StorageBackend) Get(ctx context.Context, locator string) ([]byte, error) {
	key, err := parseLocator(schemeS3, locator)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinKey(s.prefix, key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, NewNotFoundError(fmt.Sprintf("backup artifact %s not found in S3", key), err)
		}
		return nil, NewStorageError("failed to download backup from S3", err).WithContext("key", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, NewStorageError("failed to read S3 object body", err)
	}
	return data, nil
}

// Delete removes the object. S3 deletes are idempotent.
func (s *S3StorageBackend) Delete(ctx context.Context, locator string) error {
	key, err := parseLocator(schemeS3, locator)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinKey(s.prefix, key)),
	})
	if err != nil {
		return NewStorageError("failed to delete backup from S3", err).WithContext("key", key)
	}
	return nil
}

// HealthCheck verifies that the bucket is reachable
func (s *S3StorageBackend) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return NewStorageError("S3 storage health check failed: bucket not accessible", err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	return false
}
