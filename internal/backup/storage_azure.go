package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureStorageBackend stores artifacts in an Azure Blob Storage container
type AzureStorageBackend struct {
	containerURL azblob.ContainerURL
	prefix       string
}

// NewAzureStorageBackend creates an Azure backend from a shared key
func NewAzureStorageBackend(config *AzureConfig) (*AzureStorageBackend, error) {
	if config == nil {
		return nil, NewValidationError("Azure storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid Azure storage configuration", err)
	}

	credential, err := azblob.NewSharedKeyCredential(config.AccountName, config.AccountKey)
	if err != nil {
		return nil, NewStorageError("failed to create Azure credentials", err)
	}

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", config.AccountName))
	if err != nil {
		return nil, NewStorageError("failed to parse Azure service URL", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})
	service := azblob.NewServiceURL(*serviceURL, pipeline)

	return &AzureStorageBackend{
		containerURL: service.NewContainerURL(config.ContainerName),
		prefix:       config.Prefix,
	}, nil
}

// Name identifies the backend in logs
func (a *AzureStorageBackend) Name() string { return "azure" }

// Put uploads data as a block blob under prefix/key
func (a *AzureStorageBackend) Put(ctx context.Context, key string, data []byte) (string, error) {
	blobURL := a.containerURL.NewBlockBlobURL(joinKey(a.prefix, key))

	_, err := azblob.UploadBufferToBlockBlob(ctx, data, blobURL, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 4,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return "", NewStorageError("failed to upload backup to Azure", err).WithContext("key", key)
	}
	return formatLocator(schemeAzure, key), nil
}

// Get downloads the artifact at locator
func (a *AzureStorageBackend) Get(ctx context.Context, locator string) ([]byte, error) {
	key, err := parseLocator(schemeAzure, locator)
	if err != nil {
		return nil, err
	}

	blobURL := a.containerURL.NewBlockBlobURL(joinKey(a.prefix, key))
	resp, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isAzureNotFound(err) {
			return nil, NewNotFoundError(fmt.Sprintf("backup artifact %s not found in Azure", key), err)
		}
		return nil, NewStorageError("failed to download backup from Azure", err).WithContext("key", key)
	}

	body := resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 3})
	defer body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		return nil, NewStorageError("failed to read Azure blob", err)
	}
	return buf.Bytes(), nil
}

// Delete removes the blob and its snapshots
func (a *AzureStorageBackend) Delete(ctx context.Context, locator string) error {
	key, err := parseLocator(schemeAzure, locator)
	if err != nil {
		return err
	}

	blobURL := a.containerURL.NewBlockBlobURL(joinKey(a.prefix, key))
	if _, err := blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{}); err != nil {
		if isAzureNotFound(err) {
			return NewNotFoundError(fmt.Sprintf("backup artifact %s not found in Azure", key), err)
		}
		return NewStorageError("failed to delete backup from Azure", err).WithContext("key", key)
	}
	return nil
}

// HealthCheck verifies that the container is reachable
func (a *AzureStorageBackend) HealthCheck(ctx context.Context) error {
	if _, err := a.containerURL.GetProperties(ctx, azblob.LeaseAccessConditions{}); err != nil {
		return NewStorageError("Azure storage health check failed: container not accessible", err)
	}
	return nil
}

func isAzureNotFound(err error) bool {
	var stgErr azblob.StorageError
	if errors.As(err, &stgErr) {
		return stgErr.ServiceCode() == azblob.ServiceCodeBlobNotFound
	}
	return false
}
