// Azure Blob Storage backend. The SnapStore bucket maps to an Azure
// container; short-lived credentials are carried as a SAS token.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	snaperr "github.com/bleepstore/snapstore/internal/errors"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the backend uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// ContainerExists checks if a container exists.
	ContainerExists(ctx context.Context, containerName string) (bool, error)
	// UploadBlob uploads data to a blob, overwriting if it already exists.
	UploadBlob(ctx context.Context, containerName, blobName string, r io.Reader) error
	// DownloadBlob opens a blob's contents for reading.
	DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, int64, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// BlobExists checks if a blob exists.
	BlobExists(ctx context.Context, containerName, blobName string) (bool, error)
	// BlobURL returns the URL of a blob, used as a copy source.
	BlobURL(containerName, blobName string) string
	// StartCopyFromURL copies a blob from a source URL.
	StartCopyFromURL(ctx context.Context, containerName, blobName, sourceURL string) error
	// ListPage returns one page of flat listing and the next marker.
	ListPage(ctx context.Context, containerName, prefix, marker string, maxResults int) ([]ObjectInfo, string, error)
}

// AzureOptions configures a dialed Azure handle.
type AzureOptions struct {
	// AccountURL is the storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL       string
	ConnectionString string
	SASToken         string
}

// AzureBackend implements Backend against Azure Blob Storage.
type AzureBackend struct {
	AccountURL string
	client     AzureBlobAPI
}

// NewAzureBackend dials a new Azure handle.
func NewAzureBackend(ctx context.Context, opts AzureOptions) (*AzureBackend, error) {
	client, err := newRealAzureClient(opts.AccountURL, opts.ConnectionString, opts.SASToken)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}
	return &AzureBackend{AccountURL: opts.AccountURL, client: client}, nil
}

// NewAzureBackendWithClient wraps a pre-configured client. This is primarily
// used for testing with mock clients.
func NewAzureBackendWithClient(accountURL string, client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{AccountURL: accountURL, client: client}
}

func (b *AzureBackend) BucketExists(ctx context.Context, bucket string) (bool, error) {
	ok, err := b.client.ContainerExists(ctx, bucket)
	if err != nil {
		return false, fmt.Errorf("checking container %q: %w", bucket, err)
	}
	return ok, nil
}

func (b *AzureBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	ok, err := b.client.BlobExists(ctx, bucket, key)
	if err != nil {
		return false, fmt.Errorf("checking blob existence in Azure: %w", err)
	}
	return ok, nil
}

func (b *AzureBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	r, size, err := b.client.DownloadBlob(ctx, bucket, key)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s/%s", snaperr.ErrNoSuchKey, bucket, key)
		}
		return nil, 0, fmt.Errorf("downloading blob from Azure: %w", err)
	}
	return r, size, nil
}

func (b *AzureBackend) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	if err := b.client.UploadBlob(ctx, bucket, key, io.LimitReader(r, size)); err != nil {
		return fmt.Errorf("uploading to Azure: %w", err)
	}
	return nil
}

// DeleteObject is idempotent: Azure errors on missing blobs, which is
// treated as success.
func (b *AzureBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := b.client.DeleteBlob(ctx, bucket, key); err != nil {
		if isAzureNotFound(err) {
			return nil
		}
		return fmt.Errorf("deleting blob from Azure: %w", err)
	}
	return nil
}

// DeleteObjects deletes blobs one by one.
func (b *AzureBackend) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	if len(keys) > MaxDeleteObjects {
		return fmt.Errorf("batch delete of %d keys exceeds limit of %d", len(keys), MaxDeleteObjects)
	}
	for _, k := range keys {
		if err := b.DeleteObject(ctx, bucket, k); err != nil {
			return err
		}
	}
	return nil
}

func (b *AzureBackend) CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	src := b.client.BlobURL(bucket, srcKey)
	if err := b.client.StartCopyFromURL(ctx, bucket, dstKey, src); err != nil {
		if isAzureNotFound(err) {
			return fmt.Errorf("%w: source %s/%s", snaperr.ErrNoSuchKey, bucket, srcKey)
		}
		return fmt.Errorf("copying blob in Azure: %w", err)
	}
	return nil
}

func (b *AzureBackend) ListObjects(ctx context.Context, bucket, prefix, marker string, maxKeys int) (*ListPage, error) {
	if maxKeys <= 0 {
		maxKeys = MaxDeleteObjects
	}
	objects, next, err := b.client.ListPage(ctx, bucket, prefix, marker, maxKeys)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("%w: %s", snaperr.ErrNoSuchBucket, bucket)
		}
		return nil, fmt.Errorf("listing %s/%s: %w", bucket, prefix, err)
	}
	return &ListPage{
		Objects:    objects,
		NextMarker: next,
		Truncated:  next != "",
	}, nil
}

// Close is a no-op; the Azure pipeline holds no per-handle connections.
func (b *AzureBackend) Close() error { return nil }

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not found") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist") ||
		strings.Contains(msg, "the specified container does not exist") {
		return true
	}
	return false
}

var _ Backend = (*AzureBackend)(nil)
