package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// realAzureClient wraps the official Azure SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

// newRealAzureClient creates a real Azure Blob client. A non-empty SAS token
// takes precedence, then the connection string, then DefaultAzureCredential.
func newRealAzureClient(accountURL, connectionString, sasToken string) (*realAzureClient, error) {
	if sasToken != "" {
		u := strings.TrimRight(accountURL, "/") + "/?" + strings.TrimPrefix(sasToken, "?")
		client, err := azblob.NewClientWithNoCredential(u, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client with SAS token: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	if connectionString != "" {
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &realAzureClient{client: client}, nil
}

func (c *realAzureClient) ContainerExists(ctx context.Context, containerName string) (bool, error) {
	_, err := c.client.ServiceClient().NewContainerClient(containerName).GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *realAzureClient) UploadBlob(ctx context.Context, containerName, blobName string, r io.Reader) error {
	_, err := c.client.UploadStream(ctx, containerName, blobName, r, nil)
	return err
}

func (c *realAzureClient) DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, int64, error) {
	resp, err := c.client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		return nil, 0, err
	}
	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}

func (c *realAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	_, err := c.client.DeleteBlob(ctx, containerName, blobName, nil)
	return err
}

func (c *realAzureClient) BlobExists(ctx context.Context, containerName, blobName string) (bool, error) {
	_, err := c.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(blobName).GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *realAzureClient) BlobURL(containerName, blobName string) string {
	return c.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(blobName).URL()
}

func (c *realAzureClient) StartCopyFromURL(ctx context.Context, containerName, blobName, sourceURL string) error {
	_, err := c.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(blobName).StartCopyFromURL(ctx, sourceURL, nil)
	return err
}

func (c *realAzureClient) ListPage(ctx context.Context, containerName, prefix, marker string, maxResults int) ([]ObjectInfo, string, error) {
	opts := &azblob.ListBlobsFlatOptions{
		Prefix:     to.Ptr(prefix),
		MaxResults: to.Ptr(int32(maxResults)),
	}
	if marker != "" {
		opts.Marker = to.Ptr(marker)
	}

	pager := c.client.NewListBlobsFlatPager(containerName, opts)
	if !pager.More() {
		return nil, "", nil
	}
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return nil, "", err
	}

	var objects []ObjectInfo
	if resp.Segment != nil {
		for _, item := range resp.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			info := ObjectInfo{Key: *item.Name}
			if item.Properties != nil && item.Properties.ContentLength != nil {
				info.Size = *item.Properties.ContentLength
			}
			objects = append(objects, info)
		}
	}
	var next string
	if resp.NextMarker != nil {
		next = *resp.NextMarker
	}
	return objects, next, nil
}
