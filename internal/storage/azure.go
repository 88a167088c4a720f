package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureConfig holds the configuration for the Azure Blob backend. When
// AccountKey is empty the default Azure credential chain is used
// (managed identity, workload identity, az CLI).
type AzureConfig struct {
	AccountURL  string // e.g. "https://<account>.blob.core.windows.net/"
	Container   string
	AccountName string
	AccountKey  string
}

// AzureStore lists and downloads workspace objects from an Azure Blob container.
type AzureStore struct {
	client    *azblob.Client
	container string
}

// NewAzureStore creates a new Azure Blob workspace store.
func NewAzureStore(cfg AzureConfig) (*AzureStore, error) {
	if cfg.AccountURL == "" || cfg.Container == "" {
		return nil, fmt.Errorf("azure account URL and container are required")
	}

	var client *azblob.Client
	if cfg.AccountKey != "" {
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("invalid azure shared key: %w", err)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(cfg.AccountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create azure blob client: %w", err)
		}
	} else {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to load azure credentials: %w", err)
		}
		client, err = azblob.NewClient(cfg.AccountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create azure blob client: %w", err)
		}
	}

	return &AzureStore{client: client, container: cfg.Container}, nil
}

// Describe implements ObjectStore.
func (s *AzureStore) Describe() string {
	return "azblob://" + s.container
}

// List implements ObjectStore.
func (s *AzureStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list azblob://%s/%s: %w", s.container, prefix, err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
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
	return objects, nil
}

// Open implements ObjectStore.
func (s *AzureStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s from Azure: %w", key, err)
	}
	return resp.Body, nil
}
