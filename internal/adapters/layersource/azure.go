package layersource

import (
	"context"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/jobrunner/cribrum/internal/ports/output"
)

// AzureSource implements LayerSource for Azure Blob Storage.
type AzureSource struct {
	client    *azblob.Client
	container string
	prefix    string
}

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	Container        string
	AccountName      string
	AccountKey       string
	ConnectionString string
	Prefix           string
}

// NewAzureSource creates an Azure Blob Storage layer source.
func NewAzureSource(cfg AzureConfig) (*AzureSource, error) {
	var client *azblob.Client
	var err error

	if cfg.ConnectionString != "" {
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, err
		}
	} else {
		url := "https://" + cfg.AccountName + ".blob.core.windows.net/"
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, err
		}
		client, err = azblob.NewClientWithSharedKeyCredential(url, cred, nil)
		if err != nil {
			return nil, err
		}
	}

	return &AzureSource{
		client:    client,
		container: cfg.Container,
		prefix:    cfg.Prefix,
	}, nil
}

// List returns all dataset files in the container.
func (s *AzureSource) List(ctx context.Context) ([]output.DatasetObject, error) {
	var objects []output.DatasetObject

	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &s.prefix,
	})

	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		for _, blob := range page.Segment.BlobItems {
			if obj, ok := s.blobToDataset(blob); ok {
				objects = append(objects, obj)
			}
		}
	}

	return objects, nil
}

// blobToDataset converts a blob item, skipping non-dataset files.
func (s *AzureSource) blobToDataset(blob *container.BlobItem) (output.DatasetObject, bool) {
	name := *blob.Name
	if !isDatasetKey(name) {
		return output.DatasetObject{}, false
	}

	obj := output.DatasetObject{Key: trimPrefix(name, s.prefix)}
	if blob.Properties != nil {
		if blob.Properties.ContentLength != nil {
			obj.Size = *blob.Properties.ContentLength
		}
		if blob.Properties.LastModified != nil {
			obj.LastModified = blob.Properties.LastModified.Unix()
		}
		if blob.Properties.ETag != nil {
			obj.ETag = string(*blob.Properties.ETag)
		}
	}
	return obj, true
}

// Download downloads a dataset blob to the local filesystem.
func (s *AzureSource) Download(ctx context.Context, key string, dest string) error {
	resp, err := s.client.DownloadStream(ctx, s.container, s.fullKey(key), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return writeStream(dest, resp.Body)
}

// GetReader returns a reader for the given blob.
func (s *AzureSource) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, s.fullKey(key), nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Exists checks if a blob exists.
func (s *AzureSource) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.DownloadStream(ctx, s.container, s.fullKey(key), &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: 0, Count: 1},
	})
	if err != nil {
		return false, nil //nolint:nilerr // error indicates the blob doesn't exist
	}
	return true, nil
}

func (s *AzureSource) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}
