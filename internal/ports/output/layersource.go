package output

import (
	"context"
	"io"
)

// LayerSource is the secondary port for acquiring embedded layer datasets
// (GeoPackage files) from wherever they are published.
type LayerSource interface {
	// List returns all dataset files available at the source.
	List(ctx context.Context) ([]DatasetObject, error)

	// Download fetches a dataset file to the local filesystem.
	Download(ctx context.Context, key string, dest string) error

	// GetReader returns a reader for the given dataset.
	GetReader(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if a dataset exists at the source.
	Exists(ctx context.Context, key string) (bool, error)
}

// DatasetObject represents a dataset file at a layer source.
type DatasetObject struct {
	Key          string // Object key/path
	Size         int64  // Size in bytes
	LastModified int64  // Unix timestamp
	ETag         string // Content hash
}

// SourceType represents the type of layer source backing store.
type SourceType string

const (
	SourceTypeS3    SourceType = "s3"
	SourceTypeAzure SourceType = "azure"
	SourceTypeHTTP  SourceType = "http"
	SourceTypeLocal SourceType = "local"
)
