package layersource

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/jobrunner/cribrum/internal/ports/output"
)

// LocalSource implements LayerSource for a local directory.
type LocalSource struct {
	basePath string
}

// NewLocalSource creates a local directory layer source.
func NewLocalSource(basePath string) *LocalSource {
	return &LocalSource{basePath: basePath}
}

// List returns all dataset files under the directory.
func (s *LocalSource) List(_ context.Context) ([]output.DatasetObject, error) {
	var objects []output.DatasetObject

	err := filepath.Walk(s.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !isDatasetKey(info.Name()) {
			return nil
		}

		relPath, err := filepath.Rel(s.basePath, path)
		if err != nil {
			return err
		}

		objects = append(objects, output.DatasetObject{
			Key:          relPath,
			Size:         info.Size(),
			LastModified: info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return objects, nil
}

// Download copies a dataset to the destination. Copying a file onto itself
// is a no-op so local datasets can be opened in place.
func (s *LocalSource) Download(_ context.Context, key string, dest string) error {
	srcPath := filepath.Join(s.basePath, key)
	if srcPath == dest {
		return nil
	}

	src, err := os.Open(srcPath) //#nosec G304 -- key resolved under the configured base path
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	return writeStream(dest, src)
}

// GetReader returns a reader for the given dataset.
func (s *LocalSource) GetReader(_ context.Context, key string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.basePath, key)) //#nosec G304 -- key resolved under the configured base path
}

// Exists checks if a dataset file exists.
func (s *LocalSource) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.basePath, key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// FullPath returns the absolute path for a key, letting local datasets be
// opened without copying.
func (s *LocalSource) FullPath(key string) string {
	return filepath.Join(s.basePath, key)
}
