// Package layersource provides adapters for acquiring embedded layer
// datasets from local directories, object stores and HTTP servers.
package layersource

import (
	"io"
	"os"
	"path/filepath"
	"strings"
)

// datasetExtensions are the file extensions recognized as embedded datasets.
var datasetExtensions = []string{".gpkg", ".sqlite"}

// isDatasetKey reports whether the key names an embedded dataset file.
func isDatasetKey(key string) bool {
	lower := strings.ToLower(key)
	for _, ext := range datasetExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// writeStream writes r to dest, creating parent directories as needed.
func writeStream(dest string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return err
	}

	f, err := os.Create(dest) //#nosec G304 -- dest is a controlled local path
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = io.Copy(f, r)
	return err
}

// trimPrefix strips an object-store prefix from a key.
func trimPrefix(key, prefix string) string {
	key = strings.TrimPrefix(key, prefix)
	return strings.TrimPrefix(key, "/")
}
