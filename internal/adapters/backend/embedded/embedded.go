// Package embedded provides the SpatiaLite-based filtering backend for
// layers stored in embedded datasets such as GeoPackage files.
package embedded

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/jobrunner/cribrum/internal/domain"
	"github.com/jobrunner/cribrum/internal/ports/output"
)

// Ensure sqlite3 driver is registered with extension support.
func init() {
	sql.Register("sqlite3_with_spatialite", &sqlite3.SQLiteDriver{
		Extensions: getSpatiaLiteLibraryPaths(),
	})
}

// getSpatiaLiteLibraryPaths returns a list of paths to try for loading
// SpatiaLite. The environment variable wins, then platform-specific paths.
func getSpatiaLiteLibraryPaths() []string {
	if envPath := os.Getenv("SPATIALITE_LIBRARY_PATH"); envPath != "" {
		return []string{envPath}
	}

	return []string{
		// Alpine Linux (Docker containers)
		"/usr/lib/mod_spatialite.so",
		"/usr/lib/mod_spatialite.so.8",

		// Debian/Ubuntu amd64
		"/usr/lib/x86_64-linux-gnu/mod_spatialite.so",
		"/usr/lib/x86_64-linux-gnu/mod_spatialite.so.8",

		// Debian/Ubuntu arm64
		"/usr/lib/aarch64-linux-gnu/mod_spatialite.so",
		"/usr/lib/aarch64-linux-gnu/mod_spatialite.so.8",

		// macOS Homebrew (Intel and Apple Silicon)
		"/usr/local/lib/mod_spatialite.dylib",
		"/opt/homebrew/lib/mod_spatialite.dylib",

		// Generic names (let the system find them via LD_LIBRARY_PATH)
		"mod_spatialite.so",
		"mod_spatialite",
		"mod_spatialite.dylib",
	}
}

// indexThreshold is the feature count above which an R-tree index is built
// before filtering.
const indexThreshold = 10000

// Backend implements the filtering contract on SpatiaLite. It owns one
// connection per open dataset and materializes results as filter tables
// inside the dataset database.
type Backend struct {
	mu        sync.RWMutex
	datasets  map[string]*sql.DB
	artifacts map[string]string // artifact name -> dataset ID

	retry   RetryConfig
	metrics output.MetricsCollector
	logger  *slog.Logger

	readyOnce sync.Once
	readyErr  error
}

// NewBackend creates the embedded backend.
func NewBackend(retry RetryConfig, metrics output.MetricsCollector, logger *slog.Logger) *Backend {
	return &Backend{
		datasets:  make(map[string]*sql.DB),
		artifacts: make(map[string]string),
		retry:     retry.withDefaults(),
		metrics:   metrics,
		logger:    logger,
	}
}

// Kind implements output.Backend.
func (b *Backend) Kind() domain.BackendKind {
	return domain.BackendEmbedded
}

// Capabilities implements output.Backend.
func (b *Backend) Capabilities() domain.BackendCapabilities {
	return domain.BackendCapabilities{
		Predicates:       domain.AllPredicates,
		ServerSideBuffer: true,
		PersistentIndex:  true,
		Tier:             2,
		StorageKinds:     []domain.StorageKind{domain.KindEmbedded},
	}
}

// Ready implements output.Backend. The SpatiaLite check is done once: the
// extension either loads on this host or it never will.
func (b *Backend) Ready(ctx context.Context) error {
	b.readyOnce.Do(func() {
		db, err := sql.Open("sqlite3_with_spatialite", ":memory:")
		if err != nil {
			b.readyErr = fmt.Errorf("opening scratch database: %w", err)
			return
		}
		defer func() { _ = db.Close() }()

		var version string
		if err := db.QueryRowContext(ctx, "SELECT spatialite_version()").Scan(&version); err != nil {
			b.readyErr = fmt.Errorf("SpatiaLite extension not available: %w", err)
			return
		}
		b.logger.Debug("spatialite available", "version", version)
	})
	if b.readyErr != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, b.readyErr)
	}
	return nil
}

// OpenDataset opens an embedded dataset file and returns descriptors for the
// feature layers it contains. Opening an already-open dataset is idempotent.
func (b *Backend) OpenDataset(ctx context.Context, path string) ([]domain.LayerDescriptor, error) {
	datasetID := DeriveDatasetID(path)

	b.mu.Lock()
	defer b.mu.Unlock()

	db, open := b.datasets[datasetID]
	if !open {
		var err error
		db, err = b.openDB(ctx, path)
		if err != nil {
			return nil, &domain.BackendError{
				Backend: domain.BackendEmbedded,
				Op:      "open",
				Err:     fmt.Errorf("dataset %s: %w", path, err),
			}
		}
		b.datasets[datasetID] = db
	}

	layers, err := b.readLayers(ctx, db, datasetID, path)
	if err != nil {
		if !open {
			_ = db.Close()
			delete(b.datasets, datasetID)
		}
		return nil, err
	}
	return layers, nil
}

// CloseDataset closes a dataset connection, dropping any filter tables the
// backend materialized in it.
func (b *Backend) CloseDataset(ctx context.Context, dataset string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	db, ok := b.datasets[dataset]
	if !ok {
		return nil
	}

	for name, owner := range b.artifacts {
		if owner != dataset {
			continue
		}
		_, _ = db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, name)) //#nosec G201 -- backend-generated table name
		delete(b.artifacts, name)
	}

	if err := db.Close(); err != nil {
		return err
	}
	delete(b.datasets, dataset)
	return nil
}

// ExtractGeometry implements output.GeometryExtractor.
func (b *Backend) ExtractGeometry(ctx context.Context, layer domain.LayerDescriptor, featureID int64) (domain.Geometry, error) {
	db, err := b.conn(layer.Dataset)
	if err != nil {
		return domain.Geometry{}, err
	}

	query := fmt.Sprintf(
		`SELECT AsText(CastAutomagic("%s")) FROM "%s" WHERE "%s" = ?`, //#nosec G201 -- identifiers from trusted dataset metadata
		layer.GeometryColumn, layer.Source, layer.PrimaryKey,
	)

	var text sql.NullString
	err = b.withRetry(ctx, func() error {
		return db.QueryRowContext(ctx, query, featureID).Scan(&text)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Geometry{}, fmt.Errorf("feature %d: %w", featureID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Geometry{}, &domain.BackendError{
			Backend: domain.BackendEmbedded,
			Layer:   layer.ID,
			Op:      "extract",
			Err:     err,
		}
	}
	if !text.Valid {
		return domain.Geometry{}, fmt.Errorf("feature %d has no geometry: %w", featureID, domain.ErrNotFound)
	}
	return domain.NewGeometryFromWKT(text.String, layer.SRID)
}

// ListFeatureIDs implements output.FeatureIDLister.
func (b *Backend) ListFeatureIDs(ctx context.Context, layer domain.LayerDescriptor) ([]int64, error) {
	db, err := b.conn(layer.Dataset)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT "%s" FROM "%s" ORDER BY "%s"`, //#nosec G201 -- identifiers from trusted dataset metadata
		layer.PrimaryKey, layer.Source, layer.PrimaryKey,
	)

	var ids []int64
	err = b.withRetry(ctx, func() error {
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		ids = ids[:0]
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, &domain.BackendError{
			Backend: domain.BackendEmbedded,
			Layer:   layer.ID,
			Op:      "list",
			Err:     err,
		}
	}
	return ids, nil
}

// conn returns the connection for a dataset.
func (b *Backend) conn(dataset string) (*sql.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	db, ok := b.datasets[dataset]
	if !ok {
		return nil, fmt.Errorf("dataset %s not open: %w", dataset, domain.ErrNotFound)
	}
	return db, nil
}

// openDB opens the database and verifies the SpatiaLite extension loaded.
// Datasets open read-write so filter tables and R-tree indexes can be
// created; feature data itself is never modified.
func (b *Backend) openDB(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared", path)
	db, err := sql.Open("sqlite3_with_spatialite", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	var version string
	if err := db.QueryRowContext(ctx, "SELECT spatialite_version()").Scan(&version); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("SpatiaLite extension not available: %w", err)
	}

	return db, nil
}

// readLayers reads feature layer metadata from gpkg_contents.
func (b *Backend) readLayers(ctx context.Context, db *sql.DB, datasetID, path string) ([]domain.LayerDescriptor, error) {
	query := `
		SELECT
			c.table_name,
			COALESCE(c.identifier, c.table_name),
			g.column_name,
			g.geometry_type_name,
			g.srs_id
		FROM gpkg_contents c
		JOIN gpkg_geometry_columns g ON c.table_name = g.table_name
		WHERE c.data_type = 'features'
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reading layers from %s: %w", path, err)
	}
	defer func() { _ = rows.Close() }()

	var layers []domain.LayerDescriptor
	for rows.Next() {
		l := domain.LayerDescriptor{
			StorageKind: domain.KindEmbedded,
			PrimaryKey:  "fid",
			Dataset:     datasetID,
		}
		if err := rows.Scan(&l.Source, &l.Name, &l.GeometryColumn, &l.GeometryType, &l.SRID); err != nil {
			return nil, fmt.Errorf("scanning layer: %w", err)
		}
		l.ID = datasetID + "." + l.Source

		countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, l.Source) //#nosec G201 -- table name from trusted dataset metadata
		var count int64
		if err := db.QueryRowContext(ctx, countQuery).Scan(&count); err == nil {
			l.FeatureCount = count
		}

		layers = append(layers, l)
	}

	return layers, rows.Err()
}

// DeriveDatasetID derives a dataset ID from the file path: the filename
// without extension.
func DeriveDatasetID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
