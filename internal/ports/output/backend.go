// Package output defines the secondary/driven ports of the application.
package output

import (
	"context"

	"github.com/jobrunner/cribrum/internal/domain"
)

// ResolvedRequest is a FilterRequest after backend resolution and reference
// geometry extraction, ready for backend execution.
type ResolvedRequest struct {
	Request domain.FilterRequest
	Layer   domain.LayerDescriptor

	// RefGeometries are the reference geometries the predicate is evaluated
	// against. When BufferApplied is false and Request.Buffer is set, the
	// backend is expected to buffer server-side.
	RefGeometries []domain.Geometry
	BufferApplied bool
}

// Backend is the storage-specific implementation of the filtering contract.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Kind identifies the backend.
	Kind() domain.BackendKind

	// Capabilities returns the backend's static support matrix.
	Capabilities() domain.BackendCapabilities

	// Ready reports whether the backend's runtime dependencies are usable.
	// A non-nil error triggers factory fallback, not task failure.
	Ready(ctx context.Context) error

	// CreateFilteredResult executes the filter and returns the matched
	// feature IDs, optionally materializing a backend-owned artifact.
	CreateFilteredResult(ctx context.Context, req ResolvedRequest) (*domain.FilterResult, error)

	// Release disposes a materialized artifact. Releasing an already-released
	// handle is a no-op.
	Release(ctx context.Context, handle *domain.ResultHandle) error
}

// GeometryExtractor is an optional backend capability: reading a single
// feature's geometry by ID. The geometry source cache uses it for reference
// layers served by that backend.
type GeometryExtractor interface {
	ExtractGeometry(ctx context.Context, layer domain.LayerDescriptor, featureID int64) (domain.Geometry, error)
}

// FeatureIDLister is an optional backend capability: listing all feature IDs
// of a layer. Used when a reference layer has no active selection.
type FeatureIDLister interface {
	ListFeatureIDs(ctx context.Context, layer domain.LayerDescriptor) ([]int64, error)
}

// DatasetCatalog is an optional backend capability: opening a dataset file
// and describing the layers it contains. The embedded backend implements it
// for GeoPackage files.
type DatasetCatalog interface {
	OpenDataset(ctx context.Context, path string) ([]domain.LayerDescriptor, error)
	CloseDataset(ctx context.Context, dataset string) error
}
