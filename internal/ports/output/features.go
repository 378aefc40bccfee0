package output

import (
	"context"

	"github.com/jobrunner/cribrum/internal/domain"
)

// Feature is one feature yielded by generic iteration.
type Feature struct {
	ID         int64
	Geometry   domain.Geometry
	Properties map[string]interface{}
}

// FeatureSource is the host-provided generic feature-iteration capability.
// It is the data path of the fallback backend and is always available.
type FeatureSource interface {
	// IterateFeatures calls fn for every feature of the layer until fn
	// returns an error or the context is cancelled.
	IterateFeatures(ctx context.Context, layerID string, fn func(Feature) error) error

	// GetFeature returns a single feature by ID.
	GetFeature(ctx context.Context, layerID string, featureID int64) (Feature, error)
}

// GeometryOps provides geometry operations the engine cannot express on its
// own, currently buffering. The embedded backend provides a SpatiaLite-backed
// implementation; a bounds-expansion fallback exists for hosts without it.
type GeometryOps interface {
	// Buffer returns g expanded by distance in layer units.
	Buffer(ctx context.Context, g domain.Geometry, distance float64) (domain.Geometry, error)
}
