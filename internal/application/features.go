package application

import (
	"context"

	"github.com/jobrunner/cribrum/internal/ports/output"
)

// DatasetFeatureSource adapts a backend's extraction capabilities into the
// generic feature-iteration contract. Hosts embedding the engine supply
// their own FeatureSource instead; the standalone server iterates through
// the native backend.
type DatasetFeatureSource struct {
	registry *LayerRegistry
	extract  output.GeometryExtractor
	list     output.FeatureIDLister
}

// NewDatasetFeatureSource creates a feature source backed by a registry and
// a backend that can extract geometries and list feature IDs.
func NewDatasetFeatureSource(
	registry *LayerRegistry,
	extract output.GeometryExtractor,
	list output.FeatureIDLister,
) *DatasetFeatureSource {
	return &DatasetFeatureSource{registry: registry, extract: extract, list: list}
}

// IterateFeatures calls fn for every feature of the layer.
func (s *DatasetFeatureSource) IterateFeatures(ctx context.Context, layerID string, fn func(output.Feature) error) error {
	desc, err := s.registry.Get(layerID)
	if err != nil {
		return err
	}

	ids, err := s.list.ListFeatureIDs(ctx, desc)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		g, err := s.extract.ExtractGeometry(ctx, desc, id)
		if err != nil {
			return err
		}
		if err := fn(output.Feature{ID: id, Geometry: g}); err != nil {
			return err
		}
	}
	return nil
}

// GetFeature returns a single feature by ID.
func (s *DatasetFeatureSource) GetFeature(ctx context.Context, layerID string, featureID int64) (output.Feature, error) {
	desc, err := s.registry.Get(layerID)
	if err != nil {
		return output.Feature{}, err
	}

	g, err := s.extract.ExtractGeometry(ctx, desc, featureID)
	if err != nil {
		return output.Feature{}, err
	}
	return output.Feature{ID: featureID, Geometry: g}, nil
}

var _ output.FeatureSource = (*DatasetFeatureSource)(nil)
