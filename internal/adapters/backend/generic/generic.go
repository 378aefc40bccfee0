// Package generic provides the fallback filtering backend. It evaluates
// predicates in process by iterating features through the host, so it works
// for every storage kind at the cost of a full scan.
package generic

import (
	"context"
	"log/slog"
	"time"

	"github.com/jobrunner/cribrum/internal/domain"
	"github.com/jobrunner/cribrum/internal/ports/output"
)

// Backend implements the filtering contract by iterating features from the
// host feature source. It materializes nothing and is always ready.
type Backend struct {
	features output.FeatureSource
	metrics  output.MetricsCollector
	logger   *slog.Logger
}

// NewBackend creates the generic backend.
func NewBackend(features output.FeatureSource, metrics output.MetricsCollector, logger *slog.Logger) *Backend {
	return &Backend{
		features: features,
		metrics:  metrics,
		logger:   logger,
	}
}

// Kind implements output.Backend.
func (b *Backend) Kind() domain.BackendKind {
	return domain.BackendGeneric
}

// Capabilities implements output.Backend. Touches, crosses and overlaps
// need exact boundary arithmetic the in-process evaluator does not have, so
// they are not declared.
func (b *Backend) Capabilities() domain.BackendCapabilities {
	return domain.BackendCapabilities{
		Predicates: []domain.Predicate{
			domain.PredIntersects,
			domain.PredContains,
			domain.PredWithin,
			domain.PredDisjoint,
			domain.PredWithinDistance,
		},
		ServerSideBuffer: false,
		PersistentIndex:  false,
		Tier:             1,
		StorageKinds: []domain.StorageKind{
			domain.KindRelational,
			domain.KindEmbedded,
			domain.KindGeneric,
		},
	}
}

// Ready implements output.Backend.
func (b *Backend) Ready(_ context.Context) error {
	return nil
}

// CreateFilteredResult implements output.Backend. Attribute expressions are
// not evaluated here: the generic path has no SQL engine, and requests
// carrying expressions for generic layers fail validation upstream.
func (b *Backend) CreateFilteredResult(ctx context.Context, req output.ResolvedRequest) (*domain.FilterResult, error) {
	start := time.Now()

	eval, err := newEvaluator(req)
	if err != nil {
		return nil, err
	}

	var ids []int64
	err = b.features.IterateFeatures(ctx, req.Layer.ID, func(f output.Feature) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.Geometry.IsZero() {
			return nil
		}
		if eval.matches(f.Geometry) {
			ids = append(ids, f.ID)
		}
		return nil
	})
	if err != nil {
		return nil, &domain.BackendError{
			Backend: domain.BackendGeneric,
			Layer:   req.Layer.ID,
			Op:      "filter",
			Err:     err,
		}
	}

	return &domain.FilterResult{
		TargetLayer: req.Layer.ID,
		FeatureIDs:  ids,
		Backend:     domain.BackendGeneric,
		Elapsed:     time.Since(start),
	}, nil
}

// Release implements output.Backend. The generic backend never materializes
// artifacts.
func (b *Backend) Release(_ context.Context, _ *domain.ResultHandle) error {
	return nil
}
