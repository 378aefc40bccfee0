package application

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jobrunner/cribrum/internal/domain"
	"github.com/jobrunner/cribrum/internal/ports/output"
)

// ExtractFunc reads one feature's geometry from a reference layer. The
// engine supplies an implementation that dispatches to the layer's backend.
type ExtractFunc func(ctx context.Context, layerID string, featureID int64) (domain.Geometry, error)

// SourceGeometryCache memoizes extracted (and optionally buffered) reference
// geometries. The cache itself is only a factory for batches: all state
// lives in the batch, whose lifetime is exactly one multi-target filter run.
type SourceGeometryCache struct {
	extract ExtractFunc
	ops     output.GeometryOps
	size    int
	metrics output.MetricsCollector
	logger  *slog.Logger
}

// NewSourceGeometryCache creates a geometry cache factory.
func NewSourceGeometryCache(
	extract ExtractFunc,
	ops output.GeometryOps,
	size int,
	metrics output.MetricsCollector,
	logger *slog.Logger,
) *SourceGeometryCache {
	if size <= 0 {
		size = 4096
	}
	return &SourceGeometryCache{
		extract: extract,
		ops:     ops,
		size:    size,
		metrics: metrics,
		logger:  logger,
	}
}

// NewBatch opens a batch-scoped cache. The caller must Close it when the
// batch completes or is cancelled; entries never outlive the batch.
func (c *SourceGeometryCache) NewBatch() *GeometryBatch {
	store, err := lru.New[string, domain.Geometry](c.size)
	if err != nil {
		// lru.New only fails on non-positive size, which is guarded above.
		panic(err)
	}
	return &GeometryBatch{cache: c, store: store}
}

// GeometryBatch is the per-batch cache handle.
type GeometryBatch struct {
	cache *SourceGeometryCache
	store *lru.Cache[string, domain.Geometry]
}

// GetOrExtract returns the geometry of a reference feature, buffered by
// buf when non-nil. A hit returns exactly what a fresh extraction
// would: the cache is a performance optimization, never a source of
// divergent results.
func (b *GeometryBatch) GetOrExtract(
	ctx context.Context,
	layerID string,
	featureID int64,
	buf *domain.BufferSpec,
) (domain.Geometry, error) {
	key := fmt.Sprintf("%s|%d|%016x", layerID, featureID, buf.Signature())

	if g, ok := b.store.Get(key); ok {
		b.cache.metrics.IncCacheHit()
		return g, nil
	}
	b.cache.metrics.IncCacheMiss()

	g, err := b.cache.extract(ctx, layerID, featureID)
	if err != nil {
		return domain.Geometry{}, err
	}

	if buf != nil && buf.Distance > 0 {
		g, err = b.cache.ops.Buffer(ctx, g, buf.BaseDistance())
		if err != nil {
			return domain.Geometry{}, fmt.Errorf("buffering reference geometry %s/%d: %w", layerID, featureID, err)
		}
	}

	b.store.Add(key, g)
	return g, nil
}

// Len returns the number of cached entries in the batch.
func (b *GeometryBatch) Len() int {
	return b.store.Len()
}

// Close discards all batch entries.
func (b *GeometryBatch) Close() {
	b.store.Purge()
}
