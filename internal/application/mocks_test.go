package application

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/twpayne/go-geom"

	"github.com/jobrunner/cribrum/internal/domain"
	"github.com/jobrunner/cribrum/internal/ports/output"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// mockBackend is a scripted backend implementation.
type mockBackend struct {
	kind domain.BackendKind
	caps domain.BackendCapabilities

	mu          sync.Mutex
	readyErr    error
	filterErr   error
	result      *domain.FilterResult
	filterCalls int
	released    []*domain.ResultHandle
}

func (b *mockBackend) Kind() domain.BackendKind                 { return b.kind }
func (b *mockBackend) Capabilities() domain.BackendCapabilities { return b.caps }

func (b *mockBackend) Ready(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readyErr
}

func (b *mockBackend) setReady(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readyErr = err
}

func (b *mockBackend) CreateFilteredResult(_ context.Context, req output.ResolvedRequest) (*domain.FilterResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filterCalls++
	if b.filterErr != nil {
		return nil, b.filterErr
	}
	res := &domain.FilterResult{TargetLayer: req.Layer.ID}
	if b.result != nil {
		res.FeatureIDs = append([]int64(nil), b.result.FeatureIDs...)
		if b.result.Handle != nil {
			h := *b.result.Handle
			res.Handle = &h
		}
	}
	return res, nil
}

func (b *mockBackend) Release(_ context.Context, handle *domain.ResultHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = append(b.released, handle)
	return nil
}

func (b *mockBackend) releaseCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.released)
}

func (b *mockBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filterCalls
}

func newMockBackend(kind domain.BackendKind, tier int, kinds ...domain.StorageKind) *mockBackend {
	if len(kinds) == 0 {
		kinds = []domain.StorageKind{domain.KindRelational, domain.KindEmbedded, domain.KindGeneric}
	}
	return &mockBackend{
		kind: kind,
		caps: domain.BackendCapabilities{
			Predicates:       domain.AllPredicates,
			ServerSideBuffer: true,
			Tier:             tier,
			StorageKinds:     kinds,
		},
	}
}

// recordingMetrics counts collector calls relevant to the tests.
type recordingMetrics struct {
	output.NoOpMetrics

	mu        sync.Mutex
	fallbacks int
	hits      int
	misses    int
}

func (m *recordingMetrics) IncFallbackWarnings(_, _ domain.BackendKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks++
}

func (m *recordingMetrics) IncCacheHit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits++
}

func (m *recordingMetrics) IncCacheMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses++
}

func (m *recordingMetrics) counts() (fallbacks, hits, misses int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallbacks, m.hits, m.misses
}

func testRegistry(t *testing.T, descs ...domain.LayerDescriptor) *LayerRegistry {
	t.Helper()
	r := NewLayerRegistry(nil, nil, &output.NoOpMetrics{}, discardLogger(), "")
	for _, desc := range descs {
		r.Register(desc)
	}
	return r
}

func pointGeometry(x, y float64) domain.Geometry {
	return domain.Geometry{G: geom.NewPointFlat(geom.XY, []float64{x, y}), SRID: 25832}
}

// staticOps is a geometry-ops stub that returns the input unchanged.
type staticOps struct{}

func (staticOps) Buffer(_ context.Context, g domain.Geometry, _ float64) (domain.Geometry, error) {
	return g, nil
}
