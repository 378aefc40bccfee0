package application

import (
	"context"
	"errors"
	"testing"

	"github.com/jobrunner/cribrum/internal/domain"
	"github.com/jobrunner/cribrum/internal/ports/output"
)

func embeddedLayer(count int64) domain.LayerDescriptor {
	return domain.LayerDescriptor{
		ID:           "atlas.parcels",
		StorageKind:  domain.KindEmbedded,
		FeatureCount: count,
	}
}

func testFactory(cfg FactoryConfig, backends ...output.Backend) *BackendFactory {
	f := NewBackendFactory(cfg, &output.NoOpMetrics{}, discardLogger())
	for _, b := range backends {
		f.Register(b)
	}
	return f
}

func TestResolveNativeBackendForSmallLayer(t *testing.T) {
	relational := newMockBackend(domain.BackendRelational, 3, domain.KindRelational)
	embedded := newMockBackend(domain.BackendEmbedded, 2, domain.KindEmbedded)
	generic := newMockBackend(domain.BackendGeneric, 1)
	f := testFactory(FactoryConfig{}, relational, embedded, generic)

	b, warning, err := f.Resolve(context.Background(), embeddedLayer(500), domain.FilterRequest{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if warning != nil {
		t.Errorf("warning = %v, want nil", warning)
	}
	if b.Kind() != domain.BackendEmbedded {
		t.Errorf("backend = %v, want %v", b.Kind(), domain.BackendEmbedded)
	}
}

func TestResolveLargeLayerPrefersHighestTier(t *testing.T) {
	// A backend that serves embedded layers at a higher tier than the
	// embedded backend itself.
	fast := newMockBackend(domain.BackendRelational, 3, domain.KindRelational, domain.KindEmbedded)
	embedded := newMockBackend(domain.BackendEmbedded, 2, domain.KindEmbedded)
	f := testFactory(FactoryConfig{LargeLayerThreshold: 100000}, fast, embedded)

	b, warning, err := f.Resolve(context.Background(), embeddedLayer(200000), domain.FilterRequest{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if warning != nil {
		t.Errorf("warning = %v, want nil", warning)
	}
	if b.Kind() != domain.BackendRelational {
		t.Errorf("backend = %v, want %v (tier outranks native above threshold)", b.Kind(), domain.BackendRelational)
	}

	// At the threshold the native backend still wins.
	b, _, err = f.Resolve(context.Background(), embeddedLayer(100000), domain.FilterRequest{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if b.Kind() != domain.BackendEmbedded {
		t.Errorf("backend = %v, want %v at the threshold", b.Kind(), domain.BackendEmbedded)
	}
}

func TestResolveFallbackEmitsSingleWarning(t *testing.T) {
	embedded := newMockBackend(domain.BackendEmbedded, 2, domain.KindEmbedded)
	embedded.setReady(errors.New("spatialite extension not found"))
	generic := newMockBackend(domain.BackendGeneric, 1)
	metrics := &recordingMetrics{}

	f := NewBackendFactory(FactoryConfig{}, metrics, discardLogger())
	f.Register(embedded)
	f.Register(generic)

	b, warning, err := f.Resolve(context.Background(), embeddedLayer(500), domain.FilterRequest{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if b.Kind() != domain.BackendGeneric {
		t.Errorf("backend = %v, want %v", b.Kind(), domain.BackendGeneric)
	}
	if warning == nil {
		t.Fatal("warning = nil, want fallback warning")
	}
	if warning.From != domain.BackendEmbedded || warning.To != domain.BackendGeneric {
		t.Errorf("warning = %v -> %v, want embedded -> generic", warning.From, warning.To)
	}

	fallbacks, _, _ := metrics.counts()
	if fallbacks != 1 {
		t.Errorf("fallback warnings = %d, want exactly 1", fallbacks)
	}
}

func TestInspectDoesNotCountFallback(t *testing.T) {
	embedded := newMockBackend(domain.BackendEmbedded, 2, domain.KindEmbedded)
	embedded.setReady(errors.New("spatialite extension not found"))
	generic := newMockBackend(domain.BackendGeneric, 1)
	metrics := &recordingMetrics{}

	f := NewBackendFactory(FactoryConfig{}, metrics, discardLogger())
	f.Register(embedded)
	f.Register(generic)

	// Repeated status polls must not move the fallback counter.
	for i := 0; i < 3; i++ {
		b, warning, err := f.Inspect(context.Background(), embeddedLayer(500), domain.FilterRequest{})
		if err != nil {
			t.Fatalf("Inspect() error = %v", err)
		}
		if b.Kind() != domain.BackendGeneric {
			t.Errorf("backend = %v, want %v", b.Kind(), domain.BackendGeneric)
		}
		if warning == nil {
			t.Fatal("warning = nil, want fallback warning reported to the caller")
		}
	}
	fallbacks, _, _ := metrics.counts()
	if fallbacks != 0 {
		t.Errorf("fallback warnings after Inspect = %d, want 0", fallbacks)
	}

	// An actual filter resolution still counts.
	if _, _, err := f.Resolve(context.Background(), embeddedLayer(500), domain.FilterRequest{}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	fallbacks, _, _ = metrics.counts()
	if fallbacks != 1 {
		t.Errorf("fallback warnings after Resolve = %d, want 1", fallbacks)
	}
}

func TestResolveForcedOverrideDominates(t *testing.T) {
	relational := newMockBackend(domain.BackendRelational, 3, domain.KindRelational, domain.KindEmbedded)
	embedded := newMockBackend(domain.BackendEmbedded, 2, domain.KindEmbedded)
	generic := newMockBackend(domain.BackendGeneric, 1)
	f := testFactory(FactoryConfig{}, relational, embedded, generic)

	// Request-level override wins even though generic is the slowest tier.
	b, warning, err := f.Resolve(context.Background(), embeddedLayer(500), domain.FilterRequest{
		ForcedBackend: domain.BackendGeneric,
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if warning != nil {
		t.Errorf("warning = %v, want nil for forced selection", warning)
	}
	if b.Kind() != domain.BackendGeneric {
		t.Errorf("backend = %v, want forced %v", b.Kind(), domain.BackendGeneric)
	}
}

func TestResolveSessionOverride(t *testing.T) {
	embedded := newMockBackend(domain.BackendEmbedded, 2, domain.KindEmbedded)
	generic := newMockBackend(domain.BackendGeneric, 1)
	f := testFactory(FactoryConfig{
		ForcedBackends: map[string]domain.BackendKind{"atlas.parcels": domain.BackendGeneric},
	}, embedded, generic)

	b, _, err := f.Resolve(context.Background(), embeddedLayer(500), domain.FilterRequest{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if b.Kind() != domain.BackendGeneric {
		t.Errorf("backend = %v, want session-forced %v", b.Kind(), domain.BackendGeneric)
	}
	if !f.IsForced("atlas.parcels") {
		t.Error("IsForced(atlas.parcels) = false, want true")
	}
}

func TestResolveIncompatibleForcedFallsThrough(t *testing.T) {
	// Forced backend cannot serve embedded layers, so selection falls
	// through to the automatic heuristic.
	relational := newMockBackend(domain.BackendRelational, 3, domain.KindRelational)
	embedded := newMockBackend(domain.BackendEmbedded, 2, domain.KindEmbedded)
	f := testFactory(FactoryConfig{}, relational, embedded)

	b, _, err := f.Resolve(context.Background(), embeddedLayer(500), domain.FilterRequest{
		ForcedBackend: domain.BackendRelational,
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if b.Kind() != domain.BackendEmbedded {
		t.Errorf("backend = %v, want %v", b.Kind(), domain.BackendEmbedded)
	}
}

func TestResolvePredicateCompatibility(t *testing.T) {
	// The only backend serving the layer does not support touches.
	limited := newMockBackend(domain.BackendGeneric, 1)
	limited.caps.Predicates = []domain.Predicate{domain.PredIntersects}
	f := testFactory(FactoryConfig{}, limited)

	_, _, err := f.Resolve(context.Background(), embeddedLayer(500), domain.FilterRequest{
		Predicate: domain.PredTouches,
	})
	if !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("Resolve() error = %v, want ErrUnsupported", err)
	}
}

func TestResolveNoCompatibleBackend(t *testing.T) {
	relational := newMockBackend(domain.BackendRelational, 3, domain.KindRelational)
	f := testFactory(FactoryConfig{}, relational)

	_, _, err := f.Resolve(context.Background(), embeddedLayer(500), domain.FilterRequest{})
	if !errors.Is(err, domain.ErrUnsupportedLayerKind) {
		t.Errorf("Resolve() error = %v, want ErrUnsupportedLayerKind", err)
	}
}

func TestKindsSortedByTier(t *testing.T) {
	generic := newMockBackend(domain.BackendGeneric, 1)
	relational := newMockBackend(domain.BackendRelational, 3, domain.KindRelational)
	embedded := newMockBackend(domain.BackendEmbedded, 2, domain.KindEmbedded)
	f := testFactory(FactoryConfig{}, generic, relational, embedded)

	got := f.Kinds()
	want := []domain.BackendKind{domain.BackendRelational, domain.BackendEmbedded, domain.BackendGeneric}
	if len(got) != len(want) {
		t.Fatalf("Kinds() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Kinds()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
