package generic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"testing"

	"github.com/jobrunner/cribrum/internal/domain"
	"github.com/jobrunner/cribrum/internal/ports/output"
)

type fakeFeatureSource struct {
	features map[string][]output.Feature
}

func (s *fakeFeatureSource) IterateFeatures(ctx context.Context, layerID string, fn func(output.Feature) error) error {
	features, ok := s.features[layerID]
	if !ok {
		return fmt.Errorf("layer %s: %w", layerID, domain.ErrLayerNotFound)
	}
	for _, f := range features {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeFeatureSource) GetFeature(ctx context.Context, layerID string, featureID int64) (output.Feature, error) {
	for _, f := range s.features[layerID] {
		if f.ID == featureID {
			return f, nil
		}
	}
	return output.Feature{}, domain.ErrNotFound
}

func TestCreateFilteredResultMatchesByPredicate(t *testing.T) {
	source := &fakeFeatureSource{features: map[string][]output.Feature{
		"buildings": {
			{ID: 1, Geometry: mustGeometry(t, "POINT (5 5)")},
			{ID: 2, Geometry: mustGeometry(t, "POINT (50 50)")},
			{ID: 3, Geometry: mustGeometry(t, "POINT (8 2)")},
			{ID: 4, Geometry: domain.Geometry{}},
		},
	}}
	b := NewBackend(source, &output.NoOpMetrics{}, slog.New(slog.DiscardHandler))

	result, err := b.CreateFilteredResult(context.Background(), output.ResolvedRequest{
		Request: domain.FilterRequest{
			TargetLayer: "buildings",
			Predicate:   domain.PredIntersects,
		},
		Layer:         domain.LayerDescriptor{ID: "buildings", StorageKind: domain.KindGeneric},
		RefGeometries: []domain.Geometry{mustGeometry(t, "POLYGON ((0 0, 10 0, 10 10, 0 10, 0 0))")},
		BufferApplied: true,
	})
	if err != nil {
		t.Fatalf("CreateFilteredResult() error = %v", err)
	}

	if got, want := result.FeatureIDs, []int64{1, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("FeatureIDs = %v, want %v", got, want)
	}
	if result.Handle != nil {
		t.Error("generic backend must not materialize a handle")
	}
	if result.Backend != domain.BackendGeneric {
		t.Errorf("Backend = %v, want %v", result.Backend, domain.BackendGeneric)
	}
}

func TestCreateFilteredResultUnknownLayer(t *testing.T) {
	b := NewBackend(&fakeFeatureSource{features: map[string][]output.Feature{}}, &output.NoOpMetrics{}, slog.New(slog.DiscardHandler))

	_, err := b.CreateFilteredResult(context.Background(), output.ResolvedRequest{
		Request:       domain.FilterRequest{TargetLayer: "missing", Predicate: domain.PredIntersects},
		Layer:         domain.LayerDescriptor{ID: "missing"},
		RefGeometries: []domain.Geometry{mustGeometry(t, "POINT (0 0)")},
	})
	if err == nil {
		t.Fatal("CreateFilteredResult() error = nil, want backend error")
	}
	var backendErr *domain.BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("error = %T, want *domain.BackendError", err)
	}
}

func TestCreateFilteredResultHonorsCancellation(t *testing.T) {
	source := &fakeFeatureSource{features: map[string][]output.Feature{
		"buildings": {
			{ID: 1, Geometry: mustGeometry(t, "POINT (5 5)")},
		},
	}}
	b := NewBackend(source, &output.NoOpMetrics{}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.CreateFilteredResult(ctx, output.ResolvedRequest{
		Request:       domain.FilterRequest{TargetLayer: "buildings", Predicate: domain.PredIntersects},
		Layer:         domain.LayerDescriptor{ID: "buildings"},
		RefGeometries: []domain.Geometry{mustGeometry(t, "POINT (0 0)")},
	})
	if err == nil {
		t.Fatal("CreateFilteredResult() error = nil, want cancellation error")
	}
}

func TestBoundsExpandOpsBuffer(t *testing.T) {
	var ops BoundsExpandOps

	buffered, err := ops.Buffer(context.Background(), mustGeometry(t, "POINT (5 5)"), 10)
	if err != nil {
		t.Fatalf("Buffer() error = %v", err)
	}

	bounds := buffered.Bounds()
	if bounds.Min(0) != -5 || bounds.Max(0) != 15 {
		t.Errorf("x bounds = [%v, %v], want [-5, 15]", bounds.Min(0), bounds.Max(0))
	}
	if bounds.Min(1) != -5 || bounds.Max(1) != 15 {
		t.Errorf("y bounds = [%v, %v], want [-5, 15]", bounds.Min(1), bounds.Max(1))
	}
	if buffered.SRID != 4326 {
		t.Errorf("SRID = %d, want 4326", buffered.SRID)
	}
}
