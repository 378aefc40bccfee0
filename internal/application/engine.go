package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jobrunner/cribrum/internal/domain"
	"github.com/jobrunner/cribrum/internal/ports/input"
	"github.com/jobrunner/cribrum/internal/ports/output"
)

// Engine is the facade the host application talks to. It implements the
// FilterEngine and LayerCatalog input ports and acts as the history
// manager's restorer and reapplier.
type Engine struct {
	registry *LayerRegistry
	factory  *BackendFactory
	executor *TaskExecutor
	history  *HistoryManager
	logger   *slog.Logger
}

// NewEngine creates the engine facade.
func NewEngine(
	registry *LayerRegistry,
	factory *BackendFactory,
	executor *TaskExecutor,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		registry: registry,
		factory:  factory,
		executor: executor,
		logger:   logger,
	}
}

// AttachHistory connects the history manager after construction; the
// manager's restorer is the engine itself.
func (e *Engine) AttachHistory(h *HistoryManager) {
	e.history = h
	e.executor.AttachHistory(h)
}

// SubmitFilter implements input.FilterEngine.
func (e *Engine) SubmitFilter(ctx context.Context, req domain.FilterRequest) (domain.TaskHandle, error) {
	return e.executor.Submit(ctx, req)
}

// SubmitBatch implements input.FilterEngine.
func (e *Engine) SubmitBatch(ctx context.Context, req domain.BatchRequest) ([]domain.TaskHandle, error) {
	return e.executor.SubmitBatch(ctx, req)
}

// Cancel implements input.FilterEngine.
func (e *Engine) Cancel(taskID string) error {
	return e.executor.Cancel(taskID)
}

// TaskStatus implements input.FilterEngine.
func (e *Engine) TaskStatus(taskID string) (domain.TaskStatus, error) {
	return e.executor.Status(taskID)
}

// Undo implements input.FilterEngine.
func (e *Engine) Undo(ctx context.Context, sessionID string) (domain.RestoreReport, error) {
	return e.history.Undo(ctx, sessionOrDefault(sessionID))
}

// Redo implements input.FilterEngine.
func (e *Engine) Redo(ctx context.Context, sessionID string) (domain.RestoreReport, error) {
	return e.history.Redo(ctx, sessionOrDefault(sessionID))
}

// BackendInfo implements input.FilterEngine.
func (e *Engine) BackendInfo(ctx context.Context, layerID string) (input.BackendInfo, error) {
	desc, err := e.registry.Get(layerID)
	if err != nil {
		return input.BackendInfo{}, err
	}

	backend, _, err := e.factory.Inspect(ctx, desc, domain.FilterRequest{TargetLayer: layerID})
	if err != nil {
		return input.BackendInfo{}, err
	}

	return input.BackendInfo{
		Kind:         backend.Kind(),
		Forced:       e.factory.IsForced(layerID),
		Capabilities: backend.Capabilities(),
	}, nil
}

// ListLayers implements input.LayerCatalog.
func (e *Engine) ListLayers(_ context.Context) ([]domain.LayerDescriptor, error) {
	return e.registry.List(), nil
}

// GetLayer implements input.LayerCatalog.
func (e *Engine) GetLayer(_ context.Context, id string) (*domain.LayerDescriptor, error) {
	desc, err := e.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return &desc, nil
}

// GetLayerState implements input.LayerCatalog.
func (e *Engine) GetLayerState(_ context.Context, id string) (domain.FilterState, error) {
	return e.registry.FilterState(id)
}

// RestoreLayerState implements StateRestorer. Restoring a snapshot
// invalidates any materialized artifacts the layer holds: they describe a
// filter that is no longer current.
func (e *Engine) RestoreLayerState(ctx context.Context, snap domain.LayerSnapshot) error {
	e.executor.ReleaseLayerHandles(ctx, snap.LayerID)
	return e.registry.SetFilterState(snap.LayerID, domain.FilterState{
		FeatureIDs: snap.FeatureIDs,
		Expression: snap.Expression,
	})
}

// SnapshotLayerState implements StateRestorer.
func (e *Engine) SnapshotLayerState(layerID string) (domain.LayerSnapshot, error) {
	return e.registry.Snapshot(layerID)
}

// Reapply implements RequestReapplier.
func (e *Engine) Reapply(ctx context.Context, req domain.FilterRequest) error {
	return e.executor.Reapply(ctx, req)
}

// NewGeometryExtractor builds the geometry source cache's extraction
// function: the reference layer's native backend when it can extract,
// otherwise the host feature source.
func NewGeometryExtractor(
	registry *LayerRegistry,
	factory *BackendFactory,
	features output.FeatureSource,
) ExtractFunc {
	return func(ctx context.Context, layerID string, featureID int64) (domain.Geometry, error) {
		desc, err := registry.Get(layerID)
		if err != nil {
			return domain.Geometry{}, err
		}

		if b, ok := factory.Backend(nativeBackendKind(desc.StorageKind)); ok {
			if extractor, ok := b.(output.GeometryExtractor); ok && b.Ready(ctx) == nil {
				return extractor.ExtractGeometry(ctx, desc, featureID)
			}
		}
		if features != nil {
			f, err := features.GetFeature(ctx, layerID, featureID)
			if err != nil {
				return domain.Geometry{}, err
			}
			return f.Geometry, nil
		}
		return domain.Geometry{}, fmt.Errorf("no geometry source for layer %s: %w", layerID, domain.ErrBackendUnavailable)
	}
}

// NewFeatureIDLister enumerates a layer's feature IDs through its native
// backend, falling back to host feature iteration.
func NewFeatureIDLister(
	registry *LayerRegistry,
	factory *BackendFactory,
	features output.FeatureSource,
) func(ctx context.Context, layerID string) ([]int64, error) {
	return func(ctx context.Context, layerID string) ([]int64, error) {
		desc, err := registry.Get(layerID)
		if err != nil {
			return nil, err
		}

		if b, ok := factory.Backend(nativeBackendKind(desc.StorageKind)); ok {
			if lister, ok := b.(output.FeatureIDLister); ok && b.Ready(ctx) == nil {
				return lister.ListFeatureIDs(ctx, desc)
			}
		}
		if features != nil {
			var ids []int64
			err := features.IterateFeatures(ctx, layerID, func(f output.Feature) error {
				ids = append(ids, f.ID)
				return nil
			})
			return ids, err
		}
		return nil, fmt.Errorf("no feature source for layer %s: %w", layerID, domain.ErrBackendUnavailable)
	}
}
