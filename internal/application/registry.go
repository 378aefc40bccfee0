// Package application contains the application services.
package application

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jobrunner/cribrum/internal/domain"
	"github.com/jobrunner/cribrum/internal/ports/output"
)

// UnregisterHook is called when a layer leaves the registry, before its
// entry is removed. The executor uses it to release live result handles.
type UnregisterHook func(ctx context.Context, layerID string)

// LayerRegistry tracks registered layers, their lifecycle status and the
// filter state currently applied to each.
type LayerRegistry struct {
	mu      sync.RWMutex
	layers  map[string]*layerEntry
	catalog output.DatasetCatalog
	source  output.LayerSource
	metrics output.MetricsCollector
	logger  *slog.Logger

	localPath string
	hooks     []UnregisterHook
}

type layerEntry struct {
	Desc   domain.LayerDescriptor
	Status domain.LayerStatus
	State  domain.FilterState
}

// NewLayerRegistry creates a new layer registry. catalog and source may be
// nil when no embedded datasets are configured.
func NewLayerRegistry(
	catalog output.DatasetCatalog,
	source output.LayerSource,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	localPath string,
) *LayerRegistry {
	return &LayerRegistry{
		layers:    make(map[string]*layerEntry),
		catalog:   catalog,
		source:    source,
		metrics:   metrics,
		logger:    logger,
		localPath: localPath,
	}
}

// OnUnregister adds a hook invoked when a layer is removed.
func (r *LayerRegistry) OnUnregister(hook UnregisterHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Register adds a layer to the registry. Registering an already-known layer
// refreshes its descriptor and preserves its filter state.
func (r *LayerRegistry) Register(desc domain.LayerDescriptor) {
	r.mu.Lock()
	if entry, ok := r.layers[desc.ID]; ok {
		entry.Desc = desc
		entry.Status = domain.LayerReady
	} else {
		r.layers[desc.ID] = &layerEntry{Desc: desc, Status: domain.LayerReady}
	}
	total := len(r.layers)
	r.mu.Unlock()

	r.metrics.SetLayersRegistered(total)
	r.logger.Info("layer registered", "layer", desc.ID, "kind", desc.StorageKind, "features", desc.FeatureCount)
}

// Unregister removes a layer, running unregister hooks first so backend
// artifacts tied to the layer are released.
func (r *LayerRegistry) Unregister(ctx context.Context, layerID string) error {
	r.mu.Lock()
	entry, ok := r.layers[layerID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrLayerNotFound
	}
	entry.Status = domain.LayerRemoving
	hooks := r.hooks
	r.mu.Unlock()

	for _, hook := range hooks {
		hook(ctx, layerID)
	}

	r.mu.Lock()
	delete(r.layers, layerID)
	total := len(r.layers)
	r.mu.Unlock()

	r.metrics.SetLayersRegistered(total)
	r.logger.Info("layer unregistered", "layer", layerID)
	return nil
}

// Get returns a layer descriptor by ID.
func (r *LayerRegistry) Get(layerID string) (domain.LayerDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.layers[layerID]
	if !ok {
		return domain.LayerDescriptor{}, domain.ErrLayerNotFound
	}
	return entry.Desc, nil
}

// List returns all registered layer descriptors.
func (r *LayerRegistry) List() []domain.LayerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descs := make([]domain.LayerDescriptor, 0, len(r.layers))
	for _, entry := range r.layers {
		descs = append(descs, entry.Desc)
	}
	return descs
}

// Status returns the lifecycle status of a layer.
func (r *LayerRegistry) Status(layerID string) (domain.LayerStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.layers[layerID]
	if !ok {
		return "", domain.ErrLayerNotFound
	}
	return entry.Status, nil
}

// FilterState returns the subset currently applied to a layer.
func (r *LayerRegistry) FilterState(layerID string) (domain.FilterState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.layers[layerID]
	if !ok {
		return domain.FilterState{}, domain.ErrLayerNotFound
	}
	return entry.State, nil
}

// SetFilterState records the subset applied to a layer.
func (r *LayerRegistry) SetFilterState(layerID string, state domain.FilterState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.layers[layerID]
	if !ok {
		return domain.ErrLayerNotFound
	}
	state.AppliedAt = time.Now()
	entry.State = state
	return nil
}

// Snapshot captures a layer's current filter state for history recording.
func (r *LayerRegistry) Snapshot(layerID string) (domain.LayerSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.layers[layerID]
	if !ok {
		return domain.LayerSnapshot{}, domain.ErrLayerNotFound
	}
	snap := domain.LayerSnapshot{
		LayerID:    layerID,
		Expression: entry.State.Expression,
	}
	if entry.State.FeatureIDs != nil {
		snap.FeatureIDs = make([]int64, len(entry.State.FeatureIDs))
		copy(snap.FeatureIDs, entry.State.FeatureIDs)
	}
	return snap, nil
}

// Count returns the number of registered layers.
func (r *LayerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.layers)
}

// ReadyCount returns the number of layers in ready state.
func (r *LayerRegistry) ReadyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ready := 0
	for _, entry := range r.layers {
		if entry.Status == domain.LayerReady {
			ready++
		}
	}
	return ready
}

// RegisterDataset opens a dataset file through the catalog and registers
// every layer it describes.
func (r *LayerRegistry) RegisterDataset(ctx context.Context, path string) error {
	if r.catalog == nil {
		return domain.ErrBackendUnavailable
	}

	descs, err := r.catalog.OpenDataset(ctx, path)
	if err != nil {
		r.logger.Error("failed to open dataset", "path", path, "error", err)
		return err
	}

	for _, desc := range descs {
		r.Register(desc)
	}
	r.logger.Info("dataset registered", "path", path, "layers", len(descs))
	return nil
}

// UnregisterDataset removes every layer belonging to a dataset and closes it.
func (r *LayerRegistry) UnregisterDataset(ctx context.Context, dataset string) error {
	r.mu.RLock()
	var ids []string
	for id, entry := range r.layers {
		if entry.Desc.Dataset == dataset {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.Unregister(ctx, id); err != nil {
			r.logger.Warn("failed to unregister layer", "layer", id, "error", err)
		}
	}

	if r.catalog != nil {
		return r.catalog.CloseDataset(ctx, dataset)
	}
	return nil
}

// LoadAll downloads and registers all datasets published at the layer source.
func (r *LayerRegistry) LoadAll(ctx context.Context) error {
	if r.source == nil {
		return nil
	}

	objects, err := r.source.List(ctx)
	if err != nil {
		return err
	}

	for _, obj := range objects {
		localPath := filepath.Join(r.localPath, obj.Key)
		if err := r.source.Download(ctx, obj.Key, localPath); err != nil {
			r.logger.Error("failed to download dataset", "key", obj.Key, "error", err)
			continue
		}
		if err := r.RegisterDataset(ctx, localPath); err != nil {
			r.logger.Error("failed to register dataset", "path", localPath, "error", err)
		}
	}
	return nil
}

// DeriveDatasetID extracts a dataset ID from a file path or object key.
func DeriveDatasetID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
