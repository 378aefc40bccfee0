// Package input defines the primary/driving ports of the application.
package input

import (
	"context"

	"github.com/jobrunner/cribrum/internal/domain"
)

// FilterEngine is the primary port exposed to the host application.
// Submission is asynchronous: it returns a task handle immediately and the
// outcome is observed via TaskStatus or the handle's Done channel.
type FilterEngine interface {
	// SubmitFilter validates and enqueues a filter operation.
	SubmitFilter(ctx context.Context, req domain.FilterRequest) (domain.TaskHandle, error)

	// SubmitBatch enqueues one filter task per target layer, sharing
	// reference geometry extraction across the batch.
	SubmitBatch(ctx context.Context, req domain.BatchRequest) ([]domain.TaskHandle, error)

	// Cancel requests cooperative cancellation of a task.
	Cancel(taskID string) error

	// TaskStatus returns a snapshot of a task's state.
	TaskStatus(taskID string) (domain.TaskStatus, error)

	// Undo reverses the session's most recent recorded operation.
	Undo(ctx context.Context, sessionID string) (domain.RestoreReport, error)

	// Redo re-applies the most recently undone operation.
	Redo(ctx context.Context, sessionID string) (domain.RestoreReport, error)

	// BackendInfo reports which backend would serve a layer and why.
	BackendInfo(ctx context.Context, layerID string) (BackendInfo, error)
}

// BackendInfo describes the backend selection for a layer.
type BackendInfo struct {
	Kind         domain.BackendKind
	Forced       bool
	Capabilities domain.BackendCapabilities
}

// LayerCatalog is the primary port for layer management.
type LayerCatalog interface {
	// ListLayers returns all registered layer descriptors.
	ListLayers(ctx context.Context) ([]domain.LayerDescriptor, error)

	// GetLayer returns a specific layer by ID.
	GetLayer(ctx context.Context, id string) (*domain.LayerDescriptor, error)

	// GetLayerState returns the subset currently applied to a layer.
	GetLayerState(ctx context.Context, id string) (domain.FilterState, error)
}

// HealthChecker defines the primary port for health checks.
type HealthChecker interface {
	// IsHealthy returns true if the engine is healthy.
	IsHealthy(ctx context.Context) bool

	// IsReady returns true if the engine can accept filter requests.
	IsReady(ctx context.Context) bool

	// GetHealthDetails returns detailed health information.
	GetHealthDetails(ctx context.Context) HealthDetails
}

// HealthDetails contains detailed health information.
type HealthDetails struct {
	Healthy       bool              // Overall health status
	Ready         bool              // Ready to accept requests
	LayersLoaded  int               // Number of registered layers
	LayersReady   int               // Number of ready layers
	BackendsReady int               // Number of backends passing readiness
	Components    map[string]string // Component statuses
}
