package application

import (
	"context"

	"github.com/jobrunner/cribrum/internal/domain"
	"github.com/jobrunner/cribrum/internal/ports/input"
)

// HealthService provides health check functionality.
type HealthService struct {
	registry *LayerRegistry
	factory  *BackendFactory
}

// NewHealthService creates a new health service.
func NewHealthService(registry *LayerRegistry, factory *BackendFactory) *HealthService {
	return &HealthService{
		registry: registry,
		factory:  factory,
	}
}

// IsHealthy returns true if the engine is healthy.
func (s *HealthService) IsHealthy(ctx context.Context) bool {
	return true // Basic health check
}

// IsReady returns true if the engine can accept filter requests.
func (s *HealthService) IsReady(ctx context.Context) bool {
	// Ready as soon as any backend passes its readiness check. The
	// generic backend has no external dependency, so a fully wired
	// engine is always ready.
	for _, kind := range s.factory.Kinds() {
		if b, ok := s.factory.Backend(kind); ok && b.Ready(ctx) == nil {
			return true
		}
	}
	return false
}

// GetHealthDetails returns detailed health information.
func (s *HealthService) GetHealthDetails(ctx context.Context) input.HealthDetails {
	components := make(map[string]string)
	backendsReady := 0
	for _, kind := range s.factory.Kinds() {
		b, ok := s.factory.Backend(kind)
		if !ok {
			continue
		}
		if err := b.Ready(ctx); err != nil {
			components["backend."+string(kind)] = err.Error()
		} else {
			components["backend."+string(kind)] = "ok"
			backendsReady++
		}
	}

	return input.HealthDetails{
		Healthy:       s.IsHealthy(ctx),
		Ready:         s.IsReady(ctx),
		LayersLoaded:  s.registry.Count(),
		LayersReady:   s.registry.ReadyCount(),
		BackendsReady: backendsReady,
		Components:    components,
	}
}

// LayerHealth contains health info for a single layer.
type LayerHealth struct {
	ID       string
	Status   domain.LayerStatus
	Filtered bool
}

// GetLayerHealth returns health info for all registered layers.
func (s *HealthService) GetLayerHealth(ctx context.Context) []LayerHealth {
	layers := s.registry.List()

	health := make([]LayerHealth, len(layers))
	for i, layer := range layers {
		status, _ := s.registry.Status(layer.ID)
		state, _ := s.registry.FilterState(layer.ID)
		health[i] = LayerHealth{
			ID:       layer.ID,
			Status:   status,
			Filtered: state.IsFiltered(),
		}
	}

	return health
}
