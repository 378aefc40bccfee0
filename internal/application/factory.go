package application

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jobrunner/cribrum/internal/domain"
	"github.com/jobrunner/cribrum/internal/ports/output"
)

// FactoryConfig holds backend selection configuration.
type FactoryConfig struct {
	// LargeLayerThreshold is the feature count above which the performance
	// tier outranks native storage kind during automatic selection.
	LargeLayerThreshold int64

	// ForcedBackends maps layer IDs to a caller-configured backend override,
	// loaded from the session overrides file. Request-level overrides take
	// precedence.
	ForcedBackends map[string]domain.BackendKind
}

// BackendFactory resolves which backend serves a given layer and request.
type BackendFactory struct {
	backends map[domain.BackendKind]output.Backend
	cfg      FactoryConfig
	metrics  output.MetricsCollector
	logger   *slog.Logger
}

// NewBackendFactory creates a backend factory.
func NewBackendFactory(cfg FactoryConfig, metrics output.MetricsCollector, logger *slog.Logger) *BackendFactory {
	if cfg.LargeLayerThreshold == 0 {
		cfg.LargeLayerThreshold = 100000
	}
	return &BackendFactory{
		backends: make(map[domain.BackendKind]output.Backend),
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
	}
}

// Register adds a backend implementation. Later registrations for the same
// kind replace earlier ones.
func (f *BackendFactory) Register(b output.Backend) {
	f.backends[b.Kind()] = b
}

// Backend returns the registered backend of the given kind, if any.
func (f *BackendFactory) Backend(kind domain.BackendKind) (output.Backend, bool) {
	b, ok := f.backends[kind]
	return b, ok
}

// Kinds returns the registered backend kinds sorted descending by tier.
func (f *BackendFactory) Kinds() []domain.BackendKind {
	kinds := make([]domain.BackendKind, 0, len(f.backends))
	for kind := range f.backends {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool {
		return f.backends[kinds[i]].Capabilities().Tier > f.backends[kinds[j]].Capabilities().Tier
	})
	return kinds
}

// Resolve selects the backend for a layer and request. Selection order:
// forced override, availability fallback, automatic heuristic. The returned
// warning is non-nil exactly when selection degraded from the native backend.
func (f *BackendFactory) Resolve(
	ctx context.Context,
	desc domain.LayerDescriptor,
	req domain.FilterRequest,
) (output.Backend, *domain.FallbackWarning, error) {
	return f.resolve(ctx, desc, req, true)
}

// Inspect runs the same selection as Resolve but without emitting fallback
// metrics or warning logs. Info and status queries use it so polling a
// degraded layer does not inflate the per-filter fallback counters.
func (f *BackendFactory) Inspect(
	ctx context.Context,
	desc domain.LayerDescriptor,
	req domain.FilterRequest,
) (output.Backend, *domain.FallbackWarning, error) {
	return f.resolve(ctx, desc, req, false)
}

func (f *BackendFactory) resolve(
	ctx context.Context,
	desc domain.LayerDescriptor,
	req domain.FilterRequest,
	observe bool,
) (output.Backend, *domain.FallbackWarning, error) {
	// 1. Forced override dominates when compatible, even if sub-optimal.
	if forced, ok := f.forcedFor(desc.ID, req); ok {
		if b, exists := f.backends[forced]; exists && b.Capabilities().SupportsKind(desc.StorageKind) {
			f.logger.Debug("using forced backend", "layer", desc.ID, "backend", forced)
			return b, nil, nil
		}
		f.logger.Warn("forced backend incompatible with layer, falling through",
			"layer", desc.ID, "forced", forced, "kind", desc.StorageKind)
	}

	nativeKind := nativeBackendKind(desc.StorageKind)

	// 2. Fallback check: native backend present but its runtime dependency
	// unavailable degrades to the next-best compatible backend with a
	// warning, never an error.
	if native, ok := f.backends[nativeKind]; ok {
		if err := native.Ready(ctx); err != nil {
			substitute, serr := f.bestCandidate(ctx, desc, req, nativeKind)
			if serr != nil {
				return nil, nil, serr
			}
			warning := &domain.FallbackWarning{
				Layer:  desc.ID,
				From:   nativeKind,
				To:     substitute.Kind(),
				Reason: err.Error(),
			}
			if observe {
				f.metrics.IncFallbackWarnings(nativeKind, substitute.Kind())
				f.logger.Warn("backend fallback", "layer", desc.ID, "from", nativeKind, "to", substitute.Kind(), "reason", err)
			}
			return substitute, warning, nil
		}
	}

	// 3. Automatic heuristic.
	candidates := f.candidates(ctx, desc, req, "")
	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("layer %s (kind %s): %w", desc.ID, desc.StorageKind, domain.ErrUnsupportedLayerKind)
	}

	// Large layers prefer the highest performance tier regardless of native
	// kind; small layers stay on their native backend when it qualifies.
	if desc.FeatureCount <= f.cfg.LargeLayerThreshold {
		for _, b := range candidates {
			if b.Kind() == nativeKind {
				return b, nil, nil
			}
		}
	}
	return candidates[0], nil, nil
}

// forcedFor returns the effective forced backend for a layer, request field
// first, then session configuration.
func (f *BackendFactory) forcedFor(layerID string, req domain.FilterRequest) (domain.BackendKind, bool) {
	if req.ForcedBackend != "" {
		return req.ForcedBackend, true
	}
	if kind, ok := f.cfg.ForcedBackends[layerID]; ok {
		return kind, true
	}
	return "", false
}

// IsForced reports whether a layer has a configured or implied override.
func (f *BackendFactory) IsForced(layerID string) bool {
	_, ok := f.cfg.ForcedBackends[layerID]
	return ok
}

// bestCandidate returns the highest-tier compatible ready backend,
// excluding one kind.
func (f *BackendFactory) bestCandidate(
	ctx context.Context,
	desc domain.LayerDescriptor,
	req domain.FilterRequest,
	exclude domain.BackendKind,
) (output.Backend, error) {
	candidates := f.candidates(ctx, desc, req, exclude)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("layer %s (kind %s): %w", desc.ID, desc.StorageKind, domain.ErrUnsupportedLayerKind)
	}
	return candidates[0], nil
}

// candidates returns ready backends compatible with the layer and request,
// sorted by descending performance tier.
func (f *BackendFactory) candidates(
	ctx context.Context,
	desc domain.LayerDescriptor,
	req domain.FilterRequest,
	exclude domain.BackendKind,
) []output.Backend {
	var out []output.Backend
	for kind, b := range f.backends {
		if kind == exclude {
			continue
		}
		caps := b.Capabilities()
		if !caps.SupportsKind(desc.StorageKind) {
			continue
		}
		if req.Predicate != "" && !caps.SupportsPredicate(req.Predicate) {
			continue
		}
		if err := b.Ready(ctx); err != nil {
			f.logger.Debug("backend not ready", "backend", kind, "error", err)
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Capabilities().Tier > out[j].Capabilities().Tier
	})
	return out
}

// nativeBackendKind maps a storage kind to its native backend.
func nativeBackendKind(kind domain.StorageKind) domain.BackendKind {
	switch kind {
	case domain.KindRelational:
		return domain.BackendRelational
	case domain.KindEmbedded:
		return domain.BackendEmbedded
	default:
		return domain.BackendGeneric
	}
}
