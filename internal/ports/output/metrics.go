package output

import (
	"time"

	"github.com/jobrunner/cribrum/internal/domain"
)

// MetricsCollector defines the secondary port for metrics collection.
type MetricsCollector interface {
	// IncFilterCount increments the filter operation counter.
	IncFilterCount(layerID string, backend domain.BackendKind, success bool)

	// ObserveFilterDuration records backend execution time.
	ObserveFilterDuration(backend domain.BackendKind, duration time.Duration)

	// IncFallbackWarnings counts backend selection degradations.
	IncFallbackWarnings(from, to domain.BackendKind)

	// IncLockRetries counts lock-contention retries in the embedded backend.
	IncLockRetries()

	// IncCacheHit / IncCacheMiss count geometry source cache lookups.
	IncCacheHit()
	IncCacheMiss()

	// SetLayersRegistered sets the number of registered layers.
	SetLayersRegistered(count int)

	// SetActiveTasks sets the number of tasks not yet terminal.
	SetActiveTasks(count int)

	// SetHistoryDepth sets the entry count of a session's history stack.
	SetHistoryDepth(sessionID string, depth int)

	// IncHistoryOp counts undo/redo operations.
	IncHistoryOp(op string, success bool)
}

// NoOpMetrics is a no-op implementation of MetricsCollector.
type NoOpMetrics struct{}

// IncFilterCount implements MetricsCollector.
func (n *NoOpMetrics) IncFilterCount(_ string, _ domain.BackendKind, _ bool) {}

// ObserveFilterDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveFilterDuration(_ domain.BackendKind, _ time.Duration) {}

// IncFallbackWarnings implements MetricsCollector.
func (n *NoOpMetrics) IncFallbackWarnings(_, _ domain.BackendKind) {}

// IncLockRetries implements MetricsCollector.
func (n *NoOpMetrics) IncLockRetries() {}

// IncCacheHit implements MetricsCollector.
func (n *NoOpMetrics) IncCacheHit() {}

// IncCacheMiss implements MetricsCollector.
func (n *NoOpMetrics) IncCacheMiss() {}

// SetLayersRegistered implements MetricsCollector.
func (n *NoOpMetrics) SetLayersRegistered(_ int) {}

// SetActiveTasks implements MetricsCollector.
func (n *NoOpMetrics) SetActiveTasks(_ int) {}

// SetHistoryDepth implements MetricsCollector.
func (n *NoOpMetrics) SetHistoryDepth(_ string, _ int) {}

// IncHistoryOp implements MetricsCollector.
func (n *NoOpMetrics) IncHistoryOp(_ string, _ bool) {}
