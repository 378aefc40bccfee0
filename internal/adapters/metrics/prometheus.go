// Package metrics provides Prometheus metrics collection.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jobrunner/cribrum/internal/domain"
)

// Collector implements the MetricsCollector port using Prometheus.
type Collector struct {
	filterCounter    *prometheus.CounterVec
	filterDuration   *prometheus.HistogramVec
	fallbackWarnings *prometheus.CounterVec
	lockRetries      prometheus.Counter
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	layersRegistered prometheus.Gauge
	activeTasks      prometheus.Gauge
	historyDepth     *prometheus.GaugeVec
	historyOps       *prometheus.CounterVec
}

// NewCollector creates a new Prometheus metrics collector.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "cribrum"
	}

	return &Collector{
		filterCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filters_total",
				Help:      "Total number of filter operations",
			},
			[]string{"layer_id", "backend", "status"},
		),

		filterDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "filter_duration_seconds",
				Help:      "Backend execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend"},
		),

		fallbackWarnings: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallback_warnings_total",
				Help:      "Total number of backend selection degradations",
			},
			[]string{"from", "to"},
		),

		lockRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_retries_total",
				Help:      "Total number of embedded backend lock retries",
			},
		),

		cacheHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "geometry_cache_hits_total",
				Help:      "Total number of geometry cache hits",
			},
		),

		cacheMisses: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "geometry_cache_misses_total",
				Help:      "Total number of geometry cache misses",
			},
		),

		layersRegistered: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "layers_registered",
				Help:      "Number of registered layers",
			},
		),

		activeTasks: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tasks",
				Help:      "Number of filter tasks not yet terminal",
			},
		),

		historyDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "history_depth",
				Help:      "History stack depth per session",
			},
			[]string{"session_id"},
		),

		historyOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "history_operations_total",
				Help:      "Total number of undo and redo operations",
			},
			[]string{"operation", "status"},
		),
	}
}

// IncFilterCount increments the filter operation counter.
func (c *Collector) IncFilterCount(layerID string, backend domain.BackendKind, success bool) {
	c.filterCounter.WithLabelValues(layerID, string(backend), statusLabel(success)).Inc()
}

// ObserveFilterDuration records backend execution time.
func (c *Collector) ObserveFilterDuration(backend domain.BackendKind, duration time.Duration) {
	c.filterDuration.WithLabelValues(string(backend)).Observe(duration.Seconds())
}

// IncFallbackWarnings counts backend selection degradations.
func (c *Collector) IncFallbackWarnings(from, to domain.BackendKind) {
	c.fallbackWarnings.WithLabelValues(string(from), string(to)).Inc()
}

// IncLockRetries counts embedded backend lock retries.
func (c *Collector) IncLockRetries() {
	c.lockRetries.Inc()
}

// IncCacheHit counts geometry cache hits.
func (c *Collector) IncCacheHit() {
	c.cacheHits.Inc()
}

// IncCacheMiss counts geometry cache misses.
func (c *Collector) IncCacheMiss() {
	c.cacheMisses.Inc()
}

// SetLayersRegistered sets the registered layer gauge.
func (c *Collector) SetLayersRegistered(count int) {
	c.layersRegistered.Set(float64(count))
}

// SetActiveTasks sets the active task gauge.
func (c *Collector) SetActiveTasks(count int) {
	c.activeTasks.Set(float64(count))
}

// SetHistoryDepth sets the history depth gauge for a session.
func (c *Collector) SetHistoryDepth(sessionID string, depth int) {
	c.historyDepth.WithLabelValues(sessionID).Set(float64(depth))
}

// IncHistoryOp counts undo and redo operations.
func (c *Collector) IncHistoryOp(op string, success bool) {
	c.historyOps.WithLabelValues(op, statusLabel(success)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
