// Package httpapi provides the HTTP control API the host application talks
// to.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jobrunner/cribrum/internal/config"
	"github.com/jobrunner/cribrum/internal/ports/input"
)

// Server wraps the HTTP server with engine handlers.
type Server struct {
	server  *http.Server
	router  *mux.Router
	engine  input.FilterEngine
	catalog input.LayerCatalog
	health  input.HealthChecker
	metrics http.Handler
	logger  *slog.Logger
	config  config.ServerConfig
}

// NewServer creates a new control API server. The metrics handler is
// optional.
func NewServer(
	cfg config.Config,
	engine input.FilterEngine,
	catalog input.LayerCatalog,
	health input.HealthChecker,
	metricsHandler http.Handler,
	logger *slog.Logger,
) *Server {
	s := &Server{
		engine:  engine,
		catalog: catalog,
		health:  health,
		metrics: metricsHandler,
		logger:  logger,
		config:  cfg.Server,
	}

	s.router = s.setupRoutes(cfg.Metrics)

	s.server = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes(metricsCfg config.MetricsConfig) *mux.Router {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	// Health endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)

	// API v1
	api := r.PathPrefix("/api/v1").Subrouter()

	// Filter task endpoints
	api.HandleFunc("/filters", s.handleSubmitFilter).Methods(http.MethodPost)
	api.HandleFunc("/filters/batch", s.handleSubmitBatch).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{taskId}", s.handleTaskStatus).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{taskId}", s.handleCancelTask).Methods(http.MethodDelete)

	// History endpoints
	api.HandleFunc("/sessions/{sessionId}/undo", s.handleUndo).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sessionId}/redo", s.handleRedo).Methods(http.MethodPost)

	// Layer endpoints
	api.HandleFunc("/layers", s.handleListLayers).Methods(http.MethodGet)
	api.HandleFunc("/layers/{layerId}", s.handleGetLayer).Methods(http.MethodGet)
	api.HandleFunc("/layers/{layerId}/state", s.handleLayerState).Methods(http.MethodGet)
	api.HandleFunc("/layers/{layerId}/backend", s.handleBackendInfo).Methods(http.MethodGet)

	if metricsCfg.Enabled && s.metrics != nil {
		r.Handle(metricsCfg.Path, s.metrics).Methods(http.MethodGet)
	}

	return r
}

// Router returns the mux router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting control API", "address", s.config.Address())
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down control API")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs incoming requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
