// Package app provides application initialization and wiring.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jobrunner/cribrum/internal/adapters/backend/embedded"
	"github.com/jobrunner/cribrum/internal/adapters/backend/generic"
	"github.com/jobrunner/cribrum/internal/adapters/backend/relational"
	"github.com/jobrunner/cribrum/internal/adapters/httpapi"
	"github.com/jobrunner/cribrum/internal/adapters/layersource"
	"github.com/jobrunner/cribrum/internal/adapters/metrics"
	"github.com/jobrunner/cribrum/internal/adapters/watcher"
	"github.com/jobrunner/cribrum/internal/application"
	"github.com/jobrunner/cribrum/internal/config"
	"github.com/jobrunner/cribrum/internal/ports/output"
)

// App holds all application components.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Source   output.LayerSource
	Embedded *embedded.Backend
	Registry *application.LayerRegistry
	Factory  *application.BackendFactory
	Executor *application.TaskExecutor
	Engine   *application.Engine
	History  *application.HistoryManager
	Health   *application.HealthService
	Server   *httpapi.Server
	Watcher  *watcher.Watcher
	Metrics  *metrics.Collector

	bufferOps *embedded.BufferOps
}

// New creates and wires a new application.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	var metricsCollector output.MetricsCollector
	if cfg.Metrics.Enabled {
		app.Metrics = metrics.NewCollector("cribrum")
		metricsCollector = app.Metrics
	} else {
		metricsCollector = &output.NoOpMetrics{}
	}

	source, err := initSource(ctx, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("initializing layer source: %w", err)
	}
	app.Source = source

	app.Embedded = embedded.NewBackend(embedded.RetryConfig{
		MaxAttempts: cfg.Engine.RetryMaxAttempts,
		BaseDelay:   cfg.Engine.RetryBaseDelay,
		MaxDelay:    cfg.Engine.RetryMaxDelay,
	}, metricsCollector, logger)

	app.Registry = application.NewLayerRegistry(
		app.Embedded,
		source,
		metricsCollector,
		logger,
		cfg.Engine.DataDir,
	)

	forced, err := config.LoadOverrides(cfg.Engine.OverridesPath)
	if err != nil {
		return nil, fmt.Errorf("loading backend overrides: %w", err)
	}

	app.Factory = application.NewBackendFactory(application.FactoryConfig{
		LargeLayerThreshold: cfg.Engine.LargeLayerThreshold,
		ForcedBackends:      forced,
	}, metricsCollector, logger)

	app.Factory.Register(app.Embedded)

	if cfg.Relational.Enabled {
		rb, err := relational.NewBackend(cfg.Relational.DSN, metricsCollector, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing relational backend: %w", err)
		}
		app.Factory.Register(rb)

		// Database-resident layers come from configuration; there is no
		// dataset file to discover them from.
		for _, lc := range cfg.Relational.Layers {
			app.Registry.Register(lc.Descriptor())
		}
	}

	features := application.NewDatasetFeatureSource(app.Registry, app.Embedded, app.Embedded)
	app.Factory.Register(generic.NewBackend(features, metricsCollector, logger))

	// Buffering runs through SpatiaLite when the extension loads; hosts
	// without it degrade to bounds expansion.
	var geomOps output.GeometryOps
	if ops, err := embedded.NewBufferOps(ctx); err == nil {
		app.bufferOps = ops
		geomOps = ops
	} else {
		logger.Warn("spatialite buffering unavailable, using bounds expansion", "error", err)
		geomOps = generic.BoundsExpandOps{}
	}

	extract := application.NewGeometryExtractor(app.Registry, app.Factory, features)
	cache := application.NewSourceGeometryCache(extract, geomOps, cfg.Engine.CacheSize, metricsCollector, logger)
	listIDs := application.NewFeatureIDLister(app.Registry, app.Factory, features)

	app.Executor = application.NewTaskExecutor(application.ExecutorConfig{
		Workers:   cfg.Engine.Workers,
		QueueSize: cfg.Engine.QueueSize,
	}, app.Factory, app.Registry, cache, listIDs, metricsCollector, logger)

	app.Engine = application.NewEngine(app.Registry, app.Factory, app.Executor, logger)

	app.History = application.NewHistoryManager(
		cfg.Engine.HistoryDepth,
		app.Engine,
		app.Engine,
		metricsCollector,
		logger,
	)
	app.Engine.AttachHistory(app.History)

	app.Registry.OnUnregister(func(ctx context.Context, layerID string) {
		app.Executor.ReleaseLayerHandles(ctx, layerID)
	})

	app.Health = application.NewHealthService(app.Registry, app.Factory)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = metrics.Handler()
	}

	app.Server = httpapi.NewServer(*cfg, app.Engine, app.Engine, app.Health, metricsHandler, logger)

	if cfg.Source.Type == "local" {
		w, err := watcher.New(
			watcher.Config{Paths: []string{cfg.Source.LocalPath}},
			app.handleDatasetEvent,
			logger,
		)
		if err != nil {
			logger.Warn("failed to initialize dataset watcher", "error", err)
		} else {
			app.Watcher = w
		}
	}

	return app, nil
}

// Start loads datasets and starts all components. Blocks serving the
// control API until Shutdown is called.
func (a *App) Start(ctx context.Context) error {
	if err := a.Registry.LoadAll(ctx); err != nil {
		a.Logger.Warn("failed to load datasets", "error", err)
	}

	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("failed to start dataset watcher", "error", err)
		}
	}

	return a.Server.Start()
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down")

	if a.Watcher != nil {
		_ = a.Watcher.Stop()
	}

	if err := a.Server.Shutdown(ctx); err != nil {
		a.Logger.Error("server shutdown error", "error", err)
	}

	a.Executor.Stop()

	// Releasing layers drops backend artifacts and closes datasets.
	datasets := make(map[string]struct{})
	for _, desc := range a.Registry.List() {
		if desc.Dataset != "" {
			datasets[desc.Dataset] = struct{}{}
		}
	}
	for dataset := range datasets {
		if err := a.Registry.UnregisterDataset(ctx, dataset); err != nil {
			a.Logger.Error("failed to close dataset", "dataset", dataset, "error", err)
		}
	}

	if a.bufferOps != nil {
		_ = a.bufferOps.Close()
	}

	return nil
}

// handleDatasetEvent registers and unregisters datasets on file events.
func (a *App) handleDatasetEvent(ctx context.Context, event watcher.Event) error {
	switch event.Operation {
	case watcher.OpCreate, watcher.OpModify:
		return a.Registry.RegisterDataset(ctx, event.Path)

	case watcher.OpDelete:
		dataset := application.DeriveDatasetID(event.Path)
		if err := a.Registry.UnregisterDataset(ctx, dataset); err != nil {
			a.Logger.Warn("failed to unregister deleted dataset", "dataset", dataset, "error", err)
		}
		return nil
	}

	return nil
}

// initSource initializes the configured layer source.
func initSource(ctx context.Context, cfg config.SourceConfig) (output.LayerSource, error) {
	switch cfg.Type {
	case "local":
		return layersource.NewLocalSource(cfg.LocalPath), nil

	case "s3":
		return layersource.NewS3Source(ctx, layersource.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})

	case "azure":
		return layersource.NewAzureSource(layersource.AzureConfig{
			Container:        cfg.Azure.Container,
			AccountName:      cfg.Azure.AccountName,
			AccountKey:       cfg.Azure.AccountKey,
			ConnectionString: cfg.Azure.ConnectionString,
			Prefix:           cfg.Azure.Prefix,
		})

	case "http":
		return layersource.NewHTTPSource(layersource.HTTPConfig{
			BaseURL:   cfg.HTTP.BaseURL,
			IndexFile: cfg.HTTP.IndexFile,
			Timeout:   cfg.HTTP.Timeout,
			Username:  cfg.HTTP.Username,
			Password:  cfg.HTTP.Password,
		}), nil

	default:
		return nil, fmt.Errorf("unknown source type: %s", cfg.Type)
	}
}
