// Package main provides the entry point for the cribrum filter engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jobrunner/cribrum/internal/app"
	"github.com/jobrunner/cribrum/internal/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cribrum",
	Short: "Cribrum - multi-backend geometric filter engine",
	Long: `Cribrum filters map layers by spatial relationship to reference features.

It exposes a control API for submitting filter tasks, inspecting their
progress and undoing applied filters.

Features:
  - Spatial predicates (intersects, contains, within, dwithin, ...)
  - Backend selection across PostGIS, SpatiaLite and in-process evaluation
  - Cancellable filter tasks with progress reporting
  - Per-session undo/redo of applied filters
  - Dataset hot-reload from local, S3, Azure or HTTP sources
  - Prometheus metrics`,
	RunE: runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("Cribrum %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Build Date: %s\n", buildDate)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, text)")

	// Server flags
	rootCmd.Flags().String("host", "127.0.0.1", "server host")
	rootCmd.Flags().Int("port", 8080, "server port")

	// Engine flags
	rootCmd.Flags().Int64("large-layer-threshold", 100000, "feature count above which backend tier outranks native storage")
	rootCmd.Flags().Int("workers", 2, "concurrent filter tasks")
	rootCmd.Flags().String("overrides", "", "session overrides file with forced backends")

	// Source flags
	rootCmd.Flags().String("source-type", "local", "layer source type (local, s3, azure, http)")
	rootCmd.Flags().String("source-path", "./data", "local layer source path")

	// Relational backend flags
	rootCmd.Flags().Bool("relational", false, "enable the PostGIS backend")
	rootCmd.Flags().String("relational-dsn", "", "PostGIS connection string")

	// Bind flags to viper
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("server.host", rootCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", rootCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("engine.large_layer_threshold", rootCmd.Flags().Lookup("large-layer-threshold"))
	_ = viper.BindPFlag("engine.workers", rootCmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("engine.overrides_path", rootCmd.Flags().Lookup("overrides"))
	_ = viper.BindPFlag("source.type", rootCmd.Flags().Lookup("source-type"))
	_ = viper.BindPFlag("source.local_path", rootCmd.Flags().Lookup("source-path"))
	_ = viper.BindPFlag("relational.enabled", rootCmd.Flags().Lookup("relational"))
	_ = viper.BindPFlag("relational.dsn", rootCmd.Flags().Lookup("relational-dsn"))

	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	config.Defaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

func runServer(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting cribrum",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"source_type", cfg.Source.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "address", cfg.Server.Address())
		if err := application.Start(ctx); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		logger.Error("server error", "error", err)
		cancel()
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	logger.Info("shutting down server")
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(time.Now().UTC().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
