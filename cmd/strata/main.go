// Package main provides the entry point for the Strata layer import service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jobrunner/strata/internal/app"
	"github.com/jobrunner/strata/internal/application"
	"github.com/jobrunner/strata/internal/config"
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
	Use:   "strata",
	Short: "Strata - geospatial layer import service",
	Long: `Strata ingests uploaded geospatial files, inspects their structure and
imports their layers into a target datastore, then runs a configurable
chain of post-import handlers.

Features:
  - Vector import with streaming feature copy and schema coercion
  - Raster re-encoding into tiled GeoPackage pyramids
  - Pluggable post-import handler pipeline (publish, time, caching)
  - Multiple upload sources (local, AWS S3, Azure, HTTP)
  - Drop-directory watching with automatic import
  - Prometheus metrics`,
	RunE: runServer,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the import service",
	RunE:  runServer,
}

var importCmd = &cobra.Command{
	Use:   "import [source...]",
	Short: "Import every layer of the given sources and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runImport,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [source]",
	Short: "Describe the layers of a source without importing",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("Strata %s\n", version)
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
	rootCmd.Flags().String("host", "0.0.0.0", "server host")
	rootCmd.Flags().Int("port", 8080, "server port")

	// Datastore flags
	rootCmd.PersistentFlags().String("datastore-type", "geopackage", "target datastore (postgis, geopackage)")
	rootCmd.PersistentFlags().String("datastore-dsn", "", "PostGIS connection string")
	rootCmd.PersistentFlags().String("datastore-path", "./data/imports.gpkg", "GeoPackage output path")

	// Storage flags
	rootCmd.Flags().String("storage-type", "local", "upload storage type (local, s3, azure, http)")
	rootCmd.Flags().String("storage-path", "./data/incoming", "local upload storage path")

	// Watcher flags
	rootCmd.Flags().Bool("watch", false, "watch drop directories for uploads")
	rootCmd.Flags().StringSlice("watch-paths", nil, "directories to watch")

	// CORS flags
	rootCmd.Flags().StringSlice("cors", nil, "allowed CORS origins (e.g., https://example.com,*.sub.domain.tld)")

	// Bind flags to viper
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("datastore.type", rootCmd.PersistentFlags().Lookup("datastore-type"))
	_ = viper.BindPFlag("datastore.dsn", rootCmd.PersistentFlags().Lookup("datastore-dsn"))
	_ = viper.BindPFlag("datastore.path", rootCmd.PersistentFlags().Lookup("datastore-path"))
	_ = viper.BindPFlag("server.host", rootCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", rootCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("storage.type", rootCmd.Flags().Lookup("storage-type"))
	_ = viper.BindPFlag("storage.local_path", rootCmd.Flags().Lookup("storage-path"))
	_ = viper.BindPFlag("watcher.enabled", rootCmd.Flags().Lookup("watch"))
	_ = viper.BindPFlag("watcher.paths", rootCmd.Flags().Lookup("watch-paths"))
	_ = viper.BindPFlag("server.cors.allowed_origins", rootCmd.Flags().Lookup("cors"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(inspectCmd)
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

	// Setup logger
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting Strata",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"datastore", cfg.Datastore.Type,
		"storage_type", cfg.Storage.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Initialize application
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}

	// Start server in background
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "address", cfg.Server.Address())
		if err := a.Start(ctx); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		logger.Error("server error", "error", err)
		cancel()
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	logger.Info("shutting down server")
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}

func runImport(_ *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	for _, source := range args {
		if err := a.Inspect.ValidateFile(ctx, source); err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}

		descriptions, err := a.Inspect.DescribeFields(ctx, source)
		if err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}

		layers, err := a.Importer.Handle(ctx, source, application.DefaultConfigurations(descriptions), nil)
		if err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}

		if err := encoder.Encode(layers); err != nil {
			return err
		}
	}

	return nil
}

func runInspect(_ *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx := context.Background()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}

	source := args[0]
	if err := a.Inspect.ValidateFile(ctx, source); err != nil {
		return fmt.Errorf("%s: %w", source, err)
	}

	descriptions, err := a.Inspect.DescribeFields(ctx, source)
	if err != nil {
		return fmt.Errorf("%s: %w", source, err)
	}

	fileType, err := a.Inspect.FileType(ctx, source)
	if err != nil {
		return fmt.Errorf("%s: %w", source, err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{
		"source":    source,
		"file_type": fileType,
		"layers":    descriptions,
	})
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
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
