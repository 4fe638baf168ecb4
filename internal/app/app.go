// Package app provides application initialization and wiring.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jobrunner/strata/internal/adapters/catalog"
	"github.com/jobrunner/strata/internal/adapters/formats"
	httpAdapter "github.com/jobrunner/strata/internal/adapters/http"
	"github.com/jobrunner/strata/internal/adapters/metrics"
	"github.com/jobrunner/strata/internal/adapters/raster"
	"github.com/jobrunner/strata/internal/adapters/storage"
	"github.com/jobrunner/strata/internal/adapters/target"
	"github.com/jobrunner/strata/internal/adapters/watcher"
	"github.com/jobrunner/strata/internal/application"
	"github.com/jobrunner/strata/internal/config"
	"github.com/jobrunner/strata/internal/handlers"
	"github.com/jobrunner/strata/internal/ports/output"
)

// App holds all application components.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Storage       output.ObjectStorage
	Importer      *application.Importer
	Inspect       *application.Inspect
	Jobs          *application.JobManager
	HealthService *application.HealthService
	HTTPServer    *httpAdapter.Server
	Watcher       *watcher.Watcher
	Metrics       *metrics.Collector
	Catalog       output.Catalog
}

// New creates and initializes a new application.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize metrics
	if cfg.Metrics.Enabled {
		app.Metrics = metrics.NewCollector("strata")
	}

	var metricsCollector output.MetricsCollector
	if app.Metrics != nil {
		metricsCollector = app.Metrics
	} else {
		metricsCollector = &output.NoOpMetrics{}
	}

	// Initialize storage adapter
	store, err := initStorage(ctx, cfg.Storage, cfg.Uploads.ValidExtensions)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	app.Storage = store

	// Initialize the format inspector
	inspector := formats.NewDatasetInspector(csvOptions(cfg.Uploads))

	// Target datastore opener. Each import call opens and closes its
	// own connection.
	opener := storeOpener(cfg.Datastore)
	targetStores := func(ctx context.Context) (output.TargetStore, error) {
		return opener(ctx)
	}

	// Initialize the map-server catalog client
	if cfg.Catalog.Enabled() {
		app.Catalog = catalog.NewClient(catalog.Config{
			BaseURL:   cfg.Catalog.BaseURL,
			Workspace: cfg.Catalog.Workspace,
			Username:  cfg.Catalog.Username,
			Password:  cfg.Catalog.Password,
			Timeout:   cfg.Catalog.Timeout,
		})
	}

	// Register the built-in pipeline handlers and build the configured
	// chain.
	handlers.RegisterAll(handlers.Deps{
		Stores:      opener,
		Catalog:     app.Catalog,
		StoreName:   cfg.Catalog.StoreName,
		StoreParams: cfg.Catalog.StoreParams,
	})

	chain, err := application.BuildHandlers(cfg.Pipeline.Handlers)
	if err != nil {
		return nil, fmt.Errorf("building pipeline: %w", err)
	}

	policy := application.ContinueOnError
	if cfg.Pipeline.OnError == "stop" {
		policy = application.StopOnError
	}
	pipeline := application.NewPipeline(chain, policy, metricsCollector, logger)

	// Initialize the import engine
	app.Importer = application.NewImporter(
		inspector,
		targetStores,
		logger,
		application.WithRasterEncoder(&raster.TileEncoder{}, cfg.Raster.OutputDir),
		application.WithPipeline(pipeline),
		application.WithMetrics(metricsCollector),
	)

	// Initialize the job runner
	app.Jobs = application.NewJobManager(app.Importer, cfg.Jobs.MaxConcurrent, metricsCollector, logger)

	// Initialize the inspection service
	app.Inspect = application.NewInspect(inspector, cfg.Uploads.ValidExtensions)

	// Initialize health service
	app.HealthService = application.NewHealthService(targetStores, app.Jobs)

	// Initialize HTTP server
	app.HTTPServer = httpAdapter.NewServer(
		cfg.Server,
		app.Inspect,
		app.Jobs,
		app.HealthService,
		cfg.Uploads.WorkDir,
		logger,
	)
	if app.Metrics != nil {
		app.HTTPServer.Router().Use(app.Metrics.Middleware)
		app.HTTPServer.WithMetrics(cfg.Metrics.Path, metrics.Handler())
	}

	// Initialize the drop-directory watcher
	if cfg.Watcher.Enabled {
		w, err := watcher.New(
			watcher.Config{
				Paths:      cfg.Watcher.Paths,
				Debounce:   cfg.Watcher.Debounce,
				Extensions: cfg.Uploads.ValidExtensions,
			},
			app.handleFileEvent,
			logger,
		)
		if err != nil {
			logger.Warn("failed to initialize file watcher", "error", err)
		} else {
			app.Watcher = w
		}
	}

	return app, nil
}

// Start starts all application components.
func (a *App) Start(ctx context.Context) error {
	if err := os.MkdirAll(a.Config.Uploads.WorkDir, 0o750); err != nil {
		return fmt.Errorf("creating work directory: %w", err)
	}

	// Fetch pending uploads from storage in the background
	go func() {
		if err := a.SyncUploads(ctx); err != nil {
			a.Logger.Warn("upload sync failed", "error", err)
		}
	}()

	// Start file watcher
	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("failed to start file watcher", "error", err)
		}
	}

	return a.HTTPServer.Start()
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	// Stop watcher
	if a.Watcher != nil {
		_ = a.Watcher.Stop()
	}

	// Shutdown HTTP server
	if err := a.HTTPServer.Shutdown(ctx); err != nil {
		a.Logger.Error("HTTP server shutdown error", "error", err)
	}

	// Let queued imports finish
	a.Jobs.Wait()

	return nil
}

// SyncUploads fetches new objects from storage into the work directory
// and queues an import job for each.
func (a *App) SyncUploads(ctx context.Context) error {
	objects, err := a.Storage.List(ctx)
	if err != nil {
		return fmt.Errorf("listing storage: %w", err)
	}

	for _, obj := range objects {
		dest := filepath.Join(a.Config.Uploads.WorkDir, filepath.Base(obj.Key))

		if info, err := os.Stat(dest); err == nil && info.Size() == obj.Size {
			continue
		}

		if err := a.Storage.Download(ctx, obj.Key, dest); err != nil {
			a.Logger.Warn("download failed", "key", obj.Key, "error", err)
			continue
		}

		a.submitSource(ctx, dest)
	}

	return nil
}

// handleFileEvent queues an import for files dropped into a watched
// directory.
func (a *App) handleFileEvent(ctx context.Context, event watcher.Event) error {
	a.Logger.Info("file event", "path", event.Path, "operation", event.Operation.String())

	switch event.Operation {
	case watcher.OpCreate, watcher.OpModify:
		a.submitSource(ctx, event.Path)
	case watcher.OpDelete:
		// The import already happened; nothing to undo.
	}

	return nil
}

// submitSource validates a source, derives a default configuration per
// layer and queues the import.
func (a *App) submitSource(ctx context.Context, path string) {
	if err := a.Inspect.ValidateFile(ctx, path); err != nil {
		a.Logger.Warn("rejecting upload", "path", path, "error", err)
		return
	}

	descriptions, err := a.Inspect.DescribeFields(ctx, path)
	if err != nil {
		a.Logger.Warn("describe failed", "path", path, "error", err)
		return
	}

	configs := application.DefaultConfigurations(descriptions)
	job := a.Jobs.Submit(ctx, path, configs, nil)
	a.Logger.Info("queued import", "path", path, "job", job.ID, "layers", len(configs))
}

// csvOptions maps the upload configuration onto the inspector's CSV
// column candidates.
func csvOptions(cfg config.UploadsConfig) formats.CSVOptions {
	opts := formats.DefaultCSVOptions()
	if len(cfg.CSVGeometryFields) > 0 {
		opts.GeometryFields = cfg.CSVGeometryFields
	}
	if len(cfg.CSVXFields) > 0 {
		opts.XFields = cfg.CSVXFields
	}
	if len(cfg.CSVYFields) > 0 {
		opts.YFields = cfg.CSVYFields
	}
	return opts
}

// storeOpener returns a factory for the configured target backend.
func storeOpener(cfg config.DatastoreConfig) func(ctx context.Context) (handlers.ConverterStore, error) {
	switch cfg.Type {
	case "postgis":
		return func(ctx context.Context) (handlers.ConverterStore, error) {
			return target.NewPostGISStore(ctx, cfg.DSN)
		}
	default:
		return func(ctx context.Context) (handlers.ConverterStore, error) {
			return target.NewGeoPackageStore(ctx, cfg.Path)
		}
	}
}

// initStorage initializes the appropriate storage adapter.
func initStorage(ctx context.Context, cfg config.StorageConfig, extensions []string) (output.ObjectStorage, error) {
	switch cfg.Type {
	case "local":
		return storage.NewLocalStorage(cfg.LocalPath, extensions), nil

	case "s3":
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Extensions:      extensions,
		})

	case "azure":
		return storage.NewAzureStorage(storage.AzureConfig{
			Container:        cfg.Azure.Container,
			AccountName:      cfg.Azure.AccountName,
			AccountKey:       cfg.Azure.AccountKey,
			ConnectionString: cfg.Azure.ConnectionString,
			Prefix:           cfg.Azure.Prefix,
			Extensions:       extensions,
		})

	case "http":
		return storage.NewHTTPStorage(storage.HTTPConfig{
			BaseURL:    cfg.HTTP.BaseURL,
			IndexFile:  cfg.HTTP.IndexFile,
			Timeout:    cfg.HTTP.Timeout,
			Username:   cfg.HTTP.Username,
			Password:   cfg.HTTP.Password,
			Extensions: extensions,
		}), nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
