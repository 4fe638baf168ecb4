package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/naming"
	"github.com/jobrunner/strata/internal/ports/output"
)

// Importer copies layers from heterogeneous sources into the target
// datastore. One Importer serves all import calls of the process; a
// target store connection is opened per call through the factory so
// concurrent imports never share a COPY session.
type Importer struct {
	inspector output.Inspector
	stores    func(ctx context.Context) (output.TargetStore, error)
	encoder   output.RasterEncoder
	rasterDir string
	pipeline  *Pipeline
	metrics   output.MetricsCollector
	logger    *slog.Logger

	// owners maps a claimed layer name to the correlation id that
	// created it, making re-runs of the same upload idempotent while
	// distinct uploads are pushed to incremented names.
	ownersMu sync.Mutex
	owners   map[string]string
}

// ImporterOption configures optional collaborators.
type ImporterOption func(*Importer)

// WithRasterEncoder wires the raster re-encoding path.
func WithRasterEncoder(enc output.RasterEncoder, dir string) ImporterOption {
	return func(i *Importer) {
		i.encoder = enc
		i.rasterDir = dir
	}
}

// WithPipeline attaches the post-import handler pipeline.
func WithPipeline(p *Pipeline) ImporterOption {
	return func(i *Importer) { i.pipeline = p }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m output.MetricsCollector) ImporterOption {
	return func(i *Importer) { i.metrics = m }
}

// NewImporter builds the import service.
func NewImporter(inspector output.Inspector, stores func(ctx context.Context) (output.TargetStore, error), logger *slog.Logger, opts ...ImporterOption) *Importer {
	imp := &Importer{
		inspector: inspector,
		stores:    stores,
		metrics:   &output.NoOpMetrics{},
		logger:    logger,
		owners:    map[string]string{},
	}
	for _, opt := range opts {
		opt(imp)
	}
	return imp
}

// ImportFile imports every configuration entry against the source.
// Entries that fail to resolve or import are skipped with a log record;
// the remaining entries still run. A batch with no valid correlation
// ids fails whole.
func (imp *Importer) ImportFile(ctx context.Context, source string, configs []domain.LayerConfiguration) ([]domain.ImportedLayer, error) {
	if len(configs) == 0 {
		return nil, &domain.ValidationError{
			Field:      "configs",
			Constraint: "required",
			Message:    "import requires at least one layer configuration",
		}
	}
	for i := range configs {
		if err := configs[i].Validate(); err != nil {
			return nil, err
		}
	}

	src, err := imp.inspector.Open(ctx, source)
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()

	descriptions, err := src.DescribeFields(ctx)
	if err != nil {
		return nil, err
	}

	store, err := imp.stores(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	var imported []domain.ImportedLayer
	for i := range configs {
		cfg := &configs[i]
		layer, err := imp.importOne(ctx, src, store, descriptions, cfg)
		if err != nil {
			imp.logger.Error("layer import failed",
				"source", source, "config", cfg.String(), "error", err)
			imp.metrics.IncImportCount(string(cfg.LayerType), false)
			continue
		}
		imported = append(imported, *layer)
	}
	return imported, nil
}

// Handle imports and then runs the pipeline over each produced layer.
func (imp *Importer) Handle(ctx context.Context, source string, configs []domain.LayerConfiguration, kwargs map[string]any) ([]domain.ImportedLayer, error) {
	imported, err := imp.ImportFile(ctx, source, configs)
	if err != nil {
		return nil, err
	}
	if imp.pipeline == nil {
		return imported, nil
	}
	for i := range imported {
		layer := &imported[i]
		results, err := imp.pipeline.Run(ctx, layer.Target, layer.Config, kwargs)
		layer.Config.HandlerResults = results
		if err != nil {
			return imported, err
		}
	}
	return imported, nil
}

// importOne resolves one configuration entry and dispatches by layer
// type.
func (imp *Importer) importOne(ctx context.Context, src output.Source, store output.TargetStore, descriptions []domain.SourceDescription, cfg *domain.LayerConfiguration) (*domain.ImportedLayer, error) {
	start := time.Now()

	desc, err := resolveDescription(descriptions, cfg)
	if err != nil {
		return nil, err
	}
	cfg.Merge(desc)

	var layer *domain.ImportedLayer
	switch cfg.LayerType {
	case domain.LayerTypeTile:
		layer, err = imp.importTiles(cfg)
	case domain.LayerTypeRaster:
		layer, err = imp.importRaster(ctx, cfg)
	default:
		layer, err = imp.importVector(ctx, src, store, desc, cfg)
	}
	if err != nil {
		return nil, err
	}
	imp.metrics.IncImportCount(string(cfg.LayerType), true)
	imp.metrics.ObserveImportDuration(string(cfg.LayerType), time.Since(start))
	return layer, nil
}

// resolveDescription finds the layer a configuration addresses. A
// configuration without a lookup key falls back to positional matching
// only when the source has exactly one layer.
func resolveDescription(descriptions []domain.SourceDescription, cfg *domain.LayerConfiguration) (*domain.SourceDescription, error) {
	if !cfg.HasLookup() {
		if len(descriptions) == 1 {
			return &descriptions[0], nil
		}
		return nil, &domain.ConfigMismatchError{
			Config:  cfg,
			Matches: 0,
		}
	}
	var found *domain.SourceDescription
	matches := 0
	for i := range descriptions {
		if cfg.Matches(&descriptions[i]) {
			found = &descriptions[i]
			matches++
		}
	}
	if matches != 1 {
		return nil, &domain.ConfigMismatchError{Config: cfg, Matches: matches}
	}
	return found, nil
}

// importTiles passes a tile container through unchanged: the pyramid is
// already in its servable form, so the result records the sub-dataset
// path for the publish handlers.
func (imp *Importer) importTiles(cfg *domain.LayerConfiguration) (*domain.ImportedLayer, error) {
	target := cfg.Path
	if target == "" {
		target = cfg.LayerName
	}
	return &domain.ImportedLayer{Target: target, Config: cfg}, nil
}

// importRaster re-encodes the source into the tiled output format at a
// collision-free path under the raster directory.
func (imp *Importer) importRaster(ctx context.Context, cfg *domain.LayerConfiguration) (*domain.ImportedLayer, error) {
	if imp.encoder == nil || imp.rasterDir == "" {
		return nil, fmt.Errorf("raster import not configured: %w", domain.ErrUnsupported)
	}
	base := naming.Launder(cfg.LayerName)
	if base == "" {
		base = naming.Uniquish("raster")
	}
	dest := filepath.Join(imp.rasterDir, base+imp.encoder.OutputExt())
	dest, err := naming.IncrementFilename(dest)
	if err != nil {
		return nil, err
	}
	if err := imp.encoder.Encode(ctx, cfg.Path, dest); err != nil {
		return nil, &domain.ImportError{Layer: cfg.LayerName, Stage: "encode", Err: err}
	}
	return &domain.ImportedLayer{Target: dest, Config: cfg}, nil
}

// importVector copies one vector layer into the target store.
func (imp *Importer) importVector(ctx context.Context, src output.Source, store output.TargetStore, desc *domain.SourceDescription, cfg *domain.LayerConfiguration) (*domain.ImportedLayer, error) {
	if cfg.SRS == "" {
		cfg.SRS = "EPSG:4326"
	}

	layer, reused, err := imp.claimLayer(ctx, store, cfg)
	if err != nil {
		return nil, err
	}
	if reused {
		// The retried upload already owns the layer's schema and
		// features; copying again would duplicate both.
		imp.logger.Info("reusing layer for retried upload",
			"layer", layer.Name(), "upload_layer_id", cfg.UploadLayerID)
		return &domain.ImportedLayer{Target: layer.Name(), Config: cfg}, nil
	}

	if err := imp.copySchema(ctx, layer, cfg); err != nil {
		return nil, err
	}

	// Bulk copy breaks on embedded newlines in delimited sources;
	// those go row by row.
	if strings.EqualFold(cfg.Driver, "CSV") {
		store.SetCopyStrategy(output.CopyRowByRow)
	} else {
		store.SetCopyStrategy(output.CopyBulk)
	}

	copied, err := imp.copyFeatures(ctx, src, layer, desc, cfg)
	if err != nil {
		return nil, err
	}
	imp.metrics.AddFeaturesCopied(copied)

	return &domain.ImportedLayer{Target: layer.Name(), Config: cfg}, nil
}

// claimLayer finds a name the target accepts. An existing layer created
// by the same correlation id is reused (idempotent retry, reported by
// the second return); names owned by other uploads are incremented
// until one is free.
func (imp *Importer) claimLayer(ctx context.Context, store output.TargetStore, cfg *domain.LayerConfiguration) (output.TargetLayer, bool, error) {
	name := naming.Launder(cfg.LayerName)
	if name == "" {
		name = naming.Uniquish("layer")
	}

	for attempt := 0; attempt <= naming.MaxAttempts; attempt++ {
		outcome, layer, err := store.EnsureLayer(ctx, name, cfg.GeometryType, cfg.SRS)
		if err != nil {
			return nil, false, err
		}
		if outcome == output.LayerCreated {
			imp.claimOwner(name, cfg.UploadLayerID)
			cfg.LayerName = name
			return layer, false, nil
		}
		if imp.ownedBy(name, cfg.UploadLayerID) {
			cfg.LayerName = name
			return layer, true, nil
		}
		name = naming.Increment(name)
	}
	return nil, false, &domain.ImportError{
		Layer: cfg.LayerName,
		Stage: "claim",
		Err:   fmt.Errorf("no free layer name after %d attempts: %w", naming.MaxAttempts, domain.ErrFileExists),
	}
}

func (imp *Importer) claimOwner(name, uploadID string) {
	imp.ownersMu.Lock()
	imp.owners[name] = uploadID
	imp.ownersMu.Unlock()
}

func (imp *Importer) ownedBy(name, uploadID string) bool {
	imp.ownersMu.Lock()
	defer imp.ownersMu.Unlock()
	return uploadID != "" && imp.owners[name] == uploadID
}

// copySchema creates the attribute columns, recording every rename the
// target performed so later stages can resolve fields.
func (imp *Importer) copySchema(ctx context.Context, layer output.TargetLayer, cfg *domain.LayerConfiguration) error {
	for _, f := range cfg.Fields {
		// The source identity column maps onto the target's own fid.
		if strings.EqualFold(f.Name, layer.FIDColumn()) {
			continue
		}
		created, err := layer.CreateField(ctx, f)
		if err != nil {
			return &domain.ImportError{Layer: cfg.LayerName, Stage: "schema", Err: err}
		}
		if created != f.Name {
			cfg.ModifiedFields[f.Name] = created
		}
	}
	return nil
}

// copyFeatures streams the source layer into the target. Features that
// fail individually are skipped and counted; a failure of the transfer
// channel itself aborts the layer.
func (imp *Importer) copyFeatures(ctx context.Context, src output.Source, layer output.TargetLayer, desc *domain.SourceDescription, cfg *domain.LayerConfiguration) (int64, error) {
	reader, err := src.ReadLayer(ctx, desc.Index)
	if err != nil {
		return 0, &domain.ImportError{Layer: cfg.LayerName, Stage: "read", Err: err}
	}
	defer func() { _ = reader.Close() }()

	wantMulti := cfg.GeometryType.IsMulti()
	var copied, promoted int64
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		f, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return copied, &domain.ImportError{Layer: cfg.LayerName, Stage: "read", Err: err}
		}

		if f.Geometry == nil {
			imp.metrics.IncFeatureSkips()
			continue
		}
		if wantMulti {
			g := domain.ForceMulti(f.Geometry)
			if g.GeoJSONType() != f.Geometry.GeoJSONType() {
				promoted++
			}
			f.Geometry = g
		}
		remapProperties(f, cfg.ModifiedFields)
		stripIdentityProperty(f, layer.FIDColumn())

		if err := layer.WriteFeature(ctx, f); err != nil {
			var terr *domain.TargetError
			if errors.As(err, &terr) && terr.Operation == "insert" {
				// Row-by-row transfer: one bad feature does not sink
				// the layer.
				imp.logger.Warn("feature write failed, skipping",
					"layer", cfg.LayerName, "error", err)
				imp.metrics.IncFeatureSkips()
				continue
			}
			return copied, &domain.ImportError{Layer: cfg.LayerName, Stage: "copy", Err: err}
		}
		copied++
	}
	if err := layer.Flush(ctx); err != nil {
		return copied, &domain.ImportError{Layer: cfg.LayerName, Stage: "copy", Err: err}
	}
	if promoted > 0 {
		imp.logger.Debug("widened single part geometries to the layer's multi type",
			"layer", cfg.LayerName, "count", promoted)
	}
	return copied, nil
}

// stripIdentityProperty removes an attribute that collides with the
// target's own identity column, which copySchema never creates. A
// source without a native fid adopts the value instead.
func stripIdentityProperty(f *domain.Feature, fidCol string) {
	for k, v := range f.Properties {
		if !strings.EqualFold(k, fidCol) {
			continue
		}
		delete(f.Properties, k)
		if f.HasFID {
			continue
		}
		switch n := v.(type) {
		case int64:
			f.FID, f.HasFID = n, true
		case int:
			f.FID, f.HasFID = int64(n), true
		case float64:
			f.FID, f.HasFID = int64(n), true
		}
	}
}

// remapProperties renames attribute keys to the names the target
// actually created.
func remapProperties(f *domain.Feature, renames map[string]string) {
	if len(renames) == 0 {
		return
	}
	for from, to := range renames {
		if v, ok := f.Properties[from]; ok {
			delete(f.Properties, from)
			f.Properties[to] = v
		}
	}
}
