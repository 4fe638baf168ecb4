package handlers

import (
	"context"

	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/naming"
	"github.com/jobrunner/strata/internal/ports/output"
)

// PublishHandler exposes an imported vector layer on the map server.
// The datastore is created on first use; a concurrent worker winning
// that race is treated as success.
type PublishHandler struct {
	deps Deps
}

// Name implements application.Handler.
func (h *PublishHandler) Name() string { return NamePublish }

// CanRun implements application.Handler.
func (h *PublishHandler) CanRun(_ string, cfg *domain.LayerConfiguration) bool {
	return h.deps.Catalog != nil && cfg.LayerType == domain.LayerTypeVector
}

// Run implements application.Handler.
func (h *PublishHandler) Run(ctx context.Context, target string, cfg *domain.LayerConfiguration, _ map[string]any) (any, error) {
	store, err := h.deps.Catalog.EnsureStore(ctx, h.deps.StoreName, h.deps.StoreParams)
	if err != nil {
		return nil, err
	}
	srs := cfg.SRS
	if srs == "" {
		srs = "EPSG:4326"
	}
	resource, err := h.deps.Catalog.PublishLayer(ctx, store, target, srs)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"name":     target,
		"store":    store,
		"resource": resource,
	}, nil
}

// PublishCoverageHandler is the raster counterpart: it exposes the
// re-encoded raster output file as a coverage.
type PublishCoverageHandler struct {
	deps Deps
}

// Name implements application.Handler.
func (h *PublishCoverageHandler) Name() string { return NamePublishCoverage }

// CanRun implements application.Handler.
func (h *PublishCoverageHandler) CanRun(_ string, cfg *domain.LayerConfiguration) bool {
	return h.deps.Catalog != nil && cfg.LayerType == domain.LayerTypeRaster
}

// Run implements application.Handler.
func (h *PublishCoverageHandler) Run(ctx context.Context, target string, cfg *domain.LayerConfiguration, _ map[string]any) (any, error) {
	name := naming.Launder(cfg.LayerName)
	if name == "" {
		name = naming.Uniquish("coverage")
	}
	resource, err := h.deps.Catalog.PublishCoverage(ctx, name, target)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"name":     name,
		"store":    name,
		"resource": resource,
	}, nil
}

// CatalogRecordHandler creates the catalog's metadata record for a
// published layer. The physical store is discovered from the publish
// step's recorded result rather than from the publisher itself, so the
// two handlers stay independent.
type CatalogRecordHandler struct {
	deps Deps
}

// Name implements application.Handler.
func (h *CatalogRecordHandler) Name() string { return NameCatalogRecord }

// CanRun implements application.Handler.
func (h *CatalogRecordHandler) CanRun(_ string, cfg *domain.LayerConfiguration) bool {
	if h.deps.Catalog == nil {
		return false
	}
	return publishResult(cfg, NamePublish) != nil ||
		publishResult(cfg, NamePublishCoverage) != nil ||
		cfg.LayerType == domain.LayerTypeTile
}

// Run implements application.Handler.
func (h *CatalogRecordHandler) Run(ctx context.Context, target string, cfg *domain.LayerConfiguration, kwargs map[string]any) (any, error) {
	record := output.CatalogRecord{
		Name:  publishedName(cfg, target),
		Title: cfg.LayerName,
		UUID:  cfg.UploadLayerID,
	}
	switch {
	case publishResult(cfg, NamePublish) != nil:
		record.StoreType = "dataStore"
		record.Store = storeFromResult(cfg, NamePublish)
	case publishResult(cfg, NamePublishCoverage) != nil:
		record.StoreType = "coverageStore"
		record.Store = storeFromResult(cfg, NamePublishCoverage)
	default:
		record.StoreType = "tileStore"
		record.Store = target
	}
	if owner, ok := kwargs["owner"].(string); ok {
		record.Owner = owner
	}
	if abstract, ok := kwargs["abstract"].(string); ok {
		record.Abstract = abstract
	}

	id, err := h.deps.Catalog.CreateRecord(ctx, record)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "store": record.Store}, nil
}

func storeFromResult(cfg *domain.LayerConfiguration, step string) string {
	if m := publishResult(cfg, step); m != nil {
		if s, ok := m["store"].(string); ok {
			return s
		}
	}
	return ""
}
