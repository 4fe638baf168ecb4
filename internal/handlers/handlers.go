// Package handlers provides the built-in post-import pipeline steps:
// temporal field conversion, map-server publication, cache registration
// and catalog records. Handlers are loosely coupled; they communicate
// only through the layer configuration's accumulated results.
package handlers

import (
	"context"

	"github.com/jobrunner/strata/internal/application"
	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/ports/output"
)

// Registered handler names, usable in the pipeline.handlers config list.
const (
	NameFieldConverter   = "field_converter"
	NameBigDateConverter = "bigdate_field_converter"
	NamePublish          = "publish"
	NamePublishCoverage  = "publish_coverage"
	NameTimeDimension    = "time_dimension"
	NameWebCache         = "web_cache"
	NameBounds           = "bounds"
	NameTileCachePublish = "tile_cache_publish"
	NameCatalogRecord    = "catalog_record"
)

// ConverterStore is a target store that can also rewrite imported
// columns in place. Both store adapters satisfy it.
type ConverterStore interface {
	output.TargetStore
	output.FieldConverter
}

// Deps carries the collaborators shared by the built-in handlers. One
// Deps value serves all handlers of a process.
type Deps struct {
	// Stores opens a converter-capable connection to the target
	// datastore. Each handler run opens and closes its own.
	Stores func(ctx context.Context) (ConverterStore, error)

	// Catalog is the map-server client. Nil disables every handler
	// that publishes.
	Catalog output.Catalog

	// StoreName and StoreParams identify the map server's datastore
	// pointing at the target database.
	StoreName   string
	StoreParams map[string]string
}

// RegisterAll registers every built-in handler under its name. Called
// once from the wiring layer; the configured pipeline.handlers list
// then selects and orders a subset by name.
func RegisterAll(d Deps) {
	application.RegisterHandler(NameFieldConverter, func() application.Handler {
		return &FieldConverterHandler{deps: d}
	})
	application.RegisterHandler(NameBigDateConverter, func() application.Handler {
		return &BigDateFieldConverterHandler{deps: d}
	})
	application.RegisterHandler(NamePublish, func() application.Handler {
		return &PublishHandler{deps: d}
	})
	application.RegisterHandler(NamePublishCoverage, func() application.Handler {
		return &PublishCoverageHandler{deps: d}
	})
	application.RegisterHandler(NameTimeDimension, func() application.Handler {
		return &TimeDimensionHandler{deps: d}
	})
	application.RegisterHandler(NameWebCache, func() application.Handler {
		return &WebCacheHandler{deps: d}
	})
	application.RegisterHandler(NameBounds, func() application.Handler {
		return &BoundsHandler{deps: d}
	})
	application.RegisterHandler(NameTileCachePublish, func() application.Handler {
		return &TileCachePublishHandler{deps: d}
	})
	application.RegisterHandler(NameCatalogRecord, func() application.Handler {
		return &CatalogRecordHandler{deps: d}
	})
}

// publishResult returns the value an earlier publish step recorded for
// this layer, or nil when none ran.
func publishResult(cfg *domain.LayerConfiguration, name string) map[string]any {
	for _, r := range domain.ResultsNamed(cfg.HandlerResults, name) {
		if m, ok := r.Value.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// publishedName returns the name the layer was published under,
// falling back to the import target when no publish step ran.
func publishedName(cfg *domain.LayerConfiguration, target string) string {
	for _, step := range []string{NamePublish, NamePublishCoverage} {
		if m := publishResult(cfg, step); m != nil {
			if name, ok := m["name"].(string); ok && name != "" {
				return name
			}
		}
	}
	return target
}

// bigDateRequested reports whether the configuration asks for the
// wide-span converter instead of the standard one.
func bigDateRequested(cfg *domain.LayerConfiguration) bool {
	switch v := cfg.Extra["bigdate"].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}
