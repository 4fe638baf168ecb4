package handlers

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/jobrunner/strata/internal/domain"
)

// seedRequest is the XML document the tile cache expects when a layer
// is registered for seeding.
type seedRequest struct {
	XMLName     xml.Name `xml:"seedRequest"`
	Name        string   `xml:"name"`
	GridSet     string   `xml:"gridSetId" default:"EPSG:900913"`
	ZoomStart   int      `xml:"zoomStart"`
	ZoomStop    int      `xml:"zoomStop" default:"12"`
	Format      string   `xml:"format" default:"image/png"`
	Type        string   `xml:"type" default:"seed"`
	ThreadCount int      `xml:"threadCount" default:"1"`
}

// WebCacheHandler registers a published vector layer with the tile
// cache so tiles are cut ahead of the first map request.
type WebCacheHandler struct {
	deps Deps
}

// Name implements application.Handler.
func (h *WebCacheHandler) Name() string { return NameWebCache }

// CanRun implements application.Handler.
func (h *WebCacheHandler) CanRun(_ string, cfg *domain.LayerConfiguration) bool {
	return h.deps.Catalog != nil && publishResult(cfg, NamePublish) != nil
}

// Run implements application.Handler.
func (h *WebCacheHandler) Run(ctx context.Context, target string, cfg *domain.LayerConfiguration, _ map[string]any) (any, error) {
	layer := publishedName(cfg, target)
	req := seedRequest{Name: layer}
	if err := defaults.Set(&req); err != nil {
		return nil, err
	}
	body, err := xml.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Catalog.SeedCache(ctx, layer, body); err != nil {
		return nil, err
	}
	return map[string]any{"layer": layer}, nil
}

// tileCacheDocument is the cache configuration emitted for GeoPackage
// tile containers: enough for a cache frontend to serve the pyramid
// straight from the container file.
type tileCacheDocument struct {
	Layer string         `yaml:"layer"`
	Title string         `yaml:"title,omitempty"`
	Grid  string         `yaml:"grid" default:"webmercator"`
	Cache tileCacheStore `yaml:"cache"`
}

type tileCacheStore struct {
	Type  string `yaml:"type" default:"gpkg"`
	Path  string `yaml:"path"`
	Table string `yaml:"table"`
}

// TileCachePublishHandler registers a tile container with the cache
// frontend. One container yields one cache entry, emitted for its
// first layer only; further tile tables in the same file are reachable
// through the same entry.
type TileCachePublishHandler struct {
	deps Deps
}

// Name implements application.Handler.
func (h *TileCachePublishHandler) Name() string { return NameTileCachePublish }

// CanRun implements application.Handler.
func (h *TileCachePublishHandler) CanRun(_ string, cfg *domain.LayerConfiguration) bool {
	return h.deps.Catalog != nil &&
		cfg.LayerType == domain.LayerTypeTile &&
		cfg.Index != nil && *cfg.Index == 0
}

// Run implements application.Handler.
func (h *TileCachePublishHandler) Run(ctx context.Context, target string, cfg *domain.LayerConfiguration, _ map[string]any) (any, error) {
	path, table := splitTileTarget(target)
	if table == "" {
		return nil, fmt.Errorf("tile target %q names no table: %w", target, domain.ErrInvalidInput)
	}
	doc := tileCacheDocument{
		Layer: table,
		Title: cfg.LayerName,
		Cache: tileCacheStore{Path: path, Table: table},
	}
	if err := defaults.Set(&doc); err != nil {
		return nil, err
	}
	body, err := yaml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Catalog.SeedCache(ctx, table, body); err != nil {
		return nil, err
	}
	return map[string]any{"layer": table, "config": string(body)}, nil
}

// splitTileTarget splits a "container:table" tile reference. Targets
// without a table part return an empty table.
func splitTileTarget(target string) (path, table string) {
	i := strings.LastIndex(target, ":")
	if i < 0 {
		return target, ""
	}
	return target[:i], target[i+1:]
}
