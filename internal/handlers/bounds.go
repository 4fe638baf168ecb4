package handlers

import (
	"context"
	"math"
	"strconv"

	"github.com/jobrunner/strata/internal/domain"
)

// wgs84Bounds is the maximum lat/lon extent, in the catalog's
// [minx, maxx, miny, maxy] order.
var wgs84Bounds = []string{"-180", "180", "-90", "90"}

// BoundsHandler repairs published bounding boxes. A layer whose
// computed extent came out non-finite (single-point layers, broken
// source extents) is clamped to the full WGS84 extent so clients can
// still zoom to it.
type BoundsHandler struct {
	deps Deps
}

// Name implements application.Handler.
func (h *BoundsHandler) Name() string { return NameBounds }

// CanRun implements application.Handler.
func (h *BoundsHandler) CanRun(_ string, cfg *domain.LayerConfiguration) bool {
	return h.deps.Catalog != nil && publishResult(cfg, NamePublish) != nil
}

// Run implements application.Handler.
func (h *BoundsHandler) Run(ctx context.Context, target string, cfg *domain.LayerConfiguration, _ map[string]any) (any, error) {
	layer := publishedName(cfg, target)
	bbox, err := h.deps.Catalog.GetLayerBounds(ctx, layer)
	if err != nil {
		return nil, err
	}
	if boundsValid(bbox) {
		return map[string]any{"layer": layer, "bbox": bbox, "clamped": false}, nil
	}
	if err := h.deps.Catalog.SetLayerBounds(ctx, layer, wgs84Bounds, "EPSG:4326"); err != nil {
		return nil, err
	}
	return map[string]any{"layer": layer, "bbox": wgs84Bounds, "clamped": true}, nil
}

func boundsValid(bbox []string) bool {
	if len(bbox) != 4 {
		return false
	}
	for _, s := range bbox {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
