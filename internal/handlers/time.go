package handlers

import (
	"context"

	"github.com/jobrunner/strata/internal/domain"
)

// TimeDimensionHandler enables the temporal dimension on a published
// layer. It runs after the converters, so the start and end references
// already point at the typed columns.
type TimeDimensionHandler struct {
	deps Deps
}

// Name implements application.Handler.
func (h *TimeDimensionHandler) Name() string { return NameTimeDimension }

// CanRun implements application.Handler.
func (h *TimeDimensionHandler) CanRun(_ string, cfg *domain.LayerConfiguration) bool {
	return h.deps.Catalog != nil &&
		cfg.ConfigureTime &&
		(cfg.StartDate != "" || cfg.EndDate != "")
}

// Run implements application.Handler.
func (h *TimeDimensionHandler) Run(ctx context.Context, target string, cfg *domain.LayerConfiguration, _ map[string]any) (any, error) {
	layer := publishedName(cfg, target)
	start := cfg.ResolveField(cfg.StartDate)
	end := cfg.ResolveField(cfg.EndDate)
	if err := h.deps.Catalog.ConfigureTime(ctx, layer, start, end); err != nil {
		return nil, err
	}
	return map[string]any{"layer": layer, "start": start, "end": end}, nil
}
