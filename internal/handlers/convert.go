package handlers

import (
	"context"

	"github.com/jobrunner/strata/internal/domain"
)

// FieldConverterHandler rewrites the configured string fields of a
// freshly imported vector layer into typed timestamp columns. The new
// column name is "<field>_as_date"; start and end date references that
// pointed at a converted field follow the rename.
type FieldConverterHandler struct {
	deps Deps
}

// Name implements application.Handler.
func (h *FieldConverterHandler) Name() string { return NameFieldConverter }

// CanRun implements application.Handler.
func (h *FieldConverterHandler) CanRun(_ string, cfg *domain.LayerConfiguration) bool {
	return cfg.LayerType == domain.LayerTypeVector &&
		len(cfg.ConvertToDate) > 0 &&
		!bigDateRequested(cfg)
}

// Run implements application.Handler.
func (h *FieldConverterHandler) Run(ctx context.Context, target string, cfg *domain.LayerConfiguration, _ map[string]any) (any, error) {
	store, err := h.deps.Stores(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	converted := map[string]any{}
	for _, field := range cfg.ConvertToDate {
		column := cfg.ResolveField(field)
		created, err := store.ConvertField(ctx, target, column)
		if err != nil {
			return nil, err
		}
		converted[field] = created
		followRename(cfg, field, created)
	}
	return converted, nil
}

// BigDateFieldConverterHandler is the wide-span variant: the converted
// value lands in an epoch-milliseconds integer column able to hold
// dates far outside the timestamp range, with the canonical parse
// result kept in a companion text column.
type BigDateFieldConverterHandler struct {
	deps Deps
}

// Name implements application.Handler.
func (h *BigDateFieldConverterHandler) Name() string { return NameBigDateConverter }

// CanRun implements application.Handler.
func (h *BigDateFieldConverterHandler) CanRun(_ string, cfg *domain.LayerConfiguration) bool {
	return cfg.LayerType == domain.LayerTypeVector &&
		len(cfg.ConvertToDate) > 0 &&
		bigDateRequested(cfg)
}

// Run implements application.Handler.
func (h *BigDateFieldConverterHandler) Run(ctx context.Context, target string, cfg *domain.LayerConfiguration, _ map[string]any) (any, error) {
	store, err := h.deps.Stores(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	converted := map[string]any{}
	for _, field := range cfg.ConvertToDate {
		column := cfg.ResolveField(field)
		xd, parsed, err := store.ConvertBigDateField(ctx, target, column)
		if err != nil {
			return nil, err
		}
		converted[field] = map[string]string{"xd": xd, "parsed": parsed}
		followRename(cfg, field, xd)
	}
	return converted, nil
}

// followRename points the temporal references and the rename map at the
// column the conversion produced, so later handlers address the typed
// column rather than the original text field.
func followRename(cfg *domain.LayerConfiguration, field, created string) {
	if cfg.ModifiedFields == nil {
		cfg.ModifiedFields = map[string]string{}
	}
	cfg.ModifiedFields[field] = created
	if cfg.StartDate == field {
		cfg.StartDate = created
	}
	if cfg.EndDate == field {
		cfg.EndDate = created
	}
}
