// Package input defines the primary/driving ports of the application.
package input

import (
	"context"

	"github.com/jobrunner/strata/internal/domain"
)

// ImportService is the primary port the upload UI, REST resources and
// job queue drive.
type ImportService interface {
	// ImportFile resolves each configuration entry against the
	// source's layers and performs the copy. Entries that fail resolve
	// or import are skipped with their error recorded; structurally
	// invalid batches (no entry carries a correlation id) fail whole.
	ImportFile(ctx context.Context, source string, configs []domain.LayerConfiguration) ([]domain.ImportedLayer, error)

	// Handle runs ImportFile and then the handler pipeline for every
	// produced layer, populating each config's HandlerResults. kwargs
	// are forwarded verbatim to every handler.
	Handle(ctx context.Context, source string, configs []domain.LayerConfiguration, kwargs map[string]any) ([]domain.ImportedLayer, error)
}

// InspectService is the read-only inspection port used by the upload
// form to populate its configuration UI and by file validation.
type InspectService interface {
	// DescribeFields opens a source and describes its layers.
	DescribeFields(ctx context.Context, source string) ([]domain.SourceDescription, error)

	// FileType reports the driver short name for a source.
	FileType(ctx context.Context, source string) (string, error)

	// ValidateFile rejects files the importer cannot process, before
	// any inspector opens them.
	ValidateFile(ctx context.Context, path string) error
}
