package output

import (
	"context"

	"github.com/jobrunner/strata/internal/domain"
)

// EnsureOutcome reports how EnsureLayer satisfied the request. It
// replaces exception string-matching with a typed result: "already
// exists" is a normal outcome resolved by the caller's collision policy,
// not an error.
type EnsureOutcome int

// EnsureLayer outcomes.
const (
	LayerCreated EnsureOutcome = iota
	LayerExists
)

// CopyStrategy selects how features are transferred to the target.
type CopyStrategy int

// Copy strategies. Bulk copy mis-handles embedded newlines for some
// tabular source formats, so the importer picks per source driver.
const (
	CopyBulk CopyStrategy = iota
	CopyRowByRow
)

// TargetStore is the secondary port for a writable datastore. A store is
// opened once per import call, kept open across all layers of that call,
// and closed after the last layer.
type TargetStore interface {
	// EnsureLayer creates the named layer, or reports that it already
	// exists. A LayerExists outcome returns the existing layer.
	EnsureLayer(ctx context.Context, name string, geom domain.GeometryType, srs string) (EnsureOutcome, TargetLayer, error)

	// HasLayer reports whether a layer name is taken.
	HasLayer(ctx context.Context, name string) (bool, error)

	// SetCopyStrategy selects the feature-transfer path for subsequent
	// writes.
	SetCopyStrategy(s CopyStrategy)

	// Close releases the connection.
	Close() error
}

// TargetLayer is one writable layer in a target store.
type TargetLayer interface {
	// Name returns the name the store actually uses for the layer.
	Name() string

	// FIDColumn returns the name of the store's feature-id column.
	FIDColumn() string

	// CreateField adds a field and returns the name the store actually
	// created, which may be laundered or truncated relative to the
	// request.
	CreateField(ctx context.Context, def domain.FieldDef) (string, error)

	// Fields returns the layer's current attribute schema.
	Fields(ctx context.Context) ([]domain.FieldDef, error)

	// WriteFeature persists one feature. Under the bulk strategy writes
	// may be buffered until Flush.
	WriteFeature(ctx context.Context, f *domain.Feature) error

	// Flush terminates any buffered bulk transfer and makes all written
	// features durable. It must be called once after the last write.
	Flush(ctx context.Context) error

	// FeatureCount returns the number of persisted features.
	FeatureCount(ctx context.Context) (int64, error)
}

// FieldConverter rewrites source string fields of an imported layer into
// typed temporal columns.
type FieldConverter interface {
	// ConvertField parses a string field into a new timestamp column
	// named "<field>_as_date" and returns the new column's name.
	ConvertField(ctx context.Context, layer, field string) (string, error)

	// ConvertBigDateField parses a string field into an epoch
	// milliseconds column "<field>_xd" able to hold dates far outside
	// the timestamp range, plus a canonical text column
	// "<field>_parsed". Both new column names are returned.
	ConvertBigDateField(ctx context.Context, layer, field string) (xdField, parsedField string, err error)
}
