// Package output defines the secondary/driven ports of the application.
package output

import (
	"context"

	"github.com/jobrunner/strata/internal/domain"
)

// Inspector is the secondary port for opening heterogeneous geospatial
// sources. Open must return an error wrapping domain.ErrNoDataSource
// when the underlying driver cannot open the byte source; that is the
// single signal the rest of the system keys on to tell bad input apart
// from programming errors.
type Inspector interface {
	// Open opens a raw byte source (file path, archive member syntax
	// "file.zip!member", or URL endpoint) and returns a handle to it.
	Open(ctx context.Context, source string) (Source, error)
}

// Source is an open geospatial data source.
type Source interface {
	// DescribeFields returns one description per discoverable layer,
	// in stable index order. Re-opening a byte-identical source
	// reproduces the same descriptions.
	DescribeFields(ctx context.Context) ([]domain.SourceDescription, error)

	// FileType returns the short name of the driver that opened the
	// source.
	FileType() string

	// ReadLayer returns a lazy, single-pass stream over the features
	// of the vector layer at the given index. The stream must not
	// require materializing the layer in memory.
	ReadLayer(ctx context.Context, index int) (FeatureReader, error)

	// Close releases the underlying handle.
	Close() error
}

// FeatureReader streams features one at a time. It is non-restartable;
// callers needing a second pass re-open the layer.
type FeatureReader interface {
	// Next returns the next feature, or io.EOF when the layer is
	// exhausted.
	Next() (*domain.Feature, error)

	// Close releases the stream.
	Close() error
}
