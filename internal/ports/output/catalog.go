package output

import (
	"context"
)

// Catalog is the secondary port for the map server the pipeline
// publishes to. Publishing is an opaque capability: the handlers only
// need get-or-create semantics and never interpret the server's wire
// protocol themselves.
type Catalog interface {
	// EnsureStore creates the named datastore if missing and reports
	// its name. "Already exists" is success; concurrent workers racing
	// to create the same store must both succeed.
	EnsureStore(ctx context.Context, name string, params map[string]string) (string, error)

	// PublishLayer exposes an imported vector layer from a datastore.
	// It returns an opaque resource descriptor.
	PublishLayer(ctx context.Context, store, layer, srs string) (map[string]any, error)

	// PublishCoverage exposes a raster output file.
	PublishCoverage(ctx context.Context, name, path string) (map[string]any, error)

	// ConfigureTime enables the temporal dimension on a published
	// layer using the given start/end attributes.
	ConfigureTime(ctx context.Context, layer, startAttr, endAttr string) error

	// GetLayerBounds returns the published lat/lon bounding box as
	// [minx, maxx, miny, maxy] strings, in whatever form the server
	// reports them.
	GetLayerBounds(ctx context.Context, layer string) ([]string, error)

	// SetLayerBounds overwrites the published lat/lon bounding box.
	SetLayerBounds(ctx context.Context, layer string, bbox []string, srs string) error

	// SeedCache registers the layer with the tile cache, posting the
	// given cache configuration document.
	SeedCache(ctx context.Context, layer string, config []byte) error

	// CreateRecord creates the catalog's metadata record for a
	// published resource and returns its identifier.
	CreateRecord(ctx context.Context, record CatalogRecord) (string, error)

	// HasLayer reports whether the server knows the layer.
	HasLayer(ctx context.Context, layer string) (bool, error)
}

// CatalogRecord is the metadata the catalog keeps per published layer.
type CatalogRecord struct {
	Name      string
	Title     string
	Store     string
	StoreType string // dataStore, coverageStore or tileStore
	Owner     string
	UUID      string
	Abstract  string
}
