package output

import "context"

// RasterEncoder is the secondary port for re-encoding a source raster
// into the optimized, tiled output format served by the map stack.
type RasterEncoder interface {
	// Encode reads the raster at src, reprojects it to the fixed
	// output reference (Web Mercator) and writes a tiled pyramid to
	// dest. dest must not exist.
	Encode(ctx context.Context, src, dest string) error

	// OutputExt returns the file extension (with dot) Encode produces,
	// used when deriving collision-free output paths.
	OutputExt() string
}
