package formats

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "golang.org/x/image/tiff"

	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/ports/output"
)

// rasterSource probes a raster image: it validates that the file
// decodes and reads georeferencing from the world-file and .prj
// sidecars. Pixel data is only touched later by the raster encoder.
type rasterSource struct {
	path     string
	name     string
	driver   string
	width    int
	height   int
	srs      string
	worldSet bool
	world    WorldFile
}

// WorldFile is the six-parameter affine geotransform of a raster:
// pixel size, rotation terms and the center of the top-left pixel.
type WorldFile struct {
	PixelX, RotY, RotX, PixelY float64
	OriginX, OriginY           float64
}

// worldExts maps a raster extension to its world-file extensions.
var worldExts = map[string][]string{
	"tif":  {".tfw", ".tifw", ".wld"},
	"tiff": {".tfw", ".tifw", ".wld"},
	"png":  {".pgw", ".pngw", ".wld"},
	"jpg":  {".jgw", ".jpgw", ".wld"},
	"jpeg": {".jgw", ".jpgw", ".wld"},
}

func openRaster(path string) (*rasterSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("raster %s: %w", path, domain.ErrNoDataSource)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("raster %s: %v: %w", path, err, domain.ErrNoDataSource)
	}
	s := &rasterSource{
		path:   path,
		name:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		driver: rasterDriverName(format),
		width:  cfg.Width,
		height: cfg.Height,
		srs:    SidecarSRS(path),
	}
	if wf, ok := ReadWorldFile(path); ok {
		s.world, s.worldSet = wf, true
	}
	return s, nil
}

func rasterDriverName(format string) string {
	switch format {
	case "tiff":
		return TypeGeoTIFF
	case "png":
		return TypePNG
	case "jpeg":
		return TypeJPEG
	}
	return strings.ToUpper(format)
}

// ReadWorldFile parses the six-line affine sidecar next to a raster.
func ReadWorldFile(path string) (WorldFile, bool) {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	exts := worldExts[Ext(path)]
	for _, ext := range exts {
		data, err := os.ReadFile(base + ext)
		if err != nil {
			continue
		}
		lines := strings.Fields(string(data))
		if len(lines) < 6 {
			continue
		}
		var vals [6]float64
		ok := true
		for i := 0; i < 6; i++ {
			v, err := strconv.ParseFloat(lines[i], 64)
			if err != nil {
				ok = false
				break
			}
			vals[i] = v
		}
		if !ok {
			continue
		}
		return WorldFile{
			PixelX: vals[0], RotY: vals[1], RotX: vals[2], PixelY: vals[3],
			OriginX: vals[4], OriginY: vals[5],
		}, true
	}
	return WorldFile{}, false
}

func (s *rasterSource) FileType() string { return s.driver }
func (s *rasterSource) Close() error     { return nil }

func (s *rasterSource) DescribeFields(ctx context.Context) ([]domain.SourceDescription, error) {
	return []domain.SourceDescription{{
		Index:             0,
		LayerName:         s.name,
		InternalLayerName: s.name,
		LayerType:         domain.LayerTypeRaster,
		GeometryType:      domain.GeomNone,
		Driver:            s.driver,
		SRS:               s.srs,
		Path:              s.path,
		Raster:            true,
	}}, nil
}

func (s *rasterSource) ReadLayer(ctx context.Context, index int) (output.FeatureReader, error) {
	return nil, fmt.Errorf("raster %s has no vector layers: %w", s.path, domain.ErrUnsupported)
}

// Bounds returns the georeferenced extent when a world file is present,
// in the raster's own SRS.
func (s *rasterSource) Bounds() (minX, minY, maxX, maxY float64, ok bool) {
	if !s.worldSet {
		return 0, 0, 0, 0, false
	}
	w := s.world
	minX = w.OriginX - w.PixelX/2
	maxY = w.OriginY - w.PixelY/2
	maxX = minX + float64(s.width)*w.PixelX
	minY = maxY + float64(s.height)*w.PixelY
	if minY > maxY {
		minY, maxY = maxY, minY
	}
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	return minX, minY, maxX, maxY, true
}
