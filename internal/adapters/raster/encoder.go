// Package raster re-encodes source imagery into tiled GeoPackage
// pyramids in Web Mercator, the optimized form the map stack serves
// directly.
package raster

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"

	_ "golang.org/x/image/tiff"

	"github.com/jobrunner/strata/internal/adapters/formats"
	"github.com/jobrunner/strata/internal/domain"
)

// mercatorExtent is the half-width of the Web Mercator square in
// meters.
const mercatorExtent = 20037508.342789244

// TileEncoder converts a georeferenced raster into a GeoPackage tile
// pyramid. Source georeferencing comes from world-file sidecars; the
// supported source references are EPSG:4326 and EPSG:3857.
type TileEncoder struct {
	// TileSize is the edge length of emitted tiles. Zero means 256.
	TileSize int

	// MaxZoom caps the deepest pyramid level. Zero derives the level
	// from the source resolution.
	MaxZoom int
}

// OutputExt implements the encoder port.
func (e *TileEncoder) OutputExt() string { return ".gpkg" }

func (e *TileEncoder) tileSize() int {
	if e.TileSize > 0 {
		return e.TileSize
	}
	return 256
}

// Encode reads the raster at src and writes a tiled Web Mercator
// pyramid GeoPackage to dest. dest must not exist yet.
func (e *TileEncoder) Encode(ctx context.Context, src, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("output %s: %w", dest, domain.ErrFileExists)
	}

	img, bounds, err := e.loadSource(src)
	if err != nil {
		return err
	}

	maxZoom := e.MaxZoom
	if maxZoom <= 0 {
		maxZoom = deriveMaxZoom(img, bounds, e.tileSize())
	}
	minZoom := maxZoom - 4
	if minZoom < 0 {
		minZoom = 0
	}

	db, err := e.createPackage(ctx, dest, bounds, minZoom, maxZoom)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	table := tileTableName(dest)
	for z := maxZoom; z >= minZoom; z-- {
		if err := e.encodeLevel(ctx, db, table, img, bounds, z); err != nil {
			_ = db.Close()
			_ = os.Remove(dest)
			return err
		}
	}
	return nil
}

// sourceImage couples decoded pixels with their mercator placement.
type sourceImage struct {
	img  image.Image
	merc orb.Bound // source extent in EPSG:3857
	srs  string
}

func (e *TileEncoder) loadSource(src string) (*sourceImage, orb.Bound, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, orb.Bound{}, fmt.Errorf("raster %s: %w", src, domain.ErrNoDataSource)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, orb.Bound{}, fmt.Errorf("raster %s: %v: %w", src, err, domain.ErrNoDataSource)
	}

	wf, ok := formats.ReadWorldFile(src)
	if !ok {
		return nil, orb.Bound{}, &domain.ValidationError{
			Field:      "source",
			Value:      src,
			Constraint: "georeferenced",
			Message:    "raster has no world file sidecar",
		}
	}
	srs := formats.SidecarSRS(src)
	if srs == "" {
		srs = "EPSG:4326"
	}

	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	minX := wf.OriginX - wf.PixelX/2
	maxY := wf.OriginY - wf.PixelY/2
	maxX := minX + float64(w)*wf.PixelX
	minY := maxY + float64(h)*wf.PixelY
	if minY > maxY {
		minY, maxY = maxY, minY
	}

	var merc orb.Bound
	switch srs {
	case "EPSG:4326":
		lo := project.WGS84.ToMercator(orb.Point{minX, minY})
		hi := project.WGS84.ToMercator(orb.Point{maxX, maxY})
		merc = orb.Bound{Min: lo, Max: hi}
	case "EPSG:3857":
		merc = orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}
	default:
		return nil, orb.Bound{}, fmt.Errorf("raster srs %s: %w", srs, domain.ErrUnsupported)
	}
	return &sourceImage{img: img, merc: merc, srs: srs}, merc, nil
}

// deriveMaxZoom picks the zoom whose tile resolution first matches the
// source resolution.
func deriveMaxZoom(src *sourceImage, merc orb.Bound, tileSize int) int {
	srcRes := (merc.Max[0] - merc.Min[0]) / float64(src.img.Bounds().Dx())
	if srcRes <= 0 {
		return 10
	}
	worldWidth := 2 * mercatorExtent
	z := int(math.Ceil(math.Log2(worldWidth / (float64(tileSize) * srcRes))))
	if z < 0 {
		z = 0
	}
	if z > 20 {
		z = 20
	}
	return z
}

// tileTableName derives the pyramid table name from the output file.
func tileTableName(dest string) string {
	base := strings.TrimSuffix(filepath.Base(dest), filepath.Ext(dest))
	return strings.ToLower(strings.ReplaceAll(base, "-", "_"))
}

// createPackage writes the GeoPackage tile metadata: spatial refs,
// contents, tile matrix set and one matrix row per level.
func (e *TileEncoder) createPackage(ctx context.Context, dest string, merc orb.Bound, minZoom, maxZoom int) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dest)
	if err != nil {
		return nil, &domain.TargetError{Operation: "create_tiles", Err: err}
	}
	table := tileTableName(dest)
	size := e.tileSize()

	statements := []string{
		`PRAGMA application_id = 0x47504B47`,
		`CREATE TABLE gpkg_spatial_ref_sys (
			srs_name TEXT NOT NULL, srs_id INTEGER PRIMARY KEY,
			organization TEXT NOT NULL, organization_coordsys_id INTEGER NOT NULL,
			definition TEXT NOT NULL, description TEXT
		)`,
		`INSERT INTO gpkg_spatial_ref_sys VALUES
			('Undefined Cartesian', -1, 'NONE', -1, 'undefined', NULL),
			('Undefined Geographic', 0, 'NONE', 0, 'undefined', NULL),
			('Web Mercator', 3857, 'EPSG', 3857, 'PROJCS["WGS 84 / Pseudo-Mercator",AUTHORITY["EPSG","3857"]]', NULL)`,
		`CREATE TABLE gpkg_contents (
			table_name TEXT PRIMARY KEY, data_type TEXT NOT NULL,
			identifier TEXT UNIQUE, description TEXT DEFAULT '',
			last_change DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			min_x DOUBLE, min_y DOUBLE, max_x DOUBLE, max_y DOUBLE,
			srs_id INTEGER
		)`,
		`CREATE TABLE gpkg_tile_matrix_set (
			table_name TEXT PRIMARY KEY, srs_id INTEGER NOT NULL,
			min_x DOUBLE NOT NULL, min_y DOUBLE NOT NULL,
			max_x DOUBLE NOT NULL, max_y DOUBLE NOT NULL
		)`,
		`CREATE TABLE gpkg_tile_matrix (
			table_name TEXT NOT NULL, zoom_level INTEGER NOT NULL,
			matrix_width INTEGER NOT NULL, matrix_height INTEGER NOT NULL,
			tile_width INTEGER NOT NULL, tile_height INTEGER NOT NULL,
			pixel_x_size DOUBLE NOT NULL, pixel_y_size DOUBLE NOT NULL,
			CONSTRAINT pk_ttm PRIMARY KEY (table_name, zoom_level)
		)`,
		fmt.Sprintf(`CREATE TABLE "%s" (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			zoom_level INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			tile_data BLOB NOT NULL,
			UNIQUE (zoom_level, tile_column, tile_row)
		)`, table), //#nosec G201 -- table name derived from output path
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, &domain.TargetError{Operation: "create_tiles", Err: err}
		}
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO gpkg_contents (table_name, data_type, identifier, min_x, min_y, max_x, max_y, srs_id)
		 VALUES (?, 'tiles', ?, ?, ?, ?, ?, 3857)`,
		table, table, merc.Min[0], merc.Min[1], merc.Max[0], merc.Max[1],
	); err != nil {
		_ = db.Close()
		return nil, &domain.TargetError{Operation: "create_tiles", Err: err}
	}
	// The matrix set spans the full mercator square so tile indices
	// line up with the global XYZ scheme.
	if _, err := db.ExecContext(ctx,
		`INSERT INTO gpkg_tile_matrix_set VALUES (?, 3857, ?, ?, ?, ?)`,
		table, -mercatorExtent, -mercatorExtent, mercatorExtent, mercatorExtent,
	); err != nil {
		_ = db.Close()
		return nil, &domain.TargetError{Operation: "create_tiles", Err: err}
	}
	for z := minZoom; z <= maxZoom; z++ {
		dim := int64(1) << uint(z)
		pixel := 2 * mercatorExtent / float64(dim) / float64(size)
		if _, err := db.ExecContext(ctx,
			`INSERT INTO gpkg_tile_matrix VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			table, z, dim, dim, size, size, pixel, pixel,
		); err != nil {
			_ = db.Close()
			return nil, &domain.TargetError{Operation: "create_tiles", Err: err}
		}
	}
	return db, nil
}

// encodeLevel renders and stores every tile of one zoom level that
// intersects the source extent.
func (e *TileEncoder) encodeLevel(ctx context.Context, db *sql.DB, table string, src *sourceImage, merc orb.Bound, zoom int) error {
	loLL := project.Mercator.ToWGS84(merc.Min)
	hiLL := project.Mercator.ToWGS84(merc.Max)
	minTile := maptile.At(orb.Point{loLL[0], hiLL[1]}, maptile.Zoom(zoom))
	maxTile := maptile.At(orb.Point{hiLL[0], loLL[1]}, maptile.Zoom(zoom))

	insert := fmt.Sprintf(
		`INSERT INTO "%s" (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`,
		table,
	) //#nosec G201 -- table name derived from output path
	for ty := minTile.Y; ty <= maxTile.Y; ty++ {
		for tx := minTile.X; tx <= maxTile.X; tx++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, empty, err := e.renderTile(src, maptile.New(tx, ty, maptile.Zoom(zoom)))
			if err != nil {
				return err
			}
			if empty {
				continue
			}
			if _, err := db.ExecContext(ctx, insert, zoom, tx, ty, data); err != nil {
				return &domain.TargetError{Operation: "write_tile", Err: err}
			}
		}
	}
	return nil
}

// renderTile resamples the source into one PNG tile with nearest
// neighbor lookup. Tiles whose pixels are all outside the source
// extent are reported empty and skipped.
func (e *TileEncoder) renderTile(src *sourceImage, tile maptile.Tile) ([]byte, bool, error) {
	size := e.tileSize()
	out := image.NewRGBA(image.Rect(0, 0, size, size))

	tb := tile.Bound()
	tLo := project.WGS84.ToMercator(tb.Min)
	tHi := project.WGS84.ToMercator(tb.Max)

	sb := src.img.Bounds()
	srcW, srcH := sb.Dx(), sb.Dy()
	resX := (src.merc.Max[0] - src.merc.Min[0]) / float64(srcW)
	resY := (src.merc.Max[1] - src.merc.Min[1]) / float64(srcH)

	any := false
	for py := 0; py < size; py++ {
		my := tHi[1] - (float64(py)+0.5)*(tHi[1]-tLo[1])/float64(size)
		sy := int((src.merc.Max[1] - my) / resY)
		if sy < 0 || sy >= srcH {
			continue
		}
		for px := 0; px < size; px++ {
			mx := tLo[0] + (float64(px)+0.5)*(tHi[0]-tLo[0])/float64(size)
			sx := int((mx - src.merc.Min[0]) / resX)
			if sx < 0 || sx >= srcW {
				continue
			}
			out.Set(px, py, src.img.At(sb.Min.X+sx, sb.Min.Y+sy))
			any = true
		}
	}
	if !any {
		return nil, true, nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), false, nil
}
