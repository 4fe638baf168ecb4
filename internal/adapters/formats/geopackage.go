package formats

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/ports/output"
)

// gpkgSource reads vector and tile layers from a GeoPackage. Geometry
// blobs carry the GPKG binary header in front of standard WKB, which is
// parsed directly; no SpatiaLite extension is needed on the read path.
type gpkgSource struct {
	path   string
	db     *sql.DB
	layers []gpkgLayer
}

type gpkgLayer struct {
	table      string
	dataType   string // "features" or "tiles"
	geomColumn string
	geomType   domain.GeometryType
	srsID      int
	pkColumn   string
	fields     []domain.FieldDef
	count      int64
}

func openGeoPackage(ctx context.Context, path string) (*gpkgSource, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("gpkg %s: %w", path, domain.ErrNoDataSource)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("gpkg %s: %v: %w", path, err, domain.ErrNoDataSource)
	}
	s := &gpkgSource{path: path, db: db}
	if err := s.loadLayers(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if len(s.layers) == 0 {
		_ = db.Close()
		return nil, fmt.Errorf("gpkg %s: no contents: %w", path, domain.ErrNoDataSource)
	}
	return s, nil
}

func (s *gpkgSource) FileType() string { return TypeGeoPackage }
func (s *gpkgSource) Close() error     { return s.db.Close() }

// loadLayers reads gpkg_contents. Vector layers come first, tile
// pyramids continue the same index sequence so mixed containers stay
// uniformly addressable.
func (s *gpkgSource) loadLayers(ctx context.Context) error {
	vectorQuery := `
		SELECT c.table_name, g.column_name, g.geometry_type_name, g.srs_id
		FROM gpkg_contents c
		JOIN gpkg_geometry_columns g ON c.table_name = g.table_name
		WHERE c.data_type = 'features'
		ORDER BY c.table_name
	`
	rows, err := s.db.QueryContext(ctx, vectorQuery)
	if err != nil {
		return fmt.Errorf("gpkg %s: reading contents: %v: %w", s.path, err, domain.ErrNoDataSource)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var l gpkgLayer
		var typeName string
		if err := rows.Scan(&l.table, &l.geomColumn, &typeName, &l.srsID); err != nil {
			return fmt.Errorf("gpkg %s: scanning layer: %w", s.path, err)
		}
		l.dataType = "features"
		l.geomType = gpkgGeometryType(typeName)
		s.layers = append(s.layers, l)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range s.layers {
		if err := s.loadLayerSchema(ctx, &s.layers[i]); err != nil {
			return err
		}
	}

	tileQuery := `
		SELECT c.table_name, COALESCE(m.srs_id, 0)
		FROM gpkg_contents c
		LEFT JOIN gpkg_tile_matrix_set m ON c.table_name = m.table_name
		WHERE c.data_type = 'tiles'
		ORDER BY c.table_name
	`
	trows, err := s.db.QueryContext(ctx, tileQuery)
	if err != nil {
		// A features-only package has no tile matrix tables.
		return nil
	}
	defer func() { _ = trows.Close() }()
	for trows.Next() {
		var l gpkgLayer
		if err := trows.Scan(&l.table, &l.srsID); err != nil {
			return fmt.Errorf("gpkg %s: scanning tile layer: %w", s.path, err)
		}
		l.dataType = "tiles"
		l.geomType = domain.GeomNone
		l.count = s.tableCount(ctx, l.table)
		s.layers = append(s.layers, l)
	}
	return trows.Err()
}

// loadLayerSchema reads the column schema of one feature table via
// PRAGMA table_info, keeping the primary key and geometry column out of
// the attribute list.
func (s *gpkgSource) loadLayerSchema(ctx context.Context, l *gpkgLayer) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info("%s")`, l.table)) //#nosec G201 -- table name from gpkg_contents
	if err != nil {
		return fmt.Errorf("gpkg %s: schema of %s: %w", s.path, l.table, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var cid, notnull, pk int
		var name, declType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &declType, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if pk > 0 {
			l.pkColumn = name
			continue
		}
		if strings.EqualFold(name, l.geomColumn) {
			continue
		}
		l.fields = append(l.fields, domain.FieldDef{
			Name: name,
			Type: sqliteFieldType(declType),
		})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	l.count = s.tableCount(ctx, l.table)
	return nil
}

func (s *gpkgSource) tableCount(ctx context.Context, table string) int64 {
	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, table) //#nosec G201 -- table name from gpkg_contents
	_ = s.db.QueryRowContext(ctx, query).Scan(&count)
	return count
}

func (s *gpkgSource) DescribeFields(ctx context.Context) ([]domain.SourceDescription, error) {
	base := strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
	out := make([]domain.SourceDescription, 0, len(s.layers))
	for i, l := range s.layers {
		d := domain.SourceDescription{
			Index:             i,
			LayerName:         l.table,
			InternalLayerName: l.table,
			Driver:            TypeGeoPackage,
			FeatureCount:      l.count,
		}
		if l.srsID > 0 {
			d.SRS = fmt.Sprintf("EPSG:%d", l.srsID)
		}
		switch l.dataType {
		case "features":
			d.LayerType = domain.LayerTypeVector
			d.Fields = l.fields
			d.GeometryType = l.geomType
		case "tiles":
			d.LayerType = domain.LayerTypeTile
			d.GeometryType = domain.GeomNone
			d.Path = fmt.Sprintf("%s:%s", base, l.table)
			d.Raster = true
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *gpkgSource) ReadLayer(ctx context.Context, index int) (output.FeatureReader, error) {
	if index < 0 || index >= len(s.layers) {
		return nil, fmt.Errorf("gpkg layer %d: %w", index, domain.ErrLayerNotFound)
	}
	l := s.layers[index]
	if l.dataType != "features" {
		return nil, fmt.Errorf("gpkg layer %s is a tile pyramid: %w", l.table, domain.ErrUnsupported)
	}

	cols := make([]string, 0, len(l.fields)+2)
	if l.pkColumn != "" {
		cols = append(cols, quoteSQLite(l.pkColumn))
	}
	cols = append(cols, quoteSQLite(l.geomColumn))
	for _, f := range l.fields {
		cols = append(cols, quoteSQLite(f.Name))
	}
	query := fmt.Sprintf(`SELECT %s FROM "%s"`, strings.Join(cols, ", "), l.table) //#nosec G201 -- identifiers from gpkg metadata
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("gpkg %s: reading %s: %w", s.path, l.table, err)
	}
	return &gpkgReader{rows: rows, layer: l}, nil
}

type gpkgReader struct {
	rows  *sql.Rows
	layer gpkgLayer
}

func (gr *gpkgReader) Next() (*domain.Feature, error) {
	if !gr.rows.Next() {
		if err := gr.rows.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	hasPK := gr.layer.pkColumn != ""
	n := len(gr.layer.fields) + 1
	if hasPK {
		n++
	}
	values := make([]any, n)
	ptrs := make([]any, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := gr.rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	f := &domain.Feature{Properties: make(map[string]any, len(gr.layer.fields))}
	pos := 0
	if hasPK {
		if fid, ok := values[0].(int64); ok {
			f.FID, f.HasFID = fid, true
		}
		pos = 1
	}
	if blob, ok := values[pos].([]byte); ok && len(blob) > 0 {
		g, err := decodeGPKGGeometry(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding geometry of %s: %w", gr.layer.table, err)
		}
		f.Geometry = g
	}
	pos++
	for i, fld := range gr.layer.fields {
		v := values[pos+i]
		if b, ok := v.([]byte); ok && fld.Type == domain.FieldString {
			v = string(b)
		}
		f.Properties[fld.Name] = v
	}
	return f, nil
}

func (gr *gpkgReader) Close() error { return gr.rows.Close() }

// decodeGPKGGeometry strips the GeoPackage binary header (magic "GP",
// version, flags, srs_id, optional envelope) and decodes the WKB body.
func decodeGPKGGeometry(blob []byte) (orb.Geometry, error) {
	if len(blob) < 8 || blob[0] != 'G' || blob[1] != 'P' {
		// Not a GPKG blob; try bare WKB.
		return wkb.Unmarshal(blob)
	}
	flags := blob[3]
	if flags&0x20 != 0 { // empty geometry flag
		return nil, nil
	}
	envelopeSizes := [...]int{0, 32, 48, 48, 64}
	envCode := int(flags>>1) & 0x07
	if envCode >= len(envelopeSizes) {
		return nil, fmt.Errorf("invalid envelope indicator %d", envCode)
	}
	offset := 8 + envelopeSizes[envCode]
	if len(blob) < offset {
		return nil, fmt.Errorf("truncated geometry blob")
	}
	return wkb.Unmarshal(blob[offset:])
}

// gpkgSRSID reads the srs_id out of a GPKG geometry blob header.
func gpkgSRSID(blob []byte) (int32, bool) {
	if len(blob) < 8 || blob[0] != 'G' || blob[1] != 'P' {
		return 0, false
	}
	if blob[3]&0x01 != 0 { // little-endian header
		return int32(binary.LittleEndian.Uint32(blob[4:8])), true
	}
	return int32(binary.BigEndian.Uint32(blob[4:8])), true
}

func quoteSQLite(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func gpkgGeometryType(name string) domain.GeometryType {
	switch strings.ToUpper(name) {
	case "POINT":
		return domain.GeomPoint
	case "LINESTRING":
		return domain.GeomLineString
	case "POLYGON":
		return domain.GeomPolygon
	case "MULTIPOINT":
		return domain.GeomMultiPoint
	case "MULTILINESTRING":
		return domain.GeomMultiLineString
	case "MULTIPOLYGON":
		return domain.GeomMultiPolygon
	case "GEOMETRYCOLLECTION":
		return domain.GeomGeometryCollection
	}
	return domain.GeomUnknown
}

// sqliteFieldType normalizes a declared SQLite column type.
func sqliteFieldType(decl string) domain.FieldType {
	d := strings.ToUpper(decl)
	switch {
	case strings.Contains(d, "TINYINT"), strings.Contains(d, "SMALLINT"),
		strings.Contains(d, "MEDIUMINT"), strings.Contains(d, "BOOLEAN"):
		return domain.FieldInteger
	case strings.Contains(d, "INT"):
		return domain.FieldInteger64
	case strings.Contains(d, "REAL"), strings.Contains(d, "FLOAT"), strings.Contains(d, "DOUB"):
		return domain.FieldReal
	case strings.Contains(d, "DATETIME"), strings.Contains(d, "TIMESTAMP"):
		return domain.FieldDateTime
	case strings.Contains(d, "DATE"):
		return domain.FieldDate
	case strings.Contains(d, "BLOB"):
		return domain.FieldBinary
	}
	return domain.FieldString
}
