package formats

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	shp "github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"golang.org/x/text/encoding"

	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/ports/output"
)

// shapefileSource reads an ESRI shapefile together with its dbf, prj
// and cpg sidecars. Shapefiles cannot declare whether a line or polygon
// layer is single or multi part, so described geometry types are always
// the multi variant and single-part records are promoted on read.
type shapefileSource struct {
	path      string
	name      string
	srs       string
	transform func(orb.Geometry) orb.Geometry
}

func openShapefile(path string) (*shapefileSource, error) {
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return nil, fmt.Errorf("shapefile %s: %w", path, domain.ErrNoDataSource)
	}
	srs, transform := ResolveSRS(SidecarWKT(path))
	return &shapefileSource{
		path:      path,
		name:      strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		srs:       srs,
		transform: transform,
	}, nil
}

func (s *shapefileSource) FileType() string { return TypeShapefile }
func (s *shapefileSource) Close() error     { return nil }

func (s *shapefileSource) DescribeFields(ctx context.Context) ([]domain.SourceDescription, error) {
	r, err := shp.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("shapefile %s: %v: %w", s.path, err, domain.ErrNoDataSource)
	}
	defer r.Close()

	fields := make([]domain.FieldDef, 0, len(r.Fields()))
	for _, f := range r.Fields() {
		fields = append(fields, domain.FieldDef{
			Name: f.String(),
			Type: dbfFieldType(f),
		})
	}

	var count int64
	for r.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		count++
	}
	if err := r.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("shapefile %s: %w", s.path, err)
	}

	return []domain.SourceDescription{{
		Index:             0,
		LayerName:         s.name,
		InternalLayerName: s.name,
		Fields:            fields,
		GeometryType:      shapeGeometryType(r.GeometryType),
		FeatureCount:      count,
		LayerType:         domain.LayerTypeVector,
		Driver:            TypeShapefile,
		SRS:               s.srs,
	}}, nil
}

func (s *shapefileSource) ReadLayer(ctx context.Context, index int) (output.FeatureReader, error) {
	if index != 0 {
		return nil, fmt.Errorf("shapefile layer %d: %w", index, domain.ErrLayerNotFound)
	}
	r, err := shp.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("shapefile %s: %v: %w", s.path, err, domain.ErrNoDataSource)
	}
	return &shapefileReader{
		r:         r,
		fields:    r.Fields(),
		dec:       DecoderFor(SidecarEncoding(s.path)),
		transform: s.transform,
	}, nil
}

type shapefileReader struct {
	r         *shp.Reader
	fields    []shp.Field
	dec       *encoding.Decoder
	transform func(orb.Geometry) orb.Geometry
	row       int
}

func (sr *shapefileReader) Next() (*domain.Feature, error) {
	if !sr.r.Next() {
		if err := sr.r.Err(); err != nil && err != io.EOF {
			return nil, err
		}
		return nil, io.EOF
	}
	num, shape := sr.r.Shape()
	geom := shapeToGeometry(shape)
	if geom != nil && sr.transform != nil {
		geom = sr.transform(geom)
	}
	f := &domain.Feature{
		FID:        int64(num),
		HasFID:     true,
		Geometry:   geom,
		Properties: make(map[string]any, len(sr.fields)),
	}
	for i, fld := range sr.fields {
		raw := sr.r.Attribute(i)
		f.Properties[fld.String()] = sr.attributeValue(fld, raw)
	}
	sr.row++
	return f, nil
}

func (sr *shapefileReader) Close() error { return sr.r.Close() }

// attributeValue converts a raw dbf attribute into its typed value.
// Unparseable numerics fall through as strings rather than erroring;
// the schema copy downstream works on strings anyway.
func (sr *shapefileReader) attributeValue(fld shp.Field, raw string) any {
	raw = strings.TrimSpace(raw)
	switch dbfFieldType(fld) {
	case domain.FieldInteger, domain.FieldInteger64:
		if raw == "" {
			return nil
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	case domain.FieldReal:
		if raw == "" {
			return nil
		}
		if x, err := strconv.ParseFloat(raw, 64); err == nil {
			return x
		}
	}
	decoded, _ := DecodeString(raw, sr.dec)
	return decoded
}

// dbfFieldType maps a dbf column descriptor to the normalized type.
func dbfFieldType(f shp.Field) domain.FieldType {
	switch f.Fieldtype {
	case 'N':
		if f.Precision > 0 {
			return domain.FieldReal
		}
		if f.Size > 9 {
			return domain.FieldInteger64
		}
		return domain.FieldInteger
	case 'F':
		return domain.FieldReal
	case 'D':
		return domain.FieldDate
	case 'L':
		return domain.FieldInteger
	}
	return domain.FieldString
}

// shapeGeometryType maps a shapefile header type to the widened
// geometry type reported for the layer.
func shapeGeometryType(t shp.ShapeType) domain.GeometryType {
	switch t {
	case shp.POINT, shp.POINTZ, shp.POINTM:
		return domain.GeomMultiPoint
	case shp.MULTIPOINT, shp.MULTIPOINTZ, shp.MULTIPOINTM:
		return domain.GeomMultiPoint
	case shp.POLYLINE, shp.POLYLINEZ, shp.POLYLINEM:
		return domain.GeomMultiLineString
	case shp.POLYGON, shp.POLYGONZ, shp.POLYGONM:
		return domain.GeomMultiPolygon
	case shp.NULL:
		return domain.GeomNone
	}
	return domain.GeomUnknown
}

// shapeToGeometry converts one record's shape. Z and M coordinates are
// dropped; the engine works in 2D.
func shapeToGeometry(s shp.Shape) orb.Geometry {
	switch v := s.(type) {
	case *shp.Point:
		return orb.Point{v.X, v.Y}
	case *shp.PointZ:
		return orb.Point{v.X, v.Y}
	case *shp.PointM:
		return orb.Point{v.X, v.Y}
	case *shp.MultiPoint:
		return pointsToMulti(v.Points)
	case *shp.MultiPointZ:
		return pointsToMulti(v.Points)
	case *shp.MultiPointM:
		return pointsToMulti(v.Points)
	case *shp.PolyLine:
		return partsToLines(v.Parts, v.Points)
	case *shp.PolyLineZ:
		return partsToLines(v.Parts, v.Points)
	case *shp.PolyLineM:
		return partsToLines(v.Parts, v.Points)
	case *shp.Polygon:
		return partsToPolygons(v.Parts, v.Points)
	case *shp.PolygonZ:
		return partsToPolygons(v.Parts, v.Points)
	case *shp.PolygonM:
		return partsToPolygons(v.Parts, v.Points)
	}
	return nil
}

func pointsToMulti(pts []shp.Point) orb.MultiPoint {
	mp := make(orb.MultiPoint, 0, len(pts))
	for _, p := range pts {
		mp = append(mp, orb.Point{p.X, p.Y})
	}
	return mp
}

func splitParts(parts []int32, pts []shp.Point) []orb.LineString {
	out := make([]orb.LineString, 0, len(parts))
	for i, start := range parts {
		end := len(pts)
		if i+1 < len(parts) {
			end = int(parts[i+1])
		}
		ls := make(orb.LineString, 0, end-int(start))
		for _, p := range pts[start:end] {
			ls = append(ls, orb.Point{p.X, p.Y})
		}
		out = append(out, ls)
	}
	return out
}

func partsToLines(parts []int32, pts []shp.Point) orb.Geometry {
	lines := splitParts(parts, pts)
	if len(lines) == 1 {
		return lines[0]
	}
	return orb.MultiLineString(lines)
}

// partsToPolygons groups rings into polygons by winding order: shapefile
// outer rings wind clockwise, holes counter-clockwise.
func partsToPolygons(parts []int32, pts []shp.Point) orb.Geometry {
	rings := splitParts(parts, pts)
	var polys orb.MultiPolygon
	for _, r := range rings {
		ring := orb.Ring(r)
		if clockwise(ring) || len(polys) == 0 {
			polys = append(polys, orb.Polygon{ring})
			continue
		}
		last := len(polys) - 1
		polys[last] = append(polys[last], ring)
	}
	if len(polys) == 1 {
		return polys[0]
	}
	return polys
}

// clockwise reports whether a ring winds clockwise (negative signed
// area under the shoelace formula).
func clockwise(r orb.Ring) bool {
	var sum float64
	for i := 0; i < len(r)-1; i++ {
		sum += (r[i+1][0] - r[i][0]) * (r[i+1][1] + r[i][1])
	}
	return sum > 0
}
