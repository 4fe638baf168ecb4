package formats

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/ports/output"
)

// kmlSource reads Placemarks from a KML document. Geometry is always
// geographic (EPSG:4326 by definition of the format).
type kmlSource struct {
	path string
	name string
}

func openKML(path string) (*kmlSource, error) {
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return nil, fmt.Errorf("kml %s: %w", path, domain.ErrNoDataSource)
	}
	return &kmlSource{
		path: path,
		name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
	}, nil
}

func (s *kmlSource) FileType() string { return TypeKML }
func (s *kmlSource) Close() error     { return nil }

func (s *kmlSource) DescribeFields(ctx context.Context) ([]domain.SourceDescription, error) {
	r, err := s.openStream()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	fi := newFieldInferrer()
	var ga geomAccumulator
	var count int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("kml %s: %w", s.path, err)
		}
		count++
		fi.observe(f.Properties)
		ga.observe(domain.GeometryTypeOf(f.Geometry))
	}
	if count == 0 {
		return nil, fmt.Errorf("kml %s: no placemarks: %w", s.path, domain.ErrNoDataSource)
	}
	return []domain.SourceDescription{{
		Index:             0,
		LayerName:         s.name,
		InternalLayerName: s.name,
		Fields:            fi.fields(),
		GeometryType:      ga.geometryType(),
		FeatureCount:      count,
		LayerType:         domain.LayerTypeVector,
		Driver:            TypeKML,
		SRS:               "EPSG:4326",
	}}, nil
}

func (s *kmlSource) ReadLayer(ctx context.Context, index int) (output.FeatureReader, error) {
	if index != 0 {
		return nil, fmt.Errorf("kml layer %d: %w", index, domain.ErrLayerNotFound)
	}
	return s.openStream()
}

func (s *kmlSource) openStream() (*kmlReader, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("kml %s: %w", s.path, domain.ErrNoDataSource)
	}
	return &kmlReader{f: f, dec: xml.NewDecoder(f)}, nil
}

// kmlPlacemark mirrors the subset of the Placemark schema the importer
// consumes.
type kmlPlacemark struct {
	Name         string       `xml:"name"`
	Description  string       `xml:"description"`
	ExtendedData kmlExtData   `xml:"ExtendedData"`
	Point        *kmlGeometry `xml:"Point"`
	LineString   *kmlGeometry `xml:"LineString"`
	Polygon      *kmlPolygon  `xml:"Polygon"`
	Multi        *kmlMulti    `xml:"MultiGeometry"`
}

type kmlExtData struct {
	Data       []kmlData       `xml:"Data"`
	SchemaData []kmlSchemaData `xml:"SchemaData"`
}

type kmlData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

type kmlSchemaData struct {
	SimpleData []kmlSimpleData `xml:"SimpleData"`
}

type kmlSimpleData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type kmlGeometry struct {
	Coordinates string `xml:"coordinates"`
}

type kmlPolygon struct {
	Outer []kmlGeometry `xml:"outerBoundaryIs>LinearRing"`
	Inner []kmlGeometry `xml:"innerBoundaryIs>LinearRing"`
}

type kmlMulti struct {
	Points      []kmlGeometry `xml:"Point"`
	LineStrings []kmlGeometry `xml:"LineString"`
	Polygons    []kmlPolygon  `xml:"Polygon"`
}

type kmlReader struct {
	f   *os.File
	dec *xml.Decoder
}

func (kr *kmlReader) Next() (*domain.Feature, error) {
	for {
		tok, err := kr.dec.Token()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "Placemark" {
			continue
		}
		var pm kmlPlacemark
		if err := kr.dec.DecodeElement(&pm, &start); err != nil {
			return nil, err
		}
		return placemarkToFeature(&pm), nil
	}
}

func (kr *kmlReader) Close() error { return kr.f.Close() }

func placemarkToFeature(pm *kmlPlacemark) *domain.Feature {
	props := map[string]any{}
	if pm.Name != "" {
		props["name"] = pm.Name
	}
	if pm.Description != "" {
		props["description"] = strings.TrimSpace(pm.Description)
	}
	for _, d := range pm.ExtendedData.Data {
		props[d.Name] = strings.TrimSpace(d.Value)
	}
	for _, sd := range pm.ExtendedData.SchemaData {
		for _, d := range sd.SimpleData {
			props[d.Name] = strings.TrimSpace(d.Value)
		}
	}
	return &domain.Feature{Geometry: placemarkGeometry(pm), Properties: props}
}

func placemarkGeometry(pm *kmlPlacemark) orb.Geometry {
	switch {
	case pm.Point != nil:
		pts := parseCoordinates(pm.Point.Coordinates)
		if len(pts) > 0 {
			return pts[0]
		}
	case pm.LineString != nil:
		pts := parseCoordinates(pm.LineString.Coordinates)
		if len(pts) > 1 {
			return orb.LineString(pts)
		}
	case pm.Polygon != nil:
		return polygonGeometry(pm.Polygon)
	case pm.Multi != nil:
		return multiGeometry(pm.Multi)
	}
	return nil
}

func polygonGeometry(kp *kmlPolygon) orb.Geometry {
	var poly orb.Polygon
	for _, ring := range kp.Outer {
		pts := parseCoordinates(ring.Coordinates)
		if len(pts) > 2 {
			poly = append(poly, orb.Ring(pts))
		}
	}
	if len(poly) == 0 {
		return nil
	}
	for _, ring := range kp.Inner {
		pts := parseCoordinates(ring.Coordinates)
		if len(pts) > 2 {
			poly = append(poly, orb.Ring(pts))
		}
	}
	return poly
}

func multiGeometry(m *kmlMulti) orb.Geometry {
	switch {
	case len(m.Points) > 0:
		var mp orb.MultiPoint
		for _, g := range m.Points {
			if pts := parseCoordinates(g.Coordinates); len(pts) > 0 {
				mp = append(mp, pts[0])
			}
		}
		return mp
	case len(m.LineStrings) > 0:
		var ml orb.MultiLineString
		for _, g := range m.LineStrings {
			if pts := parseCoordinates(g.Coordinates); len(pts) > 1 {
				ml = append(ml, orb.LineString(pts))
			}
		}
		return ml
	case len(m.Polygons) > 0:
		var mp orb.MultiPolygon
		for i := range m.Polygons {
			if g, ok := polygonGeometry(&m.Polygons[i]).(orb.Polygon); ok {
				mp = append(mp, g)
			}
		}
		return mp
	}
	return nil
}

// parseCoordinates splits the KML coordinate encoding: whitespace
// separated tuples of "lon,lat[,alt]".
func parseCoordinates(raw string) []orb.Point {
	var pts []orb.Point
	for _, tuple := range strings.Fields(raw) {
		parts := strings.Split(tuple, ",")
		if len(parts) < 2 {
			continue
		}
		lon, err1 := strconv.ParseFloat(parts[0], 64)
		lat, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		pts = append(pts, orb.Point{lon, lat})
	}
	return pts
}
