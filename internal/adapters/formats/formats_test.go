package formats

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/jobrunner/strata/internal/domain"
)

func TestSRSFromWKT(t *testing.T) {
	tests := []struct {
		name string
		wkt  string
		want string
	}{
		{
			name: "epsg authority",
			wkt:  `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],AUTHORITY["EPSG","4326"]]`,
			want: "EPSG:4326",
		},
		{
			name: "esri wkt without authority",
			wkt:  `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137,298.257223563]]]`,
			want: "EPSG:4326",
		},
		{
			name: "esri web mercator",
			wkt:  `PROJCS["WGS_1984_Web_Mercator_Auxiliary_Sphere",GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137,298.257223563]]]]`,
			want: "EPSG:3857",
		},
		{
			name: "unresolvable",
			wkt:  `LOCAL_CS["arbitrary"]`,
			want: "",
		},
		{
			name: "empty",
			wkt:  "",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SRSFromWKT(tt.wkt); got != tt.want {
				t.Errorf("SRSFromWKT() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveSRSMercatorFallback(t *testing.T) {
	// A Mercator projection with neither an authority clause nor a
	// recognizable CRS name resolves to geographic with an inverse
	// transform applied on read.
	wkt := `PROJCS["Custom_Mercator",GEOGCS["Unnamed",DATUM["D_Unknown",SPHEROID["WGS_1984",6378137,298.257223563]]],PROJECTION["Mercator_Auxiliary_Sphere"],UNIT["Meter",1]]`

	srs, transform := ResolveSRS(wkt)
	if srs != "EPSG:4326" {
		t.Fatalf("srs = %q, want EPSG:4326", srs)
	}
	if transform == nil {
		t.Fatal("expected a reprojection transform")
	}

	got := transform(orb.Point{0, 0})
	p, ok := got.(orb.Point)
	if !ok {
		t.Fatalf("transform returned %T, want orb.Point", got)
	}
	if p[0] != 0 || p[1] != 0 {
		t.Errorf("origin transformed to %v, want {0 0}", p)
	}

	// Resolvable definitions need no transform.
	srs, transform = ResolveSRS(`PROJCS["X",AUTHORITY["EPSG","3857"]]`)
	if srs != "EPSG:3857" || transform != nil {
		t.Errorf("ResolveSRS() = %q, transform %p; want EPSG:3857, nil", srs, transform)
	}
}

func TestDecoderFor(t *testing.T) {
	if DecoderFor("UTF-8") != nil {
		t.Error("UTF-8 should need no decoder")
	}
	if DecoderFor("unknown-charset") != nil {
		t.Error("unknown charset should fall back to no decoder")
	}
	dec := DecoderFor("ISO-8859-1")
	if dec == nil {
		t.Fatal("expected decoder for ISO-8859-1")
	}
	// 0xE9 is é in Latin-1.
	got, clean := DecodeString("caf\xe9", dec)
	if !clean || got != "café" {
		t.Errorf("DecodeString() = %q clean=%v, want café", got, clean)
	}
}

func TestDecodeStringLossyFallback(t *testing.T) {
	got, clean := DecodeString("bad\xffbytes", nil)
	if clean {
		t.Error("invalid UTF-8 should be reported as lossy")
	}
	if got == "" {
		t.Error("lossy decode must still return a value")
	}
}

func TestGeomAccumulatorWidening(t *testing.T) {
	tests := []struct {
		name string
		seen []domain.GeometryType
		want domain.GeometryType
	}{
		{"uniform", []domain.GeometryType{domain.GeomPoint, domain.GeomPoint}, domain.GeomPoint},
		{"mixed family widens", []domain.GeometryType{domain.GeomLineString, domain.GeomMultiLineString}, domain.GeomMultiLineString},
		{"widens either order", []domain.GeometryType{domain.GeomMultiPolygon, domain.GeomPolygon}, domain.GeomMultiPolygon},
		{"cross family collapses", []domain.GeometryType{domain.GeomPoint, domain.GeomPolygon}, domain.GeomGeometryCollection},
		{"empty", nil, domain.GeomUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ga geomAccumulator
			for _, g := range tt.seen {
				ga.observe(g)
			}
			if got := ga.geometryType(); got != tt.want {
				t.Errorf("geometryType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFieldInferrer(t *testing.T) {
	fi := newFieldInferrer()
	fi.observe(map[string]any{"name": "a", "count": float64(3)})
	fi.observe(map[string]any{"name": "b", "count": float64(1.5), "extra": true})
	fields := fi.fields()
	byName := map[string]domain.FieldType{}
	for _, f := range fields {
		byName[f.Name] = f.Type
	}
	if byName["name"] != domain.FieldString {
		t.Errorf("name inferred as %v, want String", byName["name"])
	}
	if byName["count"] != domain.FieldReal {
		t.Errorf("count inferred as %v, want Real after widening", byName["count"])
	}
	if byName["extra"] != domain.FieldInteger {
		t.Errorf("extra inferred as %v, want Integer", byName["extra"])
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const testGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "id": 1, "properties": {"name": "alpha", "pop": 10},
     "geometry": {"type": "Point", "coordinates": [1.0, 2.0]}},
    {"type": "Feature", "id": 2, "properties": {"name": "beta", "pop": 20},
     "geometry": {"type": "MultiPoint", "coordinates": [[3.0, 4.0], [5.0, 6.0]]}}
  ]
}`

func TestGeoJSONDescribeAndRead(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cities.geojson", testGeoJSON)

	insp := NewDatasetInspector(CSVOptions{})
	src, err := insp.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer src.Close()

	descs, err := src.DescribeFields(context.Background())
	if err != nil {
		t.Fatalf("DescribeFields() error = %v", err)
	}
	if len(descs) != 1 {
		t.Fatalf("got %d layers, want 1", len(descs))
	}
	d := descs[0]
	if d.LayerName != "cities" {
		t.Errorf("layer name = %q", d.LayerName)
	}
	if d.FeatureCount != 2 {
		t.Errorf("feature count = %d, want 2", d.FeatureCount)
	}
	if d.GeometryType != domain.GeomMultiPoint {
		t.Errorf("geometry type = %v, want MultiPoint after widening", d.GeometryType)
	}
	if d.SRS != "EPSG:4326" {
		t.Errorf("srs = %q", d.SRS)
	}

	r, err := src.ReadLayer(context.Background(), 0)
	if err != nil {
		t.Fatalf("ReadLayer() error = %v", err)
	}
	defer r.Close()

	first, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !first.HasFID || first.FID != 1 {
		t.Errorf("fid = %d hasFID=%v, want 1", first.FID, first.HasFID)
	}
	if name, _ := first.StringProperty("name"); name != "alpha" {
		t.Errorf("name = %q", name)
	}
	if _, err := r.Next(); err != nil {
		t.Fatalf("second Next() error = %v", err)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestCSVWithWKTColumn(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "roads.csv",
		"id,name,geom\n1,main,\"LINESTRING(0 0, 1 1)\"\n2,side,\"LINESTRING(1 1, 2 2)\"\n")

	src, err := openCSV(path, CSVOptions{})
	if err != nil {
		t.Fatal(err)
	}
	descs, err := src.DescribeFields(context.Background())
	if err != nil {
		t.Fatalf("DescribeFields() error = %v", err)
	}
	d := descs[0]
	if d.GeometryType != domain.GeomLineString {
		t.Errorf("geometry type = %v", d.GeometryType)
	}
	if d.FeatureCount != 2 {
		t.Errorf("feature count = %d", d.FeatureCount)
	}
	// WKT column is consumed by geometry derivation.
	for _, f := range d.Fields {
		if f.Name == "geom" {
			t.Error("geom column must not appear in the schema")
		}
	}

	r, err := src.ReadLayer(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	f, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := f.Geometry.(orb.LineString); !ok {
		t.Errorf("geometry = %T, want LineString", f.Geometry)
	}
	if f.Properties["name"] != "main" {
		t.Errorf("name = %v", f.Properties["name"])
	}
}

func TestCSVWithXYColumns(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "points.csv", "name,lat,lon\na,52.1,4.3\nb,51.9,4.5\n")

	src, err := openCSV(path, CSVOptions{})
	if err != nil {
		t.Fatal(err)
	}
	descs, err := src.DescribeFields(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if descs[0].GeometryType != domain.GeomPoint {
		t.Errorf("geometry type = %v, want Point", descs[0].GeometryType)
	}

	r, err := src.ReadLayer(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	f, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	pt, ok := f.Geometry.(orb.Point)
	if !ok {
		t.Fatalf("geometry = %T", f.Geometry)
	}
	if pt[0] != 4.3 || pt[1] != 52.1 {
		t.Errorf("point = %v, want lon/lat order", pt)
	}
}

func TestCSVWithoutGeometry(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "plain.csv", "a,b\n1,2\n")
	src, err := openCSV(path, CSVOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.DescribeFields(context.Background()); err == nil {
		t.Fatal("expected error for csv without geometry columns")
	} else if !errors.Is(err, domain.ErrNoDataSource) {
		t.Errorf("error = %v, want ErrNoDataSource", err)
	}
}

const testKML = `<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2">
  <Document>
    <Placemark>
      <name>station</name>
      <ExtendedData><Data name="code"><value>S1</value></Data></ExtendedData>
      <Point><coordinates>4.35,52.0,0</coordinates></Point>
    </Placemark>
    <Placemark>
      <name>path</name>
      <LineString><coordinates>4.0,52.0 4.1,52.1</coordinates></LineString>
    </Placemark>
  </Document>
</kml>`

func TestKMLPlacemarks(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "doc.kml", testKML)

	src, err := openKML(path)
	if err != nil {
		t.Fatal(err)
	}
	descs, err := src.DescribeFields(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if descs[0].FeatureCount != 2 {
		t.Errorf("feature count = %d", descs[0].FeatureCount)
	}
	if descs[0].GeometryType != domain.GeomGeometryCollection {
		t.Errorf("geometry type = %v, want collection for mixed families", descs[0].GeometryType)
	}

	r, err := src.ReadLayer(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	f, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if f.Properties["name"] != "station" || f.Properties["code"] != "S1" {
		t.Errorf("properties = %v", f.Properties)
	}
	if _, ok := f.Geometry.(orb.Point); !ok {
		t.Errorf("geometry = %T", f.Geometry)
	}
}

func TestArchiveOpen(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "upload.zip")
	zf, err := os.Create(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(zf)
	for name, content := range map[string]string{
		"readme.txt":   "not data",
		"data.geojson": testGeoJSON,
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zf.Close(); err != nil {
		t.Fatal(err)
	}

	insp := NewDatasetInspector(CSVOptions{})

	t.Run("implicit member", func(t *testing.T) {
		src, err := insp.Open(context.Background(), zipPath)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer src.Close()
		if src.FileType() != TypeGeoJSON {
			t.Errorf("file type = %q", src.FileType())
		}
	})

	t.Run("explicit member", func(t *testing.T) {
		src, err := insp.Open(context.Background(), zipPath+"!data.geojson")
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer src.Close()
		descs, err := src.DescribeFields(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if descs[0].FeatureCount != 2 {
			t.Errorf("feature count = %d", descs[0].FeatureCount)
		}
	})

	t.Run("missing member", func(t *testing.T) {
		_, err := insp.Open(context.Background(), zipPath+"!nope.shp")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestSplitArchivePath(t *testing.T) {
	tests := []struct {
		source string
		path   string
		member string
	}{
		{"plain.geojson", "plain.geojson", ""},
		{"bundle.zip!layer.shp", "bundle.zip", "layer.shp"},
		{"bundle.zip!/nested/layer.shp", "bundle.zip", "nested/layer.shp"},
	}
	for _, tt := range tests {
		path, member := SplitArchivePath(tt.source)
		if path != tt.path || member != tt.member {
			t.Errorf("SplitArchivePath(%q) = (%q, %q), want (%q, %q)",
				tt.source, path, member, tt.path, tt.member)
		}
	}
}

func TestDecodeGPKGGeometry(t *testing.T) {
	body, err := wkb.Marshal(orb.Point{4.3, 52.1})
	if err != nil {
		t.Fatal(err)
	}
	// Minimal GPKG header: magic, version 0, flags with no envelope and
	// little-endian srs_id 4326.
	header := []byte{'G', 'P', 0, 0x01, 0xE6, 0x10, 0x00, 0x00}
	blob := append(header, body...)

	g, err := decodeGPKGGeometry(blob)
	if err != nil {
		t.Fatalf("decodeGPKGGeometry() error = %v", err)
	}
	pt, ok := g.(orb.Point)
	if !ok || pt[0] != 4.3 || pt[1] != 52.1 {
		t.Errorf("geometry = %v (%T)", g, g)
	}

	if srs, ok := gpkgSRSID(blob); !ok || srs != 4326 {
		t.Errorf("gpkgSRSID() = %d %v, want 4326", srs, ok)
	}

	// Bare WKB without the GPKG header still decodes.
	if _, err := decodeGPKGGeometry(body); err != nil {
		t.Errorf("bare wkb decode error = %v", err)
	}
}

func TestIgnored(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"__MACOSX/data.shp", true},
		{".hidden", true},
		{"readme.txt", true},
		{"data.shp", false},
		{"layer.geojson", false},
	}
	for _, tt := range tests {
		if got := Ignored(tt.name); got != tt.want {
			t.Errorf("Ignored(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

