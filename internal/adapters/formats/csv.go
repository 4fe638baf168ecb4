package formats

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/ports/output"
)

// CSVOptions configure how geometry is located in delimited files.
// Column names are matched case-insensitively against the header.
type CSVOptions struct {
	GeometryFields []string
	XFields        []string
	YFields        []string
}

// DefaultCSVOptions are used when the configuration does not override
// the candidate column names.
func DefaultCSVOptions() CSVOptions {
	return CSVOptions{
		GeometryFields: []string{"geom", "geometry", "wkt", "the_geom"},
		XFields:        []string{"x", "lon", "long", "longitude"},
		YFields:        []string{"y", "lat", "latitude"},
	}
}

// csvGeometry records how geometry is derived from a row: either one
// WKT column or an X/Y coordinate pair.
type csvGeometry struct {
	wktCol int
	xCol   int
	yCol   int
}

type csvSource struct {
	path string
	name string
	opts CSVOptions
}

func openCSV(path string, opts CSVOptions) (*csvSource, error) {
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return nil, fmt.Errorf("csv %s: %w", path, domain.ErrNoDataSource)
	}
	if len(opts.GeometryFields) == 0 && len(opts.XFields) == 0 {
		opts = DefaultCSVOptions()
	}
	return &csvSource{
		path: path,
		name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		opts: opts,
	}, nil
}

func (s *csvSource) FileType() string { return TypeCSV }
func (s *csvSource) Close() error     { return nil }

// resolveGeometry matches the header against the candidate column
// names. A WKT column wins over an X/Y pair.
func (s *csvSource) resolveGeometry(header []string) (csvGeometry, error) {
	geo := csvGeometry{wktCol: -1, xCol: -1, yCol: -1}
	index := func(candidates []string) int {
		for i, h := range header {
			h = strings.ToLower(strings.TrimSpace(h))
			for _, c := range candidates {
				if h == strings.ToLower(c) {
					return i
				}
			}
		}
		return -1
	}
	if geo.wktCol = index(s.opts.GeometryFields); geo.wktCol >= 0 {
		return geo, nil
	}
	geo.xCol = index(s.opts.XFields)
	geo.yCol = index(s.opts.YFields)
	if geo.xCol >= 0 && geo.yCol >= 0 {
		return geo, nil
	}
	return geo, fmt.Errorf("csv %s: no geometry column: %w", s.path, domain.ErrNoDataSource)
}

// attributeColumns are the header columns that are not consumed by
// geometry derivation. WKT columns are dropped from the schema; X/Y
// pairs are kept as attributes alongside the derived point.
func (geo csvGeometry) attributeColumns(header []string) []int {
	var cols []int
	for i := range header {
		if i == geo.wktCol {
			continue
		}
		cols = append(cols, i)
	}
	return cols
}

func (s *csvSource) DescribeFields(ctx context.Context) ([]domain.SourceDescription, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("csv %s: %w", s.path, domain.ErrNoDataSource)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("csv %s: %w", s.path, domain.ErrNoDataSource)
	}
	geo, err := s.resolveGeometry(header)
	if err != nil {
		return nil, err
	}

	var ga geomAccumulator
	var count int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv %s row %d: %v", s.path, count+2, err)
		}
		g, err := geo.geometry(row)
		if err != nil {
			continue // rows without parseable geometry are surfaced at import time
		}
		ga.observe(domain.GeometryTypeOf(g))
		count++
	}

	var fields []domain.FieldDef
	for _, i := range geo.attributeColumns(header) {
		fields = append(fields, domain.FieldDef{
			Name: strings.TrimSpace(header[i]),
			Type: domain.FieldString,
		})
	}
	gt := ga.geometryType()
	if geo.xCol >= 0 {
		gt = domain.GeomPoint
	}
	return []domain.SourceDescription{{
		Index:             0,
		LayerName:         s.name,
		InternalLayerName: s.name,
		Fields:            fields,
		GeometryType:      gt,
		FeatureCount:      count,
		LayerType:         domain.LayerTypeVector,
		Driver:            TypeCSV,
		SRS:               "EPSG:4326",
	}}, nil
}

func (geo csvGeometry) geometry(row []string) (orb.Geometry, error) {
	if geo.wktCol >= 0 {
		if geo.wktCol >= len(row) {
			return nil, fmt.Errorf("short row")
		}
		return wkt.Unmarshal(strings.TrimSpace(row[geo.wktCol]))
	}
	if geo.xCol >= len(row) || geo.yCol >= len(row) {
		return nil, fmt.Errorf("short row")
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(row[geo.xCol]), 64)
	if err != nil {
		return nil, err
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(row[geo.yCol]), 64)
	if err != nil {
		return nil, err
	}
	return orb.Point{x, y}, nil
}

func (s *csvSource) ReadLayer(ctx context.Context, index int) (output.FeatureReader, error) {
	if index != 0 {
		return nil, fmt.Errorf("csv layer %d: %w", index, domain.ErrLayerNotFound)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("csv %s: %w", s.path, domain.ErrNoDataSource)
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("csv %s: %w", s.path, domain.ErrNoDataSource)
	}
	geo, err := s.resolveGeometry(header)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &csvReader{f: f, r: r, header: header, geo: geo}, nil
}

type csvReader struct {
	f      *os.File
	r      *csv.Reader
	header []string
	geo    csvGeometry
	row    int64
}

func (cr *csvReader) Next() (*domain.Feature, error) {
	row, err := cr.r.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	cr.row++
	g, gerr := cr.geo.geometry(row)
	if gerr != nil {
		// Rows without parseable geometry become null-geometry features
		// so the caller decides whether to skip or fail.
		g = nil
	}
	props := make(map[string]any, len(cr.header))
	for _, i := range cr.geo.attributeColumns(cr.header) {
		if i < len(row) {
			props[strings.TrimSpace(cr.header[i])] = row[i]
		}
	}
	return &domain.Feature{Geometry: g, Properties: props}, nil
}

func (cr *csvReader) Close() error { return cr.f.Close() }
