package formats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb/geojson"

	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/ports/output"
)

// geojsonSource reads a GeoJSON FeatureCollection. Features are
// streamed off the decoder one object at a time so a large collection
// is never held in memory at once.
type geojsonSource struct {
	path string
	name string
}

func openGeoJSON(path string) (*geojsonSource, error) {
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return nil, fmt.Errorf("geojson %s: %w", path, domain.ErrNoDataSource)
	}
	return &geojsonSource{
		path: path,
		name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
	}, nil
}

func (s *geojsonSource) FileType() string { return TypeGeoJSON }
func (s *geojsonSource) Close() error     { return nil }

func (s *geojsonSource) DescribeFields(ctx context.Context) ([]domain.SourceDescription, error) {
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
			return nil, fmt.Errorf("geojson %s: %w", s.path, err)
		}
		count++
		fi.observe(f.Properties)
		ga.observe(domain.GeometryTypeOf(f.Geometry))
	}
	return []domain.SourceDescription{{
		Index:             0,
		LayerName:         s.name,
		InternalLayerName: s.name,
		Fields:            fi.fields(),
		GeometryType:      ga.geometryType(),
		FeatureCount:      count,
		LayerType:         domain.LayerTypeVector,
		Driver:            TypeGeoJSON,
		SRS:               "EPSG:4326",
	}}, nil
}

func (s *geojsonSource) ReadLayer(ctx context.Context, index int) (output.FeatureReader, error) {
	if index != 0 {
		return nil, fmt.Errorf("geojson layer %d: %w", index, domain.ErrLayerNotFound)
	}
	return s.openStream()
}

// geojsonReader walks the decoder to the "features" array and then
// yields one feature per Next call.
type geojsonReader struct {
	f      *os.File
	dec    *json.Decoder
	single *domain.Feature // set when the file is a bare Feature
	done   bool
}

func (s *geojsonSource) openStream() (*geojsonReader, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("geojson %s: %w", s.path, domain.ErrNoDataSource)
	}
	r := &geojsonReader{f: f, dec: json.NewDecoder(f)}
	if err := r.seekFeatures(); err != nil {
		f.Close()
		return nil, fmt.Errorf("geojson %s: %v: %w", s.path, err, domain.ErrNoDataSource)
	}
	return r, nil
}

// seekFeatures advances the decoder past the top-level object keys up
// to the opening bracket of "features". A bare Feature document (no
// "features" member) is handled by re-reading the whole file.
func (r *geojsonReader) seekFeatures() error {
	tok, err := r.dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("not a JSON object")
	}
	var docType string
	for r.dec.More() {
		keyTok, err := r.dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		switch key {
		case "features":
			open, err := r.dec.Token()
			if err != nil {
				return err
			}
			if d, ok := open.(json.Delim); !ok || d != '[' {
				return fmt.Errorf("features is not an array")
			}
			return nil
		case "type":
			var raw json.RawMessage
			if err := r.dec.Decode(&raw); err != nil {
				return err
			}
			json.Unmarshal(raw, &docType)
		default:
			var raw json.RawMessage
			if err := r.dec.Decode(&raw); err != nil {
				return err
			}
		}
	}
	if docType == "Feature" {
		return r.loadSingle()
	}
	return fmt.Errorf("no features member")
}

func (r *geojsonReader) loadSingle() error {
	if _, err := r.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(r.f)
	if err != nil {
		return err
	}
	gf, err := geojson.UnmarshalFeature(data)
	if err != nil {
		return err
	}
	r.single = toDomainFeature(gf)
	return nil
}

func (r *geojsonReader) Next() (*domain.Feature, error) {
	if r.done {
		return nil, io.EOF
	}
	if r.single != nil {
		r.done = true
		return r.single, nil
	}
	if !r.dec.More() {
		r.done = true
		return nil, io.EOF
	}
	var gf geojson.Feature
	if err := r.dec.Decode(&gf); err != nil {
		return nil, err
	}
	return toDomainFeature(&gf), nil
}

func (r *geojsonReader) Close() error { return r.f.Close() }

func toDomainFeature(gf *geojson.Feature) *domain.Feature {
	f := &domain.Feature{
		Geometry:   gf.Geometry,
		Properties: map[string]any(gf.Properties),
	}
	if f.Properties == nil {
		f.Properties = map[string]any{}
	}
	switch id := gf.ID.(type) {
	case float64:
		f.FID, f.HasFID = int64(id), true
	case int64:
		f.FID, f.HasFID = id, true
	case int:
		f.FID, f.HasFID = int64(id), true
	}
	return f
}
