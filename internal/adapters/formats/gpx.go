package formats

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb"
	gpxgo "github.com/tkrajina/gpxgo/gpx"

	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/ports/output"
)

// gpxSource exposes a GPX document as three layers in a fixed order:
// waypoints (Point), routes (LineString) and tracks (MultiLineString).
// The file is parsed once on open; GPX documents are small enough that
// the parsed tree is the streaming source.
type gpxSource struct {
	path string
	doc  *gpxgo.GPX
}

const (
	gpxWaypoints = 0
	gpxRoutes    = 1
	gpxTracks    = 2
)

func openGPX(path string) (*gpxSource, error) {
	doc, err := gpxgo.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("gpx %s: %v: %w", path, err, domain.ErrNoDataSource)
	}
	return &gpxSource{path: path, doc: doc}, nil
}

func (s *gpxSource) FileType() string { return TypeGPX }
func (s *gpxSource) Close() error     { return nil }

func (s *gpxSource) DescribeFields(ctx context.Context) ([]domain.SourceDescription, error) {
	base := strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
	nameDesc := []domain.FieldDef{
		{Name: "name", Type: domain.FieldString},
		{Name: "desc", Type: domain.FieldString},
	}
	waypointFields := append([]domain.FieldDef{}, nameDesc...)
	waypointFields = append(waypointFields,
		domain.FieldDef{Name: "ele", Type: domain.FieldReal},
		domain.FieldDef{Name: "time", Type: domain.FieldDateTime},
	)
	layer := func(index int, suffix string, fields []domain.FieldDef, gt domain.GeometryType, count int64) domain.SourceDescription {
		name := base + "_" + suffix
		return domain.SourceDescription{
			Index:             index,
			LayerName:         name,
			InternalLayerName: name,
			Fields:            fields,
			GeometryType:      gt,
			FeatureCount:      count,
			LayerType:         domain.LayerTypeVector,
			Driver:            TypeGPX,
			SRS:               "EPSG:4326",
		}
	}
	return []domain.SourceDescription{
		layer(gpxWaypoints, "waypoints", waypointFields, domain.GeomPoint, int64(len(s.doc.Waypoints))),
		layer(gpxRoutes, "routes", nameDesc, domain.GeomLineString, int64(len(s.doc.Routes))),
		layer(gpxTracks, "tracks", nameDesc, domain.GeomMultiLineString, int64(len(s.doc.Tracks))),
	}, nil
}

func (s *gpxSource) ReadLayer(ctx context.Context, index int) (output.FeatureReader, error) {
	var features []*domain.Feature
	switch index {
	case gpxWaypoints:
		for _, wp := range s.doc.Waypoints {
			props := map[string]any{
				"name": wp.Name,
				"desc": wp.Description,
				"ele":  wp.Elevation.Value(),
			}
			if !wp.Timestamp.IsZero() {
				props["time"] = wp.Timestamp.UTC().Format(time.RFC3339)
			}
			features = append(features, &domain.Feature{
				Geometry:   orb.Point{wp.Longitude, wp.Latitude},
				Properties: props,
			})
		}
	case gpxRoutes:
		for _, rt := range s.doc.Routes {
			ls := make(orb.LineString, 0, len(rt.Points))
			for _, p := range rt.Points {
				ls = append(ls, orb.Point{p.Longitude, p.Latitude})
			}
			features = append(features, &domain.Feature{
				Geometry:   ls,
				Properties: map[string]any{"name": rt.Name, "desc": rt.Description},
			})
		}
	case gpxTracks:
		for _, tr := range s.doc.Tracks {
			var ml orb.MultiLineString
			for _, seg := range tr.Segments {
				ls := make(orb.LineString, 0, len(seg.Points))
				for _, p := range seg.Points {
					ls = append(ls, orb.Point{p.Longitude, p.Latitude})
				}
				ml = append(ml, ls)
			}
			features = append(features, &domain.Feature{
				Geometry:   ml,
				Properties: map[string]any{"name": tr.Name, "desc": tr.Description},
			})
		}
	default:
		return nil, fmt.Errorf("gpx layer %d: %w", index, domain.ErrLayerNotFound)
	}
	return &sliceReader{features: features}, nil
}

// sliceReader adapts an in-memory feature slice to the streaming
// contract.
type sliceReader struct {
	features []*domain.Feature
	pos      int
}

func (sr *sliceReader) Next() (*domain.Feature, error) {
	if sr.pos >= len(sr.features) {
		return nil, io.EOF
	}
	f := sr.features[sr.pos]
	sr.pos++
	return f, nil
}

func (sr *sliceReader) Close() error { return nil }
