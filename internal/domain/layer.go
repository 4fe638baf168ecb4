// Package domain contains the core types of the import engine.
package domain

import (
	"github.com/paulmach/orb"
)

// LayerType classifies what kind of data a layer holds.
type LayerType string

// Layer type constants.
const (
	LayerTypeVector LayerType = "vector"
	LayerTypeRaster LayerType = "raster"
	LayerTypeTile   LayerType = "tile"
)

// GeometryType identifies the geometry family of a vector layer.
type GeometryType string

// Geometry type constants. Raster and tile layers report GeomNone.
const (
	GeomUnknown            GeometryType = "Unknown"
	GeomPoint              GeometryType = "Point"
	GeomLineString         GeometryType = "LineString"
	GeomPolygon            GeometryType = "Polygon"
	GeomMultiPoint         GeometryType = "MultiPoint"
	GeomMultiLineString    GeometryType = "MultiLineString"
	GeomMultiPolygon       GeometryType = "MultiPolygon"
	GeomGeometryCollection GeometryType = "GeometryCollection"
	GeomNone               GeometryType = "None"
)

// IsMulti reports whether the type is a multi-part variant.
func (g GeometryType) IsMulti() bool {
	switch g {
	case GeomMultiPoint, GeomMultiLineString, GeomMultiPolygon:
		return true
	}
	return false
}

// Multi returns the multi-part variant of a geometry type. Multi-part
// types map to themselves; types without a multi variant are unchanged.
func (g GeometryType) Multi() GeometryType {
	switch g {
	case GeomPoint:
		return GeomMultiPoint
	case GeomLineString:
		return GeomMultiLineString
	case GeomPolygon:
		return GeomMultiPolygon
	}
	return g
}

// Single returns the single-part variant of a geometry type.
func (g GeometryType) Single() GeometryType {
	switch g {
	case GeomMultiPoint:
		return GeomPoint
	case GeomMultiLineString:
		return GeomLineString
	case GeomMultiPolygon:
		return GeomPolygon
	}
	return g
}

// SameFamily reports whether two geometry types differ only in their
// single/multi-part form, e.g. LineString and MultiLineString.
func (g GeometryType) SameFamily(other GeometryType) bool {
	return g.Single() == other.Single()
}

// GeometryTypeOf maps an orb geometry to its GeometryType.
func GeometryTypeOf(g orb.Geometry) GeometryType {
	switch g.(type) {
	case orb.Point:
		return GeomPoint
	case orb.LineString:
		return GeomLineString
	case orb.Polygon:
		return GeomPolygon
	case orb.MultiPoint:
		return GeomMultiPoint
	case orb.MultiLineString:
		return GeomMultiLineString
	case orb.MultiPolygon:
		return GeomMultiPolygon
	case orb.Collection:
		return GeomGeometryCollection
	case nil:
		return GeomNone
	}
	return GeomUnknown
}

// ForceMulti promotes a single-part geometry to its multi-part variant.
// Multi-part geometries are returned unchanged.
func ForceMulti(g orb.Geometry) orb.Geometry {
	switch geom := g.(type) {
	case orb.Point:
		return orb.MultiPoint{geom}
	case orb.LineString:
		return orb.MultiLineString{geom}
	case orb.Polygon:
		return orb.MultiPolygon{geom}
	}
	return g
}

// FieldType is the normalized attribute type reported by inspectors.
type FieldType string

// Field type constants.
const (
	FieldString    FieldType = "String"
	FieldInteger   FieldType = "Integer"
	FieldInteger64 FieldType = "Integer64"
	FieldReal      FieldType = "Real"
	FieldDate      FieldType = "Date"
	FieldDateTime  FieldType = "DateTime"
	FieldBinary    FieldType = "Binary"
)

// FieldDef is one attribute column of a vector layer.
type FieldDef struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// SourceDescription describes one layer discoverable in a raw source.
// Index values are unique and stable within one inspection pass;
// re-inspecting a byte-identical source reproduces the same descriptions.
type SourceDescription struct {
	// Index is the 0-based position of the layer within the source.
	// Raster and tile entries continue the same sequence as vector
	// layers so a mixed-content container is addressable uniformly.
	Index int `json:"index"`

	// LayerName is the name as reported by the driver. It may be
	// renamed before import.
	LayerName string `json:"layer_name"`

	// InternalLayerName is the original driver-reported name, kept
	// immutable so a layer can be re-identified across re-opens.
	InternalLayerName string `json:"internal_layer_name"`

	Fields       []FieldDef   `json:"fields,omitempty"`
	GeometryType GeometryType `json:"geom_type,omitempty"`
	FeatureCount int64        `json:"feature_count,omitempty"`
	LayerType    LayerType    `json:"layer_type"`

	// Driver is the short name of the format driver, e.g. "GPKG" or
	// "ESRI Shapefile".
	Driver string `json:"driver"`

	// SRS is the authority:code spatial reference of the layer, empty
	// when the source declares none.
	SRS string `json:"srs,omitempty"`

	// Path distinguishes sub-datasets within one container file for
	// raster and tile entries.
	Path string `json:"path,omitempty"`

	// Raster mirrors LayerType for callers that only care about the
	// vector/raster split.
	Raster bool `json:"raster"`
}

// Feature is one record of a vector layer: a geometry plus attribute
// values aligned with the layer's field order.
type Feature struct {
	// FID is the source feature identifier. Valid only when HasFID is
	// set; sources without a stable identity column leave it unset.
	FID    int64
	HasFID bool

	Geometry   orb.Geometry
	Properties map[string]any
}

// StringProperty returns a property as a string when it is one.
func (f *Feature) StringProperty(key string) (string, bool) {
	v, ok := f.Properties[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ImportedLayer is one result entry of an import run: the identifier of
// the created target (table name, raster output path or tile container)
// plus the enriched configuration that produced it.
type ImportedLayer struct {
	Target string              `json:"target"`
	Config *LayerConfiguration `json:"config,omitempty"`
}
