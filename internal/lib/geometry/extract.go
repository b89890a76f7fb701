// Package geometry flattens GeoJSON geometries into the single ordered path
// used for trail display and length calculation.
package geometry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var (
	// ErrUnsupportedGeometryKind is returned for geometry types other than
	// LineString, Polygon, MultiLineString and MultiPolygon, and for missing geometry.
	ErrUnsupportedGeometryKind = errors.New("unsupported geometry kind")

	// ErrNoCoordinatesExtracted is returned when a supported geometry yields no positions.
	ErrNoCoordinatesExtracted = errors.New("no coordinates extracted")
)

// Kind is a GeoJSON geometry type name
type Kind string

const (
	KindLineString      Kind = "LineString"
	KindPolygon         Kind = "Polygon"
	KindMultiLineString Kind = "MultiLineString"
	KindMultiPolygon    Kind = "MultiPolygon"
)

// Supported reports whether a geometry type can be flattened into a path
func (k Kind) Supported() bool {
	switch k {
	case KindLineString, KindPolygon, KindMultiLineString, KindMultiPolygon:
		return true
	}
	return false
}

// Extract flattens a geometry into an ordered path:
//   - LineString: unchanged
//   - Polygon: the first (outer) ring
//   - MultiLineString: every line concatenated in order
//   - MultiPolygon: the outer ring of the first polygon
//
// The returned path is a fresh slice; the input is never modified.
func Extract(g orb.Geometry) (orb.LineString, error) {
	var path orb.LineString

	switch v := g.(type) {
	case nil:
		return orb.LineString{}, fmt.Errorf("%w: geometry is missing", ErrUnsupportedGeometryKind)
	case orb.LineString:
		path = v
	case orb.Polygon:
		if len(v) > 0 {
			path = orb.LineString(v[0])
		}
	case orb.MultiLineString:
		for _, line := range v {
			path = append(path, line...)
		}
	case orb.MultiPolygon:
		if len(v) > 0 && len(v[0]) > 0 {
			path = orb.LineString(v[0][0])
		}
	default:
		return orb.LineString{}, fmt.Errorf("%w: %s", ErrUnsupportedGeometryKind, g.GeoJSONType())
	}

	if len(path) == 0 {
		return orb.LineString{}, fmt.Errorf("%w: %s", ErrNoCoordinatesExtracted, g.GeoJSONType())
	}

	return path.Clone(), nil
}

// ExtractJSON decodes a raw GeoJSON geometry object and flattens it. The
// type member is inspected first so that unknown types report
// ErrUnsupportedGeometryKind rather than a decode failure.
func ExtractJSON(data []byte) (orb.LineString, orb.Geometry, error) {
	var peek struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return orb.LineString{}, nil, fmt.Errorf("decode geometry: %w", err)
	}
	if !peek.Type.Supported() {
		return orb.LineString{}, nil, fmt.Errorf("%w: %q", ErrUnsupportedGeometryKind, peek.Type)
	}

	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return orb.LineString{}, nil, fmt.Errorf("decode geometry: %w", err)
	}

	path, err := Extract(g.Geometry())
	return path, g.Geometry(), err
}

// FromFeature flattens the geometry of a GeoJSON feature
func FromFeature(f *geojson.Feature) (orb.LineString, error) {
	if f == nil {
		return orb.LineString{}, fmt.Errorf("%w: feature is missing", ErrUnsupportedGeometryKind)
	}
	return Extract(f.Geometry)
}

// Marshal encodes a geometry as compact GeoJSON so it can be kept alongside a
// trail. LineStrings return nil since the flattened path already equals them.
func Marshal(g orb.Geometry) (json.RawMessage, error) {
	if g == nil {
		return nil, nil
	}
	if _, ok := g.(orb.LineString); ok {
		return nil, nil
	}
	return geojson.NewGeometry(g).MarshalJSON()
}

// Unmarshal decodes a geometry previously produced by Marshal
func Unmarshal(raw json.RawMessage) (orb.Geometry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, err
	}
	return g.Geometry(), nil
}
