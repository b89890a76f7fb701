package trail

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/dpup/trailblog/server/internal/lib/geo"
	"github.com/dpup/trailblog/server/internal/lib/geometry"
)

// ParseGeoJSON decodes a Feature or FeatureCollection and returns the feature
// to import. For collections the first feature is used.
func ParseGeoJSON(data []byte) (*geojson.Feature, error) {
	var peek struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImportPayload, err)
	}

	var raw json.RawMessage
	switch peek.Type {
	case "Feature":
		raw = data
	case "FeatureCollection":
		if len(peek.Features) == 0 {
			return nil, fmt.Errorf("%w: feature collection has no features", ErrMalformedImportPayload)
		}
		raw = peek.Features[0]
	case "Point", "MultiPoint", "GeometryCollection":
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedGeometryKind, peek.Type)
	default:
		if !geometry.Kind(peek.Type).Supported() {
			return nil, fmt.Errorf("%w: expected Feature or FeatureCollection, got %q", ErrMalformedImportPayload, peek.Type)
		}
		// A bare geometry is imported as a feature without properties
		raw = json.RawMessage(`{"type":"Feature","properties":{},"geometry":` + string(data) + `}`)
	}

	// Reject unknown geometry types before orb refuses to decode them
	if err := checkGeometryKind(raw); err != nil {
		return nil, err
	}

	f, err := geojson.UnmarshalFeature(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImportPayload, err)
	}
	return f, nil
}

func checkGeometryKind(feature json.RawMessage) error {
	var peek struct {
		Geometry *struct {
			Type geometry.Kind `json:"type"`
		} `json:"geometry"`
	}
	if err := json.Unmarshal(feature, &peek); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedImportPayload, err)
	}
	if peek.Geometry == nil {
		return fmt.Errorf("%w: feature has no geometry", ErrUnsupportedGeometryKind)
	}
	if !peek.Geometry.Type.Supported() {
		return fmt.Errorf("%w: %q", ErrUnsupportedGeometryKind, peek.Geometry.Type)
	}
	return nil
}

// DraftFromFeature builds a draft from a GeoJSON feature. name overrides any
// name found in the properties. Length is always computed from the path.
func DraftFromFeature(f *geojson.Feature, name string) (Draft, error) {
	path, err := geometry.FromFeature(f)
	if err != nil {
		return Draft{}, err
	}
	source, err := geometry.Marshal(f.Geometry)
	if err != nil {
		return Draft{}, fmt.Errorf("encode source geometry: %w", err)
	}

	props := properties(f.Properties)
	if strings.TrimSpace(name) == "" {
		name = props.str("name", "trailName", "trail_name", "title")
	}
	if strings.TrimSpace(name) == "" {
		return Draft{}, fmt.Errorf("%w: name is required", ErrInvalidTrail)
	}

	length := geo.PathLength(path)
	d := Draft{
		Name:           strings.TrimSpace(name),
		Park:           props.str("park"),
		Length:         &length,
		Description:    props.str("description", "blog_post"),
		Images:         props.stringList("images"),
		Coordinates:    path,
		SourceGeometry: source,
	}
	d.Difficulty, d.Status, d.DateHiked = props.classification()
	return d, nil
}

// ImportGeoJSON parses raw GeoJSON and returns a draft ready for Store.Create
func ImportGeoJSON(data []byte, name string) (Draft, error) {
	f, err := ParseGeoJSON(data)
	if err != nil {
		return Draft{}, err
	}
	return DraftFromFeature(f, name)
}

// properties reads GeoJSON properties with key fallbacks: the key as given,
// its upper-case form, then any case-insensitive match.
type properties geojson.Properties

func (p properties) lookup(keys ...string) (interface{}, bool) {
	for _, key := range keys {
		if v, ok := p[key]; ok && v != nil {
			return v, true
		}
		if v, ok := p[strings.ToUpper(key)]; ok && v != nil {
			return v, true
		}
		for k, v := range p {
			if v != nil && strings.EqualFold(k, key) {
				return v, true
			}
		}
	}
	return nil, false
}

func (p properties) str(keys ...string) string {
	v, ok := p.lookup(keys...)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(s)
	}
}

func (p properties) float(keys ...string) (float64, bool) {
	v, ok := p.lookup(keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func (p properties) stringList(keys ...string) []string {
	v, ok := p.lookup(keys...)
	if !ok {
		return []string{}
	}
	out := []string{}
	switch list := v.(type) {
	case []interface{}:
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, list...)
	case string:
		if list != "" {
			out = append(out, list)
		}
	}
	return out
}

func (p properties) timestamp(keys ...string) time.Time {
	s := p.str(keys...)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// classification reads difficulty, status and hike date. Unknown values fall
// back to moderate and unhiked; an unparseable date is dropped.
func (p properties) classification() (Difficulty, Status, *Date) {
	difficulty, err := ParseDifficulty(p.str("difficulty"))
	if err != nil {
		difficulty = Moderate
	}

	var date *Date
	if s := p.str("date_hiked", "dateHiked"); s != "" {
		if d, err := ParseDate(s); err == nil {
			date = &d
		}
	}

	status, err := ParseStatus(p.str("status"))
	if err != nil {
		status = Unhiked
	}
	return difficulty, status, date
}

// trailFromFeature reads a stored mirror or shared dataset feature back into
// a trail, keeping ids and timestamps when present
func trailFromFeature(f *geojson.Feature) (Trail, error) {
	props := properties(f.Properties)

	var path geo.Path
	var source json.RawMessage
	if f.Geometry != nil {
		var err error
		if path, err = geometry.FromFeature(f); err != nil && !errors.Is(err, ErrNoCoordinatesExtracted) {
			return Trail{}, err
		}
		if source, err = geometry.Marshal(f.Geometry); err != nil {
			return Trail{}, fmt.Errorf("encode source geometry: %w", err)
		}
	}

	t := Trail{
		ID:             props.str("trail_id", "id"),
		Name:           props.str("name", "trailName", "trail_name", "title"),
		Park:           props.str("park"),
		Description:    props.str("blog_post", "description"),
		Images:         props.stringList("images"),
		Coordinates:    path,
		SourceGeometry: source,
		CreatedAt:      props.timestamp("created_at", "createdAt"),
		UpdatedAt:      props.timestamp("updated_at", "updatedAt"),
	}
	if t.ID == "" && f.ID != nil {
		t.ID = fmt.Sprint(f.ID)
	}
	t.Difficulty, t.Status, t.DateHiked = props.classification()
	if length, ok := props.float("length"); ok {
		t.Length = length
	} else {
		t.Length = geo.PathLength(path)
	}
	return t, nil
}
