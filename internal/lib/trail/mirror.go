package trail

import (
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/dpup/trailblog/server/internal/lib/geometry"
)

// ToFeatureCollection builds the GeoJSON mirror of a collection. Each
// feature's geometry is the trail's source geometry when present, otherwise a
// LineString of its coordinates; trails without coordinates have a null geometry.
func ToFeatureCollection(trails []Trail) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, t := range trails {
		fc.Append(ToFeature(t))
	}
	return fc
}

// ToFeature converts a single trail into a mirror feature
func ToFeature(t Trail) *geojson.Feature {
	var g orb.Geometry
	if source, err := geometry.Unmarshal(t.SourceGeometry); err == nil && source != nil {
		g = source
	} else if len(t.Coordinates) > 0 {
		g = append(orb.LineString{}, t.Coordinates...)
	}

	f := geojson.NewFeature(g)
	f.ID = t.ID

	var dateHiked interface{}
	if t.DateHiked != nil {
		dateHiked = t.DateHiked.String()
	}
	images := make([]interface{}, len(t.Images))
	for i, img := range t.Images {
		images[i] = img
	}

	f.Properties["trail_id"] = t.ID
	f.Properties["name"] = t.Name
	f.Properties["park"] = t.Park
	f.Properties["length"] = t.Length
	f.Properties["difficulty"] = string(t.Difficulty)
	f.Properties["status"] = string(t.Status)
	f.Properties["date_hiked"] = dateHiked
	f.Properties["blog_post"] = t.Description
	f.Properties["images"] = images
	f.Properties["created_at"] = formatTime(t.CreatedAt)
	f.Properties["updated_at"] = formatTime(t.UpdatedAt)
	return f
}

// FromFeatureCollection reads trails back out of a mirror or shared dataset.
// Features whose geometry cannot be flattened are skipped and reported.
func FromFeatureCollection(fc *geojson.FeatureCollection) ([]Trail, []error) {
	trails := make([]Trail, 0, len(fc.Features))
	var skipped []error

	for i, f := range fc.Features {
		if f == nil {
			continue
		}
		t, err := trailFromFeature(f)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("feature %d: %w", i, err))
			continue
		}
		if t.Name == "" {
			skipped = append(skipped, fmt.Errorf("feature %d: %w: name is required", i, ErrInvalidTrail))
			continue
		}
		trails = append(trails, t)
	}
	return trails, skipped
}

// DecodeFeatureCollection parses mirror JSON. Unlike FromFeatureCollection it
// fails if any feature is unusable.
func DecodeFeatureCollection(data []byte) ([]Trail, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImportPayload, err)
	}
	trails, skipped := FromFeatureCollection(fc)
	if len(skipped) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrMalformedImportPayload, errors.Join(skipped...))
	}
	return trails, nil
}

func formatTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
