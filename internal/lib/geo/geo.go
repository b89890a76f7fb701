package geo

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
	"github.com/twpayne/go-polyline"
)

// geoUtils implements the GeoUtils interface
type geoUtils struct{}

// NewGeoUtils creates a new GeoUtils implementation
func NewGeoUtils() GeoUtils {
	return &geoUtils{}
}

var defaultUtils = NewGeoUtils()

// PathLength computes the rounded length in miles of a path using the shared
// GeoUtils implementation.
func PathLength(path Path) float64 {
	return defaultUtils.PathLength(path)
}

// PointToPoint calculates great-circle distance between two points using Haversine formula.
// Coordinates are not validated; out-of-range input yields whatever the formula produces.
func (g *geoUtils) PointToPoint(p1, p2 orb.Point) float64 {
	if p1 == p2 {
		return 0
	}

	// Convert degrees to radians
	lat1 := p1.Lat() * math.Pi / 180
	lon1 := p1.Lon() * math.Pi / 180
	lat2 := p2.Lat() * math.Pi / 180
	lon2 := p2.Lon() * math.Pi / 180

	dlat := lat2 - lat1
	dlon := lon2 - lon1

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMiles * c
}

// RawPathLength sums the segment distances of a path. Paths with fewer than
// two points have length 0.
func (g *geoUtils) RawPathLength(path Path) float64 {
	if len(path) < 2 {
		return 0
	}

	total := 0.0
	for i := 0; i < len(path)-1; i++ {
		total += g.PointToPoint(path[i], path[i+1])
	}
	return total
}

// PathLength sums the segment distances of a path and rounds to one decimal
func (g *geoUtils) PathLength(path Path) float64 {
	return Round1(g.RawPathLength(path))
}

// Bounds returns the bounding box of a path
func (g *geoUtils) Bounds(path Path) (orb.Bound, bool) {
	if len(path) == 0 {
		return orb.Bound{}, false
	}
	return path.Bound(), true
}

// EncodePolyline encodes a path using the go-polyline library. The polyline
// format stores [lat, lng] pairs so coordinates are swapped on the way in.
func (g *geoUtils) EncodePolyline(path Path) string {
	if len(path) == 0 {
		return ""
	}

	coords := make([][]float64, len(path))
	for i, p := range path {
		coords[i] = []float64{p.Lat(), p.Lon()}
	}
	return string(polyline.EncodeCoords(coords))
}

// DecodePolyline decodes Google polyline string to a [lon, lat] path
func (g *geoUtils) DecodePolyline(encoded string) (Path, error) {
	if encoded == "" {
		return nil, errors.New("encoded polyline string is empty")
	}

	coords, _, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, errors.New("failed to decode polyline: " + err.Error())
	}

	path := make(Path, len(coords))
	for i, coord := range coords {
		path[i] = orb.Point{coord[1], coord[0]}
	}
	return path, nil
}

// DistanceFromCoords calculates distance between two coordinate pairs
// Convenience method for raw latitude/longitude values
func (g *geoUtils) DistanceFromCoords(lat1, lon1, lat2, lon2 float64) float64 {
	return g.PointToPoint(orb.Point{lon1, lat1}, orb.Point{lon2, lat2})
}

// Round1 rounds half-up to one decimal place, matching how lengths and mile
// totals are displayed.
func Round1(v float64) float64 {
	return math.Floor(v*10+0.5) / 10
}

// IsValidCoordinate reports whether a point lies within the WGS84 range.
// It is advisory only; lengths are computed for invalid points as well.
func IsValidCoordinate(p orb.Point) bool {
	return p.Lat() >= -90 && p.Lat() <= 90 &&
		p.Lon() >= -180 && p.Lon() <= 180
}

// ValidPath reports whether every point of a path is in range
func ValidPath(path Path) bool {
	for _, p := range path {
		if !IsValidCoordinate(p) {
			return false
		}
	}
	return true
}
