package geo

import "github.com/paulmach/orb"

// EarthRadiusMiles is the mean earth radius used for every trail length.
const EarthRadiusMiles = 3959.0

// Path is an ordered sequence of [longitude, latitude] positions in degrees.
type Path = orb.LineString

// GeoUtils interface defines geographic calculation utilities for trail paths
type GeoUtils interface {
	// Great-circle distance between two [lon, lat] points in miles
	PointToPoint(p1, p2 orb.Point) float64

	// Sum of consecutive segment distances, rounded half-up to 0.1 mile
	PathLength(path Path) float64

	// Sum of consecutive segment distances without rounding
	RawPathLength(path Path) float64

	// Bounding box of a path; false when the path is empty
	Bounds(path Path) (orb.Bound, bool)

	// Encode a path as a Google polyline string (precision 5)
	EncodePolyline(path Path) string

	// Decode a Google polyline string back to a [lon, lat] path
	DecodePolyline(encoded string) (Path, error)

	// Calculate distance between coordinate pairs (convenience method)
	DistanceFromCoords(lat1, lon1, lat2, lon2 float64) float64
}

// NewGeoUtils is implemented in geo.go
