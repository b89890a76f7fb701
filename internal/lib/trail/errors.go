package trail

import (
	"errors"

	"github.com/dpup/trailblog/server/internal/lib/geometry"
)

var (
	// ErrNotFound is returned when no trail has the requested id
	ErrNotFound = errors.New("trail not found")

	// ErrInvalidTrail is returned for empty names, negative lengths and
	// values outside the difficulty and status enums
	ErrInvalidTrail = errors.New("invalid trail")

	// ErrDuplicateName is returned only when the store enforces unique names
	ErrDuplicateName = errors.New("a trail with this name already exists")

	// ErrDuplicateID is returned when a draft carries an id already in use
	ErrDuplicateID = errors.New("trail id already in use")

	// ErrPersistenceCapacityExceeded is returned when the durable store stays
	// full after cleanup. The in-memory collection is left unchanged.
	ErrPersistenceCapacityExceeded = errors.New("trail storage is full; export a backup before continuing")

	// ErrMalformedImportPayload is returned for backup or GeoJSON input that
	// cannot be parsed
	ErrMalformedImportPayload = errors.New("malformed import payload")

	ErrUnsupportedGeometryKind = geometry.ErrUnsupportedGeometryKind
	ErrNoCoordinatesExtracted  = geometry.ErrNoCoordinatesExtracted
)
