package trail

import (
	"encoding/json"
	"time"

	"github.com/paulmach/orb"

	"github.com/dpup/trailblog/server/internal/lib/geo"
)

// Draft carries the fields of a trail that does not exist yet
type Draft struct {
	// Optional id reserved ahead of creation, e.g. so images can be uploaded
	// under the final id. Left empty the store generates one.
	ID string `json:"id,omitempty"`

	Name        string     `json:"name"`
	Park        string     `json:"park,omitempty"`
	Length      *float64   `json:"length,omitempty"` // nil computes from Coordinates
	Difficulty  Difficulty `json:"difficulty,omitempty"`
	Status      Status     `json:"status,omitempty"` // empty derives from DateHiked
	DateHiked   *Date      `json:"dateHiked,omitempty"`
	Description string     `json:"description,omitempty"`
	Images      []string   `json:"images,omitempty"`

	Coordinates    orb.LineString  `json:"coordinates,omitempty"`
	SourceGeometry json.RawMessage `json:"sourceGeometry,omitempty"`
}

// build turns the draft into a trail with defaults applied
func (d Draft) build(id string, now time.Time) Trail {
	t := Trail{
		ID:             id,
		Name:           d.Name,
		Park:           d.Park,
		Difficulty:     d.Difficulty,
		Status:         d.Status,
		Description:    d.Description,
		Images:         append([]string{}, d.Images...),
		Coordinates:    append(orb.LineString{}, d.Coordinates...),
		SourceGeometry: d.SourceGeometry,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if d.DateHiked != nil {
		date := *d.DateHiked
		t.DateHiked = &date
	}
	if t.Difficulty == "" {
		t.Difficulty = Moderate
	}
	if t.Status == "" {
		t.Status = statusFor(t.DateHiked)
	}
	if d.Length != nil {
		t.Length = *d.Length
	} else {
		t.Length = geo.PathLength(t.Coordinates)
	}

	return t
}

// Patch describes an edit. Nil fields are left unchanged.
type Patch struct {
	Name        *string     `json:"name,omitempty"`
	Park        *string     `json:"park,omitempty"`
	Length      *float64    `json:"length,omitempty"`
	Difficulty  *Difficulty `json:"difficulty,omitempty"`
	Status      *Status     `json:"status,omitempty"`
	DateHiked   *Date       `json:"dateHiked,omitempty"`
	Description *string     `json:"description,omitempty"`

	// Clear the hike date; takes precedence over DateHiked
	ClearDateHiked bool `json:"clearDateHiked,omitempty"`

	// Replace the image list
	Images *[]string `json:"images,omitempty"`
	// Append to the image list after any replacement
	AppendImages []string `json:"appendImages,omitempty"`

	// Replace the geometry. Without it coordinates are preserved.
	Geometry *GeometryPatch `json:"geometry,omitempty"`
}

// GeometryPatch replaces a trail's path
type GeometryPatch struct {
	Coordinates    orb.LineString  `json:"coordinates"`
	SourceGeometry json.RawMessage `json:"sourceGeometry,omitempty"`
}

// apply returns a copy of t with the patch merged in
func (p Patch) apply(t Trail, now time.Time) Trail {
	out := t.Clone()

	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Park != nil {
		out.Park = *p.Park
	}
	if p.Difficulty != nil {
		out.Difficulty = *p.Difficulty
	}
	if p.Description != nil {
		out.Description = *p.Description
	}

	dateChanged := false
	switch {
	case p.ClearDateHiked:
		out.DateHiked = nil
		dateChanged = true
	case p.DateHiked != nil:
		date := *p.DateHiked
		out.DateHiked = &date
		dateChanged = true
	}

	if p.Status != nil {
		out.Status = *p.Status
	} else if dateChanged {
		out.Status = statusFor(out.DateHiked)
	}

	if p.Images != nil {
		out.Images = append([]string{}, (*p.Images)...)
	}
	out.Images = append(out.Images, p.AppendImages...)

	if p.Geometry != nil {
		out.Coordinates = append(orb.LineString{}, p.Geometry.Coordinates...)
		out.SourceGeometry = p.Geometry.SourceGeometry
		if p.Length == nil {
			out.Length = geo.PathLength(out.Coordinates)
		}
	}
	if p.Length != nil {
		out.Length = *p.Length
	}

	out.ID = t.ID
	out.CreatedAt = t.CreatedAt
	out.UpdatedAt = now
	return out
}

// statusFor derives a status from the presence of a hike date
func statusFor(date *Date) Status {
	if date != nil {
		return Hiked
	}
	return Unhiked
}
