package trail

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// Difficulty is the closed set of trail difficulty ratings
type Difficulty string

const (
	Easy      Difficulty = "easy"
	Moderate  Difficulty = "moderate"
	Difficult Difficulty = "difficult"
)

// Difficulties lists every rating in display order
var Difficulties = []Difficulty{Easy, Moderate, Difficult}

// Valid reports whether d is a known rating
func (d Difficulty) Valid() bool {
	switch d {
	case Easy, Moderate, Difficult:
		return true
	}
	return false
}

// ParseDifficulty accepts any casing and surrounding whitespace
func ParseDifficulty(s string) (Difficulty, error) {
	d := Difficulty(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("%w: difficulty %q", ErrInvalidTrail, s)
	}
	return d, nil
}

// Status records whether a trail has been hiked
type Status string

const (
	Hiked   Status = "hiked"
	Unhiked Status = "unhiked"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	return s == Hiked || s == Unhiked
}

// ParseStatus accepts any casing and surrounding whitespace
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: status %q", ErrInvalidTrail, s)
	}
	return st, nil
}

// Filter selects trails for listing
type Filter string

const (
	FilterAll     Filter = "all"
	FilterHiked   Filter = "hiked"
	FilterUnhiked Filter = "unhiked"
)

// ParseFilter maps the empty string to FilterAll
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterHiked, FilterUnhiked:
		return f, nil
	default:
		return "", fmt.Errorf("%w: filter %q", ErrInvalidTrail, s)
	}
}

// Match reports whether t passes the filter
func (f Filter) Match(t Trail) bool {
	switch f {
	case FilterHiked:
		return t.Status == Hiked
	case FilterUnhiked:
		return t.Status == Unhiked
	default:
		return true
	}
}

const dateLayout = "2006-01-02"

// Date is a calendar day encoded as YYYY-MM-DD
type Date struct {
	time.Time
}

// NewDate truncates t to its calendar day in UTC
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses YYYY-MM-DD. Full RFC 3339 timestamps are accepted and
// truncated to their date.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		return Date{t}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return NewDate(t.Year(), t.Month(), t.Day()), nil
	}
	return Date{}, fmt.Errorf("%w: date %q", ErrInvalidTrail, s)
}

// String formats the date as YYYY-MM-DD
func (d Date) String() string {
	return d.Format(dateLayout)
}

// MarshalJSON encodes the date as a YYYY-MM-DD string
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes a YYYY-MM-DD string
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Trail is a single hiking trail record. ID is the only identity key.
type Trail struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Park        string     `json:"park,omitempty"`
	Length      float64    `json:"length"`
	Difficulty  Difficulty `json:"difficulty"`
	Status      Status     `json:"status"`
	DateHiked   *Date      `json:"dateHiked"`
	Description string     `json:"description"`
	Images      []string   `json:"images"`

	// Ordered [lon, lat] positions; empty for trails created without geometry
	Coordinates orb.LineString `json:"coordinates"`

	// Original geometry when it was richer than a LineString
	SourceGeometry json.RawMessage `json:"sourceGeometry,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy
func (t Trail) Clone() Trail {
	c := t
	if t.DateHiked != nil {
		d := *t.DateHiked
		c.DateHiked = &d
	}
	c.Images = append([]string{}, t.Images...)
	c.Coordinates = append(orb.LineString{}, t.Coordinates...)
	if t.SourceGeometry != nil {
		c.SourceGeometry = append(json.RawMessage(nil), t.SourceGeometry...)
	}
	return c
}

// normalize fills nil slices so records always encode as arrays
func (t *Trail) normalize() {
	if t.Images == nil {
		t.Images = []string{}
	}
	if t.Coordinates == nil {
		t.Coordinates = orb.LineString{}
	}
}

// validate checks the invariants every stored trail must satisfy
func (t Trail) validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTrail)
	}
	if math.IsNaN(t.Length) || math.IsInf(t.Length, 0) {
		return fmt.Errorf("%w: length is not a finite number, check the coordinates", ErrInvalidTrail)
	}
	if t.Length < 0 {
		return fmt.Errorf("%w: length must not be negative", ErrInvalidTrail)
	}
	if !t.Difficulty.Valid() {
		return fmt.Errorf("%w: difficulty %q", ErrInvalidTrail, t.Difficulty)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidTrail, t.Status)
	}
	return nil
}
