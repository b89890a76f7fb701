// Package render turns trails into map features and hands them to whatever
// draws the map.
package render

import (
	"context"
	"errors"
	"sync"

	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"github.com/dpup/trailblog/server/internal/lib/geo"
	"github.com/dpup/trailblog/server/internal/lib/trail"
)

const (
	HikedColor   = "#28a745"
	UnhikedColor = "#ffc107"
	LineWeight   = 4
	LineOpacity  = 0.8
)

// Style is the line styling for a trail layer
type Style struct {
	Color   string  `json:"color"`
	Weight  int     `json:"weight"`
	Opacity float64 `json:"opacity"`
}

// StyleFor picks the line style for a trail status
func StyleFor(status trail.Status) Style {
	color := UnhikedColor
	if status == trail.Hiked {
		color = HikedColor
	}
	return Style{Color: color, Weight: LineWeight, Opacity: LineOpacity}
}

// Feature is one trail as the map sees it
type Feature struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Status     trail.Status     `json:"status"`
	Difficulty trail.Difficulty `json:"difficulty"`
	Length     float64          `json:"length"`
	Polyline   string           `json:"polyline,omitempty"`
	Path       orb.LineString   `json:"path"`
	Bound      *orb.Bound       `json:"bound,omitempty"`
	Style      Style            `json:"style"`
}

// FeatureFor converts a trail into a map feature
func FeatureFor(t trail.Trail, geoUtils geo.GeoUtils) Feature {
	f := Feature{
		ID:         t.ID,
		Name:       t.Name,
		Status:     t.Status,
		Difficulty: t.Difficulty,
		Length:     t.Length,
		Path:       append(orb.LineString{}, t.Coordinates...),
		Style:      StyleFor(t.Status),
	}
	f.Polyline = geoUtils.EncodePolyline(t.Coordinates)
	if bound, ok := geoUtils.Bounds(t.Coordinates); ok {
		f.Bound = &bound
	}
	return f
}

// Features converts a collection. Trails without coordinates have nothing to
// draw and are skipped.
func Features(trails []trail.Trail, geoUtils geo.GeoUtils) []Feature {
	out := make([]Feature, 0, len(trails))
	for _, t := range trails {
		if len(t.Coordinates) == 0 {
			continue
		}
		out = append(out, FeatureFor(t, geoUtils))
	}
	return out
}

// Renderer is the map collaborator. Draw replaces the whole trail layer.
type Renderer interface {
	Draw(ctx context.Context, features []Feature) error
	Highlight(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// Recorder keeps the most recently drawn layer in memory so it can be served
// to clients
type Recorder struct {
	mu          sync.RWMutex
	features    []Feature
	highlighted string
	draws       int
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{features: []Feature{}}
}

func (r *Recorder) Draw(ctx context.Context, features []Feature) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.features = append([]Feature{}, features...)
	r.draws++
	if r.highlighted != "" && r.indexOf(r.highlighted) < 0 {
		r.highlighted = ""
	}
	return nil
}

func (r *Recorder) Highlight(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(id) < 0 {
		return trail.ErrNotFound
	}
	r.highlighted = id
	return nil
}

func (r *Recorder) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return nil
	}
	r.features = append(r.features[:i:i], r.features[i+1:]...)
	if r.highlighted == id {
		r.highlighted = ""
	}
	return nil
}

// Snapshot returns the current layer and highlighted id
func (r *Recorder) Snapshot() ([]Feature, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Feature{}, r.features...), r.highlighted
}

// Draws reports how many times the layer has been redrawn
func (r *Recorder) Draws() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.draws
}

func (r *Recorder) indexOf(id string) int {
	for i, f := range r.features {
		if f.ID == id {
			return i
		}
	}
	return -1
}

// Multi fans every call out to each renderer. All renderers are called even
// if one fails; the errors are joined. Draws run concurrently.
type Multi []Renderer

func (m Multi) Draw(ctx context.Context, features []Feature) error {
	errs := make([]error, len(m))
	var g errgroup.Group
	for i, r := range m {
		g.Go(func() error {
			errs[i] = r.Draw(ctx, features)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (m Multi) Highlight(ctx context.Context, id string) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Highlight(ctx, id))
	}
	return errors.Join(errs...)
}

func (m Multi) Remove(ctx context.Context, id string) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Remove(ctx, id))
	}
	return errors.Join(errs...)
}
