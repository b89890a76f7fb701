package render

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/trailblog/server/internal/lib/geo"
	"github.com/dpup/trailblog/server/internal/lib/trail"
)

func sampleTrails() []trail.Trail {
	return []trail.Trail{
		{ID: "a", Name: "Alpha", Status: trail.Hiked, Difficulty: trail.Easy, Length: 1.1,
			Coordinates: orb.LineString{{-83.6167, 37.8333}, {-83.6, 37.825}}},
		{ID: "b", Name: "Beta", Status: trail.Unhiked, Difficulty: trail.Moderate,
			Coordinates: orb.LineString{}},
		{ID: "c", Name: "Gamma", Status: trail.Unhiked, Difficulty: trail.Difficult, Length: 2,
			Coordinates: orb.LineString{{0, 0}, {0, 0.01}}},
	}
}

func TestStyleFor(t *testing.T) {
	assert.Equal(t, Style{Color: "#28a745", Weight: 4, Opacity: 0.8}, StyleFor(trail.Hiked))
	assert.Equal(t, Style{Color: "#ffc107", Weight: 4, Opacity: 0.8}, StyleFor(trail.Unhiked))
}

func TestFeatures(t *testing.T) {
	features := Features(sampleTrails(), geo.NewGeoUtils())
	require.Len(t, features, 2, "Trails without coordinates are not drawn")

	a := features[0]
	assert.Equal(t, "a", a.ID)
	assert.Equal(t, HikedColor, a.Style.Color)
	assert.NotEmpty(t, a.Polyline)
	require.NotNil(t, a.Bound)
	assert.Equal(t, -83.6167, a.Bound.Left())

	decoded, err := geo.NewGeoUtils().DecodePolyline(a.Polyline)
	require.NoError(t, err)
	assert.Len(t, decoded, 2)
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder()
	features := Features(sampleTrails(), geo.NewGeoUtils())

	require.NoError(t, r.Draw(ctx, features))
	assert.Equal(t, 1, r.Draws())

	assert.ErrorIs(t, r.Highlight(ctx, "missing"), trail.ErrNotFound)
	require.NoError(t, r.Highlight(ctx, "c"))

	layer, highlighted := r.Snapshot()
	assert.Len(t, layer, 2)
	assert.Equal(t, "c", highlighted)

	require.NoError(t, r.Remove(ctx, "c"))
	layer, highlighted = r.Snapshot()
	assert.Len(t, layer, 1)
	assert.Empty(t, highlighted, "Removing the highlighted trail clears the highlight")

	require.NoError(t, r.Remove(ctx, "c"), "Removing twice is a no-op")

	// Redraw drops a stale highlight
	require.NoError(t, r.Highlight(ctx, "a"))
	require.NoError(t, r.Draw(ctx, nil))
	_, highlighted = r.Snapshot()
	assert.Empty(t, highlighted)
}

type publishedMsg struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []publishedMsg
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, publishedMsg{subject: subject, data: data})
	return nil
}

func TestNATSPublisher(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	p := NewNATSPublisher(pub, "trails.map")
	p.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }

	features := Features(sampleTrails(), geo.NewGeoUtils())
	require.NoError(t, p.Draw(ctx, features))
	require.NoError(t, p.Highlight(ctx, "a"))
	require.NoError(t, p.Remove(ctx, "a"))

	require.Len(t, pub.msgs, 3)
	assert.Equal(t, "trails.map.draw", pub.msgs[0].subject)
	assert.Equal(t, "trails.map.highlight", pub.msgs[1].subject)
	assert.Equal(t, "trails.map.remove", pub.msgs[2].subject)

	var ev Event
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &ev))
	assert.Equal(t, "draw", ev.Action)
	assert.Len(t, ev.Features, 2)

	require.NoError(t, json.Unmarshal(pub.msgs[1].data, &ev))
	assert.Equal(t, "a", ev.ID)

	assert.NoError(t, p.Close(), "Close without an owned connection is a no-op")
}

func TestNATSPublisher_Error(t *testing.T) {
	p := NewNATSPublisher(&fakePublisher{err: errors.New("nats: connection closed")}, "trails.map")
	err := p.Remove(context.Background(), "a")
	assert.ErrorContains(t, err, "trails.map.remove")
}

func TestMulti(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder()
	failing := NewNATSPublisher(&fakePublisher{err: errors.New("down")}, "x")
	m := Multi{failing, rec}

	err := m.Draw(ctx, Features(sampleTrails(), geo.NewGeoUtils()))
	assert.Error(t, err)
	assert.Equal(t, 1, rec.Draws(), "Later renderers still run")

	assert.NoError(t, Multi{rec}.Remove(ctx, "a"))
}
