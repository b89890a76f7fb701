package geometry

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		geom orb.Geometry
		want orb.LineString
	}{
		{
			name: "line string unchanged",
			geom: orb.LineString{{0, 0}, {0, 1}, {0, 2}},
			want: orb.LineString{{0, 0}, {0, 1}, {0, 2}},
		},
		{
			name: "polygon uses outer ring",
			geom: orb.Polygon{
				{{0, 0}, {0, 1}, {1, 1}, {0, 0}},
				{{0.2, 0.2}, {0.2, 0.3}, {0.3, 0.3}, {0.2, 0.2}},
			},
			want: orb.LineString{{0, 0}, {0, 1}, {1, 1}, {0, 0}},
		},
		{
			name: "multi line string concatenates in order",
			geom: orb.MultiLineString{
				{{0, 0}, {0, 1}},
				{{5, 5}, {5, 6}},
			},
			want: orb.LineString{{0, 0}, {0, 1}, {5, 5}, {5, 6}},
		},
		{
			name: "multi polygon uses first outer ring",
			geom: orb.MultiPolygon{
				{{{1, 1}, {1, 2}, {2, 2}, {1, 1}}},
				{{{9, 9}, {9, 8}, {8, 8}, {9, 9}}},
			},
			want: orb.LineString{{1, 1}, {1, 2}, {2, 2}, {1, 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract(tt.geom)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtract_DoesNotAlias(t *testing.T) {
	line := orb.LineString{{0, 0}, {0, 1}}
	got, err := Extract(line)
	require.NoError(t, err)

	got[0] = orb.Point{42, 42}
	assert.Equal(t, orb.Point{0, 0}, line[0], "Input must not be modified through the result")
}

func TestExtract_Errors(t *testing.T) {
	t.Run("point is unsupported", func(t *testing.T) {
		got, err := Extract(orb.Point{1, 2})
		assert.ErrorIs(t, err, ErrUnsupportedGeometryKind)
		assert.Empty(t, got)
	})

	t.Run("missing geometry is unsupported", func(t *testing.T) {
		_, err := Extract(nil)
		assert.ErrorIs(t, err, ErrUnsupportedGeometryKind)
	})

	t.Run("empty polygon yields no coordinates", func(t *testing.T) {
		_, err := Extract(orb.Polygon{})
		assert.ErrorIs(t, err, ErrNoCoordinatesExtracted)
	})

	t.Run("empty line string yields no coordinates", func(t *testing.T) {
		_, err := Extract(orb.LineString{})
		assert.ErrorIs(t, err, ErrNoCoordinatesExtracted)
	})

	t.Run("multi polygon without polygons", func(t *testing.T) {
		_, err := Extract(orb.MultiPolygon{})
		assert.ErrorIs(t, err, ErrNoCoordinatesExtracted)
	})
}

func TestExtractJSON(t *testing.T) {
	t.Run("multi line string", func(t *testing.T) {
		raw := []byte(`{"type":"MultiLineString","coordinates":[[[0,0],[0,1]],[[5,5],[5,6]]]}`)
		path, g, err := ExtractJSON(raw)
		require.NoError(t, err)
		assert.Len(t, path, 4)
		assert.Equal(t, "MultiLineString", g.GeoJSONType())
	})

	t.Run("unknown type", func(t *testing.T) {
		_, _, err := ExtractJSON([]byte(`{"type":"Circle","coordinates":[0,0]}`))
		assert.ErrorIs(t, err, ErrUnsupportedGeometryKind)
	})

	t.Run("point type", func(t *testing.T) {
		_, _, err := ExtractJSON([]byte(`{"type":"Point","coordinates":[0,0]}`))
		assert.ErrorIs(t, err, ErrUnsupportedGeometryKind)
	})

	t.Run("garbage", func(t *testing.T) {
		_, _, err := ExtractJSON([]byte(`not json`))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnsupportedGeometryKind)
	})
}

func TestFromFeature(t *testing.T) {
	f := geojson.NewFeature(orb.LineString{{-83.6, 37.8}, {-83.5, 37.9}})
	path, err := FromFeature(f)
	require.NoError(t, err)
	assert.Len(t, path, 2)

	_, err = FromFeature(&geojson.Feature{Type: "Feature"})
	assert.ErrorIs(t, err, ErrUnsupportedGeometryKind)

	_, err = FromFeature(nil)
	assert.ErrorIs(t, err, ErrUnsupportedGeometryKind)
}

func TestMarshalRoundTrip(t *testing.T) {
	raw, err := Marshal(orb.LineString{{0, 0}, {1, 1}})
	require.NoError(t, err)
	assert.Nil(t, raw, "Line strings are not retained")

	poly := orb.Polygon{{{0, 0}, {0, 1}, {1, 1}, {0, 0}}}
	raw, err = Marshal(poly)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Polygon","coordinates":[[[0,0],[0,1],[1,1],[0,0]]]}`, string(raw))

	g, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, poly, g)
}
