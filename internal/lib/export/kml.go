// Package export writes the trail collection in formats other map tools read.
package export

import (
	"fmt"
	"image/color"
	"io"
	"strconv"
	"strings"

	"github.com/twpayne/go-kml"

	"github.com/dpup/trailblog/server/internal/lib/trail"
	"github.com/dpup/trailblog/server/internal/render"
)

// KML writes trails as a KML document with one placemark per trail that has
// coordinates. Lines are styled by hiked status.
func KML(w io.Writer, name string, trails []trail.Trail) error {
	hiked := lineStyle("hiked", render.StyleFor(trail.Hiked))
	unhiked := lineStyle("unhiked", render.StyleFor(trail.Unhiked))

	doc := kml.Document(
		kml.Name(name),
		hiked,
		unhiked,
	)

	for _, t := range trails {
		if len(t.Coordinates) == 0 {
			continue
		}
		style := unhiked.URL()
		if t.Status == trail.Hiked {
			style = hiked.URL()
		}

		coords := make([]kml.Coordinate, len(t.Coordinates))
		for i, p := range t.Coordinates {
			coords[i] = kml.Coordinate{Lon: p.Lon(), Lat: p.Lat()}
		}

		doc.Add(kml.Placemark(
			kml.Name(t.Name),
			kml.Description(describe(t)),
			kml.StyleURL(style),
			kml.LineString(
				kml.Tessellate(true),
				kml.Coordinates(coords...),
			),
		))
	}

	if err := kml.KML(doc).WriteIndent(w, "", "  "); err != nil {
		return fmt.Errorf("write kml: %w", err)
	}
	return nil
}

func lineStyle(id string, s render.Style) *kml.SharedElement {
	return kml.SharedStyle(id,
		kml.LineStyle(
			kml.Color(parseHexColor(s.Color, s.Opacity)),
			kml.Width(float64(s.Weight)),
		),
	)
}

// parseHexColor reads #rrggbb; anything else falls back to opaque black
func parseHexColor(hex string, opacity float64) color.RGBA {
	c := color.RGBA{A: uint8(opacity*255 + 0.5)}
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) != 6 {
		c.A = 0xff
		return c
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{A: 0xff}
	}
	c.R = uint8(v >> 16)
	c.G = uint8(v >> 8)
	c.B = uint8(v)
	return c
}

func describe(t trail.Trail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%.1f mi, %s, %s", t.Length, t.Difficulty, t.Status)
	if t.DateHiked != nil {
		fmt.Fprintf(&b, " on %s", t.DateHiked)
	}
	if t.Park != "" {
		fmt.Fprintf(&b, "\nPark: %s", t.Park)
	}
	if t.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(t.Description)
	}
	return b.String()
}
