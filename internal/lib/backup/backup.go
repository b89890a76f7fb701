// Package backup builds and reads the trail export document.
package backup

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/dpup/trailblog/server/internal/lib/trail"
)

// Version is written into every document
const Version = "2.0"

// Metadata summarizes the exported collection
type Metadata struct {
	TotalTrails   int       `json:"totalTrails"`
	HikedTrails   int       `json:"hikedTrails"`
	TotalMiles    float64   `json:"totalMiles"`
	TotalImages   int       `json:"totalImages"`
	BackupCreated time.Time `json:"backupCreated"`
}

// Document is the export/import format. Trails is authoritative on import;
// GeoJSON is carried for tools that only read the mirror.
type Document struct {
	Timestamp time.Time                  `json:"timestamp"`
	Version   string                     `json:"version"`
	Metadata  Metadata                   `json:"metadata"`
	Trails    []trail.Trail              `json:"trails"`
	GeoJSON   *geojson.FeatureCollection `json:"geojson"`
}

// Build creates a document for trails stamped with now
func Build(trails []trail.Trail, now time.Time) Document {
	now = now.UTC()
	stats := trail.ComputeStatistics(trails)

	out := make([]trail.Trail, len(trails))
	for i, t := range trails {
		out[i] = t.Clone()
	}

	return Document{
		Timestamp: now,
		Version:   Version,
		Metadata: Metadata{
			TotalTrails:   stats.TotalTrails,
			HikedTrails:   stats.HikedTrails,
			TotalMiles:    stats.TotalMiles,
			TotalImages:   stats.TotalImages,
			BackupCreated: now,
		},
		Trails:  out,
		GeoJSON: trail.ToFeatureCollection(out),
	}
}

// Encode renders the document as indented JSON
func Encode(doc Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode backup: %w", err)
	}
	return data, nil
}

// Decode parses a backup document. The trails member must be present and an
// array; nothing else is required. Any failure wraps
// trail.ErrMalformedImportPayload.
func Decode(data []byte) (Document, error) {
	var peek map[string]json.RawMessage
	if err := json.Unmarshal(data, &peek); err != nil {
		return Document{}, fmt.Errorf("%w: %v", trail.ErrMalformedImportPayload, err)
	}

	raw, ok := peek["trails"]
	if !ok {
		return Document{}, fmt.Errorf("%w: backup has no trails", trail.ErrMalformedImportPayload)
	}
	var trails []json.RawMessage
	if err := json.Unmarshal(raw, &trails); err != nil || trails == nil {
		return Document{}, fmt.Errorf("%w: trails must be an array", trail.ErrMalformedImportPayload)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", trail.ErrMalformedImportPayload, err)
	}
	if doc.Trails == nil {
		doc.Trails = []trail.Trail{}
	}
	return doc, nil
}
