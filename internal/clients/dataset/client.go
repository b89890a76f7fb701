// Package dataset reads the shared, read-only trail dataset used to seed an
// empty deployment.
package dataset

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/dpup/trailblog/server/internal/lib/trail"
)

// HTTPDoer is satisfied by *http.Client
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dataset is a decoded shared FeatureCollection
type Dataset struct {
	Version string
	Trails  []trail.Trail
	// Features that could not be read; the rest of the dataset is still usable
	Skipped []error
}

// Client fetches the dataset from an http(s) URL or a local file path
type Client struct {
	source     string
	httpClient HTTPDoer
}

// NewClient creates a client for source
func NewClient(source string) *Client {
	return NewClientWithHTTPDoer(source, &http.Client{
		Timeout: 30 * time.Second,
	})
}

// NewClientWithHTTPDoer creates a client with a custom HTTP implementation
func NewClientWithHTTPDoer(source string, doer HTTPDoer) *Client {
	return &Client{source: source, httpClient: doer}
}

// Fetch downloads and decodes the dataset
func (c *Client) Fetch(ctx context.Context) (*Dataset, error) {
	data, err := c.read(ctx)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses a shared dataset FeatureCollection
func Decode(data []byte) (*Dataset, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("%w: dataset: %v", trail.ErrMalformedImportPayload, err)
	}

	trails, skipped := trail.FromFeatureCollection(fc)
	ds := &Dataset{Trails: trails, Skipped: skipped}
	if v, ok := fc.ExtraMembers["version"]; ok && v != nil {
		ds.Version = fmt.Sprint(v)
	}
	return ds, nil
}

func (c *Client) read(ctx context.Context) ([]byte, error) {
	if c.source == "" {
		return nil, fmt.Errorf("no dataset source configured")
	}
	if !strings.HasPrefix(c.source, "http://") && !strings.HasPrefix(c.source, "https://") {
		data, err := os.ReadFile(strings.TrimPrefix(c.source, "file://"))
		if err != nil {
			return nil, fmt.Errorf("failed to read dataset: %w", err)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.source, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/geo+json, application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download dataset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("HTTP error %d downloading dataset from %s: %s", resp.StatusCode, c.source, strings.TrimSpace(string(body)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset response: %w", err)
	}
	return data, nil
}
