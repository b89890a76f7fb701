package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the complete server configuration
type Config struct {
	Trails  TrailsConfig  `yaml:"trails"`
	Storage StorageConfig `yaml:"storage"`
	Images  ImagesConfig  `yaml:"images"`
	Map     MapConfig     `yaml:"map"`
	Render  RenderConfig  `yaml:"render"`
	Backup  BackupConfig  `yaml:"backup"`
	Sentry  SentryConfig  `yaml:"sentry"`
}

// TrailsConfig holds trail log behaviour settings
type TrailsConfig struct {
	// Reject creates and renames that reuse an existing name. When false a
	// duplicate name is only reported as a warning.
	UniqueNames  bool         `yaml:"unique_names"`
	Capabilities Capabilities `yaml:"capabilities"`

	// Read-only FeatureCollection used to seed an empty store. May be an
	// http(s) URL or a local file path.
	DatasetURL string `yaml:"dataset_url"`
}

// Capabilities gate the mutating operations exposed to users
type Capabilities struct {
	CanEdit   bool `yaml:"can_edit"`
	CanUpload bool `yaml:"can_upload"`
	CanDelete bool `yaml:"can_delete"`
}

// StorageConfig selects and tunes the durable key-value backend
type StorageConfig struct {
	Backend    string `yaml:"backend"` // memory, sqlite or redis
	QuotaBytes int64  `yaml:"quota_bytes"`

	SQLitePath string `yaml:"sqlite_path"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisPrefix   string `yaml:"redis_prefix"`

	// Storage pressure (0.0-1.0) at which old backups are pruned before a write
	CleanupThreshold float64       `yaml:"cleanup_threshold"`
	KeepBackups      int           `yaml:"keep_backups"`
	PruneInterval    time.Duration `yaml:"prune_interval"`
}

// ImagesConfig selects where trail photos are stored
type ImagesConfig struct {
	Backend  string `yaml:"backend"` // local or gcs
	Root     string `yaml:"root"`
	BaseURL  string `yaml:"base_url"`
	MaxBytes int64  `yaml:"max_bytes"`

	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// MapConfig holds the park views offered by the map
type MapConfig struct {
	DefaultPark string `yaml:"default_park"`
	Parks       []Park `yaml:"parks"`
}

// Park describes the initial map view for a park
type Park struct {
	ID        string          `yaml:"id"`
	Name      string          `yaml:"name"`
	Center    CoordinatesYAML `yaml:"center"`
	SouthWest CoordinatesYAML `yaml:"south_west"`
	NorthEast CoordinatesYAML `yaml:"north_east"`
	Zoom      int             `yaml:"zoom"`
}

// CoordinatesYAML represents lat/lon coordinates in YAML config
type CoordinatesYAML struct {
	Latitude  float64 `yaml:"latitude" json:"lat"`
	Longitude float64 `yaml:"longitude" json:"lng"`
}

// RenderConfig configures where map draw events are published
type RenderConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// BackupConfig configures automatic auxiliary backups
type BackupConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// SentryConfig configures error reporting
type SentryConfig struct {
	DSN              string  `yaml:"dsn"`
	Environment      string  `yaml:"environment"`
	Release          string  `yaml:"release"`
	TracesSampleRate float64 `yaml:"traces_sample_rate"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Trails: TrailsConfig{
			UniqueNames: false,
			Capabilities: Capabilities{
				CanEdit:   true,
				CanUpload: true,
				CanDelete: true,
			},
		},
		Storage: StorageConfig{
			Backend:          "memory",
			QuotaBytes:       5 * 1024 * 1024, // Browser local storage sized
			SQLitePath:       "data/trails.db",
			RedisPrefix:      "trails:",
			CleanupThreshold: 0.9,
			KeepBackups:      3,
			PruneInterval:    10 * time.Minute,
		},
		Images: ImagesConfig{
			Backend:  "local",
			Root:     "data/trail_images",
			BaseURL:  "/api/images",
			MaxBytes: 10 * 1024 * 1024,
		},
		Map: MapConfig{
			DefaultPark: "red-river-gorge",
			Parks: []Park{
				{
					ID:        "red-river-gorge",
					Name:      "Red River Gorge",
					Center:    CoordinatesYAML{Latitude: 37.8333, Longitude: -83.6167},
					SouthWest: CoordinatesYAML{Latitude: 37.7833, Longitude: -83.6667},
					NorthEast: CoordinatesYAML{Latitude: 37.8833, Longitude: -83.5667},
					Zoom:      12,
				},
			},
		},
		Render: RenderConfig{
			SubjectPrefix: "trails.map",
		},
		Backup: BackupConfig{
			Enabled:  true,
			Interval: 24 * time.Hour,
		},
	}
}

// FromKoanf overlays every section found in k onto the defaults. Sections
// missing from k keep their default values.
func FromKoanf(k *koanf.Koanf) (*Config, error) {
	cfg := DefaultConfig()

	sections := []struct {
		path   string
		target interface{}
	}{
		{"trails", &cfg.Trails},
		{"storage", &cfg.Storage},
		{"images", &cfg.Images},
		{"map", &cfg.Map},
		{"render", &cfg.Render},
		{"backup", &cfg.Backup},
		{"sentry", &cfg.Sentry},
	}

	for _, s := range sections {
		if !k.Exists(s.path) {
			continue
		}
		if err := k.UnmarshalWithConf(s.path, s.target, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s section: %w", s.path, err)
		}
	}

	return cfg, nil
}

// LoadFile reads a YAML config file and TRAILS__ environment overrides, for
// tools that run outside the server. An empty path loads only the environment.
// TRAILS__STORAGE__BACKEND=sqlite sets storage.backend.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider("TRAILS__", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "TRAILS__")), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	return FromKoanf(k)
}

// ParkByID returns the configured park with the given id
func (m MapConfig) ParkByID(id string) (Park, bool) {
	for _, p := range m.Parks {
		if p.ID == id {
			return p, true
		}
	}
	return Park{}, false
}
