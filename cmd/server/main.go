package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/dpup/prefab"
	"github.com/dpup/prefab/logging"

	"github.com/dpup/trailblog/server/internal/api"
	"github.com/dpup/trailblog/server/internal/clients/dataset"
	"github.com/dpup/trailblog/server/internal/config"
	"github.com/dpup/trailblog/server/internal/images"
	"github.com/dpup/trailblog/server/internal/lib/trail"
	"github.com/dpup/trailblog/server/internal/persistence"
	"github.com/dpup/trailblog/server/internal/render"
	"github.com/dpup/trailblog/server/internal/services"
	"github.com/dpup/trailblog/server/internal/telemetry"
)

func main() {
	ctx := logging.EnsureLogger(context.Background())

	// Load configuration using Prefab's config system
	appConfig := loadConfig()

	if err := telemetry.Init(ctx, appConfig.Sentry); err != nil {
		log.Printf("Sentry disabled: %v", err)
	}
	defer telemetry.Flush(2 * time.Second)

	// Durable storage for the trail collection and auxiliary backups
	backend, err := persistence.Open(ctx, appConfig.Storage)
	if err != nil {
		log.Fatalf("Failed to open %s storage: %v", appConfig.Storage.Backend, err)
	}
	defer backend.Close()

	maintainer := persistence.NewMaintainer(backend, persistence.UsagePressure(backend),
		persistence.PolicyFromConfig(appConfig.Storage))
	if appConfig.Storage.PruneInterval > 0 {
		maintainer.StartPeriodicPrune(ctx, appConfig.Storage.PruneInterval)
	}

	store := trail.NewStore(backend,
		trail.WithUniqueNames(appConfig.Trails.UniqueNames),
		trail.WithReclaimer(maintainer),
	)

	imageStore, err := images.Open(ctx, appConfig.Images)
	if err != nil {
		log.Fatalf("Failed to open %s image store: %v", appConfig.Images.Backend, err)
	}

	// Map draws always land in the recorder; NATS fans them out to browsers
	renderers := render.Multi{render.NewRecorder()}
	if appConfig.Render.NATSURL != "" {
		publisher, err := render.ConnectNATS(ctx, appConfig.Render.NATSURL, appConfig.Render.SubjectPrefix)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer publisher.Close()
		renderers = append(renderers, publisher)
	}

	deps := services.Deps{
		Store:        store,
		Backend:      backend,
		Images:       imageStore,
		Renderer:     renderers,
		Capabilities: appConfig.Trails.Capabilities,
		UniqueNames:  appConfig.Trails.UniqueNames,
	}
	if appConfig.Trails.DatasetURL != "" {
		deps.Dataset = dataset.NewClient(appConfig.Trails.DatasetURL)
	}

	trailService := services.NewTrailService(deps)
	if err := trailService.Start(ctx); err != nil {
		log.Fatalf("Failed to load trails: %v", err)
	}

	log.Printf("Trail log server starting")
	log.Printf("Storage: %s, images: %s, trails loaded: %d",
		appConfig.Storage.Backend, appConfig.Images.Backend, len(trailService.ListTrails(trail.FilterAll)))

	if appConfig.Backup.Enabled && appConfig.Backup.Interval > 0 {
		periodicBackup := services.NewPeriodicBackupService(trailService, maintainer, appConfig.Backup.Interval)
		if err := periodicBackup.Start(ctx); err != nil {
			log.Printf("Failed to start periodic backups: %v", err)
		}
		defer periodicBackup.Stop()
	}

	router := api.NewServer(trailService, appConfig.Map).Router()

	// Server configuration (port, etc.) will be loaded from prefab.yaml/env vars
	opts := []prefab.ServerOption{
		prefab.WithHTTPHandlerFunc("/", homepageHandler),
	}
	for _, path := range api.Paths {
		opts = append(opts, prefab.WithHTTPHandlerFunc(path, router.ServeHTTP))
	}
	server := prefab.New(opts...)

	// Start the server (blocks until shutdown)
	if err := server.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// loadConfig loads configuration using Prefab's config system
// Configuration is loaded from prefab.yaml and environment variables with PF__ prefix
func loadConfig() *config.Config {
	appConfig, err := config.FromKoanf(prefab.Config)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	return appConfig
}

// homepageHandler serves a simple HTML homepage at the server root
func homepageHandler(w http.ResponseWriter, r *http.Request) {
	// Only handle the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	html := `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>Trail Log</title>
    <style>
        body {
            font-family: 'Courier New', Consolas, monospace;
            background: #10241a;
            color: #d8f3dc;
            padding: 20px;
            line-height: 1.4;
        }
        a { color: #ffc107; text-decoration: none; }
        a:hover { text-decoration: underline; }
        pre { margin: 0; }
        .header { color: #28a745; }
    </style>
</head>
<body>
<pre>
<span class="header">Trail Log</span>

A personal log of hiking trails: paths, hike dates, notes and photos.

<span class="header">Trails:</span>
  <a href="/api/trails">GET /api/trails</a>                 - List trails (?filter=all|hiked|unhiked)
  POST /api/trails                - Create a trail (JSON or multipart with images)
  GET|PUT|DELETE /api/trails/{id} - Read, edit or delete a trail
  POST /api/trails/import         - Create a trail from a GeoJSON body (?name=)

<span class="header">Map &amp; Statistics:</span>
  <a href="/api/map">GET /api/map</a>                    - Parks and drawable trail features
  <a href="/api/statistics">GET /api/statistics</a>             - Totals and hiked miles
  <a href="/api/trails.geojson">GET /api/trails.geojson</a>         - FeatureCollection export
  <a href="/api/trails.kml">GET /api/trails.kml</a>             - KML export

<span class="header">Backups:</span>
  <a href="/api/export">GET /api/export</a>                 - Download a backup
  POST /api/import                - Restore a backup
  <a href="/api/health">GET /api/health</a>                 - Health check
</pre>
</body>
</html>`

	if _, err := fmt.Fprint(w, html); err != nil {
		slog.Error("Failed to write homepage HTML", "error", err)
	}
}
