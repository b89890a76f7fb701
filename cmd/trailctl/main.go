package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dpup/prefab/logging"
	"github.com/paulmach/orb"

	"github.com/dpup/trailblog/server/internal/clients/dataset"
	"github.com/dpup/trailblog/server/internal/config"
	"github.com/dpup/trailblog/server/internal/lib/backup"
	"github.com/dpup/trailblog/server/internal/lib/export"
	"github.com/dpup/trailblog/server/internal/lib/geo"
	"github.com/dpup/trailblog/server/internal/lib/geometry"
	"github.com/dpup/trailblog/server/internal/lib/trail"
	"github.com/dpup/trailblog/server/internal/persistence"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	geoUtils := geo.NewGeoUtils()

	switch command {
	case "point-distance":
		handlePointDistance(geoUtils)
	case "length":
		handleLength(geoUtils)
	case "import":
		handleImport()
	case "kml":
		handleKML()
	case "backup-info":
		handleBackupInfo()
	case "dataset":
		handleDataset()
	case "backups":
		handleBackups()
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func handlePointDistance(geoUtils geo.GeoUtils) {
	fs := flag.NewFlagSet("point-distance", flag.ExitOnError)
	lat1 := fs.Float64("lat1", 0, "Latitude of first point")
	lng1 := fs.Float64("lng1", 0, "Longitude of first point")
	lat2 := fs.Float64("lat2", 0, "Latitude of second point")
	lng2 := fs.Float64("lng2", 0, "Longitude of second point")

	fs.Parse(os.Args[2:])

	if *lat1 == 0 && *lng1 == 0 && *lat2 == 0 && *lng2 == 0 {
		fmt.Println("Example usage:")
		fmt.Println("  trailctl point-distance --lat1 37.8333 --lng1 -83.6167 --lat2 37.8250 --lng2 -83.6000")
		os.Exit(1)
	}

	p1 := orb.Point{*lng1, *lat1}
	p2 := orb.Point{*lng2, *lat2}

	fmt.Printf("Distance between points:\n")
	fmt.Printf("  Point 1: (%.6f, %.6f)\n", p1.Lat(), p1.Lon())
	fmt.Printf("  Point 2: (%.6f, %.6f)\n", p2.Lat(), p2.Lon())
	fmt.Printf("  Distance: %.4f miles\n", geoUtils.PointToPoint(p1, p2))
}

// handleLength extracts the path from a GeoJSON file and reports its length
func handleLength(geoUtils geo.GeoUtils) {
	fs := flag.NewFlagSet("length", flag.ExitOnError)
	file := fs.String("file", "", "GeoJSON geometry or feature file")
	polyline := fs.Bool("polyline", false, "Also print the encoded polyline")

	fs.Parse(os.Args[2:])

	if *file == "" {
		fmt.Println("Example usage:")
		fmt.Println("  trailctl length --file natural-bridge.geojson --polyline")
		os.Exit(1)
	}

	draft, err := trail.ImportGeoJSON(readFile(*file), "")
	if err != nil {
		log.Fatalf("Error extracting path: %v", err)
	}

	fmt.Printf("Path:\n")
	fmt.Printf("  Points: %d\n", len(draft.Coordinates))
	if bound, ok := geoUtils.Bounds(draft.Coordinates); ok {
		fmt.Printf("  Bounds: (%.6f, %.6f) - (%.6f, %.6f)\n",
			bound.Min.Lat(), bound.Min.Lon(), bound.Max.Lat(), bound.Max.Lon())
	}
	fmt.Printf("  Length: %.1f miles (%.4f unrounded)\n",
		geoUtils.PathLength(draft.Coordinates), geoUtils.RawPathLength(draft.Coordinates))
	if *polyline {
		fmt.Printf("  Polyline: %s\n", geoUtils.EncodePolyline(draft.Coordinates))
	}
}

// handleImport runs a GeoJSON file through the importer and prints the draft
func handleImport() {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	file := fs.String("file", "", "GeoJSON file")
	name := fs.String("name", "", "Override the trail name")

	fs.Parse(os.Args[2:])

	if *file == "" {
		fmt.Println("Example usage:")
		fmt.Println("  trailctl import --file auxier-ridge.geojson --name \"Auxier Ridge\"")
		os.Exit(1)
	}

	data := readFile(*file)
	_, source, err := geometry.ExtractJSON(data)
	if err == nil {
		fmt.Printf("Geometry kind: %s\n", source.GeoJSONType())
	}

	draft, err := trail.ImportGeoJSON(data, *name)
	if err != nil {
		log.Fatalf("Import rejected: %v", err)
	}
	printJSON(draft)
}

// handleKML converts a backup or FeatureCollection file to KML on stdout
func handleKML() {
	fs := flag.NewFlagSet("kml", flag.ExitOnError)
	file := fs.String("file", "", "Backup document or GeoJSON FeatureCollection")
	name := fs.String("name", "Trail Log", "KML document name")

	fs.Parse(os.Args[2:])

	if *file == "" {
		fmt.Println("Example usage:")
		fmt.Println("  trailctl kml --file trail-backup-2024-06-01.json > trails.kml")
		os.Exit(1)
	}

	trails := loadTrails(readFile(*file))
	if err := export.KML(os.Stdout, *name, trails); err != nil {
		log.Fatalf("Error writing KML: %v", err)
	}
}

// handleBackupInfo validates a backup document and prints its metadata
func handleBackupInfo() {
	fs := flag.NewFlagSet("backup-info", flag.ExitOnError)
	file := fs.String("file", "", "Backup document")

	fs.Parse(os.Args[2:])

	if *file == "" {
		fmt.Println("Example usage:")
		fmt.Println("  trailctl backup-info --file trail-backup-2024-06-01.json")
		os.Exit(1)
	}

	doc, err := backup.Decode(readFile(*file))
	if err != nil {
		log.Fatalf("Invalid backup: %v", err)
	}

	stats := trail.ComputeStatistics(doc.Trails)
	fmt.Printf("Backup:\n")
	fmt.Printf("  Version: %s\n", doc.Version)
	fmt.Printf("  Taken: %s\n", doc.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("  Trails: %d (%d hiked, %d unhiked)\n", stats.TotalTrails, stats.HikedTrails, stats.UnhikedTrails)
	fmt.Printf("  Hiked miles: %.1f\n", stats.TotalMiles)
	fmt.Printf("  Images: %d\n", stats.TotalImages)
	for _, d := range trail.Difficulties {
		fmt.Printf("  %s: %d\n", d, stats.Difficulties[d])
	}
}

// handleDataset fetches the shared seed dataset and summarizes it
func handleDataset() {
	fs := flag.NewFlagSet("dataset", flag.ExitOnError)
	source := fs.String("source", "", "Dataset URL or file path")

	fs.Parse(os.Args[2:])

	if *source == "" {
		fmt.Println("Example usage:")
		fmt.Println("  trailctl dataset --source https://example.com/trails.geojson")
		os.Exit(1)
	}

	ds, err := dataset.NewClient(*source).Fetch(logging.EnsureLogger(context.Background()))
	if err != nil {
		log.Fatalf("Error fetching dataset: %v", err)
	}

	fmt.Printf("Dataset %q: %d trails, %d skipped features\n", ds.Version, len(ds.Trails), len(ds.Skipped))
	for _, t := range ds.Trails {
		fmt.Printf("  %-30s %6.1f mi  %-9s %s\n", t.Name, t.Length, t.Difficulty, t.Status)
	}
	for _, err := range ds.Skipped {
		fmt.Printf("  skipped: %v\n", err)
	}
}

// handleBackups lists auxiliary backups held by the configured storage backend
func handleBackups() {
	fs := flag.NewFlagSet("backups", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file (TRAILS__ env vars also apply)")
	prune := fs.Bool("prune", false, "Prune backups beyond the configured retention")

	fs.Parse(os.Args[2:])

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	ctx := logging.EnsureLogger(context.Background())
	store, err := persistence.Open(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("Error opening %s storage: %v", cfg.Storage.Backend, err)
	}
	defer store.Close()

	if *prune {
		maintainer := persistence.NewMaintainer(store, persistence.UsagePressure(store), persistence.PolicyFromConfig(cfg.Storage))
		removed, err := maintainer.PruneNow(ctx)
		if err != nil {
			log.Fatalf("Error pruning backups: %v", err)
		}
		fmt.Printf("Pruned %d backups\n", removed)
	}

	keys, err := store.Keys(ctx, persistence.BackupPrefix)
	if err != nil {
		log.Fatalf("Error listing backups: %v", err)
	}
	usage, err := store.Usage(ctx)
	if err != nil {
		log.Fatalf("Error reading usage: %v", err)
	}

	fmt.Printf("Storage %s: %d bytes used of %d (%.0f%%)\n",
		cfg.Storage.Backend, usage.UsedBytes, usage.QuotaBytes, usage.Pressure()*100)
	for _, key := range keys {
		if at, ok := persistence.BackupTime(key); ok {
			fmt.Printf("  %s  %s\n", key, at.Format("2006-01-02 15:04:05"))
		} else {
			fmt.Printf("  %s\n", key)
		}
	}
}

// loadTrails accepts either a backup document or a bare FeatureCollection
func loadTrails(data []byte) []trail.Trail {
	if doc, err := backup.Decode(data); err == nil {
		return doc.Trails
	}
	trails, err := trail.DecodeFeatureCollection(data)
	if err != nil {
		log.Fatalf("File is neither a backup nor a FeatureCollection: %v", err)
	}
	return trails
}

func readFile(path string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Error reading %s: %v", path, err)
	}
	return data
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Error encoding JSON: %v", err)
	}
	fmt.Println(string(out))
}

func printUsage() {
	fmt.Println("trailctl - Trail log utilities")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  trailctl <command> [flags]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  point-distance  Distance in miles between two points")
	fmt.Println("  length          Path length of a GeoJSON geometry or feature")
	fmt.Println("  import          Run a GeoJSON file through the importer")
	fmt.Println("  kml             Convert a backup or FeatureCollection to KML")
	fmt.Println("  backup-info     Validate a backup and print its summary")
	fmt.Println("  dataset         Fetch and summarize the shared seed dataset")
	fmt.Println("  backups         List auxiliary backups in configured storage")
	fmt.Println("  help            Show this help message")
	fmt.Println("")
	fmt.Println("Use 'trailctl <command> --help' for command-specific flags")
}
