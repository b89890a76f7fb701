// Package api exposes the trail log over a JSON REST API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dpup/trailblog/server/internal/config"
	"github.com/dpup/trailblog/server/internal/images"
	"github.com/dpup/trailblog/server/internal/lib/trail"
	"github.com/dpup/trailblog/server/internal/render"
	"github.com/dpup/trailblog/server/internal/services"
)

const (
	// Upper bound on request bodies held in memory while parsing multipart forms
	maxMemory = 32 << 20
	// Upper bound on JSON, GeoJSON and backup bodies
	maxBodyBytes = 64 << 20
)

// Paths are the ServeMux patterns that must be routed to Router when it is
// mounted on a shared mux
var Paths = []string{
	"/api/health",
	"/api/capabilities",
	"/api/trails",
	"/api/trails/",
	"/api/trails.geojson",
	"/api/trails.kml",
	"/api/images/",
	"/api/statistics",
	"/api/map",
	"/api/export",
	"/api/import",
	"/api/backups",
	"/api/storage",
}

// Server routes HTTP requests to the trail service
type Server struct {
	trails *services.TrailService
	maps   config.MapConfig
}

// NewServer creates an API server
func NewServer(trails *services.TrailService, maps config.MapConfig) *Server {
	return &Server{trails: trails, maps: maps}
}

// Router returns the API routes mounted under /api
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(loggerMiddleware)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/capabilities", s.handleCapabilities)

		r.Get("/trails", s.handleListTrails)
		r.Post("/trails", s.handleCreateTrail)
		r.Post("/trails/import", s.handleImportGeoJSON)
		r.Get("/trails.geojson", s.handleGeoJSON)
		r.Get("/trails.kml", s.handleKML)

		r.Route("/trails/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTrail)
			r.Put("/", s.handleUpdateTrail)
			r.Delete("/", s.handleDeleteTrail)
			r.Post("/highlight", s.handleHighlight)

			r.Get("/images", s.handleListImages)
			r.Post("/images", s.handleAddImages)
			r.Delete("/images/{filename}", s.handleRemoveImage)
		})

		r.Get("/images/trail-{id}/{filename}", s.handleServeImage)

		r.Get("/statistics", s.handleStatistics)
		r.Get("/map", s.handleMap)

		r.Get("/export", s.handleExport)
		r.Post("/import", s.handleRestore)
		r.Get("/backups", s.handleBackups)
		r.Get("/storage", s.handleStorage)
	})

	return r
}

// loggerMiddleware makes sure handlers always have a request logger, even when
// the router is served outside of prefab
func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(logging.EnsureLogger(r.Context())))
	})
}

// corsMiddleware adds CORS headers for browser access
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"trails":    len(s.trails.ListTrails(trail.FilterAll)),
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	caps := s.trails.Capabilities()
	writeJSON(w, http.StatusOK, map[string]bool{
		"canEdit":   caps.CanEdit,
		"canUpload": caps.CanUpload,
		"canDelete": caps.CanDelete,
	})
}

func (s *Server) handleListTrails(w http.ResponseWriter, r *http.Request) {
	filter, err := trail.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.trails.ListTrails(filter))
}

func (s *Server) handleGetTrail(w http.ResponseWriter, r *http.Request) {
	t, err := s.trails.GetTrail(chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleCreateTrail accepts a JSON draft, or a multipart form with the draft
// JSON in the "trail" field and photos in "images" parts.
func (s *Server) handleCreateTrail(w http.ResponseWriter, r *http.Request) {
	var d trail.Draft
	uploads, cleanup, err := decodeMutation(r, &d)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer cleanup()

	// Ids are always assigned by the server
	d.ID = ""

	res, err := s.trails.CreateTrail(r.Context(), d, uploads)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleUpdateTrail(w http.ResponseWriter, r *http.Request) {
	var p trail.Patch
	uploads, cleanup, err := decodeMutation(r, &p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer cleanup()

	res, err := s.trails.UpdateTrail(r.Context(), chi.URLParam(r, "id"), p, uploads)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteTrail(w http.ResponseWriter, r *http.Request) {
	if err := s.trails.DeleteTrail(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHighlight(w http.ResponseWriter, r *http.Request) {
	if err := s.trails.Highlight(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleImportGeoJSON creates a trail from a GeoJSON body. The optional name
// query parameter overrides the name in the feature properties.
func (s *Server) handleImportGeoJSON(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	res, err := s.trails.ImportGeoJSON(r.Context(), r.URL.Query().Get("name"), data)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	refs, err := s.trails.ListImages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refs)
}

func (s *Server) handleAddImages(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	uploads, closeAll, err := formUploads(r.MultipartForm)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer closeAll()
	if len(uploads) == 0 {
		writeError(w, http.StatusBadRequest, "no images provided")
		return
	}

	res, err := s.trails.AddImages(r.Context(), chi.URLParam(r, "id"), uploads)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemoveImage(w http.ResponseWriter, r *http.Request) {
	t, err := s.trails.RemoveImage(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "filename"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleServeImage(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	rc, err := s.trails.OpenImage(r.Context(), chi.URLParam(r, "id"), filename)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", images.ContentType(filename))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if _, err := io.Copy(w, rc); err != nil {
		logging.Warnw(r.Context(), "Failed to stream image", "filename", filename, "error", err)
	}
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.trails.Statistics())
}

// MapResponse is everything the browser needs to draw the map
type MapResponse struct {
	DefaultPark string           `json:"defaultPark"`
	Parks       []ParkView       `json:"parks"`
	Features    []render.Feature `json:"features"`
	Statistics  trail.Statistics `json:"statistics"`
}

// ParkView is the initial view for one park
type ParkView struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Center    config.CoordinatesYAML `json:"center"`
	SouthWest config.CoordinatesYAML `json:"southWest"`
	NorthEast config.CoordinatesYAML `json:"northEast"`
	Zoom      int                    `json:"zoom"`
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	parks := make([]ParkView, 0, len(s.maps.Parks))
	for _, p := range s.maps.Parks {
		parks = append(parks, ParkView{
			ID:        p.ID,
			Name:      p.Name,
			Center:    p.Center,
			SouthWest: p.SouthWest,
			NorthEast: p.NorthEast,
			Zoom:      p.Zoom,
		})
	}

	writeJSON(w, http.StatusOK, MapResponse{
		DefaultPark: s.maps.DefaultPark,
		Parks:       parks,
		Features:    s.trails.MapFeatures(),
		Statistics:  s.trails.Statistics(),
	})
}

func (s *Server) handleGeoJSON(w http.ResponseWriter, r *http.Request) {
	data, err := s.trails.GeoJSON()
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(data)
}

func (s *Server) handleKML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/vnd.google-earth.kml+xml")
	w.Header().Set("Content-Disposition", `attachment; filename="trails.kml"`)
	if err := s.trails.KML(w); err != nil {
		logging.Errorw(r.Context(), "Failed to write KML", "error", err)
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.trails.ExportBackup(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	filename := fmt.Sprintf("trail-backup-%s.json", time.Now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	_, _ = w.Write(data)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	meta, err := s.trails.RestoreBackup(r.Context(), data)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  fmt.Sprintf("Restored %d trails", meta.TotalTrails),
		"metadata": meta,
	})
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	keys, err := s.trails.Backups(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.trails.StorageUsage(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"usedBytes":  usage.UsedBytes,
		"quotaBytes": usage.QuotaBytes,
		"entries":    usage.Entries,
		"pressure":   usage.Pressure(),
	})
}

// decodeMutation reads a JSON body into v, or for multipart requests the JSON
// in the "trail" field plus any uploaded images. cleanup releases the form.
func decodeMutation(r *http.Request, v interface{}) ([]services.Upload, func(), error) {
	noop := func() {}

	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		if err := dec.Decode(v); err != nil {
			return nil, noop, fmt.Errorf("invalid JSON body: %w", err)
		}
		return nil, noop, nil
	}

	if err := r.ParseMultipartForm(maxMemory); err != nil {
		return nil, noop, fmt.Errorf("invalid multipart form: %w", err)
	}
	form := r.MultipartForm

	if raw := form.Value["trail"]; len(raw) > 0 {
		if err := json.Unmarshal([]byte(raw[0]), v); err != nil {
			form.RemoveAll()
			return nil, noop, fmt.Errorf("invalid trail field: %w", err)
		}
	}

	uploads, closeAll, err := formUploads(form)
	if err != nil {
		form.RemoveAll()
		return nil, noop, err
	}
	return uploads, func() {
		closeAll()
		form.RemoveAll()
	}, nil
}

// formUploads opens every file in the "images" parts
func formUploads(form *multipart.Form) ([]services.Upload, func(), error) {
	var files []multipart.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}

	var uploads []services.Upload
	for _, fh := range form.File["images"] {
		f, err := fh.Open()
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("open upload %s: %w", fh.Filename, err)
		}
		files = append(files, f)
		uploads = append(uploads, services.Upload{Filename: fh.Filename, Body: f})
	}
	return uploads, closeAll, nil
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, trail.ErrNotFound), errors.Is(err, images.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrCapabilityDisabled):
		return http.StatusForbidden
	case errors.Is(err, trail.ErrDuplicateName), errors.Is(err, trail.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, trail.ErrInvalidTrail),
		errors.Is(err, trail.ErrMalformedImportPayload),
		errors.Is(err, images.ErrInvalidFilename):
		return http.StatusBadRequest
	case errors.Is(err, trail.ErrUnsupportedGeometryKind), errors.Is(err, trail.ErrNoCoordinatesExtracted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, images.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, trail.ErrPersistenceCapacityExceeded):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.Errorw(r.Context(), "Request failed", "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	if status == http.StatusInsufficientStorage {
		writeError(w, status, trail.ErrPersistenceCapacityExceeded.Error())
		return
	}
	writeError(w, status, err.Error())
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
