package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/dpup/trailblog/server/internal/clients/dataset"
	"github.com/dpup/trailblog/server/internal/config"
	"github.com/dpup/trailblog/server/internal/images"
	"github.com/dpup/trailblog/server/internal/lib/backup"
	"github.com/dpup/trailblog/server/internal/lib/export"
	"github.com/dpup/trailblog/server/internal/lib/geo"
	"github.com/dpup/trailblog/server/internal/lib/trail"
	"github.com/dpup/trailblog/server/internal/persistence"
	"github.com/dpup/trailblog/server/internal/render"
	"github.com/dpup/trailblog/server/internal/telemetry"
)

// ErrCapabilityDisabled is returned when the deployment does not allow an action
var ErrCapabilityDisabled = errors.New("this action is disabled for this deployment")

// DatasetSource provides the shared seed dataset
type DatasetSource interface {
	Fetch(ctx context.Context) (*dataset.Dataset, error)
}

// Upload is an image supplied with a create or update
type Upload struct {
	Filename string
	Body     io.Reader
}

// Result is a mutated trail plus any soft warnings for the user
type Result struct {
	Trail    trail.Trail `json:"trail"`
	Warnings []string    `json:"warnings,omitempty"`
}

// Deps are the collaborators a TrailService is built from
type Deps struct {
	Store        *trail.Store
	Backend      persistence.Store
	Images       images.Store
	Renderer     render.Renderer
	Dataset      DatasetSource // optional
	Capabilities config.Capabilities
	UniqueNames  bool
	Clock        func() time.Time
}

// TrailService is the application context: every user action goes through it
type TrailService struct {
	store    *trail.Store
	backend  persistence.Store
	images   images.Store
	renderer render.Renderer
	dataset  DatasetSource
	caps     config.Capabilities
	unique   bool
	geoUtils geo.GeoUtils
	now      func() time.Time
}

// NewTrailService creates a TrailService from deps
func NewTrailService(deps Deps) *TrailService {
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = render.NewRecorder()
	}
	return &TrailService{
		store:    deps.Store,
		backend:  deps.Backend,
		images:   deps.Images,
		renderer: renderer,
		dataset:  deps.Dataset,
		caps:     deps.Capabilities,
		unique:   deps.UniqueNames,
		geoUtils: geo.NewGeoUtils(),
		now:      now,
	}
}

// Capabilities reports what this deployment allows
func (s *TrailService) Capabilities() config.Capabilities {
	return s.caps
}

// Start loads the collection from storage, seeding from the shared dataset
// when storage is empty, then draws the map
func (s *TrailService) Start(ctx context.Context) error {
	loaded, err := s.store.LoadFromPersistence(ctx)
	if err != nil {
		s.report(ctx, "load", err)
		return fmt.Errorf("load trails: %w", err)
	}

	if !loaded && s.dataset != nil {
		if err := s.seed(ctx); err != nil {
			logging.Warnw(ctx, "Shared dataset unavailable, starting empty", "error", err)
		}
	}

	s.afterMutation(ctx)
	logging.Infow(ctx, "Trail service started", "trails", s.store.Len())
	return nil
}

func (s *TrailService) seed(ctx context.Context) error {
	ds, err := s.dataset.Fetch(ctx)
	if err != nil {
		return err
	}
	for _, skipped := range ds.Skipped {
		logging.Warnw(ctx, "Skipped dataset feature", "error", skipped)
	}
	if err := s.store.Replace(ctx, ds.Trails); err != nil {
		return fmt.Errorf("seed trails: %w", err)
	}
	logging.Infow(ctx, "Seeded trails from shared dataset", "version", ds.Version, "trails", len(ds.Trails))
	return nil
}

// CreateTrail uploads any images, then creates the trail. Uploaded images are
// released if the create fails.
func (s *TrailService) CreateTrail(ctx context.Context, d trail.Draft, uploads []Upload) (Result, error) {
	if !s.caps.CanEdit {
		return Result{}, fmt.Errorf("%w: editing", ErrCapabilityDisabled)
	}
	if len(uploads) > 0 && !s.caps.CanUpload {
		return Result{}, fmt.Errorf("%w: image upload", ErrCapabilityDisabled)
	}

	if d.ID != "" {
		// Uploads go under d.ID, so a taken id must be refused before they start
		if _, err := s.store.Get(d.ID); err == nil {
			return Result{}, fmt.Errorf("%w: %s", trail.ErrDuplicateID, d.ID)
		}
	} else if len(uploads) > 0 {
		id, err := s.store.NewID()
		if err != nil {
			return Result{}, err
		}
		d.ID = id
	}

	refs, err := s.upload(ctx, d.ID, uploads, nil)
	if err != nil {
		return Result{}, err
	}
	d.Images = append(append([]string{}, d.Images...), refs...)

	warnings := s.nameWarnings(d.Name, "")
	t, err := s.store.Create(ctx, d)
	if err != nil {
		s.release(ctx, d.ID, refs)
		s.report(ctx, "create", err)
		return Result{}, err
	}

	s.afterMutation(ctx)
	return Result{Trail: t, Warnings: warnings}, nil
}

// UpdateTrail uploads any images, then applies p with the new images appended
func (s *TrailService) UpdateTrail(ctx context.Context, id string, p trail.Patch, uploads []Upload) (Result, error) {
	if !s.caps.CanEdit {
		return Result{}, fmt.Errorf("%w: editing", ErrCapabilityDisabled)
	}
	if len(uploads) > 0 && !s.caps.CanUpload {
		return Result{}, fmt.Errorf("%w: image upload", ErrCapabilityDisabled)
	}
	return s.update(ctx, id, p, uploads)
}

func (s *TrailService) update(ctx context.Context, id string, p trail.Patch, uploads []Upload) (Result, error) {
	existing, err := s.store.Get(id)
	if err != nil {
		return Result{}, err
	}

	refs, err := s.upload(ctx, id, uploads, existing.Images)
	if err != nil {
		return Result{}, err
	}
	p.AppendImages = append(append([]string{}, p.AppendImages...), refs...)

	var warnings []string
	if p.Name != nil {
		warnings = s.nameWarnings(*p.Name, id)
	}

	t, err := s.store.Update(ctx, id, p)
	if err != nil {
		s.release(ctx, id, newRefs(refs, existing.Images))
		s.report(ctx, "update", err)
		return Result{}, err
	}

	s.afterMutation(ctx)
	return Result{Trail: t, Warnings: warnings}, nil
}

// DeleteTrail removes the trail, then releases its images. Image cleanup
// failures are logged; the trail stays deleted.
func (s *TrailService) DeleteTrail(ctx context.Context, id string) error {
	if !s.caps.CanDelete {
		return fmt.Errorf("%w: deleting", ErrCapabilityDisabled)
	}

	removed, err := s.store.Delete(ctx, id)
	if err != nil {
		s.report(ctx, "delete", err)
		return err
	}

	if s.images != nil {
		if err := s.images.DeleteAll(ctx, id); err != nil {
			logging.Warnw(ctx, "Failed to release trail images", "trail.id", id, "images", len(removed.Images), "error", err)
		}
	}
	if err := s.renderer.Remove(ctx, id); err != nil {
		logging.Warnw(ctx, "Failed to remove trail from map", "trail.id", id, "error", err)
	}

	s.afterMutation(ctx)
	return nil
}

// ImportGeoJSON creates a trail from a GeoJSON Feature or FeatureCollection.
// name overrides the name found in the feature properties.
func (s *TrailService) ImportGeoJSON(ctx context.Context, name string, data []byte) (Result, error) {
	if !s.caps.CanEdit {
		return Result{}, fmt.Errorf("%w: importing", ErrCapabilityDisabled)
	}

	d, err := trail.ImportGeoJSON(data, name)
	if err != nil {
		return Result{}, fmt.Errorf("import geojson: %w", err)
	}

	warnings := s.nameWarnings(d.Name, "")
	t, err := s.store.Create(ctx, d)
	if err != nil {
		s.report(ctx, "import", err)
		return Result{}, err
	}

	logging.Infow(ctx, "Trail imported from GeoJSON", "trail.id", t.ID, "points", len(t.Coordinates))
	s.afterMutation(ctx)
	return Result{Trail: t, Warnings: warnings}, nil
}

// AddImages uploads images and appends them to an existing trail
func (s *TrailService) AddImages(ctx context.Context, id string, uploads []Upload) (Result, error) {
	if !s.caps.CanUpload {
		return Result{}, fmt.Errorf("%w: image upload", ErrCapabilityDisabled)
	}
	return s.update(ctx, id, trail.Patch{}, uploads)
}

// RemoveImage drops an image reference from the trail, then deletes the file
func (s *TrailService) RemoveImage(ctx context.Context, id, filename string) (trail.Trail, error) {
	if !s.caps.CanUpload {
		return trail.Trail{}, fmt.Errorf("%w: image upload", ErrCapabilityDisabled)
	}

	existing, err := s.store.Get(id)
	if err != nil {
		return trail.Trail{}, err
	}

	kept := make([]string, 0, len(existing.Images))
	for _, ref := range existing.Images {
		if images.FilenameFromRef(ref) != filename {
			kept = append(kept, ref)
		}
	}

	t := existing
	if len(kept) != len(existing.Images) {
		if t, err = s.store.Update(ctx, id, trail.Patch{Images: &kept}); err != nil {
			s.report(ctx, "remove image", err)
			return trail.Trail{}, err
		}
		s.afterMutation(ctx)
	}

	if s.images != nil {
		if err := s.images.Delete(ctx, id, filename); err != nil && !errors.Is(err, images.ErrNotFound) {
			logging.Warnw(ctx, "Failed to delete image file", "trail.id", id, "filename", filename, "error", err)
		}
	}
	return t, nil
}

// ListImages returns the image references held by the image store for a trail
func (s *TrailService) ListImages(ctx context.Context, id string) ([]string, error) {
	if _, err := s.store.Get(id); err != nil {
		return nil, err
	}
	if s.images == nil {
		return []string{}, nil
	}
	return s.images.List(ctx, id)
}

// OpenImage streams a stored image
func (s *TrailService) OpenImage(ctx context.Context, id, filename string) (io.ReadCloser, error) {
	if s.images == nil {
		return nil, images.ErrNotFound
	}
	return s.images.Open(ctx, id, filename)
}

// ListTrails returns trails matching f
func (s *TrailService) ListTrails(f trail.Filter) []trail.Trail {
	return s.store.List(f)
}

// GetTrail returns one trail
func (s *TrailService) GetTrail(id string) (trail.Trail, error) {
	return s.store.Get(id)
}

// Statistics summarizes the collection as it is now
func (s *TrailService) Statistics() trail.Statistics {
	return trail.ComputeStatistics(s.store.List(trail.FilterAll))
}

// MapFeatures returns the trails as map features
func (s *TrailService) MapFeatures() []render.Feature {
	return render.Features(s.store.List(trail.FilterAll), s.geoUtils)
}

// Highlight asks the map to emphasize one trail
func (s *TrailService) Highlight(ctx context.Context, id string) error {
	if _, err := s.store.Get(id); err != nil {
		return err
	}
	return s.renderer.Highlight(ctx, id)
}

// GeoJSON returns the collection as a FeatureCollection document
func (s *TrailService) GeoJSON() ([]byte, error) {
	return trail.ToFeatureCollection(s.store.List(trail.FilterAll)).MarshalJSON()
}

// KML writes the collection as a KML document
func (s *TrailService) KML(w io.Writer) error {
	return export.KML(w, "Trail Log", s.store.List(trail.FilterAll))
}

// ExportBackup returns an encoded backup of the current collection
func (s *TrailService) ExportBackup(ctx context.Context) ([]byte, error) {
	return backup.Encode(backup.Build(s.store.List(trail.FilterAll), s.now()))
}

// RestoreBackup replaces the collection with a backup document. The current
// state is saved as an auxiliary backup first when there is room for it.
func (s *TrailService) RestoreBackup(ctx context.Context, data []byte) (backup.Metadata, error) {
	if !s.caps.CanEdit {
		return backup.Metadata{}, fmt.Errorf("%w: restoring", ErrCapabilityDisabled)
	}

	doc, err := backup.Decode(data)
	if err != nil {
		return backup.Metadata{}, err
	}

	if s.store.Len() > 0 {
		if _, err := s.TakeBackup(ctx); err != nil {
			logging.Warnw(ctx, "Could not save current trails before restore", "error", err)
		}
	}

	if err := s.store.Replace(ctx, doc.Trails); err != nil {
		s.report(ctx, "restore", err)
		return backup.Metadata{}, fmt.Errorf("restore backup: %w", err)
	}

	s.afterMutation(ctx)
	restored := backup.Build(s.store.List(trail.FilterAll), doc.Timestamp)
	logging.Infow(ctx, "Restored trails from backup", "version", doc.Version, "trails", restored.Metadata.TotalTrails)
	return restored.Metadata, nil
}

// TakeBackup stores an auxiliary backup of the collection and returns its key
func (s *TrailService) TakeBackup(ctx context.Context) (string, error) {
	now := s.now()
	data, err := backup.Encode(backup.Build(s.store.List(trail.FilterAll), now))
	if err != nil {
		return "", err
	}

	key := persistence.BackupKey(now)
	if err := s.backend.PutAll(ctx, map[string][]byte{key: data}); err != nil {
		return "", fmt.Errorf("store backup: %w", err)
	}
	logging.Infow(ctx, "Auxiliary backup stored", "key", key, "bytes", len(data))
	return key, nil
}

// Backups lists auxiliary backup keys, oldest first
func (s *TrailService) Backups(ctx context.Context) ([]string, error) {
	return s.backend.Keys(ctx, persistence.BackupPrefix)
}

// StorageUsage reports durable storage usage
func (s *TrailService) StorageUsage(ctx context.Context) (persistence.Usage, error) {
	return s.backend.Usage(ctx)
}

// afterMutation redraws the map. Redraw errors are logged; they never fail
// the mutation.
func (s *TrailService) afterMutation(ctx context.Context) {
	features := render.Features(s.store.List(trail.FilterAll), s.geoUtils)
	if err := s.renderer.Draw(ctx, features); err != nil {
		logging.Warnw(ctx, "Map redraw failed", "error", err)
	}
}

// upload stores every upload under trailID and returns their references. On
// failure anything already uploaded is released. existing lists references
// the trail already holds; those are never released.
func (s *TrailService) upload(ctx context.Context, trailID string, uploads []Upload, existing []string) ([]string, error) {
	if len(uploads) == 0 {
		return nil, nil
	}
	if s.images == nil {
		return nil, fmt.Errorf("%w: no image store configured", ErrCapabilityDisabled)
	}

	refs := make([]string, 0, len(uploads))
	for _, u := range uploads {
		ref, err := s.images.Put(ctx, trailID, u.Filename, u.Body)
		if err != nil {
			s.release(ctx, trailID, newRefs(refs, existing))
			return nil, fmt.Errorf("upload %s: %w", u.Filename, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (s *TrailService) release(ctx context.Context, trailID string, refs []string) {
	if s.images == nil {
		return
	}
	for _, ref := range refs {
		if err := s.images.Delete(ctx, trailID, images.FilenameFromRef(ref)); err != nil && !errors.Is(err, images.ErrNotFound) {
			logging.Warnw(ctx, "Failed to release uploaded image", "trail.id", trailID, "ref", ref, "error", err)
		}
	}
}

// nameWarnings reports soft duplicates. When names are enforced the store
// rejects duplicates instead.
func (s *TrailService) nameWarnings(name, selfID string) []string {
	if s.unique {
		return nil
	}
	var warnings []string
	for _, t := range s.store.FindByName(name) {
		if t.ID != selfID {
			warnings = append(warnings, fmt.Sprintf("another trail is already named %q (id %s)", t.Name, t.ID))
		}
	}
	return warnings
}

// report sends unexpected failures to Sentry. Expected user errors are not reported.
func (s *TrailService) report(ctx context.Context, op string, err error) {
	switch {
	case errors.Is(err, trail.ErrNotFound),
		errors.Is(err, trail.ErrInvalidTrail),
		errors.Is(err, trail.ErrDuplicateName),
		errors.Is(err, trail.ErrDuplicateID),
		errors.Is(err, trail.ErrUnsupportedGeometryKind),
		errors.Is(err, trail.ErrNoCoordinatesExtracted):
		return
	}
	logging.Errorw(ctx, "Trail operation failed", "op", op, "error", err)
	telemetry.CaptureException(ctx, err, map[string]string{"op": op})
}

// newRefs returns refs not present in existing
func newRefs(refs, existing []string) []string {
	have := make(map[string]bool, len(existing))
	for _, r := range existing {
		have[r] = true
	}
	var out []string
	for _, r := range refs {
		if !have[r] {
			out = append(out, r)
		}
	}
	return out
}
