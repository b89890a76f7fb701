package trail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/google/uuid"

	"github.com/dpup/trailblog/server/internal/persistence"
)

// Reclaimer frees durable storage. Prune runs before every commit and is
// expected to be cheap when there is no pressure; Reclaim runs once after a
// commit is rejected for capacity.
type Reclaimer interface {
	Prune(ctx context.Context) (int, error)
	Reclaim(ctx context.Context) (int, error)
}

// Store is the authoritative in-memory trail collection. Every mutation is
// written through to the durable store before it becomes visible; a failed
// write leaves the collection exactly as it was.
type Store struct {
	backend   persistence.Store
	reclaimer Reclaimer

	uniqueNames bool
	now         func() time.Time
	newID       func() (string, error)

	mu     sync.RWMutex
	trails []Trail
	index  map[string]int
}

// Option configures a Store
type Option func(*Store)

// WithUniqueNames rejects duplicate names with ErrDuplicateName
func WithUniqueNames(enabled bool) Option {
	return func(s *Store) { s.uniqueNames = enabled }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides id generation
func WithIDGenerator(newID func() (string, error)) Option {
	return func(s *Store) { s.newID = newID }
}

// WithReclaimer sets the cleanup hook used when storage fills up
func WithReclaimer(r Reclaimer) Option {
	return func(s *Store) { s.reclaimer = r }
}

// NewStore creates an empty store backed by backend
func NewStore(backend persistence.Store, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
		newID:   newUUID,
		trails:  []Trail{},
		index:   map[string]int{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newUUID returns a time-ordered UUIDv7 string
func newUUID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewID reserves a fresh id that can be passed in a Draft
func (s *Store) NewID() (string, error) {
	return s.newID()
}

// Create adds a trail built from d and commits it
func (s *Store) Create(ctx context.Context, d Draft) (Trail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := d.ID
	if id == "" {
		var err error
		if id, err = s.newID(); err != nil {
			return Trail{}, fmt.Errorf("generate trail id: %w", err)
		}
	} else if _, exists := s.index[id]; exists {
		return Trail{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	t := d.build(id, s.timestamp())
	t.normalize()
	if err := t.validate(); err != nil {
		return Trail{}, err
	}
	if err := s.checkName(t.Name, ""); err != nil {
		return Trail{}, err
	}

	next := append(s.snapshot(), t)
	if err := s.commit(ctx, next); err != nil {
		return Trail{}, err
	}

	logging.Infow(ctx, "Trail created", "trail.id", t.ID, "trail.name", t.Name, "trail.length", t.Length)
	return t.Clone(), nil
}

// Update merges p into the trail with the given id and commits it
func (s *Store) Update(ctx context.Context, id string, p Patch) (Trail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return Trail{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	t := p.apply(s.trails[i], s.timestamp())
	t.normalize()
	if err := t.validate(); err != nil {
		return Trail{}, err
	}
	if err := s.checkName(t.Name, id); err != nil {
		return Trail{}, err
	}

	next := s.snapshot()
	next[i] = t
	if err := s.commit(ctx, next); err != nil {
		return Trail{}, err
	}

	logging.Infow(ctx, "Trail updated", "trail.id", id)
	return t.Clone(), nil
}

// Delete removes the trail with the given id and returns it so that the
// caller can release anything it references. The store never cascades.
func (s *Store) Delete(ctx context.Context, id string) (Trail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return Trail{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	removed := s.trails[i]

	current := s.snapshot()
	next := append(current[:i:i], current[i+1:]...)
	if err := s.commit(ctx, next); err != nil {
		return Trail{}, err
	}

	logging.Infow(ctx, "Trail deleted", "trail.id", id)
	return removed.Clone(), nil
}

// Replace swaps the whole collection, e.g. when restoring a backup. Missing
// ids and timestamps are filled in.
func (s *Store) Replace(ctx context.Context, trails []Trail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.prepare(trails)
	if err != nil {
		return err
	}
	if err := s.commit(ctx, next); err != nil {
		return err
	}

	logging.Infow(ctx, "Trail collection replaced", "count", len(next))
	return nil
}

// MergeResult reports what Merge changed
type MergeResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Merge folds incoming trails into the collection by id. An incoming record
// replaces the local one only when its UpdatedAt is later.
func (s *Store) Merge(ctx context.Context, incoming []Trail) (MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepared, err := s.prepare(incoming)
	if err != nil {
		return MergeResult{}, err
	}

	var result MergeResult
	next := s.snapshot()
	positions := make(map[string]int, len(s.index))
	for id, i := range s.index {
		positions[id] = i
	}

	for _, t := range prepared {
		i, exists := positions[t.ID]
		switch {
		case !exists:
			positions[t.ID] = len(next)
			next = append(next, t)
			result.Added++
		case t.UpdatedAt.After(next[i].UpdatedAt):
			next[i] = t
			result.Updated++
		default:
			result.Skipped++
		}
	}

	if result.Added == 0 && result.Updated == 0 {
		return result, nil
	}
	if err := s.commit(ctx, next); err != nil {
		return MergeResult{}, err
	}
	return result, nil
}

// Get returns a copy of the trail with the given id
func (s *Store) Get(id string) (Trail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return Trail{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.trails[i].Clone(), nil
}

// List returns copies of the trails matching f in insertion order
func (s *Store) List(f Filter) []Trail {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Trail, 0, len(s.trails))
	for _, t := range s.trails {
		if f.Match(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// FindByName returns trails whose name matches case-insensitively. Used for
// soft duplicate warnings.
func (s *Store) FindByName(name string) []Trail {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Trail
	for _, t := range s.trails {
		if sameName(t.Name, name) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Len returns the number of trails
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trails)
}

// LoadFromPersistence rehydrates the collection from the durable store. It
// reports whether any stored collection was found. The flat record list is
// preferred; the GeoJSON mirror is used when only it is present.
func (s *Store) LoadFromPersistence(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var trails []Trail
	data, err := s.backend.Get(ctx, persistence.TrailsKey)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &trails); err != nil {
			return false, fmt.Errorf("%w: stored trails: %v", ErrMalformedImportPayload, err)
		}
	case errors.Is(err, persistence.ErrKeyNotFound):
		mirror, err := s.backend.Get(ctx, persistence.TrailsGeoJSONKey)
		if errors.Is(err, persistence.ErrKeyNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("load trail mirror: %w", err)
		}
		if trails, err = DecodeFeatureCollection(mirror); err != nil {
			return false, err
		}
	default:
		return false, fmt.Errorf("load trails: %w", err)
	}

	prepared, err := s.prepare(trails)
	if err != nil {
		return false, err
	}
	s.swap(prepared)

	logging.Infow(ctx, "Trails loaded from storage", "count", len(prepared))
	return true, nil
}

// prepare validates a full collection and fills in ids and timestamps
func (s *Store) prepare(trails []Trail) ([]Trail, error) {
	now := s.timestamp()
	seen := make(map[string]bool, len(trails))
	out := make([]Trail, 0, len(trails))

	for _, in := range trails {
		t := in.Clone()
		if t.ID == "" {
			id, err := s.newID()
			if err != nil {
				return nil, fmt.Errorf("generate trail id: %w", err)
			}
			t.ID = id
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
		}
		seen[t.ID] = true

		if t.Difficulty == "" {
			t.Difficulty = Moderate
		}
		if t.Status == "" {
			t.Status = statusFor(t.DateHiked)
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = t.CreatedAt
		}
		t.normalize()
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("trail %s: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// commit writes next to the durable store and swaps it in on success. A
// capacity rejection triggers one reclaim and one retry.
func (s *Store) commit(ctx context.Context, next []Trail) error {
	entries, err := encodeCollection(next)
	if err != nil {
		return err
	}

	if s.reclaimer != nil {
		if _, err := s.reclaimer.Prune(ctx); err != nil {
			logging.Warnw(ctx, "Storage prune failed", "error", err)
		}
	}

	err = s.backend.PutAll(ctx, entries)
	if errors.Is(err, persistence.ErrCapacityExceeded) && s.reclaimer != nil {
		removed, rerr := s.reclaimer.Reclaim(ctx)
		logging.Warnw(ctx, "Trail storage full, reclaimed space and retrying",
			"removed_backups", removed, "reclaim_error", rerr)
		if rerr == nil {
			err = s.backend.PutAll(ctx, entries)
		}
	}

	if errors.Is(err, persistence.ErrCapacityExceeded) {
		return fmt.Errorf("%w: %w", ErrPersistenceCapacityExceeded, err)
	}
	if err != nil {
		return fmt.Errorf("persist trails: %w", err)
	}

	s.swap(next)
	return nil
}

// swap installs next as the visible collection. Caller holds the write lock.
func (s *Store) swap(next []Trail) {
	index := make(map[string]int, len(next))
	for i, t := range next {
		index[t.ID] = i
	}
	s.trails = next
	s.index = index
}

// snapshot copies the slice header contents so mutations never touch the
// visible collection. Caller holds the lock.
func (s *Store) snapshot() []Trail {
	return append(make([]Trail, 0, len(s.trails)+1), s.trails...)
}

func (s *Store) checkName(name, selfID string) error {
	if !s.uniqueNames {
		return nil
	}
	for _, t := range s.trails {
		if t.ID != selfID && sameName(t.Name, name) {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
	}
	return nil
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

func sameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// encodeCollection produces the flat record list and the GeoJSON mirror
func encodeCollection(trails []Trail) (map[string][]byte, error) {
	flat, err := json.Marshal(trails)
	if err != nil {
		return nil, fmt.Errorf("encode trails: %w", err)
	}
	mirror, err := ToFeatureCollection(trails).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode trail mirror: %w", err)
	}
	return map[string][]byte{
		persistence.TrailsKey:        flat,
		persistence.TrailsGeoJSONKey: mirror,
	}, nil
}
