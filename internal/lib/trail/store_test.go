package trail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/trailblog/server/internal/persistence"
)

// testContext returns a context carrying a development logger
func testContext() context.Context {
	return logging.With(context.Background(), logging.NewDevLogger())
}

var testNow = time.Date(2024, 6, 1, 15, 4, 5, 0, time.UTC)

// newTestStore returns a store with a fixed clock and sequential ids
func newTestStore(t *testing.T, backend persistence.Store, opts ...Option) *Store {
	t.Helper()
	seq := 0
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithIDGenerator(func() (string, error) {
			seq++
			return fmt.Sprintf("trail-%03d", seq), nil
		}),
	}
	return NewStore(backend, append(base, opts...)...)
}

func naturalBridgeDraft() Draft {
	return Draft{
		Name:       "Natural Bridge Trail",
		Park:       "red-river-gorge",
		Difficulty: Moderate,
		Coordinates: orb.LineString{
			{-83.6167, 37.8333},
			{-83.6100, 37.8300},
			{-83.6050, 37.8280},
			{-83.6000, 37.8250},
		},
	}
}

func TestStore_Create(t *testing.T) {
	ctx := testContext()
	store := newTestStore(t, persistence.NewMemoryStore(0))

	created, err := store.Create(ctx, naturalBridgeDraft())
	require.NoError(t, err)

	assert.Equal(t, "trail-001", created.ID)
	assert.Equal(t, 1.1, created.Length, "Length should be computed from coordinates")
	assert.Equal(t, Unhiked, created.Status, "No hike date means unhiked")
	assert.Equal(t, testNow, created.CreatedAt)
	assert.Equal(t, testNow, created.UpdatedAt)
	assert.NotNil(t, created.Images)

	got, err := store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)
}

func TestStore_CreateDefaults(t *testing.T) {
	ctx := testContext()
	store := newTestStore(t, persistence.NewMemoryStore(0))

	date := NewDate(2024, 5, 20)
	length := 2.5
	created, err := store.Create(ctx, Draft{Name: "Form Trail", Length: &length, DateHiked: &date})
	require.NoError(t, err)

	assert.Equal(t, Moderate, created.Difficulty)
	assert.Equal(t, Hiked, created.Status, "A hike date implies hiked")
	assert.Equal(t, 2.5, created.Length, "User supplied length wins")
	assert.Empty(t, created.Coordinates)
	assert.NotNil(t, created.Coordinates)
}

func TestStore_CreateValidation(t *testing.T) {
	ctx := testContext()
	store := newTestStore(t, persistence.NewMemoryStore(0))

	_, err := store.Create(ctx, Draft{Name: "  "})
	assert.ErrorIs(t, err, ErrInvalidTrail)

	negative := -1.0
	_, err = store.Create(ctx, Draft{Name: "Backwards", Length: &negative})
	assert.ErrorIs(t, err, ErrInvalidTrail)

	_, err = store.Create(ctx, Draft{Name: "Cliff", Difficulty: "extreme"})
	assert.ErrorIs(t, err, ErrInvalidTrail)

	assert.Equal(t, 0, store.Len(), "Rejected drafts are never stored")
}

func TestStore_RejectsNonFiniteLength(t *testing.T) {
	ctx := testContext()
	store := newTestStore(t, persistence.NewMemoryStore(0))

	// Far out of range coordinates overflow the distance formula
	_, err := store.Create(ctx, Draft{Name: "Off the map", Coordinates: orb.LineString{{0, 0}, {1e308, 1e308}}})
	assert.ErrorIs(t, err, ErrInvalidTrail)

	nan := math.NaN()
	_, err = store.Create(ctx, Draft{Name: "Unknown", Length: &nan})
	assert.ErrorIs(t, err, ErrInvalidTrail)

	created, err := store.Create(ctx, naturalBridgeDraft())
	require.NoError(t, err)
	inf := math.Inf(1)
	_, err = store.Update(ctx, created.ID, Patch{Length: &inf})
	assert.ErrorIs(t, err, ErrInvalidTrail)

	// Out of range but finite coordinates are still accepted
	_, err = store.Create(ctx, Draft{Name: "Wrapped", Coordinates: orb.LineString{{-83.6, 37.8}, {200, 95}}})
	require.NoError(t, err)

	data, err := json.Marshal(store.List(FilterAll))
	require.NoError(t, err, "Every stored trail encodes")
	assert.NotEmpty(t, data)
}

func TestStore_LoadEmptyCollection(t *testing.T) {
	ctx := testContext()
	backend := persistence.NewMemoryStore(0)
	store := newTestStore(t, backend)

	created, err := store.Create(ctx, naturalBridgeDraft())
	require.NoError(t, err)
	_, err = store.Delete(ctx, created.ID)
	require.NoError(t, err)

	raw, err := backend.Get(ctx, persistence.TrailsKey)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(raw))

	reloaded := newTestStore(t, backend)
	loaded, err := reloaded.LoadFromPersistence(ctx)
	require.NoError(t, err)
	assert.True(t, loaded, "A collection emptied by the user counts as loaded so it is not reseeded")
	assert.Equal(t, 0, reloaded.Len())
}

func TestStore_PresetID(t *testing.T) {
	ctx := testContext()
	store := newTestStore(t, persistence.NewMemoryStore(0))

	id, err := store.NewID()
	require.NoError(t, err)

	draft := naturalBridgeDraft()
	draft.ID = id
	created, err := store.Create(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, id, created.ID)

	_, err = store.Create(ctx, draft)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestStore_DuplicateNames(t *testing.T) {
	ctx := testContext()

	t.Run("soft by default", func(t *testing.T) {
		store := newTestStore(t, persistence.NewMemoryStore(0))
		_, err := store.Create(ctx, naturalBridgeDraft())
		require.NoError(t, err)
		_, err = store.Create(ctx, naturalBridgeDraft())
		require.NoError(t, err)

		assert.Len(t, store.FindByName("natural bridge trail "), 2, "Names compare case-insensitively")
	})

	t.Run("enforced", func(t *testing.T) {
		store := newTestStore(t, persistence.NewMemoryStore(0), WithUniqueNames(true))
		first, err := store.Create(ctx, naturalBridgeDraft())
		require.NoError(t, err)

		_, err = store.Create(ctx, naturalBridgeDraft())
		assert.ErrorIs(t, err, ErrDuplicateName)

		// Renaming to its own name is not a conflict
		name := "NATURAL BRIDGE TRAIL"
		_, err = store.Update(ctx, first.ID, Patch{Name: &name})
		assert.NoError(t, err)
	})
}

func TestStore_Update(t *testing.T) {
	ctx := testContext()
	store := newTestStore(t, persistence.NewMemoryStore(0))

	created, err := store.Create(ctx, naturalBridgeDraft())
	require.NoError(t, err)

	later := testNow.Add(time.Hour)
	store.now = func() time.Time { return later }

	date := NewDate(2024, 6, 1)
	description := "Sandstone arch, busy on weekends"
	updated, err := store.Update(ctx, created.ID, Patch{
		DateHiked:    &date,
		Description:  &description,
		AppendImages: []string{"/api/images/trail-001/arch.jpg"},
	})
	require.NoError(t, err)

	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt, "Creation time is preserved")
	assert.Equal(t, later, updated.UpdatedAt)
	assert.Equal(t, Hiked, updated.Status, "Setting a date marks the trail hiked")
	assert.Equal(t, created.Coordinates, updated.Coordinates, "Coordinates survive edits without geometry")
	assert.Equal(t, created.Length, updated.Length)
	assert.Equal(t, []string{"/api/images/trail-001/arch.jpg"}, updated.Images)

	// Clearing the date reverts the status
	updated, err = store.Update(ctx, created.ID, Patch{ClearDateHiked: true})
	require.NoError(t, err)
	assert.Nil(t, updated.DateHiked)
	assert.Equal(t, Unhiked, updated.Status)

	// Explicit status wins over derivation
	hiked := Hiked
	updated, err = store.Update(ctx, created.ID, Patch{Status: &hiked})
	require.NoError(t, err)
	assert.Equal(t, Hiked, updated.Status)
	assert.Nil(t, updated.DateHiked, "hiked without a date is allowed")
}

func TestStore_UpdateGeometry(t *testing.T) {
	ctx := testContext()
	store := newTestStore(t, persistence.NewMemoryStore(0))

	created, err := store.Create(ctx, Draft{Name: "Sketch"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, created.Length)

	updated, err := store.Update(ctx, created.ID, Patch{
		Geometry: &GeometryPatch{Coordinates: orb.LineString{{0, 0}, {0, 1}}},
	})
	require.NoError(t, err)
	assert.Len(t, updated.Coordinates, 2)
	assert.Equal(t, 69.1, updated.Length, "Length is recomputed with new geometry")
}

func TestStore_UpdateMissing(t *testing.T) {
	store := newTestStore(t, persistence.NewMemoryStore(0))
	name := "Ghost"
	_, err := store.Update(testContext(), "nope", Patch{Name: &name})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteThenList(t *testing.T) {
	ctx := testContext()
	store := newTestStore(t, persistence.NewMemoryStore(0))

	var ids []string
	for _, name := range []string{"Natural Bridge Trail", "Gray's Arch Trail", "Indian Staircase"} {
		d := naturalBridgeDraft()
		d.Name = name
		created, err := store.Create(ctx, d)
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}
	before := ComputeStatistics(store.List(FilterAll)).TotalTrails

	removed, err := store.Delete(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, "Gray's Arch Trail", removed.Name, "Delete returns the removed record")

	all := store.List(FilterAll)
	for _, tr := range all {
		assert.NotEqual(t, ids[1], tr.ID)
	}
	assert.Equal(t, before-1, ComputeStatistics(all).TotalTrails)
	assert.Equal(t, []string{ids[0], ids[2]}, []string{all[0].ID, all[1].ID}, "Insertion order is kept")

	_, err = store.Delete(ctx, ids[1])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListFilter(t *testing.T) {
	ctx := testContext()
	store := newTestStore(t, persistence.NewMemoryStore(0))

	date := NewDate(2024, 4, 1)
	_, err := store.Create(ctx, Draft{Name: "Done", DateHiked: &date})
	require.NoError(t, err)
	_, err = store.Create(ctx, Draft{Name: "Todo"})
	require.NoError(t, err)

	assert.Len(t, store.List(FilterAll), 2)
	require.Len(t, store.List(FilterHiked), 1)
	assert.Equal(t, "Done", store.List(FilterHiked)[0].Name)
	require.Len(t, store.List(FilterUnhiked), 1)
	assert.Equal(t, "Todo", store.List(FilterUnhiked)[0].Name)
}

func TestStore_ListReturnsCopies(t *testing.T) {
	ctx := testContext()
	store := newTestStore(t, persistence.NewMemoryStore(0))
	created, err := store.Create(ctx, naturalBridgeDraft())
	require.NoError(t, err)

	list := store.List(FilterAll)
	list[0].Name = "Mutated"
	list[0].Coordinates[0] = orb.Point{0, 0}

	got, err := store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Natural Bridge Trail", got.Name)
	assert.Equal(t, orb.Point{-83.6167, 37.8333}, got.Coordinates[0])
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := testContext()
	backend := persistence.NewMemoryStore(0)
	store := newTestStore(t, backend)

	date := NewDate(2024, 5, 20)
	draft := naturalBridgeDraft()
	draft.DateHiked = &date
	draft.Images = []string{"/api/images/trail-001/a.jpg"}
	draft.SourceGeometry = json.RawMessage(`{"type":"Polygon","coordinates":[[[-83.6167,37.8333],[-83.61,37.83],[-83.605,37.828],[-83.6167,37.8333]]]}`)
	created, err := store.Create(ctx, draft)
	require.NoError(t, err)

	reloaded := newTestStore(t, backend)
	loaded, err := reloaded.LoadFromPersistence(ctx)
	require.NoError(t, err)
	assert.True(t, loaded)

	got, err := reloaded.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)
}

func TestStore_LoadEmpty(t *testing.T) {
	store := newTestStore(t, persistence.NewMemoryStore(0))
	loaded, err := store.LoadFromPersistence(testContext())
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Equal(t, 0, store.Len())
}

func TestStore_LoadFromMirrorOnly(t *testing.T) {
	ctx := testContext()
	backend := persistence.NewMemoryStore(0)
	store := newTestStore(t, backend)

	created, err := store.Create(ctx, naturalBridgeDraft())
	require.NoError(t, err)
	require.NoError(t, backend.Delete(ctx, persistence.TrailsKey))

	reloaded := newTestStore(t, backend)
	loaded, err := reloaded.LoadFromPersistence(ctx)
	require.NoError(t, err)
	require.True(t, loaded)

	got, err := reloaded.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, got.Name)
	assert.Equal(t, created.Coordinates, got.Coordinates)
	assert.Equal(t, created.CreatedAt, got.CreatedAt)
}

func TestStore_LoadCorrupt(t *testing.T) {
	ctx := testContext()
	backend := persistence.NewMemoryStore(0)
	require.NoError(t, backend.PutAll(ctx, map[string][]byte{persistence.TrailsKey: []byte("{oops")}))

	store := newTestStore(t, backend)
	_, err := store.LoadFromPersistence(ctx)
	assert.ErrorIs(t, err, ErrMalformedImportPayload)
}

// fakeReclaimer frees quota on the backing memory store when asked
type fakeReclaimer struct {
	store    *persistence.MemoryStore
	newQuota int64
	prunes   int
	reclaims int
	err      error
}

func (f *fakeReclaimer) Prune(ctx context.Context) (int, error) {
	f.prunes++
	return 0, nil
}

func (f *fakeReclaimer) Reclaim(ctx context.Context) (int, error) {
	f.reclaims++
	if f.err != nil {
		return 0, f.err
	}
	f.store.SetQuota(f.newQuota)
	return 1, nil
}

func TestStore_CapacityRetrySucceeds(t *testing.T) {
	ctx := testContext()
	backend := persistence.NewMemoryStore(10)
	reclaimer := &fakeReclaimer{store: backend, newQuota: 0}
	store := newTestStore(t, backend, WithReclaimer(reclaimer))

	created, err := store.Create(ctx, naturalBridgeDraft())
	require.NoError(t, err, "Cleanup should free enough space for the retry")
	assert.Equal(t, 1, reclaimer.reclaims)
	assert.Equal(t, 1, reclaimer.prunes)

	_, err = store.Get(created.ID)
	assert.NoError(t, err)
}

func TestStore_CapacityRetryFails(t *testing.T) {
	ctx := testContext()
	backend := persistence.NewMemoryStore(0)
	store := newTestStore(t, backend)

	existing, err := store.Create(ctx, naturalBridgeDraft())
	require.NoError(t, err)

	usage, err := backend.Usage(ctx)
	require.NoError(t, err)
	backend.SetQuota(usage.UsedBytes) // full
	reclaimer := &fakeReclaimer{store: backend, newQuota: usage.UsedBytes}
	store.reclaimer = reclaimer

	_, err = store.Create(ctx, Draft{Name: "One Too Many"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistenceCapacityExceeded)
	assert.ErrorIs(t, err, persistence.ErrCapacityExceeded)
	assert.Contains(t, err.Error(), "export a backup")
	assert.Equal(t, 1, reclaimer.reclaims, "Exactly one retry")

	// Rolled back: visible state unchanged
	assert.Equal(t, 1, store.Len())
	all := store.List(FilterAll)
	assert.Equal(t, existing.ID, all[0].ID)

	// Update and delete roll back too
	name := "Renamed"
	_, err = store.Update(ctx, existing.ID, Patch{Name: &name, Description: ptr("a much longer description than before")})
	assert.ErrorIs(t, err, ErrPersistenceCapacityExceeded)
	got, _ := store.Get(existing.ID)
	assert.Equal(t, "Natural Bridge Trail", got.Name)
}

func TestStore_ReclaimErrorSurfacesCapacity(t *testing.T) {
	ctx := testContext()
	backend := persistence.NewMemoryStore(5)
	reclaimer := &fakeReclaimer{store: backend, err: errors.New("listing failed")}
	store := newTestStore(t, backend, WithReclaimer(reclaimer))

	_, err := store.Create(ctx, naturalBridgeDraft())
	assert.ErrorIs(t, err, ErrPersistenceCapacityExceeded)
	assert.Equal(t, 0, store.Len())
}

func TestStore_Replace(t *testing.T) {
	ctx := testContext()
	store := newTestStore(t, persistence.NewMemoryStore(0))
	_, err := store.Create(ctx, naturalBridgeDraft())
	require.NoError(t, err)

	err = store.Replace(ctx, []Trail{
		{ID: "a", Name: "Alpha", Length: 1, Difficulty: Easy, Status: Unhiked},
		{Name: "Beta"},
	})
	require.NoError(t, err)

	all := store.List(FilterAll)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.NotEmpty(t, all[1].ID, "Missing ids are generated")
	assert.Equal(t, Moderate, all[1].Difficulty)
	assert.Equal(t, testNow, all[1].CreatedAt)

	err = store.Replace(ctx, []Trail{{ID: "x", Name: "One"}, {ID: "x", Name: "Two"}})
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Len(t, store.List(FilterAll), 2, "Failed replace leaves state untouched")
}

func TestStore_Merge(t *testing.T) {
	ctx := testContext()
	store := newTestStore(t, persistence.NewMemoryStore(0))
	require.NoError(t, store.Replace(ctx, []Trail{
		{ID: "a", Name: "Alpha", UpdatedAt: testNow},
		{ID: "b", Name: "Beta", UpdatedAt: testNow},
	}))

	result, err := store.Merge(ctx, []Trail{
		{ID: "a", Name: "Alpha (newer)", UpdatedAt: testNow.Add(time.Minute)},
		{ID: "b", Name: "Beta (older)", UpdatedAt: testNow.Add(-time.Minute)},
		{ID: "c", Name: "Gamma"},
	})
	require.NoError(t, err)
	assert.Equal(t, MergeResult{Added: 1, Updated: 1, Skipped: 1}, result)

	a, _ := store.Get("a")
	b, _ := store.Get("b")
	assert.Equal(t, "Alpha (newer)", a.Name, "Last writer wins")
	assert.Equal(t, "Beta", b.Name)
	assert.Equal(t, 3, store.Len())
}

func ptr[T any](v T) *T {
	return &v
}
