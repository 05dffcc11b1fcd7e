package delta

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hevysync.dev/agent/internal/clock"
	"hevysync.dev/agent/pagination"
	"hevysync.dev/agent/store"
)

// memCursor is an in-memory CursorStore double.
type memCursor struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemCursor() *memCursor { return &memCursor{values: map[string]string{}} }

func (m *memCursor) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memCursor) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// memStore is a minimal in-memory TabularStore double covering the
// operations delta actually exercises.
type memStore struct {
	mu    sync.Mutex
	rows  map[string][]store.Row
	idCol map[string]int
}

func newMemStore() *memStore {
	return &memStore{rows: map[string][]store.Row{}, idCol: map[string]int{}}
}

type memSheet struct {
	name  string
	store *memStore
}

func (s memSheet) Name() string { return s.name }
func (s memSheet) IDColumn(ctx context.Context) (int, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	idx, ok := s.store.idCol[s.name]
	if !ok {
		return -1, nil
	}
	return idx, nil
}

func (s *memStore) GetSheetByName(ctx context.Context, name string, createIfMissing bool) (store.Sheet, error) {
	s.mu.Lock()
	if _, ok := s.idCol[name]; !ok {
		s.idCol[name] = 0 // workouts sheet: id is column 0
	}
	s.mu.Unlock()
	return memSheet{name: name, store: s}, nil
}

func (s *memStore) ReadRange(ctx context.Context, sheet store.Sheet, startRow, count int) ([]store.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.rows[sheet.Name()]
	var out []store.Row
	for i := startRow; i < startRow+count && i < len(all); i++ {
		if all[i] != nil {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *memStore) WriteRange(ctx context.Context, sheet store.Sheet, startRow int, rows []store.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.rows[sheet.Name()]
	for i, r := range rows {
		idx := startRow + i
		for idx >= len(all) {
			all = append(all, nil)
		}
		all[idx] = r
	}
	s.rows[sheet.Name()] = all
	return nil
}

func (s *memStore) ClearRange(ctx context.Context, sheet store.Sheet, startRow, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.rows[sheet.Name()]
	for i := startRow; i < startRow+count && i < len(all); i++ {
		all[i] = nil
	}
	return nil
}

func (s *memStore) InsertRowsAt(ctx context.Context, sheet store.Sheet, startRow int, rows []store.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.rows[sheet.Name()]
	head := append([]store.Row(nil), rows...)
	head = append(head, all[startRow:]...)
	s.rows[sheet.Name()] = append(all[:startRow:startRow], head...)
	return nil
}

func (s *memStore) LastRow(ctx context.Context, sheet store.Sheet) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.rows[sheet.Name()]
	for i := len(all) - 1; i >= 0; i-- {
		if all[i] != nil {
			return i, nil
		}
	}
	return -1, nil
}

func (s *memStore) LastColumn(ctx context.Context, sheet store.Sheet) (int, error) {
	return 0, nil
}

func simpleProjector(id string, payload json.RawMessage) []store.Row {
	var body struct {
		Title string `json:"title"`
	}
	_ = json.Unmarshal(payload, &body)
	return []store.Row{{id, body.Title}}
}

func newTestImporter(s store.TabularStore, cursor CursorStore, fetch Fetcher, fc *clock.Fake) *Importer {
	return New(Config{
		Store:          s,
		Cursor:         cursor,
		Fetch:          fetch,
		Project:        simpleProjector,
		Clock:          fc,
		BatchSize:      2,
		InterPageDelay: 10 * time.Millisecond,
		MinSuccess:     0,
		FailureRate:    0.5,
	})
}

func TestHasCursor_FalseThenTrueAfterPersist(t *testing.T) {
	cursor := newMemCursor()
	imp := newTestImporter(newMemStore(), cursor, nil, clock.NewFake(time.Now()))

	has, err := imp.HasCursor()
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, imp.persistCursor())

	has, err = imp.HasCursor()
	require.NoError(t, err)
	assert.True(t, has)
}

func TestPartition_SplitsAndDedupesByType(t *testing.T) {
	events := []Event{
		{ID: "a", Type: "created"},
		{ID: "b", Type: "deleted"},
		{ID: "a", Type: "updated"}, // duplicate upsert id, should not repeat
		{ID: "b", Type: "deleted"}, // duplicate delete id, should not repeat
		{ID: "c", Type: "updated"},
	}
	deleted, upserts := partition(events)
	assert.Equal(t, []string{"b"}, deleted)
	assert.Equal(t, []string{"a", "c"}, upserts)
}

func TestEvent_UnmarshalJSON_FallsBackToEmbeddedWorkoutID(t *testing.T) {
	var e Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"deleted","workout":{"id":"w9"}}`), &e))
	assert.Equal(t, "w9", e.ID)
	assert.Equal(t, "deleted", e.Type)
}

func TestEvent_UnmarshalJSON_TopLevelIDTakesPrecedence(t *testing.T) {
	var e Event
	require.NoError(t, json.Unmarshal([]byte(`{"id":"top","type":"deleted","workout":{"id":"nested"}}`), &e))
	assert.Equal(t, "top", e.ID)
}

func TestRunDelta_AppliesDeletesAndUpserts(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()
	sheet, err := s.GetSheetByName(ctx, "workouts", true)
	require.NoError(t, err)
	require.NoError(t, s.WriteRange(ctx, sheet, 0, []store.Row{
		{"w1", "Old Leg Day"},
		{"w2", "Old Push Day"},
	}))

	cursor := newMemCursor()
	require.NoError(t, cursor.Set(cursorKey, "2026-01-01T00:00:00Z"))

	fetch := func(ctx context.Context, id string) (json.RawMessage, error) {
		return json.RawMessage(fmt.Sprintf(`{"title":"Updated %s"}`, id)), nil
	}

	fc := clock.NewFake(time.Now())
	imp := newTestImporter(s, cursor, fetch, fc)

	walk := func(ctx context.Context, since string, cancelCheck pagination.CancelCheck) ([]Event, error) {
		assert.Equal(t, "2026-01-01T00:00:00Z", since)
		return []Event{
			{ID: "w2", Type: "deleted"},
			{ID: "w1", Type: "updated"},
			{ID: "w3", Type: "created"},
		}, nil
	}

	err = imp.RunDelta(ctx, walk, func() bool { return false })
	require.NoError(t, err)

	last, err := s.LastRow(ctx, sheet)
	require.NoError(t, err)
	rows, err := s.ReadRange(ctx, sheet, 0, last+1)
	require.NoError(t, err)

	ids := map[string]string{}
	for _, r := range rows {
		ids[r[0].(string)] = r[1].(string)
	}
	assert.Equal(t, "Updated w1", ids["w1"])
	assert.NotContains(t, ids, "w2")
	assert.Equal(t, "Updated w3", ids["w3"])

	newCursor, found, err := cursor.Get(cursorKey)
	require.NoError(t, err)
	assert.True(t, found)
	assert.NotEqual(t, "2026-01-01T00:00:00Z", newCursor)
}

func TestRunDelta_FailureGateRejectsWhenRateExceeded(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()
	_, err := s.GetSheetByName(ctx, "workouts", true)
	require.NoError(t, err)

	cursor := newMemCursor()

	var calls sync.Map
	fetch := func(ctx context.Context, id string) (json.RawMessage, error) {
		calls.Store(id, true)
		if id == "good" {
			return json.RawMessage(`{"title":"ok"}`), nil
		}
		return nil, fmt.Errorf("boom")
	}

	fc := clock.NewFake(time.Now())
	imp := New(Config{
		Store:          s,
		Cursor:         cursor,
		Fetch:          fetch,
		Project:        simpleProjector,
		Clock:          fc,
		BatchSize:      3,
		InterPageDelay: 0,
		MinSuccess:     0,
		FailureRate:    0.2,
	})

	walk := func(ctx context.Context, since string, cancelCheck pagination.CancelCheck) ([]Event, error) {
		return []Event{
			{ID: "good", Type: "created"},
			{ID: "bad1", Type: "created"},
			{ID: "bad2", Type: "created"},
		}, nil
	}

	err = imp.RunDelta(ctx, walk, func() bool { return false })
	require.Error(t, err)
}

func TestRunDelta_NoUpsertsOrDeletesStillPersistsCursor(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()
	_, err := s.GetSheetByName(ctx, "workouts", true)
	require.NoError(t, err)

	cursor := newMemCursor()
	fc := clock.NewFake(time.Now())
	imp := newTestImporter(s, cursor, nil, fc)

	walk := func(ctx context.Context, since string, cancelCheck pagination.CancelCheck) ([]Event, error) {
		return nil, nil
	}

	require.NoError(t, imp.RunDelta(ctx, walk, func() bool { return false }))

	_, found, err := cursor.Get(cursorKey)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRunBootstrap_WritesAllProjectedRowsAndPersistsCursor(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()
	_, err := s.GetSheetByName(ctx, "workouts", true)
	require.NoError(t, err)

	cursor := newMemCursor()
	fc := clock.NewFake(time.Now())
	imp := newTestImporter(s, cursor, nil, fc)

	items := []json.RawMessage{
		json.RawMessage(`{"id":"w1","title":"Leg Day"}`),
		json.RawMessage(`{"id":"w2","title":"Push Day"}`),
	}

	walkAll := func(ctx context.Context, onPage func(items []json.RawMessage) error, cancelCheck pagination.CancelCheck) error {
		return onPage(items)
	}

	require.NoError(t, imp.RunBootstrap(ctx, walkAll, func() bool { return false }))

	sheet, _ := s.GetSheetByName(ctx, "workouts", true)
	last, err := s.LastRow(ctx, sheet)
	require.NoError(t, err)
	assert.Equal(t, 1, last)

	_, found, err := cursor.Get(cursorKey)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestFetchUpserts_RunsInBoundedBatchesAndRespectsCancelCheck(t *testing.T) {
	s := newMemStore()
	cursor := newMemCursor()
	fc := clock.NewFake(time.Now())

	var mu sync.Mutex
	var fetched []string
	fetch := func(ctx context.Context, id string) (json.RawMessage, error) {
		mu.Lock()
		fetched = append(fetched, id)
		mu.Unlock()
		return json.RawMessage(`{"title":"x"}`), nil
	}

	imp := New(Config{
		Store: s, Cursor: cursor, Fetch: fetch, Project: simpleProjector,
		Clock: fc, BatchSize: 2, InterPageDelay: 0, MinSuccess: 0, FailureRate: 1,
	})

	calls := 0
	cancelAfterThree := func() bool {
		calls++
		return calls > 3
	}

	results := imp.fetchUpserts(context.Background(), []string{"a", "b", "c", "d", "e"}, cancelAfterThree)
	require.Len(t, results, 5)

	var cancelled int
	for _, r := range results {
		if r.err != nil {
			cancelled++
		}
	}
	assert.Greater(t, cancelled, 0)
}

func TestContiguousSegments_UsedByApplyUpserts(t *testing.T) {
	// Sanity check that delta relies on store.ContiguousSegments's
	// [start,count) shape the way applyUpserts expects.
	segs := store.ContiguousSegments([]int{2, 3, 7})
	assert.Equal(t, [][2]int{{2, 2}, {7, 1}}, segs)
}
