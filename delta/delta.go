// Package delta implements the event-driven workout reconciliation
// engine described in spec.md §4.9: walk workouts/events since a
// cursor, partition into deletions and upserts, fetch upserts in
// bounded concurrent batches, gate on a failure-rate threshold, and
// apply the result to the tabular store with contiguous block writes.
// The bounded-batch fetch is grounded on the teacher's worker pool:
// a fixed number of concurrent units of work draining a shared input,
// adapted here from a blocking job queue to a simple batched fan-out
// since delta's input (a slice of ids) is already fully known up front.
package delta

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"hevysync.dev/agent/internal/clock"
	"hevysync.dev/agent/internal/herrors"
	"hevysync.dev/agent/internal/logging"
	"hevysync.dev/agent/pagination"
	"hevysync.dev/agent/store"
)

// Event is one entry from the workouts/events endpoint. Per spec.md §3
// and §4.9, the id may come from either a top-level "id" field or an
// embedded "workout" object — deleted events in particular are observed
// carrying only the latter.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"` // "created", "updated", "deleted"
}

// UnmarshalJSON decodes Event's own fields, then falls back to an
// embedded workout object's id if the top-level id is absent.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Workout struct {
			ID string `json:"id"`
		} `json:"workout"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.ID = raw.ID
	e.Type = raw.Type
	if e.ID == "" {
		e.ID = raw.Workout.ID
	}
	return nil
}

// Fetcher performs a single GET /workouts/{id} and returns the decoded
// workout as a json.RawMessage (projection into rows happens in
// Project, kept separate so tests can supply fixed fixtures).
type Fetcher func(ctx context.Context, id string) (json.RawMessage, error)

// Projector turns a fetched workout payload into the rows it occupies
// (one per set, or a single placeholder row if it has no exercises).
type Projector func(id string, payload json.RawMessage) []store.Row

// CursorStore persists/reads the delta cursor (LAST_WORKOUT_UPDATE).
type CursorStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

const cursorKey = "LAST_WORKOUT_UPDATE"

// Config wires an Importer's collaborators and tunables.
type Config struct {
	Store          store.TabularStore
	Cursor         CursorStore
	Fetch          Fetcher
	Project        Projector
	Log            *logging.ContextLogger
	Clock          clock.Clock
	BatchSize      int
	InterPageDelay time.Duration
	MinSuccess     int
	FailureRate    float64
}

// Importer runs the delta (or bootstrap) workout import.
type Importer struct {
	store          store.TabularStore
	cursor         CursorStore
	fetch          Fetcher
	project        Projector
	log            *logging.ContextLogger
	clock          clock.Clock
	batchSize      int
	interPageDelay time.Duration
	minSuccess     int
	failureRate    float64
}

func New(cfg Config) *Importer {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Importer{
		store:          cfg.Store,
		cursor:         cfg.Cursor,
		fetch:          cfg.Fetch,
		project:        cfg.Project,
		log:            cfg.Log,
		clock:          c,
		batchSize:      cfg.BatchSize,
		interPageDelay: cfg.InterPageDelay,
		minSuccess:     cfg.MinSuccess,
		failureRate:    cfg.FailureRate,
	}
}

// HasCursor reports whether a delta cursor already exists, the signal
// the caller uses to choose between RunDelta and RunBootstrap.
func (imp *Importer) HasCursor() (bool, error) {
	_, found, err := imp.cursor.Get(cursorKey)
	return found, err
}

// EventWalker walks workouts/events since the stored cursor and
// returns the raw decoded events, letting the orchestrator's pagination
// machinery (pagination.Walk) own retry/cancellation.
type EventWalker func(ctx context.Context, since string, cancelCheck pagination.CancelCheck) ([]Event, error)

// RunDelta executes the event-driven path: walk events since the
// stored cursor, partition, delete, fetch-and-apply upserts, persist a
// fresh cursor.
func (imp *Importer) RunDelta(ctx context.Context, walk EventWalker, cancelCheck pagination.CancelCheck) error {
	since, _, err := imp.cursor.Get(cursorKey)
	if err != nil {
		return err
	}

	events, err := walk(ctx, since, cancelCheck)
	if err != nil {
		return err
	}

	deletedIDs, upsertIDs := partition(events)

	sheet, err := imp.store.GetSheetByName(ctx, "workouts", true)
	if err != nil {
		return err
	}
	idCol, err := sheet.IDColumn(ctx)
	if err != nil {
		return err
	}
	if idCol < 0 {
		return &herrors.SheetStructureError{Sheet: "workouts", Detail: "missing id column"}
	}

	if len(deletedIDs) > 0 {
		if err := imp.applyDeletes(ctx, sheet, idCol, deletedIDs); err != nil {
			return err
		}
	}

	if len(upsertIDs) == 0 {
		return imp.persistCursor()
	}

	results := imp.fetchUpserts(ctx, upsertIDs, cancelCheck)

	successes, failures := splitResults(results)
	if err := imp.checkFailureGate(len(upsertIDs), successes, failures); err != nil {
		return err
	}
	if len(failures) > 0 {
		imp.logFailures(failures)
	}

	if err := imp.applyUpserts(ctx, sheet, idCol, successes); err != nil {
		return err
	}

	return imp.persistCursor()
}

// RunBootstrap executes the simpler full-import path used when no
// cursor exists yet: walk all workouts end to end, project every row,
// write once, persist the cursor.
func (imp *Importer) RunBootstrap(ctx context.Context, walkAll func(ctx context.Context, onPage func(items []json.RawMessage) error, cancelCheck pagination.CancelCheck) error, cancelCheck pagination.CancelCheck) error {
	sheet, err := imp.store.GetSheetByName(ctx, "workouts", true)
	if err != nil {
		return err
	}

	var allRows []store.Row
	err = walkAll(ctx, func(items []json.RawMessage) error {
		for _, item := range items {
			var id struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(item, &id); err != nil {
				continue
			}
			allRows = append(allRows, imp.project(id.ID, item)...)
		}
		return nil
	}, cancelCheck)
	if err != nil {
		return err
	}

	if err := imp.store.WriteRange(ctx, sheet, 0, allRows); err != nil {
		return err
	}
	return imp.persistCursor()
}

func (imp *Importer) persistCursor() error {
	now := imp.clock.Now().UTC().Format(time.RFC3339)
	return imp.cursor.Set(cursorKey, now)
}

// partition splits events into deduplicated deleted ids (order doesn't
// matter) and order-preserving upsert ids (created or updated), per
// spec.md §4.9 step 2.
func partition(events []Event) (deletedIDs, upsertIDs []string) {
	seenDeleted := make(map[string]bool)
	seenUpsert := make(map[string]bool)
	for _, e := range events {
		switch e.Type {
		case "deleted":
			if !seenDeleted[e.ID] {
				seenDeleted[e.ID] = true
				deletedIDs = append(deletedIDs, e.ID)
			}
		default:
			if !seenUpsert[e.ID] {
				seenUpsert[e.ID] = true
				upsertIDs = append(upsertIDs, e.ID)
			}
		}
	}
	return deletedIDs, upsertIDs
}

// applyDeletes reads the current workouts rows, drops any whose id is
// in deletedIDs, clears the whole range, and rewrites it in one bulk
// write — spec.md §4.9 step 3's single-pass delete phase.
func (imp *Importer) applyDeletes(ctx context.Context, sheet store.Sheet, idCol int, deletedIDs []string) error {
	deleted := make(map[string]bool, len(deletedIDs))
	for _, id := range deletedIDs {
		deleted[id] = true
	}

	lastRow, err := imp.store.LastRow(ctx, sheet)
	if err != nil {
		return err
	}
	if lastRow < 0 {
		return nil
	}

	rows, err := imp.store.ReadRange(ctx, sheet, 0, lastRow+1)
	if err != nil {
		return err
	}

	kept := rows[:0:0]
	for _, row := range rows {
		if idCol >= len(row) {
			return &herrors.SheetStructureError{Sheet: sheet.Name(), Detail: "row shorter than declared id column"}
		}
		id := fmt.Sprintf("%v", row[idCol])
		if !deleted[id] {
			kept = append(kept, row)
		}
	}

	if err := imp.store.ClearRange(ctx, sheet, 0, lastRow+1); err != nil {
		return err
	}
	return imp.store.WriteRange(ctx, sheet, 0, kept)
}

type fetchResult struct {
	id      string
	payload json.RawMessage
	err     error
}

// fetchUpserts issues GET /workouts/{id} for every id in bounded
// concurrent batches of imp.batchSize, sleeping imp.interPageDelay
// between batches, honoring cancelCheck per id.
func (imp *Importer) fetchUpserts(ctx context.Context, ids []string, cancelCheck pagination.CancelCheck) []fetchResult {
	results := make([]fetchResult, len(ids))

	for start := 0; start < len(ids); start += imp.batchSize {
		end := start + imp.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		done := make(chan struct{}, len(batch))
		for i, id := range batch {
			go func(i int, id string) {
				defer func() { done <- struct{}{} }()
				idx := start + i
				if cancelCheck != nil && cancelCheck() {
					results[idx] = fetchResult{id: id, err: &herrors.CancelledByTimeoutError{Endpoint: "/workouts/" + id, Page: 0}}
					return
				}
				payload, err := imp.fetch(ctx, id)
				results[idx] = fetchResult{id: id, payload: payload, err: err}
			}(i, id)
		}
		for range batch {
			<-done
		}

		if end < len(ids) && imp.interPageDelay > 0 {
			select {
			case <-ctx.Done():
				return results
			case <-imp.clock.After(imp.interPageDelay):
			}
		}
	}
	return results
}

func splitResults(results []fetchResult) (successes []fetchResult, failures []fetchResult) {
	for _, r := range results {
		if r.err != nil {
			failures = append(failures, r)
		} else {
			successes = append(successes, r)
		}
	}
	return successes, failures
}

// checkFailureGate implements spec.md §4.9 step 6's reject conditions.
func (imp *Importer) checkFailureGate(total int, successes, failures []fetchResult) error {
	if len(successes) < imp.minSuccess {
		return fmt.Errorf("delta import: only %d/%d workout fetches succeeded, below minimum %d", len(successes), total, imp.minSuccess)
	}
	if total == 0 {
		return nil
	}
	rate := float64(len(failures)) / float64(total)
	if len(failures) > 1 && rate > imp.failureRate {
		return fmt.Errorf("delta import: failure rate %.2f exceeds threshold %.2f (%d/%d failed)", rate, imp.failureRate, len(failures), total)
	}
	return nil
}

func (imp *Importer) logFailures(failures []fetchResult) {
	if imp.log == nil {
		return
	}
	ids := make([]string, 0, len(failures))
	for _, f := range failures {
		ids = append(ids, f.id)
	}
	shown := ids
	suffix := ""
	if len(ids) > 10 {
		shown = ids[:10]
		suffix = fmt.Sprintf(" and %d more", len(ids)-10)
	}
	imp.log.Warnf("delta import: %d workout fetches failed: %v%s", len(failures), shown, suffix)
}

// applyUpserts projects each successful fetch into rows and writes
// them using contiguous block writes: existing ids are updated in
// place (segments merged via store.ContiguousSegments), unseen ids are
// inserted as a block above the first data row.
func (imp *Importer) applyUpserts(ctx context.Context, sheet store.Sheet, idCol int, successes []fetchResult) error {
	lastRow, err := imp.store.LastRow(ctx, sheet)
	if err != nil {
		return err
	}

	rowIndexByID := make(map[string]int)
	if lastRow >= 0 {
		rows, err := imp.store.ReadRange(ctx, sheet, 0, lastRow+1)
		if err != nil {
			return err
		}
		for i, row := range rows {
			if idCol < len(row) {
				id := fmt.Sprintf("%v", row[idCol])
				if _, seen := rowIndexByID[id]; !seen {
					rowIndexByID[id] = i
				}
			}
		}
	}

	updates := make(map[int][]store.Row) // rowIndex -> projected rows (1:N when a workout spans multiple set-rows, collapsed to its first row's index for segment merging)
	var newRows []store.Row

	for _, r := range successes {
		projected := imp.project(r.id, r.payload)
		if len(projected) == 0 {
			continue
		}
		if idx, exists := rowIndexByID[r.id]; exists {
			updates[idx] = projected
		} else {
			newRows = append(newRows, projected...)
		}
	}

	if len(updates) > 0 {
		indices := make([]int, 0, len(updates))
		for idx := range updates {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, seg := range store.ContiguousSegments(indices) {
			start, count := seg[0], seg[1]
			var segRows []store.Row
			for i := start; i < start+count; i++ {
				segRows = append(segRows, updates[i]...)
			}
			if err := imp.store.WriteRange(ctx, sheet, start, segRows); err != nil {
				return err
			}
		}
	}

	if len(newRows) > 0 {
		if err := imp.store.InsertRowsAt(ctx, sheet, 0, newRows); err != nil {
			return err
		}
	}

	return nil
}
