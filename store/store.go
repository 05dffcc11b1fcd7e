// Package store declares the tabular store interface spec.md §6 names
// as an external collaborator — read-range, write-range, clear-range,
// insert-rows-at, last-row/last-column, get-sheet-by-name — and
// supplies one concrete, fully wired implementation on gorm/Postgres so
// the pipeline is runnable end to end. The core (delta, orchestrator
// steps) only ever depends on the TabularStore interface; rows are
// opaque ordered tuples, identity is by the id column.
package store

import "context"

// Row is one opaque ordered tuple; the core never inspects a cell
// beyond reading the id column at the index IDColumn reports.
type Row []interface{}

// Sheet is a named tabular range — "workouts", "exercises", "routines",
// "routine_folders" in this system, though the store treats the name as
// an opaque handle.
type Sheet interface {
	Name() string
	// IDColumn returns the zero-based index of the identity column, or
	// -1 if the sheet has no id column (surfaced by callers as
	// herrors.SheetStructureError).
	IDColumn(ctx context.Context) (int, error)
}

// TabularStore is the external tabular collaborator spec.md §6
// specifies at the interface only.
type TabularStore interface {
	// GetSheetByName resolves a sheet by name, creating it if
	// createIfMissing is true and it does not yet exist.
	GetSheetByName(ctx context.Context, name string, createIfMissing bool) (Sheet, error)

	// ReadRange returns rows [startRow, startRow+count) from sheet,
	// zero-indexed from the first data row (row 0), excluding any header.
	ReadRange(ctx context.Context, sheet Sheet, startRow, count int) ([]Row, error)

	// WriteRange overwrites rows starting at startRow with rows,
	// extending the sheet if necessary.
	WriteRange(ctx context.Context, sheet Sheet, startRow int, rows []Row) error

	// ClearRange deletes count rows starting at startRow without
	// shifting subsequent rows into the gap; callers rewrite explicitly.
	ClearRange(ctx context.Context, sheet Sheet, startRow, count int) error

	// InsertRowsAt inserts rows as a contiguous block starting at
	// startRow, shifting existing rows at and after startRow down.
	InsertRowsAt(ctx context.Context, sheet Sheet, startRow int, rows []Row) error

	// LastRow returns the zero-based index of the last populated data
	// row, or -1 if the sheet has no data rows.
	LastRow(ctx context.Context, sheet Sheet) (int, error)

	// LastColumn returns the zero-based index of the last populated
	// column, or -1 if the sheet has no columns.
	LastColumn(ctx context.Context, sheet Sheet) (int, error)
}
