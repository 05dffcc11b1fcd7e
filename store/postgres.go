package store

import (
	"context"
	"fmt"
	"sort"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// sheetRow is the gorm model backing every sheet: a JSON-ish []interface{}
// serialized into a jsonb column, ordered by RowIndex within a Sheet.
// One physical table ("sheet_rows") backs every logical sheet, keyed by
// SheetName, so adding a new sheet never requires a migration.
type sheetRow struct {
	SheetName string  `gorm:"primaryKey;column:sheet_name"`
	RowIndex  int     `gorm:"primaryKey;column:row_index"`
	Cells     pgJSONB `gorm:"column:cells;type:jsonb"`
}

func (sheetRow) TableName() string { return "sheet_rows" }

// sheetMeta tracks the id-column index declared for a sheet, since
// spec.md treats "missing id column" as a first-class failure
// (herrors.SheetStructureError) rather than an implementation detail.
type sheetMeta struct {
	Name     string `gorm:"primaryKey;column:name"`
	IDColIdx int    `gorm:"column:id_col_idx"`
}

func (sheetMeta) TableName() string { return "sheet_meta" }

// PostgresStore is a gorm/Postgres implementation of TabularStore.
type PostgresStore struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the two backing tables.
func Open(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("opening postgres store: %w", err)
	}
	if err := db.AutoMigrate(&sheetRow{}, &sheetMeta{}); err != nil {
		return nil, fmt.Errorf("migrating tabular store schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// pgSheet is the Sheet handle returned by GetSheetByName.
type pgSheet struct {
	name  string
	store *PostgresStore
}

func (s pgSheet) Name() string { return s.name }

func (s pgSheet) IDColumn(ctx context.Context) (int, error) {
	var meta sheetMeta
	err := s.store.db.WithContext(ctx).Where("name = ?", s.name).First(&meta).Error
	if err == gorm.ErrRecordNotFound {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	return meta.IDColIdx, nil
}

// GetSheetByName resolves or creates the named sheet. The id-column
// index is established on first creation by inspecting the first
// written row's IDColumn declaration via SetIDColumn; until then
// IDColumn reports -1.
func (s *PostgresStore) GetSheetByName(ctx context.Context, name string, createIfMissing bool) (Sheet, error) {
	var meta sheetMeta
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&meta).Error
	if err == gorm.ErrRecordNotFound {
		if !createIfMissing {
			return nil, fmt.Errorf("sheet %q does not exist", name)
		}
		meta = sheetMeta{Name: name, IDColIdx: -1}
		if err := s.db.WithContext(ctx).Create(&meta).Error; err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return pgSheet{name: name, store: s}, nil
}

// SetIDColumn records which column is the identity column for sheet,
// called once by a step that knows its own schema (e.g. the workouts
// importer declares column 0 is "id").
func (s *PostgresStore) SetIDColumn(ctx context.Context, sheetName string, idx int) error {
	return s.db.WithContext(ctx).Model(&sheetMeta{}).
		Where("name = ?", sheetName).
		Update("id_col_idx", idx).Error
}

func (s *PostgresStore) ReadRange(ctx context.Context, sheet Sheet, startRow, count int) ([]Row, error) {
	var rows []sheetRow
	err := s.db.WithContext(ctx).
		Where("sheet_name = ? AND row_index >= ? AND row_index < ?", sheet.Name(), startRow, startRow+count).
		Order("row_index asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = Row(r.Cells)
	}
	return out, nil
}

func (s *PostgresStore) WriteRange(ctx context.Context, sheet Sheet, startRow int, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	records := make([]sheetRow, len(rows))
	for i, row := range rows {
		records[i] = sheetRow{SheetName: sheet.Name(), RowIndex: startRow + i, Cells: pgJSONB(row)}
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sheet_name"}, {Name: "row_index"}},
		DoUpdates: clause.AssignmentColumns([]string{"cells"}),
	}).Create(&records).Error
}

func (s *PostgresStore) ClearRange(ctx context.Context, sheet Sheet, startRow, count int) error {
	return s.db.WithContext(ctx).
		Where("sheet_name = ? AND row_index >= ? AND row_index < ?", sheet.Name(), startRow, startRow+count).
		Delete(&sheetRow{}).Error
}

// InsertRowsAt shifts every row at or after startRow down by len(rows)
// before writing rows into the freed block. Shifting is done highest
// index first so the primary key (sheet_name, row_index) never
// collides mid-shift.
func (s *PostgresStore) InsertRowsAt(ctx context.Context, sheet Sheet, startRow int, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing []sheetRow
		if err := tx.WithContext(ctx).
			Where("sheet_name = ? AND row_index >= ?", sheet.Name(), startRow).
			Order("row_index desc").
			Find(&existing).Error; err != nil {
			return err
		}
		shift := len(rows)
		for _, r := range existing {
			if err := tx.WithContext(ctx).Model(&sheetRow{}).
				Where("sheet_name = ? AND row_index = ?", sheet.Name(), r.RowIndex).
				Update("row_index", r.RowIndex+shift).Error; err != nil {
				return err
			}
		}
		for i, row := range rows {
			rec := sheetRow{SheetName: sheet.Name(), RowIndex: startRow + i, Cells: pgJSONB(row)}
			if err := tx.WithContext(ctx).Create(&rec).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) LastRow(ctx context.Context, sheet Sheet) (int, error) {
	var row sheetRow
	err := s.db.WithContext(ctx).
		Where("sheet_name = ?", sheet.Name()).
		Order("row_index desc").
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	return row.RowIndex, nil
}

func (s *PostgresStore) LastColumn(ctx context.Context, sheet Sheet) (int, error) {
	var row sheetRow
	err := s.db.WithContext(ctx).
		Where("sheet_name = ?", sheet.Name()).
		Order("row_index desc").
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	return len(row.Cells) - 1, nil
}

// ContiguousSegments merges a sorted set of row indices into the fewest
// contiguous [start, count) segments, the shape delta's apply phase
// needs to emit one range-write per run of consecutive indices rather
// than one per row.
func ContiguousSegments(indices []int) [][2]int {
	if len(indices) == 0 {
		return nil
	}
	sorted := append([]int(nil), indices...)
	sort.Ints(sorted)

	var segments [][2]int
	segStart := sorted[0]
	prev := sorted[0]
	for _, idx := range sorted[1:] {
		if idx == prev+1 {
			prev = idx
			continue
		}
		segments = append(segments, [2]int{segStart, prev - segStart + 1})
		segStart = idx
		prev = idx
	}
	segments = append(segments, [2]int{segStart, prev - segStart + 1})
	return segments
}
