// Package docdata holds in-memory columnar copies of document tables and
// applies actions to them.
package docdata

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"doc-access/internal/domain"
)

// DocData is a set of columnar tables keyed by table id. It is not safe
// for concurrent mutation.
type DocData struct {
	tables map[string]*domain.TableData
}

// New returns an empty DocData.
func New() *DocData {
	return &DocData{tables: make(map[string]*domain.TableData)}
}

// SetTable stores a copy of data under its table id.
func (d *DocData) SetTable(data *domain.TableData) {
	d.tables[data.TableID] = data.Clone()
}

// SyncTable loads every row of tableID from fetcher and stores it.
func (d *DocData) SyncTable(ctx context.Context, fetcher domain.RowFetcher, tableID string) error {
	data, err := fetcher.FetchRows(ctx, domain.Query{TableID: tableID})
	if err != nil {
		return fmt.Errorf("sync table %s: %w", tableID, err)
	}
	if data == nil {
		data = domain.NewTableData(tableID)
	}
	data.TableID = tableID
	d.tables[tableID] = data
	return nil
}

// Table returns the stored table without copying it.
func (d *DocData) Table(tableID string) (*domain.TableData, bool) {
	t, ok := d.tables[tableID]
	return t, ok
}

// Snapshot returns a deep copy of a table, or nil if it is absent.
func (d *DocData) Snapshot(tableID string) *domain.TableData {
	return d.tables[tableID].Clone()
}

// TableIDs returns the stored table ids in sorted order.
func (d *DocData) TableIDs() []string {
	ids := make([]string, 0, len(d.tables))
	for id := range d.tables {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Actions returns the doc actions that recreate d in a store where only
// the metadata tables exist: AddTable for each user table, then
// ReplaceTableData for every table.
func (d *DocData) Actions() []domain.Action {
	var creates, fills []domain.Action
	for _, id := range d.TableIDs() {
		t := d.tables[id]
		if !domain.IsMetadataTable(id) {
			cols := make([]domain.ColValues, 0, len(t.Values))
			for _, colID := range t.Values.ColumnIDs() {
				cols = append(cols, domain.ColValues{"id": colID})
			}
			creates = append(creates, &domain.AddTable{TableID: id, Columns: cols})
		}
		c := t.Clone()
		fills = append(fills, &domain.ReplaceTableData{TableID: id, RowIDs: c.RowIDs, Values: c.Values})
	}
	return append(creates, fills...)
}

// Clone returns a deep copy of d.
func (d *DocData) Clone() *DocData {
	out := New()
	for id, t := range d.tables {
		out.tables[id] = t.Clone()
	}
	return out
}

// Apply applies one action. Data actions on absent tables are ignored.
func (d *DocData) Apply(a domain.Action) error {
	switch v := a.(type) {
	case *domain.ReplaceTableData:
		if err := domain.ToBulk(v).CheckShape(); err != nil {
			return err
		}
		d.tables[v.TableID] = (&domain.TableData{TableID: v.TableID, RowIDs: v.RowIDs, Values: v.Values}).Clone()
	case *domain.TableData:
		if err := domain.ToBulk(v).CheckShape(); err != nil {
			return err
		}
		d.tables[v.TableID] = v.Clone()
	case domain.DataAction:
		t, ok := d.tables[v.Table()]
		if !ok {
			return nil
		}
		return applyData(t, domain.ToBulk(v))
	case *domain.AddTable:
		t := domain.NewTableData(v.TableID)
		for _, col := range v.Columns {
			if id, ok := col["id"].(string); ok && id != "" {
				t.Values[id] = []domain.CellValue{}
			}
		}
		d.tables[v.TableID] = t
	case *domain.RemoveTable:
		delete(d.tables, v.TableID)
	case *domain.RenameTable:
		t, ok := d.tables[v.TableID]
		if !ok {
			return nil
		}
		delete(d.tables, v.TableID)
		t.TableID = v.NewTableID
		d.tables[v.NewTableID] = t
	case *domain.AddColumn:
		if t, ok := d.tables[v.TableID]; ok {
			t.Values[v.ColID] = make([]domain.CellValue, len(t.RowIDs))
		}
	case *domain.RemoveColumn:
		if t, ok := d.tables[v.TableID]; ok {
			delete(t.Values, v.ColID)
		}
	case *domain.RenameColumn:
		if t, ok := d.tables[v.TableID]; ok {
			if col, ok := t.Values[v.ColID]; ok {
				delete(t.Values, v.ColID)
				t.Values[v.NewColID] = col
			}
		}
	case *domain.ModifyColumn:
		// Column properties live in the metadata tables.
	default:
		return domain.ErrValidation("cannot apply action of kind %s", a.Kind())
	}
	return nil
}

// ApplyAll applies actions in order.
func (d *DocData) ApplyAll(actions []domain.Action) error {
	for _, a := range actions {
		if err := d.Apply(a); err != nil {
			return err
		}
	}
	return nil
}

// ApplyToTable applies a data or column action to a standalone snapshot.
// Actions for other tables are ignored.
func ApplyToTable(t *domain.TableData, a domain.Action) {
	if t == nil || a.Table() != t.TableID {
		return
	}
	d := &DocData{tables: map[string]*domain.TableData{t.TableID: t}}
	_ = d.Apply(a)
}

func applyData(t *domain.TableData, b *domain.Bulk) error {
	if err := b.CheckShape(); err != nil {
		return err
	}
	switch {
	case b.Kind.IsAdd():
		n := len(t.RowIDs)
		t.RowIDs = append(t.RowIDs, b.RowIDs...)
		for colID, col := range t.Values {
			added, ok := b.Values[colID]
			if !ok {
				added = make([]domain.CellValue, len(b.RowIDs))
			}
			t.Values[colID] = append(col, added...)
		}
		for colID, added := range b.Values {
			if _, ok := t.Values[colID]; ok {
				continue
			}
			col := make([]domain.CellValue, n, n+len(added))
			t.Values[colID] = append(col, added...)
		}
	case b.Kind.IsUpdate():
		index := rowIndex(t)
		for i, rowID := range b.RowIDs {
			at, ok := index[rowID]
			if !ok {
				continue
			}
			for colID, values := range b.Values {
				col, ok := t.Values[colID]
				if !ok {
					col = make([]domain.CellValue, len(t.RowIDs))
					t.Values[colID] = col
				}
				col[at] = values[i]
			}
		}
	case b.Kind.IsRemove():
		index := rowIndex(t)
		var drop []int
		for _, rowID := range b.RowIDs {
			if at, ok := index[rowID]; ok {
				drop = append(drop, at)
			}
		}
		slices.Sort(drop)
		drop = slices.Compact(drop)
		whole := domain.ToBulk(t)
		whole.RemoveRowsAt(drop)
		t.RowIDs = whole.RowIDs
		t.Values = whole.Values
	}
	return nil
}

func rowIndex(t *domain.TableData) map[int64]int {
	index := make(map[int64]int, len(t.RowIDs))
	for i, id := range t.RowIDs {
		index[id] = i
	}
	return index
}
