package docdata

import "doc-access/internal/domain"

// RecordView is a read-only view of one row of a snapshot. A view with a
// negative index is empty: every lookup yields nil.
type RecordView struct {
	data  *domain.TableData
	index int
}

// NewRecordView returns a view of the row at index in data.
func NewRecordView(data *domain.TableData, index int) RecordView {
	if data == nil {
		return EmptyRecordView()
	}
	return RecordView{data: data, index: index}
}

// EmptyRecordView returns a view without a row.
func EmptyRecordView() RecordView { return RecordView{index: -1} }

// IsEmpty reports whether the view has no row.
func (r RecordView) IsEmpty() bool { return r.data == nil || r.index < 0 || r.index >= len(r.data.RowIDs) }

// TableID returns the table the row belongs to.
func (r RecordView) TableID() string {
	if r.data == nil {
		return ""
	}
	return r.data.TableID
}

// RowID returns the row id, or 0 for an empty view.
func (r RecordView) RowID() int64 {
	if r.IsEmpty() {
		return 0
	}
	return r.data.RowIDs[r.index]
}

// Get returns a cell value. "id" returns the row id.
func (r RecordView) Get(colID string) domain.CellValue {
	if r.IsEmpty() {
		return nil
	}
	if colID == "id" {
		return r.data.RowIDs[r.index]
	}
	col, ok := r.data.Values[colID]
	if !ok || r.index >= len(col) {
		return nil
	}
	return col[r.index]
}

// Has reports whether colID is "id" or a column of the snapshot.
func (r RecordView) Has(colID string) bool {
	if colID == "id" {
		return true
	}
	if r.data == nil {
		return false
	}
	_, ok := r.data.Values[colID]
	return ok
}

// Fields returns the cell values of the row keyed by column id.
func (r RecordView) Fields() map[string]domain.CellValue {
	out := map[string]domain.CellValue{}
	if r.IsEmpty() {
		return out
	}
	for colID, col := range r.data.Values {
		if r.index < len(col) {
			out[colID] = col[r.index]
		}
	}
	return out
}
