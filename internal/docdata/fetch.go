package docdata

import (
	"context"
	"reflect"

	"doc-access/internal/domain"
)

var _ domain.RowFetcher = (*DocData)(nil)

// FetchRows implements domain.RowFetcher over the stored tables, so a
// DocData can stand in for the document store. Unknown tables are errors.
func (d *DocData) FetchRows(_ context.Context, q domain.Query) (*domain.TableData, error) {
	t, ok := d.tables[q.TableID]
	if !ok {
		return nil, domain.ErrNotFound("table %q not found", q.TableID)
	}
	if len(q.Filters) == 0 {
		return t.Clone(), nil
	}
	out := &domain.TableData{TableID: t.TableID, RowIDs: []int64{}, Values: domain.BulkColValues{}}
	for colID := range t.Values {
		out.Values[colID] = []domain.CellValue{}
	}
	for i := range t.RowIDs {
		rec := NewRecordView(t, i)
		if !matchesFilters(rec, q.Filters) {
			continue
		}
		out.RowIDs = append(out.RowIDs, t.RowIDs[i])
		for colID, col := range t.Values {
			out.Values[colID] = append(out.Values[colID], col[i])
		}
	}
	return out, nil
}

func matchesFilters(rec RecordView, filters map[string][]domain.CellValue) bool {
	for colID, allowed := range filters {
		v := rec.Get(colID)
		found := false
		for _, a := range allowed {
			if CellEqual(v, a) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CellEqual compares cells, treating all numeric types alike.
func CellEqual(a, b domain.CellValue) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func number(v domain.CellValue) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	}
	return 0, false
}
