package docdata

import (
	"slices"

	"doc-access/internal/domain"
)

// RowSet is a set of row ids of one table. All means the whole table.
type RowSet struct {
	TableID string
	All     bool
	IDs     []int64
}

// Query returns the fetch query selecting the set.
func (s RowSet) Query() domain.Query {
	if s.All {
		return domain.Query{TableID: s.TableID}
	}
	ids := make([]domain.CellValue, len(s.IDs))
	for i, id := range s.IDs {
		ids[i] = id
	}
	return domain.Query{TableID: s.TableID, Filters: map[string][]domain.CellValue{"id": ids}}
}

// RelatedRows returns, per table as named before the actions run, the rows
// the actions touch. Tables created within the actions are skipped.
// Replacing table data touches every row. Order follows first mention.
func RelatedRows(actions []domain.Action) []RowSet {
	originalName := map[string]string{}
	added := map[string]bool{}
	index := map[string]int{}
	var out []RowSet

	for _, a := range actions {
		switch v := a.(type) {
		case *domain.AddTable:
			added[v.TableID] = true
			continue
		case *domain.RenameTable:
			if added[v.TableID] {
				delete(added, v.TableID)
				added[v.NewTableID] = true
				continue
			}
			orig, ok := originalName[v.TableID]
			if !ok {
				orig = v.TableID
			}
			delete(originalName, v.TableID)
			originalName[v.NewTableID] = orig
			continue
		}
		da, ok := a.(domain.DataAction)
		if !ok || added[a.Table()] {
			continue
		}
		tableID := a.Table()
		if orig, ok := originalName[tableID]; ok {
			tableID = orig
		}
		at, ok := index[tableID]
		if !ok {
			at = len(out)
			index[tableID] = at
			out = append(out, RowSet{TableID: tableID})
		}
		switch a.Kind() {
		case domain.KindReplaceTableData, domain.KindTableData:
			out[at].All = true
		default:
			for _, id := range domain.RowIDs(da) {
				if !slices.Contains(out[at].IDs, id) {
					out[at].IDs = append(out[at].IDs, id)
				}
			}
		}
	}
	for i := range out {
		slices.Sort(out[i].IDs)
	}
	return out
}
