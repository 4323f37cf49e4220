package document

import (
	"slices"

	"doc-access/internal/domain"
)

// Summarize lists the tables renamed and the rows touched by a list of doc
// actions. Deltas are keyed by the table id each action names.
func Summarize(actions []domain.Action) domain.ActionSummary {
	summary := domain.EmptyActionSummary()
	for _, a := range actions {
		switch v := a.(type) {
		case *domain.RenameTable:
			summary.TableRenames = append(summary.TableRenames, [2]string{v.TableID, v.NewTableID})
		case *domain.RemoveTable:
			summary.TableRenames = append(summary.TableRenames, [2]string{v.TableID, ""})
		case *domain.AddTable:
			summary.TableRenames = append(summary.TableRenames, [2]string{"", v.TableID})
		case domain.DataAction:
			b := domain.ToBulk(v)
			delta := summary.TableDeltas[b.TableID]
			switch {
			case b.Kind.IsAdd() || b.Kind == domain.KindReplaceTableData || b.Kind == domain.KindTableData:
				delta.AddRows = appendIDs(delta.AddRows, b.RowIDs)
			case b.Kind.IsUpdate():
				delta.UpdateRows = appendIDs(delta.UpdateRows, b.RowIDs)
			case b.Kind.IsRemove():
				delta.RemoveRows = appendIDs(delta.RemoveRows, b.RowIDs)
			}
			summary.TableDeltas[b.TableID] = delta
		}
	}
	for tableID, delta := range summary.TableDeltas {
		delta.AddRows = nonNil(delta.AddRows)
		delta.UpdateRows = nonNil(delta.UpdateRows)
		delta.RemoveRows = nonNil(delta.RemoveRows)
		summary.TableDeltas[tableID] = delta
	}
	return summary
}

func appendIDs(ids, more []int64) []int64 {
	for _, id := range more {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	slices.Sort(ids)
	return ids
}
