package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CensoredValue returns the marker that replaces a hidden cell.
func CensoredValue() CellValue { return []any{"C"} }

// IsCensored reports whether v is the censored-cell marker.
func IsCensored(v CellValue) bool {
	list, ok := v.([]any)
	return ok && len(list) == 1 && list[0] == "C"
}

// ActionTuple returns the wire tuple of a: [kind, tableId, ...].
func ActionTuple(a Action) []any {
	switch v := a.(type) {
	case *AddRecord:
		return []any{v.Kind(), v.TableID, v.RowID, colValuesOrEmpty(v.Values)}
	case *UpdateRecord:
		return []any{v.Kind(), v.TableID, v.RowID, colValuesOrEmpty(v.Values)}
	case *RemoveRecord:
		return []any{v.Kind(), v.TableID, v.RowID}
	case *BulkAddRecord:
		return []any{v.Kind(), v.TableID, rowIDsOrEmpty(v.RowIDs), bulkOrEmpty(v.Values)}
	case *BulkUpdateRecord:
		return []any{v.Kind(), v.TableID, rowIDsOrEmpty(v.RowIDs), bulkOrEmpty(v.Values)}
	case *BulkRemoveRecord:
		return []any{v.Kind(), v.TableID, rowIDsOrEmpty(v.RowIDs)}
	case *ReplaceTableData:
		return []any{v.Kind(), v.TableID, rowIDsOrEmpty(v.RowIDs), bulkOrEmpty(v.Values)}
	case *TableData:
		return []any{v.Kind(), v.TableID, rowIDsOrEmpty(v.RowIDs), bulkOrEmpty(v.Values)}
	case *AddTable:
		cols := v.Columns
		if cols == nil {
			cols = []ColValues{}
		}
		return []any{v.Kind(), v.TableID, cols}
	case *RemoveTable:
		return []any{v.Kind(), v.TableID}
	case *RenameTable:
		return []any{v.Kind(), v.TableID, v.NewTableID}
	case *AddColumn:
		return []any{v.Kind(), v.TableID, v.ColID, colValuesOrEmpty(v.Info)}
	case *RemoveColumn:
		return []any{v.Kind(), v.TableID, v.ColID}
	case *RenameColumn:
		return []any{v.Kind(), v.TableID, v.ColID, v.NewColID}
	case *ModifyColumn:
		return []any{v.Kind(), v.TableID, v.ColID, colValuesOrEmpty(v.Info)}
	}
	panic("unreachable: unknown action")
}

// MarshalAction encodes a as its JSON tuple.
func MarshalAction(a Action) ([]byte, error) {
	return json.Marshal(ActionTuple(a))
}

// UnmarshalAction decodes a JSON tuple into an action.
func UnmarshalAction(data []byte) (Action, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("decode action tuple: %w", err)
	}
	if len(parts) < 2 {
		return nil, ErrValidation("action tuple needs at least a kind and a table id")
	}
	var kind ActionKind
	var tableID string
	if err := json.Unmarshal(parts[0], &kind); err != nil {
		return nil, fmt.Errorf("decode action kind: %w", err)
	}
	if err := json.Unmarshal(parts[1], &tableID); err != nil {
		return nil, fmt.Errorf("decode table id of %s: %w", kind, err)
	}
	d := tupleDecoder{kind: kind, parts: parts}

	var a Action
	switch kind {
	case KindAddRecord:
		a = &AddRecord{TableID: tableID, RowID: d.rowID(2), Values: d.colValues(3)}
	case KindUpdateRecord:
		a = &UpdateRecord{TableID: tableID, RowID: d.rowID(2), Values: d.colValues(3)}
	case KindRemoveRecord:
		a = &RemoveRecord{TableID: tableID, RowID: d.rowID(2)}
	case KindBulkAddRecord:
		ids, values := d.columns(tableID)
		a = &BulkAddRecord{TableID: tableID, RowIDs: ids, Values: values}
	case KindBulkUpdateRecord:
		ids, values := d.columns(tableID)
		a = &BulkUpdateRecord{TableID: tableID, RowIDs: ids, Values: values}
	case KindBulkRemoveRecord:
		a = &BulkRemoveRecord{TableID: tableID, RowIDs: d.rowIDs(2)}
	case KindReplaceTableData:
		ids, values := d.columns(tableID)
		a = &ReplaceTableData{TableID: tableID, RowIDs: ids, Values: values}
	case KindTableData:
		ids, values := d.columns(tableID)
		a = &TableData{TableID: tableID, RowIDs: ids, Values: values}
	case KindAddTable:
		var cols []ColValues
		d.decode(2, &cols)
		a = &AddTable{TableID: tableID, Columns: cols}
	case KindRemoveTable:
		a = &RemoveTable{TableID: tableID}
	case KindRenameTable:
		a = &RenameTable{TableID: tableID, NewTableID: d.str(2)}
	case KindAddColumn:
		a = &AddColumn{TableID: tableID, ColID: d.str(2), Info: d.colValues(3)}
	case KindRemoveColumn:
		a = &RemoveColumn{TableID: tableID, ColID: d.str(2)}
	case KindRenameColumn:
		a = &RenameColumn{TableID: tableID, ColID: d.str(2), NewColID: d.str(3)}
	case KindModifyColumn:
		a = &ModifyColumn{TableID: tableID, ColID: d.str(2), Info: d.colValues(3)}
	default:
		return nil, ErrValidation("unknown action kind %q", kind)
	}
	if d.err != nil {
		return nil, d.err
	}
	return a, nil
}

// ActionList is a list of actions that (un)marshals as a list of tuples.
type ActionList []Action

// MarshalJSON implements json.Marshaler.
func (l ActionList) MarshalJSON() ([]byte, error) {
	tuples := make([][]any, len(l))
	for i, a := range l {
		tuples[i] = ActionTuple(a)
	}
	return json.Marshal(tuples)
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *ActionList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode action list: %w", err)
	}
	out := make(ActionList, 0, len(raw))
	for i, r := range raw {
		a, err := UnmarshalAction(r)
		if err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		out = append(out, a)
	}
	*l = out
	return nil
}

// tupleDecoder decodes positional tuple elements and keeps the first error.
type tupleDecoder struct {
	kind  ActionKind
	parts []json.RawMessage
	err   error
}

func (d *tupleDecoder) decode(i int, into any) {
	if d.err != nil || i >= len(d.parts) {
		return
	}
	dec := json.NewDecoder(bytes.NewReader(d.parts[i]))
	if err := dec.Decode(into); err != nil {
		d.err = fmt.Errorf("decode element %d of %s: %w", i, d.kind, err)
	}
}

func (d *tupleDecoder) rowID(i int) int64 {
	var id *float64
	d.decode(i, &id)
	if id == nil {
		return 0
	}
	return int64(*id)
}

func (d *tupleDecoder) rowIDs(i int) []int64 {
	var ids []float64
	d.decode(i, &ids)
	out := make([]int64, len(ids))
	for j, id := range ids {
		out[j] = int64(id)
	}
	return out
}

func (d *tupleDecoder) str(i int) string {
	var s string
	d.decode(i, &s)
	return s
}

func (d *tupleDecoder) colValues(i int) ColValues {
	values := ColValues{}
	d.decode(i, &values)
	return values
}

func (d *tupleDecoder) bulk(i int) BulkColValues {
	values := BulkColValues{}
	d.decode(i, &values)
	return values
}

// columns decodes the row ids and column values of a bulk tuple and
// checks that every column has one value per row.
func (d *tupleDecoder) columns(tableID string) ([]int64, BulkColValues) {
	ids := d.rowIDs(2)
	values := d.bulk(3)
	if d.err == nil {
		shape := &Bulk{Kind: d.kind, TableID: tableID, RowIDs: ids, Values: values}
		d.err = shape.CheckShape()
	}
	return ids, values
}

func colValuesOrEmpty(v ColValues) ColValues {
	if v == nil {
		return ColValues{}
	}
	return v
}

func bulkOrEmpty(v BulkColValues) BulkColValues {
	if v == nil {
		return BulkColValues{}
	}
	return v
}

func rowIDsOrEmpty(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
