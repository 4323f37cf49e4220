package domain

import (
	"maps"
	"slices"
	"sort"
	"strings"
)

// ActionKind names a primitive action. It is the first element of the wire tuple.
type ActionKind string

// Primitive action kinds.
const (
	KindAddRecord        ActionKind = "AddRecord"
	KindBulkAddRecord    ActionKind = "BulkAddRecord"
	KindUpdateRecord     ActionKind = "UpdateRecord"
	KindBulkUpdateRecord ActionKind = "BulkUpdateRecord"
	KindRemoveRecord     ActionKind = "RemoveRecord"
	KindBulkRemoveRecord ActionKind = "BulkRemoveRecord"
	KindReplaceTableData ActionKind = "ReplaceTableData"
	KindTableData        ActionKind = "TableData"
	KindAddTable         ActionKind = "AddTable"
	KindRemoveTable      ActionKind = "RemoveTable"
	KindRenameTable      ActionKind = "RenameTable"
	KindAddColumn        ActionKind = "AddColumn"
	KindRemoveColumn     ActionKind = "RemoveColumn"
	KindRenameColumn     ActionKind = "RenameColumn"
	KindModifyColumn     ActionKind = "ModifyColumn"
)

// IsDataKind reports whether k adds, updates, removes or replaces rows.
func (k ActionKind) IsDataKind() bool {
	switch k {
	case KindAddRecord, KindBulkAddRecord, KindUpdateRecord, KindBulkUpdateRecord,
		KindRemoveRecord, KindBulkRemoveRecord, KindReplaceTableData, KindTableData:
		return true
	}
	return false
}

// IsSchemaKind reports whether k changes tables or columns.
func (k ActionKind) IsSchemaKind() bool {
	switch k {
	case KindAddTable, KindRemoveTable, KindRenameTable,
		KindAddColumn, KindRemoveColumn, KindRenameColumn, KindModifyColumn:
		return true
	}
	return false
}

// IsAdd reports whether k is AddRecord or BulkAddRecord.
func (k ActionKind) IsAdd() bool { return k == KindAddRecord || k == KindBulkAddRecord }

// IsUpdate reports whether k is UpdateRecord or BulkUpdateRecord.
func (k ActionKind) IsUpdate() bool { return k == KindUpdateRecord || k == KindBulkUpdateRecord }

// IsRemove reports whether k is RemoveRecord or BulkRemoveRecord.
func (k ActionKind) IsRemove() bool { return k == KindRemoveRecord || k == KindBulkRemoveRecord }

// IsBulk reports whether actions of kind k carry a list of row ids.
func (k ActionKind) IsBulk() bool {
	switch k {
	case KindBulkAddRecord, KindBulkUpdateRecord, KindBulkRemoveRecord, KindReplaceTableData, KindTableData:
		return true
	}
	return false
}

// CellValue is a single cell. Values follow their JSON shape: nil, bool,
// a number (float64, or int64 when read from storage), string, or []any
// for encoded objects such as lists.
type CellValue = any

// ColValues maps column ids to the values of a single row.
type ColValues map[string]CellValue

// BulkColValues maps column ids to parallel arrays of values.
type BulkColValues map[string][]CellValue

// ColumnIDs returns the column ids in sorted order.
func (c BulkColValues) ColumnIDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ColumnIDs returns the column ids in sorted order.
func (c ColValues) ColumnIDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Action is a primitive document mutation. The set of implementations is
// closed: every action is one of the types in this file.
type Action interface {
	Kind() ActionKind
	Table() string
	isAction()
}

// DataAction is an action that adds, updates, removes or replaces rows.
type DataAction interface {
	Action
	isDataAction()
}

// SchemaAction is an action that changes tables or columns.
type SchemaAction interface {
	Action
	isSchemaAction()
}

// AddRecord adds one row.
type AddRecord struct {
	TableID string
	RowID   int64
	Values  ColValues
}

// BulkAddRecord adds several rows.
type BulkAddRecord struct {
	TableID string
	RowIDs  []int64
	Values  BulkColValues
}

// UpdateRecord updates some cells of one row.
type UpdateRecord struct {
	TableID string
	RowID   int64
	Values  ColValues
}

// BulkUpdateRecord updates some cells of several rows.
type BulkUpdateRecord struct {
	TableID string
	RowIDs  []int64
	Values  BulkColValues
}

// RemoveRecord removes one row.
type RemoveRecord struct {
	TableID string
	RowID   int64
}

// BulkRemoveRecord removes several rows.
type BulkRemoveRecord struct {
	TableID string
	RowIDs  []int64
}

// ReplaceTableData replaces the whole content of a table.
type ReplaceTableData struct {
	TableID string
	RowIDs  []int64
	Values  BulkColValues
}

// TableData is the full content of a table. It is also the columnar
// snapshot format returned by row fetches.
type TableData struct {
	TableID string
	RowIDs  []int64
	Values  BulkColValues
}

// AddTable creates a table. Each column entry carries its "id".
type AddTable struct {
	TableID string
	Columns []ColValues
}

// RemoveTable drops a table.
type RemoveTable struct {
	TableID string
}

// RenameTable renames a table.
type RenameTable struct {
	TableID    string
	NewTableID string
}

// AddColumn adds a column described by Info (type, isFormula, formula, ...).
type AddColumn struct {
	TableID string
	ColID   string
	Info    ColValues
}

// RemoveColumn drops a column.
type RemoveColumn struct {
	TableID string
	ColID   string
}

// RenameColumn renames a column.
type RenameColumn struct {
	TableID  string
	ColID    string
	NewColID string
}

// ModifyColumn changes column properties listed in Info.
type ModifyColumn struct {
	TableID string
	ColID   string
	Info    ColValues
}

func (a *AddRecord) Kind() ActionKind        { return KindAddRecord }
func (a *BulkAddRecord) Kind() ActionKind    { return KindBulkAddRecord }
func (a *UpdateRecord) Kind() ActionKind     { return KindUpdateRecord }
func (a *BulkUpdateRecord) Kind() ActionKind { return KindBulkUpdateRecord }
func (a *RemoveRecord) Kind() ActionKind     { return KindRemoveRecord }
func (a *BulkRemoveRecord) Kind() ActionKind { return KindBulkRemoveRecord }
func (a *ReplaceTableData) Kind() ActionKind { return KindReplaceTableData }
func (a *TableData) Kind() ActionKind        { return KindTableData }
func (a *AddTable) Kind() ActionKind         { return KindAddTable }
func (a *RemoveTable) Kind() ActionKind      { return KindRemoveTable }
func (a *RenameTable) Kind() ActionKind      { return KindRenameTable }
func (a *AddColumn) Kind() ActionKind        { return KindAddColumn }
func (a *RemoveColumn) Kind() ActionKind     { return KindRemoveColumn }
func (a *RenameColumn) Kind() ActionKind     { return KindRenameColumn }
func (a *ModifyColumn) Kind() ActionKind     { return KindModifyColumn }

func (a *AddRecord) Table() string        { return a.TableID }
func (a *BulkAddRecord) Table() string    { return a.TableID }
func (a *UpdateRecord) Table() string     { return a.TableID }
func (a *BulkUpdateRecord) Table() string { return a.TableID }
func (a *RemoveRecord) Table() string     { return a.TableID }
func (a *BulkRemoveRecord) Table() string { return a.TableID }
func (a *ReplaceTableData) Table() string { return a.TableID }
func (a *TableData) Table() string        { return a.TableID }
func (a *AddTable) Table() string         { return a.TableID }
func (a *RemoveTable) Table() string      { return a.TableID }
func (a *RenameTable) Table() string      { return a.TableID }
func (a *AddColumn) Table() string        { return a.TableID }
func (a *RemoveColumn) Table() string     { return a.TableID }
func (a *RenameColumn) Table() string     { return a.TableID }
func (a *ModifyColumn) Table() string     { return a.TableID }

func (*AddRecord) isAction()        {}
func (*BulkAddRecord) isAction()    {}
func (*UpdateRecord) isAction()     {}
func (*BulkUpdateRecord) isAction() {}
func (*RemoveRecord) isAction()     {}
func (*BulkRemoveRecord) isAction() {}
func (*ReplaceTableData) isAction() {}
func (*TableData) isAction()        {}
func (*AddTable) isAction()         {}
func (*RemoveTable) isAction()      {}
func (*RenameTable) isAction()      {}
func (*AddColumn) isAction()        {}
func (*RemoveColumn) isAction()     {}
func (*RenameColumn) isAction()     {}
func (*ModifyColumn) isAction()     {}

func (*AddRecord) isDataAction()        {}
func (*BulkAddRecord) isDataAction()    {}
func (*UpdateRecord) isDataAction()     {}
func (*BulkUpdateRecord) isDataAction() {}
func (*RemoveRecord) isDataAction()     {}
func (*BulkRemoveRecord) isDataAction() {}
func (*ReplaceTableData) isDataAction() {}
func (*TableData) isDataAction()        {}

func (*AddTable) isSchemaAction()     {}
func (*RemoveTable) isSchemaAction()  {}
func (*RenameTable) isSchemaAction()  {}
func (*AddColumn) isSchemaAction()    {}
func (*RemoveColumn) isSchemaAction() {}
func (*RenameColumn) isSchemaAction() {}
func (*ModifyColumn) isSchemaAction() {}

// IsSchemaAction reports whether a changes tables or columns.
func IsSchemaAction(a Action) bool {
	_, ok := a.(SchemaAction)
	return ok
}

// IsMetadataTable reports whether tableID names an internal metadata table.
func IsMetadataTable(tableID string) bool {
	return strings.HasPrefix(tableID, "_grist")
}

// NewTableData returns an empty snapshot for tableID.
func NewTableData(tableID string) *TableData {
	return &TableData{TableID: tableID, RowIDs: []int64{}, Values: BulkColValues{}}
}

// Clone returns a deep copy of the column arrays. Cell values are shared.
func (a *TableData) Clone() *TableData {
	if a == nil {
		return nil
	}
	return &TableData{TableID: a.TableID, RowIDs: slices.Clone(a.RowIDs), Values: cloneBulk(a.Values)}
}

// RowIndex returns the index of rowID in the snapshot.
func (a *TableData) RowIndex(rowID int64) (int, bool) {
	idx := slices.Index(a.RowIDs, rowID)
	return idx, idx >= 0
}

// Bulk is the columnar form shared by all data actions. It remembers the
// kind it was built from so it can be turned back into the same shape.
type Bulk struct {
	Kind    ActionKind
	TableID string
	RowIDs  []int64
	// Values is nil for removals.
	Values BulkColValues
}

// ToBulk converts a data action into its columnar form. The result owns
// its row and column slices; cell values are shared.
func ToBulk(a DataAction) *Bulk {
	switch v := a.(type) {
	case *AddRecord:
		return &Bulk{Kind: v.Kind(), TableID: v.TableID, RowIDs: []int64{v.RowID}, Values: singleToBulk(v.Values)}
	case *UpdateRecord:
		return &Bulk{Kind: v.Kind(), TableID: v.TableID, RowIDs: []int64{v.RowID}, Values: singleToBulk(v.Values)}
	case *RemoveRecord:
		return &Bulk{Kind: v.Kind(), TableID: v.TableID, RowIDs: []int64{v.RowID}}
	case *BulkAddRecord:
		return &Bulk{Kind: v.Kind(), TableID: v.TableID, RowIDs: slices.Clone(v.RowIDs), Values: cloneBulk(v.Values)}
	case *BulkUpdateRecord:
		return &Bulk{Kind: v.Kind(), TableID: v.TableID, RowIDs: slices.Clone(v.RowIDs), Values: cloneBulk(v.Values)}
	case *BulkRemoveRecord:
		return &Bulk{Kind: v.Kind(), TableID: v.TableID, RowIDs: slices.Clone(v.RowIDs)}
	case *ReplaceTableData:
		return &Bulk{Kind: v.Kind(), TableID: v.TableID, RowIDs: slices.Clone(v.RowIDs), Values: cloneBulk(v.Values)}
	case *TableData:
		return &Bulk{Kind: v.Kind(), TableID: v.TableID, RowIDs: slices.Clone(v.RowIDs), Values: cloneBulk(v.Values)}
	}
	panic("unreachable: unknown data action")
}

// Action converts b back to an action of its original kind. A single-row
// kind left with no rows yields nil.
func (b *Bulk) Action() DataAction {
	if !b.Kind.IsBulk() {
		if len(b.RowIDs) == 0 {
			return nil
		}
		switch b.Kind {
		case KindAddRecord:
			return &AddRecord{TableID: b.TableID, RowID: b.RowIDs[0], Values: bulkToSingle(b.Values, 0)}
		case KindUpdateRecord:
			return &UpdateRecord{TableID: b.TableID, RowID: b.RowIDs[0], Values: bulkToSingle(b.Values, 0)}
		case KindRemoveRecord:
			return &RemoveRecord{TableID: b.TableID, RowID: b.RowIDs[0]}
		}
	}
	switch b.Kind {
	case KindBulkAddRecord:
		return &BulkAddRecord{TableID: b.TableID, RowIDs: b.RowIDs, Values: b.Values}
	case KindBulkUpdateRecord:
		return &BulkUpdateRecord{TableID: b.TableID, RowIDs: b.RowIDs, Values: b.Values}
	case KindBulkRemoveRecord:
		return &BulkRemoveRecord{TableID: b.TableID, RowIDs: b.RowIDs}
	case KindReplaceTableData:
		return &ReplaceTableData{TableID: b.TableID, RowIDs: b.RowIDs, Values: b.Values}
	case KindTableData:
		return &TableData{TableID: b.TableID, RowIDs: b.RowIDs, Values: b.Values}
	}
	panic("unreachable: unknown data action kind " + string(b.Kind))
}

// CheckShape returns a ValidationError when a column does not hold exactly
// one value per row.
func (b *Bulk) CheckShape() error {
	for _, colID := range slices.Sorted(maps.Keys(b.Values)) {
		if n := len(b.Values[colID]); n != len(b.RowIDs) {
			return ErrValidation("%s on %s: column %s has %d values for %d rows", b.Kind, b.TableID, colID, n, len(b.RowIDs))
		}
	}
	return nil
}

// RemoveRowsAt drops the rows at the given sorted indexes.
func (b *Bulk) RemoveRowsAt(indexes []int) {
	if len(indexes) == 0 {
		return
	}
	b.RowIDs = pruneAt(b.RowIDs, indexes)
	for colID, values := range b.Values {
		b.Values[colID] = pruneAt(values, indexes)
	}
}

// RowIDs returns the row ids mentioned by a data action.
func RowIDs(a DataAction) []int64 {
	switch v := a.(type) {
	case *AddRecord:
		return []int64{v.RowID}
	case *UpdateRecord:
		return []int64{v.RowID}
	case *RemoveRecord:
		return []int64{v.RowID}
	case *BulkAddRecord:
		return v.RowIDs
	case *BulkUpdateRecord:
		return v.RowIDs
	case *BulkRemoveRecord:
		return v.RowIDs
	case *ReplaceTableData:
		return v.RowIDs
	case *TableData:
		return v.RowIDs
	}
	return nil
}

// HasColumn reports whether a data action carries values for colID.
func HasColumn(a DataAction, colID string) bool {
	switch v := a.(type) {
	case *AddRecord:
		_, ok := v.Values[colID]
		return ok
	case *UpdateRecord:
		_, ok := v.Values[colID]
		return ok
	case *BulkAddRecord:
		_, ok := v.Values[colID]
		return ok
	case *BulkUpdateRecord:
		_, ok := v.Values[colID]
		return ok
	case *ReplaceTableData:
		_, ok := v.Values[colID]
		return ok
	case *TableData:
		_, ok := v.Values[colID]
		return ok
	}
	return false
}

// CloneAction returns a copy of a that can be modified without affecting
// the original. Cell values are shared.
func CloneAction(a Action) Action {
	switch v := a.(type) {
	case DataAction:
		return ToBulk(v).Action()
	case *AddTable:
		cols := make([]ColValues, len(v.Columns))
		for i, c := range v.Columns {
			cols[i] = cloneCol(c)
		}
		return &AddTable{TableID: v.TableID, Columns: cols}
	case *RemoveTable:
		c := *v
		return &c
	case *RenameTable:
		c := *v
		return &c
	case *AddColumn:
		return &AddColumn{TableID: v.TableID, ColID: v.ColID, Info: cloneCol(v.Info)}
	case *RemoveColumn:
		c := *v
		return &c
	case *RenameColumn:
		c := *v
		return &c
	case *ModifyColumn:
		return &ModifyColumn{TableID: v.TableID, ColID: v.ColID, Info: cloneCol(v.Info)}
	}
	panic("unreachable: unknown action")
}

// ColumnOf returns the column named by a column schema action.
func ColumnOf(a Action) (string, bool) {
	switch v := a.(type) {
	case *AddColumn:
		return v.ColID, true
	case *RemoveColumn:
		return v.ColID, true
	case *RenameColumn:
		return v.ColID, true
	case *ModifyColumn:
		return v.ColID, true
	}
	return "", false
}

func singleToBulk(values ColValues) BulkColValues {
	out := make(BulkColValues, len(values))
	for colID, v := range values {
		out[colID] = []CellValue{v}
	}
	return out
}

func bulkToSingle(values BulkColValues, idx int) ColValues {
	out := make(ColValues, len(values))
	for colID, col := range values {
		if idx < len(col) {
			out[colID] = col[idx]
		}
	}
	return out
}

func cloneBulk(values BulkColValues) BulkColValues {
	if values == nil {
		return nil
	}
	out := make(BulkColValues, len(values))
	for colID, col := range values {
		out[colID] = slices.Clone(col)
	}
	return out
}

func cloneCol(values ColValues) ColValues {
	if values == nil {
		return nil
	}
	out := make(ColValues, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

// pruneAt removes the elements at the sorted indexes.
func pruneAt[T any](values []T, indexes []int) []T {
	out := values[:0]
	next := 0
	for i, v := range values {
		if next < len(indexes) && indexes[next] == i {
			next++
			continue
		}
		out = append(out, v)
	}
	return out
}
