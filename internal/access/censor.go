package access

import (
	"fmt"

	"doc-access/internal/acl"
	"doc-access/internal/docdata"
	"doc-access/internal/domain"
)

// censorship lists the structural metadata rows a session may not see.
// Censoring blanks fields rather than removing rows: a censored table has
// an empty tableId, a censored view an empty name.
type censorship struct {
	tables      idSet
	columns     idSet
	views       idSet
	sections    idSet
	fields      idSet
	canViewACLs bool
}

func newCensorship(info *acl.PermissionInfo, meta map[string]*domain.TableData, canViewACLs bool) *censorship {
	c := &censorship{
		tables: idSet{}, columns: idSet{}, views: idSet{}, sections: idSet{}, fields: idSet{},
		canViewACLs: canViewACLs,
	}
	table := func(id string) *domain.TableData {
		if t := meta[id]; t != nil {
			return t
		}
		return docdata.EmptyMetaTable(id)
	}
	tables, columns := table(docdata.TablesTable), table(docdata.ColumnsTable)
	sections, fields := table(docdata.SectionsTable), table(docdata.FieldsTable)

	type colKey struct {
		tableRef int64
		colID    string
	}
	censoredCols := map[colKey]bool{}
	tableIDs := map[int64]string{}
	tableIndex := map[int64]int{}
	uncensored := idSet{}

	for idx, ref := range tables.RowIDs {
		tableID := docdata.AsString(docdata.NewRecordView(tables, idx).Get("tableId"))
		tableIDs[ref] = tableID
		tableIndex[ref] = idx
		switch info.TableAccess(tableID).Get(acl.PermRead) {
		case acl.Deny:
			c.tables[ref] = true
		case acl.Allow:
			uncensored[ref] = true
		}
	}
	for idx := range columns.RowIDs {
		rec := docdata.NewRecordView(columns, idx)
		tableRef := docdata.AsInt(rec.Get("parentId"))
		if uncensored[tableRef] {
			continue
		}
		colID := docdata.AsString(rec.Get("colId"))
		tableID, known := tableIDs[tableRef]
		// Columns of a table missing from the metadata stay hidden.
		if !known || c.tables[tableRef] ||
			(colID != "manualSort" && info.ColumnAccess(tableID, colID).Get(acl.PermRead) == acl.Deny) {
			censoredCols[colKey{tableRef, colID}] = true
		}
	}
	for idx, ref := range sections.RowIDs {
		rec := docdata.NewRecordView(sections, idx)
		if !c.tables[docdata.AsInt(rec.Get("tableRef"))] {
			continue
		}
		if parent := docdata.AsInt(rec.Get("parentId")); parent != 0 {
			c.views[parent] = true
		}
		c.sections[ref] = true
	}
	for idx, ref := range columns.RowIDs {
		rec := docdata.NewRecordView(columns, idx)
		parent := docdata.AsInt(rec.Get("parentId"))
		if c.tables[parent] || censoredCols[colKey{parent, docdata.AsString(rec.Get("colId"))}] {
			c.columns[ref] = true
		}
	}
	for idx, ref := range fields.RowIDs {
		rec := docdata.NewRecordView(fields, idx)
		if c.sections[docdata.AsInt(rec.Get("parentId"))] || c.columns[docdata.AsInt(rec.Get("colRef"))] {
			c.fields[ref] = true
		}
	}

	// A visible summary table reveals the raw section title of its hidden
	// source table. The section's fields stay censored.
	for idx, ref := range tables.RowIDs {
		source := docdata.AsInt(docdata.NewRecordView(tables, idx).Get("summarySourceTable"))
		sourceIdx, ok := tableIndex[source]
		if c.tables[ref] || source == 0 || !ok || !c.tables[source] {
			continue
		}
		raw := docdata.AsInt(docdata.NewRecordView(tables, sourceIdx).Get("rawViewSectionRef"))
		delete(c.sections, raw)
	}
	return c
}

func (c *censorship) rowsOf(tableID string) (idSet, bool) {
	switch tableID {
	case docdata.TablesTable:
		return c.tables, true
	case docdata.ColumnsTable:
		return c.columns, true
	case docdata.ViewsTable:
		return c.views, true
	case docdata.SectionsTable:
		return c.sections, true
	case docdata.FieldsTable:
		return c.fields, true
	}
	return nil, false
}

// apply censors a structural data action in place. It reports whether the
// action may be sent at all: changes to the rule tables only go to
// sessions allowed to see the rules.
func (c *censorship) apply(a domain.DataAction) bool {
	tableID := a.Table()
	if !docdata.IsStructuralTable(tableID) {
		return true
	}
	rows, ok := c.rowsOf(tableID)
	if !ok {
		if !c.canViewACLs {
			if td, isData := a.(*domain.TableData); isData {
				td.RowIDs = []int64{}
				for colID := range td.Values {
					td.Values[colID] = []domain.CellValue{}
				}
			}
		}
		return c.canViewACLs
	}
	for idx, id := range domain.RowIDs(a) {
		if rows[id] {
			censorRow(a, idx)
		}
	}
	return true
}

// censorRow blanks the identifying fields of one row. Only columns the
// action carries are touched.
func censorRow(a domain.DataAction, idx int) {
	var blanks domain.ColValues
	switch a.Table() {
	case docdata.TablesTable:
		blanks = domain.ColValues{"tableId": ""}
	case docdata.ViewsTable:
		blanks = domain.ColValues{"name": ""}
	case docdata.SectionsTable:
		blanks = domain.ColValues{"title": "", "tableRef": int64(0)}
	case docdata.ColumnsTable:
		blanks = domain.ColValues{"label": "", "colId": "", "widgetOptions": "", "formula": "", "type": "Any", "parentId": int64(0)}
	case docdata.FieldsTable:
		blanks = domain.ColValues{"widgetOptions": "", "filter": "", "parentId": int64(0)}
	default:
		panic(fmt.Sprintf("cannot censor %s", a.Table()))
	}
	for colID, v := range blanks {
		setCell(a, idx, colID, v)
	}
}

func setCell(a domain.DataAction, idx int, colID string, v domain.CellValue) {
	switch x := a.(type) {
	case *domain.AddRecord:
		setSingle(x.Values, colID, v)
	case *domain.UpdateRecord:
		setSingle(x.Values, colID, v)
	case *domain.BulkAddRecord:
		setBulk(x.Values, idx, colID, v)
	case *domain.BulkUpdateRecord:
		setBulk(x.Values, idx, colID, v)
	case *domain.ReplaceTableData:
		setBulk(x.Values, idx, colID, v)
	case *domain.TableData:
		setBulk(x.Values, idx, colID, v)
	}
}

func setSingle(values domain.ColValues, colID string, v domain.CellValue) {
	if _, ok := values[colID]; ok {
		values[colID] = v
	}
}

func setBulk(values domain.BulkColValues, idx int, colID string, v domain.CellValue) {
	if col, ok := values[colID]; ok && idx < len(col) {
		col[idx] = v
	}
}
