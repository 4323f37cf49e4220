package fixture

import (
	"encoding/json"

	"doc-access/internal/docdata"
	"doc-access/internal/domain"
)

// Builder assembles a document with consistent metadata: every user
// table gets its _grist_Tables row, columns, a view, a raw section and
// fields.
type Builder struct {
	doc       *docdata.DocData
	nextID    map[string]int64
	tableRefs map[string]int64
	viewRefs  map[string]int64
	secRefs   map[string]int64
	colRefs   map[[2]string]int64
	resources map[[2]string]int64
	rulePos   float64
}

// NewBuilder returns a builder with empty metadata tables.
func NewBuilder() *Builder {
	b := &Builder{
		doc:       docdata.New(),
		nextID:    map[string]int64{},
		tableRefs: map[string]int64{},
		viewRefs:  map[string]int64{},
		secRefs:   map[string]int64{},
		colRefs:   map[[2]string]int64{},
		resources: map[[2]string]int64{},
	}
	for _, id := range docdata.MetaTableIDs() {
		b.doc.SetTable(docdata.EmptyMetaTable(id))
	}
	return b
}

func (b *Builder) add(tableID string, values domain.ColValues) int64 {
	b.nextID[tableID]++
	id := b.nextID[tableID]
	if err := b.doc.Apply(&domain.AddRecord{TableID: tableID, RowID: id, Values: values}); err != nil {
		panic(err)
	}
	return id
}

// Table adds a user table with the given columns and a manualSort column.
func (b *Builder) Table(tableID string, colIDs ...string) *Builder {
	viewRef := b.add(docdata.ViewsTable, domain.ColValues{"name": tableID, "type": "raw_data", "layoutSpec": ""})
	tableRef := b.nextID[docdata.TablesTable] + 1
	secRef := b.add(docdata.SectionsTable, domain.ColValues{
		"tableRef": tableRef, "parentId": viewRef, "parentKey": "record", "title": tableID,
		"options": "", "sortColRefs": "[]", "linkSrcSectionRef": int64(0),
	})
	b.add(docdata.TablesTable, domain.ColValues{
		"tableId": tableID, "primaryViewId": viewRef, "summarySourceTable": int64(0),
		"onDemand": false, "rawViewSectionRef": secRef,
	})
	b.tableRefs[tableID] = tableRef
	b.viewRefs[tableID] = viewRef
	b.secRefs[tableID] = secRef

	cols := []domain.ColValues{{"id": "manualSort", "type": "ManualSortPos"}}
	for pos, colID := range append([]string{"manualSort"}, colIDs...) {
		colRef := b.add(docdata.ColumnsTable, domain.ColValues{
			"parentId": tableRef, "parentPos": float64(pos), "colId": colID, "type": "Any",
			"widgetOptions": "", "isFormula": false, "formula": "", "label": colID,
			"summarySourceCol": int64(0), "displayCol": int64(0),
		})
		b.colRefs[[2]string{tableID, colID}] = colRef
		if colID == "manualSort" {
			continue
		}
		cols = append(cols, domain.ColValues{"id": colID, "type": "Any"})
		b.add(docdata.FieldsTable, domain.ColValues{
			"parentId": secRef, "parentPos": float64(pos), "colRef": colRef,
			"width": float64(100), "widgetOptions": "", "filter": "",
		})
	}
	if err := b.doc.Apply(&domain.AddTable{TableID: tableID, Columns: cols}); err != nil {
		panic(err)
	}
	return b
}

// SetColumnType changes the recorded type of a column.
func (b *Builder) SetColumnType(tableID, colID, colType string) *Builder {
	ref := b.colRefs[[2]string{tableID, colID}]
	if err := b.doc.Apply(&domain.UpdateRecord{TableID: docdata.ColumnsTable, RowID: ref, Values: domain.ColValues{"type": colType}}); err != nil {
		panic(err)
	}
	return b
}

// Rows appends rows to a user table, numbering them from 1.
func (b *Builder) Rows(tableID string, rows ...domain.ColValues) *Builder {
	for _, row := range rows {
		values := domain.ColValues{}
		for k, v := range row {
			values[k] = v
		}
		b.nextID[tableID]++
		values["manualSort"] = float64(b.nextID[tableID])
		if err := b.doc.Apply(&domain.AddRecord{TableID: tableID, RowID: b.nextID[tableID], Values: values}); err != nil {
			panic(err)
		}
	}
	return b
}

// Rule appends an access rule for a resource. colIDs is "*" for table
// rules; tableID is "*" for document rules.
func (b *Builder) Rule(tableID, colIDs, formula, permissions string) *Builder {
	return b.RuleWithMemo(tableID, colIDs, formula, permissions, "")
}

// RuleWithMemo is Rule with a memo shown when the rule denies.
func (b *Builder) RuleWithMemo(tableID, colIDs, formula, permissions, memo string) *Builder {
	res := b.resource(tableID, colIDs)
	b.rulePos++
	b.add(docdata.RulesTable, domain.ColValues{
		"resource": res, "permissions": int64(0), "principals": "[]", "aclFormula": formula,
		"aclColumn": int64(0), "aclFormulaParsed": "", "permissionsText": permissions,
		"rulePos": b.rulePos, "userAttributes": "", "memo": memo,
	})
	return b
}

// UserAttribute adds a user attribute rule.
func (b *Builder) UserAttribute(name, tableID, lookupColID, charID string) *Builder {
	res := b.resource("*", "*")
	attr, _ := json.Marshal(map[string]string{
		"name": name, "tableId": tableID, "lookupColId": lookupColID, "charId": charID,
	})
	b.rulePos++
	b.add(docdata.RulesTable, domain.ColValues{
		"resource": res, "permissions": int64(0), "principals": "[]", "aclFormula": "",
		"aclColumn": int64(0), "aclFormulaParsed": "", "permissionsText": "",
		"rulePos": b.rulePos, "userAttributes": string(attr), "memo": "",
	})
	return b
}

func (b *Builder) resource(tableID, colIDs string) int64 {
	key := [2]string{tableID, colIDs}
	if id, ok := b.resources[key]; ok {
		return id
	}
	id := b.add(docdata.ResourcesTable, domain.ColValues{"tableId": tableID, "colIds": colIDs})
	b.resources[key] = id
	return id
}

// Attachment records an attachment and returns its id.
func (b *Builder) Attachment(fileName string) int64 {
	return b.add(docdata.AttachmentsTable, domain.ColValues{
		"fileIdent": fileName, "fileName": fileName, "fileType": "", "fileSize": float64(0),
		"imageHeight": float64(0), "imageWidth": float64(0), "timeUploaded": float64(0),
	})
}

// TableRef returns the _grist_Tables row of a user table.
func (b *Builder) TableRef(tableID string) int64 { return b.tableRefs[tableID] }

// ViewRef returns the view created for a user table.
func (b *Builder) ViewRef(tableID string) int64 { return b.viewRefs[tableID] }

// SectionRef returns the raw section created for a user table.
func (b *Builder) SectionRef(tableID string) int64 { return b.secRefs[tableID] }

// ColumnRef returns the _grist_Tables_column row of a column.
func (b *Builder) ColumnRef(tableID, colID string) int64 { return b.colRefs[[2]string{tableID, colID}] }

// Build returns the document.
func (b *Builder) Build() *docdata.DocData { return b.doc }
