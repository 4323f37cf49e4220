package docdata

import "doc-access/internal/domain"

// Metadata tables.
const (
	TablesTable      = "_grist_Tables"
	ColumnsTable     = "_grist_Tables_column"
	ViewsTable       = "_grist_Views"
	SectionsTable    = "_grist_Views_section"
	FieldsTable      = "_grist_Views_section_field"
	ResourcesTable   = "_grist_ACLResources"
	RulesTable       = "_grist_ACLRules"
	AttachmentsTable = "_grist_Attachments"
	ValidationsTable = "_grist_Validations"
)

// StructuralTables describe the document layout and are censored for
// sessions without full read access.
var StructuralTables = []string{
	TablesTable,
	ColumnsTable,
	ViewsTable,
	SectionsTable,
	FieldsTable,
	ResourcesTable,
	RulesTable,
}

// MetaColumns lists the columns of each metadata table. The row id is
// implicit.
var MetaColumns = map[string][]string{
	TablesTable:      {"tableId", "primaryViewId", "summarySourceTable", "onDemand", "rawViewSectionRef"},
	ColumnsTable:     {"parentId", "parentPos", "colId", "type", "widgetOptions", "isFormula", "formula", "label", "summarySourceCol", "displayCol"},
	ViewsTable:       {"name", "type", "layoutSpec"},
	SectionsTable:    {"tableRef", "parentId", "parentKey", "title", "options", "sortColRefs", "linkSrcSectionRef"},
	FieldsTable:      {"parentId", "parentPos", "colRef", "width", "widgetOptions", "filter"},
	ResourcesTable:   {"tableId", "colIds"},
	RulesTable:       {"resource", "permissions", "principals", "aclFormula", "aclColumn", "aclFormulaParsed", "permissionsText", "rulePos", "userAttributes", "memo"},
	AttachmentsTable: {"fileIdent", "fileName", "fileType", "fileSize", "imageHeight", "imageWidth", "timeUploaded"},
}

// MetaTableIDs returns the metadata tables in a stable order.
func MetaTableIDs() []string {
	return append(append([]string{}, StructuralTables...), AttachmentsTable)
}

// IsStructuralTable reports whether tableID is one of StructuralTables.
func IsStructuralTable(tableID string) bool {
	for _, t := range StructuralTables {
		if t == tableID {
			return true
		}
	}
	return false
}

// EmptyMetaTable returns an empty snapshot of a metadata table with all
// of its columns.
func EmptyMetaTable(tableID string) *domain.TableData {
	cols := MetaColumns[tableID]
	t := domain.NewTableData(tableID)
	for _, c := range cols {
		t.Values[c] = []domain.CellValue{}
	}
	return t
}
