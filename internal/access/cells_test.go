package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-access/internal/docdata"
	"doc-access/internal/domain"
	"doc-access/internal/testutil"
)

func peopleDoc() *docdata.DocData {
	return testutil.NewDoc().
		Table("People", "Name", "Salary").
		Rows("People", domain.ColValues{"Name": "Bo", "Salary": int64(10)}).
		Rule("People", "Salary", "user.Access != OWNER", "-R").
		Build()
}

func TestEngine_CellValue(t *testing.T) {
	ctx := context.Background()
	docs := newEngine(t, docsDoc())
	people := newEngine(t, peopleDoc())

	tests := []struct {
		name   string
		engine *Engine
		sess   *domain.Session
		cell   Cell
		want   domain.CellValue
		denied bool
	}{
		{name: "own row", engine: docs, sess: editorSession(), cell: Cell{"Docs", 1, "Text"}, want: "a"},
		{name: "hidden row", engine: docs, sess: editorSession(), cell: Cell{"Docs", 2, "Text"}, denied: true},
		{name: "owner sees all", engine: docs, sess: ownerSession(), cell: Cell{"Docs", 2, "Text"}, want: "b"},
		{name: "missing row", engine: docs, sess: ownerSession(), cell: Cell{"Docs", 9, "Text"}, denied: true},
		{name: "missing column", engine: docs, sess: ownerSession(), cell: Cell{"Docs", 1, "Nope"}, denied: true},
		{name: "missing table", engine: docs, sess: ownerSession(), cell: Cell{"Gone", 1, "A"}, denied: true},
		{name: "hidden column", engine: people, sess: editorSession(), cell: Cell{"People", 1, "Salary"}, denied: true},
		{name: "visible column", engine: people, sess: editorSession(), cell: Cell{"People", 1, "Name"}, want: "Bo"},
		{name: "system session", engine: people, sess: &domain.Session{ID: "s-system", Mode: domain.ModeSystem},
			cell: Cell{"People", 1, "Salary"}, want: int64(10)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.engine.CellValue(ctx, tc.sess, tc.cell)
			if tc.denied {
				require.Error(t, err)
				assert.True(t, domain.IsAccessDenied(err))
				assert.Equal(t, "Cannot access cell", err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEngine_AssertAttachmentAccess(t *testing.T) {
	ctx := context.Background()
	b := testutil.NewDoc().
		Table("Docs", "Owner", "Files").
		SetColumnType("Docs", "Files", "Attachments")
	att := b.Attachment("a.png")
	doc := b.
		Rows("Docs",
			domain.ColValues{"Owner": "ed@example.com", "Files": []any{"L", att}},
			domain.ColValues{"Owner": "other@example.com", "Files": []any{"L", att}},
		).
		Rule("Docs", "*", "user.Access != OWNER and rec.Owner != user.Email", "-RUD").
		Build()
	e := newEngine(t, doc)
	editor := editorSession()

	require.NoError(t, e.AssertAttachmentAccess(ctx, editor, Cell{"Docs", 1, "Files"}, att))

	err := e.AssertAttachmentAccess(ctx, editor, Cell{"Docs", 1, "Files"}, att+1)
	assert.EqualError(t, err, "attachment not present in cell")

	err = e.AssertAttachmentAccess(ctx, editor, Cell{"Docs", 2, "Files"}, att)
	assert.EqualError(t, err, "Cannot access cell")

	err = e.AssertAttachmentAccess(ctx, editor, Cell{"Docs", 1, "Owner"}, att)
	assert.EqualError(t, err, "not an attachment column")

	require.NoError(t, e.AssertAttachmentAccess(ctx, ownerSession(), Cell{"Docs", 2, "Files"}, att))
}

func TestEngine_FilterData(t *testing.T) {
	ctx := context.Background()

	t.Run("rows", func(t *testing.T) {
		store := docsDoc()
		e := newEngine(t, store)
		data, err := store.FetchRows(ctx, domain.Query{TableID: "Docs"})
		require.NoError(t, err)

		require.NoError(t, e.FilterData(ctx, editorSession(), data))
		assert.Equal(t, []int64{1}, data.RowIDs)
		assert.Equal(t, []domain.CellValue{"a"}, data.Values["Text"])
		assert.Len(t, data.Values["manualSort"], 1)
	})

	t.Run("columns", func(t *testing.T) {
		store := peopleDoc()
		e := newEngine(t, store)
		data, err := store.FetchRows(ctx, domain.Query{TableID: "People"})
		require.NoError(t, err)

		require.NoError(t, e.FilterData(ctx, editorSession(), data))
		assert.Equal(t, []int64{1}, data.RowIDs)
		assert.NotContains(t, data.Values, "Salary")
		assert.Contains(t, data.Values, "Name")
	})

	t.Run("owner unchanged", func(t *testing.T) {
		store := docsDoc()
		e := newEngine(t, store)
		data, err := store.FetchRows(ctx, domain.Query{TableID: "Docs"})
		require.NoError(t, err)
		want := data.Clone()

		require.NoError(t, e.FilterData(ctx, ownerSession(), data))
		assert.Equal(t, want, data)
	})
}

func TestEngine_FilterMetaTables(t *testing.T) {
	ctx := context.Background()
	b := testutil.NewDoc().
		Table("Public", "A").
		Table("Secret", "Code").
		Rule("Secret", "*", "user.Access != OWNER", "-R")
	e := newEngine(t, b.Build())
	meta := e.MetaTables()
	secretRef := b.TableRef("Secret")

	got, err := e.FilterMetaTables(ctx, ownerSession(), meta)
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	got, err = e.FilterMetaTables(ctx, editorSession(), meta)
	require.NoError(t, err)

	field := func(tables map[string]*domain.TableData, tableID string, rowID int64, colID string) domain.CellValue {
		t.Helper()
		data := tables[tableID]
		idx, ok := data.RowIndex(rowID)
		require.True(t, ok, "%s row %d", tableID, rowID)
		return docdata.NewRecordView(data, idx).Get(colID)
	}

	assert.Equal(t, "Public", field(got, docdata.TablesTable, b.TableRef("Public"), "tableId"))
	assert.Equal(t, "", field(got, docdata.TablesTable, secretRef, "tableId"))
	assert.Equal(t, "", field(got, docdata.ViewsTable, b.ViewRef("Secret"), "name"))
	assert.Equal(t, "", field(got, docdata.SectionsTable, b.SectionRef("Secret"), "title"))
	assert.Equal(t, int64(0), field(got, docdata.SectionsTable, b.SectionRef("Secret"), "tableRef"))
	assert.Equal(t, "", field(got, docdata.ColumnsTable, b.ColumnRef("Secret", "Code"), "colId"))
	assert.Equal(t, "Any", field(got, docdata.ColumnsTable, b.ColumnRef("Secret", "Code"), "type"))
	assert.Equal(t, "A", field(got, docdata.ColumnsTable, b.ColumnRef("Public", "A"), "colId"))
	assert.Empty(t, got[docdata.RulesTable].RowIDs)
	assert.Empty(t, got[docdata.ResourcesTable].RowIDs)

	assert.Equal(t, "Secret", field(meta, docdata.TablesTable, secretRef, "tableId"), "input is not modified")
	assert.NotEmpty(t, meta[docdata.RulesTable].RowIDs)
}

func TestEngine_FilterMetaTablesIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testutil.NewDoc().
		Table("Public", "A").
		Table("Secret", "Code").
		Table("People", "Name", "Salary").
		Rule("Secret", "*", "user.Access != OWNER", "-R").
		Rule("People", "Salary", "user.Access != OWNER", "-R").
		Build())

	for _, sess := range []*domain.Session{editorSession(), viewerSession(), ownerSession()} {
		t.Run(sess.ID, func(t *testing.T) {
			once, err := e.FilterMetaTables(ctx, sess, e.MetaTables())
			require.NoError(t, err)
			twice, err := e.FilterMetaTables(ctx, sess, once)
			require.NoError(t, err)
			assert.Equal(t, once, twice)
		})
	}
}

func TestEngine_FilterMetaTablesSummarySource(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		summary   bool
		wantTitle string
	}{
		{name: "no summary", summary: false, wantTitle: ""},
		{name: "visible summary of hidden source", summary: true, wantTitle: "Secret"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := testutil.NewDoc().
				Table("Secret", "Code").
				Table("Summary", "count").
				Rule("Secret", "*", "user.Access != OWNER", "-R")
			store := b.Build()
			if tc.summary {
				require.NoError(t, store.Apply(&domain.UpdateRecord{TableID: docdata.TablesTable, RowID: b.TableRef("Summary"),
					Values: domain.ColValues{"summarySourceTable": b.TableRef("Secret")}}))
			}
			e := newEngine(t, store)

			got, err := e.FilterMetaTables(ctx, editorSession(), e.MetaTables())
			require.NoError(t, err)
			cell := func(tableID string, rowID int64, colID string) domain.CellValue {
				data := got[tableID]
				idx, ok := data.RowIndex(rowID)
				require.True(t, ok, "%s row %d", tableID, rowID)
				return docdata.NewRecordView(data, idx).Get(colID)
			}

			assert.Equal(t, tc.wantTitle, cell(docdata.SectionsTable, b.SectionRef("Secret"), "title"))
			assert.Equal(t, "", cell(docdata.TablesTable, b.TableRef("Secret"), "tableId"))
			assert.Equal(t, "", cell(docdata.ViewsTable, b.ViewRef("Secret"), "name"))
			assert.Equal(t, "Summary", cell(docdata.SectionsTable, b.SectionRef("Summary"), "title"))

			fields := got[docdata.FieldsTable]
			for idx, ref := range fields.RowIDs {
				rec := docdata.NewRecordView(fields, idx)
				if docdata.AsInt(rec.Get("colRef")) == b.ColumnRef("Secret", "Code") {
					assert.Equal(t, int64(0), rec.Get("parentId"), "field %d", ref)
				}
			}
		})
	}
}
