package docdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-access/internal/domain"
)

func sampleTable() *domain.TableData {
	return &domain.TableData{
		TableID: "People",
		RowIDs:  []int64{1, 2, 3},
		Values: domain.BulkColValues{
			"Name": {"Ann", "Bob", "Cid"},
			"Age":  {30.0, 40.0, 50.0},
		},
	}
}

func TestApply_DataActions(t *testing.T) {
	d := New()
	d.SetTable(sampleTable())

	require.NoError(t, d.ApplyAll([]domain.Action{
		&domain.UpdateRecord{TableID: "People", RowID: 2, Values: domain.ColValues{"Age": 41.0}},
		&domain.AddRecord{TableID: "People", RowID: 4, Values: domain.ColValues{"Name": "Dee"}},
		&domain.BulkRemoveRecord{TableID: "People", RowIDs: []int64{1, 3}},
	}))

	got, ok := d.Table("People")
	require.True(t, ok)
	assert.Equal(t, []int64{2, 4}, got.RowIDs)
	assert.Equal(t, []domain.CellValue{"Bob", "Dee"}, got.Values["Name"])
	assert.Equal(t, []domain.CellValue{41.0, nil}, got.Values["Age"])
}

func TestApply_SchemaActions(t *testing.T) {
	d := New()
	d.SetTable(sampleTable())

	require.NoError(t, d.ApplyAll([]domain.Action{
		&domain.RenameColumn{TableID: "People", ColID: "Age", NewColID: "Years"},
		&domain.AddColumn{TableID: "People", ColID: "Email", Info: domain.ColValues{"type": "Text"}},
		&domain.RenameTable{TableID: "People", NewTableID: "Staff"},
	}))

	_, ok := d.Table("People")
	assert.False(t, ok)
	got, ok := d.Table("Staff")
	require.True(t, ok)
	assert.Equal(t, "Staff", got.TableID)
	assert.Contains(t, got.Values, "Years")
	assert.Len(t, got.Values["Email"], 3)

	require.NoError(t, d.Apply(&domain.RemoveTable{TableID: "Staff"}))
	assert.Empty(t, d.TableIDs())
}

func TestApply_IgnoresAbsentTable(t *testing.T) {
	d := New()
	require.NoError(t, d.Apply(&domain.AddRecord{TableID: "Nope", RowID: 1}))
	assert.Empty(t, d.TableIDs())
}

func TestApply_RejectsRaggedColumns(t *testing.T) {
	tests := []struct {
		name   string
		action domain.Action
	}{
		{name: "bulk update", action: &domain.BulkUpdateRecord{TableID: "People", RowIDs: []int64{1, 2}, Values: domain.BulkColValues{"Name": {"Al"}}}},
		{name: "bulk add", action: &domain.BulkAddRecord{TableID: "People", RowIDs: []int64{4, 5}, Values: domain.BulkColValues{"Name": {"Dee"}}}},
		{name: "replace table data", action: &domain.ReplaceTableData{TableID: "People", RowIDs: []int64{1}, Values: domain.BulkColValues{"Name": {}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := New()
			d.SetTable(sampleTable())

			err := d.Apply(tc.action)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)

			got, _ := d.Table("People")
			assert.Equal(t, sampleTable(), got)
		})
	}
}

func TestSnapshot_IsCopy(t *testing.T) {
	d := New()
	d.SetTable(sampleTable())
	snap := d.Snapshot("People")
	snap.Values["Name"][0] = "Zed"

	got, _ := d.Table("People")
	assert.Equal(t, "Ann", got.Values["Name"][0])
	assert.Nil(t, d.Snapshot("Missing"))
}

func TestRecordView(t *testing.T) {
	data := sampleTable()
	rec := NewRecordView(data, 1)
	assert.Equal(t, int64(2), rec.Get("id"))
	assert.Equal(t, "Bob", rec.Get("Name"))
	assert.True(t, rec.Has("id"))
	assert.True(t, rec.Has("Age"))
	assert.False(t, rec.Has("Email"))
	assert.Equal(t, map[string]domain.CellValue{"Name": "Bob", "Age": 40.0}, rec.Fields())

	empty := EmptyRecordView()
	assert.True(t, empty.IsEmpty())
	assert.Nil(t, empty.Get("Name"))
	assert.Empty(t, empty.Fields())
}

func TestRelatedRows(t *testing.T) {
	rows := RelatedRows([]domain.Action{
		&domain.UpdateRecord{TableID: "A", RowID: 3},
		&domain.RenameTable{TableID: "A", NewTableID: "B"},
		&domain.BulkRemoveRecord{TableID: "B", RowIDs: []int64{1, 3}},
		&domain.AddTable{TableID: "New"},
		&domain.AddRecord{TableID: "New", RowID: 1},
		&domain.ReplaceTableData{TableID: "C"},
	})
	require.Len(t, rows, 2)
	assert.Equal(t, RowSet{TableID: "A", IDs: []int64{1, 3}}, rows[0])
	assert.Equal(t, "C", rows[1].TableID)
	assert.True(t, rows[1].All)
	assert.Empty(t, rows[1].Query().Filters)
	assert.Equal(t, []domain.CellValue{int64(1), int64(3)}, rows[0].Query().Filters["id"])
}

func TestActions_Recreate(t *testing.T) {
	d := New()
	d.SetTable(sampleTable())
	d.SetTable(EmptyMetaTable(TablesTable))

	actions := d.Actions()
	require.Len(t, actions, 3)
	add, ok := actions[0].(*domain.AddTable)
	require.True(t, ok)
	assert.Equal(t, "People", add.TableID)
	assert.Equal(t, []domain.ColValues{{"id": "Age"}, {"id": "Name"}}, add.Columns)

	fresh := New()
	fresh.SetTable(EmptyMetaTable(TablesTable))
	require.NoError(t, fresh.ApplyAll(actions))
	assert.Equal(t, d.Snapshot("People"), fresh.Snapshot("People"))
}
