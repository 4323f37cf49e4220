package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalAction_Kinds(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Action
	}{
		{
			name: "add record",
			in:   `["AddRecord","T",3,{"A":"x"}]`,
			want: &AddRecord{TableID: "T", RowID: 3, Values: ColValues{"A": "x"}},
		},
		{
			name: "bulk update",
			in:   `["BulkUpdateRecord","T",[1,2],{"A":[1,2]}]`,
			want: &BulkUpdateRecord{TableID: "T", RowIDs: []int64{1, 2}, Values: BulkColValues{"A": {1.0, 2.0}}},
		},
		{
			name: "remove record",
			in:   `["RemoveRecord","T",7]`,
			want: &RemoveRecord{TableID: "T", RowID: 7},
		},
		{
			name: "rename column",
			in:   `["RenameColumn","T","A","B"]`,
			want: &RenameColumn{TableID: "T", ColID: "A", NewColID: "B"},
		},
		{
			name: "add table",
			in:   `["AddTable","T",[{"id":"A","type":"Text"}]]`,
			want: &AddTable{TableID: "T", Columns: []ColValues{{"id": "A", "type": "Text"}}},
		},
		{
			name: "null row id",
			in:   `["AddRecord","T",null,{}]`,
			want: &AddRecord{TableID: "T", RowID: 0, Values: ColValues{}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := UnmarshalAction([]byte(tc.in))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestUnmarshalAction_UnknownKind(t *testing.T) {
	_, err := UnmarshalAction([]byte(`["Frobnicate","T"]`))
	require.Error(t, err)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestUnmarshalAction_RaggedColumns(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "bulk update short column", in: `["BulkUpdateRecord","T",[1,2],{"Secret":["S1"]}]`},
		{name: "bulk add long column", in: `["BulkAddRecord","T",[1],{"A":["a","b"]}]`},
		{name: "replace table data", in: `["ReplaceTableData","T",[1,2,3],{"A":[]}]`},
		{name: "table data", in: `["TableData","T",[],{"A":[1]}]`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := UnmarshalAction([]byte(tc.in))
			require.Error(t, err)
			assert.Nil(t, got)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Message, "values for")
		})
	}

	var list ActionList
	err := json.Unmarshal([]byte(`[["BulkUpdateRecord","T",[1,2],{"A":[1]}]]`), &list)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestBulk_CheckShape(t *testing.T) {
	ok := &Bulk{Kind: KindBulkRemoveRecord, TableID: "T", RowIDs: []int64{1, 2}}
	assert.NoError(t, ok.CheckShape())

	ragged := &Bulk{Kind: KindBulkUpdateRecord, TableID: "T", RowIDs: []int64{1, 2}, Values: BulkColValues{"B": {1}, "A": {1, 2}}}
	err := ragged.CheckShape()
	require.Error(t, err)
	assert.Equal(t, "BulkUpdateRecord on T: column B has 1 values for 2 rows", err.Error())
}

func TestActionList_RoundTrip(t *testing.T) {
	in := `[["BulkAddRecord","T",[1,2],{"A":["a","b"]}],["RemoveColumn","T","B"],["UpdateRecord","T",1,{"A":["C"]}]]`
	var list ActionList
	require.NoError(t, json.Unmarshal([]byte(in), &list))
	require.Len(t, list, 3)

	upd, ok := list[2].(*UpdateRecord)
	require.True(t, ok)
	assert.True(t, IsCensored(upd.Values["A"]))

	out, err := json.Marshal(list)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestBulk_RoundTrip(t *testing.T) {
	single := &UpdateRecord{TableID: "T", RowID: 4, Values: ColValues{"A": "x"}}
	b := ToBulk(single)
	assert.Equal(t, []int64{4}, b.RowIDs)
	assert.Equal(t, []CellValue{"x"}, b.Values["A"])
	assert.Equal(t, single, b.Action())

	b.RemoveRowsAt([]int{0})
	assert.Nil(t, b.Action())
}

func TestBulk_RemoveRowsAt(t *testing.T) {
	b := ToBulk(&BulkAddRecord{
		TableID: "T",
		RowIDs:  []int64{1, 2, 3, 4},
		Values:  BulkColValues{"A": {"a", "b", "c", "d"}},
	})
	b.RemoveRowsAt([]int{1, 3})
	assert.Equal(t, []int64{1, 3}, b.RowIDs)
	assert.Equal(t, []CellValue{"a", "c"}, b.Values["A"])
}

func TestCloneAction_Independent(t *testing.T) {
	orig := &BulkUpdateRecord{TableID: "T", RowIDs: []int64{1}, Values: BulkColValues{"A": {"a"}}}
	clone := CloneAction(orig).(*BulkUpdateRecord)
	clone.Values["A"][0] = "z"
	clone.RowIDs[0] = 9
	assert.Equal(t, "a", orig.Values["A"][0])
	assert.Equal(t, int64(1), orig.RowIDs[0])
}

func TestUserAction_JSON(t *testing.T) {
	in := `["ApplyUndoActions",[["RemoveRecord","T",1]]]`
	var ua UserAction
	require.NoError(t, json.Unmarshal([]byte(in), &ua))
	assert.True(t, ua.IsWrapper())
	require.Len(t, ua.Nested, 1)
	assert.Equal(t, &RemoveRecord{TableID: "T", RowID: 1}, ua.Nested[0])

	out, err := json.Marshal(ua)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestUserAction_AsDocAction(t *testing.T) {
	var ua UserAction
	require.NoError(t, json.Unmarshal([]byte(`["UpdateRecord","T",2,{"A":1}]`), &ua))
	assert.Equal(t, "T", ua.TableID())
	a, ok := ua.AsDocAction()
	require.True(t, ok)
	assert.Equal(t, &UpdateRecord{TableID: "T", RowID: 2, Values: ColValues{"A": 1.0}}, a)

	_, ok = NewUserAction("Calculate").AsDocAction()
	assert.False(t, ok)
}

func TestUsageValue_JSON(t *testing.T) {
	status := "approachingLimit"
	out, err := json.Marshal(DocUsageSummary{
		DataLimitStatus: &status,
		RowCount:        &HiddenUsage,
		DataSizeBytes:   Usage(42),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"dataLimitStatus":"approachingLimit","rowCount":"hidden","dataSizeBytes":42}`, string(out))
}

func TestRole(t *testing.T) {
	assert.True(t, RoleOwners.CanEdit())
	assert.True(t, RoleViewers.CanView())
	assert.False(t, RoleViewers.CanEdit())
	assert.False(t, RoleNone.CanView())
	assert.Equal(t, RoleNone, ParseRole("admins"))
}
