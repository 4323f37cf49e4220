package acl

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-access/internal/docdata"
	"doc-access/internal/domain"
	"doc-access/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func editor() *UserInfo {
	id := int64(2)
	return &UserInfo{Access: domain.RoleEditors, UserID: &id, Email: "ed@example.com", Name: "Ed"}
}

func owner() *UserInfo {
	id := int64(1)
	return &UserInfo{Access: domain.RoleOwners, UserID: &id, Email: "own@example.com", Name: "Own"}
}

func load(t *testing.T, doc *docdata.DocData) *RuleCollection {
	t.Helper()
	rules := NewRuleCollection()
	rules.Update(doc, NewStarlarkCompiler(0), testLogger())
	require.NoError(t, rules.RuleError())
	return rules
}

func TestParsePermissions(t *testing.T) {
	tests := []struct {
		in      string
		want    PartialSet
		wantErr bool
	}{
		{in: "+R", want: PartialSet{PermRead: PartialAllow}},
		{in: "+R-CUDS", want: PartialSet{
			PermRead: PartialAllow, PermCreate: PartialDeny, PermUpdate: PartialDeny,
			PermDelete: PartialDeny, PermSchemaEdit: PartialDeny,
		}},
		{in: "all", want: PartialSet{
			PermRead: PartialAllow, PermCreate: PartialAllow, PermUpdate: PartialAllow,
			PermDelete: PartialAllow, PermSchemaEdit: PartialAllow,
		}},
		{in: "R", wantErr: true},
		{in: "+X", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParsePermissions(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
	p, _ := ParsePermissions("+R-CUDS")
	assert.Equal(t, "+R-CUDS", p.String())
}

func TestMergePartial(t *testing.T) {
	tests := []struct {
		a, b, want PartialValue
	}{
		{PartialAllow, PartialDeny, PartialAllow},
		{PartialUnset, PartialDeny, PartialDeny},
		{PartialAllowSome, PartialAllow, PartialAllow},
		{PartialAllowSome, PartialDeny, PartialMixed},
		{PartialDenySome, PartialDeny, PartialDeny},
		{PartialDenySome, PartialAllow, PartialMixed},
		{PartialDenySome, PartialAllowSome, PartialMixed},
		{PartialAllowSome, PartialUnset, PartialAllowSome},
		{PartialMixed, PartialAllow, PartialMixed},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, mergePartial(tc.a, tc.b), "%s + %s", tc.a, tc.b)
	}
	assert.Equal(t, Deny, finalize(PartialUnset))
	assert.Equal(t, Mixed, finalize(PartialAllowSome))
}

func TestStarlarkCompiler_Matches(t *testing.T) {
	c := NewStarlarkCompiler(0)

	pred, err := c.Compile("user.Access in [OWNER]")
	require.NoError(t, err)
	ok, err := pred.Matches(Input{User: owner()})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = pred.Matches(Input{User: editor()})
	require.NoError(t, err)
	assert.False(t, ok)

	pred, err = c.Compile("rec.Owner == user.Email")
	require.NoError(t, err)
	_, err = pred.Matches(Input{User: editor()})
	assert.ErrorIs(t, err, ErrNeedsRow)

	data := &domain.TableData{TableID: "T", RowIDs: []int64{1}, Values: domain.BulkColValues{"Owner": {"ed@example.com"}}}
	rec := docdata.NewRecordView(data, 0)
	ok, err = pred.Matches(Input{User: editor(), Rec: &rec})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = pred.Matches(Input{User: owner(), Rec: &rec})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStarlarkCompiler_Numbers(t *testing.T) {
	pred, err := NewStarlarkCompiler(0).Compile("rec.Age >= 40 and rec.id == 1")
	require.NoError(t, err)
	data := &domain.TableData{TableID: "T", RowIDs: []int64{1}, Values: domain.BulkColValues{"Age": {40.0}}}
	rec := docdata.NewRecordView(data, 0)
	ok, err := pred.Matches(Input{User: editor(), Rec: &rec})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStarlarkCompiler_CompileErrors(t *testing.T) {
	c := NewStarlarkCompiler(0)

	_, err := c.Compile("user.Access ==")
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int32(1), ce.Line)

	_, err = c.Compile("unknown_name == 1")
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Msg, "unknown_name")

	pred, err := c.Compile("   ")
	require.NoError(t, err)
	ok, err := pred.Matches(Input{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStarlarkCompiler_StepLimit(t *testing.T) {
	pred, err := NewStarlarkCompiler(50).Compile("len([x for x in range(100000)]) > 0")
	require.NoError(t, err)
	_, err = pred.Matches(Input{User: editor()})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNeedsRow)
}

func TestPermissionInfo_ColumnRule(t *testing.T) {
	doc := testutil.NewDoc().
		Table("People", "Name", "Salary").
		Rule("People", "Salary", "user.Access != OWNER", "-R").
		Build()
	rules := load(t, doc)
	assert.True(t, rules.HaveRules())

	info := NewPermissionInfo(rules, Input{User: editor()}, testLogger())
	salary := info.ColumnAccess("People", "Salary")
	assert.Equal(t, Deny, salary.Get(PermRead))
	assert.Equal(t, RuleTypeColumn, salary.RuleType)
	assert.Equal(t, Allow, info.ColumnAccess("People", "Name").Get(PermRead))

	table := info.TableAccess("People")
	assert.Equal(t, MixedColumns, table.Get(PermRead))
	assert.Equal(t, Allow, table.Get(PermCreate))
	assert.Equal(t, Mixed, info.FullAccess().Get(PermRead))

	ownerInfo := NewPermissionInfo(rules, Input{User: owner()}, testLogger())
	assert.Equal(t, Allow, ownerInfo.TableAccess("People").Get(PermRead))
	assert.Equal(t, Allow, ownerInfo.FullAccess().Get(PermRead))
}

func TestPermissionInfo_Deterministic(t *testing.T) {
	doc := testutil.NewDoc().
		Table("People", "Name", "Salary").
		Table("Docs", "Owner").
		Rule("People", "Salary", "user.Access != OWNER", "-R").
		Rule("Docs", "*", "rec.Owner != user.Email", "-RUD").
		Rule("*", "*", "user.Access == VIEWER", "-CUD").
		Build()
	rules := load(t, doc)

	first := NewPermissionInfo(rules, Input{User: editor()}, testLogger())
	again := NewPermissionInfo(load(t, doc), Input{User: editor()}, testLogger())
	for _, table := range []string{"People", "Docs", "Missing"} {
		assert.Equal(t, first.TableAccess(table), first.TableAccess(table), table)
		assert.Equal(t, first.TableAccess(table), again.TableAccess(table), table)
	}
	assert.Equal(t, first.ColumnAccess("People", "Salary"), again.ColumnAccess("People", "Salary"))
	assert.Equal(t, first.FullAccess(), again.FullAccess())
}

func TestPermissionInfo_RowRule(t *testing.T) {
	doc := testutil.NewDoc().
		Table("Docs", "Owner").
		Rule("Docs", "*", "rec.Owner != user.Email", "-R").
		Build()
	rules := load(t, doc)

	info := NewPermissionInfo(rules, Input{User: editor()}, testLogger())
	assert.Equal(t, Mixed, info.TableAccess("Docs").Get(PermRead))
	assert.Equal(t, RuleTypeTable, info.TableAccess("Docs").RuleType)

	data := &domain.TableData{TableID: "Docs", RowIDs: []int64{1, 2}, Values: domain.BulkColValues{
		"Owner": {"ed@example.com", "other@example.com"},
	}}
	mine := docdata.NewRecordView(data, 0)
	theirs := docdata.NewRecordView(data, 1)
	assert.Equal(t, Allow, NewPermissionInfo(rules, Input{User: editor(), Rec: &mine}, testLogger()).TableAccess("Docs").Get(PermRead))
	assert.Equal(t, Deny, NewPermissionInfo(rules, Input{User: editor(), Rec: &theirs}, testLogger()).TableAccess("Docs").Get(PermRead))
}

func TestPermissionInfo_Memos(t *testing.T) {
	doc := testutil.NewDoc().
		Table("T", "A").
		RuleWithMemo("T", "*", "user.Access == EDITOR", "-U", "editors cannot change T").
		Build()
	rules := load(t, doc)

	ps := NewPermissionInfo(rules, Input{User: editor()}, testLogger()).TableAccess("T")
	assert.Equal(t, Deny, ps.Get(PermUpdate))
	assert.Equal(t, []string{"editors cannot change T"}, ps.Memos(PermUpdate))
	assert.Empty(t, ps.Memos(PermRead))
}

func TestPermissionInfo_EvalErrorContributesDeny(t *testing.T) {
	doc := testutil.NewDoc().
		Table("T", "A").
		Rule("T", "*", "user.Email + 1 == 2", "+R-U").
		Build()
	rules := load(t, doc)

	ps := NewPermissionInfo(rules, Input{User: editor()}, testLogger()).TableAccess("T")
	assert.Equal(t, Allow, ps.Get(PermRead))
	assert.Equal(t, Deny, ps.Get(PermUpdate))
}

func TestPermissionInfo_Specials(t *testing.T) {
	rules := NewRuleCollection()
	assert.False(t, rules.HaveRules())

	ed := NewPermissionInfo(rules, Input{User: editor()}, testLogger())
	own := NewPermissionInfo(rules, Input{User: owner()}, testLogger())
	assert.Equal(t, Deny, ed.ColumnAccess(SpecialTableID, SpecialAccessRules).Get(PermRead))
	assert.Equal(t, Allow, own.ColumnAccess(SpecialTableID, SpecialAccessRules).Get(PermRead))
	assert.Equal(t, Deny, own.ColumnAccess(SpecialTableID, SpecialFullCopies).Get(PermRead))

	viewer := NewPermissionInfo(rules, Input{User: &UserInfo{Access: domain.RoleViewers}}, testLogger())
	full := viewer.FullAccess()
	assert.Equal(t, Allow, full.Get(PermRead))
	assert.Equal(t, Deny, full.Get(PermUpdate))
}

func TestRuleCollection_Errors(t *testing.T) {
	doc := testutil.NewDoc().
		Table("T", "A").
		Rule("T", "*", "user.Access ==", "-R").
		Build()
	rules := NewRuleCollection()
	rules.Update(doc, NewStarlarkCompiler(0), testLogger())
	require.Error(t, rules.RuleError())
	var rde *domain.RuleDefinitionError
	assert.ErrorAs(t, rules.RuleError(), &rde)
	assert.False(t, rules.HaveRules())

	doc = testutil.NewDoc().Table("T", "A").Rule("T", "*", "", "+Q").Build()
	rules.Update(doc, NewStarlarkCompiler(0), testLogger())
	assert.Error(t, rules.RuleError())
}

func TestRuleCollection_CheckDocEntities(t *testing.T) {
	doc := testutil.NewDoc().
		Table("T", "A").
		Rule("T", "A", "", "-R").
		Rule("T", "Missing", "", "-R").
		Rule("Gone", "*", "", "-R").
		Build()
	rules := load(t, doc)

	err := rules.CheckDocEntities(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid tables mentioned in access rules: Gone")

	doc = testutil.NewDoc().Table("T", "A").Rule("T", "Missing", "", "-R").Build()
	rules = load(t, doc)
	err = rules.CheckDocEntities(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "T.Missing")
}

func TestRuleCollection_UserAttributes(t *testing.T) {
	doc := testutil.NewDoc().
		Table("Team", "Email", "Region").
		UserAttribute("Member", "Team", "Email", "Email").
		Table("Sales", "Region").
		Rule("Sales", "*", "user.Member.Region != rec.Region", "-R").
		Build()
	rules := load(t, doc)
	require.Len(t, rules.UserAttributeRules(), 1)
	assert.Equal(t, "Member", rules.UserAttributeRules()[0].Name)
	assert.True(t, rules.UserAttributeTables()["Team"])
	assert.NoError(t, rules.CheckDocEntities(doc))

	team := &domain.TableData{TableID: "Team", RowIDs: []int64{5}, Values: domain.BulkColValues{
		"Email": {"ed@example.com"}, "Region": {"north"},
	}}
	user := editor()
	user.Attrs = map[string]docdata.RecordView{"Member": docdata.NewRecordView(team, 0)}
	sales := &domain.TableData{TableID: "Sales", RowIDs: []int64{1, 2}, Values: domain.BulkColValues{"Region": {"north", "south"}}}
	north := docdata.NewRecordView(sales, 0)
	south := docdata.NewRecordView(sales, 1)
	assert.Equal(t, Allow, NewPermissionInfo(rules, Input{User: user, Rec: &north}, testLogger()).TableAccess("Sales").Get(PermRead))
	assert.Equal(t, Deny, NewPermissionInfo(rules, Input{User: user, Rec: &south}, testLogger()).TableAccess("Sales").Get(PermRead))
}

func TestRuler_Cache(t *testing.T) {
	ruler := NewRuler(testLogger())
	evicted := 0
	ruler.OnEvict(func(n int) { evicted += n })

	calls := 0
	resolve := func() (*UserInfo, error) {
		calls++
		return editor(), nil
	}
	a, err := ruler.Access("s1", resolve)
	require.NoError(t, err)
	b, err := ruler.Access("s1", resolve)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, calls)

	_, err = ruler.Access("s2", resolve)
	require.NoError(t, err)
	assert.Equal(t, 2, ruler.CachedSessions())

	ruler.FlushAccess("s1")
	assert.Equal(t, 1, ruler.CachedSessions())
	ruler.ClearCache()
	assert.Equal(t, 0, ruler.CachedSessions())
	assert.Equal(t, 2, evicted)
}

func TestUserInfo_GetAndJSON(t *testing.T) {
	team := &domain.TableData{TableID: "Team", RowIDs: []int64{5}, Values: domain.BulkColValues{"Region": {"north"}}}
	u := editor()
	u.LinkKey = map[string]string{"Code": "abc"}
	u.Attrs = map[string]docdata.RecordView{
		"Member": docdata.NewRecordView(team, 0),
		"Boss":   docdata.EmptyRecordView(),
	}
	assert.Equal(t, "editors", u.Get("Access"))
	assert.Equal(t, int64(2), u.Get("UserID"))
	assert.Equal(t, "abc", u.Get("LinkKey.Code"))
	assert.Equal(t, "north", u.Get("Member.Region"))
	assert.Nil(t, u.Get("Boss.Region"))

	j := u.JSON()
	assert.Equal(t, []any{"Team", int64(5)}, j["Member"])
	assert.Nil(t, j["Boss"])
}

func TestRuler_UpdateSwapsRules(t *testing.T) {
	ruler := NewRuler(testLogger())
	evicted := 0
	ruler.OnEvict(func(n int) { evicted += n })
	compiler := NewStarlarkCompiler(0)

	open := testutil.NewDoc().Table("T", "A").Build()
	ruler.Update(open, compiler)
	before, err := ruler.Access("s1", func() (*UserInfo, error) { return editor(), nil })
	require.NoError(t, err)
	assert.Equal(t, Allow, before.TableAccess("T").Get(PermRead))

	locked := testutil.NewDoc().Table("T", "A").Rule("T", "*", "user.Access != OWNER", "-R").Build()
	ruler.Update(locked, compiler)
	assert.Equal(t, 0, ruler.CachedSessions())
	assert.Equal(t, 1, evicted)
	assert.True(t, ruler.HaveRules())

	assert.Equal(t, Allow, before.TableAccess("T").Get(PermRead), "earlier evaluators keep their rules")
	after, err := ruler.Access("s1", func() (*UserInfo, error) { return editor(), nil })
	require.NoError(t, err)
	assert.Equal(t, Deny, after.TableAccess("T").Get(PermRead))
}
