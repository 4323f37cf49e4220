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

func TestPrecheck(t *testing.T) {
	ctx := context.Background()
	doc := testutil.NewDoc().
		Table("Docs", "Owner", "Text").
		Rule("Docs", "*", "user.Access != OWNER and rec.Owner != user.Email", "-RUD").
		Table("Locked", "A").
		Rule("Locked", "*", "user.Access == EDITOR", "-U").
		Table("Open", "A").
		Build()
	e := newEngine(t, doc)

	update := func(tableID string) domain.UserAction {
		return domain.NewUserAction("UpdateRecord", tableID, int64(1), map[string]any{"A": "x"})
	}

	tests := []struct {
		name    string
		sess    *domain.Session
		actions []domain.UserAction
		want    bool
		wantErr string
	}{
		{name: "calculate always passes", sess: viewerSession(), actions: []domain.UserAction{domain.NewUserAction("Calculate")}, want: true},
		{name: "special intent with rules", sess: editorSession(), actions: []domain.UserAction{domain.NewUserAction("AddView", "Docs")},
			wantErr: "'AddView' actions need uncomplicated access"},
		{name: "special intent as owner", sess: ownerSession(), actions: []domain.UserAction{domain.NewUserAction("AddView", "Docs")}, want: true},
		{name: "surprising intent", sess: editorSession(), actions: []domain.UserAction{domain.NewUserAction("RemoveView", int64(1))},
			wantErr: "'RemoveView' actions need full access"},
		{name: "data intent on open table", sess: editorSession(), actions: []domain.UserAction{update("Open")}, want: true},
		{name: "data intent on row dependent table", sess: editorSession(), actions: []domain.UserAction{update("Docs")}},
		{name: "data intent on denied table", sess: editorSession(), actions: []domain.UserAction{update("Locked")},
			wantErr: "Blocked by table update access rules"},
		{name: "metadata needs the doc actions", sess: editorSession(), actions: []domain.UserAction{update("_grist_Views")}},
		{name: "unknown intent needs the doc actions", sess: editorSession(), actions: []domain.UserAction{domain.NewUserAction("RenameTable", "Docs", "Notes")}},
		{name: "wrapper looks inside", sess: editorSession(), actions: []domain.UserAction{
			domain.ApplyUndo(&domain.UpdateRecord{TableID: "_grist_Views", RowID: 1, Values: domain.ColValues{"name": "x"}}),
		}},
		{name: "wrapper of plain data", sess: editorSession(), actions: []domain.UserAction{
			domain.ApplyUndo(&domain.UpdateRecord{TableID: "Open", RowID: 1, Values: domain.ColValues{"A": "x"}}),
		}, want: true},
		{name: "wrapper of row dependent data", sess: editorSession(), actions: []domain.UserAction{
			domain.ApplyUndo(&domain.UpdateRecord{TableID: "Docs", RowID: 1, Values: domain.ColValues{"Text": "x"}}),
		}},
		{name: "system session", sess: &domain.Session{ID: "s-system", Mode: domain.ModeSystem},
			actions: []domain.UserAction{domain.NewUserAction("RemoveView", int64(1))}, want: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := e.Precheck(ctx, tc.sess, tc.actions)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.True(t, domain.IsAccessDenied(err))
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestPrecheck_FormulaModification(t *testing.T) {
	ctx := context.Background()
	doc := testutil.NewDoc().
		Table("Docs", "Text").
		Rule("*", "*", "user.Access != OWNER", "-S").
		Build()
	e := newEngine(t, doc)
	modify := []domain.UserAction{domain.NewUserAction("ModifyColumn", "Docs", "Text", map[string]any{"formula": "$id"})}

	_, err := e.Precheck(ctx, editorSession(), modify)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "structure")

	_, err = e.Precheck(ctx, editorSession(), []domain.UserAction{
		domain.NewUserAction("AddRecord", "_grist_Validations", nil, map[string]any{"formula": "True"}),
	})
	require.Error(t, err)

	_, err = e.Precheck(ctx, ownerSession(), modify)
	require.NoError(t, err)

	assert.True(t, NeedsEarlySchemaPermission(domain.NewUserAction("SetDisplayFormula", "Docs", nil, int64(2), "$A")))
	assert.False(t, NeedsEarlySchemaPermission(domain.NewUserAction("UpdateRecord", "Docs", int64(1), map[string]any{})))
}

func TestPrecheck_AddOrUpdate(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, docsDoc())
	addOrUpdate := func(tableID any) domain.UserAction {
		return domain.NewUserAction(domain.UserActionAddOrUpdateRecord, tableID,
			map[string]any{"Owner": "ed@example.com"}, map[string]any{"Text": "z"})
	}

	tests := []struct {
		name    string
		sess    *domain.Session
		actions []domain.UserAction
		wantErr string
	}{
		{name: "fancy companion", sess: ownerSession(),
			actions: []domain.UserAction{addOrUpdate("Docs"), domain.NewUserAction("AddColumn", "Docs", "B", map[string]any{})},
			wantErr: "Can only combine AddOrUpdate with simple data changes"},
		{name: "table id not a string", sess: ownerSession(), actions: []domain.UserAction{addOrUpdate(int64(5))},
			wantErr: "Expected tableId to be a string"},
		{name: "metadata table", sess: ownerSession(), actions: []domain.UserAction{addOrUpdate("_grist_Views")},
			wantErr: "AddOrUpdate cannot yet be used on metadata tables"},
		{name: "partial read access", sess: editorSession(), actions: []domain.UserAction{addOrUpdate("Docs")},
			wantErr: "AddOrUpdateRecord on Docs"},
		{name: "owner", sess: ownerSession(), actions: []domain.UserAction{
			addOrUpdate("Docs"), domain.NewUserAction("UpdateRecord", "Docs", int64(1), map[string]any{"Text": "q"}),
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Precheck(ctx, tc.sess, tc.actions)
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestPrecheck_AllowedBundlesPassCanApply(t *testing.T) {
	ctx := context.Background()
	build := func() *docdata.DocData {
		return testutil.NewDoc().
			Table("Docs", "Owner", "Text").
			Rows("Docs",
				domain.ColValues{"Owner": "ed@example.com", "Text": "a"},
				domain.ColValues{"Owner": "other@example.com", "Text": "b"},
			).
			Rule("Docs", "*", "user.Access != OWNER and rec.Owner != user.Email", "-RUD").
			Table("Open", "A").
			Rows("Open", domain.ColValues{"A": "a"}).
			Table("Cols", "Public", "Secret").
			Rows("Cols", domain.ColValues{"Public": "p", "Secret": "s"}).
			Rule("Cols", "Secret", "user.Access == EDITOR", "-U").
			Build()
	}

	tests := []struct {
		name        string
		sess        *domain.Session
		action      domain.Action
		wantCertain bool
	}{
		{name: "own row", sess: editorSession(), action: &domain.UpdateRecord{TableID: "Docs", RowID: 1, Values: domain.ColValues{"Text": "x"}}},
		{name: "other row", sess: editorSession(), action: &domain.UpdateRecord{TableID: "Docs", RowID: 2, Values: domain.ColValues{"Text": "x"}}},
		{name: "remove other row", sess: editorSession(), action: &domain.RemoveRecord{TableID: "Docs", RowID: 2}},
		{name: "open table", sess: editorSession(), action: &domain.UpdateRecord{TableID: "Open", RowID: 1, Values: domain.ColValues{"A": "x"}}, wantCertain: true},
		{name: "restricted column", sess: editorSession(), action: &domain.UpdateRecord{TableID: "Cols", RowID: 1, Values: domain.ColValues{"Secret": "x"}}},
		{name: "owner on other row", sess: ownerSession(), action: &domain.UpdateRecord{TableID: "Docs", RowID: 2, Values: domain.ColValues{"Text": "x"}}, wantCertain: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEngine(t, build())
			actions := []domain.Action{tc.action}
			intents := intentsFor(actions)

			certain, err := e.Precheck(ctx, tc.sess, intents)
			require.NoError(t, err)
			assert.Equal(t, tc.wantCertain, certain)

			b, err := e.OpenBundle(tc.sess, BundleInput{UserActions: intents, DocActions: actions})
			require.NoError(t, err)
			defer b.Close()
			if err := b.CanApply(ctx); certain {
				assert.NoError(t, err)
			}
		})
	}
}
