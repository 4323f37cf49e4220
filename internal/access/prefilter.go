package access

import (
	"context"
	"slices"
	"strings"

	"doc-access/internal/acl"
	"doc-access/internal/domain"
)

// PrefilterUserActions trims a requested undo down to the parts the
// session may apply, so that an undo touching forbidden material can
// still go through partially. Other intents are returned unchanged.
func (e *Engine) PrefilterUserActions(ctx context.Context, sess *domain.Session, actions []domain.UserAction) ([]domain.UserAction, error) {
	if len(actions) != 1 || actions[0].Name != domain.UserActionApplyUndoActions {
		return actions, nil
	}
	docActions := actions[0].Nested
	for _, a := range docActions {
		if _, ok := a.(domain.DataAction); !ok || domain.IsMetadataTable(a.Table()) {
			return actions, nil
		}
	}

	intents := make([]domain.UserAction, len(docActions))
	direct := make([]bool, len(docActions))
	for i, a := range docActions {
		intents[i] = domain.UserActionFor(a)
		direct[i] = true
	}
	b, err := e.openBundle(sess, BundleInput{UserActions: intents, DocActions: docActions, IsDirect: direct}, true)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	var proposed []domain.Action
	for idx, a := range docActions {
		c := cursor{sess: sess, action: a, idx: idx}
		err := b.checkIncoming(ctx, c)
		if err == nil {
			proposed = append(proposed, a)
			continue
		}
		if !domain.IsAccessDenied(err) {
			return nil, err
		}
		acts, err := b.prefilterAction(ctx, c)
		if err != nil {
			return nil, err
		}
		proposed = append(proposed, acts...)
		// Intermediate states no longer match the actions.
		b.resetSteps()
	}
	e.logger.Debug("undo prefiltered", "session", sess.ID, "requested", len(docActions), "kept", len(proposed))
	return []domain.UserAction{domain.ApplyUndo(proposed...)}, nil
}

// prefilterAction returns the permitted part of an action, possibly split
// into several actions.
func (b *Bundle) prefilterAction(ctx context.Context, c cursor) ([]domain.Action, error) {
	e := b.engine
	tableID := c.action.Table()
	info, err := b.stepAccess(ctx, c)
	if err != nil {
		return nil, err
	}
	chk := e.accessForAction(c.sess, c.action, false)
	access, err := chk.get(info.TableAccess(tableID))
	if err != nil {
		return nil, err
	}
	switch access {
	case acl.Deny:
		return nil, nil
	case acl.Allow:
		return []domain.Action{c.action}, nil
	case acl.MixedColumns:
		act, err := pruneColumns(c.action, info, tableID, chk)
		if err != nil || act == nil {
			return nil, err
		}
		return []domain.Action{act}, nil
	}

	before, after, err := b.rowsForRecAndNewRec(ctx, c)
	if err != nil {
		return nil, err
	}
	ruler, err := b.getRuler(ctx, c)
	if err != nil {
		return nil, err
	}
	filtered, censored, err := e.filterRowsAndCells(ctx, ruler, c.sess, c.action, before, after, chk, true)
	if err != nil || filtered == nil {
		return nil, err
	}
	da, ok := filtered.(domain.DataAction)
	if !ok {
		return nil, domain.ErrValidation("cannot prefilter %s", filtered.Kind())
	}
	if da.Kind().IsRemove() {
		return []domain.Action{da}, nil
	}

	bulk := domain.ToBulk(da)
	for _, colID := range bulk.Values.ColumnIDs() {
		if colID == "manualSort" {
			continue
		}
		out, err := chk.get(info.ColumnAccess(tableID, colID))
		if err != nil {
			return nil, err
		}
		if out == acl.Deny {
			delete(bulk.Values, colID)
		}
	}
	da = bulk.Action()
	if len(censored) == 0 {
		return []domain.Action{da}, nil
	}
	var out []domain.Action
	for _, part := range FilterColValues(da, func(idx int) bool { return censored[idx] }, domain.IsCensored) {
		out = append(out, part)
	}
	return out, nil
}

// FilterColValues removes the cells selected by shouldFilterCell from the
// rows selected by shouldFilterRow. In a bulk action, rows with removed
// cells move into extra actions, one per remaining set of columns, sorted
// by their column lists. The input is not modified.
func FilterColValues(action domain.DataAction, shouldFilterRow func(idx int) bool, shouldFilterCell func(v domain.CellValue) bool) []domain.DataAction {
	kind := action.Kind()
	if kind.IsRemove() {
		return []domain.DataAction{action}
	}
	bulk := domain.ToBulk(action)
	colIDs := bulk.Values.ColumnIDs()
	if !kind.IsBulk() {
		for _, colID := range colIDs {
			if shouldFilterCell(bulk.Values[colID][0]) {
				delete(bulk.Values, colID)
			}
		}
		return []domain.DataAction{bulk.Action()}
	}

	parts := map[string]*domain.Bulk{}
	var moved []int
	for idx, rowID := range bulk.RowIDs {
		if !shouldFilterRow(idx) {
			continue
		}
		moved = append(moved, idx)
		var keys []string
		for _, colID := range colIDs {
			if !shouldFilterCell(bulk.Values[colID][idx]) {
				keys = append(keys, colID)
			}
		}
		key := strings.Join(keys, " ")
		part, ok := parts[key]
		if !ok {
			part = &domain.Bulk{Kind: kind, TableID: bulk.TableID, Values: domain.BulkColValues{}}
			for _, colID := range keys {
				part.Values[colID] = []domain.CellValue{}
			}
			parts[key] = part
		}
		part.RowIDs = append(part.RowIDs, rowID)
		for _, colID := range keys {
			part.Values[colID] = append(part.Values[colID], bulk.Values[colID][idx])
		}
	}
	bulk.RemoveRowsAt(moved)

	var out []domain.DataAction
	if len(bulk.RowIDs) > 0 {
		out = append(out, bulk.Action())
	}
	keys := make([]string, 0, len(parts))
	for key := range parts {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		out = append(out, parts[key].Action())
	}
	return out
}
