package access

import (
	"context"
	"errors"
	"slices"

	"doc-access/internal/acl"
	"doc-access/internal/docdata"
	"doc-access/internal/domain"
)

var errUnexpectedRowRemoval = errors.New("unexpected row removal")

type idSet map[int64]bool

func newIDSet(ids []int64) idSet {
	s := make(idSet, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func rowPositions(data *domain.TableData) map[int64]int {
	out := make(map[int64]int, len(data.RowIDs))
	for i, id := range data.RowIDs {
		out[id] = i
	}
	return out
}

// filterRowsAndCells evaluates the check for each row of a data action,
// with rec taken from rowsBefore and newRec from rowsAfter (both from the
// same side for additions and removals). Denied rows are dropped when
// allowRowRemoval is set; denied cells are replaced by the censored
// marker. It returns a modified copy and the positions of censored rows
// within it.
func (e *Engine) filterRowsAndCells(ctx context.Context, ruler *acl.Ruler, sess *domain.Session, action domain.Action,
	rowsBefore, rowsAfter *domain.TableData, chk accessCheck, allowRowRemoval bool) (domain.Action, map[int]bool, error) {
	censored := map[int]bool{}
	da, ok := action.(domain.DataAction)
	if !ok {
		return action, censored, nil
	}
	kind := da.Kind()
	rowsRec, rowsNewRec := rowsBefore, rowsAfter
	if kind.IsAdd() {
		rowsRec = rowsAfter
	} else if kind.IsRemove() {
		rowsNewRec = rowsBefore
	}
	user, err := e.getUser(ctx, sess)
	if err != nil {
		return nil, nil, err
	}
	rules := ruler.Rules()
	tableID := da.Table()
	bulk := domain.ToBulk(da)
	colIDs := bulk.Values.ColumnIDs()
	recAt, newRecAt := rowPositions(rowsRec), rowPositions(rowsNewRec)

	var toRemove []int
	for idx, rowID := range bulk.RowIDs {
		rec := docdata.NewRecordView(rowsRec, positionOr(recAt, rowID))
		newRec := docdata.NewRecordView(rowsNewRec, positionOr(newRecAt, rowID))
		info := acl.NewPermissionInfo(rules, acl.Input{User: user, Rec: &rec, NewRec: &newRec}, e.logger)
		// Table access evaluated for one record is the access to that row.
		access, err := chk.get(info.TableAccess(tableID))
		if err != nil {
			return nil, nil, err
		}
		if access == acl.Deny {
			toRemove = append(toRemove, idx)
			continue
		}
		if access == acl.Allow || bulk.Values == nil {
			continue
		}
		for _, colID := range colIDs {
			out, err := chk.get(info.ColumnAccess(tableID, colID))
			if err != nil {
				return nil, nil, err
			}
			if out == acl.Deny {
				bulk.Values[colID][idx] = domain.CensoredValue()
				censored[idx] = true
			}
		}
	}

	if len(toRemove) > 0 {
		if !allowRowRemoval {
			if !kind.IsRemove() {
				return nil, nil, errUnexpectedRowRemoval
			}
		} else {
			if !kind.IsBulk() {
				return nil, censored, nil
			}
			bulk.RemoveRowsAt(toRemove)
			censored = shiftPositions(censored, toRemove)
		}
	}
	filtered := bulk.Action()
	if filtered == nil {
		return nil, censored, nil
	}
	return filtered, censored, nil
}

func positionOr(at map[int64]int, rowID int64) int {
	if i, ok := at[rowID]; ok {
		return i
	}
	return -1
}

// shiftPositions renumbers positions after the sorted removed positions
// are dropped.
func shiftPositions(positions map[int]bool, removed []int) map[int]bool {
	out := make(map[int]bool, len(positions))
	for pos := range positions {
		n, _ := slices.BinarySearch(removed, pos)
		out[pos-n] = true
	}
	return out
}

// forbiddenRows returns the ids among ids whose row, or a column of it
// when colID is set, the session may not read.
func (e *Engine) forbiddenRows(ctx context.Context, ruler *acl.Ruler, sess *domain.Session,
	data *domain.TableData, ids idSet, colID string) (idSet, error) {
	user, err := e.getUser(ctx, sess)
	if err != nil {
		return nil, err
	}
	rules := ruler.Rules()
	out := idSet{}
	for idx, rowID := range data.RowIDs {
		if !ids[rowID] {
			continue
		}
		rec := docdata.NewRecordView(data, idx)
		info := acl.NewPermissionInfo(rules, acl.Input{User: user, Rec: &rec}, e.logger)
		ps := info.TableAccess(data.TableID)
		if colID != "" {
			ps = info.ColumnAccess(data.TableID, colID)
		}
		if ps.Get(acl.PermRead) == acl.Deny {
			out[rowID] = true
		}
	}
	return out, nil
}

// pruneColumns drops the columns the check denies. Column schema actions
// on a denied column are dropped whole. The result is nil when nothing is
// left.
func pruneColumns(a domain.Action, info *acl.PermissionInfo, tableID string, chk accessCheck) (domain.Action, error) {
	kind := a.Kind()
	switch {
	case kind.IsRemove():
		return a, nil
	case kind.IsDataKind():
		bulk := domain.ToBulk(a.(domain.DataAction))
		changed := false
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
				changed = true
			}
		}
		if len(bulk.Values) == 0 {
			return nil, nil
		}
		if !changed {
			return a, nil
		}
		return bulk.Action(), nil
	}
	if colID, ok := domain.ColumnOf(a); ok {
		out, err := chk.get(info.ColumnAccess(tableID, colID))
		if err != nil {
			return nil, err
		}
		if out == acl.Deny {
			return nil, nil
		}
	}
	return a, nil
}

// removeRows drops the given rows from a data action, returning nil if
// none remain.
func removeRows(a domain.Action, ids idSet) domain.Action {
	da, ok := a.(domain.DataAction)
	if !ok {
		return a
	}
	bulk := domain.ToBulk(da)
	var at []int
	for i, id := range bulk.RowIDs {
		if ids[id] {
			at = append(at, i)
		}
	}
	if len(at) == 0 {
		return a
	}
	bulk.RemoveRowsAt(at)
	if len(bulk.RowIDs) == 0 {
		return nil
	}
	return bulk.Action()
}

// makeAdditions adds the given rows, with all their cells, for a session
// that did not see them before.
func makeAdditions(data *domain.TableData, ids idSet) domain.Action {
	if len(ids) == 0 {
		return nil
	}
	bulk := domain.ToBulk(data)
	var drop []int
	for i, id := range bulk.RowIDs {
		if !ids[id] {
			drop = append(drop, i)
		}
	}
	bulk.RemoveRowsAt(drop)
	if len(bulk.RowIDs) == 0 {
		return nil
	}
	return &domain.BulkAddRecord{TableID: data.TableID, RowIDs: bulk.RowIDs, Values: bulk.Values}
}

func makeRemovals(tableID string, ordered []int64, ids idSet) domain.Action {
	if len(ids) == 0 {
		return nil
	}
	var rowIDs []int64
	for _, id := range ordered {
		if ids[id] {
			rowIDs = append(rowIDs, id)
		}
	}
	return &domain.BulkRemoveRecord{TableID: tableID, RowIDs: rowIDs}
}

// makeColumnUpdate sends the current value of one column for the given
// rows.
func makeColumnUpdate(data *domain.TableData, colID string, ids idSet) domain.Action {
	col := data.Values[colID]
	var rowIDs []int64
	values := []domain.CellValue{}
	for i, id := range data.RowIDs {
		if !ids[id] {
			continue
		}
		rowIDs = append(rowIDs, id)
		var v domain.CellValue
		if i < len(col) {
			v = col[i]
		}
		values = append(values, v)
	}
	return &domain.BulkUpdateRecord{TableID: data.TableID, RowIDs: rowIDs, Values: domain.BulkColValues{colID: values}}
}

// checkIncoming fails if the session may not make the change at the
// cursor.
func (b *Bundle) checkIncoming(ctx context.Context, c cursor) error {
	e := b.engine
	chk := e.accessForAction(c.sess, c.action, true)
	tableID := c.action.Table()
	info, err := b.stepAccess(ctx, c)
	if err != nil {
		return err
	}
	access, err := chk.get(info.TableAccess(tableID))
	if err != nil {
		return err
	}
	if access == acl.Allow {
		return nil
	}
	if access == acl.Mixed {
		if err := b.checkRows(ctx, c, chk); err != nil {
			return err
		}
	}
	_, err = pruneColumns(c.action, info, tableID, chk)
	return err
}

func (b *Bundle) checkRows(ctx context.Context, c cursor, chk accessCheck) error {
	if _, ok := c.action.(domain.DataAction); !ok {
		return nil
	}
	before, after, err := b.rowsForRecAndNewRec(ctx, c)
	if err != nil {
		return err
	}
	ruler, err := b.getRuler(ctx, c)
	if err != nil {
		return err
	}
	_, _, err = b.engine.filterRowsAndCells(ctx, ruler, c.sess, c.action, before, after, chk, false)
	return err
}

// filterOutgoingAction returns what the session may see of the action at
// the cursor, possibly rewritten into several actions.
func (b *Bundle) filterOutgoingAction(ctx context.Context, c cursor) ([]domain.Action, error) {
	e := b.engine
	tableID := c.action.Table()
	info, err := b.stepAccess(ctx, c)
	if err != nil {
		return nil, err
	}
	readChk := e.readCheck(c.sess)
	var results []domain.Action
	switch info.TableAccess(tableID).Get(acl.PermRead) {
	case acl.Deny:
	case acl.Allow:
		results = append(results, c.action)
	case acl.MixedColumns:
		act, err := pruneColumns(c.action, info, tableID, readChk)
		if err != nil {
			return nil, err
		}
		if act != nil {
			results = append(results, act)
		}
	default:
		acts, err := b.pruneRows(ctx, c)
		if err != nil {
			return nil, err
		}
		for _, act := range acts {
			pruned, err := pruneColumns(act, info, tableID, readChk)
			if err != nil {
				return nil, err
			}
			if pruned != nil {
				results = append(results, pruned)
			}
		}
	}

	var out []domain.Action
	for _, act := range results {
		da, ok := act.(domain.DataAction)
		if ok && docdata.IsStructuralTable(act.Table()) {
			if out, err = b.filterOutgoingStructural(ctx, c, da, out); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, act)
	}
	return out, nil
}

// pruneRows rewrites a data action for a session whose read access
// depends on row content. Rows that become visible are sent as additions,
// rows that become hidden as removals, and cells whose visibility changed
// as column updates.
func (b *Bundle) pruneRows(ctx context.Context, c cursor) ([]domain.Action, error) {
	e := b.engine
	da, ok := c.action.(domain.DataAction)
	if !ok {
		return []domain.Action{c.action}, nil
	}
	step, err := b.step(ctx, c)
	if err != nil {
		return nil, err
	}
	ruler, err := b.getRuler(ctx, c)
	if err != nil {
		return nil, err
	}
	rowsBefore, rowsAfter := step.rowsBefore, step.rowsAfter
	ordered := domain.RowIDs(da)
	ids := newIDSet(ordered)
	forbiddenBefore, err := e.forbiddenRows(ctx, ruler, c.sess, rowsBefore, ids, "")
	if err != nil {
		return nil, err
	}
	forbiddenAfter, err := e.forbiddenRows(ctx, ruler, c.sess, rowsAfter, ids, "")
	if err != nil {
		return nil, err
	}

	kind := da.Kind()
	removals, forceAdds, forceRemoves := idSet{}, idSet{}, idSet{}
	for _, id := range ordered {
		before, after := forbiddenBefore[id], forbiddenAfter[id]
		switch {
		case !before && !after:
		case before && after:
			removals[id] = true
		case before:
			// Now visible. Additions already carry the whole row.
			if kind.IsAdd() || kind == domain.KindReplaceTableData || kind == domain.KindTableData {
				continue
			}
			removals[id] = true
			if kind.IsUpdate() {
				forceAdds[id] = true
			}
		default:
			// Now hidden. Removals are already right.
			if kind.IsRemove() {
				continue
			}
			removals[id] = true
			if kind.IsUpdate() {
				forceRemoves[id] = true
			}
		}
	}

	var revised []domain.Action
	for _, act := range []domain.Action{
		makeAdditions(rowsAfter, forceAdds),
		removeRows(c.action, removals),
		makeRemovals(da.Table(), ordered, forceRemoves),
	} {
		if act != nil {
			revised = append(revised, act)
		}
	}

	// Cells not mentioned by the action may change visibility through
	// row-dependent column rules.
	tableID := da.Table()
	access, err := e.permissionInfoFrom(ctx, ruler, c.sess)
	if err != nil {
		return nil, err
	}
	for _, colID := range ruler.Rules().ColumnIDsWithRules(tableID) {
		if kind.IsRemove() || domain.HasColumn(da, colID) {
			continue
		}
		if access.ColumnAccess(tableID, colID).Get(acl.PermRead) != acl.Mixed {
			continue
		}
		colBefore, err := e.forbiddenRows(ctx, ruler, c.sess, rowsBefore, ids, colID)
		if err != nil {
			return nil, err
		}
		colAfter, err := e.forbiddenRows(ctx, ruler, c.sess, rowsAfter, ids, colID)
		if err != nil {
			return nil, err
		}
		changed := idSet{}
		for _, id := range ordered {
			if !forceRemoves[id] && !removals[id] && colBefore[id] != colAfter[id] {
				changed[id] = true
			}
		}
		if len(changed) > 0 {
			revised = append(revised, makeColumnUpdate(rowsAfter, colID, changed))
		}
	}

	readChk := e.readCheck(c.sess)
	var out []domain.Action
	for _, act := range revised {
		filtered, _, err := e.filterRowsAndCells(ctx, ruler, c.sess, act, rowsAfter, rowsAfter, readChk, false)
		if err != nil {
			return nil, err
		}
		if filtered != nil {
			out = append(out, filtered)
		}
	}
	return out, nil
}

// filterOutgoingStructural censors a change to structural metadata. When
// sections come or go, views whose visibility flipped get their names
// sent or blanked.
func (b *Bundle) filterOutgoingStructural(ctx context.Context, c cursor, act domain.DataAction, out []domain.Action) ([]domain.Action, error) {
	e := b.engine
	info, err := b.stepAccess(ctx, c)
	if err != nil {
		return nil, err
	}
	step, err := b.metaStep(ctx, c)
	if err != nil {
		return nil, err
	}
	if step.metaAfter == nil {
		return nil, errors.New("missing metadata")
	}
	canViewACLs, err := e.HasAccessRulesPermission(ctx, c.sess)
	if err != nil {
		return nil, err
	}
	act = domain.CloneAction(act).(domain.DataAction)
	after := newCensorship(info, step.metaAfter, canViewACLs)
	if after.apply(act) {
		out = append(out, act)
	}
	if act.Table() != docdata.SectionsTable {
		return out, nil
	}
	if step.metaBefore == nil {
		return nil, errors.New("missing prior metadata")
	}
	before := newCensorship(info, step.metaBefore, canViewACLs)
	views := step.metaAfter[docdata.ViewsTable]
	if views == nil {
		views = docdata.EmptyMetaTable(docdata.ViewsTable)
	}
	for _, v := range sortedIDs(before.views) {
		if after.views[v] {
			continue
		}
		idx, ok := views.RowIndex(v)
		if !ok {
			continue
		}
		name := docdata.NewRecordView(views, idx).Get("name")
		out = append(out, &domain.UpdateRecord{TableID: docdata.ViewsTable, RowID: v, Values: domain.ColValues{"name": name}})
	}
	for _, v := range sortedIDs(after.views) {
		if !before.views[v] {
			out = append(out, &domain.UpdateRecord{TableID: docdata.ViewsTable, RowID: v, Values: domain.ColValues{"name": ""}})
		}
	}
	return out, nil
}

func sortedIDs(s idSet) []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
