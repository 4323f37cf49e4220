package access

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"doc-access/internal/acl"
	"doc-access/internal/docdata"
	"doc-access/internal/domain"
)

var errNoStep = errors.New("no step available")

// actionStep holds the affected rows of one table before and after one
// doc action of the bundle.
type actionStep struct {
	action     domain.Action
	rowsBefore *domain.TableData
	rowsAfter  *domain.TableData

	lastOnce sync.Once
	// rowsLast is the state of the table at the end of the bundle.
	rowsLast *domain.TableData
}

// metaStep holds the structural metadata and the rules in force around one
// doc action of the bundle.
type metaStep struct {
	action     domain.Action
	metaBefore map[string]*domain.TableData
	metaAfter  map[string]*domain.TableData
	ruler      *acl.Ruler
}

// cursor points at one action being checked or filtered for a session.
// idx is -1 for actions that are not part of a bundle.
type cursor struct {
	sess   *domain.Session
	action domain.Action
	idx    int
}

func reversed(actions []domain.Action) []domain.Action {
	out := slices.Clone(actions)
	slices.Reverse(out)
	return out
}

func (b *Bundle) getSteps(ctx context.Context) ([]*actionStep, error) {
	b.mu.Lock()
	l := b.steps
	b.mu.Unlock()
	return l.get(func() ([]*actionStep, error) {
		steps, err := b.computeSteps(ctx)
		if err != nil {
			b.engine.logger.Error("step computation failed", "error", err)
		}
		return steps, err
	})
}

func (b *Bundle) getMetaSteps(ctx context.Context) ([]*metaStep, error) {
	b.mu.Lock()
	l := b.metaSteps
	b.mu.Unlock()
	return l.get(func() ([]*metaStep, error) {
		steps, err := b.computeMetaSteps()
		if err != nil {
			b.engine.logger.Error("meta step computation failed", "error", err)
		}
		return steps, err
	})
}

// resetSteps drops the step caches after the bundle's actions changed.
func (b *Bundle) resetSteps() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steps = &lazy[[]*actionStep]{}
	b.metaSteps = &lazy[[]*metaStep]{}
}

// computeSteps loads the rows the bundle touches and replays the doc
// actions over them. Once applied, the store is rolled back in memory
// with the undo actions first.
func (b *Bundle) computeSteps(ctx context.Context) ([]*actionStep, error) {
	start := time.Now()
	defer func() { b.engine.metrics.ObserveSteps("rows", time.Since(start)) }()

	applied := b.isApplied()
	source := b.input.DocActions
	if applied {
		source = reversed(b.input.Undo)
	}
	doc := docdata.New()
	for _, rows := range docdata.RelatedRows(source) {
		data, err := b.engine.fetcher.FetchRows(ctx, rows.Query())
		if err != nil {
			return nil, fmt.Errorf("fetch rows of %s: %w", rows.TableID, err)
		}
		if data == nil {
			data = domain.NewTableData(rows.TableID)
		}
		data.TableID = rows.TableID
		doc.SetTable(data)
	}
	if applied {
		if err := doc.ApplyAll(source); err != nil {
			return nil, fmt.Errorf("apply undo: %w", err)
		}
	}

	steps := make([]*actionStep, 0, len(b.input.DocActions))
	for _, a := range b.input.DocActions {
		tableID := a.Table()
		before := doc.Snapshot(tableID)
		if before == nil {
			before = domain.NewTableData(tableID)
		}
		if err := doc.Apply(a); err != nil {
			return nil, fmt.Errorf("replay %s: %w", a.Kind(), err)
		}
		// A removed or renamed table keeps its last state.
		after := doc.Snapshot(tableID)
		if after == nil {
			after = before
		}
		steps = append(steps, &actionStep{action: a, rowsBefore: before, rowsAfter: after})
	}
	return steps, nil
}

// computeMetaSteps tracks structural metadata and rules through the
// bundle. A new ruler is built after each run of rule table changes, so
// paired resource and rule edits are seen together.
func (b *Bundle) computeMetaSteps() ([]*metaStep, error) {
	e := b.engine
	start := time.Now()
	defer func() { e.metrics.ObserveSteps("meta", time.Since(start)) }()

	actions := b.input.DocActions
	needMeta := false
	for _, a := range actions {
		if domain.IsSchemaAction(a) || domain.IsMetadataTable(a.Table()) {
			needMeta = true
			break
		}
	}
	steps := make([]*metaStep, 0, len(actions))
	if !needMeta {
		for _, a := range actions {
			steps = append(steps, &metaStep{action: a})
		}
		return steps, nil
	}

	applied := b.isApplied()
	meta := e.metaSnapshot(docdata.StructuralTables...)
	if applied {
		if err := meta.ApplyAll(reversed(b.input.Undo)); err != nil {
			return nil, fmt.Errorf("apply undo to metadata: %w", err)
		}
	}
	current := make(map[string]*domain.TableData, len(docdata.StructuralTables))
	for _, tableID := range docdata.StructuralTables {
		current[tableID] = meta.Snapshot(tableID)
	}

	ruler := e.ruler
	if applied {
		ruler = e.newRuler(meta.Clone())
	}
	replaceRuler := false
	for _, a := range actions {
		tableID := a.Table()
		step := &metaStep{action: a, metaBefore: current}
		if docdata.IsStructuralTable(tableID) {
			if err := meta.Apply(a); err != nil {
				return nil, fmt.Errorf("replay %s on metadata: %w", a.Kind(), err)
			}
			next := maps.Clone(current)
			next[tableID] = meta.Snapshot(tableID)
			if next[tableID] == nil {
				next[tableID] = docdata.EmptyMetaTable(tableID)
			}
			current = next
		}
		step.metaAfter = current
		if acl.IsACLTable(tableID) {
			replaceRuler = true
		} else if replaceRuler {
			ruler = e.newRuler(meta.Clone())
			replaceRuler = false
		}
		step.ruler = ruler
		steps = append(steps, step)
	}
	return steps, nil
}

func (b *Bundle) step(ctx context.Context, c cursor) (*actionStep, error) {
	if c.idx < 0 {
		return nil, errNoStep
	}
	steps, err := b.getSteps(ctx)
	if err != nil {
		return nil, err
	}
	if c.idx >= len(steps) {
		return nil, errNoStep
	}
	return steps[c.idx], nil
}

func (b *Bundle) metaStep(ctx context.Context, c cursor) (*metaStep, error) {
	if c.idx < 0 {
		return nil, errNoStep
	}
	steps, err := b.getMetaSteps(ctx)
	if err != nil {
		return nil, err
	}
	if c.idx >= len(steps) {
		return nil, errNoStep
	}
	return steps[c.idx], nil
}

// getRuler returns the rules in force at the cursor.
func (b *Bundle) getRuler(ctx context.Context, c cursor) (*acl.Ruler, error) {
	if c.idx < 0 {
		return b.engine.ruler, nil
	}
	step, err := b.metaStep(ctx, c)
	if err != nil {
		return nil, err
	}
	if step.ruler != nil {
		return step.ruler, nil
	}
	return b.engine.ruler, nil
}

// stepAccess returns the session's access at the cursor. Intermediate
// rules matter only when the bundle touches the rule tables.
func (b *Bundle) stepAccess(ctx context.Context, c cursor) (*acl.PermissionInfo, error) {
	e := b.engine
	if b.anyRuleChange {
		step, err := b.metaStep(ctx, c)
		if err != nil {
			return nil, err
		}
		if step.ruler != nil {
			return e.permissionInfoFrom(ctx, step.ruler, c.sess)
		}
	}
	return e.permissionInfo(ctx, c.sess)
}

// rowsForRecAndNewRec pairs the rows before an action with the state of
// the same table at the end of the bundle, following renames.
func (b *Bundle) rowsForRecAndNewRec(ctx context.Context, c cursor) (*domain.TableData, *domain.TableData, error) {
	steps, err := b.getSteps(ctx)
	if err != nil {
		return nil, nil, err
	}
	if c.idx < 0 || c.idx >= len(steps) {
		return nil, nil, errNoStep
	}
	step := steps[c.idx]
	step.lastOnce.Do(func() {
		tableID := step.rowsBefore.TableID
		last := c.idx
		for i := c.idx + 1; i < len(steps); i++ {
			a := steps[i].action
			if a.Table() != tableID {
				continue
			}
			if rename, ok := a.(*domain.RenameTable); ok {
				tableID = rename.NewTableID
				continue
			}
			last = i
		}
		step.rowsLast = steps[last].rowsAfter
	})
	return step.rowsBefore, step.rowsLast, nil
}
