package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	"doc-access/internal/acl"
	"doc-access/internal/docdata"
	"doc-access/internal/domain"
)

// BundleInput is one set of changes requested by a session: the intents,
// the doc actions they produced and the actions that would undo them.
type BundleInput struct {
	UserActions []domain.UserAction
	DocActions  []domain.Action
	Undo        []domain.Action
	// IsDirect marks doc actions that follow directly from the intents, as
	// opposed to formula recalculation. Nil means every action is direct.
	IsDirect []bool
}

// Bundle is the access-control state of one set of changes, from the
// permission check through broadcast. Only one bundle is open per engine.
type Bundle struct {
	engine *Engine
	sess   *domain.Session
	input  BundleInput

	deliberateRuleChange bool
	anyRuleChange        bool
	internal             bool

	mu        sync.Mutex
	applied   bool
	rejected  bool
	closed    bool
	steps     *lazy[[]*actionStep]
	metaSteps *lazy[[]*metaStep]
}

// lazy computes a value once, on first use.
type lazy[T any] struct {
	once sync.Once
	val  T
	err  error
}

func (l *lazy[T]) get(fn func() (T, error)) (T, error) {
	l.once.Do(func() { l.val, l.err = fn() })
	return l.val, l.err
}

// OpenBundle starts access control for a set of changes made by sess.
func (e *Engine) OpenBundle(sess *domain.Session, input BundleInput) (*Bundle, error) {
	return e.openBundle(sess, input, false)
}

func (e *Engine) openBundle(sess *domain.Session, input BundleInput, internal bool) (*Bundle, error) {
	if sess.ForkingAsOwner {
		return nil, domain.ErrForkedSession
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return nil, domain.ErrBundleInProgress
	}
	b := &Bundle{
		engine:    e,
		sess:      sess,
		input:     input,
		internal:  internal,
		steps:     &lazy[[]*actionStep]{},
		metaSteps: &lazy[[]*metaStep]{},
	}
	b.deliberateRuleChange = scanUserActions(input.UserActions, func(u domain.UserAction) bool {
		return acl.IsACLTable(u.TableID())
	})
	b.anyRuleChange = touchesACL(input.DocActions)
	e.active = b
	return b, nil
}

func touchesACL(actions []domain.Action) bool {
	for _, a := range actions {
		if acl.IsACLTable(a.Table()) {
			return true
		}
	}
	return false
}

// Session returns the session that made the changes.
func (b *Bundle) Session() *domain.Session { return b.sess }

// HasDeliberateRuleChange reports whether the intents themselves modify
// the access rules.
func (b *Bundle) HasDeliberateRuleChange() bool { return b.deliberateRuleChange }

func (b *Bundle) isDirect(idx int) bool {
	if b.input.IsDirect == nil || idx >= len(b.input.IsDirect) {
		return true
	}
	return b.input.IsDirect[idx]
}

func (b *Bundle) isApplied() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applied
}

// CanApply fails if the session may not make the changes, or if the
// changes would leave the access rules broken.
func (b *Bundle) CanApply(ctx context.Context) error {
	err := b.canApply(ctx)
	if err != nil {
		b.mu.Lock()
		b.rejected = true
		b.mu.Unlock()
		b.engine.logger.Info("bundle rejected", "session", b.sess.ID, "error", err)
		return b.engine.noteDenial(err)
	}
	return nil
}

func (b *Bundle) canApply(ctx context.Context) error {
	e := b.engine
	if b.deliberateRuleChange && !e.IsOwner(b.sess) {
		return domain.ErrAccessDenied("Only owners can modify access rules")
	}
	role, err := e.NominalAccess(ctx, b.sess)
	if err != nil {
		return err
	}
	if !role.CanEdit() {
		return domain.ErrAccessDenied("Only owners or editors can modify documents")
	}
	if e.ruler.HaveRules() {
		for idx, a := range b.input.DocActions {
			if !b.isDirect(idx) {
				continue
			}
			if err := b.checkIncoming(ctx, cursor{sess: b.sess, action: a, idx: idx}); err != nil {
				return err
			}
		}
	}
	if e.recovery {
		return nil
	}
	if !touchesACL(b.input.DocActions) {
		return nil
	}

	// Rules must still compile and refer to real tables once the changes land.
	tmp := e.metaSnapshot(docdata.TablesTable, docdata.ColumnsTable, docdata.ResourcesTable, docdata.RulesTable)
	if err := tmp.ApplyAll(b.input.DocActions); err != nil {
		return fmt.Errorf("check rule changes: %w", err)
	}
	rules := acl.NewRuleCollection()
	rules.Update(tmp, e.compiler, nil)
	if err := rules.RuleError(); err != nil {
		return domain.ErrRuleDefinition("%s", err.Error())
	}
	return rules.CheckDocEntities(tmp)
}

// Applied records that the changes were committed to the store. Filtering
// for broadcast is only possible afterwards.
func (b *Bundle) Applied() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return domain.ErrNoActiveBundle
	}
	b.applied = true
	b.mu.Unlock()

	e := b.engine
	if err := e.applyMeta(b.input.DocActions); err != nil {
		return err
	}
	if !e.ruler.HaveRules() {
		return nil
	}
	attrTables := e.ruler.Rules().UserAttributeTables()
	attrChange, schemaChange := false, false
	for _, a := range b.input.DocActions {
		attrChange = attrChange || attrTables[a.Table()]
		schemaChange = schemaChange || domain.IsSchemaAction(a)
	}
	if attrChange {
		e.mu.Lock()
		e.prevAttrs = e.attrs
		e.attrs = map[string]*userAttributes{}
		e.mu.Unlock()
	}
	if attrChange || schemaChange {
		e.ruler.ClearCache()
	}
	return nil
}

// Close ends the bundle, rebuilding the rules if the committed changes
// touched them. It is safe to call more than once.
func (b *Bundle) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	applied, rejected := b.applied, b.rejected
	b.mu.Unlock()

	e := b.engine
	if applied {
		e.updateRules(b.input.DocActions)
	}
	e.mu.Lock()
	e.prevAttrs = nil
	if e.active == b {
		e.active = nil
	}
	e.mu.Unlock()

	if b.internal {
		return
	}
	switch {
	case applied:
		e.metrics.RecordBundle("applied")
	case rejected:
		e.metrics.RecordBundle("rejected")
	default:
		e.metrics.RecordBundle("failed")
	}
}

func (e *Engine) updateRules(actions []domain.Action) {
	if touchesACL(actions) {
		e.update()
		return
	}
	if !e.ruler.HaveRules() {
		return
	}
	for _, a := range actions {
		if domain.IsSchemaAction(a) {
			e.update()
			return
		}
	}
}

// FilterOutgoing returns the part of the bundle's doc actions that sess may
// see. A ReloadRequiredError means the session must resynchronize instead.
func (b *Bundle) FilterOutgoing(ctx context.Context, sess *domain.Session, actions []domain.Action) ([]domain.Action, error) {
	if !b.isApplied() {
		return nil, domain.ErrBundleNotApplied
	}
	e := b.engine
	if b.deliberateRuleChange {
		e.metrics.RecordReload()
		return nil, domain.ErrReloadRequired("document needs reload, access rules changed")
	}
	if !e.ruler.HaveRules() || sess.HasExceptionalAccess() {
		return actions, nil
	}
	if err := e.checkUserAttributes(ctx, sess); err != nil {
		return nil, err
	}
	var out []domain.Action
	for idx, a := range actions {
		filtered, err := b.filterOutgoingAction(ctx, cursor{sess: sess, action: a, idx: idx})
		if err != nil {
			return nil, err
		}
		switch {
		case len(filtered) == 0:
			e.metrics.RecordFiltered("dropped", 1)
		case len(filtered) == 1 && filtered[0] == a:
			e.metrics.RecordFiltered("passed", 1)
		default:
			e.metrics.RecordFiltered("rewritten", 1)
		}
		out = append(out, filtered...)
	}
	return out, nil
}

// FilterDocUpdate returns the view of an update for one session, or nil
// when nothing of it is visible.
func (b *Bundle) FilterDocUpdate(ctx context.Context, sess *domain.Session, update *domain.DocUpdate) (*domain.DocUpdate, error) {
	e := b.engine
	role, err := e.NominalAccess(ctx, sess)
	if err != nil {
		return nil, err
	}
	result := *update
	if result.DocUsage, err = e.filterDocUsageAs(ctx, sess, update.DocUsage, role); err != nil {
		return nil, err
	}
	if !e.ruler.HaveRules() && !b.deliberateRuleChange {
		return &result, nil
	}
	if result.ActionGroup, err = e.filterActionGroupAs(ctx, sess, update.ActionGroup, role); err != nil {
		return nil, err
	}
	actions, err := b.FilterOutgoing(ctx, sess, update.DocActions)
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, nil
	}
	result.DocActions = actions
	return &result, nil
}

// SendDocUpdate broadcasts the update to every session, each receiving its
// own filtered view.
func (b *Bundle) SendDocUpdate(ctx context.Context, group *domain.ActionGroup, usage *domain.DocUsageSummary) error {
	e := b.engine
	if e.broadcaster == nil {
		return fmt.Errorf("send doc update: no broadcaster configured")
	}
	update := &domain.DocUpdate{ActionGroup: group, DocActions: b.input.DocActions, DocUsage: usage}
	return e.broadcaster.Broadcast(ctx, b.sess.ID, func(ctx context.Context, sess *domain.Session) (*domain.DocUpdate, error) {
		start := time.Now()
		defer func() { e.metrics.ObserveFilter(time.Since(start)) }()
		return b.FilterDocUpdate(ctx, sess, update)
	})
}
