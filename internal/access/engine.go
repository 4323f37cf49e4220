// Package access enforces granular access rules on a document: it checks
// proposed bundles of actions, filters applied actions for each connected
// session and censors structural metadata.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"doc-access/internal/acl"
	"doc-access/internal/docdata"
	"doc-access/internal/domain"
	"doc-access/internal/metrics"
)

// Options configures an Engine.
type Options struct {
	// Fetcher reads rows from the document store. Required.
	Fetcher domain.RowFetcher
	// Compiler compiles rule formulas. Defaults to a starlark compiler.
	Compiler acl.Compiler
	// Directory resolves view-as users. Optional.
	Directory domain.UserDirectory
	// Broadcaster delivers filtered updates to sessions.
	Broadcaster domain.Broadcaster
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	// RecoveryMode lets a document with broken rules be opened and fixed.
	RecoveryMode bool
	DocID        string
}

// Engine is the access controller of one document. Bundles are processed
// one at a time; queries and broadcast filtering may run concurrently.
type Engine struct {
	fetcher     domain.RowFetcher
	compiler    acl.Compiler
	directory   domain.UserDirectory
	broadcaster domain.Broadcaster
	metrics     *metrics.Metrics
	logger      *slog.Logger
	recovery    bool
	docID       string

	ruler *acl.Ruler

	mu        sync.Mutex
	meta      *docdata.DocData
	attrs     map[string]*userAttributes
	prevAttrs map[string]*userAttributes
	active    *Bundle
}

// New returns an engine with only the built-in rules. Call Load before use.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "access", "doc", opts.DocID)
	compiler := opts.Compiler
	if compiler == nil {
		compiler = acl.NewStarlarkCompiler(0)
	}
	e := &Engine{
		fetcher:     opts.Fetcher,
		compiler:    compiler,
		directory:   opts.Directory,
		broadcaster: opts.Broadcaster,
		metrics:     opts.Metrics,
		logger:      logger,
		recovery:    opts.RecoveryMode,
		docID:       opts.DocID,
		ruler:       acl.NewRuler(logger),
		meta:        docdata.New(),
		attrs:       map[string]*userAttributes{},
	}
	e.ruler.OnEvict(func(n int) { e.metrics.RecordEvictions("permissions", n) })
	return e
}

// Load reads the metadata tables from the store and builds the rules.
// Tables missing from the store start out empty.
func (e *Engine) Load(ctx context.Context) error {
	meta := docdata.New()
	for _, tableID := range docdata.MetaTableIDs() {
		err := meta.SyncTable(ctx, e.fetcher, tableID)
		var notFound *domain.NotFoundError
		switch {
		case errors.As(err, &notFound):
			meta.SetTable(docdata.EmptyMetaTable(tableID))
		case err != nil:
			return fmt.Errorf("load metadata: %w", err)
		}
	}
	e.mu.Lock()
	e.meta = meta
	e.mu.Unlock()
	e.update()
	return nil
}

// update rebuilds the rules from the metadata and drops cached user
// attributes.
func (e *Engine) update() {
	e.mu.Lock()
	meta := e.meta.Clone()
	n := len(e.attrs)
	e.attrs = map[string]*userAttributes{}
	e.mu.Unlock()

	e.ruler.Update(meta, e.compiler)
	e.metrics.RecordEvictions("attributes", n)
	rules := e.ruler.Rules()
	e.logger.Info("access rules loaded",
		"have_rules", rules.HaveRules(),
		"tables_with_rules", len(rules.TablesWithRules()),
		"user_attributes", len(rules.UserAttributeRules()),
		"rule_error", rules.RuleError())
}

// Rules returns the current rule collection.
func (e *Engine) Rules() *acl.RuleCollection { return e.ruler.Rules() }

// MetaTables returns copies of the structural metadata tables.
func (e *Engine) MetaTables() map[string]*domain.TableData {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*domain.TableData, len(docdata.StructuralTables))
	for _, tableID := range docdata.StructuralTables {
		if t := e.meta.Snapshot(tableID); t != nil {
			out[tableID] = t
		} else {
			out[tableID] = docdata.EmptyMetaTable(tableID)
		}
	}
	return out
}

// metaSnapshot returns a copy of the metadata tables listed.
func (e *Engine) metaSnapshot(tableIDs ...string) *docdata.DocData {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := docdata.New()
	for _, tableID := range tableIDs {
		if t, ok := e.meta.Table(tableID); ok {
			out.SetTable(t)
		} else {
			out.SetTable(docdata.EmptyMetaTable(tableID))
		}
	}
	return out
}

// applyMeta keeps the metadata mirror in step with applied actions.
func (e *Engine) applyMeta(actions []domain.Action) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range actions {
		if !domain.IsMetadataTable(a.Table()) {
			continue
		}
		if err := e.meta.Apply(a); err != nil {
			return fmt.Errorf("apply metadata: %w", err)
		}
	}
	return nil
}

// columnType returns the recorded type of a user column, or "".
func (e *Engine) columnType(tableID, colID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	tables, ok := e.meta.Table(docdata.TablesTable)
	if !ok {
		return ""
	}
	var tableRef int64
	for i, id := range tables.RowIDs {
		if docdata.AsString(docdata.NewRecordView(tables, i).Get("tableId")) == tableID {
			tableRef = id
			break
		}
	}
	cols, ok := e.meta.Table(docdata.ColumnsTable)
	if tableRef == 0 || !ok {
		return ""
	}
	for i := range cols.RowIDs {
		rec := docdata.NewRecordView(cols, i)
		if docdata.AsInt(rec.Get("parentId")) == tableRef && docdata.AsString(rec.Get("colId")) == colID {
			return docdata.AsString(rec.Get("type"))
		}
	}
	return ""
}

// FlushAccess drops everything cached for a session.
func (e *Engine) FlushAccess(sessionID string) {
	e.ruler.FlushAccess(sessionID)
	e.mu.Lock()
	n := 0
	if _, ok := e.attrs[sessionID]; ok {
		n++
		delete(e.attrs, sessionID)
	}
	if e.prevAttrs != nil {
		delete(e.prevAttrs, sessionID)
	}
	e.mu.Unlock()
	e.metrics.RecordEvictions("attributes", n)
}

// SessionClosed is the eviction hook called when a session disconnects.
func (e *Engine) SessionClosed(sessionID string) {
	e.FlushAccess(sessionID)
}

// ActiveBundle returns the open bundle, or nil.
func (e *Engine) ActiveBundle() *Bundle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// permissionInfo returns the cached evaluator of a session for the
// current rules.
func (e *Engine) permissionInfo(ctx context.Context, sess *domain.Session) (*acl.PermissionInfo, error) {
	return e.permissionInfoFrom(ctx, e.ruler, sess)
}

func (e *Engine) permissionInfoFrom(ctx context.Context, ruler *acl.Ruler, sess *domain.Session) (*acl.PermissionInfo, error) {
	return ruler.Access(sess.ID, func() (*acl.UserInfo, error) {
		return e.getUser(ctx, sess)
	})
}

// newRuler builds a ruler over doc for an intermediate bundle state.
func (e *Engine) newRuler(doc *docdata.DocData) *acl.Ruler {
	r := acl.NewRuler(e.logger)
	r.Update(doc, e.compiler)
	return r
}

// noteDenial counts access denials passing through a bundle boundary.
func (e *Engine) noteDenial(err error) error {
	var denied *domain.AccessDeniedError
	if errors.As(err, &denied) {
		e.metrics.RecordDenial(denied.Permission)
	}
	return err
}
