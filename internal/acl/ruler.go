package acl

import (
	"log/slog"
	"sync"

	"doc-access/internal/docdata"
)

// Ruler pairs a rule collection with a cache of evaluated access keyed by
// session id.
type Ruler struct {
	logger *slog.Logger

	mu      sync.Mutex
	rules   *RuleCollection
	cache   map[string]*PermissionInfo
	onEvict func(n int)
}

// NewRuler returns a ruler with only the built-in rules.
func NewRuler(logger *slog.Logger) *Ruler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ruler{rules: NewRuleCollection(), logger: logger, cache: map[string]*PermissionInfo{}}
}

// OnEvict registers a callback receiving the number of cache entries
// dropped by each flush or clear.
func (r *Ruler) OnEvict(fn func(n int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = fn
}

// Update rebuilds the rules from doc and clears the cache. Evaluators
// handed out earlier keep the collection they were built with.
func (r *Ruler) Update(doc *docdata.DocData, compiler Compiler) {
	rules := NewRuleCollection()
	rules.Update(doc, compiler, r.logger)

	r.mu.Lock()
	r.rules = rules
	n := len(r.cache)
	r.cache = map[string]*PermissionInfo{}
	hook := r.onEvict
	r.mu.Unlock()
	if n > 0 && hook != nil {
		hook(n)
	}
}

// Rules returns the current rule collection.
func (r *Ruler) Rules() *RuleCollection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rules
}

// HaveRules reports whether the document defines rules of its own.
func (r *Ruler) HaveRules() bool { return r.Rules().HaveRules() }

// Access returns the cached evaluator for a session, building it with the
// user returned by resolve on a miss.
func (r *Ruler) Access(sessionID string, resolve func() (*UserInfo, error)) (*PermissionInfo, error) {
	r.mu.Lock()
	if info, ok := r.cache[sessionID]; ok {
		r.mu.Unlock()
		return info, nil
	}
	r.mu.Unlock()

	user, err := resolve()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	info := NewPermissionInfo(r.rules, Input{User: user}, r.logger)
	if existing, ok := r.cache[sessionID]; ok {
		return existing, nil
	}
	r.cache[sessionID] = info
	return info, nil
}

// FlushAccess drops the cached evaluator of one session.
func (r *Ruler) FlushAccess(sessionID string) {
	r.mu.Lock()
	_, ok := r.cache[sessionID]
	delete(r.cache, sessionID)
	hook := r.onEvict
	r.mu.Unlock()
	if ok && hook != nil {
		hook(1)
	}
}

// ClearCache drops every cached evaluator.
func (r *Ruler) ClearCache() {
	r.mu.Lock()
	n := len(r.cache)
	r.cache = map[string]*PermissionInfo{}
	hook := r.onEvict
	r.mu.Unlock()
	if n > 0 && hook != nil {
		hook(n)
	}
}

// CachedSessions returns the number of sessions with cached access.
func (r *Ruler) CachedSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
