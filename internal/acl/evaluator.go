package acl

import (
	"errors"
	"log/slog"
	"sync"
)

// Rule scopes reported by permission sets.
const (
	RuleTypeDoc    = "doc"
	RuleTypeTable  = "table"
	RuleTypeColumn = "column"
)

// PermissionSet is the evaluated access for one resource.
type PermissionSet struct {
	Perms map[Permission]Outcome
	// RuleType is the most specific scope of rules that applied.
	RuleType string
	memos    map[Permission][]string
}

// Get returns the outcome for a permission. Missing bits are denied.
func (s PermissionSet) Get(p Permission) Outcome {
	if v, ok := s.Perms[p]; ok {
		return v
	}
	return Deny
}

// Memos returns the memos of the rules that denied p.
func (s PermissionSet) Memos(p Permission) []string { return s.memos[p] }

// PermissionInfo evaluates rules for one user and an optional row.
// Results are memoized; it is safe for concurrent use.
type PermissionInfo struct {
	rules  *RuleCollection
	input  Input
	logger *slog.Logger

	mu      sync.Mutex
	columns map[[2]string]PermissionSet
	tables  map[string]PermissionSet
	full    *PermissionSet
}

// NewPermissionInfo returns an evaluator for input over rules.
func NewPermissionInfo(rules *RuleCollection, input Input, logger *slog.Logger) *PermissionInfo {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionInfo{
		rules:   rules,
		input:   input,
		logger:  logger,
		columns: map[[2]string]PermissionSet{},
		tables:  map[string]PermissionSet{},
	}
}

// User returns the user the rules are evaluated for.
func (p *PermissionInfo) User() *UserInfo { return p.input.User }

// ColumnAccess returns the access to one column of a table, falling back
// to the table default and then to the document default rules.
func (p *PermissionInfo) ColumnAccess(tableID, colID string) PermissionSet {
	key := [2]string{tableID, colID}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.columns[key]; ok {
		return ps
	}
	ps := p.columnAccess(tableID, colID)
	p.columns[key] = ps
	return ps
}

func (p *PermissionInfo) columnAccess(tableID, colID string) PermissionSet {
	if tableID == SpecialTableID {
		partial, memos := p.evaluate(p.rules.Special(colID))
		return finalSet(partial, memos, RuleTypeDoc)
	}
	colRules := p.rules.ColumnRuleSet(tableID, colID)
	tableRules := p.rules.TableDefault(tableID)
	ruleType := RuleTypeDoc
	switch {
	case colRules != nil:
		ruleType = RuleTypeColumn
	case tableRules != nil:
		ruleType = RuleTypeTable
	}
	partial, memos := p.evaluate(colRules, tableRules, p.rules.DocDefault())
	return finalSet(partial, memos, ruleType)
}

// TableAccess returns the combined access to every column of a table.
func (p *PermissionInfo) TableAccess(tableID string) PermissionSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.tables[tableID]; ok {
		return ps
	}
	ps := p.tableAccess(tableID)
	p.tables[tableID] = ps
	return ps
}

func (p *PermissionInfo) tableAccess(tableID string) PermissionSet {
	tableRules := p.rules.TableDefault(tableID)
	colSets := p.rules.ColumnRuleSets(tableID)
	ruleType := RuleTypeDoc
	if tableRules != nil || len(colSets) > 0 {
		ruleType = RuleTypeTable
	}
	parts := make([]PermissionSet, 0, len(colSets)+1)
	for _, rs := range colSets {
		partial, memos := p.evaluate(rs, tableRules, p.rules.DocDefault())
		parts = append(parts, finalSet(partial, memos, RuleTypeColumn))
	}
	partial, memos := p.evaluate(tableRules, p.rules.DocDefault())
	parts = append(parts, finalSet(partial, memos, ruleType))
	return combineSets(parts, true, ruleType)
}

// FullAccess returns the combined access to every table of the document.
func (p *PermissionInfo) FullAccess() PermissionSet {
	p.mu.Lock()
	if p.full != nil {
		defer p.mu.Unlock()
		return *p.full
	}
	p.mu.Unlock()

	var parts []PermissionSet
	for _, tableID := range p.rules.TablesWithRules() {
		parts = append(parts, p.TableAccess(tableID))
	}
	partial, memos := p.evaluate(p.rules.DocDefault())
	parts = append(parts, finalSet(partial, memos, RuleTypeDoc))
	full := combineSets(parts, false, RuleTypeDoc)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.full = &full
	return full
}

// evaluate runs rule sets top to bottom. The first rule to decide a bit
// wins. Rules needing a row that is not available contribute partial bits;
// rules failing to evaluate contribute only their deny bits.
func (p *PermissionInfo) evaluate(chain ...*RuleSet) (PartialSet, map[Permission][]string) {
	acc := PartialSet{}
	memos := map[Permission][]string{}
	for _, rs := range chain {
		if rs == nil {
			continue
		}
		for _, rule := range rs.Body {
			if allDecided(acc) {
				return acc, memos
			}
			matched, err := rule.Predicate.Matches(p.input)
			var contrib PartialSet
			switch {
			case errors.Is(err, ErrNeedsRow):
				contrib = someOf(rule.Permissions)
			case err != nil:
				p.logger.Warn("access rule failed to evaluate",
					"rule", rule.Origin, "formula", rule.Formula, "error", err)
				contrib = denyOnly(rule.Permissions)
			case matched:
				contrib = rule.Permissions
			default:
				continue
			}
			for _, perm := range AllPermissions {
				v, ok := contrib[perm]
				if !ok {
					continue
				}
				before := acc[perm]
				if decided(before) {
					continue
				}
				acc[perm] = mergePartial(before, v)
				if (v == PartialDeny || v == PartialDenySome) && rule.Memo != "" {
					memos[perm] = append(memos[perm], rule.Memo)
				}
			}
		}
	}
	return acc, memos
}

func allDecided(acc PartialSet) bool {
	for _, perm := range AllPermissions {
		if !decided(acc[perm]) {
			return false
		}
	}
	return true
}

func someOf(perms PartialSet) PartialSet {
	out := PartialSet{}
	for perm, v := range perms {
		switch v {
		case PartialAllow:
			out[perm] = PartialAllowSome
		case PartialDeny:
			out[perm] = PartialDenySome
		}
	}
	return out
}

func denyOnly(perms PartialSet) PartialSet {
	out := PartialSet{}
	for perm, v := range perms {
		if v == PartialDeny {
			out[perm] = PartialDeny
		}
	}
	return out
}

func finalSet(partial PartialSet, memos map[Permission][]string, ruleType string) PermissionSet {
	ps := PermissionSet{Perms: map[Permission]Outcome{}, RuleType: ruleType, memos: memos}
	for _, perm := range AllPermissions {
		ps.Perms[perm] = finalize(partial[perm])
	}
	return ps
}

func combineSets(parts []PermissionSet, allowColumns bool, ruleType string) PermissionSet {
	out := PermissionSet{Perms: map[Permission]Outcome{}, RuleType: ruleType, memos: map[Permission][]string{}}
	for _, perm := range AllPermissions {
		values := make([]Outcome, len(parts))
		for i, part := range parts {
			values[i] = part.Get(perm)
			out.memos[perm] = appendUnique(out.memos[perm], part.memos[perm]...)
		}
		out.Perms[perm] = combineOutcomes(values, allowColumns)
	}
	return out
}

func appendUnique(dst []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, d := range dst {
			if d == item {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, item)
		}
	}
	return dst
}

// AllowAll returns a set allowing every permission.
func AllowAll(ruleType string) PermissionSet {
	ps := PermissionSet{Perms: map[Permission]Outcome{}, RuleType: ruleType}
	for _, perm := range AllPermissions {
		ps.Perms[perm] = Allow
	}
	return ps
}
