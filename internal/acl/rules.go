package acl

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"doc-access/internal/docdata"
	"doc-access/internal/domain"
)

// Metadata tables holding rules and the resources they apply to.
const (
	ResourcesTable = docdata.ResourcesTable
	RulesTable     = docdata.RulesTable
	TablesTable    = docdata.TablesTable
	ColumnsTable   = docdata.ColumnsTable
)

// SpecialTableID is the pseudo table of special resources.
const SpecialTableID = "*SPECIAL"

// Special resources.
const (
	SpecialAccessRules = "AccessRules"
	SpecialFullCopies  = "FullCopies"
)

// IsACLTable reports whether tableID holds access rules.
func IsACLTable(tableID string) bool {
	return tableID == ResourcesTable || tableID == RulesTable
}

// RulePart is one rule within a rule set.
type RulePart struct {
	// Origin is the row id in the rules table, 0 for built-in rules.
	Origin          int64
	Formula         string
	PermissionsText string
	Permissions     PartialSet
	Memo            string
	Predicate       Predicate
}

// RuleSet is an ordered list of rules for one resource. ColIDs is ["*"]
// for table and document defaults.
type RuleSet struct {
	TableID string
	ColIDs  []string
	Body    []*RulePart
}

// IsDefault reports whether the rule set applies to all columns.
func (rs *RuleSet) IsDefault() bool {
	return len(rs.ColIDs) == 1 && rs.ColIDs[0] == "*"
}

// UserAttributeRule adds a record, looked up by a user property, to the
// user seen by formulas.
type UserAttributeRule struct {
	Origin      int64  `json:"-"`
	Name        string `json:"name"`
	TableID     string `json:"tableId"`
	LookupColID string `json:"lookupColId"`
	CharID      string `json:"charId"`
}

// RuleCollection is the compiled set of rules of a document.
type RuleCollection struct {
	docDefault     *RuleSet
	tableDefaults  map[string]*RuleSet
	columnRuleSets map[string]map[string]*RuleSet
	columnOrder    map[string][]*RuleSet
	special        map[string]*RuleSet
	userAttributes []UserAttributeRule
	haveRules      bool
	ruleError      error
}

// NewRuleCollection returns a collection with only the built-in rules.
func NewRuleCollection() *RuleCollection {
	c := &RuleCollection{}
	c.reset()
	return c
}

func (c *RuleCollection) reset() {
	c.docDefault = &RuleSet{TableID: "*", ColIDs: []string{"*"}, Body: builtinDocDefault()}
	c.tableDefaults = map[string]*RuleSet{}
	c.columnRuleSets = map[string]map[string]*RuleSet{}
	c.columnOrder = map[string][]*RuleSet{}
	c.special = map[string]*RuleSet{
		SpecialAccessRules: {TableID: SpecialTableID, ColIDs: []string{SpecialAccessRules}, Body: builtinAccessRules()},
		SpecialFullCopies:  {TableID: SpecialTableID, ColIDs: []string{SpecialFullCopies}, Body: builtinFullCopies()},
	}
	c.userAttributes = nil
	c.haveRules = false
	c.ruleError = nil
}

// Update rebuilds the collection from the rule tables in doc. On failure
// only the built-in rules remain and RuleError reports the problem.
func (c *RuleCollection) Update(doc *docdata.DocData, compiler Compiler, logger *slog.Logger) {
	c.reset()
	if err := c.load(doc, compiler); err != nil {
		if logger != nil {
			logger.Warn("access rules could not be loaded", "error", err)
		}
		c.reset()
		c.ruleError = err
	}
}

// RuleError returns the error from the last Update, if any.
func (c *RuleCollection) RuleError() error { return c.ruleError }

// HaveRules reports whether the document defines any rules of its own.
func (c *RuleCollection) HaveRules() bool { return c.haveRules }

// DocDefault returns the document-wide rule set, user rules first.
func (c *RuleCollection) DocDefault() *RuleSet { return c.docDefault }

// TableDefault returns the default rule set of a table, or nil.
func (c *RuleCollection) TableDefault(tableID string) *RuleSet { return c.tableDefaults[tableID] }

// ColumnRuleSet returns the rule set covering a column, or nil.
func (c *RuleCollection) ColumnRuleSet(tableID, colID string) *RuleSet {
	return c.columnRuleSets[tableID][colID]
}

// ColumnRuleSets returns the column rule sets of a table in definition order.
func (c *RuleCollection) ColumnRuleSets(tableID string) []*RuleSet { return c.columnOrder[tableID] }

// ColumnIDsWithRules returns, sorted, the columns of a table named by
// column rule sets.
func (c *RuleCollection) ColumnIDsWithRules(tableID string) []string {
	ids := make([]string, 0, len(c.columnRuleSets[tableID]))
	for colID := range c.columnRuleSets[tableID] {
		ids = append(ids, colID)
	}
	sort.Strings(ids)
	return ids
}

// Special returns the rule set of a special resource, or nil.
func (c *RuleCollection) Special(name string) *RuleSet { return c.special[name] }

// TablesWithRules returns, sorted, the tables having table or column rules.
func (c *RuleCollection) TablesWithRules() []string {
	seen := map[string]bool{}
	for id := range c.tableDefaults {
		seen[id] = true
	}
	for id := range c.columnOrder {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UserAttributeRules returns the user attribute rules in order.
func (c *RuleCollection) UserAttributeRules() []UserAttributeRule { return c.userAttributes }

// UserAttributeTables returns the tables read by user attribute rules.
func (c *RuleCollection) UserAttributeTables() map[string]bool {
	out := map[string]bool{}
	for _, r := range c.userAttributes {
		out[r.TableID] = true
	}
	return out
}

type ruleRow struct {
	id             int64
	resource       int64
	pos            float64
	formula        string
	permissions    string
	userAttributes string
	memo           string
}

func (c *RuleCollection) load(doc *docdata.DocData, compiler Compiler) error {
	resources := map[int64][2]string{}
	if t, ok := doc.Table(ResourcesTable); ok {
		for i, id := range t.RowIDs {
			rec := docdata.NewRecordView(t, i)
			resources[id] = [2]string{docdata.AsString(rec.Get("tableId")), docdata.AsString(rec.Get("colIds"))}
		}
	}
	var rows []ruleRow
	if t, ok := doc.Table(RulesTable); ok {
		for i, id := range t.RowIDs {
			rec := docdata.NewRecordView(t, i)
			rows = append(rows, ruleRow{
				id:             id,
				resource:       docdata.AsInt(rec.Get("resource")),
				pos:            docdata.AsFloat(rec.Get("rulePos")),
				formula:        docdata.AsString(rec.Get("aclFormula")),
				permissions:    docdata.AsString(rec.Get("permissionsText")),
				userAttributes: docdata.AsString(rec.Get("userAttributes")),
				memo:           docdata.AsString(rec.Get("memo")),
			})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].pos != rows[j].pos {
			return rows[i].pos < rows[j].pos
		}
		return rows[i].id < rows[j].id
	})

	byResource := map[int64]*RuleSet{}
	var order []int64
	for _, row := range rows {
		if row.userAttributes != "" {
			var attr UserAttributeRule
			if err := json.Unmarshal([]byte(row.userAttributes), &attr); err != nil {
				return domain.ErrRuleDefinition("invalid user attribute rule %d: %v", row.id, err)
			}
			if attr.Name == "" || attr.TableID == "" || attr.LookupColID == "" || attr.CharID == "" {
				return domain.ErrRuleDefinition("incomplete user attribute rule %d", row.id)
			}
			attr.Origin = row.id
			c.userAttributes = append(c.userAttributes, attr)
			continue
		}
		res, ok := resources[row.resource]
		if !ok {
			return domain.ErrRuleDefinition("rule %d refers to an invalid resource %d", row.id, row.resource)
		}
		perms, err := ParsePermissions(row.permissions)
		if err != nil {
			return domain.ErrRuleDefinition("rule %d: %v", row.id, err)
		}
		var pred Predicate = alwaysMatch{}
		if strings.TrimSpace(row.formula) != "" {
			if compiler == nil {
				return domain.ErrRuleDefinition("rule %d has a formula but no compiler is configured", row.id)
			}
			if pred, err = compiler.Compile(row.formula); err != nil {
				return domain.ErrRuleDefinition("rule %d: %v", row.id, err)
			}
		}
		rs, ok := byResource[row.resource]
		if !ok {
			rs = &RuleSet{TableID: res[0], ColIDs: splitColIDs(res[1])}
			byResource[row.resource] = rs
			order = append(order, row.resource)
		}
		rs.Body = append(rs.Body, &RulePart{
			Origin:          row.id,
			Formula:         strings.TrimSpace(row.formula),
			PermissionsText: row.permissions,
			Permissions:     perms,
			Memo:            row.memo,
			Predicate:       pred,
		})
	}

	for _, resID := range order {
		rs := byResource[resID]
		switch {
		case rs.TableID == "*":
			if !rs.IsDefault() {
				return domain.ErrRuleDefinition("document rules must apply to all columns, got %q", strings.Join(rs.ColIDs, ","))
			}
			c.docDefault.Body = append(rs.Body, c.docDefault.Body...)
		case rs.TableID == SpecialTableID:
			for _, name := range rs.ColIDs {
				base, ok := c.special[name]
				if !ok {
					return domain.ErrRuleDefinition("unknown special resource %q", name)
				}
				base.Body = append(append([]*RulePart{}, rs.Body...), base.Body...)
			}
		case rs.IsDefault():
			if prev, ok := c.tableDefaults[rs.TableID]; ok {
				prev.Body = append(prev.Body, rs.Body...)
				continue
			}
			c.tableDefaults[rs.TableID] = rs
		default:
			cols := c.columnRuleSets[rs.TableID]
			if cols == nil {
				cols = map[string]*RuleSet{}
				c.columnRuleSets[rs.TableID] = cols
			}
			for _, colID := range rs.ColIDs {
				if _, dup := cols[colID]; dup {
					return domain.ErrRuleDefinition("column %s.%s appears in more than one rule set", rs.TableID, colID)
				}
				cols[colID] = rs
			}
			c.columnOrder[rs.TableID] = append(c.columnOrder[rs.TableID], rs)
		}
	}
	c.haveRules = len(order) > 0 || len(c.userAttributes) > 0
	return nil
}

// CheckDocEntities verifies that every table and column mentioned by the
// rules exists in doc.
func (c *RuleCollection) CheckDocEntities(doc *docdata.DocData) error {
	tableRefs := map[string]int64{}
	if t, ok := doc.Table(TablesTable); ok {
		for i, id := range t.RowIDs {
			tableRefs[docdata.AsString(docdata.NewRecordView(t, i).Get("tableId"))] = id
		}
	}
	columns := map[int64]map[string]bool{}
	if t, ok := doc.Table(ColumnsTable); ok {
		for i := range t.RowIDs {
			rec := docdata.NewRecordView(t, i)
			parent := docdata.AsInt(rec.Get("parentId"))
			if columns[parent] == nil {
				columns[parent] = map[string]bool{}
			}
			columns[parent][docdata.AsString(rec.Get("colId"))] = true
		}
	}
	hasColumn := func(tableID, colID string) bool {
		return colID == "id" || columns[tableRefs[tableID]][colID]
	}

	var badTables, badColumns []string
	for _, tableID := range c.TablesWithRules() {
		if _, ok := tableRefs[tableID]; !ok {
			badTables = append(badTables, tableID)
			continue
		}
		for _, colID := range c.ColumnIDsWithRules(tableID) {
			if !hasColumn(tableID, colID) {
				badColumns = append(badColumns, tableID+"."+colID)
			}
		}
	}
	for _, attr := range c.userAttributes {
		if _, ok := tableRefs[attr.TableID]; !ok {
			badTables = append(badTables, attr.TableID)
			continue
		}
		if !hasColumn(attr.TableID, attr.LookupColID) {
			badColumns = append(badColumns, attr.TableID+"."+attr.LookupColID)
		}
	}
	if len(badTables) > 0 {
		sort.Strings(badTables)
		return domain.ErrRuleDefinition("Invalid tables mentioned in access rules: %s", strings.Join(badTables, ", "))
	}
	if len(badColumns) > 0 {
		sort.Strings(badColumns)
		return domain.ErrRuleDefinition("Invalid columns mentioned in access rules: %s", strings.Join(badColumns, ", "))
	}
	return nil
}

func splitColIDs(text string) []string {
	var out []string
	for _, part := range strings.Split(text, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

type roleIn []domain.Role

func (r roleIn) Matches(in Input) (bool, error) {
	if in.User == nil {
		return false, nil
	}
	for _, role := range r {
		if in.User.Access == role {
			return true, nil
		}
	}
	return false, nil
}

func mustPerms(text string) PartialSet {
	p, err := ParsePermissions(text)
	if err != nil {
		panic(fmt.Sprintf("built-in permissions %q: %v", text, err))
	}
	return p
}

func builtinDocDefault() []*RulePart {
	return []*RulePart{
		{Formula: "user.Access in [EDITOR, OWNER]", PermissionsText: "all", Permissions: mustPerms("all"),
			Predicate: roleIn{domain.RoleEditors, domain.RoleOwners}},
		{Formula: "user.Access in [VIEWER]", PermissionsText: "+R-CUDS", Permissions: mustPerms("+R-CUDS"),
			Predicate: roleIn{domain.RoleViewers}},
		{PermissionsText: "none", Permissions: mustPerms("none"), Predicate: alwaysMatch{}},
	}
}

func builtinAccessRules() []*RulePart {
	return []*RulePart{
		{Formula: "user.Access in [OWNER]", PermissionsText: "+R", Permissions: mustPerms("+R"),
			Predicate: roleIn{domain.RoleOwners}},
		{PermissionsText: "-R", Permissions: mustPerms("-R"), Predicate: alwaysMatch{}},
	}
}

func builtinFullCopies() []*RulePart {
	return []*RulePart{
		{PermissionsText: "-R", Permissions: mustPerms("-R"), Predicate: alwaysMatch{}},
	}
}
