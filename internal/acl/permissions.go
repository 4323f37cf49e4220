// Package acl compiles document access rules and evaluates them for a
// user, optionally in the context of a row.
package acl

import (
	"strings"

	"doc-access/internal/domain"
)

// Permission is one capability bit controlled by access rules.
type Permission string

// Permission bits.
const (
	PermRead       Permission = "read"
	PermCreate     Permission = "create"
	PermUpdate     Permission = "update"
	PermDelete     Permission = "delete"
	PermSchemaEdit Permission = "schemaEdit"
)

// AllPermissions lists the bits in their canonical order.
var AllPermissions = []Permission{PermRead, PermCreate, PermUpdate, PermDelete, PermSchemaEdit}

var permissionLetters = map[rune]Permission{
	'R': PermRead,
	'C': PermCreate,
	'U': PermUpdate,
	'D': PermDelete,
	'S': PermSchemaEdit,
}

// PartialValue is the value of a bit while rules are still being combined.
type PartialValue string

// Partial values. AllowSome and DenySome come from rules that could not be
// decided without a row.
const (
	PartialUnset     PartialValue = ""
	PartialAllow     PartialValue = "allow"
	PartialDeny      PartialValue = "deny"
	PartialAllowSome PartialValue = "allowSome"
	PartialDenySome  PartialValue = "denySome"
	PartialMixed     PartialValue = "mixed"
)

// Outcome is the final value of a bit.
type Outcome string

// Outcomes. MixedColumns appears only in table-level results and means
// every column is uniformly allowed or denied, but not all the same way.
const (
	Allow        Outcome = "allow"
	Deny         Outcome = "deny"
	Mixed        Outcome = "mixed"
	MixedColumns Outcome = "mixedColumns"
)

// PartialSet holds a partial value per permission.
type PartialSet map[Permission]PartialValue

// ParsePermissions parses "all", "none" or a text like "+R-CUDS".
func ParsePermissions(text string) (PartialSet, error) {
	out := PartialSet{}
	text = strings.TrimSpace(text)
	switch text {
	case "all":
		for _, p := range AllPermissions {
			out[p] = PartialAllow
		}
		return out, nil
	case "none":
		for _, p := range AllPermissions {
			out[p] = PartialDeny
		}
		return out, nil
	case "":
		return nil, domain.ErrRuleDefinition("empty permissions text")
	}
	var value PartialValue
	for _, r := range text {
		switch r {
		case '+':
			value = PartialAllow
		case '-':
			value = PartialDeny
		default:
			p, ok := permissionLetters[r]
			if !ok || value == PartialUnset {
				return nil, domain.ErrRuleDefinition("invalid permissions text %q", text)
			}
			out[p] = value
		}
	}
	return out, nil
}

// String renders the set in "+R-CUDS" form. Unset and partial bits are
// omitted.
func (s PartialSet) String() string {
	var allow, deny strings.Builder
	for _, p := range AllPermissions {
		letter := strings.ToUpper(string(p[0]))
		switch s[p] {
		case PartialAllow:
			allow.WriteString(letter)
		case PartialDeny:
			deny.WriteString(letter)
		}
	}
	var b strings.Builder
	if allow.Len() > 0 {
		b.WriteString("+" + allow.String())
	}
	if deny.Len() > 0 {
		b.WriteString("-" + deny.String())
	}
	return b.String()
}

// mergePartial combines a bit decided by earlier rules (a) with the bit a
// later rule proposes (b). Earlier rules take priority.
func mergePartial(a, b PartialValue) PartialValue {
	switch a {
	case PartialAllow, PartialDeny, PartialMixed:
		return a
	case PartialUnset:
		return b
	case PartialAllowSome:
		switch b {
		case PartialAllow:
			return PartialAllow
		case PartialUnset, PartialAllowSome:
			return PartialAllowSome
		}
		return PartialMixed
	case PartialDenySome:
		switch b {
		case PartialDeny:
			return PartialDeny
		case PartialUnset, PartialDenySome:
			return PartialDenySome
		}
		return PartialMixed
	}
	return PartialMixed
}

// finalize turns a partial value into an outcome. Bits no rule decided are
// denied.
func finalize(v PartialValue) Outcome {
	switch v {
	case PartialAllow:
		return Allow
	case PartialDeny, PartialUnset:
		return Deny
	}
	return Mixed
}

// decided reports whether more rules can no longer change v.
func decided(v PartialValue) bool {
	return v == PartialAllow || v == PartialDeny || v == PartialMixed
}

// combineOutcomes merges the outcomes of several columns into a table
// outcome.
func combineOutcomes(values []Outcome, allowColumns bool) Outcome {
	if len(values) == 0 {
		return Deny
	}
	allAllow, allDeny, uniform := true, true, true
	for _, v := range values {
		switch v {
		case Allow:
			allDeny = false
		case Deny:
			allAllow = false
		default:
			allAllow, allDeny, uniform = false, false, false
		}
	}
	switch {
	case allAllow:
		return Allow
	case allDeny:
		return Deny
	case uniform && allowColumns:
		return MixedColumns
	}
	return Mixed
}
