package access

import (
	"context"
	"fmt"

	"doc-access/internal/acl"
	"doc-access/internal/docdata"
	"doc-access/internal/domain"
)

// accessCheck inspects one permission bit of a permission set.
type accessCheck interface {
	// get returns the bit. A fatal check fails on deny.
	get(ps acl.PermissionSet) (acl.Outcome, error)
	throwIfDenied(ps acl.PermissionSet) error
	throwIfNotFullyAllowed(ps acl.PermissionSet) error
}

type permCheck struct {
	perm  acl.Permission
	fatal bool
}

func (c permCheck) get(ps acl.PermissionSet) (acl.Outcome, error) {
	result := ps.Get(c.perm)
	if result != acl.Deny || !c.fatal {
		return result, nil
	}
	return result, c.denied(ps)
}

func (c permCheck) throwIfDenied(ps acl.PermissionSet) error {
	if ps.Get(c.perm) != acl.Deny {
		return nil
	}
	return c.denied(ps)
}

func (c permCheck) throwIfNotFullyAllowed(ps acl.PermissionSet) error {
	if ps.Get(c.perm) == acl.Allow {
		return nil
	}
	return c.denied(ps)
}

func (c permCheck) denied(ps acl.PermissionSet) error {
	label := string(c.perm)
	if c.perm == acl.PermSchemaEdit {
		label = "structure"
	}
	return &domain.AccessDeniedError{
		Message:    fmt.Sprintf("Blocked by %s %s access rules", ps.RuleType, label),
		Permission: string(c.perm),
		RuleType:   ps.RuleType,
		Memos:      ps.Memos(c.perm),
	}
}

type allowAll struct{}

func (allowAll) get(acl.PermissionSet) (acl.Outcome, error) { return acl.Allow, nil }
func (allowAll) throwIfDenied(acl.PermissionSet) error      { return nil }
func (allowAll) throwIfNotFullyAllowed(acl.PermissionSet) error {
	return nil
}

func check(perm acl.Permission, fatal bool) accessCheck {
	return permCheck{perm: perm, fatal: fatal}
}

// accessForKind picks the check governing an action of the given kind on
// a table. Metadata tables need schemaEdit, except attachments; owners
// always pass on the rule tables.
func (e *Engine) accessForKind(sess *domain.Session, kind domain.ActionKind, tableID string, fatal bool) accessCheck {
	if sess.HasExceptionalAccess() {
		return allowAll{}
	}
	if domain.IsMetadataTable(tableID) && tableID != docdata.AttachmentsTable {
		if acl.IsACLTable(tableID) && e.IsOwner(sess) {
			return allowAll{}
		}
		return check(acl.PermSchemaEdit, fatal)
	}
	switch {
	case kind.IsUpdate():
		return check(acl.PermUpdate, fatal)
	case kind.IsRemove():
		return check(acl.PermDelete, fatal)
	case kind.IsAdd():
		return check(acl.PermCreate, fatal)
	}
	return check(acl.PermSchemaEdit, fatal)
}

func (e *Engine) accessForAction(sess *domain.Session, a domain.Action, fatal bool) accessCheck {
	return e.accessForKind(sess, a.Kind(), a.Table(), fatal)
}

func (e *Engine) readCheck(sess *domain.Session) accessCheck {
	if sess.HasExceptionalAccess() {
		return allowAll{}
	}
	return check(acl.PermRead, false)
}

// assertTableAccess fails unless the session's check on a whole table
// passes.
func (e *Engine) assertTableAccess(ctx context.Context, sess *domain.Session, a domain.Action) error {
	chk := e.accessForAction(sess, a, true)
	ps, err := e.TableAccess(ctx, sess, a.Table())
	if err != nil {
		return err
	}
	_, err = chk.get(ps)
	return err
}
