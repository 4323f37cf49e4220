package access

import (
	"context"

	"doc-access/internal/acl"
	"doc-access/internal/domain"
)

// sessionAccess is the role a session was granted, before any view-as
// override.
func sessionAccess(sess *domain.Session) domain.Role {
	if sess.HasExceptionalAccess() {
		return domain.RoleOwners
	}
	return sess.Access
}

func (e *Engine) TableAccess(ctx context.Context, sess *domain.Session, tableID string) (acl.PermissionSet, error) {
	if sess.HasExceptionalAccess() {
		return acl.AllowAll(acl.RuleTypeTable), nil
	}
	info, err := e.permissionInfo(ctx, sess)
	if err != nil {
		return acl.PermissionSet{}, err
	}
	return info.TableAccess(tableID), nil
}

func (e *Engine) ColumnAccess(ctx context.Context, sess *domain.Session, tableID, colID string) (acl.PermissionSet, error) {
	if sess.HasExceptionalAccess() {
		return acl.AllowAll(acl.RuleTypeColumn), nil
	}
	info, err := e.permissionInfo(ctx, sess)
	if err != nil {
		return acl.PermissionSet{}, err
	}
	return info.ColumnAccess(tableID, colID), nil
}

// HasTableAccess reports whether the session may read at least part of a
// table.
func (e *Engine) HasTableAccess(ctx context.Context, sess *domain.Session, tableID string) (bool, error) {
	ps, err := e.TableAccess(ctx, sess, tableID)
	if err != nil {
		return false, err
	}
	return ps.Get(acl.PermRead) != acl.Deny, nil
}

// NominalAccess is the session's role, or the role of the user an owner
// is viewing the document as.
func (e *Engine) NominalAccess(ctx context.Context, sess *domain.Session) (domain.Role, error) {
	base := sessionAccess(sess)
	if sess.WantsViewAs() && base == domain.RoleOwners {
		info, err := e.permissionInfo(ctx, sess)
		if err != nil {
			return domain.RoleNone, err
		}
		return info.User().Access, nil
	}
	return base, nil
}

func (e *Engine) IsOwner(sess *domain.Session) bool {
	return sessionAccess(sess) == domain.RoleOwners
}

func (e *Engine) HasFullAccess(sess *domain.Session) bool {
	return e.IsOwner(sess)
}

// HasNuancedAccess reports whether rules may restrict the session.
func (e *Engine) HasNuancedAccess(sess *domain.Session) bool {
	if sess.HasExceptionalAccess() {
		return false
	}
	return e.ruler.HaveRules() && !e.IsOwner(sess)
}

func (e *Engine) HasFullCopiesPermission(ctx context.Context, sess *domain.Session) (bool, error) {
	return e.specialAllowed(ctx, sess, acl.SpecialFullCopies)
}

func (e *Engine) HasAccessRulesPermission(ctx context.Context, sess *domain.Session) (bool, error) {
	return e.specialAllowed(ctx, sess, acl.SpecialAccessRules)
}

func (e *Engine) specialAllowed(ctx context.Context, sess *domain.Session, name string) (bool, error) {
	ps, err := e.ColumnAccess(ctx, sess, acl.SpecialTableID, name)
	if err != nil {
		return false, err
	}
	return ps.Get(acl.PermRead) == acl.Allow, nil
}

// CanReadEverything reports whether the session has a viewing role and may
// read the whole document.
func (e *Engine) CanReadEverything(ctx context.Context, sess *domain.Session) (bool, error) {
	role, err := e.NominalAccess(ctx, sess)
	if err != nil {
		return false, err
	}
	return e.canReadEverythingAs(ctx, sess, role)
}

func (e *Engine) canReadEverythingAs(ctx context.Context, sess *domain.Session, role domain.Role) (bool, error) {
	if !role.CanView() {
		return false, nil
	}
	if sess.HasExceptionalAccess() {
		return true, nil
	}
	info, err := e.permissionInfo(ctx, sess)
	if err != nil {
		return false, err
	}
	return info.FullAccess().Get(acl.PermRead) == acl.Allow, nil
}

// CanScanData reports whether the session may run whole-document scans
// such as search or export.
func (e *Engine) CanScanData(ctx context.Context, sess *domain.Session) (bool, error) {
	if e.IsOwner(sess) {
		return true, nil
	}
	return e.CanReadEverything(ctx, sess)
}

// CanCopyEverything reports whether the session may take a full copy of
// the document.
func (e *Engine) CanCopyEverything(ctx context.Context, sess *domain.Session) (bool, error) {
	ok, err := e.HasFullCopiesPermission(ctx, sess)
	if err != nil || ok {
		return ok, err
	}
	return e.CanReadEverything(ctx, sess)
}

// FilterActionGroup hides the summary and description of a bundle from
// sessions that cannot read everything.
func (e *Engine) FilterActionGroup(ctx context.Context, sess *domain.Session, group *domain.ActionGroup) (*domain.ActionGroup, error) {
	role, err := e.NominalAccess(ctx, sess)
	if err != nil {
		return nil, err
	}
	return e.filterActionGroupAs(ctx, sess, group, role)
}
