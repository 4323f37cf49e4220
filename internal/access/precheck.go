package access

import (
	"context"
	"fmt"

	"doc-access/internal/acl"
	"doc-access/internal/docdata"
	"doc-access/internal/domain"
)

var (
	// okIntents pass unconditionally.
	okIntents = map[string]bool{"Calculate": true, "UpdateCurrentTime": true}

	// specialIntents are allowed only when no rule restricts the session.
	specialIntents = map[string]bool{
		"InitNewDoc":               true,
		"EvalCode":                 true,
		"UpdateSummaryViewSection": true,
		"DetachSummaryViewSection": true,
		"GenImporterView":          true,
		"TransformAndFinishImport": true,
		"AddView":                  true,
		"CopyFromColumn":           true,
		"ConvertFromColumn":        true,
		"AddHiddenColumn":          true,
	}

	// surprisingIntents are rarely used and need full access.
	surprisingIntents = map[string]bool{"RemoveView": true, "AddViewSection": true}
)

// Precheck screens intents before they are translated into doc actions.
// It returns true when the intents are certainly allowed, false when the
// resulting doc actions must be checked, and an error when they are
// certainly not allowed.
func (e *Engine) Precheck(ctx context.Context, sess *domain.Session, actions []domain.UserAction) (bool, error) {
	if sess.HasExceptionalAccess() {
		return true, nil
	}
	ok, err := e.precheckAll(ctx, sess, actions)
	if err != nil {
		return false, e.noteDenial(err)
	}
	if err := e.checkFormulaModification(ctx, sess, actions); err != nil {
		return false, e.noteDenial(err)
	}
	if err := e.checkAddOrUpdate(ctx, sess, actions); err != nil {
		return false, e.noteDenial(err)
	}
	return ok, nil
}

func (e *Engine) precheckAll(ctx context.Context, sess *domain.Session, actions []domain.UserAction) (bool, error) {
	for _, u := range actions {
		ok, err := e.precheckOne(ctx, sess, u)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (e *Engine) precheckOne(ctx context.Context, sess *domain.Session, u domain.UserAction) (bool, error) {
	switch {
	case okIntents[u.Name]:
		return true, nil
	case specialIntents[u.Name]:
		if e.HasNuancedAccess(sess) {
			return false, domain.ErrAccessDenied("Blocked by access rules: '%s' actions need uncomplicated access", u.Name)
		}
		return true, nil
	case surprisingIntents[u.Name]:
		if !e.HasFullAccess(sess) {
			return false, domain.ErrAccessDenied("Blocked by access rules: '%s' actions need full access", u.Name)
		}
		return true, nil
	case u.IsWrapper():
		return e.precheckAll(ctx, sess, nestedIntents(u))
	case u.Name == domain.UserActionAddOrUpdateRecord:
		// Checked on its own by checkAddOrUpdate.
		return true, nil
	case isDataIntent(u):
		tableID := u.TableID()
		if domain.IsMetadataTable(tableID) {
			return false, nil
		}
		ps, err := e.TableAccess(ctx, sess, tableID)
		if err != nil {
			return false, err
		}
		out, err := e.accessForKind(sess, domain.ActionKind(u.Name), tableID, true).get(ps)
		if err != nil {
			return false, err
		}
		// Row or column dependent access is settled by the doc actions.
		return out == acl.Allow, nil
	}
	return false, nil
}

func isDataIntent(u domain.UserAction) bool {
	return domain.ActionKind(u.Name).IsDataKind()
}

func nestedIntents(u domain.UserAction) []domain.UserAction {
	out := make([]domain.UserAction, len(u.Nested))
	for i, a := range u.Nested {
		out[i] = domain.UserActionFor(a)
	}
	return out
}

// scanUserActions reports whether pred holds for any intent, looking
// inside wrapped doc actions at any depth.
func scanUserActions(actions []domain.UserAction, pred func(domain.UserAction) bool) bool {
	for _, u := range actions {
		if u.IsWrapper() {
			if scanUserActions(nestedIntents(u), pred) {
				return true
			}
			continue
		}
		if pred(u) {
			return true
		}
	}
	return false
}

// eachUserAction calls fn for every intent, wrappers included, stopping at
// the first error.
func eachUserAction(actions []domain.UserAction, fn func(domain.UserAction) error) error {
	for _, u := range actions {
		if u.IsWrapper() {
			if err := eachUserAction(nestedIntents(u), fn); err != nil {
				return err
			}
		}
		if err := fn(u); err != nil {
			return err
		}
	}
	return nil
}

// NeedsEarlySchemaPermission reports whether an intent may introduce a
// formula. Formulas run with full trust, so schema rights are checked
// before the intent is translated.
func NeedsEarlySchemaPermission(u domain.UserAction) bool {
	if u.Name == string(domain.KindModifyColumn) || u.Name == "SetDisplayFormula" {
		return true
	}
	if isDataIntent(u) {
		tableID := u.TableID()
		return tableID == docdata.ColumnsTable || tableID == docdata.ValidationsTable
	}
	return false
}

func (e *Engine) checkFormulaModification(ctx context.Context, sess *domain.Session, actions []domain.UserAction) error {
	if !scanUserActions(actions, NeedsEarlySchemaPermission) {
		return nil
	}
	info, err := e.permissionInfo(ctx, sess)
	if err != nil {
		return err
	}
	return check(acl.PermSchemaEdit, true).throwIfDenied(info.FullAccess())
}

func (e *Engine) checkAddOrUpdate(ctx context.Context, sess *domain.Session, actions []domain.UserAction) error {
	isAddOrUpdate := func(u domain.UserAction) bool { return u.Name == domain.UserActionAddOrUpdateRecord }
	if !scanUserActions(actions, isAddOrUpdate) {
		return nil
	}
	fancy := func(u domain.UserAction) bool {
		if isAddOrUpdate(u) {
			return false
		}
		return !isDataIntent(u) || domain.IsMetadataTable(u.TableID())
	}
	if scanUserActions(actions, fancy) {
		return domain.ErrValidation("Can only combine AddOrUpdate with simple data changes")
	}
	return eachUserAction(actions, func(u domain.UserAction) error {
		if !isAddOrUpdate(u) {
			return nil
		}
		if len(u.Args) == 0 {
			return domain.ErrValidation("Expected tableId to be a string")
		}
		tableID, ok := u.Args[0].(string)
		if !ok {
			return domain.ErrValidation("Expected tableId to be a string")
		}
		if domain.IsMetadataTable(tableID) {
			return domain.ErrValidation("AddOrUpdate cannot yet be used on metadata tables")
		}
		ps, err := e.TableAccess(ctx, sess, tableID)
		if err != nil {
			return err
		}
		for _, step := range []func(acl.PermissionSet) error{
			check(acl.PermRead, true).throwIfNotFullyAllowed,
			check(acl.PermUpdate, true).throwIfDenied,
			check(acl.PermCreate, true).throwIfDenied,
		} {
			if err := step(ps); err != nil {
				return fmt.Errorf("AddOrUpdateRecord on %s: %w", tableID, err)
			}
		}
		return nil
	})
}
