package access

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"doc-access/internal/acl"
	"doc-access/internal/docdata"
	"doc-access/internal/domain"
)

// userAttributes caches, per session, the records matched by user
// attribute rules and the resolved view-as override.
type userAttributes struct {
	rows     map[string]docdata.RecordView
	override *UserOverride
}

// UserOverride is the user rules are evaluated as when a session asks to
// view the document as someone else.
type UserOverride struct {
	Access domain.Role `json:"access"`
	// User is nil when no such user could be found.
	User *domain.UserProfile `json:"user,omitempty"`
}

// ViewAsUser is a candidate for the view-as feature.
type ViewAsUser struct {
	ID     int64       `json:"id"`
	Email  string      `json:"email"`
	Name   string      `json:"name"`
	Access domain.Role `json:"access"`
}

// builtinUserFields are the names attribute rules may not reuse.
var builtinUserFields = map[string]bool{
	"Access": true, "UserID": true, "Email": true, "Name": true,
	"LinkKey": true, "Origin": true, "SessionID": true, "IsLoggedIn": true,
}

func (e *Engine) attributesFor(sessionID string) *userAttributes {
	e.mu.Lock()
	defer e.mu.Unlock()
	attrs, ok := e.attrs[sessionID]
	if !ok {
		attrs = &userAttributes{rows: map[string]docdata.RecordView{}}
		e.attrs[sessionID] = attrs
	}
	return attrs
}

// getUser builds the user seen by rule formulas for a session.
func (e *Engine) getUser(ctx context.Context, sess *domain.Session) (*acl.UserInfo, error) {
	attrs := e.attributesFor(sess.ID)
	access := sess.Access
	if sess.ForkingAsOwner || sess.HasExceptionalAccess() {
		access = domain.RoleOwners
	}

	profile := &sess.User
	if sess.WantsViewAs() {
		if access != domain.RoleOwners {
			return nil, domain.ErrAccessDenied("only an owner can override user")
		}
		e.mu.Lock()
		override := attrs.override
		e.mu.Unlock()
		if override == nil {
			var err error
			override, err = e.viewAsUser(ctx, sess)
			if err != nil {
				return nil, err
			}
			e.mu.Lock()
			attrs.override = override
			e.mu.Unlock()
		}
		access = override.Access
		profile = override.User
	}

	anonymous := profile == nil || profile.Anonymous
	user := &acl.UserInfo{
		Access:     access,
		LinkKey:    map[string]string{},
		Origin:     sess.Origin,
		IsLoggedIn: !anonymous,
		Attrs:      map[string]docdata.RecordView{},
	}
	for k, v := range sess.LinkParameters {
		user.LinkKey[k] = v
	}
	if profile != nil {
		user.Email = profile.Email
		user.Name = profile.Name
	}
	if anonymous {
		user.SessionID = "a" + sess.AltSessionID
	} else {
		id := profile.UserID
		user.UserID = &id
		user.SessionID = "u" + strconv.FormatInt(id, 10)
	}

	rules := e.ruler.Rules()
	if err := rules.RuleError(); err != nil && !e.recovery {
		return nil, err
	}

	for _, clause := range rules.UserAttributeRules() {
		if builtinUserFields[clause.Name] {
			e.logger.Warn("user attribute ignored; conflicts with an existing one", "attribute", clause.Name)
			continue
		}
		if _, dup := user.Attrs[clause.Name]; dup {
			e.logger.Warn("user attribute ignored; conflicts with an existing one", "attribute", clause.Name)
			continue
		}
		e.mu.Lock()
		rec, cached := attrs.rows[clause.Name]
		e.mu.Unlock()
		if !cached {
			rec = e.lookupAttribute(ctx, clause, user)
			e.mu.Lock()
			attrs.rows[clause.Name] = rec
			e.mu.Unlock()
		}
		user.Attrs[clause.Name] = rec
	}
	return user, nil
}

func (e *Engine) lookupAttribute(ctx context.Context, clause acl.UserAttributeRule, user *acl.UserInfo) docdata.RecordView {
	rows, err := e.fetcher.FetchRows(ctx, domain.Query{
		TableID: clause.TableID,
		Filters: map[string][]domain.CellValue{clause.LookupColID: {user.Get(clause.CharID)}},
	})
	if err != nil {
		e.logger.Warn("user attribute lookup failed", "attribute", clause.Name, "table", clause.TableID, "error", err)
		return docdata.EmptyRecordView()
	}
	if rows == nil || len(rows.RowIDs) == 0 {
		return docdata.EmptyRecordView()
	}
	rows.TableID = clause.TableID
	return docdata.NewRecordView(rows, 0)
}

// viewAsUser resolves the user named by the session's link parameters:
// first in the directory, then among users listed in attribute tables and
// the example users.
func (e *Engine) viewAsUser(ctx context.Context, sess *domain.Session) (*UserOverride, error) {
	var found *domain.DirectoryUser
	var err error
	asEmail := sess.LinkParam(domain.LinkAclAsUser)
	if idText := sess.LinkParam(domain.LinkAclAsUserID); idText != "" {
		id, perr := strconv.ParseInt(idText, 10, 64)
		if perr != nil {
			return nil, domain.ErrValidation("%s parameter should be an integer: %s", domain.LinkAclAsUserID, idText)
		}
		if e.directory != nil {
			found, err = e.directory.UserByID(ctx, id)
		}
	} else if e.directory != nil {
		found, err = e.directory.UserByEmail(ctx, asEmail)
	}
	var notFound *domain.NotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return nil, err
	}
	if err != nil {
		found = nil
	}

	if found == nil && asEmail != "" {
		others, err := e.ViewAsUsersFromAttributeTables(ctx)
		if err != nil {
			return nil, err
		}
		others = append(others, ExampleViewAsUsers()...)
		email := domain.NormalizeEmail(asEmail)
		for _, u := range others {
			if domain.NormalizeEmail(u.Email) != email {
				continue
			}
			name := u.Name
			if name == "" {
				name = u.Email
			}
			return &UserOverride{
				Access: u.Access,
				User:   &domain.UserProfile{UserID: -1, Email: u.Email, Name: name},
			}, nil
		}
	}
	if found == nil {
		return &UserOverride{}, nil
	}
	return &UserOverride{
		Access: found.Access,
		User:   &domain.UserProfile{UserID: found.UserID, Email: found.Email, Name: found.Name},
	}, nil
}

// ExampleViewAsUsers returns placeholder users on the reserved
// example.com domain, one per role plus one without access.
func ExampleViewAsUsers() []ViewAsUser {
	return []ViewAsUser{
		{Email: "owner@example.com", Name: "Owner", Access: domain.RoleOwners},
		{Email: "editor1@example.com", Name: "Editor 1", Access: domain.RoleEditors},
		{Email: "editor2@example.com", Name: "Editor 2", Access: domain.RoleEditors},
		{Email: "viewer@example.com", Name: "Viewer", Access: domain.RoleViewers},
		{Email: "unknown@example.com", Name: "Unknown User", Access: domain.RoleNone},
	}
}

// ViewAsUsersFromAttributeTables lists the users found in tables that
// attribute rules look up by email. A Name column supplies the name and an
// Access column the role, which defaults to editors.
func (e *Engine) ViewAsUsersFromAttributeTables(ctx context.Context) ([]ViewAsUser, error) {
	var out []ViewAsUser
	for _, clause := range e.ruler.Rules().UserAttributeRules() {
		if clause.CharID != "Email" {
			continue
		}
		rows, err := e.fetcher.FetchRows(ctx, domain.Query{TableID: clause.TableID})
		if err != nil {
			e.logger.Warn("view-as users could not be read", "table", clause.TableID, "error", err)
			continue
		}
		for i := range rows.RowIDs {
			rec := docdata.NewRecordView(rows, i)
			email := docdata.AsString(rec.Get(clause.LookupColID))
			if email == "" {
				continue
			}
			name := docdata.AsString(rec.Get("Name"))
			if name == "" {
				name, _, _ = strings.Cut(email, "@")
			}
			role := domain.RoleEditors
			if rec.Has("Access") {
				role = domain.ParseRole(docdata.AsString(rec.Get("Access")))
			}
			out = append(out, ViewAsUser{Email: email, Name: name, Access: role})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// UserOverride returns the view-as override of a session, or nil when the
// session does not ask for one.
func (e *Engine) UserOverride(ctx context.Context, sess *domain.Session) (*UserOverride, error) {
	if !sess.WantsViewAs() {
		return nil, nil
	}
	if _, err := e.permissionInfo(ctx, sess); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if attrs, ok := e.attrs[sess.ID]; ok && attrs.override != nil {
		o := *attrs.override
		return &o, nil
	}
	return &UserOverride{}, nil
}

// User returns the user seen by rule formulas as a JSON-friendly map.
func (e *Engine) User(ctx context.Context, sess *domain.Session) (map[string]any, error) {
	info, err := e.permissionInfo(ctx, sess)
	if err != nil {
		return nil, err
	}
	return info.User().JSON(), nil
}

// checkUserAttributes signals a reload when the attribute records of a
// session changed during the bundle.
func (e *Engine) checkUserAttributes(ctx context.Context, sess *domain.Session) error {
	e.mu.Lock()
	if e.prevAttrs == nil {
		e.mu.Unlock()
		return nil
	}
	before, ok := e.prevAttrs[sess.ID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := e.permissionInfo(ctx, sess); err != nil {
		return err
	}
	after := e.attributesFor(sess.ID)
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, rec := range after.rows {
		prev, ok := before.rows[name]
		if !ok || !sameRecord(prev, rec) {
			e.metrics.RecordReload()
			return domain.ErrReloadRequired("document needs reload, user attributes changed")
		}
	}
	return nil
}

func sameRecord(a, b docdata.RecordView) bool {
	if a.IsEmpty() != b.IsEmpty() {
		return false
	}
	if a.IsEmpty() {
		return true
	}
	return a.RowID() == b.RowID() && reflect.DeepEqual(a.Fields(), b.Fields())
}
