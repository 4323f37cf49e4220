package acl

import (
	"strings"

	"doc-access/internal/docdata"
	"doc-access/internal/domain"
)

// UserInfo is the user as seen by rule formulas.
type UserInfo struct {
	Access domain.Role
	// UserID is nil for anonymous users.
	UserID     *int64
	Email      string
	Name       string
	LinkKey    map[string]string
	Origin     string
	SessionID  string
	IsLoggedIn bool
	// Attrs holds user attribute records keyed by attribute name.
	Attrs map[string]docdata.RecordView
}

// Get resolves a dotted path such as "Email" or "Team.Region".
func (u *UserInfo) Get(path string) domain.CellValue {
	head, rest, nested := strings.Cut(path, ".")
	switch head {
	case "Access":
		if u.Access == domain.RoleNone {
			return nil
		}
		return string(u.Access)
	case "UserID":
		if u.UserID == nil {
			return nil
		}
		return *u.UserID
	case "Email":
		return u.Email
	case "Name":
		return u.Name
	case "Origin":
		return u.Origin
	case "SessionID":
		return u.SessionID
	case "IsLoggedIn":
		return u.IsLoggedIn
	case "LinkKey":
		if !nested {
			return nil
		}
		v, ok := u.LinkKey[rest]
		if !ok {
			return nil
		}
		return v
	}
	rec, ok := u.Attrs[head]
	if !ok {
		return nil
	}
	if !nested {
		return rec.RowID()
	}
	return rec.Get(rest)
}

// JSON returns the user as a JSON-friendly map. Attribute records render
// as [tableId, rowId], or nil when no row matched.
func (u *UserInfo) JSON() map[string]any {
	out := map[string]any{
		"Access":     u.Get("Access"),
		"UserID":     u.Get("UserID"),
		"Email":      u.Email,
		"Name":       u.Name,
		"Origin":     u.Origin,
		"SessionID":  u.SessionID,
		"IsLoggedIn": u.IsLoggedIn,
	}
	link := map[string]string{}
	for k, v := range u.LinkKey {
		link[k] = v
	}
	out["LinkKey"] = link
	for name, rec := range u.Attrs {
		if rec.IsEmpty() {
			out[name] = nil
			continue
		}
		out[name] = []any{rec.TableID(), rec.RowID()}
	}
	return out
}
