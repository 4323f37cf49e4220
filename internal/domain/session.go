package domain

import "strings"

// Role is a document access level. The zero value means no access.
type Role string

// Document roles, from most to least powerful.
const (
	RoleOwners  Role = "owners"
	RoleEditors Role = "editors"
	RoleViewers Role = "viewers"
	RoleNone    Role = ""
)

// CanEdit reports whether r allows modifying the document.
func (r Role) CanEdit() bool { return r == RoleOwners || r == RoleEditors }

// CanView reports whether r allows reading the document.
func (r Role) CanView() bool { return r.CanEdit() || r == RoleViewers }

// IsValidRole reports whether s names a role with some access.
func IsValidRole(s string) bool {
	switch Role(s) {
	case RoleOwners, RoleEditors, RoleViewers:
		return true
	}
	return false
}

// ParseRole converts s to a role, mapping unknown values to RoleNone.
func ParseRole(s string) Role {
	if IsValidRole(s) {
		return Role(s)
	}
	return RoleNone
}

// SessionMode marks sessions with exceptional full access.
type SessionMode string

const (
	ModeNormal  SessionMode = ""
	ModeSystem  SessionMode = "system"
	ModeNascent SessionMode = "nascent"
)

// UserProfile identifies the person behind a session. UserID 0 with
// Anonymous set means an anonymous visitor.
type UserProfile struct {
	UserID    int64  `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Anonymous bool   `json:"anonymous,omitempty"`
}

// Link parameters that override the user for rule evaluation.
const (
	LinkAclAsUser   = "aclAsUser"
	LinkAclAsUserID = "aclAsUserId"
)

// Session is one connected client. ID is the key of every session-keyed
// cache; caches never hold the session itself.
type Session struct {
	ID string
	// Mode grants exceptional full access when set to system or nascent.
	Mode   SessionMode
	Access Role
	User   UserProfile
	// AltSessionID distinguishes anonymous sessions from each other.
	AltSessionID   string
	LinkParameters map[string]string
	Origin         string
	ForkingAsOwner bool
}

// HasExceptionalAccess reports whether every check passes for s.
func (s *Session) HasExceptionalAccess() bool {
	return s.Mode == ModeSystem || s.Mode == ModeNascent
}

// LinkParam returns a link parameter, or "" when absent.
func (s *Session) LinkParam(key string) string {
	if s.LinkParameters == nil {
		return ""
	}
	return s.LinkParameters[key]
}

// WantsViewAs reports whether the session asks to evaluate rules as
// another user.
func (s *Session) WantsViewAs() bool {
	return s.LinkParam(LinkAclAsUser) != "" || s.LinkParam(LinkAclAsUserID) != ""
}

// NormalizeEmail lowercases and trims an email address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
