package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"doc-access/internal/domain"
)

// Identity headers set by the proxy in front of the server.
const (
	HeaderUserID      = "X-User-Id"
	HeaderUserEmail   = "X-User-Email"
	HeaderUserName    = "X-User-Name"
	HeaderDocAccess   = "X-Doc-Access"
	HeaderSessionID   = "X-Session-Id"
	HeaderAclAsUser   = "X-Acl-As-User"
	HeaderAclAsUserID = "X-Acl-As-User-Id"
	// HeaderLinkPrefix starts headers carrying share link parameters:
	// X-Link-Foo: bar becomes the parameter foo=bar.
	HeaderLinkPrefix = "X-Link-"
)

type sessionKey struct{}

// WithSession stores the session in the context.
func WithSession(ctx context.Context, sess *domain.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFromContext extracts the session from the context.
func SessionFromContext(ctx context.Context) (*domain.Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(*domain.Session)
	return sess, ok
}

// IdentityOptions configures the Identity middleware.
type IdentityOptions struct {
	// TrustHeaders accepts the X-User-* and X-Doc-Access headers. When
	// unset they are ignored and every caller is anonymous.
	TrustHeaders bool
	// AllowAnonymous lets requests without a user through. Otherwise they
	// are rejected with 401.
	AllowAnonymous bool
}

// Identity returns an HTTP middleware that builds the caller's session
// from identity headers. Sessions get a fresh id unless X-Session-Id
// names one.
func Identity(opts IdentityOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header
			if !opts.TrustHeaders {
				h = untrusted(h)
			}
			sess, err := sessionFromHeaders(h)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if sess.User.Anonymous && !opts.AllowAnonymous {
				writeError(w, http.StatusUnauthorized, "unauthorized: provide X-User-Email or X-User-Id")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}

// untrusted drops the headers that claim an identity or a role.
func untrusted(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range []string{HeaderUserID, HeaderUserEmail, HeaderUserName, HeaderDocAccess} {
		out.Del(k)
	}
	return out
}

func sessionFromHeaders(h http.Header) (*domain.Session, error) {
	sess := &domain.Session{
		ID:             h.Get(HeaderSessionID),
		Access:         domain.ParseRole(h.Get(HeaderDocAccess)),
		LinkParameters: map[string]string{},
		User: domain.UserProfile{
			Email: h.Get(HeaderUserEmail),
			Name:  h.Get(HeaderUserName),
		},
	}
	if raw := h.Get(HeaderDocAccess); raw != "" && !domain.IsValidRole(raw) {
		return nil, domain.ErrValidation("invalid %s header %q", HeaderDocAccess, raw)
	}
	if raw := h.Get(HeaderUserID); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, domain.ErrValidation("invalid %s header %q", HeaderUserID, raw)
		}
		sess.User.UserID = id
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.User.Email == "" && sess.User.UserID == 0 {
		sess.User.Anonymous = true
		sess.AltSessionID = sess.ID
	}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if name, ok := strings.CutPrefix(key, HeaderLinkPrefix); ok && name != "" {
			sess.LinkParameters[linkParamName(name)] = values[0]
		}
	}
	if v := h.Get(HeaderAclAsUser); v != "" {
		sess.LinkParameters[domain.LinkAclAsUser] = v
	}
	if v := h.Get(HeaderAclAsUserID); v != "" {
		sess.LinkParameters[domain.LinkAclAsUserID] = v
	}
	return sess, nil
}

// linkParamName turns a canonical header suffix such as "Share-Key" into
// the parameter name "shareKey".
func linkParamName(suffix string) string {
	parts := strings.Split(suffix, "-")
	for i, p := range parts {
		if i == 0 {
			parts[i] = strings.ToLower(p)
			continue
		}
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
		}
	}
	return strings.Join(parts, "")
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    code,
		"message": message,
	})
}
