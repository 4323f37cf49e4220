package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"doc-access/internal/domain"
	"doc-access/internal/middleware"
)

// errorBody is the JSON payload of every error response.
type errorBody struct {
	Code       int      `json:"code"`
	Message    string   `json:"message"`
	ErrorCode  string   `json:"errorCode,omitempty"`
	Permission string   `json:"permission,omitempty"`
	RuleType   string   `json:"ruleType,omitempty"`
	Memos      []string `json:"memos,omitempty"`
}

// httpStatusFromDomainError maps domain errors to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	var notFound *domain.NotFoundError
	var accessDenied *domain.AccessDeniedError
	var validation *domain.ValidationError
	var ruleDef *domain.RuleDefinitionError
	var conflict *domain.ConflictError
	var reload *domain.ReloadRequiredError

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &accessDenied):
		return http.StatusForbidden
	case errors.As(err, &validation), errors.As(err, &ruleDef):
		return http.StatusBadRequest
	case errors.As(err, &conflict), errors.As(err, &reload):
		return http.StatusConflict
	case errors.Is(err, domain.ErrBundleInProgress),
		errors.Is(err, domain.ErrNoActiveBundle),
		errors.Is(err, domain.ErrBundleNotApplied):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorBodyFrom(err error) errorBody {
	status := httpStatusFromDomainError(err)
	body := errorBody{Code: status, Message: err.Error()}
	if status == http.StatusInternalServerError {
		body.Message = "internal error"
	}
	var denied *domain.AccessDeniedError
	var reload *domain.ReloadRequiredError
	switch {
	case errors.As(err, &denied):
		body.ErrorCode = denied.Code()
		body.Permission = denied.Permission
		body.RuleType = denied.RuleType
		body.Memos = denied.Memos
	case errors.As(err, &reload):
		body.ErrorCode = reload.Code()
	}
	return body
}

// writeError renders err as JSON. Unclassified errors are logged and
// reported as a bare 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBodyFrom(err)
	if body.Code == http.StatusInternalServerError {
		middleware.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, body.Code, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
