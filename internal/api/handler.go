// Package api serves the HTTP inspector of a document: what a caller may
// see and do, the filtered data itself, bundle submission and a stream of
// filtered updates.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"doc-access/internal/access"
	"doc-access/internal/domain"
	"doc-access/internal/middleware"
	"doc-access/internal/service/document"
)

const (
	maxBodyBytes       = 8 << 20
	defaultKeepAlive   = 25 * time.Second
	defaultHistorySize = 50
)

// Handler implements the document endpoints.
type Handler struct {
	doc       *document.Service
	logger    *slog.Logger
	keepAlive time.Duration
}

// NewHandler creates a handler for one document.
func NewHandler(doc *document.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{doc: doc, logger: logger.With("component", "api"), keepAlive: defaultKeepAlive}
}

// Routes registers the /v1 endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/access", h.getAccess)
	r.Get("/metadata", h.getMetadata)
	r.Get("/tables/{tableId}", h.getTable)
	r.Get("/tables/{tableId}/rows/{rowId}/cells/{colId}", h.getCell)
	r.Get("/attachments/{attId}", h.getAttachment)
	r.Get("/view-as", h.getViewAs)
	r.Get("/history", h.getHistory)
	r.Get("/stream", h.stream)
	r.Post("/apply", h.postApply)
	r.Post("/prefilter", h.postPrefilter)
}

func session(r *http.Request) *domain.Session {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		// Identity middleware is missing; treat the caller as anonymous.
		return &domain.Session{ID: middleware.RequestIDFromContext(r.Context()), User: domain.UserProfile{Anonymous: true}}
	}
	return sess
}

func (h *Handler) getAccess(w http.ResponseWriter, r *http.Request) {
	report, err := h.doc.Access(r.Context(), session(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) getMetadata(w http.ResponseWriter, r *http.Request) {
	tables, err := h.doc.Metadata(r.Context(), session(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make(map[string][]any, len(tables))
	for id, data := range tables {
		out[id] = domain.ActionTuple(data)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": out})
}

func (h *Handler) getTable(w http.ResponseWriter, r *http.Request) {
	data, err := h.doc.Table(r.Context(), session(r), chi.URLParam(r, "tableId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tableData": domain.ActionTuple(data)})
}

func (h *Handler) getCell(w http.ResponseWriter, r *http.Request) {
	rowID, err := parseID("rowId", chi.URLParam(r, "rowId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	cell := access.Cell{TableID: chi.URLParam(r, "tableId"), RowID: rowID, ColID: chi.URLParam(r, "colId")}
	value, err := h.doc.Cell(r.Context(), session(r), cell)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cell": cell, "value": value})
}

// getAttachment needs the cell the attachment is reachable from, given as
// tableId, rowId and colId query parameters.
func (h *Handler) getAttachment(w http.ResponseWriter, r *http.Request) {
	attID, err := parseID("attId", chi.URLParam(r, "attId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	rowID, err := parseID("rowId", q.Get("rowId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	cell := access.Cell{TableID: q.Get("tableId"), RowID: rowID, ColID: q.Get("colId")}
	if cell.TableID == "" || cell.ColID == "" {
		writeError(w, r, domain.ErrValidation("tableId and colId are required"))
		return
	}
	fields, err := h.doc.Attachment(r.Context(), session(r), cell, attID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fields)
}

func (h *Handler) getViewAs(w http.ResponseWriter, r *http.Request) {
	users, err := h.doc.ViewAsCandidates(r.Context(), session(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistorySize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, domain.ErrValidation("invalid limit %q", raw))
			return
		}
		limit = n
	}
	groups, err := h.doc.History(r.Context(), session(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actionGroups": groups})
}

func (h *Handler) postApply(w http.ResponseWriter, r *http.Request) {
	var req document.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess := session(r)
	res, err := h.doc.Apply(r.Context(), sess, req)
	if err != nil {
		if domain.IsAccessDenied(err) {
			middleware.LoggerFromContext(r.Context()).Info("bundle denied", "session", sess.ID, "error", err)
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type prefilterBody struct {
	UserActions []domain.UserAction `json:"userActions"`
}

func (h *Handler) postPrefilter(w http.ResponseWriter, r *http.Request) {
	var body prefilterBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	actions, err := h.doc.Prefilter(r.Context(), session(r), body.UserActions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefilterBody{UserActions: actions})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.ErrValidation("request body exceeds %d bytes", tooLarge.Limit)
		}
		var invalid *domain.ValidationError
		if errors.As(err, &invalid) {
			return invalid
		}
		return domain.ErrValidation("invalid request body: %v", err)
	}
	return nil
}

func parseID(name, raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ErrValidation("invalid %s %q", name, raw)
	}
	return id, nil
}
