// Package http is the thin API facade over the entitlement core: request
// decoding and validation, caller identification, and error envelope
// rendering. All business rules live in the core service.
package http

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"entitle/internal/core"
	"entitle/internal/domain"
	"entitle/internal/errors"
	"entitle/internal/store"
)

// LicenseHandler exposes the core license operations over HTTP.
type LicenseHandler struct {
	svc      *core.Service
	validate *validator.Validate
	logger   *slog.Logger
}

// NewLicenseHandler creates the handler.
func NewLicenseHandler(svc *core.Service, logger *slog.Logger) *LicenseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LicenseHandler{
		svc:      svc,
		validate: validator.New(),
		logger:   logger.With(slog.String("component", "http.license")),
	}
}

// Routes mounts the license API.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Issue)
	r.Get("/", h.List)
	r.Route("/{key}", func(r chi.Router) {
		r.Post("/check", h.Check)
		r.Put("/toggle", h.Toggle)
		r.Put("/extend", h.Extend)
		r.Post("/revoke", h.Revoke)
		r.Post("/token", h.Token)
		r.Delete("/", h.Delete)
	})
	return r
}

type issueRequest struct {
	ClientID     string            `json:"client_id" validate:"required,max=128"`
	Plan         string            `json:"plan" validate:"required"`
	DurationDays int               `json:"duration_days" validate:"required,gt=0,lte=3650"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Actor        string            `json:"actor,omitempty"`
}

// Issue handles POST /api/licenses.
func (h *LicenseHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !h.decode(w, r, &req) {
		return
	}
	lic, err := h.svc.Issue(r.Context(), caller(r), core.IssueRequest{
		ClientID:     req.ClientID,
		Plan:         req.Plan,
		DurationDays: req.DurationDays,
		Metadata:     req.Metadata,
		Actor:        req.Actor,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, lic)
}

type checkRequest struct {
	Module string `json:"module,omitempty" validate:"omitempty,max=64"`
}

// Check handles POST /api/licenses/{key}/check. The body is optional; a
// module name consumes one unit of that module's usage.
func (h *LicenseHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}
	result, err := h.svc.Check(r.Context(), caller(r), chi.URLParam(r, "key"), req.Module)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

type toggleRequest struct {
	Status string `json:"status" validate:"required"`
	Reason string `json:"reason" validate:"required,max=512"`
}

// Toggle handles PUT /api/licenses/{key}/toggle.
func (h *LicenseHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if !h.decode(w, r, &req) {
		return
	}
	lic, err := h.svc.Toggle(r.Context(), caller(r), chi.URLParam(r, "key"), req.Status, req.Reason)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, lic)
}

type extendRequest struct {
	Days int    `json:"days" validate:"required,gt=0,lte=3650"`
	Plan string `json:"plan,omitempty"`
}

// Extend handles PUT /api/licenses/{key}/extend.
func (h *LicenseHandler) Extend(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !h.decode(w, r, &req) {
		return
	}
	lic, err := h.svc.Extend(r.Context(), caller(r), chi.URLParam(r, "key"), req.Days, req.Plan)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, lic)
}

type revokeRequest struct {
	Reason string `json:"reason" validate:"required,max=512"`
}

// Revoke handles POST /api/licenses/{key}/revoke.
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !h.decode(w, r, &req) {
		return
	}
	lic, err := h.svc.Revoke(r.Context(), caller(r), chi.URLParam(r, "key"), req.Reason)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, lic)
}

// Token handles POST /api/licenses/{key}/token.
func (h *LicenseHandler) Token(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.IssueToken(r.Context(), caller(r), chi.URLParam(r, "key"))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

// Delete handles DELETE /api/licenses/{key}.
func (h *LicenseHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), caller(r), chi.URLParam(r, "key")); err != nil {
		h.renderError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

// List handles GET /api/licenses with status/plan/client_id/page/limit
// query filters.
func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{ClientID: q.Get("client_id")}
	if s := q.Get("status"); s != "" {
		status, ok := domain.ParseStatus(s)
		if !ok {
			h.renderError(w, r, errors.E(errors.KindValidation, "unknown status %q", s))
			return
		}
		f.Status = status
	}
	if p := q.Get("plan"); p != "" {
		plan, ok := domain.ParsePlan(p)
		if !ok {
			h.renderError(w, r, errors.E(errors.KindValidation, "unknown plan %q", p))
			return
		}
		f.Plan = plan
	}
	f.Page, _ = strconv.ParseInt(q.Get("page"), 10, 64)
	f.Limit, _ = strconv.ParseInt(q.Get("limit"), 10, 64)

	result, err := h.svc.List(r.Context(), f)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

// decode binds and validates the JSON body, rendering a field-level 400 on
// failure. Returns false when the response is already written.
func (h *LicenseHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		render.Render(w, r, &errors.APIError{
			StatusCode: http.StatusBadRequest,
			ErrorCode:  errors.CodeValidation,
			Message:    "malformed request body",
		})
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var fields []errors.ValidationField
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, errors.ValidationField{
					Field:   fe.Field(),
					Message: fe.Tag(),
				})
			}
		}
		render.Render(w, r, errors.ValidationAPI(fields))
		return false
	}
	return true
}

func (h *LicenseHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.KindOf(err) == errors.KindUnknown || errors.IsKind(err, errors.KindPersistence) {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	render.Render(w, r, errors.ToAPI(err))
}

// caller identifies the requester for rate limiting: the real client IP
// (RealIP middleware has already unwrapped proxies).
func caller(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
