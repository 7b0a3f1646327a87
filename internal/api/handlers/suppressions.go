package handlers

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"bringmehome/internal/core"
	"bringmehome/internal/db"
	"bringmehome/internal/suppression"
	"bringmehome/internal/types"
)

// SuppressionService is the suppression list surface.
// *suppression.Service satisfies it.
type SuppressionService interface {
	Add(ctx context.Context, in suppression.AddInput) (*types.EmailSuppression, error)
	Remove(ctx context.Context, email string) (bool, error)
	List(ctx context.Context, f db.SuppressionFilter) ([]*types.EmailSuppression, int, error)
	Stats(ctx context.Context) (*types.SuppressionStats, error)
	AreEmailsSuppressed(ctx context.Context, emails []string) (map[string]bool, error)
}

type addSuppressionRequest struct {
	Email         string `json:"email" validate:"required,email"`
	Reason        string `json:"reason" validate:"required,suppression_reason"`
	ReasonDetails string `json:"reasonDetails" validate:"max=1000"`
	Source        string `json:"source" validate:"omitempty,suppression_source"`
}

type checkSuppressionRequest struct {
	Emails []string `json:"emails" validate:"required,min=1,max=500"`
}

type suppressionListQuery struct {
	Reason string `json:"reason" validate:"omitempty,suppression_reason"`
}

// SuppressionsHandler serves the suppression admin API.
type SuppressionsHandler struct {
	svc       SuppressionService
	validator *core.Validator
}

// NewSuppressionsHandler creates a SuppressionsHandler.
func NewSuppressionsHandler(svc SuppressionService, v *core.Validator) *SuppressionsHandler {
	return &SuppressionsHandler{svc: svc, validator: v}
}

// RegisterRoutes mounts /admin/emails/suppressions.
func (h *SuppressionsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin/emails/suppressions", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Add)
		r.Get("/stats", h.Stats)
		r.Post("/check", h.Check)
		r.Delete("/{email}", h.Remove)
	})
}

// List returns a page of suppressions filtered by ?reason and ?search.
func (h *SuppressionsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := h.validator.Struct(suppressionListQuery{Reason: q.Get("reason")}); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidReason, "unknown suppression reason", err))
		return
	}
	limit, offset, err := pageParams(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	items, total, err := h.svc.List(r.Context(), db.SuppressionFilter{
		Reason: types.SuppressionReason(q.Get("reason")),
		Search: q.Get("search"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if items == nil {
		items = []*types.EmailSuppression{}
	}
	core.JSON(w, r, http.StatusOK, types.ListResponse[*types.EmailSuppression]{
		Data:     items,
		PageInfo: types.NewPageInfo(limit, offset, total),
	})
}

// Stats returns suppression counts by reason.
func (h *SuppressionsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, stats)
}

// Add suppresses an address. The source defaults to admin_action.
func (h *SuppressionsHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req addSuppressionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.Source == "" {
		req.Source = string(types.SourceAdminAction)
	}

	s, err := h.svc.Add(r.Context(), suppression.AddInput{
		Email:         req.Email,
		Reason:        types.SuppressionReason(req.Reason),
		ReasonDetails: req.ReasonDetails,
		Source:        types.SuppressionSource(req.Source),
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, s)
}

// Remove deletes an address from the list. An unknown address answers
// {removed:false} rather than 404.
func (h *SuppressionsHandler) Remove(w http.ResponseWriter, r *http.Request) {
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil || email == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidEmail, "invalid email in path", err))
		return
	}
	removed, err := h.svc.Remove(r.Context(), email)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]bool{"removed": removed})
}

// Check reports, for each address in the body, whether it is suppressed.
func (h *SuppressionsHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkSuppressionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	results, err := h.svc.AreEmailsSuppressed(r.Context(), req.Emails)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]any{"results": results})
}
