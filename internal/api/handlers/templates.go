package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"bringmehome/internal/core"
	"bringmehome/internal/templates"
	"bringmehome/internal/types"
)

// TemplateService is the template store surface. *templates.Service
// satisfies it.
type TemplateService interface {
	Create(ctx context.Context, in templates.CreateInput) (*types.EmailTemplate, error)
	Get(ctx context.Context, id string) (*types.EmailTemplate, error)
	List(ctx context.Context, activeOnly bool) ([]*types.EmailTemplate, error)
	Update(ctx context.Context, id string, in templates.UpdateInput) (*types.EmailTemplate, error)
	Delete(ctx context.Context, id string) error
	Preview(ctx context.Context, id string, vars map[string]any) (*templates.Rendered, error)
}

type previewRequest struct {
	Variables map[string]any `json:"variables"`
}

// TemplatesHandler serves the template admin API.
type TemplatesHandler struct {
	svc TemplateService
}

// NewTemplatesHandler creates a TemplatesHandler.
func NewTemplatesHandler(svc TemplateService) *TemplatesHandler {
	return &TemplatesHandler{svc: svc}
}

// RegisterRoutes mounts /admin/emails/templates.
func (h *TemplatesHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin/emails/templates", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Put("/", h.Update)
			r.Delete("/", h.Delete)
			r.Post("/preview", h.Preview)
		})
	})
}

// List returns every template, or only active ones with ?active=true.
func (h *TemplatesHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if list == nil {
		list = []*types.EmailTemplate{}
	}
	core.JSON(w, r, http.StatusOK, map[string]any{"data": list})
}

// Create stores a new template. Field validation happens in the service.
func (h *TemplatesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in templates.CreateInput
	if err := core.DecodeJSON(w, r, &in); err != nil {
		core.Error(w, r, err)
		return
	}
	t, err := h.svc.Create(r.Context(), in)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, t)
}

func (h *TemplatesHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, t)
}

func (h *TemplatesHandler) Update(w http.ResponseWriter, r *http.Request) {
	var in templates.UpdateInput
	if err := core.DecodeJSON(w, r, &in); err != nil {
		core.Error(w, r, err)
		return
	}
	t, err := h.svc.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, t)
}

// Delete removes a template; a template still referenced by queue rows
// answers 409.
func (h *TemplatesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Preview renders the template with its sample variables, overridden by the
// optional body's variables.
func (h *TemplatesHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if r.ContentLength != 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
	}
	out, err := h.svc.Preview(r.Context(), chi.URLParam(r, "id"), req.Variables)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, out)
}
