package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"bringmehome/internal/core"
	"bringmehome/internal/preferences"
	"bringmehome/internal/types"
)

// PreferenceService is the profile preference surface.
// *preferences.Service satisfies it.
type PreferenceService interface {
	Get(ctx context.Context, userID string) (*preferences.Preferences, error)
	SetGlobal(ctx context.Context, userID string, optOut bool, note string) error
	SetPerson(ctx context.Context, userID, personID string, optOut bool, source types.OptOutSource) error
}

type optOutRequest struct {
	OptOut *bool `json:"optOut"`
}

// PreferencesHandler serves the signed-in user's email preferences.
type PreferencesHandler struct {
	svc    PreferenceService
	logger *slog.Logger
}

// NewPreferencesHandler creates a PreferencesHandler.
func NewPreferencesHandler(svc PreferenceService, logger *slog.Logger) *PreferencesHandler {
	return &PreferencesHandler{svc: svc, logger: logger}
}

// RegisterRoutes mounts /profile/email-preferences.
func (h *PreferencesHandler) RegisterRoutes(r chi.Router) {
	r.Route("/profile/email-preferences", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/global", h.PutGlobal)
		r.Put("/person/{personId}", h.PutPerson)
	})
}

func (h *PreferencesHandler) actor(w http.ResponseWriter, r *http.Request) (types.Actor, bool) {
	actor, ok := types.GetActor(r.Context())
	if !ok || actor.UserID == "" {
		core.JSON(w, r, http.StatusUnauthorized, core.MessageError{Error: "Unauthorized"})
		return types.Actor{}, false
	}
	return actor, true
}

// decodeOptOut reads {optOut: boolean}; anything else is a 400.
func (h *PreferencesHandler) decodeOptOut(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req optOutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil || req.OptOut == nil {
		core.JSON(w, r, http.StatusBadRequest, core.MessageError{Error: "optOut must be a boolean"})
		return false, false
	}
	return *req.OptOut, true
}

// Get returns the user's global flag and person opt-outs.
func (h *PreferencesHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	prefs, err := h.svc.Get(r.Context(), actor.UserID)
	if err != nil {
		core.ErrorMessage(w, r, err, "Failed to load email preferences")
		return
	}
	core.JSON(w, r, http.StatusOK, prefs)
}

// PutGlobal sets or clears the all-email opt-out.
func (h *PreferencesHandler) PutGlobal(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	optOut, ok := h.decodeOptOut(w, r)
	if !ok {
		return
	}
	if err := h.svc.SetGlobal(r.Context(), actor.UserID, optOut, ""); err != nil {
		core.ErrorMessage(w, r, err, "Failed to update email preferences")
		return
	}
	core.JSON(w, r, http.StatusOK, successResponse{Success: true})
}

// PutPerson sets or clears the opt-out for mail about one person.
func (h *PreferencesHandler) PutPerson(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	optOut, ok := h.decodeOptOut(w, r)
	if !ok {
		return
	}
	personID := chi.URLParam(r, "personId")
	if err := h.svc.SetPerson(r.Context(), actor.UserID, personID, optOut, types.OptOutSourceUser); err != nil {
		core.ErrorMessage(w, r, err, "Failed to update email preferences")
		return
	}
	core.JSON(w, r, http.StatusOK, successResponse{Success: true})
}
