package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"bringmehome/internal/core"
)

// ScrubFunc removes a user's sessions and anonymises their comments in one
// transaction. db.ScrubPersonalData bound to the pool satisfies it.
type ScrubFunc func(ctx context.Context, userID string) error

// UsersHandler serves user data maintenance for admins.
type UsersHandler struct {
	scrub  ScrubFunc
	logger *slog.Logger
}

// NewUsersHandler creates a UsersHandler.
func NewUsersHandler(scrub ScrubFunc, logger *slog.Logger) *UsersHandler {
	return &UsersHandler{scrub: scrub, logger: logger}
}

// RegisterRoutes mounts /admin/users.
func (h *UsersHandler) RegisterRoutes(r chi.Router) {
	r.Post("/admin/users/{userId}/scrub", h.Scrub)
}

// Scrub runs the personal data cleanup for a deleted user.
func (h *UsersHandler) Scrub(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := h.scrub(r.Context(), userID); err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "user personal data scrubbed", slog.String("user_id", userID))
	core.JSON(w, r, http.StatusOK, successResponse{Success: true})
}
