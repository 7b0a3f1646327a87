package handlers

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"bringmehome/internal/core"
	"bringmehome/internal/types"
)

// DispatchRunner performs one dispatcher run. *dispatch.Dispatcher
// satisfies it.
type DispatchRunner interface {
	Run(ctx context.Context) (*types.RunStats, error)
}

type cronResponse struct {
	Success   bool            `json:"success"`
	Results   *types.RunStats `json:"results"`
	Timestamp time.Time       `json:"timestamp"`
}

// CronHandler triggers the dispatcher from an HTTP cron.
type CronHandler struct {
	runner DispatchRunner
	secret types.SecretString
	clock  types.Clock
	logger *slog.Logger
}

// NewCronHandler creates a CronHandler. An empty secret disables the bearer
// check.
func NewCronHandler(runner DispatchRunner, secret types.SecretString, clock types.Clock, logger *slog.Logger) *CronHandler {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &CronHandler{runner: runner, secret: secret, clock: clock, logger: logger}
}

// RegisterRoutes mounts GET and POST /cron/send-emails.
func (h *CronHandler) RegisterRoutes(r chi.Router) {
	r.Get("/cron/send-emails", h.SendEmails)
	r.Post("/cron/send-emails", h.SendEmails)
}

// SendEmails runs the dispatcher once and reports its statistics.
func (h *CronHandler) SendEmails(w http.ResponseWriter, r *http.Request) {
	if h.secret.IsSet() {
		token := core.ExtractBearerToken(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.secret.Unmask())) != 1 {
			h.logger.Warn("cron trigger rejected: bad secret", slog.String("remote_addr", r.RemoteAddr))
			core.JSON(w, r, http.StatusUnauthorized, core.MessageError{Error: "Unauthorized"})
			return
		}
	}

	stats, err := h.runner.Run(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "dispatcher run failed", slog.String("error", err.Error()))
		failed := false
		core.JSON(w, r, http.StatusInternalServerError, core.MessageError{
			Success: &failed,
			Error:   "Failed to process email queue",
		})
		return
	}

	core.JSON(w, r, http.StatusOK, cronResponse{
		Success:   true,
		Results:   stats,
		Timestamp: h.clock.Now(),
	})
}
