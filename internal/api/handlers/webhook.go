package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"bringmehome/internal/core"
	"bringmehome/internal/notifications/webhook"
	"bringmehome/internal/types"
)

// maxWebhookBody caps provider webhook payloads.
const maxWebhookBody = 1 << 20

// EventProcessor applies provider events. *webhook.Ingestor satisfies it.
type EventProcessor interface {
	Process(ctx context.Context, events []webhook.Event) types.WebhookResults
}

// SignatureVerifier checks the x-webhook-signature header.
// *webhook.Verifier satisfies it.
type SignatureVerifier interface {
	Verify(body []byte, header string) error
}

type webhookResponse struct {
	Success bool                 `json:"success"`
	Results types.WebhookResults `json:"results"`
}

// WebhookHandler receives provider delivery and engagement events.
type WebhookHandler struct {
	events   EventProcessor
	verifier SignatureVerifier
	logger   *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(events EventProcessor, verifier SignatureVerifier, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{events: events, verifier: verifier, logger: logger}
}

// RegisterRoutes mounts /webhooks/email.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Get("/webhooks/email", h.Handshake)
	r.Post("/webhooks/email", h.Receive)
}

// Handshake echoes the challenge query parameter as plain text, or reports
// {status:"ok"} when there is none.
func (h *WebhookHandler) Handshake(w http.ResponseWriter, r *http.Request) {
	if challenge := r.URL.Query().Get("challenge"); challenge != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, challenge)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// Receive verifies and applies a single event or an array of events.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			core.JSON(w, r, http.StatusRequestEntityTooLarge, core.MessageError{Error: "Payload too large"})
			return
		}
		core.JSON(w, r, http.StatusBadRequest, core.MessageError{Error: "Failed to read body"})
		return
	}

	if err := h.verifier.Verify(body, r.Header.Get("X-Webhook-Signature")); err != nil {
		h.logger.Warn("webhook rejected", slog.String("reason", err.Error()), slog.String("remote_addr", r.RemoteAddr))
		core.JSON(w, r, http.StatusUnauthorized, core.MessageError{Error: "Invalid signature"})
		return
	}

	events, err := webhook.ParseEvents(body)
	if err != nil {
		core.ErrorMessage(w, r, err, "Invalid webhook payload")
		return
	}

	results := h.events.Process(r.Context(), events)
	core.JSON(w, r, http.StatusOK, webhookResponse{Success: true, Results: results})
}
