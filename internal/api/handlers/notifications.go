package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"bringmehome/internal/core"
	"bringmehome/internal/db"
	"bringmehome/internal/notifications/email"
	"bringmehome/internal/queue"
	"bringmehome/internal/types"
)

// NotificationStore is the queue access of the admin API.
// *db.NotificationRepository satisfies it.
type NotificationStore interface {
	List(ctx context.Context, f db.NotificationFilter) ([]*types.EmailNotification, int, error)
	GetByID(ctx context.Context, id string) (*types.EmailNotification, error)
	ResetForRetry(ctx context.Context, id string) error
}

// NotificationEnqueuer inserts new queue rows. *queue.Enqueuer satisfies it.
type NotificationEnqueuer interface {
	Enqueue(ctx context.Context, req queue.Request) (*types.EmailNotification, error)
}

type enqueueRequest struct {
	UserID          *string        `json:"userId"`
	PersonID        *string        `json:"personId"`
	PersonName      string         `json:"personName"`
	SentTo          string         `json:"sentTo" validate:"omitempty,email"`
	TemplateID      *string        `json:"templateId"`
	Subject         string         `json:"subject" validate:"max=998"`
	HTMLContent     string         `json:"htmlContent"`
	TextContent     string         `json:"textContent"`
	Variables       map[string]any `json:"variables"`
	TrackingEnabled *bool          `json:"trackingEnabled"`
	WebhookURL      *string        `json:"webhookUrl" validate:"omitempty,url"`
	ScheduledFor    *time.Time     `json:"scheduledFor"`
	MaxRetries      int            `json:"maxRetries" validate:"min=0,max=10"`
}

type notificationListQuery struct {
	Status string `json:"status" validate:"omitempty,notification_status"`
}

// NotificationsHandler serves the queue admin API.
type NotificationsHandler struct {
	store     NotificationStore
	enqueuer  NotificationEnqueuer
	validator *core.Validator
}

// NewNotificationsHandler creates a NotificationsHandler.
func NewNotificationsHandler(store NotificationStore, enqueuer NotificationEnqueuer, v *core.Validator) *NotificationsHandler {
	return &NotificationsHandler{store: store, enqueuer: enqueuer, validator: v}
}

// RegisterRoutes mounts /admin/emails/notifications.
func (h *NotificationsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin/emails/notifications", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Enqueue)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/retry", h.Retry)
	})
}

// List returns a page of queue rows filtered by ?status and ?email.
func (h *NotificationsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := h.validator.Struct(notificationListQuery{Status: q.Get("status")}); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidQuery, "unknown notification status", err))
		return
	}
	limit, offset, err := pageParams(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	rows, total, err := h.store.List(r.Context(), db.NotificationFilter{
		Status: types.NotificationStatus(q.Get("status")),
		Email:  q.Get("email"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if rows == nil {
		rows = []*types.EmailNotification{}
	}
	core.JSON(w, r, http.StatusOK, types.ListResponse[*types.EmailNotification]{
		Data:     rows,
		PageInfo: types.NewPageInfo(limit, offset, total),
	})
}

func (h *NotificationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, n)
}

// Enqueue queues a message from a template or inline content. Users who
// opted out are refused with 403 email_blocked.
func (h *NotificationsHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	n, err := h.enqueuer.Enqueue(r.Context(), queue.Request{
		UserID:          req.UserID,
		PersonID:        req.PersonID,
		PersonName:      req.PersonName,
		SentTo:          req.SentTo,
		TemplateID:      req.TemplateID,
		Subject:         req.Subject,
		HTML:            req.HTMLContent,
		Text:            req.TextContent,
		Variables:       req.Variables,
		TrackingEnabled: req.TrackingEnabled,
		WebhookURL:      req.WebhookURL,
		ScheduledFor:    req.ScheduledFor,
		MaxRetries:      req.MaxRetries,
	})
	if errors.Is(err, email.ErrRecipientOptedOut) {
		core.Error(w, r, types.NewAppError(types.ErrCodeEmailBlocked, err.Error(), err))
		return
	}
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, n)
}

// Retry returns a FAILED, non-suppressed row to SENDING and answers with the
// updated row.
func (h *NotificationsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.ResetForRetry(r.Context(), id); err != nil {
		core.Error(w, r, err)
		return
	}
	n, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, n)
}
