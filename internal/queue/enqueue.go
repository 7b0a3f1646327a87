package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bringmehome/internal/notifications/email"
	"bringmehome/internal/preferences"
	"bringmehome/internal/templates"
	"bringmehome/internal/types"
)

// DefaultMaxRetries applies when neither the request nor the Enqueuer config
// sets one.
const DefaultMaxRetries = 3

// Store inserts queue rows. *db.NotificationRepository satisfies it.
type Store interface {
	Insert(ctx context.Context, n *types.EmailNotification) error
}

// TemplateSource loads templates. *templates.Service satisfies it.
type TemplateSource interface {
	Get(ctx context.Context, id string) (*types.EmailTemplate, error)
}

// Eligibility decides whether the owning user accepts mail.
// *preferences.Service satisfies it.
type Eligibility interface {
	CanReceive(ctx context.Context, userID *string, personID *string) (preferences.Decision, error)
}

// Kicker wakes the dispatcher. *DispatchKicker satisfies it.
type Kicker interface {
	Kick(ctx context.Context, notificationID, reason string) error
}

// Request describes one notification to enqueue. Either TemplateID or
// Subject plus HTML supplies the content; either SentTo or UserID supplies
// the recipient.
type Request struct {
	UserID     *string
	PersonID   *string
	PersonName string
	SentTo     string

	TemplateID *string
	Subject    string
	HTML       string
	Text       string
	Variables  map[string]any

	// Nil inherits from the template.
	TrackingEnabled *bool
	WebhookURL      *string

	ScheduledFor *time.Time
	MaxRetries   int
}

// EnqueuerConfig holds the dependencies of an Enqueuer. Kicker is optional.
type EnqueuerConfig struct {
	Store       Store
	Templates   TemplateSource
	Renderer    *templates.Renderer
	Preferences Eligibility
	Kicker      Kicker
	BaseURL     string
	MaxRetries  int
	Clock       types.Clock
	Logger      *slog.Logger
}

// Enqueuer renders and inserts notifications.
type Enqueuer struct {
	cfg EnqueuerConfig
}

// NewEnqueuer creates an Enqueuer.
func NewEnqueuer(cfg EnqueuerConfig) *Enqueuer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Enqueuer{cfg: cfg}
}

// Enqueue renders req and inserts it with status SENDING. Users who opted
// out, globally or for req.PersonID, are refused with
// email.ErrRecipientOptedOut and nothing is inserted.
func (e *Enqueuer) Enqueue(ctx context.Context, req Request) (*types.EmailNotification, error) {
	if req.SentTo == "" && (req.UserID == nil || *req.UserID == "") {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "sentTo or userId is required", nil)
	}

	decision, err := e.cfg.Preferences.CanReceive(ctx, req.UserID, req.PersonID)
	if err != nil {
		return nil, err
	}
	if decision != preferences.Allowed {
		e.cfg.Logger.InfoContext(ctx, "not enqueueing for opted-out user", "decision", decision.String())
		return nil, email.ErrRecipientOptedOut
	}

	n := &types.EmailNotification{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		PersonID:   req.PersonID,
		SentTo:     req.SentTo,
		TemplateID: req.TemplateID,
		Status:     types.StatusSending,
		MaxRetries: req.MaxRetries,
	}
	if n.MaxRetries <= 0 {
		n.MaxRetries = e.cfg.MaxRetries
	}

	content := templates.Content{Subject: req.Subject, HTML: req.HTML, Text: req.Text}
	if req.TemplateID != nil {
		t, err := e.cfg.Templates.Get(ctx, *req.TemplateID)
		if err != nil {
			return nil, err
		}
		if !t.IsActive {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidTemplate,
				"template is inactive", nil, map[string]any{"templateId": t.ID})
		}
		content = templates.TemplateContent(t)
		n.TrackingEnabled = t.TrackingEnabled
		n.WebhookURL = t.WebhookURL
	} else if req.Subject == "" || req.HTML == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "subject and htmlContent are required without a template", nil)
	}
	if req.TrackingEnabled != nil {
		n.TrackingEnabled = *req.TrackingEnabled
	}
	if req.WebhookURL != nil {
		n.WebhookURL = *req.WebhookURL
	}

	personID := ""
	if req.PersonID != nil {
		personID = *req.PersonID
	}
	rendered, err := e.cfg.Renderer.Render(content, req.Variables,
		templates.BuildUnsubscribeLinks(e.cfg.BaseURL, personID, req.PersonName))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTemplate, "failed to render notification", err)
	}
	n.Subject = rendered.Subject
	n.HTMLContent = rendered.HTML
	n.TextContent = rendered.Text

	now := e.cfg.Clock.Now()
	n.ScheduledFor = now
	if req.ScheduledFor != nil && req.ScheduledFor.After(now) {
		n.ScheduledFor = *req.ScheduledFor
	}

	if err := e.cfg.Store.Insert(ctx, n); err != nil {
		return nil, err
	}
	n.CreatedAt, n.UpdatedAt = now, now

	e.cfg.Logger.InfoContext(ctx, "email notification enqueued",
		"notification_id", n.ID,
		"recipient", types.RedactEmail(n.SentTo),
		"scheduled_for", n.ScheduledFor,
		"unsubscribe", string(rendered.Unsubscribe),
	)

	if e.cfg.Kicker != nil && !n.ScheduledFor.After(now) {
		if err := e.cfg.Kicker.Kick(ctx, n.ID, "enqueued"); err != nil {
			// The cron trigger picks the row up regardless.
			e.cfg.Logger.WarnContext(ctx, "failed to kick dispatcher", "notification_id", n.ID, "error", err)
		}
	}
	return n, nil
}
