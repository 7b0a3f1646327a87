// Package webhook ingests provider delivery callbacks: it correlates each
// event to a queue row by message id, merges it into the row's event map,
// applies status transitions and records unsubscribes as user opt-outs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bringmehome/internal/db"
	"bringmehome/internal/types"
)

// Event is one provider callback.
type Event struct {
	MessageID string                 `json:"messageId"`
	Event     types.WebhookEventType `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Recipient string                 `json:"recipient,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	URL       string                 `json:"url,omitempty"`
	UserAgent string                 `json:"userAgent,omitempty"`
	IP        string                 `json:"ip,omitempty"`
}

// Validate checks the fields every event needs.
func (e Event) Validate() error {
	if e.MessageID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "messageId is required", nil)
	}
	if !e.Event.Valid() {
		return types.NewAppError(types.ErrCodeValidationInvalidEvent, fmt.Sprintf("unknown event type %q", e.Event), nil)
	}
	return nil
}

// ParseEvents decodes a body holding a single event object or an array.
func ParseEvents(body []byte) ([]Event, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidBody, "empty webhook body", nil)
	}
	if trimmed[0] == '[' {
		var events []Event
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidBody, "malformed webhook event array", err)
		}
		return events, nil
	}
	var e Event
	if err := json.Unmarshal(trimmed, &e); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidBody, "malformed webhook event", err)
	}
	return []Event{e}, nil
}

// NotificationStore is the queue access the Ingestor needs.
// *db.NotificationRepository satisfies it.
type NotificationStore interface {
	FindByMessageID(ctx context.Context, messageID string) (*types.EmailNotification, error)
	ApplyWebhookEvent(ctx context.Context, id string, u db.WebhookUpdate) error
}

// OptOutWriter records unsubscribes. *preferences.Service satisfies it.
type OptOutWriter interface {
	SetGlobal(ctx context.Context, userID string, optOut bool, note string) error
	SetPerson(ctx context.Context, userID, personID string, optOut bool, source types.OptOutSource) error
}

// EventRecorder counts ingested events.
type EventRecorder interface {
	RecordWebhookEvent(ctx context.Context, event types.WebhookEventType)
}

// ProcessorLogger writes to the processor log stream. *control.Service
// satisfies it.
type ProcessorLogger interface {
	Log(ctx context.Context, entry types.ProcessorLog)
}

// NoteWebhookUnsubscribe is the opt-out note written for unsubscribe events
// on mail not about a person.
const NoteWebhookUnsubscribe = "Opted out of all email via unsubscribe event"

// Ingestor applies provider events to the queue.
type Ingestor struct {
	notifications NotificationStore
	optOuts       OptOutWriter
	metrics       EventRecorder
	plog          ProcessorLogger
	logger        types.Logger
	now           func() time.Time
}

// IngestorConfig holds the dependencies of an Ingestor. Metrics and
// ProcessorLog are optional.
type IngestorConfig struct {
	Notifications NotificationStore
	OptOuts       OptOutWriter
	Metrics       EventRecorder
	ProcessorLog  ProcessorLogger
	Logger        types.Logger
}

// NewIngestor creates an Ingestor.
func NewIngestor(cfg IngestorConfig) *Ingestor {
	if cfg.Logger == nil {
		cfg.Logger = types.NopLogger{}
	}
	return &Ingestor{
		notifications: cfg.Notifications,
		optOuts:       cfg.OptOuts,
		metrics:       cfg.Metrics,
		plog:          cfg.ProcessorLog,
		logger:        cfg.Logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Process applies every event. A failing event is counted in Errors and
// does not stop the rest.
func (i *Ingestor) Process(ctx context.Context, events []Event) types.WebhookResults {
	var res types.WebhookResults
	for _, e := range events {
		res.Processed++
		updated, err := i.ProcessEvent(ctx, e)
		if err != nil {
			res.Errors++
			i.logger.Error("webhook event failed",
				"message_id", e.MessageID,
				"event", string(e.Event),
				"error", err.Error(),
			)
			continue
		}
		if updated {
			res.Updated++
		}
	}
	if i.plog != nil && len(events) > 0 {
		i.plog.Log(ctx, types.ProcessorLog{
			Level:    types.LogLevelInfo,
			Category: types.LogCategoryWebhook,
			Message:  "Processed webhook events",
			Metadata: types.LogMetadata{
				"processed": res.Processed,
				"updated":   res.Updated,
				"errors":    res.Errors,
			},
		})
	}
	return res
}

// ProcessEvent applies one event. It returns false without error when no
// queue row carries the message id.
func (i *Ingestor) ProcessEvent(ctx context.Context, e Event) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = i.now()
	}

	n, err := i.notifications.FindByMessageID(ctx, e.MessageID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundNotification {
			i.logger.Warn("webhook event for unknown message", "message_id", e.MessageID, "event", string(e.Event))
			return false, nil
		}
		return false, err
	}

	if i.metrics != nil {
		i.metrics.RecordWebhookEvent(ctx, e.Event)
	}

	if err := i.notifications.ApplyWebhookEvent(ctx, n.ID, buildUpdate(e)); err != nil {
		return false, err
	}

	if e.Event == types.EventUnsubscribe {
		if err := i.unsubscribe(ctx, n); err != nil {
			return false, err
		}
	}
	return true, nil
}

func buildUpdate(e Event) db.WebhookUpdate {
	u := db.WebhookUpdate{
		Event: e.Event,
		Record: types.WebhookEventRecord{
			Timestamp: e.Timestamp,
			Reason:    e.Reason,
			URL:       e.URL,
			UserAgent: e.UserAgent,
			IP:        e.IP,
		},
	}
	status := func(s types.NotificationStatus) *types.NotificationStatus { return &s }
	message := func(reason, fallback string) *string {
		if reason == "" {
			reason = fallback
		}
		return &reason
	}
	ts := e.Timestamp

	switch e.Event {
	case types.EventDelivered:
		u.Status = status(types.StatusDelivered)
		u.DeliveredAt = &ts
	case types.EventOpened:
		u.Status = status(types.StatusOpened)
		u.OpenedAt = &ts
	case types.EventBounced:
		u.Status = status(types.StatusBounced)
		u.ErrorMessage = message(e.Reason, "Email bounced")
	case types.EventFailed:
		u.Status = status(types.StatusFailed)
		u.ErrorMessage = message(e.Reason, "Delivery failed")
	}
	return u
}

func (i *Ingestor) unsubscribe(ctx context.Context, n *types.EmailNotification) error {
	if n.UserID == nil || *n.UserID == "" {
		i.logger.Warn("unsubscribe event on notification without a user", "notification_id", n.ID)
		return nil
	}
	if n.PersonID != nil && *n.PersonID != "" {
		if err := i.optOuts.SetPerson(ctx, *n.UserID, *n.PersonID, true, types.OptOutSourceWebhook); err != nil {
			return err
		}
		i.logger.Info("person opt-out recorded from webhook", "user_id", *n.UserID, "person_id", *n.PersonID)
		return nil
	}
	if err := i.optOuts.SetGlobal(ctx, *n.UserID, true, NoteWebhookUnsubscribe); err != nil {
		return err
	}
	i.logger.Info("global opt-out recorded from webhook", "user_id", *n.UserID)
	return nil
}
