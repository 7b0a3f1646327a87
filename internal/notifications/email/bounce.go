package email

import (
	"context"
	"fmt"

	"bringmehome/internal/notifications/webhook"
	"bringmehome/internal/suppression"
	"bringmehome/internal/types"
)

// Suppressor adds addresses to the suppression list.
// *suppression.Service satisfies it.
type Suppressor interface {
	Add(ctx context.Context, in suppression.AddInput) (*types.EmailSuppression, error)
}

// EventSink applies a provider event to the queue. *webhook.Ingestor
// satisfies it.
type EventSink interface {
	ProcessEvent(ctx context.Context, e webhook.Event) (bool, error)
}

// FeedbackProcessor turns SES feedback into suppression entries and queue
// events:
//
//	Permanent bounce  -> bounce_permanent suppression, "bounced" event
//	Transient bounce  -> "failed" event with the sub-type as reason
//	Complaint         -> spam_complaint suppression
//	Delivery          -> "delivered" event
//	Open / Click      -> "opened" / "clicked" events
type FeedbackProcessor struct {
	suppressions Suppressor
	events       EventSink
	logger       types.Logger
}

// NewFeedbackProcessor creates a FeedbackProcessor.
func NewFeedbackProcessor(suppressions Suppressor, events EventSink, logger types.Logger) *FeedbackProcessor {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &FeedbackProcessor{suppressions: suppressions, events: events, logger: logger}
}

// Process handles a single FeedbackEvent.
func (p *FeedbackProcessor) Process(ctx context.Context, ev FeedbackEvent) error {
	p.logger.Info("processing ses feedback",
		"provider_message_id", ev.ProviderMessageID,
		"email", types.RedactEmail(ev.EmailAddress),
		"type", string(ev.Type),
		"permanent", ev.Permanent,
	)

	switch ev.Type {
	case FeedbackBounce:
		if !ev.Permanent {
			return p.emit(ctx, ev, types.EventFailed)
		}
		if err := p.suppress(ctx, ev, types.ReasonBouncePermanent); err != nil {
			return err
		}
		return p.emit(ctx, ev, types.EventBounced)

	case FeedbackComplaint:
		return p.suppress(ctx, ev, types.ReasonSpamComplaint)

	case FeedbackDelivery:
		return p.emit(ctx, ev, types.EventDelivered)
	case FeedbackOpen:
		return p.emit(ctx, ev, types.EventOpened)
	case FeedbackClick:
		return p.emit(ctx, ev, types.EventClicked)
	}

	p.logger.Warn("ignoring unknown ses feedback type", "type", string(ev.Type))
	return nil
}

func (p *FeedbackProcessor) suppress(ctx context.Context, ev FeedbackEvent, reason types.SuppressionReason) error {
	if ev.EmailAddress == "" {
		return fmt.Errorf("feedback processor: %s without recipient address", ev.Type)
	}
	_, err := p.suppressions.Add(ctx, suppression.AddInput{
		Email:         ev.EmailAddress,
		Reason:        reason,
		ReasonDetails: ev.Reason,
		Source:        types.SourceSESWebhook,
		BounceType:    ev.BounceType,
		BounceSubType: ev.BounceSubType,
	})
	if err != nil {
		return fmt.Errorf("feedback processor: suppress address: %w", err)
	}
	return nil
}

func (p *FeedbackProcessor) emit(ctx context.Context, ev FeedbackEvent, event types.WebhookEventType) error {
	if ev.ProviderMessageID == "" {
		return nil
	}
	_, err := p.events.ProcessEvent(ctx, webhook.Event{
		MessageID: ev.ProviderMessageID,
		Event:     event,
		Timestamp: ev.Timestamp,
		Recipient: ev.EmailAddress,
		Reason:    ev.Reason,
		URL:       ev.URL,
		UserAgent: ev.UserAgent,
		IP:        ev.IP,
	})
	if err != nil {
		return fmt.Errorf("feedback processor: apply %s event: %w", event, err)
	}
	return nil
}
