package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"bringmehome/internal/notifications/email"
)

type mockFeedback struct {
	events []email.FeedbackEvent
	failOn string
}

func (m *mockFeedback) Process(_ context.Context, ev email.FeedbackEvent) error {
	if ev.EmailAddress == m.failOn {
		return errors.New("db down")
	}
	m.events = append(m.events, ev)
	return nil
}

func newHandler(fb *mockFeedback) *Handler {
	return &Handler{Feedback: fb, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

const bounceNotification = `{
	"notificationType": "Bounce",
	"bounce": {
		"bounceType": "Permanent",
		"bounceSubType": "General",
		"bouncedRecipients": [{"emailAddress": "gone@example.com", "diagnosticCode": "550 5.1.1 user unknown"}],
		"timestamp": "2026-03-14T09:00:00.000Z"
	},
	"mail": {"messageId": "ses-1", "destination": ["gone@example.com"]}
}`

const deliveryNotification = `{
	"notificationType": "Delivery",
	"delivery": {"timestamp": "2026-03-14T09:00:01.000Z", "recipients": ["found@example.com"]},
	"mail": {"messageId": "ses-2", "destination": ["found@example.com"]}
}`

func snsEnvelope(t *testing.T, message string) string {
	t.Helper()
	b, err := json.Marshal(email.SNSNotification{
		Type:      "Notification",
		MessageId: "sns-1",
		TopicArn:  "arn:aws:sns:us-east-1:123456789012:ses-feedback",
		Message:   message,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return string(b)
}

func TestHandle_SNSEnvelope(t *testing.T) {
	fb := &mockFeedback{}
	h := newHandler(fb)

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m-1", Body: snsEnvelope(t, bounceNotification)},
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("unexpected failures %v", resp.BatchItemFailures)
	}
	if len(fb.events) != 1 {
		t.Fatalf("processed %d events, want 1", len(fb.events))
	}
	ev := fb.events[0]
	if ev.Type != email.FeedbackBounce || !ev.Permanent || ev.EmailAddress != "gone@example.com" || ev.ProviderMessageID != "ses-1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestHandle_RawDelivery(t *testing.T) {
	fb := &mockFeedback{}
	h := newHandler(fb)

	if _, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m-1", Body: deliveryNotification},
	}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(fb.events) != 1 || fb.events[0].Type != email.FeedbackDelivery {
		t.Errorf("events = %+v, want one delivery", fb.events)
	}
}

func TestHandle_PartialFailure(t *testing.T) {
	fb := &mockFeedback{failOn: "gone@example.com"}
	h := newHandler(fb)

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m-1", Body: snsEnvelope(t, bounceNotification)},
		{MessageId: "m-2", Body: snsEnvelope(t, deliveryNotification)},
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(resp.BatchItemFailures) != 1 || resp.BatchItemFailures[0].ItemIdentifier != "m-1" {
		t.Errorf("failures = %+v, want only m-1", resp.BatchItemFailures)
	}
	if len(fb.events) != 1 || fb.events[0].ProviderMessageID != "ses-2" {
		t.Errorf("events = %+v, want the delivery applied", fb.events)
	}
}

func TestHandle_MalformedBodiesAreAcked(t *testing.T) {
	fb := &mockFeedback{}
	h := newHandler(fb)

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m-1", Body: "not json"},
		{MessageId: "m-2", Body: snsEnvelope(t, `{"notificationType":"Bounce","mail":{"messageId":"ses-3"}}`)},
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("malformed bodies were reported for retry: %+v", resp.BatchItemFailures)
	}
	if len(fb.events) != 0 {
		t.Errorf("unexpected events %+v", fb.events)
	}
}

func TestHandle_UnknownNotificationTypeIsIgnored(t *testing.T) {
	fb := &mockFeedback{}
	h := newHandler(fb)

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m-1", Body: snsEnvelope(t, `{"notificationType":"AmazonSnsSubscriptionSucceeded","mail":{}}`)},
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 || len(fb.events) != 0 {
		t.Errorf("resp = %+v events = %+v", resp, fb.events)
	}
}
