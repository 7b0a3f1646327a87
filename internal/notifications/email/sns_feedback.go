package email

import (
	"encoding/json"
	"fmt"
	"time"
)

// SNSNotification is the SNS envelope SES feedback arrives in.
type SNSNotification struct {
	Type      string `json:"Type"`
	MessageId string `json:"MessageId"`
	TopicArn  string `json:"TopicArn"`
	Message   string `json:"Message"` // JSON-encoded SES notification
	Timestamp string `json:"Timestamp"`
}

// SESNotification is the SES payload inside the SNS message. Identity
// notifications set notificationType; configuration-set event publishing
// sets eventType instead.
type SESNotification struct {
	NotificationType string        `json:"notificationType,omitempty"`
	EventType        string        `json:"eventType,omitempty"`
	Bounce           *SESBounce    `json:"bounce,omitempty"`
	Complaint        *SESComplaint `json:"complaint,omitempty"`
	Delivery         *SESDelivery  `json:"delivery,omitempty"`
	Open             *SESOpen      `json:"open,omitempty"`
	Click            *SESClick     `json:"click,omitempty"`
	Mail             SESMail       `json:"mail"`
}

func (n SESNotification) kind() string {
	if n.NotificationType != "" {
		return n.NotificationType
	}
	return n.EventType
}

// SESBounce is the bounce detail.
type SESBounce struct {
	BounceType        string                `json:"bounceType"` // Permanent, Transient or Undetermined
	BounceSubType     string                `json:"bounceSubType"`
	BouncedRecipients []SESBouncedRecipient `json:"bouncedRecipients"`
	Timestamp         string                `json:"timestamp"`
}

// SESBouncedRecipient is one bounced address.
type SESBouncedRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	DiagnosticCode string `json:"diagnosticCode"`
}

// SESComplaint is the complaint detail.
type SESComplaint struct {
	ComplainedRecipients  []SESComplainedRecipient `json:"complainedRecipients"`
	ComplaintFeedbackType string                   `json:"complaintFeedbackType"`
	Timestamp             string                   `json:"timestamp"`
}

// SESComplainedRecipient is one complaining address.
type SESComplainedRecipient struct {
	EmailAddress string `json:"emailAddress"`
}

// SESDelivery is the delivery detail.
type SESDelivery struct {
	Timestamp    string   `json:"timestamp"`
	Recipients   []string `json:"recipients"`
	SMTPResponse string   `json:"smtpResponse"`
}

// SESOpen is an open event from a configuration set.
type SESOpen struct {
	Timestamp string `json:"timestamp"`
	UserAgent string `json:"userAgent"`
	IPAddress string `json:"ipAddress"`
}

// SESClick is a click event from a configuration set.
type SESClick struct {
	Timestamp string `json:"timestamp"`
	Link      string `json:"link"`
	UserAgent string `json:"userAgent"`
	IPAddress string `json:"ipAddress"`
}

// SESMail is the original message metadata.
type SESMail struct {
	MessageId   string   `json:"messageId"`
	Destination []string `json:"destination"`
}

// FeedbackType classifies SES feedback.
type FeedbackType string

const (
	FeedbackBounce    FeedbackType = "bounce"
	FeedbackComplaint FeedbackType = "complaint"
	FeedbackDelivery  FeedbackType = "delivery"
	FeedbackOpen      FeedbackType = "open"
	FeedbackClick     FeedbackType = "click"
)

// FeedbackEvent is one recipient-level outcome extracted from SES feedback.
type FeedbackEvent struct {
	ProviderMessageID string
	EmailAddress      string
	Type              FeedbackType
	// Permanent is set for hard bounces only.
	Permanent     bool
	BounceType    string
	BounceSubType string
	Reason        string
	URL           string
	UserAgent     string
	IP            string
	Timestamp     time.Time
}

// ParseSNSFeedback parses an SNS body carrying SES feedback into one event
// per affected recipient. Unknown notification types yield no events and no
// error.
func ParseSNSFeedback(snsBody []byte) ([]FeedbackEvent, error) {
	if len(snsBody) == 0 {
		return nil, fmt.Errorf("sns feedback: empty SNS body")
	}

	var snsMsg SNSNotification
	if err := json.Unmarshal(snsBody, &snsMsg); err != nil {
		return nil, fmt.Errorf("sns feedback: failed to parse SNS envelope: %w", err)
	}
	if snsMsg.Message == "" {
		return nil, fmt.Errorf("sns feedback: SNS Message field is empty")
	}
	return ParseSESFeedback([]byte(snsMsg.Message))
}

// ParseSESFeedback parses a bare SES notification.
func ParseSESFeedback(body []byte) ([]FeedbackEvent, error) {
	var n SESNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("sns feedback: failed to parse SES notification: %w", err)
	}

	switch n.kind() {
	case "Bounce":
		return parseBounceEvents(n)
	case "Complaint":
		return parseComplaintEvents(n)
	case "Delivery":
		return parseDeliveryEvents(n)
	case "Open":
		return parseOpenEvents(n)
	case "Click":
		return parseClickEvents(n)
	default:
		return nil, nil
	}
}

func parseBounceEvents(n SESNotification) ([]FeedbackEvent, error) {
	if n.Bounce == nil {
		return nil, fmt.Errorf("sns feedback: bounce notification missing bounce details")
	}
	ts := parseTimestamp(n.Bounce.Timestamp)
	permanent := n.Bounce.BounceType == "Permanent"

	events := make([]FeedbackEvent, 0, len(n.Bounce.BouncedRecipients))
	for _, r := range n.Bounce.BouncedRecipients {
		reason := r.DiagnosticCode
		if reason == "" {
			reason = fmt.Sprintf("%s (%s)", n.Bounce.BounceSubType, r.Status)
		}
		if !permanent {
			reason = n.Bounce.BounceSubType
		}
		events = append(events, FeedbackEvent{
			ProviderMessageID: n.Mail.MessageId,
			EmailAddress:      r.EmailAddress,
			Type:              FeedbackBounce,
			Permanent:         permanent,
			BounceType:        n.Bounce.BounceType,
			BounceSubType:     n.Bounce.BounceSubType,
			Reason:            reason,
			Timestamp:         ts,
		})
	}
	return events, nil
}

func parseComplaintEvents(n SESNotification) ([]FeedbackEvent, error) {
	if n.Complaint == nil {
		return nil, fmt.Errorf("sns feedback: complaint notification missing complaint details")
	}
	ts := parseTimestamp(n.Complaint.Timestamp)
	reason := n.Complaint.ComplaintFeedbackType
	if reason == "" {
		reason = "complaint"
	}

	events := make([]FeedbackEvent, 0, len(n.Complaint.ComplainedRecipients))
	for _, r := range n.Complaint.ComplainedRecipients {
		events = append(events, FeedbackEvent{
			ProviderMessageID: n.Mail.MessageId,
			EmailAddress:      r.EmailAddress,
			Type:              FeedbackComplaint,
			Reason:            reason,
			Timestamp:         ts,
		})
	}
	return events, nil
}

func parseDeliveryEvents(n SESNotification) ([]FeedbackEvent, error) {
	if n.Delivery == nil {
		return nil, fmt.Errorf("sns feedback: delivery notification missing delivery details")
	}
	ts := parseTimestamp(n.Delivery.Timestamp)
	events := make([]FeedbackEvent, 0, len(n.Delivery.Recipients))
	for _, addr := range n.Delivery.Recipients {
		events = append(events, FeedbackEvent{
			ProviderMessageID: n.Mail.MessageId,
			EmailAddress:      addr,
			Type:              FeedbackDelivery,
			Reason:            n.Delivery.SMTPResponse,
			Timestamp:         ts,
		})
	}
	return events, nil
}

func parseOpenEvents(n SESNotification) ([]FeedbackEvent, error) {
	if n.Open == nil {
		return nil, fmt.Errorf("sns feedback: open event missing open details")
	}
	return []FeedbackEvent{{
		ProviderMessageID: n.Mail.MessageId,
		EmailAddress:      firstOf(n.Mail.Destination),
		Type:              FeedbackOpen,
		UserAgent:         n.Open.UserAgent,
		IP:                n.Open.IPAddress,
		Timestamp:         parseTimestamp(n.Open.Timestamp),
	}}, nil
}

func parseClickEvents(n SESNotification) ([]FeedbackEvent, error) {
	if n.Click == nil {
		return nil, fmt.Errorf("sns feedback: click event missing click details")
	}
	return []FeedbackEvent{{
		ProviderMessageID: n.Mail.MessageId,
		EmailAddress:      firstOf(n.Mail.Destination),
		Type:              FeedbackClick,
		URL:               n.Click.Link,
		UserAgent:         n.Click.UserAgent,
		IP:                n.Click.IPAddress,
		Timestamp:         parseTimestamp(n.Click.Timestamp),
	}}, nil
}

func firstOf(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// parseTimestamp reads SES timestamps, falling back to now when the value is
// missing or unreadable.
func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}
