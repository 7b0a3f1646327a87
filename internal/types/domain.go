package types

import "time"

// NotificationStatus is the lifecycle state of a queued email.
type NotificationStatus string

const (
	StatusSending   NotificationStatus = "SENDING"
	StatusSent      NotificationStatus = "SENT"
	StatusDelivered NotificationStatus = "DELIVERED"
	StatusOpened    NotificationStatus = "OPENED"
	StatusBounced   NotificationStatus = "BOUNCED"
	StatusFailed    NotificationStatus = "FAILED"
)

// Valid reports whether s is a recognized status.
func (s NotificationStatus) Valid() bool {
	switch s {
	case StatusSending, StatusSent, StatusDelivered, StatusOpened, StatusBounced, StatusFailed:
		return true
	}
	return false
}

// EmailNotification is one row of the outbound email queue.
type EmailNotification struct {
	ID       string  `json:"id"`
	UserID   *string `json:"userId,omitempty"`
	PersonID *string `json:"personId,omitempty"`
	SentTo   string  `json:"sentTo,omitempty"`

	Subject         string  `json:"subject"`
	HTMLContent     string  `json:"htmlContent"`
	TextContent     string  `json:"textContent,omitempty"`
	TemplateID      *string `json:"templateId,omitempty"`
	TrackingEnabled bool    `json:"trackingEnabled"`
	WebhookURL      string  `json:"webhookUrl,omitempty"`

	Status       NotificationStatus `json:"status"`
	ScheduledFor time.Time          `json:"scheduledFor"`
	RetryCount   int                `json:"retryCount"`
	MaxRetries   int                `json:"maxRetries"`

	SentAt                    *time.Time    `json:"sentAt,omitempty"`
	DeliveredAt               *time.Time    `json:"deliveredAt,omitempty"`
	OpenedAt                  *time.Time    `json:"openedAt,omitempty"`
	MessageID                 string        `json:"messageId,omitempty"`
	Provider                  string        `json:"provider,omitempty"`
	LastMailServerMessage     string        `json:"lastMailServerMessage,omitempty"`
	LastMailServerMessageDate *time.Time    `json:"lastMailServerMessageDate,omitempty"`
	ErrorMessage              string        `json:"errorMessage,omitempty"`
	SuppressionChecked        bool          `json:"suppressionChecked"`
	WebhookEvents             WebhookEvents `json:"webhookEvents,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// UserEmail is joined from users and is not a column of the queue table.
	UserEmail string `json:"-"`
}

// Recipient returns the resolved address: the literal override, otherwise the
// owning user's address. Empty when neither is available.
func (n *EmailNotification) Recipient() string {
	if n.SentTo != "" {
		return n.SentTo
	}
	return n.UserEmail
}

// IsTerminal reports whether the row can never be picked up again by the
// automatic retry sweep.
func (n *EmailNotification) IsTerminal() bool {
	if n.Status != StatusFailed {
		return false
	}
	return n.SuppressionChecked || n.RetryCount >= n.MaxRetries
}

// WebhookEventType enumerates provider callback events.
type WebhookEventType string

const (
	EventSent        WebhookEventType = "sent"
	EventDelivered   WebhookEventType = "delivered"
	EventOpened      WebhookEventType = "opened"
	EventClicked     WebhookEventType = "clicked"
	EventBounced     WebhookEventType = "bounced"
	EventFailed      WebhookEventType = "failed"
	EventUnsubscribe WebhookEventType = "unsubscribe"
)

// Valid reports whether e is an event accepted from providers. The "sent"
// entry is written by the dispatcher only.
func (e WebhookEventType) Valid() bool {
	switch e {
	case EventDelivered, EventOpened, EventClicked, EventBounced, EventFailed, EventUnsubscribe:
		return true
	}
	return false
}

// WebhookEventRecord is the last observed occurrence of one event type.
type WebhookEventRecord struct {
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"messageId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	URL       string    `json:"url,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	IP        string    `json:"ip,omitempty"`
}

// WebhookEvents maps event type to its latest record (last write wins).
type WebhookEvents map[WebhookEventType]WebhookEventRecord

// Merge returns a copy of w with rec stored under event.
func (w WebhookEvents) Merge(event WebhookEventType, rec WebhookEventRecord) WebhookEvents {
	out := make(WebhookEvents, len(w)+1)
	for k, v := range w {
		out[k] = v
	}
	out[event] = rec
	return out
}

// EmailTemplate is an admin-managed message template.
type EmailTemplate struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Subject         string       `json:"subject"`
	HTMLContent     string       `json:"htmlContent"`
	TextContent     string       `json:"textContent,omitempty"`
	Variables       TemplateVars `json:"variables,omitempty"`
	TrackingEnabled bool         `json:"trackingEnabled"`
	WebhookURL      string       `json:"webhookUrl,omitempty"`
	IsActive        bool         `json:"isActive"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// TemplateVars holds sample data and variable schema for a template.
type TemplateVars map[string]any

// SuppressionReason explains why an address is blocked.
type SuppressionReason string

const (
	ReasonBouncePermanent SuppressionReason = "bounce_permanent"
	ReasonBounceTransient SuppressionReason = "bounce_transient"
	ReasonSpamComplaint   SuppressionReason = "spam_complaint"
	ReasonManual          SuppressionReason = "manual"
	ReasonUnsubscribeLink SuppressionReason = "unsubscribe_link"
)

// Valid reports whether r is a recognized reason.
func (r SuppressionReason) Valid() bool {
	switch r {
	case ReasonBouncePermanent, ReasonBounceTransient, ReasonSpamComplaint, ReasonManual, ReasonUnsubscribeLink:
		return true
	}
	return false
}

// ForcesOptOut reports whether adding a suppression with this reason must
// also set the matching user's global opt-out.
func (r SuppressionReason) ForcesOptOut() bool {
	return r == ReasonSpamComplaint || r == ReasonBouncePermanent
}

// SuppressionSource records who created a suppression entry.
type SuppressionSource string

const (
	SourceSESWebhook  SuppressionSource = "ses_webhook"
	SourceAdminAction SuppressionSource = "admin_action"
	SourceUserAction  SuppressionSource = "user_action"
	SourceSystem      SuppressionSource = "system"
)

// Valid reports whether s is a recognized source.
func (s SuppressionSource) Valid() bool {
	switch s {
	case SourceSESWebhook, SourceAdminAction, SourceUserAction, SourceSystem:
		return true
	}
	return false
}

// EmailSuppression is a blocked address. Presence of the row is the signal.
type EmailSuppression struct {
	ID            string            `json:"id"`
	Email         string            `json:"email"`
	Reason        SuppressionReason `json:"reason"`
	ReasonDetails string            `json:"reasonDetails,omitempty"`
	Source        SuppressionSource `json:"source"`
	BounceType    string            `json:"bounceType,omitempty"`
	BounceSubType string            `json:"bounceSubType,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// SuppressionStats summarizes the suppression list.
type SuppressionStats struct {
	Total    int                       `json:"total"`
	ByReason map[SuppressionReason]int `json:"byReason"`
}

// ProcessorControlID is the key of the singleton control record.
const ProcessorControlID = "control"

// ProcessorControl is the singleton pause/abort switch and heartbeat.
type ProcessorControl struct {
	ID          string     `json:"id"`
	IsPaused    bool       `json:"isPaused"`
	PausedBy    string     `json:"pausedBy,omitempty"`
	PausedAt    *time.Time `json:"pausedAt,omitempty"`
	IsAborted   bool       `json:"isAborted"`
	AbortedBy   string     `json:"abortedBy,omitempty"`
	AbortedAt   *time.Time `json:"abortedAt,omitempty"`
	LastCheckAt *time.Time `json:"lastCheckAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// LogLevel is the severity of a processor log entry.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Valid reports whether l is a known level.
func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	}
	return false
}

// Processor log categories.
const (
	LogCategoryControl     = "control"
	LogCategoryDispatch    = "dispatch"
	LogCategoryBatch       = "batch"
	LogCategoryRetry       = "retry"
	LogCategoryWebhook     = "webhook"
	LogCategoryMaintenance = "maintenance"
)

// ProcessorLog is an append-only operational log entry.
type ProcessorLog struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Level     LogLevel    `json:"level"`
	Category  string      `json:"category"`
	Message   string      `json:"message"`
	Metadata  LogMetadata `json:"metadata,omitempty"`
	ProcessID string      `json:"processId,omitempty"`
	BatchID   string      `json:"batchId,omitempty"`
}

// LogMetadata is free-form structured context attached to a log entry.
type LogMetadata map[string]any

// User is the subset of a site user the email pipeline reads and writes.
type User struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	Name             string     `json:"name,omitempty"`
	OptOutOfAllEmail bool       `json:"optOutOfAllEmail"`
	OptOutNote       string     `json:"optOutNote,omitempty"`
	OptOutDate       *time.Time `json:"optOutDate,omitempty"`
}

// OptOutSource records where a person-scoped opt-out came from.
type OptOutSource string

const (
	OptOutSourceUser    OptOutSource = "user"
	OptOutSourceWebhook OptOutSource = "webhook"
	OptOutSourceAdmin   OptOutSource = "admin"
)

// PersonOptOut blocks mail about one person for one user.
type PersonOptOut struct {
	UserID    string       `json:"userId"`
	PersonID  string       `json:"personId"`
	Source    OptOutSource `json:"source"`
	CreatedAt time.Time    `json:"createdAt"`
}

// RunStats summarizes one dispatcher run.
type RunStats struct {
	Processed         int  `json:"processed"`
	Sent              int  `json:"sent"`
	Failed            int  `json:"failed"`
	RetriedForNextRun int  `json:"retriedForNextRun"`
	Skipped           bool `json:"skipped,omitempty"`
}

// WebhookResults summarizes one webhook ingestion call.
type WebhookResults struct {
	Processed int `json:"processed"`
	Updated   int `json:"updated"`
	Errors    int `json:"errors"`
}

// SendInput is one fully rendered message handed to an email provider.
type SendInput struct {
	To          string
	From        SenderIdentity
	Subject     string
	BodyHTML    string
	BodyText    string
	ReferenceID string
	// Headers are added verbatim, e.g. List-Unsubscribe.
	Headers map[string]string
}

// SenderIdentity is the From address of outgoing mail.
type SenderIdentity struct {
	Name    string
	Address string
}
