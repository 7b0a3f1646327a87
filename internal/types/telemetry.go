package types

// Metric names and dimensions shared by the CloudWatch and Prometheus sinks.
const (
	MetricEmailsProcessed  = "EmailsProcessed"
	MetricEmailsSent       = "EmailsSent"
	MetricEmailsFailed     = "EmailsFailed"
	MetricEmailsRetried    = "EmailsRetried"
	MetricDispatchDuration = "DispatchDuration"
	MetricWebhookEvents    = "WebhookEvents"

	DimProvider  = "Provider"
	DimEventType = "EventType"

	MetricNamespace = "BringMeHome"
)
