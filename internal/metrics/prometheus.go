package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bringmehome/internal/types"
)

var _ Recorder = (*PrometheusMetrics)(nil)

// PrometheusMetrics exposes the same counters as CloudWatchMetrics on a
// Prometheus registry, plus HTTP request metrics for the API server.
type PrometheusMetrics struct {
	Emails           *prometheus.CounterVec
	DispatchRuns     *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
	WebhookEvents    *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// NewPrometheusMetrics creates the collectors and registers them on registry.
func NewPrometheusMetrics(registry prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		Emails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bringmehome_emails_total",
			Help: "Queue rows handled by the dispatcher, by outcome",
		}, []string{"provider", "outcome"}),
		DispatchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bringmehome_dispatch_runs_total",
			Help: "Dispatcher runs, by whether the run held the lock",
		}, []string{"result"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bringmehome_dispatch_duration_seconds",
			Help:    "Wall time of dispatcher runs",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bringmehome_webhook_events_total",
			Help: "Provider webhook events applied, by event type",
		}, []string{"event"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bringmehome_http_requests_total",
			Help: "API requests, by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bringmehome_http_request_duration_seconds",
			Help:    "API request latency, by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	collectors := []prometheus.Collector{
		m.Emails, m.DispatchRuns, m.DispatchDuration, m.WebhookEvents, m.HTTPRequests, m.HTTPDuration,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register email metrics: %w", err)
		}
	}
	return m, nil
}

// RecordRun implements Recorder.
func (m *PrometheusMetrics) RecordRun(_ context.Context, provider string, stats types.RunStats, elapsed time.Duration) {
	if stats.Skipped {
		m.DispatchRuns.WithLabelValues("skipped").Inc()
		return
	}
	m.DispatchRuns.WithLabelValues("completed").Inc()
	m.Emails.WithLabelValues(provider, "processed").Add(float64(stats.Processed))
	m.Emails.WithLabelValues(provider, "sent").Add(float64(stats.Sent))
	m.Emails.WithLabelValues(provider, "failed").Add(float64(stats.Failed))
	m.Emails.WithLabelValues(provider, "requeued").Add(float64(stats.RetriedForNextRun))
	m.DispatchDuration.Observe(elapsed.Seconds())
}

// RecordWebhookEvent implements Recorder.
func (m *PrometheusMetrics) RecordWebhookEvent(_ context.Context, event types.WebhookEventType) {
	m.WebhookEvents.WithLabelValues(string(event)).Inc()
}

// RecordRequest records one API request. route is the matched route pattern,
// not the raw path, to keep label cardinality bounded.
func (m *PrometheusMetrics) RecordRequest(method, route, status string, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
