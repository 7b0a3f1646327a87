// Package metrics records dispatcher and webhook counters. Two sinks exist:
// CloudWatch for the Lambda deployment and Prometheus for the long-running
// API server.
package metrics

import (
	"context"
	"time"

	"bringmehome/internal/types"
)

// Recorder receives run and event counters. Implementations never fail the
// caller; publishing errors are logged.
type Recorder interface {
	RecordRun(ctx context.Context, provider string, stats types.RunStats, elapsed time.Duration)
	RecordWebhookEvent(ctx context.Context, event types.WebhookEventType)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordRun(context.Context, string, types.RunStats, time.Duration) {}
func (Nop) RecordWebhookEvent(context.Context, types.WebhookEventType)       {}

// Multi fans out to every recorder.
type Multi []Recorder

func (m Multi) RecordRun(ctx context.Context, provider string, stats types.RunStats, elapsed time.Duration) {
	for _, r := range m {
		r.RecordRun(ctx, provider, stats, elapsed)
	}
}

func (m Multi) RecordWebhookEvent(ctx context.Context, event types.WebhookEventType) {
	for _, r := range m {
		r.RecordWebhookEvent(ctx, event)
	}
}
