// Package main is the entrypoint for the Webhook Worker Lambda function.
//
// SES publishes delivery feedback (bounces, complaints, deliveries, opens,
// clicks) to an SNS topic subscribed by an SQS queue. This worker drains that
// queue: each message becomes suppression entries and queue status updates
// through email.FeedbackProcessor.
//
// Message bodies are SNS envelopes, or bare SES notifications when the
// subscription uses raw message delivery. Malformed bodies are logged and
// acknowledged; they would fail the same way on every redelivery. A failure
// while applying an event reports the message in batchItemFailures so only
// it is retried.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"bringmehome/internal/app"
	"bringmehome/internal/config"
	"bringmehome/internal/metrics"
	"bringmehome/internal/notifications/email"
	"bringmehome/internal/types"
)

// FeedbackProcessor applies one feedback event. *email.FeedbackProcessor
// satisfies it.
type FeedbackProcessor interface {
	Process(ctx context.Context, ev email.FeedbackEvent) error
}

// Handler holds the dependencies of the worker.
type Handler struct {
	Feedback FeedbackProcessor
	Logger   *slog.Logger
}

// Handle processes an SQS batch with partial batch responses.
func (h *Handler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, record := range ev.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.Logger.ErrorContext(ctx, "failed to apply ses feedback",
				"message_id", record.MessageId,
				"error", err,
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return resp, nil
}

func (h *Handler) processRecord(ctx context.Context, record events.SQSMessage) error {
	feedback, err := parseBody([]byte(record.Body))
	if err != nil {
		h.Logger.WarnContext(ctx, "dropping malformed ses feedback",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}

	for _, fe := range feedback {
		if err := h.Feedback.Process(ctx, fe); err != nil {
			return fmt.Errorf("%s for %s: %w", fe.Type, fe.ProviderMessageID, err)
		}
	}
	return nil
}

// parseBody accepts an SNS envelope or a bare SES notification.
func parseBody(body []byte) ([]email.FeedbackEvent, error) {
	var envelope struct {
		Type    string `json:"Type"`
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parse message body: %w", err)
	}
	if envelope.Type != "" && envelope.Message != "" {
		return email.ParseSNSFeedback(body)
	}
	return email.ParseSESFeedback(body)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := app.NewLogger(cfg.LogLevel).With("service", "webhook-worker")
	logger.Info("webhook worker initializing", "environment", cfg.Environment, "version", cfg.Build.Version)

	ctx := context.Background()
	awsCfg, err := app.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return err
	}
	recorder := metrics.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg),
		cfg.Observability.MetricNamespace, types.NewSlogLogger(logger.With("component", "metrics")))

	a, err := app.New(ctx, cfg, logger, app.Options{Metrics: recorder, AWS: &awsCfg})
	if err != nil {
		return fmt.Errorf("wiring pipeline: %w", err)
	}
	defer a.Close()

	handler := &Handler{Feedback: a.Feedback, Logger: logger}
	lambda.Start(handler.Handle)
	return nil
}
