// Package main is the entrypoint for the Email Worker Lambda function.
//
// The worker performs dispatcher runs. Two triggers invoke it:
//
//   - an EventBridge schedule (every minute), the primary trigger
//   - the dispatch SQS queue, which receives a kick whenever an email is
//     enqueued for immediate delivery
//
// Either way one invocation performs one run; every kick in an SQS batch
// collapses into that run. The run lock keeps concurrent invocations from
// double-sending.
//
// With APP_ENV=local the binary performs a single run, prints the statistics
// and exits, non-zero when the run failed.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"bringmehome/internal/app"
	"bringmehome/internal/config"
	"bringmehome/internal/metrics"
	"bringmehome/internal/types"
)

// Runner performs one dispatcher run. *dispatch.Dispatcher satisfies it.
type Runner interface {
	Run(ctx context.Context) (*types.RunStats, error)
}

// Handler holds the dependencies of the worker.
type Handler struct {
	Runner Runner
	Logger *slog.Logger
}

// sqsProbe is decoded first to tell SQS batches from scheduled events.
type sqsProbe struct {
	Records []events.SQSMessage `json:"Records"`
}

// Handle accepts either an SQS batch or an EventBridge event.
//
// For SQS a failed run reports every message as a batch item failure so the
// queue redelivers the kicks; a successful run acknowledges them all.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	var probe sqsProbe
	if err := json.Unmarshal(raw, &probe); err == nil && len(probe.Records) > 0 && probe.Records[0].EventSource == "aws:sqs" {
		return h.handleSQS(ctx, probe.Records), nil
	}

	var ev events.CloudWatchEvent
	if err := json.Unmarshal(raw, &ev); err == nil && ev.Source != "" {
		h.Logger.InfoContext(ctx, "scheduled dispatch triggered", "source", ev.Source, "rule_time", ev.Time.Format(time.RFC3339))
	}

	stats, err := h.Runner.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatcher run: %w", err)
	}
	return stats, nil
}

func (h *Handler) handleSQS(ctx context.Context, records []events.SQSMessage) events.SQSEventResponse {
	h.Logger.InfoContext(ctx, "dispatch kicked", "messages", len(records))

	var resp events.SQSEventResponse
	if _, err := h.Runner.Run(ctx); err != nil {
		h.Logger.ErrorContext(ctx, "kicked dispatcher run failed", "error", err)
		for _, rec := range records {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp
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
	logger := app.NewLogger(cfg.LogLevel).With("service", "email-worker")
	logger.Info("email worker initializing", "environment", cfg.Environment, "version", cfg.Build.Version)

	ctx := context.Background()
	awsCfg, err := app.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return err
	}

	var recorder metrics.Recorder = metrics.Nop{}
	if cfg.Environment != "local" {
		recorder = metrics.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg),
			cfg.Observability.MetricNamespace, types.NewSlogLogger(logger.With("component", "metrics")))
	}

	a, err := app.New(ctx, cfg, logger, app.Options{Metrics: recorder, AWS: &awsCfg})
	if err != nil {
		return fmt.Errorf("wiring pipeline: %w", err)
	}
	defer a.Close()

	handler := &Handler{Runner: a.Dispatcher, Logger: logger}

	if cfg.Environment == "local" {
		return runOnce(ctx, handler, os.Stdout)
	}

	lambda.Start(handler.Handle)
	return nil
}

// runOnce performs a single run and writes the statistics as JSON.
func runOnce(ctx context.Context, h *Handler, out io.Writer) error {
	stats, err := h.Runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher run: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
