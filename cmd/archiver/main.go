// Package main is the entrypoint for the Archiver Lambda function.
//
// The Archiver is the maintenance multiplexer. EventBridge rules send a JSON
// payload naming the task and the handler routes it:
//
//	purge_processor_logs  archive processor logs to S3 and delete them
//	requeue_failed        return cooled-down FAILED emails to SENDING
//
// requeue_failed repeats the dispatcher's retry sweep for periods when the
// processor is stopped and no runs sweep.
//
// Each task holds a lock named after the task and the hour so overlapping
// rule deliveries run it once.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"bringmehome/internal/app"
	"bringmehome/internal/config"
	"bringmehome/internal/control"
	"bringmehome/internal/dispatch"
	"bringmehome/internal/types"
)

// TaskType names a maintenance task.
type TaskType string

const (
	TaskPurgeProcessorLogs TaskType = "purge_processor_logs"
	TaskRequeueFailed      TaskType = "requeue_failed"
)

// lockTTL covers the longest Lambda execution with margin.
const lockTTL = 15 * time.Minute

// Payload is the EventBridge rule input.
type Payload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now"; used for manual replays.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
	// DaysToKeep overrides the configured processor log retention.
	DaysToKeep *int `json:"days_to_keep,omitempty"`
}

// LogPurger purges processor logs. *control.Service satisfies it.
type LogPurger interface {
	Purge(ctx context.Context, daysToKeep int) (*control.PurgeResult, error)
	Log(ctx context.Context, entry types.ProcessorLog)
}

// FailedRequeuer returns FAILED rows to the queue.
type FailedRequeuer interface {
	RequeueFailed(ctx context.Context, cutoff time.Time) (int64, error)
}

// Handler holds the dependencies of the archiver.
type Handler struct {
	Control       LogPurger
	Notifications FailedRequeuer
	Locks         func(key string) dispatch.Locker

	RetentionDays int
	RetryCooldown time.Duration
	Logger        *slog.Logger
}

// Handle runs one maintenance task.
func (h *Handler) Handle(ctx context.Context, payload Payload) (string, error) {
	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}
	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}

	task := string(payload.Task)
	h.Logger.InfoContext(ctx, "archiver handler invoked", "task", task, "reference_time", now.Format(time.RFC3339))

	lockID := fmt.Sprintf("%s:%s", task, now.Truncate(time.Hour).Format("2006-01-02T15"))
	release, acquired, err := h.Locks(lockID).TryLock(ctx)
	if err != nil {
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		h.Logger.InfoContext(ctx, "job lock held by another worker", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			h.Logger.WarnContext(ctx, "failed to release job lock", "lock_id", lockID, "error", err)
		}
	}()

	items, err := h.dispatch(ctx, payload, now)
	if err != nil {
		h.Logger.ErrorContext(ctx, "task execution failed", "task", task, "error", err)
		return "", fmt.Errorf("task %s failed: %w", task, err)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", task, items)
	h.Logger.InfoContext(ctx, result, "task", task, "items", items)
	return result, nil
}

func (h *Handler) dispatch(ctx context.Context, p Payload, now time.Time) (int64, error) {
	switch p.Task {
	case TaskPurgeProcessorLogs:
		days := h.RetentionDays
		if p.DaysToKeep != nil {
			days = *p.DaysToKeep
		}
		res, err := h.Control.Purge(ctx, days)
		if err != nil {
			return 0, err
		}
		return res.Deleted, nil

	case TaskRequeueFailed:
		n, err := h.Notifications.RequeueFailed(ctx, now.Add(-h.RetryCooldown))
		if err != nil {
			return 0, err
		}
		if n > 0 {
			h.Control.Log(ctx, types.ProcessorLog{
				Level:    types.LogLevelInfo,
				Category: types.LogCategoryRetry,
				Message:  fmt.Sprintf("Maintenance requeued %d failed emails", n),
				Metadata: types.LogMetadata{"requeued": n},
			})
		}
		return n, nil

	default:
		return 0, fmt.Errorf("unknown task type: %q", p.Task)
	}
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
	logger := app.NewLogger(cfg.LogLevel).With("service", "archiver")

	a, err := app.New(context.Background(), cfg, logger, app.Options{})
	if err != nil {
		return fmt.Errorf("wiring pipeline: %w", err)
	}
	defer a.Close()

	handler := &Handler{
		Control:       a.Control,
		Notifications: a.Notifications,
		Locks:         func(key string) dispatch.Locker { return a.Lock(key, lockTTL) },
		RetentionDays: cfg.Processor.LogRetentionDays,
		RetryCooldown: cfg.Dispatch.RetryCooldown,
		Logger:        logger,
	}
	lambda.Start(handler.Handle)
	return nil
}
