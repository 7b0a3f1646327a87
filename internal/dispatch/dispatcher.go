// Package dispatch drains the email queue. A run takes the run lock, checks
// the processor control switch, claims due rows, hands them to the mail
// transport in sub-batches, writes back every outcome and finally moves
// cooled-down failures back into the queue.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bringmehome/internal/db"
	"bringmehome/internal/metrics"
	"bringmehome/internal/notifications/email"
	"bringmehome/internal/preferences"
	"bringmehome/internal/types"
)

// Defaults for Config fields left zero.
const (
	DefaultBatchSize  = 10
	DefaultMaxPerRun  = 1000
	DefaultClaimLease = 10 * time.Minute
)

// DefaultRetryCooldown is how long a FAILED row rests before the retry sweep
// puts it back into SENDING.
const DefaultRetryCooldown = 5 * time.Minute

// NotificationStore is the queue access a run needs.
// *db.NotificationRepository satisfies it.
type NotificationStore interface {
	SelectDue(ctx context.Context, now, claimCutoff time.Time, limit int) ([]*types.EmailNotification, error)
	Claim(ctx context.Context, id, processID string, claimCutoff time.Time) (bool, error)
	MarkSent(ctx context.Context, id string, s db.SendSuccess) error
	MarkFailed(ctx context.Context, id string, f db.SendFailure) error
	RequeueFailed(ctx context.Context, cutoff time.Time) (int64, error)
}

// ControlGate exposes the processor control switch. *control.Service
// satisfies it.
type ControlGate interface {
	Heartbeat(ctx context.Context) (*types.ProcessorControl, error)
	Current(ctx context.Context) (*types.ProcessorControl, error)
	Log(ctx context.Context, entry types.ProcessorLog)
}

// Eligibility decides whether the owning user still accepts mail.
// *preferences.Service satisfies it.
type Eligibility interface {
	CanReceive(ctx context.Context, userID *string, personID *string) (preferences.Decision, error)
}

// Sender transmits one sub-batch. *email.Transport satisfies it.
type Sender interface {
	Send(ctx context.Context, batch []email.Message) (*email.BatchResult, error)
	ProviderName() string
}

// Config tunes a Dispatcher.
type Config struct {
	BatchSize     int
	MaxPerRun     int
	RetryCooldown time.Duration
	// ClaimLease is how long a claim protects a row from other runs.
	ClaimLease time.Duration
}

// Deps holds the collaborators of a Dispatcher. Metrics and Clock are
// optional.
type Deps struct {
	Store       NotificationStore
	Control     ControlGate
	Preferences Eligibility
	Sender      Sender
	Lock        Locker
	Metrics     metrics.Recorder
	Clock       types.Clock
	Logger      *slog.Logger
}

// Dispatcher performs dispatcher runs.
type Dispatcher struct {
	cfg     Config
	store   NotificationStore
	control ControlGate
	prefs   Eligibility
	sender  Sender
	lock    Locker
	metrics metrics.Recorder
	clock   types.Clock
	logger  *slog.Logger
}

// New creates a Dispatcher, filling unset config with defaults.
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxPerRun <= 0 {
		cfg.MaxPerRun = DefaultMaxPerRun
	}
	if cfg.RetryCooldown <= 0 {
		cfg.RetryCooldown = DefaultRetryCooldown
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = DefaultClaimLease
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Dispatcher{
		cfg:     cfg,
		store:   deps.Store,
		control: deps.Control,
		prefs:   deps.Preferences,
		sender:  deps.Sender,
		lock:    deps.Lock,
		metrics: deps.Metrics,
		clock:   deps.Clock,
		logger:  deps.Logger,
	}
}

// run carries the per-invocation state.
type run struct {
	id     string
	now    time.Time
	stats  types.RunStats
	logger *slog.Logger
}

// Run performs one bounded pass over the queue. Per-row and per-batch
// failures are written to the rows; only failures before any row work
// (lock, control record, candidate selection) are returned.
func (d *Dispatcher) Run(ctx context.Context) (*types.RunStats, error) {
	start := d.clock.Now()
	r := &run{id: uuid.NewString(), now: start}
	r.logger = d.logger.With("process_id", r.id)

	// Heartbeat first so a run skipped for the lock still marks the check.
	ctl, err := d.control.Heartbeat(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch: heartbeat: %w", err)
	}

	release, acquired, err := d.lock.TryLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch: run lock: %w", err)
	}
	if !acquired {
		r.logger.InfoContext(ctx, "another dispatcher run holds the lock, skipping")
		r.stats.Skipped = true
		d.metrics.RecordRun(ctx, d.sender.ProviderName(), r.stats, 0)
		return &r.stats, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			r.logger.WarnContext(ctx, "failed to release run lock", "error", err)
		}
	}()

	if ctl.IsAborted {
		r.logger.WarnContext(ctx, "processor aborted, run stopped")
		d.plog(ctx, r, types.LogLevelWarning, types.LogCategoryDispatch, "", "Processor is aborted; run stopped", nil)
		return &r.stats, nil
	}

	if ctl.IsPaused {
		r.logger.InfoContext(ctx, "processor paused, not sending")
		d.plog(ctx, r, types.LogLevelInfo, types.LogCategoryDispatch, "", "Processor is paused; no rows processed", nil)
	} else {
		if err := d.drain(ctx, r); err != nil {
			return nil, err
		}
	}

	d.sweep(ctx, r)

	elapsed := d.clock.Now().Sub(start)
	d.metrics.RecordRun(ctx, d.sender.ProviderName(), r.stats, elapsed)
	r.logger.InfoContext(ctx, "dispatcher run complete",
		"processed", r.stats.Processed,
		"sent", r.stats.Sent,
		"failed", r.stats.Failed,
		"retried_for_next_run", r.stats.RetriedForNextRun,
		"duration_ms", elapsed.Milliseconds(),
	)
	d.plog(ctx, r, types.LogLevelInfo, types.LogCategoryDispatch, "",
		fmt.Sprintf("Run complete: %d processed, %d sent, %d failed, %d queued for retry",
			r.stats.Processed, r.stats.Sent, r.stats.Failed, r.stats.RetriedForNextRun),
		types.LogMetadata{
			"processed":         r.stats.Processed,
			"sent":              r.stats.Sent,
			"failed":            r.stats.Failed,
			"retriedForNextRun": r.stats.RetriedForNextRun,
			"durationMs":        elapsed.Milliseconds(),
		})
	return &r.stats, nil
}

// drain selects due rows and processes them sub-batch by sub-batch,
// re-reading the control switch between sub-batches.
func (d *Dispatcher) drain(ctx context.Context, r *run) error {
	claimCutoff := r.now.Add(-d.cfg.ClaimLease)
	candidates, err := d.store.SelectDue(ctx, r.now, claimCutoff, d.cfg.MaxPerRun)
	if err != nil {
		return fmt.Errorf("dispatch: select due: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}
	r.logger.InfoContext(ctx, "selected due notifications", "count", len(candidates))

	for start := 0; start < len(candidates); start += d.cfg.BatchSize {
		if start > 0 {
			stop, err := d.shouldStop(ctx, r)
			if err != nil {
				r.logger.ErrorContext(ctx, "failed to re-read processor control", "error", err)
				return nil
			}
			if stop {
				return nil
			}
		}
		end := min(start+d.cfg.BatchSize, len(candidates))
		d.processBatch(ctx, r, candidates[start:end], claimCutoff)
	}
	return nil
}

func (d *Dispatcher) shouldStop(ctx context.Context, r *run) (bool, error) {
	ctl, err := d.control.Current(ctx)
	if err != nil {
		return false, err
	}
	switch {
	case ctl.IsAborted:
		d.plog(ctx, r, types.LogLevelWarning, types.LogCategoryDispatch, "", "Processor aborted mid-run; remaining rows left queued", nil)
		return true, nil
	case ctl.IsPaused:
		d.plog(ctx, r, types.LogLevelInfo, types.LogCategoryDispatch, "", "Processor paused mid-run; remaining rows left queued", nil)
		return true, nil
	}
	return false, nil
}

// processBatch claims, vets and sends one sub-batch of candidates.
//
// Outcomes are written with a context detached from ctx: once the provider
// has accepted a message its SENT row must land even if the trigger's
// deadline passes, or a later run would send it again.
func (d *Dispatcher) processBatch(ctx context.Context, r *run, candidates []*types.EmailNotification, claimCutoff time.Time) {
	batchID := uuid.NewString()
	logger := r.logger.With("batch_id", batchID)
	writeCtx := context.WithoutCancel(ctx)

	messages := make([]email.Message, 0, len(candidates))
	byID := make(map[string]*types.EmailNotification, len(candidates))

	for _, n := range candidates {
		claimed, err := d.store.Claim(ctx, n.ID, r.id, claimCutoff)
		if err != nil {
			logger.ErrorContext(ctx, "failed to claim notification", "notification_id", n.ID, "error", err)
			continue
		}
		if !claimed {
			logger.InfoContext(ctx, "notification claimed elsewhere, skipping", "notification_id", n.ID)
			continue
		}
		r.stats.Processed++

		to := n.Recipient()
		if to == "" {
			d.fail(writeCtx, r, logger, n.ID, db.SendFailure{Message: email.ErrNoRecipient.Error(), Suppressed: true})
			continue
		}

		decision, err := d.prefs.CanReceive(ctx, n.UserID, n.PersonID)
		if err != nil {
			// Treated as a transient failure; the retry sweep brings it back.
			r.stats.Failed++
			d.fail(writeCtx, r, logger, n.ID, db.SendFailure{Message: fmt.Sprintf("preference lookup failed: %v", err)})
			continue
		}
		if decision != preferences.Allowed {
			logger.InfoContext(ctx, "recipient opted out",
				"notification_id", n.ID,
				"decision", decision.String(),
			)
			d.fail(writeCtx, r, logger, n.ID, db.SendFailure{Message: email.ErrRecipientOptedOut.Error(), Suppressed: true})
			continue
		}

		byID[n.ID] = n
		messages = append(messages, email.Message{
			NotificationID: n.ID,
			To:             to,
			Subject:        n.Subject,
			HTML:           n.HTMLContent,
			Text:           n.TextContent,
		})
	}

	if len(messages) == 0 {
		return
	}

	provider := d.sender.ProviderName()
	result, err := d.sender.Send(ctx, messages)
	if err != nil {
		logger.ErrorContext(ctx, "batch send failed", "error", err, "size", len(messages))
		for _, m := range messages {
			r.stats.Failed++
			d.fail(writeCtx, r, logger, m.NotificationID, db.SendFailure{Message: err.Error(), Provider: provider})
		}
		d.plog(writeCtx, r, types.LogLevelError, types.LogCategoryBatch, batchID,
			fmt.Sprintf("Batch of %d failed: %v", len(messages), err),
			types.LogMetadata{"size": len(messages), "provider": provider})
		return
	}

	sentAt := d.clock.Now()
	for _, s := range result.Succeeded {
		success := db.SendSuccess{
			ProcessID: r.id,
			MessageID: s.MessageID,
			Provider:  s.Provider,
			Message:   s.Response,
			SentAt:    sentAt,
		}
		if n := byID[s.NotificationID]; n != nil && n.TrackingEnabled && n.WebhookURL != "" {
			success.SentEvent = &types.WebhookEventRecord{Timestamp: sentAt, MessageID: s.MessageID}
		}
		if err := d.store.MarkSent(writeCtx, s.NotificationID, success); err != nil {
			logger.ErrorContext(ctx, "failed to record sent notification",
				"notification_id", s.NotificationID,
				"message_id", s.MessageID,
				"error", err,
			)
			continue
		}
		r.stats.Sent++
	}
	for _, f := range result.Failed {
		r.stats.Failed++
		d.fail(writeCtx, r, logger, f.NotificationID, db.SendFailure{
			Message:    f.Err.Error(),
			Provider:   f.Provider,
			Suppressed: f.Suppressed(),
		})
	}

	level := types.LogLevelInfo
	if len(result.Failed) > 0 {
		level = types.LogLevelWarning
	}
	d.plog(writeCtx, r, level, types.LogCategoryBatch, batchID,
		fmt.Sprintf("Batch sent: %d succeeded, %d failed", len(result.Succeeded), len(result.Failed)),
		types.LogMetadata{"succeeded": len(result.Succeeded), "failed": len(result.Failed), "provider": provider})
}

func (d *Dispatcher) fail(ctx context.Context, r *run, logger *slog.Logger, id string, f db.SendFailure) {
	f.ProcessID = r.id
	if err := d.store.MarkFailed(ctx, id, f); err != nil {
		logger.ErrorContext(ctx, "failed to record failed notification",
			"notification_id", id,
			"error", err,
		)
	}
}

// sweep requeues FAILED rows that cooled down. It runs on every run that
// reaches it, including paused runs, and its failure does not fail the run.
func (d *Dispatcher) sweep(ctx context.Context, r *run) {
	cutoff := d.clock.Now().Add(-d.cfg.RetryCooldown)
	n, err := d.store.RequeueFailed(ctx, cutoff)
	if err != nil {
		r.logger.ErrorContext(ctx, "retry sweep failed", "error", err)
		d.plog(ctx, r, types.LogLevelError, types.LogCategoryRetry, "", fmt.Sprintf("Retry sweep failed: %v", err), nil)
		return
	}
	r.stats.RetriedForNextRun = int(n)
	if n > 0 {
		d.plog(ctx, r, types.LogLevelInfo, types.LogCategoryRetry, "",
			fmt.Sprintf("Requeued %d failed notifications for the next run", n),
			types.LogMetadata{"count": n, "cooldownSeconds": int(d.cfg.RetryCooldown.Seconds())})
	}
}

func (d *Dispatcher) plog(ctx context.Context, r *run, level types.LogLevel, category, batchID, msg string, meta types.LogMetadata) {
	d.control.Log(ctx, types.ProcessorLog{
		Level:     level,
		Category:  category,
		Message:   msg,
		Metadata:  meta,
		ProcessID: r.id,
		BatchID:   batchID,
	})
}
