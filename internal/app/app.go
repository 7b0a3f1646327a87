// Package app assembles the email pipeline from configuration. Every binary
// under cmd/ builds one App at cold start and uses the parts it needs.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"bringmehome/internal/config"
	"bringmehome/internal/control"
	"bringmehome/internal/db"
	"bringmehome/internal/dispatch"
	"bringmehome/internal/external"
	"bringmehome/internal/metrics"
	"bringmehome/internal/notifications/email"
	"bringmehome/internal/notifications/webhook"
	"bringmehome/internal/preferences"
	"bringmehome/internal/queue"
	"bringmehome/internal/suppression"
	"bringmehome/internal/templates"
	"bringmehome/internal/types"
)

// Options customizes New. Zero values select the defaults.
type Options struct {
	// Metrics receives run and webhook counters. Defaults to metrics.Nop.
	Metrics metrics.Recorder
	Clock   types.Clock
	// AWS reuses an already loaded SDK config instead of loading one.
	AWS *aws.Config
}

// App holds the wired components.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	AWS    aws.Config
	Pool   *pgxpool.Pool
	// Redis is nil unless REDIS_URL is set.
	Redis *redis.Client

	Notifications *db.NotificationRepository
	Sessions      *db.SessionRepository
	Users         *db.UserRepository

	Suppressions *suppression.Service
	Preferences  *preferences.Service
	Templates    *templates.Service
	Control      *control.Service
	Ingestor     *webhook.Ingestor
	Feedback     *email.FeedbackProcessor
	Enqueuer     *queue.Enqueuer
	Dispatcher   *dispatch.Dispatcher
	Verifier     *webhook.Verifier
}

// New connects to Postgres (and Redis when configured) and wires every
// service. Callers must Close the App.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = types.RealClock{}
	}
	tlog := types.NewSlogLogger(logger)

	var awsCfg aws.Config
	if opts.AWS != nil {
		awsCfg = *opts.AWS
	} else {
		loaded, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		awsCfg = loaded
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.Database.URL.Unmask(),
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, AWS: awsCfg, Pool: pool}

	if cfg.Redis.URL.IsSet() {
		ropts, err := redis.ParseURL(cfg.Redis.URL.Unmask())
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.Redis = redis.NewClient(ropts)
	}

	provider, err := external.NewEmailProvider(cfg, awsCfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Notifications = db.NewNotificationRepository(pool)
	a.Sessions = db.NewSessionRepository(pool)
	a.Users = db.NewUserRepository(pool)

	a.Suppressions = suppression.NewService(db.NewSuppressionRepository(pool), a.Users, tlog.With("component", "suppression"))
	a.Preferences = preferences.NewService(a.Users, tlog.With("component", "preferences"))

	renderer := templates.NewRenderer()
	a.Templates = templates.NewService(db.NewTemplateRepository(pool), renderer, cfg.Server.PublicBaseURL, tlog.With("component", "templates"))

	var archiver *control.Archiver
	if cfg.AWS.ArchiveBucket != "" {
		archiver = control.NewArchiver(s3.NewFromConfig(awsCfg), cfg.AWS.ArchiveBucket, 0, logger.With("component", "archiver"))
	}
	a.Control = control.NewService(db.NewControlRepository(pool), archiver, opts.Clock, logger.With("component", "control"))

	a.Ingestor = webhook.NewIngestor(webhook.IngestorConfig{
		Notifications: a.Notifications,
		OptOuts:       a.Preferences,
		Metrics:       opts.Metrics,
		ProcessorLog:  a.Control,
		Logger:        tlog.With("component", "webhook"),
	})
	a.Feedback = email.NewFeedbackProcessor(a.Suppressions, a.Ingestor, tlog.With("component", "ses_feedback"))
	a.Verifier = webhook.NewVerifier(cfg.Security.WebhookSecret.Unmask())

	var kicker queue.Kicker
	if cfg.AWS.DispatchQueueURL != "" {
		kicker = queue.NewDispatchKicker(sqs.NewFromConfig(awsCfg), cfg.AWS.DispatchQueueURL, logger.With("component", "kicker"))
	}
	a.Enqueuer = queue.NewEnqueuer(queue.EnqueuerConfig{
		Store:       a.Notifications,
		Templates:   a.Templates,
		Renderer:    renderer,
		Preferences: a.Preferences,
		Kicker:      kicker,
		BaseURL:     cfg.Server.PublicBaseURL,
		MaxRetries:  cfg.Dispatch.MaxRetries,
		Clock:       opts.Clock,
		Logger:      logger.With("component", "enqueue"),
	})

	transport := email.NewTransport(email.TransportConfig{
		Provider:     provider,
		Suppressions: a.Suppressions,
		From:         types.SenderIdentity{Name: cfg.Email.FromName, Address: cfg.Email.FromAddress},
		Concurrency:  cfg.Email.SendConcurrency,
		Logger:       tlog.With("component", "transport"),
	})
	a.Dispatcher = dispatch.New(dispatch.Config{
		BatchSize:     cfg.Dispatch.BatchSize,
		MaxPerRun:     cfg.Dispatch.MaxPerRun,
		RetryCooldown: cfg.Dispatch.RetryCooldown,
	}, dispatch.Deps{
		Store:       a.Notifications,
		Control:     a.Control,
		Preferences: a.Preferences,
		Sender:      transport,
		Lock:        a.runLock(),
		Metrics:     opts.Metrics,
		Clock:       opts.Clock,
		Logger:      logger.With("component", "dispatcher"),
	})

	return a, nil
}

func (a *App) runLock() dispatch.Locker {
	return a.Lock(dispatch.LockKey, a.Config.Dispatch.LockTTL)
}

// Lock returns a Redis lease lock when Redis is configured and a Postgres
// advisory lock otherwise. ttl only applies to the lease.
func (a *App) Lock(key string, ttl time.Duration) dispatch.Locker {
	if a.Redis != nil {
		return dispatch.NewRedisLock(a.Redis, key, ttl)
	}
	return dispatch.NewAdvisoryLock(a.Pool, key)
}

// ScrubUser removes a deleted user's sessions and anonymises their comments.
func (a *App) ScrubUser(ctx context.Context, userID string) error {
	return db.ScrubPersonalData(ctx, a.Pool, userID)
}

// Close releases the pools.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// LoadAWSConfig loads the default credential chain for the configured
// region. AWS_ENDPOINT_URL points every client at LocalStack.
func LoadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.AWS.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
	}
	return awsCfg, nil
}

// NewLogger creates the JSON slog logger used by every binary.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
