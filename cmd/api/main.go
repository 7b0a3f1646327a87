// Package main is the entry point for the Bring Me Home email API server.
//
// It loads configuration, wires the pipeline through internal/app, places
// every handler in its route group (public, session or site admin) and
// serves HTTP until SIGINT or SIGTERM.
//
// Route groups under /api:
//
//	public   /cron/send-emails, /webhooks/email
//	session  /profile/email-preferences
//	admin    /admin/emails/..., /admin/users/{userId}/scrub
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"bringmehome/internal/api/handlers"
	"bringmehome/internal/app"
	"bringmehome/internal/config"
	"bringmehome/internal/core"
	"bringmehome/internal/metrics"
	"bringmehome/internal/types"
)

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

	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("bringmehome API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promMetrics, err := metrics.NewPrometheusMetrics(registry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	awsCfg, err := app.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return err
	}

	// Runs triggered through the cron endpoint also report to CloudWatch so
	// dashboards see them next to the worker's runs.
	var recorder metrics.Recorder = promMetrics
	if cfg.Environment != "local" {
		recorder = metrics.Multi{promMetrics, metrics.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg),
			cfg.Observability.MetricNamespace, types.NewSlogLogger(logger.With("component", "metrics")))}
	}

	a, err := app.New(ctx, cfg, logger, app.Options{Metrics: recorder, AWS: &awsCfg})
	if err != nil {
		return fmt.Errorf("wiring pipeline: %w", err)
	}
	defer a.Close()

	srv, err := buildServer(a, promMetrics, registry)
	if err != nil {
		return err
	}
	return serve(srv, cfg, logger)
}

// buildServer creates the core.Server and registers every handler.
func buildServer(a *app.App, promMetrics *metrics.PrometheusMetrics, gatherer prometheus.Gatherer) (*core.Server, error) {
	srv, err := core.NewServer(a.Config, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Authenticator = a.Sessions
	srv.Metrics = promMetrics
	srv.Gatherer = gatherer
	srv.HealthProbes = []core.HealthProbe{core.NewPingProbe("database", a.Pool.Ping)}
	if a.Redis != nil {
		srv.HealthProbes = append(srv.HealthProbes, core.NewPingProbe("redis", func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}))
	}

	cfg := a.Config
	logger := a.Logger

	cron := handlers.NewCronHandler(a.Dispatcher, cfg.Security.CronSecret, nil, logger)
	hooks := handlers.NewWebhookHandler(a.Ingestor, a.Verifier, logger)
	prefs := handlers.NewPreferencesHandler(a.Preferences, logger)
	processor := handlers.NewProcessorHandler(a.Control, srv.Validator,
		cfg.Processor.LogRetentionDays, cfg.Processor.LogFetchLimit, logger)
	suppressions := handlers.NewSuppressionsHandler(a.Suppressions, srv.Validator)
	tmpl := handlers.NewTemplatesHandler(a.Templates)
	notifications := handlers.NewNotificationsHandler(a.Notifications, a.Enqueuer, srv.Validator)
	users := handlers.NewUsersHandler(a.ScrubUser, logger)

	srv.PublicRoutes = []core.RouteRegistrar{cron.RegisterRoutes, hooks.RegisterRoutes}
	srv.SessionRoutes = []core.RouteRegistrar{prefs.RegisterRoutes}
	srv.AdminRoutes = []core.RouteRegistrar{
		processor.RegisterRoutes,
		suppressions.RegisterRoutes,
		tmpl.RegisterRoutes,
		notifications.RegisterRoutes,
		users.RegisterRoutes,
	}
	srv.MountRoutes()
	return srv, nil
}

// serve runs the HTTP server with graceful shutdown.
func serve(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Cron-triggered dispatcher runs can take most of a minute.
		WriteTimeout: 70 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}
