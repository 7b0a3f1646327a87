// Package core provides the HTTP chassis for the Bring Me Home email API.
// It builds a chi router that runs the cross-cutting middleware (panic
// recovery, request ids, logging, CORS, metrics, session auth) before
// requests reach the handlers registered by cmd/api.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"bringmehome/internal/config"
	"bringmehome/internal/types"
)

// Authenticator resolves a bearer session token to the Actor owning it.
// *db.SessionRepository satisfies it.
//
// Implementations return an AppError with ErrCodeAuthTokenInvalid when the
// token is unknown and ErrCodeAuthTokenExpired when it has expired.
type Authenticator interface {
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// MetricsCollector records API request telemetry.
// *metrics.PrometheusMetrics satisfies it.
type MetricsCollector interface {
	RecordRequest(method, route, status string, duration time.Duration)
}

// RouteRegistrar mounts a handler's routes on r.
type RouteRegistrar func(r chi.Router)

// Server holds the dependencies shared by every request.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Authenticator Authenticator
	Metrics       MetricsCollector
	HealthProbes  []HealthProbe

	// Gatherer backs GET /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// Routes are mounted under /api. PublicRoutes carry no session check,
	// SessionRoutes need an authenticated actor and AdminRoutes a site admin.
	PublicRoutes  []RouteRegistrar
	SessionRoutes []RouteRegistrar
	AdminRoutes   []RouteRegistrar

	router *chi.Mux
}

// NewServer creates a Server. Routes are mounted by MountRoutes once the
// registrars are set.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}
