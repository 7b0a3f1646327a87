package core

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bringmehome/internal/types"
)

// defaultRequestTimeout bounds every request context. The cron trigger runs a
// full dispatcher pass inside it.
const defaultRequestTimeout = 55 * time.Second

// redactedHeaders are masked in request logs.
var redactedHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Webhook-Signature",
}

// MountRoutes registers the middleware chain and every route.
//
// Middleware order:
//  1. Recoverer       outermost, so panics anywhere become a 500
//  2. ContextTimeout
//  3. RequestID
//  4. SecurityHeaders
//  5. RequestLogger   attaches the request-scoped logger
//  6. CORS
//  7. Metrics
//
// Session auth is applied per route group, not globally: the cron and
// webhook endpoints authenticate with shared secrets instead.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, redactedHeaders))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsAllowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-Webhook-Signature"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	s.router.Use(s.MetricsMiddleware)

	s.router.Get("/health", s.HandleHealth)
	if s.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{
			ErrorLog:      log.New(os.Stderr, "metrics handler: ", log.LstdFlags),
			ErrorHandling: promhttp.HTTPErrorOnError,
		}))
	}

	s.router.Route("/api", func(r chi.Router) {
		for _, register := range s.PublicRoutes {
			register(r)
		}
		r.Group(func(r chi.Router) {
			r.Use(s.AuthMiddleware)
			for _, register := range s.SessionRoutes {
				register(r)
			}
			r.Group(func(r chi.Router) {
				r.Use(s.RequireSiteAdmin)
				for _, register := range s.AdminRoutes {
					register(r)
				}
			})
		})
	})
}

func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Security.CorsAllowedOrigins) > 0 {
		return s.Config.Security.CorsAllowedOrigins
	}
	return []string{"*"}
}

// ContextTimeoutMiddleware sets a deadline on the request context.
func ContextTimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware propagates X-Request-Id, generating one when absent,
// and echoes it on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), id)))
	})
}
