// SPDX-License-Identifier: MIT

// Package middleware provides the HTTP middleware stack of the API server.
package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	xglog "github.com/ManuGH/sheetsync/internal/log"
)

// StackConfig selects which ingress middlewares wrap the API router.
type StackConfig struct {
	EnableCORS     bool
	AllowedOrigins []string

	EnableSecurityHeaders bool
	CSP                   string

	EnableMetrics  bool
	TracingService string // empty disables tracing
	EnableLogging  bool

	RateLimitEnabled           bool
	RateLimitRequestsPerMinute int
	RateLimitWhitelist         []string
}

// Chain returns the configured middlewares, outermost first. Panic recovery
// and request IDs are always present so that every log line and error body
// carries a correlation id.
func (c StackConfig) Chain() []func(http.Handler) http.Handler {
	chain := []func(http.Handler) http.Handler{chimw.Recoverer, chimw.RequestID}
	if c.EnableCORS {
		chain = append(chain, CORS(c.AllowedOrigins))
	}
	if c.EnableSecurityHeaders {
		chain = append(chain, SecurityHeaders(c.CSP))
	}
	if c.EnableMetrics {
		chain = append(chain, Metrics())
	}
	if c.TracingService != "" {
		chain = append(chain, Tracing(c.TracingService))
	}
	if c.EnableLogging {
		chain = append(chain, xglog.Middleware())
	}
	// Limiting last: rejected requests are still logged, traced and counted.
	return append(chain, APIRateLimit(c.RateLimitEnabled, c.RateLimitRequestsPerMinute, c.RateLimitWhitelist))
}

// NewRouter returns a chi router with the configured chain installed.
func NewRouter(cfg StackConfig) *chi.Mux {
	r := chi.NewRouter()
	r.Use(cfg.Chain()...)
	return r
}
