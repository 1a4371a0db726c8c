/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, attached to every log line
  2. hlog:       Structured access log (zerolog)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the admin frontend
  5. RateLimit:  Token bucket, API routes only

ROUTE GROUPS:
  /healthz                    Liveness
  /metrics                    Prometheus
  /api/sites/{site}/*         Ledger API (see handlers.go)

SECURITY NOTE:
  No authentication middleware. The admin identity is read from
  X-Admin-ID and trusted; put the service behind an authenticating proxy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cli/serve.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/time/rate"
)

// RouterOptions tunes the middleware stack.
type RouterOptions struct {
	CORSOrigins []string

	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	RateBurst int
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(h.Logger))
	r.Use(requestIDLogger)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", adminHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/sites/{site}", func(r chi.Router) {
		if opts.RateLimit > 0 {
			burst := opts.RateBurst
			if burst <= 0 {
				burst = 1
			}
			r.Use(NewRateLimiter(rate.Limit(opts.RateLimit), burst).Middleware())
		}

		// Check-in
		r.Post("/access-events", h.RecordAccessEvent)

		// Roster
		r.Route("/students", func(r chi.Router) {
			r.Get("/", h.ListStudents)
			r.Put("/{id}", h.SaveStudent)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.GetTransactions)
		})
		r.Put("/classes/{class}/bonus-threshold", h.SaveClassThreshold)

		// Admin
		r.Post("/adjustments", h.CreateAdjustment)
		r.Post("/adjustments/bulk", h.CreateBulkAdjustment)
		r.Post("/verification", h.RunVerification)
		r.Get("/audit", h.ListAudit)

		r.Route("/snapshots", func(r chi.Router) {
			r.Get("/", h.ListSnapshots)
			r.Post("/", h.CreateSnapshot)
			r.Get("/{id}", h.GetSnapshot)
			r.Delete("/{id}", h.DeleteSnapshot)
			r.Post("/{id}/restore", h.RestoreSnapshot)
		})
	})

	return r
}
