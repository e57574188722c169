/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend
  5. Auth:       Bearer token on /api/* only
  6. Limiter:    Per-user rate on submit and revert

ROUTE GROUPS:
  /api/entries/*        Entries, rows, workflow
  /api/stock-units/*    Stock
  /metrics              Prometheus exposition (when configured)
  /healthz              Store ping

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer token middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ulule/limiter/v3"
	limitmw "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// RouterConfig holds the router settings that come from configuration.
type RouterConfig struct {
	Auth        *Authenticator
	CORSOrigins []string
	RateLimit   string       // limiter format, e.g. "10-M"; empty disables
	Metrics     http.Handler // optional
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) (*chi.Mux, error) {
	if cfg.Auth == nil {
		return nil, fmt.Errorf("router requires an authenticator")
	}
	workflowLimit := func(next http.Handler) http.Handler { return next }
	if cfg.RateLimit != "" {
		mw, err := newRateLimiter(cfg.RateLimit)
		if err != nil {
			return nil, err
		}
		workflowLimit = mw.Handler
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)

		r.Route("/entries", func(r chi.Router) {
			r.Post("/", h.CreateEntry)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetEntry)
				r.Delete("/", h.DeleteEntry)
				r.Post("/corrections", h.CreateCorrection)
				r.Post("/recalculate", h.Recalculate)

				// Rows
				r.Post("/inputs", h.AddInput)
				r.Delete("/inputs/{inputID}", h.RemoveInput)
				r.Post("/outputs", h.StageOutput)
				r.Post("/outputs/identifiers", h.AssignIdentifiers)
				r.Put("/outputs/{outputID}", h.UpdateOutput)
				r.Delete("/outputs/{outputID}", h.RemoveOutput)

				// Workflow
				r.With(workflowLimit).Post("/submit", h.Submit)
				r.With(workflowLimit).Post("/revert", h.Revert)
			})
		})

		r.Route("/stock-units", func(r chi.Router) {
			r.Post("/", h.ReceiveStockUnit)
			r.Get("/{id}", h.GetStockUnit)
		})
	})

	return r, nil
}

// newRateLimiter keys the limit by tenant and user so that one client cannot
// starve the others behind the same address.
func newRateLimiter(formatted string) (*limitmw.Middleware, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit %q: %w", formatted, err)
	}
	instance := limiter.New(memory.NewStore(), rate)
	return limitmw.NewMiddleware(instance, limitmw.WithKeyGetter(func(r *http.Request) string {
		if actor, ok := ActorFrom(r.Context()); ok {
			return string(actor.TenantID) + ":" + string(actor.UserID)
		}
		return r.RemoteAddr
	})), nil
}
