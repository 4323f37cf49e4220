package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"doc-access/internal/middleware"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Handler            *Handler
	Gatherer           prometheus.Gatherer // served on /metrics; nil disables it
	RateLimit          middleware.RateLimitConfig
	CORSAllowedOrigins []string
	Identity           middleware.IdentityOptions
	Logger             *slog.Logger
}

// NewRouter builds the HTTP router. /healthz and /metrics are public; the
// /v1 routes run behind the identity middleware and a per-user rate limit.
// Background work started for the router stops when ctx is done.
func NewRouter(ctx context.Context, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID(opts.Logger))
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Accept", "Content-Type", "X-Request-ID",
			middleware.HeaderUserID, middleware.HeaderUserEmail, middleware.HeaderUserName,
			middleware.HeaderDocAccess, middleware.HeaderSessionID,
			middleware.HeaderAclAsUser, middleware.HeaderAclAsUserID,
		},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Identity(opts.Identity))
		if opts.RateLimit.RequestsPerSecond > 0 {
			r.Use(middleware.RateLimiter(ctx, opts.RateLimit))
		}
		opts.Handler.Routes(r)
	})
	return r
}
