// Package httpapi is the HTTP adapter for the submission gate.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/questgate/server/internal/integrity"
	"github.com/questgate/server/internal/service"
)

// Options wires the router.
type Options struct {
	Service        *service.Service
	Gate           *integrity.Gate
	Logger         *slog.Logger
	Gatherer       prometheus.Gatherer // nil disables /metrics
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Handler serves the API routes.
type Handler struct {
	service *service.Service
	gate    *integrity.Gate
	logger  *slog.Logger
}

// NewRouter registers routes and the middleware stack.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	h := &Handler{service: opts.Service, gate: opts.Gate, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Language", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.health)
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/fingerprint", h.fingerprint)
		r.Post("/commit", h.commit)
		r.Post("/evaluate", h.evaluate)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Post("/submissions", h.submit)
			r.Get("/status", h.status)
			r.Post("/submissions/{submissionID}/verified", h.markVerified)
		})
		r.Get("/submissions/{submissionID}/verify", h.verifyCommitment)
	})

	return r
}
