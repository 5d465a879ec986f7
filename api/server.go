/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  unique id per request, echoed in the access log
  2. RealIP:     trusts X-Forwarded-For / X-Real-IP for the remote address
  3. AccessLog:  one zerolog line per request
  4. Recoverer:  panic recovery (500 instead of crash)
  5. CORS:       browser frontends listed in CORS_ALLOWED_ORIGINS
  6. Rate limit: per-IP limit on the public affiliate callbacks

ROUTE GROUPS:
  /auth/*                 signup, login, current account (JWT)
  /affiliate/*            link generation and stats (JWT), click and
                          purchase callbacks
  /deals/*                trending list, trending backfill (internal token)
  /admin/*                commission rates, job status and runs (internal token)
  /api/scenarios/*        demo data (internal token)
  /healthz, /metrics

AUTH:
  Affiliate endpoints take an HS256 bearer token issued by /auth/login.
  Service-to-service endpoints take X-Internal-Token.

SEE ALSO:
  - auth.go: token issue and verification
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterConfig carries the HTTP-level settings that are not handler dependencies.
type RouterConfig struct {
	AllowedOrigins     []string
	RateLimitPerMinute int
	InternalToken      string
	Gatherer           prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	requireUser := h.auth.Require
	requireInternal := RequireInternalToken(cfg.InternalToken)

	var limit func(http.Handler) http.Handler
	if cfg.RateLimitPerMinute > 0 {
		limit = httprate.LimitByIP(cfg.RateLimitPerMinute, time.Minute)
	} else {
		limit = func(next http.Handler) http.Handler { return next }
	}

	r.Get("/healthz", h.Healthz)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/auth", func(r chi.Router) {
		r.With(limit).Post("/signup", h.Signup)
		r.With(limit).Post("/login", h.Login)
		r.With(requireUser).Get("/me", h.Me)
	})

	r.Route("/affiliate", func(r chi.Router) {
		// Public callbacks from the redirect page
		r.With(limit).Post("/track-click", h.TrackClick)

		// Purchase postbacks come from the order pipeline, not browsers
		r.With(requireInternal).Post("/mark-purchase", h.MarkPurchase)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Post("/generate-link", h.GenerateLink)
			r.Get("/stats", h.GetStats)
			r.Get("/clicks", h.ListClicks)
			r.Get("/earnings", h.ListEarnings)
		})
	})

	r.Route("/deals", func(r chi.Router) {
		r.Get("/trending", h.GetTrending)
		r.With(requireInternal).Post("/update-trending", h.UpdateTrending)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireInternal)
		r.Put("/affiliates/{affiliateId}/commission-rate", h.SetCommissionRate)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/runs", h.ListJobRuns)
		r.Post("/jobs/{name}/run", h.RunJob)
	})

	r.Route("/api/scenarios", func(r chi.Router) {
		r.Use(requireInternal)
		r.Get("/", h.ListScenarios)
		r.Get("/current", h.GetCurrentScenario)
		r.Post("/load", h.LoadScenario)
	})

	return r
}

// AccessLog writes one structured line per request.
func AccessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Str("remote_ip", r.RemoteAddr).
				Msg("http_request")
		})
	}
}
