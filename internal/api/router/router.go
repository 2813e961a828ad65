package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/security-gate-ai/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/security-gate-ai/internal/http/middleware"
	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Gate               *handlers.GateHandler
	LiveFeed           http.Handler
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// FrameLimiter throttles frame submissions per session (optional).
	FrameLimiter *httpmiddleware.RateLimiter
	// APILimiter throttles /v1 requests per client IP (optional).
	APILimiter *httpmiddleware.RateLimiter
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	if cfg == nil || cfg.Gate == nil {
		panic("router: gate handler required")
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	r.Get("/health", cfg.Gate.Health)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/v1", func(v1 chi.Router) {
		if cfg.APILimiter != nil {
			v1.Use(httpmiddleware.RateLimit(cfg.APILimiter, httpmiddleware.ClientIP))
		}
		if cfg.LiveFeed != nil {
			v1.Handle("/ws", cfg.LiveFeed)
		}

		v1.Route("/sessions", func(s chi.Router) {
			s.Post("/", cfg.Gate.StartSession)
			s.Route("/{id}", func(one chi.Router) {
				one.Get("/", cfg.Gate.GetSession)
				one.Delete("/", cfg.Gate.EndSession)
				one.Post("/messages", cfg.Gate.SubmitMessage)
				one.Post("/threats", cfg.Gate.SubmitThreat)
				one.Get("/profile", cfg.Gate.GetProfile)
				one.Get("/audit", cfg.Gate.GetAudit)
				one.Post("/reset", cfg.Gate.ResetSession)

				one.Group(func(f chi.Router) {
					if cfg.FrameLimiter != nil {
						f.Use(httpmiddleware.RateLimit(cfg.FrameLimiter, sessionKey))
					}
					f.Post("/frames", cfg.Gate.SubmitFrame)
				})
			})
		})

		v1.Get("/visits", cfg.Gate.ListVisits)
		v1.Get("/visits/{sessionID}", cfg.Gate.GetVisits)
	})

	return r
}

func sessionKey(r *http.Request) string {
	return chi.URLParam(r, "id")
}
