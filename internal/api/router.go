package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/reflectionguide/reflect/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Auth
	Register http.HandlerFunc
	Login    http.HandlerFunc
	Refresh  http.HandlerFunc
	Logout   http.HandlerFunc
	Me       http.HandlerFunc

	// Voice gate
	VoicePermission http.HandlerFunc
	VoiceUsage      http.HandlerFunc
	BeginAttempt    http.HandlerFunc
	StartRecording  http.HandlerFunc
	CompleteAttempt http.HandlerFunc
	CancelAttempt   http.HandlerFunc
	ChooseAttempt   http.HandlerFunc

	// Billing
	Offerings      http.HandlerFunc
	Customer       http.HandlerFunc
	Purchase       http.HandlerFunc
	Restore        http.HandlerFunc
	BillingWebhook http.HandlerFunc

	// Threads
	ListThreads  http.HandlerFunc
	CreateThread http.HandlerFunc
	ListMessages http.HandlerFunc
	SendMessage  http.HandlerFunc
	MarkRead     http.HandlerFunc
	Live         http.HandlerFunc

	ListAuditLogs http.HandlerFunc

	AuthMiddleware func(http.Handler) http.Handler
}

// HealthCheck reports one dependency. A nil error is healthy.
type HealthCheck struct {
	Name string
	// Optional checks degrade the status without failing readiness.
	Optional bool
	Check    func(ctx context.Context) error
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	AuthRateLimiter    func(http.Handler) http.Handler
	MessageRateLimiter func(http.Handler) http.Handler
	HealthChecks       []HealthCheck
}

func NewRouter(cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	readiness := readinessHandler(cfg.HealthChecks)
	r.Get("/health/ready", readiness)
	r.Get("/health", readiness)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			if cfg.AuthRateLimiter != nil {
				r.Use(cfg.AuthRateLimiter)
			}
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.Post("/refresh", h.Refresh)

			r.Group(func(r chi.Router) {
				r.Use(h.AuthMiddleware)
				r.Post("/logout", h.Logout)
				r.Get("/me", h.Me)
			})
		})

		// RevenueCat authenticates with its shared secret, not a user token.
		r.Post("/billing/webhook", h.BillingWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			r.Route("/voice", func(r chi.Router) {
				r.Get("/permission", h.VoicePermission)
				r.Get("/usage", h.VoiceUsage)
				r.Post("/attempts", h.BeginAttempt)
				r.Route("/attempts/{attemptID}", func(r chi.Router) {
					r.Post("/record", h.StartRecording)
					r.Post("/complete", h.CompleteAttempt)
					r.Post("/cancel", h.CancelAttempt)
					r.Post("/choice", h.ChooseAttempt)
				})
			})

			r.Route("/billing", func(r chi.Router) {
				r.Get("/offerings", h.Offerings)
				r.Get("/customer", h.Customer)
				r.Post("/purchase", h.Purchase)
				r.Post("/restore", h.Restore)
			})

			r.Route("/threads", func(r chi.Router) {
				r.Get("/", h.ListThreads)
				r.Post("/", h.CreateThread)
				r.Route("/{threadID}", func(r chi.Router) {
					r.Get("/messages", h.ListMessages)
					r.With(optional(cfg.MessageRateLimiter)).Post("/messages", h.SendMessage)
					r.Post("/read", h.MarkRead)
				})
			})

			r.Get("/audit", h.ListAuditLogs)
			r.Get("/ws", h.Live)
		})
	})

	return r
}

func optional(m func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return m
}

func readinessHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{"status": "healthy"}
		status := http.StatusOK

		for _, c := range checks {
			if c.Check == nil {
				health[c.Name] = "not configured"
				continue
			}
			if err := c.Check(r.Context()); err != nil {
				health[c.Name] = "unhealthy: " + err.Error()
				health["status"] = "degraded"
				if !c.Optional {
					status = http.StatusServiceUnavailable
				}
				continue
			}
			health[c.Name] = "healthy"
		}

		JSON(w, status, health)
	}
}
