package http

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keygate/internal/config"
	"keygate/internal/middleware"
	"keygate/internal/services"
)

// NewRouter assembles the full HTTP surface.
//
// Client auth endpoints sit behind signature verification plus the general
// per-IP limit; activation additionally consumes from a much tighter bucket.
// Operator endpoints use bearer tokens instead of request signing, with the
// login endpoint behind its own small limit to slow credential guessing.
func NewRouter(cfg *config.Config, svc *services.LicenseService, logger *slog.Logger) chi.Router {
	authHandler := NewAuthHandler(svc, cfg.Security.ClientSecret, logger)
	adminHandler := NewAdminHandler(svc, cfg.Security, logger)
	healthHandler := NewHealthHandler()

	r := chi.NewRouter()
	r.Use(middleware.TraceID)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/healthz", healthHandler.Health)
	r.Method("GET", "/metrics", promhttp.Handler())

	var clientLimit, activationLimit, loginLimit func(next chi.Router)
	if cfg.Security.RateLimit.Enabled {
		general := middleware.NewIPRateLimiter(cfg.Security.RateLimit.ClientPerMinute, time.Minute)
		activation := middleware.NewIPRateLimiter(cfg.Security.RateLimit.ActivationPerHour, time.Hour)
		login := middleware.NewIPRateLimiter(cfg.Security.RateLimit.LoginPerQuarterHour, 15*time.Minute)
		clientLimit = func(r chi.Router) { r.Use(general.Middleware) }
		activationLimit = func(r chi.Router) { r.Use(activation.Middleware) }
		loginLimit = func(r chi.Router) { r.Use(login.Middleware) }
	} else {
		noop := func(r chi.Router) {}
		clientLimit, activationLimit, loginLimit = noop, noop, noop
	}

	r.Route("/api/auth", func(r chi.Router) {
		clientLimit(r)
		r.Use(middleware.VerifySignature(cfg.Security.ClientSecret, cfg.Security.TimestampSkew))

		r.Group(func(r chi.Router) {
			activationLimit(r)
			r.Post("/activate", authHandler.Activate)
		})
		r.Post("/verify", authHandler.Verify)
		r.Post("/unbind", authHandler.Unbind)
		r.Post("/check", authHandler.Check)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			loginLimit(r)
			r.Post("/login", adminHandler.Login)
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminAuth(cfg.Security.AdminUsername, cfg.Security.AdminJWTSecret))
			adminHandler.Routes(r)
		})
	})

	return r
}
