package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/qualisys/qualisys/control-plane/internal/api/handlers"
	"github.com/qualisys/qualisys/control-plane/internal/api/middleware"
	"github.com/qualisys/qualisys/control-plane/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	auth := middleware.NewAPIKeyAuth(cfg.Auth.APIKeys)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-Id", "X-Role", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(auth.Middleware)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	r.Route("/api/v1", func(r chi.Router) {
		// Agent registry (admin)
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.RegisterAgent)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Post("/disable", h.DisableAgent)

				r.Route("/versions", func(r chi.Router) {
					r.Get("/", h.ListVersions)
					r.Post("/", h.PublishVersion)
					r.Put("/{version}/status", h.SetVersionStatus)
					r.Put("/{version}/rollout", h.SetRollout)
				})
			})
		})

		// Tenant customization (admin + self-service)
		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Put("/tier", h.SetTenantTier)
			r.Route("/agents/{agentID}/config", func(r chi.Router) {
				r.Get("/", h.GetTenantConfig)
				r.Put("/", h.UpsertTenantConfig)
				r.Delete("/", h.DeleteTenantConfig)
			})
		})

		// Tenant surface
		r.Get("/discover", h.Discover)
		r.Get("/resolve/{agentID}", h.Resolve)
		r.Post("/invoke/{agentID}", h.Invoke)

		// Operational surface
		r.Route("/breakers", func(r chi.Router) {
			r.Get("/", h.ListBreakers)
			r.Get("/{agentID}", h.GetBreaker)
		})
		r.Get("/audit", h.ListAuditEvents)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "qualisys-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "qualisys-control-plane",
		})
	}
}
