// Package server is the public entry point for composing the QUALISYS
// control plane. It lives in pkg/ so downstream deployments can embed the
// wired handler and layer their own middleware on top.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/qualisys/qualisys/control-plane/internal/api"
	"github.com/qualisys/qualisys/control-plane/internal/api/handlers"
	"github.com/qualisys/qualisys/control-plane/internal/audit"
	"github.com/qualisys/qualisys/control-plane/internal/cache"
	"github.com/qualisys/qualisys/control-plane/internal/config"
	"github.com/qualisys/qualisys/control-plane/internal/guard"
	"github.com/qualisys/qualisys/control-plane/internal/metrics"
	"github.com/qualisys/qualisys/control-plane/internal/orchestrator"
	"github.com/qualisys/qualisys/control-plane/internal/registry"
	"github.com/qualisys/qualisys/control-plane/internal/resolver"
	"github.com/qualisys/qualisys/control-plane/internal/rollout"
	"github.com/qualisys/qualisys/control-plane/internal/runtime"
	"github.com/qualisys/qualisys/control-plane/internal/store"
	"github.com/qualisys/qualisys/control-plane/internal/telemetry"
	"github.com/qualisys/qualisys/control-plane/internal/validate"
	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

// Server holds the initialized control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store, exposed for embedding deployments.
	Store store.Store

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry and stops background loops.
	ShutdownFunc func(context.Context) error
}

// New initializes all control plane components from the environment.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		dataStore = pg
		log.Info().Msg("Postgres store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("In-memory store initialized")
	}

	m, err := metrics.New()
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	replaceMinTier := models.TenantTier(cfg.Validation.ReplaceMinTier)
	validator, err := validate.New(cfg.Validation.ExtraDenyPatterns, replaceMinTier)
	if err != nil {
		return nil, fmt.Errorf("init validator: %w", err)
	}

	c := cache.New(cache.DefaultTTL)
	emitter := audit.NewEmitter(dataStore, cfg.Audit.WebhookURL, cfg.Audit.WebhookSecret)

	versions := rollout.New(dataStore, c, emitter)
	reg := registry.New(dataStore, c, emitter, validator)
	res := resolver.New(reg, versions, dataStore, c, emitter, validator)

	budget := guard.NewTokenBudget()
	breakers := guard.NewBreakers(emitter, m)
	g := guard.New(budget, breakers, emitter, m, cfg.Guard.DailyBudgetMultiplier)

	runtimes := runtime.NewRegistry(
		runtime.NewOpenAIRunner(cfg.Providers.OpenAIAPIKey, cfg.Providers.OpenAIBaseURL),
		runtime.NewAnthropicRunner(cfg.Providers.AnthropicAPIKey),
	)

	orc := orchestrator.New(reg, res, g, runtimes)

	h := handlers.New(reg, res, orc, g, dataStore)
	router := api.NewRouter(cfg, h)

	log.Info().
		Strs("providers", runtimes.Providers()).
		Msg("Control plane initialized")

	shutdown := func(ctx context.Context) error {
		budget.Close()
		c.Close()
		return telemetryShutdown(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
