// Package resolver merges the global agent definition, the tenant override
// record and the rollout-resolved version into the effective configuration
// for one invocation.
//
// The resolver also owns the tenant-override write path: writes run the
// write-time validators (tier gate, prompt bounds, injection denylist) and
// invalidate the pair's cached entries before returning, so a reader never
// observes stale data after an acknowledged write.
package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qualisys/qualisys/control-plane/internal/audit"
	"github.com/qualisys/qualisys/control-plane/internal/cache"
	"github.com/qualisys/qualisys/control-plane/internal/registry"
	"github.com/qualisys/qualisys/control-plane/internal/rollout"
	"github.com/qualisys/qualisys/control-plane/internal/store"
	"github.com/qualisys/qualisys/control-plane/internal/validate"
	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

// Resolver computes effective per-(agent, tenant) configurations.
type Resolver struct {
	registry  *registry.Registry
	versions  *rollout.Resolver
	store     store.Store
	cache     *cache.Cache
	audit     *audit.Emitter
	validator *validate.Validator
}

// New creates a config resolver.
func New(reg *registry.Registry, vr *rollout.Resolver, s store.Store, c *cache.Cache, a *audit.Emitter, v *validate.Validator) *Resolver {
	return &Resolver{
		registry:  reg,
		versions:  vr,
		store:     s,
		cache:     c,
		audit:     a,
		validator: v,
	}
}

// Resolve returns the effective configuration for one invocation of
// (agentID, tenantID). Within the cache TTL and with unchanged records,
// consecutive calls return identical output.
//
// Order matters: the tenant-disabled check short-circuits before any
// version or prompt work, so disabled agents never incur resolution cost.
func (r *Resolver) Resolve(ctx context.Context, agentID, tenantID string) (*models.ResolvedAgentConfig, error) {
	key := cache.ResolvedKey(agentID, tenantID)
	if v, ok := r.cache.Get(key); ok {
		cp := *(v.(*models.ResolvedAgentConfig))
		return &cp, nil
	}

	def, err := r.registry.Get(ctx, agentID, false)
	if err != nil {
		return nil, err
	}

	cfg, err := r.tenantConfig(ctx, tenantID, agentID)
	if err != nil {
		return nil, err
	}

	if cfg != nil && !cfg.Enabled {
		return nil, &models.AgentDisabledForTenantError{AgentID: agentID, TenantID: tenantID}
	}

	version, err := r.versions.Resolve(ctx, agentID, tenantID)
	if err != nil {
		var noActive *models.NoActiveVersionError
		if errors.As(err, &noActive) {
			// Configuration bug, not an operating condition.
			log.Error().Str("agent", agentID).Msg("Agent has no active version")
		}
		return nil, err
	}

	resolved := &models.ResolvedAgentConfig{
		AgentID:        agentID,
		TenantID:       tenantID,
		SystemPrompt:   mergePrompt(version.SystemPrompt, cfg),
		LLMProvider:    def.LLMProvider,
		LLMModel:       def.LLMModel,
		MaxTokens:      def.MaxTokensPerInvocation,
		TimeoutSeconds: def.TimeoutSeconds,
		Version:        version.Version,
	}
	if cfg != nil {
		if cfg.LLMProviderOverride != "" {
			resolved.LLMProvider = cfg.LLMProviderOverride
		}
		if cfg.LLMModelOverride != "" {
			resolved.LLMModel = cfg.LLMModelOverride
		}
		// The override can only tighten the global ceiling, never loosen it.
		if cfg.MaxTokensOverride > 0 && cfg.MaxTokensOverride < resolved.MaxTokens {
			resolved.MaxTokens = cfg.MaxTokensOverride
		}
	}

	r.cache.Set(key, resolved)
	cp := *resolved
	return &cp, nil
}

// tenantConfig reads the override record through the cache. Absence is not
// an error: a missing record means "global defaults, enabled" and is
// reported as a nil config.
func (r *Resolver) tenantConfig(ctx context.Context, tenantID, agentID string) (*models.TenantAgentConfig, error) {
	key := cache.TenantConfigKey(tenantID, agentID)
	if v, ok := r.cache.Get(key); ok {
		cp := *(v.(*models.TenantAgentConfig))
		return &cp, nil
	}
	cfg, err := r.store.GetTenantConfig(ctx, tenantID, agentID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	r.cache.Set(key, cfg)
	cp := *cfg
	return &cp, nil
}

// mergePrompt applies the tenant's prompt override mode to the version's
// base prompt.
func mergePrompt(base string, cfg *models.TenantAgentConfig) string {
	if cfg == nil || cfg.CustomPrompt == "" {
		return base
	}
	switch cfg.PromptOverrideMode {
	case models.PromptAppend:
		return base + models.ClientInstructionsHeader + cfg.CustomPrompt
	case models.PromptPrepend:
		return cfg.CustomPrompt + "\n\n" + base
	case models.PromptReplace:
		// Tier eligibility was enforced when the record was written.
		return cfg.CustomPrompt
	default:
		return base
	}
}

// ── Tenant override writes ──────────────────────────────────

// UpsertTenantConfig validates and writes a tenant's override record for an
// agent, invalidating the pair's cached entries before returning.
func (r *Resolver) UpsertTenantConfig(ctx context.Context, actor string, cfg *models.TenantAgentConfig) (*models.TenantAgentConfig, error) {
	// The agent must exist; a globally disabled agent may still be
	// configured (the tenant's record outlives the kill switch).
	if _, err := r.registry.Get(ctx, cfg.AgentID, true); err != nil {
		return nil, err
	}

	tier, err := r.store.GetTenantTier(ctx, cfg.TenantID)
	if err != nil {
		return nil, err
	}
	if err := r.validator.TenantConfig(cfg, tier); err != nil {
		log.Error().Err(err).
			Str("agent", cfg.AgentID).
			Str("tenant", cfg.TenantID).
			Msg("Tenant config write rejected")
		return nil, err
	}

	// Pinning to a retired version is rejected at write time; pins that
	// retire later are auto-reassigned on the read path.
	if cfg.PinnedVersion != "" {
		v, err := r.store.GetVersion(ctx, cfg.AgentID, cfg.PinnedVersion)
		if err != nil {
			var nf *store.ErrNotFound
			if errors.As(err, &nf) {
				return nil, &models.ValidationError{
					Rule:    "pinned_version_missing",
					Field:   "pinned_version",
					Message: "version " + cfg.PinnedVersion + " does not exist for agent " + cfg.AgentID,
				}
			}
			return nil, err
		}
		if v.Status == models.VersionRetired {
			return nil, &models.VersionRetiredError{AgentID: cfg.AgentID, Version: cfg.PinnedVersion}
		}
	}

	now := time.Now().UTC()
	if existing, err := r.store.GetTenantConfig(ctx, cfg.TenantID, cfg.AgentID); err == nil {
		cfg.CreatedAt = existing.CreatedAt
	} else {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	if err := r.store.UpsertTenantConfig(ctx, cfg); err != nil {
		return nil, err
	}
	r.invalidatePair(cfg.TenantID, cfg.AgentID)

	r.audit.Emit(ctx, actor, audit.ActionTenantConfigUpdated, cfg.AgentID, cfg.TenantID, map[string]any{
		"enabled":        cfg.Enabled,
		"override_mode":  string(cfg.PromptOverrideMode),
		"pinned_version": cfg.PinnedVersion,
	})
	return cfg, nil
}

// DeleteTenantConfig removes a tenant's override record, restoring global
// defaults for the pair.
func (r *Resolver) DeleteTenantConfig(ctx context.Context, actor, tenantID, agentID string) error {
	if err := r.store.DeleteTenantConfig(ctx, tenantID, agentID); err != nil {
		return err
	}
	r.invalidatePair(tenantID, agentID)
	r.audit.Emit(ctx, actor, audit.ActionTenantConfigDeleted, agentID, tenantID, nil)
	return nil
}

// invalidatePair drops the cached entries a tenant-override write affects.
// Invalidate-then-return: callers only see the acknowledgement after the
// stale entries are gone.
func (r *Resolver) invalidatePair(tenantID, agentID string) {
	r.cache.Invalidate(cache.ResolvedKey(agentID, tenantID))
	r.cache.Invalidate(cache.TenantConfigKey(tenantID, agentID))
	r.cache.InvalidatePrefix("discovery:" + tenantID + ":")
}
