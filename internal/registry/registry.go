// Package registry implements the agent registry: CRUD and discovery over
// agent definitions, plus the append-only version history and its rollout
// controls.
//
// All reads go through the TTL cache; every mutation invalidates the
// affected keys before returning and appends an audit record. Disabled
// agents fail closed: they vanish from discovery and invocation alike.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qualisys/qualisys/control-plane/internal/audit"
	"github.com/qualisys/qualisys/control-plane/internal/cache"
	"github.com/qualisys/qualisys/control-plane/internal/store"
	"github.com/qualisys/qualisys/control-plane/internal/validate"
	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

// Registry provides agent definition and version operations.
type Registry struct {
	store     store.Store
	cache     *cache.Cache
	audit     *audit.Emitter
	validator *validate.Validator
}

// New creates a registry.
func New(s store.Store, c *cache.Cache, a *audit.Emitter, v *validate.Validator) *Registry {
	return &Registry{store: s, cache: c, audit: a, validator: v}
}

// invalidateAgent drops every cache entry derived from one agent's records.
// Resolved configs for the agent are keyed per tenant, so the prefix sweep
// covers all tenants at once.
func (r *Registry) invalidateAgent(agentID string) {
	r.cache.Invalidate(cache.AgentDefKey(agentID))
	r.cache.Invalidate(cache.VersionListKey(agentID))
	r.cache.InvalidatePrefix("resolved:" + agentID + ":")
	r.cache.InvalidatePrefix(cache.DiscoveryPrefix)
}

// ── Definitions ─────────────────────────────────────────────

// Register validates and upserts an agent definition.
func (r *Registry) Register(ctx context.Context, actor string, def *models.AgentDefinition) (*models.AgentDefinition, error) {
	if err := r.validator.Definition(def); err != nil {
		log.Error().Err(err).Str("agent", def.AgentID).Msg("Agent registration rejected")
		return nil, err
	}

	now := time.Now().UTC()
	action := audit.ActionAgentRegistered
	if existing, err := r.store.GetDefinition(ctx, def.AgentID); err == nil {
		action = audit.ActionAgentUpdated
		def.CreatedAt = existing.CreatedAt
	} else {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	if err := r.store.UpsertDefinition(ctx, def); err != nil {
		return nil, err
	}
	r.invalidateAgent(def.AgentID)

	r.audit.Emit(ctx, actor, action, def.AgentID, "", map[string]any{
		"name":    def.Name,
		"type":    string(def.Type),
		"enabled": def.Enabled,
	})
	return def, nil
}

// Get returns a definition, cache-first. Unless includeDisabled is set,
// disabled agents are reported as not found.
func (r *Registry) Get(ctx context.Context, agentID string, includeDisabled bool) (*models.AgentDefinition, error) {
	def, err := r.getCached(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !def.Enabled && !includeDisabled {
		return nil, &models.AgentNotFoundError{AgentID: agentID}
	}
	return def, nil
}

func (r *Registry) getCached(ctx context.Context, agentID string) (*models.AgentDefinition, error) {
	key := cache.AgentDefKey(agentID)
	if v, ok := r.cache.Get(key); ok {
		cp := *(v.(*models.AgentDefinition))
		return &cp, nil
	}
	def, err := r.store.GetDefinition(ctx, agentID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, &models.AgentNotFoundError{AgentID: agentID}
		}
		return nil, err
	}
	r.cache.Set(key, def)
	cp := *def
	return &cp, nil
}

// List returns all definitions, including disabled ones. Admin surface only.
func (r *Registry) List(ctx context.Context) ([]models.AgentDefinition, error) {
	return r.store.ListDefinitions(ctx)
}

// Discover returns the metadata of agents available to (tenant, role):
// globally enabled, not tenant-disabled, requiring the caller's role, and
// matching all supplied tags. Results never include prompts.
func (r *Registry) Discover(ctx context.Context, tenantID, role string, tags []string) ([]models.AgentMetadata, error) {
	listing, err := r.discoverCached(ctx, tenantID, role)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return listing, nil
	}

	var out []models.AgentMetadata
	for _, meta := range listing {
		if metadataHasTags(meta, tags) {
			out = append(out, meta)
		}
	}
	return out, nil
}

func metadataHasTags(meta models.AgentMetadata, tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range meta.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// discoverCached builds (or serves) the per-(tenant, role) listing.
// Short TTL: the listing cross-references per-tenant disable flags.
func (r *Registry) discoverCached(ctx context.Context, tenantID, role string) ([]models.AgentMetadata, error) {
	key := cache.DiscoveryKey(tenantID, role)
	if v, ok := r.cache.Get(key); ok {
		return v.([]models.AgentMetadata), nil
	}

	defs, err := r.store.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}

	listing := make([]models.AgentMetadata, 0, len(defs))
	for i := range defs {
		def := &defs[i]
		if !def.Enabled {
			continue
		}
		// An empty required-role set means unrestricted, matching the
		// invocation role gate.
		if len(def.RequiredRoles) > 0 && !def.HasRole(role) {
			continue
		}
		if cfg, err := r.store.GetTenantConfig(ctx, tenantID, def.AgentID); err == nil {
			if !cfg.Enabled {
				continue
			}
		} else {
			var nf *store.ErrNotFound
			if !errors.As(err, &nf) {
				return nil, err
			}
		}
		listing = append(listing, def.Metadata())
	}

	r.cache.SetWithTTL(key, listing, cache.DiscoveryTTL)
	return listing, nil
}

// Disable is the emergency kill switch: it sets enabled=false regardless of
// per-tenant state. Idempotent.
func (r *Registry) Disable(ctx context.Context, actor, agentID string) error {
	def, err := r.getCached(ctx, agentID)
	if err != nil {
		return err
	}
	if !def.Enabled {
		return nil
	}
	def.Enabled = false
	def.UpdatedAt = time.Now().UTC()
	if err := r.store.UpsertDefinition(ctx, def); err != nil {
		return err
	}
	r.invalidateAgent(agentID)
	r.audit.Emit(ctx, actor, audit.ActionAgentDisabled, agentID, "", nil)
	return nil
}

// ── Versions ────────────────────────────────────────────────

// PublishVersion appends a new version to an agent's history. Publishing a
// partially-rolled-out version completes any older partial rollout first,
// so at most one version (the newest active) ever sits below 100%.
func (r *Registry) PublishVersion(ctx context.Context, actor string, v *models.AgentVersion) (*models.AgentVersion, error) {
	if v.Status == "" {
		v.Status = models.VersionActive
	}
	if err := r.validator.Version(v); err != nil {
		log.Error().Err(err).Str("agent", v.AgentID).Str("version", v.Version).Msg("Version publish rejected")
		return nil, err
	}
	if _, err := r.getCached(ctx, v.AgentID); err != nil {
		return nil, err
	}

	v.CreatedAt = time.Now().UTC()
	v.RetiredAt = nil

	// Complete any earlier partial rollout before the new target lands.
	existing, err := r.store.ListVersions(ctx, v.AgentID)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		old := &existing[i]
		if old.Status == models.VersionActive && old.RolloutPercentage < 100 {
			if err := r.store.SetRolloutPercentage(ctx, v.AgentID, old.Version, 100); err != nil {
				return nil, err
			}
			log.Info().
				Str("agent", v.AgentID).
				Str("version", old.Version).
				Msg("Completed prior partial rollout")
		}
	}

	if err := r.store.CreateVersion(ctx, v); err != nil {
		return nil, err
	}
	if err := r.refreshCurrentVersion(ctx, v.AgentID); err != nil {
		return nil, err
	}
	r.invalidateAgent(v.AgentID)

	r.audit.Emit(ctx, actor, audit.ActionVersionPublished, v.AgentID, "", map[string]any{
		"version": v.Version,
		"status":  string(v.Status),
		"rollout": v.RolloutPercentage,
	})
	return v, nil
}

// SetVersionStatus transitions a version's lifecycle status. Retired is
// final: a retired version can never transition again.
func (r *Registry) SetVersionStatus(ctx context.Context, actor, agentID, version string, status models.VersionStatus) error {
	switch status {
	case models.VersionActive, models.VersionDeprecated, models.VersionRetired:
	default:
		return &models.ValidationError{
			Rule:    "status_invalid",
			Field:   "status",
			Message: "unknown version status " + string(status),
		}
	}

	current, err := r.store.GetVersion(ctx, agentID, version)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return &models.NotFoundError{Entity: "agent version", Key: agentID + "@" + version}
		}
		return err
	}
	if current.Status == models.VersionRetired {
		return &models.ValidationError{
			Rule:    "version_retired_final",
			Field:   "status",
			Message: "retired versions cannot transition",
		}
	}

	if err := r.store.SetVersionStatus(ctx, agentID, version, status); err != nil {
		return err
	}
	if err := r.refreshCurrentVersion(ctx, agentID); err != nil {
		return err
	}
	r.invalidateAgent(agentID)

	r.audit.Emit(ctx, actor, audit.ActionVersionStatus, agentID, "", map[string]any{
		"version": version,
		"from":    string(current.Status),
		"to":      string(status),
	})
	return nil
}

// SetRollout changes a version's rollout percentage. Only the newest active
// version may sit below 100%; widening never reshuffles tenant buckets.
func (r *Registry) SetRollout(ctx context.Context, actor, agentID, version string, pct int) error {
	if pct < 0 || pct > 100 {
		return &models.ValidationError{
			Rule:    "rollout_range",
			Field:   "rollout_percentage",
			Message: "must be between 0 and 100",
		}
	}

	versions, err := r.store.ListVersions(ctx, agentID)
	if err != nil {
		return err
	}
	var target *models.AgentVersion
	var newestActive string
	for i := range versions {
		if versions[i].Status == models.VersionActive && newestActive == "" {
			newestActive = versions[i].Version
		}
		if versions[i].Version == version {
			target = &versions[i]
		}
	}
	if target == nil {
		return &models.NotFoundError{Entity: "agent version", Key: agentID + "@" + version}
	}
	if pct < 100 && version != newestActive {
		return &models.ValidationError{
			Rule:    "rollout_target",
			Field:   "version",
			Message: "only the newest active version may roll out partially",
		}
	}

	if err := r.store.SetRolloutPercentage(ctx, agentID, version, pct); err != nil {
		return err
	}
	r.invalidateAgent(agentID)

	r.audit.Emit(ctx, actor, audit.ActionVersionRollout, agentID, "", map[string]any{
		"version": version,
		"from":    target.RolloutPercentage,
		"to":      pct,
	})
	return nil
}

// ListVersions returns an agent's full version history, newest first.
func (r *Registry) ListVersions(ctx context.Context, agentID string) ([]models.AgentVersion, error) {
	if _, err := r.getCached(ctx, agentID); err != nil {
		return nil, err
	}
	return r.store.ListVersions(ctx, agentID)
}

// refreshCurrentVersion recomputes the definition's current_version field
// as the newest active version, or clears it when none remains.
func (r *Registry) refreshCurrentVersion(ctx context.Context, agentID string) error {
	def, err := r.store.GetDefinition(ctx, agentID)
	if err != nil {
		return err
	}
	versions, err := r.store.ListVersions(ctx, agentID)
	if err != nil {
		return err
	}

	current := ""
	for i := range versions {
		if versions[i].Status == models.VersionActive {
			current = versions[i].Version
			break
		}
	}
	if def.CurrentVersion == current {
		return nil
	}
	def.CurrentVersion = current
	def.UpdatedAt = time.Now().UTC()
	return r.store.UpsertDefinition(ctx, def)
}
