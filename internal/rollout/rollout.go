// Package rollout implements the deterministic version resolver.
//
// A tenant's rollout bucket is a stable FNV-1a hash of its tenant ID mod
// 100. The hash is fixed forever: changing it would reshuffle every
// tenant's cohort and break A/B comparisons and support debugging. Because
// the bucket is stable, widening a rollout from P1 to P2 (P1 < P2) keeps
// every P1 tenant selected (monotonic superset).
package rollout

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/rs/zerolog/log"

	"github.com/qualisys/qualisys/control-plane/internal/audit"
	"github.com/qualisys/qualisys/control-plane/internal/cache"
	"github.com/qualisys/qualisys/control-plane/internal/store"
	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

// Bucket maps a tenant to its stable rollout bucket in [0, 100).
func Bucket(tenantID string) int {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return int(h.Sum32() % 100)
}

// Resolver selects the effective agent version per (agent, tenant).
type Resolver struct {
	store store.Store
	cache *cache.Cache
	audit *audit.Emitter
}

// New creates a version resolver.
func New(s store.Store, c *cache.Cache, a *audit.Emitter) *Resolver {
	return &Resolver{store: s, cache: c, audit: a}
}

// Resolve returns the effective version for (agentID, tenantID).
//
// Priority:
//  1. The tenant's pinned version, if it exists and is not retired.
//     Pinning to a deprecated version is allowed. A retired or missing pin
//     is auto-reassigned by rollout rules; retired pins additionally emit a
//     notification event so the tenant can be told their pin moved.
//  2. Deterministic rollout among active versions: the newest active
//     version wins for tenants whose bucket falls inside its rollout
//     window; everyone else gets the next-older active version.
//
// Repeated calls with unchanged rollout configuration always return the
// same version for the same tenant.
func (r *Resolver) Resolve(ctx context.Context, agentID, tenantID string) (*models.AgentVersion, error) {
	versions, err := r.listVersions(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var pinned string
	cfg, err := r.store.GetTenantConfig(ctx, tenantID, agentID)
	if err == nil {
		pinned = cfg.PinnedVersion
	} else {
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			return nil, err
		}
	}

	if pinned != "" {
		for i := range versions {
			v := &versions[i]
			if v.Version != pinned {
				continue
			}
			if v.Status != models.VersionRetired {
				return v, nil
			}
			// Stale pin: reassign by rollout and notify.
			assigned, aerr := r.assign(agentID, tenantID, versions)
			if aerr != nil {
				return nil, aerr
			}
			retiredErr := &models.VersionRetiredError{
				AgentID:      agentID,
				Version:      pinned,
				ReassignedTo: assigned.Version,
			}
			log.Warn().
				Str("agent", agentID).
				Str("tenant", tenantID).
				Str("pinned", pinned).
				Str("reassigned", assigned.Version).
				Msg("Pinned version retired, reassigned by rollout")
			r.audit.Emit(ctx, "system", audit.ActionVersionReassigned, agentID, tenantID, map[string]any{
				"kind":          retiredErr.Kind(),
				"pinned":        pinned,
				"reassigned_to": assigned.Version,
			})
			return assigned, nil
		}
		// Pin references a version that never existed: fall through to
		// rollout rather than failing the invocation.
		log.Warn().
			Str("agent", agentID).
			Str("tenant", tenantID).
			Str("pinned", pinned).
			Msg("Pinned version does not exist, using rollout assignment")
	}

	return r.assign(agentID, tenantID, versions)
}

// assign applies the deterministic rollout rule over the active versions.
// versions must be sorted newest first (the store contract).
func (r *Resolver) assign(agentID, tenantID string, versions []models.AgentVersion) (*models.AgentVersion, error) {
	var actives []*models.AgentVersion
	for i := range versions {
		if versions[i].Status == models.VersionActive {
			actives = append(actives, &versions[i])
		}
	}
	if len(actives) == 0 {
		return nil, &models.NoActiveVersionError{AgentID: agentID}
	}

	latest := actives[0]
	if latest.RolloutPercentage >= 100 {
		return latest, nil
	}
	if Bucket(tenantID) < latest.RolloutPercentage {
		return latest, nil
	}
	if len(actives) > 1 {
		return actives[1], nil
	}
	// A partial rollout with no older active fallback serves everyone the
	// target rather than failing the remainder.
	return latest, nil
}

// listVersions reads the version history through the cache.
func (r *Resolver) listVersions(ctx context.Context, agentID string) ([]models.AgentVersion, error) {
	key := cache.VersionListKey(agentID)
	if v, ok := r.cache.Get(key); ok {
		return v.([]models.AgentVersion), nil
	}
	versions, err := r.store.ListVersions(ctx, agentID)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, versions)
	return versions, nil
}
