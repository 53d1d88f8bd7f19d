// Package store provides the storage interface and implementations for the
// QUALISYS agent control plane. The registry, version and tenant-override
// stores are the system of record; everything the resolvers cache is
// advisory and TTL-bounded.
package store

import (
	"context"
	"time"

	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

// Store is the primary storage interface for the control plane.
// All service code depends on this interface, making it easy to swap
// between in-memory (tests, local dev) and PostgreSQL (production)
// implementations.
type Store interface {
	AgentDefinitionStore
	AgentVersionStore
	TenantConfigStore
	AuditStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Agent Definition Store ──────────────────────────────────

type AgentDefinitionStore interface {
	GetDefinition(ctx context.Context, agentID string) (*models.AgentDefinition, error)
	ListDefinitions(ctx context.Context) ([]models.AgentDefinition, error)

	// UpsertDefinition creates or replaces a definition by agent ID.
	UpsertDefinition(ctx context.Context, def *models.AgentDefinition) error
}

// ── Agent Version Store ─────────────────────────────────────

// AgentVersionStore persists the append-only version history of an agent.
// Versions are never deleted; CreateVersion rejects duplicates and the only
// permitted mutations are status and rollout-percentage transitions.
type AgentVersionStore interface {
	GetVersion(ctx context.Context, agentID, version string) (*models.AgentVersion, error)

	// ListVersions returns all versions of an agent, newest first
	// (descending semver order).
	ListVersions(ctx context.Context, agentID string) ([]models.AgentVersion, error)

	CreateVersion(ctx context.Context, v *models.AgentVersion) error
	SetVersionStatus(ctx context.Context, agentID, version string, status models.VersionStatus) error
	SetRolloutPercentage(ctx context.Context, agentID, version string, pct int) error
}

// ── Tenant Config Store ─────────────────────────────────────

type TenantConfigStore interface {
	// GetTenantConfig returns the override record for (tenant, agent), or
	// *ErrNotFound when the tenant has never customized the agent.
	GetTenantConfig(ctx context.Context, tenantID, agentID string) (*models.TenantAgentConfig, error)
	ListTenantConfigs(ctx context.Context, tenantID string) ([]models.TenantAgentConfig, error)
	UpsertTenantConfig(ctx context.Context, cfg *models.TenantAgentConfig) error
	DeleteTenantConfig(ctx context.Context, tenantID, agentID string) error

	// GetTenantTier returns the tenant's billing tier; tenants with no
	// recorded tier default to free.
	GetTenantTier(ctx context.Context, tenantID string) (models.TenantTier, error)
	SetTenantTier(ctx context.Context, tenantID string, tier models.TenantTier) error
}

// ── Audit Store ─────────────────────────────────────────────

type AuditStore interface {
	// CreateAuditEvent persists an audit event.
	CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error

	// ListAuditEvents returns filtered audit events, newest first.
	ListAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ── Filter helpers ──────────────────────────────────────────

// ListFilter provides common pagination/filter options.
type ListFilter struct {
	Limit  int
	Offset int
	Since  *time.Time
}
