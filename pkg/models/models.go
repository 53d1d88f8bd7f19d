// Package models defines the persisted record types and the error taxonomy
// of the QUALISYS agent control plane. Stable field names are part of the
// compatibility contract for the admin API built atop this core.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ── Semantic Versioning Helpers ──────────────────────────────

// ParseSemver splits a "major.minor.patch" string. Returns (0,1,0) on error.
func ParseSemver(v string) (major, minor, patch int) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return 0, 1, 0
	}
	major, _ = strconv.Atoi(parts[0])
	minor, _ = strconv.Atoi(parts[1])
	patch, _ = strconv.Atoi(parts[2])
	return
}

// FormatSemver formats major.minor.patch into a version string.
func FormatSemver(major, minor, patch int) string {
	return fmt.Sprintf("%d.%d.%d", major, minor, patch)
}

// IsSemver returns true if the string looks like "X.Y.Z".
func IsSemver(v string) bool {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return false
		}
	}
	return true
}

// CompareSemver returns -1, 0 or 1 ordering a against b.
func CompareSemver(a, b string) int {
	am, an, ap := ParseSemver(a)
	bm, bn, bp := ParseSemver(b)
	for _, d := range []int{am - bm, an - bn, ap - bp} {
		if d < 0 {
			return -1
		}
		if d > 0 {
			return 1
		}
	}
	return 0
}

// ── Agent Definition ─────────────────────────────────────────

type AgentType string

const (
	AgentTypeBuiltin     AgentType = "builtin"
	AgentTypeCustom      AgentType = "custom"
	AgentTypeMarketplace AgentType = "marketplace"
)

// Token and prompt bounds enforced at registration and tenant-config
// write time.
const (
	MinTokensPerInvocation = 100
	MaxTokensPerInvocation = 200_000
	MinCustomPromptChars   = 50
	MaxCustomPromptChars   = 10_000
)

// AgentDefinition is the global, tenant-independent record of a pluggable
// agent. Definitions are upserted by platform admins and soft-disabled,
// never hard-deleted while references exist.
type AgentDefinition struct {
	AgentID                string    `json:"agent_id"`
	Name                   string    `json:"name"`
	Description            string    `json:"description,omitempty"`
	Type                   AgentType `json:"type"`
	LLMProvider            string    `json:"llm_provider"`
	LLMModel               string    `json:"llm_model"`
	MaxTokensPerInvocation int       `json:"max_tokens_per_invocation"`
	TimeoutSeconds         int       `json:"timeout_seconds"`
	RequiredRoles          []string  `json:"required_roles,omitempty"`
	Tags                   []string  `json:"tags,omitempty"`
	Enabled                bool      `json:"enabled"`
	CurrentVersion         string    `json:"current_version,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// HasRole reports whether the definition's required-role set contains role.
func (d *AgentDefinition) HasRole(role string) bool {
	for _, r := range d.RequiredRoles {
		if r == role {
			return true
		}
	}
	return false
}

// HasTag reports whether the definition carries the given tag.
func (d *AgentDefinition) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Metadata returns the discovery projection of the definition. Prompts
// never appear here; discovery is metadata-only.
func (d *AgentDefinition) Metadata() AgentMetadata {
	return AgentMetadata{
		AgentID:        d.AgentID,
		Name:           d.Name,
		Description:    d.Description,
		Type:           d.Type,
		Tags:           append([]string(nil), d.Tags...),
		CurrentVersion: d.CurrentVersion,
	}
}

// AgentMetadata is the prompt-free projection returned by discovery.
type AgentMetadata struct {
	AgentID        string    `json:"agent_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Type           AgentType `json:"type"`
	Tags           []string  `json:"tags,omitempty"`
	CurrentVersion string    `json:"current_version,omitempty"`
}

// ── Agent Version ────────────────────────────────────────────

type VersionStatus string

const (
	VersionActive     VersionStatus = "active"
	VersionDeprecated VersionStatus = "deprecated"
	VersionRetired    VersionStatus = "retired"
)

// AgentVersion is one immutable prompt revision of an agent. Versions are
// append-only: after creation only the status and rollout percentage
// transition, the prompt body never changes.
type AgentVersion struct {
	AgentID           string        `json:"agent_id"`
	Version           string        `json:"version"`
	SystemPrompt      string        `json:"system_prompt"`
	Status            VersionStatus `json:"status"`
	RolloutPercentage int           `json:"rollout_percentage"`
	CreatedAt         time.Time     `json:"created_at"`
	RetiredAt         *time.Time    `json:"retired_at,omitempty"`
}

// ── Tenant Agent Config ──────────────────────────────────────

type PromptOverrideMode string

const (
	PromptAppend  PromptOverrideMode = "append"
	PromptPrepend PromptOverrideMode = "prepend"
	PromptReplace PromptOverrideMode = "replace"
)

// TenantTier gates write-time privileges such as replace-mode prompts.
type TenantTier string

const (
	TierFree       TenantTier = "free"
	TierTeam       TenantTier = "team"
	TierEnterprise TenantTier = "enterprise"
)

// TenantAgentConfig is the per-(tenant, agent) customization record,
// created lazily on first customization. A missing record means
// "global defaults, enabled".
type TenantAgentConfig struct {
	TenantID            string             `json:"tenant_id"`
	AgentID             string             `json:"agent_id"`
	Enabled             bool               `json:"enabled"`
	CustomPrompt        string             `json:"custom_prompt,omitempty"`
	PromptOverrideMode  PromptOverrideMode `json:"prompt_override_mode,omitempty"`
	LLMProviderOverride string             `json:"llm_provider_override,omitempty"`
	LLMModelOverride    string             `json:"llm_model_override,omitempty"`
	MaxTokensOverride   int                `json:"max_tokens_override,omitempty"`
	PinnedVersion       string             `json:"pinned_version,omitempty"`
	CustomTags          []string           `json:"custom_tags,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// ── Resolved Config ──────────────────────────────────────────

// ClientInstructionsHeader separates the global prompt from appended
// tenant instructions in append mode.
const ClientInstructionsHeader = "\n\n## Client-Specific Instructions\n\n"

// ResolvedAgentConfig is the ephemeral merge of the global definition, the
// tenant override and the resolved version. It is recomputed per invocation
// and cached briefly; it is never persisted.
type ResolvedAgentConfig struct {
	AgentID        string `json:"agent_id"`
	TenantID       string `json:"tenant_id"`
	SystemPrompt   string `json:"system_prompt"`
	LLMProvider    string `json:"llm_provider"`
	LLMModel       string `json:"llm_model"`
	MaxTokens      int    `json:"max_tokens"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Version        string `json:"version"`
}

// ── Invocation Result ────────────────────────────────────────

// AgentResult is what the external agent runtime returns for one call.
type AgentResult struct {
	InvocationID string `json:"invocation_id"`
	AgentID      string `json:"agent_id"`
	TenantID     string `json:"tenant_id"`
	Version      string `json:"version"`
	Output       string `json:"output"`
	TokensUsed   int    `json:"tokens_used"`
	DurationMs   int64  `json:"duration_ms"`
}

// ── Circuit Breaker ──────────────────────────────────────────

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// BreakerFailure attributes one breaker-counted failure to the tenant that
// triggered it, so a per-tenant breaker can be layered on later without a
// data-model change.
type BreakerFailure struct {
	TenantID   string    `json:"tenant_id"`
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
}

// BreakerSnapshot is a point-in-time view of one agent's circuit.
type BreakerSnapshot struct {
	AgentID      string           `json:"agent_id"`
	State        CircuitState     `json:"state"`
	FailureCount int              `json:"failure_count"`
	OpenedAt     *time.Time       `json:"opened_at,omitempty"`
	Failures     []BreakerFailure `json:"failures,omitempty"`
}

// ── Audit ────────────────────────────────────────────────────

// AuditEvent is the structured record emitted for every registry mutation,
// circuit-breaker transition and budget-exceeded event.
type AuditEvent struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	AgentID   string         `json:"agent_id"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditFilter narrows audit event listings.
type AuditFilter struct {
	AgentID  string
	TenantID string
	Action   string
	Since    *time.Time
	Limit    int
}
