// Package validate implements the write-time validators for registry and
// tenant-config mutations. Validation runs on writes only, never on the
// read/resolve path: an existing record stays valid even if the rules that
// admitted it later tighten.
//
// Every rejection is a *models.ValidationError naming the specific rule
// that failed, never a generic rejection.
package validate

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

// agentIDRegex: lowercase alphanumeric + hyphen, URL-safe, no leading or
// trailing hyphen.
var agentIDRegex = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Built-in prompt injection denylist. Deployments extend it via
// configuration; the built-ins are never removed.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)new\s+instructions?:\s*`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
}

// Validator checks registry and tenant-config writes.
type Validator struct {
	denylist       []*regexp.Regexp
	replaceMinTier models.TenantTier
}

// New creates a validator. extraPatterns are additional denylist regexes
// from configuration; invalid patterns are reported, not silently dropped.
// replaceMinTier is the minimum tier allowed to write replace-mode prompts.
func New(extraPatterns []string, replaceMinTier models.TenantTier) (*Validator, error) {
	v := &Validator{
		denylist:       append([]*regexp.Regexp(nil), injectionPatterns...),
		replaceMinTier: replaceMinTier,
	}
	for _, p := range extraPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid denylist pattern %q: %w", p, err)
		}
		v.denylist = append(v.denylist, re)
	}
	if v.replaceMinTier == "" {
		v.replaceMinTier = models.TierEnterprise
	}
	return v, nil
}

// tierRank orders tiers for the replace-mode gate.
func tierRank(t models.TenantTier) int {
	switch t {
	case models.TierEnterprise:
		return 2
	case models.TierTeam:
		return 1
	default:
		return 0
	}
}

// ── Agent Definition ────────────────────────────────────────

// Definition validates a registration payload.
func (v *Validator) Definition(def *models.AgentDefinition) error {
	if !agentIDRegex.MatchString(def.AgentID) {
		return &models.ValidationError{
			Rule:    "agent_id_format",
			Field:   "agent_id",
			Message: "must be lowercase alphanumeric with hyphens",
		}
	}
	if def.Name == "" {
		return &models.ValidationError{
			Rule:    "name_required",
			Field:   "name",
			Message: "name must not be empty",
		}
	}
	switch def.Type {
	case models.AgentTypeBuiltin, models.AgentTypeCustom, models.AgentTypeMarketplace:
	default:
		return &models.ValidationError{
			Rule:    "type_invalid",
			Field:   "type",
			Message: fmt.Sprintf("unknown agent type %q", def.Type),
		}
	}
	if def.MaxTokensPerInvocation < models.MinTokensPerInvocation ||
		def.MaxTokensPerInvocation > models.MaxTokensPerInvocation {
		return &models.ValidationError{
			Rule:  "token_bounds",
			Field: "max_tokens_per_invocation",
			Message: fmt.Sprintf("must be between %d and %d",
				models.MinTokensPerInvocation, models.MaxTokensPerInvocation),
		}
	}
	if def.TimeoutSeconds <= 0 {
		return &models.ValidationError{
			Rule:    "timeout_bounds",
			Field:   "timeout_seconds",
			Message: "must be greater than zero",
		}
	}
	if def.CurrentVersion != "" && !models.IsSemver(def.CurrentVersion) {
		return &models.ValidationError{
			Rule:    "semver_format",
			Field:   "current_version",
			Message: "must be a semantic version (X.Y.Z)",
		}
	}
	return nil
}

// ── Agent Version ───────────────────────────────────────────

// Version validates a version publish payload.
func (v *Validator) Version(av *models.AgentVersion) error {
	if !agentIDRegex.MatchString(av.AgentID) {
		return &models.ValidationError{
			Rule:    "agent_id_format",
			Field:   "agent_id",
			Message: "must be lowercase alphanumeric with hyphens",
		}
	}
	if !models.IsSemver(av.Version) {
		return &models.ValidationError{
			Rule:    "semver_format",
			Field:   "version",
			Message: "must be a semantic version (X.Y.Z)",
		}
	}
	if av.SystemPrompt == "" {
		return &models.ValidationError{
			Rule:    "prompt_required",
			Field:   "system_prompt",
			Message: "system prompt must not be empty",
		}
	}
	if !utf8.ValidString(av.SystemPrompt) {
		return &models.ValidationError{
			Rule:    "prompt_utf8",
			Field:   "system_prompt",
			Message: "system prompt must be valid UTF-8",
		}
	}
	if av.RolloutPercentage < 0 || av.RolloutPercentage > 100 {
		return &models.ValidationError{
			Rule:    "rollout_range",
			Field:   "rollout_percentage",
			Message: "must be between 0 and 100",
		}
	}
	return nil
}

// ── Tenant Agent Config ─────────────────────────────────────

// TenantConfig validates a tenant override write against the tenant's tier.
// The tier gate applies only here: existing replace records remain valid if
// the tenant's tier later drops.
func (v *Validator) TenantConfig(cfg *models.TenantAgentConfig, tier models.TenantTier) error {
	if cfg.CustomPrompt != "" {
		switch cfg.PromptOverrideMode {
		case models.PromptAppend, models.PromptPrepend, models.PromptReplace:
		default:
			return &models.ValidationError{
				Rule:    "override_mode_invalid",
				Field:   "prompt_override_mode",
				Message: fmt.Sprintf("unknown prompt override mode %q", cfg.PromptOverrideMode),
			}
		}

		if cfg.PromptOverrideMode == models.PromptReplace && tierRank(tier) < tierRank(v.replaceMinTier) {
			return &models.ValidationError{
				Rule:    "replace_tier",
				Field:   "prompt_override_mode",
				Message: fmt.Sprintf("replace mode requires tier %s or above (tenant is %s)", v.replaceMinTier, tier),
			}
		}

		if !utf8.ValidString(cfg.CustomPrompt) {
			return &models.ValidationError{
				Rule:    "prompt_utf8",
				Field:   "custom_prompt",
				Message: "custom prompt must be valid UTF-8",
			}
		}

		n := utf8.RuneCountInString(cfg.CustomPrompt)
		if n < models.MinCustomPromptChars || n > models.MaxCustomPromptChars {
			return &models.ValidationError{
				Rule:  "prompt_length",
				Field: "custom_prompt",
				Message: fmt.Sprintf("must be between %d and %d characters, got %d",
					models.MinCustomPromptChars, models.MaxCustomPromptChars, n),
			}
		}

		for _, re := range v.denylist {
			if re.MatchString(cfg.CustomPrompt) {
				return &models.ValidationError{
					Rule:    "prompt_injection",
					Field:   "custom_prompt",
					Message: "custom prompt matches an injection denylist pattern",
				}
			}
		}
	}

	if cfg.MaxTokensOverride < 0 {
		return &models.ValidationError{
			Rule:    "token_bounds",
			Field:   "max_tokens_override",
			Message: "must not be negative",
		}
	}
	if cfg.PinnedVersion != "" && !models.IsSemver(cfg.PinnedVersion) {
		return &models.ValidationError{
			Rule:    "semver_format",
			Field:   "pinned_version",
			Message: "must be a semantic version (X.Y.Z)",
		}
	}
	return nil
}
