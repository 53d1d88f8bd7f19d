package models

import (
	"errors"
	"fmt"
	"time"
)

// Machine-readable error kinds, returned to API callers alongside the
// human-readable message.
const (
	KindValidation      = "validation_error"
	KindNotFound        = "not_found"
	KindAgentNotFound   = "agent_not_found"
	KindAgentDisabled   = "agent_disabled_for_tenant"
	KindVersionRetired  = "version_retired"
	KindNoActiveVersion = "no_active_version"
	KindBudgetExceeded  = "budget_exceeded"
	KindTimeout         = "timeout"
	KindCircuitOpen     = "circuit_open"
)

// ControlPlaneError is implemented by every typed error in the taxonomy.
// Kind is stable and machine-readable; RetryAfter is zero for
// non-retryable errors.
type ControlPlaneError interface {
	error
	Kind() string
	RetryAfter() time.Duration
}

// ── Validation ───────────────────────────────────────────────

// ValidationError names the specific rule that failed. Callers can correct
// the request and retry immediately.
type ValidationError struct {
	Rule    string `json:"rule"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed (%s): %s: %s", e.Rule, e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed (%s): %s", e.Rule, e.Message)
}

func (e *ValidationError) Kind() string              { return KindValidation }
func (e *ValidationError) RetryAfter() time.Duration { return 0 }

// ── Missing entities ─────────────────────────────────────────

// NotFoundError reports a missing entity of any kind.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return e.Entity + " not found: " + e.Key
}

func (e *NotFoundError) Kind() string              { return KindNotFound }
func (e *NotFoundError) RetryAfter() time.Duration { return 0 }

// AgentNotFoundError is returned when an agent is missing or globally
// disabled. Disabled agents fail closed and are indistinguishable from
// absent ones to invocation callers.
type AgentNotFoundError struct {
	AgentID string
}

func (e *AgentNotFoundError) Error() string {
	return "agent not found: " + e.AgentID
}

func (e *AgentNotFoundError) Kind() string              { return KindAgentNotFound }
func (e *AgentNotFoundError) RetryAfter() time.Duration { return 0 }

// ── Policy rejections ────────────────────────────────────────

// AgentDisabledForTenantError is a policy rejection, not a bug: the tenant
// has switched this agent off.
type AgentDisabledForTenantError struct {
	AgentID  string
	TenantID string
}

func (e *AgentDisabledForTenantError) Error() string {
	return fmt.Sprintf("agent %s is disabled for tenant %s", e.AgentID, e.TenantID)
}

func (e *AgentDisabledForTenantError) Kind() string              { return KindAgentDisabled }
func (e *AgentDisabledForTenantError) RetryAfter() time.Duration { return 0 }

// ── Version resolution ───────────────────────────────────────

// VersionRetiredError reports a stale pin. The resolver auto-reassigns the
// tenant per rollout rules and emits a notification event; ReassignedTo
// carries the replacement version.
type VersionRetiredError struct {
	AgentID      string
	Version      string
	ReassignedTo string
}

func (e *VersionRetiredError) Error() string {
	return fmt.Sprintf("pinned version %s of agent %s is retired (reassigned to %s)",
		e.Version, e.AgentID, e.ReassignedTo)
}

func (e *VersionRetiredError) Kind() string              { return KindVersionRetired }
func (e *VersionRetiredError) RetryAfter() time.Duration { return 0 }

// NoActiveVersionError is a configuration bug: the agent has no active
// version at all. Fatal until an admin publishes one.
type NoActiveVersionError struct {
	AgentID string
}

func (e *NoActiveVersionError) Error() string {
	return "agent " + e.AgentID + " has no active version"
}

func (e *NoActiveVersionError) Kind() string              { return KindNoActiveVersion }
func (e *NoActiveVersionError) RetryAfter() time.Duration { return 0 }

// ── Guard rejections (expected operating conditions) ─────────

// BudgetExceededError is a daily rate limit. Retry is the time until the
// next UTC midnight, when the counter resets.
type BudgetExceededError struct {
	AgentID    string
	TenantID   string
	DailyLimit int
	Used       int
	Estimated  int
	ResetAfter time.Duration
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("daily token budget exceeded for tenant %s on agent %s: used %d + estimated %d > limit %d",
		e.TenantID, e.AgentID, e.Used, e.Estimated, e.DailyLimit)
}

func (e *BudgetExceededError) Kind() string              { return KindBudgetExceeded }
func (e *BudgetExceededError) RetryAfter() time.Duration { return e.ResetAfter }

// TimeoutError reports that execution exceeded the resolved deadline.
// Classified distinctly from generic failures for breaker accounting.
type TimeoutError struct {
	AgentID string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent %s execution exceeded %s deadline", e.AgentID, e.Timeout)
}

func (e *TimeoutError) Kind() string              { return KindTimeout }
func (e *TimeoutError) RetryAfter() time.Duration { return 0 }

// CircuitOpenError is agent-wide containment: the breaker rejected the call
// without attempting execution. Retry after the cool-down window.
type CircuitOpenError struct {
	AgentID  string
	CoolDown time.Duration
}

func (e *CircuitOpenError) Error() string {
	return "circuit open for agent " + e.AgentID
}

func (e *CircuitOpenError) Kind() string              { return KindCircuitOpen }
func (e *CircuitOpenError) RetryAfter() time.Duration { return e.CoolDown }

// ── Helpers ──────────────────────────────────────────────────

// ErrorKind extracts the machine-readable kind, or "internal_error" for
// untyped errors. Wrapped errors are unwrapped.
func ErrorKind(err error) string {
	var cpe ControlPlaneError
	if errors.As(err, &cpe) {
		return cpe.Kind()
	}
	return "internal_error"
}

// Retryable reports whether the caller should retry after a delay.
func Retryable(err error) bool {
	switch ErrorKind(err) {
	case KindBudgetExceeded, KindTimeout, KindCircuitOpen:
		return true
	}
	return false
}
