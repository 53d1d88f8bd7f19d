package guard

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qualisys/qualisys/control-plane/internal/audit"
	"github.com/qualisys/qualisys/control-plane/internal/metrics"
	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

// ExecuteFunc runs one agent invocation under the caller's context. The
// runtime must honor context cancellation; the guard enforces the deadline
// through the context it passes in.
type ExecuteFunc func(ctx context.Context) (*models.AgentResult, error)

// Guard wraps agent execution with the circuit breaker, the daily token
// budget and the per-agent deadline, in that order. Checks are ordered
// cheapest-first and the breaker check runs before the budget reservation
// so rejected calls never charge the counter.
type Guard struct {
	budget          *TokenBudget
	breakers        *Breakers
	audit           *audit.Emitter
	metrics         *metrics.Metrics
	dailyMultiplier int
}

// New creates a guard around the given budget meter and breaker registry.
// dailyMultiplier scales an agent's per-invocation MaxTokens into its daily
// token limit per tenant; zero or negative selects DailyBudgetMultiplier.
func New(b *TokenBudget, br *Breakers, a *audit.Emitter, m *metrics.Metrics, dailyMultiplier int) *Guard {
	if dailyMultiplier <= 0 {
		dailyMultiplier = DailyBudgetMultiplier
	}
	return &Guard{budget: b, breakers: br, audit: a, metrics: m, dailyMultiplier: dailyMultiplier}
}

// Breakers exposes the circuit registry for the admin surface.
func (g *Guard) Breakers() *Breakers { return g.breakers }

// Budget exposes the token meter for the admin surface.
func (g *Guard) Budget() *TokenBudget { return g.budget }

// Execute runs fn under the resolved config's guard rails.
//
// Rejections (circuit open, budget exhausted) return typed retryable errors
// without invoking fn and without counting as breaker failures. Execution
// failures and timeouts feed the breaker with tenant attribution; timeouts
// are classified as TimeoutError, distinct from generic failures.
func (g *Guard) Execute(ctx context.Context, resolved *models.ResolvedAgentConfig, fn ExecuteFunc) (*models.AgentResult, error) {
	agentID, tenantID := resolved.AgentID, resolved.TenantID

	if err := g.breakers.Allow(ctx, agentID); err != nil {
		g.metrics.CircuitRejection(ctx, agentID)
		g.metrics.Invocation(ctx, agentID, tenantID, "circuit_rejected", 0)
		return nil, err
	}

	reservation, err := g.budget.Reserve(tenantID, agentID, resolved.MaxTokens, resolved.MaxTokens*g.dailyMultiplier)
	if err != nil {
		var exceeded *models.BudgetExceededError
		if errors.As(err, &exceeded) {
			log.Warn().
				Str("agent", agentID).
				Str("tenant", tenantID).
				Int("used", exceeded.Used).
				Int("limit", exceeded.DailyLimit).
				Msg("Daily token budget exceeded")
			g.audit.Emit(ctx, "system", audit.ActionBudgetExceeded, agentID, tenantID, map[string]any{
				"used":      exceeded.Used,
				"estimated": exceeded.Estimated,
				"limit":     exceeded.DailyLimit,
			})
			g.metrics.BudgetRejection(ctx, agentID, tenantID)
			g.metrics.Invocation(ctx, agentID, tenantID, "budget_rejected", 0)
		}
		// A budget rejection is the tenant hitting a quota, not the agent
		// failing; the breaker neither counts it nor loses its probe slot.
		g.breakers.ReleaseProbe(agentID)
		return nil, err
	}

	timeout := time.Duration(resolved.TimeoutSeconds) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := fn(execCtx)
	durationMs := time.Since(start).Milliseconds()

	if err != nil {
		// Keep the full reservation when actual usage is unknown: a timed
		// out upstream may have consumed tokens we never heard about.
		actual := resolved.MaxTokens
		if result != nil {
			actual = result.TokensUsed
		}
		reservation.Settle(actual)
		g.metrics.Tokens(ctx, agentID, tenantID, actual)

		if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			g.breakers.ReportFailure(ctx, agentID, tenantID, models.KindTimeout)
			g.metrics.Timeout(ctx, agentID, tenantID)
			g.metrics.Invocation(ctx, agentID, tenantID, "timeout", durationMs)
			log.Warn().
				Str("agent", agentID).
				Str("tenant", tenantID).
				Dur("timeout", timeout).
				Msg("Agent execution timed out")
			return nil, &models.TimeoutError{AgentID: agentID, Timeout: timeout}
		}
		if ctx.Err() != nil {
			// Caller cancelled; not an agent failure.
			g.breakers.ReleaseProbe(agentID)
			g.metrics.Invocation(ctx, agentID, tenantID, "cancelled", durationMs)
			return nil, err
		}

		g.breakers.ReportFailure(ctx, agentID, tenantID, "execution_error")
		g.metrics.Invocation(ctx, agentID, tenantID, "error", durationMs)
		return nil, err
	}

	reservation.Settle(result.TokensUsed)
	g.breakers.ReportSuccess(ctx, agentID)
	g.metrics.Tokens(ctx, agentID, tenantID, result.TokensUsed)
	g.metrics.Invocation(ctx, agentID, tenantID, "ok", durationMs)

	result.DurationMs = durationMs
	return result, nil
}
