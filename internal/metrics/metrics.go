// Package metrics registers the control plane's OpenTelemetry instruments.
// With no meter provider configured the instruments are no-ops, so callers
// record unconditionally.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the counters and histograms recorded on the invocation path.
type Metrics struct {
	invocations        metric.Int64Counter
	invocationLatency  metric.Float64Histogram
	tokensConsumed     metric.Int64Counter
	timeouts           metric.Int64Counter
	budgetRejections   metric.Int64Counter
	circuitRejections  metric.Int64Counter
	circuitTransitions metric.Int64Counter
}

// New registers the control-plane instruments on the global meter provider.
func New() (*Metrics, error) {
	meter := otel.Meter("qualisys.control-plane")

	m := &Metrics{}
	var err error

	if m.invocations, err = meter.Int64Counter("qualisys.invocations",
		metric.WithDescription("Agent invocations by outcome")); err != nil {
		return nil, fmt.Errorf("register invocations counter: %w", err)
	}
	if m.invocationLatency, err = meter.Float64Histogram("qualisys.invocation.duration",
		metric.WithDescription("Agent invocation latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("register latency histogram: %w", err)
	}
	if m.tokensConsumed, err = meter.Int64Counter("qualisys.tokens.consumed",
		metric.WithDescription("Tokens consumed per tenant and agent")); err != nil {
		return nil, fmt.Errorf("register tokens counter: %w", err)
	}
	if m.timeouts, err = meter.Int64Counter("qualisys.invocations.timeouts",
		metric.WithDescription("Invocations that exceeded their deadline")); err != nil {
		return nil, fmt.Errorf("register timeouts counter: %w", err)
	}
	if m.budgetRejections, err = meter.Int64Counter("qualisys.budget.rejections",
		metric.WithDescription("Invocations rejected by the daily token budget")); err != nil {
		return nil, fmt.Errorf("register budget rejections counter: %w", err)
	}
	if m.circuitRejections, err = meter.Int64Counter("qualisys.circuit.rejections",
		metric.WithDescription("Invocations rejected by an open circuit")); err != nil {
		return nil, fmt.Errorf("register circuit rejections counter: %w", err)
	}
	if m.circuitTransitions, err = meter.Int64Counter("qualisys.circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions")); err != nil {
		return nil, fmt.Errorf("register circuit transitions counter: %w", err)
	}
	return m, nil
}

// Invocation records one completed (or failed) invocation.
func (m *Metrics) Invocation(ctx context.Context, agentID, tenantID, outcome string, durationMs int64) {
	attrs := metric.WithAttributes(
		attribute.String("agent", agentID),
		attribute.String("tenant", tenantID),
		attribute.String("outcome", outcome),
	)
	m.invocations.Add(ctx, 1, attrs)
	m.invocationLatency.Record(ctx, float64(durationMs), attrs)
}

// Tokens records token consumption attributed to (agent, tenant).
func (m *Metrics) Tokens(ctx context.Context, agentID, tenantID string, n int) {
	if n <= 0 {
		return
	}
	m.tokensConsumed.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("agent", agentID),
		attribute.String("tenant", tenantID),
	))
}

// Timeout records a deadline-exceeded invocation.
func (m *Metrics) Timeout(ctx context.Context, agentID, tenantID string) {
	m.timeouts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agentID),
		attribute.String("tenant", tenantID),
	))
}

// BudgetRejection records one budget-rejected invocation.
func (m *Metrics) BudgetRejection(ctx context.Context, agentID, tenantID string) {
	m.budgetRejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agentID),
		attribute.String("tenant", tenantID),
	))
}

// CircuitRejection records one invocation rejected by an open circuit.
func (m *Metrics) CircuitRejection(ctx context.Context, agentID string) {
	m.circuitRejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agentID),
	))
}

// CircuitTransition records one breaker state change.
func (m *Metrics) CircuitTransition(ctx context.Context, agentID, from, to string) {
	m.circuitTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agentID),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
