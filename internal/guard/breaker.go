package guard

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qualisys/qualisys/control-plane/internal/audit"
	"github.com/qualisys/qualisys/control-plane/internal/metrics"
	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

// Breaker tuning. The window is sliding: only failures inside it count
// toward the threshold.
const (
	FailureThreshold = 5
	FailureWindow    = 120 * time.Second
	CoolDown         = 60 * time.Second
)

// Breakers holds one circuit per agent. The breaker is agent-wide: a
// misbehaving upstream takes the agent down for every tenant at once, which
// is the intended containment. Failures still carry tenant attribution so a
// per-tenant layer can be added without changing the record shape.
type Breakers struct {
	mu      sync.Mutex
	byAgent map[string]*breaker

	audit   *audit.Emitter
	metrics *metrics.Metrics
	now     func() time.Time
}

type breaker struct {
	mu       sync.Mutex
	state    models.CircuitState
	failures []models.BreakerFailure
	openedAt time.Time
	probing  bool
}

// NewBreakers creates the per-agent circuit registry.
func NewBreakers(a *audit.Emitter, m *metrics.Metrics) *Breakers {
	return &Breakers{
		byAgent: make(map[string]*breaker),
		audit:   a,
		metrics: m,
		now:     time.Now,
	}
}

func (bs *Breakers) get(agentID string) *breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b := bs.byAgent[agentID]
	if b == nil {
		b = &breaker{state: models.CircuitClosed}
		bs.byAgent[agentID] = b
	}
	return b
}

// Allow decides whether an invocation may proceed. In the open state one
// probe is admitted after the cool-down; everything else is rejected with a
// CircuitOpenError carrying the remaining wait.
func (bs *Breakers) Allow(ctx context.Context, agentID string) error {
	b := bs.get(agentID)
	now := bs.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case models.CircuitClosed:
		return nil

	case models.CircuitOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < CoolDown {
			return &models.CircuitOpenError{AgentID: agentID, CoolDown: CoolDown - elapsed}
		}
		b.state = models.CircuitHalfOpen
		b.probing = true
		bs.transition(ctx, agentID, models.CircuitOpen, models.CircuitHalfOpen, nil)
		return nil

	case models.CircuitHalfOpen:
		if b.probing {
			return &models.CircuitOpenError{AgentID: agentID, CoolDown: CoolDown}
		}
		b.probing = true
		return nil
	}
	return nil
}

// ReportSuccess records a successful invocation. A successful half-open
// probe closes the circuit and clears the failure history.
func (bs *Breakers) ReportSuccess(ctx context.Context, agentID string) {
	b := bs.get(agentID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != models.CircuitHalfOpen {
		return
	}
	b.state = models.CircuitClosed
	b.probing = false
	b.failures = nil
	b.openedAt = time.Time{}
	bs.transition(ctx, agentID, models.CircuitHalfOpen, models.CircuitClosed, nil)
}

// ReleaseProbe returns an admitted half-open probe slot without verdict,
// for calls that were admitted by the breaker but never executed.
func (bs *Breakers) ReleaseProbe(agentID string) {
	b := bs.get(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == models.CircuitHalfOpen {
		b.probing = false
	}
}

// ReportFailure records a breaker-counted failure attributed to tenantID.
// A failed half-open probe reopens immediately; in the closed state the
// circuit opens once the sliding window holds the threshold.
func (bs *Breakers) ReportFailure(ctx context.Context, agentID, tenantID, kind string) {
	b := bs.get(agentID)
	now := bs.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	failure := models.BreakerFailure{TenantID: tenantID, Kind: kind, OccurredAt: now}

	switch b.state {
	case models.CircuitHalfOpen:
		b.state = models.CircuitOpen
		b.probing = false
		b.openedAt = now
		b.failures = append(b.failures, failure)
		bs.transition(ctx, agentID, models.CircuitHalfOpen, models.CircuitOpen, map[string]any{
			"tenant": tenantID,
			"kind":   kind,
			"probe":  true,
		})

	case models.CircuitClosed:
		cutoff := now.Add(-FailureWindow)
		kept := b.failures[:0]
		for _, f := range b.failures {
			if f.OccurredAt.After(cutoff) {
				kept = append(kept, f)
			}
		}
		b.failures = append(kept, failure)
		if len(b.failures) < FailureThreshold {
			return
		}
		b.state = models.CircuitOpen
		b.openedAt = now
		bs.transition(ctx, agentID, models.CircuitClosed, models.CircuitOpen, map[string]any{
			"failures": len(b.failures),
			"tenant":   tenantID,
			"kind":     kind,
		})
	}
	// Failures while already open are not counted; nothing executed.
}

// State returns the current circuit state for an agent.
func (bs *Breakers) State(agentID string) models.CircuitState {
	b := bs.get(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view of one agent's circuit.
func (bs *Breakers) Snapshot(agentID string) models.BreakerSnapshot {
	b := bs.get(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := models.BreakerSnapshot{
		AgentID:      agentID,
		State:        b.state,
		FailureCount: len(b.failures),
		Failures:     append([]models.BreakerFailure(nil), b.failures...),
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		snap.OpenedAt = &t
	}
	return snap
}

// Snapshots returns the circuits of every agent seen so far.
func (bs *Breakers) Snapshots() []models.BreakerSnapshot {
	bs.mu.Lock()
	agents := make([]string, 0, len(bs.byAgent))
	for id := range bs.byAgent {
		agents = append(agents, id)
	}
	bs.mu.Unlock()

	out := make([]models.BreakerSnapshot, 0, len(agents))
	for _, id := range agents {
		out = append(out, bs.Snapshot(id))
	}
	return out
}

// transition logs, audits and meters a state change. Called with the
// breaker's lock held; the audit store write is fast and the webhook leg is
// already asynchronous.
func (bs *Breakers) transition(ctx context.Context, agentID string, from, to models.CircuitState, details map[string]any) {
	log.Warn().
		Str("agent", agentID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Circuit breaker transition")

	action := audit.ActionCircuitClosed
	switch to {
	case models.CircuitOpen:
		action = audit.ActionCircuitOpened
	case models.CircuitHalfOpen:
		action = audit.ActionCircuitHalfOpen
	}
	bs.audit.Emit(ctx, "system", action, agentID, "", details)
	bs.metrics.CircuitTransition(ctx, agentID, string(from), string(to))
}
