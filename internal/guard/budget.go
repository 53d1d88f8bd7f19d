// Package guard enforces the runtime safety rails around agent execution:
// the daily token budget, the per-agent deadline and the circuit breaker.
// Guard rejections are expected operating conditions, typed and retryable,
// never internal errors.
package guard

import (
	"sync"
	"time"

	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

// DailyBudgetMultiplier derives the default daily token limit from the
// per-invocation ceiling when no explicit limit is configured.
const DailyBudgetMultiplier = 100

// DailyLimit returns the default daily token budget for an agent whose
// per-invocation ceiling is maxTokens.
func DailyLimit(maxTokens int) int {
	return maxTokens * DailyBudgetMultiplier
}

// TokenBudget meters daily token consumption per (tenant, agent). Counters
// are keyed by UTC day and reset implicitly at midnight; stale counters are
// swept in the background.
//
// Admission is reserve-then-settle: a reservation charges the invocation's
// full per-call ceiling up front, and the settle step refunds the unused
// remainder once actual usage is known. Concurrent callers therefore never
// admit past the limit, at the cost of briefly over-counting in-flight work.
type TokenBudget struct {
	mu       sync.Mutex
	counters map[string]*budgetCounter

	done     chan struct{}
	stopOnce sync.Once

	// now is swapped in tests to cross day boundaries.
	now func() time.Time
}

type budgetCounter struct {
	day  string
	used int
}

// NewTokenBudget creates a budget meter and starts its sweep loop.
func NewTokenBudget() *TokenBudget {
	b := &TokenBudget{
		counters: make(map[string]*budgetCounter),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	go b.sweepLoop()
	return b
}

// Close stops the sweep loop.
func (b *TokenBudget) Close() {
	b.stopOnce.Do(func() { close(b.done) })
}

// Reservation holds tokens charged against a daily counter until Settle
// replaces the estimate with actual usage.
type Reservation struct {
	budget    *TokenBudget
	key       string
	day       string
	estimated int
	settled   bool
}

// Reserve charges estimated tokens against the (tenant, agent) counter for
// the current UTC day, or rejects with a BudgetExceededError whose
// RetryAfter points at the next UTC midnight.
func (b *TokenBudget) Reserve(tenantID, agentID string, estimated, dailyLimit int) (*Reservation, error) {
	now := b.now().UTC()
	day := now.Format("2006-01-02")
	key := tenantID + ":" + agentID

	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.counters[key]
	if c == nil || c.day != day {
		c = &budgetCounter{day: day}
		b.counters[key] = c
	}

	if c.used+estimated > dailyLimit {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
		return nil, &models.BudgetExceededError{
			AgentID:    agentID,
			TenantID:   tenantID,
			DailyLimit: dailyLimit,
			Used:       c.used,
			Estimated:  estimated,
			ResetAfter: midnight.Sub(now),
		}
	}

	c.used += estimated
	return &Reservation{budget: b, key: key, day: day, estimated: estimated}, nil
}

// Settle replaces the reservation's estimate with the actual token count.
// Settling with the full estimate (no refund) is correct when actual usage
// is unknown, as after a timeout. Idempotent.
func (r *Reservation) Settle(actual int) {
	if r.settled {
		return
	}
	r.settled = true
	if actual < 0 {
		actual = 0
	}

	r.budget.mu.Lock()
	defer r.budget.mu.Unlock()

	c := r.budget.counters[r.key]
	if c == nil || c.day != r.day {
		// The day rolled over; the reservation died with its counter.
		return
	}
	c.used += actual - r.estimated
	if c.used < 0 {
		c.used = 0
	}
}

// Used returns today's consumed tokens for (tenant, agent).
func (b *TokenBudget) Used(tenantID, agentID string) int {
	day := b.now().UTC().Format("2006-01-02")

	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.counters[tenantID+":"+agentID]
	if c == nil || c.day != day {
		return 0
	}
	return c.used
}

// sweepLoop drops counters left behind by day rollover.
func (b *TokenBudget) sweepLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			day := b.now().UTC().Format("2006-01-02")
			b.mu.Lock()
			for key, c := range b.counters {
				if c.day != day {
					delete(b.counters, key)
				}
			}
			b.mu.Unlock()
		}
	}
}
