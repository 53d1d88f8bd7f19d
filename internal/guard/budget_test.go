package guard

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

func TestReserveAndSettle(t *testing.T) {
	b := NewTokenBudget()
	defer b.Close()

	res, err := b.Reserve("acme", "summarizer", 1000, 10_000)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if got := b.Used("acme", "summarizer"); got != 1000 {
		t.Errorf("Used() after reserve = %d, want 1000", got)
	}

	res.Settle(300)
	if got := b.Used("acme", "summarizer"); got != 300 {
		t.Errorf("Used() after settle = %d, want 300", got)
	}

	// Settle is idempotent.
	res.Settle(300)
	if got := b.Used("acme", "summarizer"); got != 300 {
		t.Errorf("Used() after double settle = %d, want 300", got)
	}
}

func TestReserveRejectsOverLimit(t *testing.T) {
	b := NewTokenBudget()
	defer b.Close()

	res, err := b.Reserve("acme", "summarizer", 900, 1000)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	res.Settle(900)

	_, err = b.Reserve("acme", "summarizer", 200, 1000)
	if err == nil {
		t.Fatal("Reserve() over limit expected error, got nil")
	}
	var exceeded *models.BudgetExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("error type = %T, want BudgetExceededError", err)
	}
	if exceeded.Used != 900 || exceeded.DailyLimit != 1000 {
		t.Errorf("error = %+v, want used 900 limit 1000", exceeded)
	}
	if exceeded.ResetAfter <= 0 || exceeded.ResetAfter > 24*time.Hour {
		t.Errorf("ResetAfter = %s, want (0, 24h]", exceeded.ResetAfter)
	}
	if !models.Retryable(err) {
		t.Error("budget rejection should be retryable")
	}
}

func TestBudgetIsIsolatedPerTenantAndAgent(t *testing.T) {
	b := NewTokenBudget()
	defer b.Close()

	if _, err := b.Reserve("acme", "summarizer", 1000, 1000); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if _, err := b.Reserve("globex", "summarizer", 1000, 1000); err != nil {
		t.Errorf("Reserve(other tenant) error = %v", err)
	}
	if _, err := b.Reserve("acme", "translator", 1000, 1000); err != nil {
		t.Errorf("Reserve(other agent) error = %v", err)
	}
}

func TestBudgetResetsAtUTCMidnight(t *testing.T) {
	b := NewTokenBudget()
	defer b.Close()

	day := time.Date(2026, 8, 28, 23, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return day }

	if _, err := b.Reserve("acme", "summarizer", 1000, 1000); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if _, err := b.Reserve("acme", "summarizer", 1, 1000); err == nil {
		t.Fatal("Reserve() at limit expected error, got nil")
	}

	b.now = func() time.Time { return day.Add(2 * time.Hour) } // past midnight
	if _, err := b.Reserve("acme", "summarizer", 1000, 1000); err != nil {
		t.Errorf("Reserve() after day rollover error = %v", err)
	}
}

func TestConcurrentReservesNeverExceedLimit(t *testing.T) {
	b := NewTokenBudget()
	defer b.Close()

	const limit = 10_000
	var admitted int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Reserve("acme", "summarizer", 500, limit); err == nil {
				mu.Lock()
				admitted += 500
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted > limit {
		t.Errorf("admitted %d tokens, limit %d", admitted, limit)
	}
	if admitted != limit {
		t.Errorf("admitted %d tokens, want exactly %d (20 of 100 calls)", admitted, limit)
	}
}

func TestDailyLimitDefault(t *testing.T) {
	if got := DailyLimit(4096); got != 409_600 {
		t.Errorf("DailyLimit(4096) = %d, want 409600", got)
	}
}
