package rollout

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/qualisys/qualisys/control-plane/internal/audit"
	"github.com/qualisys/qualisys/control-plane/internal/cache"
	"github.com/qualisys/qualisys/control-plane/internal/store"
	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

func newTestResolver(t *testing.T) (*Resolver, *store.MemoryStore) {
	t.Helper()
	t.Setenv("QUALISYS_DATA_DIR", t.TempDir())
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	c := cache.New(cache.DefaultTTL)
	t.Cleanup(c.Close)
	return New(s, c, audit.NewEmitter(s, "", "")), s
}

func seedVersion(t *testing.T, s *store.MemoryStore, version string, status models.VersionStatus, rollout int) {
	t.Helper()
	err := s.CreateVersion(context.Background(), &models.AgentVersion{
		AgentID:           "summarizer",
		Version:           version,
		SystemPrompt:      "You summarize documents.",
		Status:            status,
		RolloutPercentage: rollout,
		CreatedAt:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateVersion(%s) error = %v", version, err)
	}
}

func TestBucketIsDeterministic(t *testing.T) {
	for _, tenant := range []string{"acme", "globex", "initech", ""} {
		a := Bucket(tenant)
		b := Bucket(tenant)
		if a != b {
			t.Errorf("Bucket(%q) unstable: %d then %d", tenant, a, b)
		}
		if a < 0 || a >= 100 {
			t.Errorf("Bucket(%q) = %d, want [0, 100)", tenant, a)
		}
	}
}

func TestBucketDistribution(t *testing.T) {
	// 1000 distinct tenants should land roughly uniformly; a 10% rollout
	// window should catch on the order of 100 of them.
	count := 0
	for i := 0; i < 1000; i++ {
		if Bucket(fmt.Sprintf("tenant-%d", i)) < 10 {
			count++
		}
	}
	if count < 60 || count > 140 {
		t.Errorf("10%% window caught %d of 1000 tenants, want roughly 100", count)
	}
}

func TestRolloutWideningIsMonotonicSuperset(t *testing.T) {
	// Every tenant selected at 20% must stay selected at 50%.
	for i := 0; i < 500; i++ {
		tenant := fmt.Sprintf("tenant-%d", i)
		selectedAt20 := Bucket(tenant) < 20
		selectedAt50 := Bucket(tenant) < 50
		if selectedAt20 && !selectedAt50 {
			t.Fatalf("tenant %s selected at 20%% but not at 50%%", tenant)
		}
	}
}

func TestResolveFullRollout(t *testing.T) {
	r, s := newTestResolver(t)
	seedVersion(t, s, "1.0.0", models.VersionActive, 100)
	seedVersion(t, s, "2.0.0", models.VersionActive, 100)

	v, err := r.Resolve(context.Background(), "summarizer", "acme")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if v.Version != "2.0.0" {
		t.Errorf("Resolve() = %s, want newest active 2.0.0", v.Version)
	}
}

func TestResolvePartialRolloutSplitsByBucket(t *testing.T) {
	r, s := newTestResolver(t)
	seedVersion(t, s, "1.0.0", models.VersionActive, 100)
	seedVersion(t, s, "2.0.0", models.VersionActive, 30)

	ctx := context.Background()
	sawNew, sawOld := false, false
	for i := 0; i < 200; i++ {
		tenant := fmt.Sprintf("tenant-%d", i)
		v, err := r.Resolve(ctx, "summarizer", tenant)
		if err != nil {
			t.Fatalf("Resolve(%s) error = %v", tenant, err)
		}
		want := "1.0.0"
		if Bucket(tenant) < 30 {
			want = "2.0.0"
		}
		if v.Version != want {
			t.Fatalf("Resolve(%s) = %s, want %s (bucket %d)", tenant, v.Version, want, Bucket(tenant))
		}
		if v.Version == "2.0.0" {
			sawNew = true
		} else {
			sawOld = true
		}
	}
	if !sawNew || !sawOld {
		t.Error("expected the 30% rollout to split 200 tenants across both versions")
	}
}

func TestResolveIsStableAcrossCalls(t *testing.T) {
	r, s := newTestResolver(t)
	seedVersion(t, s, "1.0.0", models.VersionActive, 100)
	seedVersion(t, s, "2.0.0", models.VersionActive, 50)

	ctx := context.Background()
	first, err := r.Resolve(ctx, "summarizer", "acme")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := r.Resolve(ctx, "summarizer", "acme")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if again.Version != first.Version {
			t.Fatalf("Resolve() flapped: %s then %s", first.Version, again.Version)
		}
	}
}

func TestResolvePinnedVersionWins(t *testing.T) {
	r, s := newTestResolver(t)
	ctx := context.Background()
	seedVersion(t, s, "1.0.0", models.VersionDeprecated, 100)
	seedVersion(t, s, "2.0.0", models.VersionActive, 100)

	cfg := &models.TenantAgentConfig{TenantID: "acme", AgentID: "summarizer", Enabled: true, PinnedVersion: "1.0.0"}
	if err := s.UpsertTenantConfig(ctx, cfg); err != nil {
		t.Fatalf("UpsertTenantConfig() error = %v", err)
	}

	v, err := r.Resolve(ctx, "summarizer", "acme")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	// Pinning to a deprecated version is allowed.
	if v.Version != "1.0.0" {
		t.Errorf("Resolve() = %s, want pinned 1.0.0", v.Version)
	}
}

func TestResolveRetiredPinReassigns(t *testing.T) {
	r, s := newTestResolver(t)
	ctx := context.Background()
	seedVersion(t, s, "1.0.0", models.VersionRetired, 100)
	seedVersion(t, s, "2.0.0", models.VersionActive, 100)

	cfg := &models.TenantAgentConfig{TenantID: "acme", AgentID: "summarizer", Enabled: true, PinnedVersion: "1.0.0"}
	if err := s.UpsertTenantConfig(ctx, cfg); err != nil {
		t.Fatalf("UpsertTenantConfig() error = %v", err)
	}

	v, err := r.Resolve(ctx, "summarizer", "acme")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if v.Version != "2.0.0" {
		t.Errorf("Resolve() = %s, want rollout reassignment 2.0.0", v.Version)
	}

	events, err := s.ListAuditEvents(ctx, models.AuditFilter{Action: audit.ActionVersionReassigned})
	if err != nil {
		t.Fatalf("ListAuditEvents() error = %v", err)
	}
	if len(events) != 1 {
		t.Errorf("reassignment emitted %d audit events, want 1", len(events))
	}
}

func TestResolveMissingPinFallsThrough(t *testing.T) {
	r, s := newTestResolver(t)
	ctx := context.Background()
	seedVersion(t, s, "1.0.0", models.VersionActive, 100)

	cfg := &models.TenantAgentConfig{TenantID: "acme", AgentID: "summarizer", Enabled: true, PinnedVersion: "9.9.9"}
	if err := s.UpsertTenantConfig(ctx, cfg); err != nil {
		t.Fatalf("UpsertTenantConfig() error = %v", err)
	}

	v, err := r.Resolve(ctx, "summarizer", "acme")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if v.Version != "1.0.0" {
		t.Errorf("Resolve() = %s, want rollout assignment 1.0.0", v.Version)
	}
}

func TestResolveNoActiveVersion(t *testing.T) {
	r, s := newTestResolver(t)
	seedVersion(t, s, "1.0.0", models.VersionRetired, 100)

	_, err := r.Resolve(context.Background(), "summarizer", "acme")
	if err == nil {
		t.Fatal("Resolve() expected error, got nil")
	}
	if models.ErrorKind(err) != models.KindNoActiveVersion {
		t.Errorf("error kind = %s, want %s", models.ErrorKind(err), models.KindNoActiveVersion)
	}
}

func TestResolveSolePartialActiveServesEveryone(t *testing.T) {
	r, s := newTestResolver(t)
	seedVersion(t, s, "1.0.0", models.VersionActive, 10)

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		v, err := r.Resolve(ctx, "summarizer", fmt.Sprintf("tenant-%d", i))
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if v.Version != "1.0.0" {
			t.Errorf("Resolve() = %s, want sole active 1.0.0", v.Version)
		}
	}
}
