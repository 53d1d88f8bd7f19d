package store

import (
	"context"
	"testing"
	"time"

	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	t.Setenv("QUALISYS_DATA_DIR", t.TempDir())
	s := NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func testDefinition(agentID string) *models.AgentDefinition {
	return &models.AgentDefinition{
		AgentID:                agentID,
		Name:                   "Test Agent",
		Type:                   models.AgentTypeCustom,
		LLMProvider:            "openai",
		LLMModel:               "gpt-4o-mini",
		MaxTokensPerInvocation: 4096,
		TimeoutSeconds:         30,
		Enabled:                true,
		CreatedAt:              time.Now().UTC(),
		UpdatedAt:              time.Now().UTC(),
	}
}

func TestDefinitionUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertDefinition(ctx, testDefinition("summarizer")); err != nil {
		t.Fatalf("UpsertDefinition() error = %v", err)
	}

	got, err := s.GetDefinition(ctx, "summarizer")
	if err != nil {
		t.Fatalf("GetDefinition() error = %v", err)
	}
	if got.AgentID != "summarizer" || got.MaxTokensPerInvocation != 4096 {
		t.Errorf("GetDefinition() = %+v, want summarizer with 4096 tokens", got)
	}

	if _, err := s.GetDefinition(ctx, "missing"); err == nil {
		t.Error("GetDefinition(missing) expected error, got nil")
	}
}

func TestListVersionsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"1.0.0", "1.2.0", "1.10.0", "1.1.0"} {
		err := s.CreateVersion(ctx, &models.AgentVersion{
			AgentID:           "summarizer",
			Version:           v,
			SystemPrompt:      "You summarize.",
			Status:            models.VersionActive,
			RolloutPercentage: 100,
			CreatedAt:         time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("CreateVersion(%s) error = %v", v, err)
		}
	}

	versions, err := s.ListVersions(ctx, "summarizer")
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	want := []string{"1.10.0", "1.2.0", "1.1.0", "1.0.0"}
	if len(versions) != len(want) {
		t.Fatalf("ListVersions() returned %d versions, want %d", len(versions), len(want))
	}
	for i, w := range want {
		if versions[i].Version != w {
			t.Errorf("ListVersions()[%d] = %s, want %s", i, versions[i].Version, w)
		}
	}
}

func TestCreateVersionRejectsDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v := &models.AgentVersion{
		AgentID:      "summarizer",
		Version:      "1.0.0",
		SystemPrompt: "You summarize.",
		Status:       models.VersionActive,
	}
	if err := s.CreateVersion(ctx, v); err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	err := s.CreateVersion(ctx, v)
	if err == nil {
		t.Fatal("CreateVersion(duplicate) expected error, got nil")
	}
	if models.ErrorKind(err) != models.KindValidation {
		t.Errorf("duplicate version error kind = %s, want %s", models.ErrorKind(err), models.KindValidation)
	}
}

func TestTenantTierDefaultsToFree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tier, err := s.GetTenantTier(ctx, "acme")
	if err != nil {
		t.Fatalf("GetTenantTier() error = %v", err)
	}
	if tier != models.TierFree {
		t.Errorf("GetTenantTier() = %s, want %s", tier, models.TierFree)
	}

	if err := s.SetTenantTier(ctx, "acme", models.TierEnterprise); err != nil {
		t.Fatalf("SetTenantTier() error = %v", err)
	}
	tier, _ = s.GetTenantTier(ctx, "acme")
	if tier != models.TierEnterprise {
		t.Errorf("GetTenantTier() after set = %s, want %s", tier, models.TierEnterprise)
	}
}

func TestTenantConfigLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := &models.TenantAgentConfig{
		TenantID:           "acme",
		AgentID:            "summarizer",
		Enabled:            true,
		CustomPrompt:       "Always answer in formal English and cite sources.",
		PromptOverrideMode: models.PromptAppend,
	}
	if err := s.UpsertTenantConfig(ctx, cfg); err != nil {
		t.Fatalf("UpsertTenantConfig() error = %v", err)
	}

	got, err := s.GetTenantConfig(ctx, "acme", "summarizer")
	if err != nil {
		t.Fatalf("GetTenantConfig() error = %v", err)
	}
	if got.CustomPrompt != cfg.CustomPrompt {
		t.Errorf("GetTenantConfig() prompt = %q, want %q", got.CustomPrompt, cfg.CustomPrompt)
	}

	if err := s.DeleteTenantConfig(ctx, "acme", "summarizer"); err != nil {
		t.Fatalf("DeleteTenantConfig() error = %v", err)
	}
	if _, err := s.GetTenantConfig(ctx, "acme", "summarizer"); err == nil {
		t.Error("GetTenantConfig() after delete expected error, got nil")
	}
}

func TestAuditEventFiltering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events := []*models.AuditEvent{
		{ID: "1", Action: "agent.registered", AgentID: "summarizer", Timestamp: time.Now().UTC()},
		{ID: "2", Action: "version.published", AgentID: "summarizer", Timestamp: time.Now().UTC()},
		{ID: "3", Action: "agent.registered", AgentID: "translator", TenantID: "acme", Timestamp: time.Now().UTC()},
	}
	for _, e := range events {
		if err := s.CreateAuditEvent(ctx, e); err != nil {
			t.Fatalf("CreateAuditEvent() error = %v", err)
		}
	}

	got, err := s.ListAuditEvents(ctx, models.AuditFilter{AgentID: "summarizer"})
	if err != nil {
		t.Fatalf("ListAuditEvents() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ListAuditEvents(agent=summarizer) returned %d events, want 2", len(got))
	}

	got, _ = s.ListAuditEvents(ctx, models.AuditFilter{Action: "agent.registered", TenantID: "acme"})
	if len(got) != 1 || got[0].AgentID != "translator" {
		t.Errorf("ListAuditEvents(action+tenant) = %+v, want single translator event", got)
	}
}

func TestSnapshotPersistence(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QUALISYS_DATA_DIR", dir)

	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.UpsertDefinition(ctx, testDefinition("summarizer")); err != nil {
		t.Fatalf("UpsertDefinition() error = %v", err)
	}
	s.Close()

	reloaded := NewMemoryStore()
	defer reloaded.Close()
	got, err := reloaded.GetDefinition(ctx, "summarizer")
	if err != nil {
		t.Fatalf("GetDefinition() after reload error = %v", err)
	}
	if got.Name != "Test Agent" {
		t.Errorf("reloaded definition name = %q, want %q", got.Name, "Test Agent")
	}
}
