package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/qualisys/qualisys/control-plane/internal/api/handlers"
	"github.com/qualisys/qualisys/control-plane/internal/audit"
	"github.com/qualisys/qualisys/control-plane/internal/cache"
	"github.com/qualisys/qualisys/control-plane/internal/config"
	"github.com/qualisys/qualisys/control-plane/internal/guard"
	"github.com/qualisys/qualisys/control-plane/internal/metrics"
	"github.com/qualisys/qualisys/control-plane/internal/orchestrator"
	"github.com/qualisys/qualisys/control-plane/internal/registry"
	"github.com/qualisys/qualisys/control-plane/internal/resolver"
	"github.com/qualisys/qualisys/control-plane/internal/rollout"
	"github.com/qualisys/qualisys/control-plane/internal/runtime"
	"github.com/qualisys/qualisys/control-plane/internal/store"
	"github.com/qualisys/qualisys/control-plane/internal/validate"
	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

type echoRunner struct{}

func (echoRunner) Provider() string { return "openai" }

func (echoRunner) Run(ctx context.Context, cfg *models.ResolvedAgentConfig, input string) (*models.AgentResult, error) {
	return &models.AgentResult{
		AgentID:    cfg.AgentID,
		TenantID:   cfg.TenantID,
		Version:    cfg.Version,
		Output:     "echo: " + input,
		TokensUsed: 10,
	}, nil
}

func newTestServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	t.Setenv("QUALISYS_DATA_DIR", t.TempDir())
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	c := cache.New(cache.DefaultTTL)
	t.Cleanup(c.Close)

	v, err := validate.New(nil, models.TierEnterprise)
	if err != nil {
		t.Fatalf("validate.New() error = %v", err)
	}
	m, err := metrics.New()
	if err != nil {
		t.Fatalf("metrics.New() error = %v", err)
	}
	emitter := audit.NewEmitter(s, "", "")
	reg := registry.New(s, c, emitter, v)
	versions := rollout.New(s, c, emitter)
	res := resolver.New(reg, versions, s, c, emitter, v)

	budget := guard.NewTokenBudget()
	t.Cleanup(budget.Close)
	g := guard.New(budget, guard.NewBreakers(emitter, m), emitter, m, 0)
	orc := orchestrator.New(reg, res, g, runtime.NewRegistry(echoRunner{}))

	srv := httptest.NewServer(NewRouter(cfg, handlers.New(reg, res, orc, g, s)))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func seedOverHTTP(t *testing.T, base string) {
	t.Helper()
	resp := doJSON(t, http.MethodPost, base+"/api/v1/agents", &models.AgentDefinition{
		AgentID:                "summarizer",
		Name:                   "Summarizer",
		Type:                   models.AgentTypeBuiltin,
		LLMProvider:            "openai",
		LLMModel:               "gpt-4o-mini",
		MaxTokensPerInvocation: 4096,
		TimeoutSeconds:         30,
		Enabled:                true,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, base+"/api/v1/agents/summarizer/versions", &models.AgentVersion{
		Version:           "1.0.0",
		SystemPrompt:      "You are a careful summarizer. Be accurate and concise.",
		Status:            models.VersionActive,
		RolloutPercentage: 100,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("publish status = %d", resp.StatusCode)
	}
}

func TestRouterInvokeLifecycle(t *testing.T) {
	srv := newTestServer(t, &config.Config{Version: "test"})
	seedOverHTTP(t, srv.URL)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/resolve/summarizer", nil,
		map[string]string{"X-Tenant-Id": "acme"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d", resp.StatusCode)
	}
	var resolved models.ResolvedAgentConfig
	if err := json.NewDecoder(resp.Body).Decode(&resolved); err != nil {
		t.Fatalf("decode resolve: %v", err)
	}
	if resolved.Version != "1.0.0" || resolved.TenantID != "acme" {
		t.Errorf("resolved = %+v", resolved)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/invoke/summarizer",
		map[string]string{"input": "the quarterly report"},
		map[string]string{"X-Tenant-Id": "acme"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invoke status = %d", resp.StatusCode)
	}
	var result models.AgentResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode invoke: %v", err)
	}
	if result.Output != "echo: the quarterly report" {
		t.Errorf("Output = %q", result.Output)
	}
}

func TestRouterErrorStatuses(t *testing.T) {
	srv := newTestServer(t, &config.Config{Version: "test"})
	seedOverHTTP(t, srv.URL)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/resolve/ghost", nil,
		map[string]string{"X-Tenant-Id": "acme"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown agent status = %d, want 404", resp.StatusCode)
	}

	// Tenant switches the agent off, then resolution is forbidden.
	resp = doJSON(t, http.MethodPut, srv.URL+"/api/v1/tenants/acme/agents/summarizer/config",
		&models.TenantAgentConfig{Enabled: false}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert config status = %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/resolve/summarizer", nil,
		map[string]string{"X-Tenant-Id": "acme"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("disabled resolve status = %d, want 403", resp.StatusCode)
	}
}

func TestRouterDiscoverAndBreakers(t *testing.T) {
	srv := newTestServer(t, &config.Config{Version: "test"})
	seedOverHTTP(t, srv.URL)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/discover", nil,
		map[string]string{"X-Tenant-Id": "acme"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("discover status = %d", resp.StatusCode)
	}
	var listing struct {
		Agents []models.AgentMetadata `json:"agents"`
		Count  int                    `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode discover: %v", err)
	}
	if listing.Count != 1 || listing.Agents[0].AgentID != "summarizer" {
		t.Errorf("discover = %+v", listing)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/breakers", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("breakers status = %d", resp.StatusCode)
	}
}

func TestRouterAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t, &config.Config{Version: "test", Auth: config.AuthConfig{APIKeys: "sk-test-1"}})

	// Health stays public.
	resp := doJSON(t, http.MethodGet, srv.URL+"/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/agents", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/agents", nil,
		map[string]string{"Authorization": "Bearer sk-test-1"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}
}
