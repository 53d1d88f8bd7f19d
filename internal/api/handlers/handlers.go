// Package handlers implements the HTTP handlers of the control plane API:
// the admin surface (agent registry, versions, tenant configs, audit) and
// the tenant surface (discover, resolve, invoke).
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/qualisys/qualisys/control-plane/internal/api/middleware"
	"github.com/qualisys/qualisys/control-plane/internal/guard"
	"github.com/qualisys/qualisys/control-plane/internal/orchestrator"
	"github.com/qualisys/qualisys/control-plane/internal/registry"
	"github.com/qualisys/qualisys/control-plane/internal/resolver"
	"github.com/qualisys/qualisys/control-plane/internal/store"
	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

// Handlers carries the wired services behind the HTTP surface.
type Handlers struct {
	registry     *registry.Registry
	resolver     *resolver.Resolver
	orchestrator *orchestrator.Orchestrator
	guard        *guard.Guard
	store        store.Store
}

// New creates the handler set.
func New(reg *registry.Registry, res *resolver.Resolver, orc *orchestrator.Orchestrator, g *guard.Guard, s store.Store) *Handlers {
	return &Handlers{registry: reg, resolver: res, orchestrator: orc, guard: g, store: s}
}

// ── Response helpers ────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Error().Err(err).Msg("Failed to encode response")
		}
	}
}

// respondError maps the error taxonomy onto HTTP statuses. Retryable
// rejections carry a Retry-After header.
func respondError(w http.ResponseWriter, err error) {
	kind := models.ErrorKind(err)

	status := http.StatusInternalServerError
	switch kind {
	case models.KindValidation:
		status = http.StatusBadRequest
	case models.KindNotFound, models.KindAgentNotFound:
		status = http.StatusNotFound
	case models.KindAgentDisabled:
		status = http.StatusForbidden
	case models.KindVersionRetired, models.KindNoActiveVersion:
		status = http.StatusConflict
	case models.KindBudgetExceeded:
		status = http.StatusTooManyRequests
	case models.KindTimeout:
		status = http.StatusGatewayTimeout
	case models.KindCircuitOpen:
		status = http.StatusServiceUnavailable
	}

	var cpe models.ControlPlaneError
	if errors.As(err, &cpe) {
		if after := cpe.RetryAfter(); after > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(after.Seconds())+1))
		}
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Internal error")
	}
	respondJSON(w, status, map[string]string{
		"error":   kind,
		"message": err.Error(),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, &models.ValidationError{Rule: "body_json", Message: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

// actor identifies the mutating caller for audit records.
func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return middleware.GetTenantID(r.Context())
}

// ── Agent registry (admin) ──────────────────────────────────

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	defs, err := h.registry.List(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"agents": defs, "count": len(defs)})
}

func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var def models.AgentDefinition
	if !decodeJSON(w, r, &def) {
		return
	}
	out, err := h.registry.Register(r.Context(), actor(r), &def)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, out)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	def, err := h.registry.Get(r.Context(), chi.URLParam(r, "agentID"), true)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, def)
}

func (h *Handlers) DisableAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := h.registry.Disable(r.Context(), actor(r), agentID); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"agent_id": agentID, "status": "disabled"})
}

// ── Versions (admin) ────────────────────────────────────────

func (h *Handlers) ListVersions(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	versions, err := h.registry.ListVersions(r.Context(), agentID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "versions": versions})
}

func (h *Handlers) PublishVersion(w http.ResponseWriter, r *http.Request) {
	var v models.AgentVersion
	if !decodeJSON(w, r, &v) {
		return
	}
	v.AgentID = chi.URLParam(r, "agentID")
	out, err := h.registry.PublishVersion(r.Context(), actor(r), &v)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, out)
}

func (h *Handlers) SetVersionStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.VersionStatus `json:"status"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	version := chi.URLParam(r, "version")
	if err := h.registry.SetVersionStatus(r.Context(), actor(r), agentID, version, body.Status); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"agent_id": agentID,
		"version":  version,
		"status":   string(body.Status),
	})
}

func (h *Handlers) SetRollout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RolloutPercentage int `json:"rollout_percentage"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	version := chi.URLParam(r, "version")
	if err := h.registry.SetRollout(r.Context(), actor(r), agentID, version, body.RolloutPercentage); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"agent_id":           agentID,
		"version":            version,
		"rollout_percentage": body.RolloutPercentage,
	})
}

// ── Tenant configs (admin + tenant self-service) ────────────

func (h *Handlers) GetTenantConfig(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	agentID := chi.URLParam(r, "agentID")
	cfg, err := h.store.GetTenantConfig(r.Context(), tenantID, agentID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			respondError(w, &models.NotFoundError{Entity: "tenant config", Key: tenantID + "/" + agentID})
			return
		}
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) UpsertTenantConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.TenantAgentConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	cfg.TenantID = chi.URLParam(r, "tenantID")
	cfg.AgentID = chi.URLParam(r, "agentID")
	out, err := h.resolver.UpsertTenantConfig(r.Context(), actor(r), &cfg)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) DeleteTenantConfig(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	agentID := chi.URLParam(r, "agentID")
	if err := h.resolver.DeleteTenantConfig(r.Context(), actor(r), tenantID, agentID); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

func (h *Handlers) SetTenantTier(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tier models.TenantTier `json:"tier"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	switch body.Tier {
	case models.TierFree, models.TierTeam, models.TierEnterprise:
	default:
		respondError(w, &models.ValidationError{Rule: "tier_invalid", Field: "tier", Message: "unknown tier"})
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	if err := h.store.SetTenantTier(r.Context(), tenantID, body.Tier); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"tenant_id": tenantID, "tier": string(body.Tier)})
}

// ── Tenant surface ──────────────────────────────────────────

func (h *Handlers) Discover(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	role := middleware.GetRole(ctx)

	var tags []string
	if raw := r.URL.Query().Get("tags"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}

	agents, err := h.orchestrator.Discover(ctx, tenantID, role, tags)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

func (h *Handlers) Resolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resolved, err := h.orchestrator.Resolve(ctx, chi.URLParam(r, "agentID"), middleware.GetTenantID(ctx))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resolved)
}

func (h *Handlers) Invoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Input string `json:"input"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	ctx := r.Context()
	result, err := h.orchestrator.Invoke(ctx, &orchestrator.InvokeRequest{
		AgentID:  chi.URLParam(r, "agentID"),
		TenantID: middleware.GetTenantID(ctx),
		Role:     middleware.GetRole(ctx),
		Input:    body.Input,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── Operational surface ─────────────────────────────────────

func (h *Handlers) ListBreakers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"breakers": h.guard.Breakers().Snapshots()})
}

func (h *Handlers) GetBreaker(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.guard.Breakers().Snapshot(chi.URLParam(r, "agentID")))
}

func (h *Handlers) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.AuditFilter{
		AgentID:  q.Get("agent"),
		TenantID: q.Get("tenant"),
		Action:   q.Get("action"),
		Limit:    100,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = &t
		}
	}

	events, err := h.store.ListAuditEvents(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
