// Package audit emits the structured records required for every registry
// mutation, circuit-breaker transition and budget-exceeded event.
//
// Records are persisted through the audit store and, when a webhook sink is
// configured, forwarded as HMAC-SHA256-signed JSON POSTs so external
// observability systems can consume them. Webhook delivery is asynchronous
// and best-effort; the store write is the durable path.
package audit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/qualisys/qualisys/control-plane/internal/store"
	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

// Audit actions. Stable strings: external consumers filter on them.
const (
	ActionAgentRegistered     = "agent.registered"
	ActionAgentUpdated        = "agent.updated"
	ActionAgentDisabled       = "agent.disabled"
	ActionVersionPublished    = "version.published"
	ActionVersionStatus       = "version.status_changed"
	ActionVersionRollout      = "version.rollout_changed"
	ActionVersionReassigned   = "version.pin_reassigned"
	ActionTenantConfigUpdated = "tenant_config.updated"
	ActionTenantConfigDeleted = "tenant_config.deleted"
	ActionCircuitOpened       = "circuit.opened"
	ActionCircuitHalfOpen     = "circuit.half_open"
	ActionCircuitClosed       = "circuit.closed"
	ActionBudgetExceeded      = "budget.exceeded"
)

// Emitter records audit events and optionally forwards them to a webhook.
type Emitter struct {
	store      store.AuditStore
	client     *http.Client
	webhookURL string
	secret     string
}

// NewEmitter creates an emitter. webhookURL may be empty, in which case
// events are only persisted.
func NewEmitter(s store.AuditStore, webhookURL, secret string) *Emitter {
	return &Emitter{
		store:      s,
		client:     &http.Client{Timeout: 15 * time.Second},
		webhookURL: webhookURL,
		secret:     secret,
	}
}

// Emit persists one audit event and forwards it to the webhook sink in the
// background. The event's ID and timestamp are assigned here.
func (e *Emitter) Emit(ctx context.Context, actor, action, agentID, tenantID string, details map[string]any) {
	event := &models.AuditEvent{
		ID:        uuid.New().String(),
		Actor:     actor,
		Action:    action,
		AgentID:   agentID,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Details:   details,
	}

	if err := e.store.CreateAuditEvent(ctx, event); err != nil {
		log.Error().Err(err).Str("action", action).Str("agent", agentID).Msg("Failed to persist audit event")
	}

	log.Info().
		Str("action", action).
		Str("agent", agentID).
		Str("tenant", tenantID).
		Str("actor", actor).
		Msg("Audit event")

	if e.webhookURL != "" {
		go e.forward(event)
	}
}

// forward posts the event to the webhook with retries and optional signing.
// Runs detached from the caller's context so client disconnects do not drop
// audit delivery.
func (e *Emitter) forward(event *models.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	body, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal audit event for webhook")
		return
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				log.Warn().Err(ctx.Err()).Str("action", event.Action).Msg("Audit webhook delivery abandoned")
				return
			case <-time.After(time.Duration(attempt*2) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.webhookURL, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Qualisys-Audit/1.0")
		req.Header.Set("X-Qualisys-Action", event.Action)
		if e.secret != "" {
			mac := hmac.New(sha256.New, []byte(e.secret))
			mac.Write(body)
			req.Header.Set("X-Qualisys-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := e.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, e.webhookURL)
	}

	log.Warn().Err(lastErr).Str("action", event.Action).Msg("Audit webhook delivery failed")
}
