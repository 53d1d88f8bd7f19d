// Package orchestrator is the facade the invocation surface calls: it
// resolves the effective configuration, applies the execution guard and
// dispatches to the provider driver. Admin mutations go through the
// registry and resolver directly; this package is read-and-execute only.
package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/qualisys/qualisys/control-plane/internal/guard"
	"github.com/qualisys/qualisys/control-plane/internal/registry"
	"github.com/qualisys/qualisys/control-plane/internal/resolver"
	"github.com/qualisys/qualisys/control-plane/internal/runtime"
	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

// Orchestrator coordinates one invocation end to end.
type Orchestrator struct {
	registry *registry.Registry
	resolver *resolver.Resolver
	guard    *guard.Guard
	runtimes *runtime.Registry
	tracer   trace.Tracer
}

// New creates an orchestrator.
func New(reg *registry.Registry, res *resolver.Resolver, g *guard.Guard, rt *runtime.Registry) *Orchestrator {
	return &Orchestrator{
		registry: reg,
		resolver: res,
		guard:    g,
		runtimes: rt,
		tracer:   otel.Tracer("qualisys.orchestrator"),
	}
}

// InvokeRequest carries one invocation's identity and payload.
type InvokeRequest struct {
	AgentID  string `json:"agent_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	Input    string `json:"input"`
}

// Invoke runs one agent invocation for a tenant caller.
//
// The pipeline: role gate, config resolution, then guarded execution
// against the provider driver. The role gate fails closed as agent-not-found
// so callers cannot probe for agents their role does not grant.
func (o *Orchestrator) Invoke(ctx context.Context, req *InvokeRequest) (*models.AgentResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.invoke", trace.WithAttributes(
		attribute.String("agent", req.AgentID),
		attribute.String("tenant", req.TenantID),
	))
	defer span.End()

	def, err := o.registry.Get(ctx, req.AgentID, false)
	if err != nil {
		return nil, err
	}
	if len(def.RequiredRoles) > 0 && !def.HasRole(req.Role) {
		log.Warn().
			Str("agent", req.AgentID).
			Str("tenant", req.TenantID).
			Str("role", req.Role).
			Msg("Invocation rejected by role gate")
		return nil, &models.AgentNotFoundError{AgentID: req.AgentID}
	}

	resolved, err := o.resolver.Resolve(ctx, req.AgentID, req.TenantID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("version", resolved.Version),
		attribute.String("provider", resolved.LLMProvider),
	)

	runner, err := o.runtimes.ForProvider(resolved.LLMProvider)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := o.guard.Execute(ctx, resolved, func(execCtx context.Context) (*models.AgentResult, error) {
		return runner.Run(execCtx, resolved, req.Input)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("agent", req.AgentID).
		Str("tenant", req.TenantID).
		Str("version", resolved.Version).
		Int("tokens", result.TokensUsed).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("Invocation complete")
	return result, nil
}

// Resolve exposes config resolution without execution, for dry runs and the
// admin surface.
func (o *Orchestrator) Resolve(ctx context.Context, agentID, tenantID string) (*models.ResolvedAgentConfig, error) {
	return o.resolver.Resolve(ctx, agentID, tenantID)
}

// Discover lists the agents available to a (tenant, role) pair, optionally
// narrowed by tags. Metadata only; prompts never leave the control plane.
func (o *Orchestrator) Discover(ctx context.Context, tenantID, role string, tags []string) ([]models.AgentMetadata, error) {
	return o.registry.Discover(ctx, tenantID, role, tags)
}
