// Package runtime dispatches resolved invocations to provider drivers. Each
// driver wraps one upstream SDK behind the Runner interface; the registry
// selects the driver by the resolved config's provider name, so tenant
// provider overrides switch drivers without the orchestrator knowing.
package runtime

import (
	"context"
	"sync"

	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

// Runner executes one agent invocation against an upstream provider. The
// resolved config carries the merged prompt, model and token ceiling;
// drivers must honor context cancellation.
type Runner interface {
	Provider() string
	Run(ctx context.Context, cfg *models.ResolvedAgentConfig, input string) (*models.AgentResult, error)
}

// Registry maps provider names to their drivers.
type Registry struct {
	mu         sync.RWMutex
	byProvider map[string]Runner
}

// NewRegistry creates a driver registry seeded with the given runners.
func NewRegistry(runners ...Runner) *Registry {
	r := &Registry{byProvider: make(map[string]Runner)}
	for _, runner := range runners {
		r.Register(runner)
	}
	return r
}

// Register adds or replaces the driver for a provider.
func (r *Registry) Register(runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byProvider[runner.Provider()] = runner
}

// ForProvider returns the driver for a provider name.
func (r *Registry) ForProvider(name string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.byProvider[name]
	if !ok {
		return nil, &models.NotFoundError{Entity: "runtime driver", Key: name}
	}
	return runner, nil
}

// Providers lists the registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byProvider))
	for name := range r.byProvider {
		out = append(out, name)
	}
	return out
}
