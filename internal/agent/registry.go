package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/acto-org/acto/internal/common/logger"
	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/llm"
)

// Info describes a registered agent for listings.
type Info struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Registry resolves agent types to implementations. Builtins are registered
// once at startup; custom agents derived from YAML definitions are swapped
// wholesale on reload and shadow builtins of the same type.
type Registry struct {
	mu      sync.RWMutex
	builtin map[string]Agent
	custom  map[string]Agent
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builtin: make(map[string]Agent),
		custom:  make(map[string]Agent),
	}
}

// Register adds or replaces a builtin agent under its type name.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtin[a.Type()] = a
}

// Resolve returns the agent for the type. Unknown types resolve to the
// general agent; the second result is false only when that is missing too.
func (r *Registry) Resolve(agentType string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.custom[agentType]; ok {
		return a, true
	}
	if a, ok := r.builtin[agentType]; ok {
		return a, true
	}
	if a, ok := r.custom[core.GeneralAgentType]; ok {
		return a, true
	}
	a, ok := r.builtin[core.GeneralAgentType]
	return a, ok
}

// Types returns all registered agent types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.builtin)+len(r.custom))
	for t := range r.builtin {
		seen[t] = struct{}{}
	}
	for t := range r.custom {
		seen[t] = struct{}{}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Infos returns type and description for every registered agent, sorted by
// type. Custom agents shadow builtins of the same type.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	merged := make(map[string]Agent, len(r.builtin)+len(r.custom))
	for t, a := range r.builtin {
		merged[t] = a
	}
	for t, a := range r.custom {
		merged[t] = a
	}
	infos := make([]Info, 0, len(merged))
	for t, a := range merged {
		infos = append(infos, Info{Type: t, Description: a.Description()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// ApplyDefinitions rebuilds the custom agent set from definitions. Valid
// definitions take effect even when others fail; the returned error joins
// the failures.
func (r *Registry) ApplyDefinitions(ctx context.Context, defs []Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]Agent, len(defs))
	var errs []error
	for _, def := range defs {
		base, ok := r.builtin[def.Base]
		if !ok {
			errs = append(errs, fmt.Errorf("agent %q: unknown base %q", def.Type, def.Base))
			continue
		}
		next[def.Type] = &customAgent{def: def, base: base}
	}
	r.custom = next
	logger.Debug(ctx, "Applied agent definitions", "count", len(next))
	return errors.Join(errs...)
}

// RegisterBuiltins registers the full builtin agent set. The spawner may be
// nil, in which case the sub_action agent is left out.
func RegisterBuiltins(r *Registry, models *llm.Registry, spawner ActionSpawner) {
	r.Register(NewGeneral(models))
	r.Register(NewReport(models))
	r.Register(NewDataRetrieval(models))
	r.Register(NewCodeExecution(models))
	r.Register(NewSpreadsheet(models))
	if spawner != nil {
		r.Register(NewSubAction(spawner))
	}
}
