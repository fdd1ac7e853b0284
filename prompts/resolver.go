package prompts

import (
	"context"
	"fmt"

	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/telemetry"
)

// Resolver picks the effective prompt for a resolution key. Scopes are
// walked experiment, agent, global; within a scope the highest priority
// matching assignment wins. When no stored assignment matches, the
// embedded disk manifest answers. Deprecated prompts never resolve.
type Resolver struct {
	registry Registry
	fallback *Fallback
	logger   core.Logger
}

// NewResolver creates a resolver. fallback may be nil to resolve from the
// registry alone.
func NewResolver(registry Registry, fallback *Fallback, logger core.Logger) *Resolver {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("aard/prompts")
	}
	return &Resolver{registry: registry, fallback: fallback, logger: logger}
}

// Resolve returns exactly one prompt for the key or a prompt_not_found
// error. Store failures propagate rather than silently falling through to
// disk, so an outage cannot swap prompts underneath running workflows.
func (r *Resolver) Resolve(ctx context.Context, key Key) (*Resolved, error) {
	if !core.ValidStage(key.Stage) {
		return nil, &core.Error{Op: "prompts.Resolve", Kind: core.KindInvalidRequest, Message: "stage not in canonical set"}
	}
	if key.ComponentRole == "" {
		return nil, &core.Error{Op: "prompts.Resolve", Kind: core.KindInvalidRequest, Message: "component_role is required"}
	}

	for _, scope := range resolutionOrder {
		if scope == ScopeAgent && key.AgentID == "" {
			continue
		}
		resolved, err := r.resolveScope(ctx, scope, key)
		if err != nil {
			return nil, err
		}
		if resolved != nil {
			r.observe(resolved, key)
			return resolved, nil
		}
	}

	if r.fallback != nil {
		if p, ok := r.fallback.Lookup(key.Stage, key.ComponentRole); ok {
			resolved := &Resolved{Prompt: p, Source: ScopeDisk}
			r.observe(resolved, key)
			return resolved, nil
		}
	}

	return nil, &core.Error{
		Op:   "prompts.Resolve",
		Kind: core.KindPromptNotFound,
		ID:   fmt.Sprintf("%s/%s", key.Stage, key.ComponentRole),
		Err:  core.ErrPromptNotFound,
	}
}

// resolveScope returns the scope's winning prompt, nil when nothing in
// the scope matches.
func (r *Resolver) resolveScope(ctx context.Context, scope Scope, key Key) (*Resolved, error) {
	assignments, err := r.registry.Assignments(ctx, scope)
	if err != nil {
		return nil, err
	}
	for _, a := range assignments {
		if !a.matches(key) {
			continue
		}
		p, err := r.registry.Get(ctx, a.PromptID)
		if err != nil {
			if core.KindOf(err) == core.KindPromptNotFound {
				r.logger.Warn("Assignment points at missing prompt", map[string]interface{}{
					"operation":     "prompt_resolve",
					"scope":         string(scope),
					"assignment_id": a.AssignmentID,
					"prompt_id":     a.PromptID,
				})
				continue
			}
			return nil, err
		}
		if p.Status == StatusDeprecated {
			continue
		}
		return &Resolved{Prompt: p, Assignment: a, Source: scope}, nil
	}
	return nil, nil
}

func (r *Resolver) observe(resolved *Resolved, key Key) {
	r.logger.Debug("Prompt resolved", map[string]interface{}{
		"operation": "prompt_resolve",
		"stage":     string(key.Stage),
		"role":      key.ComponentRole,
		"source":    string(resolved.Source),
		"prompt_id": resolved.Prompt.PromptID,
		"version":   resolved.Prompt.Version,
	})
	telemetry.Counter("aard.prompts.resolutions",
		"stage", string(key.Stage),
		"source", string(resolved.Source),
	)
}

// Recordable reports whether usage of this prompt should be written back
// to the registry. Disk prompts have no registry record.
func (res *Resolved) Recordable() bool {
	return res.Source != ScopeDisk && res.Prompt != nil
}
