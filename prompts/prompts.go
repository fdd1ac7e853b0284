// Package prompts is the versioned prompt registry and runtime selector.
// Model-facing components never hard-code instructions: they ask the
// resolver for the effective prompt of their (stage, component_role) and
// record usage back, so prompt performance is measurable and swappable at
// runtime.
//
// Resolution walks assignment scopes experiment -> agent -> global and
// falls back to the embedded disk manifest, returning exactly one prompt
// or a PromptNotFound error.
package prompts

import (
	"context"
	"time"

	"github.com/aard-labs/aard/core"
)

// Status is a prompt lifecycle state.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusTesting    Status = "testing"
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
)

// Scope orders assignment precedence.
type Scope string

const (
	ScopeExperiment Scope = "experiment"
	ScopeAgent      Scope = "agent"
	ScopeGlobal     Scope = "global"
	ScopeDisk       Scope = "disk-fallback"
)

// resolutionOrder is the walk order; disk is handled by the resolver after
// the stored scopes are exhausted.
var resolutionOrder = []Scope{ScopeExperiment, ScopeAgent, ScopeGlobal}

// Metrics accumulates prompt performance. SuccessRate is an exponential
// moving average so recent behavior dominates; AvgLatencyMs is a running
// mean over all samples.
type Metrics struct {
	UsageCount   int64   `json:"usage_count"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Prompt is one immutable version of a named prompt. New text means a new
// version; only status and metrics change after creation.
type Prompt struct {
	PromptID      string     `json:"prompt_id"`
	Name          string     `json:"name"`
	Version       int        `json:"version"`
	Stage         core.Stage `json:"stage"`
	ComponentRole string     `json:"component_role"`
	Status        Status     `json:"status"`
	Body          string     `json:"body"`
	Metrics       Metrics    `json:"metrics"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Assignment binds a prompt to a resolution key within a scope. Optional
// fields narrow the match: an empty field matches any key value, a set
// field must equal it. AgentID is required for ScopeAgent.
type Assignment struct {
	AssignmentID  string     `json:"assignment_id"`
	Scope         Scope      `json:"scope"`
	Stage         core.Stage `json:"stage"`
	ComponentRole string     `json:"component_role"`
	AgentID       string     `json:"agent_id,omitempty"`
	ModelID       string     `json:"model_id,omitempty"`
	ServerID      string     `json:"server_id,omitempty"`
	TaskType      string     `json:"task_type,omitempty"`
	PromptID      string     `json:"prompt_id"`
	Priority      int        `json:"priority"`
	CreatedAt     time.Time  `json:"created_at"`
}

// matches reports whether the assignment applies to the key. Stage and
// component role must always match; narrowing fields match when empty or
// equal.
func (a *Assignment) matches(key Key) bool {
	if a.Stage != key.Stage || a.ComponentRole != key.ComponentRole {
		return false
	}
	if a.Scope == ScopeAgent && a.AgentID == "" {
		return false
	}
	if a.AgentID != "" && a.AgentID != key.AgentID {
		return false
	}
	if a.ModelID != "" && a.ModelID != key.ModelID {
		return false
	}
	if a.ServerID != "" && a.ServerID != key.ServerID {
		return false
	}
	if a.TaskType != "" && a.TaskType != key.TaskType {
		return false
	}
	return true
}

// Key identifies a resolution request.
type Key struct {
	Stage         core.Stage
	ComponentRole string
	AgentID       string
	ModelID       string
	ServerID      string
	TaskType      string
}

// Resolved is the single winning prompt for a key.
type Resolved struct {
	Prompt     *Prompt
	Assignment *Assignment // nil for disk fallback
	Source     Scope
}

// ActivationGate optionally blocks testing -> active promotion until a
// prompt has proven itself.
type ActivationGate struct {
	// MinSuccessRate is the EMA success rate required; 0 disables the
	// gate.
	MinSuccessRate float64
	// MinSamples is how many usages the rate must be based on.
	MinSamples int64
}

// Registry stores prompts and assignments.
//
// Writes to one prompt name are serialized by the implementation; active
// pointer swaps are atomic so readers never observe a partial version.
type Registry interface {
	// CreatePrompt stores a new prompt version. The registry assigns
	// prompt_id, the next monotonic version for the name, draft status,
	// and created_at.
	CreatePrompt(ctx context.Context, p *Prompt) error

	// CreateVersion creates the next version of an existing name with
	// new body text, inheriting stage and component role.
	CreateVersion(ctx context.Context, name, body string) (*Prompt, error)

	// Get returns a prompt by id.
	Get(ctx context.Context, promptID string) (*Prompt, error)

	// GetActive returns the active version of a name.
	GetActive(ctx context.Context, name string) (*Prompt, error)

	// MarkTesting moves a draft prompt into testing so experiments can
	// route traffic to it.
	MarkTesting(ctx context.Context, promptID string) error

	// Activate promotes a prompt to active, demoting the previous active
	// version of the same name to deprecated. The gate applies to
	// testing prompts.
	Activate(ctx context.Context, promptID string) error

	// Deprecate retires a prompt version.
	Deprecate(ctx context.Context, promptID string) error

	// RecordUsage folds one outcome into the prompt's metrics.
	RecordUsage(ctx context.Context, promptID string, success bool, latencyMs float64) error

	// Assign stores an assignment. The registry assigns assignment_id
	// and created_at.
	Assign(ctx context.Context, a *Assignment) error

	// Unassign removes an assignment from its scope.
	Unassign(ctx context.Context, scope Scope, assignmentID string) error

	// Assignments lists a scope's assignments, highest priority first.
	Assignments(ctx context.Context, scope Scope) ([]*Assignment, error)
}

// successRateAlpha weights the newest sample in the EMA.
const successRateAlpha = 0.1

// applyUsage folds one usage sample into m.
func (m *Metrics) applyUsage(success bool, latencyMs float64) {
	m.UsageCount++
	sample := 0.0
	if success {
		sample = 1.0
	}
	if m.UsageCount == 1 {
		m.SuccessRate = sample
		m.AvgLatencyMs = latencyMs
		return
	}
	m.SuccessRate = m.SuccessRate*(1-successRateAlpha) + sample*successRateAlpha
	m.AvgLatencyMs += (latencyMs - m.AvgLatencyMs) / float64(m.UsageCount)
}

// validateNew rejects prompts the registry cannot store.
func validateNew(p *Prompt) error {
	if p == nil {
		return &core.Error{Op: "prompts.CreatePrompt", Kind: core.KindInvalidRequest, Message: "prompt is required"}
	}
	if p.Name == "" {
		return &core.Error{Op: "prompts.CreatePrompt", Kind: core.KindInvalidRequest, Message: "name is required"}
	}
	if p.Body == "" {
		return &core.Error{Op: "prompts.CreatePrompt", Kind: core.KindInvalidRequest, ID: p.Name, Message: "body is required"}
	}
	if !core.ValidStage(p.Stage) {
		return &core.Error{Op: "prompts.CreatePrompt", Kind: core.KindInvalidRequest, ID: p.Name, Message: "stage not in canonical set"}
	}
	if p.ComponentRole == "" {
		return &core.Error{Op: "prompts.CreatePrompt", Kind: core.KindInvalidRequest, ID: p.Name, Message: "component_role is required"}
	}
	return nil
}

// validateAssignment rejects malformed assignments.
func validateAssignment(a *Assignment) error {
	if a == nil {
		return &core.Error{Op: "prompts.Assign", Kind: core.KindInvalidRequest, Message: "assignment is required"}
	}
	switch a.Scope {
	case ScopeExperiment, ScopeAgent, ScopeGlobal:
	default:
		return &core.Error{Op: "prompts.Assign", Kind: core.KindInvalidRequest, Message: "scope must be experiment, agent, or global"}
	}
	if a.Scope == ScopeAgent && a.AgentID == "" {
		return &core.Error{Op: "prompts.Assign", Kind: core.KindInvalidRequest, Message: "agent scope requires agent_id"}
	}
	if a.PromptID == "" {
		return &core.Error{Op: "prompts.Assign", Kind: core.KindInvalidRequest, Message: "prompt_id is required"}
	}
	if !core.ValidStage(a.Stage) || a.ComponentRole == "" {
		return &core.Error{Op: "prompts.Assign", Kind: core.KindInvalidRequest, Message: "stage and component_role are required"}
	}
	return nil
}
