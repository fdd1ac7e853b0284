// Package capability is the registry of dispatchable agents, tools, and
// model servers. The plan executor and the model gateway resolve targets
// here; the approval gate reads trust inputs from here. Records are
// durable registrations with probe-driven health, not leases: an entry
// stays until deactivated, and the HealthMonitor flips its health instead
// of letting it expire.
package capability

import (
	"context"
	"time"

	"github.com/aard-labs/aard/core"
)

// Type classifies what a record dispatches to.
type Type string

const (
	TypeAgent       Type = "agent"
	TypeTool        Type = "tool"
	TypeModelServer Type = "model_server"
)

// Status is the registration lifecycle state. Dispatch lookups only see
// active records.
type Status string

const (
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusDeprecated Status = "deprecated"
	StatusFailed     Status = "failed"
)

// Health is the probe-derived availability state.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// Metrics accumulates execution outcomes for trust scoring.
type Metrics struct {
	Successes    int64     `json:"successes"`
	Samples      int64     `json:"samples"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	LastUsed     time.Time `json:"last_used,omitempty"`
}

// Record is one registered capability. Agents and tools carry access
// rules; model servers carry the provider and the models they host.
type Record struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         Type     `json:"type"`
	Status       Status   `json:"status"`
	Capabilities []string `json:"capabilities,omitempty"`
	Endpoint     string   `json:"endpoint,omitempty"`

	// Provider and Models apply to model servers: which gateway provider
	// speaks to the endpoint and which model ids it hosts.
	Provider string   `json:"provider,omitempty"`
	Models   []string `json:"models,omitempty"`

	// AllowedAgents/ForbiddenAgents apply to tools. Forbidden wins; an
	// empty allowed list means open to all agents.
	AllowedAgents   []string `json:"allowed_agents,omitempty"`
	ForbiddenAgents []string `json:"forbidden_agents,omitempty"`

	Health           Health  `json:"health"`
	ConsecutiveFails int     `json:"consecutive_fails"`
	TrustScore       float64 `json:"trust_score"`
	Metrics          Metrics `json:"metrics"`

	RegisteredAt    time.Time `json:"registered_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Type       Type
	Status     Status
	Capability string
	Model      string
	// HealthyOnly drops records whose health is unhealthy. Unknown
	// health passes: a never-probed record is not assumed dead.
	HealthyOnly bool
}

// Matches reports whether the record passes the filter.
func (f Filter) Matches(rec *Record) bool {
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Capability != "" && !containsString(rec.Capabilities, f.Capability) {
		return false
	}
	if f.Model != "" && !containsString(rec.Models, f.Model) {
		return false
	}
	if f.HealthyOnly && rec.Health == HealthUnhealthy {
		return false
	}
	return true
}

// Registry stores capability records.
//
// Get returns a record regardless of status or health; it is the path for
// explicitly pinned targets. Dispatch resolution should use List with
// Status=active and HealthyOnly.
type Registry interface {
	// Register stores a record, assigning id and defaults. Re-registering
	// an existing id updates the definition but preserves accumulated
	// metrics, trust, and health.
	Register(ctx context.Context, rec *Record) error

	// Deactivate pauses a record so dispatch stops selecting it.
	Deactivate(ctx context.Context, id string) error

	// Get returns a record by id.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns records matching the filter, ordered by name then id.
	List(ctx context.Context, f Filter) ([]*Record, error)

	// RecordExecution folds one execution outcome into the record's
	// metrics and refreshes its trust score.
	RecordExecution(ctx context.Context, id string, success bool, latencyMs float64) error

	// UpdateHealth persists a probe result.
	UpdateHealth(ctx context.Context, id string, health Health, consecutiveFails int) error

	// CanUse reports whether an agent may invoke a tool. Forbidden wins
	// over allowed; an empty allowed list is open.
	CanUse(ctx context.Context, agentID, toolID string) (bool, error)
}

// applyExecution updates metrics and returns the Laplace-smoothed trust
// score. The +1/+2 prior starts unknown records at 0.5 and keeps one bad
// sample from zeroing trust.
func (rec *Record) applyExecution(success bool, latencyMs float64) {
	rec.Metrics.Samples++
	if success {
		rec.Metrics.Successes++
	}
	rec.Metrics.AvgLatencyMs += (latencyMs - rec.Metrics.AvgLatencyMs) / float64(rec.Metrics.Samples)
	rec.Metrics.LastUsed = time.Now().UTC()
	rec.TrustScore = float64(rec.Metrics.Successes+1) / float64(rec.Metrics.Samples+2)
}

// canUse applies the access rule of a tool record.
func (rec *Record) canUse(agentID string) bool {
	if containsString(rec.ForbiddenAgents, agentID) {
		return false
	}
	if len(rec.AllowedAgents) == 0 {
		return true
	}
	return containsString(rec.AllowedAgents, agentID)
}

func validateRecord(rec *Record) error {
	if rec == nil {
		return &core.Error{Op: "capability.Register", Kind: core.KindInvalidRequest, Message: "record is required"}
	}
	if rec.Name == "" {
		return &core.Error{Op: "capability.Register", Kind: core.KindInvalidRequest, Message: "name is required"}
	}
	switch rec.Type {
	case TypeAgent, TypeTool, TypeModelServer:
	default:
		return &core.Error{Op: "capability.Register", Kind: core.KindInvalidRequest, ID: rec.Name, Message: "type must be agent, tool, or model_server"}
	}
	return nil
}

// notFound is the shared miss error: kind dependency_not_ready for the
// executor's classifier, sentinel capability-not-found for API mapping.
func notFound(op, id string) error {
	return &core.Error{Op: op, Kind: core.KindDependencyNotReady, ID: id, Err: core.ErrCapabilityNotFound}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
