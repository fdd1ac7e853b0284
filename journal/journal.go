// Package journal is the append-only execution record. Every stage
// transition, model call, step outcome, and approval decision lands here as
// an immutable Event; the journal is the source of truth for the status
// endpoints, the live stream, and reflection.
//
// Ordering: each workflow carries its own monotonic sequence, assigned by
// the store inside Append. Readers page with the sequence as the cursor, so
// the order seen over GET /workflow/{id}/events and the WebSocket stream is
// identical.
//
// Durability: Append returns only after the store write succeeded. Fan-out
// to live subscribers happens after the durable write; a subscriber can
// therefore replay from its last seen sequence and attach live without gaps.
package journal

import (
	"context"
	"time"

	"github.com/aard-labs/aard/core"
)

// Status classifies an event outcome.
type Status string

const (
	StatusOK    Status = "ok"
	StatusWarn  Status = "warn"
	StatusError Status = "error"
)

// Event types emitted across the module. The type names what happened;
// stage and component_role say where.
const (
	TypeWorkflowCreated   = "workflow.created"
	TypeWorkflowChanged   = "workflow.transition"
	TypeWorkflowCompleted = "workflow.completed"
	TypeWorkflowFailed    = "workflow.failed"
	TypeWorkflowCancelled = "workflow.cancelled"
	TypeModelRequest      = "model.request"
	TypeModelResponse     = "model.response"
	TypeIntentCreated     = "intent.created"
	TypeIntentValidated   = "intent.validated"
	TypeRouteSelected     = "route.selected"
	TypePlanCreated       = "plan.created"
	TypePlanApproved      = "plan.approved"
	TypePlanRejected      = "plan.rejected"
	TypePlanDeprecated    = "plan.deprecated"
	TypeStepStarted       = "step.started"
	TypeStepSucceeded     = "step.succeeded"
	TypeStepFailed        = "step.failed"
	TypeStepSkipped       = "step.skipped"
	TypeApprovalRequested = "approval.requested"
	TypeApprovalDecided   = "approval.decided"
	TypeApprovalTimeout   = "approval.timeout"
	TypeCheckpointCreated = "checkpoint.created"
	TypeCheckpointRestore = "checkpoint.restored"
	TypeReflectionOutcome = "reflection.outcome"
	TypeBiasCreated       = "bias.created"
	TypeQuotaDenied       = "quota.denied"
)

// Event is one immutable record in a workflow's execution trail.
//
// EventID, Timestamp (when zero), and Sequence are assigned by the store
// during Append. Everything else is the caller's.
type Event struct {
	EventID        string              `json:"event_id"`
	Sequence       int64               `json:"sequence"`
	Timestamp      time.Time           `json:"timestamp"`
	WorkflowID     string              `json:"workflow_id"`
	SessionID      string              `json:"session_id,omitempty"`
	Type           string              `json:"type"`
	Stage          core.Stage          `json:"stage"`
	ComponentRole  string              `json:"component_role"`
	ComponentName  string              `json:"component_name,omitempty"`
	DecisionSource core.DecisionSource `json:"decision_source"`
	PromptID       string              `json:"prompt_id,omitempty"`
	PromptVersion  int                 `json:"prompt_version,omitempty"`
	Status         Status              `json:"status"`
	ParentEventID  string              `json:"parent_event_id,omitempty"`
	InputSummary   string              `json:"input_summary,omitempty"`
	OutputSummary  string              `json:"output_summary,omitempty"`
	ReasonCode     string              `json:"reason_code,omitempty"`
	Metadata       map[string]string   `json:"metadata,omitempty"`
}

// Filter selects events for subscriptions and the recent feed. Zero fields
// match everything.
type Filter struct {
	WorkflowID string
	SessionID  string
	Stage      core.Stage
	Status     Status
	Type       string
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e *Event) bool {
	if e == nil {
		return false
	}
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Stage != "" && e.Stage != f.Stage {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return true
}

// Journal is what the rest of the module sees: durable append plus ordered
// reads plus live subscription.
type Journal interface {
	// Append validates, persists, and fans out one event. The store
	// assigns event_id, timestamp (if zero), and the per-workflow
	// sequence. An error means the event is NOT durable and the caller
	// must treat its operation as failed.
	Append(ctx context.Context, e *Event) error

	// ByWorkflow returns events with sequence > afterSeq in ascending
	// sequence order, at most limit.
	ByWorkflow(ctx context.Context, workflowID string, afterSeq int64, limit int) ([]*Event, error)

	// BySession returns a session's events, newest first.
	BySession(ctx context.Context, sessionID string, limit int) ([]*Event, error)

	// Recent returns the cross-workflow operational feed, newest first.
	Recent(ctx context.Context, limit int) ([]*Event, error)

	// Subscribe registers a live consumer. The returned cancel must be
	// called (or ctx cancelled) to release the subscription. Slow
	// consumers lose events rather than blocking Append.
	Subscribe(ctx context.Context, filter Filter) (<-chan *Event, func())
}

// Store persists events. Implementations assign identity and sequence
// inside Append and must be safe for concurrent use.
type Store interface {
	Append(ctx context.Context, e *Event) error
	ByWorkflow(ctx context.Context, workflowID string, afterSeq int64, limit int) ([]*Event, error)
	BySession(ctx context.Context, sessionID string, limit int) ([]*Event, error)
	Recent(ctx context.Context, limit int) ([]*Event, error)
}

// DefaultPageLimit bounds reads when the caller passes limit <= 0.
const DefaultPageLimit = 100

// MaxPageLimit caps a single read.
const MaxPageLimit = 1000

// clampLimit normalizes a caller-supplied page size.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}
