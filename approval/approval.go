// Package approval is the adaptive approval gate: it scores plan risk
// against configured weights, folds in target trust, and decides per
// autonomy level whether a human must sign off before execution.
// Pending requests are persisted with a decision deadline; a sweeper
// applies the configured timeout policy to requests nobody answered.
package approval

import (
	"context"
	"time"

	"github.com/aard-labs/aard/core"
)

// Status is the approval request lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
)

// Terminal reports whether the request accepts no further decision.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusTimeout
}

// Risk level bands for RiskAssessment.Level. The very_high boundary is
// configured (approval.very_high_threshold); the lower bands are fixed
// descriptive labels.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskVeryHigh = "very_high"
)

// RiskAssessment is the scored view of a plan (or a single step).
// Factors holds the normalized per-factor values before weighting, so a
// reviewer can see what drove the score.
type RiskAssessment struct {
	Score   float64            `json:"score"`
	Level   string             `json:"level"`
	Factors map[string]float64 `json:"factors,omitempty"`
}

// TrustScore summarizes how much the gate trusts the plan's dispatch
// targets: Laplace-smoothed success rate with recency decay, taken over
// the weakest target. Samples is the total evidence behind it.
type TrustScore struct {
	Score   float64 `json:"score"`
	Samples int64   `json:"samples"`
}

// Request is a persisted ask for a human decision. StepID is set when
// the request gates a single approval_required step during execution
// rather than a whole plan.
type Request struct {
	RequestID  string `json:"request_id"`
	PlanID     string `json:"plan_id"`
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id,omitempty"`

	Risk           RiskAssessment `json:"risk_assessment"`
	Trust          TrustScore     `json:"trust"`
	Recommendation string         `json:"recommendation"`

	Status          Status     `json:"status"`
	DecisionTimeout time.Time  `json:"decision_timeout"`
	Escalations     int        `json:"escalations,omitempty"`
	ApprovedBy      string     `json:"approved_by,omitempty"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	Note            string     `json:"note,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Decision is what Evaluate hands back to the pipeline: either the plan
// was auto-approved, or a pending Request now waits for a human.
type Decision struct {
	NeedsHuman bool           `json:"needs_human"`
	Risk       RiskAssessment `json:"risk_assessment"`
	Trust      TrustScore     `json:"trust"`
	Reason     string         `json:"reason"`
	Request    *Request       `json:"request,omitempty"`
}

// DecisionHandler is called after a pending plan-scope request resolves
// (human decision or sweeper timeout), so the pipeline can move the
// workflow without the gate importing it.
type DecisionHandler func(ctx context.Context, req *Request)

// Store persists approval requests.
type Store interface {
	// Save upserts a request. Pending requests are indexed by deadline
	// for the sweeper; terminal ones leave that index.
	Save(ctx context.Context, req *Request) error

	// Get returns a request by id.
	Get(ctx context.Context, requestID string) (*Request, error)

	// ByWorkflow returns a workflow's requests, oldest first.
	ByWorkflow(ctx context.Context, workflowID string) ([]*Request, error)

	// Expired returns up to limit pending requests whose deadline is at
	// or before now, oldest deadline first.
	Expired(ctx context.Context, now time.Time, limit int) ([]*Request, error)
}

func validateForSave(op string, req *Request) error {
	if req == nil {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "request is required"}
	}
	if req.RequestID == "" {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "request_id is required"}
	}
	if req.WorkflowID == "" {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: req.RequestID, Message: "workflow_id is required"}
	}
	return nil
}

func requestNotFound(op, id string) error {
	return &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: id, Err: core.ErrApprovalNotFound}
}
