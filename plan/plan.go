// Package plan owns the executable side of a workflow: the plan record
// with its step DAG, the plan state machine, and the step executor that
// walks approved plans through checkpointed, governed, journaled
// dispatch.
//
// Plans are versioned per task. A replan never edits a plan in place;
// it deprecates the old version and materializes a new one carrying
// parent_plan_id and an incremented attempt count, so the journal can
// reconstruct exactly which plan produced which outcome.
package plan

import (
	"time"

	"github.com/google/uuid"

	"github.com/aard-labs/aard/core"
)

// Status is the plan lifecycle state.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusExecuting       Status = "executing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusDeprecated      Status = "deprecated"
)

// transitions is the allowed edge set. Missing keys and empty slices are
// terminal sinks.
var transitions = map[Status][]Status{
	StatusDraft:           {StatusPendingApproval, StatusDeprecated},
	StatusPendingApproval: {StatusApproved, StatusFailed, StatusDeprecated},
	StatusApproved:        {StatusExecuting, StatusDeprecated},
	StatusExecuting:       {StatusCompleted, StatusFailed, StatusCancelled},
}

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// StepStatus is the per-step execution state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepBlocked   StepStatus = "blocked"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step has finished one way or another.
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// StepType tags what a step dispatches to.
type StepType string

const (
	StepAction       StepType = "action"
	StepDecision     StepType = "decision"
	StepValidation   StepType = "validation"
	StepFunctionCall StepType = "function_call"
)

func validStepType(t StepType) bool {
	switch t {
	case StepAction, StepDecision, StepValidation, StepFunctionCall:
		return true
	}
	return false
}

// FunctionCall names a registered function and the arguments to pass it.
// Parameters are checked against ValidationSchema before dispatch.
type FunctionCall struct {
	Name             string                 `json:"name"`
	Parameters       map[string]interface{} `json:"parameters,omitempty"`
	ValidationSchema map[string]interface{} `json:"validation_schema,omitempty"`
}

// Step is one unit of plan execution. Exactly one dispatch target
// applies: a function call, an agent, a tool, or (none of those) a
// model call under the execution-stage prompt.
type Step struct {
	StepID       string   `json:"step_id"`
	Description  string   `json:"description"`
	Type         StepType `json:"type"`
	Dependencies []string `json:"dependencies,omitempty"`

	FunctionCall *FunctionCall          `json:"function_call,omitempty"`
	AgentID      string                 `json:"agent_id,omitempty"`
	ToolID       string                 `json:"tool_id,omitempty"`
	Inputs       map[string]interface{} `json:"inputs,omitempty"`

	// ApprovalRequired forces a human gate on this step even when the
	// plan as a whole was auto-approved.
	ApprovalRequired bool `json:"approval_required,omitempty"`

	Status    StepStatus `json:"status"`
	Result    *Outcome   `json:"result,omitempty"`
	Attempts  int        `json:"attempts"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// HighRisk and External feed the approval gate's risk factors.
	HighRisk bool `json:"high_risk,omitempty"`
	External bool `json:"external,omitempty"`
}

// Plan is a versioned, approvable sequence of steps serving one task.
// TaskID is the owning workflow's id.
type Plan struct {
	PlanID   string  `json:"plan_id"`
	TaskID   string  `json:"task_id"`
	Version  int     `json:"version"`
	Goal     string  `json:"goal"`
	Strategy string  `json:"strategy,omitempty"`
	Steps    []*Step `json:"steps"`

	Status           Status     `json:"status"`
	CurrentStepIndex int        `json:"current_step_index"`
	CreatedAt        time.Time  `json:"created_at"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`

	AutonomyLevel int    `json:"autonomy_level"`
	ParentPlanID  string `json:"parent_plan_id,omitempty"`
	AttemptCount  int    `json:"attempt_count"`
}

// New creates a version-1 draft plan for a task.
func New(taskID, goal string, autonomy int, steps ...*Step) *Plan {
	p := &Plan{
		PlanID:        uuid.NewString(),
		TaskID:        taskID,
		Version:       1,
		Goal:          goal,
		Steps:         steps,
		Status:        StatusDraft,
		AutonomyLevel: autonomy,
		CreatedAt:     time.Now().UTC(),
	}
	for _, s := range p.Steps {
		if s.Status == "" {
			s.Status = StepPending
		}
		if s.Type == "" {
			s.Type = StepAction
		}
	}
	return p
}

// CanTransition reports whether the edge from the current status to
// another is allowed.
func (p *Plan) CanTransition(to Status) bool {
	for _, next := range transitions[p.Status] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the plan along an allowed edge. The approved edge
// stamps ApprovedAt. A disallowed edge changes nothing.
func (p *Plan) Transition(to Status) error {
	if !p.CanTransition(to) {
		return &core.Error{
			Op:   "plan.Transition",
			Kind: core.KindInvalidTransition,
			ID:   p.PlanID,
			Err:  core.ErrInvalidTransition,
		}
	}
	p.Status = to
	if to == StatusApproved {
		now := time.Now().UTC()
		p.ApprovedAt = &now
	}
	return nil
}

// Step returns the step with the given id, nil when absent.
func (p *Plan) Step(id string) *Step {
	for _, s := range p.Steps {
		if s.StepID == id {
			return s
		}
	}
	return nil
}

// Validate checks the plan's structure: a goal, a bounded number of
// uniquely named steps, valid types and targets, and an acyclic
// dependency graph. A non-positive maxSteps disables the size cap.
func (p *Plan) Validate(maxSteps int) error {
	const op = "plan.Validate"
	fail := func(msg string) error {
		return &core.Error{Op: op, Kind: core.KindValidationFailed, ID: p.PlanID, Message: msg}
	}

	if p.Goal == "" {
		return fail("plan has no goal")
	}
	if len(p.Steps) == 0 {
		return fail("plan has no steps")
	}
	if maxSteps > 0 && len(p.Steps) > maxSteps {
		return fail("plan exceeds the step limit")
	}
	if p.AutonomyLevel < 0 || p.AutonomyLevel > 4 {
		return fail("autonomy level out of range [0,4]")
	}

	for _, s := range p.Steps {
		if s.StepID == "" {
			return fail("step without an id")
		}
		if s.Description == "" {
			return fail("step " + s.StepID + " has no description")
		}
		if !validStepType(s.Type) {
			return fail("step " + s.StepID + " has an unknown type")
		}
		if s.Type == StepFunctionCall && s.FunctionCall == nil {
			return fail("step " + s.StepID + " is a function call without one attached")
		}
		if s.FunctionCall != nil && s.FunctionCall.Name == "" {
			return fail("step " + s.StepID + " calls an unnamed function")
		}
	}

	g, err := NewGraph(p.Steps)
	if err != nil {
		return err
	}
	return g.Validate()
}

// DependencyDepth is the length of the longest dependency chain,
// measured in steps. A plan whose graph cannot be layered reports the
// worst case so downstream risk scoring stays conservative.
func (p *Plan) DependencyDepth() int {
	g, err := NewGraph(p.Steps)
	if err != nil {
		return len(p.Steps)
	}
	depth, ok := g.Depth()
	if !ok {
		return len(p.Steps)
	}
	return depth
}
