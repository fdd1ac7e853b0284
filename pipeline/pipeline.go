// Package pipeline drives one natural-language request from text to a
// terminal state. The engine walks a workflow through the canonical
// stages (interpretation, validation, routing, planning, approval,
// execution, reflection), persisting the record and appending a journal
// event on every transition.
//
// The state machine is the contract. Normal progress follows the edge
// set below; anything else is either rejected (with an error event and
// no state change) or a forced jump to a terminal state carrying a
// mandatory reason code. Exactly one terminal event ends every
// workflow's trail.
package pipeline

import (
	"time"

	"github.com/aard-labs/aard/core"
)

// State is the workflow lifecycle state.
type State string

const (
	StateInitialized     State = "initialized"
	StateParsing         State = "parsing"
	StatePlanning        State = "planning"
	StateApprovalPending State = "approval_pending"
	StateApproved        State = "approved"
	StateExecuting       State = "executing"
	StatePaused          State = "paused"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
	StateRetrying        State = "retrying"
)

// transitions is the allowed edge set. Missing keys are terminal sinks.
// RETRYING loops back to PLANNING: a replan is a fresh plan version, not
// a step retry.
var transitions = map[State][]State{
	StateInitialized:     {StateParsing},
	StateParsing:         {StatePlanning},
	StatePlanning:        {StateApprovalPending, StateApproved},
	StateApprovalPending: {StateApproved, StateFailed, StateCancelled},
	StateApproved:        {StateExecuting},
	StateExecuting:       {StateCompleted, StateFailed, StatePaused, StateRetrying},
	StatePaused:          {StateExecuting, StateCancelled},
	StateRetrying:        {StatePlanning},
}

// Terminal reports whether the state accepts no further transitions.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0 && validState(s)
}

// CanTransition reports whether the edge s -> to is in the allowed set.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func validState(s State) bool {
	switch s {
	case StateInitialized, StateParsing, StatePlanning, StateApprovalPending,
		StateApproved, StateExecuting, StatePaused, StateCompleted,
		StateFailed, StateCancelled, StateRetrying:
		return true
	}
	return false
}

// StageFor maps a state to the canonical stage its journal events carry.
// Terminal states map to reflection, the stage that runs once the
// workflow settles.
func StageFor(s State) core.Stage {
	switch s {
	case StateInitialized, StateParsing:
		return core.StageInterpretation
	case StatePlanning, StateRetrying:
		return core.StagePlanning
	case StateApprovalPending, StateApproved:
		return core.StageValidatorB
	case StateExecuting, StatePaused:
		return core.StageExecution
	default:
		return core.StageReflection
	}
}

// Route classes assigned by the routing stage.
const (
	RouteSimpleQuestion = "simple_question"
	RouteTask           = "task"
)

// Workflow is the persistent record for one request. The engine is the
// only writer; everything else reads it through the store or the API.
type Workflow struct {
	WorkflowID  string `json:"workflow_id"`
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id,omitempty"`
	RequestText string `json:"request_text"`

	State State      `json:"state"`
	Stage core.Stage `json:"stage"`

	// Goal and Route are filled by interpretation and routing. Replans
	// after a park (approval wait, pause) rebuild from these when the
	// original intent is no longer in memory.
	Goal     string `json:"goal,omitempty"`
	Route    string `json:"route,omitempty"`
	TaskType string `json:"task_type,omitempty"`

	AutonomyLevel int    `json:"autonomy_level"`
	ModelRef      string `json:"model_ref,omitempty"`
	ServerRef     string `json:"server_ref,omitempty"`

	// PlanID tracks the live plan version; Attempts counts versions
	// created so the replan budget survives restarts.
	PlanID     string `json:"plan_id,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
	Attempts   int    `json:"attempts"`

	ReasonCode string `json:"reason_code,omitempty"`
	Summary    string `json:"summary,omitempty"`

	StartedAt    time.Time  `json:"started_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
}

// Transition moves the workflow along an allowed edge and refreshes the
// derived fields (stage, timestamps). The caller persists and journals.
func (w *Workflow) Transition(to State) error {
	if !w.State.CanTransition(to) {
		return &core.Error{
			Op:   "pipeline.Transition",
			Kind: core.KindInvalidTransition,
			ID:   w.WorkflowID,
			Err:  core.ErrInvalidTransition,
		}
	}
	w.apply(to)
	return nil
}

// Force jumps the workflow to a terminal state from any non-terminal
// one. The governor and the cancel path use it for edges outside the
// allowed set; the reason code is mandatory so the trail says why.
func (w *Workflow) Force(to State, reasonCode string) error {
	const op = "pipeline.Force"
	if !to.Terminal() {
		return &core.Error{Op: op, Kind: core.KindInvalidTransition, ID: w.WorkflowID,
			Message: "forced transitions must target a terminal state"}
	}
	if w.State.Terminal() {
		return &core.Error{Op: op, Kind: core.KindInvalidTransition, ID: w.WorkflowID,
			Err: core.ErrAlreadyTerminal}
	}
	if reasonCode == "" {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: w.WorkflowID,
			Message: "forced transitions require a reason code"}
	}
	w.ReasonCode = reasonCode
	w.apply(to)
	return nil
}

func (w *Workflow) apply(to State) {
	now := time.Now().UTC()
	w.State = to
	w.Stage = StageFor(to)
	w.UpdatedAt = now
	if to.Terminal() {
		w.TerminatedAt = &now
	}
}
