package plan

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aard-labs/aard/core"
)

// Proposal is the shape the planning stage expects a model to emit. It
// is deliberately looser than Plan: ids are the model's own labels and
// everything defaults toward an ordinary action step.
type Proposal struct {
	Goal     string          `json:"goal"`
	Strategy string          `json:"strategy,omitempty"`
	Steps    []*ProposalStep `json:"steps"`
}

// ProposalStep is one proposed step.
type ProposalStep struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Type        StepType `json:"type,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`

	AgentID      string                 `json:"agent_id,omitempty"`
	ToolID       string                 `json:"tool_id,omitempty"`
	FunctionCall *FunctionCall          `json:"function_call,omitempty"`
	Inputs       map[string]interface{} `json:"inputs,omitempty"`

	ApprovalRequired bool `json:"approval_required,omitempty"`
	HighRisk         bool `json:"high_risk,omitempty"`
	External         bool `json:"external,omitempty"`
}

// proposalSchema is what model-emitted plan JSON must satisfy before it
// becomes a Plan. Structural soundness (unique ids, known dependencies,
// acyclicity) is checked afterwards by Plan.Validate, which a JSON
// schema cannot express.
const proposalSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["goal", "steps"],
  "properties": {
    "goal": {"type": "string", "minLength": 1},
    "strategy": {"type": "string"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "description"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "description": {"type": "string", "minLength": 1},
          "type": {"enum": ["action", "decision", "validation", "function_call"]},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "agent_id": {"type": "string"},
          "tool_id": {"type": "string"},
          "function_call": {
            "type": "object",
            "required": ["name"],
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "parameters": {"type": "object"},
              "validation_schema": {"type": "object"}
            }
          },
          "inputs": {"type": "object"},
          "approval_required": {"type": "boolean"},
          "high_risk": {"type": "boolean"},
          "external": {"type": "boolean"}
        }
      }
    }
  }
}`

var (
	proposalOnce     sync.Once
	proposalCompiled *jsonschema.Schema
	proposalErr      error
)

func compiledProposalSchema() (*jsonschema.Schema, error) {
	proposalOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(proposalSchema), &doc); err != nil {
			proposalErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("plan-proposal.json", doc); err != nil {
			proposalErr = err
			return
		}
		proposalCompiled, proposalErr = c.Compile("plan-proposal.json")
	})
	return proposalCompiled, proposalErr
}

// ParseProposal validates raw model output against the proposal schema
// and decodes it. Schema misses are kind validation_failed so the
// pipeline can decide between reprompting and failing the workflow.
func ParseProposal(data []byte) (*Proposal, error) {
	const op = "plan.ParseProposal"

	schema, err := compiledProposalSchema()
	if err != nil {
		return nil, &core.Error{Op: op, Kind: core.KindInternal, Message: "proposal schema does not compile", Err: err}
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &core.Error{Op: op, Kind: core.KindValidationFailed, Message: "plan output is not valid JSON", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return nil, &core.Error{Op: op, Kind: core.KindValidationFailed, Message: "plan output does not match the proposal schema", Err: err}
	}

	var prop Proposal
	if err := json.Unmarshal(data, &prop); err != nil {
		return nil, &core.Error{Op: op, Kind: core.KindValidationFailed, Message: "plan output does not decode", Err: err}
	}
	return &prop, nil
}

// Materialize turns a proposal into a draft plan for a task. Version and
// parent wiring are the caller's: a first plan is version 1 with no
// parent, a replan carries its predecessor and the attempt count.
func Materialize(prop *Proposal, taskID string, version, autonomy int) *Plan {
	p := &Plan{
		PlanID:        uuid.NewString(),
		TaskID:        taskID,
		Version:       version,
		Goal:          prop.Goal,
		Strategy:      prop.Strategy,
		Status:        StatusDraft,
		AutonomyLevel: autonomy,
		CreatedAt:     time.Now().UTC(),
	}
	for _, ps := range prop.Steps {
		t := ps.Type
		if t == "" {
			t = StepAction
			if ps.FunctionCall != nil {
				t = StepFunctionCall
			}
		}
		p.Steps = append(p.Steps, &Step{
			StepID:           ps.ID,
			Description:      ps.Description,
			Type:             t,
			Dependencies:     ps.DependsOn,
			FunctionCall:     ps.FunctionCall,
			AgentID:          ps.AgentID,
			ToolID:           ps.ToolID,
			Inputs:           ps.Inputs,
			ApprovalRequired: ps.ApprovalRequired,
			HighRisk:         ps.HighRisk,
			External:         ps.External,
			Status:           StepPending,
		})
	}
	return p
}
