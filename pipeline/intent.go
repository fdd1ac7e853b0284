package pipeline

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aard-labs/aard/core"
)

// Intent classes the interpretation stage may assign. A clarification
// intent means the model could not extract an actionable goal and wants
// the user to restate; the workflow fails with the question attached
// rather than guessing.
const (
	IntentSimpleQuestion = "simple_question"
	IntentTask           = "task"
	IntentClarification  = "clarification"
)

// Intent is the structured reading of the user's request that the
// interpretation stage extracts. Parameters are whatever slots the model
// pulled out (dates, targets, quantities); downstream stages treat them
// as opaque hints.
type Intent struct {
	Goal          string                 `json:"goal"`
	Class         string                 `json:"class"`
	TaskType      string                 `json:"task_type,omitempty"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	Clarification string                 `json:"clarification,omitempty"`
}

// intentSchema is what model-emitted intent JSON must satisfy. Semantic
// checks (a clarification intent carrying its question, goal sanity)
// live in the validator stage.
const intentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["goal", "class"],
  "properties": {
    "goal": {"type": "string", "minLength": 1},
    "class": {"enum": ["simple_question", "task", "clarification"]},
    "task_type": {"type": "string"},
    "parameters": {"type": "object"},
    "clarification": {"type": "string"}
  }
}`

var (
	intentOnce     sync.Once
	intentCompiled *jsonschema.Schema
	intentErr      error
)

func compiledIntentSchema() (*jsonschema.Schema, error) {
	intentOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(intentSchema), &doc); err != nil {
			intentErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("intent.json", doc); err != nil {
			intentErr = err
			return
		}
		intentCompiled, intentErr = c.Compile("intent.json")
	})
	return intentCompiled, intentErr
}

// ParseIntent validates raw model output against the intent schema and
// decodes it. Schema misses are kind validation_failed.
func ParseIntent(data []byte) (*Intent, error) {
	const op = "pipeline.ParseIntent"

	schema, err := compiledIntentSchema()
	if err != nil {
		return nil, &core.Error{Op: op, Kind: core.KindInternal, Message: "intent schema does not compile", Err: err}
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &core.Error{Op: op, Kind: core.KindValidationFailed, Message: "intent output is not valid JSON", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return nil, &core.Error{Op: op, Kind: core.KindValidationFailed, Message: "intent output does not match the intent schema", Err: err}
	}

	var in Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, &core.Error{Op: op, Kind: core.KindValidationFailed, Message: "intent output does not decode", Err: err}
	}
	in.Goal = strings.TrimSpace(in.Goal)
	return &in, nil
}

// clarificationQuestion returns the question to hand back for a
// clarification intent, with a fallback when the model asked nothing.
func (in *Intent) clarificationQuestion() string {
	if q := strings.TrimSpace(in.Clarification); q != "" {
		return q
	}
	return "request is ambiguous and needs clarification"
}

// validateIntent is the validator_a rule set: the sanity checks a parsed
// intent must pass before routing sees it. Clarification intents are
// handled by the engine before this runs; they are a valid reading, just
// not a runnable one.
func validateIntent(in *Intent) error {
	if in.Goal == "" {
		return &core.Error{Op: "pipeline.validateIntent", Kind: core.KindValidationFailed, Message: "intent has no goal"}
	}
	return nil
}

// routeFor is the routing rule: simple questions bypass model planning
// and run as a single answer step; everything else plans.
func routeFor(in *Intent) string {
	if in.Class == IntentSimpleQuestion {
		return RouteSimpleQuestion
	}
	return RouteTask
}
