package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aard-labs/aard/ai"
	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/journal"
	"github.com/aard-labs/aard/prompts"
	"github.com/aard-labs/aard/telemetry"
)

const roleAnalyzer = "reflection_analyzer"

const summaryLimit = 500

// negativeMarkers are feedback phrases that indicate the request was
// understood wrong rather than executed wrong.
var negativeMarkers = []string{
	"wrong", "not what", "didn't ask", "didn't want",
	"incorrect", "misunderstood", "not right",
}

// ModelGateway is the slice of the model gateway the analyzer needs.
type ModelGateway interface {
	Invoke(ctx context.Context, req *ai.Request) (*ai.Response, error)
}

// Input is what the pipeline hands the analyzer once a workflow is
// terminal. FinalStatus is the terminal workflow state; Artifact is the
// final output shown to the user, Feedback any human reaction to it.
// The event trail is fetched from the journal, not passed in.
type Input struct {
	WorkflowID  string `json:"workflow_id"`
	SessionID   string `json:"session_id,omitempty"`
	Goal        string `json:"goal,omitempty"`
	TaskType    string `json:"task_type,omitempty"`
	FinalStatus string `json:"final_status"`
	ReasonCode  string `json:"reason_code,omitempty"`
	Artifact    string `json:"artifact,omitempty"`
	Feedback    string `json:"feedback,omitempty"`
}

// Stats is what the analyzer tallied from the event trail.
type Stats struct {
	Events         int `json:"events"`
	Plans          int `json:"plans"`
	Replans        int `json:"replans"`
	StepsSucceeded int `json:"steps_succeeded"`
	StepsFailed    int `json:"steps_failed"`
	StepsSkipped   int `json:"steps_skipped"`
	ModelCalls     int `json:"model_calls"`
}

// Analysis is the categorized outcome of one workflow.
type Analysis struct {
	WorkflowID string              `json:"workflow_id"`
	Outcome    Outcome             `json:"outcome"`
	Summary    string              `json:"summary"`
	Confidence float64             `json:"confidence"`
	Source     core.DecisionSource `json:"decision_source"`
	Proposals  []*Bias             `json:"proposals,omitempty"`
	Stats      Stats               `json:"stats"`
}

// Analyzer turns terminal workflows into outcome records, bias
// proposals, and prompt metric updates. Rules categorize first; when a
// gateway is wired the reflection-stage prompt refines the result and
// may propose biases of its own.
type Analyzer struct {
	store    Store
	jrnl     journal.Journal
	gateway  ModelGateway
	registry prompts.Registry
	logger   core.Logger
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithStore overrides the bias store (default in-memory).
func WithStore(s Store) AnalyzerOption {
	return func(a *Analyzer) { a.store = s }
}

// WithJournal wires the event trail the analyzer reads and writes.
func WithJournal(j journal.Journal) AnalyzerOption {
	return func(a *Analyzer) { a.jrnl = j }
}

// WithGateway enables model refinement of the rule categorization.
func WithGateway(gw ModelGateway) AnalyzerOption {
	return func(a *Analyzer) { a.gateway = gw }
}

// WithPromptRegistry wires the registry that receives per-workflow
// prompt outcome folds.
func WithPromptRegistry(reg prompts.Registry) AnalyzerOption {
	return func(a *Analyzer) { a.registry = reg }
}

// WithAnalyzerLogger injects a logger, scoped to aard/reflection when
// the implementation is component-aware.
func WithAnalyzerLogger(logger core.Logger) AnalyzerOption {
	return func(a *Analyzer) {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			a.logger = cal.WithComponent("aard/reflection")
		} else {
			a.logger = logger
		}
	}
}

// NewAnalyzer creates an Analyzer. Nothing about categorization is
// configurable; the stores and gateway are wired through options.
func NewAnalyzer(opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		store:  NewMemoryBiasStore(),
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Reflect analyzes one terminal workflow. It never mutates plans or
// events: the only writes are the reflection.outcome event, bias
// records, and prompt metric folds. The outcome event is the one write
// that must land; bias and metric misses are logged and tolerated.
func (a *Analyzer) Reflect(ctx context.Context, in *Input) (*Analysis, error) {
	const op = "reflection.Reflect"

	if in == nil || in.WorkflowID == "" {
		return nil, &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "workflow_id is required"}
	}

	trail := a.trail(ctx, in.WorkflowID)
	stats, goals := tally(trail)

	analysis := &Analysis{
		WorkflowID: in.WorkflowID,
		Source:     core.SourceRule,
		Stats:      stats,
	}
	analysis.Outcome, analysis.Confidence, analysis.Summary = categorize(in, stats, len(goals))

	if a.gateway != nil {
		if err := a.refine(ctx, in, analysis); err != nil {
			a.logger.WarnWithContext(ctx, "Reflection refinement failed, keeping rule categorization", map[string]interface{}{
				"operation":   "reflect_refine",
				"workflow_id": in.WorkflowID,
				"outcome":     string(analysis.Outcome),
				"error":       err.Error(),
			})
		}
	}

	// Misread requests with feedback attached always yield at least one
	// bias so the next interpretation can lean the other way.
	if analysis.Outcome == OutcomeSemanticMismatch && in.Feedback != "" && len(analysis.Proposals) == 0 {
		analysis.Proposals = append(analysis.Proposals, &Bias{
			Scope:                   scopeFor(in.TaskType),
			Condition:               clip(in.Goal, 200),
			PreferredInterpretation: clip(in.Feedback, 200),
			Confidence:              0.4,
			Source:                  "feedback/" + in.WorkflowID,
		})
	}

	if err := a.journalOutcome(ctx, in, analysis); err != nil {
		return nil, err
	}
	a.persistProposals(ctx, in, analysis)
	a.recordPromptOutcomes(ctx, trail, analysis.Outcome)

	telemetry.Counter("aard.reflection.outcomes", "outcome", string(analysis.Outcome))
	a.logger.InfoWithContext(ctx, "Reflection recorded", map[string]interface{}{
		"operation":   "reflect",
		"workflow_id": in.WorkflowID,
		"outcome":     string(analysis.Outcome),
		"confidence":  analysis.Confidence,
		"source":      string(analysis.Source),
		"biases":      len(analysis.Proposals),
	})
	return analysis, nil
}

// trail fetches the workflow's event trail. A missing journal or a read
// failure degrades to rule categorization over the input alone.
func (a *Analyzer) trail(ctx context.Context, workflowID string) []*journal.Event {
	if a.jrnl == nil {
		return nil
	}
	events, err := a.jrnl.ByWorkflow(ctx, workflowID, 0, journal.MaxPageLimit)
	if err != nil {
		a.logger.WarnWithContext(ctx, "Reflection could not read the event trail", map[string]interface{}{
			"operation":   "reflect_trail",
			"workflow_id": workflowID,
			"error":       err.Error(),
		})
		return nil
	}
	return events
}

// tally counts the trail and collects the distinct plan goals seen, in
// order. plan.created events carry the goal as their input summary.
func tally(events []*journal.Event) (Stats, []string) {
	var s Stats
	s.Events = len(events)
	var goals []string
	seen := map[string]bool{}
	for _, e := range events {
		switch e.Type {
		case journal.TypePlanCreated:
			s.Plans++
			if g := e.InputSummary; g != "" && !seen[g] {
				seen[g] = true
				goals = append(goals, g)
			}
		case journal.TypeStepSucceeded:
			s.StepsSucceeded++
		case journal.TypeStepFailed:
			s.StepsFailed++
		case journal.TypeStepSkipped:
			s.StepsSkipped++
		case journal.TypeModelResponse:
			s.ModelCalls++
		}
	}
	if s.Plans > 1 {
		s.Replans = s.Plans - 1
	}
	return s, goals
}

// categorize applies the rule table. Order matters: hard failure beats
// drift beats mismatch beats a bumpy-but-finished run.
func categorize(in *Input, s Stats, distinctGoals int) (Outcome, float64, string) {
	status := strings.ToLower(strings.TrimSpace(in.FinalStatus))
	switch {
	case status == "failed":
		msg := "workflow failed"
		if in.ReasonCode != "" {
			msg = fmt.Sprintf("workflow failed (%s)", in.ReasonCode)
		}
		return OutcomeExecutionFailure, 0.9, msg
	case status == "cancelled":
		if s.StepsSucceeded > 0 {
			return OutcomePartialSuccess, 0.8,
				fmt.Sprintf("cancelled after %d completed steps", s.StepsSucceeded)
		}
		return OutcomeExecutionFailure, 0.8, "cancelled before any step completed"
	case distinctGoals > 1:
		return OutcomeGoalDrift, 0.6,
			fmt.Sprintf("goal restated across %d plans", distinctGoals)
	case hasNegativeFeedback(in.Feedback):
		return OutcomeSemanticMismatch, 0.6, "human feedback indicates the request was misread"
	case s.StepsFailed > 0 || s.StepsSkipped > 0 || s.Replans > 0:
		return OutcomePartialSuccess, 0.75,
			fmt.Sprintf("completed with %d failed and %d skipped steps over %d plans",
				s.StepsFailed, s.StepsSkipped, s.Plans)
	default:
		return OutcomeSuccess, 0.9,
			fmt.Sprintf("completed cleanly: %d steps, %d model calls", s.StepsSucceeded, s.ModelCalls)
	}
}

func hasNegativeFeedback(feedback string) bool {
	if feedback == "" {
		return false
	}
	lower := strings.ToLower(feedback)
	for _, m := range negativeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// reflectionSchema is what the reflection-stage prompt must emit.
// Bias confidence defaults are applied after validation.
const reflectionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["outcome", "summary"],
  "properties": {
    "outcome": {"enum": ["success", "partial_success", "semantic_mismatch", "execution_failure", "goal_drift"]},
    "summary": {"type": "string", "minLength": 1},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "biases": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["scope", "condition", "preferred_interpretation"],
        "properties": {
          "scope": {"type": "string", "minLength": 1},
          "condition": {"type": "string", "minLength": 1},
          "preferred_interpretation": {"type": "string", "minLength": 1},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    }
  }
}`

var (
	reflectionOnce     sync.Once
	reflectionCompiled *jsonschema.Schema
	reflectionErr      error
)

func compiledReflectionSchema() (*jsonschema.Schema, error) {
	reflectionOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(reflectionSchema), &doc); err != nil {
			reflectionErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("reflection-analysis.json", doc); err != nil {
			reflectionErr = err
			return
		}
		reflectionCompiled, reflectionErr = c.Compile("reflection-analysis.json")
	})
	return reflectionCompiled, reflectionErr
}

type refinement struct {
	Outcome    Outcome `json:"outcome"`
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
	Biases     []struct {
		Scope                   string  `json:"scope"`
		Condition               string  `json:"condition"`
		PreferredInterpretation string  `json:"preferred_interpretation"`
		Confidence              float64 `json:"confidence"`
	} `json:"biases"`
}

// refine asks the reflection-stage prompt to second-guess the rule
// categorization. Any failure leaves the analysis untouched.
func (a *Analyzer) refine(ctx context.Context, in *Input, analysis *Analysis) error {
	const op = "reflection.refine"

	resp, err := a.gateway.Invoke(ctx, &ai.Request{
		Stage:         core.StageReflection,
		ComponentRole: roleAnalyzer,
		TaskType:      in.TaskType,
		UserPayload:   a.refinePayload(in, analysis),
	})
	if err != nil {
		return err
	}

	raw, err := ai.ExtractJSON(resp.Text)
	if err != nil {
		return err
	}
	schema, err := compiledReflectionSchema()
	if err != nil {
		return &core.Error{Op: op, Kind: core.KindInternal, Message: "reflection schema does not compile", Err: err}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &core.Error{Op: op, Kind: core.KindValidationFailed, Message: "analysis output is not valid JSON", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &core.Error{Op: op, Kind: core.KindValidationFailed, Message: "analysis output does not match the schema", Err: err}
	}
	var ref refinement
	if err := json.Unmarshal(raw, &ref); err != nil {
		return &core.Error{Op: op, Kind: core.KindValidationFailed, Message: "analysis output does not decode", Err: err}
	}

	analysis.Outcome = ref.Outcome
	analysis.Summary = clip(ref.Summary, summaryLimit)
	if ref.Confidence > 0 {
		analysis.Confidence = ref.Confidence
	}
	analysis.Source = core.SourcePrompt
	for _, b := range ref.Biases {
		conf := b.Confidence
		if conf <= 0 {
			conf = 0.5
		}
		analysis.Proposals = append(analysis.Proposals, &Bias{
			Scope:                   b.Scope,
			Condition:               clip(b.Condition, 200),
			PreferredInterpretation: clip(b.PreferredInterpretation, 200),
			Confidence:              conf,
			Source:                  "reflection/" + in.WorkflowID,
		})
	}
	return nil
}

func (a *Analyzer) refinePayload(in *Input, analysis *Analysis) string {
	s := analysis.Stats
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", clip(in.Goal, 300))
	fmt.Fprintf(&sb, "Final status: %s", in.FinalStatus)
	if in.ReasonCode != "" {
		fmt.Fprintf(&sb, " (%s)", in.ReasonCode)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Rule categorization: %s (confidence %.2f): %s\n",
		analysis.Outcome, analysis.Confidence, analysis.Summary)
	fmt.Fprintf(&sb, "Trail: %d events, %d plans (%d replans), steps %d ok / %d failed / %d skipped, %d model calls\n",
		s.Events, s.Plans, s.Replans, s.StepsSucceeded, s.StepsFailed, s.StepsSkipped, s.ModelCalls)
	if in.Artifact != "" {
		fmt.Fprintf(&sb, "Final artifact: %s\n", clip(in.Artifact, 800))
	}
	if in.Feedback != "" {
		fmt.Fprintf(&sb, "Human feedback: %s\n", clip(in.Feedback, 400))
	}
	sb.WriteString(`Respond with JSON only: {"outcome": one of ` +
		`["success","partial_success","semantic_mismatch","execution_failure","goal_drift"], ` +
		`"summary": string, "confidence": number in [0,1], ` +
		`"biases": [{"scope","condition","preferred_interpretation","confidence"}]}. ` +
		`Propose biases only when the interpretation itself should change next time.`)
	return sb.String()
}

// journalOutcome writes the one durable record of this reflection. Its
// failure fails the whole Reflect call so the pipeline can retry.
func (a *Analyzer) journalOutcome(ctx context.Context, in *Input, analysis *Analysis) error {
	if a.jrnl == nil {
		return nil
	}
	status := journal.StatusOK
	switch analysis.Outcome {
	case OutcomeExecutionFailure:
		status = journal.StatusError
	case OutcomePartialSuccess, OutcomeSemanticMismatch, OutcomeGoalDrift:
		status = journal.StatusWarn
	}
	s := analysis.Stats
	return a.jrnl.Append(ctx, &journal.Event{
		WorkflowID:     in.WorkflowID,
		SessionID:      in.SessionID,
		Type:           journal.TypeReflectionOutcome,
		Stage:          core.StageReflection,
		ComponentRole:  roleAnalyzer,
		DecisionSource: analysis.Source,
		Status:         status,
		ReasonCode:     string(analysis.Outcome),
		InputSummary:   clip(in.Goal, summaryLimit),
		OutputSummary:  clip(analysis.Summary, summaryLimit),
		Metadata: map[string]string{
			"confidence": strconv.FormatFloat(analysis.Confidence, 'f', 2, 64),
			"events":     strconv.Itoa(s.Events),
			"plans":      strconv.Itoa(s.Plans),
			"biases":     strconv.Itoa(len(analysis.Proposals)),
		},
	})
}

// persistProposals saves the analysis's biases and journals each one.
// Bias writes are best-effort: the outcome event is already durable.
func (a *Analyzer) persistProposals(ctx context.Context, in *Input, analysis *Analysis) {
	now := time.Now().UTC()
	for _, b := range analysis.Proposals {
		if b.BiasID == "" {
			b.BiasID = uuid.NewString()
		}
		if b.Scope == "" {
			b.Scope = scopeFor(in.TaskType)
		}
		if b.Source == "" {
			b.Source = "reflection/" + in.WorkflowID
		}
		if b.CreatedAt.IsZero() {
			b.CreatedAt = now
		}
		if err := a.store.SaveBias(ctx, b); err != nil {
			a.logger.WarnWithContext(ctx, "Bias save failed", map[string]interface{}{
				"operation":   "reflect_bias",
				"workflow_id": in.WorkflowID,
				"bias_id":     b.BiasID,
				"scope":       b.Scope,
				"error":       err.Error(),
			})
			continue
		}
		if a.jrnl == nil {
			continue
		}
		ev := &journal.Event{
			WorkflowID:     in.WorkflowID,
			SessionID:      in.SessionID,
			Type:           journal.TypeBiasCreated,
			Stage:          core.StageReflection,
			ComponentRole:  roleAnalyzer,
			DecisionSource: analysis.Source,
			Status:         journal.StatusOK,
			ReasonCode:     string(analysis.Outcome),
			OutputSummary:  clip(b.Condition+" => "+b.PreferredInterpretation, summaryLimit),
			Metadata: map[string]string{
				"bias_id":    b.BiasID,
				"scope":      b.Scope,
				"confidence": strconv.FormatFloat(b.Confidence, 'f', 2, 64),
			},
		}
		if err := a.jrnl.Append(ctx, ev); err != nil {
			a.logger.WarnWithContext(ctx, "Bias event append failed", map[string]interface{}{
				"operation":   "reflect_bias",
				"workflow_id": in.WorkflowID,
				"bias_id":     b.BiasID,
				"error":       err.Error(),
			})
		}
	}
}

// recordPromptOutcomes folds the workflow's end quality back into every
// prompt that served it. The gateway already recorded per-call success;
// this second fold is the only signal that ties a prompt to what the
// human actually got.
func (a *Analyzer) recordPromptOutcomes(ctx context.Context, trail []*journal.Event, outcome Outcome) {
	if a.registry == nil {
		return
	}
	success := outcome == OutcomeSuccess
	type acc struct {
		n     int
		total float64
	}
	byPrompt := map[string]*acc{}
	var order []string
	for _, e := range trail {
		if e.Type != journal.TypeModelResponse || e.PromptID == "" {
			continue
		}
		ms, _ := strconv.ParseFloat(e.Metadata["latency_ms"], 64)
		c := byPrompt[e.PromptID]
		if c == nil {
			c = &acc{}
			byPrompt[e.PromptID] = c
			order = append(order, e.PromptID)
		}
		c.n++
		c.total += ms
	}
	for _, id := range order {
		c := byPrompt[id]
		if err := a.registry.RecordUsage(ctx, id, success, c.total/float64(c.n)); err != nil {
			a.logger.WarnWithContext(ctx, "Prompt outcome fold failed", map[string]interface{}{
				"operation": "reflect_prompts",
				"prompt_id": id,
				"error":     err.Error(),
			})
		}
	}
}

func scopeFor(taskType string) string {
	if taskType == "" {
		return "global"
	}
	return taskType
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
