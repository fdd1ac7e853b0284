package reflection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aard-labs/aard/ai"
	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/journal"
	"github.com/aard-labs/aard/prompts"
)

type stubGateway struct {
	resp  *ai.Response
	err   error
	calls int
	last  *ai.Request
}

func (s *stubGateway) Invoke(_ context.Context, req *ai.Request) (*ai.Response, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

// failJournal reads fine but cannot persist, to prove the outcome event
// is a hard dependency of Reflect.
type failJournal struct{}

func (failJournal) Append(context.Context, *journal.Event) error {
	return errors.New("journal down")
}

func (failJournal) ByWorkflow(context.Context, string, int64, int) ([]*journal.Event, error) {
	return nil, nil
}

func (failJournal) BySession(context.Context, string, int) ([]*journal.Event, error) {
	return nil, nil
}

func (failJournal) Recent(context.Context, int) ([]*journal.Event, error) { return nil, nil }

func (failJournal) Subscribe(context.Context, journal.Filter) (<-chan *journal.Event, func()) {
	return nil, func() {}
}

func appendEvents(t *testing.T, jrnl journal.Journal, events ...*journal.Event) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, jrnl.Append(context.Background(), e))
	}
}

func eventsOfType(events []*journal.Event, typ string) []*journal.Event {
	var out []*journal.Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func seedPrompt(t *testing.T, reg prompts.Registry, name string) *prompts.Prompt {
	t.Helper()
	p := &prompts.Prompt{
		Name:          name,
		Stage:         core.StageExecution,
		ComponentRole: "executor",
		Body:          "run the step",
	}
	require.NoError(t, reg.CreatePrompt(context.Background(), p))
	return p
}

func TestReflectValidation(t *testing.T) {
	a := NewAnalyzer()

	_, err := a.Reflect(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))

	_, err = a.Reflect(context.Background(), &Input{FinalStatus: "completed"})
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))
}

func TestCategorize(t *testing.T) {
	cases := []struct {
		name          string
		in            *Input
		stats         Stats
		distinctGoals int
		want          Outcome
		confidence    float64
	}{
		{
			name: "failed workflow",
			in:   &Input{FinalStatus: "failed", ReasonCode: "timeout"},
			want: OutcomeExecutionFailure, confidence: 0.9,
		},
		{
			name: "status is case insensitive",
			in:   &Input{FinalStatus: "FAILED"},
			want: OutcomeExecutionFailure, confidence: 0.9,
		},
		{
			name:  "cancelled after progress",
			in:    &Input{FinalStatus: "cancelled"},
			stats: Stats{StepsSucceeded: 2},
			want:  OutcomePartialSuccess, confidence: 0.8,
		},
		{
			name: "cancelled before progress",
			in:   &Input{FinalStatus: "cancelled"},
			want: OutcomeExecutionFailure, confidence: 0.8,
		},
		{
			name:          "goal restated across replans",
			in:            &Input{FinalStatus: "completed"},
			stats:         Stats{Plans: 2, Replans: 1},
			distinctGoals: 2,
			want:          OutcomeGoalDrift, confidence: 0.6,
		},
		{
			name: "negative feedback",
			in:   &Input{FinalStatus: "completed", Feedback: "that is NOT WHAT I asked for"},
			want: OutcomeSemanticMismatch, confidence: 0.6,
		},
		{
			name:  "feedback outranks a bumpy run",
			in:    &Input{FinalStatus: "completed", Feedback: "the answer is incorrect"},
			stats: Stats{StepsFailed: 1},
			want:  OutcomeSemanticMismatch, confidence: 0.6,
		},
		{
			name:          "drift outranks feedback",
			in:            &Input{FinalStatus: "completed", Feedback: "wrong"},
			distinctGoals: 3,
			want:          OutcomeGoalDrift, confidence: 0.6,
		},
		{
			name:  "replans mean partial",
			in:    &Input{FinalStatus: "completed"},
			stats: Stats{Plans: 2, Replans: 1, StepsSucceeded: 4},
			want:  OutcomePartialSuccess, confidence: 0.75,
		},
		{
			name:  "skipped steps mean partial",
			in:    &Input{FinalStatus: "completed"},
			stats: Stats{StepsSucceeded: 2, StepsSkipped: 1},
			want:  OutcomePartialSuccess, confidence: 0.75,
		},
		{
			name:  "clean run",
			in:    &Input{FinalStatus: "completed"},
			stats: Stats{StepsSucceeded: 3, ModelCalls: 2},
			want:  OutcomeSuccess, confidence: 0.9,
		},
		{
			name:  "positive feedback stays success",
			in:    &Input{FinalStatus: "completed", Feedback: "great, thanks"},
			stats: Stats{StepsSucceeded: 1},
			want:  OutcomeSuccess, confidence: 0.9,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, conf, summary := categorize(tc.in, tc.stats, tc.distinctGoals)
			assert.Equal(t, tc.want, got)
			assert.InDelta(t, tc.confidence, conf, 1e-9)
			assert.NotEmpty(t, summary)
		})
	}

	_, _, summary := categorize(&Input{FinalStatus: "failed", ReasonCode: "human_rejected"}, Stats{}, 0)
	assert.Contains(t, summary, "human_rejected")
}

func TestTally(t *testing.T) {
	events := []*journal.Event{
		{Type: journal.TypeWorkflowCreated},
		{Type: journal.TypePlanCreated, InputSummary: "build the report"},
		{Type: journal.TypeStepSucceeded},
		{Type: journal.TypeStepFailed},
		{Type: journal.TypePlanCreated, InputSummary: "build the quarterly report"},
		{Type: journal.TypeStepSucceeded},
		{Type: journal.TypeStepSkipped},
		{Type: journal.TypeModelResponse},
		{Type: journal.TypeModelResponse},
	}

	stats, goals := tally(events)

	assert.Equal(t, 9, stats.Events)
	assert.Equal(t, 2, stats.Plans)
	assert.Equal(t, 1, stats.Replans)
	assert.Equal(t, 2, stats.StepsSucceeded)
	assert.Equal(t, 1, stats.StepsFailed)
	assert.Equal(t, 1, stats.StepsSkipped)
	assert.Equal(t, 2, stats.ModelCalls)
	assert.Equal(t, []string{"build the report", "build the quarterly report"}, goals)

	stats, goals = tally(nil)
	assert.Equal(t, Stats{}, stats)
	assert.Empty(t, goals)
}

func TestReflectCleanRun(t *testing.T) {
	ctx := context.Background()
	reg := prompts.NewMemoryRegistry()
	p := seedPrompt(t, reg, "execution-default")

	jrnl := journal.New(journal.NewMemoryStore())
	appendEvents(t, jrnl,
		&journal.Event{WorkflowID: "wf-1", Type: journal.TypePlanCreated, Stage: core.StagePlanning,
			ComponentRole: "planner", InputSummary: "summarize march cloud costs"},
		&journal.Event{WorkflowID: "wf-1", Type: journal.TypeStepSucceeded, Stage: core.StageExecution,
			ComponentRole: "executor"},
		&journal.Event{WorkflowID: "wf-1", Type: journal.TypeStepSucceeded, Stage: core.StageExecution,
			ComponentRole: "executor"},
		&journal.Event{WorkflowID: "wf-1", Type: journal.TypeModelResponse, Stage: core.StageExecution,
			ComponentRole: "model_gateway", PromptID: p.PromptID, Metadata: map[string]string{"latency_ms": "120"}},
		&journal.Event{WorkflowID: "wf-1", Type: journal.TypeModelResponse, Stage: core.StageExecution,
			ComponentRole: "model_gateway", PromptID: p.PromptID, Metadata: map[string]string{"latency_ms": "80"}},
	)

	a := NewAnalyzer(WithJournal(jrnl), WithPromptRegistry(reg))
	analysis, err := a.Reflect(ctx, &Input{
		WorkflowID:  "wf-1",
		SessionID:   "s-1",
		Goal:        "summarize march cloud costs",
		FinalStatus: "completed",
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, analysis.Outcome)
	assert.Equal(t, core.SourceRule, analysis.Source)
	assert.InDelta(t, 0.9, analysis.Confidence, 1e-9)
	assert.Empty(t, analysis.Proposals)
	assert.Equal(t, Stats{Events: 5, Plans: 1, StepsSucceeded: 2, ModelCalls: 2}, analysis.Stats)

	events, err := jrnl.ByWorkflow(ctx, "wf-1", 0, 100)
	require.NoError(t, err)
	outcomes := eventsOfType(events, journal.TypeReflectionOutcome)
	require.Len(t, outcomes, 1)
	ev := outcomes[0]
	assert.Equal(t, core.StageReflection, ev.Stage)
	assert.Equal(t, roleAnalyzer, ev.ComponentRole)
	assert.Equal(t, journal.StatusOK, ev.Status)
	assert.Equal(t, "success", ev.ReasonCode)
	assert.Equal(t, core.SourceRule, ev.DecisionSource)
	assert.Equal(t, "s-1", ev.SessionID)
	assert.Equal(t, "summarize march cloud costs", ev.InputSummary)
	assert.Equal(t, "0.90", ev.Metadata["confidence"])
	assert.Equal(t, "5", ev.Metadata["events"])
	assert.Equal(t, "1", ev.Metadata["plans"])
	assert.Equal(t, "0", ev.Metadata["biases"])

	// One fold per prompt: success, mean latency across both calls.
	got, err := reg.Get(ctx, p.PromptID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Metrics.UsageCount)
	assert.InDelta(t, 1.0, got.Metrics.SuccessRate, 1e-9)
	assert.InDelta(t, 100, got.Metrics.AvgLatencyMs, 1e-9)
}

func TestReflectFailedWorkflow(t *testing.T) {
	ctx := context.Background()
	reg := prompts.NewMemoryRegistry()
	p := seedPrompt(t, reg, "planning-default")

	jrnl := journal.New(journal.NewMemoryStore())
	appendEvents(t, jrnl,
		&journal.Event{WorkflowID: "wf-2", Type: journal.TypeModelResponse, Stage: core.StagePlanning,
			ComponentRole: "model_gateway", PromptID: p.PromptID, Metadata: map[string]string{"latency_ms": "50"}},
		&journal.Event{WorkflowID: "wf-2", Type: journal.TypeStepFailed, Stage: core.StageExecution,
			ComponentRole: "executor"},
	)

	a := NewAnalyzer(WithJournal(jrnl), WithPromptRegistry(reg))
	analysis, err := a.Reflect(ctx, &Input{
		WorkflowID:  "wf-2",
		FinalStatus: "FAILED",
		ReasonCode:  "timeout",
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeExecutionFailure, analysis.Outcome)
	assert.Contains(t, analysis.Summary, "timeout")

	events, err := jrnl.ByWorkflow(ctx, "wf-2", 0, 100)
	require.NoError(t, err)
	outcomes := eventsOfType(events, journal.TypeReflectionOutcome)
	require.Len(t, outcomes, 1)
	assert.Equal(t, journal.StatusError, outcomes[0].Status)
	assert.Equal(t, "execution_failure", outcomes[0].ReasonCode)

	// The workflow went bad, so the fold counts against the prompt.
	got, err := reg.Get(ctx, p.PromptID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Metrics.UsageCount)
	assert.InDelta(t, 0.0, got.Metrics.SuccessRate, 1e-9)
	assert.InDelta(t, 50, got.Metrics.AvgLatencyMs, 1e-9)
}

func TestReflectFeedbackBias(t *testing.T) {
	ctx := context.Background()
	jrnl := journal.New(journal.NewMemoryStore())
	store := NewMemoryBiasStore()

	a := NewAnalyzer(WithJournal(jrnl), WithStore(store))
	analysis, err := a.Reflect(ctx, &Input{
		WorkflowID:  "wf-fb",
		Goal:        "summarize my costs",
		TaskType:    "reporting",
		FinalStatus: "completed",
		Feedback:    "that is not what I asked for, I wanted billing not usage",
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSemanticMismatch, analysis.Outcome)
	require.Len(t, analysis.Proposals, 1)
	b := analysis.Proposals[0]
	assert.NotEmpty(t, b.BiasID)
	assert.Equal(t, "reporting", b.Scope)
	assert.Equal(t, "summarize my costs", b.Condition)
	assert.Contains(t, b.PreferredInterpretation, "billing not usage")
	assert.InDelta(t, 0.4, b.Confidence, 1e-9)
	assert.Equal(t, "feedback/wf-fb", b.Source)
	assert.WithinDuration(t, time.Now(), b.CreatedAt, 5*time.Second)

	active, err := store.ActiveBiases(ctx, "reporting")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.BiasID, active[0].BiasID)
	assert.InDelta(t, 0.4, active[0].Confidence, 1e-9)

	events, err := jrnl.ByWorkflow(ctx, "wf-fb", 0, 100)
	require.NoError(t, err)
	outcomes := eventsOfType(events, journal.TypeReflectionOutcome)
	require.Len(t, outcomes, 1)
	assert.Equal(t, journal.StatusWarn, outcomes[0].Status)

	biasEvents := eventsOfType(events, journal.TypeBiasCreated)
	require.Len(t, biasEvents, 1)
	assert.Equal(t, b.BiasID, biasEvents[0].Metadata["bias_id"])
	assert.Equal(t, "reporting", biasEvents[0].Metadata["scope"])
	assert.Equal(t, "0.40", biasEvents[0].Metadata["confidence"])
	assert.Equal(t, "semantic_mismatch", biasEvents[0].ReasonCode)
	assert.Greater(t, biasEvents[0].Sequence, outcomes[0].Sequence,
		"outcome event lands before its biases")
}

func TestReflectRefinement(t *testing.T) {
	ctx := context.Background()
	jrnl := journal.New(journal.NewMemoryStore())
	appendEvents(t, jrnl,
		&journal.Event{WorkflowID: "wf-ref", Type: journal.TypePlanCreated, Stage: core.StagePlanning,
			ComponentRole: "planner", InputSummary: "compare vendors"},
		&journal.Event{WorkflowID: "wf-ref", Type: journal.TypeStepSucceeded, Stage: core.StageExecution,
			ComponentRole: "executor"},
	)

	store := NewMemoryBiasStore()
	gw := &stubGateway{resp: &ai.Response{Text: "```json\n" +
		`{"outcome": "goal_drift", "summary": "plan chased a different goal", "confidence": 0.85,` +
		` "biases": [{"scope": "research", "condition": "vague comparisons",` +
		` "preferred_interpretation": "ask for the comparison axis first", "confidence": 0.7}]}` +
		"\n```"}}

	a := NewAnalyzer(WithJournal(jrnl), WithStore(store), WithGateway(gw))
	analysis, err := a.Reflect(ctx, &Input{
		WorkflowID:  "wf-ref",
		Goal:        "compare vendors",
		TaskType:    "research",
		FinalStatus: "completed",
		Artifact:    "vendor table",
	})
	require.NoError(t, err)

	require.Equal(t, 1, gw.calls)
	require.NotNil(t, gw.last)
	assert.Equal(t, core.StageReflection, gw.last.Stage)
	assert.Equal(t, roleAnalyzer, gw.last.ComponentRole)
	assert.Equal(t, "research", gw.last.TaskType)
	assert.Contains(t, gw.last.UserPayload, "Rule categorization: success")
	assert.Contains(t, gw.last.UserPayload, "Final artifact: vendor table")

	assert.Equal(t, OutcomeGoalDrift, analysis.Outcome)
	assert.Equal(t, core.SourcePrompt, analysis.Source)
	assert.InDelta(t, 0.85, analysis.Confidence, 1e-9)
	assert.Equal(t, "plan chased a different goal", analysis.Summary)

	require.Len(t, analysis.Proposals, 1)
	b := analysis.Proposals[0]
	assert.Equal(t, "research", b.Scope)
	assert.Equal(t, "reflection/wf-ref", b.Source)
	assert.InDelta(t, 0.7, b.Confidence, 1e-9)

	active, err := store.ActiveBiases(ctx, "research")
	require.NoError(t, err)
	require.Len(t, active, 1)

	events, err := jrnl.ByWorkflow(ctx, "wf-ref", 0, 100)
	require.NoError(t, err)
	outcomes := eventsOfType(events, journal.TypeReflectionOutcome)
	require.Len(t, outcomes, 1)
	assert.Equal(t, core.SourcePrompt, outcomes[0].DecisionSource)
	assert.Equal(t, journal.StatusWarn, outcomes[0].Status)
	assert.Equal(t, "goal_drift", outcomes[0].ReasonCode)
	assert.Equal(t, "1", outcomes[0].Metadata["biases"])
}

func TestReflectRefinementDefaultsConfidence(t *testing.T) {
	gw := &stubGateway{resp: &ai.Response{
		Text: `{"outcome": "partial_success", "summary": "some steps flaked"}`,
	}}
	a := NewAnalyzer(WithGateway(gw))

	analysis, err := a.Reflect(context.Background(), &Input{
		WorkflowID:  "wf-def",
		FinalStatus: "completed",
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomePartialSuccess, analysis.Outcome)
	assert.Equal(t, core.SourcePrompt, analysis.Source)
	assert.InDelta(t, 0.9, analysis.Confidence, 1e-9, "rule confidence survives an omitted one")
}

func TestReflectRefinementFallsBack(t *testing.T) {
	cases := []struct {
		name string
		gw   *stubGateway
	}{
		{"gateway error", &stubGateway{err: errors.New("model unavailable")}},
		{"no json in output", &stubGateway{resp: &ai.Response{Text: "the run went fine overall."}}},
		{"schema miss", &stubGateway{resp: &ai.Response{Text: `{"outcome": "meh", "summary": "x"}`}}},
		{"missing summary", &stubGateway{resp: &ai.Response{Text: `{"outcome": "success"}`}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			jrnl := journal.New(journal.NewMemoryStore())
			a := NewAnalyzer(WithJournal(jrnl), WithGateway(tc.gw))

			analysis, err := a.Reflect(ctx, &Input{WorkflowID: "wf-fb2", FinalStatus: "completed"})
			require.NoError(t, err, "refinement failures never fail the reflection")

			assert.Equal(t, 1, tc.gw.calls)
			assert.Equal(t, OutcomeSuccess, analysis.Outcome)
			assert.Equal(t, core.SourceRule, analysis.Source)

			events, err := jrnl.ByWorkflow(ctx, "wf-fb2", 0, 100)
			require.NoError(t, err)
			outcomes := eventsOfType(events, journal.TypeReflectionOutcome)
			require.Len(t, outcomes, 1)
			assert.Equal(t, core.SourceRule, outcomes[0].DecisionSource)
		})
	}
}

func TestReflectModelMismatchSkipsFeedbackBias(t *testing.T) {
	gw := &stubGateway{resp: &ai.Response{Text: `{"outcome": "semantic_mismatch",` +
		` "summary": "asked for costs, got usage", "confidence": 0.8,` +
		` "biases": [{"scope": "reporting", "condition": "cost summaries",` +
		` "preferred_interpretation": "billing data, not usage metrics", "confidence": 0.6}]}`}}
	a := NewAnalyzer(WithGateway(gw))

	analysis, err := a.Reflect(context.Background(), &Input{
		WorkflowID:  "wf-mm",
		TaskType:    "reporting",
		FinalStatus: "completed",
		Feedback:    "this is wrong",
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSemanticMismatch, analysis.Outcome)
	require.Len(t, analysis.Proposals, 1, "model bias preempts the feedback fallback")
	assert.Equal(t, "reflection/wf-mm", analysis.Proposals[0].Source)
	assert.InDelta(t, 0.6, analysis.Proposals[0].Confidence, 1e-9)
}

func TestReflectModelMismatchWithoutBiasesAddsFeedbackBias(t *testing.T) {
	gw := &stubGateway{resp: &ai.Response{
		Text: `{"outcome": "semantic_mismatch", "summary": "request was misread", "confidence": 0.8}`,
	}}
	a := NewAnalyzer(WithGateway(gw))

	analysis, err := a.Reflect(context.Background(), &Input{
		WorkflowID:  "wf-mm2",
		Goal:        "plot my spend",
		FinalStatus: "completed",
		Feedback:    "no, I wanted a table",
	})
	require.NoError(t, err)

	require.Len(t, analysis.Proposals, 1)
	assert.Equal(t, "feedback/wf-mm2", analysis.Proposals[0].Source)
	assert.Equal(t, "global", analysis.Proposals[0].Scope)
	assert.InDelta(t, 0.4, analysis.Proposals[0].Confidence, 1e-9)
}

func TestReflectJournalAppendFailureFails(t *testing.T) {
	a := NewAnalyzer(WithJournal(failJournal{}))

	_, err := a.Reflect(context.Background(), &Input{WorkflowID: "wf-x", FinalStatus: "completed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal down")
}

func TestRecordPromptOutcomes(t *testing.T) {
	ctx := context.Background()
	reg := prompts.NewMemoryRegistry()
	p1 := seedPrompt(t, reg, "execution-default")
	p2 := seedPrompt(t, reg, "interpretation-default")

	trail := []*journal.Event{
		{Type: journal.TypeModelResponse, PromptID: p1.PromptID, Metadata: map[string]string{"latency_ms": "100"}},
		{Type: journal.TypeModelResponse, PromptID: p1.PromptID, Metadata: map[string]string{"latency_ms": "300"}},
		{Type: journal.TypeModelResponse, PromptID: p2.PromptID},
		{Type: journal.TypeModelResponse},
		{Type: journal.TypeModelResponse, PromptID: "missing"},
		{Type: journal.TypeStepSucceeded, PromptID: p1.PromptID},
	}

	a := NewAnalyzer(WithPromptRegistry(reg))
	a.recordPromptOutcomes(ctx, trail, OutcomePartialSuccess)

	got1, err := reg.Get(ctx, p1.PromptID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got1.Metrics.UsageCount)
	assert.InDelta(t, 0.0, got1.Metrics.SuccessRate, 1e-9, "anything short of success counts against")
	assert.InDelta(t, 200, got1.Metrics.AvgLatencyMs, 1e-9)

	got2, err := reg.Get(ctx, p2.PromptID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got2.Metrics.UsageCount)
	assert.InDelta(t, 0, got2.Metrics.AvgLatencyMs, 1e-9)
}
