package plan

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aard-labs/aard/ai"
	"github.com/aard-labs/aard/capability"
	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/governor"
	"github.com/aard-labs/aard/journal"
	"github.com/aard-labs/aard/memory"
)

func testConfig(opts ...core.Option) *core.Config {
	cfg := core.DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func workflowCtx(workflowID string) context.Context {
	return core.WithRuntime(context.Background(), &core.RuntimeContext{
		WorkflowID: workflowID,
		SessionID:  "sess-1",
	})
}

// stubGateway answers model-call steps from a canned response.
type stubGateway struct {
	mu    sync.Mutex
	calls []*ai.Request
	text  string
	err   error
}

func (g *stubGateway) Invoke(ctx context.Context, req *ai.Request) (*ai.Response, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return &ai.Response{Text: g.text, Model: "test-model", Provider: "mock"}, nil
}

// stubGate approves or rejects approval_required steps.
type stubGate struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (g *stubGate) AuthorizeStep(ctx context.Context, p *Plan, s *Step) error {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return g.err
}

func functionStep(id, fn string, deps ...string) *Step {
	s := step(id, deps...)
	s.Type = StepFunctionCall
	s.FunctionCall = &FunctionCall{Name: fn}
	return s
}

func TestExecuteRejectsUnapprovedPlan(t *testing.T) {
	exec := NewExecutor(testConfig())

	for _, status := range []Status{StatusDraft, StatusPendingApproval, StatusExecuting, StatusCompleted} {
		p := New("wf-1", "goal", 2, step("a"))
		p.Status = status

		_, err := exec.Execute(context.Background(), p)
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrPlanNotReady), "status %s", status)
		assert.Equal(t, core.KindValidationFailed, core.KindOf(err))
		assert.Equal(t, status, p.Status, "rejected plan must not change status")
	}
}

func TestExecuteRejectsNilAndInvalidPlans(t *testing.T) {
	exec := NewExecutor(testConfig())

	_, err := exec.Execute(context.Background(), nil)
	assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))

	p := approvedPlan(t, step("a", "ghost"))
	_, err = exec.Execute(context.Background(), p)
	assert.Equal(t, core.KindValidationFailed, core.KindOf(err))
}

func TestExecuteModelSteps(t *testing.T) {
	gw := &stubGateway{text: "step done"}
	store := NewMemoryPlanStore()
	exec := NewExecutor(testConfig(),
		WithStore(store),
		WithGateway(gw),
	)

	p := approvedPlan(t, step("a"), step("b", "a"))
	res, err := exec.Execute(workflowCtx("wf-1"), p)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, p.Status)
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, StepSucceeded, res.Outcomes["a"].Status)
	assert.Equal(t, json.RawMessage(`"step done"`), res.Outcomes["b"].Output)
	assert.Equal(t, "test-model", res.Outcomes["a"].Metadata["model"])
	assert.Equal(t, 1, p.Steps[0].Attempts)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Len(t, gw.calls, 2)
	assert.Equal(t, core.StageExecution, gw.calls[0].Stage)
	assert.Equal(t, "step_executor", gw.calls[0].ComponentRole)
	assert.Contains(t, gw.calls[1].UserPayload, "do b")
	assert.Contains(t, gw.calls[1].UserPayload, "step done",
		"dependency outcomes travel in the payload")

	saved, err := store.Get(context.Background(), p.PlanID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, saved.Status)
	assert.Equal(t, StepSucceeded, saved.Steps[1].Status)
}

func TestExecuteJournalTrail(t *testing.T) {
	jrnl := journal.New(journal.NewMemoryStore())
	exec := NewExecutor(testConfig(),
		WithGateway(&stubGateway{text: "ok"}),
		WithJournal(jrnl),
		WithCheckpoints(memory.NewMemoryCheckpointStore()),
	)

	ctx := workflowCtx("wf-journal")
	p := approvedPlan(t, step("a"))
	_, err := exec.Execute(ctx, p)
	require.NoError(t, err)

	events, err := jrnl.ByWorkflow(ctx, "wf-journal", 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, journal.TypeCheckpointCreated, events[0].Type)
	assert.NotEmpty(t, events[0].Metadata["checkpoint_id"])

	started := events[1]
	assert.Equal(t, journal.TypeStepStarted, started.Type)
	assert.Equal(t, core.StageExecution, started.Stage)
	assert.Equal(t, "a", started.Metadata["step_id"])
	assert.Equal(t, p.PlanID, started.Metadata["plan_id"])

	finished := events[2]
	assert.Equal(t, journal.TypeStepSucceeded, finished.Type)
	assert.Equal(t, started.EventID, finished.ParentEventID,
		"outcome event chains onto its start event")
}

func TestExecuteFunctionStep(t *testing.T) {
	var got map[string]interface{}
	funcs := FuncMap{
		"resize": func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			got = params
			return map[string]string{"status": "resized"}, nil
		},
	}
	exec := NewExecutor(testConfig(), WithFunctions(funcs))

	s := functionStep("a", "resize")
	s.FunctionCall.Parameters = map[string]interface{}{"width": 100}
	s.FunctionCall.ValidationSchema = map[string]interface{}{
		"type":     "object",
		"required": []string{"width"},
	}

	p := approvedPlan(t, s)
	res, err := exec.Execute(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, p.Status)
	assert.JSONEq(t, `{"status":"resized"}`, string(res.Outcomes["a"].Output))
	assert.Equal(t, "resize", res.Outcomes["a"].Metadata["function"])
	assert.Equal(t, 100, got["width"])
}

func TestExecuteFunctionParamsRejectedBySchema(t *testing.T) {
	called := false
	funcs := FuncMap{
		"resize": func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			called = true
			return nil, nil
		},
	}
	exec := NewExecutor(testConfig(), WithFunctions(funcs))

	s := functionStep("a", "resize")
	s.FunctionCall.Parameters = map[string]interface{}{"height": 50}
	s.FunctionCall.ValidationSchema = map[string]interface{}{
		"type":     "object",
		"required": []string{"width"},
	}

	p := approvedPlan(t, s)
	res, err := exec.Execute(context.Background(), p)
	require.Error(t, err)

	assert.False(t, called, "function must not run on bad parameters")
	assert.Equal(t, core.KindValidationFailed, core.KindOf(err))
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, StepFailed, res.Outcomes["a"].Status)
}

func TestExecuteUnknownFunction(t *testing.T) {
	exec := NewExecutor(testConfig(), WithFunctions(FuncMap{}))

	p := approvedPlan(t, functionStep("a", "vanish"))
	_, err := exec.Execute(context.Background(), p)
	require.Error(t, err)
	assert.Equal(t, core.KindDependencyNotReady, core.KindOf(err))
	assert.Equal(t, StatusFailed, p.Status)
}

func TestExecuteToolDenied(t *testing.T) {
	reg := capability.NewMemoryRegistry()
	ctx := context.Background()

	tool := &capability.Record{
		Name:            "shredder",
		Type:            capability.TypeTool,
		Endpoint:        "http://unused.example",
		ForbiddenAgents: []string{"agent-intern"},
	}
	require.NoError(t, reg.Register(ctx, tool))

	exec := NewExecutor(testConfig(), WithCapabilities(reg))

	s := step("a")
	s.AgentID = "agent-intern"
	s.ToolID = tool.ID
	after := step("b", "a")

	p := approvedPlan(t, s, after)
	res, err := exec.Execute(ctx, p)
	require.Error(t, err)

	assert.Equal(t, core.KindToolDenied, core.KindOf(err))
	assert.Equal(t, StepFailed, res.Outcomes["a"].Status)
	assert.Equal(t, StepSkipped, after.Status, "dependent of the denied step is skipped")
	assert.Equal(t, StatusFailed, p.Status)
}

func TestExecuteAgentDispatch(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"report": "42 units sold"}`))
	}))
	defer srv.Close()

	reg := capability.NewMemoryRegistry()
	ctx := context.Background()
	agent := &capability.Record{Name: "analyst", Type: capability.TypeAgent, Endpoint: srv.URL}
	require.NoError(t, reg.Register(ctx, agent))

	exec := NewExecutor(testConfig(), WithCapabilities(reg))

	s := step("fetch")
	s.AgentID = agent.ID
	s.Inputs = map[string]interface{}{"quarter": "Q3"}

	p := approvedPlan(t, s)
	res, err := exec.Execute(ctx, p)
	require.NoError(t, err)

	assert.JSONEq(t, `{"report": "42 units sold"}`, string(res.Outcomes["fetch"].Output))
	assert.Equal(t, "fetch", body["step_id"])
	assert.Equal(t, "Q3", body["inputs"].(map[string]interface{})["quarter"])

	got, err := reg.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Metrics.Samples, "dispatch outcome feeds trust metrics")
}

func TestExecuteAgentRetriesServerErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := capability.NewMemoryRegistry()
	ctx := context.Background()
	agent := &capability.Record{Name: "flaky", Type: capability.TypeAgent, Endpoint: srv.URL}
	require.NoError(t, reg.Register(ctx, agent))

	exec := NewExecutor(testConfig(), WithCapabilities(reg))

	p := approvedPlan(t, func() *Step { s := step("a"); s.AgentID = agent.ID; return s }())
	_, err := exec.Execute(ctx, p)
	require.Error(t, err)

	assert.EqualValues(t, 3, hits.Load(), "server errors are retried to the attempt cap")
	assert.True(t, errors.Is(err, core.ErrMaxRetriesExceeded))
	assert.Equal(t, core.KindDependencyNotReady, core.KindOf(err))
	assert.Equal(t, StatusFailed, p.Status)
}

func TestExecuteAgentRejectionsAreNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad step", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	reg := capability.NewMemoryRegistry()
	ctx := context.Background()
	agent := &capability.Record{Name: "strict", Type: capability.TypeAgent, Endpoint: srv.URL}
	require.NoError(t, reg.Register(ctx, agent))

	exec := NewExecutor(testConfig(), WithCapabilities(reg))

	p := approvedPlan(t, func() *Step { s := step("a"); s.AgentID = agent.ID; return s }())
	_, err := exec.Execute(ctx, p)
	require.Error(t, err)

	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))
}

func TestExecuteLowSeverityFailureLetsIndependentBranchesFinish(t *testing.T) {
	funcs := FuncMap{
		"fail": func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, &core.Error{Op: "test", Kind: core.KindInvalidRequest, Message: "bad input"}
		},
		"work": func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "done", nil
		},
	}
	exec := NewExecutor(testConfig(), WithFunctions(funcs))

	failing := functionStep("a", "fail")
	dependent := step("b", "a")
	independent := functionStep("c", "work")

	p := approvedPlan(t, failing, dependent, independent)
	res, err := exec.Execute(context.Background(), p)
	require.Error(t, err)

	// invalid_request classifies validation/low: no replan, so the
	// independent branch still runs.
	assert.Equal(t, StepFailed, failing.Status)
	assert.Equal(t, StepSkipped, dependent.Status)
	assert.Equal(t, StepSucceeded, independent.Status)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))
	assert.Len(t, res.Outcomes, 2)
}

func TestExecuteReplanWorthyFailureHalts(t *testing.T) {
	funcs := FuncMap{
		"fail": func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, &core.Error{Op: "test", Kind: core.KindModelUnavailable, Message: "model down"}
		},
		"work": func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "done", nil
		},
	}
	exec := NewExecutor(testConfig(), WithFunctions(funcs))

	failing := functionStep("a", "fail")
	independent := functionStep("c", "work")

	p := approvedPlan(t, failing, independent)
	res, err := exec.Execute(context.Background(), p)
	require.Error(t, err)

	// model_unavailable classifies environment/high: at the replan
	// threshold, so no further dispatch happens.
	assert.Equal(t, StepFailed, failing.Status)
	assert.Equal(t, StepPending, independent.Status, "halted run leaves unattempted steps pending")
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, core.KindModelUnavailable, core.KindOf(err))
	assert.Len(t, res.Outcomes, 1)
}

func TestExecuteWorstFailureWins(t *testing.T) {
	cfg := testConfig()
	cfg.Replan.OnSeverityThreshold = "critical"

	funcs := FuncMap{
		"small": func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, &core.Error{Kind: core.KindInvalidRequest, Message: "meh"}
		},
		"big": func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, &core.Error{Kind: core.KindSandboxViolation, Message: "escaped"}
		},
	}
	exec := NewExecutor(cfg, WithFunctions(funcs))

	p := approvedPlan(t, functionStep("a", "small"), functionStep("b", "big"))
	_, err := exec.Execute(context.Background(), p)
	require.Error(t, err)
	assert.Equal(t, core.KindSandboxViolation, core.KindOf(err), "highest severity failure surfaces")
}

func TestExecuteParallelSteps(t *testing.T) {
	cfg := testConfig()
	cfg.Plan.MaxParallelSteps = 3

	var mu sync.Mutex
	entered := 0
	release := make(chan struct{})

	funcs := FuncMap{
		"meet": func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			mu.Lock()
			entered++
			if entered == 3 {
				close(release)
			}
			mu.Unlock()
			select {
			case <-release:
				return "met", nil
			case <-time.After(5 * time.Second):
				return nil, errors.New("steps did not run concurrently")
			}
		},
	}
	exec := NewExecutor(cfg, WithFunctions(funcs))

	p := approvedPlan(t,
		functionStep("a", "meet"),
		functionStep("b", "meet"),
		functionStep("c", "meet"),
	)
	res, err := exec.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Len(t, res.Outcomes, 3)
}

func TestExecuteCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(workflowCtx("wf-cancel"))
	started := make(chan struct{})

	funcs := FuncMap{
		"block": func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	jrnl := journal.New(journal.NewMemoryStore())
	exec := NewExecutor(testConfig(), WithFunctions(funcs), WithJournal(jrnl))

	blocking := functionStep("a", "block")
	after := step("b", "a")
	p := approvedPlan(t, blocking, after)

	go func() {
		<-started
		cancel()
	}()

	res, err := exec.Execute(ctx, p)
	require.Error(t, err)

	assert.Equal(t, core.KindCancelled, core.KindOf(err))
	assert.Equal(t, StatusCancelled, p.Status)
	assert.Equal(t, StepFailed, blocking.Status)
	assert.Equal(t, StepSkipped, after.Status, "pending steps are skipped on cancel")
	assert.Equal(t, StepFailed, res.Outcomes["a"].Status)

	// The skip still lands in the journal despite the dead context.
	events, err := jrnl.ByWorkflow(context.Background(), "wf-cancel", 0, 100)
	require.NoError(t, err)
	var skips int
	for _, ev := range events {
		if ev.Type == journal.TypeStepSkipped {
			skips++
			assert.Equal(t, "cancelled", ev.ReasonCode)
		}
	}
	assert.Equal(t, 1, skips)
}

func TestExecutePlanTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Plan.TimeoutSeconds = 1

	funcs := FuncMap{
		"block": func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		"never": func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "ran", nil
		},
	}
	exec := NewExecutor(cfg, WithFunctions(funcs))

	blocking := functionStep("a", "block")
	waiting := functionStep("b", "never", "a")
	p := approvedPlan(t, blocking, waiting)

	_, err := exec.Execute(context.Background(), p)
	require.Error(t, err)

	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, StepFailed, blocking.Status)
	assert.Equal(t, StepSkipped, waiting.Status)
}

func TestExecuteQuota(t *testing.T) {
	cfg := testConfig(core.WithQuota(string(governor.ResourceToolCalls), string(governor.PeriodTotal), 1))
	gov := governor.NewMemoryGovernor(cfg)

	funcs := FuncMap{
		"work": func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "done", nil
		},
	}
	exec := NewExecutor(cfg, WithFunctions(funcs), WithGovernor(gov))

	p := approvedPlan(t, functionStep("a", "work"), functionStep("b", "work"))
	res, err := exec.Execute(context.Background(), p)
	require.Error(t, err)

	assert.True(t, errors.Is(err, core.ErrQuotaExceeded))
	assert.Equal(t, StepSucceeded, res.Outcomes["a"].Status)
	assert.Equal(t, StepFailed, res.Outcomes["b"].Status)
	assert.Equal(t, StatusFailed, p.Status)
}

func TestExecuteApprovalGate(t *testing.T) {
	funcs := FuncMap{
		"work": func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "done", nil
		},
	}

	t.Run("authorized step runs", func(t *testing.T) {
		gate := &stubGate{}
		exec := NewExecutor(testConfig(), WithFunctions(funcs), WithStepGate(gate))

		s := functionStep("a", "work")
		s.ApprovalRequired = true
		p := approvedPlan(t, s)

		_, err := exec.Execute(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, 1, gate.calls)
		assert.Equal(t, StatusCompleted, p.Status)
	})

	t.Run("rejected step fails", func(t *testing.T) {
		gate := &stubGate{err: &core.Error{Kind: core.KindApprovalRejected, Message: "no"}}
		exec := NewExecutor(testConfig(), WithFunctions(funcs), WithStepGate(gate))

		s := functionStep("a", "work")
		s.ApprovalRequired = true
		p := approvedPlan(t, s)

		_, err := exec.Execute(context.Background(), p)
		require.Error(t, err)
		assert.Equal(t, core.KindApprovalRejected, core.KindOf(err))
		assert.Equal(t, StatusFailed, p.Status)
	})

	t.Run("no gate refuses flagged steps", func(t *testing.T) {
		exec := NewExecutor(testConfig(), WithFunctions(funcs))

		s := functionStep("a", "work")
		s.ApprovalRequired = true
		p := approvedPlan(t, s)

		_, err := exec.Execute(context.Background(), p)
		require.Error(t, err)
		assert.Equal(t, core.KindApprovalRejected, core.KindOf(err))
	})

	t.Run("unflagged steps bypass the gate", func(t *testing.T) {
		gate := &stubGate{}
		exec := NewExecutor(testConfig(), WithFunctions(funcs), WithStepGate(gate))

		p := approvedPlan(t, functionStep("a", "work"))
		_, err := exec.Execute(context.Background(), p)
		require.NoError(t, err)
		assert.Zero(t, gate.calls)
	})
}

func TestRollback(t *testing.T) {
	checkpoints := memory.NewMemoryCheckpointStore()
	store := NewMemoryPlanStore()

	funcs := FuncMap{
		"ok": func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "fine", nil
		},
		"boom": func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, &core.Error{Kind: core.KindInternal, Message: "exploded"}
		},
	}
	exec := NewExecutor(testConfig(),
		WithStore(store),
		WithCheckpoints(checkpoints),
		WithFunctions(funcs),
	)

	p := approvedPlan(t, functionStep("ok", "ok"), functionStep("boom", "boom", "ok"))
	_, err := exec.Execute(context.Background(), p)
	require.Error(t, err)
	require.Equal(t, StatusFailed, p.Status)
	require.Equal(t, StepFailed, p.Step("boom").Status)

	// Rewind to the snapshot taken just before the failing step.
	require.NoError(t, exec.Rollback(context.Background(), p))

	assert.Equal(t, StatusExecuting, p.Status)
	assert.Equal(t, StepSucceeded, p.Step("ok").Status)
	assert.Equal(t, StepBlocked, p.Step("boom").Status)
	assert.Zero(t, p.Step("boom").Attempts)

	saved, err := store.Get(context.Background(), p.PlanID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuting, saved.Status)
}

func TestRollbackWithoutCheckpoints(t *testing.T) {
	exec := NewExecutor(testConfig())
	p := New("wf-1", "goal", 2, step("a"))

	err := exec.Rollback(context.Background(), p)
	require.Error(t, err)
	assert.Equal(t, core.KindDependencyNotReady, core.KindOf(err))
}
