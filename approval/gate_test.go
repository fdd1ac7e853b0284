package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aard-labs/aard/capability"
	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/journal"
	"github.com/aard-labs/aard/plan"
)

func testConfig(opts ...core.Option) *core.Config {
	cfg := core.DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func pendingPlan(t *testing.T, autonomy int, steps ...*plan.Step) *plan.Plan {
	t.Helper()
	p := plan.New("wf-1", "test goal", autonomy, steps...)
	require.NoError(t, p.Transition(plan.StatusPendingApproval))
	return p
}

// riskySteps build a chain scoring 0.7875 with default weights: high
// enough for every level 1..3 threshold, below very_high.
func riskySteps() []*plan.Step {
	a, b, c := step("a"), step("b", "a"), step("c", "b")
	for _, s := range []*plan.Step{a, b, c} {
		s.HighRisk = true
		s.External = true
	}
	return []*plan.Step{a, b, c}
}

// flaggedChain builds a full-length flagged chain that scores 1.0.
func flaggedChain(n int) []*plan.Step {
	steps := make([]*plan.Step, 0, n)
	prev := ""
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		var s *plan.Step
		if prev == "" {
			s = step(id)
		} else {
			s = step(id, prev)
		}
		s.HighRisk = true
		s.External = true
		steps = append(steps, s)
		prev = id
	}
	return steps
}

type handlerSpy struct {
	mu   sync.Mutex
	reqs []*Request
}

func (h *handlerSpy) fn(_ context.Context, req *Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reqs = append(h.reqs, req)
}

func (h *handlerSpy) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reqs)
}

func (h *handlerSpy) last() *Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.reqs) == 0 {
		return nil
	}
	return h.reqs[len(h.reqs)-1]
}

func TestTrustFor(t *testing.T) {
	ctx := context.Background()
	reg := capability.NewMemoryRegistry()

	tool := &capability.Record{Name: "search", Type: capability.TypeTool}
	require.NoError(t, reg.Register(ctx, tool))
	agent := &capability.Record{Name: "analyst", Type: capability.TypeAgent}
	require.NoError(t, reg.Register(ctx, agent))
	require.NoError(t, reg.RecordExecution(ctx, tool.ID, true, 100))

	g := NewGate(testConfig(), WithCapabilities(reg))

	t.Run("proven target scores its laplace rate", func(t *testing.T) {
		s := step("a")
		s.ToolID = tool.ID
		trust := g.TrustFor(ctx, plan.New("wf-1", "goal", 2, s))
		assert.InDelta(t, 2.0/3, trust.Score, 1e-6)
		assert.Equal(t, int64(1), trust.Samples)
	})

	t.Run("weakest target bounds the plan", func(t *testing.T) {
		s1 := step("a")
		s1.ToolID = tool.ID
		s2 := step("b")
		s2.AgentID = agent.ID
		trust := g.TrustFor(ctx, plan.New("wf-1", "goal", 2, s1, s2))
		assert.InDelta(t, 0.5, trust.Score, 1e-9, "unused agent sits at the prior")
		assert.Equal(t, int64(1), trust.Samples)
	})

	t.Run("unknown target caps trust at the prior", func(t *testing.T) {
		s1 := step("a")
		s1.ToolID = tool.ID
		s2 := step("b")
		s2.ToolID = "ghost"
		trust := g.TrustFor(ctx, plan.New("wf-1", "goal", 2, s1, s2))
		assert.InDelta(t, 0.5, trust.Score, 1e-9)
	})

	t.Run("model-only plans are neutral", func(t *testing.T) {
		trust := g.TrustFor(ctx, plan.New("wf-1", "goal", 2, step("a")))
		assert.InDelta(t, 0.5, trust.Score, 1e-9)
		assert.Zero(t, trust.Samples)
	})

	t.Run("no registry is neutral", func(t *testing.T) {
		bare := NewGate(testConfig())
		trust := bare.TrustFor(ctx, plan.New("wf-1", "goal", 2, step("a")))
		assert.InDelta(t, 0.5, trust.Score, 1e-9)
	})
}

func TestEvaluateAutoApproves(t *testing.T) {
	ctx := context.Background()
	plans := plan.NewMemoryPlanStore()
	jrnl := journal.New(journal.NewMemoryStore())
	g := NewGate(testConfig(), WithPlans(plans), WithJournal(jrnl))

	p := pendingPlan(t, 2, step("a"))
	require.NoError(t, plans.Save(ctx, p))

	dec, err := g.Evaluate(ctx, p, TrustScore{Score: 0.5})
	require.NoError(t, err)

	assert.False(t, dec.NeedsHuman)
	assert.Nil(t, dec.Request)
	assert.Equal(t, RiskLow, dec.Risk.Level)
	assert.Equal(t, plan.StatusApproved, p.Status)
	require.NotNil(t, p.ApprovedAt)

	saved, err := plans.Get(ctx, p.PlanID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusApproved, saved.Status)

	events, err := jrnl.ByWorkflow(ctx, "wf-1", 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, journal.TypePlanApproved, events[0].Type)
	assert.Equal(t, core.StageValidatorB, events[0].Stage)
	assert.Equal(t, core.SourceAuto, events[0].DecisionSource)
	assert.Equal(t, "auto_approved", events[0].ReasonCode)
	assert.Equal(t, p.PlanID, events[0].Metadata["plan_id"])
}

func TestEvaluateRequiresHumanOnRisk(t *testing.T) {
	ctx := context.Background()
	jrnl := journal.New(journal.NewMemoryStore())
	g := NewGate(testConfig(), WithJournal(jrnl))

	p := pendingPlan(t, 2, riskySteps()...)
	dec, err := g.Evaluate(ctx, p, TrustScore{Score: 0.9})
	require.NoError(t, err)

	assert.True(t, dec.NeedsHuman)
	assert.Contains(t, dec.Reason, "risk")
	assert.Equal(t, plan.StatusPendingApproval, p.Status, "plan waits for the decision")

	req := dec.Request
	require.NotNil(t, req)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, p.PlanID, req.PlanID)
	assert.Equal(t, "wf-1", req.WorkflowID)
	assert.Empty(t, req.StepID)
	assert.Equal(t, RiskHigh, req.Risk.Level)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), req.DecisionTimeout, 5*time.Second)

	stored, err := g.Get(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)

	events, err := jrnl.ByWorkflow(ctx, "wf-1", 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, journal.TypeApprovalRequested, events[0].Type)
	assert.Equal(t, "approval_required", events[0].ReasonCode)
	assert.Equal(t, core.SourceRule, events[0].DecisionSource)
	assert.Equal(t, req.RequestID, events[0].Metadata["request_id"])
	assert.Equal(t, RiskHigh, events[0].Metadata["risk_level"])
}

func TestEvaluateRequiresHumanOnLowTrust(t *testing.T) {
	g := NewGate(testConfig())

	p := pendingPlan(t, 2, step("a"))
	dec, err := g.Evaluate(context.Background(), p, TrustScore{Score: 0.2})
	require.NoError(t, err)

	assert.True(t, dec.NeedsHuman)
	assert.Contains(t, dec.Reason, "trust")
}

func TestEvaluateAutonomyPolicy(t *testing.T) {
	cases := []struct {
		name      string
		autonomy  int
		steps     func() []*plan.Step
		trust     float64
		wantHuman bool
	}{
		{"level 0 always asks", 0, func() []*plan.Step { return []*plan.Step{step("a")} }, 0.9, true},
		{"level 1 asks below its trust floor", 1, func() []*plan.Step { return []*plan.Step{step("a")} }, 0.65, true},
		{"level 1 auto approves trusted safe plans", 1, func() []*plan.Step { return []*plan.Step{step("a")} }, 0.75, false},
		{"level 3 asks at its risk ceiling", 3, riskySteps, 0.9, true},
		{"level 4 ignores trust below very high risk", 4, riskySteps, 0.1, false},
		{"level 4 asks at very high risk", 4, func() []*plan.Step { return flaggedChain(20) }, 0.9, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGate(testConfig())
			p := pendingPlan(t, tc.autonomy, tc.steps()...)

			dec, err := g.Evaluate(context.Background(), p, TrustScore{Score: tc.trust})
			require.NoError(t, err)
			assert.Equal(t, tc.wantHuman, dec.NeedsHuman, dec.Reason)
			if tc.wantHuman {
				assert.Equal(t, plan.StatusPendingApproval, p.Status)
			} else {
				assert.Equal(t, plan.StatusApproved, p.Status)
			}
		})
	}
}

func TestEvaluateMissingThresholdsFailConservative(t *testing.T) {
	cfg := testConfig()
	delete(cfg.Approval.RiskThresholds, 2)
	g := NewGate(cfg)

	p := pendingPlan(t, 2, step("a"))
	dec, err := g.Evaluate(context.Background(), p, TrustScore{Score: 0.9})
	require.NoError(t, err)

	assert.True(t, dec.NeedsHuman)
	assert.Contains(t, dec.Reason, "no thresholds")
}

func TestEvaluateRejectsWrongStatus(t *testing.T) {
	g := NewGate(testConfig())
	ctx := context.Background()

	_, err := g.Evaluate(ctx, nil, TrustScore{})
	assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))

	p := plan.New("wf-1", "goal", 2, step("a"))
	_, err = g.Evaluate(ctx, p, TrustScore{Score: 0.5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))
	assert.Equal(t, core.KindInvalidTransition, core.KindOf(err))
	assert.Equal(t, plan.StatusDraft, p.Status)
}

func TestDecideApproves(t *testing.T) {
	ctx := context.Background()
	plans := plan.NewMemoryPlanStore()
	jrnl := journal.New(journal.NewMemoryStore())
	spy := &handlerSpy{}
	g := NewGate(testConfig(), WithPlans(plans), WithJournal(jrnl), WithDecisionHandler(spy.fn))

	p := pendingPlan(t, 0, step("a"))
	require.NoError(t, plans.Save(ctx, p))
	dec, err := g.Evaluate(ctx, p, TrustScore{Score: 0.9})
	require.NoError(t, err)
	require.NotNil(t, dec.Request)

	got, err := g.Decide(ctx, dec.Request.RequestID, StatusApproved, "alice", "looks safe")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, "alice", got.ApprovedBy)
	assert.Equal(t, "looks safe", got.Note)
	require.NotNil(t, got.DecidedAt)

	saved, err := plans.Get(ctx, p.PlanID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusApproved, saved.Status)

	events, err := jrnl.ByWorkflow(ctx, "wf-1", 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, journal.TypeApprovalRequested, events[0].Type)

	decided := events[1]
	assert.Equal(t, journal.TypeApprovalDecided, decided.Type)
	assert.Equal(t, core.SourceHuman, decided.DecisionSource)
	assert.Equal(t, "human_approved", decided.ReasonCode)
	assert.Equal(t, "alice", decided.Metadata["actor"])
	assert.Equal(t, "looks safe", decided.OutputSummary)

	assert.Equal(t, journal.TypePlanApproved, events[2].Type)

	require.Equal(t, 1, spy.count())
	assert.Equal(t, StatusApproved, spy.last().Status)
}

func TestDecideRejects(t *testing.T) {
	ctx := context.Background()
	plans := plan.NewMemoryPlanStore()
	jrnl := journal.New(journal.NewMemoryStore())
	spy := &handlerSpy{}
	g := NewGate(testConfig(), WithPlans(plans), WithJournal(jrnl), WithDecisionHandler(spy.fn))

	p := pendingPlan(t, 0, step("a"))
	require.NoError(t, plans.Save(ctx, p))
	dec, err := g.Evaluate(ctx, p, TrustScore{Score: 0.9})
	require.NoError(t, err)

	got, err := g.Decide(ctx, dec.Request.RequestID, StatusRejected, "bob", "too broad")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)

	saved, err := plans.Get(ctx, p.PlanID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusFailed, saved.Status)

	events, err := jrnl.ByWorkflow(ctx, "wf-1", 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "human_rejected", events[1].ReasonCode)
	assert.Equal(t, journal.TypePlanRejected, events[2].Type)
	assert.Equal(t, journal.StatusWarn, events[2].Status)

	require.Equal(t, 1, spy.count())
	assert.Equal(t, StatusRejected, spy.last().Status)
}

func TestDecideValidation(t *testing.T) {
	ctx := context.Background()
	g := NewGate(testConfig())

	_, err := g.Decide(ctx, "r1", StatusTimeout, "alice", "")
	assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))

	_, err = g.Decide(ctx, "r1", StatusApproved, "", "")
	assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))

	_, err = g.Decide(ctx, "missing", StatusApproved, "alice", "")
	assert.True(t, core.IsNotFound(err))

	done := &Request{RequestID: "r-done", PlanID: "p1", WorkflowID: "wf-1",
		Status: StatusApproved, CreatedAt: time.Now().UTC()}
	require.NoError(t, g.store.Save(ctx, done))
	_, err = g.Decide(ctx, "r-done", StatusRejected, "alice", "")
	assert.Equal(t, core.KindInvalidTransition, core.KindOf(err))
}

func TestDecideOnDeprecatedPlanLeavesRequestPending(t *testing.T) {
	ctx := context.Background()
	plans := plan.NewMemoryPlanStore()
	g := NewGate(testConfig(), WithPlans(plans))

	p := pendingPlan(t, 0, step("a"))
	require.NoError(t, plans.Save(ctx, p))
	dec, err := g.Evaluate(ctx, p, TrustScore{Score: 0.9})
	require.NoError(t, err)

	superseded, err := plans.Get(ctx, p.PlanID)
	require.NoError(t, err)
	require.NoError(t, superseded.Transition(plan.StatusDeprecated))
	require.NoError(t, plans.Save(ctx, superseded))

	_, err = g.Decide(ctx, dec.Request.RequestID, StatusApproved, "alice", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))

	got, err := g.Get(ctx, dec.Request.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "stale request stays for the sweeper")
}

func TestDecideStepScopeSkipsPlanAndHandler(t *testing.T) {
	ctx := context.Background()
	plans := plan.NewMemoryPlanStore()
	jrnl := journal.New(journal.NewMemoryStore())
	spy := &handlerSpy{}
	g := NewGate(testConfig(), WithPlans(plans), WithJournal(jrnl), WithDecisionHandler(spy.fn))

	p := pendingPlan(t, 2, step("a"))
	require.NoError(t, plans.Save(ctx, p))
	req := &Request{RequestID: "r-step", PlanID: p.PlanID, WorkflowID: "wf-1", StepID: "a",
		Status: StatusPending, DecisionTimeout: time.Now().UTC().Add(time.Minute), CreatedAt: time.Now().UTC()}
	require.NoError(t, g.store.Save(ctx, req))

	got, err := g.Decide(ctx, "r-step", StatusApproved, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)

	saved, err := plans.Get(ctx, p.PlanID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPendingApproval, saved.Status, "step decisions never touch the plan")
	assert.Zero(t, spy.count(), "handler is for plan-scope requests")

	events, err := jrnl.ByWorkflow(ctx, "wf-1", 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, journal.TypeApprovalDecided, events[0].Type)
	assert.Equal(t, core.StageExecution, events[0].Stage)
	assert.Equal(t, "a", events[0].Metadata["step_id"])
}

// expiredRequest seeds a pending_approval plan and a pending request
// whose deadline has already passed.
func expiredRequest(t *testing.T, g *Gate, plans plan.Store, wid string) *Request {
	t.Helper()
	ctx := context.Background()
	p := plan.New(wid, "test goal", 0, step("a"))
	require.NoError(t, p.Transition(plan.StatusPendingApproval))
	if plans != nil {
		require.NoError(t, plans.Save(ctx, p))
	}
	req := &Request{
		RequestID:       "r-" + wid,
		PlanID:          p.PlanID,
		WorkflowID:      wid,
		Status:          StatusPending,
		DecisionTimeout: time.Now().UTC().Add(-time.Minute),
		CreatedAt:       time.Now().UTC().Add(-2 * time.Minute),
	}
	require.NoError(t, g.store.Save(ctx, req))
	return req
}

func TestSweepFailPolicy(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Approval.TimeoutPolicy = PolicyFail
	plans := plan.NewMemoryPlanStore()
	jrnl := journal.New(journal.NewMemoryStore())
	spy := &handlerSpy{}
	g := NewGate(cfg, WithPlans(plans), WithJournal(jrnl), WithDecisionHandler(spy.fn))

	req := expiredRequest(t, g, plans, "wf-timeout")

	assert.Equal(t, 1, g.sweep(ctx))

	got, err := g.Get(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, got.Status)
	require.NotNil(t, got.DecidedAt)

	saved, err := plans.Get(ctx, req.PlanID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusFailed, saved.Status)

	events, err := jrnl.ByWorkflow(ctx, "wf-timeout", 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, journal.TypeApprovalTimeout, events[0].Type)
	assert.Equal(t, journal.StatusError, events[0].Status)
	assert.Equal(t, "approval_timeout", events[0].ReasonCode)
	assert.Equal(t, journal.TypePlanRejected, events[1].Type)

	require.Equal(t, 1, spy.count())
	assert.Equal(t, StatusTimeout, spy.last().Status)

	assert.Zero(t, g.sweep(ctx), "settled requests are not swept twice")
}

func TestSweepAutoApprovePolicy(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Approval.TimeoutPolicy = PolicyAutoApprove
	plans := plan.NewMemoryPlanStore()
	jrnl := journal.New(journal.NewMemoryStore())
	spy := &handlerSpy{}
	g := NewGate(cfg, WithPlans(plans), WithJournal(jrnl), WithDecisionHandler(spy.fn))

	req := expiredRequest(t, g, plans, "wf-auto")

	assert.Equal(t, 1, g.sweep(ctx))

	got, err := g.Get(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, "auto", got.ApprovedBy)

	saved, err := plans.Get(ctx, req.PlanID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusApproved, saved.Status)

	events, err := jrnl.ByWorkflow(ctx, "wf-auto", 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, journal.TypeApprovalTimeout, events[0].Type)
	assert.Equal(t, journal.StatusWarn, events[0].Status)
	assert.Equal(t, "auto_approved_on_timeout", events[0].ReasonCode)
	assert.Equal(t, journal.TypePlanApproved, events[1].Type)

	require.Equal(t, 1, spy.count())
}

func TestSweepEscalatePolicy(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Approval.TimeoutPolicy = PolicyEscalate
	jrnl := journal.New(journal.NewMemoryStore())
	spy := &handlerSpy{}
	g := NewGate(cfg, WithJournal(jrnl), WithDecisionHandler(spy.fn))

	req := expiredRequest(t, g, nil, "wf-esc")

	assert.Equal(t, 1, g.sweep(ctx))

	got, err := g.Get(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "first expiry extends the deadline")
	assert.Equal(t, 1, got.Escalations)
	assert.True(t, got.DecisionTimeout.After(time.Now().UTC()))
	assert.Zero(t, spy.count())

	events, err := jrnl.ByWorkflow(ctx, "wf-esc", 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, journal.TypeApprovalTimeout, events[0].Type)
	assert.Equal(t, "escalated", events[0].ReasonCode)
	assert.Equal(t, journal.StatusWarn, events[0].Status)

	// Second expiry settles it.
	got.DecisionTimeout = time.Now().UTC().Add(-time.Second)
	require.NoError(t, g.store.Save(ctx, got))
	assert.Equal(t, 1, g.sweep(ctx))

	got, err = g.Get(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, got.Status)
	require.Equal(t, 1, spy.count())
}

func TestSweeperLifecycle(t *testing.T) {
	ctx := context.Background()
	g := NewGate(testConfig(), WithSweepInterval(10*time.Millisecond))
	req := expiredRequest(t, g, nil, "wf-sweep")

	g.Start(ctx)
	g.Start(ctx) // second Start is a no-op
	defer g.Stop()

	require.Eventually(t, func() bool {
		got, err := g.Get(ctx, req.RequestID)
		return err == nil && got.Status == StatusTimeout
	}, 2*time.Second, 10*time.Millisecond)

	g.Stop()
	g.Stop() // idempotent
}

// decideSoon approves or rejects the first pending request that shows
// up for the workflow.
func decideSoon(g *Gate, workflowID string, decision Status) {
	go func() {
		ctx := context.Background()
		for i := 0; i < 400; i++ {
			reqs, err := g.ByWorkflow(ctx, workflowID)
			if err == nil && len(reqs) > 0 && reqs[0].Status == StatusPending {
				_, _ = g.Decide(ctx, reqs[0].RequestID, decision, "alice", "")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestAuthorizeStepApproved(t *testing.T) {
	cfg := testConfig()
	cfg.Approval.TimeoutSeconds = 2
	jrnl := journal.New(journal.NewMemoryStore())
	g := NewGate(cfg, WithJournal(jrnl), WithPollInterval(5*time.Millisecond))

	p := pendingPlan(t, 2, step("a"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	decideSoon(g, "wf-1", StatusApproved)
	require.NoError(t, g.AuthorizeStep(ctx, p, p.Steps[0]))

	events, err := jrnl.ByWorkflow(ctx, "wf-1", 0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, journal.TypeApprovalRequested, events[0].Type)
	assert.Equal(t, core.StageExecution, events[0].Stage)
	assert.Equal(t, "a", events[0].Metadata["step_id"])
}

func TestAuthorizeStepRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Approval.TimeoutSeconds = 2
	g := NewGate(cfg, WithPollInterval(5*time.Millisecond))

	p := pendingPlan(t, 2, step("a"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	decideSoon(g, "wf-1", StatusRejected)
	err := g.AuthorizeStep(ctx, p, p.Steps[0])
	require.Error(t, err)
	assert.Equal(t, core.KindApprovalRejected, core.KindOf(err))
	assert.Contains(t, err.Error(), "alice")
}

func TestAuthorizeStepTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Approval.TimeoutSeconds = 1
	g := NewGate(cfg, WithPollInterval(20*time.Millisecond))

	p := pendingPlan(t, 2, step("a"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := g.AuthorizeStep(ctx, p, p.Steps[0])
	require.Error(t, err)
	assert.Equal(t, core.KindApprovalTimeout, core.KindOf(err))
	assert.True(t, errors.Is(err, core.ErrTimeout))

	reqs, err := g.ByWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, StatusTimeout, reqs[0].Status)
}

func TestAuthorizeStepTimeoutAutoApproves(t *testing.T) {
	cfg := testConfig()
	cfg.Approval.TimeoutSeconds = 1
	cfg.Approval.TimeoutPolicy = PolicyAutoApprove
	g := NewGate(cfg, WithPollInterval(20*time.Millisecond))

	p := pendingPlan(t, 2, step("a"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, g.AuthorizeStep(ctx, p, p.Steps[0]))

	reqs, err := g.ByWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, StatusApproved, reqs[0].Status)
	assert.Equal(t, "auto", reqs[0].ApprovedBy)
}

func TestAuthorizeStepCancelled(t *testing.T) {
	g := NewGate(testConfig(), WithPollInterval(10*time.Millisecond))

	p := pendingPlan(t, 2, step("a"))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := g.AuthorizeStep(ctx, p, p.Steps[0])
	require.Error(t, err)
	assert.Equal(t, core.KindCancelled, core.KindOf(err))
}
