package approval

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aard-labs/aard/capability"
	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/journal"
	"github.com/aard-labs/aard/plan"
	"github.com/aard-labs/aard/telemetry"
)

const roleGate = "approval_gate"

// Timeout policies, mirroring the config validation set.
const (
	PolicyFail        = "fail"
	PolicyAutoApprove = "auto_approve"
	PolicyEscalate    = "escalate"
)

const (
	defaultPollInterval  = time.Second
	defaultSweepInterval = 10 * time.Second
	sweepBatch           = 64
	noteLimit            = 500
)

// Gate decides whether plans (and approval_required steps) run on their
// own or wait for a human. Decisions land in the Store; the journal gets
// requested/decided/timeout events; an optional DecisionHandler lets the
// pipeline react to plan-scope resolutions without a circular import.
type Gate struct {
	cfg     *core.Config
	store   Store
	plans   plan.Store
	caps    capability.Registry
	jrnl    journal.Journal
	logger  core.Logger
	handler DecisionHandler

	pollInterval  time.Duration
	sweepInterval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithStore overrides the request store (default in-memory).
func WithStore(s Store) GateOption {
	return func(g *Gate) { g.store = s }
}

// WithPlans lets the gate transition and persist plans itself when a
// request resolves. Without it the caller owns plan state.
func WithPlans(s plan.Store) GateOption {
	return func(g *Gate) { g.plans = s }
}

// WithCapabilities wires the registry that trust scores are read from.
func WithCapabilities(reg capability.Registry) GateOption {
	return func(g *Gate) { g.caps = reg }
}

// WithJournal wires the event trail.
func WithJournal(j journal.Journal) GateOption {
	return func(g *Gate) { g.jrnl = j }
}

// WithDecisionHandler registers a callback for resolved plan-scope
// requests. Step-scope requests are consumed by the waiting executor and
// do not fire it.
func WithDecisionHandler(h DecisionHandler) GateOption {
	return func(g *Gate) { g.handler = h }
}

// WithPollInterval tunes how often a waiting step re-reads its request.
func WithPollInterval(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.pollInterval = d
		}
	}
}

// WithSweepInterval tunes how often the sweeper scans for expired
// requests.
func WithSweepInterval(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.sweepInterval = d
		}
	}
}

// WithGateLogger injects a logger, scoped to aard/approval when the
// implementation is component-aware.
func WithGateLogger(logger core.Logger) GateOption {
	return func(g *Gate) {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			g.logger = cal.WithComponent("aard/approval")
		} else {
			g.logger = logger
		}
	}
}

// NewGate creates a Gate. A nil cfg uses defaults.
func NewGate(cfg *core.Config, opts ...GateOption) *Gate {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	g := &Gate{
		cfg:           cfg,
		store:         NewMemoryStore(),
		logger:        &core.NoOpLogger{},
		pollInterval:  defaultPollInterval,
		sweepInterval: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TrustFor scores the plan's dispatch targets from the capability
// registry: the weakest target bounds the whole plan. Targets the
// registry does not know cap trust at the neutral prior. Plans with no
// registry targets (model or function steps only) score neutral.
func (g *Gate) TrustFor(ctx context.Context, p *plan.Plan) TrustScore {
	neutral := TrustScore{Score: neutralTrust}
	if g.caps == nil || p == nil {
		return neutral
	}
	targets := planTargets(p)
	if len(targets) == 0 {
		return neutral
	}

	now := time.Now().UTC()
	out := TrustScore{Score: 1}
	for _, id := range targets {
		rec, err := g.caps.Get(ctx, id)
		if err != nil {
			if out.Score > neutralTrust {
				out.Score = neutralTrust
			}
			continue
		}
		score := decayedTrust(rec, now)
		out.Samples += rec.Metrics.Samples
		if score < out.Score {
			out.Score = score
		}
	}
	return out
}

// Evaluate decides a plan awaiting approval. Auto-approval transitions
// the plan (and persists it when a plan store is wired); otherwise a
// pending Request is stored and journaled for a human to decide.
func (g *Gate) Evaluate(ctx context.Context, p *plan.Plan, trust TrustScore) (*Decision, error) {
	const op = "approval.Evaluate"

	if p == nil {
		return nil, &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "plan is required"}
	}
	if p.Status != plan.StatusPendingApproval {
		return nil, &core.Error{
			Op:      op,
			Kind:    core.KindInvalidTransition,
			ID:      p.PlanID,
			Message: fmt.Sprintf("plan status is %s, want %s", p.Status, plan.StatusPendingApproval),
			Err:     core.ErrInvalidTransition,
		}
	}

	risk := AssessRisk(g.cfg, p)
	needs, reason := g.needsHuman(p.AutonomyLevel, risk, trust)
	dec := &Decision{NeedsHuman: needs, Risk: risk, Trust: trust, Reason: reason}
	telemetry.Histogram("aard.approval.risk_score", risk.Score, "level", risk.Level)

	if !needs {
		if err := p.Transition(plan.StatusApproved); err != nil {
			return nil, err
		}
		if g.plans != nil {
			if err := g.plans.Save(ctx, p); err != nil {
				return nil, err
			}
		}
		telemetry.Counter("aard.approval.decisions", "outcome", "auto_approved")
		if err := g.journalEvent(ctx, p.TaskID, core.StageValidatorB, journal.TypePlanApproved,
			journal.StatusOK, core.SourceAuto, "auto_approved", reason, g.decisionMeta(p, risk, trust, "")); err != nil {
			return nil, err
		}
		g.logger.Info("Plan auto-approved", map[string]interface{}{
			"plan_id":    p.PlanID,
			"risk_score": risk.Score,
			"trust":      trust.Score,
			"autonomy":   p.AutonomyLevel,
		})
		return dec, nil
	}

	req := g.newRequest(p, "", risk, trust, reason)
	if err := g.store.Save(ctx, req); err != nil {
		return nil, err
	}
	dec.Request = req
	telemetry.Counter("aard.approval.decisions", "outcome", "pending")
	if err := g.journalEvent(ctx, req.WorkflowID, core.StageValidatorB, journal.TypeApprovalRequested,
		journal.StatusOK, core.SourceRule, "approval_required", reason, g.requestMeta(req)); err != nil {
		return nil, err
	}
	g.logger.Info("Approval requested", map[string]interface{}{
		"request_id": req.RequestID,
		"plan_id":    p.PlanID,
		"risk_score": risk.Score,
		"trust":      trust.Score,
		"deadline":   req.DecisionTimeout.Format(time.RFC3339),
	})
	return dec, nil
}

// needsHuman applies the autonomy policy: level 0 always asks, level 4
// asks only above the very_high threshold, and levels 1..3 ask when risk
// reaches the level's risk threshold or trust falls below its trust
// threshold. Missing threshold entries fail conservative.
func (g *Gate) needsHuman(level int, risk RiskAssessment, trust TrustScore) (bool, string) {
	a := g.cfg.Approval
	switch {
	case level <= 0:
		return true, "autonomy level 0 requires approval for every plan"
	case level >= 4:
		if risk.Score >= a.VeryHighThreshold {
			return true, fmt.Sprintf("risk %.2f is very_high (threshold %.2f)", risk.Score, a.VeryHighThreshold)
		}
		return false, fmt.Sprintf("autonomy 4 auto-approves below very_high risk (%.2f < %.2f)", risk.Score, a.VeryHighThreshold)
	default:
		riskMax, okRisk := a.RiskThresholds[level]
		trustMin, okTrust := a.TrustThresholds[level]
		if !okRisk || !okTrust {
			return true, fmt.Sprintf("no thresholds configured for autonomy level %d", level)
		}
		if risk.Score >= riskMax {
			return true, fmt.Sprintf("risk %.2f at or above level %d threshold %.2f", risk.Score, level, riskMax)
		}
		if trust.Score < trustMin {
			return true, fmt.Sprintf("trust %.2f below level %d threshold %.2f", trust.Score, level, trustMin)
		}
		return false, fmt.Sprintf("risk %.2f below %.2f and trust %.2f at or above %.2f", risk.Score, riskMax, trust.Score, trustMin)
	}
}

// Decide records a human decision on a pending request. Plan-scope
// requests also transition their plan (when a plan store is wired) and
// fire the decision handler; step-scope requests are left for the
// executor goroutine polling on them.
func (g *Gate) Decide(ctx context.Context, requestID string, decision Status, actor, note string) (*Request, error) {
	const op = "approval.Decide"

	if decision != StatusApproved && decision != StatusRejected {
		return nil, &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: requestID,
			Message: fmt.Sprintf("decision %q must be %s or %s", decision, StatusApproved, StatusRejected)}
	}
	if actor == "" {
		return nil, &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: requestID, Message: "actor is required"}
	}

	req, err := g.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, &core.Error{Op: op, Kind: core.KindInvalidTransition, ID: requestID,
			Message: fmt.Sprintf("request is already %s", req.Status), Err: core.ErrInvalidTransition}
	}

	// Move the plan first: if its state no longer admits the decision
	// (deprecated by a replan, for instance) the request stays pending
	// and the sweeper expires it.
	if req.StepID == "" && g.plans != nil {
		target := plan.StatusApproved
		if decision == StatusRejected {
			target = plan.StatusFailed
		}
		p, err := g.plans.Get(ctx, req.PlanID)
		if err != nil {
			return nil, err
		}
		if err := p.Transition(target); err != nil {
			return nil, err
		}
		if err := g.plans.Save(ctx, p); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	req.Status = decision
	req.ApprovedBy = actor
	req.DecidedAt = &now
	req.Note = clip(note, noteLimit)
	if err := g.store.Save(ctx, req); err != nil {
		return nil, err
	}

	reason := "human_approved"
	planType, planStatus := journal.TypePlanApproved, journal.StatusOK
	if decision == StatusRejected {
		reason = "human_rejected"
		planType, planStatus = journal.TypePlanRejected, journal.StatusWarn
	}
	telemetry.Counter("aard.approval.decisions", "outcome", string(decision))

	meta := g.requestMeta(req)
	meta["actor"] = actor
	stage := core.StageValidatorB
	if req.StepID != "" {
		stage = core.StageExecution
	}
	if err := g.journalEvent(ctx, req.WorkflowID, stage, journal.TypeApprovalDecided,
		journal.StatusOK, core.SourceHuman, reason, req.Note, meta); err != nil {
		g.logger.Warn("Journal append failed for approval decision", map[string]interface{}{
			"request_id": req.RequestID, "error": err.Error(),
		})
	}
	if req.StepID == "" {
		if err := g.journalEvent(ctx, req.WorkflowID, stage, planType,
			planStatus, core.SourceHuman, reason, "", map[string]string{"plan_id": req.PlanID, "actor": actor}); err != nil {
			g.logger.Warn("Journal append failed for plan decision", map[string]interface{}{
				"plan_id": req.PlanID, "error": err.Error(),
			})
		}
	}
	g.logger.Info("Approval decided", map[string]interface{}{
		"request_id": req.RequestID,
		"decision":   string(decision),
		"actor":      actor,
	})
	g.notify(ctx, req)
	return req, nil
}

// Get returns a request by id.
func (g *Gate) Get(ctx context.Context, requestID string) (*Request, error) {
	return g.store.Get(ctx, requestID)
}

// ByWorkflow returns a workflow's requests, oldest first.
func (g *Gate) ByWorkflow(ctx context.Context, workflowID string) ([]*Request, error) {
	return g.store.ByWorkflow(ctx, workflowID)
}

// AuthorizeStep gates one approval_required step during execution: it
// files a step-scope request and blocks until a decision, the context
// ends, or the deadline passes and the timeout policy settles it.
func (g *Gate) AuthorizeStep(ctx context.Context, p *plan.Plan, s *plan.Step) error {
	const op = "approval.AuthorizeStep"

	if p == nil || s == nil {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "plan and step are required"}
	}

	// Score the step alone so the request shows what this step risks,
	// not the whole plan over again.
	solo := &plan.Plan{PlanID: p.PlanID, TaskID: p.TaskID, Goal: p.Goal,
		AutonomyLevel: p.AutonomyLevel, Steps: []*plan.Step{s}}
	risk := AssessRisk(g.cfg, solo)
	trust := g.TrustFor(ctx, solo)

	req := g.newRequest(p, s.StepID, risk, trust,
		fmt.Sprintf("step %s requires human approval", s.StepID))
	if err := g.store.Save(ctx, req); err != nil {
		return err
	}
	telemetry.Counter("aard.approval.decisions", "outcome", "pending")
	if err := g.journalEvent(ctx, req.WorkflowID, core.StageExecution, journal.TypeApprovalRequested,
		journal.StatusOK, core.SourceRule, "approval_required", req.Recommendation, g.requestMeta(req)); err != nil {
		return err
	}
	g.logger.Info("Step approval requested", map[string]interface{}{
		"request_id": req.RequestID,
		"step_id":    s.StepID,
		"deadline":   req.DecisionTimeout.Format(time.RFC3339),
	})

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return &core.Error{Op: op, Kind: core.KindCancelled, ID: req.RequestID,
				Message: fmt.Sprintf("cancelled while awaiting approval for step %s", s.StepID), Err: ctx.Err()}
		case <-ticker.C:
		}

		got, err := g.store.Get(ctx, req.RequestID)
		if err != nil {
			g.logger.Warn("Approval poll failed", map[string]interface{}{
				"request_id": req.RequestID, "error": err.Error(),
			})
			continue
		}
		if got.Status == StatusPending && !time.Now().UTC().Before(got.DecisionTimeout) {
			// No sweeper needed for correctness: the waiter applies the
			// timeout policy itself.
			if got, err = g.expire(ctx, got); err != nil {
				return err
			}
		}

		switch got.Status {
		case StatusApproved:
			return nil
		case StatusRejected:
			msg := fmt.Sprintf("step %s rejected", s.StepID)
			if got.ApprovedBy != "" {
				msg = fmt.Sprintf("step %s rejected by %s", s.StepID, got.ApprovedBy)
			}
			return &core.Error{Op: op, Kind: core.KindApprovalRejected, ID: req.RequestID, Message: msg}
		case StatusTimeout:
			return &core.Error{Op: op, Kind: core.KindApprovalTimeout, ID: req.RequestID,
				Message: fmt.Sprintf("approval for step %s timed out", s.StepID), Err: core.ErrTimeout}
		}
	}
}

// Start launches the background sweeper that applies the timeout policy
// to pending requests past their deadline. Safe to call once; Stop
// shuts it down.
func (g *Gate) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stop != nil {
		return
	}
	g.stop = make(chan struct{})
	g.done = make(chan struct{})
	go g.sweepLoop(ctx, g.stop, g.done)
}

// Stop halts the sweeper and waits for the in-flight sweep to finish.
func (g *Gate) Stop() {
	g.mu.Lock()
	stop, done := g.stop, g.done
	g.stop, g.done = nil, nil
	g.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (g *Gate) sweepLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			g.sweep(ctx)
		}
	}
}

// sweep expires one batch of overdue requests and reports how many it
// settled or escalated.
func (g *Gate) sweep(ctx context.Context) int {
	expired, err := g.store.Expired(ctx, time.Now().UTC(), sweepBatch)
	if err != nil {
		g.logger.Warn("Approval sweep failed", map[string]interface{}{"error": err.Error()})
		return 0
	}
	n := 0
	for _, req := range expired {
		if req.Status != StatusPending {
			continue
		}
		if _, err := g.expire(ctx, req); err != nil {
			g.logger.Warn("Approval expiry failed", map[string]interface{}{
				"request_id": req.RequestID, "error": err.Error(),
			})
			continue
		}
		n++
	}
	return n
}

// expire applies the timeout policy to one overdue pending request.
// escalate extends the deadline once and fails on the second expiry.
func (g *Gate) expire(ctx context.Context, req *Request) (*Request, error) {
	now := time.Now().UTC()
	policy := g.cfg.Approval.TimeoutPolicy

	if policy == PolicyEscalate && req.Escalations == 0 {
		req.Escalations = 1
		req.DecisionTimeout = now.Add(g.cfg.Approval.DecisionTimeout())
		if err := g.store.Save(ctx, req); err != nil {
			return nil, err
		}
		if err := g.journalEvent(ctx, req.WorkflowID, g.requestStage(req), journal.TypeApprovalTimeout,
			journal.StatusWarn, core.SourceRule, "escalated", "", g.requestMeta(req)); err != nil {
			g.logger.Warn("Journal append failed for escalation", map[string]interface{}{
				"request_id": req.RequestID, "error": err.Error(),
			})
		}
		g.logger.Warn("Approval escalated", map[string]interface{}{
			"request_id": req.RequestID,
			"deadline":   req.DecisionTimeout.Format(time.RFC3339),
		})
		return req, nil
	}

	reason := string(core.KindApprovalTimeout)
	status := journal.StatusError
	outcome := "timeout"
	if policy == PolicyAutoApprove {
		req.Status = StatusApproved
		req.ApprovedBy = "auto"
		reason = "auto_approved_on_timeout"
		status = journal.StatusWarn
		outcome = "auto_approved"
	} else {
		req.Status = StatusTimeout
	}
	req.DecidedAt = &now
	if err := g.store.Save(ctx, req); err != nil {
		return nil, err
	}
	telemetry.Counter("aard.approval.decisions", "outcome", outcome)
	if err := g.journalEvent(ctx, req.WorkflowID, g.requestStage(req), journal.TypeApprovalTimeout,
		status, core.SourceRule, reason, "", g.requestMeta(req)); err != nil {
		g.logger.Warn("Journal append failed for approval timeout", map[string]interface{}{
			"request_id": req.RequestID, "error": err.Error(),
		})
	}

	// Plan-scope timeouts settle the plan too when a store is wired.
	if req.StepID == "" && g.plans != nil {
		g.settlePlan(ctx, req, reason)
	}
	g.logger.Warn("Approval request expired", map[string]interface{}{
		"request_id": req.RequestID,
		"policy":     policy,
		"status":     string(req.Status),
	})
	g.notify(ctx, req)
	return req, nil
}

// settlePlan moves an expired request's plan to approved or failed.
// Best effort: the request is already settled and the handler still
// fires, so a plan store hiccup only costs the plan record's status.
func (g *Gate) settlePlan(ctx context.Context, req *Request, reason string) {
	p, err := g.plans.Get(ctx, req.PlanID)
	if err != nil {
		g.logger.Warn("Plan load failed on approval expiry", map[string]interface{}{
			"plan_id": req.PlanID, "error": err.Error(),
		})
		return
	}
	target := plan.StatusFailed
	planType, planStatus := journal.TypePlanRejected, journal.StatusError
	source := core.SourceRule
	if req.Status == StatusApproved {
		target = plan.StatusApproved
		planType, planStatus = journal.TypePlanApproved, journal.StatusWarn
		source = core.SourceAuto
	}
	if err := p.Transition(target); err != nil {
		g.logger.Warn("Plan transition failed on approval expiry", map[string]interface{}{
			"plan_id": req.PlanID, "error": err.Error(),
		})
		return
	}
	if err := g.plans.Save(ctx, p); err != nil {
		g.logger.Warn("Plan save failed on approval expiry", map[string]interface{}{
			"plan_id": req.PlanID, "error": err.Error(),
		})
		return
	}
	if err := g.journalEvent(ctx, req.WorkflowID, core.StageValidatorB, planType,
		planStatus, source, reason, "", map[string]string{"plan_id": req.PlanID}); err != nil {
		g.logger.Warn("Journal append failed for plan expiry", map[string]interface{}{
			"plan_id": req.PlanID, "error": err.Error(),
		})
	}
}

func (g *Gate) notify(ctx context.Context, req *Request) {
	if g.handler == nil || req.StepID != "" {
		return
	}
	g.handler(ctx, req)
}

func (g *Gate) newRequest(p *plan.Plan, stepID string, risk RiskAssessment, trust TrustScore, reason string) *Request {
	now := time.Now().UTC()
	return &Request{
		RequestID:       uuid.NewString(),
		PlanID:          p.PlanID,
		WorkflowID:      p.TaskID,
		StepID:          stepID,
		Risk:            risk,
		Trust:           trust,
		Recommendation:  reason,
		Status:          StatusPending,
		DecisionTimeout: now.Add(g.cfg.Approval.DecisionTimeout()),
		CreatedAt:       now,
	}
}

func (g *Gate) requestStage(req *Request) core.Stage {
	if req.StepID != "" {
		return core.StageExecution
	}
	return core.StageValidatorB
}

func (g *Gate) requestMeta(req *Request) map[string]string {
	m := map[string]string{
		"request_id": req.RequestID,
		"plan_id":    req.PlanID,
		"risk_score": strconv.FormatFloat(req.Risk.Score, 'f', 3, 64),
		"risk_level": req.Risk.Level,
		"trust":      strconv.FormatFloat(req.Trust.Score, 'f', 3, 64),
		"deadline":   req.DecisionTimeout.Format(time.RFC3339),
	}
	if req.StepID != "" {
		m["step_id"] = req.StepID
	}
	if req.Escalations > 0 {
		m["escalations"] = strconv.Itoa(req.Escalations)
	}
	return m
}

func (g *Gate) decisionMeta(p *plan.Plan, risk RiskAssessment, trust TrustScore, actor string) map[string]string {
	m := map[string]string{
		"plan_id":    p.PlanID,
		"risk_score": strconv.FormatFloat(risk.Score, 'f', 3, 64),
		"risk_level": risk.Level,
		"trust":      strconv.FormatFloat(trust.Score, 'f', 3, 64),
		"autonomy":   strconv.Itoa(p.AutonomyLevel),
	}
	if actor != "" {
		m["actor"] = actor
	}
	return m
}

func (g *Gate) journalEvent(ctx context.Context, workflowID string, stage core.Stage, typ string,
	status journal.Status, source core.DecisionSource, reason, summary string, meta map[string]string) error {
	if g.jrnl == nil || workflowID == "" {
		return nil
	}
	return g.jrnl.Append(ctx, &journal.Event{
		WorkflowID:     workflowID,
		SessionID:      core.SessionIDFrom(ctx),
		Type:           typ,
		Stage:          stage,
		ComponentRole:  roleGate,
		DecisionSource: source,
		Status:         status,
		ReasonCode:     reason,
		OutputSummary:  clip(summary, noteLimit),
		Metadata:       meta,
	})
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
