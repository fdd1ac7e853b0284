package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aard-labs/aard/ai"
	"github.com/aard-labs/aard/approval"
	"github.com/aard-labs/aard/capability"
	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/governor"
	"github.com/aard-labs/aard/journal"
	"github.com/aard-labs/aard/plan"
	"github.com/aard-labs/aard/reflection"
	"github.com/aard-labs/aard/telemetry"
)

const (
	roleCoordinator = "workflow_coordinator"
	roleInterpreter = "interpreter"
	rolePlanner     = "planner"

	reasonApprovalRequired = "approval_required"
	reasonAutoApproved     = "auto_approved"
	reasonCancelled        = "cancelled"
	reasonClarification    = "clarification_required"
	reasonHumanRequired    = "human_required"
	reasonPaused           = "paused"
	reasonResumed          = "resume_replan"
	reasonTimeout          = "timeout"

	// summaryLimit caps the workflow summary and event summaries the
	// engine writes; model output can be arbitrarily large.
	summaryLimit = 2000

	// biasLimit caps how many learned biases ride along on one
	// interpretation call.
	biasLimit = 5

	// hintLimit caps the capability lines handed to the planner.
	hintLimit = 12

	// reflectBudget bounds the post-terminal reflection pass, which may
	// make its own model call.
	reflectBudget = 2 * time.Minute
)

// ModelGateway is the slice of the AI gateway the engine uses.
type ModelGateway interface {
	Invoke(ctx context.Context, req *ai.Request) (*ai.Response, error)
}

// PlanRunner executes approved plans and rewinds them to their latest
// checkpoint. *plan.Executor satisfies it.
type PlanRunner interface {
	Execute(ctx context.Context, p *plan.Plan) (*plan.Result, error)
	Rollback(ctx context.Context, p *plan.Plan) error
}

// Approver is the slice of the approval gate the engine drives plans
// through. *approval.Gate satisfies it.
type Approver interface {
	TrustFor(ctx context.Context, p *plan.Plan) approval.TrustScore
	Evaluate(ctx context.Context, p *plan.Plan, trust approval.TrustScore) (*approval.Decision, error)
}

// Reflector runs the post-terminal outcome analysis. *reflection.Analyzer
// satisfies it.
type Reflector interface {
	Reflect(ctx context.Context, in *reflection.Input) (*reflection.Analysis, error)
}

// BiasReader is the read side of the bias store: the interpretation
// stage prepends active biases to its prompt payload.
type BiasReader interface {
	ActiveBiases(ctx context.Context, scope string) ([]*reflection.Bias, error)
}

// Engine drives workflows through the pipeline. One goroutine per
// in-flight workflow walks the state machine; parked workflows (waiting
// on approval or paused) have no goroutine and are picked back up by the
// decision handler or Resume.
type Engine struct {
	cfg       *core.Config
	store     Store
	plans     plan.Store
	jrnl      journal.Journal
	gateway   ModelGateway
	runner    PlanRunner
	gate      Approver
	reflector Reflector
	biases    BiasReader
	caps      capability.Registry
	gov       governor.Governor
	logger    core.Logger

	// root outlives any caller context: bookkeeping (persists, journal
	// writes, reflection) must survive a cancelled request.
	root       context.Context
	rootCancel context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*runHandle
	closed bool

	// tmu serializes state transitions: every transition re-reads the
	// stored record under the lock, so a concurrent cancel cannot be
	// overwritten by a stale in-memory copy.
	tmu sync.Mutex

	wg sync.WaitGroup
}

// runHandle is the engine's grip on one in-flight workflow goroutine.
type runHandle struct {
	cancel context.CancelFunc

	mu    sync.Mutex
	pause bool
}

func (h *runHandle) requestPause() {
	h.mu.Lock()
	h.pause = true
	h.mu.Unlock()
	h.cancel()
}

func (h *runHandle) pauseRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pause
}

// Option configures the engine.
type Option func(*Engine)

// WithStore sets the workflow store.
func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

// WithPlans sets the plan store. Wire the same store into the executor
// and the approval gate.
func WithPlans(s plan.Store) Option { return func(e *Engine) { e.plans = s } }

// WithJournal sets the journal.
func WithJournal(j journal.Journal) Option { return func(e *Engine) { e.jrnl = j } }

// WithGateway sets the model gateway used by interpretation and planning.
func WithGateway(g ModelGateway) Option { return func(e *Engine) { e.gateway = g } }

// WithRunner sets the plan executor.
func WithRunner(r PlanRunner) Option { return func(e *Engine) { e.runner = r } }

// WithApprover sets the approval gate.
func WithApprover(a Approver) Option { return func(e *Engine) { e.gate = a } }

// WithReflector sets the post-terminal analyzer.
func WithReflector(r Reflector) Option { return func(e *Engine) { e.reflector = r } }

// WithBiases sets the bias reader consulted by interpretation.
func WithBiases(b BiasReader) Option { return func(e *Engine) { e.biases = b } }

// WithCapabilities sets the registry used for planner hints.
func WithCapabilities(r capability.Registry) Option { return func(e *Engine) { e.caps = r } }

// WithGovernor sets the resource governor used for the total timeout
// budget.
func WithGovernor(g governor.Governor) Option { return func(e *Engine) { e.gov = g } }

// WithEngineLogger sets the logger.
func WithEngineLogger(l core.Logger) Option {
	return func(e *Engine) {
		if l == nil {
			return
		}
		if cal, ok := l.(core.ComponentAwareLogger); ok {
			l = cal.WithComponent("aard/pipeline")
		}
		e.logger = l
	}
}

// NewEngine creates a workflow engine. Without options it runs against
// in-memory stores and no model gateway; Start then fails, so any real
// wiring sets at least the gateway, a runner, and an approval gate.
func NewEngine(cfg *core.Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	e := &Engine{
		cfg:    cfg,
		logger: &core.NoOpLogger{},
		runs:   make(map[string]*runHandle),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = NewMemoryWorkflowStore()
	}
	if e.plans == nil {
		e.plans = plan.NewMemoryPlanStore()
	}
	if e.jrnl == nil {
		e.jrnl = journal.New(journal.NewMemoryStore())
	}
	e.root, e.rootCancel = context.WithCancel(context.Background())
	return e
}

// Request is one natural-language request entering the pipeline.
type Request struct {
	Text      string
	SessionID string
	UserID    string

	// TaskType, ModelRef, and ServerRef are optional routing hints; the
	// interpretation stage may refine the task type.
	TaskType  string
	ModelRef  string
	ServerRef string

	// Autonomy overrides approval.autonomy_default when non-nil.
	Autonomy *int
}

// Start admits a request, persists the workflow in INITIALIZED, appends
// workflow.created, and begins driving it in the background. It returns
// as soon as the record is durable; progress is observable through the
// store and the journal.
func (e *Engine) Start(ctx context.Context, req *Request) (*Workflow, error) {
	const op = "pipeline.Start"

	if req == nil || strings.TrimSpace(req.Text) == "" {
		return nil, &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "request text is required"}
	}
	if e.gateway == nil || e.runner == nil || e.gate == nil {
		return nil, &core.Error{Op: op, Kind: core.KindDependencyNotReady, Message: "engine needs a model gateway, a plan runner, and an approval gate"}
	}
	autonomy := e.cfg.Approval.AutonomyDefault
	if req.Autonomy != nil {
		autonomy = *req.Autonomy
	}
	if autonomy < 0 || autonomy > 4 {
		return nil, &core.Error{Op: op, Kind: core.KindInvalidRequest,
			Message: fmt.Sprintf("autonomy level %d out of range [0,4]", autonomy)}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, &core.Error{Op: op, Kind: core.KindDependencyNotReady, Message: "engine is shutting down"}
	}
	e.mu.Unlock()

	now := time.Now().UTC()
	wf := &Workflow{
		WorkflowID:    uuid.NewString(),
		SessionID:     req.SessionID,
		UserID:        req.UserID,
		RequestText:   strings.TrimSpace(req.Text),
		State:         StateInitialized,
		Stage:         core.StageInterpretation,
		TaskType:      req.TaskType,
		AutonomyLevel: autonomy,
		ModelRef:      req.ModelRef,
		ServerRef:     req.ServerRef,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if wf.SessionID == "" {
		wf.SessionID = uuid.NewString()
	}

	if err := e.store.Save(ctx, wf); err != nil {
		return nil, err
	}
	if err := e.jrnl.Append(ctx, &journal.Event{
		WorkflowID:     wf.WorkflowID,
		SessionID:      wf.SessionID,
		Type:           journal.TypeWorkflowCreated,
		Stage:          core.StageInterpretation,
		ComponentRole:  roleCoordinator,
		DecisionSource: core.SourceHuman,
		Status:         journal.StatusOK,
		InputSummary:   clip(wf.RequestText, summaryLimit),
		Metadata: map[string]string{
			"autonomy_level": fmt.Sprintf("%d", autonomy),
			"session_id":     wf.SessionID,
		},
	}); err != nil {
		return nil, err
	}
	telemetry.Counter("aard.workflow.started", "autonomy", fmt.Sprintf("%d", autonomy))
	e.logger.InfoWithContext(ctx, "Workflow started", map[string]interface{}{
		"workflow_id": wf.WorkflowID,
		"session_id":  wf.SessionID,
		"autonomy":    autonomy,
	})

	e.launch(wf)
	return wf, nil
}

// Get returns the workflow record.
func (e *Engine) Get(ctx context.Context, workflowID string) (*Workflow, error) {
	if workflowID == "" {
		return nil, &core.Error{Op: "pipeline.Get", Kind: core.KindInvalidRequest, Message: "workflow id is required"}
	}
	return e.store.Get(ctx, workflowID)
}

// History pages the workflow's journal trail in sequence order. afterSeq
// and limit behave as in journal.ByWorkflow.
func (e *Engine) History(ctx context.Context, workflowID string, afterSeq int64, limit int) ([]*journal.Event, error) {
	if _, err := e.store.Get(ctx, workflowID); err != nil {
		return nil, err
	}
	return e.jrnl.ByWorkflow(ctx, workflowID, afterSeq, limit)
}

// BySession lists a session's workflows, newest first.
func (e *Engine) BySession(ctx context.Context, sessionID string, limit int) ([]*Workflow, error) {
	if sessionID == "" {
		return nil, &core.Error{Op: "pipeline.BySession", Kind: core.KindInvalidRequest, Message: "session id is required"}
	}
	return e.store.BySession(ctx, sessionID, limit)
}

// Cancel stops a workflow. A running workflow is cancelled at its next
// cooperative point (in-flight model calls are aborted); a parked one is
// moved to CANCELLED directly. Terminal workflows reject the call.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	const op = "pipeline.Cancel"

	wf, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.State.Terminal() {
		return &core.Error{Op: op, Kind: core.KindInvalidTransition, ID: workflowID, Err: core.ErrAlreadyTerminal}
	}

	if h := e.handle(workflowID); h != nil {
		// The drive goroutine observes the dead context and forces the
		// terminal transition itself.
		h.cancel()
		e.logger.InfoWithContext(ctx, "Workflow cancel requested", map[string]interface{}{
			"workflow_id": workflowID, "state": string(wf.State),
		})
		return nil
	}

	// Parked: no goroutine to cooperate with, transition directly.
	forced := !wf.State.CanTransition(StateCancelled)
	wf, err = e.shift(ctx, workflowID, shift{
		to:     StateCancelled,
		forced: forced,
		status: journal.StatusWarn,
		source: core.SourceHuman,
		reason: reasonCancelled,
	})
	if err != nil {
		return err
	}
	e.deprecatePendingPlan(ctx, wf)
	e.spawnReflect(wf)
	return nil
}

// Pause asks an executing workflow to stop at its next cooperative
// point and hold its place. Only the EXECUTING state accepts it.
func (e *Engine) Pause(ctx context.Context, workflowID string) error {
	const op = "pipeline.Pause"

	wf, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.State != StateExecuting {
		return &core.Error{Op: op, Kind: core.KindInvalidTransition, ID: workflowID,
			Message: fmt.Sprintf("cannot pause a workflow in state %s", wf.State)}
	}
	h := e.handle(workflowID)
	if h == nil {
		return &core.Error{Op: op, Kind: core.KindInvalidTransition, ID: workflowID,
			Message: "workflow is not running in this process"}
	}
	h.requestPause()
	e.logger.InfoWithContext(ctx, "Workflow pause requested", map[string]interface{}{
		"workflow_id": workflowID,
	})
	return nil
}

// Resume continues a paused workflow. The interrupted plan ended when
// the pause cancelled it, so the workflow re-enters through a replan:
// PAUSED -> EXECUTING -> RETRYING -> PLANNING, with the new plan version
// linked to the interrupted one.
func (e *Engine) Resume(ctx context.Context, workflowID string) error {
	const op = "pipeline.Resume"

	wf, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.State != StatePaused {
		return &core.Error{Op: op, Kind: core.KindInvalidTransition, ID: workflowID,
			Message: fmt.Sprintf("cannot resume a workflow in state %s", wf.State)}
	}
	wf, err = e.shift(ctx, workflowID, shift{
		to:     StateExecuting,
		status: journal.StatusOK,
		source: core.SourceHuman,
		reason: reasonResumed,
	})
	if err != nil {
		return err
	}
	e.launch(wf)
	return nil
}

// ApplyApprovalDecision is the approval gate's decision handler: it
// moves a workflow parked in APPROVAL_PENDING once its plan-scope
// request settles. Stale or duplicate notifications are ignored.
func (e *Engine) ApplyApprovalDecision(ctx context.Context, req *approval.Request) {
	if req == nil || req.WorkflowID == "" {
		return
	}
	wf, err := e.store.Get(ctx, req.WorkflowID)
	if err != nil {
		e.logger.Warn("Approval decision for unknown workflow", map[string]interface{}{
			"workflow_id": req.WorkflowID, "request_id": req.RequestID, "error": err.Error(),
		})
		return
	}
	if wf.State != StateApprovalPending || wf.ApprovalID != req.RequestID {
		e.logger.Debug("Ignoring stale approval decision", map[string]interface{}{
			"workflow_id": req.WorkflowID, "request_id": req.RequestID, "state": string(wf.State),
		})
		return
	}

	switch req.Status {
	case approval.StatusApproved:
		source := core.SourceHuman
		reason := "approved"
		if req.ApprovedBy == "auto" {
			source = core.SourceRule
			reason = "auto_approved_on_timeout"
		}
		wf, err = e.shift(ctx, req.WorkflowID, shift{
			to:     StateApproved,
			status: journal.StatusOK,
			source: source,
			reason: reason,
			meta:   map[string]string{"request_id": req.RequestID, "approved_by": req.ApprovedBy},
		})
		if err == nil {
			e.launch(wf)
		}
	case approval.StatusRejected:
		wf, err = e.shift(ctx, req.WorkflowID, shift{
			to:     StateFailed,
			status: journal.StatusError,
			source: core.SourceHuman,
			reason: string(core.KindApprovalRejected),
			note:   req.Note,
			meta:   map[string]string{"request_id": req.RequestID},
			mutate: func(w *Workflow) { w.Summary = clip(req.Note, summaryLimit) },
		})
		if err == nil {
			e.spawnReflect(wf)
		}
	case approval.StatusTimeout:
		wf, err = e.shift(ctx, req.WorkflowID, shift{
			to:     StateFailed,
			status: journal.StatusError,
			source: core.SourceRule,
			reason: string(core.KindApprovalTimeout),
			meta:   map[string]string{"request_id": req.RequestID},
		})
		if err == nil {
			e.spawnReflect(wf)
		}
	default:
		return
	}
	if err != nil {
		e.logger.Error("Failed to apply approval decision", map[string]interface{}{
			"workflow_id": req.WorkflowID, "request_id": req.RequestID, "error": err.Error(),
		})
	}
}

// Stop drains the engine: no new workflows are admitted, in-flight runs
// are cancelled cooperatively, and Stop waits for them to settle until
// ctx expires.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	handles := make([]*runHandle, 0, len(e.runs))
	for _, h := range e.runs {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.rootCancel()
		return nil
	case <-ctx.Done():
		e.rootCancel()
		<-done
		return ctx.Err()
	}
}

// shift is one requested state transition with its journal annotations.
type shift struct {
	to     State
	forced bool
	status journal.Status
	source core.DecisionSource
	reason string
	note   string
	meta   map[string]string
	mutate func(*Workflow)
}

// shift applies one transition: re-load the stored record, validate the
// edge, persist, then journal. The store write lands before the event so
// a reader following the journal never sees a state the record has not
// reached. A disallowed edge changes nothing and leaves an error event.
func (e *Engine) shift(ctx context.Context, workflowID string, sh shift) (*Workflow, error) {
	e.tmu.Lock()
	defer e.tmu.Unlock()

	wf, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	from := wf.State

	if sh.forced {
		err = wf.Force(sh.to, sh.reason)
	} else {
		err = wf.Transition(sh.to)
	}
	if err != nil {
		e.journalRejectedShift(ctx, wf, from, sh)
		return nil, err
	}
	if sh.reason != "" {
		wf.ReasonCode = sh.reason
	}
	if sh.mutate != nil {
		sh.mutate(wf)
	}
	if err := e.store.Save(ctx, wf); err != nil {
		return nil, err
	}

	meta := map[string]string{"from": string(from), "to": string(sh.to)}
	for k, v := range sh.meta {
		meta[k] = v
	}
	if sh.forced {
		meta["forced"] = "true"
	}
	status := sh.status
	if status == "" {
		status = journal.StatusOK
	}
	source := sh.source
	if source == "" {
		source = core.SourceRule
	}
	if err := e.jrnl.Append(ctx, &journal.Event{
		WorkflowID:     wf.WorkflowID,
		SessionID:      wf.SessionID,
		Type:           transitionType(sh.to),
		Stage:          wf.Stage,
		ComponentRole:  roleCoordinator,
		DecisionSource: source,
		Status:         status,
		ReasonCode:     sh.reason,
		OutputSummary:  clip(sh.note, summaryLimit),
		Metadata:       meta,
	}); err != nil {
		return wf, err
	}
	telemetry.Counter("aard.workflow.transitions", "to", string(sh.to))
	return wf, nil
}

// transitionType picks the event type for a transition target. Each
// workflow trail carries exactly one terminal event.
func transitionType(to State) string {
	switch to {
	case StateCompleted:
		return journal.TypeWorkflowCompleted
	case StateFailed:
		return journal.TypeWorkflowFailed
	case StateCancelled:
		return journal.TypeWorkflowCancelled
	default:
		return journal.TypeWorkflowChanged
	}
}

// journalRejectedShift records a refused transition without touching
// state. Always TypeWorkflowChanged: a refused jump to a terminal state
// must not look like a terminal event.
func (e *Engine) journalRejectedShift(ctx context.Context, wf *Workflow, from State, sh shift) {
	err := e.jrnl.Append(ctx, &journal.Event{
		WorkflowID:     wf.WorkflowID,
		SessionID:      wf.SessionID,
		Type:           journal.TypeWorkflowChanged,
		Stage:          wf.Stage,
		ComponentRole:  roleCoordinator,
		DecisionSource: core.SourceRule,
		Status:         journal.StatusError,
		ReasonCode:     string(core.KindInvalidTransition),
		OutputSummary:  fmt.Sprintf("transition %s -> %s rejected", from, sh.to),
		Metadata:       map[string]string{"from": string(from), "requested": string(sh.to)},
	})
	if err != nil {
		e.logger.Warn("Journal append failed for rejected transition", map[string]interface{}{
			"workflow_id": wf.WorkflowID, "error": err.Error(),
		})
	}
}

// handle returns the live run handle, nil when the workflow is parked or
// terminal.
func (e *Engine) handle(workflowID string) *runHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[workflowID]
}

// launch spins up the drive goroutine for a workflow. Work runs under a
// cancellable context bounded by the total timeout class; bookkeeping
// runs under the engine root so cancelled workflows still journal and
// reflect.
func (e *Engine) launch(wf *Workflow) {
	book := core.WithRuntime(e.root, &core.RuntimeContext{
		WorkflowID:    wf.WorkflowID,
		SessionID:     wf.SessionID,
		UserID:        wf.UserID,
		AutonomyLevel: wf.AutonomyLevel,
		TaskType:      wf.TaskType,
		ModelRef:      wf.ModelRef,
		ServerRef:     wf.ServerRef,
	})
	budget, budgetCancel := e.withClassTimeout(book, governor.TimeoutTotal)
	run, cancel := context.WithCancel(budget)

	h := &runHandle{cancel: cancel}
	e.mu.Lock()
	e.runs[wf.WorkflowID] = h
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer budgetCancel()
		defer cancel()
		defer func() {
			e.mu.Lock()
			// A resume may have installed a fresh handle already.
			if e.runs[wf.WorkflowID] == h {
				delete(e.runs, wf.WorkflowID)
			}
			e.mu.Unlock()
		}()
		e.drive(run, book, wf)
	}()
}

func (e *Engine) withClassTimeout(ctx context.Context, class governor.TimeoutClass) (context.Context, context.CancelFunc) {
	if e.gov == nil {
		return context.WithCancel(ctx)
	}
	return e.gov.WithTimeout(ctx, class)
}

// spawnReflect runs the post-terminal analysis off the caller's
// goroutine. Terminal paths that end inside a drive goroutine reflect
// inline instead.
func (e *Engine) spawnReflect(wf *Workflow) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reflect(e.bookContext(wf), wf)
	}()
}

func (e *Engine) bookContext(wf *Workflow) context.Context {
	return core.WithRuntime(e.root, &core.RuntimeContext{
		WorkflowID:    wf.WorkflowID,
		SessionID:     wf.SessionID,
		UserID:        wf.UserID,
		AutonomyLevel: wf.AutonomyLevel,
		TaskType:      wf.TaskType,
		ModelRef:      wf.ModelRef,
		ServerRef:     wf.ServerRef,
	})
}

// reflect hands the settled workflow to the analyzer and folds the
// terminal telemetry. Reflection failures are logged, never propagated:
// the workflow is already terminal.
func (e *Engine) reflect(ctx context.Context, wf *Workflow) {
	telemetry.Counter("aard.workflow.terminal", "state", string(wf.State))
	if wf.TerminatedAt != nil {
		telemetry.Histogram("aard.workflow.duration_ms",
			float64(wf.TerminatedAt.Sub(wf.StartedAt).Milliseconds()), "state", string(wf.State))
	}
	if e.reflector == nil {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, reflectBudget)
	defer cancel()

	goal := wf.Goal
	if goal == "" {
		goal = wf.RequestText
	}
	analysis, err := e.reflector.Reflect(rctx, &reflection.Input{
		WorkflowID:  wf.WorkflowID,
		SessionID:   wf.SessionID,
		Goal:        goal,
		TaskType:    wf.TaskType,
		FinalStatus: string(wf.State),
		ReasonCode:  wf.ReasonCode,
		Artifact:    wf.Summary,
	})
	if err != nil {
		e.logger.Warn("Reflection failed", map[string]interface{}{
			"workflow_id": wf.WorkflowID, "error": err.Error(),
		})
		return
	}
	e.logger.InfoWithContext(ctx, "Workflow reflected", map[string]interface{}{
		"workflow_id": wf.WorkflowID,
		"outcome":     string(analysis.Outcome),
	})
}

// deprecatePendingPlan settles the plan left behind when a workflow is
// cancelled while parked in APPROVAL_PENDING, so the sweeper cannot
// approve a plan whose workflow is gone.
func (e *Engine) deprecatePendingPlan(ctx context.Context, wf *Workflow) {
	if wf.PlanID == "" {
		return
	}
	p, err := e.plans.Get(ctx, wf.PlanID)
	if err != nil || p.Status != plan.StatusPendingApproval {
		return
	}
	if err := p.Transition(plan.StatusDeprecated); err != nil {
		return
	}
	if err := e.plans.Save(ctx, p); err != nil {
		e.logger.Warn("Failed to deprecate plan for cancelled workflow", map[string]interface{}{
			"workflow_id": wf.WorkflowID, "plan_id": p.PlanID, "error": err.Error(),
		})
		return
	}
	if err := e.jrnl.Append(ctx, &journal.Event{
		WorkflowID:     wf.WorkflowID,
		SessionID:      wf.SessionID,
		Type:           journal.TypePlanDeprecated,
		Stage:          core.StageValidatorB,
		ComponentRole:  roleCoordinator,
		DecisionSource: core.SourceRule,
		Status:         journal.StatusWarn,
		ReasonCode:     reasonCancelled,
		Metadata:       map[string]string{"plan_id": p.PlanID},
	}); err != nil {
		e.logger.Warn("Journal append failed for plan deprecation", map[string]interface{}{
			"workflow_id": wf.WorkflowID, "error": err.Error(),
		})
	}
}

// reasonFor maps an error to the reason code a forced terminal
// transition carries. Quota denials keep their per-resource code.
func reasonFor(err error) string {
	var cerr *core.Error
	if errors.As(err, &cerr) && cerr.Kind == core.KindQuotaExceeded && cerr.ID != "" {
		return governor.ReasonCode(governor.Resource(cerr.ID))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return reasonTimeout
	}
	return string(core.KindOf(err))
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
