package plan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aard-labs/aard/ai"
	"github.com/aard-labs/aard/capability"
	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/governor"
	"github.com/aard-labs/aard/journal"
	"github.com/aard-labs/aard/memory"
	"github.com/aard-labs/aard/resilience"
	"github.com/aard-labs/aard/telemetry"
)

// checkpointEntity is the entity type plans checkpoint under.
const checkpointEntity = "plan"

// roleStepExecutor attributes executor model calls and journal events.
const roleStepExecutor = "step_executor"

// summaryLimit bounds payload excerpts in journal events.
const summaryLimit = 500

// maxResponseBytes bounds what a dispatched endpoint may hand back.
const maxResponseBytes = 1 << 20

// Outcome is the uniform result of one step dispatch, whatever the
// target variant was. Output holds the target's response as JSON.
type Outcome struct {
	Status   StepStatus        `json:"status"`
	Output   json.RawMessage   `json:"output,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Err      string            `json:"error,omitempty"`
}

// Result is everything one execution run produced, keyed by step id.
// Downstream steps see their dependencies' outcomes; reflection sees
// the whole map.
type Result struct {
	PlanID   string              `json:"plan_id"`
	Outcomes map[string]*Outcome `json:"outcomes"`
}

// ModelGateway is the slice of the model gateway the executor needs.
type ModelGateway interface {
	Invoke(ctx context.Context, req *ai.Request) (*ai.Response, error)
}

// StepGate authorizes steps flagged approval_required at dispatch time,
// after the plan as a whole has already been approved.
type StepGate interface {
	AuthorizeStep(ctx context.Context, p *Plan, s *Step) error
}

// FunctionRunner executes the registered functions that function_call
// steps name. The executor bounds calls with the sandbox timeout and a
// sandbox memory reservation; implementations enforce anything finer.
type FunctionRunner interface {
	Run(ctx context.Context, name string, params map[string]interface{}) (interface{}, error)
}

// FuncMap is the map-backed FunctionRunner.
type FuncMap map[string]func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Run implements FunctionRunner.
func (m FuncMap) Run(ctx context.Context, name string, params map[string]interface{}) (interface{}, error) {
	fn, ok := m[name]
	if !ok {
		return nil, &core.Error{
			Op:      "plan.FuncMap.Run",
			Kind:    core.KindDependencyNotReady,
			ID:      name,
			Message: "no function registered under this name",
		}
	}
	return fn(ctx, params)
}

// Executor walks approved plans step by step: checkpoint, approval
// gate, dispatch under the governor, outcome into the shared context,
// journal trail throughout. Dependencies are optional; a missing one
// disables its concern rather than failing construction, so tests wire
// only what they exercise.
type Executor struct {
	cfg         *core.Config
	store       Store
	checkpoints memory.CheckpointStore
	gateway     ModelGateway
	caps        capability.Registry
	gov         governor.Governor
	jrnl        journal.Journal
	gate        StepGate
	funcs       FunctionRunner
	httpClient  *http.Client
	logger      core.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithStore wires plan persistence. Without it execution state lives
// only on the plan value.
func WithStore(s Store) ExecutorOption {
	return func(e *Executor) { e.store = s }
}

// WithCheckpoints wires the pre-step snapshot store.
func WithCheckpoints(cs memory.CheckpointStore) ExecutorOption {
	return func(e *Executor) { e.checkpoints = cs }
}

// WithGateway wires model-call steps through the invocation gateway.
func WithGateway(gw ModelGateway) ExecutorOption {
	return func(e *Executor) { e.gateway = gw }
}

// WithCapabilities wires agent and tool resolution.
func WithCapabilities(reg capability.Registry) ExecutorOption {
	return func(e *Executor) { e.caps = reg }
}

// WithGovernor wires quota admission, the task slot, and the timeout
// classes.
func WithGovernor(gov governor.Governor) ExecutorOption {
	return func(e *Executor) { e.gov = gov }
}

// WithJournal wires the event trail.
func WithJournal(j journal.Journal) ExecutorOption {
	return func(e *Executor) { e.jrnl = j }
}

// WithStepGate wires per-step approval for approval_required steps.
// Without a gate such steps are refused rather than waved through.
func WithStepGate(g StepGate) ExecutorOption {
	return func(e *Executor) { e.gate = g }
}

// WithFunctions wires the runner behind function_call steps.
func WithFunctions(r FunctionRunner) ExecutorOption {
	return func(e *Executor) { e.funcs = r }
}

// WithHTTPClient overrides the client agent and tool dispatch uses.
func WithHTTPClient(c *http.Client) ExecutorOption {
	return func(e *Executor) { e.httpClient = c }
}

// WithExecutorLogger injects a logger, scoped to aard/plan when the
// implementation is component-aware.
func WithExecutorLogger(logger core.Logger) ExecutorOption {
	return func(e *Executor) {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			e.logger = cal.WithComponent("aard/plan")
		} else {
			e.logger = logger
		}
	}
}

// NewExecutor creates an Executor. A nil cfg uses defaults.
func NewExecutor(cfg *core.Config, opts ...ExecutorOption) *Executor {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	e := &Executor{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		logger:     &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run is the shared state of one Execute call. The mutex guards the
// plan, the graph's step statuses, and the accumulated outcomes.
type run struct {
	plan      *Plan
	graph     *Graph
	result    *Result
	threshold core.Severity
	index     map[string]int

	mu       sync.Mutex
	worst    error
	worstCls Classification
	halt     bool
}

// Execute walks an approved plan to a terminal status. It returns the
// partial result alongside any error so callers can inspect what did
// run. The first replan-worthy failure stops new dispatches; failures
// below the replan threshold skip their dependents and let independent
// branches finish.
func (e *Executor) Execute(ctx context.Context, p *Plan) (*Result, error) {
	const op = "plan.Execute"

	if p == nil {
		return nil, &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "plan is required"}
	}
	if p.Status != StatusApproved {
		return nil, &core.Error{
			Op:      op,
			Kind:    core.KindValidationFailed,
			ID:      p.PlanID,
			Message: "plan status is " + string(p.Status),
			Err:     core.ErrPlanNotReady,
		}
	}
	if err := p.Validate(e.cfg.Plan.MaxSteps); err != nil {
		return nil, err
	}
	g, err := NewGraph(p.Steps)
	if err != nil {
		return nil, err
	}

	release := func() {}
	if e.gov != nil {
		rel, err := e.gov.AcquireSlot(ctx)
		if err != nil {
			return nil, err
		}
		release = rel
	}
	defer release()

	runCtx, cancel := e.withClassTimeout(ctx, governor.TimeoutPlan)
	defer cancel()

	if err := p.Transition(StatusExecuting); err != nil {
		return nil, err
	}
	if err := e.save(ctx, p); err != nil {
		return nil, err
	}

	r := &run{
		plan:      p,
		graph:     g,
		result:    &Result{PlanID: p.PlanID, Outcomes: make(map[string]*Outcome)},
		threshold: core.Severity(e.cfg.Replan.OnSeverityThreshold),
		index:     make(map[string]int, len(p.Steps)),
	}
	for i, s := range p.Steps {
		r.index[s.StepID] = i
	}

	loopErr := e.runBatches(runCtx, ctx, r)

	switch {
	case loopErr != nil:
		return r.result, loopErr
	case ctx.Err() != nil:
		e.skipUnfinished(ctx, r, "cancelled")
		_ = p.Transition(StatusCancelled)
		e.persistFinal(ctx, r)
		return r.result, &core.Error{Op: op, Kind: core.KindCancelled, ID: p.PlanID, Err: ctx.Err()}
	case runCtx.Err() != nil:
		e.skipUnfinished(ctx, r, "timeout")
		_ = p.Transition(StatusFailed)
		e.persistFinal(ctx, r)
		return r.result, fmt.Errorf("plan %s timed out: %w", p.PlanID, runCtx.Err())
	case r.worst != nil:
		_ = p.Transition(StatusFailed)
		e.persistFinal(ctx, r)
		return r.result, r.worst
	default:
		_ = p.Transition(StatusCompleted)
		if err := e.save(ctx, p); err != nil {
			return r.result, err
		}
		return r.result, nil
	}
}

// runBatches repeatedly selects the ready frontier and dispatches it,
// sequentially by default or through a bounded pool when the config
// allows parallel steps. It returns nil when execution stopped for a
// reason the caller distinguishes through the contexts and run state.
func (e *Executor) runBatches(runCtx, base context.Context, r *run) error {
	maxPar := e.cfg.Plan.MaxParallelSteps
	var sem chan struct{}
	if maxPar > 1 {
		sem = make(chan struct{}, maxPar)
	}

	for {
		if runCtx.Err() != nil {
			return nil
		}

		r.mu.Lock()
		halt := r.halt
		ready := r.graph.Ready()
		settled := r.graph.Settled()
		stuck := len(r.graph.Unfinished())
		r.mu.Unlock()

		if halt {
			return nil
		}
		if len(ready) == 0 {
			if settled || stuck == 0 {
				return nil
			}
			// Validate rules cycles out up front, so this is a guard
			// against graph corruption, not a normal exit.
			return &core.Error{
				Op:      "plan.Execute",
				Kind:    core.KindInternal,
				ID:      r.plan.PlanID,
				Message: "no runnable steps remain",
			}
		}

		if sem == nil {
			for _, s := range ready {
				if runCtx.Err() != nil {
					break
				}
				e.runStep(runCtx, base, r, s)
				r.mu.Lock()
				halt = r.halt
				r.mu.Unlock()
				if halt {
					break
				}
			}
		} else {
			var wg sync.WaitGroup
			for _, s := range ready {
				if runCtx.Err() != nil {
					break
				}
				wg.Add(1)
				go func(s *Step) {
					defer wg.Done()
					sem <- struct{}{}
					defer func() { <-sem }()
					if runCtx.Err() != nil {
						return
					}
					e.runStep(runCtx, base, r, s)
				}(s)
			}
			wg.Wait()
		}

		if runCtx.Err() != nil {
			return nil
		}
		if err := e.save(base, r.plan); err != nil {
			return err
		}
	}
}

// runStep drives one step through checkpoint, gate, dispatch, and
// bookkeeping. Dispatch runs under runCtx (plan deadline and below);
// journal and store writes run under base so a tripped plan deadline
// cannot silence the trail.
func (e *Executor) runStep(runCtx, base context.Context, r *run, s *Step) {
	var startedID string
	defer func() {
		if rec := recover(); rec != nil {
			e.finishStep(base, r, s, nil, nil, startedID, &core.Error{
				Op:      "plan.runStep",
				Kind:    core.KindInternal,
				ID:      s.StepID,
				Message: fmt.Sprintf("step panicked: %v", rec),
			})
		}
	}()

	r.mu.Lock()
	deps := make(map[string]*Outcome, len(s.Dependencies))
	for _, dep := range s.Dependencies {
		if oc, ok := r.result.Outcomes[dep]; ok {
			deps[dep] = oc
		}
	}
	r.plan.CurrentStepIndex = r.index[s.StepID]
	r.mu.Unlock()

	if err := e.checkpoint(base, r, s); err != nil {
		e.finishStep(base, r, s, nil, nil, "", err)
		return
	}

	now := time.Now().UTC()
	r.mu.Lock()
	s.Status = StepRunning
	s.StartedAt = &now
	s.Attempts++
	r.mu.Unlock()

	var err error
	startedID, err = e.journalStep(base, r.plan, s, &stepEvent{
		typ:    journal.TypeStepStarted,
		status: journal.StatusOK,
		input:  s.Description,
	})
	if err != nil {
		e.finishStep(base, r, s, nil, nil, startedID, err)
		return
	}

	if s.ApprovalRequired {
		if e.gate == nil {
			e.finishStep(base, r, s, nil, nil, startedID, &core.Error{
				Op:      "plan.runStep",
				Kind:    core.KindApprovalRejected,
				ID:      s.StepID,
				Message: "step requires approval and no gate is configured",
			})
			return
		}
		if err := e.gate.AuthorizeStep(runCtx, r.plan, s); err != nil {
			e.finishStep(base, r, s, nil, nil, startedID, err)
			return
		}
	}

	output, meta, err := e.dispatch(runCtx, base, s, deps)
	e.finishStep(base, r, s, output, meta, startedID, err)
}

// finishStep records the outcome, folds failures into the run's replan
// state, skips dependents of failures, and journals the terminal event.
func (e *Executor) finishStep(base context.Context, r *run, s *Step, output json.RawMessage, meta map[string]string, startedID string, err error) {
	now := time.Now().UTC()

	r.mu.Lock()
	if s.Status.Terminal() {
		r.mu.Unlock()
		return
	}

	oc := &Outcome{Status: StepSucceeded, Output: output, Metadata: meta}
	var cls Classification
	var skipped []*Step
	if err != nil {
		oc.Status = StepFailed
		oc.Err = err.Error()
		cls = Classify(err)
		skipped = r.graph.SkipDependents(s.StepID)
		if r.worst == nil || cls.Severity.Rank() > r.worstCls.Severity.Rank() {
			r.worst = fmt.Errorf("step %s: %w", s.StepID, err)
			r.worstCls = cls
		}
		if cls.ShouldReplan(r.threshold) {
			r.halt = true
		}
	}
	s.Status = oc.Status
	s.EndedAt = &now
	s.Result = oc
	r.result.Outcomes[s.StepID] = oc
	r.mu.Unlock()

	var latency time.Duration
	if s.StartedAt != nil {
		latency = now.Sub(*s.StartedAt)
	}
	e.accountExecutionTime(base, s, latency)

	ev := &stepEvent{parentID: startedID}
	if err != nil {
		ev.typ = journal.TypeStepFailed
		ev.status = journal.StatusError
		ev.reason = string(cls.Kind)
		ev.output = err.Error()
		ev.meta = map[string]string{
			"category": string(cls.Category),
			"severity": string(cls.Severity),
			"replan":   strconv.FormatBool(cls.ShouldReplan(r.threshold)),
		}
	} else {
		ev.typ = journal.TypeStepSucceeded
		ev.status = journal.StatusOK
		ev.output = string(output)
	}
	ev.meta = mergeMeta(ev.meta, map[string]string{
		"latency_ms": strconv.FormatInt(latency.Milliseconds(), 10),
	})
	if _, jerr := e.journalStep(base, r.plan, s, ev); jerr != nil {
		e.logger.Warn("Journal append failed for step outcome", map[string]interface{}{
			"operation": "step_execute",
			"step_id":   s.StepID,
			"error":     jerr.Error(),
		})
	}

	for _, sk := range skipped {
		e.journalSkip(base, r.plan, sk, "dependency_failed")
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	telemetry.Counter("aard.plan.steps",
		"type", string(s.Type),
		"status", status,
	)
	telemetry.Histogram("aard.plan.step_latency_ms", float64(latency.Milliseconds()),
		"type", string(s.Type))
	e.logger.Debug("Step finished", map[string]interface{}{
		"operation":  "step_execute",
		"plan_id":    r.plan.PlanID,
		"step_id":    s.StepID,
		"status":     string(oc.Status),
		"latency_ms": latency.Milliseconds(),
	})
}

// dispatch routes a step to its target variant. Exactly one applies: a
// function call, a tool (possibly on behalf of an agent), an agent, or
// a model call under the execution-stage prompt.
func (e *Executor) dispatch(runCtx, base context.Context, s *Step, deps map[string]*Outcome) (json.RawMessage, map[string]string, error) {
	switch {
	case s.FunctionCall != nil:
		return e.dispatchFunction(runCtx, base, s)
	case s.ToolID != "":
		return e.dispatchTool(runCtx, base, s, deps)
	case s.AgentID != "":
		return e.dispatchAgent(runCtx, base, s, deps)
	default:
		return e.dispatchModel(runCtx, s, deps)
	}
}

func (e *Executor) dispatchFunction(runCtx, base context.Context, s *Step) (json.RawMessage, map[string]string, error) {
	const op = "plan.dispatchFunction"
	fc := s.FunctionCall
	meta := map[string]string{"function": fc.Name}

	if e.funcs == nil {
		return nil, meta, &core.Error{Op: op, Kind: core.KindDependencyNotReady, ID: fc.Name, Message: "no function runner configured"}
	}
	if err := validateFunctionParams(fc); err != nil {
		return nil, meta, err
	}

	if err := e.admit(base, s, governor.ResourceToolCalls, 1); err != nil {
		return nil, meta, err
	}
	memMB := int64(e.cfg.Sandbox.MemoryMB)
	if err := e.admit(base, s, governor.ResourceMemoryMB, memMB); err != nil {
		e.releaseQuota(base, governor.ResourceToolCalls, 1)
		return nil, meta, err
	}
	defer e.releaseQuota(base, governor.ResourceMemoryMB, memMB)

	callCtx, cancel := e.withClassTimeout(runCtx, governor.TimeoutSandbox)
	defer cancel()

	out, err := e.funcs.Run(callCtx, fc.Name, fc.Parameters)
	if err != nil {
		return nil, meta, err
	}
	raw, merr := json.Marshal(out)
	if merr != nil {
		return nil, meta, &core.Error{Op: op, Kind: core.KindInternal, ID: fc.Name, Message: "function output is not serializable", Err: merr}
	}
	return raw, meta, nil
}

func (e *Executor) dispatchTool(runCtx, base context.Context, s *Step, deps map[string]*Outcome) (json.RawMessage, map[string]string, error) {
	const op = "plan.dispatchTool"
	if e.caps == nil {
		return nil, nil, &core.Error{Op: op, Kind: core.KindDependencyNotReady, ID: s.ToolID, Message: "no capability registry configured"}
	}

	ok, err := e.caps.CanUse(runCtx, s.AgentID, s.ToolID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, &core.Error{
			Op:      op,
			Kind:    core.KindToolDenied,
			ID:      s.ToolID,
			Message: fmt.Sprintf("agent %q is not allowed to use this tool", s.AgentID),
		}
	}

	rec, err := e.dispatchTarget(runCtx, op, s.ToolID, capability.TypeTool)
	if err != nil {
		return nil, nil, err
	}
	if err := e.admit(base, s, governor.ResourceToolCalls, 1); err != nil {
		return nil, nil, err
	}

	raw, meta, err := e.httpDispatch(runCtx, base, rec, s, deps)
	if meta == nil {
		meta = map[string]string{}
	}
	meta["tool"] = rec.Name
	return raw, meta, err
}

func (e *Executor) dispatchAgent(runCtx, base context.Context, s *Step, deps map[string]*Outcome) (json.RawMessage, map[string]string, error) {
	const op = "plan.dispatchAgent"
	if e.caps == nil {
		return nil, nil, &core.Error{Op: op, Kind: core.KindDependencyNotReady, ID: s.AgentID, Message: "no capability registry configured"}
	}
	rec, err := e.dispatchTarget(runCtx, op, s.AgentID, capability.TypeAgent)
	if err != nil {
		return nil, nil, err
	}

	raw, meta, err := e.httpDispatch(runCtx, base, rec, s, deps)
	if meta == nil {
		meta = map[string]string{}
	}
	meta["agent"] = rec.Name
	return raw, meta, err
}

// dispatchTarget resolves a step's named target and insists it is the
// right type, active, and addressable.
func (e *Executor) dispatchTarget(ctx context.Context, op, id string, want capability.Type) (*capability.Record, error) {
	rec, err := e.caps.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Type != want {
		return nil, &core.Error{
			Op:      op,
			Kind:    core.KindInvalidRequest,
			ID:      id,
			Message: fmt.Sprintf("target is a %s, expected %s", rec.Type, want),
		}
	}
	if rec.Status != capability.StatusActive {
		return nil, &core.Error{
			Op:      op,
			Kind:    core.KindDependencyNotReady,
			ID:      id,
			Message: "target is not active",
			Err:     core.ErrCapabilityNotFound,
		}
	}
	if rec.Endpoint == "" {
		return nil, &core.Error{Op: op, Kind: core.KindDependencyNotReady, ID: id, Message: "target has no endpoint"}
	}
	return rec, nil
}

func (e *Executor) dispatchModel(runCtx context.Context, s *Step, deps map[string]*Outcome) (json.RawMessage, map[string]string, error) {
	const op = "plan.dispatchModel"
	if e.gateway == nil {
		return nil, nil, &core.Error{Op: op, Kind: core.KindDependencyNotReady, ID: s.StepID, Message: "no model gateway configured"}
	}

	callCtx, cancel := e.withClassTimeout(runCtx, governor.TimeoutStep)
	defer cancel()

	resp, err := e.gateway.Invoke(callCtx, &ai.Request{
		Stage:         core.StageExecution,
		ComponentRole: roleStepExecutor,
		AgentID:       s.AgentID,
		UserPayload:   renderStepPayload(s, deps),
	})
	if err != nil {
		return nil, nil, err
	}

	raw, merr := json.Marshal(resp.Text)
	if merr != nil {
		return nil, nil, &core.Error{Op: op, Kind: core.KindInternal, ID: s.StepID, Err: merr}
	}
	meta := map[string]string{
		"model":    resp.Model,
		"provider": resp.Provider,
	}
	return raw, meta, nil
}

// httpDispatch posts the step payload to a registered endpoint and
// retries transient transport failures. The outcome is folded into the
// target's execution metrics either way.
func (e *Executor) httpDispatch(runCtx, base context.Context, rec *capability.Record, s *Step, deps map[string]*Outcome) (json.RawMessage, map[string]string, error) {
	const op = "plan.dispatch"

	body := map[string]interface{}{
		"step_id":     s.StepID,
		"description": s.Description,
	}
	if len(s.Inputs) > 0 {
		body["inputs"] = s.Inputs
	}
	if len(deps) > 0 {
		body["context"] = deps
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: s.StepID, Message: "step payload is not serializable", Err: err}
	}

	callCtx, cancel := e.withClassTimeout(runCtx, governor.TimeoutStep)
	defer cancel()

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.RetryIf = func(err error) bool {
		return core.IsRetryable(err) || errors.Is(err, core.ErrRequestFailed)
	}

	var raw json.RawMessage
	start := time.Now()
	err = resilience.Retry(callCtx, retryCfg, func() error {
		req, rerr := http.NewRequestWithContext(callCtx, http.MethodPost, rec.Endpoint, bytes.NewReader(payload))
		if rerr != nil {
			return &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: rec.ID, Err: rerr}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, derr := e.httpClient.Do(req)
		if derr != nil {
			return &core.Error{
				Op:      op,
				Kind:    core.KindDependencyNotReady,
				ID:      rec.ID,
				Message: derr.Error(),
				Err:     core.ErrConnectionFailed,
			}
		}
		defer resp.Body.Close()

		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			raw = normalizeJSON(data)
			return nil
		}
		return httpStatusError(op, rec, resp.StatusCode, data)
	})
	latency := time.Since(start)

	e.recordExecution(base, rec.ID, err == nil, latency)

	if err != nil {
		return nil, nil, finalizeDispatchError(rec, err)
	}
	meta := map[string]string{
		"endpoint":   rec.Endpoint,
		"latency_ms": strconv.FormatInt(latency.Milliseconds(), 10),
	}
	return raw, meta, nil
}

// httpStatusError maps a non-2xx dispatch response onto the taxonomy.
// Server-side and throttling statuses are marked retryable.
func httpStatusError(op string, rec *capability.Record, code int, body []byte) error {
	excerpt := truncate(string(body), 200)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &core.Error{
			Op:      op,
			Kind:    core.KindToolDenied,
			ID:      rec.ID,
			Message: fmt.Sprintf("endpoint refused the call (status %d): %s", code, excerpt),
		}
	case code == http.StatusNotFound:
		return &core.Error{
			Op:      op,
			Kind:    core.KindDependencyNotReady,
			ID:      rec.ID,
			Message: fmt.Sprintf("endpoint has no such route (status %d)", code),
		}
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return &core.Error{
			Op:      op,
			Kind:    core.KindDependencyNotReady,
			ID:      rec.ID,
			Message: fmt.Sprintf("endpoint failed (status %d): %s", code, excerpt),
			Err:     core.ErrRequestFailed,
		}
	default:
		return &core.Error{
			Op:      op,
			Kind:    core.KindInvalidRequest,
			ID:      rec.ID,
			Message: fmt.Sprintf("endpoint rejected the call (status %d): %s", code, excerpt),
		}
	}
}

// finalizeDispatchError shapes what a failed dispatch surfaces as.
// Deadline expiry is returned untyped so classification lands on the
// timeout category instead of a target kind's default.
func finalizeDispatchError(rec *capability.Record, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, core.ErrTimeout):
		return fmt.Errorf("dispatch to %s timed out: %w", rec.Name, err)
	case errors.Is(err, context.Canceled):
		return &core.Error{Op: "plan.dispatch", Kind: core.KindCancelled, ID: rec.ID, Err: err}
	}
	return err
}

// renderStepPayload builds the user turn for a model-call step: the
// step description plus its declared inputs and the outcomes of the
// steps it depends on.
func renderStepPayload(s *Step, deps map[string]*Outcome) string {
	var b bytes.Buffer
	b.WriteString(s.Description)
	if len(s.Inputs) > 0 {
		if data, err := json.Marshal(s.Inputs); err == nil {
			b.WriteString("\n\nInputs:\n")
			b.Write(data)
		}
	}
	if len(deps) > 0 {
		if data, err := json.Marshal(deps); err == nil {
			b.WriteString("\n\nResults from completed steps:\n")
			b.Write(data)
		}
	}
	return b.String()
}

// validateFunctionParams checks a function call's parameters against
// its validation schema. Both sides are passed through a JSON round
// trip so hand-built Go maps validate the same as decoded model output.
func validateFunctionParams(fc *FunctionCall) error {
	const op = "plan.validateFunctionParams"
	if len(fc.ValidationSchema) == 0 {
		return nil
	}

	schemaDoc, err := canonicalJSON(fc.ValidationSchema)
	if err != nil {
		return &core.Error{Op: op, Kind: core.KindValidationFailed, ID: fc.Name, Message: "validation schema is not serializable", Err: err}
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("function-params.json", schemaDoc); err != nil {
		return &core.Error{Op: op, Kind: core.KindValidationFailed, ID: fc.Name, Message: "validation schema is not usable", Err: err}
	}
	schema, err := c.Compile("function-params.json")
	if err != nil {
		return &core.Error{Op: op, Kind: core.KindValidationFailed, ID: fc.Name, Message: "validation schema does not compile", Err: err}
	}

	params, err := canonicalJSON(fc.Parameters)
	if err != nil {
		return &core.Error{Op: op, Kind: core.KindValidationFailed, ID: fc.Name, Message: "parameters are not serializable", Err: err}
	}
	if err := schema.Validate(params); err != nil {
		return &core.Error{
			Op:      op,
			Kind:    core.KindValidationFailed,
			ID:      fc.Name,
			Message: "parameters do not match the validation schema",
			Err:     err,
		}
	}
	return nil
}

// canonicalJSON round-trips a value through JSON so it carries only
// decoded JSON types.
func canonicalJSON(v interface{}) (any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// checkpoint snapshots the plan before a step dispatch. The snapshot is
// taken under the run lock so a parallel batch cannot tear it.
func (e *Executor) checkpoint(base context.Context, r *run, s *Step) error {
	if e.checkpoints == nil {
		return nil
	}
	ctx, cancel := e.bookkeeping(base)
	defer cancel()

	r.mu.Lock()
	snapshot, err := json.Marshal(r.plan)
	r.mu.Unlock()
	if err != nil {
		return &core.Error{Op: "plan.checkpoint", Kind: core.KindInternal, ID: r.plan.PlanID, Err: err}
	}

	cp, err := e.checkpoints.Create(ctx, checkpointEntity, r.plan.PlanID, json.RawMessage(snapshot), "before step "+s.StepID)
	if err != nil {
		return err
	}

	if _, jerr := e.journalStep(base, r.plan, s, &stepEvent{
		typ:    journal.TypeCheckpointCreated,
		status: journal.StatusOK,
		input:  cp.Reason,
		meta:   map[string]string{"checkpoint_id": cp.CheckpointID},
	}); jerr != nil {
		e.logger.Warn("Journal append failed for checkpoint", map[string]interface{}{
			"operation":     "plan_checkpoint",
			"checkpoint_id": cp.CheckpointID,
			"error":         jerr.Error(),
		})
	}
	return nil
}

// Rollback rewinds a plan to its most recent checkpoint and persists
// the restored state. The pipeline calls it before a retry or replan so
// a superseded execution cannot leak half-finished step state forward.
func (e *Executor) Rollback(ctx context.Context, p *Plan) error {
	const op = "plan.Rollback"
	if e.checkpoints == nil {
		return &core.Error{Op: op, Kind: core.KindDependencyNotReady, ID: p.PlanID, Message: "no checkpoint store configured"}
	}

	cp, err := e.checkpoints.Latest(ctx, checkpointEntity, p.PlanID)
	if err != nil {
		return err
	}
	var restored Plan
	if _, err := e.checkpoints.Restore(ctx, cp.CheckpointID, &restored); err != nil {
		return err
	}
	*p = restored

	if err := e.save(ctx, p); err != nil {
		return err
	}

	if e.jrnl != nil && core.WorkflowIDFrom(ctx) != "" {
		ev := &journal.Event{
			WorkflowID:     core.WorkflowIDFrom(ctx),
			SessionID:      core.SessionIDFrom(ctx),
			Type:           journal.TypeCheckpointRestore,
			Stage:          core.StageExecution,
			ComponentRole:  roleStepExecutor,
			ComponentName:  p.PlanID,
			DecisionSource: core.SourceRule,
			Status:         journal.StatusWarn,
			ReasonCode:     "rollback",
			Metadata: map[string]string{
				"checkpoint_id": cp.CheckpointID,
				"plan_id":       p.PlanID,
			},
		}
		if err := e.jrnl.Append(ctx, ev); err != nil {
			e.logger.Warn("Journal append failed for rollback", map[string]interface{}{
				"operation": "plan_rollback",
				"error":     err.Error(),
			})
		}
	}

	e.logger.Info("Plan rolled back to checkpoint", map[string]interface{}{
		"operation":     "plan_rollback",
		"plan_id":       p.PlanID,
		"checkpoint_id": cp.CheckpointID,
	})
	return nil
}

// skipUnfinished closes the books on steps that never ran because the
// run was cancelled or timed out.
func (e *Executor) skipUnfinished(base context.Context, r *run, reason string) {
	r.mu.Lock()
	var skipped []*Step
	for _, s := range r.graph.Unfinished() {
		s.Status = StepSkipped
		skipped = append(skipped, s)
	}
	r.mu.Unlock()

	for _, s := range skipped {
		e.journalSkip(base, r.plan, s, reason)
	}
}

func (e *Executor) journalSkip(base context.Context, p *Plan, s *Step, reason string) {
	if _, err := e.journalStep(base, p, s, &stepEvent{
		typ:    journal.TypeStepSkipped,
		status: journal.StatusWarn,
		reason: reason,
	}); err != nil {
		e.logger.Warn("Journal append failed for skipped step", map[string]interface{}{
			"operation": "step_execute",
			"step_id":   s.StepID,
			"error":     err.Error(),
		})
	}
}

// accountExecutionTime meters wall-clock step time against the
// execution_time_s quota after the fact. The step already ran, so a
// denial is recorded and logged rather than unwound.
func (e *Executor) accountExecutionTime(base context.Context, s *Step, latency time.Duration) {
	if e.gov == nil || latency <= 0 {
		return
	}
	secs := int64(latency / time.Second)
	if latency%time.Second > 0 {
		secs++
	}
	ctx, cancel := e.bookkeeping(base)
	defer cancel()
	if err := e.gov.Admit(ctx, governor.ResourceExecutionTime, secs); err != nil {
		e.logger.Warn("Execution time exceeded quota", map[string]interface{}{
			"operation": "step_execute",
			"step_id":   s.StepID,
			"seconds":   secs,
			"error":     err.Error(),
		})
	}
}

func (e *Executor) admit(base context.Context, s *Step, resource governor.Resource, n int64) error {
	if e.gov == nil {
		return nil
	}
	ctx, cancel := e.bookkeeping(base)
	defer cancel()
	if err := e.gov.Admit(ctx, resource, n); err != nil {
		e.journalQuotaDenied(base, s, resource, err)
		return err
	}
	return nil
}

func (e *Executor) releaseQuota(base context.Context, resource governor.Resource, n int64) {
	if e.gov == nil || n <= 0 {
		return
	}
	ctx, cancel := e.bookkeeping(base)
	defer cancel()
	if err := e.gov.Release(ctx, resource, n); err != nil {
		e.logger.Warn("Quota release failed", map[string]interface{}{
			"operation": "step_execute",
			"resource":  string(resource),
			"amount":    n,
			"error":     err.Error(),
		})
	}
}

func (e *Executor) journalQuotaDenied(base context.Context, s *Step, resource governor.Resource, cause error) {
	if _, err := e.journalStep(base, nil, s, &stepEvent{
		typ:    journal.TypeQuotaDenied,
		status: journal.StatusError,
		reason: governor.ReasonCode(resource),
		output: cause.Error(),
	}); err != nil {
		e.logger.Warn("Journal append failed for quota denial", map[string]interface{}{
			"operation": "step_execute",
			"error":     err.Error(),
		})
	}
}

// stepEvent is the variable part of a step-scoped journal event.
type stepEvent struct {
	typ      string
	status   journal.Status
	reason   string
	input    string
	output   string
	parentID string
	meta     map[string]string
}

// journalStep writes one step-scoped event. Events are only written for
// runs carrying a workflow id; p may be nil when the plan fields are
// not relevant.
func (e *Executor) journalStep(base context.Context, p *Plan, s *Step, ev *stepEvent) (string, error) {
	ctx, cancel := e.bookkeeping(base)
	defer cancel()

	if e.jrnl == nil || core.WorkflowIDFrom(ctx) == "" {
		return "", nil
	}

	meta := mergeMeta(map[string]string{
		"step_id":   s.StepID,
		"step_type": string(s.Type),
	}, ev.meta)
	if p != nil {
		meta["plan_id"] = p.PlanID
		meta["plan_version"] = strconv.Itoa(p.Version)
	}

	event := &journal.Event{
		WorkflowID:     core.WorkflowIDFrom(ctx),
		SessionID:      core.SessionIDFrom(ctx),
		Type:           ev.typ,
		Stage:          core.StageExecution,
		ComponentRole:  roleStepExecutor,
		ComponentName:  targetLabel(s),
		DecisionSource: core.SourceRule,
		Status:         ev.status,
		ParentEventID:  ev.parentID,
		InputSummary:   truncate(ev.input, summaryLimit),
		OutputSummary:  truncate(ev.output, summaryLimit),
		ReasonCode:     ev.reason,
		Metadata:       meta,
	}
	if err := e.jrnl.Append(ctx, event); err != nil {
		return "", err
	}
	return event.EventID, nil
}

// targetLabel names what a step dispatches to, for events and logs.
func targetLabel(s *Step) string {
	switch {
	case s.FunctionCall != nil:
		return s.FunctionCall.Name
	case s.ToolID != "":
		return s.ToolID
	case s.AgentID != "":
		return s.AgentID
	default:
		return "model"
	}
}

func (e *Executor) recordExecution(base context.Context, id string, success bool, latency time.Duration) {
	if e.caps == nil {
		return
	}
	ctx, cancel := e.bookkeeping(base)
	defer cancel()
	if err := e.caps.RecordExecution(ctx, id, success, float64(latency.Milliseconds())); err != nil {
		e.logger.Warn("Target execution record failed", map[string]interface{}{
			"operation": "step_execute",
			"target_id": id,
			"error":     err.Error(),
		})
	}
}

func (e *Executor) save(base context.Context, p *Plan) error {
	if e.store == nil {
		return nil
	}
	ctx, cancel := e.bookkeeping(base)
	defer cancel()
	return e.store.Save(ctx, p)
}

// persistFinal saves terminal plan state, logging rather than failing:
// the caller already holds a more important error.
func (e *Executor) persistFinal(base context.Context, r *run) {
	if err := e.save(base, r.plan); err != nil {
		e.logger.Error("Failed to persist terminal plan state", map[string]interface{}{
			"operation": "plan_execute",
			"plan_id":   r.plan.PlanID,
			"status":    string(r.plan.Status),
			"error":     err.Error(),
		})
	}
}

// bookkeeping derives a context for journal and store writes. While the
// caller's context is alive it is used as is; once it is cancelled or
// expired, bookkeeping switches to a short detached context carrying
// the same runtime identity, so terminal events still land.
func (e *Executor) bookkeeping(base context.Context) (context.Context, context.CancelFunc) {
	if base.Err() == nil {
		return base, func() {}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if rc, ok := core.RuntimeFrom(base); ok {
		ctx = core.WithRuntime(ctx, rc)
	}
	return ctx, cancel
}

// withClassTimeout bounds ctx with the governor's timeout class, or the
// equivalent configured duration when no governor is wired.
func (e *Executor) withClassTimeout(ctx context.Context, class governor.TimeoutClass) (context.Context, context.CancelFunc) {
	if e.gov != nil {
		return e.gov.WithTimeout(ctx, class)
	}
	var d time.Duration
	switch class {
	case governor.TimeoutStep:
		d = e.cfg.Step.Timeout()
	case governor.TimeoutPlan:
		d = e.cfg.Plan.Timeout()
	case governor.TimeoutSandbox:
		d = time.Duration(e.cfg.Sandbox.TimeoutSeconds) * time.Second
	case governor.TimeoutLLM:
		d = e.cfg.LLM.Timeout()
	}
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// normalizeJSON keeps valid JSON as is and quotes anything else so the
// outcome output is always a JSON value.
func normalizeJSON(data []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return trimmed
	}
	quoted, err := json.Marshal(string(trimmed))
	if err != nil {
		return nil
	}
	return quoted
}

func mergeMeta(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
