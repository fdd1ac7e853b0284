package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aard-labs/aard/ai"
	"github.com/aard-labs/aard/capability"
	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/journal"
	"github.com/aard-labs/aard/plan"
	"github.com/aard-labs/aard/reflection"
	"github.com/aard-labs/aard/telemetry"
)

// driveState is the in-memory scratch of one drive goroutine. Parked
// workflows lose it; the stage runners rebuild what they need from the
// stored record (goal, route, plan id).
type driveState struct {
	wf      *Workflow
	intent  *Intent
	hints   string
	plan    *plan.Plan
	failure string
}

// drive walks the workflow until it parks or settles. Work runs under
// run (cancellable, budgeted); bookkeeping under book, which only the
// engine root can cancel.
func (e *Engine) drive(run, book context.Context, wf *Workflow) {
	d := &driveState{wf: wf}
	for !d.wf.State.Terminal() {
		if run.Err() != nil {
			e.halt(book, d, run.Err())
			continue
		}

		var err error
		switch d.wf.State {
		case StateInitialized:
			err = e.leg(run, book, d, "aard.stage.intake", e.runIntake)
		case StatePlanning:
			err = e.leg(run, book, d, "aard.stage.planning", e.runPlanning)
		case StateApproved:
			d.wf, err = e.shift(book, d.wf.WorkflowID, shift{
				to:     StateExecuting,
				status: journal.StatusOK,
				source: core.SourceRule,
				meta:   map[string]string{"plan_id": d.wf.PlanID},
			})
		case StateExecuting:
			err = e.leg(run, book, d, "aard.stage.execution", e.runExecution)
		case StateRetrying:
			d.wf, err = e.shift(book, d.wf.WorkflowID, shift{
				to:     StatePlanning,
				status: journal.StatusOK,
				source: core.SourceRule,
				meta:   map[string]string{"attempt": strconv.Itoa(d.wf.Attempts + 1)},
			})
		case StateApprovalPending, StatePaused:
			// Parked: a decision or Resume launches a fresh drive.
			return
		default:
			err = &core.Error{Op: "pipeline.drive", Kind: core.KindInternal, ID: d.wf.WorkflowID,
				Message: fmt.Sprintf("workflow in unexpected state %s", d.wf.State)}
		}

		if err != nil {
			e.terminate(book, d, err)
			continue
		}
		if d.wf.State == StateApprovalPending || d.wf.State == StatePaused {
			return
		}
	}
	e.reflect(book, d.wf)
}

// leg runs one drive leg under its own span so model and step latency
// nest under the stage that incurred it.
func (e *Engine) leg(run, book context.Context, d *driveState, name string,
	fn func(run, book context.Context, d *driveState) error) error {
	spanCtx, span := telemetry.StartSpan(run, name,
		attribute.String("workflow_id", d.wf.WorkflowID))
	defer span.End()
	err := fn(spanCtx, book, d)
	if err != nil {
		telemetry.RecordSpanError(spanCtx, err)
	}
	return err
}

// runIntake covers the PARSING leg: interpretation, the validator_a
// rule checks, and routing. It leaves the workflow in PLANNING with the
// goal and route recorded.
func (e *Engine) runIntake(run, book context.Context, d *driveState) error {
	var err error
	d.wf, err = e.shift(book, d.wf.WorkflowID, shift{
		to:     StateParsing,
		status: journal.StatusOK,
		source: core.SourceRule,
	})
	if err != nil {
		return err
	}
	wf := d.wf

	in, resp, err := e.interpret(run, wf)
	if err != nil {
		return err
	}
	meta := map[string]string{"class": in.Class}
	if in.TaskType != "" {
		meta["task_type"] = in.TaskType
	}
	if err := e.journalStage(book, wf, &journal.Event{
		Type:           journal.TypeIntentCreated,
		Stage:          core.StageInterpretation,
		ComponentRole:  roleInterpreter,
		DecisionSource: core.SourcePrompt,
		Status:         journal.StatusOK,
		ParentEventID:  resp.RequestEventID,
		InputSummary:   clip(wf.RequestText, summaryLimit),
		OutputSummary:  clip(in.Goal, summaryLimit),
		Metadata:       meta,
	}); err != nil {
		return err
	}

	if in.Class == IntentClarification {
		q := in.clarificationQuestion()
		if err := e.journalStage(book, wf, &journal.Event{
			Type:           journal.TypeIntentValidated,
			Stage:          core.StageValidatorA,
			ComponentRole:  roleCoordinator,
			DecisionSource: core.SourceRule,
			Status:         journal.StatusWarn,
			ReasonCode:     reasonClarification,
			OutputSummary:  clip(q, summaryLimit),
		}); err != nil {
			return err
		}
		e.settle(book, d, shift{
			to:     StateFailed,
			status: journal.StatusError,
			source: core.SourceRule,
			reason: reasonClarification,
			note:   q,
			mutate: func(w *Workflow) { w.Goal = in.Goal; w.Summary = clip(q, summaryLimit) },
		})
		return nil
	}
	if verr := validateIntent(in); verr != nil {
		if err := e.journalStage(book, wf, &journal.Event{
			Type:           journal.TypeIntentValidated,
			Stage:          core.StageValidatorA,
			ComponentRole:  roleCoordinator,
			DecisionSource: core.SourceRule,
			Status:         journal.StatusError,
			ReasonCode:     string(core.KindValidationFailed),
			OutputSummary:  clip(verr.Error(), summaryLimit),
		}); err != nil {
			return err
		}
		return verr
	}
	if err := e.journalStage(book, wf, &journal.Event{
		Type:           journal.TypeIntentValidated,
		Stage:          core.StageValidatorA,
		ComponentRole:  roleCoordinator,
		DecisionSource: core.SourceRule,
		Status:         journal.StatusOK,
		OutputSummary:  clip(in.Goal, summaryLimit),
		Metadata:       map[string]string{"class": in.Class},
	}); err != nil {
		return err
	}

	route := routeFor(in)
	if route == RouteTask {
		d.hints = e.capabilityHints(run)
	}
	if err := e.journalStage(book, wf, &journal.Event{
		Type:           journal.TypeRouteSelected,
		Stage:          core.StageRouting,
		ComponentRole:  roleCoordinator,
		DecisionSource: core.SourceRule,
		Status:         journal.StatusOK,
		ReasonCode:     route,
		OutputSummary:  clip(in.Goal, summaryLimit),
		Metadata:       map[string]string{"route": route},
	}); err != nil {
		return err
	}

	d.intent = in
	d.wf, err = e.shift(book, wf.WorkflowID, shift{
		to:     StatePlanning,
		status: journal.StatusOK,
		source: core.SourceRule,
		meta:   map[string]string{"route": route},
		mutate: func(w *Workflow) {
			w.Goal = in.Goal
			w.Route = route
			if in.TaskType != "" {
				w.TaskType = in.TaskType
			}
		},
	})
	return err
}

// interpret makes the interpretation model call and parses the intent.
func (e *Engine) interpret(run context.Context, wf *Workflow) (*Intent, *ai.Response, error) {
	resp, err := e.gateway.Invoke(run, &ai.Request{
		Stage:         core.StageInterpretation,
		ComponentRole: roleInterpreter,
		TaskType:      wf.TaskType,
		UserPayload:   e.intentPayload(run, wf),
	})
	if err != nil {
		return nil, nil, err
	}
	raw, err := ai.ExtractJSON(resp.Text)
	if err != nil {
		return nil, resp, err
	}
	in, err := ParseIntent(raw)
	if err != nil {
		return nil, resp, err
	}
	return in, resp, nil
}

// intentPayload builds the interpretation user turn: learned biases
// first (strongest scope first), then the raw request.
func (e *Engine) intentPayload(ctx context.Context, wf *Workflow) string {
	var sb strings.Builder
	now := time.Now().UTC()
	for _, b := range e.activeBiases(ctx, wf.TaskType) {
		if sb.Len() == 0 {
			sb.WriteString("Interpretation biases learned from past workflows:\n")
		}
		fmt.Fprintf(&sb, "- when %q, read it as %q (confidence %.2f)\n",
			b.Condition, b.PreferredInterpretation, b.EffectiveConfidence(now))
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString("User request: ")
	sb.WriteString(wf.RequestText)
	return sb.String()
}

// activeBiases reads the task-type scope then global, capped at
// biasLimit. Bias reads never block interpretation.
func (e *Engine) activeBiases(ctx context.Context, taskType string) []*reflection.Bias {
	if e.biases == nil {
		return nil
	}
	var scopes []string
	if taskType != "" && taskType != "global" {
		scopes = append(scopes, taskType)
	}
	scopes = append(scopes, "global")

	var out []*reflection.Bias
	for _, scope := range scopes {
		list, err := e.biases.ActiveBiases(ctx, scope)
		if err != nil {
			e.logger.Warn("Bias read failed", map[string]interface{}{
				"scope": scope, "error": err.Error(),
			})
			continue
		}
		out = append(out, list...)
	}
	if len(out) > biasLimit {
		out = out[:biasLimit]
	}
	return out
}

// capabilityHints renders the active agents and tools for the planner.
func (e *Engine) capabilityHints(ctx context.Context) string {
	if e.caps == nil {
		return ""
	}
	recs, err := e.caps.List(ctx, capability.Filter{Status: capability.StatusActive, HealthyOnly: true})
	if err != nil {
		e.logger.Warn("Capability listing failed", map[string]interface{}{"error": err.Error()})
		return ""
	}
	var sb strings.Builder
	n := 0
	for _, rec := range recs {
		if rec.Type == capability.TypeModelServer {
			continue
		}
		if n == hintLimit {
			break
		}
		fmt.Fprintf(&sb, "- %s %s: %s", rec.Type, rec.ID, rec.Name)
		if len(rec.Capabilities) > 0 {
			fmt.Fprintf(&sb, " (%s)", strings.Join(rec.Capabilities, ", "))
		}
		sb.WriteString("\n")
		n++
	}
	return sb.String()
}

// runPlanning takes the workflow from PLANNING to APPROVED or
// APPROVAL_PENDING: obtain a draft plan, structural-check it, then put
// it through the approval gate.
func (e *Engine) runPlanning(run, book context.Context, d *driveState) error {
	wf := d.wf

	p := d.plan
	if p == nil {
		var err error
		p, err = e.proposePlan(run, book, d)
		if err != nil {
			return err
		}
		d.plan = p
	}

	if err := p.Transition(plan.StatusPendingApproval); err != nil {
		return err
	}
	if err := e.plans.Save(book, p); err != nil {
		return err
	}

	trust := e.gate.TrustFor(run, p)
	dec, err := e.gate.Evaluate(run, p, trust)
	if err != nil {
		return err
	}
	if !dec.NeedsHuman {
		d.wf, err = e.shift(book, wf.WorkflowID, shift{
			to:     StateApproved,
			status: journal.StatusOK,
			source: core.SourceAuto,
			reason: reasonAutoApproved,
			note:   dec.Reason,
			meta:   map[string]string{"plan_id": p.PlanID},
			mutate: planRefs(p),
		})
		return err
	}
	d.wf, err = e.shift(book, wf.WorkflowID, shift{
		to:     StateApprovalPending,
		status: journal.StatusOK,
		source: core.SourceRule,
		reason: reasonApprovalRequired,
		note:   dec.Reason,
		meta:   map[string]string{"plan_id": p.PlanID, "request_id": dec.Request.RequestID},
		mutate: func(w *Workflow) {
			planRefs(p)(w)
			w.ApprovalID = dec.Request.RequestID
		},
	})
	return err
}

func planRefs(p *plan.Plan) func(*Workflow) {
	return func(w *Workflow) {
		w.PlanID = p.PlanID
		w.Attempts = p.Version
	}
}

// proposePlan produces the next draft plan version. Simple questions get
// the rule-built single answer step; everything else asks the planner
// model, with one corrective reprompt before giving up.
func (e *Engine) proposePlan(run, book context.Context, d *driveState) (*plan.Plan, error) {
	wf := d.wf
	version := wf.Attempts + 1

	if wf.Route == RouteSimpleQuestion {
		p := plan.New(wf.WorkflowID, planGoal(d), wf.AutonomyLevel, &plan.Step{
			StepID:      "answer",
			Description: wf.RequestText,
			Type:        plan.StepAction,
		})
		p.Version = version
		if wf.PlanID != "" {
			p.ParentPlanID = wf.PlanID
		}
		if err := e.plans.Save(book, p); err != nil {
			return nil, err
		}
		if err := e.journalStage(book, wf, &journal.Event{
			Type:           journal.TypePlanCreated,
			Stage:          core.StageRouting,
			ComponentRole:  roleCoordinator,
			DecisionSource: core.SourceRule,
			Status:         journal.StatusOK,
			InputSummary:   clip(p.Goal, summaryLimit),
			OutputSummary:  "direct answer step",
			Metadata:       planMeta(p),
		}); err != nil {
			return nil, err
		}
		return p, nil
	}

	payload := e.planPayload(d)
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			payload += fmt.Sprintf("\n\nYour previous plan was rejected: %v\nRespond again with one valid JSON object only.", lastErr)
		}
		resp, err := e.gateway.Invoke(run, &ai.Request{
			Stage:         core.StagePlanning,
			ComponentRole: rolePlanner,
			TaskType:      wf.TaskType,
			UserPayload:   payload,
		})
		if err != nil {
			return nil, err
		}
		raw, err := ai.ExtractJSON(resp.Text)
		if err != nil {
			lastErr = err
			continue
		}
		prop, err := plan.ParseProposal(raw)
		if err != nil {
			lastErr = err
			continue
		}

		p := plan.Materialize(prop, wf.WorkflowID, version, wf.AutonomyLevel)
		if wf.PlanID != "" {
			p.ParentPlanID = wf.PlanID
		}
		if err := p.Validate(e.cfg.Plan.MaxSteps); err != nil {
			lastErr = err
			e.discardDraft(book, wf, p, err)
			continue
		}
		if err := e.plans.Save(book, p); err != nil {
			return nil, err
		}
		if err := e.journalStage(book, wf, &journal.Event{
			Type:           journal.TypePlanCreated,
			Stage:          core.StagePlanning,
			ComponentRole:  rolePlanner,
			DecisionSource: core.SourcePrompt,
			Status:         journal.StatusOK,
			ParentEventID:  resp.RequestEventID,
			InputSummary:   clip(p.Goal, summaryLimit),
			OutputSummary:  clip(planSummary(p), summaryLimit),
			Metadata:       planMeta(p),
		}); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, lastErr
}

// discardDraft settles a materialized draft that failed the validator_b
// structural check, leaving a plan.deprecated marker in the trail.
func (e *Engine) discardDraft(ctx context.Context, wf *Workflow, p *plan.Plan, cause error) {
	if err := p.Transition(plan.StatusDeprecated); err != nil {
		return
	}
	if err := e.plans.Save(ctx, p); err != nil {
		e.logger.Warn("Failed to save discarded draft", map[string]interface{}{
			"plan_id": p.PlanID, "error": err.Error(),
		})
		return
	}
	if err := e.journalStage(ctx, wf, &journal.Event{
		Type:           journal.TypePlanDeprecated,
		Stage:          core.StageValidatorB,
		ComponentRole:  roleCoordinator,
		DecisionSource: core.SourceRule,
		Status:         journal.StatusWarn,
		ReasonCode:     string(core.KindValidationFailed),
		OutputSummary:  clip(cause.Error(), summaryLimit),
		Metadata:       map[string]string{"plan_id": p.PlanID},
	}); err != nil {
		e.logger.Warn("Journal append failed for discarded draft", map[string]interface{}{
			"plan_id": p.PlanID, "error": err.Error(),
		})
	}
}

// planPayload builds the planning user turn from the goal, intent
// parameters, capability hints, and any prior failure context.
func (e *Engine) planPayload(d *driveState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", planGoal(d))
	if tt := d.wf.TaskType; tt != "" {
		fmt.Fprintf(&sb, "Task type: %s\n", tt)
	}
	if d.intent != nil && len(d.intent.Parameters) > 0 {
		if raw, err := json.Marshal(d.intent.Parameters); err == nil {
			fmt.Fprintf(&sb, "Parameters: %s\n", raw)
		}
	}
	if d.hints != "" {
		sb.WriteString("Available capabilities:\n")
		sb.WriteString(d.hints)
	}
	if d.failure != "" {
		fmt.Fprintf(&sb, "A previous plan failed: %s\n", d.failure)
	}
	return sb.String()
}

// planGoal prefers the in-memory intent; a drive resumed after a park
// falls back to the stored record.
func planGoal(d *driveState) string {
	if d.intent != nil && d.intent.Goal != "" {
		return d.intent.Goal
	}
	if d.wf.Goal != "" {
		return d.wf.Goal
	}
	return d.wf.RequestText
}

func planMeta(p *plan.Plan) map[string]string {
	m := map[string]string{
		"plan_id": p.PlanID,
		"version": strconv.Itoa(p.Version),
		"steps":   strconv.Itoa(len(p.Steps)),
	}
	if p.ParentPlanID != "" {
		m["parent_plan_id"] = p.ParentPlanID
	}
	return m
}

func planSummary(p *plan.Plan) string {
	if p.Strategy != "" {
		return p.Strategy
	}
	return fmt.Sprintf("%d steps", len(p.Steps))
}

// runExecution hands the approved plan to the executor and settles the
// outcome: completion, pause, cancellation, a classified replan, or
// failure.
func (e *Engine) runExecution(run, book context.Context, d *driveState) error {
	wf := d.wf

	if d.plan == nil {
		if wf.PlanID == "" {
			return &core.Error{Op: "pipeline.runExecution", Kind: core.KindDependencyNotReady,
				ID: wf.WorkflowID, Message: "workflow has no plan"}
		}
		p, err := e.plans.Get(book, wf.PlanID)
		if err != nil {
			return err
		}
		d.plan = p
	}
	p := d.plan
	telemetry.SetSpanAttributes(run,
		attribute.String("plan_id", p.PlanID),
		attribute.Int("plan_steps", len(p.Steps)))

	if p.Status != plan.StatusApproved {
		// Resumed after a pause: the interrupted plan settled when its
		// run was cancelled, so plan the remainder as a new version.
		d.plan = nil
		d.failure = fmt.Sprintf("plan %s (version %d) was interrupted by a pause; plan the remaining work", p.PlanID, p.Version)
		var err error
		d.wf, err = e.shift(book, wf.WorkflowID, shift{
			to:     StateRetrying,
			status: journal.StatusOK,
			source: core.SourceRule,
			reason: reasonResumed,
			meta:   map[string]string{"plan_id": p.PlanID},
		})
		return err
	}

	result, err := e.runner.Execute(run, p)
	if err == nil {
		summary := finalArtifact(p, result)
		var serr error
		d.wf, serr = e.shift(book, wf.WorkflowID, shift{
			to:     StateCompleted,
			status: journal.StatusOK,
			source: core.SourceRule,
			note:   summary,
			meta:   map[string]string{"plan_id": p.PlanID},
			mutate: func(w *Workflow) { w.Summary = summary },
		})
		return serr
	}

	// The executor's bookkeeping ran under the work context; re-save so
	// a cancelled context cannot leave the stored plan stale.
	if serr := e.plans.Save(book, p); serr != nil {
		e.logger.Warn("Failed to persist plan after execution", map[string]interface{}{
			"plan_id": p.PlanID, "error": serr.Error(),
		})
	}

	h := e.handle(wf.WorkflowID)
	if h != nil && h.pauseRequested() && core.KindOf(err) == core.KindCancelled {
		if rbErr := e.runner.Rollback(book, p); rbErr != nil {
			e.logger.Warn("Rollback after pause failed", map[string]interface{}{
				"plan_id": p.PlanID, "error": rbErr.Error(),
			})
		}
		d.plan = nil
		var serr error
		d.wf, serr = e.shift(book, wf.WorkflowID, shift{
			to:     StatePaused,
			status: journal.StatusOK,
			source: core.SourceHuman,
			reason: reasonPaused,
			meta:   map[string]string{"plan_id": p.PlanID},
		})
		return serr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		e.settle(book, d, shift{
			to:     StateFailed,
			status: journal.StatusError,
			source: core.SourceRule,
			reason: reasonTimeout,
			note:   err.Error(),
			meta:   map[string]string{"plan_id": p.PlanID},
			mutate: failureSummary(err),
		})
		return nil
	}
	if core.KindOf(err) == core.KindCancelled {
		e.settle(book, d, shift{
			to:     StateCancelled,
			status: journal.StatusWarn,
			source: core.SourceHuman,
			reason: reasonCancelled,
			meta:   map[string]string{"plan_id": p.PlanID},
		})
		return nil
	}

	cls := plan.Classify(err)
	threshold := core.Severity(e.cfg.Replan.OnSeverityThreshold)
	if cls.ShouldReplan(threshold) {
		if wf.Attempts < e.cfg.Replan.MaxAttempts {
			// Digest the failure before the rollback rewinds the step
			// state it reads.
			d.failure = failureContext(p, err, cls)
			if rbErr := e.runner.Rollback(book, p); rbErr != nil {
				e.logger.Warn("Rollback before replan failed", map[string]interface{}{
					"plan_id": p.PlanID, "error": rbErr.Error(),
				})
			}
			d.plan = nil
			var serr error
			d.wf, serr = e.shift(book, wf.WorkflowID, shift{
				to:     StateRetrying,
				status: journal.StatusWarn,
				source: core.SourceRule,
				reason: string(cls.Kind),
				note:   clip(err.Error(), summaryLimit),
				meta: map[string]string{
					"plan_id":  p.PlanID,
					"severity": string(cls.Severity),
					"category": string(cls.Category),
					"attempts": strconv.Itoa(wf.Attempts),
				},
			})
			return serr
		}
		e.settle(book, d, shift{
			to:     StateFailed,
			status: journal.StatusError,
			source: core.SourceRule,
			reason: reasonHumanRequired,
			note:   err.Error(),
			meta:   map[string]string{"plan_id": p.PlanID, "attempts": strconv.Itoa(wf.Attempts)},
			mutate: failureSummary(err),
		})
		return nil
	}

	e.settle(book, d, shift{
		to:     StateFailed,
		status: journal.StatusError,
		source: core.SourceRule,
		reason: reasonFor(err),
		note:   err.Error(),
		meta:   map[string]string{"plan_id": p.PlanID},
		mutate: failureSummary(err),
	})
	return nil
}

// terminate settles a stage error into FAILED. Losing the race to a
// concurrent cancel is fine; the loop re-reads the record and exits.
func (e *Engine) terminate(ctx context.Context, d *driveState, cause error) {
	e.settle(ctx, d, shift{
		to:     StateFailed,
		status: journal.StatusError,
		source: core.SourceRule,
		reason: reasonFor(cause),
		note:   cause.Error(),
		mutate: failureSummary(cause),
	})
}

// halt settles a dead work context: total budget exhaustion fails the
// workflow, anything else is a cancellation.
func (e *Engine) halt(ctx context.Context, d *driveState, cause error) {
	if errors.Is(cause, context.DeadlineExceeded) {
		e.settle(ctx, d, shift{
			to:     StateFailed,
			status: journal.StatusError,
			source: core.SourceRule,
			reason: reasonTimeout,
			note:   "total workflow budget exhausted",
			mutate: func(w *Workflow) {
				if w.Summary == "" {
					w.Summary = "total workflow budget exhausted"
				}
			},
		})
		return
	}
	e.settle(ctx, d, shift{
		to:     StateCancelled,
		status: journal.StatusWarn,
		source: core.SourceHuman,
		reason: reasonCancelled,
	})
}

// settle drives one terminal shift, forcing the edge when the allowed
// set has none. If the shift loses to a concurrent transition the stored
// record wins; as a last resort the in-memory copy is forced terminal so
// the drive loop cannot spin.
func (e *Engine) settle(ctx context.Context, d *driveState, sh shift) {
	sh.forced = !d.wf.State.CanTransition(sh.to)
	wf, err := e.shift(ctx, d.wf.WorkflowID, sh)
	if wf != nil {
		d.wf = wf
	}
	if err == nil {
		return
	}
	if cur, gerr := e.store.Get(ctx, d.wf.WorkflowID); gerr == nil {
		d.wf = cur
	}
	if d.wf.State.Terminal() {
		return
	}
	e.logger.ErrorWithContext(ctx, "Failed to settle workflow", map[string]interface{}{
		"workflow_id": d.wf.WorkflowID, "to": string(sh.to), "error": err.Error(),
	})
	_ = d.wf.Force(sh.to, sh.reason)
}

// failureSummary records the first failure on the workflow record
// without clobbering an earlier one.
func failureSummary(cause error) func(*Workflow) {
	return func(w *Workflow) {
		if w.Summary == "" {
			w.Summary = clip(cause.Error(), summaryLimit)
		}
	}
}

// failureContext digests a failed plan for the next planning payload.
func failureContext(p *plan.Plan, cause error, cls plan.Classification) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "plan %s (version %d) failed with %s (%s severity): %v.",
		p.PlanID, p.Version, cls.Kind, cls.Severity, cause)
	for _, s := range p.Steps {
		if s.Status != plan.StepFailed {
			continue
		}
		msg := ""
		if s.Result != nil {
			msg = s.Result.Err
		}
		fmt.Fprintf(&sb, " Step %q failed: %s.", s.StepID, msg)
	}
	return clip(sb.String(), summaryLimit)
}

// finalArtifact assembles the workflow summary from the outputs of the
// plan's sink steps (steps nothing depends on), falling back to every
// successful output when the sinks produced nothing.
func finalArtifact(p *plan.Plan, res *plan.Result) string {
	if res == nil {
		return ""
	}
	depended := make(map[string]bool)
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			depended[dep] = true
		}
	}
	parts := collectOutputs(p, res, func(s *plan.Step) bool { return !depended[s.StepID] })
	if len(parts) == 0 {
		parts = collectOutputs(p, res, func(*plan.Step) bool { return true })
	}
	return clip(strings.Join(parts, "\n\n"), summaryLimit)
}

func collectOutputs(p *plan.Plan, res *plan.Result, keep func(*plan.Step) bool) []string {
	var parts []string
	for _, s := range p.Steps {
		if !keep(s) {
			continue
		}
		out, ok := res.Outcomes[s.StepID]
		if !ok || out.Status != plan.StepSucceeded || len(out.Output) == 0 {
			continue
		}
		parts = append(parts, renderOutput(out.Output))
	}
	return parts
}

// renderOutput unwraps the common case of a JSON-encoded string; other
// shapes pass through as raw JSON.
func renderOutput(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// journalStage stamps the workflow identifiers on a stage event and
// appends it. Stage events are durable-or-fail like transitions.
func (e *Engine) journalStage(ctx context.Context, wf *Workflow, ev *journal.Event) error {
	ev.WorkflowID = wf.WorkflowID
	ev.SessionID = wf.SessionID
	return e.jrnl.Append(ctx, ev)
}
