package ai

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aard-labs/aard/capability"
	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/governor"
	"github.com/aard-labs/aard/journal"
	"github.com/aard-labs/aard/prompts"
	"github.com/aard-labs/aard/resilience"
	"github.com/aard-labs/aard/telemetry"
)

// Gateway routes every model call. It holds one provider instance per
// provider name and one circuit breaker per server, both created lazily.
type Gateway struct {
	cfg      *core.Config
	resolver *prompts.Resolver
	registry prompts.Registry
	caps     capability.Registry
	gov      governor.Governor
	jrnl     journal.Journal
	logger   core.Logger

	mu        sync.Mutex
	providers map[string]Provider
	breakers  map[string]*resilience.CircuitBreaker
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPrompts wires prompt resolution and usage recording. Without it
// only overridden or exempt calls succeed.
func WithPrompts(resolver *prompts.Resolver, registry prompts.Registry) Option {
	return func(g *Gateway) {
		g.resolver = resolver
		g.registry = registry
	}
}

// WithCapabilities wires model server resolution for model_ref and
// server_ref targeting.
func WithCapabilities(reg capability.Registry) Option {
	return func(g *Gateway) { g.caps = reg }
}

// WithGovernor wires quota admission and the LLM timeout class. Without
// it calls are unmetered and bounded only by the configured timeout.
func WithGovernor(gov governor.Governor) Option {
	return func(g *Gateway) { g.gov = gov }
}

// WithJournal wires the event trail. Events are written only for calls
// carrying a workflow id on their context.
func WithJournal(j journal.Journal) Option {
	return func(g *Gateway) { g.jrnl = j }
}

// WithLogger injects a logger. Component-aware loggers are scoped to
// aard/ai.
func WithLogger(logger core.Logger) Option {
	return func(g *Gateway) {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			g.logger = cal.WithComponent("aard/ai")
		} else {
			g.logger = logger
		}
	}
}

// WithProvider injects a built provider instance under a name, bypassing
// the factory registry. Tests use it to script responses.
func WithProvider(name string, p Provider) Option {
	return func(g *Gateway) { g.providers[name] = p }
}

// New creates a Gateway. A nil cfg uses defaults.
func New(cfg *core.Config, opts ...Option) *Gateway {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	g := &Gateway{
		cfg:       cfg,
		logger:    &core.NoOpLogger{},
		providers: make(map[string]Provider),
		breakers:  make(map[string]*resilience.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// target is the resolved dispatch destination.
type target struct {
	provider   string
	endpoint   string // normalized, "" = provider default
	model      string
	serverID   string
	serverName string
}

// name identifies the target in journal events and logs.
func (t *target) name() string {
	if t.serverName != "" {
		return t.serverName
	}
	if t.endpoint != "" {
		return t.endpoint
	}
	return t.provider
}

// breakerKey picks the stable identity one breaker guards.
func (t *target) breakerKey() string {
	if t.serverID != "" {
		return t.serverID
	}
	if t.endpoint != "" {
		return t.endpoint
	}
	return t.provider
}

// Invoke performs one model call end to end: prompt resolution, quota
// admission, server selection, journaled dispatch with retries, and
// outcome recording.
func (g *Gateway) Invoke(ctx context.Context, req *Request) (*Response, error) {
	const op = "ai.Invoke"

	if err := validateRequest(op, req); err != nil {
		return nil, err
	}

	// Work on a copy so runtime hints never leak back into the caller's
	// request.
	r := *req
	if rc, ok := core.RuntimeFrom(ctx); ok {
		if r.ModelRef == "" {
			r.ModelRef = rc.ModelRef
		}
		if r.ServerRef == "" {
			r.ServerRef = rc.ServerRef
		}
		if r.TaskType == "" {
			r.TaskType = rc.TaskType
		}
	}

	system, resolved, err := g.resolveSystemPrompt(ctx, op, &r)
	if err != nil {
		g.journalRefusal(ctx, &r, err)
		return nil, err
	}

	params := r.Params.withDefaults(g.cfg.LLM)

	tgt, err := g.resolveTarget(ctx, op, &r)
	if err != nil {
		return nil, err
	}
	provider, err := g.provider(op, tgt.provider)
	if err != nil {
		return nil, err
	}

	// Reserve one request unit and the completion cap's worth of tokens.
	// The token reservation is trued up against reported usage after the
	// call.
	estimate := int64(params.MaxTokens)
	if err := g.admit(ctx, &r, estimate); err != nil {
		return nil, err
	}

	reqEventID, err := g.journalRequest(ctx, &r, resolved, tgt, params)
	if err != nil {
		g.release(ctx, governor.ResourceLLMRequests, 1)
		g.release(ctx, governor.ResourceLLMTokens, estimate)
		return nil, err
	}

	br := g.breaker(tgt.breakerKey())
	if !br.CanExecute() {
		// Nothing was dispatched; hand the reservation back.
		g.release(ctx, governor.ResourceLLMRequests, 1)
		g.release(ctx, governor.ResourceLLMTokens, estimate)
		ferr := &core.Error{
			Op:      op,
			Kind:    core.KindModelUnavailable,
			ID:      tgt.name(),
			Message: "server circuit is open",
			Err:     core.ErrCircuitBreakerOpen,
		}
		g.journalResponse(ctx, &r, resolved, tgt, reqEventID, 0, Usage{}, "", ferr)
		return nil, ferr
	}

	preq := &ProviderRequest{
		Endpoint:    tgt.endpoint,
		Model:       tgt.model,
		System:      system,
		User:        r.UserPayload,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		CtxSize:     params.CtxSize,
	}

	callCtx, cancel := g.withLLMTimeout(ctx)
	defer cancel()

	retryCfg := resilience.DefaultRetryConfig()
	if g.cfg.LLM.MaxRetries > 0 {
		retryCfg.MaxAttempts = g.cfg.LLM.MaxRetries
	}
	retryCfg.RetryIf = core.IsRetryable

	var presp *ProviderResponse
	start := time.Now()
	err = resilience.Retry(callCtx, retryCfg, func() error {
		out, cerr := provider.Complete(callCtx, preq)
		if cerr != nil {
			br.RecordFailure()
			return cerr
		}
		br.RecordSuccess()
		presp = out
		return nil
	})
	latency := time.Since(start)

	if err != nil {
		ferr := finalizeError(op, err, tgt)
		// The reserved tokens were never delivered.
		g.release(ctx, governor.ResourceLLMTokens, estimate)
		g.journalResponse(ctx, &r, resolved, tgt, reqEventID, latency, Usage{}, "", ferr)
		g.recordOutcomes(ctx, resolved, tgt, false, latency)
		g.observe(&r, tgt, "error", latency)
		return nil, ferr
	}

	g.reconcileTokens(ctx, estimate, int64(presp.Usage.TotalTokens))

	if jerr := g.journalResponse(ctx, &r, resolved, tgt, reqEventID, latency, presp.Usage, presp.Text, nil); jerr != nil {
		return nil, jerr
	}
	g.recordOutcomes(ctx, resolved, tgt, true, latency)
	g.observe(&r, tgt, "ok", latency)

	resp := &Response{
		Text:           presp.Text,
		Model:          presp.Model,
		Provider:       tgt.provider,
		ServerID:       tgt.serverID,
		Usage:          presp.Usage,
		LatencyMs:      latency.Milliseconds(),
		RequestEventID: reqEventID,
	}
	if resp.Model == "" {
		resp.Model = tgt.model
	}
	if resolved != nil {
		resp.PromptID = resolved.Prompt.PromptID
		resp.PromptVersion = resolved.Prompt.Version
	}
	return resp, nil
}

// resolveSystemPrompt applies the precedence explicit override, then the
// resolver's scope walk, then disk fallback (inside the resolver). A miss
// refuses the call unless the request carries an exemption. Store
// failures propagate: an outage must not silently downgrade prompts.
func (g *Gateway) resolveSystemPrompt(ctx context.Context, op string, r *Request) (string, *prompts.Resolved, error) {
	if r.SystemPromptOverride != "" {
		return r.SystemPromptOverride, nil, nil
	}

	var missErr error
	if g.resolver != nil {
		res, err := g.resolver.Resolve(ctx, prompts.Key{
			Stage:         r.Stage,
			ComponentRole: r.ComponentRole,
			AgentID:       r.AgentID,
			ModelID:       r.ModelRef,
			ServerID:      r.ServerRef,
			TaskType:      r.TaskType,
		})
		if err == nil {
			return res.Prompt.Body, res, nil
		}
		if core.KindOf(err) != core.KindPromptNotFound {
			return "", nil, err
		}
		missErr = err
	} else {
		missErr = &core.Error{
			Op:      op,
			Kind:    core.KindPromptNotFound,
			ID:      fmt.Sprintf("%s/%s", r.Stage, r.ComponentRole),
			Message: "no prompt resolver configured",
			Err:     core.ErrPromptNotFound,
		}
	}

	if r.Exemption.allowsBarePrompt() {
		g.logger.Warn("Model call proceeding without a resolved prompt", map[string]interface{}{
			"operation": "model_invoke",
			"stage":     string(r.Stage),
			"role":      r.ComponentRole,
			"exemption": string(r.Exemption),
		})
		return "", nil, nil
	}
	return "", nil, missErr
}

// resolveTarget picks the server and model. A pinned server_ref is used
// as named regardless of status or health and never substituted; a bare
// model_ref may ride any active healthy server hosting that model, and
// falls back to the configured transport when none is registered.
func (g *Gateway) resolveTarget(ctx context.Context, op string, r *Request) (*target, error) {
	if r.ServerRef != "" {
		if g.caps == nil {
			return nil, &core.Error{
				Op: op, Kind: core.KindDependencyNotReady, ID: r.ServerRef,
				Message: "server_ref requires a capability registry",
				Err:     core.ErrCapabilityNotFound,
			}
		}
		rec, err := g.lookupServer(ctx, op, r.ServerRef)
		if err != nil {
			return nil, err
		}
		model := r.ModelRef
		if model == "" {
			if len(rec.Models) > 0 {
				model = rec.Models[0]
			} else {
				model = g.cfg.LLM.Model
			}
		} else if len(rec.Models) > 0 && !hostsModel(rec, model) {
			return nil, &core.Error{
				Op: op, Kind: core.KindDependencyNotReady, ID: rec.ID,
				Message: fmt.Sprintf("server %s does not host model %s", rec.Name, model),
				Err:     core.ErrCapabilityNotFound,
			}
		}
		return &target{
			provider:   providerOf(rec, g.cfg),
			endpoint:   NormalizeEndpoint(rec.Endpoint),
			model:      model,
			serverID:   rec.ID,
			serverName: rec.Name,
		}, nil
	}

	model := r.ModelRef
	if model == "" {
		model = g.cfg.LLM.Model
	}

	if r.ModelRef != "" && g.caps != nil {
		recs, err := g.caps.List(ctx, capability.Filter{
			Type:        capability.TypeModelServer,
			Status:      capability.StatusActive,
			Model:       r.ModelRef,
			HealthyOnly: true,
		})
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			rec := recs[0]
			return &target{
				provider:   providerOf(rec, g.cfg),
				endpoint:   NormalizeEndpoint(rec.Endpoint),
				model:      model,
				serverID:   rec.ID,
				serverName: rec.Name,
			}, nil
		}
	}

	return &target{
		provider: g.cfg.LLM.Provider,
		endpoint: NormalizeEndpoint(g.cfg.LLM.BaseURL),
		model:    model,
	}, nil
}

// lookupServer resolves a pinned ref: by record id first, then by
// normalized endpoint URL.
func (g *Gateway) lookupServer(ctx context.Context, op, ref string) (*capability.Record, error) {
	rec, err := g.caps.Get(ctx, ref)
	if err == nil {
		if rec.Type != capability.TypeModelServer {
			return nil, &core.Error{
				Op: op, Kind: core.KindInvalidRequest, ID: ref,
				Message: "server_ref does not name a model server",
			}
		}
		return rec, nil
	}
	if !core.IsNotFound(err) {
		return nil, err
	}

	want := NormalizeEndpoint(ref)
	recs, lerr := g.caps.List(ctx, capability.Filter{Type: capability.TypeModelServer})
	if lerr != nil {
		return nil, lerr
	}
	for _, rec := range recs {
		if rec.Endpoint != "" && NormalizeEndpoint(rec.Endpoint) == want {
			return rec, nil
		}
	}
	return nil, &core.Error{
		Op: op, Kind: core.KindDependencyNotReady, ID: ref,
		Message: "no model server matches server_ref",
		Err:     core.ErrCapabilityNotFound,
	}
}

func hostsModel(rec *capability.Record, model string) bool {
	for _, m := range rec.Models {
		if m == model {
			return true
		}
	}
	return false
}

// providerOf picks the wire protocol for a server record. Records that do
// not name one speak the configured default.
func providerOf(rec *capability.Record, cfg *core.Config) string {
	if rec.Provider != "" {
		return rec.Provider
	}
	return cfg.LLM.Provider
}

// provider returns the instance for a name, building it from the factory
// registry on first use.
func (g *Gateway) provider(op, name string) (Provider, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.providers[name]; ok {
		return p, nil
	}
	f, ok := providerFactory(name)
	if !ok {
		return nil, &core.Error{
			Op: op, Kind: core.KindInternal, ID: name,
			Message: "no provider registered under this name",
			Err:     core.ErrInvalidConfiguration,
		}
	}
	p, err := f.Create(g.cfg.LLM, g.logger)
	if err != nil {
		return nil, err
	}
	g.providers[name] = p
	return p, nil
}

func (g *Gateway) breaker(key string) *resilience.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if br, ok := g.breakers[key]; ok {
		return br
	}
	br := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: key, Logger: g.logger})
	g.breakers[key] = br
	return br
}

func (g *Gateway) withLLMTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.gov != nil {
		return g.gov.WithTimeout(ctx, governor.TimeoutLLM)
	}
	if d := g.cfg.LLM.Timeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// admit reserves the request unit and the token estimate, rolling the
// request unit back when the token reservation is denied.
func (g *Gateway) admit(ctx context.Context, r *Request, tokens int64) error {
	if g.gov == nil {
		return nil
	}
	if err := g.gov.Admit(ctx, governor.ResourceLLMRequests, 1); err != nil {
		g.journalQuotaDenied(ctx, r, governor.ResourceLLMRequests, err)
		return err
	}
	if err := g.gov.Admit(ctx, governor.ResourceLLMTokens, tokens); err != nil {
		g.release(ctx, governor.ResourceLLMRequests, 1)
		g.journalQuotaDenied(ctx, r, governor.ResourceLLMTokens, err)
		return err
	}
	return nil
}

func (g *Gateway) release(ctx context.Context, resource governor.Resource, n int64) {
	if g.gov == nil || n <= 0 {
		return
	}
	if err := g.gov.Release(ctx, resource, n); err != nil {
		g.logger.Warn("Quota release failed", map[string]interface{}{
			"operation": "model_invoke",
			"resource":  string(resource),
			"amount":    n,
			"error":     err.Error(),
		})
	}
}

// reconcileTokens trues the reservation up to what the provider reported.
// An overrun past the quota is logged rather than clawed back: the tokens
// are already spent.
func (g *Gateway) reconcileTokens(ctx context.Context, estimate, actual int64) {
	if g.gov == nil || actual == estimate {
		return
	}
	if actual < estimate {
		g.release(ctx, governor.ResourceLLMTokens, estimate-actual)
		return
	}
	if err := g.gov.Admit(ctx, governor.ResourceLLMTokens, actual-estimate); err != nil {
		g.logger.Warn("Token usage exceeded reservation past quota", map[string]interface{}{
			"operation": "model_invoke",
			"estimate":  estimate,
			"actual":    actual,
			"error":     err.Error(),
		})
	}
}

// finalizeError maps a dispatch failure onto its final kind. Timeouts and
// cancellation keep their identity; exhausted retries and transient
// transport failures surface as model_unavailable. Non-retryable provider
// errors pass through with their kinds intact.
func finalizeError(op string, err error, tgt *target) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, core.ErrTimeout):
		return &core.Error{
			Op: op, Kind: core.KindModelTimeout, ID: tgt.model,
			Message: fmt.Sprintf("model call against %s exceeded its time budget", tgt.name()),
			Err:     err,
		}
	case errors.Is(err, context.Canceled):
		return &core.Error{Op: op, Kind: core.KindCancelled, ID: tgt.model, Err: err}
	case errors.Is(err, core.ErrMaxRetriesExceeded), core.IsRetryable(err):
		return &core.Error{
			Op: op, Kind: core.KindModelUnavailable, ID: tgt.model,
			Message: fmt.Sprintf("model call against %s failed", tgt.name()),
			Err:     err,
		}
	}
	return err
}

// recordOutcomes folds the call into prompt metrics and the server's
// trust record. Both are best-effort: a metrics miss must not fail a
// completed call.
func (g *Gateway) recordOutcomes(ctx context.Context, resolved *prompts.Resolved, tgt *target, success bool, latency time.Duration) {
	ms := float64(latency.Milliseconds())
	if resolved != nil && resolved.Recordable() && g.registry != nil {
		if err := g.registry.RecordUsage(ctx, resolved.Prompt.PromptID, success, ms); err != nil {
			g.logger.Warn("Prompt usage record failed", map[string]interface{}{
				"operation": "model_invoke",
				"prompt_id": resolved.Prompt.PromptID,
				"error":     err.Error(),
			})
		}
	}
	if tgt.serverID != "" && g.caps != nil {
		if err := g.caps.RecordExecution(ctx, tgt.serverID, success, ms); err != nil {
			g.logger.Warn("Server execution record failed", map[string]interface{}{
				"operation": "model_invoke",
				"server_id": tgt.serverID,
				"error":     err.Error(),
			})
		}
	}
}

func (g *Gateway) observe(r *Request, tgt *target, status string, latency time.Duration) {
	telemetry.Counter("aard.ai.requests",
		"stage", string(r.Stage),
		"provider", tgt.provider,
		"status", status,
	)
	telemetry.Histogram("aard.ai.latency_ms", float64(latency.Milliseconds()),
		"provider", tgt.provider)
	g.logger.Debug("Model call finished", map[string]interface{}{
		"operation":  "model_invoke",
		"stage":      string(r.Stage),
		"role":       r.ComponentRole,
		"provider":   tgt.provider,
		"model":      tgt.model,
		"server":     tgt.name(),
		"status":     status,
		"latency_ms": latency.Milliseconds(),
	})
}

// baseEvent fills the fields every gateway event shares. Events are only
// written for calls that run inside a workflow.
func (g *Gateway) baseEvent(ctx context.Context, r *Request, resolved *prompts.Resolved) *journal.Event {
	e := &journal.Event{
		WorkflowID:     core.WorkflowIDFrom(ctx),
		SessionID:      core.SessionIDFrom(ctx),
		Stage:          r.Stage,
		ComponentRole:  r.ComponentRole,
		DecisionSource: core.SourcePrompt,
	}
	if resolved != nil {
		e.PromptID = resolved.Prompt.PromptID
		e.PromptVersion = resolved.Prompt.Version
	} else if r.SystemPromptOverride == "" {
		// An exempt call runs on the strength of the exemption rule, not
		// a governed prompt.
		e.DecisionSource = core.SourceRule
	}
	return e
}

// append writes an event unless the call is running outside a workflow.
// A durable-write failure is returned: a model call the trail cannot
// account for is treated as failed.
func (g *Gateway) append(ctx context.Context, e *journal.Event) error {
	if g.jrnl == nil || e.WorkflowID == "" {
		return nil
	}
	return g.jrnl.Append(ctx, e)
}

func (g *Gateway) journalRequest(ctx context.Context, r *Request, resolved *prompts.Resolved, tgt *target, params Params) (string, error) {
	e := g.baseEvent(ctx, r, resolved)
	e.Type = journal.TypeModelRequest
	e.Status = journal.StatusOK
	e.ComponentName = tgt.name()
	e.InputSummary = truncate(r.UserPayload, summaryLimit)
	e.Metadata = map[string]string{
		"provider":      tgt.provider,
		"model":         tgt.model,
		"params_digest": params.digest(),
	}
	if tgt.endpoint != "" {
		e.Metadata["server"] = tgt.endpoint
	}
	if r.Exemption != "" {
		e.Metadata["exemption"] = string(r.Exemption)
	}
	if err := g.append(ctx, e); err != nil {
		return "", err
	}
	return e.EventID, nil
}

// journalResponse writes the model.response event. On the success path an
// append failure fails the call; on an already-failed call it is only
// logged, so the dispatch error stays the one the caller sees.
func (g *Gateway) journalResponse(ctx context.Context, r *Request, resolved *prompts.Resolved, tgt *target, parentID string, latency time.Duration, usage Usage, text string, callErr error) error {
	e := g.baseEvent(ctx, r, resolved)
	e.Type = journal.TypeModelResponse
	e.ParentEventID = parentID
	e.ComponentName = tgt.name()
	e.Metadata = map[string]string{
		"provider":          tgt.provider,
		"model":             tgt.model,
		"latency_ms":        strconv.FormatInt(latency.Milliseconds(), 10),
		"prompt_tokens":     strconv.Itoa(usage.PromptTokens),
		"completion_tokens": strconv.Itoa(usage.CompletionTokens),
		"total_tokens":      strconv.Itoa(usage.TotalTokens),
	}
	if callErr != nil {
		e.Status = journal.StatusError
		e.ReasonCode = string(core.KindOf(callErr))
		e.OutputSummary = truncate(callErr.Error(), summaryLimit)
	} else {
		e.Status = journal.StatusOK
		e.OutputSummary = truncate(text, summaryLimit)
	}

	err := g.append(ctx, e)
	if err == nil {
		return nil
	}
	if callErr != nil {
		g.logger.Warn("Journal append failed for model response", map[string]interface{}{
			"operation": "model_invoke",
			"error":     err.Error(),
		})
		return nil
	}
	return err
}

// journalRefusal records a call turned away at the door for want of a
// prompt.
func (g *Gateway) journalRefusal(ctx context.Context, r *Request, cause error) {
	if core.KindOf(cause) != core.KindPromptNotFound {
		return
	}
	e := g.baseEvent(ctx, r, nil)
	e.Type = journal.TypeModelRequest
	e.Status = journal.StatusError
	e.ReasonCode = string(core.KindPromptNotFound)
	e.InputSummary = truncate(r.UserPayload, summaryLimit)
	e.OutputSummary = truncate(cause.Error(), summaryLimit)
	if err := g.append(ctx, e); err != nil {
		g.logger.Warn("Journal append failed for refused model call", map[string]interface{}{
			"operation": "model_invoke",
			"error":     err.Error(),
		})
	}
	telemetry.Counter("aard.ai.requests",
		"stage", string(r.Stage), "provider", "none", "status", "refused")
}

func (g *Gateway) journalQuotaDenied(ctx context.Context, r *Request, resource governor.Resource, cause error) {
	e := g.baseEvent(ctx, r, nil)
	e.Type = journal.TypeQuotaDenied
	e.Status = journal.StatusError
	e.ReasonCode = governor.ReasonCode(resource)
	e.OutputSummary = truncate(cause.Error(), summaryLimit)
	if err := g.append(ctx, e); err != nil {
		g.logger.Warn("Journal append failed for quota denial", map[string]interface{}{
			"operation": "model_invoke",
			"error":     err.Error(),
		})
	}
}
