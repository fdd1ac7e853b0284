package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aard-labs/aard"
	"github.com/aard-labs/aard/approval"
	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/journal"
	"github.com/aard-labs/aard/pipeline"
	"github.com/aard-labs/aard/telemetry"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// submitRequest is the POST /request body.
type submitRequest struct {
	Text      string         `json:"text"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Options   *submitOptions `json:"options,omitempty"`
}

type submitOptions struct {
	AutonomyLevel *int   `json:"autonomy_level,omitempty"`
	ModelRef      string `json:"model_ref,omitempty"`
	ServerRef     string `json:"server_ref,omitempty"`
	TaskType      string `json:"task_type,omitempty"`
}

// submitResponse acknowledges an accepted request. The workflow runs in
// the background; 200 here says nothing about its eventual outcome.
type submitResponse struct {
	WorkflowID string `json:"workflow_id"`
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
}

// workflowView is the read model for workflow endpoints.
type workflowView struct {
	WorkflowID   string     `json:"workflow_id"`
	SessionID    string     `json:"session_id"`
	CurrentState string     `json:"current_state"`
	CurrentStage string     `json:"current_stage"`
	Route        string     `json:"route,omitempty"`
	Goal         string     `json:"goal,omitempty"`
	PlanID       string     `json:"plan_id,omitempty"`
	ApprovalID   string     `json:"approval_id,omitempty"`
	Attempts     int        `json:"attempts,omitempty"`
	ReasonCode   string     `json:"reason_code,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
}

func viewOf(wf *pipeline.Workflow) *workflowView {
	return &workflowView{
		WorkflowID:   wf.WorkflowID,
		SessionID:    wf.SessionID,
		CurrentState: string(wf.State),
		CurrentStage: string(wf.Stage),
		Route:        wf.Route,
		Goal:         wf.Goal,
		PlanID:       wf.PlanID,
		ApprovalID:   wf.ApprovalID,
		Attempts:     wf.Attempts,
		ReasonCode:   wf.ReasonCode,
		Summary:      wf.Summary,
		StartedAt:    wf.StartedAt,
		TerminatedAt: wf.TerminatedAt,
	}
}

// eventsResponse is the GET /workflow/{id}/events body.
type eventsResponse struct {
	Events []*journal.Event `json:"events"`
	Count  int              `json:"count"`
}

// decideRequest is the POST /approval/{request_id}/decide body.
type decideRequest struct {
	Decision string `json:"decision"`
	Actor    string `json:"actor"`
	Note     string `json:"note,omitempty"`
}

type decideResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// handleSubmit accepts a natural-language request and starts a workflow.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use POST")
		return
	}
	if s.workflows == nil {
		s.writeError(w, http.StatusInternalServerError, "workflow service is not configured")
		return
	}

	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	req := &pipeline.Request{
		Text:      body.Text,
		SessionID: body.SessionID,
		UserID:    body.UserID,
	}
	if body.Options != nil {
		req.Autonomy = body.Options.AutonomyLevel
		req.ModelRef = body.Options.ModelRef
		req.ServerRef = body.Options.ServerRef
		req.TaskType = body.Options.TaskType
	}

	wf, err := s.workflows.Start(ctx, req)
	if err != nil {
		s.writeFailure(w, r, "submit request", err)
		return
	}

	if err := s.sessions.Touch(ctx, wf.SessionID, wf.WorkflowID); err != nil {
		s.logger.WarnWithContext(ctx, "Session record update failed", map[string]interface{}{
			"session_id": wf.SessionID, "error": err.Error(),
		})
	}

	telemetry.AddSpanEvent(ctx, "api.request.accepted",
		attribute.String("workflow_id", wf.WorkflowID))
	accepted := map[string]interface{}{
		"workflow_id": wf.WorkflowID,
		"session_id":  wf.SessionID,
	}
	if tc := telemetry.GetTraceContext(ctx); tc.Sampled {
		accepted["trace_id"] = tc.TraceID
	}
	s.logger.Info("Request accepted", accepted)
	s.writeJSON(w, http.StatusOK, &submitResponse{
		WorkflowID: wf.WorkflowID,
		SessionID:  wf.SessionID,
		Status:     string(wf.State),
	})
}

// routeWorkflow dispatches /workflow/{id} and its sub-resources.
func (s *Server) routeWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.workflows == nil {
		s.writeError(w, http.StatusInternalServerError, "workflow service is not configured")
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[1] == "" {
		s.writeError(w, http.StatusBadRequest, "workflow id is required in path")
		return
	}
	id := parts[1]
	action := ""
	if len(parts) > 2 {
		action = parts[2]
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use GET")
			return
		}
		s.getWorkflow(w, r, id)
	case "events":
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use GET")
			return
		}
		s.getEvents(w, r, id)
	case "stream":
		s.streamEvents(w, r, id)
	case "cancel", "pause", "resume":
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use POST")
			return
		}
		s.signalWorkflow(w, r, id, action)
	default:
		s.writeError(w, http.StatusNotFound, "unknown workflow resource: "+action)
	}
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request, id string) {
	wf, err := s.workflows.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, "get workflow", err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(wf))
}

// getEvents pages a workflow's trail. after_id is the last sequence the
// caller has seen; the page starts strictly after it.
func (s *Server) getEvents(w http.ResponseWriter, r *http.Request, id string) {
	afterSeq, limit, err := pageParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.workflows.History(r.Context(), id, afterSeq, limit)
	if err != nil {
		s.writeFailure(w, r, "get events", err)
		return
	}
	s.writeJSON(w, http.StatusOK, &eventsResponse{Events: events, Count: len(events)})
}

// signalWorkflow applies cancel, pause, or resume and returns the
// refreshed record. Cancel and pause are asynchronous: the record may
// still show the old state until the driver reaches its next
// cooperative point.
func (s *Server) signalWorkflow(w http.ResponseWriter, r *http.Request, id, action string) {
	ctx := r.Context()

	var err error
	switch action {
	case "cancel":
		err = s.workflows.Cancel(ctx, id)
	case "pause":
		err = s.workflows.Pause(ctx, id)
	case "resume":
		err = s.workflows.Resume(ctx, id)
	}
	if err != nil {
		s.writeFailure(w, r, action+" workflow", err)
		return
	}

	telemetry.Counter("aard.api.workflow_signal", "action", action)
	wf, err := s.workflows.Get(ctx, id)
	if err != nil {
		s.writeFailure(w, r, "get workflow", err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(wf))
}

// handleDecide settles a pending approval request:
// POST /approval/{request_id}/decide.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use POST")
		return
	}
	if s.approvals == nil {
		s.writeError(w, http.StatusInternalServerError, "approval service is not configured")
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[1] == "" || parts[2] != "decide" {
		s.writeError(w, http.StatusNotFound, "use POST /approval/{request_id}/decide")
		return
	}
	requestID := parts[1]

	var body decideRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	var decision approval.Status
	switch body.Decision {
	case string(approval.StatusApproved):
		decision = approval.StatusApproved
	case string(approval.StatusRejected):
		decision = approval.StatusRejected
	default:
		s.writeError(w, http.StatusBadRequest, "decision must be approved or rejected")
		return
	}

	req, err := s.approvals.Decide(ctx, requestID, decision, body.Actor, body.Note)
	if err != nil {
		s.writeFailure(w, r, "decide approval", err)
		return
	}

	telemetry.Counter("aard.api.approval_decided", "decision", string(decision))
	s.writeJSON(w, http.StatusOK, &decideResponse{
		RequestID: req.RequestID,
		Status:    string(req.Status),
	})
}

// handlePlan serves GET /plan/{id}: the full plan record with steps and
// their statuses.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use GET")
		return
	}
	if s.plans == nil {
		s.writeError(w, http.StatusInternalServerError, "plan store is not configured")
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[1] == "" {
		s.writeError(w, http.StatusBadRequest, "plan id is required in path")
		return
	}

	p, err := s.plans.Get(r.Context(), parts[1])
	if err != nil {
		s.writeFailure(w, r, "get plan", err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

// handleSession serves GET /session/{id}: the session's workflow index
// and last activity.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use GET")
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[1] == "" {
		s.writeError(w, http.StatusBadRequest, "session id is required in path")
		return
	}

	sess, err := s.sessions.Get(r.Context(), parts[1])
	if err != nil {
		s.writeFailure(w, r, "get session", err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

// handleHealth is the liveness endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use GET")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"service":     s.cfg.Service,
		"version":     aard.Version,
		"api_version": aard.APIVersion,
	})
}

// pageParams parses after_id and limit query parameters.
func pageParams(r *http.Request) (afterSeq int64, limit int, err error) {
	if raw := r.URL.Query().Get("after_id"); raw != "" {
		afterSeq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || afterSeq < 0 {
			return 0, 0, &core.Error{Op: "api.pageParams", Kind: core.KindInvalidRequest,
				Message: "after_id must be a non-negative integer"}
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return 0, 0, &core.Error{Op: "api.pageParams", Kind: core.KindInvalidRequest,
				Message: "limit must be a non-negative integer"}
		}
	}
	return afterSeq, limit, nil
}

// statusFor maps an error to an HTTP status. The mapping is by kind, not
// by operation: validation problems 400, unknown ids 404, quota denials
// 429, everything else 500.
func statusFor(err error) int {
	switch {
	case core.IsNotFound(err):
		return http.StatusNotFound
	case core.IsQuota(err):
		return http.StatusTooManyRequests
	}
	switch core.KindOf(err) {
	case core.KindInvalidRequest, core.KindValidationFailed, core.KindInvalidTransition:
		return http.StatusBadRequest
	case core.KindQuotaExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure logs a handler failure and writes the mapped status.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, what string, err error) {
	status := statusFor(err)
	if status >= 500 {
		telemetry.RecordSpanError(r.Context(), err)
		s.logger.ErrorWithContext(r.Context(), "Request failed", map[string]interface{}{
			"operation": what, "path": r.URL.Path, "error": err.Error(),
		})
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{
		Error: message,
		Code:  http.StatusText(status),
	})
}
