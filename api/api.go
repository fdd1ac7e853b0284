// Package api is the module's external surface: REST endpoints for
// submitting requests and inspecting workflows, plans, and approvals,
// plus a WebSocket stream of each workflow's event trail.
//
// Handlers own transport concerns only (JSON bodies, status codes,
// upgrades) and delegate the rest to the pipeline engine, the approval
// gate, and the journal. Error kinds map onto HTTP statuses in one
// place (statusFor); handlers never invent status codes.
//
// Routes:
//
//	POST /request                      submit a natural-language request
//	GET  /workflow/{id}                workflow record
//	GET  /workflow/{id}/events         journal page (after_id, limit)
//	GET  /workflow/{id}/stream         WebSocket event stream
//	POST /workflow/{id}/cancel         cancel at next cooperative point
//	POST /workflow/{id}/pause          pause an executing workflow
//	POST /workflow/{id}/resume         resume a paused workflow
//	POST /approval/{request_id}/decide approve or reject a pending plan
//	GET  /plan/{id}                    plan with steps and statuses
//	GET  /session/{id}                 session record (workflow index)
//	GET  /health                       liveness
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aard-labs/aard/approval"
	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/journal"
	"github.com/aard-labs/aard/pipeline"
	"github.com/aard-labs/aard/plan"
)

// WorkflowService is the slice of the pipeline engine the API serves.
// *pipeline.Engine satisfies it.
type WorkflowService interface {
	Start(ctx context.Context, req *pipeline.Request) (*pipeline.Workflow, error)
	Get(ctx context.Context, workflowID string) (*pipeline.Workflow, error)
	History(ctx context.Context, workflowID string, afterSeq int64, limit int) ([]*journal.Event, error)
	Cancel(ctx context.Context, workflowID string) error
	Pause(ctx context.Context, workflowID string) error
	Resume(ctx context.Context, workflowID string) error
}

// ApprovalService settles pending approval requests. *approval.Gate
// satisfies it.
type ApprovalService interface {
	Decide(ctx context.Context, requestID string, decision approval.Status, actor, note string) (*approval.Request, error)
}

// PlanReader loads plan records for the plan endpoint. plan.Store
// satisfies it.
type PlanReader interface {
	Get(ctx context.Context, planID string) (*plan.Plan, error)
}

// Server serves the HTTP and WebSocket surface.
type Server struct {
	cfg       *core.Config
	workflows WorkflowService
	approvals ApprovalService
	plans     PlanReader
	jrnl      journal.Journal
	sessions  SessionTracker
	logger    core.Logger
	upgrader  websocket.Upgrader

	srv *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithWorkflows sets the pipeline engine the API fronts.
func WithWorkflows(w WorkflowService) Option { return func(s *Server) { s.workflows = w } }

// WithApprovals sets the approval decision service.
func WithApprovals(a ApprovalService) Option { return func(s *Server) { s.approvals = a } }

// WithPlans sets the plan reader.
func WithPlans(p PlanReader) Option { return func(s *Server) { s.plans = p } }

// WithJournal sets the journal backing the stream endpoint.
func WithJournal(j journal.Journal) Option { return func(s *Server) { s.jrnl = j } }

// WithSessions sets the session tracker. Defaults to in-memory.
func WithSessions(t SessionTracker) Option { return func(s *Server) { s.sessions = t } }

// WithServerLogger sets the logger.
func WithServerLogger(l core.Logger) Option {
	return func(s *Server) {
		if l == nil {
			return
		}
		if cal, ok := l.(core.ComponentAwareLogger); ok {
			l = cal.WithComponent("aard/api")
		}
		s.logger = l
	}
}

// NewServer builds the API server. The workflow service and journal are
// required before Start; the rest degrade gracefully (approval and plan
// endpoints answer 500 dependency_not_ready when unset).
func NewServer(cfg *core.Config, opts ...Option) *Server {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	s := &Server{
		cfg:    cfg,
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sessions == nil {
		s.sessions = NewMemorySessionTracker(cfg)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin header.
			if origin == "" {
				return true
			}
			return core.OriginAllowed(origin, cfg.HTTP.CORS)
		},
	}
	return s
}

// Handler assembles the route table with logging, CORS, and tracing
// middleware. The otelhttp wrapper is outermost so every request gets a
// span, including preflights the CORS layer answers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/request", s.handleSubmit)
	mux.HandleFunc("/workflow/", s.routeWorkflow)
	mux.HandleFunc("/approval/", s.handleDecide)
	mux.HandleFunc("/plan/", s.handlePlan)
	mux.HandleFunc("/session/", s.handleSession)
	mux.HandleFunc("/health", s.handleHealth)

	var h http.Handler = mux
	h = core.LoggingMiddleware(s.logger, s.cfg.DevMode)(h)
	h = core.CORSMiddleware(s.cfg.HTTP.CORS)(h)
	return otelhttp.NewHandler(h, "aard.api")
}

// Start listens on the configured port and blocks until the listener
// fails or Shutdown is called. http.ErrServerClosed is swallowed so a
// clean shutdown returns nil.
func (s *Server) Start() error {
	const op = "api.Start"
	if s.workflows == nil || s.jrnl == nil {
		return &core.Error{Op: op, Kind: core.KindDependencyNotReady,
			Message: "server needs a workflow service and a journal"}
	}

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.HTTP.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.HTTP.ReadTimeout.Duration(),
		WriteTimeout: s.cfg.HTTP.WriteTimeout.Duration(),
	}
	s.logger.Info("API server listening", map[string]interface{}{
		"addr": s.srv.Addr,
	})
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return &core.Error{Op: op, Kind: core.KindInternal, Err: err}
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires. Open WebSocket
// connections end when their clients disconnect or the process exits;
// the journal hub closing stops their event feeds.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("API server shutting down", nil)
	return s.srv.Shutdown(ctx)
}

// writeTimeout bounds a single WebSocket write.
const writeTimeout = 10 * time.Second
