package journal

import (
	"context"
	"fmt"

	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/telemetry"
)

// Log binds a Store to a Hub: durable write first, then fan-out. It is the
// process-wide Journal implementation.
type Log struct {
	store  Store
	hub    *Hub
	logger core.Logger
}

// Compile-time interface check.
var _ Journal = (*Log)(nil)

// LogOption configures a Log.
type LogOption func(*Log)

// WithLogger injects a logger. Component-aware loggers are scoped to
// aard/journal.
func WithLogger(logger core.Logger) LogOption {
	return func(l *Log) {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			l.logger = cal.WithComponent("aard/journal")
		} else {
			l.logger = logger
		}
	}
}

// New creates a Journal over the given store.
func New(store Store, opts ...LogOption) *Log {
	l := &Log{
		store:  store,
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.hub = NewHub(l.logger)
	return l
}

// Append implements Journal. Stage membership is enforced here so no
// component can write an event outside the canonical pipeline vocabulary.
func (l *Log) Append(ctx context.Context, e *Event) error {
	if e == nil {
		return &core.Error{Op: "journal.Append", Kind: core.KindInvalidRequest, Message: "event is required"}
	}
	if e.WorkflowID == "" {
		return &core.Error{Op: "journal.Append", Kind: core.KindInvalidRequest, Message: "workflow_id is required"}
	}
	if !core.ValidStage(e.Stage) {
		return &core.Error{
			Op:      "journal.Append",
			Kind:    core.KindInvalidRequest,
			ID:      e.WorkflowID,
			Message: fmt.Sprintf("stage %q not in canonical set", e.Stage),
		}
	}
	if e.Status == "" {
		e.Status = StatusOK
	}

	if err := l.store.Append(ctx, e); err != nil {
		l.logger.ErrorWithContext(ctx, "Journal append failed", map[string]interface{}{
			"operation": "journal_append",
			"type":      e.Type,
			"stage":     string(e.Stage),
			"error":     err.Error(),
		})
		return &core.Error{Op: "journal.Append", Kind: core.KindInternal, ID: e.WorkflowID, Err: err}
	}

	telemetry.Counter("aard.journal.events",
		"stage", string(e.Stage), "status", string(e.Status))

	// Fan-out after the durable write so subscribers never see an event
	// that could not be replayed.
	l.hub.Publish(e)
	return nil
}

// ByWorkflow implements Journal.
func (l *Log) ByWorkflow(ctx context.Context, workflowID string, afterSeq int64, limit int) ([]*Event, error) {
	return l.store.ByWorkflow(ctx, workflowID, afterSeq, limit)
}

// BySession implements Journal.
func (l *Log) BySession(ctx context.Context, sessionID string, limit int) ([]*Event, error) {
	return l.store.BySession(ctx, sessionID, limit)
}

// Recent implements Journal.
func (l *Log) Recent(ctx context.Context, limit int) ([]*Event, error) {
	return l.store.Recent(ctx, limit)
}

// Subscribe implements Journal.
func (l *Log) Subscribe(ctx context.Context, filter Filter) (<-chan *Event, func()) {
	return l.hub.Subscribe(ctx, filter)
}

// Close shuts down live fan-out. Persisted events remain readable.
func (l *Log) Close() {
	l.hub.Close()
}
