package core

import "context"

// RuntimeContext identifies the workflow a piece of work belongs to. It is
// created by the pipeline when a request arrives and travels on the
// context.Context through every suspension point (model calls, tool calls,
// memory reads, approval waits), so that journal entries, quota charges,
// and log lines correlate without components holding references to each
// other.
//
// Heavy handles (journal, registries, governor) are not carried here; they
// are process-wide singletons injected at construction. RuntimeContext is
// plain data and safe to copy.
type RuntimeContext struct {
	WorkflowID    string            `json:"workflow_id"`
	SessionID     string            `json:"session_id"`
	UserID        string            `json:"user_id,omitempty"`
	AutonomyLevel int               `json:"autonomy_level"`
	TaskType      string            `json:"task_type,omitempty"`
	ModelRef      string            `json:"model_ref,omitempty"`
	ServerRef     string            `json:"server_ref,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
}

type runtimeContextKey struct{}

// WithRuntime attaches a RuntimeContext to ctx.
func WithRuntime(ctx context.Context, rc *RuntimeContext) context.Context {
	if rc == nil {
		return ctx
	}
	return context.WithValue(ctx, runtimeContextKey{}, rc)
}

// RuntimeFrom extracts the RuntimeContext from ctx, if present.
func RuntimeFrom(ctx context.Context) (*RuntimeContext, bool) {
	rc, ok := ctx.Value(runtimeContextKey{}).(*RuntimeContext)
	return rc, ok
}

// WorkflowIDFrom returns the workflow id on ctx, or "" when absent.
// Loggers use it for correlation without importing the pipeline.
func WorkflowIDFrom(ctx context.Context) string {
	if rc, ok := RuntimeFrom(ctx); ok {
		return rc.WorkflowID
	}
	return ""
}

// SessionIDFrom returns the session id on ctx, or "" when absent.
func SessionIDFrom(ctx context.Context) string {
	if rc, ok := RuntimeFrom(ctx); ok {
		return rc.SessionID
	}
	return ""
}
