package core

import "context"

// Logger interface - structured logging with optional context correlation
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	// Context-aware variants extract correlation fields (trace id,
	// workflow id) from the context before emitting.
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger is implemented by loggers that can segregate output
// by component. Constructors check for it when a logger is injected:
//
//	if cal, ok := logger.(ComponentAwareLogger); ok {
//	    l = cal.WithComponent("aard/journal")
//	}
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Telemetry is the span and metric emission seam. The telemetry package
// provides the OTel-backed implementation; embedders can supply their own
// without importing OTel.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span is one unit of traced work.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// NoOpLogger discards everything. It is the default in constructors so
// components never have to nil-check their logger.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (n *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
