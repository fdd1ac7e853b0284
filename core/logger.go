package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProductionLogger is the default Logger implementation. It writes one line
// per entry to stdout: JSON in cluster environments (for log aggregation),
// key=value text for local development. It implements ComponentAwareLogger
// so injected copies can be segregated per component.
type ProductionLogger struct {
	mu        sync.Mutex
	level     string
	format    string
	service   string
	component string
	output    io.Writer
}

// LoggerOptions configures a ProductionLogger.
type LoggerOptions struct {
	// Level is the minimum level emitted: DEBUG, INFO, WARN, ERROR.
	Level string
	// Format is "json" or "text". Empty auto-detects: JSON when running
	// in Kubernetes, text otherwise.
	Format string
	// Service names the emitting process in every entry.
	Service string
	// Output defaults to os.Stdout.
	Output io.Writer
}

// NewProductionLogger creates a logger with the given options.
func NewProductionLogger(opts LoggerOptions) *ProductionLogger {
	level := strings.ToUpper(opts.Level)
	if level == "" {
		level = "INFO"
	}
	format := opts.Format
	if format == "" {
		format = "text"
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		}
	}
	output := opts.Output
	if output == nil {
		output = os.Stdout
	}
	return &ProductionLogger{
		level:   level,
		format:  format,
		service: opts.Service,
		output:  output,
	}
}

// WithComponent returns a copy of the logger that stamps every entry with
// the component name.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{
		level:     l.level,
		format:    l.format,
		service:   l.service,
		component: component,
		output:    l.output,
	}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) { l.log("INFO", msg, fields) }
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) { l.log("ERROR", msg, fields) }
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) { l.log("WARN", msg, fields) }
func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) { l.log("DEBUG", msg, fields) }

func (l *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("INFO", msg, l.withCorrelation(ctx, fields))
}

func (l *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, l.withCorrelation(ctx, fields))
}

func (l *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("WARN", msg, l.withCorrelation(ctx, fields))
}

func (l *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("DEBUG", msg, l.withCorrelation(ctx, fields))
}

// withCorrelation copies fields and adds workflow/session correlation from
// the context when present. The input map is never mutated.
func (l *ProductionLogger) withCorrelation(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	rc, ok := RuntimeFrom(ctx)
	if !ok {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	if rc.WorkflowID != "" {
		out["workflow_id"] = rc.WorkflowID
	}
	if rc.SessionID != "" {
		out["session_id"] = rc.SessionID
	}
	return out
}

var levelRank = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	if levelRank[level] < levelRank[l.level] {
		return
	}
	timestamp := time.Now().UTC().Format(time.RFC3339)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *ProductionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"message":   msg,
	}
	if l.service != "" {
		entry["service"] = l.service
	}
	if l.component != "" {
		entry["component"] = l.component
	}
	for k, v := range fields {
		if _, reserved := entry[k]; !reserved {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *ProductionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s", timestamp, level)
	if l.component != "" {
		fmt.Fprintf(&b, " [%s]", l.component)
	}
	fmt.Fprintf(&b, " %s", msg)

	// Deterministic field order keeps local output scannable.
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fields[k]
		if s, ok := v.(string); ok && strings.ContainsAny(s, " \t") {
			fmt.Fprintf(&b, " %s=%q", k, s)
		} else {
			fmt.Fprintf(&b, " %s=%v", k, v)
		}
	}
	fmt.Fprintln(l.output, b.String())
}
