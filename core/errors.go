package core

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure. Kinds are stable API: they appear in
// journal events as reason codes and drive the executor's replan decision.
type Kind string

const (
	KindInvalidRequest     Kind = "invalid_request"
	KindInvalidTransition  Kind = "invalid_transition"
	KindPromptNotFound     Kind = "prompt_not_found"
	KindModelUnavailable   Kind = "model_unavailable"
	KindModelTimeout       Kind = "model_timeout"
	KindToolDenied         Kind = "tool_denied"
	KindSandboxViolation   Kind = "sandbox_violation"
	KindValidationFailed   Kind = "validation_failed"
	KindDependencyNotReady Kind = "dependency_not_ready"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindApprovalRejected   Kind = "approval_rejected"
	KindApprovalTimeout    Kind = "approval_timeout"
	KindCheckpointCorrupt  Kind = "checkpoint_corrupt"
	KindCancelled          Kind = "cancelled"
	KindInternal           Kind = "internal"
)

// Category groups failures by where responsibility lies.
type Category string

const (
	CategoryEnvironment Category = "environment"
	CategoryDependency  Category = "dependency"
	CategoryValidation  Category = "validation"
	CategoryLogic       Category = "logic"
	CategoryTimeout     Category = "timeout"
	CategoryResource    Category = "resource"
	CategoryUnknown     Category = "unknown"
)

// Severity ranks how aggressively the pipeline should react.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities for threshold comparisons; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// classification is the default (category, severity) pair per kind. The step
// executor's pattern table may upgrade or downgrade individual matches.
var classification = map[Kind]struct {
	Category Category
	Severity Severity
}{
	KindInvalidRequest:     {CategoryValidation, SeverityLow},
	KindInvalidTransition:  {CategoryLogic, SeverityMedium},
	KindPromptNotFound:     {CategoryValidation, SeverityHigh},
	KindModelUnavailable:   {CategoryEnvironment, SeverityHigh},
	KindModelTimeout:       {CategoryTimeout, SeverityHigh},
	KindToolDenied:         {CategoryDependency, SeverityMedium},
	KindSandboxViolation:   {CategoryResource, SeverityCritical},
	KindValidationFailed:   {CategoryValidation, SeverityMedium},
	KindDependencyNotReady: {CategoryDependency, SeverityHigh},
	KindQuotaExceeded:      {CategoryResource, SeverityHigh},
	KindApprovalRejected:   {CategoryLogic, SeverityLow},
	KindApprovalTimeout:    {CategoryTimeout, SeverityLow},
	KindCheckpointCorrupt:  {CategoryLogic, SeverityCritical},
	KindCancelled:          {CategoryLogic, SeverityLow},
	KindInternal:           {CategoryUnknown, SeverityHigh},
}

// Classify returns the default category and severity for a kind.
func Classify(kind Kind) (Category, Severity) {
	if c, ok := classification[kind]; ok {
		return c.Category, c.Severity
	}
	return CategoryUnknown, SeverityHigh
}

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrPlanNotFound       = errors.New("plan not found")
	ErrPlanNotReady       = errors.New("plan not ready for execution")
	ErrPromptNotFound     = errors.New("prompt not found")
	ErrCapabilityNotFound = errors.New("capability not found")
	ErrApprovalNotFound   = errors.New("approval request not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrEventNotFound      = errors.New("event not found")
	ErrSessionNotFound    = errors.New("session not found")

	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyTerminal   = errors.New("workflow already terminal")

	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	ErrTimeout            = errors.New("operation timeout")
	ErrCancelled          = errors.New("operation cancelled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrQuotaExceeded      = errors.New("quota exceeded")

	ErrConnectionFailed   = errors.New("connection failed")
	ErrRequestFailed      = errors.New("request failed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// Error provides structured error information with context.
// It implements the error interface and supports error wrapping.
type Error struct {
	Op      string // Operation that failed (e.g., "journal.Append")
	Kind    Kind   // Error kind from the taxonomy
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *Error) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured Error
func NewError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the taxonomy kind from an error chain. Untyped errors
// report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrPromptNotFound):
		return KindPromptNotFound
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrCircuitBreakerOpen):
		return KindModelUnavailable
	case errors.Is(err, ErrTimeout):
		return KindModelTimeout
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrPlanNotReady):
		return KindValidationFailed
	}
	return KindInternal
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		KindOf(err) == KindModelUnavailable
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrPromptNotFound) ||
		errors.Is(err, ErrCapabilityNotFound) ||
		errors.Is(err, ErrApprovalNotFound) ||
		errors.Is(err, ErrCheckpointNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}

// IsQuota checks if an error is a quota denial
func IsQuota(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) || KindOf(err) == KindQuotaExceeded
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
