// Package governor meters every externally costly operation: model calls,
// tool dispatch, execution time, memory grants, and task concurrency.
// Callers ask for admission before spending and receive cooperative
// timeout contexts for the work itself. Denials carry the specific
// resource so journal events and API responses can name what ran out.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aard-labs/aard/core"
)

// Resource identifies a metered resource type.
type Resource string

const (
	ResourceLLMRequests     Resource = "llm_requests"
	ResourceLLMTokens       Resource = "llm_tokens"
	ResourceToolCalls       Resource = "tool_calls"
	ResourceExecutionTime   Resource = "execution_time_s"
	ResourceMemoryMB        Resource = "memory_mb"
	ResourceConcurrentTasks Resource = "concurrent_tasks"
)

// Resources is the closed set of metered resource types.
var Resources = []Resource{
	ResourceLLMRequests,
	ResourceLLMTokens,
	ResourceToolCalls,
	ResourceExecutionTime,
	ResourceMemoryMB,
	ResourceConcurrentTasks,
}

// ValidResource reports whether r is in the metered set.
func ValidResource(r Resource) bool {
	for _, v := range Resources {
		if v == r {
			return true
		}
	}
	return false
}

// Period is a quota accounting window.
type Period string

const (
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
	PeriodTotal  Period = "total"
)

// Periods in checking order, shortest window first.
var Periods = []Period{PeriodMinute, PeriodHour, PeriodDay, PeriodTotal}

// TimeoutClass selects which configured wall-clock bound applies.
type TimeoutClass string

const (
	TimeoutLLM     TimeoutClass = "llm"
	TimeoutStep    TimeoutClass = "step"
	TimeoutPlan    TimeoutClass = "plan"
	TimeoutTotal   TimeoutClass = "total"
	TimeoutSandbox TimeoutClass = "sandbox"
)

// Usage reports consumption against limits for one resource. A zero
// limit means the period is unlimited and its used count may be absent.
type Usage struct {
	Resource Resource         `json:"resource"`
	Used     map[Period]int64 `json:"used"`
	Limits   map[Period]int64 `json:"limits"`
}

// Governor admits, meters, and bounds costly operations.
type Governor interface {
	// Admit reserves n units of a resource, checking every limited
	// period. Denial is kind quota_exceeded and names the resource.
	Admit(ctx context.Context, resource Resource, n int64) error

	// Release returns n previously admitted units (used when an estimate
	// overshot or the operation never ran).
	Release(ctx context.Context, resource Resource, n int64) error

	// Usage reports current consumption for a resource.
	Usage(ctx context.Context, resource Resource) (*Usage, error)

	// WithTimeout derives a cooperative-cancel context for the class. An
	// earlier deadline already on ctx wins: a step context never
	// outlives its plan.
	WithTimeout(ctx context.Context, class TimeoutClass) (context.Context, context.CancelFunc)

	// AcquireSlot claims a concurrent task slot, blocking until one
	// frees or ctx ends. The returned func releases the slot and is safe
	// to call more than once.
	AcquireSlot(ctx context.Context) (func(), error)
}

// ReasonCode is the journal reason code for a denial of the resource.
func ReasonCode(resource Resource) string {
	return "quota_exceeded_" + string(resource)
}

// deniedError builds the standard quota denial.
func deniedError(op string, resource Resource, period Period, n, used, limit int64) error {
	return &core.Error{
		Op:   op,
		Kind: core.KindQuotaExceeded,
		ID:   string(resource),
		Message: fmt.Sprintf("%s quota exceeded: %d requested, %d/%d used this %s",
			resource, n, used, limit, period),
		Err: core.ErrQuotaExceeded,
	}
}

func validateAdmit(op string, resource Resource, n int64) error {
	if !ValidResource(resource) {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: string(resource), Message: "unknown resource"}
	}
	if n < 0 {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: string(resource), Message: "negative amount"}
	}
	return nil
}

// bucket returns the accounting bucket id for a period at time now.
func bucket(period Period, now time.Time) string {
	switch period {
	case PeriodMinute:
		return now.UTC().Format("200601021504")
	case PeriodHour:
		return now.UTC().Format("2006010215")
	case PeriodDay:
		return now.UTC().Format("20060102")
	default:
		return "total"
	}
}

// bucketTTL is how long a period's counter key lives. Generous so a
// clock-skewed reader still sees the closing window.
func bucketTTL(period Period) time.Duration {
	switch period {
	case PeriodMinute:
		return 2 * time.Minute
	case PeriodHour:
		return 2 * time.Hour
	case PeriodDay:
		return 48 * time.Hour
	default:
		return 0
	}
}

// timeoutFor maps a class to its configured duration.
func timeoutFor(cfg *core.Config, class TimeoutClass) time.Duration {
	switch class {
	case TimeoutLLM:
		return cfg.LLM.Timeout()
	case TimeoutStep:
		return cfg.Step.Timeout()
	case TimeoutPlan:
		return cfg.Plan.Timeout()
	case TimeoutTotal:
		return cfg.Plan.TotalTimeout()
	case TimeoutSandbox:
		return time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second
	default:
		return 0
	}
}

// withTimeout applies the class bound. The stdlib keeps the earlier of
// the parent and derived deadlines, which is exactly the plan-supersedes-
// step rule.
func withTimeout(ctx context.Context, cfg *core.Config, class TimeoutClass) (context.Context, context.CancelFunc) {
	d := timeoutFor(cfg, class)
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// slots is a channel semaphore for concurrent task slots. A zero
// capacity means unlimited.
type slots struct {
	ch chan struct{}
}

func newSlots(limit int64) *slots {
	if limit <= 0 {
		return &slots{}
	}
	return &slots{ch: make(chan struct{}, limit)}
}

func (s *slots) acquire(ctx context.Context) (func(), error) {
	if s.ch == nil {
		return func() {}, nil
	}
	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s.ch }) }, nil
	case <-ctx.Done():
		return nil, &core.Error{Op: "governor.AcquireSlot", Kind: core.KindCancelled, ID: string(ResourceConcurrentTasks), Err: ctx.Err()}
	}
}

func (s *slots) used() int64 {
	if s.ch == nil {
		return 0
	}
	return int64(len(s.ch))
}

func (s *slots) limit() int64 {
	if s.ch == nil {
		return 0
	}
	return int64(cap(s.ch))
}
