package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/telemetry"
)

// CircuitState represents the breaker state.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen rejects all requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows a limited number of probe requests.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a breaker instance.
type CircuitBreakerConfig struct {
	// Name identifies the protected target in logs and metrics,
	// typically a normalized server URL.
	Name string
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	// HalfOpenMax bounds concurrent probes while half-open.
	HalfOpenMax int
	// Logger is optional.
	Logger core.Logger
}

// CircuitBreaker fails fast against a downstream that keeps erroring.
// One breaker guards one target; the gateway holds one per model server.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	cooldown         time.Duration
	halfOpenMax      int
	logger           core.Logger

	mu           sync.Mutex
	state        CircuitState
	failures     int
	successes    int64
	rejects      int64
	openedAt     time.Time
	halfOpenBusy int
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &CircuitBreaker{
		name:             config.Name,
		failureThreshold: config.FailureThreshold,
		cooldown:         config.Cooldown,
		halfOpenMax:      config.HalfOpenMax,
		logger:           logger,
		state:            StateClosed,
	}
}

// CanExecute reports whether a request may proceed, transitioning
// open -> half-open once the cooldown has elapsed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.cooldown {
			cb.transition(StateHalfOpen)
			cb.halfOpenBusy = 1
			return true
		}
		cb.rejects++
		return false
	case StateHalfOpen:
		if cb.halfOpenBusy < cb.halfOpenMax {
			cb.halfOpenBusy++
			return true
		}
		cb.rejects++
		return false
	default:
		return false
	}
}

// RecordSuccess closes the circuit from half-open and resets the failure
// count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.halfOpenBusy = 0
		cb.transition(StateClosed)
	}
}

// RecordFailure counts a failure, opening the circuit at the threshold.
// A half-open probe failure reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenBusy = 0
		cb.openedAt = time.Now()
		cb.transition(StateOpen)
	case StateClosed:
		if cb.failures >= cb.failureThreshold {
			cb.openedAt = time.Now()
			cb.transition(StateOpen)
		}
	}
}

// Execute runs fn with breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.CanExecute() {
		return core.ErrCircuitBreakerOpen
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// GetState returns the current state as a string.
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// GetMetrics returns counters for monitoring.
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"name":      cb.name,
		"state":     cb.state.String(),
		"failures":  cb.failures,
		"successes": cb.successes,
		"rejects":   cb.rejects,
	}
}

// Reset forces the breaker back to closed and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.halfOpenBusy = 0
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}

// transition logs and records the state change. Callers hold cb.mu.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.logger.Info("Circuit breaker state change", map[string]interface{}{
		"operation": "circuit_transition",
		"name":      cb.name,
		"from":      from.String(),
		"to":        to.String(),
		"failures":  cb.failures,
	})
	telemetry.Counter("aard.circuit.transitions",
		"name", cb.name, "from", from.String(), "to", to.String())
}
