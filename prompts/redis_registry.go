package prompts

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/telemetry"
)

// registryConfig is shared by the Redis and in-memory registries.
type registryConfig struct {
	logger core.Logger
	gate   ActivationGate
}

// RegistryOption configures a registry.
type RegistryOption func(*registryConfig)

// WithLogger sets the registry logger.
func WithLogger(logger core.Logger) RegistryOption {
	return func(c *registryConfig) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			c.logger = cal.WithComponent("aard/prompts")
			return
		}
		c.logger = logger
	}
}

// WithActivationGate requires testing prompts to meet a success threshold
// before Activate promotes them.
func WithActivationGate(gate ActivationGate) RegistryOption {
	return func(c *registryConfig) { c.gate = gate }
}

func newRegistryConfig(opts ...RegistryOption) registryConfig {
	cfg := registryConfig{logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// RedisRegistry persists prompts in Redis:
//
//	prompt:{id}            prompt JSON
//	prompt:name:{name}     ZSET prompt ids by version
//	prompt:version:{name}  INCR version counter
//	prompt:active:{name}   active prompt id
//	prompt:assign:{scope}  ZSET assignment JSON by priority
//
// The version counter makes versions monotonic under concurrent writers;
// the active pointer is swapped with a single SET so readers never see a
// half-promoted prompt. Read-modify-write cycles (metrics, status) are
// serialized by a process-local mutex.
type RedisRegistry struct {
	client *core.RedisClient
	logger core.Logger
	gate   ActivationGate

	mu sync.Mutex
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry creates a Redis-backed prompt registry.
func NewRedisRegistry(client *core.RedisClient, opts ...RegistryOption) (*RedisRegistry, error) {
	if client == nil {
		return nil, &core.Error{Op: "prompts.NewRedisRegistry", Kind: core.KindInvalidRequest, Message: "redis client is required"}
	}
	cfg := newRegistryConfig(opts...)
	return &RedisRegistry{client: client, logger: cfg.logger, gate: cfg.gate}, nil
}

func promptKey(promptID string) string { return "prompt:" + promptID }
func nameKey(name string) string { return "prompt:name:" + name }
func versionKey(name string) string { return "prompt:version:" + name }
func activeKey(name string) string { return "prompt:active:" + name }
func assignKey(scope Scope) string { return "prompt:assign:" + string(scope) }

// CreatePrompt implements Registry.
func (r *RedisRegistry) CreatePrompt(ctx context.Context, p *Prompt) error {
	if err := validateNew(p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(ctx, p)
}

// CreateVersion implements Registry.
func (r *RedisRegistry) CreateVersion(ctx context.Context, name, body string) (*Prompt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	latest, err := r.latestLocked(ctx, name)
	if err != nil {
		return nil, err
	}
	p := &Prompt{
		Name:          name,
		Stage:         latest.Stage,
		ComponentRole: latest.ComponentRole,
		Body:          body,
	}
	if err := validateNew(p); err != nil {
		return nil, err
	}
	if err := r.createLocked(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// createLocked assigns identity and stores the record plus its version
// index entry. Callers hold r.mu.
func (r *RedisRegistry) createLocked(ctx context.Context, p *Prompt) error {
	version, err := r.client.Incr(ctx, versionKey(p.Name))
	if err != nil {
		return fmt.Errorf("failed to assign version: %w", err)
	}
	p.PromptID = uuid.NewString()
	p.Version = int(version)
	p.Status = StatusDraft
	p.Metrics = Metrics{}
	p.CreatedAt = time.Now().UTC()

	if err := r.saveLocked(ctx, p); err != nil {
		return err
	}
	if err := r.client.ZAdd(ctx, nameKey(p.Name), &redis.Z{
		Score:  float64(p.Version),
		Member: p.PromptID,
	}); err != nil {
		return fmt.Errorf("failed to index prompt version: %w", err)
	}

	r.logger.Info("Prompt version created", map[string]interface{}{
		"operation": "prompt_create",
		"name":      p.Name,
		"version":   p.Version,
		"stage":     string(p.Stage),
	})
	return nil
}

func (r *RedisRegistry) saveLocked(ctx context.Context, p *Prompt) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal prompt: %w", err)
	}
	if err := r.client.Set(ctx, promptKey(p.PromptID), data, 0); err != nil {
		return fmt.Errorf("failed to store prompt: %w", err)
	}
	return nil
}

// latestLocked returns the newest version of a name.
func (r *RedisRegistry) latestLocked(ctx context.Context, name string) (*Prompt, error) {
	ids, err := r.client.ZRevRange(ctx, nameKey(name), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read version index: %w", err)
	}
	if len(ids) == 0 {
		return nil, &core.Error{Op: "prompts.CreateVersion", Kind: core.KindPromptNotFound, ID: name, Err: core.ErrPromptNotFound}
	}
	return r.load(ctx, "prompts.CreateVersion", ids[0])
}

func (r *RedisRegistry) load(ctx context.Context, op, promptID string) (*Prompt, error) {
	data, err := r.client.Get(ctx, promptKey(promptID))
	if core.IsNil(err) {
		return nil, &core.Error{Op: op, Kind: core.KindPromptNotFound, ID: promptID, Err: core.ErrPromptNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt: %w", err)
	}
	var p Prompt
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prompt: %w", err)
	}
	return &p, nil
}

// Get implements Registry.
func (r *RedisRegistry) Get(ctx context.Context, promptID string) (*Prompt, error) {
	return r.load(ctx, "prompts.Get", promptID)
}

// GetActive implements Registry.
func (r *RedisRegistry) GetActive(ctx context.Context, name string) (*Prompt, error) {
	id, err := r.client.Get(ctx, activeKey(name))
	if core.IsNil(err) {
		return nil, &core.Error{Op: "prompts.GetActive", Kind: core.KindPromptNotFound, ID: name, Err: core.ErrPromptNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read active pointer: %w", err)
	}
	return r.load(ctx, "prompts.GetActive", id)
}

// MarkTesting implements Registry.
func (r *RedisRegistry) MarkTesting(ctx context.Context, promptID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.load(ctx, "prompts.MarkTesting", promptID)
	if err != nil {
		return err
	}
	if p.Status == StatusTesting {
		return nil
	}
	if p.Status != StatusDraft {
		return &core.Error{Op: "prompts.MarkTesting", Kind: core.KindInvalidRequest, ID: promptID, Message: "only draft prompts can enter testing"}
	}
	p.Status = StatusTesting
	return r.saveLocked(ctx, p)
}

// Activate implements Registry. The new prompt is written with active
// status before the pointer swap, and the previous active version is
// demoted after, so GetActive always resolves to a fully active prompt.
func (r *RedisRegistry) Activate(ctx context.Context, promptID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.load(ctx, "prompts.Activate", promptID)
	if err != nil {
		return err
	}
	if p.Status == StatusActive {
		return nil
	}
	if p.Status == StatusDeprecated {
		return &core.Error{Op: "prompts.Activate", Kind: core.KindInvalidRequest, ID: promptID, Message: "deprecated prompt cannot be activated"}
	}
	if err := r.checkGate(p); err != nil {
		return err
	}

	prevID, err := r.client.Get(ctx, activeKey(p.Name))
	if err != nil && !core.IsNil(err) {
		return fmt.Errorf("failed to read active pointer: %w", err)
	}

	p.Status = StatusActive
	if err := r.saveLocked(ctx, p); err != nil {
		return err
	}
	if err := r.client.Set(ctx, activeKey(p.Name), p.PromptID, 0); err != nil {
		return fmt.Errorf("failed to swap active pointer: %w", err)
	}

	if prevID != "" && prevID != promptID {
		prev, err := r.load(ctx, "prompts.Activate", prevID)
		if err == nil {
			prev.Status = StatusDeprecated
			if err := r.saveLocked(ctx, prev); err != nil {
				r.logger.Warn("Failed to demote previous active prompt", map[string]interface{}{
					"operation": "prompt_activate",
					"name":      p.Name,
					"prev_id":   prevID,
					"error":     err.Error(),
				})
			}
		}
	}

	r.logger.Info("Prompt activated", map[string]interface{}{
		"operation": "prompt_activate",
		"name":      p.Name,
		"version":   p.Version,
	})
	telemetry.Counter("aard.prompts.activations", "name", p.Name)
	return nil
}

// checkGate enforces the activation gate for testing prompts.
func (r *RedisRegistry) checkGate(p *Prompt) error {
	if p.Status != StatusTesting || r.gate.MinSuccessRate <= 0 {
		return nil
	}
	if p.Metrics.UsageCount < r.gate.MinSamples || p.Metrics.SuccessRate < r.gate.MinSuccessRate {
		return &core.Error{
			Op:      "prompts.Activate",
			Kind:    core.KindValidationFailed,
			ID:      p.PromptID,
			Message: fmt.Sprintf("activation gate not met: success_rate %.2f over %d uses, need %.2f over %d", p.Metrics.SuccessRate, p.Metrics.UsageCount, r.gate.MinSuccessRate, r.gate.MinSamples),
		}
	}
	return nil
}

// Deprecate implements Registry. Deprecating the active version clears
// the active pointer.
func (r *RedisRegistry) Deprecate(ctx context.Context, promptID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.load(ctx, "prompts.Deprecate", promptID)
	if err != nil {
		return err
	}
	if p.Status == StatusDeprecated {
		return nil
	}
	p.Status = StatusDeprecated
	if err := r.saveLocked(ctx, p); err != nil {
		return err
	}

	activeID, err := r.client.Get(ctx, activeKey(p.Name))
	if err == nil && activeID == promptID {
		if err := r.client.Del(ctx, activeKey(p.Name)); err != nil {
			r.logger.Warn("Failed to clear active pointer", map[string]interface{}{
				"operation": "prompt_deprecate",
				"name":      p.Name,
				"error":     err.Error(),
			})
		}
	}

	r.logger.Info("Prompt deprecated", map[string]interface{}{
		"operation": "prompt_deprecate",
		"name":      p.Name,
		"version":   p.Version,
	})
	return nil
}

// RecordUsage implements Registry.
func (r *RedisRegistry) RecordUsage(ctx context.Context, promptID string, success bool, latencyMs float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.load(ctx, "prompts.RecordUsage", promptID)
	if err != nil {
		return err
	}
	p.Metrics.applyUsage(success, latencyMs)
	if err := r.saveLocked(ctx, p); err != nil {
		return err
	}

	status := "failure"
	if success {
		status = "success"
	}
	telemetry.Counter("aard.prompts.usage", "name", p.Name, "status", status)
	telemetry.Histogram("aard.prompts.latency_ms", latencyMs, "name", p.Name)
	return nil
}

// Assign implements Registry.
func (r *RedisRegistry) Assign(ctx context.Context, a *Assignment) error {
	if err := validateAssignment(a); err != nil {
		return err
	}
	a.AssignmentID = uuid.NewString()
	a.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal assignment: %w", err)
	}
	if err := r.client.ZAdd(ctx, assignKey(a.Scope), &redis.Z{
		Score:  float64(a.Priority),
		Member: string(data),
	}); err != nil {
		return fmt.Errorf("failed to store assignment: %w", err)
	}

	r.logger.Info("Prompt assigned", map[string]interface{}{
		"operation": "prompt_assign",
		"scope":     string(a.Scope),
		"stage":     string(a.Stage),
		"role":      a.ComponentRole,
		"prompt_id": a.PromptID,
		"priority":  a.Priority,
	})
	return nil
}

// Unassign implements Registry.
func (r *RedisRegistry) Unassign(ctx context.Context, scope Scope, assignmentID string) error {
	members, err := r.client.ZRevRange(ctx, assignKey(scope), 0, -1)
	if err != nil {
		return fmt.Errorf("failed to read assignments: %w", err)
	}
	for _, m := range members {
		var a Assignment
		if err := json.Unmarshal([]byte(m), &a); err != nil {
			continue
		}
		if a.AssignmentID == assignmentID {
			if err := r.client.ZRem(ctx, assignKey(scope), m); err != nil {
				return fmt.Errorf("failed to remove assignment: %w", err)
			}
			return nil
		}
	}
	return &core.Error{Op: "prompts.Unassign", Kind: core.KindInvalidRequest, ID: assignmentID, Message: "assignment not found in scope"}
}

// Assignments implements Registry.
func (r *RedisRegistry) Assignments(ctx context.Context, scope Scope) ([]*Assignment, error) {
	members, err := r.client.ZRevRange(ctx, assignKey(scope), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to read assignments: %w", err)
	}
	out := make([]*Assignment, 0, len(members))
	for _, m := range members {
		var a Assignment
		if err := json.Unmarshal([]byte(m), &a); err != nil {
			r.logger.Warn("Skipping unreadable assignment", map[string]interface{}{
				"operation": "prompt_assignments",
				"scope":     string(scope),
				"error":     err.Error(),
			})
			continue
		}
		out = append(out, &a)
	}
	sortAssignments(out)
	return out, nil
}

// sortAssignments orders by priority descending, oldest first on ties.
func sortAssignments(list []*Assignment) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
