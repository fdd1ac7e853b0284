package prompts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aard-labs/aard/core"
)

// MemoryRegistry is the in-memory Registry used by tests and dev mode.
// It mirrors RedisRegistry semantics: monotonic versions per name, one
// active pointer per name, assignments ordered by priority.
type MemoryRegistry struct {
	mu          sync.RWMutex
	logger      core.Logger
	gate        ActivationGate
	prompts     map[string]*Prompt
	nextVersion map[string]int
	versions    map[string][]string
	active      map[string]string
	assignments map[Scope][]*Assignment
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry(opts ...RegistryOption) *MemoryRegistry {
	cfg := newRegistryConfig(opts...)
	return &MemoryRegistry{
		logger:      cfg.logger,
		gate:        cfg.gate,
		prompts:     make(map[string]*Prompt),
		nextVersion: make(map[string]int),
		versions:    make(map[string][]string),
		active:      make(map[string]string),
		assignments: make(map[Scope][]*Assignment),
	}
}

// CreatePrompt implements Registry.
func (m *MemoryRegistry) CreatePrompt(ctx context.Context, p *Prompt) error {
	if err := validateNew(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createLocked(p)
	return nil
}

// CreateVersion implements Registry.
func (m *MemoryRegistry) CreateVersion(ctx context.Context, name, body string) (*Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.versions[name]
	if len(ids) == 0 {
		return nil, &core.Error{Op: "prompts.CreateVersion", Kind: core.KindPromptNotFound, ID: name, Err: core.ErrPromptNotFound}
	}
	latest := m.prompts[ids[len(ids)-1]]
	p := &Prompt{
		Name:          name,
		Stage:         latest.Stage,
		ComponentRole: latest.ComponentRole,
		Body:          body,
	}
	if err := validateNew(p); err != nil {
		return nil, err
	}
	m.createLocked(p)
	cp := *p
	return &cp, nil
}

func (m *MemoryRegistry) createLocked(p *Prompt) {
	m.nextVersion[p.Name]++
	p.PromptID = uuid.NewString()
	p.Version = m.nextVersion[p.Name]
	p.Status = StatusDraft
	p.Metrics = Metrics{}
	p.CreatedAt = time.Now().UTC()

	stored := *p
	m.prompts[p.PromptID] = &stored
	m.versions[p.Name] = append(m.versions[p.Name], p.PromptID)
}

func (m *MemoryRegistry) getLocked(op, promptID string) (*Prompt, error) {
	p, ok := m.prompts[promptID]
	if !ok {
		return nil, &core.Error{Op: op, Kind: core.KindPromptNotFound, ID: promptID, Err: core.ErrPromptNotFound}
	}
	return p, nil
}

// Get implements Registry.
func (m *MemoryRegistry) Get(ctx context.Context, promptID string) (*Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.getLocked("prompts.Get", promptID)
	if err != nil {
		return nil, err
	}
	cp := *p
	return &cp, nil
}

// GetActive implements Registry.
func (m *MemoryRegistry) GetActive(ctx context.Context, name string) (*Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active[name]
	if !ok {
		return nil, &core.Error{Op: "prompts.GetActive", Kind: core.KindPromptNotFound, ID: name, Err: core.ErrPromptNotFound}
	}
	p, err := m.getLocked("prompts.GetActive", id)
	if err != nil {
		return nil, err
	}
	cp := *p
	return &cp, nil
}

// MarkTesting implements Registry.
func (m *MemoryRegistry) MarkTesting(ctx context.Context, promptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.getLocked("prompts.MarkTesting", promptID)
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
	return nil
}

// Activate implements Registry.
func (m *MemoryRegistry) Activate(ctx context.Context, promptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.getLocked("prompts.Activate", promptID)
	if err != nil {
		return err
	}
	if p.Status == StatusActive {
		return nil
	}
	if p.Status == StatusDeprecated {
		return &core.Error{Op: "prompts.Activate", Kind: core.KindInvalidRequest, ID: promptID, Message: "deprecated prompt cannot be activated"}
	}
	if p.Status == StatusTesting && m.gate.MinSuccessRate > 0 {
		if p.Metrics.UsageCount < m.gate.MinSamples || p.Metrics.SuccessRate < m.gate.MinSuccessRate {
			return &core.Error{
				Op:      "prompts.Activate",
				Kind:    core.KindValidationFailed,
				ID:      promptID,
				Message: fmt.Sprintf("activation gate not met: success_rate %.2f over %d uses, need %.2f over %d", p.Metrics.SuccessRate, p.Metrics.UsageCount, m.gate.MinSuccessRate, m.gate.MinSamples),
			}
		}
	}

	if prevID, ok := m.active[p.Name]; ok && prevID != promptID {
		if prev, ok := m.prompts[prevID]; ok {
			prev.Status = StatusDeprecated
		}
	}
	p.Status = StatusActive
	m.active[p.Name] = promptID
	return nil
}

// Deprecate implements Registry.
func (m *MemoryRegistry) Deprecate(ctx context.Context, promptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.getLocked("prompts.Deprecate", promptID)
	if err != nil {
		return err
	}
	p.Status = StatusDeprecated
	if m.active[p.Name] == promptID {
		delete(m.active, p.Name)
	}
	return nil
}

// RecordUsage implements Registry.
func (m *MemoryRegistry) RecordUsage(ctx context.Context, promptID string, success bool, latencyMs float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.getLocked("prompts.RecordUsage", promptID)
	if err != nil {
		return err
	}
	p.Metrics.applyUsage(success, latencyMs)
	return nil
}

// Assign implements Registry.
func (m *MemoryRegistry) Assign(ctx context.Context, a *Assignment) error {
	if err := validateAssignment(a); err != nil {
		return err
	}
	a.AssignmentID = uuid.NewString()
	a.CreatedAt = time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *a
	m.assignments[a.Scope] = append(m.assignments[a.Scope], &stored)
	sortAssignments(m.assignments[a.Scope])
	return nil
}

// Unassign implements Registry.
func (m *MemoryRegistry) Unassign(ctx context.Context, scope Scope, assignmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.assignments[scope]
	for i, a := range list {
		if a.AssignmentID == assignmentID {
			m.assignments[scope] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return &core.Error{Op: "prompts.Unassign", Kind: core.KindInvalidRequest, ID: assignmentID, Message: "assignment not found in scope"}
}

// Assignments implements Registry.
func (m *MemoryRegistry) Assignments(ctx context.Context, scope Scope) ([]*Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.assignments[scope]
	out := make([]*Assignment, 0, len(list))
	for _, a := range list {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}
