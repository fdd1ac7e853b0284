package capability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aard-labs/aard/core"
)

// MemoryRegistry is the in-memory Registry used by tests and dev mode.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]*Record)}
}

func copyRecord(rec *Record) *Record {
	cp := *rec
	cp.Capabilities = append([]string(nil), rec.Capabilities...)
	cp.Models = append([]string(nil), rec.Models...)
	cp.AllowedAgents = append([]string(nil), rec.AllowedAgents...)
	cp.ForbiddenAgents = append([]string(nil), rec.ForbiddenAgents...)
	return &cp
}

// Register implements Registry.
func (m *MemoryRegistry) Register(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var prev *Record
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	} else {
		prev = m.records[rec.ID]
	}

	if prev != nil {
		rec.Metrics = prev.Metrics
		rec.TrustScore = prev.TrustScore
		rec.Health = prev.Health
		rec.ConsecutiveFails = prev.ConsecutiveFails
		rec.LastHealthCheck = prev.LastHealthCheck
		rec.RegisteredAt = prev.RegisteredAt
	} else {
		rec.Health = HealthUnknown
		rec.TrustScore = 0.5
		rec.RegisteredAt = now
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	rec.UpdatedAt = now

	m.records[rec.ID] = copyRecord(rec)
	return nil
}

// Deactivate implements Registry.
func (m *MemoryRegistry) Deactivate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return notFound("capability.Deactivate", id)
	}
	rec.Status = StatusPaused
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Get implements Registry.
func (m *MemoryRegistry) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, notFound("capability.Get", id)
	}
	return copyRecord(rec), nil
}

// List implements Registry.
func (m *MemoryRegistry) List(ctx context.Context, f Filter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		if f.Matches(rec) {
			records = append(records, copyRecord(rec))
		}
	}
	sortRecords(records)
	return records, nil
}

// RecordExecution implements Registry.
func (m *MemoryRegistry) RecordExecution(ctx context.Context, id string, success bool, latencyMs float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return notFound("capability.RecordExecution", id)
	}
	rec.applyExecution(success, latencyMs)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateHealth implements Registry.
func (m *MemoryRegistry) UpdateHealth(ctx context.Context, id string, health Health, consecutiveFails int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return notFound("capability.UpdateHealth", id)
	}
	rec.Health = health
	rec.ConsecutiveFails = consecutiveFails
	rec.LastHealthCheck = time.Now().UTC()
	rec.UpdatedAt = rec.LastHealthCheck
	return nil
}

// CanUse implements Registry.
func (m *MemoryRegistry) CanUse(ctx context.Context, agentID, toolID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[toolID]
	if !ok {
		return false, notFound("capability.CanUse", toolID)
	}
	if rec.Type != TypeTool {
		return false, &core.Error{Op: "capability.CanUse", Kind: core.KindInvalidRequest, ID: toolID, Message: "access rules apply to tools"}
	}
	return rec.canUse(agentID), nil
}
