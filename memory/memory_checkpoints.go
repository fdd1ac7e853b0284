package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aard-labs/aard/core"
)

// MemoryCheckpointStore is the in-memory CheckpointStore used by tests
// and dev mode.
type MemoryCheckpointStore struct {
	mu       sync.RWMutex
	records  map[string]*Checkpoint
	byEntity map[string][]string
}

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)

// NewMemoryCheckpointStore creates an in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		records:  make(map[string]*Checkpoint),
		byEntity: make(map[string][]string),
	}
}

// Create implements CheckpointStore.
func (s *MemoryCheckpointStore) Create(ctx context.Context, entityType, entityID string, snapshot interface{}, reason string) (*Checkpoint, error) {
	if err := validateEntity("memory.Create", entityType, entityID); err != nil {
		return nil, err
	}
	data, hash, err := encodeSnapshot("memory.Create", snapshot)
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		CheckpointID:  uuid.New().String(),
		EntityType:    entityType,
		EntityID:      entityID,
		StateSnapshot: data,
		StateHash:     hash,
		Reason:        reason,
		CreatedAt:     time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entity := entityType + "/" + entityID
	s.records[cp.CheckpointID] = cp
	s.byEntity[entity] = append(s.byEntity[entity], cp.CheckpointID)

	out := *cp
	return &out, nil
}

// Latest implements CheckpointStore.
func (s *MemoryCheckpointStore) Latest(ctx context.Context, entityType, entityID string) (*Checkpoint, error) {
	if err := validateEntity("memory.Latest", entityType, entityID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byEntity[entityType+"/"+entityID]
	if len(ids) == 0 {
		return nil, notFound("memory.Latest", entityType+"/"+entityID)
	}
	out := *s.records[ids[len(ids)-1]]
	return &out, nil
}

// Restore implements CheckpointStore.
func (s *MemoryCheckpointStore) Restore(ctx context.Context, checkpointID string, into interface{}) (*Checkpoint, error) {
	s.mu.RLock()
	cp, ok := s.records[checkpointID]
	if ok {
		c := *cp
		cp = &c
	}
	s.mu.RUnlock()
	if !ok {
		return nil, notFound("memory.Restore", checkpointID)
	}
	if err := cp.Verify(); err != nil {
		return nil, err
	}
	if into != nil {
		if err := json.Unmarshal(cp.StateSnapshot, into); err != nil {
			return nil, &core.Error{Op: "memory.Restore", Kind: core.KindCheckpointCorrupt, ID: checkpointID, Message: "snapshot does not fit target", Err: err}
		}
	}
	return cp, nil
}

// List implements CheckpointStore.
func (s *MemoryCheckpointStore) List(ctx context.Context, entityType, entityID string, limit int) ([]*Checkpoint, error) {
	if err := validateEntity("memory.List", entityType, entityID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byEntity[entityType+"/"+entityID]
	out := make([]*Checkpoint, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		cp := *s.records[ids[i]]
		out = append(out, &cp)
	}
	return out, nil
}
