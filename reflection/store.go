package reflection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aard-labs/aard/core"
)

// MemoryBiasStore is the in-memory Store.
type MemoryBiasStore struct {
	mu      sync.Mutex
	biases  map[string][]byte
	byScope map[string][]string
}

var _ Store = (*MemoryBiasStore)(nil)

// NewMemoryBiasStore creates an in-memory bias store.
func NewMemoryBiasStore() *MemoryBiasStore {
	return &MemoryBiasStore{
		biases:  make(map[string][]byte),
		byScope: make(map[string][]string),
	}
}

// SaveBias implements Store.
func (s *MemoryBiasStore) SaveBias(_ context.Context, b *Bias) error {
	if err := validateBias("reflection.SaveBias", b); err != nil {
		return err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return &core.Error{Op: "reflection.SaveBias", Kind: core.KindInvalidRequest, ID: b.BiasID,
			Message: "bias is not serializable", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.biases[b.BiasID]; !exists {
		s.byScope[b.Scope] = append(s.byScope[b.Scope], b.BiasID)
	}
	s.biases[b.BiasID] = data
	return nil
}

// ActiveBiases implements Store. Expired records are dropped from the
// index as they are seen.
func (s *MemoryBiasStore) ActiveBiases(_ context.Context, scope string) ([]*Bias, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byScope[scope]
	live := ids[:0]
	var out []*Bias
	for _, id := range ids {
		data, ok := s.biases[id]
		if !ok {
			continue
		}
		var b Bias
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, &core.Error{Op: "reflection.ActiveBiases", Kind: core.KindInternal, ID: id, Err: err}
		}
		if !b.ExpiresAt().After(now) {
			delete(s.biases, id)
			continue
		}
		live = append(live, id)
		out = append(out, &b)
	}
	s.byScope[scope] = live
	return decayed(out, now), nil
}
