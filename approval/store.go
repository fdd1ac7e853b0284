package approval

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/aard-labs/aard/core"
)

// MemoryStore is the in-memory Store. Requests are stored as marshaled
// JSON so callers never share a pending request with the sweeper.
type MemoryStore struct {
	mu         sync.RWMutex
	requests   map[string][]byte
	byWorkflow map[string][]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:   make(map[string][]byte),
		byWorkflow: make(map[string][]string),
	}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, req *Request) error {
	if err := validateForSave("approval.Save", req); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return &core.Error{Op: "approval.Save", Kind: core.KindInvalidRequest, ID: req.RequestID,
			Message: "request is not serializable", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.RequestID]; !exists {
		s.byWorkflow[req.WorkflowID] = append(s.byWorkflow[req.WorkflowID], req.RequestID)
	}
	s.requests[req.RequestID] = data
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, requestID string) (*Request, error) {
	s.mu.RLock()
	data, ok := s.requests[requestID]
	s.mu.RUnlock()
	if !ok {
		return nil, requestNotFound("approval.Get", requestID)
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &core.Error{Op: "approval.Get", Kind: core.KindInternal, ID: requestID, Err: err}
	}
	return &req, nil
}

// ByWorkflow implements Store.
func (s *MemoryStore) ByWorkflow(ctx context.Context, workflowID string) ([]*Request, error) {
	s.mu.RLock()
	ids := append([]string(nil), s.byWorkflow[workflowID]...)
	s.mu.RUnlock()

	reqs := make([]*Request, 0, len(ids))
	for _, id := range ids {
		req, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
	return reqs, nil
}

// Expired implements Store.
func (s *MemoryStore) Expired(_ context.Context, now time.Time, limit int) ([]*Request, error) {
	s.mu.RLock()
	var due []*Request
	for id, data := range s.requests {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.mu.RUnlock()
			return nil, &core.Error{Op: "approval.Expired", Kind: core.KindInternal, ID: id, Err: err}
		}
		if req.Status == StatusPending && !req.DecisionTimeout.After(now) {
			due = append(due, &req)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].DecisionTimeout.Before(due[j].DecisionTimeout) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
