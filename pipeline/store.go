package pipeline

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/aard-labs/aard/core"
)

// Store persists workflow records. Save is an upsert keyed by workflow
// id; the per-session view is ordered by start time, newest first.
type Store interface {
	Save(ctx context.Context, wf *Workflow) error
	Get(ctx context.Context, workflowID string) (*Workflow, error)

	// BySession returns up to limit workflows for a session, newest
	// first. limit <= 0 applies the default page size.
	BySession(ctx context.Context, sessionID string, limit int) ([]*Workflow, error)
}

// DefaultSessionLimit bounds BySession when the caller passes no limit.
const DefaultSessionLimit = 50

func validateWorkflow(op string, wf *Workflow) error {
	if wf == nil {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "workflow is required"}
	}
	if wf.WorkflowID == "" {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "workflow id is required"}
	}
	if !validState(wf.State) {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: wf.WorkflowID,
			Message: "unknown workflow state " + string(wf.State)}
	}
	return nil
}

func workflowNotFound(op, id string) error {
	return &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: id, Err: core.ErrWorkflowNotFound}
}

// MemoryWorkflowStore is the in-memory Store. Records are stored as
// marshaled JSON so callers never share pointers with the store.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	workflows map[string][]byte
	bySession map[string][]string
}

var _ Store = (*MemoryWorkflowStore)(nil)

// NewMemoryWorkflowStore creates an in-memory workflow store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		workflows: make(map[string][]byte),
		bySession: make(map[string][]string),
	}
}

// Save implements Store.
func (s *MemoryWorkflowStore) Save(_ context.Context, wf *Workflow) error {
	if err := validateWorkflow("pipeline.Save", wf); err != nil {
		return err
	}
	data, err := json.Marshal(wf)
	if err != nil {
		return &core.Error{Op: "pipeline.Save", Kind: core.KindInvalidRequest, ID: wf.WorkflowID,
			Message: "workflow is not serializable", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[wf.WorkflowID]; !exists && wf.SessionID != "" {
		s.bySession[wf.SessionID] = append(s.bySession[wf.SessionID], wf.WorkflowID)
	}
	s.workflows[wf.WorkflowID] = data
	return nil
}

// Get implements Store.
func (s *MemoryWorkflowStore) Get(_ context.Context, workflowID string) (*Workflow, error) {
	s.mu.RLock()
	data, ok := s.workflows[workflowID]
	s.mu.RUnlock()
	if !ok {
		return nil, workflowNotFound("pipeline.Get", workflowID)
	}
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, &core.Error{Op: "pipeline.Get", Kind: core.KindInternal, ID: workflowID, Err: err}
	}
	return &wf, nil
}

// BySession implements Store. Insertion order is start order, so the
// newest workflow is the last id; the result reverses it.
func (s *MemoryWorkflowStore) BySession(ctx context.Context, sessionID string, limit int) ([]*Workflow, error) {
	if limit <= 0 {
		limit = DefaultSessionLimit
	}
	s.mu.RLock()
	ids := append([]string(nil), s.bySession[sessionID]...)
	s.mu.RUnlock()

	out := make([]*Workflow, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		wf, err := s.Get(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}
