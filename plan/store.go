package plan

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/aard-labs/aard/core"
)

// Store persists plans. Save is an upsert keyed by plan id; the
// per-workflow view is ordered by version so the newest plan is always
// the last (or Latest).
type Store interface {
	Save(ctx context.Context, p *Plan) error
	Get(ctx context.Context, planID string) (*Plan, error)

	// ByWorkflow returns every plan version for a workflow, oldest
	// version first.
	ByWorkflow(ctx context.Context, workflowID string) ([]*Plan, error)

	// Latest returns the highest plan version for a workflow.
	Latest(ctx context.Context, workflowID string) (*Plan, error)
}

func validateForSave(op string, p *Plan) error {
	if p == nil {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "plan is required"}
	}
	if p.PlanID == "" || p.TaskID == "" {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "plan id and task id are required"}
	}
	return nil
}

func planNotFound(op, id string) error {
	return &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: id, Err: core.ErrPlanNotFound}
}

// MemoryPlanStore is the in-memory Store. Plans are stored as marshaled
// JSON so callers never share step pointers with the store.
type MemoryPlanStore struct {
	mu     sync.RWMutex
	plans  map[string][]byte
	byTask map[string][]string
}

var _ Store = (*MemoryPlanStore)(nil)

// NewMemoryPlanStore creates an in-memory plan store.
func NewMemoryPlanStore() *MemoryPlanStore {
	return &MemoryPlanStore{
		plans:  make(map[string][]byte),
		byTask: make(map[string][]string),
	}
}

// Save implements Store.
func (s *MemoryPlanStore) Save(_ context.Context, p *Plan) error {
	if err := validateForSave("plan.Save", p); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return &core.Error{Op: "plan.Save", Kind: core.KindInvalidRequest, ID: p.PlanID, Message: "plan is not serializable", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[p.PlanID]; !exists {
		s.byTask[p.TaskID] = append(s.byTask[p.TaskID], p.PlanID)
	}
	s.plans[p.PlanID] = data
	return nil
}

// Get implements Store.
func (s *MemoryPlanStore) Get(_ context.Context, planID string) (*Plan, error) {
	s.mu.RLock()
	data, ok := s.plans[planID]
	s.mu.RUnlock()
	if !ok {
		return nil, planNotFound("plan.Get", planID)
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &core.Error{Op: "plan.Get", Kind: core.KindInternal, ID: planID, Err: err}
	}
	return &p, nil
}

// ByWorkflow implements Store.
func (s *MemoryPlanStore) ByWorkflow(ctx context.Context, workflowID string) ([]*Plan, error) {
	s.mu.RLock()
	ids := append([]string(nil), s.byTask[workflowID]...)
	s.mu.RUnlock()

	plans := make([]*Plan, 0, len(ids))
	for _, id := range ids {
		p, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	sort.SliceStable(plans, func(i, j int) bool { return plans[i].Version < plans[j].Version })
	return plans, nil
}

// Latest implements Store.
func (s *MemoryPlanStore) Latest(ctx context.Context, workflowID string) (*Plan, error) {
	plans, err := s.ByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, planNotFound("plan.Latest", workflowID)
	}
	return plans[len(plans)-1], nil
}
