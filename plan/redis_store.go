package plan

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/aard-labs/aard/core"
)

// RedisPlanStore persists plans in Redis:
//
//	plan:{id}             plan JSON, steps embedded
//	plans:workflow:{wid}  ZSET of plan ids scored by version
//
// The version-scored ZSET is the replan history: ZRANGE walks the
// versions in order and the top score is the live plan.
type RedisPlanStore struct {
	client *core.RedisClient
	logger core.Logger
}

var _ Store = (*RedisPlanStore)(nil)

// NewRedisPlanStore creates a Redis-backed plan store.
func NewRedisPlanStore(client *core.RedisClient, logger core.Logger) (*RedisPlanStore, error) {
	if client == nil {
		return nil, &core.Error{Op: "plan.NewRedisPlanStore", Kind: core.KindInvalidRequest, Message: "redis client is required"}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("aard/plan")
	}
	return &RedisPlanStore{client: client, logger: logger}, nil
}

func planKey(id string) string { return "plan:" + id }
func workflowPlansKey(workflowID string) string { return "plans:workflow:" + workflowID }

// Save implements Store.
func (s *RedisPlanStore) Save(ctx context.Context, p *Plan) error {
	if err := validateForSave("plan.Save", p); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return &core.Error{Op: "plan.Save", Kind: core.KindInvalidRequest, ID: p.PlanID, Message: "plan is not serializable", Err: err}
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.client.Key(planKey(p.PlanID)), data, 0)
	pipe.ZAdd(ctx, s.client.Key(workflowPlansKey(p.TaskID)), &redis.Z{
		Score:  float64(p.Version),
		Member: p.PlanID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store plan: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *RedisPlanStore) Get(ctx context.Context, planID string) (*Plan, error) {
	data, err := s.client.Get(ctx, planKey(planID))
	if core.IsNil(err) {
		return nil, planNotFound("plan.Get", planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	var p Plan
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, &core.Error{Op: "plan.Get", Kind: core.KindInternal, ID: planID, Err: err}
	}
	return &p, nil
}

// ByWorkflow implements Store. Oldest version first.
func (s *RedisPlanStore) ByWorkflow(ctx context.Context, workflowID string) ([]*Plan, error) {
	ids, err := s.client.ZRangeByScore(ctx, workflowPlansKey(workflowID), &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read plan index: %w", err)
	}

	plans := make([]*Plan, 0, len(ids))
	for _, id := range ids {
		p, err := s.Get(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				s.logger.Warn("Plan index references missing plan", map[string]interface{}{
					"operation":   "plan_list",
					"workflow_id": workflowID,
					"plan_id":     id,
				})
				continue
			}
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// Latest implements Store.
func (s *RedisPlanStore) Latest(ctx context.Context, workflowID string) (*Plan, error) {
	ids, err := s.client.ZRevRange(ctx, workflowPlansKey(workflowID), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan index: %w", err)
	}
	if len(ids) == 0 {
		return nil, planNotFound("plan.Latest", workflowID)
	}
	return s.Get(ctx, ids[0])
}
