package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/aard-labs/aard/core"
)

// RedisWorkflowStore persists workflows in Redis:
//
//	workflow:{id}            workflow JSON
//	workflows:session:{sid}  ZSET of workflow ids scored by start time
//
// Records carry no TTL; the journal is the history and the workflow row
// is its cheap head pointer.
type RedisWorkflowStore struct {
	client *core.RedisClient
	logger core.Logger
}

var _ Store = (*RedisWorkflowStore)(nil)

// NewRedisWorkflowStore creates a Redis-backed workflow store.
func NewRedisWorkflowStore(client *core.RedisClient, logger core.Logger) (*RedisWorkflowStore, error) {
	if client == nil {
		return nil, &core.Error{Op: "pipeline.NewRedisWorkflowStore", Kind: core.KindInvalidRequest, Message: "redis client is required"}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("aard/pipeline")
	}
	return &RedisWorkflowStore{client: client, logger: logger}, nil
}

func workflowKey(id string) string { return "workflow:" + id }

func sessionWorkflowsKey(sessionID string) string { return "workflows:session:" + sessionID }

// Save implements Store.
func (s *RedisWorkflowStore) Save(ctx context.Context, wf *Workflow) error {
	if err := validateWorkflow("pipeline.Save", wf); err != nil {
		return err
	}
	data, err := json.Marshal(wf)
	if err != nil {
		return &core.Error{Op: "pipeline.Save", Kind: core.KindInvalidRequest, ID: wf.WorkflowID,
			Message: "workflow is not serializable", Err: err}
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.client.Key(workflowKey(wf.WorkflowID)), data, 0)
	if wf.SessionID != "" {
		pipe.ZAdd(ctx, s.client.Key(sessionWorkflowsKey(wf.SessionID)), &redis.Z{
			Score:  float64(wf.StartedAt.UnixMilli()),
			Member: wf.WorkflowID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store workflow: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *RedisWorkflowStore) Get(ctx context.Context, workflowID string) (*Workflow, error) {
	data, err := s.client.Get(ctx, workflowKey(workflowID))
	if core.IsNil(err) {
		return nil, workflowNotFound("pipeline.Get", workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	var wf Workflow
	if err := json.Unmarshal([]byte(data), &wf); err != nil {
		return nil, &core.Error{Op: "pipeline.Get", Kind: core.KindInternal, ID: workflowID, Err: err}
	}
	return &wf, nil
}

// BySession implements Store. Newest first.
func (s *RedisWorkflowStore) BySession(ctx context.Context, sessionID string, limit int) ([]*Workflow, error) {
	if limit <= 0 {
		limit = DefaultSessionLimit
	}
	ids, err := s.client.ZRevRange(ctx, sessionWorkflowsKey(sessionID), 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}

	out := make([]*Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := s.Get(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				s.logger.Warn("Session index references missing workflow", map[string]interface{}{
					"operation":   "workflow_list",
					"session_id":  sessionID,
					"workflow_id": id,
				})
				continue
			}
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}
