package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/aard-labs/aard/core"
)

// RedisStore persists approval requests in Redis:
//
//	approval:{id}             request JSON
//	approvals:pending         ZSET of request ids scored by deadline unix
//	approvals:workflow:{wid}  ZSET of request ids scored by created_at unix
//
// The pending ZSET is the sweeper's work queue: a range up to now is
// exactly the overdue set, and deciding a request removes it.
type RedisStore struct {
	client *core.RedisClient
	logger core.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed approval store.
func NewRedisStore(client *core.RedisClient, logger core.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, &core.Error{Op: "approval.NewRedisStore", Kind: core.KindInvalidRequest, Message: "redis client is required"}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("aard/approval")
	}
	return &RedisStore{client: client, logger: logger}, nil
}

func requestKey(id string) string { return "approval:" + id }
func pendingKey() string          { return "approvals:pending" }
func workflowRequestsKey(workflowID string) string {
	return "approvals:workflow:" + workflowID
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, req *Request) error {
	if err := validateForSave("approval.Save", req); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return &core.Error{Op: "approval.Save", Kind: core.KindInvalidRequest, ID: req.RequestID,
			Message: "request is not serializable", Err: err}
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.client.Key(requestKey(req.RequestID)), data, 0)
	pipe.ZAdd(ctx, s.client.Key(workflowRequestsKey(req.WorkflowID)), &redis.Z{
		Score:  float64(req.CreatedAt.UnixMilli()),
		Member: req.RequestID,
	})
	if req.Status == StatusPending {
		pipe.ZAdd(ctx, s.client.Key(pendingKey()), &redis.Z{
			Score:  float64(req.DecisionTimeout.Unix()),
			Member: req.RequestID,
		})
	} else {
		pipe.ZRem(ctx, s.client.Key(pendingKey()), req.RequestID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store approval request: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, requestID string) (*Request, error) {
	data, err := s.client.Get(ctx, requestKey(requestID))
	if core.IsNil(err) {
		return nil, requestNotFound("approval.Get", requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval request: %w", err)
	}
	var req Request
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, &core.Error{Op: "approval.Get", Kind: core.KindInternal, ID: requestID, Err: err}
	}
	return &req, nil
}

// ByWorkflow implements Store. Oldest first.
func (s *RedisStore) ByWorkflow(ctx context.Context, workflowID string) ([]*Request, error) {
	ids, err := s.client.ZRangeByScore(ctx, workflowRequestsKey(workflowID), &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read approval index: %w", err)
	}

	reqs := make([]*Request, 0, len(ids))
	for _, id := range ids {
		req, err := s.Get(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				s.logger.Warn("Approval index references missing request", map[string]interface{}{
					"operation":   "approval_list",
					"workflow_id": workflowID,
					"request_id":  id,
				})
				continue
			}
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Expired implements Store. The pending ZSET may briefly lag the request
// records, so a non-pending straggler is dropped from the set here
// rather than returned.
func (s *RedisStore) Expired(ctx context.Context, now time.Time, limit int) ([]*Request, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, pendingKey(), opt)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending approvals: %w", err)
	}

	reqs := make([]*Request, 0, len(ids))
	for _, id := range ids {
		req, err := s.Get(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				if rerr := s.client.ZRem(ctx, pendingKey(), id); rerr != nil {
					s.logger.Warn("Pending approval cleanup failed", map[string]interface{}{
						"request_id": id,
						"error":      rerr.Error(),
					})
				}
				continue
			}
			return nil, err
		}
		if req.Status != StatusPending {
			if rerr := s.client.ZRem(ctx, pendingKey(), req.RequestID); rerr != nil {
				s.logger.Warn("Pending approval cleanup failed", map[string]interface{}{
					"request_id": req.RequestID,
					"error":      rerr.Error(),
				})
			}
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}
