package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/telemetry"
)

// RedisCheckpointStore keeps checkpoints in Redis:
//
//	checkpoint:{id}            checkpoint record
//	checkpoints:{etype}:{eid}  ZSET of checkpoint ids by created_at
//
// Both the record and its index entry must land before Create returns;
// a checkpoint the rollback path cannot find is not a checkpoint.
type RedisCheckpointStore struct {
	client *core.RedisClient
	logger core.Logger
}

var _ CheckpointStore = (*RedisCheckpointStore)(nil)

// NewRedisCheckpointStore creates a Redis-backed checkpoint store.
func NewRedisCheckpointStore(client *core.RedisClient, logger core.Logger) (*RedisCheckpointStore, error) {
	if client == nil {
		return nil, &core.Error{Op: "memory.NewRedisCheckpointStore", Kind: core.KindInvalidRequest, Message: "redis client is required"}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("aard/memory")
	}
	return &RedisCheckpointStore{client: client, logger: logger}, nil
}

func checkpointKey(id string) string {
	return "checkpoint:" + id
}

func checkpointIndexKey(entityType, entityID string) string {
	return fmt.Sprintf("checkpoints:%s:%s", entityType, entityID)
}

// Create implements CheckpointStore.
func (s *RedisCheckpointStore) Create(ctx context.Context, entityType, entityID string, snapshot interface{}, reason string) (*Checkpoint, error) {
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
	record, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := s.client.Set(ctx, checkpointKey(cp.CheckpointID), record, 0); err != nil {
		return nil, fmt.Errorf("failed to store checkpoint: %w", err)
	}
	err = s.client.ZAdd(ctx, checkpointIndexKey(entityType, entityID), &redis.Z{
		Score:  float64(cp.CreatedAt.UnixNano()),
		Member: cp.CheckpointID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to index checkpoint: %w", err)
	}

	s.logger.Debug("Checkpoint created", map[string]interface{}{
		"operation":     "checkpoint_create",
		"checkpoint_id": cp.CheckpointID,
		"entity_type":   entityType,
		"entity_id":     entityID,
		"reason":        reason,
	})
	telemetry.Counter("aard.memory.checkpoints", "entity_type", entityType)
	return cp, nil
}

// Latest implements CheckpointStore.
func (s *RedisCheckpointStore) Latest(ctx context.Context, entityType, entityID string) (*Checkpoint, error) {
	if err := validateEntity("memory.Latest", entityType, entityID); err != nil {
		return nil, err
	}
	ids, err := s.client.ZRevRange(ctx, checkpointIndexKey(entityType, entityID), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint index: %w", err)
	}
	if len(ids) == 0 {
		return nil, notFound("memory.Latest", entityType+"/"+entityID)
	}
	return s.load(ctx, "memory.Latest", ids[0])
}

// Restore implements CheckpointStore.
func (s *RedisCheckpointStore) Restore(ctx context.Context, checkpointID string, into interface{}) (*Checkpoint, error) {
	cp, err := s.load(ctx, "memory.Restore", checkpointID)
	if err != nil {
		return nil, err
	}
	if err := cp.Verify(); err != nil {
		return nil, err
	}
	if into != nil {
		if err := json.Unmarshal(cp.StateSnapshot, into); err != nil {
			return nil, &core.Error{Op: "memory.Restore", Kind: core.KindCheckpointCorrupt, ID: checkpointID, Message: "snapshot does not fit target", Err: err}
		}
	}
	telemetry.Counter("aard.memory.restores", "entity_type", cp.EntityType)
	return cp, nil
}

// List implements CheckpointStore.
func (s *RedisCheckpointStore) List(ctx context.Context, entityType, entityID string, limit int) ([]*Checkpoint, error) {
	if err := validateEntity("memory.List", entityType, entityID); err != nil {
		return nil, err
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, checkpointIndexKey(entityType, entityID), 0, stop)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint index: %w", err)
	}
	out := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.load(ctx, "memory.List", id)
		if core.IsNotFound(err) {
			s.logger.Warn("Checkpoint index references missing record", map[string]interface{}{
				"operation":     "checkpoint_list",
				"checkpoint_id": id,
			})
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *RedisCheckpointStore) load(ctx context.Context, op, checkpointID string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, checkpointKey(checkpointID))
	if core.IsNil(err) {
		return nil, notFound(op, checkpointID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
