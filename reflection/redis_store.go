package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/aard-labs/aard/core"
)

// RedisBiasStore persists biases in Redis:
//
//	bias:{id}       bias JSON, TTL a little past expiry
//	biases:{scope}  ZSET of bias ids scored by expiry unix
//
// Reads prune the expired range first, so the scope index stays bounded
// without a background job.
type RedisBiasStore struct {
	client *core.RedisClient
	logger core.Logger
}

var _ Store = (*RedisBiasStore)(nil)

// NewRedisBiasStore creates a Redis-backed bias store.
func NewRedisBiasStore(client *core.RedisClient, logger core.Logger) (*RedisBiasStore, error) {
	if client == nil {
		return nil, &core.Error{Op: "reflection.NewRedisBiasStore", Kind: core.KindInvalidRequest, Message: "redis client is required"}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("aard/reflection")
	}
	return &RedisBiasStore{client: client, logger: logger}, nil
}

func biasKey(id string) string     { return "bias:" + id }
func scopeKey(scope string) string { return "biases:" + scope }

// SaveBias implements Store.
func (s *RedisBiasStore) SaveBias(ctx context.Context, b *Bias) error {
	if err := validateBias("reflection.SaveBias", b); err != nil {
		return err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return &core.Error{Op: "reflection.SaveBias", Kind: core.KindInvalidRequest, ID: b.BiasID,
			Message: "bias is not serializable", Err: err}
	}

	expiry := b.ExpiresAt()
	ttl := time.Until(expiry) + time.Hour
	if ttl < time.Hour {
		ttl = time.Hour
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.client.Key(biasKey(b.BiasID)), data, ttl)
	pipe.ZAdd(ctx, s.client.Key(scopeKey(b.Scope)), &redis.Z{
		Score:  float64(expiry.Unix()),
		Member: b.BiasID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store bias: %w", err)
	}
	return nil
}

// ActiveBiases implements Store.
func (s *RedisBiasStore) ActiveBiases(ctx context.Context, scope string) ([]*Bias, error) {
	now := time.Now().UTC()

	if err := s.client.ZRemRangeByScore(ctx, scopeKey(scope), "-inf",
		strconv.FormatInt(now.Unix(), 10)); err != nil {
		s.logger.Warn("Bias index prune failed", map[string]interface{}{
			"scope": scope,
			"error": err.Error(),
		})
	}
	ids, err := s.client.ZRangeByScore(ctx, scopeKey(scope), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.Unix(), 10),
		Max: "+inf",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read bias index: %w", err)
	}

	biases := make([]*Bias, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, biasKey(id))
		if core.IsNil(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load bias: %w", err)
		}
		var b Bias
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return nil, &core.Error{Op: "reflection.ActiveBiases", Kind: core.KindInternal, ID: id, Err: err}
		}
		biases = append(biases, &b)
	}
	return decayed(biases, now), nil
}
