// Package core Redis access. Every store in the module (journal, prompts,
// capabilities, plans, checkpoints, approvals, quota counters, sessions)
// shares this thin wrapper instead of holding raw go-redis clients, so key
// namespacing and connection handling stay in one place.
//
// All keys are prefixed with the namespace ("aard" by default):
//
//	aard:workflow:{id}
//	aard:events:{workflow_id}
//	aard:quota:{resource}:{period}:{bucket}
//
// Connection management: URL parsing via redis.ParseURL, a 5 second ping on
// construction so misconfiguration fails at startup rather than on first
// write, and pooled connections from go-redis.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultNamespace prefixes every key the module writes.
const DefaultNamespace = "aard"

// RedisClient provides a namespaced Redis interface shared by the stores.
type RedisClient struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// RedisClientOptions configures a RedisClient.
type RedisClientOptions struct {
	RedisURL  string
	Namespace string // Key namespace; DefaultNamespace when empty
	DB        int    // Redis DB number (0-15), overrides the URL when set
	Logger    Logger // Optional
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.RedisURL == "" {
		if opts.Logger != nil {
			opts.Logger.Error("Failed to initialize Redis client", map[string]interface{}{
				"error":      "Redis URL is required",
				"error_type": "ErrInvalidConfiguration",
			})
		}
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		if opts.Logger != nil {
			opts.Logger.Error("Failed to parse Redis URL", map[string]interface{}{
				"error":      err,
				"error_type": fmt.Sprintf("%T", err),
				"redis_url":  opts.RedisURL,
			})
		}
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}
	if opts.DB > 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	namespace := opts.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client := redis.NewClient(redisOpt)

	// Fail fast on an unreachable backend.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		if opts.Logger != nil {
			opts.Logger.Error("Failed to connect to Redis", map[string]interface{}{
				"error":      err,
				"error_type": fmt.Sprintf("%T", err),
				"db":         redisOpt.DB,
				"namespace":  namespace,
			})
		}
		return nil, fmt.Errorf("failed to connect to Redis: %w", ErrConnectionFailed)
	}

	rc := &RedisClient{
		client:    client,
		namespace: namespace,
		logger:    opts.Logger,
	}

	if rc.logger != nil {
		rc.logger.Info("Redis client connected", map[string]interface{}{
			"db":        redisOpt.DB,
			"namespace": namespace,
		})
	}

	return rc, nil
}

// NewRedisClientFromExisting wraps an already-connected go-redis client.
// Tests use it to point stores at miniredis without URL parsing.
func NewRedisClientFromExisting(client *redis.Client, namespace string, logger Logger) *RedisClient {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &RedisClient{client: client, namespace: namespace, logger: logger}
}

// Close closes the underlying connection pool.
func (r *RedisClient) Close() error {
	if r.logger != nil {
		r.logger.Info("Closing Redis client connection", map[string]interface{}{
			"namespace": r.namespace,
		})
	}
	return r.client.Close()
}

// Namespace returns the key namespace in use.
func (r *RedisClient) Namespace() string {
	return r.namespace
}

// formatKey prefixes a key with the namespace.
func (r *RedisClient) formatKey(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

// --- Value operations ---

// Get retrieves a value. Returns redis.Nil when the key is absent.
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, r.formatKey(key)).Result()
}

// Set stores a value with optional TTL (0 = no expiry).
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.client.Set(ctx, r.formatKey(key), value, ttl).Err()
}

// Del deletes keys.
func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	formattedKeys := make([]string, len(keys))
	for i, key := range keys {
		formattedKeys[i] = r.formatKey(key)
	}
	return r.client.Del(ctx, formattedKeys...).Err()
}

// Exists reports whether a key is present.
func (r *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.formatKey(key)).Result()
	return n > 0, err
}

// TTL gets the TTL of a key.
func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.TTL(ctx, r.formatKey(key)).Result()
}

// --- Counter operations (quota buckets, sequence counters) ---

// Incr increments a counter.
func (r *RedisClient) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, r.formatKey(key)).Result()
}

// IncrBy increments a counter by a specific amount.
func (r *RedisClient) IncrBy(ctx context.Context, key string, value int64) (int64, error) {
	return r.client.IncrBy(ctx, r.formatKey(key), value).Result()
}

// DecrBy decrements a counter by a specific amount.
func (r *RedisClient) DecrBy(ctx context.Context, key string, value int64) (int64, error) {
	return r.client.DecrBy(ctx, r.formatKey(key), value).Result()
}

// Expire sets a TTL on a key.
func (r *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.formatKey(key), ttl).Err()
}

// --- Sorted set operations (event order, version and recency indexes) ---

// ZAdd adds members to a sorted set.
func (r *RedisClient) ZAdd(ctx context.Context, key string, members ...*redis.Z) error {
	return r.client.ZAdd(ctx, r.formatKey(key), members...).Err()
}

// ZRangeByScore returns members with scores in [min, max], ascending.
func (r *RedisClient) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) ([]string, error) {
	return r.client.ZRangeByScore(ctx, r.formatKey(key), opt).Result()
}

// ZRevRangeByScore returns members with scores in [max, min], descending.
func (r *RedisClient) ZRevRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) ([]string, error) {
	return r.client.ZRevRangeByScore(ctx, r.formatKey(key), opt).Result()
}

// ZRevRange returns members by rank, highest score first.
func (r *RedisClient) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.ZRevRange(ctx, r.formatKey(key), start, stop).Result()
}

// ZRem removes members from a sorted set.
func (r *RedisClient) ZRem(ctx context.Context, key string, members ...interface{}) error {
	return r.client.ZRem(ctx, r.formatKey(key), members...).Err()
}

// ZRemRangeByScore removes members by score range.
func (r *RedisClient) ZRemRangeByScore(ctx context.Context, key string, min, max string) error {
	return r.client.ZRemRangeByScore(ctx, r.formatKey(key), min, max).Err()
}

// ZRemRangeByRank removes members by rank range (used to trim feeds).
func (r *RedisClient) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	return r.client.ZRemRangeByRank(ctx, r.formatKey(key), start, stop).Err()
}

// ZCard gets the cardinality of a sorted set.
func (r *RedisClient) ZCard(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, r.formatKey(key)).Result()
}

// ZScore returns the score of a member, redis.Nil when absent.
func (r *RedisClient) ZScore(ctx context.Context, key, member string) (float64, error) {
	return r.client.ZScore(ctx, r.formatKey(key), member).Result()
}

// --- Set operations (type indexes, session workflow sets) ---

// SAdd adds members to a set.
func (r *RedisClient) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return r.client.SAdd(ctx, r.formatKey(key), members...).Err()
}

// SRem removes members from a set.
func (r *RedisClient) SRem(ctx context.Context, key string, members ...interface{}) error {
	return r.client.SRem(ctx, r.formatKey(key), members...).Err()
}

// SMembers returns all members of a set.
func (r *RedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, r.formatKey(key)).Result()
}

// --- Pipeline operations ---

// Pipeline creates a pipeline for batched operations. Callers format their
// own keys with Key.
func (r *RedisClient) Pipeline() redis.Pipeliner {
	return r.client.Pipeline()
}

// Key exposes the namespaced form of a key for pipeline use.
func (r *RedisClient) Key(key string) string {
	return r.formatKey(key)
}

// --- Health ---

// HealthCheck verifies Redis connectivity.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	err := r.client.Ping(ctx).Err()
	if err != nil && r.logger != nil {
		r.logger.ErrorWithContext(ctx, "Redis health check failed", map[string]interface{}{
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
			"namespace":  r.namespace,
		})
	}
	return err
}

// IsNil reports whether err is the go-redis key-missing sentinel. Stores use
// it to translate into their own not-found errors.
func IsNil(err error) bool {
	return err == redis.Nil
}
