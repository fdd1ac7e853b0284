package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aard-labs/aard/core"
)

// RedisMemoryStore keeps long-term memory in Redis:
//
//	memory:{key}  entry record (value + embedding), TTL per Set
//	memory:keys   SET of remembered keys
//
// Keyed recall is the primary contract; similarity search walks the key
// set and ranks in process. Expired entries leave stale keys behind,
// pruned when search touches them.
type RedisMemoryStore struct {
	client   *core.RedisClient
	embedder Embedder
	logger   core.Logger
}

var _ MemoryStore = (*RedisMemoryStore)(nil)

// NewRedisMemoryStore creates a Redis-backed memory store. A nil
// embedder gets the default hashing embedder.
func NewRedisMemoryStore(client *core.RedisClient, embedder Embedder, logger core.Logger) (*RedisMemoryStore, error) {
	if client == nil {
		return nil, &core.Error{Op: "memory.NewRedisMemoryStore", Kind: core.KindInvalidRequest, Message: "redis client is required"}
	}
	if embedder == nil {
		embedder = NewHashEmbedder(0)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("aard/memory")
	}
	return &RedisMemoryStore{client: client, embedder: embedder, logger: logger}, nil
}

func memoryKey(key string) string {
	return "memory:" + key
}

const memoryIndexKey = "memory:keys"

// Set implements MemoryStore. The value is embedded at write time so
// search never re-reads the embedder; an embedding failure degrades the
// entry to keyed-only recall instead of losing it.
func (s *RedisMemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if key == "" {
		return &core.Error{Op: "memory.Set", Kind: core.KindInvalidRequest, Message: "key is required"}
	}
	entry := &Entry{Key: key, Text: value, CreatedAt: time.Now().UTC()}
	vec, err := s.embedder.Embed(ctx, value)
	if err != nil {
		s.logger.Warn("Failed to embed memory entry", map[string]interface{}{
			"operation": "memory_set",
			"key":       key,
			"error":     err.Error(),
		})
	} else {
		entry.Embedding = vec
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal memory entry: %w", err)
	}
	if err := s.client.Set(ctx, memoryKey(key), data, ttl); err != nil {
		return fmt.Errorf("failed to store memory entry: %w", err)
	}
	if err := s.client.SAdd(ctx, memoryIndexKey, key); err != nil {
		s.logger.Warn("Failed to index memory key", map[string]interface{}{
			"operation": "memory_set",
			"key":       key,
			"error":     err.Error(),
		})
	}
	return nil
}

// Get implements MemoryStore.
func (s *RedisMemoryStore) Get(ctx context.Context, key string) (string, error) {
	entry, err := s.load(ctx, key)
	if err != nil || entry == nil {
		return "", err
	}
	return entry.Text, nil
}

// Delete implements MemoryStore.
func (s *RedisMemoryStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, memoryKey(key)); err != nil {
		return fmt.Errorf("failed to delete memory entry: %w", err)
	}
	if err := s.client.SRem(ctx, memoryIndexKey, key); err != nil {
		s.logger.Warn("Failed to unindex memory key", map[string]interface{}{
			"operation": "memory_delete",
			"key":       key,
			"error":     err.Error(),
		})
	}
	return nil
}

// Exists implements MemoryStore.
func (s *RedisMemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.client.Exists(ctx, memoryKey(key))
}

// SearchSimilar implements MemoryStore.
func (s *RedisMemoryStore) SearchSimilar(ctx context.Context, text string, k int) ([]Scored, error) {
	if k <= 0 {
		return nil, nil
	}
	query, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	keys, err := s.client.SMembers(ctx, memoryIndexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory index: %w", err)
	}

	scored := make([]Scored, 0, len(keys))
	for _, key := range keys {
		entry, err := s.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			// Expired entry, prune the stale index member.
			if err := s.client.SRem(ctx, memoryIndexKey, key); err != nil {
				s.logger.Warn("Failed to prune stale memory key", map[string]interface{}{
					"operation": "memory_search",
					"key":       key,
					"error":     err.Error(),
				})
			}
			continue
		}
		if len(entry.Embedding) == 0 {
			continue
		}
		scored = append(scored, Scored{Entry: entry, Score: cosine(query, entry.Embedding)})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (s *RedisMemoryStore) load(ctx context.Context, key string) (*Entry, error) {
	data, err := s.client.Get(ctx, memoryKey(key))
	if core.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load memory entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal memory entry: %w", err)
	}
	return &entry, nil
}
