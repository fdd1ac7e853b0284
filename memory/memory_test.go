package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aard-labs/aard/core"
)

// memoryVariants runs a subtest against both MemoryStore implementations.
func memoryVariants(t *testing.T, fn func(t *testing.T, store MemoryStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewVectorMemoryStore(nil))
	})
	t.Run("redis", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		store, err := NewRedisMemoryStore(client, nil, nil)
		require.NoError(t, err)
		fn(t, store)
	})
}

func TestMemorySetGetDelete(t *testing.T) {
	memoryVariants(t, func(t *testing.T, store MemoryStore) {
		ctx := context.Background()

		require.NoError(t, store.Set(ctx, "session:s-1:summary", "user is deploying payments", 0))

		got, err := store.Get(ctx, "session:s-1:summary")
		require.NoError(t, err)
		assert.Equal(t, "user is deploying payments", got)

		exists, err := store.Exists(ctx, "session:s-1:summary")
		require.NoError(t, err)
		assert.True(t, exists)

		missing, err := store.Get(ctx, "never-set")
		require.NoError(t, err, "a miss is not an error")
		assert.Empty(t, missing)

		exists, err = store.Exists(ctx, "never-set")
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, store.Delete(ctx, "session:s-1:summary"))
		exists, err = store.Exists(ctx, "session:s-1:summary")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestMemorySetRequiresKey(t *testing.T) {
	memoryVariants(t, func(t *testing.T, store MemoryStore) {
		err := store.Set(context.Background(), "", "value", 0)
		assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))
	})
}

func TestMemoryOverwriteReplacesValue(t *testing.T) {
	memoryVariants(t, func(t *testing.T, store MemoryStore) {
		ctx := context.Background()

		require.NoError(t, store.Set(ctx, "k", "old", 0))
		require.NoError(t, store.Set(ctx, "k", "new", 0))

		got, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "new", got)
	})
}

func TestSearchSimilarRanksByOverlap(t *testing.T) {
	memoryVariants(t, func(t *testing.T, store MemoryStore) {
		ctx := context.Background()

		require.NoError(t, store.Set(ctx, "m1", "deploy the payment service to staging", 0))
		require.NoError(t, store.Set(ctx, "m2", "restart the database cluster", 0))
		require.NoError(t, store.Set(ctx, "m3", "weather in amsterdam today", 0))

		results, err := store.SearchSimilar(ctx, "deploy payment service", 2)
		require.NoError(t, err)
		require.Len(t, results, 2)

		assert.Equal(t, "m1", results[0].Entry.Key)
		assert.Greater(t, results[0].Score, 0.5)
		assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
		assert.Less(t, results[1].Score, 0.5)
	})
}

func TestSearchSimilarHonorsK(t *testing.T) {
	memoryVariants(t, func(t *testing.T, store MemoryStore) {
		ctx := context.Background()

		require.NoError(t, store.Set(ctx, "a", "alpha beta", 0))
		require.NoError(t, store.Set(ctx, "b", "alpha gamma", 0))

		one, err := store.SearchSimilar(ctx, "alpha", 1)
		require.NoError(t, err)
		assert.Len(t, one, 1)

		none, err := store.SearchSimilar(ctx, "alpha", 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestVectorMemoryExpiry(t *testing.T) {
	store := NewVectorMemoryStore(nil)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", "soon gone", 30*time.Millisecond))
	require.NoError(t, store.Set(ctx, "long", "still here", 0))

	got, err := store.Get(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, "soon gone", got)

	time.Sleep(60 * time.Millisecond)

	got, err = store.Get(ctx, "short")
	require.NoError(t, err)
	assert.Empty(t, got)

	results, err := store.SearchSimilar(ctx, "soon gone", 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "short", r.Entry.Key, "expired entries never rank")
	}

	exists, err := store.Exists(ctx, "long")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRedisSearchPrunesExpiredKeys(t *testing.T) {
	client, mr := setupTestRedis(t)
	store, err := NewRedisMemoryStore(client, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "stale", "about to expire", time.Second))
	require.NoError(t, store.Set(ctx, "fresh", "about to stay", 0))

	mr.FastForward(2 * time.Second)

	results, err := store.SearchSimilar(ctx, "about to", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "fresh", results[0].Entry.Key)

	keys, err := client.SMembers(ctx, memoryIndexKey)
	require.NoError(t, err)
	assert.NotContains(t, keys, "stale", "stale index member pruned on read")
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(0)
	ctx := context.Background()

	a, err := e.Embed(ctx, "Deploy the Payment service")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "deploy the payment SERVICE")
	require.NoError(t, err)
	assert.Equal(t, a, b, "case never changes the vector")
	assert.Len(t, a, 256)

	assert.InDelta(t, 1.0, cosine(a, b), 1e-6)

	c, err := e.Embed(ctx, "completely unrelated words here")
	require.NoError(t, err)
	assert.Less(t, cosine(a, c), 0.3)
}

func TestCosineEdgeCases(t *testing.T) {
	assert.Zero(t, cosine(nil, nil))
	assert.Zero(t, cosine([]float32{1, 0}, []float32{1}))
	assert.Zero(t, cosine([]float32{0, 0}, []float32{1, 1}))
	assert.InDelta(t, 1.0, cosine([]float32{1, 2}, []float32{2, 4}), 1e-6)
}
