package journal

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aard-labs/aard/core"
)

// setupTestRedis creates a miniredis-backed client for store testing.
func setupTestRedis(t *testing.T) *core.RedisClient {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return core.NewRedisClientFromExisting(client, "aardtest", nil)
}

// storeVariants runs a subtest against both Store implementations.
func storeVariants(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("redis", func(t *testing.T) {
		fn(t, NewRedisStore(setupTestRedis(t), nil))
	})
}

func testEvent(workflowID string) *Event {
	return &Event{
		WorkflowID:     workflowID,
		SessionID:      "sess-1",
		Type:           TypeWorkflowChanged,
		Stage:          core.StageInterpretation,
		ComponentRole:  "interpreter",
		DecisionSource: core.SourceRule,
		Status:         StatusOK,
	}
}

func TestStoreAppendAssignsIdentity(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		e := testEvent("wf-1")
		require.NoError(t, store.Append(ctx, e))

		assert.NotEmpty(t, e.EventID)
		assert.Equal(t, int64(1), e.Sequence)
		assert.False(t, e.Timestamp.IsZero())
	})
}

func TestStoreSequenceIsMonotonicPerWorkflow(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, store.Append(ctx, testEvent("wf-a")))
		}
		require.NoError(t, store.Append(ctx, testEvent("wf-b")))

		a, err := store.ByWorkflow(ctx, "wf-a", 0, 10)
		require.NoError(t, err)
		require.Len(t, a, 5)
		for i, e := range a {
			assert.Equal(t, int64(i+1), e.Sequence)
		}

		b, err := store.ByWorkflow(ctx, "wf-b", 0, 10)
		require.NoError(t, err)
		require.Len(t, b, 1)
		assert.Equal(t, int64(1), b[0].Sequence, "sequences are per workflow")
	})
}

func TestStoreByWorkflowPagination(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for i := 0; i < 10; i++ {
			e := testEvent("wf-page")
			e.OutputSummary = fmt.Sprintf("event %d", i+1)
			require.NoError(t, store.Append(ctx, e))
		}

		page1, err := store.ByWorkflow(ctx, "wf-page", 0, 4)
		require.NoError(t, err)
		require.Len(t, page1, 4)
		assert.Equal(t, int64(4), page1[3].Sequence)

		page2, err := store.ByWorkflow(ctx, "wf-page", page1[3].Sequence, 4)
		require.NoError(t, err)
		require.Len(t, page2, 4)
		assert.Equal(t, int64(5), page2[0].Sequence, "cursor is exclusive")

		page3, err := store.ByWorkflow(ctx, "wf-page", page2[3].Sequence, 4)
		require.NoError(t, err)
		require.Len(t, page3, 2)
		assert.Equal(t, int64(10), page3[1].Sequence)
	})
}

func TestStoreByWorkflowEmptyAndUnknown(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		events, err := store.ByWorkflow(ctx, "never-seen", 0, 10)
		require.NoError(t, err)
		assert.Empty(t, events)

		_, err = store.ByWorkflow(ctx, "", 0, 10)
		assert.Error(t, err)
	})
}

func TestStoreBySessionNewestFirst(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			e := testEvent(fmt.Sprintf("wf-%d", i))
			e.OutputSummary = fmt.Sprintf("n%d", i)
			require.NoError(t, store.Append(ctx, e))
		}

		events, err := store.BySession(ctx, "sess-1", 10)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "n2", events[0].OutputSummary)
		assert.Equal(t, "n0", events[2].OutputSummary)
	})
}

func TestStoreRecentFeed(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			e := testEvent(fmt.Sprintf("wf-%d", i))
			require.NoError(t, store.Append(ctx, e))
		}

		events, err := store.Recent(ctx, 3)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "wf-4", events[0].WorkflowID)
	})
}

func TestStoreReadsAreIsolated(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		e := testEvent("wf-iso")
		e.Metadata = map[string]string{"key": "original"}
		require.NoError(t, store.Append(ctx, e))

		got, err := store.ByWorkflow(ctx, "wf-iso", 0, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		got[0].Metadata["key"] = "mutated"
		got[0].OutputSummary = "mutated"

		again, err := store.ByWorkflow(ctx, "wf-iso", 0, 1)
		require.NoError(t, err)
		assert.Equal(t, "original", again[0].Metadata["key"], "stored events are immutable")
	})
}

func TestLogRejectsInvalidStage(t *testing.T) {
	log := New(NewMemoryStore())
	defer log.Close()

	e := testEvent("wf-1")
	e.Stage = "made_up_stage"
	err := log.Append(context.Background(), e)
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))
}

func TestLogRequiresWorkflowID(t *testing.T) {
	log := New(NewMemoryStore())
	defer log.Close()

	e := testEvent("")
	err := log.Append(context.Background(), e)
	require.Error(t, err)

	err = log.Append(context.Background(), nil)
	require.Error(t, err)
}

func TestLogDefaultsStatusOK(t *testing.T) {
	log := New(NewMemoryStore())
	defer log.Close()
	ctx := context.Background()

	e := testEvent("wf-1")
	e.Status = ""
	require.NoError(t, log.Append(ctx, e))

	events, err := log.ByWorkflow(ctx, "wf-1", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, events[0].Status)
}

func TestLogPublishesAfterDurableWrite(t *testing.T) {
	log := New(NewMemoryStore())
	defer log.Close()
	ctx := context.Background()

	ch, cancel := log.Subscribe(ctx, Filter{WorkflowID: "wf-live"})
	defer cancel()

	e := testEvent("wf-live")
	require.NoError(t, log.Append(ctx, e))

	got := <-ch
	assert.Equal(t, e.EventID, got.EventID)
	assert.Equal(t, int64(1), got.Sequence)

	// The published event is already readable from the store.
	stored, err := log.ByWorkflow(ctx, "wf-live", 0, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, got.EventID, stored[0].EventID)
}

func TestLogSubscribeThenReplayHasNoGap(t *testing.T) {
	log := New(NewMemoryStore())
	defer log.Close()
	ctx := context.Background()

	// History before the consumer attaches.
	for i := 0; i < 3; i++ {
		require.NoError(t, log.Append(ctx, testEvent("wf-gap")))
	}

	// Subscribe first, then replay, then drain live: the union must be
	// gap-free and dedupable by sequence.
	ch, cancel := log.Subscribe(ctx, Filter{WorkflowID: "wf-gap"})
	defer cancel()

	replayed, err := log.ByWorkflow(ctx, "wf-gap", 0, 100)
	require.NoError(t, err)
	require.Len(t, replayed, 3)
	lastSeq := replayed[len(replayed)-1].Sequence

	for i := 0; i < 2; i++ {
		require.NoError(t, log.Append(ctx, testEvent("wf-gap")))
	}

	seen := map[int64]bool{}
	for _, e := range replayed {
		seen[e.Sequence] = true
	}
	for i := 0; i < 2; i++ {
		e := <-ch
		if e.Sequence <= lastSeq {
			continue // duplicate of replay, dropped by seq dedup
		}
		seen[e.Sequence] = true
	}
	for seq := int64(1); seq <= 5; seq++ {
		assert.True(t, seen[seq], "sequence %d missing", seq)
	}
}
