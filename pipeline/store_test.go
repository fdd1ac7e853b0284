package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aard-labs/aard/core"
)

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
		fn(t, NewMemoryWorkflowStore())
	})
	t.Run("redis", func(t *testing.T) {
		store, err := NewRedisWorkflowStore(setupTestRedis(t), nil)
		require.NoError(t, err)
		fn(t, store)
	})
}

func storedWorkflow(id, sessionID string, startedAt time.Time) *Workflow {
	return &Workflow{
		WorkflowID:    id,
		SessionID:     sessionID,
		RequestText:   "request for " + id,
		State:         StateInitialized,
		Stage:         StageFor(StateInitialized),
		AutonomyLevel: 2,
		StartedAt:     startedAt,
		UpdatedAt:     startedAt,
	}
}

func TestWorkflowStoreRoundtrip(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		wf := storedWorkflow("wf-1", "sess-1", time.Now().UTC())
		wf.Goal = "answer the question"
		wf.PlanID = "plan-1"
		require.NoError(t, store.Save(ctx, wf))

		got, err := store.Get(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "wf-1", got.WorkflowID)
		assert.Equal(t, "sess-1", got.SessionID)
		assert.Equal(t, StateInitialized, got.State)
		assert.Equal(t, "answer the question", got.Goal)
		assert.Equal(t, "plan-1", got.PlanID)
	})
}

func TestWorkflowStoreUpsert(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		wf := storedWorkflow("wf-1", "sess-1", time.Now().UTC())
		require.NoError(t, store.Save(ctx, wf))

		require.NoError(t, wf.Transition(StateParsing))
		require.NoError(t, store.Save(ctx, wf))

		got, err := store.Get(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, StateParsing, got.State)

		// Saving twice must not duplicate the session index entry.
		list, err := store.BySession(ctx, "sess-1", 10)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestWorkflowStoreGetReturnsACopy(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.NoError(t, store.Save(ctx, storedWorkflow("wf-1", "sess-1", time.Now().UTC())))

		got, err := store.Get(ctx, "wf-1")
		require.NoError(t, err)
		got.Summary = "scribbled"

		again, err := store.Get(ctx, "wf-1")
		require.NoError(t, err)
		assert.Empty(t, again.Summary)
	})
}

func TestWorkflowStoreNotFound(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		_, err := store.Get(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrWorkflowNotFound))
		assert.True(t, core.IsNotFound(err))
	})
}

func TestWorkflowStoreValidation(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.Error(t, store.Save(ctx, nil))
		require.Error(t, store.Save(ctx, &Workflow{State: StateInitialized}))

		bad := storedWorkflow("wf-1", "", time.Now().UTC())
		bad.State = State("bogus")
		err := store.Save(ctx, bad)
		require.Error(t, err)
		assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))
	})
}

func TestWorkflowStoreBySessionOrderAndLimit(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour)

		for i := 0; i < 5; i++ {
			wf := storedWorkflow(
				"wf-"+string(rune('a'+i)),
				"sess-1",
				base.Add(time.Duration(i)*time.Minute),
			)
			require.NoError(t, store.Save(ctx, wf))
		}
		// A different session must not leak in.
		require.NoError(t, store.Save(ctx, storedWorkflow("wf-other", "sess-2", base)))

		list, err := store.BySession(ctx, "sess-1", 3)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "wf-e", list[0].WorkflowID)
		assert.Equal(t, "wf-d", list[1].WorkflowID)
		assert.Equal(t, "wf-c", list[2].WorkflowID)

		all, err := store.BySession(ctx, "sess-1", 0)
		require.NoError(t, err)
		assert.Len(t, all, 5, "limit <= 0 uses the default page size")

		none, err := store.BySession(ctx, "sess-none", 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestWorkflowStoreSkipsSessionlessRecords(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		wf := storedWorkflow("wf-1", "", time.Now().UTC())
		require.NoError(t, store.Save(ctx, wf))

		got, err := store.Get(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "wf-1", got.WorkflowID)

		list, err := store.BySession(ctx, "", 10)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestNewRedisWorkflowStoreRequiresClient(t *testing.T) {
	_, err := NewRedisWorkflowStore(nil, nil)
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))
}
