package plan

import (
	"context"
	"errors"
	"testing"

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
		fn(t, NewMemoryPlanStore())
	})
	t.Run("redis", func(t *testing.T) {
		store, err := NewRedisPlanStore(setupTestRedis(t), nil)
		require.NoError(t, err)
		fn(t, store)
	})
}

func TestStoreRoundtrip(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		p := New("wf-1", "goal", 2, step("a"), step("b", "a"))
		require.NoError(t, store.Save(ctx, p))

		got, err := store.Get(ctx, p.PlanID)
		require.NoError(t, err)
		assert.Equal(t, p.PlanID, got.PlanID)
		assert.Equal(t, "wf-1", got.TaskID)
		require.Len(t, got.Steps, 2)
		assert.Equal(t, []string{"a"}, got.Steps[1].Dependencies)
	})
}

func TestStoreGetReturnsACopy(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		p := New("wf-1", "goal", 2, step("a"))
		require.NoError(t, store.Save(ctx, p))

		got, err := store.Get(ctx, p.PlanID)
		require.NoError(t, err)
		got.Steps[0].Status = StepFailed

		again, err := store.Get(ctx, p.PlanID)
		require.NoError(t, err)
		assert.Equal(t, StepPending, again.Steps[0].Status)
	})
}

func TestStoreValidation(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		assert.Equal(t, core.KindInvalidRequest, core.KindOf(store.Save(ctx, nil)))
		assert.Equal(t, core.KindInvalidRequest, core.KindOf(store.Save(ctx, &Plan{TaskID: "wf-1"})))
		assert.Equal(t, core.KindInvalidRequest, core.KindOf(store.Save(ctx, &Plan{PlanID: "p-1"})))
	})
}

func TestStoreNotFound(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		_, err := store.Get(ctx, "missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrPlanNotFound))
		assert.True(t, core.IsNotFound(err))

		_, err = store.Latest(ctx, "no-such-workflow")
		assert.True(t, errors.Is(err, core.ErrPlanNotFound))
	})
}

func TestStoreByWorkflowOrdersByVersion(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		v1 := New("wf-1", "goal", 2, step("a"))
		require.NoError(t, store.Save(ctx, v1))

		v2 := New("wf-1", "goal", 2, step("a"))
		v2.Version = 2
		v2.ParentPlanID = v1.PlanID
		require.NoError(t, store.Save(ctx, v2))

		other := New("wf-2", "other goal", 2, step("a"))
		require.NoError(t, store.Save(ctx, other))

		plans, err := store.ByWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		require.Len(t, plans, 2)
		assert.Equal(t, 1, plans[0].Version)
		assert.Equal(t, 2, plans[1].Version)
		assert.Equal(t, v1.PlanID, plans[1].ParentPlanID)

		latest, err := store.Latest(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, v2.PlanID, latest.PlanID)
	})
}

func TestStoreSaveIsUpsert(t *testing.T) {
	storeVariants(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		p := New("wf-1", "goal", 2, step("a"))
		require.NoError(t, store.Save(ctx, p))

		require.NoError(t, p.Transition(StatusPendingApproval))
		require.NoError(t, store.Save(ctx, p))

		got, err := store.Get(ctx, p.PlanID)
		require.NoError(t, err)
		assert.Equal(t, StatusPendingApproval, got.Status)

		plans, err := store.ByWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Len(t, plans, 1, "re-saving must not duplicate the index entry")
	})
}
