package governor

import (
	"context"
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

func quotaConfig(opts ...core.Option) *core.Config {
	cfg := core.DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// governorVariants runs a subtest against both Governor implementations.
func governorVariants(t *testing.T, cfg *core.Config, fn func(t *testing.T, gov Governor)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryGovernor(cfg))
	})
	t.Run("redis", func(t *testing.T) {
		gov, err := NewRedisGovernor(setupTestRedis(t), cfg, nil)
		require.NoError(t, err)
		fn(t, gov)
	})
}

func TestAdmitDeniesOverLimit(t *testing.T) {
	cfg := quotaConfig(core.WithQuota(string(ResourceLLMRequests), string(PeriodTotal), 3))
	governorVariants(t, cfg, func(t *testing.T, gov Governor) {
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			require.NoError(t, gov.Admit(ctx, ResourceLLMRequests, 1))
		}

		err := gov.Admit(ctx, ResourceLLMRequests, 1)
		require.Error(t, err)
		assert.True(t, core.IsQuota(err))
		assert.Equal(t, core.KindQuotaExceeded, core.KindOf(err))
		assert.Contains(t, err.Error(), "llm_requests")

		u, uerr := gov.Usage(ctx, ResourceLLMRequests)
		require.NoError(t, uerr)
		assert.Equal(t, int64(3), u.Used[PeriodTotal], "denied charge is rolled back")
		assert.Equal(t, int64(3), u.Limits[PeriodTotal])
	})
}

func TestAdmitUnlimitedResourcePasses(t *testing.T) {
	governorVariants(t, quotaConfig(), func(t *testing.T, gov Governor) {
		ctx := context.Background()
		for i := 0; i < 100; i++ {
			require.NoError(t, gov.Admit(ctx, ResourceToolCalls, 10))
		}
	})
}

func TestAdmitValidation(t *testing.T) {
	governorVariants(t, quotaConfig(), func(t *testing.T, gov Governor) {
		ctx := context.Background()

		err := gov.Admit(ctx, "gpu_hours", 1)
		assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))

		err = gov.Admit(ctx, ResourceLLMTokens, -5)
		assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))

		err = gov.Admit(ctx, ResourceConcurrentTasks, 1)
		assert.Equal(t, core.KindInvalidRequest, core.KindOf(err), "slots are acquired, not admitted")

		assert.NoError(t, gov.Admit(ctx, ResourceLLMTokens, 0))
	})
}

func TestAdmitRollsBackEarlierPeriodsOnDenial(t *testing.T) {
	cfg := quotaConfig(
		core.WithQuota(string(ResourceLLMTokens), string(PeriodHour), 100),
		core.WithQuota(string(ResourceLLMTokens), string(PeriodTotal), 2),
	)
	governorVariants(t, cfg, func(t *testing.T, gov Governor) {
		ctx := context.Background()

		err := gov.Admit(ctx, ResourceLLMTokens, 3)
		require.Error(t, err, "total limit of 2 denies a charge of 3")
		assert.True(t, core.IsQuota(err))

		u, uerr := gov.Usage(ctx, ResourceLLMTokens)
		require.NoError(t, uerr)
		assert.Equal(t, int64(0), u.Used[PeriodHour], "hour charge rolled back")
		assert.Equal(t, int64(0), u.Used[PeriodTotal])

		require.NoError(t, gov.Admit(ctx, ResourceLLMTokens, 2))
	})
}

func TestReleaseRefundsCharge(t *testing.T) {
	cfg := quotaConfig(core.WithQuota(string(ResourceLLMTokens), string(PeriodTotal), 5))
	governorVariants(t, cfg, func(t *testing.T, gov Governor) {
		ctx := context.Background()

		require.NoError(t, gov.Admit(ctx, ResourceLLMTokens, 4))
		require.NoError(t, gov.Release(ctx, ResourceLLMTokens, 2))
		require.NoError(t, gov.Admit(ctx, ResourceLLMTokens, 3), "4-2+3 fits in 5")

		err := gov.Admit(ctx, ResourceLLMTokens, 1)
		assert.True(t, core.IsQuota(err))
	})
}

func TestWithTimeoutParentDeadlineWins(t *testing.T) {
	cfg := quotaConfig()
	cfg.Step.TimeoutSeconds = 3600
	governorVariants(t, cfg, func(t *testing.T, gov Governor) {
		planDeadline := time.Now().Add(50 * time.Millisecond)
		planCtx, cancel := context.WithDeadline(context.Background(), planDeadline)
		defer cancel()

		stepCtx, stepCancel := gov.WithTimeout(planCtx, TimeoutStep)
		defer stepCancel()

		got, ok := stepCtx.Deadline()
		require.True(t, ok)
		assert.False(t, got.After(planDeadline), "step context never outlives the plan deadline")
	})
}

func TestWithTimeoutAppliesClassBound(t *testing.T) {
	cfg := quotaConfig()
	cfg.LLM.TimeoutSeconds = 1
	governorVariants(t, cfg, func(t *testing.T, gov Governor) {
		ctx, cancel := gov.WithTimeout(context.Background(), TimeoutLLM)
		defer cancel()

		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.InDelta(t, time.Second, time.Until(deadline), float64(200*time.Millisecond))
	})
}

func TestWithTimeoutZeroConfigMeansNoDeadline(t *testing.T) {
	cfg := quotaConfig()
	cfg.Step.TimeoutSeconds = 0
	governorVariants(t, cfg, func(t *testing.T, gov Governor) {
		ctx, cancel := gov.WithTimeout(context.Background(), TimeoutStep)
		defer cancel()

		_, ok := ctx.Deadline()
		assert.False(t, ok)
	})
}

func TestAcquireSlotEnforcesConcurrency(t *testing.T) {
	cfg := quotaConfig(core.WithQuota(string(ResourceConcurrentTasks), string(PeriodTotal), 1))
	governorVariants(t, cfg, func(t *testing.T, gov Governor) {
		ctx := context.Background()

		release, err := gov.AcquireSlot(ctx)
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = gov.AcquireSlot(waitCtx)
		require.Error(t, err, "second slot blocks until timeout")
		assert.Equal(t, core.KindCancelled, core.KindOf(err))

		u, uerr := gov.Usage(ctx, ResourceConcurrentTasks)
		require.NoError(t, uerr)
		assert.Equal(t, int64(1), u.Used[PeriodTotal])

		release()
		release() // releasing twice is safe

		release2, err := gov.AcquireSlot(ctx)
		require.NoError(t, err)
		release2()
	})
}

func TestAcquireSlotUnlimitedWithoutConfig(t *testing.T) {
	governorVariants(t, quotaConfig(), func(t *testing.T, gov Governor) {
		ctx := context.Background()
		for i := 0; i < 10; i++ {
			release, err := gov.AcquireSlot(ctx)
			require.NoError(t, err)
			defer release()
		}
	})
}

func TestReasonCodeNamesResource(t *testing.T) {
	assert.Equal(t, "quota_exceeded_llm_requests", ReasonCode(ResourceLLMRequests))
	assert.Equal(t, "quota_exceeded_tool_calls", ReasonCode(ResourceToolCalls))
}
