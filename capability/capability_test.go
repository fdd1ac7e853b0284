package capability

import (
	"context"
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

// registryVariants runs a subtest against both Registry implementations.
func registryVariants(t *testing.T, fn func(t *testing.T, reg Registry)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryRegistry())
	})
	t.Run("redis", func(t *testing.T) {
		reg, err := NewRedisRegistry(setupTestRedis(t), nil)
		require.NoError(t, err)
		fn(t, reg)
	})
}

func testAgent(name string) *Record {
	return &Record{
		Name:         name,
		Type:         TypeAgent,
		Capabilities: []string{"summarize", "translate"},
	}
}

func TestRegisterAssignsDefaults(t *testing.T) {
	registryVariants(t, func(t *testing.T, reg Registry) {
		ctx := context.Background()

		rec := testAgent("summarizer")
		require.NoError(t, reg.Register(ctx, rec))
		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, StatusActive, rec.Status)
		assert.Equal(t, HealthUnknown, rec.Health)
		assert.InDelta(t, 0.5, rec.TrustScore, 1e-9, "neutral trust prior")
		assert.False(t, rec.RegisteredAt.IsZero())

		got, err := reg.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.Name, got.Name)
	})
}

func TestRegisterValidation(t *testing.T) {
	registryVariants(t, func(t *testing.T, reg Registry) {
		ctx := context.Background()

		assert.Equal(t, core.KindInvalidRequest, core.KindOf(reg.Register(ctx, nil)))
		assert.Equal(t, core.KindInvalidRequest, core.KindOf(reg.Register(ctx, &Record{Type: TypeAgent})))
		assert.Equal(t, core.KindInvalidRequest, core.KindOf(reg.Register(ctx, &Record{Name: "x", Type: "robot"})))
	})
}

func TestReRegisterPreservesAccumulatedState(t *testing.T) {
	registryVariants(t, func(t *testing.T, reg Registry) {
		ctx := context.Background()

		rec := testAgent("summarizer")
		require.NoError(t, reg.Register(ctx, rec))
		require.NoError(t, reg.RecordExecution(ctx, rec.ID, true, 120))
		require.NoError(t, reg.UpdateHealth(ctx, rec.ID, HealthHealthy, 0))

		updated := &Record{
			ID:           rec.ID,
			Name:         "summarizer",
			Type:         TypeAgent,
			Capabilities: []string{"summarize"},
		}
		require.NoError(t, reg.Register(ctx, updated))

		got, err := reg.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Metrics.Samples, "metrics survive re-registration")
		assert.Equal(t, HealthHealthy, got.Health)
		assert.Equal(t, []string{"summarize"}, got.Capabilities)

		list, err := reg.List(ctx, Filter{Capability: "translate"})
		require.NoError(t, err)
		assert.Empty(t, list, "dropped tag no longer matches")

		list, err = reg.List(ctx, Filter{Capability: "summarize"})
		require.NoError(t, err)
		require.Len(t, list, 1)
	})
}

func TestListFilters(t *testing.T) {
	registryVariants(t, func(t *testing.T, reg Registry) {
		ctx := context.Background()

		agent := testAgent("browser-agent")
		require.NoError(t, reg.Register(ctx, agent))

		tool := &Record{Name: "calculator", Type: TypeTool, Capabilities: []string{"math"}}
		require.NoError(t, reg.Register(ctx, tool))

		server := &Record{
			Name:     "ollama-local",
			Type:     TypeModelServer,
			Provider: "openai",
			Endpoint: "http://localhost:11434",
			Models:   []string{"llama3", "mistral"},
		}
		require.NoError(t, reg.Register(ctx, server))

		list, err := reg.List(ctx, Filter{Type: TypeTool})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "calculator", list[0].Name)

		list, err = reg.List(ctx, Filter{Model: "llama3"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "ollama-local", list[0].Name)

		list, err = reg.List(ctx, Filter{Capability: "math"})
		require.NoError(t, err)
		require.Len(t, list, 1)

		require.NoError(t, reg.Deactivate(ctx, tool.ID))
		list, err = reg.List(ctx, Filter{Type: TypeTool, Status: StatusActive})
		require.NoError(t, err)
		assert.Empty(t, list, "paused records are invisible to dispatch filters")

		got, err := reg.Get(ctx, tool.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPaused, got.Status, "Get still returns pinned records")
	})
}

func TestListHealthyOnly(t *testing.T) {
	registryVariants(t, func(t *testing.T, reg Registry) {
		ctx := context.Background()

		fresh := testAgent("fresh")
		require.NoError(t, reg.Register(ctx, fresh))

		sick := testAgent("sick")
		require.NoError(t, reg.Register(ctx, sick))
		require.NoError(t, reg.UpdateHealth(ctx, sick.ID, HealthUnhealthy, 3))

		list, err := reg.List(ctx, Filter{Type: TypeAgent, HealthyOnly: true})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "fresh", list[0].Name, "unknown health passes, unhealthy does not")
	})
}

func TestRecordExecutionUpdatesTrust(t *testing.T) {
	registryVariants(t, func(t *testing.T, reg Registry) {
		ctx := context.Background()

		rec := testAgent("summarizer")
		require.NoError(t, reg.Register(ctx, rec))

		require.NoError(t, reg.RecordExecution(ctx, rec.ID, true, 100))
		got, err := reg.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Metrics.Samples)
		assert.Equal(t, int64(1), got.Metrics.Successes)
		assert.InDelta(t, 2.0/3.0, got.TrustScore, 1e-9, "laplace smoothing")
		assert.InDelta(t, 100, got.Metrics.AvgLatencyMs, 1e-9)
		assert.False(t, got.Metrics.LastUsed.IsZero())

		require.NoError(t, reg.RecordExecution(ctx, rec.ID, false, 300))
		got, err = reg.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, got.TrustScore, 1e-9)
		assert.InDelta(t, 200, got.Metrics.AvgLatencyMs, 1e-9)

		err = reg.RecordExecution(ctx, "no-such-id", true, 1)
		assert.True(t, core.IsNotFound(err))
	})
}

func TestCanUseAccessRules(t *testing.T) {
	registryVariants(t, func(t *testing.T, reg Registry) {
		ctx := context.Background()

		open := &Record{Name: "open-tool", Type: TypeTool}
		require.NoError(t, reg.Register(ctx, open))

		restricted := &Record{
			Name:            "restricted-tool",
			Type:            TypeTool,
			AllowedAgents:   []string{"agent-a", "agent-b"},
			ForbiddenAgents: []string{"agent-b"},
		}
		require.NoError(t, reg.Register(ctx, restricted))

		ok, err := reg.CanUse(ctx, "anyone", open.ID)
		require.NoError(t, err)
		assert.True(t, ok, "empty allowed list is open")

		ok, err = reg.CanUse(ctx, "agent-a", restricted.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = reg.CanUse(ctx, "agent-b", restricted.ID)
		require.NoError(t, err)
		assert.False(t, ok, "forbidden wins over allowed")

		ok, err = reg.CanUse(ctx, "agent-c", restricted.ID)
		require.NoError(t, err)
		assert.False(t, ok, "not in a non-empty allowed list")

		_, err = reg.CanUse(ctx, "agent-a", "no-such-tool")
		assert.True(t, core.IsNotFound(err))
		assert.Equal(t, core.KindDependencyNotReady, core.KindOf(err))

		agent := testAgent("not-a-tool")
		require.NoError(t, reg.Register(ctx, agent))
		_, err = reg.CanUse(ctx, "agent-a", agent.ID)
		assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))
	})
}

func TestGetUnknownIsNotFound(t *testing.T) {
	registryVariants(t, func(t *testing.T, reg Registry) {
		_, err := reg.Get(context.Background(), "ghost")
		assert.True(t, core.IsNotFound(err))
	})
}
