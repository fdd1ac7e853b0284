package governor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/telemetry"
)

// RedisGovernor tracks quota counters in Redis:
//
//	quota:{resource}:{period}:{bucket}  INCRBY counter, TTL per window
//
// Counters are charged with INCRBY and rolled back on denial, so a burst
// of concurrent admits cannot sneak past a limit between check and
// charge. Concurrent task slots are a process-local semaphore: one
// process owns its workflows, so slot state has no reader elsewhere.
type RedisGovernor struct {
	client *core.RedisClient
	cfg    *core.Config
	logger core.Logger
	tasks  *slots
}

var _ Governor = (*RedisGovernor)(nil)

// NewRedisGovernor creates a Redis-backed governor.
func NewRedisGovernor(client *core.RedisClient, cfg *core.Config, logger core.Logger) (*RedisGovernor, error) {
	if client == nil {
		return nil, &core.Error{Op: "governor.NewRedisGovernor", Kind: core.KindInvalidRequest, Message: "redis client is required"}
	}
	if cfg == nil {
		return nil, &core.Error{Op: "governor.NewRedisGovernor", Kind: core.KindInvalidRequest, Message: "config is required"}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("aard/governor")
	}
	return &RedisGovernor{
		client: client,
		cfg:    cfg,
		logger: logger,
		tasks:  newSlots(cfg.Quota.Limit(string(ResourceConcurrentTasks), string(PeriodTotal))),
	}, nil
}

func quotaKey(resource Resource, period Period, bucket string) string {
	return fmt.Sprintf("quota:%s:%s:%s", resource, period, bucket)
}

// Admit implements Governor.
func (g *RedisGovernor) Admit(ctx context.Context, resource Resource, n int64) error {
	if err := validateAdmit("governor.Admit", resource, n); err != nil {
		return err
	}
	if resource == ResourceConcurrentTasks {
		return &core.Error{Op: "governor.Admit", Kind: core.KindInvalidRequest, ID: string(resource), Message: "concurrent tasks are slot managed, use AcquireSlot"}
	}
	if n == 0 {
		return nil
	}

	now := time.Now()
	var charged []Period
	for _, period := range Periods {
		limit := g.cfg.Quota.Limit(string(resource), string(period))
		if limit <= 0 {
			continue
		}
		key := quotaKey(resource, period, bucket(period, now))
		val, err := g.client.IncrBy(ctx, key, n)
		if err != nil {
			g.refund(ctx, resource, charged, n, now)
			return fmt.Errorf("failed to charge quota counter: %w", err)
		}
		if ttl := bucketTTL(period); ttl > 0 && val == n {
			if err := g.client.Expire(ctx, key, ttl); err != nil {
				g.logger.Warn("Failed to set quota bucket TTL", map[string]interface{}{
					"operation": "governor_admit",
					"key":       key,
					"error":     err.Error(),
				})
			}
		}
		if val > limit {
			g.refund(ctx, resource, append(charged, period), n, now)
			g.logger.Warn("Quota admission denied", map[string]interface{}{
				"operation": "governor_admit",
				"resource":  string(resource),
				"period":    string(period),
				"requested": n,
				"used":      val - n,
				"limit":     limit,
			})
			telemetry.Counter("aard.governor.denials", "resource", string(resource), "period", string(period))
			return deniedError("governor.Admit", resource, period, n, val-n, limit)
		}
		charged = append(charged, period)
	}
	return nil
}

// refund undoes charges made during a failed admit.
func (g *RedisGovernor) refund(ctx context.Context, resource Resource, periods []Period, n int64, now time.Time) {
	for _, period := range periods {
		key := quotaKey(resource, period, bucket(period, now))
		if _, err := g.client.DecrBy(ctx, key, n); err != nil {
			g.logger.Warn("Failed to refund quota counter", map[string]interface{}{
				"operation": "governor_refund",
				"key":       key,
				"error":     err.Error(),
			})
		}
	}
}

// Release implements Governor.
func (g *RedisGovernor) Release(ctx context.Context, resource Resource, n int64) error {
	if err := validateAdmit("governor.Release", resource, n); err != nil {
		return err
	}
	if resource == ResourceConcurrentTasks || n == 0 {
		return nil
	}
	g.refund(ctx, resource, limitedPeriods(g.cfg, resource), n, time.Now())
	return nil
}

// Usage implements Governor.
func (g *RedisGovernor) Usage(ctx context.Context, resource Resource) (*Usage, error) {
	if !ValidResource(resource) {
		return nil, &core.Error{Op: "governor.Usage", Kind: core.KindInvalidRequest, ID: string(resource), Message: "unknown resource"}
	}
	u := &Usage{
		Resource: resource,
		Used:     make(map[Period]int64),
		Limits:   make(map[Period]int64),
	}
	if resource == ResourceConcurrentTasks {
		u.Used[PeriodTotal] = g.tasks.used()
		u.Limits[PeriodTotal] = g.tasks.limit()
		return u, nil
	}

	now := time.Now()
	for _, period := range Periods {
		limit := g.cfg.Quota.Limit(string(resource), string(period))
		u.Limits[period] = limit
		if limit <= 0 {
			continue
		}
		val, err := g.client.Get(ctx, quotaKey(resource, period, bucket(period, now)))
		if core.IsNil(err) {
			u.Used[period] = 0
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read quota counter: %w", err)
		}
		used, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("quota counter is not a number: %w", err)
		}
		if used < 0 {
			used = 0
		}
		u.Used[period] = used
	}
	return u, nil
}

// WithTimeout implements Governor.
func (g *RedisGovernor) WithTimeout(ctx context.Context, class TimeoutClass) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, g.cfg, class)
}

// AcquireSlot implements Governor.
func (g *RedisGovernor) AcquireSlot(ctx context.Context) (func(), error) {
	release, err := g.tasks.acquire(ctx)
	if err != nil {
		return nil, err
	}
	telemetry.Gauge("aard.governor.concurrent_tasks", 1)
	var once sync.Once
	return func() {
		once.Do(func() {
			release()
			telemetry.Gauge("aard.governor.concurrent_tasks", -1)
		})
	}, nil
}

// limitedPeriods lists the periods that carry a limit for the resource.
func limitedPeriods(cfg *core.Config, resource Resource) []Period {
	var out []Period
	for _, period := range Periods {
		if cfg.Quota.Limit(string(resource), string(period)) > 0 {
			out = append(out, period)
		}
	}
	return out
}
