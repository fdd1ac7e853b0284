package governor

import (
	"context"
	"sync"
	"time"

	"github.com/aard-labs/aard/core"
)

// MemoryGovernor is the in-memory Governor used by tests and dev mode.
// Counters expire exactly like the Redis buckets.
type MemoryGovernor struct {
	cfg   *core.Config
	tasks *slots

	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	val     int64
	expires time.Time
}

var _ Governor = (*MemoryGovernor)(nil)

// NewMemoryGovernor creates an in-memory governor.
func NewMemoryGovernor(cfg *core.Config) *MemoryGovernor {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	return &MemoryGovernor{
		cfg:      cfg,
		tasks:    newSlots(cfg.Quota.Limit(string(ResourceConcurrentTasks), string(PeriodTotal))),
		counters: make(map[string]*counter),
	}
}

// add charges a bucket and returns the new value. Callers hold g.mu.
func (g *MemoryGovernor) add(key string, n int64, ttl time.Duration, now time.Time) int64 {
	c, ok := g.counters[key]
	if !ok || (!c.expires.IsZero() && now.After(c.expires)) {
		c = &counter{}
		if ttl > 0 {
			c.expires = now.Add(ttl)
		}
		g.counters[key] = c
	}
	c.val += n
	return c.val
}

func (g *MemoryGovernor) read(key string, now time.Time) int64 {
	c, ok := g.counters[key]
	if !ok || (!c.expires.IsZero() && now.After(c.expires)) {
		return 0
	}
	if c.val < 0 {
		return 0
	}
	return c.val
}

// Admit implements Governor.
func (g *MemoryGovernor) Admit(ctx context.Context, resource Resource, n int64) error {
	if err := validateAdmit("governor.Admit", resource, n); err != nil {
		return err
	}
	if resource == ResourceConcurrentTasks {
		return &core.Error{Op: "governor.Admit", Kind: core.KindInvalidRequest, ID: string(resource), Message: "concurrent tasks are slot managed, use AcquireSlot"}
	}
	if n == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	var charged []Period
	for _, period := range Periods {
		limit := g.cfg.Quota.Limit(string(resource), string(period))
		if limit <= 0 {
			continue
		}
		key := quotaKey(resource, period, bucket(period, now))
		val := g.add(key, n, bucketTTL(period), now)
		if val > limit {
			for _, p := range append(charged, period) {
				g.add(quotaKey(resource, p, bucket(p, now)), -n, bucketTTL(p), now)
			}
			return deniedError("governor.Admit", resource, period, n, val-n, limit)
		}
		charged = append(charged, period)
	}
	return nil
}

// Release implements Governor.
func (g *MemoryGovernor) Release(ctx context.Context, resource Resource, n int64) error {
	if err := validateAdmit("governor.Release", resource, n); err != nil {
		return err
	}
	if resource == ResourceConcurrentTasks || n == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for _, period := range limitedPeriods(g.cfg, resource) {
		g.add(quotaKey(resource, period, bucket(period, now)), -n, bucketTTL(period), now)
	}
	return nil
}

// Usage implements Governor.
func (g *MemoryGovernor) Usage(ctx context.Context, resource Resource) (*Usage, error) {
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

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for _, period := range Periods {
		limit := g.cfg.Quota.Limit(string(resource), string(period))
		u.Limits[period] = limit
		if limit <= 0 {
			continue
		}
		u.Used[period] = g.read(quotaKey(resource, period, bucket(period, now)), now)
	}
	return u, nil
}

// WithTimeout implements Governor.
func (g *MemoryGovernor) WithTimeout(ctx context.Context, class TimeoutClass) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, g.cfg, class)
}

// AcquireSlot implements Governor.
func (g *MemoryGovernor) AcquireSlot(ctx context.Context) (func(), error) {
	return g.tasks.acquire(ctx)
}
