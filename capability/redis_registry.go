package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/telemetry"
)

// RedisRegistry persists capability records in Redis:
//
//	capability:{id}           record JSON
//	capabilities:all          SET of ids
//	capabilities:type:{type}  SET of ids
//	capabilities:tag:{tag}    SET of ids
//
// Registration writes the record and its index memberships in one
// pipeline. Indexes carry no TTL: records live until deactivated and the
// health monitor, not key expiry, decides availability.
type RedisRegistry struct {
	client *core.RedisClient
	logger core.Logger

	mu sync.Mutex
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry creates a Redis-backed capability registry.
func NewRedisRegistry(client *core.RedisClient, logger core.Logger) (*RedisRegistry, error) {
	if client == nil {
		return nil, &core.Error{Op: "capability.NewRedisRegistry", Kind: core.KindInvalidRequest, Message: "redis client is required"}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("aard/capability")
	}
	return &RedisRegistry{client: client, logger: logger}, nil
}

func recordKey(id string) string { return "capability:" + id }
func typeKey(t Type) string { return "capabilities:type:" + string(t) }
func tagKey(tag string) string { return "capabilities:tag:" + tag }

const allKey = "capabilities:all"

// Register implements Registry.
func (r *RedisRegistry) Register(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	var prev *Record
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	} else if existing, err := r.load(ctx, "capability.Register", rec.ID); err == nil {
		prev = existing
	}

	if prev != nil {
		rec.Metrics = prev.Metrics
		rec.TrustScore = prev.TrustScore
		rec.Health = prev.Health
		rec.ConsecutiveFails = prev.ConsecutiveFails
		rec.LastHealthCheck = prev.LastHealthCheck
		rec.RegisteredAt = prev.RegisteredAt
	} else {
		rec.Health = HealthUnknown
		rec.TrustScore = 0.5
		rec.RegisteredAt = now
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal capability record: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.client.Key(recordKey(rec.ID)), data, 0)
	pipe.SAdd(ctx, r.client.Key(allKey), rec.ID)
	pipe.SAdd(ctx, r.client.Key(typeKey(rec.Type)), rec.ID)
	for _, tag := range rec.Capabilities {
		pipe.SAdd(ctx, r.client.Key(tagKey(tag)), rec.ID)
	}
	if prev != nil {
		if prev.Type != rec.Type {
			pipe.SRem(ctx, r.client.Key(typeKey(prev.Type)), rec.ID)
		}
		for _, tag := range prev.Capabilities {
			if !containsString(rec.Capabilities, tag) {
				pipe.SRem(ctx, r.client.Key(tagKey(tag)), rec.ID)
			}
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register capability: %w", err)
	}

	r.logger.Info("Capability registered", map[string]interface{}{
		"operation":     "capability_register",
		"capability_id": rec.ID,
		"name":          rec.Name,
		"type":          string(rec.Type),
		"tags":          len(rec.Capabilities),
		"updated":       prev != nil,
	})
	return nil
}

func (r *RedisRegistry) load(ctx context.Context, op, id string) (*Record, error) {
	data, err := r.client.Get(ctx, recordKey(id))
	if core.IsNil(err) {
		return nil, notFound(op, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load capability: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capability: %w", err)
	}
	return &rec, nil
}

func (r *RedisRegistry) save(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal capability record: %w", err)
	}
	if err := r.client.Set(ctx, recordKey(rec.ID), data, 0); err != nil {
		return fmt.Errorf("failed to store capability record: %w", err)
	}
	return nil
}

// Deactivate implements Registry.
func (r *RedisRegistry) Deactivate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.load(ctx, "capability.Deactivate", id)
	if err != nil {
		return err
	}
	if rec.Status == StatusPaused {
		return nil
	}
	rec.Status = StatusPaused
	if err := r.save(ctx, rec); err != nil {
		return err
	}
	r.logger.Info("Capability deactivated", map[string]interface{}{
		"operation":     "capability_deactivate",
		"capability_id": id,
		"name":          rec.Name,
	})
	return nil
}

// Get implements Registry.
func (r *RedisRegistry) Get(ctx context.Context, id string) (*Record, error) {
	return r.load(ctx, "capability.Get", id)
}

// List implements Registry. The narrowest available index seeds the scan.
func (r *RedisRegistry) List(ctx context.Context, f Filter) ([]*Record, error) {
	indexKey := allKey
	switch {
	case f.Capability != "":
		indexKey = tagKey(f.Capability)
	case f.Type != "":
		indexKey = typeKey(f.Type)
	}
	ids, err := r.client.SMembers(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read capability index: %w", err)
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := r.load(ctx, "capability.List", id)
		if err != nil {
			if core.IsNotFound(err) {
				r.logger.Warn("Capability index references missing record", map[string]interface{}{
					"operation":     "capability_list",
					"capability_id": id,
				})
				continue
			}
			return nil, err
		}
		if f.Matches(rec) {
			records = append(records, rec)
		}
	}
	sortRecords(records)
	return records, nil
}

// RecordExecution implements Registry.
func (r *RedisRegistry) RecordExecution(ctx context.Context, id string, success bool, latencyMs float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.load(ctx, "capability.RecordExecution", id)
	if err != nil {
		return err
	}
	rec.applyExecution(success, latencyMs)
	if err := r.save(ctx, rec); err != nil {
		return err
	}

	result := "failure"
	if success {
		result = "success"
	}
	telemetry.Counter("aard.capability.executions",
		"type", string(rec.Type),
		"result", result,
	)
	return nil
}

// UpdateHealth implements Registry.
func (r *RedisRegistry) UpdateHealth(ctx context.Context, id string, health Health, consecutiveFails int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.load(ctx, "capability.UpdateHealth", id)
	if err != nil {
		return err
	}
	rec.Health = health
	rec.ConsecutiveFails = consecutiveFails
	rec.LastHealthCheck = time.Now().UTC()
	return r.save(ctx, rec)
}

// CanUse implements Registry.
func (r *RedisRegistry) CanUse(ctx context.Context, agentID, toolID string) (bool, error) {
	rec, err := r.load(ctx, "capability.CanUse", toolID)
	if err != nil {
		return false, err
	}
	if rec.Type != TypeTool {
		return false, &core.Error{Op: "capability.CanUse", Kind: core.KindInvalidRequest, ID: toolID, Message: "access rules apply to tools"}
	}
	return rec.canUse(agentID), nil
}

func sortRecords(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Name != records[j].Name {
			return records[i].Name < records[j].Name
		}
		return records[i].ID < records[j].ID
	})
}
