package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/aard-labs/aard/core"
)

// recentFeedMax bounds the cross-workflow operational feed.
const recentFeedMax = 1000

// RedisStore persists events in Redis:
//
//	events:{wid}          ZSET event JSON by sequence
//	events:seq:{wid}      INCR sequence counter
//	events:session:{sid}  ZSET "wid:seq" refs by timestamp
//	events:recent         ZSET "wid:seq" refs by timestamp, trimmed
//
// The per-workflow ZSET keyed by the INCR-assigned sequence is what makes
// reads strictly ordered and gap-free for pagination.
type RedisStore struct {
	client *core.RedisClient
	logger core.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed event store.
func NewRedisStore(client *core.RedisClient, logger core.Logger) *RedisStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("aard/journal")
	}
	return &RedisStore{client: client, logger: logger}
}

func eventsKey(workflowID string) string { return "events:" + workflowID }
func seqKey(workflowID string) string { return "events:seq:" + workflowID }
func sessionKey(sessionID string) string { return "events:session:" + sessionID }
func eventRef(wid string, seq int64) string {
	return wid + ":" + strconv.FormatInt(seq, 10)
}

const recentKey = "events:recent"

// Append implements Store. The sequence comes from a per-workflow INCR so
// concurrent appenders cannot produce ties; the event write itself must
// succeed or the append fails.
func (s *RedisStore) Append(ctx context.Context, e *Event) error {
	seq, err := s.client.Incr(ctx, seqKey(e.WorkflowID))
	if err != nil {
		return fmt.Errorf("failed to assign sequence: %w", err)
	}
	e.Sequence = seq
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := s.client.ZAdd(ctx, eventsKey(e.WorkflowID), &redis.Z{
		Score:  float64(seq),
		Member: string(data),
	}); err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}

	// Index writes are best effort: the event itself is durable.
	ref := eventRef(e.WorkflowID, seq)
	score := float64(e.Timestamp.UnixNano())
	if e.SessionID != "" {
		if err := s.client.ZAdd(ctx, sessionKey(e.SessionID), &redis.Z{Score: score, Member: ref}); err != nil {
			s.logger.Warn("Failed to index event by session", map[string]interface{}{
				"operation":  "journal_index_session",
				"session_id": e.SessionID,
				"error":      err.Error(),
			})
		}
	}
	if err := s.client.ZAdd(ctx, recentKey, &redis.Z{Score: score, Member: ref}); err != nil {
		s.logger.Warn("Failed to index event in recent feed", map[string]interface{}{
			"operation": "journal_index_recent",
			"error":     err.Error(),
		})
	} else if err := s.client.ZRemRangeByRank(ctx, recentKey, 0, -(recentFeedMax + 1)); err != nil {
		s.logger.Warn("Failed to trim recent feed", map[string]interface{}{
			"operation": "journal_trim_recent",
			"error":     err.Error(),
		})
	}

	return nil
}

// ByWorkflow implements Store.
func (s *RedisStore) ByWorkflow(ctx context.Context, workflowID string, afterSeq int64, limit int) ([]*Event, error) {
	if workflowID == "" {
		return nil, &core.Error{Op: "journal.ByWorkflow", Kind: core.KindInvalidRequest, Message: "workflow_id is required"}
	}
	limit = clampLimit(limit)

	min := "-inf"
	if afterSeq > 0 {
		min = fmt.Sprintf("(%d", afterSeq)
	}
	members, err := s.client.ZRangeByScore(ctx, eventsKey(workflowID), &redis.ZRangeBy{
		Min:   min,
		Max:   "+inf",
		Count: int64(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	events := make([]*Event, 0, len(members))
	for _, m := range members {
		var e Event
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			s.logger.Warn("Skipping unreadable event", map[string]interface{}{
				"operation":   "journal_read",
				"workflow_id": workflowID,
				"error":       err.Error(),
			})
			continue
		}
		events = append(events, &e)
	}
	return events, nil
}

// BySession implements Store. Newest first.
func (s *RedisStore) BySession(ctx context.Context, sessionID string, limit int) ([]*Event, error) {
	if sessionID == "" {
		return nil, &core.Error{Op: "journal.BySession", Kind: core.KindInvalidRequest, Message: "session_id is required"}
	}
	return s.resolveRefs(ctx, sessionKey(sessionID), limit)
}

// Recent implements Store. Newest first.
func (s *RedisStore) Recent(ctx context.Context, limit int) ([]*Event, error) {
	return s.resolveRefs(ctx, recentKey, limit)
}

// resolveRefs reads "wid:seq" refs from an index and loads each event,
// removing refs whose event is gone.
func (s *RedisStore) resolveRefs(ctx context.Context, indexKey string, limit int) ([]*Event, error) {
	limit = clampLimit(limit)
	refs, err := s.client.ZRevRange(ctx, indexKey, 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	events := make([]*Event, 0, len(refs))
	var stale []interface{}
	for _, ref := range refs {
		e, ok := s.loadRef(ctx, ref)
		if !ok {
			stale = append(stale, ref)
			continue
		}
		events = append(events, e)
	}

	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, indexKey, stale...); err != nil {
			s.logger.Warn("Failed to clean stale index entries", map[string]interface{}{
				"operation": "journal_index_cleanup",
				"count":     len(stale),
				"error":     err.Error(),
			})
		}
	}
	return events, nil
}

// loadRef resolves one "wid:seq" ref to its event.
func (s *RedisStore) loadRef(ctx context.Context, ref string) (*Event, bool) {
	idx := strings.LastIndex(ref, ":")
	if idx <= 0 {
		return nil, false
	}
	wid := ref[:idx]
	seq, err := strconv.ParseInt(ref[idx+1:], 10, 64)
	if err != nil {
		return nil, false
	}
	bound := strconv.FormatInt(seq, 10)
	members, err := s.client.ZRangeByScore(ctx, eventsKey(wid), &redis.ZRangeBy{Min: bound, Max: bound})
	if err != nil || len(members) == 0 {
		return nil, false
	}
	var e Event
	if err := json.Unmarshal([]byte(members[0]), &e); err != nil {
		return nil, false
	}
	return &e, true
}
