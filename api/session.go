package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aard-labs/aard/core"
)

// Session is the lightweight per-session record: which workflows the
// session started and when it was last active. It exists so session_id
// round-trips across requests; conversation memory lives elsewhere.
type Session struct {
	SessionID   string    `json:"session_id"`
	WorkflowIDs []string  `json:"workflow_ids"`
	LastActive  time.Time `json:"last_active"`
}

// SessionTracker records session activity. Touch refreshes the record's
// TTL; an idle session eventually expires and Get reports it missing.
type SessionTracker interface {
	Touch(ctx context.Context, sessionID, workflowID string) error
	Get(ctx context.Context, sessionID string) (*Session, error)
}

// --- Redis tracker ---

// RedisSessionTracker keeps session records in Redis:
//
//	session:{id}            last-active timestamp (RFC3339)
//	session:{id}:workflows  set of workflow ids
//
// Both keys expire session.ttl_s after the last Touch.
type RedisSessionTracker struct {
	rdb *core.RedisClient
	ttl time.Duration
}

// NewRedisSessionTracker builds a tracker on the shared Redis client.
func NewRedisSessionTracker(rdb *core.RedisClient, cfg *core.Config) *RedisSessionTracker {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	return &RedisSessionTracker{
		rdb: rdb,
		ttl: time.Duration(cfg.Session.TTLSeconds) * time.Second,
	}
}

func (t *RedisSessionTracker) key(sessionID string) string         { return "session:" + sessionID }
func (t *RedisSessionTracker) workflowKey(sessionID string) string { return "session:" + sessionID + ":workflows" }

// Touch upserts the record and refreshes its TTL.
func (t *RedisSessionTracker) Touch(ctx context.Context, sessionID, workflowID string) error {
	const op = "session.Touch"
	if sessionID == "" {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "session id is required"}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := t.rdb.Pipeline()
	pipe.Set(ctx, t.rdb.Key(t.key(sessionID)), now, t.ttl)
	if workflowID != "" {
		pipe.SAdd(ctx, t.rdb.Key(t.workflowKey(sessionID)), workflowID)
	}
	pipe.Expire(ctx, t.rdb.Key(t.workflowKey(sessionID)), t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return &core.Error{Op: op, Kind: core.KindInternal, ID: sessionID, Err: err}
	}
	return nil
}

// Get loads a session record. Expired or never-touched sessions report
// ErrSessionNotFound.
func (t *RedisSessionTracker) Get(ctx context.Context, sessionID string) (*Session, error) {
	const op = "session.Get"
	if sessionID == "" {
		return nil, &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "session id is required"}
	}

	raw, err := t.rdb.Get(ctx, t.key(sessionID))
	if err != nil {
		if core.IsNil(err) {
			return nil, &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: sessionID, Err: core.ErrSessionNotFound}
		}
		return nil, &core.Error{Op: op, Kind: core.KindInternal, ID: sessionID, Err: err}
	}
	lastActive, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, &core.Error{Op: op, Kind: core.KindInternal, ID: sessionID, Err: err}
	}

	ids, err := t.rdb.SMembers(ctx, t.workflowKey(sessionID))
	if err != nil {
		return nil, &core.Error{Op: op, Kind: core.KindInternal, ID: sessionID, Err: err}
	}
	sort.Strings(ids)

	return &Session{SessionID: sessionID, WorkflowIDs: ids, LastActive: lastActive}, nil
}

// --- In-memory tracker ---

// MemorySessionTracker is the in-process twin for tests and single-node
// runs. TTLs are honored lazily on Get.
type MemorySessionTracker struct {
	mu       sync.RWMutex
	ttl      time.Duration
	sessions map[string]*memorySession
}

type memorySession struct {
	workflows  map[string]struct{}
	lastActive time.Time
}

// NewMemorySessionTracker builds an in-memory tracker.
func NewMemorySessionTracker(cfg *core.Config) *MemorySessionTracker {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	return &MemorySessionTracker{
		ttl:      time.Duration(cfg.Session.TTLSeconds) * time.Second,
		sessions: make(map[string]*memorySession),
	}
}

func (t *MemorySessionTracker) Touch(ctx context.Context, sessionID, workflowID string) error {
	if sessionID == "" {
		return &core.Error{Op: "session.Touch", Kind: core.KindInvalidRequest, Message: "session id is required"}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[sessionID]
	if !ok {
		sess = &memorySession{workflows: make(map[string]struct{})}
		t.sessions[sessionID] = sess
	}
	if workflowID != "" {
		sess.workflows[workflowID] = struct{}{}
	}
	sess.lastActive = time.Now().UTC()
	return nil
}

func (t *MemorySessionTracker) Get(ctx context.Context, sessionID string) (*Session, error) {
	const op = "session.Get"
	if sessionID == "" {
		return nil, &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "session id is required"}
	}
	t.mu.RLock()
	sess, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if !ok {
		return nil, &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: sessionID, Err: core.ErrSessionNotFound}
	}
	if t.ttl > 0 && time.Since(sess.lastActive) > t.ttl {
		t.mu.Lock()
		delete(t.sessions, sessionID)
		t.mu.Unlock()
		return nil, &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: sessionID, Err: core.ErrSessionNotFound}
	}

	t.mu.RLock()
	ids := make([]string, 0, len(sess.workflows))
	for id := range sess.workflows {
		ids = append(ids, id)
	}
	last := sess.lastActive
	t.mu.RUnlock()
	sort.Strings(ids)

	return &Session{SessionID: sessionID, WorkflowIDs: ids, LastActive: last}, nil
}
