package journal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aard-labs/aard/core"
)

// MemoryStore is the in-memory Store twin, used in tests and dev mode.
// Events are deep-copied on both write and read so callers can never
// mutate journal history.
type MemoryStore struct {
	mu        sync.RWMutex
	seq       map[string]int64
	events    map[string][]*Event
	bySession map[string][]*Event
	recent    []*Event
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seq:       make(map[string]int64),
		events:    make(map[string][]*Event),
		bySession: make(map[string][]*Event),
	}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq[e.WorkflowID] + 1
	s.seq[e.WorkflowID] = seq
	e.Sequence = seq
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	stored, err := copyEvent(e)
	if err != nil {
		return err
	}
	s.events[e.WorkflowID] = append(s.events[e.WorkflowID], stored)
	if e.SessionID != "" {
		s.bySession[e.SessionID] = append(s.bySession[e.SessionID], stored)
	}
	s.recent = append(s.recent, stored)
	if len(s.recent) > recentFeedMax {
		s.recent = s.recent[len(s.recent)-recentFeedMax:]
	}
	return nil
}

// ByWorkflow implements Store.
func (s *MemoryStore) ByWorkflow(ctx context.Context, workflowID string, afterSeq int64, limit int) ([]*Event, error) {
	if workflowID == "" {
		return nil, &core.Error{Op: "journal.ByWorkflow", Kind: core.KindInvalidRequest, Message: "workflow_id is required"}
	}
	limit = clampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events[workflowID] {
		if e.Sequence <= afterSeq {
			continue
		}
		copied, err := copyEvent(e)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// BySession implements Store. Newest first.
func (s *MemoryStore) BySession(ctx context.Context, sessionID string, limit int) ([]*Event, error) {
	if sessionID == "" {
		return nil, &core.Error{Op: "journal.BySession", Kind: core.KindInvalidRequest, Message: "session_id is required"}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyNewestFirst(s.bySession[sessionID], clampLimit(limit))
}

// Recent implements Store. Newest first.
func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyNewestFirst(s.recent, clampLimit(limit))
}

func copyNewestFirst(events []*Event, limit int) ([]*Event, error) {
	var out []*Event
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		copied, err := copyEvent(events[i])
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

// copyEvent deep-copies via JSON, the same isolation the Redis store gets
// from serialization.
func copyEvent(e *Event) (*Event, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var out Event
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
