package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aard-labs/aard/core"
)

// VectorMemoryStore is the in-memory MemoryStore used by tests and dev
// mode: a mutex-guarded map with per-entry expiry and cosine ranking
// over stored embeddings.
type VectorMemoryStore struct {
	embedder Embedder

	mu      sync.RWMutex
	entries map[string]*storedEntry
}

type storedEntry struct {
	entry   Entry
	expires time.Time
}

var _ MemoryStore = (*VectorMemoryStore)(nil)

// NewVectorMemoryStore creates an in-memory memory store. A nil
// embedder gets the default hashing embedder.
func NewVectorMemoryStore(embedder Embedder) *VectorMemoryStore {
	if embedder == nil {
		embedder = NewHashEmbedder(0)
	}
	return &VectorMemoryStore{
		embedder: embedder,
		entries:  make(map[string]*storedEntry),
	}
}

// Set implements MemoryStore.
func (s *VectorMemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if key == "" {
		return &core.Error{Op: "memory.Set", Kind: core.KindInvalidRequest, Message: "key is required"}
	}
	entry := Entry{Key: key, Text: value, CreatedAt: time.Now().UTC()}
	if vec, err := s.embedder.Embed(ctx, value); err == nil {
		entry.Embedding = vec
	}

	stored := &storedEntry{entry: entry}
	if ttl > 0 {
		stored.expires = time.Now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = stored
	return nil
}

// Get implements MemoryStore.
func (s *VectorMemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.entries[key]
	if !ok || stored.expired(time.Now()) {
		return "", nil
	}
	return stored.entry.Text, nil
}

// Delete implements MemoryStore.
func (s *VectorMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Exists implements MemoryStore.
func (s *VectorMemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.entries[key]
	return ok && !stored.expired(time.Now()), nil
}

// SearchSimilar implements MemoryStore.
func (s *VectorMemoryStore) SearchSimilar(ctx context.Context, text string, k int) ([]Scored, error) {
	if k <= 0 {
		return nil, nil
	}
	query, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	scored := make([]Scored, 0, len(s.entries))
	for _, stored := range s.entries {
		if stored.expired(now) || len(stored.entry.Embedding) == 0 {
			continue
		}
		entry := stored.entry
		scored = append(scored, Scored{Entry: &entry, Score: cosine(query, entry.Embedding)})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (e *storedEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}
