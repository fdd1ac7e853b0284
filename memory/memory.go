// Package memory holds the durable state the pipeline falls back on:
// checkpoints that make plan execution rewindable, and a long-term
// memory interface for recall across workflows.
//
// Checkpoints are append-only. Every snapshot is hashed at creation and
// the hash is verified again on restore, so a corrupted or tampered
// snapshot fails loudly instead of resuming a workflow from bad state.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/aard-labs/aard/core"
)

// Checkpoint is an immutable snapshot of an entity's state. The latest
// checkpoint per entity is the rollback target.
type Checkpoint struct {
	CheckpointID  string          `json:"checkpoint_id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	StateSnapshot json.RawMessage `json:"state_snapshot"`
	StateHash     string          `json:"state_hash"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Verify recomputes the snapshot hash and reports corruption.
func (c *Checkpoint) Verify() error {
	if hashState(c.StateSnapshot) != c.StateHash {
		return &core.Error{
			Op:      "memory.Verify",
			Kind:    core.KindCheckpointCorrupt,
			ID:      c.CheckpointID,
			Message: "state hash mismatch",
		}
	}
	return nil
}

// CheckpointStore persists checkpoints. Implementations are append-only:
// checkpoints are never updated or deleted.
type CheckpointStore interface {
	// Create snapshots the entity state and persists it durably. The
	// snapshot is marshaled once and hashed over the stored bytes.
	Create(ctx context.Context, entityType, entityID string, snapshot interface{}, reason string) (*Checkpoint, error)

	// Latest returns the newest checkpoint for the entity.
	Latest(ctx context.Context, entityType, entityID string) (*Checkpoint, error)

	// Restore verifies the checkpoint hash and unmarshals the snapshot
	// into the target. A hash mismatch is kind checkpoint_corrupt and
	// the target is left untouched.
	Restore(ctx context.Context, checkpointID string, into interface{}) (*Checkpoint, error)

	// List returns up to limit checkpoints for the entity, newest first.
	// A non-positive limit returns all of them.
	List(ctx context.Context, entityType, entityID string, limit int) ([]*Checkpoint, error)
}

// MemoryStore is long-term memory: keyed values with TTL plus
// similarity search over everything remembered. Get returns an empty
// string for a missing key; callers that care use Exists.
type MemoryStore interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// SearchSimilar returns up to k remembered entries ranked by cosine
	// similarity to the query text, best first.
	SearchSimilar(ctx context.Context, text string, k int) ([]Scored, error)
}

// Entry is a remembered value with its embedding.
type Entry struct {
	Key       string    `json:"key"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Scored pairs an entry with its similarity to a query.
type Scored struct {
	Entry *Entry  `json:"entry"`
	Score float64 `json:"score"`
}

// Embedder turns text into a vector. Implementations must be
// deterministic for the same input so stored and query embeddings
// remain comparable.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashEmbedder is a feature-hashing embedder: tokens are hashed into a
// fixed number of buckets and the vector is L2-normalized. It captures
// token overlap only, which is enough for recall ranking without an
// embedding model.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hashing embedder. Non-positive dims selects
// the default of 256 buckets.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

var _ Embedder = (*HashEmbedder)(nil)

// Embed implements Embedder.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[h.Sum32()%uint32(e.dims)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// cosine is the similarity between two vectors, 0 when either is empty
// or the dimensions disagree.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// hashState hashes snapshot bytes to the stored hex digest.
func hashState(snapshot []byte) string {
	sum := sha256.Sum256(snapshot)
	return hex.EncodeToString(sum[:])
}

// encodeSnapshot marshals a snapshot and computes its hash. The stored
// bytes are the canonical form: verification always rehashes exactly
// what was written.
func encodeSnapshot(op string, snapshot interface{}) (json.RawMessage, string, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, "", &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "snapshot is not serializable", Err: err}
	}
	return data, hashState(data), nil
}

func validateEntity(op, entityType, entityID string) error {
	if entityType == "" || entityID == "" {
		return &core.Error{Op: op, Kind: core.KindInvalidRequest, Message: "entity type and id are required"}
	}
	return nil
}

func notFound(op, id string) error {
	return &core.Error{Op: op, Kind: core.KindInvalidRequest, ID: id, Err: core.ErrCheckpointNotFound}
}
