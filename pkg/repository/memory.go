package repository

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memstream/pkg/interfaces"
	"github.com/m-mizutani/memstream/pkg/model"
)

// MemoryStore is the append-only memory stream of a single agent. Append and
// Touch are serialised by a write lock; readers work on copies taken under a
// read lock.
type MemoryStore struct {
	mu        sync.RWMutex
	memories  []*model.Memory
	index     map[model.MemoryID]int
	dimension int
}

var _ interfaces.MemoryStore = (*MemoryStore)(nil)

// MemoryStoreOption is a functional option for MemoryStore
type MemoryStoreOption func(*MemoryStore)

// WithDimension fixes the embedding dimension up front instead of taking it
// from the first appended memory
func WithDimension(dim int) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.dimension = dim
	}
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		index: make(map[model.MemoryID]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append stores a copy of mem at the end of the stream.
func (s *MemoryStore) Append(ctx context.Context, mem *model.Memory) error {
	if mem == nil {
		return goerr.Wrap(model.ErrInvalidMemory, "memory is nil")
	}
	if err := mem.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return goerr.Wrap(err, "append cancelled", goerr.V("id", mem.ID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dimension != 0 && len(mem.Embedding) != s.dimension {
		return goerr.Wrap(model.ErrEmbedding, "embedding dimension mismatch",
			goerr.V("id", mem.ID),
			goerr.V("expected", s.dimension),
			goerr.V("actual", len(mem.Embedding)))
	}
	if _, exists := s.index[mem.ID]; exists {
		return goerr.Wrap(model.ErrInvalidMemory, "memory already stored", goerr.V("id", mem.ID))
	}

	stored := mem.Clone()
	if s.dimension == 0 {
		s.dimension = len(stored.Embedding)
	}
	s.index[stored.ID] = len(s.memories)
	s.memories = append(s.memories, &stored)

	return nil
}

// All returns a restartable iterator over copies of the memories in insertion
// order. Each pass reads the memories present when that pass begins.
func (s *MemoryStore) All() iter.Seq[model.Memory] {
	return func(yield func(model.Memory) bool) {
		for _, mem := range s.Snapshot() {
			if !yield(mem) {
				return
			}
		}
	}
}

// Snapshot returns copies of every memory in insertion order.
func (s *MemoryStore) Snapshot() []model.Memory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Memory, len(s.memories))
	for i, mem := range s.memories {
		result[i] = mem.Clone()
	}
	return result
}

// Touch records an access at the given instant. Access times never move
// backwards, so an older instant leaves a memory untouched. If any ID is
// unknown, no memory is updated.
func (s *MemoryStore) Touch(ctx context.Context, ids []model.MemoryID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return goerr.Wrap(err, "touch cancelled")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	targets := make([]*model.Memory, len(ids))
	for i, id := range ids {
		idx, ok := s.index[id]
		if !ok {
			return goerr.New("memory not found", goerr.V("id", id))
		}
		targets[i] = s.memories[idx]
	}

	for _, mem := range targets {
		if at.After(mem.LastAccessedAt) {
			mem.LastAccessedAt = at
		}
	}

	return nil
}

// Len returns the number of stored memories
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.memories)
}

// Dimension returns the embedding dimension, or 0 if no memory has been stored yet
func (s *MemoryStore) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension
}
