package interfaces

import (
	"context"
	"iter"
	"time"

	"github.com/m-mizutani/memstream/pkg/model"
)

// Embedder converts text into a fixed-dimension vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Rater converts text into an importance value in [model.MinImportance, model.MaxImportance]
type Rater interface {
	Rate(ctx context.Context, text string) (float64, error)
}

// Completer sends a single prompt to a language model and returns its text answer
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Clock provides the current instant. Tests inject a manual clock to control elapsed time.
type Clock interface {
	Now() time.Time
}

// MemoryStore holds the memories of one agent in insertion order
type MemoryStore interface {
	// Append adds a well-formed memory to the end of the store
	Append(ctx context.Context, mem *model.Memory) error

	// All iterates over copies of every memory in insertion order
	All() iter.Seq[model.Memory]

	// Snapshot returns copies of every memory at the time of the call
	Snapshot() []model.Memory

	// Touch moves LastAccessedAt of the given memories forward to at
	Touch(ctx context.Context, ids []model.MemoryID, at time.Time) error

	// Len returns the number of stored memories
	Len() int

	// Dimension returns the embedding dimension of the store, 0 while undetermined
	Dimension() int
}
