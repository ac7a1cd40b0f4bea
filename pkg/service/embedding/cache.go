package embedding

import (
	"context"
	"slices"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memstream/pkg/interfaces"
	"github.com/m-mizutani/memstream/pkg/utils/logging"
)

// Cached memoises embeddings by text
type Cached struct {
	next  interfaces.Embedder
	cache *ristretto.Cache
}

var _ interfaces.Embedder = (*Cached)(nil)

// NewCached wraps next with a cache bounded to maxBytes of vector data
func NewCached(next interfaces.Embedder, maxBytes int64) (*Cached, error) {
	if maxBytes <= 0 {
		return nil, goerr.New("embedding cache size must be positive", goerr.V("max_bytes", maxBytes))
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: max(maxBytes/256, 1000),
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache")
	}

	return &Cached{next: next, cache: cache}, nil
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			logging.From(ctx).Debug("embedding cache hit", "text", text)
			return slices.Clone(vec), nil
		}
	}

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.cache.Set(text, slices.Clone(vec), int64(len(vec)*4))
	return vec, nil
}

// Wait blocks until pending cache writes are visible
func (c *Cached) Wait() {
	c.cache.Wait()
}

// Close stops the cache's background goroutines
func (c *Cached) Close() {
	c.cache.Close()
}
