package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memstream/pkg/interfaces"
	"github.com/m-mizutani/memstream/pkg/model"
)

// DefaultHashDimension is the vector length of Hash when none is given
const DefaultHashDimension = 256

// Hash is a deterministic offline embedder. Each lower-cased word is hashed
// into a signed bucket, so texts sharing words point in similar directions.
// It needs no network and is meant for demos, replays and tests.
type Hash struct {
	dimension int
}

var _ interfaces.Embedder = (*Hash)(nil)

func NewHash(dimension int) *Hash {
	if dimension <= 0 {
		dimension = DefaultHashDimension
	}
	return &Hash{dimension: dimension}
}

func (h *Hash) Dimension() int {
	return h.dimension
}

func (h *Hash) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.Classify(model.ErrEmbedding, err)
	}

	vec := make([]float32, h.dimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	for _, w := range words {
		sum := fnv64a(w)
		idx := int(sum % uint64(h.dimension))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	if normalize(vec) {
		return vec, nil
	}

	// no words, or their buckets cancelled out: derive a pseudo-random
	// direction from the raw text
	seed := fnv64a(text)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	if !normalize(vec) {
		return nil, goerr.Wrap(model.ErrEmbedding, "hash embedding has zero norm", goerr.V("text", text))
	}
	return vec, nil
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// normalize scales vec to unit length in place and reports whether it could
func normalize(vec []float32) bool {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return false
	}

	n := math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / n)
	}
	return true
}
