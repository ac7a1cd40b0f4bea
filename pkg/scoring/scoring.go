// Package scoring ranks memories against a query by recency, importance and
// relevance. Every function here is pure.
package scoring

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memstream/pkg/model"
)

// DefaultDecay is the per-hour recency decay factor
const DefaultDecay = 0.99

// Weights scale the normalised components of the composite score
type Weights struct {
	Recency    float64 `yaml:"recency"`
	Importance float64 `yaml:"importance"`
	Relevance  float64 `yaml:"relevance"`
}

// DefaultWeights weighs every component equally
func DefaultWeights() Weights {
	return Weights{Recency: 1, Importance: 1, Relevance: 1}
}

// Validate rejects negative weights. A negative weight would let a memory
// that is better on every component rank below one that is worse.
func (w Weights) Validate() error {
	if w.Recency < 0 || w.Importance < 0 || w.Relevance < 0 {
		return goerr.New("weights must not be negative", goerr.V("weights", w))
	}
	return nil
}

// Recency returns decay^hours since lastAccess. A lastAccess after now is
// treated as no elapsed time.
func Recency(lastAccess, now time.Time, decay float64) float64 {
	hours := now.Sub(lastAccess).Hours()
	if hours < 0 {
		hours = 0
	}
	return math.Pow(decay, hours)
}

// Importance returns the rating cached on the memory at creation
func Importance(mem model.Memory) float64 {
	return mem.Importance
}

// CosineSimilarity returns the cosine of the angle between a and b, in [-1, 1].
// Vectors of different length or with zero norm score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return max(-1, min(1, sim))
}

// Relevance is the cosine similarity between a memory embedding and the query
func Relevance(embedding, query []float32) float64 {
	return CosineSimilarity(embedding, query)
}

// NormalizeBatch min-max scales values into [0, 1]. When every value is equal
// each one maps to 0.5.
func NormalizeBatch(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}

	lo, hi := slices.Min(values), slices.Max(values)
	span := hi - lo
	for i, v := range values {
		if span == 0 {
			out[i] = 0.5
			continue
		}
		out[i] = (v - lo) / span
	}
	return out
}

// Composite combines normalised component scores
func Composite(recency, importance, relevance float64, w Weights) float64 {
	return w.Recency*recency + w.Importance*importance + w.Relevance*relevance
}

// Params controls Rank
type Params struct {
	Decay   float64
	Weights Weights
}

// DefaultParams returns the default decay and equal weights
func DefaultParams() Params {
	return Params{Decay: DefaultDecay, Weights: DefaultWeights()}
}

// Rank scores candidates against query at now and returns them best first.
// Candidates must be in insertion order; equal scores are broken by the most
// recent CreatedAt and then by later insertion.
func Rank(candidates []model.Memory, query []float32, now time.Time, p Params) []model.ScoredMemory {
	n := len(candidates)
	if n == 0 {
		return nil
	}

	recency := make([]float64, n)
	importance := make([]float64, n)
	relevance := make([]float64, n)
	for i, mem := range candidates {
		recency[i] = Recency(mem.LastAccessedAt, now, p.Decay)
		importance[i] = Importance(mem)
		relevance[i] = Relevance(mem.Embedding, query)
	}

	normRecency := NormalizeBatch(recency)
	normImportance := NormalizeBatch(importance)
	normRelevance := NormalizeBatch(relevance)

	type ranked struct {
		scored model.ScoredMemory
		order  int
	}
	items := make([]ranked, n)
	for i, mem := range candidates {
		items[i] = ranked{
			order: i,
			scored: model.ScoredMemory{
				Memory:         mem,
				Recency:        recency[i],
				Importance:     importance[i],
				Relevance:      relevance[i],
				NormRecency:    normRecency[i],
				NormImportance: normImportance[i],
				NormRelevance:  normRelevance[i],
				Score:          Composite(normRecency[i], normImportance[i], normRelevance[i], p.Weights),
			},
		}
	}

	slices.SortFunc(items, func(a, b ranked) int {
		if c := cmp.Compare(b.scored.Score, a.scored.Score); c != 0 {
			return c
		}
		if c := b.scored.Memory.CreatedAt.Compare(a.scored.Memory.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.order, a.order)
	})

	result := make([]model.ScoredMemory, n)
	for i := range items {
		result[i] = items[i].scored
	}
	return result
}

// Top returns the first k ranked memories, or all of them when k exceeds the count
func Top(ranked []model.ScoredMemory, k int) []model.ScoredMemory {
	if k < 0 {
		k = 0
	}
	return ranked[:min(k, len(ranked))]
}
