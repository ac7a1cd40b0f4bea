package memory

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memstream/pkg/model"
	"github.com/m-mizutani/memstream/pkg/scoring"
	"github.com/m-mizutani/memstream/pkg/utils/logging"
	"go.opentelemetry.io/otel/attribute"
)

type retrieveOptions struct {
	k       int
	weights scoring.Weights
	now     time.Time
}

// RetrieveOption adjusts a single retrieval
type RetrieveOption func(*retrieveOptions)

// WithK sets the maximum number of memories returned
func WithK(k int) RetrieveOption {
	return func(o *retrieveOptions) {
		o.k = k
	}
}

// WithWeights sets the composite score weights for this retrieval
func WithWeights(w scoring.Weights) RetrieveOption {
	return func(o *retrieveOptions) {
		o.weights = w
	}
}

// WithNow scores against t instead of the use case clock
func WithNow(t time.Time) RetrieveOption {
	return func(o *retrieveOptions) {
		o.now = t
	}
}

// Retrieve returns up to k memories most relevant to situation, best first,
// and marks exactly those memories as accessed now.
func (u *UseCase) Retrieve(ctx context.Context, situation string, opts ...RetrieveOption) ([]model.Memory, error) {
	scored, err := u.RetrieveScored(ctx, situation, opts...)
	if err != nil {
		return nil, err
	}

	result := make([]model.Memory, len(scored))
	for i, s := range scored {
		result[i] = s.Memory
	}
	return result, nil
}

// RetrieveScored is Retrieve with the component scores of every returned memory
func (u *UseCase) RetrieveScored(ctx context.Context, situation string, opts ...RetrieveOption) ([]model.ScoredMemory, error) {
	ctx, span := u.tracer.Start(ctx, "memory.Retrieve")
	defer span.End()

	o := retrieveOptions{
		k:       u.config.K,
		weights: u.config.Weights,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.k < 1 {
		err := goerr.New("k must be at least 1", goerr.V("k", o.k))
		recordError(span, err)
		return nil, err
	}
	if err := o.weights.Validate(); err != nil {
		recordError(span, err)
		return nil, err
	}

	candidates := u.store.Snapshot()
	span.SetAttributes(
		attribute.Int("memory.candidates", len(candidates)),
		attribute.Int("memory.k", o.k),
	)
	if len(candidates) == 0 {
		return []model.ScoredMemory{}, nil
	}

	query, err := u.embed(ctx, situation)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	now := o.now
	if now.IsZero() {
		now = u.clock.Now()
	}

	ranked := scoring.Rank(candidates, query, now, scoring.Params{
		Decay:   u.config.Decay,
		Weights: o.weights,
	})
	top := scoring.Top(ranked, o.k)

	ids := make([]model.MemoryID, len(top))
	for i := range top {
		ids[i] = top[i].Memory.ID
		if now.After(top[i].Memory.LastAccessedAt) {
			top[i].Memory.LastAccessedAt = now
		}
	}
	if err := u.store.Touch(ctx, ids, now); err != nil {
		err = goerr.Wrap(err, "failed to update access time")
		recordError(span, err)
		return nil, err
	}

	logging.From(ctx).Debug("retrieved memories",
		"situation", situation,
		"candidates", len(candidates),
		"returned", len(top),
	)

	return top, nil
}
