package memory

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memstream/pkg/model"
	"github.com/m-mizutani/memstream/pkg/utils/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Create builds a memory for description: it reads the clock, embeds and
// rates the text. The memory is not stored; see Observe.
func (u *UseCase) Create(ctx context.Context, description string) (*model.Memory, error) {
	ctx, span := u.tracer.Start(ctx, "memory.Create")
	defer span.End()

	mem, err := u.create(ctx, description)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("memory.id", string(mem.ID)),
		attribute.Float64("memory.importance", mem.Importance),
	)
	return mem, nil
}

func (u *UseCase) create(ctx context.Context, description string) (*model.Memory, error) {
	now := u.clock.Now()

	vec, err := u.embed(ctx, description)
	if err != nil {
		return nil, err
	}

	importance, err := u.rater.Rate(ctx, description)
	if err != nil {
		if !errors.Is(err, model.ErrRating) {
			err = model.Classify(model.ErrRating, err)
		}
		return nil, err
	}
	if importance < model.MinImportance || importance > model.MaxImportance {
		return nil, goerr.Wrap(model.ErrRating, "importance out of range",
			goerr.V("importance", importance),
			goerr.V("description", description))
	}

	return &model.Memory{
		ID:             model.NewMemoryID(),
		Description:    description,
		CreatedAt:      now,
		LastAccessedAt: now,
		Importance:     importance,
		Embedding:      vec,
	}, nil
}

// Observe creates a memory for description and appends it to the stream.
// Nothing is stored when any step fails or ctx is cancelled before the append.
func (u *UseCase) Observe(ctx context.Context, description string) (*model.Memory, error) {
	mem, err := u.Create(ctx, description)
	if err != nil {
		return nil, err
	}

	if err := u.store.Append(ctx, mem); err != nil {
		return nil, goerr.Wrap(err, "failed to append memory", goerr.V("id", mem.ID))
	}

	logging.From(ctx).Debug("stored memory",
		"id", mem.ID,
		"description", mem.Description,
		"importance", mem.Importance,
		"created_at", mem.CreatedAt,
	)

	out := mem.Clone()
	return &out, nil
}

// embed computes the embedding of text and checks it against the store dimension
func (u *UseCase) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := u.embedder.Embed(ctx, text)
	if err != nil {
		if !errors.Is(err, model.ErrEmbedding) {
			err = model.Classify(model.ErrEmbedding, err)
		}
		return nil, err
	}
	if len(vec) == 0 {
		return nil, goerr.Wrap(model.ErrEmbedding, "empty embedding", goerr.V("text", text))
	}
	if dim := u.store.Dimension(); dim != 0 && len(vec) != dim {
		return nil, goerr.Wrap(model.ErrEmbedding, "embedding dimension mismatch",
			goerr.V("expected", dim),
			goerr.V("actual", len(vec)))
	}
	return vec, nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
