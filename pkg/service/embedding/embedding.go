package embedding

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memstream/pkg/adapter"
	"github.com/m-mizutani/memstream/pkg/interfaces"
	"github.com/m-mizutani/memstream/pkg/model"
	"github.com/m-mizutani/memstream/pkg/utils/retry"
	"github.com/philippgille/chromem-go"
)

// Func computes the embedding of a text
type Func func(ctx context.Context, text string) ([]float32, error)

// Service calls an embedding backend under a retry policy and reports every
// failure as model.ErrEmbedding.
type Service struct {
	name   string
	embed  Func
	policy retry.Policy
}

var _ interfaces.Embedder = (*Service)(nil)

type Option func(*Service)

// WithPolicy overrides the retry policy
func WithPolicy(p retry.Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// WithName sets the backend name used in logs and errors
func WithName(name string) Option {
	return func(s *Service) {
		s.name = name
	}
}

func New(fn Func, opts ...Option) *Service {
	s := &Service{
		name:   "embedding",
		embed:  fn,
		policy: retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromGemini embeds with a Vertex AI Gemini embedding model
func FromGemini(client *adapter.GeminiClient, opts ...Option) *Service {
	return New(client.Embedding, append([]Option{WithName("gemini")}, opts...)...)
}

// FromFunc embeds with a chromem-go embedding function such as the OpenAI or
// Ollama ones built by the adapter package
func FromFunc(fn chromem.EmbeddingFunc, opts ...Option) *Service {
	return New(Func(fn), opts...)
}

func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := retry.Do(ctx, s.policy, s.name, func(ctx context.Context) ([]float32, error) {
		return s.embed(ctx, text)
	})
	if err != nil {
		return nil, model.Classify(model.ErrEmbedding, goerr.Wrap(err, "failed to embed text",
			goerr.V("backend", s.name),
			goerr.V("attempts", s.policy.Attempts)))
	}
	if len(vec) == 0 {
		return nil, goerr.Wrap(model.ErrEmbedding, "embedding backend returned an empty vector",
			goerr.V("backend", s.name))
	}
	return vec, nil
}
