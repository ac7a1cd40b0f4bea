package memory

import (
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memstream/pkg/interfaces"
	"github.com/m-mizutani/memstream/pkg/scoring"
	"github.com/m-mizutani/memstream/pkg/utils/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/m-mizutani/memstream/pkg/usecase/memory"

// DefaultK is the number of memories returned by Retrieve unless overridden
const DefaultK = 5

// Config holds the scoring parameters of a memory stream
type Config struct {
	Decay   float64         `yaml:"decay"`
	Weights scoring.Weights `yaml:"weights"`
	K       int             `yaml:"k"`
}

// DefaultConfig returns decay 0.99, equal weights and k = 5
func DefaultConfig() Config {
	return Config{
		Decay:   scoring.DefaultDecay,
		Weights: scoring.DefaultWeights(),
		K:       DefaultK,
	}
}

// Validate checks that the config can be used for ranking
func (c Config) Validate() error {
	if c.Decay <= 0 || c.Decay > 1 {
		return goerr.New("decay must be in (0, 1]", goerr.V("decay", c.Decay))
	}
	if c.K < 1 {
		return goerr.New("k must be at least 1", goerr.V("k", c.K))
	}
	return c.Weights.Validate()
}

// UseCase owns the memory stream of one agent. It turns observations into
// stored memories and answers retrieval queries against them.
type UseCase struct {
	store    interfaces.MemoryStore
	embedder interfaces.Embedder
	rater    interfaces.Rater
	clock    interfaces.Clock
	tracer   trace.Tracer
	config   Config
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithClock sets the clock used for creation and access timestamps
func WithClock(c interfaces.Clock) Option {
	return func(uc *UseCase) {
		uc.clock = c
	}
}

// WithConfig replaces the scoring parameters
func WithConfig(cfg Config) Option {
	return func(uc *UseCase) {
		uc.config = cfg
	}
}

// WithTracer sets the tracer for Create and Retrieve spans
func WithTracer(t trace.Tracer) Option {
	return func(uc *UseCase) {
		uc.tracer = t
	}
}

// New creates a new memory UseCase instance
func New(
	store interfaces.MemoryStore,
	embedder interfaces.Embedder,
	rater interfaces.Rater,
	opts ...Option,
) (*UseCase, error) {
	uc := &UseCase{
		store:    store,
		embedder: embedder,
		rater:    rater,
		clock:    clock.System{},
		tracer:   otel.Tracer(tracerName),
		config:   DefaultConfig(),
	}

	for _, opt := range opts {
		opt(uc)
	}

	if uc.store == nil || uc.embedder == nil || uc.rater == nil {
		return nil, goerr.New("store, embedder and rater are required")
	}
	if err := uc.config.Validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid memory config")
	}

	return uc, nil
}

// Store returns the underlying memory store
func (u *UseCase) Store() interfaces.MemoryStore {
	return u.store
}

// Config returns the scoring parameters in use
func (u *UseCase) Config() Config {
	return u.config
}
