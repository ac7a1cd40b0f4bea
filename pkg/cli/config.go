package cli

import (
	"context"
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memstream/pkg/adapter"
	"github.com/m-mizutani/memstream/pkg/interfaces"
	"github.com/m-mizutani/memstream/pkg/repository"
	"github.com/m-mizutani/memstream/pkg/service/embedding"
	"github.com/m-mizutani/memstream/pkg/service/rating"
	"github.com/m-mizutani/memstream/pkg/usecase/memory"
	"github.com/m-mizutani/memstream/pkg/utils/logging"
	"github.com/m-mizutani/memstream/pkg/utils/retry"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// config holds configuration values
type config struct {
	// Logging
	logLevel  string
	logFormat string

	// Embedding
	embedder           string
	embeddingModel     string
	embeddingDimension int64
	embeddingCacheSize int64
	openaiAPIKey       string
	ollamaURL          string

	// Rating
	rater           string
	ratingModel     string
	fixedImportance float64
	anthropicAPIKey string

	// Gemini, shared by embedding and rating
	geminiProject  string
	geminiLocation string
	gemini         *adapter.GeminiClient

	// Retry
	retryAttempts   int64
	retryBackoff    time.Duration
	retryMaxBackoff time.Duration
	retryTimeout    time.Duration

	// Scoring
	scoringConfig    string
	decay            float64
	weightRecency    float64
	weightImportance float64
	weightRelevance  float64
	k                int64
}

// loggingFlags returns flags for log output
func loggingFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("MEMSTREAM_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       "console",
			Sources:     cli.EnvVars("MEMSTREAM_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
	}
}

// geminiFlags returns flags for the Vertex AI Gemini client
func geminiFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
	}
}

// embeddingFlags returns flags for the embedding backend
func embeddingFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "embedder",
			Usage:       "Embedding backend (hash, gemini, openai, ollama)",
			Value:       "hash",
			Sources:     cli.EnvVars("MEMSTREAM_EMBEDDER"),
			Destination: &cfg.embedder,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Embedding model name (backend default if empty)",
			Sources:     cli.EnvVars("MEMSTREAM_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.IntFlag{
			Name:        "embedding-dimension",
			Usage:       "Embedding vector length for hash and gemini backends",
			Value:       256,
			Sources:     cli.EnvVars("MEMSTREAM_EMBEDDING_DIMENSION"),
			Destination: &cfg.embeddingDimension,
		},
		&cli.IntFlag{
			Name:        "embedding-cache-size",
			Usage:       "Bytes of embedding vectors to cache by text, 0 disables the cache",
			Value:       16 << 20,
			Sources:     cli.EnvVars("MEMSTREAM_EMBEDDING_CACHE_SIZE"),
			Destination: &cfg.embeddingCacheSize,
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Usage:       "OpenAI API key for the openai embedder",
			Sources:     cli.EnvVars("OPENAI_API_KEY"),
			Destination: &cfg.openaiAPIKey,
		},
		&cli.StringFlag{
			Name:        "ollama-url",
			Usage:       "Ollama API base URL for the ollama embedder",
			Sources:     cli.EnvVars("OLLAMA_URL"),
			Destination: &cfg.ollamaURL,
		},
	}
}

// ratingFlags returns flags for the importance rater
func ratingFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "rater",
			Usage:       "Importance rater (fixed, gemini, claude)",
			Value:       "fixed",
			Sources:     cli.EnvVars("MEMSTREAM_RATER"),
			Destination: &cfg.rater,
		},
		&cli.StringFlag{
			Name:        "rating-model",
			Usage:       "Model used by the rater (backend default if empty)",
			Sources:     cli.EnvVars("MEMSTREAM_RATING_MODEL"),
			Destination: &cfg.ratingModel,
		},
		&cli.FloatFlag{
			Name:        "fixed-importance",
			Usage:       "Importance given to every memory by the fixed rater",
			Value:       5,
			Sources:     cli.EnvVars("MEMSTREAM_FIXED_IMPORTANCE"),
			Destination: &cfg.fixedImportance,
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key for the claude rater",
			Sources:     cli.EnvVars("ANTHROPIC_API_KEY"),
			Destination: &cfg.anthropicAPIKey,
		},
	}
}

// retryFlags returns flags bounding calls to embedding and rating services
func retryFlags(cfg *config) []cli.Flag {
	p := retry.DefaultPolicy()
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "retry-attempts",
			Usage:       "Attempts per embedding or rating call",
			Value:       int64(p.Attempts),
			Sources:     cli.EnvVars("MEMSTREAM_RETRY_ATTEMPTS"),
			Destination: &cfg.retryAttempts,
		},
		&cli.DurationFlag{
			Name:        "retry-backoff",
			Usage:       "Initial backoff between attempts",
			Value:       p.InitialBackoff,
			Sources:     cli.EnvVars("MEMSTREAM_RETRY_BACKOFF"),
			Destination: &cfg.retryBackoff,
		},
		&cli.DurationFlag{
			Name:        "retry-max-backoff",
			Usage:       "Maximum backoff between attempts",
			Value:       p.MaxBackoff,
			Sources:     cli.EnvVars("MEMSTREAM_RETRY_MAX_BACKOFF"),
			Destination: &cfg.retryMaxBackoff,
		},
		&cli.DurationFlag{
			Name:        "retry-timeout",
			Usage:       "Timeout of a single attempt",
			Value:       p.Timeout,
			Sources:     cli.EnvVars("MEMSTREAM_RETRY_TIMEOUT"),
			Destination: &cfg.retryTimeout,
		},
	}
}

// scoringFlags returns flags for retrieval scoring
func scoringFlags(cfg *config) []cli.Flag {
	def := memory.DefaultConfig()
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "scoring-config",
			Usage:       "YAML file with decay, k and weights; flags given explicitly take precedence",
			Sources:     cli.EnvVars("MEMSTREAM_SCORING_CONFIG"),
			Destination: &cfg.scoringConfig,
		},
		&cli.FloatFlag{
			Name:        "decay",
			Usage:       "Recency decay factor per hour",
			Value:       def.Decay,
			Sources:     cli.EnvVars("MEMSTREAM_DECAY"),
			Destination: &cfg.decay,
		},
		&cli.FloatFlag{
			Name:        "weight-recency",
			Usage:       "Weight of the recency score",
			Value:       def.Weights.Recency,
			Sources:     cli.EnvVars("MEMSTREAM_WEIGHT_RECENCY"),
			Destination: &cfg.weightRecency,
		},
		&cli.FloatFlag{
			Name:        "weight-importance",
			Usage:       "Weight of the importance score",
			Value:       def.Weights.Importance,
			Sources:     cli.EnvVars("MEMSTREAM_WEIGHT_IMPORTANCE"),
			Destination: &cfg.weightImportance,
		},
		&cli.FloatFlag{
			Name:        "weight-relevance",
			Usage:       "Weight of the relevance score",
			Value:       def.Weights.Relevance,
			Sources:     cli.EnvVars("MEMSTREAM_WEIGHT_RELEVANCE"),
			Destination: &cfg.weightRelevance,
		},
		&cli.IntFlag{
			Name:        "k",
			Usage:       "Number of memories returned per retrieval",
			Value:       int64(def.K),
			Sources:     cli.EnvVars("MEMSTREAM_K"),
			Destination: &cfg.k,
		},
	}
}

// allFlags returns every flag group needed to build a memory use case
func allFlags(cfg *config) []cli.Flag {
	var flags []cli.Flag
	flags = append(flags, loggingFlags(cfg)...)
	flags = append(flags, geminiFlags(cfg)...)
	flags = append(flags, embeddingFlags(cfg)...)
	flags = append(flags, ratingFlags(cfg)...)
	flags = append(flags, retryFlags(cfg)...)
	flags = append(flags, scoringFlags(cfg)...)
	return flags
}

// setupLogger builds the logger from flags, installs it as default and attaches it to ctx
func (cfg *config) setupLogger(ctx context.Context) context.Context {
	logger := logging.New(cfg.logLevel, os.Stderr, logging.WithFormat(logging.ParseFormat(cfg.logFormat)))
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// retryPolicy returns the validated retry policy
func (cfg *config) retryPolicy() (retry.Policy, error) {
	p := retry.Policy{
		Attempts:       int(cfg.retryAttempts),
		InitialBackoff: cfg.retryBackoff,
		MaxBackoff:     cfg.retryMaxBackoff,
		Timeout:        cfg.retryTimeout,
	}
	if err := p.Validate(); err != nil {
		return retry.Policy{}, goerr.Wrap(err, "invalid retry flags")
	}
	return p, nil
}

// newGemini creates the Gemini adapter once and reuses it
func (cfg *config) newGemini(ctx context.Context) (*adapter.GeminiClient, error) {
	if cfg.gemini != nil {
		return cfg.gemini, nil
	}
	if cfg.geminiProject == "" {
		return nil, goerr.New("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}

	opts := []adapter.GeminiOption{
		adapter.WithEmbeddingDimension(int(cfg.embeddingDimension)),
	}
	if cfg.embeddingModel != "" && cfg.embedder == "gemini" {
		opts = append(opts, adapter.WithEmbeddingModel(cfg.embeddingModel))
	}
	if cfg.ratingModel != "" && cfg.rater == "gemini" {
		opts = append(opts, adapter.WithGenerativeModel(cfg.ratingModel))
	}

	client, err := adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create gemini client")
	}
	cfg.gemini = client
	return client, nil
}

// newEmbedder creates the configured embedding backend, wrapped in a cache
// when a cache size is set. The returned func releases the cache.
func (cfg *config) newEmbedder(ctx context.Context) (interfaces.Embedder, func(), error) {
	policy, err := cfg.retryPolicy()
	if err != nil {
		return nil, nil, err
	}
	opts := []embedding.Option{embedding.WithPolicy(policy)}

	var embedder interfaces.Embedder
	switch cfg.embedder {
	case "hash":
		embedder = embedding.NewHash(int(cfg.embeddingDimension))

	case "gemini":
		client, err := cfg.newGemini(ctx)
		if err != nil {
			return nil, nil, err
		}
		embedder = embedding.FromGemini(client, opts...)

	case "openai":
		if cfg.openaiAPIKey == "" {
			return nil, nil, goerr.New("openai-api-key is required for the openai embedder")
		}
		fn := adapter.NewOpenAIEmbeddingFunc(cfg.openaiAPIKey, cfg.embeddingModel)
		embedder = embedding.FromFunc(fn, append(opts, embedding.WithName("openai"))...)

	case "ollama":
		model := cfg.embeddingModel
		if model == "" {
			model = "nomic-embed-text"
		}
		fn := adapter.NewOllamaEmbeddingFunc(model, cfg.ollamaURL)
		embedder = embedding.FromFunc(fn, append(opts, embedding.WithName("ollama"))...)

	default:
		return nil, nil, goerr.New("unsupported embedder",
			goerr.V("embedder", cfg.embedder),
			goerr.V("supported", []string{"hash", "gemini", "openai", "ollama"}))
	}

	if cfg.embeddingCacheSize <= 0 {
		return embedder, func() {}, nil
	}

	cached, err := embedding.NewCached(embedder, cfg.embeddingCacheSize)
	if err != nil {
		return nil, nil, err
	}
	return cached, cached.Close, nil
}

// newRater creates the configured importance rater
func (cfg *config) newRater(ctx context.Context) (interfaces.Rater, error) {
	policy, err := cfg.retryPolicy()
	if err != nil {
		return nil, err
	}

	switch cfg.rater {
	case "fixed":
		return rating.Fixed(cfg.fixedImportance), nil

	case "gemini":
		client, err := cfg.newGemini(ctx)
		if err != nil {
			return nil, err
		}
		return rating.New(client, rating.WithPolicy(policy)), nil

	case "claude":
		if cfg.anthropicAPIKey == "" {
			return nil, goerr.New("anthropic-api-key is required for the claude rater")
		}
		var opts []adapter.ClaudeOption
		if cfg.ratingModel != "" {
			opts = append(opts, adapter.WithClaudeModel(cfg.ratingModel))
		}
		return rating.New(adapter.NewClaude(cfg.anthropicAPIKey, opts...), rating.WithPolicy(policy)), nil

	default:
		return nil, goerr.New("unsupported rater",
			goerr.V("rater", cfg.rater),
			goerr.V("supported", []string{"fixed", "gemini", "claude"}))
	}
}

// newMemoryConfig merges defaults, the scoring file and explicitly set flags
func (cfg *config) newMemoryConfig(c *cli.Command) (memory.Config, error) {
	mc, err := loadScoringConfig(cfg.scoringConfig)
	if err != nil {
		return memory.Config{}, err
	}

	if c.IsSet("decay") {
		mc.Decay = cfg.decay
	}
	if c.IsSet("k") {
		mc.K = int(cfg.k)
	}
	if c.IsSet("weight-recency") {
		mc.Weights.Recency = cfg.weightRecency
	}
	if c.IsSet("weight-importance") {
		mc.Weights.Importance = cfg.weightImportance
	}
	if c.IsSet("weight-relevance") {
		mc.Weights.Relevance = cfg.weightRelevance
	}

	if err := mc.Validate(); err != nil {
		return memory.Config{}, goerr.Wrap(err, "invalid scoring configuration")
	}
	return mc, nil
}

// newUseCase wires a fresh memory stream with the configured backends. The
// returned func releases resources held by the backends.
func (cfg *config) newUseCase(ctx context.Context, c *cli.Command, opts ...memory.Option) (*memory.UseCase, func(), error) {
	mc, err := cfg.newMemoryConfig(c)
	if err != nil {
		return nil, nil, err
	}

	rater, err := cfg.newRater(ctx)
	if err != nil {
		return nil, nil, err
	}

	embedder, cleanup, err := cfg.newEmbedder(ctx)
	if err != nil {
		return nil, nil, err
	}

	uc, err := memory.New(repository.NewMemoryStore(), embedder, rater,
		append([]memory.Option{memory.WithConfig(mc)}, opts...)...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return uc, cleanup, nil
}

// loadScoringConfig reads scoring parameters from a YAML file. Fields missing
// from the file keep their defaults; an empty path yields the defaults.
func loadScoringConfig(filePath string) (memory.Config, error) {
	mc := memory.DefaultConfig()
	if filePath == "" {
		return mc, nil
	}

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return mc, goerr.Wrap(err, "scoring config file does not exist", goerr.V("file", filePath))
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		return mc, goerr.Wrap(err, "failed to read scoring config file", goerr.V("file", filePath))
	}

	if err := yaml.Unmarshal(content, &mc); err != nil {
		return mc, goerr.Wrap(err, "failed to parse scoring config file", goerr.V("file", filePath))
	}

	return mc, nil
}
