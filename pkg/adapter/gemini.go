package adapter

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

type GeminiClient struct {
	client          *genai.Client
	generativeModel string
	embeddingModel  string
	dimension       int32
}

type GeminiOption func(*GeminiClient)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.generativeModel = model
	}
}

func WithEmbeddingModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.embeddingModel = model
	}
}

// WithEmbeddingDimension asks the embedding model for vectors of the given
// length. 0 keeps the model default.
func WithEmbeddingDimension(dim int) GeminiOption {
	return func(g *GeminiClient) {
		g.dimension = int32(dim)
	}
}

func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client",
			goerr.V("project", projectID),
			goerr.V("location", location))
	}

	g := &GeminiClient{
		client:          client,
		generativeModel: "gemini-2.5-flash",
		embeddingModel:  "gemini-embedding-001",
		dimension:       768,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// Complete sends a single-turn prompt and returns the text of the first candidate
func (g *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, genai.Text(prompt), config)
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate content", goerr.V("model", g.generativeModel))
	}

	if resp == nil ||
		len(resp.Candidates) == 0 ||
		resp.Candidates[0].Content == nil ||
		len(resp.Candidates[0].Content.Parts) == 0 {
		return "", goerr.New("empty response from gemini", goerr.V("model", g.generativeModel))
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		text += part.Text
	}
	return text, nil
}

// Embedding returns the embedding vector of text
func (g *GeminiClient) Embedding(ctx context.Context, text string) ([]float32, error) {
	config := &genai.EmbedContentConfig{}
	if g.dimension > 0 {
		config.OutputDimensionality = &g.dimension
	}

	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, genai.Text(text), config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed content", goerr.V("model", g.embeddingModel))
	}

	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, goerr.New("no embedding returned", goerr.V("model", g.embeddingModel))
	}

	return resp.Embeddings[0].Values, nil
}
