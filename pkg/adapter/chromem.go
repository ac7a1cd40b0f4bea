package adapter

import (
	"github.com/philippgille/chromem-go"
)

// NewOpenAIEmbeddingFunc returns an embedding function backed by the OpenAI
// embeddings API. An empty model selects text-embedding-3-small.
func NewOpenAIEmbeddingFunc(apiKey, model string) chromem.EmbeddingFunc {
	m := chromem.EmbeddingModelOpenAI3Small
	if model != "" {
		m = chromem.EmbeddingModelOpenAI(model)
	}
	return chromem.NewEmbeddingFuncOpenAI(apiKey, m)
}

// NewOllamaEmbeddingFunc returns an embedding function backed by a local
// Ollama server. An empty baseURL uses Ollama's default address.
func NewOllamaEmbeddingFunc(model, baseURL string) chromem.EmbeddingFunc {
	return chromem.NewEmbeddingFuncOllama(model, baseURL)
}
