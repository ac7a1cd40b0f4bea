package adapter_test

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memstream/pkg/adapter"
)

func TestOllamaEmbeddingFunc(t *testing.T) {
	var gotModel, gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotModel, _ = req["model"].(string)
		gotPrompt, _ = req["prompt"].(string)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding": []float32{0.6, 0.8},
		})
	}))
	defer srv.Close()

	embed := adapter.NewOllamaEmbeddingFunc("nomic-embed-text", srv.URL)
	vec, err := embed(context.Background(), "the kettle is boiling")
	gt.NoError(t, err)
	gt.A(t, vec).Length(2)
	gt.True(t, math.Abs(float64(vec[0])-0.6) < 1e-5)
	gt.True(t, math.Abs(float64(vec[1])-0.8) < 1e-5)

	gt.Equal(t, gotModel, "nomic-embed-text")
	gt.Equal(t, gotPrompt, "the kettle is boiling")
}
