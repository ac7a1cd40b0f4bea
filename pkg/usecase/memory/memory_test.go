package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memstream/pkg/model"
	"github.com/m-mizutani/memstream/pkg/repository"
	"github.com/m-mizutani/memstream/pkg/scoring"
	"github.com/m-mizutani/memstream/pkg/service/embedding"
	"github.com/m-mizutani/memstream/pkg/service/rating"
	"github.com/m-mizutani/memstream/pkg/usecase/memory"
	"github.com/m-mizutani/memstream/pkg/utils/clock"
)

var t0 = time.Date(2023, 2, 13, 7, 0, 0, 0, time.UTC)

type mockEmbedder struct {
	mu        sync.Mutex
	calls     int
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.EmbedFunc(ctx, text)
}

func (m *mockEmbedder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockRater struct {
	RateFunc func(ctx context.Context, text string) (float64, error)
}

func (m *mockRater) Rate(ctx context.Context, text string) (float64, error) {
	return m.RateFunc(ctx, text)
}

func tableEmbedder(table map[string][]float32) *mockEmbedder {
	return &mockEmbedder{
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			v, ok := table[text]
			if !ok {
				return nil, fmt.Errorf("no embedding for %q", text)
			}
			return v, nil
		},
	}
}

func tableRater(table map[string]float64) *mockRater {
	return &mockRater{
		RateFunc: func(ctx context.Context, text string) (float64, error) {
			v, ok := table[text]
			if !ok {
				return 5, nil
			}
			return v, nil
		},
	}
}

// scenario builds the three-record stream: created one hour apart with
// importance 2, 8 and 5, queried three hours after the first.
func scenario(t *testing.T) (*memory.UseCase, *clock.Manual, []*model.Memory) {
	t.Helper()
	ctx := context.Background()

	emb := tableEmbedder(map[string][]float32{
		"record1": {1, 0},
		"record2": {0, 1},
		"record3": {0.7, 0.7},
		"query":   {0.7, 0.7},
	})
	rater := tableRater(map[string]float64{"record1": 2, "record2": 8, "record3": 5})
	clk := clock.NewManual(t0)

	uc, err := memory.New(repository.NewMemoryStore(), emb, rater, memory.WithClock(clk))
	gt.NoError(t, err)

	var records []*model.Memory
	for i, desc := range []string{"record1", "record2", "record3"} {
		if i > 0 {
			clk.Advance(time.Hour)
		}
		mem, err := uc.Observe(ctx, desc)
		gt.NoError(t, err)
		records = append(records, mem)
	}
	clk.Advance(time.Hour)

	return uc, clk, records
}

func TestRetrieveScenario(t *testing.T) {
	ctx := context.Background()
	uc, clk, records := scenario(t)

	got, err := uc.Retrieve(ctx, "query")
	gt.NoError(t, err)
	gt.A(t, got).Length(3)
	gt.Equal(t, got[0].ID, records[2].ID)
	gt.Equal(t, got[1].ID, records[1].ID)
	gt.Equal(t, got[2].ID, records[0].ID)

	for _, m := range got {
		gt.Equal(t, m.LastAccessedAt, clk.Now())
	}
	for m := range uc.Store().All() {
		gt.Equal(t, m.LastAccessedAt, t0.Add(3*time.Hour))
	}
}

func TestRetrieveScored(t *testing.T) {
	uc, _, records := scenario(t)

	scored, err := uc.RetrieveScored(context.Background(), "query")
	gt.NoError(t, err)
	gt.A(t, scored).Length(3)
	gt.Equal(t, scored[0].Memory.ID, records[2].ID)
	gt.True(t, scored[0].Score > scored[1].Score)
	gt.True(t, scored[1].Score > scored[2].Score)
	gt.Equal(t, scored[1].Importance, 8.0)
	gt.Equal(t, scored[1].NormImportance, 1.0)
}

func TestRetrieveTouchesOnlyReturned(t *testing.T) {
	ctx := context.Background()
	uc, clk, records := scenario(t)

	got, err := uc.Retrieve(ctx, "query", memory.WithK(1))
	gt.NoError(t, err)
	gt.A(t, got).Length(1)
	gt.Equal(t, got[0].ID, records[2].ID)

	for m := range uc.Store().All() {
		if m.ID == records[2].ID {
			gt.Equal(t, m.LastAccessedAt, clk.Now())
		} else {
			gt.Equal(t, m.LastAccessedAt, m.CreatedAt)
		}
	}
}

func TestRetrieveWithWeights(t *testing.T) {
	uc, _, records := scenario(t)

	// relevance only: record1 and record2 tie, so the more recent one wins
	got, err := uc.Retrieve(context.Background(), "query",
		memory.WithWeights(scoring.Weights{Relevance: 1}))
	gt.NoError(t, err)
	gt.Equal(t, got[0].ID, records[2].ID)
	gt.Equal(t, got[1].ID, records[1].ID)
	gt.Equal(t, got[2].ID, records[0].ID)

	// importance only
	got, err = uc.Retrieve(context.Background(), "query",
		memory.WithWeights(scoring.Weights{Importance: 1}))
	gt.NoError(t, err)
	gt.Equal(t, got[0].ID, records[1].ID)
	gt.Equal(t, got[1].ID, records[2].ID)
	gt.Equal(t, got[2].ID, records[0].ID)

	// record3 beats record1 on every component, so no weighting may invert them
	_, err = uc.Retrieve(context.Background(), "query",
		memory.WithWeights(scoring.Weights{Recency: 1, Importance: -5, Relevance: 1}))
	gt.Error(t, err)
}

func TestRetrieveWithNow(t *testing.T) {
	uc, _, records := scenario(t)
	at := t0.Add(10 * time.Hour)

	got, err := uc.Retrieve(context.Background(), "query", memory.WithK(1), memory.WithNow(at))
	gt.NoError(t, err)
	gt.Equal(t, got[0].ID, records[2].ID)
	gt.Equal(t, got[0].LastAccessedAt, at)
}

func TestRetrieveKLargerThanStore(t *testing.T) {
	uc, _, _ := scenario(t)

	got, err := uc.Retrieve(context.Background(), "query", memory.WithK(100))
	gt.NoError(t, err)
	gt.A(t, got).Length(3)

	_, err = uc.Retrieve(context.Background(), "query", memory.WithK(0))
	gt.Error(t, err)
}

func TestRetrieveEmptyStore(t *testing.T) {
	emb := tableEmbedder(nil)
	uc, err := memory.New(repository.NewMemoryStore(), emb, rating.Fixed(5))
	gt.NoError(t, err)

	got, err := uc.Retrieve(context.Background(), "anything")
	gt.NoError(t, err)
	gt.A(t, got).Length(0)
	gt.Equal(t, emb.Calls(), 0)
}

func TestRetrieveEmbeddingFailure(t *testing.T) {
	ctx := context.Background()
	uc, _, _ := scenario(t)

	got, err := uc.Retrieve(ctx, "unknown situation")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrEmbedding))
	gt.A(t, got).Length(0)

	for m := range uc.Store().All() {
		gt.Equal(t, m.LastAccessedAt, m.CreatedAt)
	}
}

func TestRetrieveDimensionMismatch(t *testing.T) {
	store := repository.NewMemoryStore()
	dim := 2
	emb := &mockEmbedder{
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			v := make([]float32, dim)
			v[0] = 1
			return v, nil
		},
	}

	uc, err := memory.New(store, emb, rating.Fixed(3))
	gt.NoError(t, err)
	_, err = uc.Observe(context.Background(), "first")
	gt.NoError(t, err)

	dim = 3
	_, err = uc.Retrieve(context.Background(), "query")
	gt.True(t, errors.Is(err, model.ErrEmbedding))

	_, err = uc.Observe(context.Background(), "second")
	gt.True(t, errors.Is(err, model.ErrEmbedding))
	gt.Equal(t, store.Len(), 1)
}

func TestCreate(t *testing.T) {
	clk := clock.NewManual(t0)
	store := repository.NewMemoryStore()
	uc, err := memory.New(store, embedding.NewHash(32), rating.Fixed(6), memory.WithClock(clk))
	gt.NoError(t, err)

	mem, err := uc.Create(context.Background(), "Maria is studying for her physics exam")
	gt.NoError(t, err)
	gt.NotEqual(t, mem.ID, model.MemoryID(""))
	gt.Equal(t, mem.Description, "Maria is studying for her physics exam")
	gt.Equal(t, mem.CreatedAt, t0)
	gt.Equal(t, mem.LastAccessedAt, t0)
	gt.Equal(t, mem.Importance, 6.0)
	gt.A(t, mem.Embedding).Length(32)

	// Create does not store
	gt.Equal(t, store.Len(), 0)
}

func TestObserveEmbeddingFailure(t *testing.T) {
	errDown := errors.New("embedding service down")
	store := repository.NewMemoryStore()
	emb := &mockEmbedder{
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			return nil, errDown
		},
	}
	uc, err := memory.New(store, emb, rating.Fixed(5))
	gt.NoError(t, err)

	_, err = uc.Observe(context.Background(), "went for a run")
	gt.True(t, errors.Is(err, model.ErrEmbedding))
	gt.True(t, errors.Is(err, errDown))
	gt.Equal(t, store.Len(), 0)
}

func TestObserveRatingFailure(t *testing.T) {
	errDown := errors.New("rating service down")
	store := repository.NewMemoryStore()
	uc, err := memory.New(store, embedding.NewHash(8), &mockRater{
		RateFunc: func(ctx context.Context, text string) (float64, error) {
			return 0, errDown
		},
	})
	gt.NoError(t, err)

	_, err = uc.Observe(context.Background(), "went for a run")
	gt.True(t, errors.Is(err, model.ErrRating))
	gt.True(t, errors.Is(err, errDown))
	gt.Equal(t, store.Len(), 0)

	// a rater returning an out of range value is also a rating failure
	uc, err = memory.New(store, embedding.NewHash(8), &mockRater{
		RateFunc: func(ctx context.Context, text string) (float64, error) {
			return 12, nil
		},
	})
	gt.NoError(t, err)
	_, err = uc.Observe(context.Background(), "went for a run")
	gt.True(t, errors.Is(err, model.ErrRating))
	gt.Equal(t, store.Len(), 0)
}

func TestObserveCancelled(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	uc, err := memory.New(store, embedding.NewHash(8), &mockRater{
		RateFunc: func(ctx context.Context, text string) (float64, error) {
			// cancelled while the rating is in flight
			cancel()
			return 4, nil
		},
	})
	gt.NoError(t, err)

	_, err = uc.Observe(ctx, "went for a run")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, context.Canceled))
	gt.Equal(t, store.Len(), 0)
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	uc, err := memory.New(repository.NewMemoryStore(), embedding.NewHash(512), rating.Fixed(5), memory.WithClock(clk))
	gt.NoError(t, err)

	descriptions := []string{
		"Isabella Rodriguez is setting out the pastries",
		"Klaus Mueller is writing a research paper on gentrification",
		"the stove in the kitchen is turned off",
		"Sam Moore is planning to run for the local mayor election",
		"Tom is chatting with Yuriko about the weather",
	}
	for _, d := range descriptions {
		_, err := uc.Observe(ctx, d)
		gt.NoError(t, err)
	}

	for _, d := range descriptions {
		got, err := uc.Retrieve(ctx, d, memory.WithK(1))
		gt.NoError(t, err)
		gt.A(t, got).Length(1)
		gt.Equal(t, got[0].Description, d)
	}
}

func TestObserveConcurrent(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	uc, err := memory.New(store, embedding.NewHash(16), rating.Fixed(5))
	gt.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := uc.Observe(ctx, fmt.Sprintf("observation %d", i))
			gt.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := uc.Retrieve(ctx, "observation")
			gt.NoError(t, err)
		}()
	}
	wg.Wait()
	gt.Equal(t, store.Len(), 16)
}

func TestNew(t *testing.T) {
	store := repository.NewMemoryStore()
	emb := embedding.NewHash(8)

	_, err := memory.New(nil, emb, rating.Fixed(5))
	gt.Error(t, err)

	cfg := memory.DefaultConfig()
	cfg.Decay = 1.5
	_, err = memory.New(store, emb, rating.Fixed(5), memory.WithConfig(cfg))
	gt.Error(t, err)

	uc, err := memory.New(store, emb, rating.Fixed(5))
	gt.NoError(t, err)
	gt.Equal(t, uc.Config(), memory.DefaultConfig())
}

func TestConfigValidate(t *testing.T) {
	gt.NoError(t, memory.DefaultConfig().Validate())

	testCases := []struct {
		name   string
		modify func(c *memory.Config)
	}{
		{"zero decay", func(c *memory.Config) { c.Decay = 0 }},
		{"decay above one", func(c *memory.Config) { c.Decay = 1.01 }},
		{"zero k", func(c *memory.Config) { c.K = 0 }},
		{"negative weight", func(c *memory.Config) { c.Weights.Relevance = -1 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := memory.DefaultConfig()
			tc.modify(&cfg)
			gt.Error(t, cfg.Validate())
		})
	}
}
