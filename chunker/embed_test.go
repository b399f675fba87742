package chunker

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/result"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeEmbedder struct {
	calls   [][]string
	failAll bool
	short   bool
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, texts)
	if f.failAll {
		return nil, errors.New("model offline")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 0, 0}
	}
	if f.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

type memCache struct {
	mu   sync.Mutex
	vecs map[string][]float32
}

func newMemCache() *memCache { return &memCache{vecs: map[string][]float32{}} }

func (m *memCache) GetEmbeddings(_ context.Context, model string, hashes []string) (map[string][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string][]float32{}
	for _, h := range hashes {
		if v, ok := m.vecs[model+"/"+h]; ok {
			out[h] = v
		}
	}
	return out, nil
}

func (m *memCache) PutEmbeddings(_ context.Context, model string, vectors map[string][]float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, v := range vectors {
		m.vecs[model+"/"+h] = v
	}
	return nil
}

func chunksOf(texts ...string) []result.Chunk {
	out := make([]result.Chunk, len(texts))
	for i, t := range texts {
		out[i] = result.Chunk{Content: t}
	}
	return out
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestEmbedDedupesAndBatches(t *testing.T) {
	emb := &fakeEmbedder{}
	chunks := chunksOf("a", "bb", "a", "ccc", "dddd")
	err := Embed(context.Background(), emb, chunks, EmbedOptions{Model: "m", BatchSize: 2, Normalize: false})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(emb.calls) != 2 || len(emb.calls[0]) != 2 || len(emb.calls[1]) != 2 {
		t.Errorf("calls = %v, want two batches of two unique texts", emb.calls)
	}
	if chunks[0].Embedding[0] != 1 || chunks[2].Embedding[0] != 1 || chunks[4].Embedding[0] != 4 {
		t.Errorf("embeddings = %v %v %v", chunks[0].Embedding, chunks[2].Embedding, chunks[4].Embedding)
	}
	chunks[0].Embedding[0] = 99
	if chunks[2].Embedding[0] != 1 {
		t.Error("duplicate chunks share one slice")
	}
}

func TestEmbedNormalizes(t *testing.T) {
	chunks := chunksOf("xyz")
	if err := Embed(context.Background(), &fakeEmbedder{}, chunks, EmbedOptions{Model: "m", Normalize: true}); err != nil {
		t.Fatal(err)
	}
	var sum float64
	for _, x := range chunks[0].Embedding {
		sum += float64(x) * float64(x)
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("norm^2 = %v, want 1", sum)
	}
}

func TestEmbedUsesCache(t *testing.T) {
	cache := newMemCache()
	ctx := context.Background()
	first := &fakeEmbedder{}
	if err := Embed(ctx, first, chunksOf("one", "two"), EmbedOptions{Model: "m", Cache: cache}); err != nil {
		t.Fatal(err)
	}

	second := &fakeEmbedder{}
	chunks := chunksOf("two", "three")
	if err := Embed(ctx, second, chunks, EmbedOptions{Model: "m", Cache: cache}); err != nil {
		t.Fatal(err)
	}
	if len(second.calls) != 1 || len(second.calls[0]) != 1 || second.calls[0][0] != "three" {
		t.Errorf("calls = %v, want only the uncached text", second.calls)
	}

	other := &fakeEmbedder{}
	Embed(ctx, other, chunksOf("two"), EmbedOptions{Model: "other-model", Cache: cache})
	if len(other.calls) != 1 {
		t.Error("cache entries leaked across models")
	}
}

// lateCache misses on its first lookup, as when another extraction writes
// the vector while this one is waiting on the provider.
type lateCache struct {
	*memCache
	lookups int
}

func (l *lateCache) GetEmbeddings(ctx context.Context, model string, hashes []string) (map[string][]float32, error) {
	l.lookups++
	if l.lookups == 1 {
		return nil, nil
	}
	return l.memCache.GetEmbeddings(ctx, model, hashes)
}

func TestEmbedFailureRecoveredFromCache(t *testing.T) {
	ctx := context.Background()
	cache := &lateCache{memCache: newMemCache()}
	cache.PutEmbeddings(ctx, "m", map[string][]float32{ContentHash("cached"): {3, 4}})

	down := &fakeEmbedder{failAll: true}
	chunks := chunksOf("cached")
	if err := Embed(ctx, down, chunks, EmbedOptions{Model: "m", Cache: cache, Normalize: true}); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(down.calls) != 1 || cache.lookups != 2 {
		t.Errorf("calls=%d lookups=%d", len(down.calls), cache.lookups)
	}
	if got := chunks[0].Embedding; got[0] != 0.6 || got[1] != 0.8 {
		t.Errorf("embedding = %v, want [0.6 0.8]", got)
	}
}

func TestEmbedFailureIsTagged(t *testing.T) {
	tests := []struct {
		name string
		emb  *fakeEmbedder
	}{
		{"provider error", &fakeEmbedder{failAll: true}},
		{"count mismatch", &fakeEmbedder{short: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Embed(context.Background(), tt.emb, chunksOf("a", "b"), EmbedOptions{Model: "nomic"})
			var typed *errcode.Error
			if !errors.As(err, &typed) || typed.Plugin != "embedding:nomic" {
				t.Fatalf("err = %v, want error tagged embedding:nomic", err)
			}
			if !strings.Contains(err.Error(), "nomic") {
				t.Errorf("error text = %q", err)
			}
		})
	}
}

func TestEmbedWithoutEmbedder(t *testing.T) {
	err := Embed(context.Background(), nil, chunksOf("a"), EmbedOptions{Model: "m"})
	if !errors.Is(err, errcode.ErrMissingDependency) {
		t.Errorf("err = %v", err)
	}
	if err := Embed(context.Background(), nil, nil, EmbedOptions{}); err != nil {
		t.Errorf("no chunks: %v", err)
	}
}
