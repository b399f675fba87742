package cache

import (
	"bytes"
	"context"
	"testing"

	"github.com/brunobiangulo/goextract/chunker"
	"github.com/brunobiangulo/goextract/result"
)

var _ chunker.EmbeddingCache = (*Memory)(nil)
var _ Searcher = (*Memory)(nil)

func sample() *result.ExtractionResult {
	page := 1
	return &result.ExtractionResult{
		Content:  "alpha\n\nbeta",
		MimeType: "text/plain",
		Metadata: result.Metadata{"line_count": 3},
		Chunks: []result.Chunk{
			{Content: "alpha", Embedding: []float32{1, 0}, Metadata: result.ChunkMetadata{ChunkIndex: 0, TotalChunks: 2, FirstPage: &page}},
			{Content: "beta", Embedding: []float32{0, 1}, Metadata: result.ChunkMetadata{ChunkIndex: 1, TotalChunks: 2}},
		},
	}
}

func TestKey(t *testing.T) {
	base := Key([]byte("doc"), "text/plain", "cfg", "plugins")
	if len(base) != 64 {
		t.Fatalf("key length = %d, want 64 hex chars", len(base))
	}
	if Key([]byte("doc"), "text/plain", "cfg", "plugins") != base {
		t.Error("key is not deterministic")
	}

	variants := []struct {
		name string
		key  string
	}{
		{"data", Key([]byte("doc2"), "text/plain", "cfg", "plugins")},
		{"mime", Key([]byte("doc"), "text/html", "cfg", "plugins")},
		{"config", Key([]byte("doc"), "text/plain", "cfg2", "plugins")},
		{"plugins", Key([]byte("doc"), "text/plain", "cfg", "plugins2")},
		// Field boundaries are separated.
		{"shifted", Key([]byte("doc"), "text/plaincfg", "", "plugins")},
	}
	for _, v := range variants {
		if v.key == base {
			t.Errorf("changing %s did not change the key", v.name)
		}
	}
}

func TestMemoryGetPut(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, ok, err := m.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("Get on empty cache = %v, %v", ok, err)
	}

	in := sample()
	if err := m.Put(ctx, "k", in); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Mutating the stored value must not leak into the cache.
	in.Content = "changed"

	got, ok, err := m.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if got.Content != "alpha\n\nbeta" {
		t.Errorf("content = %q", got.Content)
	}

	want, _ := result.EncodeWire(sample())
	again, _ := result.EncodeWire(got)
	if !bytes.Equal(want, again) {
		t.Errorf("hit does not re-encode identically:\n%s\n%s", want, again)
	}

	st, _ := m.Stats(ctx)
	if st.Entries != 1 || st.Hits != 1 || st.Misses != 1 || st.Bytes == 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestMemoryClear(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Put(ctx, "k", sample())
	_ = m.PutEmbeddings(ctx, "model", map[string][]float32{"h": {1}})

	if err := m.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	st, _ := m.Stats(ctx)
	if st != (Stats{Backend: "memory"}) {
		t.Errorf("stats after clear = %+v", st)
	}
	if got, _ := m.GetEmbeddings(ctx, "model", []string{"h"}); len(got) != 0 {
		t.Errorf("embeddings survived clear: %v", got)
	}
}

func TestMemoryEmbeddingsPerModel(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.PutEmbeddings(ctx, "a", map[string][]float32{"h1": {1, 2}})

	got, _ := m.GetEmbeddings(ctx, "a", []string{"h1", "h2"})
	if len(got) != 1 || got["h1"][1] != 2 {
		t.Errorf("GetEmbeddings(a) = %v", got)
	}
	if got, _ := m.GetEmbeddings(ctx, "b", []string{"h1"}); len(got) != 0 {
		t.Errorf("model b sees model a vectors: %v", got)
	}
}

func TestMemorySimilarChunks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Put(ctx, "k", sample())

	tests := []struct {
		name   string
		vector []float32
		k      int
		want   []string
	}{
		{"closest first", []float32{0.9, 0.1}, 2, []string{"alpha", "beta"}},
		{"limit", []float32{0.1, 0.9}, 1, []string{"beta"}},
		{"dimension mismatch", []float32{1, 0, 0}, 2, nil},
		{"zero k", []float32{1, 0}, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.SimilarChunks(ctx, tt.vector, tt.k)
			if err != nil {
				t.Fatalf("SimilarChunks: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d matches, want %d", len(got), len(tt.want))
			}
			for i, w := range tt.want {
				if got[i].Content != w || got[i].Key != "k" {
					t.Errorf("match %d = %+v, want %q", i, got[i], w)
				}
			}
		})
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{1, 0}); got != 1 {
		t.Errorf("identical = %v", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal = %v", got)
	}
	if got := Cosine([]float32{0, 0}, []float32{1, 1}); got != 0 {
		t.Errorf("zero vector = %v", got)
	}
}
