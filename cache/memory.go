package cache

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/brunobiangulo/goextract/result"
)

// Memory is an unbounded in-process cache of extraction results and chunk
// embeddings. Results are held in wire form so a hit is decoupled from the
// value that was stored.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string][]byte
	chunks     map[string][]indexedChunk
	embeddings map[string]map[string][]float32

	hits   atomic.Int64
	misses atomic.Int64
}

type indexedChunk struct {
	index     int
	content   string
	firstPage int
	vector    []float32
}

// NewMemory returns an empty Memory cache.
func NewMemory() *Memory {
	return &Memory{
		entries:    make(map[string][]byte),
		chunks:     make(map[string][]indexedChunk),
		embeddings: make(map[string]map[string][]float32),
	}
}

func (m *Memory) Get(ctx context.Context, key string) (*result.ExtractionResult, bool, error) {
	m.mu.RLock()
	data, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		m.misses.Add(1)
		return nil, false, nil
	}
	res, err := result.DecodeWire(data)
	if err != nil {
		return nil, false, fmt.Errorf("cache: decoding entry %s: %w", key, err)
	}
	m.hits.Add(1)
	return res, true, nil
}

func (m *Memory) Put(ctx context.Context, key string, res *result.ExtractionResult) error {
	data, err := result.EncodeWire(res)
	if err != nil {
		return fmt.Errorf("cache: encoding entry: %w", err)
	}
	var idx []indexedChunk
	for _, c := range res.Chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		ic := indexedChunk{index: c.Metadata.ChunkIndex, content: c.Content, vector: slices.Clone(c.Embedding)}
		if c.Metadata.FirstPage != nil {
			ic.firstPage = *c.Metadata.FirstPage
		}
		idx = append(idx, ic)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = data
	if len(idx) > 0 {
		m.chunks[key] = idx
	} else {
		delete(m.chunks, key)
	}
	return nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		Backend: "memory",
		Entries: int64(len(m.entries)),
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
	}
	for _, d := range m.entries {
		s.Bytes += int64(len(d))
	}
	for _, byHash := range m.embeddings {
		s.Embeddings += int64(len(byHash))
	}
	return s, nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
	clear(m.chunks)
	clear(m.embeddings)
	m.hits.Store(0)
	m.misses.Store(0)
	return nil
}

// GetEmbeddings returns the cached vectors for the given content hashes.
// Missing hashes are absent from the map.
func (m *Memory) GetEmbeddings(ctx context.Context, model string, hashes []string) (map[string][]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]float32)
	byHash := m.embeddings[model]
	for _, h := range hashes {
		if v, ok := byHash[h]; ok {
			out[h] = slices.Clone(v)
		}
	}
	return out, nil
}

func (m *Memory) PutEmbeddings(ctx context.Context, model string, vectors map[string][]float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byHash, ok := m.embeddings[model]
	if !ok {
		byHash = make(map[string][]float32, len(vectors))
		m.embeddings[model] = byHash
	}
	for h, v := range vectors {
		byHash[h] = slices.Clone(v)
	}
	return nil
}

// SimilarChunks ranks every embedded chunk of every cached result by cosine
// similarity to vector. Chunks whose dimension differs are skipped.
func (m *Memory) SimilarChunks(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	m.mu.RLock()
	var out []Match
	for key, idx := range m.chunks {
		for _, c := range idx {
			if len(c.vector) != len(vector) {
				continue
			}
			out = append(out, Match{
				Key:        key,
				ChunkIndex: c.index,
				Content:    c.content,
				FirstPage:  c.firstPage,
				Score:      Cosine(vector, c.vector),
			})
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		return cmp.Compare(a.ChunkIndex, b.ChunkIndex)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Cosine returns the cosine similarity of two equal-length vectors, or 0 when
// either is all zeros.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
