// Package cache defines the extraction result cache and its in-process
// implementation. Entries are keyed by a content address covering the input
// bytes, the resolved MIME type, the effective configuration and the set of
// registered plugins, so a configuration or plugin change never returns a
// stale result.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/brunobiangulo/goextract/result"
)

// Stats summarizes a cache.
type Stats struct {
	Backend    string `json:"backend"`
	Entries    int64  `json:"entries"`
	Bytes      int64  `json:"bytes"`
	Hits       int64  `json:"hits"`
	Misses     int64  `json:"misses"`
	Embeddings int64  `json:"embeddings"`
}

// Cache stores finished extraction results. Implementations must be safe for
// concurrent use. A Get miss returns (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) (*result.ExtractionResult, bool, error)
	Put(ctx context.Context, key string, res *result.ExtractionResult) error
	Stats(ctx context.Context) (Stats, error)
	Clear(ctx context.Context) error
}

// Match is a cached chunk returned by a similarity search.
type Match struct {
	Key        string  `json:"key"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	FirstPage  int     `json:"first_page,omitempty"`
	Score      float64 `json:"score"`
}

// Searcher is implemented by caches that index chunk embeddings.
type Searcher interface {
	SimilarChunks(ctx context.Context, vector []float32, k int) ([]Match, error)
}

// Key returns the content address for an extraction.
func Key(data []byte, mimeType, configFingerprint, pluginFingerprint string) string {
	h := sha256.New()
	h.Write(data)
	for _, part := range []string{mimeType, configFingerprint, pluginFingerprint} {
		h.Write([]byte{0})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}
