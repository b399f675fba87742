package chunker

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/result"
)

// Embedder generates embeddings for a batch of texts. llm.Provider
// satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingCache stores raw embeddings keyed by model and content hash.
type EmbeddingCache interface {
	GetEmbeddings(ctx context.Context, model string, hashes []string) (map[string][]float32, error)
	PutEmbeddings(ctx context.Context, model string, vectors map[string][]float32) error
}

// EmbedOptions controls Embed.
type EmbedOptions struct {
	Model     string
	BatchSize int
	Normalize bool
	// Cache is optional.
	Cache EmbeddingCache
}

// Embed fills the Embedding of every chunk. Chunks with identical content
// share one request and cached vectors are reused. When a batch fails, its
// chunks are looked up in the cache once more before the call fails with an
// error tagged "embedding:<model>".
func Embed(ctx context.Context, emb Embedder, chunks []result.Chunk, opts EmbedOptions) error {
	if len(chunks) == 0 {
		return nil
	}
	tag := "embedding:" + opts.Model
	if emb == nil {
		return errcode.PluginErr(tag, errcode.New(errcode.ErrMissingDependency, "no embedder configured"))
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	hashes := make([]string, len(chunks))
	text := map[string]string{}
	var unique []string
	for i, ch := range chunks {
		h := ContentHash(ch.Content)
		hashes[i] = h
		if _, ok := text[h]; !ok {
			text[h] = ch.Content
			unique = append(unique, h)
		}
	}

	vectors := map[string][]float32{}
	if opts.Cache != nil {
		cached, err := opts.Cache.GetEmbeddings(ctx, opts.Model, unique)
		if err != nil {
			slog.Warn("embed: cache lookup failed", "model", opts.Model, "error", err)
		}
		for h, v := range cached {
			vectors[h] = v
		}
	}
	var missing []string
	for _, h := range unique {
		if _, ok := vectors[h]; !ok {
			missing = append(missing, h)
		}
	}
	if hits := len(unique) - len(missing); hits > 0 {
		slog.Debug("embed: cache hits", "model", opts.Model, "hits", hits, "missing", len(missing))
	}

	for i := 0; i < len(missing); i += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := missing[i:min(i+batchSize, len(missing))]
		texts := make([]string, len(batch))
		for j, h := range batch {
			texts[j] = text[h]
		}

		out, err := emb.Embed(ctx, texts)
		if err == nil && len(out) != len(batch) {
			err = fmt.Errorf("got %d embeddings for %d texts", len(out), len(batch))
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if recoverFromCache(ctx, opts, batch, vectors) {
				slog.Warn("embed: batch failed, served from cache", "model", opts.Model, "error", err)
				continue
			}
			return errcode.PluginErr(tag, err)
		}

		fresh := make(map[string][]float32, len(batch))
		for j, h := range batch {
			vectors[h] = out[j]
			fresh[h] = out[j]
		}
		if opts.Cache != nil {
			if err := opts.Cache.PutEmbeddings(ctx, opts.Model, fresh); err != nil {
				slog.Warn("embed: cache write failed", "model", opts.Model, "error", err)
			}
		}
	}

	for i := range chunks {
		v := vectors[hashes[i]]
		if opts.Normalize {
			chunks[i].Embedding = Normalize(v)
			continue
		}
		out := make([]float32, len(v))
		copy(out, v)
		chunks[i].Embedding = out
	}
	return nil
}

// recoverFromCache fills vectors for batch from the cache and reports
// whether every hash was found.
func recoverFromCache(ctx context.Context, opts EmbedOptions, batch []string, vectors map[string][]float32) bool {
	if opts.Cache == nil {
		return false
	}
	cached, err := opts.Cache.GetEmbeddings(ctx, opts.Model, batch)
	if err != nil {
		return false
	}
	for _, h := range batch {
		if _, ok := cached[h]; !ok {
			return false
		}
	}
	for _, h := range batch {
		vectors[h] = cached[h]
	}
	return true
}

// Normalize returns v scaled to unit length. A zero vector is returned
// unchanged. v itself is not modified.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}
