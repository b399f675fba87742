// Package chunker splits extracted content into overlapping chunks and
// attaches embeddings to them.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"unicode"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/result"
)

// Chunker splits text by character count. Limits count runes; chunk
// offsets are byte offsets into the original content, and every chunk's
// content is exactly content[ByteStart:ByteEnd].
type Chunker struct {
	maxChars          int
	overlap           int
	respectBoundaries bool
}

// New returns a Chunker for cfg; nil means the defaults. An overlap that
// is not smaller than the size limit is reduced so that chunking always
// advances.
func New(cfg *config.ChunkingConfig) *Chunker {
	if cfg == nil {
		cfg = config.DefaultChunking()
	}
	c := &Chunker{
		maxChars:          cfg.MaxChars,
		overlap:           cfg.MaxOverlap,
		respectBoundaries: cfg.RespectBoundaries,
	}
	if c.maxChars <= 0 {
		c.maxChars = config.DefaultChunking().MaxChars
	}
	if c.overlap < 0 {
		c.overlap = 0
	}
	if c.overlap >= c.maxChars {
		c.overlap = c.maxChars / 2
	}
	return c
}

// boundary kinds in order of preference.
const (
	paragraphBreak = iota
	sentenceEnd
	lineBreak
	whitespace
	boundaryKinds
)

// Chunk splits content. pages, when given, are used to fill each chunk's
// page span. Empty content yields no chunks.
func (c *Chunker) Chunk(content string, pages []result.PageContent) []result.Chunk {
	if content == "" {
		return nil
	}
	runes := []rune(content)
	n := len(runes)
	// offs[i] is the byte offset of rune i; offs[n] is len(content).
	offs := make([]int, n+1)
	pos := 0
	for i, r := range runes {
		offs[i] = pos
		pos += len(string(r))
	}
	offs[n] = pos

	var chunks []result.Chunk
	start := 0
	for {
		end := min(start+c.maxChars, n)
		if end < n && c.respectBoundaries {
			if e := c.findBoundary(runes, start+c.overlap, end); e > 0 {
				end = e
			}
		}
		chunks = append(chunks, c.makeChunk(content, offs[start], offs[end], len(chunks), pages))
		if end == n {
			break
		}
		next := end - c.overlap
		if c.respectBoundaries && c.overlap > 0 {
			next = wordStart(runes, next, end)
		}
		start = next
	}
	for i := range chunks {
		chunks[i].Metadata.TotalChunks = len(chunks)
	}
	return chunks
}

// findBoundary returns the best chunk end in (lo, hi], or 0 when the range
// holds no boundary. A later position wins within the same kind.
func (c *Chunker) findBoundary(runes []rune, lo, hi int) int {
	var best [boundaryKinds]int
	for e := hi; e > lo && e >= 1; e-- {
		prev := runes[e-1]
		if !unicode.IsSpace(prev) {
			continue
		}
		if best[whitespace] == 0 {
			best[whitespace] = e
		}
		if prev == '\n' {
			if best[lineBreak] == 0 {
				best[lineBreak] = e
			}
			if e >= 2 && runes[e-2] == '\n' && best[paragraphBreak] == 0 {
				best[paragraphBreak] = e
			}
		}
		if e >= 2 && isSentenceEnd(runes[e-2]) && best[sentenceEnd] == 0 {
			best[sentenceEnd] = e
		}
		if best[paragraphBreak] != 0 {
			break
		}
	}
	for _, e := range best {
		if e != 0 {
			return e
		}
	}
	return 0
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '。'
}

// wordStart moves pos forward to the start of a word, never reaching
// limit. Without a word start before limit, pos is returned unchanged.
func wordStart(runes []rune, pos, limit int) int {
	for p := pos; p < limit; p++ {
		if p == 0 || (unicode.IsSpace(runes[p-1]) && !unicode.IsSpace(runes[p])) {
			return p
		}
	}
	return pos
}

func (c *Chunker) makeChunk(content string, start, end, index int, pages []result.PageContent) result.Chunk {
	text := content[start:end]
	meta := result.ChunkMetadata{
		ByteStart:  start,
		ByteEnd:    end,
		ChunkIndex: index,
		TokenCount: EstimateTokens(text),
	}
	if len(pages) > 0 {
		if p := result.PageAt(pages, start); p > 0 {
			meta.FirstPage = &p
		}
		if p := result.PageAt(pages, max(start, end-1)); p > 0 {
			meta.LastPage = &p
		}
	}
	return result.Chunk{Content: text, Metadata: meta}
}

// EstimateTokens approximates the token count of text using a simple
// word-based heuristic: tokens ~ words * 1.3.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

// ContentHash returns the SHA-256 hex digest of text.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
