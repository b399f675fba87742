package processing

import (
	"strings"

	"github.com/brunobiangulo/goextract/chunker"
	"github.com/brunobiangulo/goextract/result"
)

// rewriter builds a new text while recording, for every input byte, the
// output offset it maps to. Dropped bytes map to the offset where they
// would have been written.
type rewriter struct {
	out strings.Builder
	pos []int
}

func newRewriter(n int) *rewriter {
	return &rewriter{pos: make([]int, n+1)}
}

// emit writes s as the replacement for input bytes [from, to). Every byte
// of the range maps to the start of s.
func (w *rewriter) emit(from, to int, s string) {
	for k := from; k < to; k++ {
		w.pos[k] = w.out.Len()
	}
	w.out.WriteString(s)
}

// keep copies input bytes [from, to) unchanged. Each byte maps to its own
// copy, so a chunk or page boundary inside the range stays where it was.
func (w *rewriter) keep(s string, from, to int) {
	base := w.out.Len()
	for k := from; k < to; k++ {
		w.pos[k] = base + k - from
	}
	w.out.WriteString(s[from:to])
}

// drop maps input bytes [from, to) to the current output offset.
func (w *rewriter) drop(from, to int) {
	for k := from; k < to; k++ {
		w.pos[k] = w.out.Len()
	}
}

func (w *rewriter) finish(n int) (string, []int) {
	w.pos[n] = w.out.Len()
	return w.out.String(), w.pos
}

// compose returns the map of applying a then b.
func compose(a, b []int) []int {
	out := make([]int, len(a))
	for i, p := range a {
		out[i] = b[p]
	}
	return out
}

// applyRewrite replaces r.Content and moves chunk, page and entity byte ranges
// through pos, so every chunk stays an exact substring of the content.
// Chunks left empty are dropped and the rest renumbered.
func applyRewrite(r *result.ExtractionResult, content string, pos []int) {
	at := func(off int) int {
		off = min(max(off, 0), len(pos)-1)
		return pos[off]
	}
	if r.Chunks != nil {
		chunks := r.Chunks[:0]
		for _, c := range r.Chunks {
			start, end := at(c.Metadata.ByteStart), at(c.Metadata.ByteEnd)
			if end <= start {
				continue
			}
			text := content[start:end]
			if text != c.Content {
				c.Content = text
				c.Metadata.TokenCount = chunker.EstimateTokens(text)
			}
			c.Metadata.ByteStart, c.Metadata.ByteEnd = start, end
			chunks = append(chunks, c)
		}
		for i := range chunks {
			chunks[i].Metadata.ChunkIndex = i
			chunks[i].Metadata.TotalChunks = len(chunks)
		}
		r.Chunks = chunks
	}
	for i := range r.Pages {
		p := &r.Pages[i]
		p.ByteStart, p.ByteEnd = at(p.ByteStart), at(p.ByteEnd)
		p.Content = content[p.ByteStart:p.ByteEnd]
	}
	if r.Entities != nil {
		ents := r.Entities[:0]
		for _, e := range r.Entities {
			e.Start, e.End = at(e.Start), at(e.End)
			if e.End > e.Start {
				e.Text = content[e.Start:e.End]
				ents = append(ents, e)
			}
		}
		r.Entities = ents
	}
	r.Content = content
}
