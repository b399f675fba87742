package processing

import (
	"context"
	"regexp"
	"strings"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/plugin"
	"github.com/brunobiangulo/goextract/result"
)

var (
	paragraphBreak = regexp.MustCompile(`\n[ \t]*\n\s*`)
	commentLine    = regexp.MustCompile(`^<!--.*-->$`)
)

// Dedupe removes a paragraph that repeats the one before it, ignoring
// whitespace differences. Page markers between the two do not count as a
// paragraph, so a running header repeated after a page break is removed.
type Dedupe struct{}

func NewDedupe() *Dedupe { return &Dedupe{} }

func (*Dedupe) Name() string        { return "dedupe" }
func (*Dedupe) Version() string     { return "1.0.0" }
func (*Dedupe) Stage() plugin.Stage { return plugin.Middle }

func (*Dedupe) Process(ctx context.Context, r *result.ExtractionResult, _ *config.ExtractionConfig) error {
	s := r.Content
	breaks := paragraphBreak.FindAllStringIndex(s, -1)
	if len(breaks) == 0 {
		return nil
	}

	w := newRewriter(len(s))
	var (
		prev    string
		removed int
		start   int
		sepFrom int
	)
	// Each paragraph is written with the separator that precedes it, so a
	// dropped paragraph takes its separator along.
	para := func(end int) {
		text := s[start:end]
		key := strings.Join(strings.Fields(text), " ")
		switch {
		case key != "" && key == prev:
			w.drop(sepFrom, end)
			removed++
			return
		case commentLine.MatchString(key):
		default:
			prev = key
		}
		w.keep(s, sepFrom, end)
	}
	for _, b := range breaks {
		para(b[0])
		sepFrom, start = b[0], b[1]
	}
	para(len(s))

	if removed == 0 {
		return ctx.Err()
	}
	content, pos := w.finish(len(s))
	applyRewrite(r, content, pos)
	if r.Metadata == nil {
		r.Metadata = result.Metadata{}
	}
	r.Metadata["duplicates_removed"] = removed
	return ctx.Err()
}
