package processing

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/plugin"
	"github.com/brunobiangulo/goextract/result"
)

// Quality normalizes content to NFC, removes control and zero-width
// characters, collapses whitespace and records a quality_score between 0
// and 1.
type Quality struct{}

func NewQuality() *Quality { return &Quality{} }

func (*Quality) Name() string        { return "quality" }
func (*Quality) Version() string     { return "1.0.0" }
func (*Quality) Stage() plugin.Stage { return plugin.Early }

func (*Quality) Process(ctx context.Context, r *result.ExtractionResult, cfg *config.ExtractionConfig) error {
	if cfg != nil && !cfg.EnableQualityProcessing {
		return nil
	}
	orig := r.Content
	normalized, pos := normalizeNFC(orig)
	cleaned, pos2 := cleanText(normalized)
	applyRewrite(r, cleaned, compose(pos, pos2))

	if r.Metadata == nil {
		r.Metadata = result.Metadata{}
	}
	r.Metadata["quality_score"] = qualityScore(orig, cleaned)
	return ctx.Err()
}

func identity(n int) []int {
	pos := make([]int, n+1)
	for i := range pos {
		pos[i] = i
	}
	return pos
}

// normalizeNFC rewrites s one normalization segment at a time so offsets
// inside unchanged segments stay exact.
func normalizeNFC(s string) (string, []int) {
	if norm.NFC.IsNormalString(s) {
		return s, identity(len(s))
	}
	w := newRewriter(len(s))
	for i := 0; i < len(s); {
		n := norm.NFC.NextBoundaryInString(s[i:], true)
		if n <= 0 {
			n = len(s) - i
		}
		w.emit(i, i+n, norm.NFC.String(s[i:i+n]))
		i += n
	}
	return w.finish(len(s))
}

// cleanText drops control and zero-width characters, turns runs of spaces
// into one space and runs of line breaks into at most one blank line, and
// trims both ends.
func cleanText(s string) (string, []int) {
	w := newRewriter(len(s))
	var (
		space    bool
		newlines int
		started  bool
	)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == '\n':
			newlines++
			w.drop(i, i+size)
		case r == '\r':
			if i+1 >= len(s) || s[i+1] != '\n' {
				newlines++
			}
			w.drop(i, i+size)
		case r == '\t' || unicode.Is(unicode.Zs, r):
			space = true
			w.drop(i, i+size)
		case removable(r, size):
			w.drop(i, i+size)
		default:
			if started {
				switch {
				case newlines > 0:
					w.out.WriteString(strings.Repeat("\n", min(newlines, 2)))
				case space:
					w.out.WriteByte(' ')
				}
			}
			started, space, newlines = true, false, 0
			w.keep(s, i, i+size)
		}
		i += size
	}
	return w.finish(len(s))
}

func removable(r rune, size int) bool {
	switch {
	case r == utf8.RuneError && size == 1:
		return true
	case r == '\u200b', r == '\u200c', r == '\u200d', r == '\u2060', r == '\ufeff', r == '\u00ad':
		return true
	}
	return unicode.IsControl(r)
}

// qualityScore weighs the printable share of the extracted text against
// the share of word-like tokens left after cleaning.
func qualityScore(orig, cleaned string) float64 {
	if strings.TrimSpace(cleaned) == "" {
		return 0
	}
	score := 0.6*printableRatio(orig) + 0.4*wordlikeRatio(cleaned)
	return float64(int(score*1000+0.5)) / 1000
}

func printableRatio(text string) float64 {
	total, printable := 0, 0
	for _, r := range text {
		total++
		switch {
		case r >= 0xE000 && r <= 0xF8FF, r == utf8.RuneError:
		case unicode.IsPrint(r), r == '\n', r == '\r', r == '\t':
			printable++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(printable) / float64(total)
}

// wordlikeRatio is the share of tokens between 2 and 15 runes long.
func wordlikeRatio(text string) float64 {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0
	}
	n := 0
	for _, f := range fields {
		if l := utf8.RuneCountInString(f); l >= 2 && l <= 15 {
			n++
		}
	}
	return float64(n) / float64(len(fields))
}
