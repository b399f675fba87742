package processing

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/plugin"
	"github.com/brunobiangulo/goextract/result"
)

const (
	defaultMinConfidence = 0.8
	// Paragraphs shorter than this are too short to classify.
	minParagraphRunes = 20
)

// Language fills DetectedLanguages with ISO 639-3 codes. With
// detect_multiple every paragraph is classified and languages are ordered
// by how much text they cover.
type Language struct{}

func NewLanguage() *Language { return &Language{} }

func (*Language) Name() string        { return "language" }
func (*Language) Version() string     { return "1.0.0" }
func (*Language) Stage() plugin.Stage { return plugin.Early }

func (*Language) Process(ctx context.Context, r *result.ExtractionResult, cfg *config.ExtractionConfig) error {
	if cfg == nil || cfg.LanguageDetection == nil || !cfg.LanguageDetection.Enabled {
		return nil
	}
	ld := cfg.LanguageDetection
	minConf := ld.MinConfidence
	if minConf <= 0 {
		minConf = defaultMinConfidence
	}
	if !ld.DetectMultiple {
		if code, ok := detect(r.Content, minConf); ok {
			r.DetectedLanguages = []string{code}
		}
		return ctx.Err()
	}

	cover := map[string]int{}
	for _, para := range strings.Split(r.Content, "\n\n") {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := utf8.RuneCountInString(strings.TrimSpace(para))
		if n < minParagraphRunes {
			continue
		}
		if code, ok := detect(para, minConf); ok {
			cover[code] += n
		}
	}
	if len(cover) == 0 {
		if code, ok := detect(r.Content, minConf); ok {
			r.DetectedLanguages = []string{code}
		}
		return nil
	}
	langs := make([]string, 0, len(cover))
	for code := range cover {
		langs = append(langs, code)
	}
	slices.SortFunc(langs, func(a, b string) int {
		if c := cmp.Compare(cover[b], cover[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	r.DetectedLanguages = langs
	return nil
}

func detect(text string, minConf float64) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	info := whatlanggo.Detect(text)
	if info.Script == nil || info.Confidence < minConf {
		return "", false
	}
	code := info.Lang.Iso6393()
	return code, code != ""
}
