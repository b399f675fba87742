package processing

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"unicode"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/plugin"
	"github.com/brunobiangulo/goextract/result"
)

// Keywords ranks candidate phrases with RAKE: text is split into phrases
// at stopwords and punctuation, each word scores degree/frequency and a
// phrase scores the sum of its words. Scores are scaled so the best phrase
// is 1.
type Keywords struct{}

func NewKeywords() *Keywords { return &Keywords{} }

func (*Keywords) Name() string        { return "keywords" }
func (*Keywords) Version() string     { return "1.0.0" }
func (*Keywords) Stage() plugin.Stage { return plugin.Late }

func (*Keywords) Process(ctx context.Context, r *result.ExtractionResult, cfg *config.ExtractionConfig) error {
	if cfg == nil || cfg.Keywords == nil {
		return nil
	}
	r.Keywords = rankKeywords(r.Content, *cfg.Keywords)
	return ctx.Err()
}

func rankKeywords(text string, kc config.KeywordConfig) []result.Keyword {
	if kc.MaxKeywords <= 0 {
		kc.MaxKeywords = config.DefaultKeywords().MaxKeywords
	}
	if kc.MaxNgram <= 0 {
		kc.MaxNgram = config.DefaultKeywords().MaxNgram
	}

	phrases := candidatePhrases(text, kc.MaxNgram)
	if len(phrases) == 0 {
		return nil
	}
	freq := map[string]int{}
	degree := map[string]int{}
	for _, p := range phrases {
		for _, w := range p {
			freq[w]++
			degree[w] += len(p)
		}
	}

	scores := map[string]float64{}
	for _, p := range phrases {
		key := strings.Join(p, " ")
		if _, ok := scores[key]; ok {
			continue
		}
		var s float64
		for _, w := range p {
			s += float64(degree[w]) / float64(freq[w])
		}
		scores[key] = s
	}

	var best float64
	for _, s := range scores {
		best = max(best, s)
	}
	out := make([]result.Keyword, 0, len(scores))
	for k, s := range scores {
		if s /= best; s >= kc.MinScore {
			out = append(out, result.Keyword{Text: k, Score: s})
		}
	}
	slices.SortFunc(out, func(a, b result.Keyword) int {
		return cmp.Or(cmp.Compare(b.Score, a.Score), cmp.Compare(a.Text, b.Text))
	})
	if len(out) > kc.MaxKeywords {
		out = out[:kc.MaxKeywords]
	}
	return out
}

// candidatePhrases splits text into lowercase word runs delimited by
// stopwords, punctuation and numbers. Runs longer than maxNgram are
// discarded.
func candidatePhrases(text string, maxNgram int) [][]string {
	var (
		phrases [][]string
		cur     []string
	)
	flush := func() {
		if len(cur) > 0 && len(cur) <= maxNgram {
			phrases = append(phrases, cur)
		}
		cur = nil
	}
	var word strings.Builder
	endWord := func() {
		if word.Len() == 0 {
			return
		}
		w := word.String()
		word.Reset()
		if stopwords[w] || len([]rune(w)) < 2 {
			flush()
			return
		}
		cur = append(cur, w)
	}
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || r == '\'' && word.Len() > 0:
			word.WriteRune(unicode.ToLower(r))
		case unicode.IsDigit(r):
			// Numbers break phrases and never become keywords.
			word.Reset()
			flush()
		case unicode.IsSpace(r) || r == '-':
			endWord()
		default:
			endWord()
			flush()
		}
	}
	endWord()
	flush()
	return phrases
}

var stopwords = func() map[string]bool {
	m := map[string]bool{}
	for _, w := range strings.Fields(`a about above after again against all also am an and any are as at
		be because been before being below between both but by can could did do does doing down during
		each few for from further had has have having he her here hers herself him himself his how i if
		in into is it its itself just me more most my myself no nor not now of off on once only or other
		our ours ourselves out over own same she should so some such than that the their theirs them
		themselves then there these they this those through to too under until up upon very was we were
		what when where which while who whom why will with would you your yours yourself yourselves
		may might must shall also however therefore thus via per etc`) {
		m[w] = true
	}
	return m
}()
