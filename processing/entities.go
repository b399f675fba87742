package processing

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/goextract/chunker"
	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/llm"
	"github.com/brunobiangulo/goextract/plugin"
	"github.com/brunobiangulo/goextract/result"
)

// Chatter sends chat completions. llm.Provider satisfies it.
type Chatter interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

const (
	defaultEntityConcurrency = 4
	// segmentChars sizes the windows sent to the model when the result
	// has no chunks.
	segmentChars = 4000
	// perSegmentTimeout caps how long one model call can take.
	perSegmentTimeout = 90 * time.Second
)

// entityPrompt asks for mentions of the listed types only. The model
// returns surface text; offsets are found by locating it in the segment.
const entityPrompt = `You are an entity extraction engine.
Given the following text, extract every mention of these entity types: %s.

Return a JSON object with exactly one key:
  "entities" : array of {"text": string, "type": string}

Rules:
- "text" must be copied exactly as it appears in the text.
- "type" must be one of the listed entity types.
- Only include entities clearly supported by the text.
- If there are none, return an empty array.
- Do NOT include any text outside the JSON object.

EXAMPLE:

Input: "Contact Jane Doe at Acme Corp (jane@acme.example) before 12 March 2024."
Output:
{"entities": [{"text": "Jane Doe", "type": "PERSON"}, {"text": "Acme Corp", "type": "ORGANIZATION"}, {"text": "jane@acme.example", "type": "EMAIL"}, {"text": "12 March 2024", "type": "DATE"}]}

%s
TEXT:
%s`

// Patterns for identifiers that models tend to overlook. Matches are fed
// to the prompt as hints.
var (
	reEmail = regexp.MustCompile(`[\w.+-]+@[\w-]+(?:\.[\w-]+)+`)
	reURL   = regexp.MustCompile(`https?://[^\s<>"]+`)
	rePhone = regexp.MustCompile(`\+?\d[\d ().-]{7,}\d`)
	reDate  = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}[/.]\d{1,2}[/.]\d{2,4}\b`)
)

// codeBlockRe strips markdown code fences from model output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// Entities fills ExtractionResult.Entities. Custom patterns from the
// configuration always run. When a chat model is configured it is asked
// for the configured entity types, segment by segment; a model failure is
// logged and the pattern matches are kept.
type Entities struct {
	chat  Chatter
	model string
}

// NewEntities returns the entities post-processor. chat may be nil, in
// which case only custom patterns are applied.
func NewEntities(chat Chatter, model string) *Entities {
	return &Entities{chat: chat, model: model}
}

func (*Entities) Name() string        { return "entities" }
func (*Entities) Version() string     { return "1.0.0" }
func (*Entities) Stage() plugin.Stage { return plugin.Late }

func (p *Entities) Process(ctx context.Context, r *result.ExtractionResult, cfg *config.ExtractionConfig) error {
	if cfg == nil || cfg.Entities == nil || strings.TrimSpace(r.Content) == "" {
		return nil
	}
	ec := cfg.Entities
	found, err := patternEntities(r.Content, ec.CustomPatterns)
	if err != nil {
		return errcode.Wrap(errcode.ErrInvalidConfig, err, "entities: custom pattern")
	}

	if p.chat != nil && len(ec.EntityTypes) > 0 {
		fromModel, err := p.modelEntities(ctx, r, ec)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			slog.Warn("entities: model extraction failed, keeping pattern matches", "model", p.model, "error", err)
			if r.Metadata == nil {
				r.Metadata = result.Metadata{}
			}
			r.Metadata["entity_extraction_error"] = err.Error()
		}
		found = append(found, fromModel...)
	}
	r.Entities = mergeEntities(r.Entities, found)
	return ctx.Err()
}

// patternEntities applies the custom patterns in type order.
func patternEntities(content string, patterns map[string]string) ([]result.Entity, error) {
	var out []result.Entity
	for _, typ := range slices.Sorted(maps.Keys(patterns)) {
		re, err := regexp.Compile(patterns[typ])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", typ, err)
		}
		for _, m := range re.FindAllStringIndex(content, -1) {
			if m[1] > m[0] {
				out = append(out, result.Entity{Type: typ, Text: content[m[0]:m[1]], Start: m[0], End: m[1]})
			}
		}
	}
	return out, nil
}

type segment struct {
	text string
	base int
}

// segments returns the chunks of r, or fixed windows over the content when
// chunking is off.
func segments(r *result.ExtractionResult) []segment {
	chunks := r.Chunks
	if len(chunks) == 0 {
		chunks = chunker.New(&config.ChunkingConfig{MaxChars: segmentChars, RespectBoundaries: true}).Chunk(r.Content, nil)
	}
	out := make([]segment, 0, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c.Content) != "" {
			out = append(out, segment{text: c.Content, base: c.Metadata.ByteStart})
		}
	}
	return out
}

func (p *Entities) modelEntities(ctx context.Context, r *result.ExtractionResult, ec *config.EntityConfig) ([]result.Entity, error) {
	segs := segments(r)
	if len(segs) == 0 {
		return nil, nil
	}
	limit := ec.Concurrency
	if limit <= 0 {
		limit = defaultEntityConcurrency
	}

	var (
		mu    sync.Mutex
		found []result.Entity
		errs  []error
		start = time.Now()
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, seg := range segs {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, perSegmentTimeout)
			defer cancel()
			ents, err := p.extractSegment(sctx, seg, ec.EntityTypes)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			found = append(found, ents...)
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(errs) == len(segs) {
		return nil, fmt.Errorf("all %d segments failed; first error: %w", len(segs), errs[0])
	}
	if len(errs) > 0 {
		slog.Warn("entities: some segments failed",
			"succeeded", len(segs)-len(errs), "failed", len(errs), "first_error", errs[0])
	}
	slog.Debug("entities: model extraction complete",
		"segments", len(segs), "entities", len(found),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return found, nil
}

// entityReply is the JSON shape the model returns.
type entityReply struct {
	Entities []struct {
		Text string `json:"text"`
		Type string `json:"type"`
	} `json:"entities"`
}

func (p *Entities) extractSegment(ctx context.Context, seg segment, types []string) ([]result.Entity, error) {
	var hints string
	if ids := identifierHints(seg.text); len(ids) > 0 {
		hints = fmt.Sprintf("HINTS: The following identifiers were detected in the text. Include them if they match a listed type:\n%s\n",
			strings.Join(ids, ", "))
	}
	prompt := fmt.Sprintf(entityPrompt, strings.Join(types, ", "), hints, seg.text)

	resp, err := p.chat.Chat(ctx, llm.ChatRequest{
		Model:          p.model,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("entity extraction chat: %w", err)
	}
	raw, err := extractJSON(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("parsing entity extraction result: %w", err)
	}
	var reply entityReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("unmarshalling entity extraction result: %w", err)
	}

	allowed := make(map[string]string, len(types))
	for _, t := range types {
		allowed[strings.ToUpper(t)] = t
	}
	var out []result.Entity
	for _, e := range reply.Entities {
		typ, ok := allowed[strings.ToUpper(strings.TrimSpace(e.Type))]
		text := strings.TrimSpace(e.Text)
		if !ok || text == "" {
			continue
		}
		// Mentions the model invented are not in the text and are dropped.
		for _, at := range locate(seg.text, text) {
			out = append(out, result.Entity{
				Type:  typ,
				Text:  seg.text[at : at+len(text)],
				Start: seg.base + at,
				End:   seg.base + at + len(text),
			})
		}
	}
	return out, nil
}

// locate returns the offsets of every occurrence of text in s. When there
// is no exact occurrence, a case-insensitive match is tried; lowering must
// not change byte lengths for that to be used.
func locate(s, text string) []int {
	var at []int
	for i := 0; ; {
		j := strings.Index(s[i:], text)
		if j < 0 {
			break
		}
		at = append(at, i+j)
		i += j + len(text)
	}
	if len(at) > 0 {
		return at
	}
	ls, lt := strings.ToLower(s), strings.ToLower(text)
	if len(ls) != len(s) || len(lt) != len(text) {
		return nil
	}
	if j := strings.Index(ls, lt); j >= 0 {
		return []int{j}
	}
	return nil
}

// identifierHints finds emails, URLs, phone numbers and dates in text.
func identifierHints(text string) []string {
	seen := map[string]bool{}
	var ids []string
	for _, re := range []*regexp.Regexp{reEmail, reURL, rePhone, reDate} {
		for _, m := range re.FindAllString(text, -1) {
			m = strings.TrimSpace(m)
			if key := strings.ToLower(m); m != "" && !seen[key] {
				seen[key] = true
				ids = append(ids, m)
			}
		}
	}
	return ids
}

// extractJSON finds the JSON object in a model reply, tolerating code
// fences and text around it.
func extractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}
	return "", fmt.Errorf("no JSON object found in response")
}

// mergeEntities combines entity lists in offset order without duplicates.
func mergeEntities(lists ...[]result.Entity) []result.Entity {
	var all []result.Entity
	for _, l := range lists {
		all = append(all, l...)
	}
	if len(all) == 0 {
		return nil
	}
	slices.SortFunc(all, func(a, b result.Entity) int {
		return cmp.Or(cmp.Compare(a.Start, b.Start), cmp.Compare(a.End, b.End), cmp.Compare(a.Type, b.Type))
	})
	return slices.Compact(all)
}
