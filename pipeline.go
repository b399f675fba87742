package goextract

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/brunobiangulo/goextract/cache"
	"github.com/brunobiangulo/goextract/chunker"
	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/hierarchy"
	"github.com/brunobiangulo/goextract/mime"
	"github.com/brunobiangulo/goextract/plugin"
	"github.com/brunobiangulo/goextract/result"
)

// Extract runs data through the pipeline. mimeHint, when set, overrides
// content sniffing. A nil cfg means the engine's default configuration.
func (e *Engine) Extract(ctx context.Context, data []byte, mimeHint string, cfg *config.ExtractionConfig) (*result.ExtractionResult, error) {
	return e.extract(ctx, data, "", mimeHint, cfg)
}

// ExtractFile reads path and extracts it. The MIME type comes from the
// extension, or from the content when the extension is unknown.
func (e *Engine) ExtractFile(ctx context.Context, path string, cfg *config.ExtractionConfig) (*result.ExtractionResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errcode.Wrap(errcode.ErrIo, err, "reading "+path)
	}
	return e.extract(ctx, data, path, "", cfg)
}

// effective returns the normalized, validated configuration for one call.
func (e *Engine) effective(cfg *config.ExtractionConfig) (config.ExtractionConfig, error) {
	var c config.ExtractionConfig
	if cfg == nil {
		c = e.cfg.Extraction.Clone()
	} else {
		c = cfg.Normalized()
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (e *Engine) extract(ctx context.Context, data []byte, path, hint string, cfg *config.ExtractionConfig) (res *result.ExtractionResult, err error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, errcode.FromPanic("pipeline", r)
		}
		if err != nil {
			e.recordPanic(err)
		}
	}()

	ec, err := e.effective(cfg)
	if err != nil {
		return nil, err
	}

	// Resolving
	mimeType, err := mime.Resolve(data, path, hint)
	if err != nil {
		return nil, err
	}
	extractor, err := e.registry.Extractors.Resolve(mimeType)
	if err != nil {
		return nil, err
	}

	var key string
	if ec.UseCache && e.cache != nil {
		key = cache.Key(data, mimeType, ec.Fingerprint(), e.registry.Fingerprint())
		cached, ok, err := e.cache.Get(ctx, key)
		switch {
		case err != nil:
			e.logger.Warn("cache: lookup failed", "error", err)
		case ok:
			e.logger.Debug("cache: hit", "mime_type", mimeType, "key", key[:12])
			return cached, nil
		}
	}

	start := time.Now()
	res, err = e.run(ctx, extractor, data, mimeType, &ec)
	if err != nil {
		e.logger.Debug("pipeline: extraction failed",
			"mime_type", mimeType, "extractor", extractor.Name(), "code", errcode.CodeOf(err), "error", err)
		return nil, err
	}
	e.logger.Debug("pipeline: extraction complete",
		"mime_type", mimeType, "extractor", extractor.Name(),
		"chars", len(res.Content), "chunks", len(res.Chunks),
		"elapsed", time.Since(start).Round(time.Millisecond))

	if key != "" {
		if err := e.cache.Put(ctx, key, res); err != nil {
			e.logger.Warn("cache: write failed", "mime_type", mimeType, "error", err)
		}
	}
	return res, nil
}

// run executes the stages after resolution. Cancellation is checked
// between stages.
func (e *Engine) run(ctx context.Context, ext plugin.DocumentExtractor, data []byte, mimeType string, cfg *config.ExtractionConfig) (*result.ExtractionResult, error) {
	// Extracting
	var raw *result.RawContent
	err := plugin.Call(ext.Name(), func() error {
		var err error
		raw, err = ext.Extract(ctx, data, mimeType, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errcode.PluginErr(ext.Name(), errcode.New(errcode.ErrParsing, "extractor returned no content"))
	}
	if raw.MimeType == "" {
		raw.MimeType = mimeType
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// OCR
	lease, err := e.runOCR(ctx, raw, data, mimeType, cfg)
	defer e.endOCR(ctx, lease)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, pages := assemble(raw, cfg)

	// Hierarchy
	switch {
	case cfg.IncludeDocumentStructure && raw.Document != nil:
		res.Document = raw.Document
	case cfg.HierarchyEnabled():
		if blocks := raw.AllBlocks(); len(blocks) > 0 {
			res.Document = hierarchy.New(cfg.PDF.Hierarchy).Detect(blocks)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Chunking
	if cfg.Chunking != nil {
		res.Chunks = chunker.New(cfg.Chunking).Chunk(res.Content, pages)
		if err := e.embed(ctx, res.Chunks, cfg.Chunking.Embedding); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	// PostProcessing
	var embedded map[string][]float32
	if cfg.Chunking != nil && cfg.Chunking.Embedding != nil {
		embedded = embeddingsByContent(res.Chunks)
	}
	if err := e.registry.PostProcessors.Run(ctx, res, cfg); err != nil {
		return nil, err
	}
	if embedded != nil {
		if err := e.reembed(ctx, res.Chunks, embedded, cfg.Chunking.Embedding); err != nil {
			return nil, err
		}
	}

	// Validating
	if err := e.registry.Validators.Run(ctx, res, cfg); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) embed(ctx context.Context, chunks []result.Chunk, ec *config.EmbeddingConfig) error {
	if ec == nil || len(chunks) == 0 {
		return nil
	}
	emb, model, err := e.embedderFor(ec.Model)
	if err != nil {
		return err
	}
	opts := chunker.EmbedOptions{Model: model, BatchSize: ec.BatchSize, Normalize: ec.Normalize}
	if ecache, ok := e.cache.(chunker.EmbeddingCache); ok && ec.UseCache {
		opts.Cache = ecache
	}
	start := time.Now()
	if err := chunker.Embed(ctx, emb, chunks, opts); err != nil {
		return err
	}
	e.logger.Debug("pipeline: embeddings complete",
		"model", model, "chunks", len(chunks), "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// embeddingsByContent maps the content hash of every embedded chunk to its
// vector.
func embeddingsByContent(chunks []result.Chunk) map[string][]float32 {
	m := make(map[string][]float32, len(chunks))
	for _, c := range chunks {
		if c.Embedding != nil {
			m[chunker.ContentHash(c.Content)] = c.Embedding
		}
	}
	return m
}

// reembed brings chunk vectors back in line with chunk text after
// post-processors rewrote it. A chunk whose text matches text embedded
// before gets that vector; the rest are embedded again.
func (e *Engine) reembed(ctx context.Context, chunks []result.Chunk, embedded map[string][]float32, ec *config.EmbeddingConfig) error {
	var stale []int
	for i := range chunks {
		if v, ok := embedded[chunker.ContentHash(chunks[i].Content)]; ok {
			chunks[i].Embedding = slices.Clone(v)
			continue
		}
		stale = append(stale, i)
	}
	if len(stale) == 0 {
		return nil
	}
	sub := make([]result.Chunk, len(stale))
	for j, i := range stale {
		sub[j] = chunks[i]
	}
	e.logger.Debug("pipeline: re-embedding rewritten chunks", "chunks", len(stale))
	if err := e.embed(ctx, sub, ec); err != nil {
		return err
	}
	for j, i := range stale {
		chunks[i].Embedding = sub[j].Embedding
	}
	return nil
}

// assemble builds the result from raw content. The returned page ranges
// point into the result content; they are kept on the result only when
// per-page output is requested.
func assemble(raw *result.RawContent, cfg *config.ExtractionConfig) (*result.ExtractionResult, []result.PageContent) {
	res := &result.ExtractionResult{
		Content:  raw.Content,
		MimeType: raw.MimeType,
		Metadata: raw.Metadata,
		Tables:   raw.Tables,
		Images:   raw.Images,
	}
	if res.Metadata == nil {
		res.Metadata = result.Metadata{}
	}
	if raw.Method != "" {
		res.Metadata["extraction_method"] = raw.Method
	}

	var pages []result.PageContent
	switch {
	case len(raw.Pages) == 0:
	case raw.Content == "":
		res.Content, pages = result.JoinPages(raw.Pages, pageMarker(cfg))
	default:
		pages = locatePages(raw.Content, raw.Pages)
	}
	if cfg.Pages != nil && cfg.Pages.ExtractPages {
		res.Pages = pages
	}
	return res, pages
}

// pageMarker returns the marker function for JoinPages, or nil when page
// markers are off. The first marker loses its leading line breaks.
func pageMarker(cfg *config.ExtractionConfig) func(int) string {
	if cfg.Pages == nil || !cfg.Pages.InsertPageMarkers {
		return nil
	}
	format := cfg.Pages.MarkerFormat
	if format == "" {
		format = config.DefaultPageMarker
	}
	first := true
	return func(n int) string {
		s := fmt.Sprintf(format, n)
		if first {
			first = false
			s = strings.TrimLeft(s, "\r\n")
		}
		return s
	}
}

// locatePages finds each page's text in content, in order. Pages whose
// text cannot be found get an empty range at the current position.
func locatePages(content string, raw []result.RawPage) []result.PageContent {
	out := make([]result.PageContent, 0, len(raw))
	pos := 0
	for _, p := range raw {
		text := strings.TrimSpace(p.Content)
		pc := result.PageContent{PageNumber: p.Number, ByteStart: pos, ByteEnd: pos}
		if i := strings.Index(content[pos:], text); text != "" && i >= 0 {
			pc.ByteStart, pc.ByteEnd = pos+i, pos+i+len(text)
			pc.Content = text
			pos = pc.ByteEnd
		}
		out = append(out, pc)
	}
	return out
}
