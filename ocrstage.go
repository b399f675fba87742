package goextract

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/mime"
	"github.com/brunobiangulo/goextract/ocr"
	"github.com/brunobiangulo/goextract/plugin"
	"github.com/brunobiangulo/goextract/result"
)

// runOCR recognizes text when the configuration names a backend and the
// input needs it: image input, force_ocr, or an extractor reporting an
// unusable text layer. Extracted images additionally get a nested OCR
// result when image extraction is on.
//
// Page text is replaced by OCR text only on pages that have images: every
// page under force_ocr, image-only pages, or all pages when the extractor
// reported NeedsOCR. Formats without pages only have empty content filled.
//
// The returned lease, possibly nil, stays held until the extraction ends;
// the caller passes it to endOCR.
func (e *Engine) runOCR(ctx context.Context, raw *result.RawContent, data []byte, mimeType string, cfg *config.ExtractionConfig) (*plugin.OcrLease, error) {
	if cfg.OCR == nil {
		return nil, nil
	}
	isImage := mime.IsImage(mimeType)
	needsText := isImage || cfg.ForceOCR || raw.NeedsOCR || hasImageOnlyPages(raw)
	nested := cfg.ExtractImages() && len(raw.Images) > 0
	if !needsText && !nested {
		return nil, nil
	}

	lease, err := e.registry.OCR.Acquire(ctx, cfg.OCR.Backend)
	if err != nil {
		return nil, err
	}

	rec := recognizer{backend: lease.Backend, opts: ocr.OptionsFrom(cfg.OCR)}
	if isImage {
		r, err := rec.recognize(ctx, data)
		if err != nil {
			return lease, err
		}
		raw.Content = ""
		raw.Pages = []result.RawPage{{Number: 1, Content: r.Text, Blocks: ocrBlocks(r, 1)}}
		raw.Method = "ocr"
		raw.Metadata = withOCRMetadata(raw.Metadata, cfg.OCR.Backend, r)
		return lease, nil
	}

	results := make([]*ocr.Result, len(raw.Images))
	for i, img := range raw.Images {
		if err := ctx.Err(); err != nil {
			return lease, err
		}
		if img.IsMask || len(img.Data) == 0 {
			continue
		}
		r, err := rec.recognize(ctx, img.Data)
		if err != nil {
			return lease, err
		}
		results[i] = r
	}

	if needsText {
		replaceWithOCR(raw, results, cfg.ForceOCR)
	}
	if nested {
		for i := range raw.Images {
			if r := results[i]; r != nil {
				img := &raw.Images[i]
				img.SetOcrResult(&result.ExtractionResult{
					Content:  r.Text,
					MimeType: "image/" + img.Format,
					Metadata: withOCRMetadata(nil, cfg.OCR.Backend, r),
				})
			}
		}
	}
	return lease, nil
}

// endOCR ends the lease taken by runOCR. After a cancelled extraction a
// backend this extraction initialized is shut down again.
func (e *Engine) endOCR(ctx context.Context, lease *plugin.OcrLease) {
	if lease == nil {
		return
	}
	if ctx.Err() == nil {
		lease.Release()
		return
	}
	if err := lease.Abort(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn("ocr: shutdown after cancellation failed", "backend", lease.Backend.Name(), "error", err)
	}
}

type recognizer struct {
	backend plugin.OcrBackend
	opts    ocr.Options
}

func (rec recognizer) recognize(ctx context.Context, img []byte) (*ocr.Result, error) {
	var r *ocr.Result
	err := plugin.Call(rec.backend.Name(), func() error {
		var err error
		r, err = rec.backend.ProcessImage(ctx, img, rec.opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errcode.PluginErr(rec.backend.Name(), errcode.New(errcode.ErrOcr, "backend returned no result"))
	}
	return r, nil
}

func hasImageOnlyPages(raw *result.RawContent) bool {
	return slices.ContainsFunc(raw.Pages, func(p result.RawPage) bool { return p.ImageOnly })
}

// replaceWithOCR puts recognized text into raw. results is indexed like
// raw.Images.
func replaceWithOCR(raw *result.RawContent, results []*ocr.Result, force bool) {
	byPage := map[int][]*ocr.Result{}
	var all []string
	for i, r := range results {
		if r == nil || strings.TrimSpace(r.Text) == "" {
			continue
		}
		byPage[raw.Images[i].PageNumber] = append(byPage[raw.Images[i].PageNumber], r)
		all = append(all, strings.TrimSpace(r.Text))
	}

	if len(raw.Pages) == 0 {
		if strings.TrimSpace(raw.Content) == "" && len(all) > 0 {
			raw.Content = strings.Join(all, "\n\n")
			raw.Method = "ocr"
		}
		return
	}

	replaced := 0
	for i := range raw.Pages {
		p := &raw.Pages[i]
		rs := byPage[p.Number]
		if len(rs) == 0 || !(force || raw.NeedsOCR || p.ImageOnly) {
			continue
		}
		texts := make([]string, 0, len(rs))
		var blocks []result.TextBlock
		for _, r := range rs {
			texts = append(texts, strings.TrimSpace(r.Text))
			blocks = append(blocks, ocrBlocks(r, p.Number)...)
		}
		p.Content = strings.Join(texts, "\n\n")
		p.Blocks = blocks
		p.ImageOnly = false
		replaced++
	}
	if replaced == 0 {
		return
	}
	raw.Content = ""
	raw.Metadata = withMetadata(raw.Metadata, "ocr_pages", replaced)
	if replaced == len(raw.Pages) {
		raw.Method = "ocr"
	} else {
		raw.Method = "mixed"
	}
}

// ocrBlocks turns recognized words into one text block per line. The line
// height stands in for the font size.
func ocrBlocks(r *ocr.Result, page int) []result.TextBlock {
	type line struct {
		words []string
		box   result.BoundingBox
	}
	lines := map[int]*line{}
	var order []int
	for i, b := range r.Blocks {
		if strings.TrimSpace(b.Text) == "" {
			continue
		}
		key := b.Line
		if key == 0 {
			key = -(i + 1)
		}
		box := result.BoundingBox{
			Left: b.Region.X, Top: b.Region.Y,
			Right: b.Region.X + b.Region.Width, Bottom: b.Region.Y + b.Region.Height,
		}
		l, ok := lines[key]
		if !ok {
			l = &line{box: box}
			lines[key] = l
			order = append(order, key)
		}
		l.words = append(l.words, b.Text)
		l.box = l.box.Union(box)
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(lines[a].box.Top, lines[b].box.Top)
	})
	out := make([]result.TextBlock, 0, len(order))
	for _, k := range order {
		l := lines[k]
		out = append(out, result.TextBlock{
			Text:        strings.Join(l.words, " "),
			BBox:        l.box,
			FontSize:    l.box.Height(),
			Page:        page,
			OCRCoverage: 1,
		})
	}
	return out
}

func withOCRMetadata(md result.Metadata, backend string, r *ocr.Result) result.Metadata {
	md = withMetadata(md, "ocr_backend", backend)
	if r.Confidence > 0 {
		md["ocr_confidence"] = r.Confidence
	}
	if r.Language != "" {
		md["ocr_language"] = r.Language
	}
	if r.Width > 0 && r.Height > 0 {
		md["width"], md["height"] = r.Width, r.Height
	}
	return md
}

func withMetadata(md result.Metadata, key string, v any) result.Metadata {
	if md == nil {
		md = result.Metadata{}
	}
	md[key] = v
	return md
}
