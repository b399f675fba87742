package parser

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/mime"
	"github.com/brunobiangulo/goextract/result"
)

// Letter height, used when a page has no readable MediaBox.
const defaultPageHeight = 792.0

// PDF extracts the text layer of PDF documents as positioned blocks. Page
// images come from pdfcpu when they are requested or OCR may need them.
type PDF struct {
	info
	logger *slog.Logger
}

func NewPDF() *PDF {
	return &PDF{info: info{name: "pdf", mimes: []string{mime.PDF}, priority: 50}, logger: slog.Default()}
}

func (p *PDF) Extract(ctx context.Context, data []byte, mimeType string, cfg *config.ExtractionConfig) (*result.RawContent, error) {
	var passwords []string
	if cfg != nil && cfg.PDF != nil {
		passwords = cfg.PDF.Passwords
	}
	reader, password, err := openPDF(data, passwords)
	if err != nil {
		return nil, err
	}

	raw := &result.RawContent{MimeType: mimeType, Metadata: result.Metadata{}, Method: "native"}
	total := reader.NumPage()
	texts := make([]string, 0, total)
	hasImages := false

	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, images, err := p.readPage(reader, i)
		if err != nil {
			p.logger.Warn("parser: skipping unreadable pdf page", "page", i, "error", err)
			page = result.RawPage{Number: i, ImageOnly: true}
		}
		hasImages = hasImages || images
		raw.Pages = append(raw.Pages, page)
		texts = append(texts, page.Content)
	}

	raw.Metadata["page_count"] = total
	if cfg == nil || cfg.PDF == nil || cfg.PDF.ExtractMetadata {
		pdfMetadata(reader, raw.Metadata)
	}

	q := measureText(texts, hasImages)
	raw.NeedsOCR = q.needsOCR()
	raw.Metadata["printable_ratio"] = math.Round(q.PrintableRatio*1000) / 1000

	if cfg.ExtractImages() || (cfg != nil && cfg.OCR != nil && hasImages) {
		imgs, err := extractPDFImages(data, password)
		if err != nil {
			p.logger.Warn("parser: pdf image extraction failed", "error", err)
		}
		raw.Images = imgs
	}
	return raw, nil
}

// openPDF tries the unencrypted open first, then each password in order.
func openPDF(data []byte, passwords []string) (*pdf.Reader, string, error) {
	r := bytes.NewReader(data)
	reader, err := safeOpen(func() (*pdf.Reader, error) { return pdf.NewReader(r, int64(len(data))) })
	if err == nil {
		return reader, "", nil
	}
	if len(passwords) == 0 {
		return nil, "", errcode.Wrap(errcode.ErrParsing, err, "opening pdf")
	}
	for _, pw := range passwords {
		tried := false
		reader, perr := safeOpen(func() (*pdf.Reader, error) {
			return pdf.NewReaderEncrypted(r, int64(len(data)), func() string {
				if tried {
					return ""
				}
				tried = true
				return pw
			})
		})
		if perr == nil {
			return reader, pw, nil
		}
		err = perr
	}
	return nil, "", errcode.Wrap(errcode.ErrParsing, err, fmt.Sprintf("opening pdf: none of %d passwords matched", len(passwords)))
}

// safeOpen turns panics of the pdf reader on malformed input into errors.
func safeOpen(open func() (*pdf.Reader, error)) (reader *pdf.Reader, err error) {
	defer func() {
		if r := recover(); r != nil {
			reader, err = nil, fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	return open()
}

// readPage groups the glyph runs of one page into blocks. It reports
// whether the page references image XObjects.
func (p *PDF) readPage(reader *pdf.Reader, number int) (page result.RawPage, images bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page %d: %v", number, r)
		}
	}()
	page.Number = number
	pg := reader.Page(number)
	if pg.V.IsNull() {
		return page, false, nil
	}
	images = pageHasImages(pg)
	height := pageHeight(pg)

	lines := groupLines(pg.Content().Text)
	blocks := groupBlocks(lines, height, number)
	blocks = dropPageNumbers(blocks)

	page.Blocks = blocks
	texts := make([]string, len(blocks))
	for i, b := range blocks {
		texts[i] = b.Text
	}
	page.Content = strings.Join(texts, "\n\n")
	page.ImageOnly = page.Content == "" && images
	return page, images, nil
}

func pageHeight(pg pdf.Page) float64 {
	box := pg.V.Key("MediaBox")
	if box.Kind() != pdf.Array || box.Len() < 4 {
		return defaultPageHeight
	}
	h := box.Index(3).Float64() - box.Index(1).Float64()
	if h <= 0 {
		return defaultPageHeight
	}
	return h
}

func pageHasImages(pg pdf.Page) bool {
	xobjs := pg.Resources().Key("XObject")
	for _, name := range xobjs.Keys() {
		if xobjs.Key(name).Key("Subtype").Name() == "Image" {
			return true
		}
	}
	return false
}

// textLine is a run of glyphs sharing a baseline. Coordinates are PDF
// user space (origin bottom-left).
type textLine struct {
	text     strings.Builder
	x0, x1   float64
	y        float64
	fontSize float64
	chars    int
}

// groupLines joins glyphs in content-stream order into lines. A new line
// starts when the baseline moves by more than half the font size or the
// pen jumps backwards.
func groupLines(glyphs []pdf.Text) []*textLine {
	var lines []*textLine
	var cur *textLine
	for _, g := range glyphs {
		if g.S == "" {
			continue
		}
		size := g.FontSize
		if size <= 0 {
			size = 1
		}
		if cur != nil {
			sameLine := math.Abs(g.Y-cur.y) <= max(size, cur.fontSize)*0.5 && g.X >= cur.x1-size
			if !sameLine {
				cur = nil
			} else if gap := g.X - cur.x1; gap > size*0.15 && !strings.HasSuffix(cur.text.String(), " ") && g.S != " " {
				cur.text.WriteByte(' ')
			}
		}
		if cur == nil {
			cur = &textLine{x0: g.X, x1: g.X, y: g.Y, fontSize: size}
			lines = append(lines, cur)
		}
		cur.text.WriteString(g.S)
		cur.x1 = max(cur.x1, g.X+g.W)
		cur.x0 = min(cur.x0, g.X)
		if strings.TrimSpace(g.S) != "" {
			// Line font size is the largest visible glyph.
			cur.fontSize = max(cur.fontSize, size)
			cur.chars++
		}
	}
	return slices.DeleteFunc(lines, func(l *textLine) bool { return l.chars == 0 })
}

// groupBlocks merges consecutive lines of the same font size whose vertical
// gap is at most 1.5 line heights. Bounding boxes are flipped to a
// top-left origin.
func groupBlocks(lines []*textLine, pageHeight float64, page int) []result.TextBlock {
	var blocks []result.TextBlock
	var prev *textLine
	for _, l := range lines {
		text := collapseSpace(l.text.String())
		box := result.BoundingBox{
			Left:   l.x0,
			Top:    pageHeight - (l.y + l.fontSize),
			Right:  l.x1,
			Bottom: pageHeight - l.y,
		}
		if prev != nil && len(blocks) > 0 && continues(prev, l) {
			b := &blocks[len(blocks)-1]
			b.Text += "\n" + text
			b.BBox = b.BBox.Union(box)
		} else {
			blocks = append(blocks, result.TextBlock{Text: text, BBox: box, FontSize: l.fontSize, Page: page})
		}
		prev = l
	}
	return blocks
}

func continues(prev, next *textLine) bool {
	if math.Abs(prev.fontSize-next.fontSize) > 0.5 {
		return false
	}
	gap := prev.y - next.y
	return gap > 0 && gap <= next.fontSize*1.5+1
}

var pageNumberRe = regexp.MustCompile(`(?i)^(?:page\s+)?[-–]?\s*\d{1,4}\s*[-–]?(?:\s*(?:/|of)\s*\d{1,4})?$`)

// dropPageNumbers removes standalone page numbers, which sit in the
// topmost or bottommost block of a page.
func dropPageNumbers(blocks []result.TextBlock) []result.TextBlock {
	if len(blocks) < 2 {
		return blocks
	}
	byTop := slices.Clone(blocks)
	slices.SortStableFunc(byTop, func(a, b result.TextBlock) int { return cmp.Compare(a.BBox.Top, b.BBox.Top) })
	first, last := byTop[0], byTop[len(byTop)-1]
	return slices.DeleteFunc(blocks, func(b result.TextBlock) bool {
		edge := b.BBox == first.BBox || b.BBox == last.BBox
		return edge && pageNumberRe.MatchString(strings.TrimSpace(b.Text))
	})
}

// pdfMetadata copies the trailer's Info dictionary into md.
func pdfMetadata(reader *pdf.Reader, md result.Metadata) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("parser: unreadable pdf info dictionary", "error", r)
		}
	}()
	info := reader.Trailer().Key("Info")
	if info.IsNull() {
		return
	}
	for key, field := range map[string]string{
		"title":    "Title",
		"author":   "Author",
		"subject":  "Subject",
		"creator":  "Creator",
		"producer": "Producer",
		"keywords": "Keywords",
	} {
		setNonEmpty(md, key, info.Key(field).Text())
	}
}
