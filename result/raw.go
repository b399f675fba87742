package result

import "strings"

// RawContent is what a document extractor returns before the pipeline
// applies OCR, hierarchy detection, chunking and post-processing.
type RawContent struct {
	// Content is the full text. When empty and Pages is set, the pipeline
	// joins the page texts.
	Content  string
	MimeType string
	Metadata Metadata
	Tables   []Table
	Images   []ExtractedImage
	Pages    []RawPage

	// Document is a structure tree the format provides natively (headings
	// in DOCX, markdown, HTML). Layout-based detection is not run when set.
	Document *HierarchyNode

	// NeedsOCR reports that the text layer is missing or unusable and the
	// content should come from OCR when OCR is configured.
	NeedsOCR bool

	// Method names how the content was obtained, e.g. "native" or "ocr".
	Method string
}

// RawPage is the text of one page plus its positioned blocks.
type RawPage struct {
	Number  int
	Content string
	Blocks  []TextBlock
	// ImageOnly marks a page without a text layer.
	ImageOnly bool
}

// TextBlock is a run of text on a page with its layout signals.
type TextBlock struct {
	Text     string
	BBox     BoundingBox
	FontSize float64
	Page     int
	// OCRCoverage is the fraction of the block produced by OCR, 0 for a
	// native text layer.
	OCRCoverage float64
}

// AllBlocks returns the blocks of every page in page order.
func (r *RawContent) AllBlocks() []TextBlock {
	var out []TextBlock
	for _, p := range r.Pages {
		out = append(out, p.Blocks...)
	}
	return out
}

// JoinPages concatenates page texts separated by a blank line and returns
// the content plus each page's byte range in it. When marker is non-nil its
// output is placed before every page instead of the separator.
func JoinPages(pages []RawPage, marker func(page int) string) (string, []PageContent) {
	var b strings.Builder
	out := make([]PageContent, 0, len(pages))
	for i, p := range pages {
		if marker != nil {
			b.WriteString(marker(p.Number))
		} else if i > 0 {
			b.WriteString("\n\n")
		}
		text := strings.TrimSpace(p.Content)
		start := b.Len()
		b.WriteString(text)
		out = append(out, PageContent{
			PageNumber: p.Number,
			Content:    text,
			ByteStart:  start,
			ByteEnd:    b.Len(),
		})
	}
	return b.String(), out
}
