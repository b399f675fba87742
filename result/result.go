// Package result defines the extraction result model and its wire format.
package result

import (
	"maps"
	"slices"
	"strings"
)

// Metadata is format-specific key/value data attached to a result.
type Metadata map[string]any

// ExtractionResult is the output of one extraction.
type ExtractionResult struct {
	Content           string           `json:"content"`
	MimeType          string           `json:"mime_type"`
	Metadata          Metadata         `json:"metadata"`
	Tables            []Table          `json:"tables"`
	DetectedLanguages []string         `json:"detected_languages"`
	Chunks            []Chunk          `json:"chunks"`
	Images            []ExtractedImage `json:"images"`
	Pages             []PageContent    `json:"pages,omitempty"`
	Document          *HierarchyNode   `json:"document,omitempty"`
	Entities          []Entity         `json:"entities,omitempty"`
	Keywords          []Keyword        `json:"keywords,omitempty"`
}

// Entity is a typed mention found in the content. Start and End are byte
// offsets into ExtractionResult.Content.
type Entity struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Keyword is a key phrase of the content with its relevance score.
type Keyword struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Table is a cell grid found in a document.
type Table struct {
	Cells       [][]string   `json:"cells"`
	Markdown    string       `json:"markdown"`
	PageNumber  int          `json:"page_number"`
	BoundingBox *BoundingBox `json:"bounding_box,omitempty"`
}

// NewTable builds a table and renders its markdown.
func NewTable(cells [][]string, page int) Table {
	return Table{Cells: cells, Markdown: RenderMarkdownTable(cells), PageNumber: page}
}

// BoundingBox is a rectangle in page coordinates with the origin at the
// top-left corner.
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// Width returns the box width.
func (b BoundingBox) Width() float64 { return b.Right - b.Left }

// Height returns the box height.
func (b BoundingBox) Height() float64 { return b.Bottom - b.Top }

// Union returns the smallest box containing both boxes.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	return BoundingBox{
		Left:   min(b.Left, o.Left),
		Top:    min(b.Top, o.Top),
		Right:  max(b.Right, o.Right),
		Bottom: max(b.Bottom, o.Bottom),
	}
}

// ExtractedImage is an image found inside a document.
type ExtractedImage struct {
	Data             []byte            `json:"data"`
	Format           string            `json:"format"`
	ImageIndex       int               `json:"image_index"`
	PageNumber       int               `json:"page_number,omitempty"`
	Width            int               `json:"width,omitempty"`
	Height           int               `json:"height,omitempty"`
	Colorspace       string            `json:"colorspace,omitempty"`
	BitsPerComponent int               `json:"bits_per_component,omitempty"`
	IsMask           bool              `json:"is_mask,omitempty"`
	Description      string            `json:"description,omitempty"`
	OcrResult        *ExtractionResult `json:"ocr_result,omitempty"`
}

// SetOcrResult attaches an OCR sub-result. Sub-results never carry images.
func (img *ExtractedImage) SetOcrResult(r *ExtractionResult) {
	if r != nil {
		r.Images = nil
	}
	img.OcrResult = r
}

// Chunk is a bounded span of the parent content.
type Chunk struct {
	Content   string        `json:"content"`
	Embedding []float32     `json:"embedding,omitempty"`
	Metadata  ChunkMetadata `json:"metadata"`
}

// ChunkMetadata locates a chunk inside the parent content. Byte offsets
// index ExtractionResult.Content.
type ChunkMetadata struct {
	ByteStart   int  `json:"byte_start"`
	ByteEnd     int  `json:"byte_end"`
	ChunkIndex  int  `json:"chunk_index"`
	TotalChunks int  `json:"total_chunks"`
	TokenCount  int  `json:"token_count,omitempty"`
	FirstPage   *int `json:"first_page,omitempty"`
	LastPage    *int `json:"last_page,omitempty"`
}

// PageContent is the text of one page and its byte range in the parent
// content.
type PageContent struct {
	PageNumber int    `json:"page_number"`
	Content    string `json:"content"`
	ByteStart  int    `json:"byte_start"`
	ByteEnd    int    `json:"byte_end"`
}

// PageAt returns the number of the page containing byte offset off, or 0.
func PageAt(pages []PageContent, off int) int {
	i, found := slices.BinarySearchFunc(pages, off, func(p PageContent, off int) int {
		switch {
		case off < p.ByteStart:
			return 1
		case off >= p.ByteEnd:
			return -1
		default:
			return 0
		}
	})
	if !found {
		// Offsets inside page separators belong to the following page.
		if i < len(pages) {
			return pages[i].PageNumber
		}
		return 0
	}
	return pages[i].PageNumber
}

// Clone returns a deep copy of the result.
func (r *ExtractionResult) Clone() *ExtractionResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Metadata = cloneMetadata(r.Metadata)
	if r.Tables != nil {
		out.Tables = make([]Table, len(r.Tables))
		for i, t := range r.Tables {
			out.Tables[i] = t
			out.Tables[i].Cells = make([][]string, len(t.Cells))
			for j, row := range t.Cells {
				out.Tables[i].Cells[j] = slices.Clone(row)
			}
			if t.BoundingBox != nil {
				bb := *t.BoundingBox
				out.Tables[i].BoundingBox = &bb
			}
		}
	}
	out.DetectedLanguages = slices.Clone(r.DetectedLanguages)
	out.Entities = slices.Clone(r.Entities)
	out.Keywords = slices.Clone(r.Keywords)
	if r.Chunks != nil {
		out.Chunks = make([]Chunk, len(r.Chunks))
		for i, c := range r.Chunks {
			out.Chunks[i] = c
			out.Chunks[i].Embedding = slices.Clone(c.Embedding)
			if c.Metadata.FirstPage != nil {
				v := *c.Metadata.FirstPage
				out.Chunks[i].Metadata.FirstPage = &v
			}
			if c.Metadata.LastPage != nil {
				v := *c.Metadata.LastPage
				out.Chunks[i].Metadata.LastPage = &v
			}
		}
	}
	if r.Images != nil {
		out.Images = make([]ExtractedImage, len(r.Images))
		for i, img := range r.Images {
			out.Images[i] = img
			out.Images[i].Data = slices.Clone(img.Data)
			out.Images[i].OcrResult = img.OcrResult.Clone()
		}
	}
	out.Pages = slices.Clone(r.Pages)
	out.Document = r.Document.Clone()
	return &out
}

func cloneMetadata(m Metadata) Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(cloneMetadata(t))
	case Metadata:
		return cloneMetadata(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	case map[string]string:
		return maps.Clone(t)
	default:
		return v
	}
}

// RenderMarkdownTable renders a cell grid as a GitHub-flavoured markdown
// table. The first row is the header.
func RenderMarkdownTable(cells [][]string) string {
	if len(cells) == 0 {
		return ""
	}
	width := 0
	for _, row := range cells {
		width = max(width, len(row))
	}
	if width == 0 {
		return ""
	}
	var b strings.Builder
	writeRow := func(row []string) {
		b.WriteString("|")
		for i := range width {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			cell = strings.ReplaceAll(strings.TrimSpace(cell), "|", `\|`)
			cell = strings.ReplaceAll(cell, "\n", " ")
			b.WriteString(" " + cell + " |")
		}
		b.WriteString("\n")
	}
	writeRow(cells[0])
	b.WriteString("|")
	for range width {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, row := range cells[1:] {
		writeRow(row)
	}
	return strings.TrimRight(b.String(), "\n")
}
