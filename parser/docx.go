package parser

import (
	"context"
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/mime"
	"github.com/brunobiangulo/goextract/result"
)

// DOCX extracts Word documents. Heading styles become the native structure
// tree; tables keep their position in the text.
type DOCX struct{ info }

func NewDOCX() *DOCX {
	return &DOCX{info{name: "docx", mimes: []string{mime.DOCX}, priority: 50}}
}

func (p *DOCX) Extract(ctx context.Context, data []byte, mimeType string, cfg *config.ExtractionConfig) (*result.RawContent, error) {
	z, err := openZip(data, "docx")
	if err != nil {
		return nil, err
	}
	docXML, err := z.read("word/document.xml")
	if err != nil {
		return nil, errcode.Wrap(errcode.ErrParsing, err, "docx")
	}

	var doc docxDocument
	if err := xml.Unmarshal(docXML, &doc); err != nil {
		return nil, errcode.Wrap(errcode.ErrParsing, err, "parsing docx xml")
	}

	b := newDocBuilder(cfg)
	ordinal := 0
	for _, el := range doc.Body.Children {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch el.XMLName.Local {
		case "p":
			text := el.text()
			style := el.style()
			switch {
			case isHeadingStyle(style):
				b.heading(text, headingStyleLevel(style))
				ordinal = 0
			case el.PPr != nil && el.PPr.NumPr != nil:
				ordinal++
				b.listItem(text, false, ordinal)
			default:
				ordinal = 0
				b.paragraph(text)
			}
		case "tbl":
			ordinal = 0
			b.table(el.cells())
		}
	}

	raw := b.raw(mimeType)
	z.coreMetadata(raw.Metadata)
	raw.Metadata["table_count"] = len(raw.Tables)
	if cfg.ExtractImages() {
		rels := z.rels("word/_rels/document.xml.rels")
		raw.Images = indexImages(z.blipImages(docXML, rels, "word", 0))
	}
	return raw, nil
}

// DOCX XML structures (simplified). Body children are kept in document
// order so tables stay between the paragraphs around them.
type docxDocument struct {
	XMLName xml.Name `xml:"document"`
	Body    docxBody `xml:"body"`
}

type docxBody struct {
	Children []docxElement `xml:",any"`
}

type docxElement struct {
	XMLName xml.Name
	PPr     *docxParaPr  `xml:"pPr"`
	Rows    []docxRow    `xml:"tr"`
	Inline  []docxInline `xml:",any"`
}

type docxParaPr struct {
	PStyle *docxVal  `xml:"pStyle"`
	NumPr  *struct{} `xml:"numPr"`
}

type docxVal struct {
	Val string `xml:"val,attr"`
}

// docxInline is a run (w:r) or a hyperlink (w:hyperlink) wrapping runs.
type docxInline struct {
	XMLName xml.Name
	Parts   []docxRunPart `xml:",any"`
	Runs    []docxRun     `xml:"r"`
}

type docxRun struct {
	Parts []docxRunPart `xml:",any"`
}

type docxRunPart struct {
	XMLName xml.Name
	Content string `xml:",chardata"`
}

type docxRow struct {
	Cells []docxCell `xml:"tc"`
}

type docxCell struct {
	Paras []docxElement `xml:"p"`
}

func (e docxElement) style() string {
	if e.PPr != nil && e.PPr.PStyle != nil {
		return e.PPr.PStyle.Val
	}
	return ""
}

// text concatenates the paragraph's runs in order, including runs inside
// hyperlinks.
func (e docxElement) text() string {
	var b strings.Builder
	writeParts := func(parts []docxRunPart) {
		for _, part := range parts {
			switch part.XMLName.Local {
			case "t":
				b.WriteString(part.Content)
			case "tab":
				b.WriteByte('\t')
			case "br", "cr":
				b.WriteByte('\n')
			}
		}
	}
	for _, in := range e.Inline {
		switch in.XMLName.Local {
		case "r":
			writeParts(in.Parts)
		case "hyperlink", "smartTag", "ins":
			for _, r := range in.Runs {
				writeParts(r.Parts)
			}
		}
	}
	return b.String()
}

func (e docxElement) cells() [][]string {
	out := make([][]string, 0, len(e.Rows))
	for _, row := range e.Rows {
		cells := make([]string, 0, len(row.Cells))
		for _, cell := range row.Cells {
			var parts []string
			for _, p := range cell.Paras {
				if t := strings.TrimSpace(p.text()); t != "" {
					parts = append(parts, t)
				}
			}
			cells = append(cells, strings.Join(parts, " "))
		}
		out = append(out, cells)
	}
	return out
}

func isHeadingStyle(style string) bool {
	lower := strings.ToLower(style)
	return strings.HasPrefix(lower, "heading") || strings.HasPrefix(lower, "title")
}

// headingStyleLevel maps "Title" to 1 and "HeadingN" to N.
func headingStyleLevel(style string) int {
	lower := strings.ToLower(style)
	if strings.HasPrefix(lower, "title") {
		return 1
	}
	digits := strings.TrimLeft(strings.TrimPrefix(lower, "heading"), " ")
	if n, err := strconv.Atoi(digits); err == nil && n >= 1 {
		return min(n, 6)
	}
	return 1
}
