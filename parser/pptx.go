package parser

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/mime"
	"github.com/brunobiangulo/goextract/result"
)

// PPTX extracts PowerPoint presentations. Each slide is one page.
type PPTX struct{ info }

func NewPPTX() *PPTX {
	return &PPTX{info{name: "pptx", mimes: []string{mime.PPTX}, priority: 50}}
}

func (p *PPTX) Extract(ctx context.Context, data []byte, mimeType string, cfg *config.ExtractionConfig) (*result.RawContent, error) {
	z, err := openZip(data, "pptx")
	if err != nil {
		return nil, err
	}

	// Collect slide files (ppt/slides/slide1.xml, slide2.xml, ...)
	slideFiles := make(map[int]string)
	for name := range z {
		if strings.HasPrefix(name, "ppt/slides/slide") && strings.HasSuffix(name, ".xml") {
			if num := extractSlideNumber(name); num > 0 {
				slideFiles[num] = name
			}
		}
	}
	if len(slideFiles) == 0 {
		return nil, errcode.New(errcode.ErrParsing, "pptx: no slides found")
	}
	nums := make([]int, 0, len(slideFiles))
	for n := range slideFiles {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	markdown := cfg != nil && cfg.OutputFormat == config.OutputMarkdown
	raw := &result.RawContent{MimeType: mimeType, Metadata: result.Metadata{}, Method: "native"}
	var images []result.ExtractedImage
	for _, num := range nums {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		slideXML, err := z.read(slideFiles[num])
		if err != nil {
			return nil, errcode.Wrap(errcode.ErrParsing, err, "pptx")
		}
		slide, err := parseSlide(slideXML)
		if err != nil {
			return nil, errcode.Wrap(errcode.ErrParsing, err, fmt.Sprintf("parsing slide %d", num))
		}

		var blocks []string
		if slide.title != "" {
			if markdown {
				blocks = append(blocks, "# "+slide.title)
			} else {
				blocks = append(blocks, slide.title)
			}
		}
		blocks = append(blocks, slide.body...)
		for _, cells := range slide.tables {
			t := result.NewTable(cells, num)
			raw.Tables = append(raw.Tables, t)
			blocks = append(blocks, t.Markdown)
		}
		raw.Pages = append(raw.Pages, result.RawPage{Number: num, Content: strings.Join(blocks, "\n\n")})

		if cfg.ExtractImages() {
			rels := z.rels(fmt.Sprintf("ppt/slides/_rels/slide%d.xml.rels", num))
			images = append(images, z.blipImages(slideXML, rels, "ppt/slides", num)...)
		}
	}

	raw.Images = indexImages(images)
	z.coreMetadata(raw.Metadata)
	raw.Metadata["slide_count"] = len(nums)
	raw.Metadata["table_count"] = len(raw.Tables)
	return raw, nil
}

// slideText is the text of one slide split by role.
type slideText struct {
	title  string
	body   []string
	tables [][][]string
}

// parseSlide walks a slide's XML in document order. Shapes may nest inside
// group shapes, so the slide is read as a token stream rather than
// unmarshalled.
func parseSlide(data []byte) (slideText, error) {
	var (
		out       slideText
		para      strings.Builder
		inText    bool
		isTitle   bool
		titleBuf  []string
		table     [][]string
		row       []string
		cell      []string
		tableNest int
	)
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return out, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "sp":
				isTitle = false
			case "ph":
				for _, a := range t.Attr {
					if a.Name.Local == "type" && (a.Value == "title" || a.Value == "ctrTitle") {
						isTitle = true
					}
				}
			case "tbl":
				tableNest++
				table = nil
			case "tr":
				row = nil
			case "tc":
				cell = nil
			case "t":
				inText = true
			case "br":
				para.WriteByte(' ')
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "sp":
				isTitle = false
			case "p":
				text := strings.TrimSpace(para.String())
				para.Reset()
				if text == "" {
					continue
				}
				switch {
				case tableNest > 0:
					cell = append(cell, text)
				case isTitle:
					titleBuf = append(titleBuf, text)
				default:
					out.body = append(out.body, text)
				}
			case "tc":
				row = append(row, strings.Join(cell, " "))
			case "tr":
				table = append(table, row)
			case "tbl":
				tableNest--
				if len(table) > 0 {
					out.tables = append(out.tables, table)
				}
			}
		}
	}
	out.title = collapseSpace(strings.Join(titleBuf, " "))
	return out, nil
}

func extractSlideNumber(name string) int {
	// Extract number from "ppt/slides/slide1.xml"
	name = strings.TrimPrefix(name, "ppt/slides/slide")
	name = strings.TrimSuffix(name, ".xml")
	var num int
	fmt.Sscanf(name, "%d", &num)
	return num
}
