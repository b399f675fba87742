package parser

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/mime"
	"github.com/brunobiangulo/goextract/result"
)

// ODT extracts OpenDocument text files by streaming content.xml.
type ODT struct{ info }

func NewODT() *ODT {
	return &ODT{info{name: "odt", mimes: []string{mime.ODT}, priority: 50}}
}

func (p *ODT) Extract(ctx context.Context, data []byte, mimeType string, cfg *config.ExtractionConfig) (*result.RawContent, error) {
	z, err := openZip(data, "odt")
	if err != nil {
		return nil, err
	}
	content, err := z.read("content.xml")
	if err != nil {
		return nil, errcode.Wrap(errcode.ErrParsing, err, "odt")
	}

	b := newDocBuilder(cfg)
	hrefs, err := walkODT(ctx, content, b)
	if err != nil {
		return nil, err
	}

	raw := b.raw(mimeType)
	odtMetadata(z, raw.Metadata)
	raw.Metadata["table_count"] = len(raw.Tables)
	if cfg.ExtractImages() {
		var imgs []result.ExtractedImage
		for _, href := range hrefs {
			if img, ok := z.image("", href); ok {
				imgs = append(imgs, img)
			}
		}
		raw.Images = indexImages(imgs)
	}
	return raw, nil
}

// walkODT feeds the body of content.xml into b and returns the package
// paths of embedded images.
func walkODT(ctx context.Context, content []byte, b *docBuilder) ([]string, error) {
	var (
		text       strings.Builder
		capturing  bool
		level      int
		skip       int
		listDepth  int
		ordinal    int
		tableDepth int
		table      [][]string
		row        []string
		cell       []string
		hrefs      []string
	)
	dec := xml.NewDecoder(bytes.NewReader(content))
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errcode.Wrap(errcode.ErrParsing, err, "parsing odt content")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if skip > 0 {
				skip++
				continue
			}
			switch t.Name.Local {
			case "note", "annotation", "tracked-changes":
				skip = 1
			case "h":
				capturing, level = true, 1
				text.Reset()
				if v := attr(t, "outline-level"); v != "" {
					if n, err := strconv.Atoi(v); err == nil {
						level = n
					}
				}
			case "p":
				if !capturing {
					capturing, level = true, 0
					text.Reset()
				}
			case "s":
				n := 1
				if v := attr(t, "c"); v != "" {
					if c, err := strconv.Atoi(v); err == nil && c > 0 {
						n = c
					}
				}
				text.WriteString(strings.Repeat(" ", n))
			case "tab":
				text.WriteByte('\t')
			case "line-break":
				text.WriteByte('\n')
			case "list":
				if listDepth == 0 {
					ordinal = 0
				}
				listDepth++
			case "table":
				tableDepth++
				if tableDepth == 1 {
					table = nil
				}
			case "table-row":
				row = nil
			case "table-cell":
				cell = nil
			case "image":
				if href := attr(t, "href"); href != "" && !strings.Contains(href, "://") {
					hrefs = append(hrefs, href)
				}
			}
		case xml.CharData:
			if capturing && skip == 0 {
				text.Write(t)
			}
		case xml.EndElement:
			if skip > 0 {
				skip--
				continue
			}
			switch t.Name.Local {
			case "h":
				capturing = false
				b.heading(text.String(), level)
			case "p":
				if !capturing || level > 0 {
					continue
				}
				capturing = false
				s := strings.TrimSpace(text.String())
				switch {
				case tableDepth > 0:
					if s != "" {
						cell = append(cell, s)
					}
				case listDepth > 0:
					if s != "" {
						ordinal++
						b.listItem(s, false, ordinal)
					}
				default:
					b.paragraph(s)
				}
			case "list":
				listDepth--
			case "table-cell":
				row = append(row, strings.Join(cell, " "))
			case "table-row":
				table = append(table, row)
			case "table":
				tableDepth--
				if tableDepth == 0 {
					b.table(table)
				}
			}
		}
	}
	return hrefs, nil
}

func attr(se xml.StartElement, local string) string {
	for _, a := range se.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// odtMeta is the office:meta element of meta.xml.
type odtMeta struct {
	Meta struct {
		Title       string   `xml:"title"`
		Subject     string   `xml:"subject"`
		Description string   `xml:"description"`
		Creator     string   `xml:"creator"`
		Initial     string   `xml:"initial-creator"`
		Keywords    []string `xml:"keyword"`
		Created     string   `xml:"creation-date"`
		Date        string   `xml:"date"`
	} `xml:"meta"`
}

func odtMetadata(z zipIndex, md result.Metadata) {
	data, err := z.read("meta.xml")
	if err != nil {
		return
	}
	var m odtMeta
	if err := xml.Unmarshal(data, &m); err != nil {
		return
	}
	setNonEmpty(md, "title", m.Meta.Title)
	setNonEmpty(md, "subject", m.Meta.Subject)
	setNonEmpty(md, "description", m.Meta.Description)
	author := m.Meta.Initial
	if author == "" {
		author = m.Meta.Creator
	}
	setNonEmpty(md, "author", author)
	if m.Meta.Initial != "" {
		setNonEmpty(md, "modified_by", m.Meta.Creator)
	}
	setNonEmpty(md, "keywords", strings.Join(m.Meta.Keywords, ", "))
	setNonEmpty(md, "created_at", m.Meta.Created)
	setNonEmpty(md, "modified_at", m.Meta.Date)
}
