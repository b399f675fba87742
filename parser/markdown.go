package parser

import (
	"bytes"
	"context"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/mime"
	"github.com/brunobiangulo/goextract/result"
)

// Markdown parses markdown with goldmark. Headings give the native
// structure tree; a leading YAML front matter block becomes metadata.
type Markdown struct {
	info
	md goldmark.Markdown
}

func NewMarkdown() *Markdown {
	return &Markdown{
		info: info{name: "markdown", mimes: []string{mime.Markdown}, priority: 50},
		md:   goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough)),
	}
}

func (p *Markdown) Extract(ctx context.Context, data []byte, mimeType string, cfg *config.ExtractionConfig) (*result.RawContent, error) {
	src, _ := decodeText(data, mimeType)
	front, body := splitFrontMatter(src)

	source := []byte(body)
	doc := p.md.Parser().Parse(text.NewReader(source))

	// The tree is built in plain mode; markdown output keeps the source.
	b := newDocBuilder(nil)
	w := mdWalker{b: b, src: source}
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w.block(n)
	}

	raw := b.raw(mimeType)
	if cfg != nil && cfg.OutputFormat == config.OutputMarkdown {
		raw.Content = strings.TrimSpace(body)
	}
	for k, v := range front {
		raw.Metadata[k] = v
	}
	raw.Metadata["table_count"] = len(raw.Tables)
	return raw, nil
}

// splitFrontMatter separates a leading "---" delimited YAML block. Front
// matter that is not a YAML mapping is left in the body.
func splitFrontMatter(src string) (map[string]any, string) {
	rest, ok := strings.CutPrefix(src, "---\n")
	if !ok {
		rest, ok = strings.CutPrefix(src, "---\r\n")
	}
	if !ok {
		return nil, src
	}
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, src
	}
	var front map[string]any
	if err := yaml.Unmarshal([]byte(rest[:end]), &front); err != nil || front == nil {
		return nil, src
	}
	body := rest[end+len("\n---"):]
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}
	return front, body
}

type mdWalker struct {
	b   *docBuilder
	src []byte
}

func (w mdWalker) block(n ast.Node) {
	switch n := n.(type) {
	case *ast.Heading:
		w.b.heading(w.inline(n), n.Level)
	case *ast.Paragraph, *ast.TextBlock:
		w.b.paragraph(w.inline(n))
	case *ast.List:
		w.list(n)
	case *ast.Blockquote:
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			w.block(c)
		}
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		w.b.paragraph(w.lines(n))
	case *east.Table:
		w.table(n)
	}
}

func (w mdWalker) list(l *ast.List) {
	i := l.Start
	if i == 0 {
		i = 1
	}
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		var nested []*ast.List
		var parts []string
		for c := item.FirstChild(); c != nil; c = c.NextSibling() {
			if sub, ok := c.(*ast.List); ok {
				nested = append(nested, sub)
				continue
			}
			if t := w.inline(c); t != "" {
				parts = append(parts, t)
			}
		}
		w.b.listItem(strings.Join(parts, " "), l.IsOrdered(), i)
		i++
		for _, sub := range nested {
			w.list(sub)
		}
	}
}

func (w mdWalker) table(t *east.Table) {
	var cells [][]string
	for r := t.FirstChild(); r != nil; r = r.NextSibling() {
		var row []string
		for c := r.FirstChild(); c != nil; c = c.NextSibling() {
			row = append(row, w.inline(c))
		}
		cells = append(cells, row)
	}
	w.b.table(cells)
}

// inline concatenates the text of n's inline descendants.
func (w mdWalker) inline(n ast.Node) string {
	var buf bytes.Buffer
	w.writeInline(&buf, n)
	return collapseSpace(buf.String())
}

func (w mdWalker) writeInline(buf *bytes.Buffer, n ast.Node) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch c := c.(type) {
		case *ast.Text:
			buf.Write(c.Segment.Value(w.src))
			if c.SoftLineBreak() || c.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(c.Value)
		case *ast.AutoLink:
			buf.Write(c.Label(w.src))
		case *ast.RawHTML:
		default:
			w.writeInline(buf, c)
		}
	}
}

func (w mdWalker) lines(n ast.Node) string {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(w.src))
	}
	return strings.TrimRight(buf.String(), "\n")
}
