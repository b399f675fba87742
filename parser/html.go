package parser

import (
	"context"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/mime"
	"github.com/brunobiangulo/goextract/result"
)

var hiddenStylePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)display\s*:\s*none`),
	regexp.MustCompile(`(?i)visibility\s*:\s*hidden`),
}

// HTML walks the DOM for text, headings, lists and tables. Markdown output
// is produced by sanitizing the page and converting it.
type HTML struct {
	info
	policy *bluemonday.Policy
	conv   *htmltomarkdown.Converter
}

func NewHTML() *HTML {
	return &HTML{
		info:   info{name: "html", mimes: []string{mime.HTML}, priority: 50},
		policy: bluemonday.UGCPolicy(),
		conv: htmltomarkdown.NewConverter(
			htmltomarkdown.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

func (p *HTML) Extract(ctx context.Context, data []byte, mimeType string, cfg *config.ExtractionConfig) (*result.RawContent, error) {
	src, _ := decodeText(data, mimeType)
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, errcode.Wrap(errcode.ErrParsing, err, "parsing html")
	}

	b := newDocBuilder(nil)
	w := htmlWalker{b: b}
	w.container(doc)

	raw := b.raw(mimeType)
	htmlMetadata(doc, raw.Metadata)
	raw.Metadata["table_count"] = len(raw.Tables)

	if cfg != nil && cfg.OutputFormat == config.OutputMarkdown {
		md, err := p.conv.ConvertString(p.policy.Sanitize(src))
		if err != nil {
			return nil, errcode.Wrap(errcode.ErrParsing, err, "converting html to markdown")
		}
		raw.Content = strings.TrimSpace(md)
	}
	return raw, ctx.Err()
}

type htmlWalker struct {
	b *docBuilder
}

// container walks the children of a block element. Inline runs between
// block children become paragraphs.
func (w htmlWalker) container(n *html.Node) {
	var pending strings.Builder
	flush := func() {
		w.b.paragraph(collapseSpace(pending.String()))
		pending.Reset()
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch {
		case c.Type == html.TextNode:
			pending.WriteString(c.Data)
		case c.Type != html.ElementNode && c.Type != html.DocumentNode:
		case skipped(c):
		case !isBlock(c):
			pending.WriteByte(' ')
			pending.WriteString(htmlText(c))
			pending.WriteByte(' ')
		default:
			flush()
			w.element(c)
		}
	}
	flush()
}

func (w htmlWalker) element(n *html.Node) {
	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		w.b.heading(htmlText(n), int(n.Data[1]-'0'))
	case atom.P:
		w.b.paragraph(collapseSpace(htmlText(n)))
	case atom.Pre:
		w.b.paragraph(preText(n))
	case atom.Ul, atom.Ol:
		w.list(n)
	case atom.Table:
		w.b.table(htmlTable(n))
	case atom.Hr:
	default:
		w.container(n)
	}
}

func (w htmlWalker) list(n *html.Node) {
	ordered := n.DataAtom == atom.Ol
	i := 0
	for li := n.FirstChild; li != nil; li = li.NextSibling {
		if li.Type != html.ElementNode || li.DataAtom != atom.Li {
			continue
		}
		var text strings.Builder
		var nested []*html.Node
		for c := li.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && (c.DataAtom == atom.Ul || c.DataAtom == atom.Ol) {
				nested = append(nested, c)
				continue
			}
			text.WriteByte(' ')
			text.WriteString(htmlText(c))
		}
		i++
		w.b.listItem(collapseSpace(text.String()), ordered, i)
		for _, sub := range nested {
			w.list(sub)
		}
	}
}

// htmlTable collects tr rows in document order, including those inside
// thead, tbody and tfoot. Nested tables are flattened into their cell.
func htmlTable(n *html.Node) [][]string {
	var rows [][]string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.DataAtom {
			case atom.Tr:
				var row []string
				for cell := c.FirstChild; cell != nil; cell = cell.NextSibling {
					if cell.Type == html.ElementNode && (cell.DataAtom == atom.Td || cell.DataAtom == atom.Th) {
						row = append(row, collapseSpace(htmlText(cell)))
					}
				}
				rows = append(rows, row)
			case atom.Thead, atom.Tbody, atom.Tfoot:
				walk(c)
			}
		}
	}
	walk(n)
	return padRows(rows)
}

func isBlock(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Html, atom.Body, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.Header, atom.Footer, atom.Nav, atom.Aside, atom.Blockquote, atom.Figure,
		atom.Form, atom.Dl, atom.Dd, atom.Dt, atom.Fieldset, atom.Details, atom.Address,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.P, atom.Pre, atom.Ul, atom.Ol, atom.Table, atom.Hr:
		return true
	}
	return false
}

func skipped(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.Head, atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Svg, atom.Iframe:
		return true
	}
	for _, a := range n.Attr {
		if a.Key == "hidden" {
			return true
		}
		if a.Key == "style" {
			for _, pat := range hiddenStylePatterns {
				if pat.MatchString(a.Val) {
					return true
				}
			}
		}
	}
	return false
}

// htmlText returns the visible text of a subtree.
func htmlText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			return
		case html.ElementNode:
			if skipped(n) {
				return
			}
			if n.DataAtom == atom.Br {
				sb.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n) {
			sb.WriteByte(' ')
		}
	}
	walk(n)
	return collapseSpace(sb.String())
}

// preText keeps the line structure of preformatted text.
func preText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Trim(sb.String(), "\n")
}

// htmlMetadata reads the title, the document language and named meta
// tags.
func htmlMetadata(doc *html.Node, md result.Metadata) {
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Html:
				setNonEmpty(md, "language", htmlAttr(n, "lang"))
			case atom.Title:
				if _, ok := md["title"]; !ok {
					setNonEmpty(md, "title", htmlText(n))
				}
			case atom.Meta:
				key := strings.ToLower(htmlAttr(n, "name"))
				if key == "" {
					key = strings.ToLower(htmlAttr(n, "property"))
				}
				switch key {
				case "description", "keywords", "author":
					setNonEmpty(md, key, htmlAttr(n, "content"))
				case "og:title", "og:description", "og:type", "og:url", "og:site_name":
					setNonEmpty(md, strings.ReplaceAll(key, ":", "_"), htmlAttr(n, "content"))
				}
			case atom.Body:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
}

func htmlAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
