package parser

import (
	"strconv"
	"strings"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/result"
)

// docBuilder accumulates the content and native structure tree of formats
// that mark headings explicitly (DOCX, ODT, markdown, HTML).
type docBuilder struct {
	markdown bool
	root     *result.HierarchyNode
	stack    []*result.HierarchyNode
	blocks   []string
	tables   []result.Table
	page     int
}

func newDocBuilder(cfg *config.ExtractionConfig) *docBuilder {
	root := result.NewDocumentNode()
	return &docBuilder{
		markdown: cfg != nil && cfg.OutputFormat == config.OutputMarkdown,
		root:     root,
		stack:    []*result.HierarchyNode{root},
	}
}

func (b *docBuilder) parent() *result.HierarchyNode {
	return b.stack[len(b.stack)-1]
}

// heading closes every open section at level or deeper.
func (b *docBuilder) heading(text string, level int) {
	text = collapseSpace(text)
	if text == "" {
		return
	}
	level = min(max(level, 1), 6)
	for len(b.stack) > 1 && b.parent().Level >= level {
		b.stack = b.stack[:len(b.stack)-1]
	}
	n := &result.HierarchyNode{Type: result.NodeHeading, Text: text, Level: level, Page: b.page}
	b.parent().Children = append(b.parent().Children, n)
	b.stack = append(b.stack, n)
	if b.markdown {
		b.blocks = append(b.blocks, strings.Repeat("#", level)+" "+text)
	} else {
		b.blocks = append(b.blocks, text)
	}
}

func (b *docBuilder) paragraph(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	b.leaf(result.NodeParagraph, text)
	b.blocks = append(b.blocks, text)
}

func (b *docBuilder) listItem(text string, ordered bool, n int) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	b.leaf(result.NodeListItem, text)
	// Consecutive items form one block.
	bullet := "- "
	if ordered {
		bullet = strconv.Itoa(n) + ". "
	}
	line := bullet + text
	if k := len(b.blocks) - 1; k >= 0 && b.lastWasList() {
		b.blocks[k] += "\n" + line
		return
	}
	b.blocks = append(b.blocks, line)
}

func (b *docBuilder) lastWasList() bool {
	kids := b.parent().Children
	if len(kids) < 2 {
		return false
	}
	return kids[len(kids)-2].Type == result.NodeListItem
}

func (b *docBuilder) table(cells [][]string) {
	if len(cells) == 0 {
		return
	}
	t := result.NewTable(cells, b.page)
	b.tables = append(b.tables, t)
	b.leaf(result.NodeTable, t.Markdown)
	b.blocks = append(b.blocks, t.Markdown)
}

func (b *docBuilder) leaf(typ result.NodeType, text string) {
	p := b.parent()
	p.Children = append(p.Children, &result.HierarchyNode{Type: typ, Text: text, Page: b.page})
}

func (b *docBuilder) content() string {
	return strings.Join(b.blocks, "\n\n")
}

// raw returns the accumulated content; mimeType is set by the caller.
func (b *docBuilder) raw(mimeType string) *result.RawContent {
	doc := b.root
	if len(doc.Children) == 0 {
		doc = nil
	}
	return &result.RawContent{
		Content:  b.content(),
		MimeType: mimeType,
		Metadata: result.Metadata{},
		Tables:   b.tables,
		Document: doc,
		Method:   "native",
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
