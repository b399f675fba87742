package result

import (
	"fmt"
	"slices"
	"strings"
)

// NodeType classifies a hierarchy node.
type NodeType string

const (
	NodeDocument  NodeType = "document"
	NodeHeading   NodeType = "heading"
	NodeParagraph NodeType = "paragraph"
	NodeListItem  NodeType = "list_item"
	NodeTable     NodeType = "table"
)

// HierarchyNode is one node of a document's structural tree. The root is a
// synthetic document node at level 0.
type HierarchyNode struct {
	Type     NodeType         `json:"type"`
	Text     string           `json:"text,omitempty"`
	Level    int              `json:"level"`
	Page     int              `json:"page,omitempty"`
	BBox     *BoundingBox     `json:"bbox,omitempty"`
	Children []*HierarchyNode `json:"children,omitempty"`
}

// NewDocumentNode returns an empty tree root.
func NewDocumentNode() *HierarchyNode {
	return &HierarchyNode{Type: NodeDocument}
}

// Clone returns a deep copy of the subtree.
func (n *HierarchyNode) Clone() *HierarchyNode {
	if n == nil {
		return nil
	}
	out := *n
	if n.BBox != nil {
		bb := *n.BBox
		out.BBox = &bb
	}
	if n.Children != nil {
		out.Children = make([]*HierarchyNode, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = c.Clone()
		}
	}
	return &out
}

// Walk visits n and its descendants depth-first. Returning false from fn
// skips the node's children.
func (n *HierarchyNode) Walk(fn func(node *HierarchyNode, depth int) bool) {
	n.walk(fn, 0)
}

func (n *HierarchyNode) walk(fn func(*HierarchyNode, int) bool, depth int) {
	if n == nil || !fn(n, depth) {
		return
	}
	for _, c := range n.Children {
		c.walk(fn, depth+1)
	}
}

// Headings returns every heading node in document order.
func (n *HierarchyNode) Headings() []*HierarchyNode {
	var out []*HierarchyNode
	n.Walk(func(node *HierarchyNode, _ int) bool {
		if node.Type == NodeHeading {
			out = append(out, node)
		}
		return true
	})
	return out
}

// HeadingLevels returns the distinct heading levels in ascending order.
func (n *HierarchyNode) HeadingLevels() []int {
	seen := map[int]bool{}
	var levels []int
	for _, h := range n.Headings() {
		if !seen[h.Level] {
			seen[h.Level] = true
			levels = append(levels, h.Level)
		}
	}
	slices.Sort(levels)
	return levels
}

// StripBBoxes removes bounding boxes from the whole subtree.
func (n *HierarchyNode) StripBBoxes() {
	n.Walk(func(node *HierarchyNode, _ int) bool {
		node.BBox = nil
		return true
	})
}

// RenderMarkdown renders the tree as markdown: headings as ATX headings,
// list items as bullets, everything else as paragraphs.
func (n *HierarchyNode) RenderMarkdown() string {
	var parts []string
	n.Walk(func(node *HierarchyNode, _ int) bool {
		text := strings.TrimSpace(node.Text)
		if text == "" {
			return true
		}
		switch node.Type {
		case NodeHeading:
			level := min(max(node.Level, 1), 6)
			parts = append(parts, strings.Repeat("#", level)+" "+text)
		case NodeListItem:
			parts = append(parts, "- "+text)
		default:
			parts = append(parts, text)
		}
		return true
	})
	return strings.Join(parts, "\n\n")
}

func (n *HierarchyNode) String() string {
	var b strings.Builder
	n.Walk(func(node *HierarchyNode, depth int) bool {
		fmt.Fprintf(&b, "%s%s(%d) %q\n", strings.Repeat("  ", depth), node.Type, node.Level, node.Text)
		return true
	})
	return b.String()
}
