package hierarchy

import (
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/result"
)

func block(page int, top, left, size float64, text string) result.TextBlock {
	return result.TextBlock{
		Text:     text,
		Page:     page,
		FontSize: size,
		BBox:     result.BoundingBox{Left: left, Top: top, Right: left + 300, Bottom: top + size},
	}
}

var body = strings.Repeat("Body text that is long enough to dominate the page. ", 4)

// threePageDocument has a 24pt and an 18pt heading style over 12pt body.
func threePageDocument() []result.TextBlock {
	var blocks []result.TextBlock
	for p := 1; p <= 3; p++ {
		blocks = append(blocks,
			block(p, 50, 72, 24, "Chapter "+string(rune('0'+p))),
			block(p, 100, 72, 12, body),
			block(p, 200, 72, 18, "Section "+string(rune('0'+p))+".1"),
			block(p, 250, 72, 12, body),
			block(p, 350, 90, 12, "- a bullet point"),
		)
	}
	return blocks
}

func hierarchyConfig(k int) *config.HierarchyConfig {
	c := config.DefaultHierarchy()
	c.KClusters = k
	return c
}

func TestTwoHeadingLevels(t *testing.T) {
	root := New(hierarchyConfig(2)).Detect(threePageDocument())
	if got := root.HeadingLevels(); !slices.Equal(got, []int{1, 2}) {
		t.Fatalf("HeadingLevels = %v, want [1 2]", got)
	}
	if len(root.Children) != 3 {
		t.Fatalf("root children = %d, want 3 chapters", len(root.Children))
	}
	ch := root.Children[1]
	if ch.Type != result.NodeHeading || ch.Text != "Chapter 2" || ch.Level != 1 || ch.Page != 2 {
		t.Errorf("chapter = %+v", ch)
	}
	if len(ch.Children) != 2 {
		t.Fatalf("chapter children = %d, want paragraph and section", len(ch.Children))
	}
	sec := ch.Children[1]
	if sec.Level != 2 || len(sec.Children) != 2 || sec.Children[1].Type != result.NodeListItem {
		t.Errorf("section = %s", sec)
	}
	if sec.BBox == nil {
		t.Error("bbox missing with include_bbox")
	}
}

func TestDeterministic(t *testing.T) {
	d := New(hierarchyConfig(3))
	blocks := threePageDocument()
	first := d.Detect(blocks)
	for i := 0; i < 20; i++ {
		if got := d.Detect(blocks); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d produced a different tree", i)
		}
	}
}

func TestMoreClustersThanStyles(t *testing.T) {
	root := New(hierarchyConfig(6)).Detect(threePageDocument())
	if got := root.HeadingLevels(); !slices.Equal(got, []int{1, 2}) {
		t.Errorf("HeadingLevels = %v, want [1 2]", got)
	}
}

func TestSingleClusterMergesStyles(t *testing.T) {
	root := New(hierarchyConfig(1)).Detect(threePageDocument())
	if got := root.HeadingLevels(); !slices.Equal(got, []int{1}) {
		t.Errorf("HeadingLevels = %v, want [1]", got)
	}
}

func TestLevelClamp(t *testing.T) {
	c := hierarchyConfig(2)
	c.MinLevel, c.MaxLevel = 2, 2
	root := New(c).Detect(threePageDocument())
	if got := root.HeadingLevels(); !slices.Equal(got, []int{2}) {
		t.Errorf("HeadingLevels = %v, want [2]", got)
	}
}

func TestOcrCoverageDemotion(t *testing.T) {
	blocks := threePageDocument()
	// A large banner produced mostly by OCR.
	banner := block(1, 10, 72, 30, "SCANNED STAMP")
	banner.OCRCoverage = 0.9
	blocks = append(blocks, banner)

	tests := []struct {
		name       string
		comparison config.CoverageComparison
		threshold  float64
		bannerKept bool
	}{
		{"complement demotes", config.CompareComplement, 0.5, false},
		{"complement keeps with low threshold", config.CompareComplement, 0.05, true},
		{"direct demotes", config.CompareDirect, 0.5, false},
		{"direct keeps with high threshold", config.CompareDirect, 0.95, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := hierarchyConfig(3)
			c.CoverageComparison, c.OcrCoverageThreshold = tt.comparison, tt.threshold
			levels := New(c).Classify(blocks)
			bannerLevel := levels[len(levels)-1]
			if (bannerLevel > 0) != tt.bannerKept {
				t.Fatalf("banner level = %d, kept want %v", bannerLevel, tt.bannerKept)
			}
			if !tt.bannerKept && levels[0] != 1 {
				t.Errorf("chapter level = %d, want 1 after demotion", levels[0])
			}
		})
	}
}

func TestNoHeadings(t *testing.T) {
	blocks := []result.TextBlock{block(1, 0, 72, 11, "only body"), block(1, 20, 72, 11, "more body")}
	root := New(nil).Detect(blocks)
	if len(root.Headings()) != 0 || len(root.Children) != 2 {
		t.Errorf("tree = %s", root)
	}
	if New(nil).Detect(nil).Children != nil {
		t.Error("empty input should give an empty root")
	}
}

func TestIncludeBBoxOff(t *testing.T) {
	c := hierarchyConfig(2)
	c.IncludeBBox = false
	root := New(c).Detect(threePageDocument())
	root.Walk(func(n *result.HierarchyNode, _ int) bool {
		if n.BBox != nil {
			t.Errorf("node %q has a bbox", n.Text)
		}
		return true
	})
}
