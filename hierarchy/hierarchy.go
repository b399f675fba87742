// Package hierarchy infers a heading tree from positioned text blocks.
//
// Blocks set in a font larger than the body font are heading candidates.
// Candidates are clustered with k-means over font size and indentation;
// each surviving cluster becomes one heading level, the largest font
// first. Clustering is deterministic: the same blocks always give the same
// tree.
package hierarchy

import (
	"cmp"
	"math"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/result"
)

const (
	// bucket is the font size resolution in points.
	bucket = 0.5

	// indentWeight scales indentation relative to font size.
	indentWeight = 0.25

	maxIterations = 100

	// maxHeadingRunes excludes long runs of large text, such as pull
	// quotes, from heading candidates.
	maxHeadingRunes = 200
)

var listPrefix = regexp.MustCompile(`^\s*(?:[-*•●▪◦‣–]|\(?\d{1,3}[.)]|\(?[a-zA-Z][.)])\s+\S`)

// Detector assigns heading levels to blocks.
type Detector struct {
	cfg config.HierarchyConfig
}

// New returns a detector for cfg; nil means the defaults.
func New(cfg *config.HierarchyConfig) *Detector {
	d := config.DefaultHierarchy()
	if cfg != nil {
		c := *cfg
		if c.KClusters < 1 {
			c.KClusters = d.KClusters
		}
		if c.CoverageComparison == "" {
			c.CoverageComparison = d.CoverageComparison
		}
		if c.MinLevel < 1 {
			c.MinLevel = d.MinLevel
		}
		if c.MaxLevel < c.MinLevel {
			c.MaxLevel = max(d.MaxLevel, c.MinLevel)
		}
		d = &c
	}
	return &Detector{cfg: *d}
}

// cluster is one group of heading candidates.
type cluster struct {
	index    int
	centroid [2]float64
	members  []int
	fontSize float64
	indent   float64
	coverage float64
}

// Classify returns the heading level of every block, 0 for body text.
func (d *Detector) Classify(blocks []result.TextBlock) []int {
	levels := make([]int, len(blocks))
	body := bodyFontSize(blocks)

	var cand []int
	for i, b := range blocks {
		text := strings.TrimSpace(b.Text)
		if text == "" || utf8.RuneCountInString(text) > maxHeadingRunes {
			continue
		}
		if quantize(b.FontSize) > body {
			cand = append(cand, i)
		}
	}
	if len(cand) == 0 {
		return levels
	}

	points := features(blocks, cand)
	clusters := kmeans(points, d.cfg.KClusters)

	for _, c := range clusters {
		var chars, size, indent, cov float64
		for _, m := range c.members {
			b := blocks[cand[m]]
			w := float64(max(1, utf8.RuneCountInString(b.Text)))
			chars += w
			size += b.FontSize * w
			indent += b.BBox.Left * w
			cov += b.OCRCoverage * w
		}
		c.fontSize, c.indent, c.coverage = size/chars, indent/chars, cov/chars
	}

	var headings []*cluster
	for _, c := range clusters {
		if len(c.members) > 0 && d.keepsHeading(c.coverage) {
			headings = append(headings, c)
		}
	}
	slices.SortFunc(headings, func(a, b *cluster) int {
		if c := cmp.Compare(b.fontSize, a.fontSize); c != 0 {
			return c
		}
		if c := cmp.Compare(a.indent, b.indent); c != 0 {
			return c
		}
		return cmp.Compare(a.index, b.index)
	})
	for rank, c := range headings {
		level := min(d.cfg.MinLevel+rank, d.cfg.MaxLevel)
		for _, m := range c.members {
			levels[cand[m]] = level
		}
	}
	return levels
}

// keepsHeading applies OCR coverage demotion to a cluster.
func (d *Detector) keepsHeading(coverage float64) bool {
	t := d.cfg.OcrCoverageThreshold
	if d.cfg.CoverageComparison == config.CompareDirect {
		return coverage < t
	}
	return coverage < 1-t
}

// Detect builds the document tree. Blocks are visited in reading order;
// each heading nests under the closest preceding heading of a lower level
// and body blocks attach to the heading above them.
func (d *Detector) Detect(blocks []result.TextBlock) *result.HierarchyNode {
	root := result.NewDocumentNode()
	if len(blocks) == 0 {
		return root
	}
	levels := d.Classify(blocks)

	order := make([]int, len(blocks))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		x, y := blocks[a], blocks[b]
		if c := cmp.Compare(x.Page, y.Page); c != 0 {
			return c
		}
		if c := cmp.Compare(x.BBox.Top, y.BBox.Top); c != 0 {
			return c
		}
		return cmp.Compare(x.BBox.Left, y.BBox.Left)
	})

	var stack []*result.HierarchyNode
	parent := func() *result.HierarchyNode {
		if len(stack) == 0 {
			return root
		}
		return stack[len(stack)-1]
	}
	for _, i := range order {
		b := blocks[i]
		text := strings.TrimSpace(b.Text)
		if text == "" {
			continue
		}
		node := &result.HierarchyNode{Text: text, Page: b.Page}
		if d.cfg.IncludeBBox {
			box := b.BBox
			node.BBox = &box
		}
		switch {
		case levels[i] > 0:
			node.Type, node.Level = result.NodeHeading, levels[i]
			for len(stack) > 0 && stack[len(stack)-1].Level >= node.Level {
				stack = stack[:len(stack)-1]
			}
			p := parent()
			p.Children = append(p.Children, node)
			stack = append(stack, node)
			continue
		case listPrefix.MatchString(text):
			node.Type = result.NodeListItem
		default:
			node.Type = result.NodeParagraph
		}
		p := parent()
		p.Children = append(p.Children, node)
	}
	return root
}

func quantize(size float64) float64 {
	return math.Round(size/bucket) * bucket
}

// bodyFontSize is the quantized font size carrying the most characters.
// Ties go to the smaller size.
func bodyFontSize(blocks []result.TextBlock) float64 {
	weight := map[float64]int{}
	for _, b := range blocks {
		if n := utf8.RuneCountInString(strings.TrimSpace(b.Text)); n > 0 {
			weight[quantize(b.FontSize)] += n
		}
	}
	body, best := 0.0, -1
	for size, w := range weight {
		if w > best || (w == best && size < body) {
			body, best = size, w
		}
	}
	return body
}

// features maps candidates to normalized (font size, indentation) points.
func features(blocks []result.TextBlock, cand []int) [][2]float64 {
	minSize, maxSize := math.Inf(1), math.Inf(-1)
	minLeft, maxLeft := math.Inf(1), math.Inf(-1)
	for _, i := range cand {
		b := blocks[i]
		minSize, maxSize = min(minSize, b.FontSize), max(maxSize, b.FontSize)
		minLeft, maxLeft = min(minLeft, b.BBox.Left), max(maxLeft, b.BBox.Left)
	}
	norm := func(v, lo, hi float64) float64 {
		if hi-lo < 1e-9 {
			return 0
		}
		return (v - lo) / (hi - lo)
	}
	out := make([][2]float64, len(cand))
	for j, i := range cand {
		b := blocks[i]
		out[j] = [2]float64{
			norm(b.FontSize, minSize, maxSize),
			indentWeight * norm(b.BBox.Left, minLeft, maxLeft),
		}
	}
	return out
}

func dist2(a, b [2]float64) float64 {
	dx, dy := a[0]-b[0], a[1]-b[1]
	return dx*dx + dy*dy
}

// kmeans clusters points into at most k groups. Initialization is
// farthest-first from the point with the largest font size, so the result
// depends only on the input.
func kmeans(points [][2]float64, k int) []*cluster {
	distinct := map[[2]float64]bool{}
	for _, p := range points {
		distinct[p] = true
	}
	k = min(k, len(distinct))

	start := 0
	for i, p := range points {
		if p[0] > points[start][0] {
			start = i
		}
	}
	centroids := [][2]float64{points[start]}
	for len(centroids) < k {
		far, farDist := -1, 0.0
		for i, p := range points {
			nearest := math.Inf(1)
			for _, c := range centroids {
				nearest = min(nearest, dist2(p, c))
			}
			if nearest > farDist {
				far, farDist = i, nearest
			}
		}
		if far < 0 {
			break
		}
		centroids = append(centroids, points[far])
	}

	assign := make([]int, len(points))
	for i := range assign {
		assign[i] = -1
	}
	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i, p := range points {
			best, bestDist := 0, math.Inf(1)
			for c, centroid := range centroids {
				if d := dist2(p, centroid); d < bestDist {
					best, bestDist = c, d
				}
			}
			if assign[i] != best {
				assign[i], changed = best, true
			}
		}
		if !changed {
			break
		}
		sums := make([][2]float64, len(centroids))
		counts := make([]int, len(centroids))
		for i, p := range points {
			c := assign[i]
			sums[c][0] += p[0]
			sums[c][1] += p[1]
			counts[c]++
		}
		for c := range centroids {
			if counts[c] > 0 {
				centroids[c] = [2]float64{sums[c][0] / float64(counts[c]), sums[c][1] / float64(counts[c])}
			}
		}
	}

	clusters := make([]*cluster, len(centroids))
	for c := range centroids {
		clusters[c] = &cluster{index: c, centroid: centroids[c]}
	}
	for i, c := range assign {
		clusters[c].members = append(clusters[c].members, i)
	}
	return clusters
}
