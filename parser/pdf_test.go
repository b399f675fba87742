package parser

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ledongthuc/pdf"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/mime"
	"github.com/brunobiangulo/goextract/result"
)

// glyphs lays out s one glyph per rune starting at x, each w points wide.
func glyphs(s string, x, y, size, w float64) []pdf.Text {
	var out []pdf.Text
	for _, r := range s {
		out = append(out, pdf.Text{FontSize: size, X: x, Y: y, W: w, S: string(r)})
		x += w
	}
	return out
}

func samplePage() []pdf.Text {
	var page []pdf.Text
	page = append(page, glyphs("Intro", 72, 700, 24, 14)...)
	page = append(page, glyphs("Body", 72, 650, 12, 7)...)
	// Word gap wider than the space threshold.
	page = append(page, glyphs("text", 112, 650, 12, 7)...)
	page = append(page, glyphs("more", 72, 636, 12, 7)...)
	page = append(page, glyphs("3", 300, 40, 10, 6)...)
	return page
}

// ---------------------------------------------------------------------------
// Layout grouping
// ---------------------------------------------------------------------------

func TestGroupLines(t *testing.T) {
	lines := groupLines(samplePage())
	var got []string
	for _, l := range lines {
		got = append(got, l.text.String())
	}
	want := []string{"Intro", "Body text", "more", "3"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("lines = %q, want %q", got, want)
	}
	if lines[0].fontSize != 24 || lines[1].x0 != 72 || lines[1].x1 != 140 {
		t.Errorf("line geometry: size=%v x0=%v x1=%v", lines[0].fontSize, lines[1].x0, lines[1].x1)
	}
}

func TestGroupLinesSkipsBlankRuns(t *testing.T) {
	page := glyphs("   ", 72, 500, 12, 3)
	if lines := groupLines(page); len(lines) != 0 {
		t.Fatalf("got %d lines from whitespace, want 0", len(lines))
	}
}

func TestGroupBlocks(t *testing.T) {
	blocks := groupBlocks(groupLines(samplePage()), 792, 2)
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(blocks))
	}
	heading, body := blocks[0], blocks[1]
	if heading.Text != "Intro" || heading.FontSize != 24 || heading.Page != 2 {
		t.Errorf("heading block = %+v", heading)
	}
	// Top-left origin: the 24pt line at baseline 700 spans 68..92.
	if heading.BBox.Top != 68 || heading.BBox.Bottom != 92 {
		t.Errorf("heading bbox = %+v", heading.BBox)
	}
	if body.Text != "Body text\nmore" {
		t.Errorf("body text = %q", body.Text)
	}
	if body.BBox.Top >= body.BBox.Bottom || body.BBox.Top != 792-662 {
		t.Errorf("body bbox = %+v", body.BBox)
	}
}

func TestDropPageNumbers(t *testing.T) {
	blocks := dropPageNumbers(groupBlocks(groupLines(samplePage()), 792, 1))
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	for _, b := range blocks {
		if b.Text == "3" {
			t.Error("page number survived")
		}
	}

	// A number in the middle of the page is content.
	mid := []result.TextBlock{
		{Text: "Header", BBox: result.BoundingBox{Top: 10, Bottom: 20}},
		{Text: "42", BBox: result.BoundingBox{Top: 300, Bottom: 310}},
		{Text: "Footer", BBox: result.BoundingBox{Top: 700, Bottom: 710}},
	}
	if got := dropPageNumbers(mid); len(got) != 3 {
		t.Errorf("dropped a mid-page number: %d blocks left", len(got))
	}
}

func TestPageNumberPattern(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"3", true},
		{"Page 4", true},
		{"- 5 -", true},
		{"2 / 10", true},
		{"7 of 9", true},
		{"Chapter 3", false},
		{"12345", false},
		{"3.2 Scope", false},
	}
	for _, tt := range tests {
		if got := pageNumberRe.MatchString(tt.in); got != tt.want {
			t.Errorf("%q: got %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Opening and quality
// ---------------------------------------------------------------------------

func TestPDFOpenErrors(t *testing.T) {
	tests := []struct {
		name      string
		passwords []string
		wantMsg   string
	}{
		{"no passwords", nil, "opening pdf"},
		{"passwords exhausted", []string{"a", "b"}, "none of 2 passwords"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.ExtractionConfig{PDF: &config.PdfConfig{Passwords: tt.passwords}}
			_, err := NewPDF().Extract(context.Background(), []byte("%PDF-1.4 garbage"), mime.PDF, cfg)
			if !errors.Is(err, errcode.ErrParsing) {
				t.Fatalf("got %v, want ErrParsing", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestTextQuality(t *testing.T) {
	long := strings.Repeat("readable text ", 10)
	tests := []struct {
		name      string
		pages     []string
		hasImages bool
		want      bool
	}{
		{"dense text", []string{long, long}, true, false},
		{"sparse with images", []string{"p1", ""}, true, true},
		{"sparse without images", []string{"p1", ""}, false, false},
		{"garbled", []string{strings.Repeat("\uE000\uFFFD", 40) + "ok"}, false, true},
		{"no pages", nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := measureText(tt.pages, tt.hasImages).needsOCR(); got != tt.want {
				t.Errorf("needsOCR = %v, want %v", got, tt.want)
			}
		})
	}
}
