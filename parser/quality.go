package parser

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Thresholds of the text-layer quality check.
const (
	minCharsPerPage   = 50
	minPrintableRatio = 0.85
)

// textQuality scores a text layer to decide whether OCR should replace it.
type textQuality struct {
	Pages          int
	CharsPerPage   float64
	PrintableRatio float64
	HasImages      bool
}

func measureText(pages []string, hasImages bool) textQuality {
	q := textQuality{Pages: len(pages), HasImages: hasImages, PrintableRatio: 1}
	if len(pages) == 0 {
		return q
	}
	all := strings.Join(pages, "\n")
	q.CharsPerPage = float64(utf8.RuneCountInString(strings.TrimSpace(all))) / float64(len(pages))
	q.PrintableRatio = printableRatio(all)
	return q
}

// needsOCR reports a sparse text layer over images, or a garbled one.
func (q textQuality) needsOCR() bool {
	return (q.CharsPerPage < minCharsPerPage && q.HasImages) || q.PrintableRatio < minPrintableRatio
}

// printableRatio returns the share of runes that are printable text.
func printableRatio(text string) float64 {
	total, printable := 0, 0
	for _, r := range text {
		total++
		if isGarbageRune(r) {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			printable++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(printable) / float64(total)
}

// isGarbageRune matches private-use code points, U+FFFD and control
// characters other than whitespace.
func isGarbageRune(r rune) bool {
	switch {
	case r >= 0xE000 && r <= 0xF8FF:
		return true
	case r == utf8.RuneError:
		return true
	case r < 0x20 && r != '\n' && r != '\r' && r != '\t':
		return true
	}
	return false
}
