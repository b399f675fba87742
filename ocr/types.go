// Package ocr defines the OCR request and result types shared by OCR
// backends, plus the built-in backends that need no cgo.
package ocr

import (
	"strings"

	"github.com/brunobiangulo/goextract/config"
)

// Region is a rectangle in image pixel coordinates.
type Region struct {
	X, Y, Width, Height float64
}

// IsEmpty reports whether the region has no area.
func (r Region) IsEmpty() bool { return r.Width <= 0 || r.Height <= 0 }

// Options are the per-call recognition settings.
type Options struct {
	// Language is a tesseract-style code, "+"-joined for several
	// languages ("eng+deu").
	Language      string
	PSM           int
	OEM           int
	CharWhitelist string
	DPI           int
	// Variables are passed to the engine verbatim.
	Variables map[string]string
}

// Languages splits Language into its codes.
func (o Options) Languages() []string {
	var out []string
	for _, l := range strings.Split(o.Language, "+") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// OptionsFrom builds Options from an OCR configuration section.
func OptionsFrom(cfg *config.OcrConfig) Options {
	if cfg == nil {
		cfg = config.DefaultOCR()
	}
	o := Options{Language: cfg.Language, Variables: cfg.Options}
	if o.Language == "" {
		o.Language = config.DefaultOCR().Language
	}
	if t := cfg.Tesseract; t != nil {
		o.PSM, o.OEM, o.CharWhitelist, o.DPI = t.PSM, t.OEM, t.CharWhitelist, t.DPI
	}
	return o
}

// Block is a recognized word or line with its position.
type Block struct {
	Text       string
	Region     Region
	Confidence float64
	// Line groups words of the same text line; 0 when unknown.
	Line int
}

// Result is the output of recognizing one image.
type Result struct {
	Text   string
	Blocks []Block
	// Confidence is the mean word confidence in [0,1], 0 when unknown.
	Confidence float64
	Language   string
	Width      int
	Height     int
}

// MeanConfidence averages block confidences, ignoring negative values.
func MeanConfidence(blocks []Block) float64 {
	var sum float64
	var n int
	for _, b := range blocks {
		if b.Confidence < 0 {
			continue
		}
		sum += b.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
