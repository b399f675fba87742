package parser

import (
	"bytes"
	"context"
	"image"
	"strings"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/result"
)

// Image accepts every image type. It reads only the header; the text of an
// image comes from the OCR stage.
type Image struct{ info }

func NewImage() *Image {
	return &Image{info{name: "image", mimes: []string{"image/*"}, priority: 10}}
}

func (p *Image) Extract(ctx context.Context, data []byte, mimeType string, cfg *config.ExtractionConfig) (*result.RawContent, error) {
	raw := &result.RawContent{
		MimeType: mimeType,
		Metadata: result.Metadata{"format": strings.TrimPrefix(mimeType, "image/")},
		NeedsOCR: true,
		Method:   "native",
	}
	if c, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		raw.Metadata["format"] = format
		raw.Metadata["width"] = c.Width
		raw.Metadata["height"] = c.Height
	}
	return raw, ctx.Err()
}
