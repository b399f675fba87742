// Package tesseract is the in-process OCR backend over libtesseract. It
// requires cgo and the tesseract development headers.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/ocr"
)

// Backend implements the "tesseract-native" OCR backend. A fresh client is
// used per call because gosseract clients are not safe for concurrent use.
type Backend struct {
	clientFactory func() *gosseract.Client
	languages     []string
}

// New returns the gosseract-backed backend.
func New() *Backend {
	return &Backend{clientFactory: gosseract.NewClient}
}

func (b *Backend) Name() string { return "tesseract-native" }

func (b *Backend) SupportedLanguages() []string { return b.languages }

// Initialize opens one client to verify libtesseract is usable and reads
// the installed languages.
func (b *Backend) Initialize(context.Context) error {
	c := b.clientFactory()
	defer c.Close()
	if v := c.Version(); v == "" {
		return errcode.New(errcode.ErrMissingDependency, "libtesseract unavailable")
	}
	langs, err := gosseract.GetAvailableLanguages()
	if err != nil {
		return errcode.Wrap(errcode.ErrMissingDependency, err, "list tesseract languages")
	}
	b.languages = langs
	return nil
}

func (b *Backend) ProcessImage(ctx context.Context, img []byte, opts ocr.Options) (*ocr.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := b.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(img); err != nil {
		return nil, errcode.Wrap(errcode.ErrOcr, err, "set image")
	}
	if langs := opts.Languages(); len(langs) > 0 {
		if err := c.SetLanguage(langs...); err != nil {
			return nil, errcode.Wrap(errcode.ErrOcr, err, "set languages")
		}
	}
	if opts.PSM > 0 {
		if err := c.SetPageSegMode(gosseract.PageSegMode(opts.PSM)); err != nil {
			return nil, errcode.Wrap(errcode.ErrOcr, err, "set psm")
		}
	}
	if opts.CharWhitelist != "" {
		if err := c.SetWhitelist(opts.CharWhitelist); err != nil {
			return nil, errcode.Wrap(errcode.ErrOcr, err, "set whitelist")
		}
	}
	if opts.DPI > 0 {
		if err := c.SetVariable("user_defined_dpi", fmt.Sprint(opts.DPI)); err != nil {
			return nil, errcode.Wrap(errcode.ErrOcr, err, "set dpi")
		}
	}
	for k, v := range opts.Variables {
		if err := c.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return nil, errcode.Wrap(errcode.ErrOcr, err, "set variable "+k)
		}
	}

	text, err := c.Text()
	if err != nil {
		return nil, errcode.Wrap(errcode.ErrOcr, err, "recognize text")
	}
	res := &ocr.Result{
		Text:     strings.TrimSpace(text),
		Blocks:   words(c),
		Language: opts.Language,
	}
	res.Confidence = ocr.MeanConfidence(res.Blocks)
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(img)); err == nil {
		res.Width, res.Height = cfg.Width, cfg.Height
	}
	return res, nil
}

func words(c *gosseract.Client) []ocr.Block {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil
	}
	out := make([]ocr.Block, 0, len(boxes))
	for _, bx := range boxes {
		out = append(out, ocr.Block{
			Text:       bx.Word,
			Region:     ocr.Region{X: float64(bx.Box.Min.X), Y: float64(bx.Box.Min.Y), Width: float64(bx.Box.Dx()), Height: float64(bx.Box.Dy())},
			Confidence: bx.Confidence / 100,
		})
	}
	return out
}

func (b *Backend) Shutdown(context.Context) error {
	b.languages = nil
	return nil
}
