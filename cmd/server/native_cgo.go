//go:build cgo

package main

import (
	"github.com/brunobiangulo/goextract/ocr/tesseract"
	"github.com/brunobiangulo/goextract/plugin"
)

func nativeBackend() (plugin.OcrBackend, error) {
	return tesseract.New(), nil
}
