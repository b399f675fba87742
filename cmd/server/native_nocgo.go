//go:build !cgo

package main

import (
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/plugin"
)

func nativeBackend() (plugin.OcrBackend, error) {
	return nil, errcode.New(errcode.ErrMissingDependency, "tesseract-native needs a cgo build")
}
