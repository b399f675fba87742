package goextract

import (
	"errors"

	"github.com/brunobiangulo/goextract/errcode"
)

// Error kinds returned by the engine, re-exported from errcode so callers
// can match with errors.Is without a second import.
var (
	ErrUnsupportedFormat = errcode.ErrUnsupportedFormat
	ErrParsing           = errcode.ErrParsing
	ErrOcr               = errcode.ErrOcr
	ErrMissingDependency = errcode.ErrMissingDependency
	ErrValidation        = errcode.ErrValidation
	ErrPlugin            = errcode.ErrPlugin
	ErrIo                = errcode.ErrIo
	ErrPanic             = errcode.ErrPanic
	ErrInvalidConfig     = errcode.ErrInvalidConfig

	// ErrClosed is returned by every call on a closed engine.
	ErrClosed = errors.New("goextract: engine is closed")

	// ErrNoVectorIndex is returned by SimilarChunks when the cache does not
	// index chunk embeddings.
	ErrNoVectorIndex = errors.New("goextract: cache has no vector index")
)

// Code maps err to its stable numeric code.
func Code(err error) errcode.Code {
	return errcode.CodeOf(err)
}
