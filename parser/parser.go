// Package parser holds the built-in document extractors. Each extractor
// turns the bytes of one format into result.RawContent; the pipeline in the
// root package does the rest.
package parser

import (
	"context"
	"log/slog"

	"github.com/brunobiangulo/goextract/plugin"
)

// Version is reported by every built-in extractor and feeds the plugin
// fingerprint, so bumping it invalidates cached results.
const Version = "1"

// Options configures RegisterBuiltins.
type Options struct {
	// LlamaParse enables remote parsing of legacy binary formats.
	LlamaParse *LlamaParseConfig
	// MaxArchiveEntries bounds how many members of an archive are read.
	MaxArchiveEntries int
	// MaxArchiveBytes bounds the uncompressed bytes read from an archive.
	MaxArchiveBytes int64
}

// info is embedded by every built-in extractor.
type info struct {
	name     string
	mimes    []string
	priority int
}

func (i info) Name() string                 { return i.name }
func (i info) SupportedMimeTypes() []string { return i.mimes }
func (i info) Priority() int                { return i.priority }
func (i info) Version() string              { return Version }

// Builtins returns the built-in extractors for opts.
func Builtins(opts Options) []plugin.DocumentExtractor {
	out := []plugin.DocumentExtractor{
		NewPDF(),
		NewDOCX(),
		NewPPTX(),
		NewXLSX(),
		NewODT(),
		NewText(),
		NewMarkdown(),
		NewHTML(),
		NewStructured(),
		NewImage(),
		NewArchive(opts.MaxArchiveEntries, opts.MaxArchiveBytes),
	}
	if opts.LlamaParse != nil && opts.LlamaParse.APIKey != "" {
		out = append(out, NewLlamaParse(*opts.LlamaParse))
	}
	return out
}

// RegisterBuiltins registers the built-in extractors with reg.
func RegisterBuiltins(ctx context.Context, reg *plugin.ExtractorRegistry, opts Options) error {
	for _, e := range Builtins(opts) {
		if err := reg.Register(ctx, e); err != nil {
			return err
		}
	}
	slog.Debug("parser: registered built-in extractors", "count", len(reg.List()))
	return nil
}
