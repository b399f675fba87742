package plugin

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/mime"
)

// ExtractorRegistry maps MIME types to document extractors.
type ExtractorRegistry struct {
	set *set[DocumentExtractor]
}

// NewExtractorRegistry returns an empty registry logging to logger
// (slog.Default when nil).
func NewExtractorRegistry(logger *slog.Logger) *ExtractorRegistry {
	return &ExtractorRegistry{set: newSet[DocumentExtractor]("extractor", logger)}
}

// Register initializes e and adds it. An extractor whose initialization
// fails is not registered. A previous extractor of the same name is shut
// down and replaced.
func (r *ExtractorRegistry) Register(ctx context.Context, e DocumentExtractor) error {
	if e == nil {
		return errcode.New(errcode.ErrInvalidConfig, "nil extractor")
	}
	name := e.Name()
	if err := checkName(name); err != nil {
		return err
	}
	types := e.SupportedMimeTypes()
	if len(types) == 0 {
		return errcode.PluginErr(name, errcode.New(errcode.ErrInvalidConfig, "extractor declares no mime types"))
	}
	for _, t := range types {
		if strings.TrimSpace(t) == "" || !strings.Contains(t, "/") {
			return errcode.PluginErr(name, errcode.New(errcode.ErrInvalidConfig, "invalid mime type %q", t))
		}
	}
	if err := initialize(ctx, e); err != nil {
		return err
	}
	if prev := r.set.put(e); prev != nil {
		r.set.shutdown(ctx, prev.plugin)
	}
	return nil
}

// Unregister removes and shuts down the named extractor. Removing an absent
// name is not an error.
func (r *ExtractorRegistry) Unregister(ctx context.Context, name string) error {
	if e := r.set.remove(name); e != nil {
		return r.set.shutdown(ctx, e.plugin)
	}
	return nil
}

// List returns the registered names in registration order.
func (r *ExtractorRegistry) List() []string { return r.set.names() }

// Get returns the extractor registered under name.
func (r *ExtractorRegistry) Get(name string) (DocumentExtractor, bool) {
	e, ok := r.set.get(name)
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// Clear shuts down and removes every extractor.
func (r *ExtractorRegistry) Clear(ctx context.Context) error {
	for _, e := range r.set.removeAll() {
		r.set.shutdown(ctx, e.plugin)
	}
	return nil
}

// Resolve picks the extractor for mimeType. Parameters are ignored. An
// exact match wins over a "type/*" wildcard; among candidates the highest
// priority wins, and the later registration on equal priority.
func (r *ExtractorRegistry) Resolve(mimeType string) (DocumentExtractor, error) {
	t := mime.Normalize(mimeType)
	if t == "" {
		return nil, errcode.New(errcode.ErrUnsupportedFormat, "empty mime type")
	}
	entries := r.set.snapshot(func(a, b *entry[DocumentExtractor]) int {
		if c := cmp.Compare(b.priority, a.priority); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})

	if e := firstSupporting(entries, t); e != nil {
		return e, nil
	}
	if major, _, ok := strings.Cut(t, "/"); ok {
		if e := firstSupporting(entries, major+"/*"); e != nil {
			return e, nil
		}
	}
	return nil, errcode.New(errcode.ErrUnsupportedFormat, "no extractor for %q", t)
}

func firstSupporting(entries []*entry[DocumentExtractor], t string) DocumentExtractor {
	for _, e := range entries {
		if slices.ContainsFunc(e.plugin.SupportedMimeTypes(), func(s string) bool {
			return mime.Normalize(s) == t
		}) {
			return e.plugin
		}
	}
	return nil
}

// SupportedMimeTypes lists every declared type, sorted and unique.
func (r *ExtractorRegistry) SupportedMimeTypes() []string {
	var out []string
	for _, e := range r.set.snapshot(nil) {
		for _, t := range e.plugin.SupportedMimeTypes() {
			out = append(out, mime.Normalize(t))
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
