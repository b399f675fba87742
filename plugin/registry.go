package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"slices"
)

// Registry groups the four registries an engine uses.
type Registry struct {
	Extractors     *ExtractorRegistry
	OCR            *OcrRegistry
	PostProcessors *PostProcessorRegistry
	Validators     *ValidatorRegistry
}

// NewRegistry returns empty registries that log through logger
// (slog.Default when nil).
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		Extractors:     NewExtractorRegistry(logger),
		OCR:            NewOcrRegistry(logger),
		PostProcessors: NewPostProcessorRegistry(logger),
		Validators:     NewValidatorRegistry(logger),
	}
}

// Info describes one registered plugin.
type Info struct {
	Kind      string   `json:"kind"`
	Name      string   `json:"name"`
	Version   string   `json:"version,omitempty"`
	Priority  int      `json:"priority,omitempty"`
	Stage     string   `json:"stage,omitempty"`
	MimeTypes []string `json:"mime_types,omitempty"`
	Languages []string `json:"languages,omitempty"`
}

// Describe lists every registered plugin, grouped by kind.
func (r *Registry) Describe() []Info {
	var out []Info
	for _, e := range r.Extractors.set.snapshot(nil) {
		out = append(out, Info{
			Kind:      "extractor",
			Name:      e.plugin.Name(),
			Version:   e.version,
			Priority:  e.priority,
			MimeTypes: slices.Clone(e.plugin.SupportedMimeTypes()),
		})
	}
	for _, e := range r.OCR.set.snapshot(nil) {
		out = append(out, Info{
			Kind:      "ocr",
			Name:      e.plugin.Name(),
			Version:   e.version,
			Languages: slices.Clone(e.plugin.SupportedLanguages()),
		})
	}
	for _, p := range r.PostProcessors.Ordered() {
		out = append(out, Info{Kind: "postprocessor", Name: p.Name(), Version: versionOf(p), Stage: stageOf(p).String()})
	}
	for _, v := range r.Validators.Ordered() {
		out = append(out, Info{Kind: "validator", Name: v.Name(), Version: versionOf(v), Priority: priorityOf(v)})
	}
	return out
}

// Fingerprint hashes the identity of every registered plugin: kind, name,
// version, ordering key and declared types. Registering, replacing or
// reordering plugins changes it, which invalidates cached results.
func (r *Registry) Fingerprint() string {
	h := sha256.New()
	for i, e := range r.Extractors.set.snapshot(nil) {
		types := slices.Clone(e.plugin.SupportedMimeTypes())
		slices.Sort(types)
		line(h, "extractor", e.plugin.Name(), e.version, e.priority, uint64(i), types)
	}
	for _, e := range r.OCR.set.snapshot(nil) {
		line(h, "ocr", e.plugin.Name(), e.version, 0, 0, nil)
	}
	for i, p := range r.PostProcessors.Ordered() {
		line(h, "postprocessor", p.Name(), versionOf(p), int(stageOf(p)), uint64(i), nil)
	}
	for i, v := range r.Validators.Ordered() {
		line(h, "validator", v.Name(), versionOf(v), priorityOf(v), uint64(i), nil)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func line(h hash.Hash, kind, name, version string, order int, pos uint64, types []string) {
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00%d\x00%q\n", kind, name, version, order, pos, types)
}

// Shutdown removes every plugin and shuts each one down.
func (r *Registry) Shutdown(ctx context.Context) error {
	return errors.Join(
		r.Extractors.Clear(ctx),
		r.OCR.Clear(ctx),
		r.PostProcessors.Clear(ctx),
		r.Validators.Clear(ctx),
	)
}
