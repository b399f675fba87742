// Package plugin defines the four plugin kinds of the extraction pipeline
// and the registries that hold them.
//
// Registries are plain values owned by whoever creates them; there is no
// process-wide registry. Reads take a shared lock and return snapshots, so
// a plugin registered while a pipeline runs affects only later calls.
package plugin

import (
	"context"
	"strings"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/ocr"
	"github.com/brunobiangulo/goextract/result"
)

// DefaultPriority is the priority of extractors and validators that do not
// implement Prioritized.
const DefaultPriority = 50

// Plugin is the part every plugin shares.
type Plugin interface {
	Name() string
}

// Optional capabilities, detected once at registration.
type (
	Initializer interface {
		Initialize(ctx context.Context) error
	}
	Shutdowner interface {
		Shutdown(ctx context.Context) error
	}
	Prioritized interface {
		Priority() int
	}
	Staged interface {
		Stage() Stage
	}
	Versioned interface {
		Version() string
	}
)

// DocumentExtractor turns the bytes of one document into raw content.
type DocumentExtractor interface {
	Plugin
	SupportedMimeTypes() []string
	Extract(ctx context.Context, data []byte, mimeType string, cfg *config.ExtractionConfig) (*result.RawContent, error)
}

// OcrBackend recognizes text in images. Backends are initialized lazily on
// first use and shut down when removed.
type OcrBackend interface {
	Plugin
	SupportedLanguages() []string
	Initialize(ctx context.Context) error
	ProcessImage(ctx context.Context, image []byte, opts ocr.Options) (*ocr.Result, error)
	Shutdown(ctx context.Context) error
}

// PostProcessor mutates a result in place.
type PostProcessor interface {
	Plugin
	Process(ctx context.Context, r *result.ExtractionResult, cfg *config.ExtractionConfig) error
}

// ValidationOutcome is a validator's verdict.
type ValidationOutcome struct {
	Valid  bool
	Errors []string
}

// Valid is the passing outcome.
var Valid = ValidationOutcome{Valid: true}

// Invalid returns a failing outcome with messages.
func Invalid(messages ...string) ValidationOutcome {
	return ValidationOutcome{Errors: messages}
}

// Validator inspects a result. It receives a copy and must not rely on
// mutating it.
type Validator interface {
	Plugin
	Validate(ctx context.Context, r *result.ExtractionResult, cfg *config.ExtractionConfig) (ValidationOutcome, error)
}

// Stage orders post-processors. Within a stage, registration order holds.
type Stage int

const (
	Early Stage = iota
	Middle
	Late
)

func (s Stage) String() string {
	switch s {
	case Early:
		return "early"
	case Middle:
		return "middle"
	case Late:
		return "late"
	default:
		return "unknown"
	}
}

// ParseStage maps a stage name to its Stage.
func ParseStage(s string) (Stage, bool) {
	switch strings.ToLower(s) {
	case "early":
		return Early, true
	case "middle", "":
		return Middle, true
	case "late":
		return Late, true
	}
	return Middle, false
}

func checkName(name string) error {
	if name == "" || strings.TrimSpace(name) != name {
		return errcode.PluginErr(name, errcode.New(errcode.ErrInvalidConfig, "plugin name %q must be non-empty without surrounding whitespace", name))
	}
	return nil
}

func priorityOf(p Plugin) int {
	if pr, ok := p.(Prioritized); ok {
		return pr.Priority()
	}
	return DefaultPriority
}

func stageOf(p Plugin) Stage {
	if s, ok := p.(Staged); ok {
		return s.Stage()
	}
	return Middle
}

func versionOf(p Plugin) string {
	if v, ok := p.(Versioned); ok {
		return v.Version()
	}
	return ""
}
