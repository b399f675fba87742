package processing

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/plugin"
	"github.com/brunobiangulo/goextract/result"
)

// MinContent rejects results whose trimmed content is shorter than a
// minimum number of characters.
type MinContent struct {
	minChars int
}

// NewMinContent returns a validator requiring minChars characters; values
// below 1 mean the content must not be empty.
func NewMinContent(minChars int) *MinContent {
	return &MinContent{minChars: max(minChars, 1)}
}

func (*MinContent) Name() string  { return "min_content" }
func (*MinContent) Priority() int { return plugin.DefaultPriority }

func (v *MinContent) Validate(_ context.Context, r *result.ExtractionResult, _ *config.ExtractionConfig) (plugin.ValidationOutcome, error) {
	n := utf8.RuneCountInString(strings.TrimSpace(r.Content))
	if n < v.minChars {
		if n == 0 {
			return plugin.Invalid("content is empty"), nil
		}
		return plugin.Invalid(fmt.Sprintf("content has %d characters, need at least %d", n, v.minChars)), nil
	}
	return plugin.Valid, nil
}

// WireSchema checks that the result encodes to a document accepted by the
// wire schema.
type WireSchema struct{}

func NewWireSchema() *WireSchema { return &WireSchema{} }

func (*WireSchema) Name() string  { return "wire_schema" }
func (*WireSchema) Priority() int { return 10 }

func (*WireSchema) Validate(_ context.Context, r *result.ExtractionResult, _ *config.ExtractionConfig) (plugin.ValidationOutcome, error) {
	data, err := result.EncodeWire(r)
	if err != nil {
		return plugin.Invalid(err.Error()), nil
	}
	if err := result.ValidateWire(data); err != nil {
		return plugin.Invalid(err.Error()), nil
	}
	return plugin.Valid, nil
}
