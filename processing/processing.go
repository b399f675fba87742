// Package processing holds the built-in post-processors and validators.
//
// Post-processors that rewrite content run after chunking, so they carry a
// byte-position map and move chunk and page ranges with the text.
package processing

import (
	"context"

	"github.com/brunobiangulo/goextract/plugin"
)

// Options configures RegisterBuiltins.
type Options struct {
	// MinContentChars enables the min_content validator when positive.
	MinContentChars int
	// SkipWireSchema leaves out the wire_schema validator.
	SkipWireSchema bool
	// Chat backs model entity extraction. Nil limits the entities
	// post-processor to custom patterns.
	Chat      Chatter
	ChatModel string
}

// RegisterBuiltins registers the built-in post-processors and validators
// with reg.
func RegisterBuiltins(ctx context.Context, reg *plugin.Registry, opts Options) error {
	pps := []plugin.PostProcessor{
		NewQuality(), NewLanguage(), NewDedupe(),
		NewEntities(opts.Chat, opts.ChatModel), NewKeywords(),
	}
	for _, p := range pps {
		if err := reg.PostProcessors.Register(ctx, p); err != nil {
			return err
		}
	}
	var validators []plugin.Validator
	if !opts.SkipWireSchema {
		validators = append(validators, NewWireSchema())
	}
	if opts.MinContentChars > 0 {
		validators = append(validators, NewMinContent(opts.MinContentChars))
	}
	for _, v := range validators {
		if err := reg.Validators.Register(ctx, v); err != nil {
			return err
		}
	}
	return nil
}
