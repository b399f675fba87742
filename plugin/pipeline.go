package plugin

import (
	"cmp"
	"context"
	"log/slog"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/result"
)

// PostProcessorRegistry holds post-processors ordered by stage, then by
// registration.
type PostProcessorRegistry struct {
	set *set[PostProcessor]
}

// NewPostProcessorRegistry returns an empty registry.
func NewPostProcessorRegistry(logger *slog.Logger) *PostProcessorRegistry {
	return &PostProcessorRegistry{set: newSet[PostProcessor]("postprocessor", logger)}
}

// Register initializes p when it implements Initializer and adds it.
func (r *PostProcessorRegistry) Register(ctx context.Context, p PostProcessor) error {
	if p == nil {
		return errcode.New(errcode.ErrInvalidConfig, "nil post-processor")
	}
	if err := checkName(p.Name()); err != nil {
		return err
	}
	if s := stageOf(p); s < Early || s > Late {
		return errcode.PluginErr(p.Name(), errcode.New(errcode.ErrInvalidConfig, "invalid stage %d", s))
	}
	if err := initialize(ctx, p); err != nil {
		return err
	}
	if prev := r.set.put(p); prev != nil {
		r.set.shutdown(ctx, prev.plugin)
	}
	return nil
}

// Unregister removes the named post-processor; an absent name is ignored.
func (r *PostProcessorRegistry) Unregister(ctx context.Context, name string) error {
	if e := r.set.remove(name); e != nil {
		return r.set.shutdown(ctx, e.plugin)
	}
	return nil
}

// Clear removes every post-processor.
func (r *PostProcessorRegistry) Clear(ctx context.Context) error {
	for _, e := range r.set.removeAll() {
		r.set.shutdown(ctx, e.plugin)
	}
	return nil
}

// Ordered returns a snapshot in execution order.
func (r *PostProcessorRegistry) Ordered() []PostProcessor {
	entries := r.set.snapshot(func(a, b *entry[PostProcessor]) int {
		return cmp.Compare(a.stage, b.stage)
	})
	out := make([]PostProcessor, len(entries))
	for i, e := range entries {
		out[i] = e.plugin
	}
	return out
}

// List returns the names in execution order.
func (r *PostProcessorRegistry) List() []string {
	ps := r.Ordered()
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name()
	}
	return out
}

// ValidatorRegistry holds validators ordered by priority, highest first,
// then by registration.
type ValidatorRegistry struct {
	set *set[Validator]
}

// NewValidatorRegistry returns an empty registry.
func NewValidatorRegistry(logger *slog.Logger) *ValidatorRegistry {
	return &ValidatorRegistry{set: newSet[Validator]("validator", logger)}
}

// Register initializes v when it implements Initializer and adds it.
func (r *ValidatorRegistry) Register(ctx context.Context, v Validator) error {
	if v == nil {
		return errcode.New(errcode.ErrInvalidConfig, "nil validator")
	}
	if err := checkName(v.Name()); err != nil {
		return err
	}
	if err := initialize(ctx, v); err != nil {
		return err
	}
	if prev := r.set.put(v); prev != nil {
		r.set.shutdown(ctx, prev.plugin)
	}
	return nil
}

// Unregister removes the named validator; an absent name is ignored.
func (r *ValidatorRegistry) Unregister(ctx context.Context, name string) error {
	if e := r.set.remove(name); e != nil {
		return r.set.shutdown(ctx, e.plugin)
	}
	return nil
}

// Clear removes every validator.
func (r *ValidatorRegistry) Clear(ctx context.Context) error {
	for _, e := range r.set.removeAll() {
		r.set.shutdown(ctx, e.plugin)
	}
	return nil
}

// Ordered returns a snapshot in execution order.
func (r *ValidatorRegistry) Ordered() []Validator {
	entries := r.set.snapshot(func(a, b *entry[Validator]) int {
		return cmp.Compare(b.priority, a.priority)
	})
	out := make([]Validator, len(entries))
	for i, e := range entries {
		out[i] = e.plugin
	}
	return out
}

// List returns the names in execution order.
func (r *ValidatorRegistry) List() []string {
	vs := r.Ordered()
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Name()
	}
	return out
}

func initialize(ctx context.Context, p Plugin) error {
	in, ok := p.(Initializer)
	if !ok {
		return nil
	}
	return Call(p.Name(), func() error { return in.Initialize(ctx) })
}

// Run applies the enabled post-processors to res in execution
// order. The first failure aborts the run with an error tagged with the
// processor's name.
func (r *PostProcessorRegistry) Run(ctx context.Context, res *result.ExtractionResult, cfg *config.ExtractionConfig) error {
	for _, p := range r.Ordered() {
		if !cfg.ProcessorEnabled(p.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := Call(p.Name(), func() error { return p.Process(ctx, res, cfg) }); err != nil {
			return err
		}
	}
	return nil
}

// Run asks every validator, highest priority first, to check a copy of
// res. It stops at the first rejection.
func (r *ValidatorRegistry) Run(ctx context.Context, res *result.ExtractionResult, cfg *config.ExtractionConfig) error {
	for _, v := range r.Ordered() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var out ValidationOutcome
		view := res.Clone()
		err := Call(v.Name(), func() error {
			var err error
			out, err = v.Validate(ctx, view, cfg)
			return err
		})
		if err != nil {
			return err
		}
		if !out.Valid {
			return errcode.Validation(v.Name(), out.Errors)
		}
	}
	return nil
}
