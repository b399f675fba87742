// Package goextract turns documents of many formats into text, tables,
// images, page ranges, a heading tree and embedded chunks.
//
// An Engine owns a plugin registry (extractors, OCR backends,
// post-processors, validators) and a content-addressed result cache.
// Extract runs one document through the pipeline:
//
//	resolve MIME type → cache lookup → extract → OCR → hierarchy →
//	chunk and embed → post-process → validate → cache write
//
// Registries are injectable; two engines never share plugins unless the
// caller passes the same registry to both.
package goextract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/brunobiangulo/goextract/cache"
	"github.com/brunobiangulo/goextract/chunker"
	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/llm"
	"github.com/brunobiangulo/goextract/ocr"
	"github.com/brunobiangulo/goextract/parser"
	"github.com/brunobiangulo/goextract/plugin"
	"github.com/brunobiangulo/goextract/plugin/remote"
	"github.com/brunobiangulo/goextract/processing"
	"github.com/brunobiangulo/goextract/store"
)

// Engine runs extractions. It is safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	registry     *plugin.Registry
	ownsRegistry bool
	cache        cache.Cache
	ownsCache    bool

	embedder   chunker.Embedder
	embedModel string

	mu        sync.Mutex
	embedders map[config.EmbeddingModel]chunker.Embedder

	lastPanic atomic.Pointer[errcode.PanicContext]
	closed    atomic.Bool
}

// Option configures New.
type Option func(*options)

type options struct {
	registry   *plugin.Registry
	cache      cache.Cache
	cacheSet   bool
	embedder   chunker.Embedder
	embedModel string
	logger     *slog.Logger
	backends   []plugin.OcrBackend
}

// WithRegistry makes the engine use reg instead of building its own. The
// caller keeps ownership: built-ins are not added and Close does not shut
// reg down.
func WithRegistry(reg *plugin.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithCache replaces the cache selected by Config.Cache. A nil cache
// disables caching.
func WithCache(c cache.Cache) Option {
	return func(o *options) { o.cache, o.cacheSet = c, true }
}

// WithEmbedder sets the default embedder and the model name its vectors
// are cached under.
func WithEmbedder(model string, emb chunker.Embedder) Option {
	return func(o *options) { o.embedder, o.embedModel = emb, model }
}

// WithLogger sets the logger used by the engine and its registries.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOCRBackend registers an additional OCR backend in the engine's own
// registry, e.g. the in-process tesseract backend.
func WithOCRBackend(b plugin.OcrBackend) Option {
	return func(o *options) { o.backends = append(o.backends, b) }
}

// New creates an engine for cfg.
func New(cfg Config, opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Extraction = cfg.Extraction.Normalized()
	if err := cfg.Extraction.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		embedders:  map[config.EmbeddingModel]chunker.Embedder{},
		embedder:   o.embedder,
		embedModel: o.embedModel,
	}
	if e.embedder == nil && cfg.Embedding.Provider != "" {
		p, err := llm.NewProvider(cfg.Embedding.llm())
		if err != nil {
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
		e.embedder, e.embedModel = p, cfg.Embedding.Model
	}

	if o.cacheSet {
		e.cache = o.cache
	} else {
		c, err := openCache(&cfg)
		if err != nil {
			return nil, err
		}
		e.cache, e.ownsCache = c, true
	}

	ctx := context.Background()
	e.registry = o.registry
	if e.registry == nil {
		e.registry, e.ownsRegistry = plugin.NewRegistry(logger), true
		if err := e.registerBuiltins(ctx, o.backends); err != nil {
			e.Close()
			return nil, err
		}
	}

	logger.Info("engine: ready",
		"cache", e.cacheBackend(),
		"extractors", len(e.registry.Extractors.List()),
		"ocr_backends", e.registry.OCR.List(),
		"embedding_model", e.embedModel)
	return e, nil
}

func openCache(cfg *Config) (cache.Cache, error) {
	switch cfg.Cache {
	case "", CacheMemory:
		return cache.NewMemory(), nil
	case CacheNone:
		return nil, nil
	case CacheSQLite:
		s, err := store.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
		if err != nil {
			return nil, errcode.Wrap(errcode.ErrIo, err, "opening cache store")
		}
		return s, nil
	default:
		return nil, errcode.New(errcode.ErrInvalidConfig, "unknown cache backend %q", cfg.Cache)
	}
}

func (e *Engine) registerBuiltins(ctx context.Context, extra []plugin.OcrBackend) error {
	if err := parser.RegisterBuiltins(ctx, e.registry.Extractors, e.cfg.parserOptions()); err != nil {
		return fmt.Errorf("registering extractors: %w", err)
	}
	popts := processing.Options{MinContentChars: e.cfg.MinContentChars}
	if e.cfg.Chat.Provider != "" {
		cp, err := llm.NewProvider(e.cfg.Chat.llm())
		if err != nil {
			return fmt.Errorf("creating chat provider: %w", err)
		}
		popts.Chat, popts.ChatModel = cp, e.cfg.Chat.Model
	}
	if err := processing.RegisterBuiltins(ctx, e.registry, popts); err != nil {
		return fmt.Errorf("registering post-processors: %w", err)
	}

	for _, rp := range e.cfg.Remote {
		if err := e.registerRemote(ctx, rp); err != nil {
			return err
		}
	}

	backends := []plugin.OcrBackend{ocr.NewTesseractCLI()}
	if e.cfg.Vision.Provider != "" {
		vp, err := llm.NewVisionProvider(e.cfg.Vision.llm())
		if err != nil {
			return fmt.Errorf("creating vision provider: %w", err)
		}
		backends = append(backends, ocr.NewVision(vp, e.cfg.Vision.Model))
	}
	for _, b := range append(backends, extra...) {
		if err := e.registry.OCR.Register(ctx, b); err != nil {
			return fmt.Errorf("registering ocr backend: %w", err)
		}
	}
	return nil
}

func (e *Engine) registerRemote(ctx context.Context, rp RemotePlugin) error {
	switch rp.Kind {
	case "post_processor", "postprocessor":
		stage, ok := plugin.ParseStage(rp.Stage)
		if !ok {
			return errcode.New(errcode.ErrInvalidConfig, "remote plugin %q: unknown stage %q", rp.Name, rp.Stage)
		}
		p := remote.NewPostProcessor(rp.Name, rp.URL, stage)
		p.APIKey = rp.APIKey
		return e.registry.PostProcessors.Register(ctx, p)
	case "validator":
		priority := rp.Priority
		if priority == 0 {
			priority = plugin.DefaultPriority
		}
		v := remote.NewValidator(rp.Name, rp.URL, priority)
		v.APIKey = rp.APIKey
		return e.registry.Validators.Register(ctx, v)
	default:
		return errcode.New(errcode.ErrInvalidConfig, "remote plugin %q: unknown kind %q", rp.Name, rp.Kind)
	}
}

// Registry returns the plugin registry the engine dispatches through.
func (e *Engine) Registry() *plugin.Registry {
	return e.registry
}

// LastPanic returns the context of the most recent panic recovered during
// an extraction, or nil.
func (e *Engine) LastPanic() *errcode.PanicContext {
	return e.lastPanic.Load()
}

func (e *Engine) recordPanic(err error) {
	var ce *errcode.Error
	if errors.As(err, &ce) && ce.Panic != nil {
		e.lastPanic.Store(ce.Panic)
		e.logger.Error("pipeline: recovered panic",
			"plugin", ce.Plugin, "location", ce.Panic.String())
	}
}

func (e *Engine) cacheBackend() string {
	switch e.cache.(type) {
	case nil:
		return CacheNone
	case *store.Store:
		return CacheSQLite
	case *cache.Memory:
		return CacheMemory
	default:
		return "custom"
	}
}

// CacheStats reports the size and hit rate of the result cache.
func (e *Engine) CacheStats(ctx context.Context) (cache.Stats, error) {
	if e.closed.Load() {
		return cache.Stats{}, ErrClosed
	}
	if e.cache == nil {
		return cache.Stats{Backend: CacheNone}, nil
	}
	return e.cache.Stats(ctx)
}

// ClearCache removes every cached result and embedding.
func (e *Engine) ClearCache(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.cache == nil {
		return nil
	}
	if err := e.cache.Clear(ctx); err != nil {
		return errcode.Wrap(errcode.ErrIo, err, "clearing cache")
	}
	e.logger.Info("cache: cleared", "backend", e.cacheBackend())
	return nil
}

// SimilarChunks returns the k cached chunks closest to vector.
func (e *Engine) SimilarChunks(ctx context.Context, vector []float32, k int) ([]cache.Match, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	s, ok := e.cache.(cache.Searcher)
	if !ok {
		return nil, ErrNoVectorIndex
	}
	matches, err := s.SimilarChunks(ctx, vector, k)
	if errors.Is(err, store.ErrNoVectorIndex) {
		return nil, ErrNoVectorIndex
	}
	return matches, err
}

// SearchChunks embeds query with the default embedder and returns the k
// most similar cached chunks.
func (e *Engine) SearchChunks(ctx context.Context, query string, k int) ([]cache.Match, error) {
	if e.embedder == nil {
		return nil, errcode.New(errcode.ErrMissingDependency, "no default embedder configured")
	}
	vecs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, errcode.PluginErr("embedding:"+e.embedModel, err)
	}
	if len(vecs) != 1 {
		return nil, errcode.New(errcode.ErrPlugin, "embedder returned %d vectors for one query", len(vecs))
	}
	return e.SimilarChunks(ctx, chunker.Normalize(vecs[0]), k)
}

// embedderFor returns the embedder for an embedding model and the name its
// vectors are cached under. A model without a provider uses the default
// embedder.
func (e *Engine) embedderFor(m config.EmbeddingModel) (chunker.Embedder, string, error) {
	if m.Provider == "" {
		name := m.Name
		if name == "" {
			name = e.embedModel
		}
		return e.embedder, name, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if emb, ok := e.embedders[m]; ok {
		return emb, m.Name, nil
	}
	p, err := llm.FromEmbeddingModel(m)
	if err != nil {
		return nil, "", errcode.Wrap(errcode.ErrInvalidConfig, err, "embedding model")
	}
	e.embedders[m] = p
	return p, m.Name, nil
}

// Close shuts down the plugins the engine registered and closes its cache.
// Calling Close twice is a no-op.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if e.ownsRegistry && e.registry != nil {
		errs = append(errs, e.registry.Shutdown(context.Background()))
	}
	if c, ok := e.cache.(io.Closer); ok && e.ownsCache {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
