package plugin

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/ocr"
	"github.com/brunobiangulo/goextract/result"
)

// ----------------------------------------------------------------------------
// Fakes
// ----------------------------------------------------------------------------

type fakeExtractor struct {
	name      string
	types     []string
	priority  int
	initErr   error
	shutdowns int
}

func (f *fakeExtractor) Name() string                 { return f.name }
func (f *fakeExtractor) SupportedMimeTypes() []string { return f.types }
func (f *fakeExtractor) Priority() int                { return f.priority }
func (f *fakeExtractor) Initialize(context.Context) error {
	return f.initErr
}
func (f *fakeExtractor) Shutdown(context.Context) error {
	f.shutdowns++
	return nil
}
func (f *fakeExtractor) Extract(context.Context, []byte, string, *config.ExtractionConfig) (*result.RawContent, error) {
	return &result.RawContent{Content: f.name}, nil
}

type fakeBackend struct {
	mu        sync.Mutex
	name      string
	inits     int
	shutdowns int
}

func (f *fakeBackend) Name() string                 { return f.name }
func (f *fakeBackend) SupportedLanguages() []string { return []string{"eng"} }
func (f *fakeBackend) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return nil
}
func (f *fakeBackend) ProcessImage(context.Context, []byte, ocr.Options) (*ocr.Result, error) {
	return &ocr.Result{Text: "ocr"}, nil
}
func (f *fakeBackend) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

type fakeProcessor struct {
	name  string
	stage Stage
	log   *[]string
	err   error
}

func (f *fakeProcessor) Name() string { return f.name }
func (f *fakeProcessor) Stage() Stage { return f.stage }
func (f *fakeProcessor) Process(_ context.Context, r *result.ExtractionResult, _ *config.ExtractionConfig) error {
	*f.log = append(*f.log, f.name)
	r.Content += "+" + f.name
	return f.err
}

type fakeValidator struct {
	name     string
	priority int
	fail     bool
	calls    int
}

func (f *fakeValidator) Name() string  { return f.name }
func (f *fakeValidator) Priority() int { return f.priority }
func (f *fakeValidator) Validate(_ context.Context, r *result.ExtractionResult, _ *config.ExtractionConfig) (ValidationOutcome, error) {
	f.calls++
	r.Content = "mutated by " + f.name
	if f.fail {
		return Invalid("always fails"), nil
	}
	return Valid, nil
}

func quietLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// ----------------------------------------------------------------------------
// Extractor registry
// ----------------------------------------------------------------------------

func TestRegisterRejectsBadNames(t *testing.T) {
	reg := NewExtractorRegistry(nil)
	for _, name := range []string{"", " pdf", "pdf\n"} {
		err := reg.Register(context.Background(), &fakeExtractor{name: name, types: []string{"application/pdf"}})
		if !errors.Is(err, errcode.ErrInvalidConfig) {
			t.Errorf("name %q: err = %v, want ErrInvalidConfig", name, err)
		}
	}
	err := reg.Register(context.Background(), &fakeExtractor{name: "none"})
	if !errors.Is(err, errcode.ErrInvalidConfig) {
		t.Errorf("no mime types: err = %v", err)
	}
	if len(reg.List()) != 0 {
		t.Errorf("List = %v, want empty", reg.List())
	}
}

func TestRegisterInitFailure(t *testing.T) {
	reg := NewExtractorRegistry(nil)
	err := reg.Register(context.Background(), &fakeExtractor{name: "broken", types: []string{"text/plain"}, initErr: errors.New("no model")})
	var typed *errcode.Error
	if !errors.As(err, &typed) || typed.Plugin != "broken" {
		t.Fatalf("err = %v, want plugin error tagged broken", err)
	}
	if _, ok := reg.Get("broken"); ok {
		t.Error("extractor registered despite init failure")
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	reg := NewExtractorRegistry(nil)
	low := &fakeExtractor{name: "low", types: []string{"application/pdf"}, priority: 10}
	high := &fakeExtractor{name: "high", types: []string{"application/pdf"}, priority: 90}
	first := &fakeExtractor{name: "first", types: []string{"text/plain"}, priority: 50}
	second := &fakeExtractor{name: "second", types: []string{"text/plain"}, priority: 50}
	images := &fakeExtractor{name: "images", types: []string{"image/*"}, priority: 50}
	png := &fakeExtractor{name: "png", types: []string{"image/png"}, priority: 1}
	for _, e := range []*fakeExtractor{low, high, first, second, images, png} {
		if err := reg.Register(ctx, e); err != nil {
			t.Fatalf("Register %s: %v", e.name, err)
		}
	}

	tests := []struct {
		mime string
		want string
	}{
		{"application/pdf", "high"},
		{"text/plain; charset=utf-8", "second"},
		{"TEXT/PLAIN", "second"},
		{"image/png", "png"},
		{"image/tiff", "images"},
	}
	for _, tt := range tests {
		got, err := reg.Resolve(tt.mime)
		if err != nil {
			t.Errorf("Resolve(%q): %v", tt.mime, err)
			continue
		}
		if got.Name() != tt.want {
			t.Errorf("Resolve(%q) = %s, want %s", tt.mime, got.Name(), tt.want)
		}
	}
	if _, err := reg.Resolve("video/mp4"); !errors.Is(err, errcode.ErrUnsupportedFormat) {
		t.Errorf("Resolve(video/mp4) err = %v", err)
	}
}

func TestDuplicateRegistrationReplaces(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	reg := NewExtractorRegistry(quietLogger(&logs))
	old := &fakeExtractor{name: "text", types: []string{"text/plain"}}
	other := &fakeExtractor{name: "other", types: []string{"text/plain"}}
	repl := &fakeExtractor{name: "text", types: []string{"text/plain"}}

	for _, e := range []*fakeExtractor{old, other, repl} {
		if err := reg.Register(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	if old.shutdowns != 1 {
		t.Errorf("old shutdowns = %d, want 1", old.shutdowns)
	}
	if !strings.Contains(logs.String(), "replacing registered plugin") {
		t.Errorf("no warning logged: %q", logs.String())
	}
	if got := reg.List(); !slices.Equal(got, []string{"other", "text"}) {
		t.Errorf("List = %v, want replacement at the end", got)
	}
	// Equal priority: the later registration wins.
	if got, _ := reg.Resolve("text/plain"); got != repl {
		t.Errorf("Resolve = %s, want the replacement", got.Name())
	}
}

func TestUnregisterAndClear(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil)
	if err := reg.Extractors.Unregister(ctx, "missing"); err != nil {
		t.Errorf("Unregister(absent) = %v", err)
	}
	if err := reg.Validators.Clear(ctx); err != nil {
		t.Errorf("Clear(empty) = %v", err)
	}
	e := &fakeExtractor{name: "x", types: []string{"text/plain"}}
	reg.Extractors.Register(ctx, e)
	if err := reg.Extractors.Unregister(ctx, "x"); err != nil || e.shutdowns != 1 {
		t.Errorf("Unregister = %v, shutdowns = %d", err, e.shutdowns)
	}
	if err := reg.Extractors.Unregister(ctx, "x"); err != nil {
		t.Errorf("second Unregister = %v", err)
	}
}

// staticValidator keeps no state, so many pipelines may run it at once.
type staticValidator struct {
	name string
	fail bool
}

func (v staticValidator) Name() string { return v.name }
func (v staticValidator) Validate(context.Context, *result.ExtractionResult, *config.ExtractionConfig) (ValidationOutcome, error) {
	if v.fail {
		return Invalid(v.name + " rejects"), nil
	}
	return Valid, nil
}

func TestConcurrentMutationDuringUse(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ext := &fakeExtractor{name: "text", types: []string{"text/plain"}}
	reject := staticValidator{name: "reject", fail: true}

	const readers, rounds = 8, 200
	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, readers)

	for range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg := config.Default()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got, err := reg.Extractors.Resolve("text/plain")
				switch {
				case err == nil && got.Name() != "text":
					errs <- errors.New("resolved unexpected extractor " + got.Name())
					return
				case err != nil && !errors.Is(err, errcode.ErrUnsupportedFormat):
					errs <- err
					return
				}
				res := &result.ExtractionResult{Content: "x"}
				if err := reg.Validators.Run(ctx, res, &cfg); err != nil && !errors.Is(err, errcode.ErrValidation) {
					errs <- err
					return
				}
				if err := reg.PostProcessors.Run(ctx, res, &cfg); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	for i := range rounds {
		reg.Extractors.Register(ctx, ext)
		reg.Validators.Register(ctx, staticValidator{name: "ok"})
		if i%2 == 0 {
			reg.Validators.Register(ctx, reject)
		}
		reg.Extractors.Unregister(ctx, "text")
		reg.Validators.Unregister(ctx, "reject")
		if i%3 == 0 {
			reg.Extractors.Clear(ctx)
			reg.Validators.Clear(ctx)
		}
	}
	close(stop)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if _, err := reg.Extractors.Resolve("text/plain"); !errors.Is(err, errcode.ErrUnsupportedFormat) {
		t.Errorf("Resolve after removal = %v, want unsupported format", err)
	}
}

// ----------------------------------------------------------------------------
// OCR registry
// ----------------------------------------------------------------------------

func TestOcrLazyInitialization(t *testing.T) {
	ctx := context.Background()
	reg := NewOcrRegistry(nil)
	b := &fakeBackend{name: "tesseract"}
	if err := reg.Register(ctx, b); err != nil {
		t.Fatal(err)
	}
	if b.inits != 0 || reg.Initialized("tesseract") {
		t.Fatal("backend initialized at registration")
	}

	lease, err := reg.Acquire(ctx, "tesseract")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !lease.InitializedHere() || b.inits != 1 {
		t.Errorf("first lease: initializedHere=%v inits=%d", lease.InitializedHere(), b.inits)
	}
	lease.Release()

	again, err := reg.Acquire(ctx, "tesseract")
	if err != nil {
		t.Fatal(err)
	}
	if again.InitializedHere() || b.inits != 1 {
		t.Errorf("second lease re-initialized: inits=%d", b.inits)
	}
	again.Release()

	if err := reg.Unregister(ctx, "tesseract"); err != nil {
		t.Fatal(err)
	}
	if b.shutdowns != 1 {
		t.Errorf("shutdowns = %d, want 1", b.shutdowns)
	}
}

func TestOcrAbortReleasesLazyInit(t *testing.T) {
	ctx := context.Background()
	reg := NewOcrRegistry(nil)
	b := &fakeBackend{name: "vision"}
	reg.Register(ctx, b)

	lease, err := reg.Acquire(ctx, "vision")
	if err != nil {
		t.Fatal(err)
	}
	if err := lease.Abort(ctx); err != nil {
		t.Fatal(err)
	}
	if b.shutdowns != 1 || reg.Initialized("vision") {
		t.Errorf("after abort: shutdowns=%d initialized=%v", b.shutdowns, reg.Initialized("vision"))
	}
	// A later extraction initializes it again.
	lease, _ = reg.Acquire(ctx, "vision")
	if !lease.InitializedHere() || b.inits != 2 {
		t.Errorf("re-acquire: initializedHere=%v inits=%d", lease.InitializedHere(), b.inits)
	}
	lease.Release()
}

func TestOcrAbortKeepsSharedBackend(t *testing.T) {
	ctx := context.Background()
	reg := NewOcrRegistry(nil)
	b := &fakeBackend{name: "tesseract"}
	reg.Register(ctx, b)

	first, _ := reg.Acquire(ctx, "tesseract")
	second, _ := reg.Acquire(ctx, "tesseract")
	first.Abort(ctx)
	if b.shutdowns != 0 || !reg.Initialized("tesseract") {
		t.Error("abort shut down a backend still leased by another extraction")
	}
	second.Release()
}

func TestOcrAcquireUnknown(t *testing.T) {
	reg := NewOcrRegistry(nil)
	_, err := reg.Acquire(context.Background(), "nope")
	if errcode.CodeOf(err) != errcode.MissingDependency {
		t.Errorf("err = %v, want missing dependency", err)
	}
}

// ----------------------------------------------------------------------------
// Post-processors and validators
// ----------------------------------------------------------------------------

func TestPostProcessorOrder(t *testing.T) {
	ctx := context.Background()
	reg := NewPostProcessorRegistry(nil)
	var calls []string
	for _, p := range []*fakeProcessor{
		{name: "late", stage: Late, log: &calls},
		{name: "mid-a", stage: Middle, log: &calls},
		{name: "early", stage: Early, log: &calls},
		{name: "mid-b", stage: Middle, log: &calls},
	} {
		if err := reg.Register(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"early", "mid-a", "mid-b", "late"}
	if got := reg.List(); !slices.Equal(got, want) {
		t.Errorf("List = %v, want %v", got, want)
	}

	cfg := config.Default()
	cfg.PostProcessor = &config.PostProcessorConfig{DisabledProcessors: []string{"mid-b"}}
	res := &result.ExtractionResult{}
	if err := reg.Run(ctx, res, &cfg); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(calls, []string{"early", "mid-a", "late"}) {
		t.Errorf("calls = %v", calls)
	}
	if res.Content != "+early+mid-a+late" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestPostProcessorFailureAborts(t *testing.T) {
	ctx := context.Background()
	reg := NewPostProcessorRegistry(nil)
	var calls []string
	reg.Register(ctx, &fakeProcessor{name: "bad", stage: Early, log: &calls, err: errors.New("boom")})
	reg.Register(ctx, &fakeProcessor{name: "next", stage: Late, log: &calls})

	cfg := config.Default()
	err := reg.Run(ctx, &result.ExtractionResult{}, &cfg)
	var typed *errcode.Error
	if !errors.As(err, &typed) || typed.Plugin != "bad" {
		t.Fatalf("err = %v, want error tagged bad", err)
	}
	if slices.Contains(calls, "next") {
		t.Error("processor after the failure ran")
	}
}

func TestValidatorFailFastByPriority(t *testing.T) {
	ctx := context.Background()
	reg := NewValidatorRegistry(nil)
	strict := &fakeValidator{name: "strict", priority: 100, fail: true}
	lenient := &fakeValidator{name: "lenient", priority: 50}
	reg.Register(ctx, lenient)
	reg.Register(ctx, strict)

	if got := reg.List(); !slices.Equal(got, []string{"strict", "lenient"}) {
		t.Errorf("List = %v", got)
	}
	cfg := config.Default()
	res := &result.ExtractionResult{Content: "original"}
	err := reg.Run(ctx, res, &cfg)
	if !errors.Is(err, errcode.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if strict.calls != 1 || lenient.calls != 0 {
		t.Errorf("calls strict=%d lenient=%d, want 1 and 0", strict.calls, lenient.calls)
	}
	if res.Content != "original" {
		t.Errorf("validator mutated the result: %q", res.Content)
	}
}

func TestValidatorDefaultPriorityTies(t *testing.T) {
	ctx := context.Background()
	reg := NewValidatorRegistry(nil)
	a := &fakeValidator{name: "a", priority: DefaultPriority}
	b := &fakeValidator{name: "b", priority: DefaultPriority}
	reg.Register(ctx, a)
	reg.Register(ctx, b)
	if got := reg.List(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("List = %v, want registration order", got)
	}
}

// ----------------------------------------------------------------------------
// Registry and panic capture
// ----------------------------------------------------------------------------

func TestCallRecoversPanic(t *testing.T) {
	err := Call("explosive", func() error {
		var m map[string]int
		m["x"] = 1
		return nil
	})
	var typed *errcode.Error
	if !errors.As(err, &typed) || typed.Panic == nil {
		t.Fatalf("err = %v, want panic error", err)
	}
	if typed.Code() != errcode.Panic || typed.Plugin != "explosive" {
		t.Errorf("code=%v plugin=%q", typed.Code(), typed.Plugin)
	}
}

func TestFingerprintTracksRegistrations(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil)
	empty := reg.Fingerprint()
	reg.Extractors.Register(ctx, &fakeExtractor{name: "x", types: []string{"text/plain"}})
	withX := reg.Fingerprint()
	if withX == empty {
		t.Error("fingerprint unchanged after registration")
	}
	if reg.Fingerprint() != withX {
		t.Error("fingerprint not stable")
	}
	other := NewRegistry(nil)
	other.Extractors.Register(ctx, &fakeExtractor{name: "x", types: []string{"text/plain"}})
	if other.Fingerprint() != withX {
		t.Error("equal registries have different fingerprints")
	}
	reg.Validators.Register(ctx, &fakeValidator{name: "v"})
	if reg.Fingerprint() == withX {
		t.Error("fingerprint unchanged after validator registration")
	}
}

func TestShutdownAndDescribe(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil)
	e := &fakeExtractor{name: "x", types: []string{"text/plain"}}
	reg.Extractors.Register(ctx, e)
	reg.OCR.Register(ctx, &fakeBackend{name: "tesseract"})
	var calls []string
	reg.PostProcessors.Register(ctx, &fakeProcessor{name: "p", stage: Early, log: &calls})

	infos := reg.Describe()
	if len(infos) != 3 || infos[0].Kind != "extractor" || infos[2].Stage != "early" {
		t.Errorf("Describe = %+v", infos)
	}
	if err := reg.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if e.shutdowns != 1 || len(reg.Extractors.List()) != 0 {
		t.Errorf("after Shutdown: shutdowns=%d list=%v", e.shutdowns, reg.Extractors.List())
	}
}
