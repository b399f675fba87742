package ocr

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/brunobiangulo/goextract/errcode"
)

// Runner runs an external command with stdin. It exists so tests can stub
// the tesseract binary.
type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if err != nil {
		slog.Error("ocr: exec failed",
			"cmd", name,
			"args", strings.Join(args, " "),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
			"stderr", truncate(errb.String(), 8<<10),
		)
	} else {
		slog.Debug("ocr: exec ok",
			"cmd", name,
			"duration_ms", time.Since(start).Milliseconds(),
			"stdout_bytes", out.Len(),
		)
	}
	return out.Bytes(), errb.Bytes(), err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// TesseractCLI is the "tesseract" backend. It pipes the image to the
// tesseract binary and parses its TSV output.
type TesseractCLI struct {
	// Binary is the executable name or path, "tesseract" when empty.
	Binary string
	// TessdataDir overrides the traineddata location.
	TessdataDir string
	Runner      Runner
	LookPath    func(string) (string, error)

	mu    sync.Mutex
	path  string
	langs []string
}

// NewTesseractCLI returns a backend using the system tesseract binary.
func NewTesseractCLI() *TesseractCLI {
	return &TesseractCLI{Binary: "tesseract", Runner: ExecRunner{}, LookPath: exec.LookPath}
}

func (t *TesseractCLI) Name() string { return "tesseract" }

func (t *TesseractCLI) binary() string {
	if t.Binary == "" {
		return "tesseract"
	}
	return t.Binary
}

// Initialize checks that the binary exists and reads the installed
// languages.
func (t *TesseractCLI) Initialize(ctx context.Context) error {
	lookPath := t.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	path, err := lookPath(t.binary())
	if err != nil {
		return errcode.Wrap(errcode.ErrMissingDependency, err, "tesseract binary not found")
	}
	langs, err := t.listLanguages(ctx, path)
	if err != nil {
		slog.Warn("ocr: could not list tesseract languages", "error", err)
	}
	t.mu.Lock()
	t.path, t.langs = path, langs
	t.mu.Unlock()
	slog.Info("ocr: tesseract ready", "path", path, "languages", len(langs))
	return nil
}

func (t *TesseractCLI) listLanguages(ctx context.Context, path string) ([]string, error) {
	out, _, err := t.runner().Run(ctx, nil, path, "--list-langs")
	if err != nil {
		return nil, err
	}
	var langs []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		// The first line is a header like "List of available languages (3):".
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}
		langs = append(langs, line)
	}
	slices.Sort(langs)
	return langs, sc.Err()
}

// SupportedLanguages returns the languages found at Initialize.
func (t *TesseractCLI) SupportedLanguages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.langs)
}

func (t *TesseractCLI) runner() Runner {
	if t.Runner == nil {
		return ExecRunner{}
	}
	return t.Runner
}

// Args returns the command line for one recognition.
func (t *TesseractCLI) Args(opts Options) []string {
	args := []string{"stdin", "stdout"}
	if opts.Language != "" {
		args = append(args, "-l", opts.Language)
	}
	if opts.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(opts.PSM))
	}
	if opts.OEM > 0 {
		args = append(args, "--oem", strconv.Itoa(opts.OEM))
	}
	if opts.DPI > 0 {
		args = append(args, "--dpi", strconv.Itoa(opts.DPI))
	}
	if t.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.TessdataDir)
	}
	if opts.CharWhitelist != "" {
		args = append(args, "-c", "tessedit_char_whitelist="+opts.CharWhitelist)
	}
	keys := make([]string, 0, len(opts.Variables))
	for k := range opts.Variables {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		args = append(args, "-c", k+"="+opts.Variables[k])
	}
	return append(args, "tsv")
}

// ProcessImage recognizes one encoded image.
func (t *TesseractCLI) ProcessImage(ctx context.Context, img []byte, opts Options) (*Result, error) {
	if len(img) == 0 {
		return nil, errcode.New(errcode.ErrOcr, "empty image")
	}
	t.mu.Lock()
	path := t.path
	t.mu.Unlock()
	if path == "" {
		path = t.binary()
	}

	out, errb, err := t.runner().Run(ctx, img, path, t.Args(opts)...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errcode.Wrap(errcode.ErrOcr, err, strings.TrimSpace(truncate(string(errb), 512)))
	}
	res, err := ParseTSV(out)
	if err != nil {
		return nil, errcode.Wrap(errcode.ErrOcr, err, "parse tesseract output")
	}
	res.Language = opts.Language
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(img)); err == nil {
		res.Width, res.Height = cfg.Width, cfg.Height
	}
	return res, nil
}

// Shutdown releases nothing; the binary runs per call.
func (t *TesseractCLI) Shutdown(context.Context) error {
	t.mu.Lock()
	t.path, t.langs = "", nil
	t.mu.Unlock()
	return nil
}

const tsvColumns = 12

// ParseTSV parses tesseract TSV output into word blocks. Words of the same
// block, paragraph and line are joined by spaces, lines by newlines and
// paragraphs by blank lines.
func ParseTSV(data []byte) (*Result, error) {
	type lineKey struct{ page, block, par, line int }

	res := &Result{}
	var b strings.Builder
	var prev lineKey
	lineNo := 0
	first := true

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for row := 0; sc.Scan(); row++ {
		cols := strings.Split(sc.Text(), "\t")
		if row == 0 && len(cols) > 0 && cols[0] == "level" {
			continue
		}
		if len(cols) < tsvColumns {
			continue
		}
		if cols[0] != "5" {
			continue
		}
		text := strings.TrimSpace(strings.Join(cols[11:], "\t"))
		if text == "" {
			continue
		}
		nums := make([]int, 10)
		for i := range nums {
			n, err := strconv.Atoi(cols[i])
			if err != nil {
				return nil, fmt.Errorf("row %d column %d: %w", row, i, err)
			}
			nums[i] = n
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d confidence: %w", row, err)
		}
		key := lineKey{nums[1], nums[2], nums[3], nums[4]}
		switch {
		case first:
			lineNo = 1
		case key.page != prev.page || key.block != prev.block || key.par != prev.par:
			b.WriteString("\n\n")
			lineNo++
		case key.line != prev.line:
			b.WriteString("\n")
			lineNo++
		default:
			b.WriteString(" ")
		}
		first = false
		prev = key
		b.WriteString(text)

		if conf >= 0 {
			conf /= 100
		}
		res.Blocks = append(res.Blocks, Block{
			Text:       text,
			Region:     Region{X: float64(nums[6]), Y: float64(nums[7]), Width: float64(nums[8]), Height: float64(nums[9])},
			Confidence: conf,
			Line:       lineNo,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	res.Text = b.String()
	res.Confidence = MeanConfidence(res.Blocks)
	return res, nil
}
