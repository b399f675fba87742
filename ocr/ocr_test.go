package ocr

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"slices"
	"strings"
	"testing"

	"github.com/brunobiangulo/goextract/config"
	"github.com/brunobiangulo/goextract/errcode"
	"github.com/brunobiangulo/goextract/llm"
)

const sampleTSV = "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
	"1\t1\t0\t0\t0\t0\t0\t0\t200\t100\t-1\t\n" +
	"5\t1\t1\t1\t1\t1\t10\t10\t40\t12\t96.5\tHello\n" +
	"5\t1\t1\t1\t1\t2\t55\t10\t50\t12\t91.5\tworld\n" +
	"5\t1\t1\t1\t2\t1\t10\t30\t30\t12\t90\tline\n" +
	"5\t1\t2\t1\t1\t1\t10\t60\t60\t12\t82\tparagraph\n"

func TestParseTSV(t *testing.T) {
	res, err := ParseTSV([]byte(sampleTSV))
	if err != nil {
		t.Fatalf("ParseTSV: %v", err)
	}
	want := "Hello world\nline\n\nparagraph"
	if res.Text != want {
		t.Errorf("text = %q, want %q", res.Text, want)
	}
	if len(res.Blocks) != 4 {
		t.Fatalf("blocks = %d, want 4", len(res.Blocks))
	}
	if b := res.Blocks[1]; b.Region.X != 55 || b.Line != 1 || math.Abs(b.Confidence-0.915) > 1e-9 {
		t.Errorf("block 1 = %+v", b)
	}
	if res.Blocks[3].Line != 3 {
		t.Errorf("paragraph line = %d, want 3", res.Blocks[3].Line)
	}
	if math.Abs(res.Confidence-0.9) > 1e-9 {
		t.Errorf("confidence = %v", res.Confidence)
	}
}

func TestParseTSVBadNumber(t *testing.T) {
	bad := "5\t1\t1\t1\t1\t1\tx\t10\t40\t12\t96\tword\n"
	if _, err := ParseTSV([]byte(bad)); err == nil {
		t.Error("expected error for non-numeric column")
	}
}

func TestOptionsFrom(t *testing.T) {
	cfg := &config.OcrConfig{
		Backend:   "tesseract",
		Language:  "eng+deu",
		Tesseract: &config.TesseractConfig{PSM: 6, OEM: 1, CharWhitelist: "0123456789", DPI: 300},
	}
	o := OptionsFrom(cfg)
	if o.PSM != 6 || o.OEM != 1 || o.DPI != 300 || o.CharWhitelist != "0123456789" {
		t.Errorf("options = %+v", o)
	}
	if got := o.Languages(); !slices.Equal(got, []string{"eng", "deu"}) {
		t.Errorf("languages = %v", got)
	}
	if OptionsFrom(nil).Language != "eng" {
		t.Error("nil config should default to eng")
	}
}

func TestTesseractArgs(t *testing.T) {
	cli := &TesseractCLI{TessdataDir: "/td"}
	got := cli.Args(Options{Language: "eng", PSM: 6, DPI: 300, CharWhitelist: "ab", Variables: map[string]string{"z": "1", "a": "2"}})
	want := []string{"stdin", "stdout", "-l", "eng", "--psm", "6", "--dpi", "300", "--tessdata-dir", "/td",
		"-c", "tessedit_char_whitelist=ab", "-c", "a=2", "-c", "z=1", "tsv"}
	if !slices.Equal(got, want) {
		t.Errorf("args =\n%v\nwant\n%v", got, want)
	}
}

// ----------------------------------------------------------------------------
// Fakes
// ----------------------------------------------------------------------------

type fakeRunner struct {
	stdout []byte
	err    error
	calls  [][]string
	stdin  []byte
}

func (f *fakeRunner) Run(_ context.Context, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if slices.Contains(args, "--list-langs") {
		return []byte("List of available languages (2):\neng\ndeu\n"), nil, nil
	}
	f.stdin = stdin
	return f.stdout, []byte("boom"), f.err
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	img.Set(1, 1, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestTesseractCLIProcessImage(t *testing.T) {
	run := &fakeRunner{stdout: []byte(sampleTSV)}
	cli := &TesseractCLI{Runner: run, LookPath: func(string) (string, error) { return "/usr/bin/tesseract", nil }}
	if err := cli.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := cli.SupportedLanguages(); !slices.Equal(got, []string{"deu", "eng"}) {
		t.Errorf("languages = %v", got)
	}

	img := pngBytes(t, 20, 10)
	res, err := cli.ProcessImage(context.Background(), img, Options{Language: "eng"})
	if err != nil {
		t.Fatalf("ProcessImage: %v", err)
	}
	if !strings.HasPrefix(res.Text, "Hello world") || res.Width != 20 || res.Height != 10 {
		t.Errorf("result = %+v", res)
	}
	if !bytes.Equal(run.stdin, img) {
		t.Error("image was not piped on stdin")
	}
	if last := run.calls[len(run.calls)-1]; last[0] != "/usr/bin/tesseract" {
		t.Errorf("binary = %q", last[0])
	}
}

func TestTesseractCLIErrors(t *testing.T) {
	cli := &TesseractCLI{LookPath: func(string) (string, error) { return "", errors.New("not found") }}
	err := cli.Initialize(context.Background())
	if errcode.CodeOf(err) != errcode.MissingDependency {
		t.Errorf("Initialize err = %v, want missing dependency", err)
	}

	cli = &TesseractCLI{Runner: &fakeRunner{err: errors.New("exit status 1")}}
	_, err = cli.ProcessImage(context.Background(), []byte{1}, Options{})
	if !errors.Is(err, errcode.ErrOcr) {
		t.Errorf("ProcessImage err = %v, want ErrOcr", err)
	}
	if _, err := cli.ProcessImage(context.Background(), nil, Options{}); !errors.Is(err, errcode.ErrOcr) {
		t.Errorf("empty image err = %v", err)
	}
}

type fakeVision struct {
	llm.Provider
	req llm.VisionChatRequest
	out string
}

func (f *fakeVision) ChatWithImages(_ context.Context, req llm.VisionChatRequest) (*llm.ChatResponse, error) {
	f.req = req
	return &llm.ChatResponse{Content: f.out}, nil
}

func TestVisionProcessImage(t *testing.T) {
	fv := &fakeVision{out: "  Invoice 42\n"}
	v := NewVision(fv, "llava")
	if err := v.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, err := v.ProcessImage(context.Background(), pngBytes(t, 4, 4), Options{Language: "eng"})
	if err != nil {
		t.Fatalf("ProcessImage: %v", err)
	}
	if res.Text != "Invoice 42" {
		t.Errorf("text = %q", res.Text)
	}
	url := fv.req.Messages[0].Content[1].ImageURL.URL
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Errorf("image url = %.40s", url)
	}
	if fv.req.Model != "llava" {
		t.Errorf("model = %q", fv.req.Model)
	}

	if _, err := v.ProcessImage(context.Background(), []byte("plain text"), Options{}); !errors.Is(err, errcode.ErrOcr) {
		t.Errorf("non-image err = %v", err)
	}
	if err := (&Vision{}).Initialize(context.Background()); !errors.Is(err, errcode.ErrMissingDependency) {
		t.Errorf("no provider err = %v", err)
	}
}
