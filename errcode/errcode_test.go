package errcode

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestCodeNamesAreStable(t *testing.T) {
	tests := []struct {
		code Code
		num  int
		name string
	}{
		{Success, 0, "SUCCESS"},
		{GenericError, 1, "GENERIC_ERROR"},
		{Panic, 2, "PANIC"},
		{InvalidArgument, 3, "INVALID_ARGUMENT"},
		{IoError, 4, "IO_ERROR"},
		{ParsingError, 5, "PARSING_ERROR"},
		{OcrError, 6, "OCR_ERROR"},
		{MissingDependency, 7, "MISSING_DEPENDENCY"},
	}
	for _, tt := range tests {
		if int(tt.code) != tt.num {
			t.Errorf("%s = %d, want %d", tt.name, int(tt.code), tt.num)
		}
		if tt.code.Name() != tt.name {
			t.Errorf("Code(%d).Name() = %q, want %q", tt.num, tt.code.Name(), tt.name)
		}
		if tt.code.Description() == "" {
			t.Errorf("Code(%d) has empty description", tt.num)
		}
	}
	if len(Codes()) != 8 {
		t.Errorf("Codes() len = %d, want 8", len(Codes()))
	}
	if Code(42).Name() != "UNKNOWN" {
		t.Errorf("out-of-range code name = %q", Code(42).Name())
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, Success},
		{"plain", errors.New("boom"), GenericError},
		{"unsupported", New(ErrUnsupportedFormat, "video/mp4"), InvalidArgument},
		{"validation", Validation("v", []string{"bad"}), InvalidArgument},
		{"io", Wrap(ErrIo, io.ErrUnexpectedEOF, "read"), IoError},
		{"parsing", New(ErrParsing, "bad xref"), ParsingError},
		{"ocr", New(ErrOcr, "engine died"), OcrError},
		{"missing", New(ErrMissingDependency, "tesseract"), MissingDependency},
		{"panic", FromPanic("x", "oops"), Panic},
		{"plugin", PluginErr("p", errors.New("x")), GenericError},
		{"wrapped sentinel", fmt.Errorf("ctx: %w", ErrParsing), ParsingError},
		{"wrapped typed", fmt.Errorf("ctx: %w", New(ErrOcr, "x")), OcrError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorUnwrapsKindAndCause(t *testing.T) {
	err := Wrap(ErrParsing, io.ErrUnexpectedEOF, "page 3")
	if !errors.Is(err, ErrParsing) {
		t.Error("errors.Is(err, ErrParsing) = false")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("errors.Is(err, io.ErrUnexpectedEOF) = false")
	}
	if Wrap(ErrParsing, nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestPluginErrKeepsTypedKind(t *testing.T) {
	err := PluginErr("tesseract", New(ErrOcr, "no engine"))
	var typed *Error
	if !errors.As(err, &typed) {
		t.Fatal("expected *Error")
	}
	if typed.Kind != ErrOcr {
		t.Errorf("kind = %v, want ErrOcr", typed.Kind)
	}
	if typed.Plugin != "tesseract" {
		t.Errorf("plugin = %q, want tesseract", typed.Plugin)
	}

	plain := PluginErr("upper", errors.New("bad input"))
	if !errors.Is(plain, ErrPlugin) {
		t.Error("untyped plugin failure should be ErrPlugin")
	}
	if !strings.Contains(plain.Error(), "[upper]") {
		t.Errorf("error %q does not name the plugin", plain.Error())
	}
}

func TestValidationMessagesAggregate(t *testing.T) {
	err := Validation("length", []string{"too short", "no title"})
	msg := err.Error()
	if !strings.Contains(msg, "too short; no title") {
		t.Errorf("message = %q", msg)
	}
}

//go:noinline
func panicker() {
	panic("nil map in fixture")
}

func TestCapturePanic(t *testing.T) {
	var pc *PanicContext
	func() {
		defer func() {
			if r := recover(); r != nil {
				pc = CapturePanic(r)
			}
		}()
		panicker()
	}()
	if pc == nil {
		t.Fatal("expected panic context")
	}
	if !strings.HasSuffix(pc.Function, "panicker") {
		t.Errorf("function = %q, want suffix panicker", pc.Function)
	}
	if !strings.HasSuffix(pc.File, "errcode_test.go") {
		t.Errorf("file = %q", pc.File)
	}
	if pc.Line == 0 || pc.Timestamp.IsZero() {
		t.Errorf("incomplete context: %+v", pc)
	}
	if !strings.Contains(pc.Message, "nil map") {
		t.Errorf("message = %q", pc.Message)
	}
}
