// Package errcode defines the error taxonomy shared by every stage of the
// extraction pipeline and the stable numeric codes exposed to callers.
package errcode

import (
	"errors"
	"fmt"
	"strings"
)

// Code is the numeric error code exposed across process boundaries.
// Values are part of the public contract and never change.
type Code int

const (
	Success Code = iota
	GenericError
	Panic
	InvalidArgument
	IoError
	ParsingError
	OcrError
	MissingDependency
)

var codeInfo = [...]struct {
	name string
	desc string
}{
	Success:           {"SUCCESS", "Operation completed successfully"},
	GenericError:      {"GENERIC_ERROR", "An unspecified error occurred"},
	Panic:             {"PANIC", "An unexpected internal fault was recovered"},
	InvalidArgument:   {"INVALID_ARGUMENT", "An argument, format or configuration value was rejected"},
	IoError:           {"IO_ERROR", "Reading or writing input failed"},
	ParsingError:      {"PARSING_ERROR", "The document could not be parsed"},
	OcrError:          {"OCR_ERROR", "Optical character recognition failed"},
	MissingDependency: {"MISSING_DEPENDENCY", "A required external tool or model is not available"},
}

// Name returns the fixed upper-case name of the code.
func (c Code) Name() string {
	if c < 0 || int(c) >= len(codeInfo) {
		return "UNKNOWN"
	}
	return codeInfo[c].name
}

// Description returns the fixed human-readable description of the code.
func (c Code) Description() string {
	if c < 0 || int(c) >= len(codeInfo) {
		return "Unknown error code"
	}
	return codeInfo[c].desc
}

func (c Code) String() string { return c.Name() }

// Codes lists every defined code in numeric order.
func Codes() []Code {
	out := make([]Code, len(codeInfo))
	for i := range codeInfo {
		out[i] = Code(i)
	}
	return out
}

// Error kinds. Match with errors.Is.
var (
	ErrUnsupportedFormat = errors.New("goextract: unsupported format")
	ErrParsing           = errors.New("goextract: parsing failed")
	ErrOcr               = errors.New("goextract: ocr failed")
	ErrMissingDependency = errors.New("goextract: missing dependency")
	ErrValidation        = errors.New("goextract: validation failed")
	ErrPlugin            = errors.New("goextract: plugin error")
	ErrIo                = errors.New("goextract: io error")
	ErrPanic             = errors.New("goextract: internal panic")
	ErrInvalidConfig     = errors.New("goextract: invalid configuration")
)

// Error is the single typed error returned by the pipeline. Kind is one of
// the sentinels above; Err is the underlying cause, if any.
type Error struct {
	Kind     error
	Plugin   string
	Messages []string
	Err      error
	Panic    *PanicContext
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("goextract: error")
	}
	if e.Plugin != "" {
		fmt.Fprintf(&b, " [%s]", e.Plugin)
	}
	if len(e.Messages) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Messages, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Code returns the numeric code for the error's kind.
func (e *Error) Code() Code {
	if e.Kind == nil {
		return CodeOf(e.Err)
	}
	return kindCode(e.Kind)
}

// New returns an *Error of the given kind with a formatted message.
func New(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Messages: []string{fmt.Sprintf(format, args...)}}
}

// Wrap returns an *Error of the given kind around err. A nil err yields nil.
func Wrap(kind error, err error, msg string) error {
	if err == nil {
		return nil
	}
	e := &Error{Kind: kind, Err: err}
	if msg != "" {
		e.Messages = []string{msg}
	}
	return e
}

// PluginErr tags err with the plugin that produced it. When the plugin
// already returned a typed kind (for example ErrOcr), that kind is kept;
// otherwise the error becomes ErrPlugin.
func PluginErr(name string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		if typed.Plugin == "" {
			cp := *typed
			cp.Plugin = name
			return &cp
		}
		return err
	}
	kind := ErrPlugin
	for _, k := range kinds {
		if errors.Is(err, k) {
			kind = k
			break
		}
	}
	return &Error{Kind: kind, Plugin: name, Err: err}
}

// Validation returns the error for a validator that rejected a result.
func Validation(name string, messages []string) error {
	if len(messages) == 0 {
		messages = []string{"result rejected"}
	}
	return &Error{Kind: ErrValidation, Plugin: name, Messages: messages}
}

var kinds = []error{
	ErrUnsupportedFormat, ErrParsing, ErrOcr, ErrMissingDependency,
	ErrValidation, ErrPlugin, ErrIo, ErrPanic, ErrInvalidConfig,
}

func kindCode(kind error) Code {
	switch kind {
	case ErrUnsupportedFormat, ErrValidation, ErrInvalidConfig:
		return InvalidArgument
	case ErrIo:
		return IoError
	case ErrParsing:
		return ParsingError
	case ErrOcr:
		return OcrError
	case ErrMissingDependency:
		return MissingDependency
	case ErrPanic:
		return Panic
	default:
		return GenericError
	}
}

// CodeOf maps any error to its numeric code.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var typed *Error
	if errors.As(err, &typed) && typed.Kind != nil {
		return kindCode(typed.Kind)
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return kindCode(k)
		}
	}
	return GenericError
}
