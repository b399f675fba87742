package errcode

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// PanicContext describes where an unexpected internal fault happened.
type PanicContext struct {
	File      string    `json:"file"`
	Line      int       `json:"line"`
	Function  string    `json:"function"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (p *PanicContext) String() string {
	if p == nil {
		return "<no panic>"
	}
	return fmt.Sprintf("panic at %s:%d in %s: %s", p.File, p.Line, p.Function, p.Message)
}

// CapturePanic builds a PanicContext for a recovered value. It must be called
// from the deferred function that called recover so the panicking frame is
// still on the stack.
func CapturePanic(recovered any) *PanicContext {
	pc := &PanicContext{
		Message:   fmt.Sprint(recovered),
		Timestamp: time.Now().UTC(),
	}
	if err, ok := recovered.(error); ok {
		pc.Message = err.Error()
	}

	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	// The faulting frame is the first one after runtime.gopanic that is not
	// itself part of the runtime.
	afterPanic := false
	for {
		f, more := frames.Next()
		switch {
		case f.Function == "runtime.gopanic":
			afterPanic = true
		case afterPanic && !isRuntimeFrame(f.Function):
			pc.File, pc.Line, pc.Function = f.File, f.Line, f.Function
			return pc
		}
		if !more {
			break
		}
	}
	pc.File, pc.Function = "unknown", "unknown"
	return pc
}

// FromPanic converts a recovered value into a typed Panic error carrying its
// context.
func FromPanic(plugin string, recovered any) *Error {
	pc := CapturePanic(recovered)
	return &Error{Kind: ErrPanic, Plugin: plugin, Messages: []string{pc.Message}, Panic: pc}
}

func isRuntimeFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") || strings.HasPrefix(fn, "internal/runtime")
}
