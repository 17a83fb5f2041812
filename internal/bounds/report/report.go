// Package report defines the bounds violation taxonomy and how violations
// are printed and acted upon.
//
// Internal code never crashes on its own: every detected violation is
// returned as a *Violation, and the runtime hands it to a Handler. The
// default handler panics with the typed violation as payload so tests can
// recover it; the process-wide facade installs Abort, which prints the
// report and exits, preserving the "fail loud, never continue" contract.
package report

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/fatih/color"

	"github.com/kolkov/boundscheck/internal/bounds/addr"
	"github.com/kolkov/boundscheck/internal/bounds/regiontable"
)

// ExitCode is the process exit status used by Abort, the same status the Go
// race detector uses for detected races.
const ExitCode = 66

// maxStackDepth is the maximum number of frames captured for a violation.
const maxStackDepth = 32

// Kind is the violation taxonomy.
type Kind int

const (
	// OutOfBounds: pointer arithmetic or indirection left its region.
	OutOfBounds Kind = iota
	// InvalidFree: deallocation of a pointer that is not a live region start.
	InvalidFree
	// Overlap: checked copy between overlapping ranges.
	Overlap
	// AllocationFailure: the host allocator refused the padded request.
	AllocationFailure
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case OutOfBounds:
		return "out of bounds"
	case InvalidFree:
		return "invalid free"
	case Overlap:
		return "overlapping copy"
	case AllocationFailure:
		return "allocation failure"
	default:
		return "unknown"
	}
}

// Violation describes a single detected bounds violation.
//
// Thread Safety: Immutable after creation, safe for concurrent use.
type Violation struct {
	Kind Kind

	// Op is the entry point that detected the violation ("free", "memcpy").
	Op string

	// Addr is the offending address; Size the length of the access.
	Addr addr.Address
	Size uint64

	// Other is the second operand of two-address operations (memcpy source).
	Other addr.Address

	// Region is what Addr resolved to: a live region, or a sentinel.
	Region regiontable.Region

	// Message is an optional human-readable detail.
	Message string

	// Stack is where the violation was detected. AllocStack and FreeStack
	// are the allocation and previous free sites of the block, when known.
	Stack      []uintptr
	AllocStack []uintptr
	FreeStack  []uintptr

	// RuntimeID identifies the runtime instance that detected it.
	RuntimeID string

	// Cause is the underlying error, if any.
	Cause error
}

// New creates a violation and captures the caller's stack.
//
// Parameters:
//   - kind: Taxonomy case
//   - op: Name of the detecting entry point
//   - a: Offending address
//
// Returns a violation whose remaining fields the caller fills in.
func New(kind Kind, op string, a addr.Address) *Violation {
	return &Violation{
		Kind:   kind,
		Op:     op,
		Addr:   a,
		Region: regiontable.Empty,
		// runtime.Callers, captureStackTrace, New.
		Stack: captureStackTrace(3),
	}
}

// Error implements the error interface.
//
// Format: kind in op at addr: message
func (v *Violation) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s in %s at %v", v.Kind, v.Op, v.Addr)
	if v.Size > 0 {
		fmt.Fprintf(&b, " (%d bytes)", v.Size)
	}
	if v.Message != "" {
		b.WriteString(": ")
		b.WriteString(v.Message)
	}
	if v.Cause != nil {
		b.WriteString(": ")
		b.WriteString(v.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As.
func (v *Violation) Unwrap() error {
	return v.Cause
}

// Format writes the full diagnostic report:
//
//	==================
//	ERROR: BOUNDS CHECK: invalid free
//	free of 0x00001000 (runtime 6f0c...):
//	  main.release()
//	      /path/to/main.go:42
//
//	Region: <empty>
//	Allocated at:
//	  ...
//	Previously freed at:
//	  ...
//	==================
//
//nolint:errcheck // Error handling omitted for stderr output formatting
func (v *Violation) Format(w io.Writer) {
	fmt.Fprintf(w, "==================\n")
	header := color.New(color.FgRed, color.Bold)
	header.Fprintf(w, "ERROR: BOUNDS CHECK: %s\n", v.Kind)

	fmt.Fprintf(w, "%s of 0x%08x", v.Op, uint64(v.Addr))
	if v.Size > 0 {
		fmt.Fprintf(w, " size %d", v.Size)
	}
	if v.Kind == Overlap {
		fmt.Fprintf(w, " and 0x%08x", uint64(v.Other))
	}
	if v.RuntimeID != "" {
		fmt.Fprintf(w, " (runtime %s)", v.RuntimeID)
	}
	fmt.Fprintf(w, ":\n")
	fmt.Fprint(w, formatStackTrace(v.Stack))

	if v.Message != "" || v.Cause != nil {
		fmt.Fprintf(w, "\n")
		if v.Message != "" {
			fmt.Fprintf(w, "%s\n", v.Message)
		}
		if v.Cause != nil {
			fmt.Fprintf(w, "cause: %v\n", v.Cause)
		}
	}

	fmt.Fprintf(w, "\nRegion: %v\n", v.Region)
	if len(v.AllocStack) > 0 {
		fmt.Fprintf(w, "Allocated at:\n")
		fmt.Fprint(w, formatStackTrace(v.AllocStack))
	}
	if len(v.FreeStack) > 0 {
		fmt.Fprintf(w, "Previously freed at:\n")
		fmt.Fprint(w, formatStackTrace(v.FreeStack))
	}
	fmt.Fprintf(w, "==================\n")
}

// String returns the formatted report. Useful for testing and logging.
func (v *Violation) String() string {
	var buf strings.Builder
	v.Format(&buf)
	return buf.String()
}

// captureStackTrace captures the current call stack, skipping skip frames
// (runtime.Callers itself counts as one).
func captureStackTrace(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip, pcs)
	return pcs[:n]
}

// formatStackTrace formats a stack for a report, dropping the runtime's own
// frames so the first frame shown is the instrumented caller:
//
//	main.reader()
//	    /path/to/file.go:15
func formatStackTrace(pcs []uintptr) string {
	if len(pcs) == 0 {
		return "  (no stack trace available)\n"
	}

	frames := runtime.CallersFrames(pcs)
	var buf strings.Builder
	for {
		frame, more := frames.Next()
		if frame.Function != "" &&
			!strings.HasPrefix(frame.Function, "runtime.") &&
			!internalFrame(frame.Function) {
			fmt.Fprintf(&buf, "  %s()\n", frame.Function)
			fmt.Fprintf(&buf, "      %s:%d\n", frame.File, frame.Line)
		}
		if !more {
			break
		}
	}

	if buf.Len() == 0 {
		return "  (all frames filtered - bounds runtime internal)\n"
	}
	return buf.String()
}

// internalFrame reports whether fn belongs to the bounds runtime. Test and
// example functions living inside runtime packages are kept.
func internalFrame(fn string) bool {
	if !strings.Contains(fn, "/internal/bounds/") {
		return false
	}
	sym := fn[strings.LastIndex(fn, "/")+1:]
	if i := strings.IndexByte(sym, '.'); i >= 0 {
		sym = sym[i+1:]
	}
	return !strings.HasPrefix(sym, "Test") && !strings.HasPrefix(sym, "Example")
}

// Handler decides what happens to a detected violation.
// A Handler that returns lets the entry point report the failure to its
// caller; the fatal handlers never return.
type Handler func(*Violation)

// Panic panics with v as the payload. It is the default handler.
func Panic(v *Violation) {
	panic(v)
}

// Abort prints the report to stderr and terminates the process with ExitCode.
func Abort(v *Violation) {
	v.Format(os.Stderr)
	os.Exit(ExitCode)
}

// Recover runs fn and returns the violation it panicked with, or nil.
// Panics carrying any other value are propagated.
func Recover(fn func()) (v *Violation) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		rv, ok := r.(*Violation)
		if !ok {
			panic(r)
		}
		v = rv
	}()
	fn()
	return nil
}
