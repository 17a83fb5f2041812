// Package stackdepot stores deduplicated call stacks for bounds reports.
//
// Every allocation records the stack that requested it, and every free the
// stack that released it, so that an invalid free or a use of a dangling
// pointer can be reported together with where the block came from. Most
// programs allocate from a small number of call sites, so stacks are stored
// once and referenced by a 64-bit hash.
//
// Design:
//   - Fixed-size stack traces (MaxFrames frames)
//   - FNV-1a hash of the program counters as the key
//   - sync.Map storage per Depot
//
// Usage:
//
//	d := stackdepot.New()
//	h := d.Capture(1)
//	...
//	fmt.Print(d.Get(h).FormatStack())
package stackdepot

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"
)

// MaxFrames is the maximum number of stack frames kept per trace.
// Room is left for the runtime frames above the allocation site, which
// reports filter out.
const MaxFrames = 16

// StackTrace is a captured stack of fixed size.
type StackTrace struct {
	PC [MaxFrames]uintptr // Program counters, zero-terminated.
}

// Depot is a deduplicating store of stack traces.
//
// Thread Safety: all methods except Reset are safe for concurrent use.
type Depot struct {
	stacks sync.Map // uint64 (hash) → *StackTrace
}

// New creates an empty depot.
func New() *Depot {
	return &Depot{}
}

// Capture records the caller's stack and returns its hash.
//
// skip is the number of additional frames to drop above Capture's caller,
// so Capture(0) starts at the function calling Capture and Capture(1) at its
// caller. Returns 0 if no frames are available.
func (d *Depot) Capture(skip int) uint64 {
	var pcs [MaxFrames]uintptr
	// runtime.Callers + Capture itself.
	n := runtime.Callers(2+skip, pcs[:])
	if n == 0 {
		return 0
	}

	hash := hashStack(pcs[:n])
	if _, exists := d.stacks.Load(hash); exists {
		return hash
	}
	d.stacks.Store(hash, &StackTrace{PC: pcs})
	return hash
}

// Get returns the stack stored under hash, or nil.
func (d *Depot) Get(hash uint64) *StackTrace {
	if hash == 0 {
		return nil
	}
	val, ok := d.stacks.Load(hash)
	if !ok {
		return nil
	}
	return val.(*StackTrace)
}

// Reset drops every stored stack.
//
// Thread Safety: NOT safe for concurrent calls.
func (d *Depot) Reset() {
	d.stacks = sync.Map{}
}

// Stats returns the number of unique stacks and an approximate memory cost.
//
// Performance: O(N), not for hot paths.
func (d *Depot) Stats() (uniqueStacks int, totalMemory int64) {
	d.stacks.Range(func(_, _ any) bool {
		uniqueStacks++
		return true
	})

	// MaxFrames × 8 bytes plus ~32 bytes of sync.Map entry overhead.
	const bytesPerStack = MaxFrames*8 + 32
	return uniqueStacks, int64(uniqueStacks) * bytesPerStack
}

// hashStack computes the FNV-1a hash of program counters.
func hashStack(pcs []uintptr) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, pc := range pcs {
		binary.LittleEndian.PutUint64(buf[:], uint64(pc))
		_, _ = h.Write(buf[:]) // hash.Hash never returns an error.
	}
	return h.Sum64()
}

// Frames returns the non-zero program counters of the trace.
func (st *StackTrace) Frames() []uintptr {
	if st == nil {
		return nil
	}
	for i, pc := range st.PC {
		if pc == 0 {
			return st.PC[:i]
		}
	}
	return st.PC[:]
}

// FormatStack formats the trace as
//
//	pkg.function()
//	    /path/to/file.go:45
//
// skipping Go runtime frames.
func (st *StackTrace) FormatStack() string {
	if st == nil {
		return "  <unknown>\n"
	}
	return FormatPCs(st.Frames())
}

// FormatPCs formats raw program counters the same way FormatStack does.
func FormatPCs(pcs []uintptr) string {
	if len(pcs) == 0 {
		return "  <unknown>\n"
	}

	frames := runtime.CallersFrames(pcs)
	var buf strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") && frame.Function != "" {
			fmt.Fprintf(&buf, "  %s()\n", frame.Function)
			fmt.Fprintf(&buf, "      %s:%d\n", frame.File, frame.Line)
		}
		if !more {
			break
		}
	}

	if buf.Len() == 0 {
		return "  <runtime internal>\n"
	}
	return buf.String()
}
