// Package boundscheck provides a memory bounds-checking runtime for
// instrumented programs.
//
// A bounds-checking compiler rewrites every pointer computation and every
// dereference into a call to this package. The runtime keeps a table of
// live regions (globals, locals, heap blocks and the argument vector) and
// answers each check by finding the region the pointer belongs to.
//
// # Quick Start
//
//	package main
//
//	import "github.com/kolkov/boundscheck/boundscheck"
//
//	func main() {
//		if err := boundscheck.Init(); err != nil {
//			panic(err)
//		}
//		defer boundscheck.Fini()
//
//		p := boundscheck.Malloc(10)
//		q := boundscheck.CheckIndirect1(p, 10) // boundscheck.Invalid
//		_ = q
//	}
//
// # API Overview
//
// The package provides functions for:
//   - Initialization and finalization: [Init], [Fini]
//   - Pointer checks: [CheckAdd], [CheckIndirect1] ... [CheckIndirect16]
//   - Region lifetime: [RegisterRegion], [DeregisterRegion], [LocalNew],
//     [LocalDelete], [MainArgs]
//   - Checked allocation: [Malloc], [Calloc], [Realloc], [Memalign], [Free]
//   - Checked memory primitives: [Memcpy], [Memmove], [Memset], [Strlen], [Strcpy]
//   - Version information: [GetInfo], [Version]
//
// # How It Works
//
// Pointer checks never fail on their own. A pointer that leaves its region
// becomes [Invalid], and Invalid lies in memory that is always invalid, so
// the failure surfaces at the next dereference check or bulk operation.
//
// A region of size n accepts pointers from its start up to one past its
// last byte; dereferences must stay strictly inside. Heap blocks are
// allocated one byte larger than requested so that the one-past-end pointer
// of a block is never the start of the next one.
//
// Violations (out of bounds accesses, invalid frees and overlapping memcpy)
// print a report with the offending stack and, for heap blocks, the
// allocation and free stacks. Allocation failures are not fatal: the
// allocator returns null, as malloc does. A report looks like:
//
//	==================
//	ERROR: BOUNDS CHECK: out of bounds
//	memset of 0x10000010 size 12 (runtime 0b0d...):
//	  main.fill()
//	      /src/main.go:12 +0x2f
//	...
//
// # Configuration
//
// BOUNDS_CONFIG names a TOML or YAML file, and BOUNDS_OPTIONS overrides it
// with key=value pairs:
//
//	BOUNDS_OPTIONS="log_level=debug permissive_unknown=1 halt_on_error=0"
//
// With halt_on_error (the default) the process exits with status 66 after
// the first report; otherwise the violation is raised as a panic.
//
// # Examples
//
// See package-level examples in the documentation:
//   - [Example] - Basic allocation and checks
//   - [Example_locals] - Registering a function's locals
package boundscheck
