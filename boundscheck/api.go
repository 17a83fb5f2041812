// Package boundscheck provides the process-wide bounds-checking runtime.
//
// See doc.go for detailed documentation and examples.
package boundscheck

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/kolkov/boundscheck/internal/bounds/addr"
	"github.com/kolkov/boundscheck/internal/bounds/config"
	"github.com/kolkov/boundscheck/internal/bounds/logging"
	"github.com/kolkov/boundscheck/internal/bounds/report"
	"github.com/kolkov/boundscheck/internal/bounds/runtime"
)

// Address is an address in the checked address space.
type Address = addr.Address

// Invalid is the address returned by failed pointer checks. It lies outside
// every region, so any later check on it fails too.
const Invalid = addr.Invalid

// Local describes one local variable relative to its frame base.
type Local = runtime.Local

// Violation is a bounds violation report.
type Violation = report.Violation

var (
	initMu  sync.Mutex
	current atomic.Pointer[runtime.Runtime]
)

// Init initializes the process-wide runtime from BOUNDS_CONFIG and
// BOUNDS_OPTIONS.
//
// This function must be called before any other runtime operation;
// instrumented programs call it at the start of main():
//
//	func main() {
//		if err := boundscheck.Init(); err != nil {
//			log.Fatal(err)
//		}
//		defer boundscheck.Fini()
//		// ... rest of program
//	}
//
// Violations print a report to stderr and exit with status 66, or panic
// with the *Violation when halt_on_error is off.
//
// Init is safe to call multiple times (subsequent calls are no-ops).
func Init() error {
	initMu.Lock()
	defer initMu.Unlock()
	if current.Load() != nil {
		return nil
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logging.SetLogger(log)

	handler := report.Panic
	if cfg.HaltOnError {
		handler = report.Abort
	}
	rt, err := runtime.New(cfg, runtime.WithLogger(logging.Logger()), runtime.WithHandler(handler))
	if err != nil {
		return err
	}
	current.Store(rt)
	return nil
}

// Fini restores the host allocator, logs a summary and releases the
// runtime. A later Init starts a fresh runtime.
func Fini() {
	initMu.Lock()
	defer initMu.Unlock()
	if rt := current.Swap(nil); rt != nil {
		_ = rt.Fini()
	}
}

// get returns the runtime, initializing it on first use. A configuration
// that cannot be loaded is fatal.
func get() *runtime.Runtime {
	if rt := current.Load(); rt != nil {
		return rt
	}
	if err := Init(); err != nil {
		fmt.Fprintf(os.Stderr, "boundscheck: %v\n", err)
		os.Exit(2)
	}
	return current.Load()
}

// RegisterRegion records [p, p+size] as a valid object, such as a global.
func RegisterRegion(p Address, size uint64) error {
	return get().RegisterRegion(p, size)
}

// DeregisterRegion removes the region starting exactly at p.
func DeregisterRegion(p Address) error {
	return get().DeregisterRegion(p)
}

// CheckAdd validates pointer arithmetic: it returns p+off when the result
// stays within p's region, one-past-end included, and Invalid otherwise.
//
// Example (automatic instrumentation):
//
//	// Original code:
//	q = p + i
//
//	// Instrumented code:
//	q = boundscheck.CheckAdd(p, i)
func CheckAdd(p Address, off int64) Address {
	return get().CheckAdd(p, off)
}

// CheckIndirect validates an n-byte access at p+off.
func CheckIndirect(p Address, off int64, n uint64) Address {
	return get().CheckIndirect(p, off, n)
}

// CheckIndirect1 validates a 1-byte access at p+off.
func CheckIndirect1(p Address, off int64) Address { return get().CheckIndirect1(p, off) }

// CheckIndirect2 validates a 2-byte access at p+off.
func CheckIndirect2(p Address, off int64) Address { return get().CheckIndirect2(p, off) }

// CheckIndirect4 validates a 4-byte access at p+off.
func CheckIndirect4(p Address, off int64) Address { return get().CheckIndirect4(p, off) }

// CheckIndirect8 validates an 8-byte access at p+off.
func CheckIndirect8(p Address, off int64) Address { return get().CheckIndirect8(p, off) }

// CheckIndirect12 validates a 12-byte access at p+off.
func CheckIndirect12(p Address, off int64) Address { return get().CheckIndirect12(p, off) }

// CheckIndirect16 validates a 16-byte access at p+off.
func CheckIndirect16(p Address, off int64) Address { return get().CheckIndirect16(p, off) }

// Malloc allocates size bytes. It returns null when the heap is exhausted.
func Malloc(size uint64) Address {
	p, _ := get().Malloc(size)
	return p
}

// Calloc allocates count*size zeroed bytes.
func Calloc(count, size uint64) Address {
	p, _ := get().Calloc(count, size)
	return p
}

// Memalign allocates size bytes aligned to align.
func Memalign(align, size uint64) Address {
	p, _ := get().Memalign(align, size)
	return p
}

// Realloc resizes the block at p.
func Realloc(p Address, size uint64) Address {
	q, _ := get().Realloc(p, size)
	return q
}

// Free releases the block at p.
func Free(p Address) {
	_ = get().Free(p)
}

// Memcpy copies n bytes between non-overlapping ranges.
func Memcpy(dst, src Address, n uint64) Address {
	p, _ := get().Memcpy(dst, src, n)
	return p
}

// Memmove copies n bytes between possibly overlapping ranges.
func Memmove(dst, src Address, n uint64) Address {
	p, _ := get().Memmove(dst, src, n)
	return p
}

// Memset fills n bytes at dst with the low byte of c.
func Memset(dst Address, c int, n uint64) Address {
	p, _ := get().Memset(dst, c, n)
	return p
}

// Strlen returns the length of the NUL-terminated string at s.
func Strlen(s Address) uint64 {
	n, _ := get().Strlen(s)
	return n
}

// Strcpy copies the NUL-terminated string at src to dst.
func Strcpy(dst, src Address) Address {
	p, _ := get().Strcpy(dst, src)
	return p
}

// LocalNew registers the locals of a frame at function entry.
func LocalNew(frame Address, locals ...Local) error {
	return get().LocalNew(frame, locals)
}

// LocalDelete removes the locals of a frame at function exit.
func LocalDelete(frame Address, locals ...Local) {
	_ = get().LocalDelete(frame, locals)
}

// MainArgs registers the NULL-terminated argument vector at argv and
// returns the argument count.
func MainArgs(argv Address) (int, error) {
	return get().MainArgs(argv)
}

// Bytes returns the memory behind [p, p+n) without checking regions.
// Instrumented code reads and writes through it after a successful check.
func Bytes(p Address, n uint64) ([]byte, error) {
	return get().Memory().Bytes(p, n)
}

// Describe explains where p lies relative to the registered regions.
func Describe(p Address) string {
	return get().Describe(p)
}

// Dump writes the live regions to w.
func Dump(w io.Writer) {
	get().Dump(w)
}
