package runtime

import (
	"encoding/binary"
	"fmt"

	"github.com/kolkov/boundscheck/internal/bounds/addr"
	"github.com/kolkov/boundscheck/internal/bounds/report"
)

// PointerSize is the width of a pointer in the checked address space, as
// read by MainArgs.
const PointerSize = 8

// Local describes one local variable of a function frame: Offset is its
// displacement from the frame base, which may be negative.
type Local struct {
	Offset int64
	Size   uint64
}

// LocalNew registers every local of a frame at function entry. If one
// registration fails, the locals registered so far are removed again.
func (r *Runtime) LocalNew(frame addr.Address, locals []Local) error {
	r.lock()
	defer r.unlock()

	for i, l := range locals {
		if err := r.register(frame.Add(l.Offset), l.Size); err != nil {
			for _, done := range locals[:i] {
				_ = registry{r}.Deregister(frame.Add(done.Offset))
			}
			return fmt.Errorf("local %d at frame %v%+d: %w", i, frame, l.Offset, err)
		}
	}
	return nil
}

// LocalDelete removes the locals registered by LocalNew at function exit.
// A local that is no longer registered is reported as an invalid free.
func (r *Runtime) LocalDelete(frame addr.Address, locals []Local) error {
	r.lock()
	defer r.unlock()

	var first error
	for _, l := range locals {
		p := frame.Add(l.Offset)
		if err := r.deregister(p); err != nil {
			v := report.New(report.InvalidFree, "local_delete", p)
			v.Message = "freeing invalid region"
			v.Cause = err
			v.Region = r.table.Lookup(p)
			if first == nil {
				first = r.fail(v)
			}
		}
	}
	return first
}

// MainArgs registers the argument vector of main: the NULL-terminated array
// of PointerSize little-endian pointers at argv, terminator included.
// It returns the number of arguments.
func (r *Runtime) MainArgs(argv addr.Address) (int, error) {
	r.lock()
	defer r.unlock()

	var n uint64
	for ; ; n++ {
		word, err := r.mem.Bytes(argv.Add(int64(n*PointerSize)), PointerSize)
		if err != nil {
			return 0, fmt.Errorf("main args at %v: %w", argv, err)
		}
		if binary.LittleEndian.Uint64(word) == 0 {
			break
		}
	}
	if err := r.register(argv, (n+1)*PointerSize); err != nil {
		return 0, fmt.Errorf("main args: %w", err)
	}
	r.log.Debug("main args registered")
	return int(n), nil
}
