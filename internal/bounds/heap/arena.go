// Package heap is the host allocator underneath the bounds runtime.
//
// An Arena owns one contiguous block of real memory and hands out
// addresses inside a fixed window [base, base+size) of the checked address
// space. It knows nothing about bounds: it only serves malloc, free and
// memalign requests, exactly as the C library allocator does for the
// instrumented program. The allocator shim sits on top of it.
//
// Free space is kept in a B-tree of spans ordered by address; allocation is
// first fit and freeing coalesces with both neighbours.
package heap

import (
	"errors"
	"fmt"

	"github.com/google/btree"

	"github.com/kolkov/boundscheck/internal/bounds/addr"
)

// MinAlign is the alignment of every block returned by Malloc.
const MinAlign = 16

// btreeDegree is the B-tree fan-out used for the free list.
const btreeDegree = 16

// Errors returned by the arena.
var (
	// ErrOutOfMemory is returned when no free span can hold the request.
	ErrOutOfMemory = errors.New("heap: out of memory")

	// ErrBadPointer is returned by Free and UsableSize for addresses that
	// are not the start of a block handed out by this arena.
	ErrBadPointer = errors.New("heap: pointer not allocated by this arena")

	// ErrFault is returned by Bytes for ranges outside the arena.
	ErrFault = errors.New("heap: access outside mapped memory")
)

// Memory turns checked addresses into real bytes.
//
// It is the only boundary between the simulated address space and Go
// memory; nothing else in the runtime converts an address into storage.
type Memory interface {
	// Bytes returns the n bytes starting at a. The slice aliases the
	// underlying memory.
	Bytes(a addr.Address, n uint64) ([]byte, error)
}

// span is a free address range.
type span struct {
	start addr.Address
	size  uint64
}

func (s span) end() addr.Address {
	return s.start + addr.Address(s.size)
}

func spanLess(a, b span) bool {
	return a.start < b.start
}

// Stats summarizes arena usage.
type Stats struct {
	Size      uint64 // Total arena size in bytes.
	InUse     uint64 // Bytes in live blocks, after alignment rounding.
	Blocks    int    // Live blocks.
	FreeSpans int    // Fragments on the free list.
}

// Arena is a first-fit allocator over a mapped block of memory.
//
// Thread Safety: NOT safe for concurrent use. The runtime serializes calls.
type Arena struct {
	base addr.Address
	mem  []byte

	// unmap releases mem; nil for slice-backed arenas.
	unmap func([]byte) error

	free  *btree.BTreeG[span]
	used  map[addr.Address]uint64 // block start → rounded size
	inUse uint64
}

// New maps size bytes of memory and serves them at [base, base+size).
//
// base must be MinAlign aligned and the window must not wrap. On unix the
// memory is an anonymous private mapping; elsewhere it is a Go slice.
func New(base addr.Address, size uint64) (*Arena, error) {
	if size == 0 || size%MinAlign != 0 {
		return nil, fmt.Errorf("heap: size %d must be a non-zero multiple of %d", size, MinAlign)
	}
	if base.IsNull() || base.AlignDown(MinAlign) != base {
		return nil, fmt.Errorf("heap: base %v must be non-null and %d-byte aligned", base, MinAlign)
	}
	if _, ok := base.CheckedAdd(int64(size)); !ok || int64(size) < 0 {
		return nil, fmt.Errorf("heap: window %v+%d wraps the address space", base, size)
	}

	mem, unmap, err := mapMemory(size)
	if err != nil {
		return nil, fmt.Errorf("heap: map %d bytes: %w", size, err)
	}

	a := &Arena{
		base:  base,
		mem:   mem,
		unmap: unmap,
		free:  btree.NewG(btreeDegree, spanLess),
		used:  make(map[addr.Address]uint64),
	}
	a.free.ReplaceOrInsert(span{start: base, size: size})
	return a, nil
}

// Base returns the first address of the arena window.
func (a *Arena) Base() addr.Address {
	return a.base
}

// Size returns the size of the arena window in bytes.
func (a *Arena) Size() uint64 {
	return uint64(len(a.mem))
}

// Contains reports whether p lies inside the arena window.
func (a *Arena) Contains(p addr.Address) bool {
	return p.Offset(a.base) < uint64(len(a.mem))
}

// Malloc returns a MinAlign aligned block of at least n bytes.
// A zero-byte request still returns a distinct block.
func (a *Arena) Malloc(n uint64) (addr.Address, error) {
	return a.allocate(MinAlign, n)
}

// Memalign returns a block of at least n bytes aligned to align, which must
// be a power of two. Alignments below MinAlign are raised to MinAlign.
func (a *Arena) Memalign(align, n uint64) (addr.Address, error) {
	if align == 0 || align&(align-1) != 0 {
		return addr.Null, fmt.Errorf("heap: alignment %d is not a power of two", align)
	}
	return a.allocate(max(align, MinAlign), n)
}

// Free returns the block starting at p to the free list.
func (a *Arena) Free(p addr.Address) error {
	size, ok := a.used[p]
	if !ok {
		return fmt.Errorf("heap: free %v: %w", p, ErrBadPointer)
	}
	delete(a.used, p)
	a.inUse -= size

	s := span{start: p, size: size}
	var prev, next span
	a.free.DescendLessOrEqual(span{start: p}, func(sp span) bool {
		prev = sp
		return false
	})
	a.free.AscendGreaterOrEqual(span{start: s.end()}, func(sp span) bool {
		next = sp
		return false
	})
	if prev.size > 0 && prev.end() == s.start {
		a.free.Delete(prev)
		s = span{start: prev.start, size: prev.size + s.size}
	}
	if next.size > 0 && next.start == s.end() {
		a.free.Delete(next)
		s.size += next.size
	}
	a.free.ReplaceOrInsert(s)
	return nil
}

// UsableSize returns the size of the block starting at p, which may exceed
// the requested size by alignment rounding.
func (a *Arena) UsableSize(p addr.Address) (uint64, error) {
	size, ok := a.used[p]
	if !ok {
		return 0, fmt.Errorf("heap: usable size %v: %w", p, ErrBadPointer)
	}
	return size, nil
}

// Bytes implements Memory for the arena window.
func (a *Arena) Bytes(p addr.Address, n uint64) ([]byte, error) {
	off := p.Offset(a.base)
	if off > uint64(len(a.mem)) || n > uint64(len(a.mem))-off {
		return nil, fmt.Errorf("heap: %d bytes at %v: %w", n, p, ErrFault)
	}
	return a.mem[off : off+n : off+n], nil
}

// Stats returns current usage counters.
func (a *Arena) Stats() Stats {
	return Stats{
		Size:      uint64(len(a.mem)),
		InUse:     a.inUse,
		Blocks:    len(a.used),
		FreeSpans: a.free.Len(),
	}
}

// Close releases the arena memory. The arena must not be used afterwards.
func (a *Arena) Close() error {
	mem := a.mem
	a.mem = nil
	a.free.Clear(false)
	clear(a.used)
	if a.unmap == nil || mem == nil {
		return nil
	}
	return a.unmap(mem)
}

// allocate carves an aligned block out of the first span that fits.
func (a *Arena) allocate(align, n uint64) (addr.Address, error) {
	size := roundUp(max(n, 1), MinAlign)
	if size < n {
		return addr.Null, fmt.Errorf("heap: allocate %d bytes: %w", n, ErrOutOfMemory)
	}

	var (
		found span
		start addr.Address
		ok    bool
	)
	a.free.Ascend(func(s span) bool {
		p := s.start.AlignUp(align)
		pad := p.Offset(s.start)
		if pad > s.size || size > s.size-pad {
			return true
		}
		found, start, ok = s, p, true
		return false
	})
	if !ok {
		return addr.Null, fmt.Errorf("heap: allocate %d bytes: %w", n, ErrOutOfMemory)
	}

	a.free.Delete(found)
	if pad := start.Offset(found.start); pad > 0 {
		a.free.ReplaceOrInsert(span{start: found.start, size: pad})
	}
	if tail := found.end().Offset(start) - size; tail > 0 {
		a.free.ReplaceOrInsert(span{start: start + addr.Address(size), size: tail})
	}

	a.used[start] = size
	a.inUse += size
	return start, nil
}

func roundUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// Space is a Memory made of several disjoint arenas, such as the heap and
// the data segment holding globals and stack frames.
type Space []*Arena

// Bytes implements Memory by dispatching to the arena containing p.
func (s Space) Bytes(p addr.Address, n uint64) ([]byte, error) {
	for _, a := range s {
		if a.Contains(p) {
			return a.Bytes(p, n)
		}
	}
	return nil, fmt.Errorf("heap: %d bytes at %v: %w", n, p, ErrFault)
}
