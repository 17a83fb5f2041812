// Package shim is the bounds-checking allocator installed over the host
// allocator's entry points.
//
// Every block handed out is one byte larger than requested, so two
// consecutive blocks are separated by at least one byte and the one-past-end
// address of one is never the start of the next. The requested size is
// registered as a region; free deregisters it, and anything that is not the
// start of a live heap block is an invalid free.
package shim

import (
	"fmt"
	"math/bits"

	"go.uber.org/zap"

	"github.com/kolkov/boundscheck/internal/bounds/addr"
	"github.com/kolkov/boundscheck/internal/bounds/heap"
	"github.com/kolkov/boundscheck/internal/bounds/hooks"
	"github.com/kolkov/boundscheck/internal/bounds/regiontable"
	"github.com/kolkov/boundscheck/internal/bounds/report"
	"github.com/kolkov/boundscheck/internal/bounds/stackdepot"
)

// Registry is the region bookkeeping the shim keeps up to date.
// *regiontable.Table satisfies it.
type Registry interface {
	Register(start addr.Address, size uint64) error
	Deregister(start addr.Address) error
	RegionSize(start addr.Address) (uint64, bool)
	Lookup(a addr.Address) regiontable.Region
}

// Stats counts shim activity.
type Stats struct {
	Mallocs    uint64 // Successful allocations, including realloc and calloc.
	Frees      uint64 // Successful frees.
	LiveBlocks int    // Blocks currently allocated.
}

// Shim implements the allocator hooks.
//
// Every method returns violations as *report.Violation errors; the caller
// decides whether they are fatal.
//
// Thread Safety: NOT safe for concurrent use.
type Shim struct {
	regions Registry
	hooks   *hooks.Table
	mem     heap.Memory
	depot   *stackdepot.Depot
	log     *zap.Logger

	// live maps each live block start to its allocation stack; freed maps
	// recently freed starts to their free stack, for double free reports.
	live  map[addr.Address]uint64
	freed map[addr.Address]uint64

	mallocs, frees uint64
}

// New creates a shim over the given collaborators. It does not install
// itself; pass Hooks() to hooks.Table.Install.
func New(regions Registry, ht *hooks.Table, mem heap.Memory, depot *stackdepot.Depot, log *zap.Logger) *Shim {
	if log == nil {
		log = zap.NewNop()
	}
	return &Shim{
		regions: regions,
		hooks:   ht,
		mem:     mem,
		depot:   depot,
		log:     log,
		live:    make(map[addr.Address]uint64),
		freed:   make(map[addr.Address]uint64),
	}
}

// Hooks returns the shim's allocator entry points.
func (s *Shim) Hooks() hooks.Hooks {
	return hooks.Hooks{
		Malloc:   s.Malloc,
		Free:     s.Free,
		Realloc:  s.Realloc,
		Memalign: s.Memalign,
	}
}

// Malloc allocates size+1 bytes from the host and registers [p, p+size].
func (s *Shim) Malloc(size uint64) (addr.Address, error) {
	return s.alloc("malloc", size, func(h hooks.Hooks, n uint64) (addr.Address, error) {
		return h.Malloc(n)
	})
}

// Memalign is Malloc with the block start aligned to align.
func (s *Shim) Memalign(align, size uint64) (addr.Address, error) {
	return s.alloc("memalign", size, func(h hooks.Hooks, n uint64) (addr.Address, error) {
		return h.Memalign(align, n)
	})
}

// Calloc allocates count*size zeroed bytes. A product that overflows is an
// allocation failure, never a short block.
func (s *Shim) Calloc(count, size uint64) (addr.Address, error) {
	hi, total := bits.Mul64(count, size)
	if hi != 0 {
		v := report.New(report.AllocationFailure, "calloc", addr.Null)
		v.Message = fmt.Sprintf("%d elements of %d bytes overflows", count, size)
		return addr.Null, v
	}
	p, err := s.Malloc(total)
	if err != nil {
		return addr.Null, err
	}
	if err := s.fill(p, total, 0); err != nil {
		return addr.Null, err
	}
	return p, nil
}

// Free releases a block. Freeing null does nothing; anything other than
// the start of a live heap block is an InvalidFree violation, and nothing
// is modified.
func (s *Shim) Free(p addr.Address) error {
	if p.IsNull() {
		return nil
	}
	if _, ok := s.live[p]; !ok {
		return s.invalidFree("free", p, "freeing invalid region", nil)
	}
	size, _ := s.regions.RegionSize(p)
	if err := s.regions.Deregister(p); err != nil {
		return s.invalidFree("free", p, "freeing invalid region", err)
	}

	var err error
	s.hooks.WithSaved(func(h hooks.Hooks) {
		err = h.Free(p)
	})
	if err != nil {
		// The block is still allocated; put its region back.
		if rerr := s.regions.Register(p, size); rerr != nil {
			err = fmt.Errorf("%w (re-register: %v)", err, rerr)
		}
		return s.invalidFree("free", p, "host allocator rejected block", err)
	}

	delete(s.live, p)
	s.freed[p] = s.depot.Capture(1)
	s.frees++
	s.log.Debug("region freed", zap.Stringer("ptr", p))
	return nil
}

// Realloc resizes a block by allocating a new one, copying the smaller of
// the two sizes and freeing the old one. A zero size frees p and returns
// null; a null p allocates.
func (s *Shim) Realloc(p addr.Address, size uint64) (addr.Address, error) {
	if size == 0 {
		return addr.Null, s.Free(p)
	}
	if p.IsNull() {
		return s.Malloc(size)
	}

	_, isBlock := s.live[p]
	old, ok := s.regions.RegionSize(p)
	if !isBlock || !ok {
		return addr.Null, s.invalidFree("realloc", p, "realloc of invalid pointer", nil)
	}

	q, err := s.Malloc(size)
	if err != nil {
		return addr.Null, err
	}
	if err := s.copy(q, p, min(old, size)); err != nil {
		_ = s.Free(q)
		return addr.Null, err
	}
	if err := s.Free(p); err != nil {
		return addr.Null, err
	}
	return q, nil
}

// Owns reports whether p is the start of a live heap block.
func (s *Shim) Owns(p addr.Address) bool {
	_, ok := s.live[p]
	return ok
}

// AllocStack returns the allocation stack of the live block starting at p.
func (s *Shim) AllocStack(p addr.Address) []uintptr {
	return s.depot.Get(s.live[p]).Frames()
}

// Stats returns activity counters.
func (s *Shim) Stats() Stats {
	return Stats{
		Mallocs:    s.mallocs,
		Frees:      s.frees,
		LiveBlocks: len(s.live),
	}
}

// alloc is the common path of Malloc and Memalign.
func (s *Shim) alloc(op string, size uint64, host func(hooks.Hooks, uint64) (addr.Address, error)) (addr.Address, error) {
	if size > regiontable.MaxRegionSize {
		v := report.New(report.AllocationFailure, op, addr.Null)
		v.Size = size
		v.Cause = regiontable.ErrSizeTooLarge
		return addr.Null, v
	}

	var (
		p   addr.Address
		err error
	)
	s.hooks.WithSaved(func(h hooks.Hooks) {
		p, err = host(h, size+1)
	})
	if err != nil {
		v := report.New(report.AllocationFailure, op, addr.Null)
		v.Size = size
		v.Cause = err
		return addr.Null, v
	}

	if err := s.regions.Register(p, size); err != nil {
		s.hooks.WithSaved(func(h hooks.Hooks) {
			_ = h.Free(p)
		})
		v := report.New(report.AllocationFailure, op, p)
		v.Size = size
		v.Cause = err
		return addr.Null, v
	}

	s.live[p] = s.depot.Capture(1)
	delete(s.freed, p)
	s.mallocs++
	s.log.Debug("region allocated",
		zap.String("op", op),
		zap.Stringer("ptr", p),
		zap.Uint64("size", size))
	return p, nil
}

// invalidFree builds an InvalidFree violation for p, attaching whatever is
// known about the block p points into and where it was last freed.
func (s *Shim) invalidFree(op string, p addr.Address, msg string, cause error) *report.Violation {
	v := report.New(report.InvalidFree, op, p)
	v.Message = msg
	v.Cause = cause
	v.Region = s.regions.Lookup(p)
	if v.Region.Live() {
		if h, ok := s.live[v.Region.Start]; ok {
			v.AllocStack = s.depot.Get(h).Frames()
		}
	}
	if h, ok := s.freed[p]; ok {
		v.FreeStack = s.depot.Get(h).Frames()
		v.Message = msg + " (double free)"
	}
	return v
}

func (s *Shim) copy(dst, src addr.Address, n uint64) error {
	if n == 0 {
		return nil
	}
	from, err := s.mem.Bytes(src, n)
	if err != nil {
		return err
	}
	to, err := s.mem.Bytes(dst, n)
	if err != nil {
		return err
	}
	copy(to, from)
	return nil
}

func (s *Shim) fill(p addr.Address, n uint64, c byte) error {
	if n == 0 {
		return nil
	}
	b, err := s.mem.Bytes(p, n)
	if err != nil {
		return err
	}
	for i := range b {
		b[i] = c
	}
	return nil
}
