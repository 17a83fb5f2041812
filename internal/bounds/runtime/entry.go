package runtime

import (
	"fmt"

	"github.com/kolkov/boundscheck/internal/bounds/addr"
)

// RegisterRegion records [p, p+size] as a valid object. Ranges touching
// the null guard are refused with ErrReservedZone.
func (r *Runtime) RegisterRegion(p addr.Address, size uint64) error {
	r.lock()
	defer r.unlock()
	return r.register(p, size)
}

// DeregisterRegion removes the region starting exactly at p. Heap blocks
// are refused with ErrHeapBlock and left untouched.
func (r *Runtime) DeregisterRegion(p addr.Address) error {
	r.lock()
	defer r.unlock()
	return r.deregister(p)
}

func (r *Runtime) deregister(p addr.Address) error {
	if r.shim.Owns(p) {
		return fmt.Errorf("deregister %v: %w", p, ErrHeapBlock)
	}
	return registry{r}.Deregister(p)
}

func (r *Runtime) register(p addr.Address, size uint64) error {
	if guard := r.cfg.NullGuardSize; guard > 0 && addr.Overlaps(p, size+1, addr.Null, guard) {
		return fmt.Errorf("register %v+%d: %w (null guard [%v, %v))",
			p, size, ErrReservedZone, addr.Null, addr.Address(guard))
	}
	return registry{r}.Register(p, size)
}

// CheckAdd returns p+off when the result stays within p's region, its
// one-past-end address included, and addr.Invalid otherwise.
func (r *Runtime) CheckAdd(p addr.Address, off int64) addr.Address {
	r.lock()
	defer r.unlock()
	return r.check.Add(p, off)
}

// CheckIndirect returns p+off when all n bytes starting there lie inside
// p's region, and addr.Invalid otherwise.
func (r *Runtime) CheckIndirect(p addr.Address, off int64, n uint64) addr.Address {
	r.lock()
	defer r.unlock()
	return r.check.Indirect(p, off, n)
}

// CheckIndirect1 checks a 1-byte access.
func (r *Runtime) CheckIndirect1(p addr.Address, off int64) addr.Address {
	return r.CheckIndirect(p, off, 1)
}

// CheckIndirect2 checks a 2-byte access.
func (r *Runtime) CheckIndirect2(p addr.Address, off int64) addr.Address {
	return r.CheckIndirect(p, off, 2)
}

// CheckIndirect4 checks a 4-byte access.
func (r *Runtime) CheckIndirect4(p addr.Address, off int64) addr.Address {
	return r.CheckIndirect(p, off, 4)
}

// CheckIndirect8 checks an 8-byte access.
func (r *Runtime) CheckIndirect8(p addr.Address, off int64) addr.Address {
	return r.CheckIndirect(p, off, 8)
}

// CheckIndirect12 checks a 12-byte access (x87 long double).
func (r *Runtime) CheckIndirect12(p addr.Address, off int64) addr.Address {
	return r.CheckIndirect(p, off, 12)
}

// CheckIndirect16 checks a 16-byte access.
func (r *Runtime) CheckIndirect16(p addr.Address, off int64) addr.Address {
	return r.CheckIndirect(p, off, 16)
}

// Malloc allocates size bytes through the current allocator hooks. When
// the heap cannot serve the request it returns null and an
// AllocationFailure violation; the handler is not called.
func (r *Runtime) Malloc(size uint64) (addr.Address, error) {
	r.lock()
	defer r.unlock()
	if r.closed {
		return addr.Null, ErrClosed
	}
	p, err := r.hooks.Malloc(size)
	if err != nil {
		return addr.Null, r.allocErr(err)
	}
	return p, nil
}

// Memalign allocates size bytes aligned to align.
func (r *Runtime) Memalign(align, size uint64) (addr.Address, error) {
	r.lock()
	defer r.unlock()
	if r.closed {
		return addr.Null, ErrClosed
	}
	p, err := r.hooks.Memalign(align, size)
	if err != nil {
		return addr.Null, r.allocErr(err)
	}
	return p, nil
}

// Calloc allocates count*size zeroed bytes.
func (r *Runtime) Calloc(count, size uint64) (addr.Address, error) {
	r.lock()
	defer r.unlock()
	if r.closed {
		return addr.Null, ErrClosed
	}
	p, err := r.shim.Calloc(count, size)
	if err != nil {
		return addr.Null, r.allocErr(err)
	}
	return p, nil
}

// Free releases a heap block. Anything but null or the start of a live
// heap block is an invalid free.
func (r *Runtime) Free(p addr.Address) error {
	r.lock()
	defer r.unlock()
	if r.closed {
		return ErrClosed
	}
	if err := r.hooks.Free(p); err != nil {
		return r.failErr(err)
	}
	return nil
}

// Realloc resizes a heap block.
func (r *Runtime) Realloc(p addr.Address, size uint64) (addr.Address, error) {
	r.lock()
	defer r.unlock()
	if r.closed {
		return addr.Null, ErrClosed
	}
	q, err := r.hooks.Realloc(p, size)
	if err != nil {
		return addr.Null, r.allocErr(err)
	}
	return q, nil
}

// Memcpy is the checked memcpy.
func (r *Runtime) Memcpy(dst, src addr.Address, n uint64) (addr.Address, error) {
	return r.memop(func() (addr.Address, error) { return r.ops.Memcpy(dst, src, n) })
}

// Memmove is the checked memmove.
func (r *Runtime) Memmove(dst, src addr.Address, n uint64) (addr.Address, error) {
	return r.memop(func() (addr.Address, error) { return r.ops.Memmove(dst, src, n) })
}

// Memset is the checked memset.
func (r *Runtime) Memset(dst addr.Address, c int, n uint64) (addr.Address, error) {
	return r.memop(func() (addr.Address, error) { return r.ops.Memset(dst, c, n) })
}

// Strcpy is the checked strcpy.
func (r *Runtime) Strcpy(dst, src addr.Address) (addr.Address, error) {
	return r.memop(func() (addr.Address, error) { return r.ops.Strcpy(dst, src) })
}

// Strlen is the checked strlen.
func (r *Runtime) Strlen(s addr.Address) (uint64, error) {
	r.lock()
	defer r.unlock()
	if r.closed {
		return 0, ErrClosed
	}
	n, err := r.ops.Strlen(s)
	if err != nil {
		return 0, r.failErr(err)
	}
	return n, nil
}

func (r *Runtime) memop(op func() (addr.Address, error)) (addr.Address, error) {
	r.lock()
	defer r.unlock()
	if r.closed {
		return addr.Null, ErrClosed
	}
	p, err := op()
	if err != nil {
		return addr.Null, r.failErr(err)
	}
	return p, nil
}

// CheckBytes reports a violation unless [p, p+n) lies inside p's region.
// It backs accesses the compiler cannot express as a fixed-size check.
func (r *Runtime) CheckBytes(op string, p addr.Address, n uint64) error {
	r.lock()
	defer r.unlock()
	if v := r.check.Span(op, p, n); v != nil {
		return r.fail(v)
	}
	return nil
}
