// Package memops provides the checked versions of the C bulk memory and
// string primitives.
//
// Every operation validates all the bytes it will touch before touching
// any of them, so a failing call never performs a partial write.
package memops

import (
	"fmt"

	"github.com/kolkov/boundscheck/internal/bounds/addr"
	"github.com/kolkov/boundscheck/internal/bounds/check"
	"github.com/kolkov/boundscheck/internal/bounds/heap"
	"github.com/kolkov/boundscheck/internal/bounds/report"
)

// Ops runs bulk operations over checked memory.
//
// Errors returned are *report.Violation values.
type Ops struct {
	check *check.Checker
	mem   heap.Memory
}

// New creates an Ops checking addresses with c and accessing bytes via mem.
func New(c *check.Checker, mem heap.Memory) *Ops {
	return &Ops{check: c, mem: mem}
}

// Memcpy copies n bytes from src to dst. Both ranges must lie inside their
// regions and must not overlap.
func (o *Ops) Memcpy(dst, src addr.Address, n uint64) (addr.Address, error) {
	if v := o.check.Span("memcpy", dst, n); v != nil {
		return addr.Null, v
	}
	if v := o.check.Span("memcpy", src, n); v != nil {
		return addr.Null, v
	}
	if addr.Overlaps(dst, n, src, n) {
		v := report.New(report.Overlap, "memcpy", dst)
		v.Other = src
		v.Size = n
		v.Message = "overlapping regions in memcpy()"
		return addr.Null, v
	}
	return dst, o.move("memcpy", dst, src, n)
}

// Memmove copies n bytes from src to dst; the ranges may overlap.
func (o *Ops) Memmove(dst, src addr.Address, n uint64) (addr.Address, error) {
	if v := o.check.Span("memmove", dst, n); v != nil {
		return addr.Null, v
	}
	if v := o.check.Span("memmove", src, n); v != nil {
		return addr.Null, v
	}
	return dst, o.move("memmove", dst, src, n)
}

// Memset fills n bytes at dst with the low byte of c.
func (o *Ops) Memset(dst addr.Address, c int, n uint64) (addr.Address, error) {
	if v := o.check.Span("memset", dst, n); v != nil {
		return addr.Null, v
	}
	if n == 0 {
		return dst, nil
	}
	b, err := o.mem.Bytes(dst, n)
	if err != nil {
		return addr.Null, o.fault("memset", dst, n, err)
	}
	for i := range b {
		b[i] = byte(c)
	}
	return dst, nil
}

// Strlen returns the length of the NUL-terminated string at s. Each byte is
// checked before it is read, so an unterminated buffer fails at its first
// out-of-bounds byte.
func (o *Ops) Strlen(s addr.Address) (uint64, error) {
	return o.strlen("strlen", s)
}

// Strcpy copies the NUL-terminated string at src, terminator included, to
// dst with Memcpy semantics.
func (o *Ops) Strcpy(dst, src addr.Address) (addr.Address, error) {
	n, err := o.strlen("strcpy", src)
	if err != nil {
		return addr.Null, err
	}
	return o.Memcpy(dst, src, n+1)
}

func (o *Ops) strlen(op string, s addr.Address) (uint64, error) {
	for n := uint64(0); ; n++ {
		p := o.check.Indirect1(s, int64(n))
		if p == addr.Invalid {
			v := o.check.Span(op, s.Add(int64(n)), 1)
			if v == nil {
				v = report.New(report.OutOfBounds, op, s.Add(int64(n)))
			}
			v.Message = fmt.Sprintf("bad pointer in %s(): unterminated string at %v after %d bytes", op, s, n)
			return 0, v
		}
		b, err := o.mem.Bytes(p, 1)
		if err != nil {
			return 0, o.fault(op, p, 1, err)
		}
		if b[0] == 0 {
			return n, nil
		}
	}
}

// move copies between two validated ranges; copy handles overlap.
func (o *Ops) move(op string, dst, src addr.Address, n uint64) error {
	if n == 0 {
		return nil
	}
	from, err := o.mem.Bytes(src, n)
	if err != nil {
		return o.fault(op, src, n, err)
	}
	to, err := o.mem.Bytes(dst, n)
	if err != nil {
		return o.fault(op, dst, n, err)
	}
	copy(to, from)
	return nil
}

// fault reports a range that passed the region checks but has no memory
// behind it.
func (o *Ops) fault(op string, p addr.Address, n uint64, err error) *report.Violation {
	v := report.New(report.OutOfBounds, op, p)
	v.Size = n
	v.Message = "region has no backing memory"
	v.Cause = err
	return v
}
