// Package check implements the pointer-check primitives instrumented code
// calls at every pointer-arithmetic and dereference site.
//
// Size convention: a region [start, start+size] may be reached by pointer
// arithmetic anywhere in the closed interval, so start+size (one past the
// end) is a legal result of Add. Dereferences are strict: an access of n
// bytes at offset k is valid only when k >= 0 and k+n <= size, so the
// one-past-end address is never dereferenced.
//
// Neither Add nor Indirect fails by itself: an out-of-range result is the
// addr.Invalid sentinel, which lies outside every address space and so
// cannot alias a live pointer. Any later use of it as a real address fails.
package check

import (
	"fmt"

	"github.com/kolkov/boundscheck/internal/bounds/addr"
	"github.com/kolkov/boundscheck/internal/bounds/regiontable"
	"github.com/kolkov/boundscheck/internal/bounds/report"
)

// Checker evaluates pointer checks against a region table.
//
// Thread Safety: NOT safe for concurrent use; Resolve promotes chain entries.
type Checker struct {
	table *regiontable.Table

	// permissive lets pointers into untracked (EMPTY) memory pass unchecked.
	permissive bool
}

// New creates a checker over t. When permissive is set, pointers into
// memory the table has never heard of are passed through unchanged instead
// of being treated as invalid; AlwaysInvalid memory is rejected either way.
func New(t *regiontable.Table, permissive bool) *Checker {
	return &Checker{table: t, permissive: permissive}
}

// Add computes p+off and returns it when the result stays inside
// [start, start+size] of p's region, otherwise addr.Invalid.
//
// Performance: one table lookup, O(1) expected.
func (c *Checker) Add(p addr.Address, off int64) addr.Address {
	r := c.table.Resolve(p)
	if !r.Live() {
		return c.untracked(p, off, r)
	}
	if _, ok := shift(p.Offset(r.Start), off, r.Size); !ok {
		return addr.Invalid
	}
	return p.Add(off)
}

// Indirect returns p+off when an n-byte object at p+off lies entirely
// inside p's region without reaching its one-past-end address, otherwise
// addr.Invalid.
func (c *Checker) Indirect(p addr.Address, off int64, n uint64) addr.Address {
	r := c.table.Resolve(p)
	if !r.Live() {
		return c.untracked(p, off, r)
	}
	pos, ok := shift(p.Offset(r.Start), off, r.Size)
	if !ok || n > r.Size-pos {
		return addr.Invalid
	}
	return p.Add(off)
}

// Fixed-size dereference checks, one per pointee size the compiler emits.

// Indirect1 checks a 1-byte access at p+off.
func (c *Checker) Indirect1(p addr.Address, off int64) addr.Address { return c.Indirect(p, off, 1) }

// Indirect2 checks a 2-byte access at p+off.
func (c *Checker) Indirect2(p addr.Address, off int64) addr.Address { return c.Indirect(p, off, 2) }

// Indirect4 checks a 4-byte access at p+off.
func (c *Checker) Indirect4(p addr.Address, off int64) addr.Address { return c.Indirect(p, off, 4) }

// Indirect8 checks an 8-byte access at p+off.
func (c *Checker) Indirect8(p addr.Address, off int64) addr.Address { return c.Indirect(p, off, 8) }

// Indirect12 checks a 12-byte access at p+off (long double on i386).
func (c *Checker) Indirect12(p addr.Address, off int64) addr.Address {
	return c.Indirect(p, off, 12)
}

// Indirect16 checks a 16-byte access at p+off.
func (c *Checker) Indirect16(p addr.Address, off int64) addr.Address {
	return c.Indirect(p, off, 16)
}

// Span checks that [p, p+n) is dereferenceable and returns an OutOfBounds
// violation describing p's region otherwise. An empty span always passes.
func (c *Checker) Span(op string, p addr.Address, n uint64) *report.Violation {
	if n == 0 {
		return nil
	}
	if c.Indirect(p, 0, n) != addr.Invalid {
		return nil
	}

	v := report.New(report.OutOfBounds, op, p)
	v.Size = n
	v.Region = c.table.Lookup(p)
	switch v.Region.Kind() {
	case regiontable.KindLive:
		v.Message = fmt.Sprintf("%d-byte range at offset %d leaves region %v",
			n, p.Offset(v.Region.Start), v.Region)
	case regiontable.KindInvalid:
		v.Message = "address is never valid"
	default:
		v.Message = "address is not inside any registered region"
	}
	return v
}

// Bytes is Span returning a plain error, nil when the range is valid.
func (c *Checker) Bytes(p addr.Address, n uint64) error {
	if v := c.Span("check_bytes", p, n); v != nil {
		return v
	}
	return nil
}

// untracked handles pointers that resolved to a sentinel.
func (c *Checker) untracked(p addr.Address, off int64, r regiontable.Region) addr.Address {
	if c.permissive && r.Kind() == regiontable.KindEmpty {
		if q, ok := p.CheckedAdd(off); ok {
			return q
		}
	}
	return addr.Invalid
}

// shift returns pos+off when it lies in [0, size].
func shift(pos uint64, off int64, size uint64) (uint64, bool) {
	if off >= 0 {
		if uint64(off) > size-pos {
			return 0, false
		}
		return pos + uint64(off), true
	}
	m := uint64(-(off + 1)) + 1
	if m > pos {
		return 0, false
	}
	return pos - m, true
}
