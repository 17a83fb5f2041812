// Package addr defines the address newtype used by every layer of the
// bounds checking runtime.
//
// Addresses are plain 64-bit integers. Arithmetic on them is either
// wrapping (Add, Sub, Offset), mirroring what a C compiler does with
// pointer values, or checked (CheckedAdd), reporting overflow so callers
// can reject the result instead of silently wrapping around the address
// space.
//
// No function in this package ever dereferences an address. The only
// place an Address is turned into real bytes is heap.Memory.Bytes.
package addr

import "fmt"

// Address is a location in the checked address space.
type Address uint64

const (
	// Null is the null pointer.
	Null Address = 0

	// Invalid is the value returned by failed pointer checks.
	//
	// It is the 64-bit pattern 0xffff_ffff_ffff_fffe. Address spaces are
	// limited to fewer than 64 bits, so Invalid can never alias a pointer
	// that was handed out by the allocator or registered as a region.
	Invalid Address = ^Address(1)
)

// Add returns a+off with wrapping semantics.
func (a Address) Add(off int64) Address {
	return a + Address(off)
}

// Sub returns a-n with wrapping semantics.
func (a Address) Sub(n uint64) Address {
	return a - Address(n)
}

// CheckedAdd returns a+off and reports whether the addition stayed inside
// the 64-bit range (no wrap past zero or past the top).
func (a Address) CheckedAdd(off int64) (Address, bool) {
	if off >= 0 {
		r := a + Address(off)
		return r, r >= a
	}
	// -(off+1)+1 avoids overflowing on math.MinInt64.
	m := uint64(-(off + 1)) + 1
	if m > uint64(a) {
		return a - Address(m), false
	}
	return a - Address(m), true
}

// Offset returns the unsigned distance a-base.
//
// Addresses below base wrap to very large values, so a single comparison
// "a.Offset(start) <= size" accepts exactly the interval [start, start+size].
func (a Address) Offset(base Address) uint64 {
	return uint64(a - base)
}

// AlignUp rounds a up to a multiple of align, which must be a power of two.
func (a Address) AlignUp(align uint64) Address {
	return (a + Address(align-1)) &^ Address(align-1)
}

// AlignDown rounds a down to a multiple of align, which must be a power of two.
func (a Address) AlignDown(align uint64) Address {
	return a &^ Address(align-1)
}

// IsNull reports whether a is the null pointer.
func (a Address) IsNull() bool {
	return a == Null
}

// String formats the address in hexadecimal.
func (a Address) String() string {
	if a == Invalid {
		return "<invalid>"
	}
	return fmt.Sprintf("0x%x", uint64(a))
}

// Overlaps reports whether the half-open ranges [a, a+an) and [b, b+bn)
// share at least one byte. Empty ranges never overlap.
func Overlaps(a Address, an uint64, b Address, bn uint64) bool {
	if an == 0 || bn == 0 {
		return false
	}
	return a.Offset(b) < bn || b.Offset(a) < an
}
