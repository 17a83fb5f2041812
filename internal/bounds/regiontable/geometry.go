package regiontable

import "fmt"

// Geometry describes how addresses are split across the table levels.
type Geometry struct {
	// AddressBits is the width of the checked address space. Addresses at or
	// above 1<<AddressBits always resolve to AlwaysInvalid.
	AddressBits uint `toml:"address_bits" yaml:"address_bits"`

	// GranuleBits is log2 of the number of bytes covered by one slot.
	GranuleBits uint `toml:"granule_bits" yaml:"granule_bits"`

	// PageBits is log2 of the number of slots in one page.
	PageBits uint `toml:"page_bits" yaml:"page_bits"`
}

// maxTopBits bounds the size of the top-level array (16M entries).
const maxTopBits = 24

// DefaultGeometry is a 4 GiB address space with 16-byte granules and
// 4096-slot pages, giving a 64K-entry top-level array.
var DefaultGeometry = Geometry{
	AddressBits: 32,
	GranuleBits: 4,
	PageBits:    12,
}

// TopBits returns the number of address bits indexing the top-level array.
func (g Geometry) TopBits() uint {
	return g.AddressBits - g.GranuleBits - g.PageBits
}

// GranuleSize returns the number of bytes covered by one slot.
func (g Geometry) GranuleSize() uint64 {
	return 1 << g.GranuleBits
}

// SegmentSize returns the number of bytes covered by one page.
func (g Geometry) SegmentSize() uint64 {
	return 1 << (g.GranuleBits + g.PageBits)
}

// Limit returns the first address outside the address space.
func (g Geometry) Limit() uint64 {
	return 1 << g.AddressBits
}

// Validate checks that the geometry describes a usable table.
func (g Geometry) Validate() error {
	if g.AddressBits == 0 || g.AddressBits >= 64 {
		return fmt.Errorf("address_bits must be in [1, 63], got %d", g.AddressBits)
	}
	if g.GranuleBits == 0 || g.GranuleBits > 12 {
		return fmt.Errorf("granule_bits must be in [1, 12], got %d", g.GranuleBits)
	}
	if g.PageBits == 0 || g.PageBits > 20 {
		return fmt.Errorf("page_bits must be in [1, 20], got %d", g.PageBits)
	}
	if g.GranuleBits+g.PageBits >= g.AddressBits {
		return fmt.Errorf("granule_bits+page_bits (%d) must be below address_bits (%d)",
			g.GranuleBits+g.PageBits, g.AddressBits)
	}
	if top := g.TopBits(); top > maxTopBits {
		return fmt.Errorf("top-level index of %d bits exceeds %d; raise page_bits or granule_bits", top, maxTopBits)
	}
	return nil
}
