package regiontable

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/kolkov/boundscheck/internal/bounds/addr"
)

// Sentinel sizes. Real regions always have Size <= MaxRegionSize.
const (
	// SizeEmpty marks a slot with no region registered: unknown memory,
	// not yet proven invalid.
	SizeEmpty uint64 = math.MaxUint64

	// SizeInvalid marks a slot that can never hold a valid address
	// outside of an explicitly registered region.
	SizeInvalid uint64 = math.MaxUint64 - 1

	// MaxRegionSize is the largest size Register accepts.
	MaxRegionSize = SizeInvalid - 1
)

// Errors returned by table operations.
var (
	// ErrNotRegionStart is returned by Deregister when no live region starts
	// exactly at the given address.
	ErrNotRegionStart = errors.New("no region starts at address")

	// ErrSizeTooLarge is returned by Register for sizes that collide with
	// the sentinel values.
	ErrSizeTooLarge = errors.New("region size too large")

	// ErrAddressRange is returned when a range does not fit inside the
	// address space.
	ErrAddressRange = errors.New("range outside address space")
)

// Kind classifies a resolved Region.
type Kind uint8

const (
	// KindEmpty is the miss result for untracked memory.
	KindEmpty Kind = iota
	// KindInvalid is the miss result for memory that can never be valid.
	KindInvalid
	// KindLive is a registered region.
	KindLive
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindInvalid:
		return "always-invalid"
	case KindLive:
		return "live"
	default:
		return "unknown"
	}
}

// Region is the descriptor of a registered address range, or one of the
// Empty and AlwaysInvalid sentinels.
type Region struct {
	Start addr.Address
	Size  uint64
}

var (
	// Empty is returned by Resolve for addresses in untracked memory.
	Empty = Region{Size: SizeEmpty}

	// AlwaysInvalid is returned by Resolve for addresses that can never be valid.
	AlwaysInvalid = Region{Size: SizeInvalid}
)

// Kind reports whether r is a live region or a sentinel.
func (r Region) Kind() Kind {
	switch r.Size {
	case SizeEmpty:
		return KindEmpty
	case SizeInvalid:
		return KindInvalid
	default:
		return KindLive
	}
}

// Live reports whether r describes a registered region.
func (r Region) Live() bool {
	return r.Size <= MaxRegionSize
}

// End returns the one-past-end address Start+Size.
func (r Region) End() addr.Address {
	return r.Start + addr.Address(r.Size)
}

// Contains reports whether a lies in [Start, Start+Size].
func (r Region) Contains(a addr.Address) bool {
	return r.Live() && a.Offset(r.Start) <= r.Size
}

// String formats the region as [start, end].
func (r Region) String() string {
	switch r.Kind() {
	case KindLive:
		return fmt.Sprintf("[%v, %v]", r.Start, r.End())
	default:
		return "<" + r.Kind().String() + ">"
	}
}

// nodeRef links overflow chain nodes by index. Zero means end of chain,
// otherwise the node lives at nodes[ref-1].
type nodeRef uint32

// slot is the inline head descriptor of one granule's chain.
type slot struct {
	start addr.Address
	size  uint64
	next  nodeRef

	// invalid is the slot's permanent disposition: whether it reverts to
	// SizeInvalid or SizeEmpty once its chain becomes empty.
	invalid bool
}

func (s *slot) live() bool {
	return s.size <= MaxRegionSize
}

// clear resets the head to the sentinel matching the slot's disposition.
func (s *slot) clear() {
	s.start = 0
	s.next = 0
	if s.invalid {
		s.size = SizeInvalid
	} else {
		s.size = SizeEmpty
	}
}

// node is an overflow chain entry.
type node struct {
	start addr.Address
	size  uint64
	next  nodeRef
}

type page struct {
	slots []slot
}

// Table is the sparse region table.
//
// The zero value is not usable; create tables with New.
type Table struct {
	geo       Geometry
	limit     uint64
	pageShift uint
	slotMask  uint64

	top         []*page
	emptyPage   *page
	invalidPage *page

	nodes     []node
	freeNodes []nodeRef

	pages int
	live  int
}

// Stats summarizes table memory usage.
type Stats struct {
	TopEntries      int // Size of the top-level array.
	Pages           int // Pages allocated on first touch (never reclaimed).
	InvalidSegments int // Top-level entries pointing at the invalid singleton.
	LiveRegions     int // Currently registered regions.
	ChainNodes      int // Overflow nodes in use.
}

// New creates a table for the given geometry. Every top-level entry starts
// out pointing at the shared all-empty page.
func New(geo Geometry) (*Table, error) {
	if err := geo.Validate(); err != nil {
		return nil, fmt.Errorf("region table geometry: %w", err)
	}

	t := &Table{
		geo:       geo,
		limit:     geo.Limit(),
		pageShift: geo.GranuleBits + geo.PageBits,
		slotMask:  1<<geo.PageBits - 1,
		top:       make([]*page, 1<<geo.TopBits()),
	}
	t.emptyPage = t.newPage(false)
	t.invalidPage = t.newPage(true)
	for i := range t.top {
		t.top[i] = t.emptyPage
	}
	return t, nil
}

// Geometry returns the geometry the table was built with.
func (t *Table) Geometry() Geometry {
	return t.geo
}

func (t *Table) newPage(invalid bool) *page {
	p := &page{slots: make([]slot, 1<<t.geo.PageBits)}
	for i := range p.slots {
		p.slots[i].invalid = invalid
		p.slots[i].clear()
	}
	return p
}

func (t *Table) shared(p *page) bool {
	return p == t.emptyPage || p == t.invalidPage
}

// getOrCreatePage returns the page for a top-level index, replacing a shared
// singleton with a private copy of the same disposition on first touch.
func (t *Table) getOrCreatePage(top uint64) *page {
	p := t.top[top]
	if !t.shared(p) {
		return p
	}
	np := t.newPage(p == t.invalidPage)
	t.top[top] = np
	t.pages++
	return np
}

// granule returns the global granule number of a.
func (t *Table) granule(a addr.Address) uint64 {
	return uint64(a) >> t.geo.GranuleBits
}

// slotFor returns the slot for a global granule number, creating its page
// when create is set. Without create, slots of shared pages are returned
// and must not be written.
func (t *Table) slotFor(g uint64, create bool) *slot {
	top := g >> t.geo.PageBits
	var p *page
	if create {
		p = t.getOrCreatePage(top)
	} else {
		p = t.top[top]
	}
	return &p.slots[g&t.slotMask]
}

// inSpace reports whether a is inside the address space.
func (t *Table) inSpace(a addr.Address) bool {
	return uint64(a) < t.limit
}

// MarkAlwaysInvalid marks every granule lying entirely inside
// [start, start+length) as always invalid. It is only meant to be called
// during initialization, before any region is registered in the range.
//
// Whole segments still backed by a shared page are pointed at the invalid
// singleton in O(1); partially covered segments get individual slot
// sentinels. Ranges extending past the address space are clipped.
func (t *Table) MarkAlwaysInvalid(start addr.Address, length uint64) error {
	if length == 0 {
		return nil
	}
	if !t.inSpace(start) {
		return fmt.Errorf("mark invalid %v+%d: %w", start, length, ErrAddressRange)
	}

	end := uint64(start) + length
	if end < uint64(start) || end > t.limit {
		end = t.limit
	}

	gsize := t.geo.GranuleSize()
	g0 := (uint64(start) + gsize - 1) >> t.geo.GranuleBits
	g1 := end >> t.geo.GranuleBits
	perPage := uint64(1) << t.geo.PageBits

	for g := g0; g < g1; {
		top := g >> t.geo.PageBits
		segFirst := top << t.geo.PageBits
		segEnd := segFirst + perPage

		if g == segFirst && g1 >= segEnd && t.shared(t.top[top]) {
			t.top[top] = t.invalidPage
			g = segEnd
			continue
		}

		p := t.getOrCreatePage(top)
		hi := min(g1, segEnd)
		for ; g < hi; g++ {
			s := &p.slots[g&t.slotMask]
			s.invalid = true
			if !s.live() {
				s.size = SizeInvalid
			}
		}
	}
	return nil
}

// Stats returns current usage counters.
func (t *Table) Stats() Stats {
	st := Stats{
		TopEntries:  len(t.top),
		Pages:       t.pages,
		LiveRegions: t.live,
		ChainNodes:  len(t.nodes) - len(t.freeNodes),
	}
	for _, p := range t.top {
		if p == t.invalidPage {
			st.InvalidSegments++
		}
	}
	return st
}

// Dump writes every slot holding at least one region, one line per slot:
//
//	0x1000: [0x1000, 0x100a] [0x0ff8, 0x1000]
//
// Shared pages and sentinel slots are skipped.
//
//nolint:errcheck // Diagnostic output, write errors are not actionable.
func (t *Table) Dump(w io.Writer) {
	for top, p := range t.top {
		if t.shared(p) {
			continue
		}
		for i := range p.slots {
			s := &p.slots[i]
			if !s.live() {
				continue
			}
			g := uint64(top)<<t.geo.PageBits | uint64(i)
			fmt.Fprintf(w, "%v:", addr.Address(g<<t.geo.GranuleBits))
			fmt.Fprintf(w, " %v", Region{Start: s.start, Size: s.size})
			for ref := s.next; ref != 0; {
				n := &t.nodes[ref-1]
				fmt.Fprintf(w, " %v", Region{Start: n.start, Size: n.size})
				ref = n.next
			}
			fmt.Fprintln(w)
		}
	}
}

func (t *Table) allocNode(n node) nodeRef {
	if k := len(t.freeNodes); k > 0 {
		ref := t.freeNodes[k-1]
		t.freeNodes = t.freeNodes[:k-1]
		t.nodes[ref-1] = n
		return ref
	}
	t.nodes = append(t.nodes, n)
	return nodeRef(len(t.nodes))
}

func (t *Table) freeNode(ref nodeRef) {
	t.nodes[ref-1] = node{}
	t.freeNodes = append(t.freeNodes, ref)
}
