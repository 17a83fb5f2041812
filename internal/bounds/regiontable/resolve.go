package regiontable

import "github.com/kolkov/boundscheck/internal/bounds/addr"

// Resolve returns the region containing a, promoting it to the head of its
// slot's chain so the next lookup of the same region is a single comparison.
//
// A region contains a when a-Start <= Size (unsigned), so addresses before
// Start never match. When a is both strictly inside one region and the
// one-past-end address of a neighbour, the region it is inside wins.
//
// On a miss Resolve returns Empty or AlwaysInvalid according to the slot's
// disposition; addresses outside the address space are AlwaysInvalid.
func (t *Table) Resolve(a addr.Address) Region {
	if !t.inSpace(a) {
		return AlwaysInvalid
	}
	s := t.slotFor(t.granule(a), false)
	if !s.live() {
		return t.miss(s)
	}

	// Fast path: strictly inside the head region.
	if a.Offset(s.start) < s.size {
		return Region{Start: s.start, Size: s.size}
	}

	var edge nodeRef
	headEdge := a.Offset(s.start) == s.size
	for ref := s.next; ref != 0; {
		n := &t.nodes[ref-1]
		off := a.Offset(n.start)
		if off < n.size {
			return t.promote(s, ref)
		}
		if off == n.size && edge == 0 {
			edge = ref
		}
		ref = n.next
	}

	switch {
	case headEdge:
		return Region{Start: s.start, Size: s.size}
	case edge != 0:
		return t.promote(s, edge)
	default:
		return t.miss(s)
	}
}

// Lookup is Resolve without promotion; it never modifies the table.
func (t *Table) Lookup(a addr.Address) Region {
	if !t.inSpace(a) {
		return AlwaysInvalid
	}
	s := t.slotFor(t.granule(a), false)
	if !s.live() {
		return t.miss(s)
	}

	edge := Region{Size: SizeEmpty}
	if off := a.Offset(s.start); off < s.size {
		return Region{Start: s.start, Size: s.size}
	} else if off == s.size {
		edge = Region{Start: s.start, Size: s.size}
	}
	for ref := s.next; ref != 0; {
		n := &t.nodes[ref-1]
		off := a.Offset(n.start)
		if off < n.size {
			return Region{Start: n.start, Size: n.size}
		}
		if off == n.size && !edge.Live() {
			edge = Region{Start: n.start, Size: n.size}
		}
		ref = n.next
	}
	if edge.Live() {
		return edge
	}
	return t.miss(s)
}

// RegionSize returns the size of the live region starting exactly at start.
func (t *Table) RegionSize(start addr.Address) (uint64, bool) {
	r, ok := t.lookupStart(start)
	return r.Size, ok
}

// lookupStart finds the live region whose Start is exactly a.
func (t *Table) lookupStart(a addr.Address) (Region, bool) {
	if !t.inSpace(a) {
		return AlwaysInvalid, false
	}
	s := t.slotFor(t.granule(a), false)
	if !s.live() {
		return t.miss(s), false
	}
	if s.start == a {
		return Region{Start: s.start, Size: s.size}, true
	}
	for ref := s.next; ref != 0; {
		n := &t.nodes[ref-1]
		if n.start == a {
			return Region{Start: n.start, Size: n.size}, true
		}
		ref = n.next
	}
	return t.miss(s), false
}

// promote swaps the descriptor of node ref with the slot head and returns it.
func (t *Table) promote(s *slot, ref nodeRef) Region {
	n := &t.nodes[ref-1]
	s.start, n.start = n.start, s.start
	s.size, n.size = n.size, s.size
	return Region{Start: s.start, Size: s.size}
}

func (t *Table) miss(s *slot) Region {
	if s.invalid {
		return AlwaysInvalid
	}
	return Empty
}
