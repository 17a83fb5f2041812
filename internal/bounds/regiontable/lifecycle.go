package regiontable

import (
	"fmt"

	"github.com/kolkov/boundscheck/internal/bounds/addr"
)

// Register records the region [start, start+size] in every granule slot it
// overlaps. After Register, Resolve of any address in that interval returns
// this region.
//
// The caller guarantees that no live region overlaps the new one; the table
// does not detect overlapping registrations.
//
// Returns ErrSizeTooLarge for sizes that collide with the sentinels and
// ErrAddressRange when the interval wraps or leaves the address space.
// Nothing is modified on error.
func (t *Table) Register(start addr.Address, size uint64) error {
	if size > MaxRegionSize {
		return fmt.Errorf("register %v+%d: %w", start, size, ErrSizeTooLarge)
	}
	end := start + addr.Address(size)
	if end < start || !t.inSpace(end) {
		return fmt.Errorf("register %v+%d: %w", start, size, ErrAddressRange)
	}

	for g, last := t.granule(start), t.granule(end); g <= last; g++ {
		t.addRegion(t.slotFor(g, true), start, size)
	}
	t.live++
	return nil
}

// Deregister removes the region starting exactly at start from every slot it
// was registered in. Slots whose chain becomes empty revert to SizeEmpty or
// SizeInvalid according to their disposition.
//
// Interior pointers, unknown addresses and already removed regions are
// rejected with ErrNotRegionStart without modifying the table.
func (t *Table) Deregister(start addr.Address) error {
	r, ok := t.lookupStart(start)
	if !ok {
		return fmt.Errorf("deregister %v: %w", start, ErrNotRegionStart)
	}

	end := r.End()
	for g, last := t.granule(start), t.granule(end); g <= last; g++ {
		t.removeRegion(t.slotFor(g, false), start)
	}
	t.live--
	return nil
}

// addRegion stores the region in the slot head, pushing any region already
// there into a new overflow node.
func (t *Table) addRegion(s *slot, start addr.Address, size uint64) {
	if s.live() {
		s.next = t.allocNode(node{start: s.start, size: s.size, next: s.next})
	}
	s.start = start
	s.size = size
}

// removeRegion unlinks the region starting at start from the slot's chain.
func (t *Table) removeRegion(s *slot, start addr.Address) {
	if !s.live() {
		return
	}

	if s.start == start {
		if s.next == 0 {
			s.clear()
			return
		}
		ref := s.next
		n := t.nodes[ref-1]
		s.start, s.size, s.next = n.start, n.size, n.next
		t.freeNode(ref)
		return
	}

	prev := &s.next
	for ref := s.next; ref != 0; {
		n := &t.nodes[ref-1]
		if n.start == start {
			*prev = n.next
			t.freeNode(ref)
			return
		}
		prev = &n.next
		ref = n.next
	}
}
