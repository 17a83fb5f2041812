// Package regiontable implements the sparse address-indexed table of live
// memory regions used by the bounds checking runtime.
//
// The table answers one question on every instrumented pointer operation:
// which registered region, if any, contains this address? It does so in
// expected O(1) time without reserving memory for the whole address space.
//
// # Layout
//
// An address is split into three parts:
//
//	| top index (TopBits) | slot index (PageBits) | granule offset (GranuleBits) |
//
// The top index selects an entry of a fixed-size top-level array. Each entry
// points to a page of slots, one slot per granule (16 bytes by default).
// Pages are created lazily on first registration. Untouched top-level entries
// point to one of two shared singleton pages:
//
//   - the all-empty page: nothing registered, nothing known
//   - the all-invalid page: no address in this segment can ever be valid
//
// so a never-used 64 KiB segment costs one pointer, not a page.
//
// # Slots and chains
//
// A slot holds the descriptor of the region that most recently touched its
// granule, inline. Regions that share a granule (two small allocations packed
// into one 16-byte unit, or a region's one-past-end byte landing in its
// neighbour's first granule) are kept in a short overflow chain. Chain nodes
// live in an arena owned by the table and are linked by index, so the table
// never holds pointers into memory it has released.
//
// Resolve promotes the matching chain entry into the slot head, so repeated
// access to the same region costs a single comparison.
//
// # Sizes
//
// A region's Size is its highest valid offset: [Start, Start+Size] resolves
// to the region. Start+Size is the one-past-end address, legal as the result
// of pointer arithmetic but not for dereference (see package check).
// The sizes SizeEmpty and SizeInvalid are sentinels and never describe a
// real region.
//
// # Thread Safety
//
// None. The table is process-wide mutable state; callers serialize all
// access (runtime.Runtime does so when configured with Serialize).
package regiontable
