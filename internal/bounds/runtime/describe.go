package runtime

import (
	"fmt"

	"github.com/kolkov/boundscheck/internal/bounds/addr"
	"github.com/kolkov/boundscheck/internal/bounds/regiontable"
)

// Describe explains where a lies relative to the registered regions: the
// region containing it, or the nearest region on either side.
func (r *Runtime) Describe(a addr.Address) string {
	r.lock()
	defer r.unlock()
	if reg := r.table.Lookup(a); reg.Live() {
		return fmt.Sprintf("%v is %d bytes inside region %v", a, a.Offset(reg.Start), reg)
	}
	if s := r.describe(a); s != "" {
		return s
	}
	return fmt.Sprintf("%v is not near any registered region", a)
}

// describe names the nearest live region around an address that resolved
// to no region, or returns "" when there is none.
func (r *Runtime) describe(a addr.Address) string {
	var below, above regiontable.Region
	var haveBelow, haveAbove bool
	r.index.DescendLessOrEqual(regiontable.Region{Start: a}, func(reg regiontable.Region) bool {
		below, haveBelow = reg, true
		return false
	})
	r.index.AscendGreaterOrEqual(regiontable.Region{Start: a}, func(reg regiontable.Region) bool {
		if reg.Start == a {
			return true
		}
		above, haveAbove = reg, true
		return false
	})

	switch {
	case haveBelow && below.Contains(a):
		return fmt.Sprintf("%v is %d bytes inside region %v", a, a.Offset(below.Start), below)
	case haveBelow && (!haveAbove || a-below.End() <= above.Start-a):
		return fmt.Sprintf("%v is %d bytes past the end of region %v", a, a.Offset(below.End()), below)
	case haveAbove:
		return fmt.Sprintf("%v is %d bytes before region %v", a, above.Start.Offset(a), above)
	default:
		return ""
	}
}
