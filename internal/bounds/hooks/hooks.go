// Package hooks holds the process allocator entry points.
//
// Instrumented code never calls the host allocator directly: it goes
// through a Table, whose current Hooks start out as the host's own entry
// points. The allocator shim installs itself over them, and while it calls
// into the host it switches the table back to the saved entry points so
// that any allocation the host makes internally is served by the host
// itself rather than re-entering the shim.
package hooks

import (
	"errors"
	"fmt"

	"github.com/kolkov/boundscheck/internal/bounds/addr"
	"github.com/kolkov/boundscheck/internal/bounds/heap"
)

// Errors returned by Install and Restore.
var (
	ErrInstalled    = errors.New("hooks: already installed")
	ErrNotInstalled = errors.New("hooks: not installed")
)

// Hooks is one set of allocator entry points.
type Hooks struct {
	Malloc   func(size uint64) (addr.Address, error)
	Free     func(p addr.Address) error
	Realloc  func(p addr.Address, size uint64) (addr.Address, error)
	Memalign func(align, size uint64) (addr.Address, error)
}

// Host returns the entry points of a heap arena. Realloc is allocate, copy
// the smaller of the two usable sizes, free.
func Host(a *heap.Arena) Hooks {
	return Hooks{
		Malloc:   a.Malloc,
		Free:     a.Free,
		Memalign: a.Memalign,
		Realloc: func(p addr.Address, size uint64) (addr.Address, error) {
			switch {
			case p.IsNull():
				return a.Malloc(size)
			case size == 0:
				return addr.Null, a.Free(p)
			}
			old, err := a.UsableSize(p)
			if err != nil {
				return addr.Null, err
			}
			q, err := a.Malloc(size)
			if err != nil {
				return addr.Null, err
			}
			n := min(old, size)
			src, err := a.Bytes(p, n)
			if err != nil {
				return addr.Null, err
			}
			dst, err := a.Bytes(q, n)
			if err != nil {
				return addr.Null, err
			}
			copy(dst, src)
			return q, a.Free(p)
		},
	}
}

// Table is the process-wide allocator hook table.
//
// Thread Safety: NOT safe for concurrent use.
type Table struct {
	current   Hooks
	saved     Hooks
	installed bool

	// depth counts nested WithSaved calls.
	depth int
}

// NewTable creates a table whose current hooks are base.
func NewTable(base Hooks) *Table {
	return &Table{current: base}
}

// Install saves the current hooks and replaces them with h.
func (t *Table) Install(h Hooks) error {
	if t.installed {
		return ErrInstalled
	}
	t.saved = t.current
	t.current = h
	t.installed = true
	return nil
}

// Restore reinstates the hooks saved by Install.
func (t *Table) Restore() error {
	if !t.installed {
		return ErrNotInstalled
	}
	if t.depth > 0 {
		return fmt.Errorf("hooks: restore inside %d host call(s)", t.depth)
	}
	t.current = t.saved
	t.saved = Hooks{}
	t.installed = false
	return nil
}

// Installed reports whether hooks are installed over the base entry points.
func (t *Table) Installed() bool {
	return t.installed
}

// Current returns the active entry points.
func (t *Table) Current() Hooks {
	return t.current
}

// WithSaved runs fn with the saved (host) hooks active and passes them to
// fn, reinstating the installed hooks afterwards. Inside fn, allocations
// routed through the table reach the host directly.
func (t *Table) WithSaved(fn func(host Hooks)) {
	if !t.installed {
		fn(t.current)
		return
	}
	installed := t.current
	t.current = t.saved
	t.depth++
	defer func() {
		t.depth--
		t.current = installed
	}()
	fn(t.saved)
}

// Malloc calls the active Malloc hook.
func (t *Table) Malloc(size uint64) (addr.Address, error) {
	return t.current.Malloc(size)
}

// Free calls the active Free hook.
func (t *Table) Free(p addr.Address) error {
	return t.current.Free(p)
}

// Realloc calls the active Realloc hook.
func (t *Table) Realloc(p addr.Address, size uint64) (addr.Address, error) {
	return t.current.Realloc(p, size)
}

// Memalign calls the active Memalign hook.
func (t *Table) Memalign(align, size uint64) (addr.Address, error) {
	return t.current.Memalign(align, size)
}
