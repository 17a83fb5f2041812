// Package runtime assembles the bounds-checking runtime: the region table,
// the heap and data arenas, the allocator hook table with the shim
// installed, the checked bulk operations and the violation handler.
//
// A Runtime is what instrumented code talks to. Its entry points mirror the
// calls a bounds-checking compiler emits: pointer arithmetic and dereference
// checks, region registration for globals and locals, the allocator entry
// points and the checked memory primitives.
package runtime

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kolkov/boundscheck/internal/bounds/addr"
	"github.com/kolkov/boundscheck/internal/bounds/check"
	"github.com/kolkov/boundscheck/internal/bounds/config"
	"github.com/kolkov/boundscheck/internal/bounds/heap"
	"github.com/kolkov/boundscheck/internal/bounds/hooks"
	"github.com/kolkov/boundscheck/internal/bounds/logging"
	"github.com/kolkov/boundscheck/internal/bounds/memops"
	"github.com/kolkov/boundscheck/internal/bounds/regiontable"
	"github.com/kolkov/boundscheck/internal/bounds/report"
	"github.com/kolkov/boundscheck/internal/bounds/shim"
	"github.com/kolkov/boundscheck/internal/bounds/stackdepot"
)

// Errors returned by the registration entry points.
var (
	ErrReservedZone = errors.New("runtime: address range is reserved")
	ErrHeapBlock    = errors.New("runtime: heap blocks are released with free")
	ErrClosed       = errors.New("runtime: finalized")
)

// StaticRegion is a global object registered at initialization.
type StaticRegion struct {
	Start addr.Address
	Size  uint64
}

// Option configures New.
type Option func(*options)

type options struct {
	log     *zap.Logger
	handler report.Handler
	statics []StaticRegion
}

// WithLogger sets the logger. Without it the runtime builds one from the
// configured log level and format.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithHandler sets the function called for every violation. The default
// is report.Panic.
func WithHandler(h report.Handler) Option {
	return func(o *options) { o.handler = h }
}

// WithStatics registers global objects during initialization.
func WithStatics(regions ...StaticRegion) Option {
	return func(o *options) { o.statics = append(o.statics, regions...) }
}

// Runtime is one bounds-checking runtime instance.
//
// Thread Safety: entry points are safe for concurrent use only when the
// configuration sets Serialize.
type Runtime struct {
	id      uuid.UUID
	cfg     config.Config
	log     *zap.Logger
	handler report.Handler

	mu        sync.Mutex
	serialize bool

	table *regiontable.Table
	// index orders live regions by start address for diagnostics.
	index *btree.BTreeG[regiontable.Region]

	heap  *heap.Arena
	data  *heap.Arena
	mem   heap.Space
	hooks *hooks.Table
	shim  *shim.Shim
	check *check.Checker
	ops   *memops.Ops
	depot *stackdepot.Depot

	violations    uint64
	allocFailures uint64
	closed        bool
}

// New validates cfg and initializes a runtime: both arenas are mapped, the
// null guard and the heap window are marked always invalid, the shim is
// installed over the host allocator and the static regions are registered.
func New(cfg config.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.handler == nil {
		o.handler = report.Panic
	}

	r := &Runtime{
		id:        uuid.New(),
		cfg:       cfg,
		handler:   o.handler,
		serialize: cfg.Serialize,
		index:     btree.NewG(8, regionLess),
		depot:     stackdepot.New(),
	}

	log := o.log
	if log == nil {
		var err error
		if log, err = logging.New(cfg.LogLevel, cfg.LogFormat); err != nil {
			return nil, err
		}
	}
	r.log = log.With(zap.String("runtime", r.id.String()))

	table, err := regiontable.New(cfg.Geometry)
	if err != nil {
		return nil, err
	}
	r.table = table

	if r.heap, err = heap.New(addr.Address(cfg.HeapBase), cfg.HeapSize); err != nil {
		return nil, fmt.Errorf("map heap: %w", err)
	}
	if r.data, err = heap.New(addr.Address(cfg.DataBase), cfg.DataSize); err != nil {
		_ = r.heap.Close()
		return nil, fmt.Errorf("map data segment: %w", err)
	}
	r.mem = heap.Space{r.heap, r.data}

	if err := r.markInvalid(); err != nil {
		r.unmap()
		return nil, err
	}

	r.check = check.New(table, cfg.PermissiveUnknown)
	r.ops = memops.New(r.check, r.mem)
	r.hooks = hooks.NewTable(hooks.Host(r.heap))
	r.shim = shim.New(registry{r}, r.hooks, r.mem, r.depot, r.log)
	if err := r.hooks.Install(r.shim.Hooks()); err != nil {
		r.unmap()
		return nil, err
	}

	for _, s := range o.statics {
		if err := r.register(s.Start, s.Size); err != nil {
			_ = r.hooks.Restore()
			r.unmap()
			return nil, fmt.Errorf("static region %v+%d: %w", s.Start, s.Size, err)
		}
	}

	r.log.Info("bounds runtime initialized",
		zap.Uint("address_bits", cfg.Geometry.AddressBits),
		zap.Stringer("heap", regiontable.Region{Start: addr.Address(cfg.HeapBase), Size: cfg.HeapSize}),
		zap.Stringer("data", regiontable.Region{Start: addr.Address(cfg.DataBase), Size: cfg.DataSize}),
		zap.Bool("permissive_unknown", cfg.PermissiveUnknown),
		zap.Int("statics", len(o.statics)))
	return r, nil
}

// markInvalid sets up the always-invalid zones: the null guard and the heap
// window, on which heap blocks are overlaid as they are allocated.
func (r *Runtime) markInvalid() error {
	if err := r.table.MarkAlwaysInvalid(addr.Null, r.cfg.NullGuardSize); err != nil {
		return fmt.Errorf("null guard: %w", err)
	}
	if err := r.table.MarkAlwaysInvalid(addr.Address(r.cfg.HeapBase), r.cfg.HeapSize); err != nil {
		return fmt.Errorf("heap window: %w", err)
	}
	return nil
}

func (r *Runtime) unmap() {
	_ = r.heap.Close()
	_ = r.data.Close()
}

// ID returns the runtime's unique identifier, attached to its violations.
func (r *Runtime) ID() string {
	return r.id.String()
}

// Config returns the configuration the runtime was built from.
func (r *Runtime) Config() config.Config {
	return r.cfg
}

// Memory returns the byte view of the heap and data arenas. Accesses
// through it are not checked.
func (r *Runtime) Memory() heap.Memory {
	return r.mem
}

// Fini restores the host allocator hooks, logs a summary and unmaps the
// arenas. Calling Fini twice returns ErrClosed.
func (r *Runtime) Fini() error {
	r.lock()
	defer r.unlock()
	if r.closed {
		return ErrClosed
	}
	r.closed = true

	err := r.hooks.Restore()
	st := r.stats()
	r.log.Info("bounds runtime finalized",
		zap.Int("live_regions", st.Table.LiveRegions),
		zap.Int("leaked_blocks", st.Shim.LiveBlocks),
		zap.Uint64("mallocs", st.Shim.Mallocs),
		zap.Uint64("frees", st.Shim.Frees),
		zap.Uint64("violations", st.Violations),
		zap.Uint64("alloc_failures", st.AllocFailures))
	_ = r.log.Sync()

	if cerr := r.heap.Close(); err == nil {
		err = cerr
	}
	if cerr := r.data.Close(); err == nil {
		err = cerr
	}
	return err
}

// Stats is a snapshot of runtime counters.
type Stats struct {
	Table         regiontable.Stats
	Heap          heap.Stats
	Shim          shim.Stats
	Stacks        int
	Violations    uint64
	AllocFailures uint64
}

// Stats returns current counters.
func (r *Runtime) Stats() Stats {
	r.lock()
	defer r.unlock()
	return r.stats()
}

func (r *Runtime) stats() Stats {
	stacks, _ := r.depot.Stats()
	return Stats{
		Table:         r.table.Stats(),
		Heap:          r.heap.Stats(),
		Shim:          r.shim.Stats(),
		Stacks:        stacks,
		Violations:    r.violations,
		AllocFailures: r.allocFailures,
	}
}

// Dump writes the live regions, in address order, followed by the region
// table's slot chains.
func (r *Runtime) Dump(w io.Writer) {
	r.lock()
	defer r.unlock()

	fmt.Fprintf(w, "runtime %s: %d live regions\n", r.id, r.index.Len())
	r.index.Ascend(func(reg regiontable.Region) bool {
		owner := "static"
		if r.shim.Owns(reg.Start) {
			owner = "heap"
		}
		fmt.Fprintf(w, "  %v size %d (%s)\n", reg, reg.Size, owner)
		return true
	})
	fmt.Fprintln(w, "slots:")
	r.table.Dump(w)
}

func (r *Runtime) lock() {
	if r.serialize {
		r.mu.Lock()
	}
}

func (r *Runtime) unlock() {
	if r.serialize {
		r.mu.Unlock()
	}
}

// fail stamps, logs and dispatches a violation, then returns it for
// handlers that let execution continue.
func (r *Runtime) fail(v *report.Violation) error {
	v.RuntimeID = r.id.String()
	if v.Region.Live() && v.AllocStack == nil && r.shim.Owns(v.Region.Start) {
		v.AllocStack = r.shim.AllocStack(v.Region.Start)
	}
	if v.Kind == report.OutOfBounds && !v.Region.Live() {
		if near := r.describe(v.Addr); near != "" {
			if v.Message != "" {
				v.Message += "; "
			}
			v.Message += near
		}
	}
	r.violations++
	r.log.Warn("bounds violation",
		zap.Stringer("kind", v.Kind),
		zap.String("op", v.Op),
		zap.Stringer("addr", v.Addr),
		zap.Uint64("size", v.Size))
	r.handler(v)
	return v
}

// failErr routes violation errors to fail and passes other errors through.
func (r *Runtime) failErr(err error) error {
	var v *report.Violation
	if errors.As(err, &v) {
		return r.fail(v)
	}
	return err
}

// allocErr hands an allocation failure back to the caller, the way malloc
// returns NULL, without calling the handler. Any other violation goes
// through fail.
func (r *Runtime) allocErr(err error) error {
	var v *report.Violation
	if !errors.As(err, &v) || v.Kind != report.AllocationFailure {
		return r.failErr(err)
	}
	v.RuntimeID = r.id.String()
	r.allocFailures++
	r.log.Warn("allocation failed",
		zap.String("op", v.Op),
		zap.Uint64("size", v.Size),
		zap.Error(v.Cause))
	return v
}

func regionLess(a, b regiontable.Region) bool {
	return a.Start < b.Start
}

// registry keeps the region table and the diagnostic index in step; the
// shim registers heap blocks through it.
type registry struct{ r *Runtime }

func (g registry) Register(start addr.Address, size uint64) error {
	if err := g.r.table.Register(start, size); err != nil {
		return err
	}
	g.r.index.ReplaceOrInsert(regiontable.Region{Start: start, Size: size})
	return nil
}

func (g registry) Deregister(start addr.Address) error {
	if err := g.r.table.Deregister(start); err != nil {
		return err
	}
	g.r.index.Delete(regiontable.Region{Start: start})
	return nil
}

func (g registry) RegionSize(start addr.Address) (uint64, bool) {
	return g.r.table.RegionSize(start)
}

func (g registry) Lookup(a addr.Address) regiontable.Region {
	return g.r.table.Lookup(a)
}
