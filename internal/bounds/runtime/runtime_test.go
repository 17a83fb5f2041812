package runtime

import (
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/kolkov/boundscheck/internal/bounds/addr"
	"github.com/kolkov/boundscheck/internal/bounds/config"
	"github.com/kolkov/boundscheck/internal/bounds/regiontable"
	"github.com/kolkov/boundscheck/internal/bounds/report"
)

func testConfig() config.Config {
	c := config.Default()
	c.Geometry = regiontable.Geometry{AddressBits: 24, GranuleBits: 4, PageBits: 8}
	c.NullGuardSize = 0x1000
	c.HeapBase, c.HeapSize = 0x10_0000, 0x1_0000
	c.DataBase, c.DataSize = 0x20_0000, 0x1_0000
	return c
}

// collector records violations instead of panicking.
type collector struct {
	got []*report.Violation
}

func (c *collector) handle(v *report.Violation) { c.got = append(c.got, v) }

func (c *collector) last(t *testing.T) *report.Violation {
	t.Helper()
	if len(c.got) == 0 {
		t.Fatal("no violation reported")
	}
	return c.got[len(c.got)-1]
}

func newRuntime(t *testing.T, cfg config.Config, opts ...Option) (*Runtime, *collector) {
	t.Helper()
	c := &collector{}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithHandler(c.handle)}, opts...)
	rt, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	t.Cleanup(func() {
		if err := rt.Fini(); err != nil && !errors.Is(err, ErrClosed) {
			t.Errorf("Fini error = %v", err)
		}
	})
	return rt, c
}

// TestNewRejectsInvalidConfig verifies configuration validation.
func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.HeapSize = 0
	if _, err := New(cfg); err == nil {
		t.Fatal("New with zero heap succeeded")
	}
}

// TestHeapBlockBounds verifies the boundary behavior of a malloc'd block.
func TestHeapBlockBounds(t *testing.T) {
	rt, _ := newRuntime(t, testConfig())

	p, err := rt.Malloc(10)
	if err != nil {
		t.Fatalf("Malloc error = %v", err)
	}

	tests := []struct {
		name string
		got  addr.Address
		want addr.Address
	}{
		{"last byte", rt.CheckIndirect1(p, 9), p + 9},
		{"byte past end", rt.CheckIndirect1(p, 10), addr.Invalid},
		{"one past end pointer", rt.CheckAdd(p, 10), p + 10},
		{"two past end pointer", rt.CheckAdd(p, 11), addr.Invalid},
		{"before start", rt.CheckAdd(p, -1), addr.Invalid},
		{"8 bytes at 2", rt.CheckIndirect8(p, 2), p + 2},
		{"8 bytes at 3", rt.CheckIndirect8(p, 3), addr.Invalid},
		{"back from end", rt.CheckAdd(p+10, -10), p},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if err := rt.Free(p); err != nil {
		t.Fatalf("Free error = %v", err)
	}
	if got := rt.CheckIndirect1(p, 0); got != addr.Invalid {
		t.Errorf("CheckIndirect1 after free = %v, want invalid", got)
	}
}

// TestNullGuard verifies that the null zone is never valid.
func TestNullGuard(t *testing.T) {
	rt, _ := newRuntime(t, testConfig())

	if got := rt.CheckIndirect4(addr.Null, 0); got != addr.Invalid {
		t.Errorf("CheckIndirect4(null) = %v, want invalid", got)
	}
	if got := rt.CheckAdd(addr.Null, 16); got != addr.Invalid {
		t.Errorf("CheckAdd(null, 16) = %v, want invalid", got)
	}
	if err := rt.RegisterRegion(0x800, 16); !errors.Is(err, ErrReservedZone) {
		t.Errorf("RegisterRegion in null guard error = %v, want ErrReservedZone", err)
	}
	if err := rt.RegisterRegion(0xff0, 16); !errors.Is(err, ErrReservedZone) {
		t.Errorf("RegisterRegion straddling null guard error = %v, want ErrReservedZone", err)
	}
}

// TestPermissiveUnknown verifies both treatments of untracked memory.
func TestPermissiveUnknown(t *testing.T) {
	strict, _ := newRuntime(t, testConfig())
	p := addr.Address(0x30_0000)
	if got := strict.CheckIndirect1(p, 0); got != addr.Invalid {
		t.Errorf("strict CheckIndirect1(untracked) = %v, want invalid", got)
	}

	cfg := testConfig()
	cfg.PermissiveUnknown = true
	lenient, _ := newRuntime(t, cfg)
	if got := lenient.CheckIndirect1(p, 0); got != p {
		t.Errorf("permissive CheckIndirect1(untracked) = %v, want %v", got, p)
	}

	// Heap memory outside live blocks stays invalid either way.
	q, err := lenient.Malloc(8)
	if err != nil {
		t.Fatalf("Malloc error = %v", err)
	}
	if err := lenient.Free(q); err != nil {
		t.Fatalf("Free error = %v", err)
	}
	if got := lenient.CheckIndirect1(q, 0); got != addr.Invalid {
		t.Errorf("permissive CheckIndirect1(freed) = %v, want invalid", got)
	}
}

// TestInvalidFree verifies the invalid free reports.
func TestInvalidFree(t *testing.T) {
	cfg := testConfig()
	rt, c := newRuntime(t, cfg)

	p, _ := rt.Malloc(32)
	global := addr.Address(cfg.DataBase)
	if err := rt.RegisterRegion(global, 16); err != nil {
		t.Fatalf("RegisterRegion error = %v", err)
	}

	for _, tt := range []struct {
		name string
		ptr  addr.Address
	}{
		{"interior pointer", p + 4},
		{"static region", global},
		{"untracked", 0x30_0000},
	} {
		err := rt.Free(tt.ptr)
		var v *report.Violation
		if !errors.As(err, &v) || v.Kind != report.InvalidFree {
			t.Errorf("%s: Free(%v) = %v, want invalid free", tt.name, tt.ptr, err)
			continue
		}
		if v.RuntimeID != rt.ID() {
			t.Errorf("%s: RuntimeID = %q, want %q", tt.name, v.RuntimeID, rt.ID())
		}
	}
	if len(c.got) != 3 {
		t.Errorf("handler called %d times, want 3", len(c.got))
	}

	// Nothing above touched the block.
	if got := rt.CheckIndirect1(p, 31); got != p+31 {
		t.Errorf("block damaged by invalid frees: %v", got)
	}

	if err := rt.Free(p); err != nil {
		t.Fatalf("Free error = %v", err)
	}
	if err := rt.Free(p); err == nil {
		t.Fatal("double free succeeded")
	}
	v := c.last(t)
	if !strings.Contains(v.Message, "double free") || len(v.FreeStack) == 0 {
		t.Errorf("double free report = %q with %d free frames", v.Message, len(v.FreeStack))
	}
	if err := rt.Free(addr.Null); err != nil {
		t.Errorf("Free(null) error = %v", err)
	}
}

// TestDefaultHandlerPanics verifies the default handler.
func TestDefaultHandlerPanics(t *testing.T) {
	rt, err := New(testConfig())
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	defer rt.Fini()

	v := report.Recover(func() { _ = rt.Free(0x30_0010) })
	if v == nil || v.Kind != report.InvalidFree {
		t.Fatalf("Recover = %v, want invalid free", v)
	}
	t.Logf("report:\n%s", v)
}

// TestReallocAndCalloc verifies content preservation and zero fill.
func TestReallocAndCalloc(t *testing.T) {
	rt, c := newRuntime(t, testConfig())

	p, _ := rt.Malloc(4)
	b, _ := rt.Memory().Bytes(p, 4)
	copy(b, "abcd")

	q, err := rt.Realloc(p, 64)
	if err != nil {
		t.Fatalf("Realloc error = %v", err)
	}
	got, _ := rt.Memory().Bytes(q, 4)
	if string(got) != "abcd" {
		t.Errorf("Realloc contents = %q, want abcd", got)
	}
	if rt.CheckIndirect1(q, 63) != q+63 || rt.CheckIndirect1(q, 64) != addr.Invalid {
		t.Error("Realloc did not register the new size")
	}
	if p != q && rt.CheckIndirect1(p, 0) != addr.Invalid {
		t.Error("old block still valid after Realloc")
	}

	z, err := rt.Calloc(4, 8)
	if err != nil {
		t.Fatalf("Calloc error = %v", err)
	}
	zb, _ := rt.Memory().Bytes(z, 32)
	for i, x := range zb {
		if x != 0 {
			t.Fatalf("Calloc byte %d = %#x, want 0", i, x)
		}
	}

	before := len(c.got)
	zp, err := rt.Calloc(1<<63, 4)
	var v *report.Violation
	if !errors.As(err, &v) || v.Kind != report.AllocationFailure || zp != addr.Null {
		t.Errorf("overflowing Calloc = %v, %v; want null and allocation failure", zp, err)
	}
	if len(c.got) != before {
		t.Errorf("overflowing Calloc called the handler")
	}

	if _, err := rt.Realloc(0x30_0000, 8); err == nil {
		t.Error("Realloc of untracked pointer succeeded")
	}
}

// TestMemoryOperations verifies checked bulk operations end to end.
func TestMemoryOperations(t *testing.T) {
	rt, c := newRuntime(t, testConfig())

	src, _ := rt.Malloc(6)
	dst, _ := rt.Malloc(6)
	if _, err := rt.Memset(src, 'x', 5); err != nil {
		t.Fatalf("Memset error = %v", err)
	}
	if _, err := rt.Memset(src+5, 0, 1); err != nil {
		t.Fatalf("Memset error = %v", err)
	}
	if _, err := rt.Strcpy(dst, src); err != nil {
		t.Fatalf("Strcpy error = %v", err)
	}
	if n, err := rt.Strlen(dst); err != nil || n != 5 {
		t.Errorf("Strlen = %d, %v; want 5", n, err)
	}

	if _, err := rt.Memcpy(dst, src, 7); err == nil {
		t.Error("Memcpy of 7 bytes into 6 succeeded")
	}
	if _, err := rt.Memcpy(src+1, src, 4); err == nil || c.last(t).Kind != report.Overlap {
		t.Errorf("overlapping Memcpy error = %v, want overlap", err)
	}
	if _, err := rt.Memmove(src+1, src, 4); err != nil {
		t.Errorf("Memmove error = %v", err)
	}
}

// TestViolationNamesNearestRegion verifies the diagnostic added to reports
// about addresses outside every region.
func TestViolationNamesNearestRegion(t *testing.T) {
	cfg := testConfig()
	rt, c := newRuntime(t, cfg)

	g := addr.Address(cfg.DataBase + 0x100)
	if err := rt.RegisterRegion(g, 16); err != nil {
		t.Fatalf("RegisterRegion error = %v", err)
	}
	if _, err := rt.Memset(g+40, 0, 4); err == nil {
		t.Fatal("Memset outside every region succeeded")
	}
	v := c.last(t)
	if !strings.Contains(v.Message, "24 bytes past the end of region") {
		t.Errorf("Message = %q, want nearest region", v.Message)
	}

	if s := rt.Describe(g + 3); !strings.Contains(s, "3 bytes inside") {
		t.Errorf("Describe(inside) = %q", s)
	}
	if s := rt.Describe(g - 8); !strings.Contains(s, "8 bytes before") {
		t.Errorf("Describe(before) = %q", s)
	}
}

// TestLocals verifies frame-relative registration.
func TestLocals(t *testing.T) {
	cfg := testConfig()
	rt, c := newRuntime(t, cfg)

	frame := addr.Address(cfg.DataBase + 0x800)
	locals := []Local{{Offset: -32, Size: 16}, {Offset: -8, Size: 4}}
	if err := rt.LocalNew(frame, locals); err != nil {
		t.Fatalf("LocalNew error = %v", err)
	}
	if got := rt.CheckIndirect8(frame-32, 8); got != frame-24 {
		t.Errorf("CheckIndirect8 in local = %v, want %v", got, frame-24)
	}
	if got := rt.CheckIndirect4(frame-8, 1); got != addr.Invalid {
		t.Errorf("CheckIndirect4 past local = %v, want invalid", got)
	}

	if err := rt.LocalDelete(frame, locals); err != nil {
		t.Fatalf("LocalDelete error = %v", err)
	}
	if got := rt.CheckIndirect1(frame-32, 0); got != addr.Invalid {
		t.Errorf("local still valid after LocalDelete: %v", got)
	}
	if err := rt.LocalDelete(frame, locals[:1]); err == nil || c.last(t).Kind != report.InvalidFree {
		t.Errorf("second LocalDelete error = %v, want invalid free", err)
	}
}

// TestLocalNewRollsBack verifies that a failed LocalNew leaves nothing
// registered.
func TestLocalNewRollsBack(t *testing.T) {
	rt, _ := newRuntime(t, testConfig())

	frame := addr.Address(0x1010)
	locals := []Local{{Offset: 0, Size: 8}, {Offset: -0x20, Size: 8}}
	if err := rt.LocalNew(frame, locals); !errors.Is(err, ErrReservedZone) {
		t.Fatalf("LocalNew error = %v, want ErrReservedZone", err)
	}
	if st := rt.Stats(); st.Table.LiveRegions != 0 {
		t.Errorf("LiveRegions = %d after rollback, want 0", st.Table.LiveRegions)
	}
}

// TestMainArgs verifies registration of the argument vector.
func TestMainArgs(t *testing.T) {
	cfg := testConfig()
	rt, _ := newRuntime(t, cfg)

	argv := addr.Address(cfg.DataBase + 0x40)
	b, _ := rt.Memory().Bytes(argv, 4*PointerSize)
	for i, ptr := range []uint64{0x20_1000, 0x20_1010, 0x20_1020, 0} {
		binary.LittleEndian.PutUint64(b[i*PointerSize:], ptr)
	}

	n, err := rt.MainArgs(argv)
	if err != nil || n != 3 {
		t.Fatalf("MainArgs = %d, %v; want 3", n, err)
	}
	if got := rt.CheckIndirect8(argv, 3*PointerSize); got != argv+24 {
		t.Errorf("terminator slot = %v, want valid", got)
	}
	if got := rt.CheckIndirect8(argv, 4*PointerSize); got != addr.Invalid {
		t.Errorf("slot past terminator = %v, want invalid", got)
	}
}

// TestStatics verifies registration at initialization.
func TestStatics(t *testing.T) {
	cfg := testConfig()
	g := addr.Address(cfg.DataBase)
	rt, _ := newRuntime(t, cfg, WithStatics(StaticRegion{Start: g, Size: 32}))

	if got := rt.CheckIndirect16(g, 16); got != g+16 {
		t.Errorf("CheckIndirect16 in static = %v, want %v", got, g+16)
	}

	if _, err := New(cfg, WithStatics(StaticRegion{Start: 0x10, Size: 4})); !errors.Is(err, ErrReservedZone) {
		t.Errorf("New with static in null guard error = %v, want ErrReservedZone", err)
	}
}

// TestStatsAndDump verifies the introspection entry points.
func TestStatsAndDump(t *testing.T) {
	cfg := testConfig()
	rt, _ := newRuntime(t, cfg, WithStatics(StaticRegion{Start: addr.Address(cfg.DataBase), Size: 8}))

	p, _ := rt.Malloc(20)
	q, _ := rt.Malloc(20)
	_ = rt.Free(q)

	st := rt.Stats()
	if st.Table.LiveRegions != 2 || st.Shim.LiveBlocks != 1 || st.Shim.Mallocs != 2 || st.Shim.Frees != 1 {
		t.Errorf("Stats = %+v", st)
	}

	var b strings.Builder
	rt.Dump(&b)
	out := b.String()
	t.Logf("dump:\n%s", out)
	for _, want := range []string{"2 live regions", "(heap)", "(static)", p.String()} {
		if !strings.Contains(out, want) {
			t.Errorf("Dump missing %q", want)
		}
	}
}

// TestFini verifies finalization.
func TestFini(t *testing.T) {
	rt, err := New(testConfig(), WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	if _, err := rt.Malloc(8); err != nil {
		t.Fatalf("Malloc error = %v", err)
	}
	if err := rt.Fini(); err != nil {
		t.Fatalf("Fini error = %v", err)
	}
	if err := rt.Fini(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Fini error = %v, want ErrClosed", err)
	}
	if _, err := rt.Malloc(8); !errors.Is(err, ErrClosed) {
		t.Errorf("Malloc after Fini error = %v, want ErrClosed", err)
	}
}

// TestIndependentInstances verifies that runtimes share no state.
func TestIndependentInstances(t *testing.T) {
	a, _ := newRuntime(t, testConfig())
	b, _ := newRuntime(t, testConfig())

	p, _ := a.Malloc(16)
	if got := b.CheckIndirect1(p, 0); got != addr.Invalid {
		t.Errorf("block of one runtime valid in another: %v", got)
	}
	if a.ID() == b.ID() {
		t.Error("runtimes share an ID")
	}
}

// TestSerialize verifies concurrent use with the global lock enabled.
func TestSerialize(t *testing.T) {
	cfg := testConfig()
	cfg.Serialize = true
	rt, _ := newRuntime(t, cfg)

	const workers, rounds = 4, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				p, err := rt.Malloc(24)
				if err != nil {
					t.Errorf("Malloc error = %v", err)
					return
				}
				if rt.CheckIndirect8(p, 16) != p+16 {
					t.Errorf("CheckIndirect8(%v, 16) failed", p)
				}
				if err := rt.Free(p); err != nil {
					t.Errorf("Free error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	want := int64(workers * rounds)
	st := rt.Stats()
	if diff := cmp.Diff([]int64{want, want, 0}, []int64{int64(st.Shim.Mallocs), int64(st.Shim.Frees), int64(st.Shim.LiveBlocks)}); diff != "" {
		t.Errorf("counters mismatch (-want +got):\n%s", diff)
	}
}

// TestOutOfBoundsCarriesAllocStack verifies that reports about heap blocks
// name where the block was allocated.
func TestOutOfBoundsCarriesAllocStack(t *testing.T) {
	rt, c := newRuntime(t, testConfig())

	p, _ := rt.Malloc(16)
	if _, err := rt.Memset(p, 0, 17); err == nil {
		t.Fatal("Memset past the end succeeded")
	}
	v := c.last(t)
	if v.Region != (regiontable.Region{Start: p, Size: 16}) {
		t.Errorf("Region = %v, want the block", v.Region)
	}
	if len(v.AllocStack) == 0 {
		t.Error("AllocStack is empty")
	}
	var b strings.Builder
	v.Format(&b)
	if !strings.Contains(b.String(), "Allocated at:") {
		t.Errorf("report missing allocation stack:\n%s", b.String())
	}
}

// TestAllocationFailureIsReturned verifies that an exhausted heap yields
// null and an error instead of a fatal report.
func TestAllocationFailureIsReturned(t *testing.T) {
	rt, err := New(testConfig(), WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	defer rt.Fini()

	tooBig := testConfig().HeapSize * 2
	calls := []struct {
		name string
		run  func() (addr.Address, error)
	}{
		{"malloc", func() (addr.Address, error) { return rt.Malloc(tooBig) }},
		{"memalign", func() (addr.Address, error) { return rt.Memalign(64, tooBig) }},
		{"calloc", func() (addr.Address, error) { return rt.Calloc(2, tooBig/2) }},
		{"realloc", func() (addr.Address, error) {
			p, err := rt.Malloc(8)
			if err != nil {
				return addr.Null, err
			}
			return rt.Realloc(p, tooBig)
		}},
	}
	for _, tt := range calls {
		var (
			p   addr.Address
			err error
		)
		if v := report.Recover(func() { p, err = tt.run() }); v != nil {
			t.Fatalf("%s: handler fired: %v", tt.name, v)
		}
		var v *report.Violation
		if !errors.As(err, &v) || v.Kind != report.AllocationFailure {
			t.Errorf("%s error = %v, want allocation failure", tt.name, err)
			continue
		}
		if p != addr.Null {
			t.Errorf("%s = %v, want null", tt.name, p)
		}
		if v.RuntimeID != rt.ID() {
			t.Errorf("%s RuntimeID = %q, want %q", tt.name, v.RuntimeID, rt.ID())
		}
	}

	st := rt.Stats()
	if st.AllocFailures != uint64(len(calls)) || st.Violations != 0 {
		t.Errorf("AllocFailures = %d, Violations = %d; want %d, 0", st.AllocFailures, st.Violations, len(calls))
	}

	// The heap is still usable afterwards.
	if _, err := rt.Malloc(16); err != nil {
		t.Errorf("Malloc after failures error = %v", err)
	}
}

// TestDeregisterRefusesHeapBlock verifies that heap blocks can only be
// released with Free.
func TestDeregisterRefusesHeapBlock(t *testing.T) {
	rt, c := newRuntime(t, testConfig())

	p, err := rt.Malloc(32)
	if err != nil {
		t.Fatalf("Malloc error = %v", err)
	}
	if err := rt.DeregisterRegion(p); !errors.Is(err, ErrHeapBlock) {
		t.Fatalf("DeregisterRegion(heap block) error = %v, want ErrHeapBlock", err)
	}
	if got := rt.CheckIndirect1(p, 31); got != p+31 {
		t.Errorf("block invalid after refused deregistration: %v", got)
	}

	if err := rt.Free(p); err != nil {
		t.Fatalf("Free error = %v", err)
	}
	st := rt.Stats()
	if st.Shim.LiveBlocks != 0 || st.Heap.Blocks != 0 || len(c.got) != 0 {
		t.Errorf("after Free: live blocks %d, heap blocks %d, violations %d; want 0, 0, 0",
			st.Shim.LiveBlocks, st.Heap.Blocks, len(c.got))
	}
}
