package slabcache

import (
	"testing"
	"unsafe"

	"src.userspace.com.au/slabcache/rseq"
)

// testEnv owns page-aligned fake slab banks and an object pool so
// cached pointers are stable for the duration of a test.
type testEnv struct {
	reg  *rseq.Registry
	slab *Slab
	caps map[int]uint16
	bufs [][]byte
	objs [][]byte
}

func newTestEnv(t *testing.T, cpus int, shift uint8, numClasses int, caps map[int]uint16) *testEnv {
	t.Helper()
	e := &testEnv{
		reg:  rseq.NewRegistry(cpus),
		caps: caps,
	}
	var err error
	e.slab, err = New(e.reg)
	if err != nil {
		t.Fatalf("failed to create slab: %s", err)
	}
	e.slab.Init(numClasses, e.region(shift), e.capacity, shift)
	return e
}

// region returns a zeroed, page-aligned bank for the registry's CPU
// count.
func (e *testEnv) region(shift uint8) unsafe.Pointer {
	size := SlabsAllocSize(shift, e.reg.NumCPUs())
	buf := make([]byte, size+4096)
	e.bufs = append(e.bufs, buf)
	p := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (p + 4095) &^ 4095
	return unsafe.Pointer(aligned)
}

func (e *testEnv) capacity(sizeClass int) uint16 {
	return e.caps[sizeClass]
}

func (e *testEnv) maxCapacity(sizeClass int) MaxCapacityFunc {
	return func(uint8) int { return int(e.caps[sizeClass]) }
}

// obj returns a distinct object pointer outside the slab bank.
func (e *testEnv) obj() unsafe.Pointer {
	b := make([]byte, 16)
	e.objs = append(e.objs, b)
	return unsafe.Pointer(&b[0])
}

// cache binds a thread and caches its CPU's slab, failing the test on
// a stopped CPU.
func (e *testEnv) cache(t *testing.T, tr *rseq.Thread) int {
	t.Helper()
	cpu, _ := e.slab.CacheCpuSlab(tr)
	if cpu < 0 {
		t.Fatalf("failed to cache cpu slab")
	}
	return cpu
}

var scenarioCaps = map[int]uint16{1: 2, 2: 3}

func TestFreshInitEmpty(t *testing.T) {
	e := newTestEnv(t, 1, 18, 3, scenarioCaps)
	if n := e.slab.Length(0, 1); n != 0 {
		t.Errorf("Length(0,1) => %d, expected 0", n)
	}
	if n := e.slab.Capacity(0, 1); n != 0 {
		t.Errorf("Capacity(0,1) => %d, expected 0", n)
	}
}

func TestGrowBoundedByMaxCapacity(t *testing.T) {
	e := newTestEnv(t, 1, 18, 3, scenarioCaps)
	tr := e.reg.RegisterThread()
	cpu := e.cache(t, tr)

	if n := e.slab.Grow(tr, cpu, 1, 4, e.maxCapacity(1)); n != 2 {
		t.Errorf("Grow(0,1,4) => %d, expected 2", n)
	}
	if n := e.slab.Capacity(0, 1); n != 2 {
		t.Errorf("Capacity(0,1) => %d, expected 2", n)
	}
	// Already at max.
	if n := e.slab.Grow(tr, cpu, 1, 1, e.maxCapacity(1)); n != 0 {
		t.Errorf("Grow at max => %d, expected 0", n)
	}
}

func TestGrowUncachedMisses(t *testing.T) {
	e := newTestEnv(t, 1, 18, 3, scenarioCaps)
	tr := e.reg.RegisterThread()
	if n := e.slab.Grow(tr, 0, 1, 4, e.maxCapacity(1)); n != 0 {
		t.Errorf("Grow without cached slab => %d, expected 0", n)
	}
}

func TestLayoutOffsets(t *testing.T) {
	e := newTestEnv(t, 2, 18, 3, scenarioCaps)
	tr := e.reg.RegisterThread()
	cpu := e.cache(t, tr)
	e.slab.Grow(tr, cpu, 1, 2, e.maxCapacity(1))
	e.slab.Grow(tr, cpu, 2, 3, e.maxCapacity(2))

	// Headers take numClasses words, then one sentinel, so class 1
	// begins at word 4; class 2 is separated by its own sentinel.
	slabs, shift := e.slab.slabsShift()
	h1 := loadHeader(headerAddr(slabs, shift, cpu, 1))
	h2 := loadHeader(headerAddr(slabs, shift, cpu, 2))
	if h1.begin != 4 {
		t.Errorf("begin(1) => %d, expected 4", h1.begin)
	}
	if h2.begin != 7 {
		t.Errorf("begin(2) => %d, expected 7", h2.begin)
	}
	if h1.end != 6 || h2.end != 10 {
		t.Errorf("ends => %d, %d, expected 6, 10", h1.end, h2.end)
	}
	// Slot ranges are disjoint and the sentinel below each begin
	// carries the mark bit.
	start := cpuMemoryStart(slabs, shift, cpu)
	for _, begin := range []uint16{h1.begin, h2.begin} {
		sentinel := *(*uintptr)(unsafe.Pointer(start + uintptr(begin-1)*wordSize))
		if sentinel&beginMark == 0 {
			t.Errorf("sentinel below %d missing mark bit", begin)
		}
	}
}

func TestLayoutOverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic for oversized layout")
		}
	}()
	// 1 << 15 bytes = 4096 words; two classes of 4000 cannot fit.
	newTestEnv(t, 1, 15, 3, map[int]uint16{1: 4000, 2: 4000})
}

func TestInitCpuLazy(t *testing.T) {
	e := newTestEnv(t, 2, 18, 3, scenarioCaps)
	slabs, shift := e.slab.slabsShift()
	if h := loadHeader(headerAddr(slabs, shift, 1, 1)); h.isInitialized() {
		t.Errorf("cpu 1 initialized before InitCpu")
	}
	e.slab.InitCpu(1, e.capacity)
	h := loadHeader(headerAddr(slabs, shift, 1, 1))
	if !h.isInitialized() {
		t.Errorf("cpu 1 not initialized after InitCpu")
	}
	if h.begin != h.current || h.current != h.end {
		t.Errorf("fresh header not empty: %+v", h)
	}
	// begins match every populated CPU's headers.
	if e.slab.begins[1] != h.begin {
		t.Errorf("begins[1] => %d, header begin %d", e.slab.begins[1], h.begin)
	}
}

func TestDrainResetsAndReports(t *testing.T) {
	e := newTestEnv(t, 1, 18, 3, scenarioCaps)
	tr := e.reg.RegisterThread()
	cpu := e.cache(t, tr)
	e.slab.Grow(tr, cpu, 2, 3, e.maxCapacity(2))

	batch := []unsafe.Pointer{e.obj(), e.obj(), e.obj()}
	if n := e.slab.PushBatch(tr, 2, batch); n != 3 {
		t.Fatalf("PushBatch => %d, expected 3", n)
	}

	var gotSize, gotCap int
	drained := make(map[unsafe.Pointer]bool)
	e.slab.Drain(cpu, func(c, sc int, b []unsafe.Pointer, cap int) {
		if sc != 2 {
			return
		}
		gotSize = len(b)
		gotCap = cap
		for _, p := range b {
			drained[p] = true
		}
	})
	if gotSize != 3 || gotCap != 3 {
		t.Errorf("drain => size %d cap %d, expected 3 and 3", gotSize, gotCap)
	}
	for _, p := range batch {
		if !drained[p] {
			t.Errorf("pushed object %p not drained", p)
		}
	}
	for sc := 1; sc < 3; sc++ {
		if e.slab.Length(cpu, sc) != 0 || e.slab.Capacity(cpu, sc) != 0 {
			t.Errorf("class %d not reset after drain", sc)
		}
	}
}

func TestDrainRestartsCpuOnPanic(t *testing.T) {
	e := newTestEnv(t, 1, 18, 3, scenarioCaps)
	tr := e.reg.RegisterThread()
	cpu := e.cache(t, tr)
	e.slab.Grow(tr, cpu, 1, 1, e.maxCapacity(1))
	if !e.slab.Push(tr, 1, e.obj()) {
		t.Fatalf("push failed")
	}

	panicked := false
	func() {
		defer func() { panicked = recover() != nil }()
		e.slab.Drain(0, func(int, int, []unsafe.Pointer, int) {
			panic("handler failure")
		})
	}()
	if !panicked {
		t.Fatalf("handler panic did not propagate")
	}
	// The scoped stop guard must have restarted the CPU.
	e.slab.StopCpu(0)
	e.slab.StartCpu(0)
}

func TestGrowShrinkOtherCache(t *testing.T) {
	e := newTestEnv(t, 1, 18, 3, scenarioCaps)
	tr := e.reg.RegisterThread()
	cpu := e.cache(t, tr)

	e.slab.StopCpu(cpu)
	if n := e.slab.GrowOtherCache(cpu, 1, 5, e.maxCapacity(1)); n != 2 {
		t.Errorf("GrowOtherCache => %d, expected 2", n)
	}
	e.slab.StartCpu(cpu)

	e.cache(t, tr)
	a, b := e.obj(), e.obj()
	if !e.slab.Push(tr, 1, a) || !e.slab.Push(tr, 1, b) {
		t.Fatalf("failed to push after GrowOtherCache")
	}

	// Shrinking by 2 with both slots occupied pops both through the
	// handler.
	var popped []unsafe.Pointer
	e.slab.StopCpu(cpu)
	n := e.slab.ShrinkOtherCache(cpu, 1, 2, func(sc int, batch []unsafe.Pointer) {
		popped = append(popped, batch...)
	})
	e.slab.StartCpu(cpu)
	if n != 2 {
		t.Errorf("ShrinkOtherCache => %d, expected 2", n)
	}
	if len(popped) != 2 {
		t.Errorf("shrink handler got %d objects, expected 2", len(popped))
	}
	if e.slab.Capacity(cpu, 1) != 0 {
		t.Errorf("capacity not reclaimed: %d", e.slab.Capacity(cpu, 1))
	}
}

func TestShrinkUnusedOnly(t *testing.T) {
	e := newTestEnv(t, 1, 18, 3, scenarioCaps)
	tr := e.reg.RegisterThread()
	cpu := e.cache(t, tr)
	e.slab.Grow(tr, cpu, 2, 3, e.maxCapacity(2))
	if !e.slab.Push(tr, 2, e.obj()) {
		t.Fatalf("push failed")
	}

	e.slab.StopCpu(cpu)
	n := e.slab.ShrinkOtherCache(cpu, 2, 2, func(int, []unsafe.Pointer) {
		t.Errorf("handler called for unused-capacity shrink")
	})
	e.slab.StartCpu(cpu)
	if n != 2 {
		t.Errorf("ShrinkOtherCache => %d, expected 2", n)
	}
	if e.slab.Length(cpu, 2) != 1 || e.slab.Capacity(cpu, 2) != 1 {
		t.Errorf("length/capacity => %d/%d, expected 1/1",
			e.slab.Length(cpu, 2), e.slab.Capacity(cpu, 2))
	}
}

func TestStoppedCpuRefusesCaching(t *testing.T) {
	e := newTestEnv(t, 1, 18, 3, scenarioCaps)
	tr := e.reg.RegisterThread()

	e.slab.StopCpu(0)
	cpu, _ := e.slab.CacheCpuSlab(tr)
	if cpu != -1 {
		t.Errorf("CacheCpuSlab on stopped cpu => %d, expected -1", cpu)
	}
	if tr.Slabs() != 0 {
		t.Errorf("slabs word not cleared after stopped miss")
	}
	e.slab.StartCpu(0)

	if cpu, _ = e.slab.CacheCpuSlab(tr); cpu != 0 {
		t.Errorf("CacheCpuSlab after restart => %d, expected 0", cpu)
	}
}

func TestDestroy(t *testing.T) {
	e := newTestEnv(t, 1, 18, 3, scenarioCaps)
	slabs, _ := e.slab.slabsShift()
	got := e.slab.Destroy()
	if got != slabs {
		t.Errorf("Destroy returned %p, expected %p", got, slabs)
	}
	if p, shift := e.slab.slabsShift(); p != nil || shift != 0 {
		t.Errorf("slabs and shift not cleared: %p %d", p, shift)
	}
}

func TestMetadataMemoryUsage(t *testing.T) {
	e := newTestEnv(t, 2, 16, 3, scenarioCaps)
	usage := e.slab.MetadataMemoryUsage()
	if usage.VirtualSize < SlabsAllocSize(16, 2) {
		t.Errorf("virtual size %d below bank size %d",
			usage.VirtualSize, SlabsAllocSize(16, 2))
	}
}
