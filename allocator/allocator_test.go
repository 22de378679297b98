package allocator

import (
	"testing"

	"src.userspace.com.au/slabcache/rseq"
)

func newTestAllocator(t *testing.T, cpus int) *Allocator {
	t.Helper()
	reg := rseq.NewRegistry(cpus)
	a, err := New(reg,
		SetShift(16),
		SetClasses(DefaultClasses(4)),
		SetArenaSize(1<<20),
	)
	if err != nil {
		t.Fatalf("failed to create allocator: %s", err)
	}
	return a
}

func TestClassFor(t *testing.T) {
	a := newTestAllocator(t, 1)
	defer a.Close()

	tests := []struct {
		size int
		want int
	}{
		{1, 1},
		{16, 1},
		{17, 2},
		{32, 2},
		{64, 3},
		{65, 0}, // oversize
	}
	for _, test := range tests {
		if got := a.ClassFor(test.size); got != test.want {
			t.Errorf("ClassFor(%d) => %d, expected %d", test.size, got, test.want)
		}
		// Memoized lookups agree.
		if got := a.ClassFor(test.size); got != test.want {
			t.Errorf("memoized ClassFor(%d) => %d, expected %d", test.size, got, test.want)
		}
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 1)
	defer a.Close()
	tr := a.reg.RegisterThread()

	p := a.Alloc(tr, 20)
	if p == nil {
		t.Fatalf("Alloc returned nil")
	}
	a.Free(tr, p, 20)

	// LIFO: the freed object comes straight back.
	q := a.Alloc(tr, 20)
	if q != p {
		t.Errorf("Alloc => %p, expected recycled %p", q, p)
	}
	a.Free(tr, q, 20)

	stats := a.Stats()
	if stats.Pushes == 0 {
		t.Errorf("no pushes counted")
	}
	if stats.Underflows == 0 {
		t.Errorf("first alloc did not underflow")
	}
}

func TestUnderflowRefillsCache(t *testing.T) {
	a := newTestAllocator(t, 1)
	defer a.Close()
	tr := a.reg.RegisterThread()

	p := a.Alloc(tr, 16)
	if p == nil {
		t.Fatalf("Alloc returned nil")
	}
	// The miss grew the class and pushed a refill batch.
	if cap := a.slab.Capacity(0, 1); cap == 0 {
		t.Errorf("capacity still zero after underflow")
	}
	if n := a.slab.Length(0, 1); n == 0 {
		t.Errorf("no refill cached after underflow")
	}
	if q := a.Alloc(tr, 16); q == nil {
		t.Errorf("second alloc missed after refill")
	}
}

func TestDrainMovesObjectsToCentral(t *testing.T) {
	a := newTestAllocator(t, 1)
	defer a.Close()
	tr := a.reg.RegisterThread()

	p := a.Alloc(tr, 16)
	a.Free(tr, p, 16)
	cached := a.slab.Length(0, 1)
	if cached == 0 {
		t.Fatalf("nothing cached before drain")
	}

	before := a.central[1].len()
	a.Drain(0)
	if n := a.slab.Length(0, 1); n != 0 {
		t.Errorf("cache not empty after drain: %d", n)
	}
	if got := a.central[1].len(); got != before+cached {
		t.Errorf("central grew by %d, expected %d", got-before, cached)
	}
}

func TestSweepReclaimsIdleCapacity(t *testing.T) {
	a := newTestAllocator(t, 1)
	defer a.Close()
	tr := a.reg.RegisterThread()

	// Leave the class with capacity but no objects.
	p := a.Alloc(tr, 16)
	for a.slab.Length(0, 1) > 0 {
		if a.slab.Pop(tr, 1) == nil {
			break
		}
	}
	if a.slab.Capacity(0, 1) == 0 {
		t.Fatalf("no capacity to reclaim")
	}
	a.sweep()
	if cap := a.slab.Capacity(0, 1); cap != 0 {
		t.Errorf("capacity after sweep => %d, expected 0", cap)
	}
	_ = p
}

func TestSweepGrowsHotClasses(t *testing.T) {
	a := newTestAllocator(t, 1)
	defer a.Close()
	tr := a.reg.RegisterThread()

	// The first alloc underflows, marking the class hot for the next
	// sweep.
	if p := a.Alloc(tr, 16); p == nil {
		t.Fatalf("Alloc returned nil")
	}
	before := a.slab.Capacity(0, 1)
	if before == 0 {
		t.Fatalf("no capacity after underflow")
	}
	a.sweep()
	grown := a.slab.Capacity(0, 1)
	if grown <= before {
		t.Errorf("capacity after sweep => %d, expected more than %d", grown, before)
	}

	// Without new underflows the next sweep leaves the class alone.
	a.sweep()
	if got := a.slab.Capacity(0, 1); got != grown {
		t.Errorf("quiet class resized: %d, expected %d", got, grown)
	}
}

func TestResizeKeepsServing(t *testing.T) {
	a := newTestAllocator(t, 2)
	defer a.Close()
	tr := a.reg.RegisterThread()

	p := a.Alloc(tr, 32)
	if p == nil {
		t.Fatalf("Alloc returned nil")
	}
	a.Free(tr, p, 32)

	if err := a.Resize(17); err != nil {
		t.Fatalf("resize failed: %s", err)
	}
	if got := a.slab.Shift(); got != 17 {
		t.Errorf("shift => %d, expected 17", got)
	}
	// The drained object is recycled through the central list or the
	// cache keeps serving from the arena either way.
	q := a.Alloc(tr, 32)
	if q == nil {
		t.Errorf("alloc failed after resize")
	}
	a.Free(tr, q, 32)
}
