// Package allocator is the outer allocator around the per-CPU slab
// cache: it owns the size-class table, the central free lists that
// back the cache's overflow, underflow, drain and shrink paths, the
// object arena, and the slow-path mutex that serializes all cache
// maintenance.
package allocator

import (
	"sync"
	"sync/atomic"
	"unsafe"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
	"src.userspace.com.au/logger"
	"src.userspace.com.au/slabcache"
	"src.userspace.com.au/slabcache/rseq"
)

// refillBatch bounds how much capacity an underflow grows and refills
// in one go.
const refillBatch = 16

// Allocator serves Alloc/Free through the per-CPU cache, falling back
// to central lists and the arena on misses.
type Allocator struct {
	log logger.Logger
	reg *rseq.Registry

	// mu is the external slow-path mutex the cache requires: it
	// serializes InitCpu, GrowOtherCache, ShrinkOtherCache, Drain and
	// ResizeSlabs.
	mu   sync.Mutex
	slab *slabcache.Slab

	classes []Class
	central []central
	lookup  *lru.Cache
	arena   *arena
	limiter *rate.Limiter

	shift     uint8
	arenaSize int
	regions   map[unsafe.Pointer][]byte
	populated []uint32

	// classUnderflows[class] counts pop misses since the last balancer
	// sweep; the sweep grows classes that kept missing. Accessed
	// atomically.
	classUnderflows []uint64

	stats slabcache.Stats
}

// Option configures an Allocator.
type Option func(*Allocator) error

// SetLogger sets the logger.
func SetLogger(l logger.Logger) Option {
	return func(a *Allocator) error {
		a.log = l
		return nil
	}
}

// SetClasses replaces the size-class table. Index 0 must stay zero.
func SetClasses(classes []Class) Option {
	return func(a *Allocator) error {
		a.classes = classes
		return nil
	}
}

// SetShift sets the initial per-CPU region shift.
func SetShift(shift uint8) Option {
	return func(a *Allocator) error {
		a.shift = shift
		return nil
	}
}

// SetArenaSize sets the object arena size in bytes.
func SetArenaSize(n int) Option {
	return func(a *Allocator) error {
		a.arenaSize = n
		return nil
	}
}

// SetRebalanceRate bounds how often the balancer sweeps, in sweeps per
// second.
func SetRebalanceRate(perSecond float64) Option {
	return func(a *Allocator) error {
		a.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		return nil
	}
}

// New builds an allocator, maps the slab bank and initializes the
// cache.
func New(reg *rseq.Registry, opts ...Option) (*Allocator, error) {
	a := &Allocator{
		log:       logger.New(&logger.Options{Name: "allocator"}),
		reg:       reg,
		classes:   DefaultClasses(8),
		shift:     18,
		arenaSize: 1 << 24,
		limiter:   rate.NewLimiter(rate.Limit(4), 1),
		regions:   make(map[unsafe.Pointer][]byte),
	}
	for _, option := range opts {
		if err := option(a); err != nil {
			return nil, err
		}
	}

	var err error
	a.lookup, err = lru.New(256)
	if err != nil {
		return nil, err
	}
	a.arena, err = newArena(a.arenaSize)
	if err != nil {
		return nil, err
	}
	a.central = make([]central, len(a.classes))
	a.populated = make([]uint32, reg.NumCPUs())
	a.classUnderflows = make([]uint64, len(a.classes))

	slabs, err := a.mapBank(a.shift)
	if err != nil {
		return nil, err
	}
	a.slab, err = slabcache.New(reg, slabcache.SetLogger(a.log.Named("slab")))
	if err != nil {
		return nil, err
	}
	a.slab.Init(len(a.classes), slabs, a.capacity, a.shift)
	atomic.StoreUint32(&a.populated[0], 1)
	return a, nil
}

// Slab exposes the underlying cache, mainly for tests and the bench
// tool's reporting.
func (a *Allocator) Slab() *slabcache.Slab {
	return a.slab
}

// Close unmaps every region owned by the allocator.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	slabs := a.slab.Destroy()
	err := a.unmapBank(slabs)
	if cerr := a.arena.close(); err == nil {
		err = cerr
	}
	return err
}

func (a *Allocator) capacity(sizeClass int) uint16 {
	return a.classes[sizeClass].Capacity
}

func (a *Allocator) maxCapacityFor(sizeClass int) slabcache.MaxCapacityFunc {
	return func(uint8) int {
		return a.classes[sizeClass].MaxCapacity
	}
}

// Alloc returns an object of at least size bytes, or nil when the
// arena is exhausted and no recycled object fits.
func (a *Allocator) Alloc(t *rseq.Thread, size int) unsafe.Pointer {
	sc := a.ClassFor(size)
	if sc == 0 {
		// Oversize, served straight from the arena.
		return a.arena.alloc(uintptr(size))
	}
	if p := a.slab.Pop(t, sc); p != nil {
		atomic.AddUint64(&a.stats.Pops, 1)
		return p
	}
	atomic.AddUint64(&a.stats.PopMisses, 1)
	return a.underflow(t, sc)
}

// Free recycles an object allocated with size bytes. Oversize objects,
// which have no class, are not recycled.
func (a *Allocator) Free(t *rseq.Thread, p unsafe.Pointer, size int) {
	sc := a.ClassFor(size)
	if sc == 0 {
		return
	}
	if a.slab.Push(t, sc, p) {
		atomic.AddUint64(&a.stats.Pushes, 1)
		return
	}
	atomic.AddUint64(&a.stats.PushMisses, 1)
	a.overflow(t, sc, p)
}

// underflow is the pop-miss path: re-cache the CPU, lazily lay it out,
// grow and refill the class, then serve from the cache or fall back to
// the central list and arena.
func (a *Allocator) underflow(t *rseq.Thread, sc int) unsafe.Pointer {
	atomic.AddUint64(&a.stats.Underflows, 1)
	atomic.AddUint64(&a.classUnderflows[sc], 1)
	cpu, _ := a.slab.CacheCpuSlab(t)
	if cpu >= 0 {
		a.ensurePopulated(cpu)
		if n := a.slab.Grow(t, cpu, sc, refillBatch, a.maxCapacityFor(sc)); n > 0 {
			atomic.AddUint64(&a.stats.Grows, 1)
			a.refill(t, sc, n)
		}
		if p := a.slab.Pop(t, sc); p != nil {
			atomic.AddUint64(&a.stats.Pops, 1)
			return p
		}
	}
	if batch := a.central[sc].take(1); len(batch) == 1 {
		return batch[0]
	}
	return a.arena.alloc(uintptr(a.classes[sc].Size))
}

// overflow is the push-miss path: re-cache the CPU for next time and
// spill to the central list.
func (a *Allocator) overflow(t *rseq.Thread, sc int, p unsafe.Pointer) {
	atomic.AddUint64(&a.stats.Overflows, 1)
	a.slab.CacheCpuSlab(t)
	a.central[sc].putOne(p)
}

// refill pushes up to n recycled or fresh objects into the caller's
// CPU cache.
func (a *Allocator) refill(t *rseq.Thread, sc int, n int) {
	batch := a.central[sc].take(n)
	for len(batch) < n {
		p := a.arena.alloc(uintptr(a.classes[sc].Size))
		if p == nil {
			break
		}
		batch = append(batch, p)
	}
	if len(batch) == 0 {
		return
	}
	pushed := a.slab.PushBatch(t, sc, batch)
	if pushed < len(batch) {
		// Unprocessed items stay at the start of the batch.
		a.central[sc].put(batch[:len(batch)-pushed])
	}
}

func (a *Allocator) ensurePopulated(cpu int) {
	if atomic.LoadUint32(&a.populated[cpu]) != 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if atomic.LoadUint32(&a.populated[cpu]) != 0 {
		return
	}
	a.slab.InitCpu(cpu, a.capacity)
	atomic.StoreUint32(&a.populated[cpu], 1)
}

func (a *Allocator) isPopulated(cpu int) bool {
	return atomic.LoadUint32(&a.populated[cpu]) != 0
}

// drainHandler receives evacuated batches; they alias slab memory and
// are copied onto the central lists.
func (a *Allocator) drainHandler(cpu, sizeClass int, batch []unsafe.Pointer, cap int) {
	if len(batch) > 0 {
		a.central[sizeClass].put(batch)
	}
}

func (a *Allocator) shrinkHandler(sizeClass int, batch []unsafe.Pointer) {
	a.central[sizeClass].put(batch)
}

// Drain evacuates one CPU's cache into the central lists.
func (a *Allocator) Drain(cpu int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slab.Drain(cpu, a.drainHandler)
	atomic.AddUint64(&a.stats.Drains, 1)
}

// Resize moves the cache to a new shift, migrating populated CPUs and
// releasing the old bank.
func (a *Allocator) Resize(newShift uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	slabs, err := a.mapBank(newShift)
	if err != nil {
		return err
	}
	old, _ := a.slab.ResizeSlabs(newShift, slabs, a.capacity, a.isPopulated, a.drainHandler)
	atomic.AddUint64(&a.stats.Resizes, 1)
	return a.unmapBank(old)
}

// Stats returns a snapshot of the traffic counters.
func (a *Allocator) Stats() slabcache.Stats {
	var s slabcache.Stats
	s.Pushes = atomic.LoadUint64(&a.stats.Pushes)
	s.Pops = atomic.LoadUint64(&a.stats.Pops)
	s.PushMisses = atomic.LoadUint64(&a.stats.PushMisses)
	s.PopMisses = atomic.LoadUint64(&a.stats.PopMisses)
	s.Overflows = atomic.LoadUint64(&a.stats.Overflows)
	s.Underflows = atomic.LoadUint64(&a.stats.Underflows)
	s.Grows = atomic.LoadUint64(&a.stats.Grows)
	s.Shrinks = atomic.LoadUint64(&a.stats.Shrinks)
	s.Drains = atomic.LoadUint64(&a.stats.Drains)
	s.Resizes = atomic.LoadUint64(&a.stats.Resizes)
	return s
}

// mapBank maps a zeroed, page-aligned slab bank for the given shift.
func (a *Allocator) mapBank(shift uint8) (unsafe.Pointer, error) {
	size := int(slabcache.SlabsAllocSize(shift, a.reg.NumCPUs()))
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	p := unsafe.Pointer(&buf[0])
	a.regions[p] = buf
	return p, nil
}

func (a *Allocator) unmapBank(p unsafe.Pointer) error {
	buf, ok := a.regions[p]
	if !ok {
		return nil
	}
	delete(a.regions, p)
	return unix.Munmap(buf)
}
