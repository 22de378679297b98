// Package slabcache implements a per-CPU cache of pointer-sized
// objects grouped by size class. Each CPU owns a power-of-two region of
// one contiguous slab bank; a thread pushes and pops against its own
// CPU's region inside restartable critical sections, so the fast path
// needs no locks and no atomic read-modify-write. The slow path
// quiesces a CPU with a stopped flag and a cross-CPU fence before
// mutating its headers, and the whole bank can be resized live.
//
// Objects cached here must point into memory the garbage collector
// does not scan; the bank itself is caller-allocated, page-aligned raw
// memory.
package slabcache

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"src.userspace.com.au/logger"
	"src.userspace.com.au/slabcache/internal/mincore"
	"src.userspace.com.au/slabcache/rseq"
)

// CapacityFunc returns the slot count to lay out for a size class.
type CapacityFunc func(sizeClass int) uint16

// MaxCapacityFunc returns the capacity cap for a class under the given
// shift. It must agree with the CapacityFunc passed to Init.
type MaxCapacityFunc func(shift uint8) int

// PopulatedFunc reports whether a CPU's cache has ever been
// initialized, so a resize knows whose contents to migrate.
type PopulatedFunc func(cpu int) bool

// DrainHandler receives the objects evacuated from one (cpu, class)
// slab along with its previous capacity. batch aliases slab memory and
// is only valid for the duration of the call.
type DrainHandler func(cpu, sizeClass int, batch []unsafe.Pointer, cap int)

// ShrinkHandler receives objects popped off a slab to free capacity.
// batch aliases slab memory and is only valid for the duration of the
// call.
type ShrinkHandler func(sizeClass int, batch []unsafe.Pointer)

// MetadataUsage reports the memory footprint of the slab bank.
type MetadataUsage struct {
	VirtualSize  uintptr `json:"virtual_size"`
	ResidentSize uintptr `json:"resident_size"`
}

// Slab is the per-CPU cache. All slow-path methods (Init, InitCpu,
// GrowOtherCache, ShrinkOtherCache, Drain, StopCpu, StartCpu,
// ResizeSlabs, Destroy) must be serialized by one external mutex; the
// fast-path methods in fastpath.go need no caller synchronization.
type Slab struct {
	log logger.Logger
	reg *rseq.Registry

	numClasses int
	numCPUs    int

	// slabsAndShift packs the bank pointer and the shift in one word so
	// resize can swap both atomically. Accessed atomically.
	slabsAndShift uintptr
	// stopped[cpu] forces every fast path on cpu to miss, made
	// effective by a fence. Accessed atomically.
	stopped []uint32
	// begins[class] is the class's begin offset, identical on every
	// CPU. Written and read only under the external slow-path mutex.
	begins []uint16
}

// New creates an uninitialized Slab bound to a registry.
func New(reg *rseq.Registry, opts ...Option) (*Slab, error) {
	s := &Slab{
		reg: reg,
		log: logger.New(&logger.Options{Name: "slabcache"}),
	}
	for _, option := range opts {
		if err := option(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Init publishes the slab bank and lays out the shared begin offsets.
// slabs must be zeroed, page aligned and hold SlabsAllocSize(shift,
// NumCPUs) bytes. CPU 0 is laid out here; the other CPUs are laid out
// lazily by InitCpu, and until then every operation on them misses.
// Initial capacity is zero everywhere.
func (s *Slab) Init(numClasses int, slabs unsafe.Pointer, capacity CapacityFunc, shift uint8) {
	if s.numClasses != 0 {
		panic("slabcache: Init called twice")
	}
	if numClasses < 2 {
		panic("slabcache: need at least one usable size class")
	}
	s.numClasses = numClasses
	s.numCPUs = s.reg.NumCPUs()
	s.stopped = make([]uint32, s.numCPUs)
	s.begins = make([]uint16, numClasses)
	atomic.StoreUintptr(&s.slabsAndShift, packSlabs(slabs, shift))
	s.initCpuImpl(slabs, shift, 0, true, capacity)
	// CPU 0 is laid out eagerly, the rest on first access. Nothing is
	// published yet, so the stop flag is toggled without a fence.
	s.stopped[0] = 1
	s.initCpuImpl(slabs, shift, 0, false, capacity)
	s.stopped[0] = 0
	s.log.Debug("initialized", "classes", numClasses, "cpus", s.numCPUs, "shift", shift)
}

// InitCpu lays out cpu's headers. Must run under the slow-path mutex.
func (s *Slab) InitCpu(cpu int, capacity CapacityFunc) {
	s.StopCpu(cpu)
	defer s.StartCpu(cpu)
	slabs, shift := s.slabsShift()
	s.initCpuImpl(slabs, shift, cpu, false, capacity)
}

// initCpuImpl writes either cpu's headers or, with initBegins, the
// shared begins array (cpu is then only used for address arithmetic).
// Each non-empty class is preceded by a sentinel slot carrying
// beginMark; the class after a zero-capacity class shares that class's
// sentinel instead of getting its own.
func (s *Slab) initCpuImpl(slabs unsafe.Pointer, shift uint8, cpu int, initBegins bool, capacity CapacityFunc) {
	if !initBegins && !s.cpuStopped(cpu) {
		panic("slabcache: InitCpu on running cpu")
	}
	if uintptr(1)<<shift > (1<<16)*wordSize {
		panic("slabcache: shift too large for 16-bit offsets")
	}
	start := cpuMemoryStart(slabs, shift, cpu)
	elems := start + uintptr(s.numClasses)*headerSize
	prevEmpty := false
	for sizeClass := 1; sizeClass < s.numClasses; sizeClass++ {
		cap := capacity(sizeClass)
		if !prevEmpty {
			if !initBegins {
				// Serves both as the begin marker Pop recognizes by the
				// low bit and as a valid prefetch target for the slot
				// below begin.
				*(*uintptr)(unsafe.Pointer(elems)) = elems | beginMark
			}
			elems += wordSize
		}
		prevEmpty = cap == 0

		off := uint16((elems - start) / wordSize)
		if initBegins {
			s.begins[sizeClass] = off
		} else {
			storeHeader(headerAddr(slabs, shift, cpu, sizeClass), header{
				current: off,
				endCopy: off,
				begin:   off,
				end:     off,
			})
		}

		elems += uintptr(cap) * wordSize
		if used := elems - start; used > uintptr(1)<<shift {
			panic(fmt.Sprintf("slabcache: per-CPU memory exceeded, have %d need %d", uintptr(1)<<shift, used))
		}
	}
}

// Length returns the number of cached objects for (cpu, sizeClass).
func (s *Slab) Length(cpu, sizeClass int) int {
	slabs, shift := s.slabsShift()
	hdr := loadHeader(headerAddr(slabs, shift, cpu, sizeClass))
	if hdr.isLocked() {
		return 0
	}
	return int(hdr.current - hdr.begin)
}

// Capacity returns the slot count currently allowed for (cpu,
// sizeClass).
func (s *Slab) Capacity(cpu, sizeClass int) int {
	slabs, shift := s.slabsShift()
	hdr := loadHeader(headerAddr(slabs, shift, cpu, sizeClass))
	if hdr.isLocked() {
		return 0
	}
	return int(hdr.end - hdr.begin)
}

// Shift returns the current per-CPU region shift.
func (s *Slab) Shift() uint8 {
	_, shift := s.slabsShift()
	return shift
}

// NumCPUs returns the number of CPU regions in the bank.
func (s *Slab) NumCPUs() int {
	return s.numCPUs
}

// GrowOtherCache raises (cpu, sizeClass)'s capacity by up to delta and
// returns the applied increment. Requires StopCpu(cpu).
func (s *Slab) GrowOtherCache(cpu, sizeClass, delta int, maxCapacity MaxCapacityFunc) int {
	s.checkClass(sizeClass)
	if !s.cpuStopped(cpu) {
		panic("slabcache: GrowOtherCache on running cpu")
	}
	slabs, shift := s.slabsShift()
	maxCap := maxCapacity(shift)
	hdrp := headerAddr(slabs, shift, cpu, sizeClass)
	hdr := loadHeader(hdrp)
	begin := s.begins[sizeClass]
	n := delta
	if have := maxCap - int(hdr.end-begin); n > have {
		n = have
	}
	if n <= 0 {
		return 0
	}
	hdr.end += uint16(n)
	hdr.endCopy += uint16(n)
	storeHeader(hdrp, hdr)
	return n
}

// ShrinkOtherCache lowers (cpu, sizeClass)'s capacity by up to delta
// and returns the applied decrement. Capacity that is still occupied
// is freed by popping objects into shrinkHandler first. Requires
// StopCpu(cpu).
func (s *Slab) ShrinkOtherCache(cpu, sizeClass, delta int, shrinkHandler ShrinkHandler) int {
	s.checkClass(sizeClass)
	if delta <= 0 {
		panic("slabcache: shrink of nothing")
	}
	if !s.cpuStopped(cpu) {
		panic("slabcache: ShrinkOtherCache on running cpu")
	}
	slabs, shift := s.slabsShift()
	hdrp := headerAddr(slabs, shift, cpu, sizeClass)
	hdr := loadHeader(hdrp)

	// Not enough unused capacity: pop items to make some, handing them
	// back to the caller.
	unused := int(hdr.end - hdr.current)
	begin := s.begins[sizeClass]
	if unused < delta && hdr.current != begin {
		pop := delta - unused
		if have := int(hdr.current - begin); pop > have {
			pop = have
		}
		batch := slotSlice(cpuMemoryStart(slabs, shift, cpu), hdr.current-uint16(pop), pop)
		shrinkHandler(sizeClass, batch)
		hdr.current -= uint16(pop)
	}

	toShrink := delta
	if have := int(hdr.end - hdr.current); toShrink > have {
		toShrink = have
	}
	hdr.end -= uint16(toShrink)
	hdr.endCopy -= uint16(toShrink)
	storeHeader(hdrp, hdr)
	return toShrink
}

// Drain evacuates every object on cpu and zeroes all capacity there,
// handing each class's batch to drainHandler. The CPU is stopped for
// the duration and restarted even if the handler panics.
func (s *Slab) Drain(cpu int, drainHandler DrainHandler) {
	s.StopCpu(cpu)
	defer s.StartCpu(cpu)
	slabs, shift := s.slabsShift()
	s.drainCpu(slabs, shift, cpu, drainHandler)
}

// drainCpu walks cpu's headers in the given region. Each initialized
// header is locked with the 32-bit partial store, its contents handed
// out, then rewritten whole with current = end = begin.
func (s *Slab) drainCpu(slabs unsafe.Pointer, shift uint8, cpu int, drainHandler DrainHandler) {
	if !s.cpuStopped(cpu) {
		panic("slabcache: drain of running cpu")
	}
	start := cpuMemoryStart(slabs, shift, cpu)
	for sizeClass := 1; sizeClass < s.numClasses; sizeClass++ {
		hdrp := headerAddr(slabs, shift, cpu, sizeClass)
		hdr := loadHeader(hdrp)
		if !hdr.isInitialized() {
			continue
		}
		lockHeader(hdrp)
		begin := s.begins[sizeClass]
		size := int(hdr.current - begin)
		cap := int(hdr.end - begin)
		if size > 0 || cap > 0 {
			drainHandler(cpu, sizeClass, slotSlice(start, begin, size), cap)
		}
		hdr.current = begin
		hdr.end = begin
		storeHeader(hdrp, hdr)
	}
}

// StopCpu forces every fast path on cpu to miss. The relaxed flag
// store is made effective by the fence: once StopCpu returns, no
// critical section on cpu is in flight.
func (s *Slab) StopCpu(cpu int) {
	s.checkCpu(cpu)
	if !atomic.CompareAndSwapUint32(&s.stopped[cpu], 0, 1) {
		panic("slabcache: cpu already stopped")
	}
	s.reg.FenceCpu(cpu)
}

// StartCpu lets cpu's fast paths run again.
func (s *Slab) StartCpu(cpu int) {
	s.checkCpu(cpu)
	if !atomic.CompareAndSwapUint32(&s.stopped[cpu], 1, 0) {
		panic("slabcache: cpu not stopped")
	}
}

// ResizeSlabs moves the cache to a new bank with a different shift.
// newSlabs must be zeroed and sized for newShift. Returns the old bank
// and its size for the caller to release. The caller must hold the
// slow-path mutex and must not run InitCpu, ShrinkOtherCache or Drain
// concurrently.
//
// The fence cannot precede the stop flags (they terminate the caching
// retry loop), and the swap cannot precede the fence (a preempted fast
// path could compute with the old shift and commit against the new
// bank). Draining before the swap keeps the old bank authoritative
// until its contents are handed out.
func (s *Slab) ResizeSlabs(newShift uint8, newSlabs unsafe.Pointer, capacity CapacityFunc, populated PopulatedFunc, drainHandler DrainHandler) (unsafe.Pointer, uintptr) {
	oldSlabs, oldShift := s.slabsShift()
	if newShift == oldShift {
		panic("slabcache: resize to current shift")
	}

	// Phase 1: stop the world and lay out populated CPUs in the new
	// bank, empty at full layout.
	for cpu := 0; cpu < s.numCPUs; cpu++ {
		if !atomic.CompareAndSwapUint32(&s.stopped[cpu], 0, 1) {
			panic("slabcache: resize with cpu already stopped")
		}
		if populated(cpu) {
			s.initCpuImpl(newSlabs, newShift, cpu, false, capacity)
		}
	}
	s.initCpuImpl(newSlabs, newShift, 0, true, capacity)

	// Phase 2: after this no critical section runs against the old
	// bank.
	s.reg.FenceAllCpus()

	// Phase 3: hand the old bank's contents to the caller.
	for cpu := 0; cpu < s.numCPUs; cpu++ {
		if populated(cpu) {
			s.drainCpu(oldSlabs, oldShift, cpu, drainHandler)
		}
	}

	// Phase 4: swap pointer and shift in one store. Threads with stale
	// cached bases self-heal through CacheCpuSlab.
	atomic.StoreUintptr(&s.slabsAndShift, packSlabs(newSlabs, newShift))
	s.initCpuImpl(newSlabs, newShift, 0, true, capacity)

	// Phase 5: restart.
	for cpu := 0; cpu < s.numCPUs; cpu++ {
		atomic.StoreUint32(&s.stopped[cpu], 0)
	}

	s.log.Info("resized", "from", oldShift, "to", newShift)
	return oldSlabs, SlabsAllocSize(oldShift, s.numCPUs)
}

// Destroy drops the bank and returns it to the caller, who releases
// the memory. The Slab must not be used afterwards.
func (s *Slab) Destroy() unsafe.Pointer {
	slabs, _ := s.slabsShift()
	s.stopped = nil
	s.begins = nil
	atomic.StoreUintptr(&s.slabsAndShift, 0)
	return slabs
}

// MetadataMemoryUsage reports reserved bytes for the bank and its side
// arrays, and resident bytes for the bank alone.
func (s *Slab) MetadataMemoryUsage() MetadataUsage {
	slabs, shift := s.slabsShift()
	slabsSize := SlabsAllocSize(shift, s.numCPUs)
	virtual := slabsSize +
		uintptr(len(s.stopped))*unsafe.Sizeof(uint32(0)) +
		uintptr(len(s.begins))*unsafe.Sizeof(uint16(0))
	return MetadataUsage{
		VirtualSize:  virtual,
		ResidentSize: mincore.Residence(slabs, slabsSize),
	}
}

func (s *Slab) slabsShift() (unsafe.Pointer, uint8) {
	return unpackSlabs(atomic.LoadUintptr(&s.slabsAndShift))
}

func (s *Slab) cpuStopped(cpu int) bool {
	return atomic.LoadUint32(&s.stopped[cpu]) != 0
}

func (s *Slab) checkCpu(cpu int) {
	if cpu < 0 || cpu >= s.numCPUs {
		panic("slabcache: cpu out of range")
	}
}
