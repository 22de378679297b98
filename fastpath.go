package slabcache

import (
	"unsafe"

	"src.userspace.com.au/slabcache/rseq"
)

// Push adds item to the calling thread's CPU cache for sizeClass.
// Returns false when the thread has no cached slab, the class is full,
// or the section aborted; the caller then routes item through its
// overflow path. item must point into non-GC memory.
func (s *Slab) Push(t *rseq.Thread, sizeClass int, item unsafe.Pointer) bool {
	s.checkClass(sizeClass)
	if item == nil {
		panic("slabcache: push of nil item")
	}
	cs, base, ok := t.Enter()
	if !ok {
		return false
	}
	hp := base + uintptr(sizeClass)*headerSize
	cur := *(*uint16)(unsafe.Pointer(hp + headerCurrentOff))
	end := *(*uint16)(unsafe.Pointer(hp + headerEndOff))
	if cur >= end {
		t.Abort()
		return false
	}
	*(*unsafe.Pointer)(unsafe.Pointer(base + uintptr(cur)*wordSize)) = item
	return t.Commit16(cs, (*uint16)(unsafe.Pointer(hp+headerCurrentOff)), cur+1)
}

// Pop removes and returns the most recently pushed item for sizeClass
// on the calling thread's CPU, or nil on empty cache, uncached slab or
// abort. On a hit the next object to be popped is prefetched; the
// sentinel below begin keeps that address dereferenceable even when the
// cache is nearly empty.
func (s *Slab) Pop(t *rseq.Thread, sizeClass int) unsafe.Pointer {
	s.checkClass(sizeClass)
	cs, base, ok := t.Enter()
	if !ok {
		return nil
	}
	hp := base + uintptr(sizeClass)*headerSize
	cur := *(*uint16)(unsafe.Pointer(hp + headerCurrentOff))
	begin := *(*uint16)(unsafe.Pointer(hp + headerBeginOff))
	if cur <= begin {
		t.Abort()
		return nil
	}
	result := *(*unsafe.Pointer)(unsafe.Pointer(base + uintptr(cur-1)*wordSize))
	next := *(*uintptr)(unsafe.Pointer(base + uintptr(cur-2)*wordSize))
	if !t.Commit16(cs, (*uint16)(unsafe.Pointer(hp+headerCurrentOff)), cur-1) {
		return nil
	}
	prefetch(next)
	return result
}

// PushBatch adds up to len(batch) items, consuming from the tail so
// unprocessed items stay at the start of batch. Returns the number
// added. The processed suffix commits atomically or not at all.
func (s *Slab) PushBatch(t *rseq.Thread, sizeClass int, batch []unsafe.Pointer) int {
	s.checkClass(sizeClass)
	if len(batch) == 0 {
		panic("slabcache: empty batch")
	}
	cs, base, ok := t.Enter()
	if !ok {
		return 0
	}
	hp := base + uintptr(sizeClass)*headerSize
	cur := *(*uint16)(unsafe.Pointer(hp + headerCurrentOff))
	end := *(*uint16)(unsafe.Pointer(hp + headerEndOff))
	i := len(batch)
	for cur < end && i > 0 {
		i--
		*(*unsafe.Pointer)(unsafe.Pointer(base + uintptr(cur)*wordSize)) = batch[i]
		cur++
	}
	if i == len(batch) {
		t.Abort()
		return 0
	}
	if !t.Commit16(cs, (*uint16)(unsafe.Pointer(hp+headerCurrentOff)), cur) {
		return 0
	}
	return len(batch) - i
}

// PopBatch removes up to len(batch) items in LIFO order into
// batch[0:n] and returns n. The popped prefix commits atomically or
// not at all.
func (s *Slab) PopBatch(t *rseq.Thread, sizeClass int, batch []unsafe.Pointer) int {
	s.checkClass(sizeClass)
	if len(batch) == 0 {
		panic("slabcache: empty batch")
	}
	cs, base, ok := t.Enter()
	if !ok {
		return 0
	}
	hp := base + uintptr(sizeClass)*headerSize
	cur := *(*uint16)(unsafe.Pointer(hp + headerCurrentOff))
	begin := *(*uint16)(unsafe.Pointer(hp + headerBeginOff))
	n := 0
	for cur > begin && n < len(batch) {
		cur--
		batch[n] = *(*unsafe.Pointer)(unsafe.Pointer(base + uintptr(cur)*wordSize))
		n++
	}
	if n == 0 {
		t.Abort()
		return 0
	}
	if !t.Commit16(cs, (*uint16)(unsafe.Pointer(hp+headerCurrentOff)), cur) {
		return 0
	}
	return n
}

// Grow raises sizeClass's capacity on the calling thread's CPU by up to
// delta, bounded by maxCapacity(shift), and returns the applied
// increment. Returns 0 when the header is locked, at capacity, or the
// thread lost its CPU before the commit.
func (s *Slab) Grow(t *rseq.Thread, cpu, sizeClass, delta int, maxCapacity MaxCapacityFunc) int {
	s.checkClass(sizeClass)
	slabs, shift := s.slabsShift()
	maxCap := maxCapacity(shift)
	hdrp := headerAddr(slabs, shift, cpu, sizeClass)
	hdr := loadHeader(hdrp)
	have := maxCap - int(hdr.end-hdr.begin)
	if hdr.isLocked() || have <= 0 {
		return 0
	}
	n := delta
	if n > have {
		n = have
	}
	hdr.end += uint16(n)
	hdr.endCopy += uint16(n)
	if !t.StoreCurrentCpu64(hdrp, packHeader(hdr)) {
		return 0
	}
	return n
}

// CacheCpuSlab ensures the calling thread has its CPU's region base
// cached. Returns the CPU and whether this call committed a new cached
// word. A CPU of -1 means no usable region could be cached (the CPU is
// stopped, or the registry is in fallback mode) and the caller must
// serve this request through its handlers; on a stopped CPU the newly
// committed word is cleared again before returning.
func (s *Slab) CacheCpuSlab(t *rseq.Thread) (int, bool) {
	if t.Slabs()&rseq.CachedSlabsMask == 0 {
		return s.cacheCpuSlabSlow(t)
	}
	// Already cached, so the slab really is full or empty.
	return t.CPU(), false
}

func (s *Slab) cacheCpuSlabSlow(t *rseq.Thread) (int, bool) {
	cpu := -1
	for {
		t.SetSlabs(rseq.CachedSlabsMask)
		cpu = t.CPU()
		slabs, shift := s.slabsShift()
		start := cpuMemoryStart(slabs, shift, cpu)
		if t.StoreSlabs(start | rseq.CachedSlabsMask) {
			break
		}
		if !t.Fast() {
			t.SetSlabs(0)
			return -1, false
		}
	}
	// A concurrent resize may have swapped the region after we computed
	// start. stopped is set for the whole resize window, so observing
	// it clear here means the cached base and shift are consistent.
	if s.cpuStopped(cpu) {
		t.SetSlabs(0)
		return -1, true
	}
	return cpu, true
}

// UncacheCpuSlab invalidates the calling thread's cached region so the
// next Push or Pop misses.
func (s *Slab) UncacheCpuSlab(t *rseq.Thread) {
	t.SetSlabs(0)
}

func (s *Slab) checkClass(sizeClass int) {
	if sizeClass <= 0 || sizeClass >= s.numClasses {
		panic("slabcache: size class out of range")
	}
}

// prefetch stands in for a hardware prefetch of the next object. The
// value may be the begin sentinel; the mark bit is stripped so the
// touched address is always mapped.
func prefetch(p uintptr) {
	_ = *(*byte)(unsafe.Pointer(p &^ beginMark))
}
