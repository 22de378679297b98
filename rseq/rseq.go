// Package rseq provides the restartable-sequence primitive backing the
// per-CPU slab cache.
//
// A Thread carries the state the kernel ABI would expose: a virtual CPU
// id and a single tagged word caching the thread's slab region base. A
// critical section entered through a Thread either commits entirely or
// aborts when the thread was preempted, migrated or fenced since the
// section began. Fences are the only quiescence mechanism: after
// FenceCpu returns, no section on that CPU is still in flight.
package rseq

import (
	"runtime"
	"sync"
	"sync/atomic"
)

const (
	// CachedSlabsBit marks a Thread's slabs word as valid.
	CachedSlabsBit = 63
	// CachedSlabsMask is the validity tag on the cached slabs word.
	CachedSlabsMask = uintptr(1) << CachedSlabsBit
)

// Registry owns the virtual CPUs and the threads bound to them.
type Registry struct {
	numCPUs  int
	fallback uint32

	mu      sync.Mutex
	threads []*Thread
	next    int
}

// NewRegistry creates a registry of numCPUs virtual CPUs. A value of 0
// uses the machine's CPU count.
func NewRegistry(numCPUs int) *Registry {
	if numCPUs <= 0 {
		numCPUs = runtime.NumCPU()
	}
	return &Registry{numCPUs: numCPUs}
}

// NumCPUs returns the number of virtual CPUs.
func (r *Registry) NumCPUs() int {
	return r.numCPUs
}

// Fast reports whether restartable sections are usable. When false
// every Enter refuses and callers fall back to their miss path.
func (r *Registry) Fast() bool {
	return atomic.LoadUint32(&r.fallback) == 0
}

// SetFallback forces the always-miss degradation used on platforms
// without a restartable-sequence primitive.
func (r *Registry) SetFallback(on bool) {
	var v uint32
	if on {
		v = 1
	}
	atomic.StoreUint32(&r.fallback, v)
}

// RegisterThread binds a new thread handle to a virtual CPU. Placement
// is round-robin; schedulers that move workers call Migrate.
func (r *Registry) RegisterThread() *Thread {
	r.mu.Lock()
	t := &Thread{reg: r, cpu: int32(r.next % r.numCPUs)}
	r.next++
	r.threads = append(r.threads, t)
	r.mu.Unlock()
	return t
}

// FenceCpu preempts every thread bound to cpu and waits until none is
// inside a critical section. In-flight sections have committed or
// aborted once it returns.
func (r *Registry) FenceCpu(cpu int) {
	r.fence(func(c int) bool { return c == cpu })
}

// FenceAllCpus fences every virtual CPU.
func (r *Registry) FenceAllCpus() {
	r.fence(func(int) bool { return true })
}

func (r *Registry) fence(match func(int) bool) {
	r.mu.Lock()
	threads := append([]*Thread(nil), r.threads...)
	r.mu.Unlock()

	for _, t := range threads {
		if match(int(atomic.LoadInt32(&t.cpu))) {
			t.preempt()
		}
	}
	// An aborted section may still be between its epoch check and its
	// final store; wait for it to leave.
	for _, t := range threads {
		if !match(int(atomic.LoadInt32(&t.cpu))) {
			continue
		}
		for atomic.LoadUint32(&t.inCS) != 0 {
			runtime.Gosched()
		}
	}
}

// Thread is the per-thread restartable-sequence state. A Thread must
// only be used by one goroutine at a time.
type Thread struct {
	reg   *Registry
	slabs uintptr // tagged cached slab base, bit 63 = valid
	cpu   int32
	epoch uint64
	inCS  uint32
}

// Fast reports whether the thread's registry has the primitive
// available.
func (t *Thread) Fast() bool {
	return t.reg.Fast()
}

// CPU returns the thread's current virtual CPU.
func (t *Thread) CPU() int {
	return int(atomic.LoadInt32(&t.cpu))
}

// Slabs returns the cached slabs word.
func (t *Thread) Slabs() uintptr {
	return atomic.LoadUintptr(&t.slabs)
}

// SetSlabs assigns the cached slabs word directly, outside any critical
// section. Used to uncache and to stage the validity tag before a
// StoreSlabs commit.
func (t *Thread) SetSlabs(v uintptr) {
	atomic.StoreUintptr(&t.slabs, v)
}

// Migrate moves the thread to another virtual CPU. As with a kernel
// migration, any section in flight aborts and the cached word is
// invalidated.
func (t *Thread) Migrate(cpu int) {
	if cpu < 0 || cpu >= t.reg.numCPUs {
		panic("rseq: migrate to invalid cpu")
	}
	atomic.StoreInt32(&t.cpu, int32(cpu))
	t.preempt()
}

// Preempt simulates an involuntary context switch.
func (t *Thread) Preempt() {
	t.preempt()
}

func (t *Thread) preempt() {
	for {
		w := atomic.LoadUintptr(&t.slabs)
		if w&CachedSlabsMask == 0 {
			break
		}
		if atomic.CompareAndSwapUintptr(&t.slabs, w, w&^CachedSlabsMask) {
			break
		}
	}
	atomic.AddUint64(&t.epoch, 1)
}

// Critical is an open restartable section.
type Critical struct {
	epoch uint64
}

// Enter begins a critical section. ok is false when the cached slabs
// word is invalid or the registry is in fallback mode; the section is
// then not open and must not be committed. base is the cached slab
// region base with the tag stripped.
func (t *Thread) Enter() (cs Critical, base uintptr, ok bool) {
	if !t.reg.Fast() {
		return Critical{}, 0, false
	}
	atomic.StoreUint32(&t.inCS, 1)
	cs.epoch = atomic.LoadUint64(&t.epoch)
	w := atomic.LoadUintptr(&t.slabs)
	if w&CachedSlabsMask == 0 {
		atomic.StoreUint32(&t.inCS, 0)
		return Critical{}, 0, false
	}
	return cs, w &^ CachedSlabsMask, true
}

// Abort leaves an open section without committing.
func (t *Thread) Abort() {
	atomic.StoreUint32(&t.inCS, 0)
}

func (t *Thread) committable(cs Critical) bool {
	return atomic.LoadUint64(&t.epoch) == cs.epoch
}

// Commit16 ends the section with a 16-bit store, the fast-path commit
// granularity of the slab header's current field. Returns false and
// stores nothing if the thread was preempted since Enter.
func (t *Thread) Commit16(cs Critical, p *uint16, v uint16) bool {
	if !t.committable(cs) {
		t.Abort()
		return false
	}
	*p = v
	atomic.StoreUint32(&t.inCS, 0)
	return true
}

// Commit64 ends the section with a full 64-bit header store.
func (t *Thread) Commit64(cs Critical, p *uint64, v uint64) bool {
	if !t.committable(cs) {
		t.Abort()
		return false
	}
	atomic.StoreUint64(p, v)
	atomic.StoreUint32(&t.inCS, 0)
	return true
}

// StoreCurrentCpu64 stores v to p iff the thread still has its slab
// region cached, all within one section.
func (t *Thread) StoreCurrentCpu64(p *uint64, v uint64) bool {
	cs, _, ok := t.Enter()
	if !ok {
		return false
	}
	return t.Commit64(cs, p, v)
}

// StoreSlabs commits v as the thread's cached slabs word. The validity
// tag must already be staged with SetSlabs; the commit fails if the
// thread was preempted since staging.
func (t *Thread) StoreSlabs(v uintptr) bool {
	cs, _, ok := t.Enter()
	if !ok {
		return false
	}
	if !t.committable(cs) {
		t.Abort()
		return false
	}
	atomic.StoreUintptr(&t.slabs, v)
	atomic.StoreUint32(&t.inCS, 0)
	return true
}
