package allocator

import (
	"sync/atomic"
	"time"
)

// Balance sweeps populated CPUs until stop closes, reclaiming capacity
// from classes that sit empty. Sweeps are bounded by the allocator's
// rate limiter so a busy cache is not perturbed more than configured.
func (a *Allocator) Balance(stop <-chan struct{}) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !a.limiter.Allow() {
				continue
			}
			a.sweep()
		}
	}
}

// sweep moves capacity toward demand: classes that kept underflowing
// since the last sweep are grown on every populated CPU, and classes
// holding capacity but no objects are shrunk back.
func (a *Allocator) sweep() {
	a.mu.Lock()
	defer a.mu.Unlock()
	hot := make([]bool, len(a.classes))
	for sc := 1; sc < len(a.classes); sc++ {
		hot[sc] = atomic.SwapUint64(&a.classUnderflows[sc], 0) > 0
	}
	for cpu := 0; cpu < a.reg.NumCPUs(); cpu++ {
		if !a.isPopulated(cpu) {
			continue
		}
		var grow, shrink []int
		for sc := 1; sc < len(a.classes); sc++ {
			switch {
			case a.slab.Length(cpu, sc) == 0 && a.slab.Capacity(cpu, sc) > 0:
				shrink = append(shrink, sc)
			case hot[sc] && a.slab.Capacity(cpu, sc) < a.classes[sc].MaxCapacity:
				grow = append(grow, sc)
			}
		}
		if len(grow) == 0 && len(shrink) == 0 {
			continue
		}
		a.slab.StopCpu(cpu)
		for _, sc := range grow {
			if n := a.slab.GrowOtherCache(cpu, sc, refillBatch, a.maxCapacityFor(sc)); n > 0 {
				atomic.AddUint64(&a.stats.Grows, 1)
			}
		}
		for _, sc := range shrink {
			if cap := a.slab.Capacity(cpu, sc); cap > 0 {
				if n := a.slab.ShrinkOtherCache(cpu, sc, cap, a.shrinkHandler); n > 0 {
					atomic.AddUint64(&a.stats.Shrinks, 1)
				}
			}
		}
		a.slab.StartCpu(cpu)
		a.log.Debug("swept", "cpu", cpu, "grew", len(grow), "shrunk", len(shrink))
	}
}
