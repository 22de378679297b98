package allocator

// Class describes one size class. Size is the object byte size,
// Capacity the per-CPU slot count laid out for the class, and
// MaxCapacity the cap enforced on Grow. MaxCapacity must not exceed
// Capacity or neighboring classes would overlap in the slab region.
type Class struct {
	Size        int
	Capacity    uint16
	MaxCapacity int
}

// DefaultClasses builds n classes of doubling sizes starting at 16
// bytes. Class 0 is reserved and stays zero.
func DefaultClasses(n int) []Class {
	classes := make([]Class, n)
	size := 16
	for i := 1; i < n; i++ {
		cap := 4096 / size
		if cap < 8 {
			cap = 8
		}
		if cap > 256 {
			cap = 256
		}
		classes[i] = Class{Size: size, Capacity: uint16(cap), MaxCapacity: cap}
		size *= 2
	}
	return classes
}

// ClassFor returns the smallest class that fits size, or 0 when no
// class does. Lookups are memoized.
func (a *Allocator) ClassFor(size int) int {
	if v, ok := a.lookup.Get(size); ok {
		return v.(int)
	}
	sc := 0
	for i := 1; i < len(a.classes); i++ {
		if a.classes[i].Size >= size {
			sc = i
			break
		}
	}
	a.lookup.Add(size, sc)
	return sc
}
