package allocator

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// arena is a bump allocator over an anonymous mapping. Objects handed
// to the slab cache must live outside the Go heap; this is where they
// come from. The arena never frees individual objects, the central
// lists recycle them.
type arena struct {
	mu   sync.Mutex
	buf  []byte
	next uintptr
}

func newArena(size int) (*arena, error) {
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &arena{buf: buf}, nil
}

// alloc carves an 8-aligned object of n bytes, or nil when exhausted.
func (a *arena) alloc(n uintptr) unsafe.Pointer {
	n = (n + 7) &^ 7
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next+n > uintptr(len(a.buf)) {
		return nil
	}
	p := unsafe.Pointer(&a.buf[a.next])
	a.next += n
	return p
}

func (a *arena) close() error {
	buf := a.buf
	a.buf = nil
	return unix.Munmap(buf)
}
