// +build linux

package mincore

import (
	"reflect"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Residence returns how many bytes of [p, p+length) are page resident.
// p must be page aligned.
func Residence(p unsafe.Pointer, length uintptr) uintptr {
	if p == nil || length == 0 {
		return 0
	}
	page := uintptr(PageSize())
	pages := (length + page - 1) / page

	var region []byte
	rh := (*reflect.SliceHeader)(unsafe.Pointer(&region))
	rh.Data = uintptr(p)
	rh.Len = int(length)
	rh.Cap = int(length)

	vec := make([]byte, pages)
	_, _, errno := unix.Syscall(unix.SYS_MINCORE, uintptr(p), length, uintptr(unsafe.Pointer(&vec[0])))
	if errno != 0 {
		return 0
	}
	var resident uintptr
	for _, v := range vec {
		if v&1 != 0 {
			resident += page
		}
	}
	if resident > length {
		resident = length
	}
	return resident
}
