//go:build linux

package patcher

/*
#include <link.h>
#include <elf.h>
#include <stddef.h>

extern int goPhdrCallback(struct dl_phdr_info *info, size_t size, void *data);
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"
)

// LiveObjects is the cgo-backed ObjectIterator driving the real process's
// link map via dl_iterate_phdr. There is no pure Go equivalent: the
// dynamic linker's link map is glibc/musl-internal state, and
// dl_iterate_phdr is the only portable way to walk it.
type LiveObjects struct{}

// ForEach implements ObjectIterator by calling dl_iterate_phdr once and
// translating each dl_phdr_info the loader hands back into an Object.
func (LiveObjects) ForEach(fn func(Object) (stop bool)) {
	h := cgo.NewHandle(fn)
	defer h.Delete()
	C.dl_iterate_phdr((*[0]byte)(C.goPhdrCallback), unsafe.Pointer(uintptr(h)))
}

// stopIteration is returned to dl_iterate_phdr's caller to end the walk
// early once fn reports stop == true.
const stopIteration C.int = 1

//export goPhdrCallback
func goPhdrCallback(info *C.struct_dl_phdr_info, size C.size_t, data unsafe.Pointer) C.int {
	h := cgo.Handle(uintptr(data))
	fn, ok := h.Value().(func(Object) bool)
	if !ok {
		return 0
	}

	name := C.GoString(info.dlpi_name)
	base := uintptr(info.dlpi_addr)

	var dyn, end uintptr
	phnum := int(info.dlpi_phnum)
	if phnum > 0 && info.dlpi_phdr != nil {
		phdrs := unsafe.Slice(info.dlpi_phdr, phnum)
		for _, ph := range phdrs {
			switch ph.p_type {
			case C.PT_DYNAMIC:
				dyn = base + uintptr(ph.p_vaddr)
			case C.PT_LOAD:
				segEnd := base + uintptr(ph.p_vaddr) + uintptr(ph.p_memsz)
				if segEnd > end {
					end = segEnd
				}
			}
		}
	}

	if fn(Object{Name: name, Base: base, End: end, Dynamic: dyn}) {
		return stopIteration
	}
	return 0
}
