//go:build linux

package main

/*
#include <stdlib.h>
#include <sys/mman.h>
*/
import "C"

// runWorkload drives a small, fixed sequence of libc allocator calls
// through cgo, so alloctrace has something of its own to trace: a plain Go
// allocation never touches malloc/mmap, since the Go runtime has its own
// allocator, so the demo has to go through cgo to reach the intercepted
// symbols at all.
func runWorkload() {
	p := C.malloc(128)
	q := C.calloc(4, 32)
	q = C.realloc(q, 64)
	C.free(p)
	C.free(q)

	region := C.mmap(nil, 4096, C.PROT_READ|C.PROT_WRITE, C.MAP_PRIVATE|C.MAP_ANONYMOUS, -1, 0)
	C.munmap(region, 4096)
}
