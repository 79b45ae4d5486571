//go:build linux

package interceptors

/*
#include <stddef.h>
#include <sys/types.h>
#include <sys/mman.h>

typedef void *(*malloc_fn)(size_t);
typedef void *(*calloc_fn)(size_t, size_t);
typedef void *(*realloc_fn)(void *, size_t);
typedef void *(*memalign_fn)(size_t, size_t);
typedef int   (*posix_memalign_fn)(void **, size_t, size_t);
typedef void *(*valloc_fn)(size_t);
typedef void *(*pvalloc_fn)(size_t);
typedef void  (*free_fn)(void *);
typedef void *(*mmap_fn)(void *, size_t, int, int, int, off_t);
typedef void *(*mmap64_fn)(void *, size_t, int, int, int, long long);
typedef int   (*munmap_fn)(void *, size_t);
typedef void *(*dlopen_fn)(const char *, int);
typedef int   (*dlclose_fn)(void *);
// The real prototype returns PyGILState_STATE, a C enum; every known ABI
// backs that enum with int, so this avoids a Python.h dependency.
typedef int   (*pygilstate_ensure_fn)(void);

#include "_cgo_export.h"

static inline void *alloctrace_malloc_addr(void)          { return (void *)alloctrace_malloc; }
static inline void *alloctrace_calloc_addr(void)          { return (void *)alloctrace_calloc; }
static inline void *alloctrace_realloc_addr(void)         { return (void *)alloctrace_realloc; }
static inline void *alloctrace_memalign_addr(void)        { return (void *)alloctrace_memalign; }
static inline void *alloctrace_posix_memalign_addr(void)  { return (void *)alloctrace_posix_memalign; }
static inline void *alloctrace_valloc_addr(void)          { return (void *)alloctrace_valloc; }
static inline void *alloctrace_pvalloc_addr(void)         { return (void *)alloctrace_pvalloc; }
static inline void *alloctrace_free_addr(void)            { return (void *)alloctrace_free; }
static inline void *alloctrace_mmap_addr(void)             { return (void *)alloctrace_mmap; }
static inline void *alloctrace_mmap64_addr(void)           { return (void *)alloctrace_mmap64; }
static inline void *alloctrace_munmap_addr(void)           { return (void *)alloctrace_munmap; }
static inline void *alloctrace_dlopen_addr(void)           { return (void *)alloctrace_dlopen; }
static inline void *alloctrace_dlclose_addr(void)          { return (void *)alloctrace_dlclose; }
static inline void *alloctrace_PyGILState_Ensure_addr(void) { return (void *)alloctrace_PyGILState_Ensure; }
*/
import "C"

import "unsafe"

import (
	"github.com/zboralski/alloctrace/internal/allockind"
	"github.com/zboralski/alloctrace/internal/hooks"
)

// mapFailed mirrors MAP_FAILED, (void *)-1.
const mapFailed = ^uintptr(0)

//export alloctrace_malloc
func alloctrace_malloc(size C.size_t) unsafe.Pointer {
	fn := C.malloc_fn(unsafe.Pointer(original("malloc")))
	ret := fn(size)
	notifyAlloc(uintptr(ret), uint64(size), allockind.Malloc)
	return ret
}

//export alloctrace_calloc
func alloctrace_calloc(num, size C.size_t) unsafe.Pointer {
	fn := C.calloc_fn(unsafe.Pointer(original("calloc")))
	ret := fn(num, size)
	notifyAlloc(uintptr(ret), uint64(num)*uint64(size), allockind.Calloc)
	return ret
}

//export alloctrace_realloc
func alloctrace_realloc(ptr unsafe.Pointer, size C.size_t) unsafe.Pointer {
	fn := C.realloc_fn(unsafe.Pointer(original("realloc")))
	ret := fn(ptr, size)
	if ret != nil {
		notifyDealloc(uintptr(ptr), 0, allockind.Free)
		notifyAlloc(uintptr(ret), uint64(size), allockind.Realloc)
	}
	return ret
}

//export alloctrace_memalign
func alloctrace_memalign(alignment, size C.size_t) unsafe.Pointer {
	fn := C.memalign_fn(unsafe.Pointer(original("memalign")))
	ret := fn(alignment, size)
	notifyAlloc(uintptr(ret), uint64(size), allockind.Memalign)
	return ret
}

//export alloctrace_posix_memalign
func alloctrace_posix_memalign(memptr *unsafe.Pointer, alignment, size C.size_t) C.int {
	fn := C.posix_memalign_fn(unsafe.Pointer(original("posix_memalign")))
	ret := fn(memptr, alignment, size)
	if ret == 0 {
		notifyAlloc(uintptr(*memptr), uint64(size), allockind.PosixMemalign)
	}
	return ret
}

//export alloctrace_valloc
func alloctrace_valloc(size C.size_t) unsafe.Pointer {
	fn := C.valloc_fn(unsafe.Pointer(original("valloc")))
	ret := fn(size)
	notifyAlloc(uintptr(ret), uint64(size), allockind.Valloc)
	return ret
}

//export alloctrace_pvalloc
func alloctrace_pvalloc(size C.size_t) unsafe.Pointer {
	fn := C.pvalloc_fn(unsafe.Pointer(original("pvalloc")))
	ret := fn(size)
	notifyAlloc(uintptr(ret), uint64(size), allockind.Pvalloc)
	return ret
}

//export alloctrace_free
func alloctrace_free(ptr unsafe.Pointer) {
	// Notify before the real call: the tracker must record the event while
	// the address is still uniquely owned by the caller, in case the
	// tracker's own path allocates and the allocator immediately recycles
	// ptr.
	notifyDealloc(uintptr(ptr), 0, allockind.Free)
	fn := C.free_fn(unsafe.Pointer(original("free")))
	fn(ptr)
}

//export alloctrace_mmap
func alloctrace_mmap(addr unsafe.Pointer, length C.size_t, prot, flags, fd C.int, offset C.off_t) unsafe.Pointer {
	fn := C.mmap_fn(unsafe.Pointer(original("mmap")))
	ret := fn(addr, length, prot, flags, fd, offset)
	if uintptr(ret) != mapFailed {
		notifyAlloc(uintptr(ret), uint64(length), allockind.Mmap)
	}
	return ret
}

//export alloctrace_mmap64
func alloctrace_mmap64(addr unsafe.Pointer, length C.size_t, prot, flags, fd C.int, offset C.longlong) unsafe.Pointer {
	fn := C.mmap64_fn(unsafe.Pointer(original("mmap64")))
	ret := fn(addr, length, prot, flags, fd, offset)
	if uintptr(ret) != mapFailed {
		notifyAlloc(uintptr(ret), uint64(length), allockind.Mmap)
	}
	return ret
}

//export alloctrace_munmap
func alloctrace_munmap(addr unsafe.Pointer, length C.size_t) C.int {
	// Notify before the real call, symmetrically with free.
	notifyDealloc(uintptr(addr), uint64(length), allockind.Munmap)
	fn := C.munmap_fn(unsafe.Pointer(original("munmap")))
	return fn(addr, length)
}

//export alloctrace_dlopen
func alloctrace_dlopen(filename *C.char, flag C.int) unsafe.Pointer {
	fn := C.dlopen_fn(unsafe.Pointer(original("dlopen")))
	ret := fn(filename, flag)
	if ret != nil {
		notifyDlopenSucceeded()
	}
	return ret
}

//export alloctrace_dlclose
func alloctrace_dlclose(handle unsafe.Pointer) C.int {
	notifyDlcloseStarting()
	fn := C.dlclose_fn(unsafe.Pointer(original("dlclose")))
	ret := fn(handle)
	if ret == 0 {
		notifyDlcloseSucceeded()
	}
	return ret
}

//export alloctrace_PyGILState_Ensure
func alloctrace_PyGILState_Ensure() C.int {
	fn := C.pygilstate_ensure_fn(unsafe.Pointer(original("PyGILState_Ensure")))
	ret := fn()
	notifyGILAcquired()
	return ret
}

// Defs lists the fourteen tracked symbols paired with the absolute address
// of their wrapper, for handing to hooks.New. The addresses come back
// through small C accessor functions because Go cannot take the address of
// a //export'd function directly; _cgo_export.h is what makes the exported
// names visible to the preamble above.
func Defs() []hooks.Def {
	return []hooks.Def{
		{Name: "malloc", Wrapper: uintptr(C.alloctrace_malloc_addr())},
		{Name: "calloc", Wrapper: uintptr(C.alloctrace_calloc_addr())},
		{Name: "realloc", Wrapper: uintptr(C.alloctrace_realloc_addr())},
		{Name: "memalign", Wrapper: uintptr(C.alloctrace_memalign_addr())},
		{Name: "posix_memalign", Wrapper: uintptr(C.alloctrace_posix_memalign_addr())},
		{Name: "valloc", Wrapper: uintptr(C.alloctrace_valloc_addr())},
		{Name: "pvalloc", Wrapper: uintptr(C.alloctrace_pvalloc_addr())},
		{Name: "free", Wrapper: uintptr(C.alloctrace_free_addr())},
		{Name: "mmap", Wrapper: uintptr(C.alloctrace_mmap_addr())},
		{Name: "mmap64", Wrapper: uintptr(C.alloctrace_mmap64_addr())},
		{Name: "munmap", Wrapper: uintptr(C.alloctrace_munmap_addr())},
		{Name: "dlopen", Wrapper: uintptr(C.alloctrace_dlopen_addr())},
		{Name: "dlclose", Wrapper: uintptr(C.alloctrace_dlclose_addr())},
		{Name: "PyGILState_Ensure", Wrapper: uintptr(C.alloctrace_PyGILState_Ensure_addr())},
	}
}
