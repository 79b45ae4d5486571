// Package interceptors implements the wrapper functions installed into
// GOT/PLT slots by internal/patcher. Each wrapper notifies the tracker and
// delegates to the real implementation resolved by internal/hooks at
// startup.
//
// The actual C-ABI exported functions live in interceptors_linux.go, a cgo
// file: they are package-level by necessity (a GOT slot holds a bare
// function pointer, not a closure), matching the global-state design spec
// §9 calls out for the Hook Registry itself. This file holds the
// OS-agnostic notification logic so it can be unit tested without cgo.
package interceptors

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zboralski/alloctrace/internal/allockind"
	"github.com/zboralski/alloctrace/internal/hooks"
	glog "github.com/zboralski/alloctrace/internal/log"
	"github.com/zboralski/alloctrace/internal/tracker"
)

var (
	registry  *hooks.Registry
	trk       tracker.Tracker
	reinstall func()
	installed atomic.Bool
)

// Install wires the package-level state every exported wrapper reads.
// Must run once, before overwrite_symbols patches any GOT slot to point at
// these wrappers. onModuleLoadChanged is called after a successful dlopen,
// giving the caller the chance to run a fresh overwrite_symbols pass over
// the newly mapped object.
func Install(r *hooks.Registry, t tracker.Tracker, onModuleLoadChanged func()) {
	registry = r
	trk = t
	reinstall = onModuleLoadChanged
	installed.Store(true)
}

// original resolves a tracked symbol's real address. A wrapper entered
// before Install, or whose entry never resolved, is a runtime invariant
// violation: an assertion failure that aborts the process rather than
// risk calling through a null pointer.
func original(name string) uintptr {
	if !installed.Load() {
		fatal(name, "interceptors: wrapper entered before Install")
	}
	e := registry.Lookup(name)
	if e == nil || e.Original() == 0 {
		fatal(name, "interceptors: original pointer unresolved")
	}
	return e.Original()
}

func fatal(name, msg string) {
	if glog.L != nil {
		glog.L.Fatal(msg, zap.String("sym", name))
	}
	panic(msg + ": " + name)
}

func notifyAlloc(addr uintptr, size uint64, kind allockind.Allocator) {
	if addr == 0 || trk == nil {
		return
	}
	trk.TrackAllocation(uint64(addr), size, kind)
}

func notifyDealloc(addr uintptr, size uint64, kind allockind.Allocator) {
	if trk == nil {
		return
	}
	trk.TrackDeallocation(uint64(addr), size, kind)
}

func notifyDlopenSucceeded() {
	if trk != nil {
		trk.InvalidateModuleCache()
	}
	if reinstall != nil {
		reinstall()
	}
}

func notifyDlcloseStarting() {
	if trk != nil {
		trk.FlushNativeTraceCache()
	}
}

func notifyDlcloseSucceeded() {
	if trk != nil {
		trk.InvalidateModuleCache()
	}
}

func notifyGILAcquired() {
	if trk != nil {
		trk.InstallTraceFunction()
	}
}
