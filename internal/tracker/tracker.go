// Package tracker defines the Tracker interface the interceptors notify on
// every intercepted call, plus a reference in-memory implementation used by
// tests and by the dashboard/CLI when no external sink is configured.
package tracker

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	"github.com/zboralski/alloctrace/internal/allockind"
	"github.com/zboralski/alloctrace/internal/trace"
)

// Tracker is the external subsystem interceptors call into. size is 0 for
// FREE, where the allocator does not report it.
type Tracker interface {
	TrackAllocation(address, size uint64, kind allockind.Allocator)
	TrackDeallocation(address, size uint64, kind allockind.Allocator)
	InvalidateModuleCache()
	InstallTraceFunction()
	FlushNativeTraceCache()
}

// reentrancyGuard keeps one goroutine from re-entering a Track* call while
// already inside one on the same goroutine. Nothing in the pack provides a
// goroutine-local primitive, so this parses the goroutine ID out of
// runtime.Stack the way several informal Go idioms do; it is deliberately
// cheap to fail open (enter returns true) if parsing ever comes up empty.
type reentrancyGuard struct {
	mu     sync.Mutex
	active map[int64]bool
}

func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (g *reentrancyGuard) enter() bool {
	id := goroutineID()
	if id == 0 {
		return true // parsing failed: fail open
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		g.active = make(map[int64]bool)
	}
	if g.active[id] {
		return false
	}
	g.active[id] = true
	return true
}

func (g *reentrancyGuard) exit() {
	id := goroutineID()
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, id)
}

// Recorder is the reference Tracker: an in-memory event log plus a live
// shadow map of outstanding allocations, grounded on trace.Event/Tags/
// Annotations. Safe for concurrent use by many interceptors at once.
type Recorder struct {
	guard reentrancyGuard

	mu                 sync.Mutex
	events             []trace.Event
	live               map[uint64]trace.Event
	nativeStackCache   map[uint64]string
	tracedGoroutines   map[int64]bool
	moduleCacheEpoch   int
	nativeCacheFlushes int
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		live:             make(map[uint64]trace.Event),
		nativeStackCache: make(map[uint64]string),
		tracedGoroutines: make(map[int64]bool),
	}
}

func (r *Recorder) record(address, size uint64, kind allockind.Allocator, name string, alloc bool) {
	ev := trace.NewEvent(address, allockind.Of(kind).String(), name, fmt.Sprintf("size=%d", size))
	ev.Annotate("size", strconv.FormatUint(size, 10))
	ev.Annotate("address", strconv.FormatUint(address, 16))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
	if alloc {
		r.live[address] = *ev
	} else {
		delete(r.live, address)
	}
}

// TrackAllocation implements Tracker.
func (r *Recorder) TrackAllocation(address, size uint64, kind allockind.Allocator) {
	if !r.guard.enter() {
		return
	}
	defer r.guard.exit()

	r.record(address, size, kind, kind.String(), true)
}

// TrackDeallocation implements Tracker.
func (r *Recorder) TrackDeallocation(address, size uint64, kind allockind.Allocator) {
	if !r.guard.enter() {
		return
	}
	defer r.guard.exit()

	r.record(address, size, kind, kind.String(), false)
}

// InvalidateModuleCache implements Tracker. Called by the dlopen/dlclose
// wrappers; bumps a generation counter a re-install coordinator can poll,
// and is itself a no-op beyond that — the actual re-patching decision
// belongs to whoever wired the tracker to a Patcher.
func (r *Recorder) InvalidateModuleCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moduleCacheEpoch++
}

// ModuleCacheEpoch reports how many times InvalidateModuleCache has fired.
func (r *Recorder) ModuleCacheEpoch() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.moduleCacheEpoch
}

// InstallTraceFunction implements Tracker. Marks the calling goroutine
// (standing in for the calling OS thread/host-runtime thread) as traced,
// the mechanism by which threads the tracer did not itself create become
// visible to tracking the first time they call PyGILState_Ensure.
func (r *Recorder) InstallTraceFunction() {
	id := goroutineID()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracedGoroutines[id] = true
}

// FlushNativeTraceCache implements Tracker: discards any cached
// symbolication of native-stack addresses, since an unloaded object makes
// those addresses meaningless.
func (r *Recorder) FlushNativeTraceCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nativeStackCache = make(map[uint64]string)
	r.nativeCacheFlushes++
}

// Events returns a snapshot of every recorded event, in notification order.
func (r *Recorder) Events() []trace.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]trace.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Live returns a snapshot of the outstanding-allocation shadow map.
func (r *Recorder) Live() map[uint64]trace.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint64]trace.Event, len(r.live))
	for k, v := range r.live {
		out[k] = v
	}
	return out
}
