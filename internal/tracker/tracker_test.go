package tracker

import (
	"testing"

	"github.com/zboralski/alloctrace/internal/allockind"
)

func TestBasicMallocFree(t *testing.T) {
	r := NewRecorder()

	r.TrackAllocation(0x1000, 128, allockind.Malloc)
	r.TrackDeallocation(0x1000, 0, allockind.Free)

	events := r.Events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Name != "malloc" || events[0].Annotations.Get("size") != "128" {
		t.Errorf("event 0 = %+v, want malloc/size=128", events[0])
	}
	if events[1].Name != "free" || events[1].Annotations.Get("size") != "0" {
		t.Errorf("event 1 = %+v, want free/size=0", events[1])
	}
	if len(r.Live()) != 0 {
		t.Errorf("live set not empty after free: %+v", r.Live())
	}
}

func TestReallocSuccessNotifiesFreeThenRealloc(t *testing.T) {
	r := NewRecorder()

	r.TrackAllocation(0x1000, 16, allockind.Malloc)
	r.TrackDeallocation(0x1000, 0, allockind.Free)
	r.TrackAllocation(0x2000, 32, allockind.Realloc)

	events := r.Events()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[1].Name != "free" {
		t.Errorf("event 1 = %q, want free", events[1].Name)
	}
	if events[2].Name != "realloc" || events[2].Annotations.Get("size") != "32" {
		t.Errorf("event 2 = %+v, want realloc/size=32", events[2])
	}
	if _, ok := r.Live()[0x1000]; ok {
		t.Errorf("old pointer 0x1000 still live after realloc")
	}
	if _, ok := r.Live()[0x2000]; !ok {
		t.Errorf("new pointer 0x2000 not live after realloc")
	}
}

func TestReallocFailureProducesNoNotification(t *testing.T) {
	r := NewRecorder()
	r.TrackAllocation(0x1000, 16, allockind.Malloc)

	// A failing realloc does nothing: no FREE, no REALLOC. The interceptor
	// simply never calls TrackAllocation/TrackDeallocation again, so the
	// test is that nothing changes.
	events := r.Events()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (only the original malloc)", len(events))
	}
	if _, ok := r.Live()[0x1000]; !ok {
		t.Errorf("original pointer must remain live when realloc fails")
	}
}

func TestMmapMunmapPair(t *testing.T) {
	r := NewRecorder()

	r.TrackAllocation(0x7f0000, 4096, allockind.Mmap)
	r.TrackDeallocation(0x7f0000, 4096, allockind.Munmap)

	events := r.Events()
	if len(events) != 2 || events[0].Name != "mmap" || events[1].Name != "munmap" {
		t.Fatalf("events = %+v, want [mmap munmap]", events)
	}
	if events[1].Annotations.Get("size") != "4096" {
		t.Errorf("munmap size annotation = %q, want 4096", events[1].Annotations.Get("size"))
	}
}

func TestPosixMemalignSuccess(t *testing.T) {
	r := NewRecorder()
	r.TrackAllocation(0x5000, 256, allockind.PosixMemalign)

	events := r.Events()
	if len(events) != 1 || events[0].Name != "posix_memalign" {
		t.Fatalf("events = %+v, want one posix_memalign event", events)
	}
}

func TestInvalidateModuleCacheIncrementsEpoch(t *testing.T) {
	r := NewRecorder()
	if r.ModuleCacheEpoch() != 0 {
		t.Fatalf("initial epoch = %d, want 0", r.ModuleCacheEpoch())
	}
	r.InvalidateModuleCache()
	r.InvalidateModuleCache()
	if r.ModuleCacheEpoch() != 2 {
		t.Fatalf("epoch after two invalidations = %d, want 2", r.ModuleCacheEpoch())
	}
}

func TestFlushNativeTraceCacheClearsCacheOnly(t *testing.T) {
	r := NewRecorder()
	r.TrackAllocation(0x1000, 16, allockind.Malloc)
	r.FlushNativeTraceCache()

	if len(r.Events()) != 1 {
		t.Errorf("FlushNativeTraceCache must not drop the trace history")
	}
	if r.nativeCacheFlushes != 1 {
		t.Errorf("nativeCacheFlushes = %d, want 1", r.nativeCacheFlushes)
	}
}

func TestInstallTraceFunctionMarksCallingGoroutine(t *testing.T) {
	r := NewRecorder()
	r.InstallTraceFunction()
	id := goroutineID()
	if !r.tracedGoroutines[id] {
		t.Errorf("calling goroutine %d not marked traced", id)
	}
}

func TestReentrancyGuardDropsNestedCallOnSameGoroutine(t *testing.T) {
	var g reentrancyGuard
	if !g.enter() {
		t.Fatal("first enter() should succeed")
	}
	if g.enter() {
		t.Fatal("nested enter() on the same goroutine should be refused")
	}
	g.exit()
	if !g.enter() {
		t.Fatal("enter() after exit() should succeed again")
	}
}
