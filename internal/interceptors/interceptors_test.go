package interceptors

import (
	"testing"

	"github.com/zboralski/alloctrace/internal/allockind"
	"github.com/zboralski/alloctrace/internal/hooks"
)

type spyTracker struct {
	allocs    []event
	deallocs  []event
	invalidateCalls int
	installCalls    int
	flushCalls      int
}

type event struct {
	addr uint64
	size uint64
	kind allockind.Allocator
}

func (s *spyTracker) TrackAllocation(address, size uint64, kind allockind.Allocator) {
	s.allocs = append(s.allocs, event{address, size, kind})
}

func (s *spyTracker) TrackDeallocation(address, size uint64, kind allockind.Allocator) {
	s.deallocs = append(s.deallocs, event{address, size, kind})
}

func (s *spyTracker) InvalidateModuleCache()  { s.invalidateCalls++ }
func (s *spyTracker) InstallTraceFunction()   { s.installCalls++ }
func (s *spyTracker) FlushNativeTraceCache()  { s.flushCalls++ }

func resetState() {
	registry = nil
	trk = nil
	reinstall = nil
	installed.Store(false)
}

func TestOriginalPanicsBeforeInstall(t *testing.T) {
	resetState()
	defer func() {
		if recover() == nil {
			t.Fatal("original() did not panic before Install")
		}
	}()
	original("malloc")
}

func TestOriginalPanicsOnUnresolvedEntry(t *testing.T) {
	resetState()
	r := hooks.New([]hooks.Def{{Name: "malloc", Wrapper: 0x1}})
	Install(r, &spyTracker{}, nil)
	defer func() {
		if recover() == nil {
			t.Fatal("original() did not panic for an unresolved entry")
		}
	}()
	original("malloc")
}

func TestNotifyAllocSkipsNilPointerAndNilTracker(t *testing.T) {
	resetState()
	spy := &spyTracker{}
	Install(hooks.New(nil), spy, nil)

	notifyAlloc(0, 128, allockind.Malloc)
	if len(spy.allocs) != 0 {
		t.Errorf("notifyAlloc must not notify for a nil address")
	}

	notifyAlloc(0x1000, 128, allockind.Malloc)
	if len(spy.allocs) != 1 || spy.allocs[0].addr != 0x1000 || spy.allocs[0].size != 128 {
		t.Errorf("allocs = %+v, want one event for 0x1000/128", spy.allocs)
	}

	trk = nil
	notifyAlloc(0x2000, 64, allockind.Malloc)
	if len(spy.allocs) != 1 {
		t.Errorf("notifyAlloc must not notify when no tracker is installed; allocs = %+v", spy.allocs)
	}
}

func TestNotifyDlopenSucceededInvalidatesAndReinstalls(t *testing.T) {
	resetState()
	spy := &spyTracker{}
	reinstalled := 0
	Install(hooks.New(nil), spy, func() { reinstalled++ })

	notifyDlopenSucceeded()

	if spy.invalidateCalls != 1 {
		t.Errorf("invalidateCalls = %d, want 1", spy.invalidateCalls)
	}
	if reinstalled != 1 {
		t.Errorf("reinstall callback called %d times, want 1", reinstalled)
	}
}

func TestNotifyDlcloseOrdering(t *testing.T) {
	resetState()
	spy := &spyTracker{}
	Install(hooks.New(nil), spy, nil)

	notifyDlcloseStarting()
	if spy.flushCalls != 1 || spy.invalidateCalls != 0 {
		t.Fatalf("after notifyDlcloseStarting: flush=%d invalidate=%d, want flush=1 invalidate=0", spy.flushCalls, spy.invalidateCalls)
	}
	notifyDlcloseSucceeded()
	if spy.invalidateCalls != 1 {
		t.Errorf("invalidateCalls after success = %d, want 1", spy.invalidateCalls)
	}
}

func TestNotifyGILAcquired(t *testing.T) {
	resetState()
	spy := &spyTracker{}
	Install(hooks.New(nil), spy, nil)

	notifyGILAcquired()
	if spy.installCalls != 1 {
		t.Errorf("installCalls = %d, want 1", spy.installCalls)
	}
}
