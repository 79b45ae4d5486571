// Package patcher implements overwrite_symbols/restore_symbols: the single
// pass over every loaded shared object that rewrites GOT/PLT relocation
// slots resolving to a tracked symbol, in either direction.
package patcher

import (
	"reflect"
	"strings"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/zboralski/alloctrace/internal/elfview"
	"github.com/zboralski/alloctrace/internal/hooks"
	glog "github.com/zboralski/alloctrace/internal/log"
)

const vdsoName = "linux-vdso.so.1"

// Object is the minimal description internal/patcher needs for one loaded
// shared object: its link-map name, load base, end of its mapped range
// (highest PT_LOAD vaddr+memsz, used only for self-object detection), and
// the absolute address of its PT_DYNAMIC segment (0 if it has none).
type Object struct {
	Name    string
	Base    uintptr
	End     uintptr
	Dynamic uintptr
}

// ObjectIterator yields every object currently mapped into the process, in
// link-map order. The cgo dl_iterate_phdr-backed implementation lives in
// phdr_linux.go; tests inject a fake.
type ObjectIterator interface {
	ForEach(fn func(Object) (stop bool))
}

// asHookObjects adapts an ObjectIterator into the smaller view
// internal/hooks needs for startup resolution, so hooks never has to know
// about End or import this package.
type asHookObjects struct{ it ObjectIterator }

func (a asHookObjects) ForEach(fn func(hooks.LoadedObject) bool) {
	a.it.ForEach(func(o Object) bool {
		return fn(hooks.LoadedObject{Name: o.Name, Base: o.Base, Dynamic: o.Dynamic})
	})
}

// AsHookObjects wraps an ObjectIterator so it can be passed to
// (*hooks.Registry).Resolve.
func AsHookObjects(it ObjectIterator) hooks.ObjectIterator {
	return asHookObjects{it: it}
}

// Policy is consulted during an install pass for every object not yet in
// the Patched-object set, letting a caller filter which newly-discovered
// objects actually get patched (used by a dlopen re-install pass to skip
// objects a scripted install policy excludes). Nil means "patch
// everything".
type Policy interface {
	Decide(objectName string) Decision
}

// Decision is one Policy verdict for one object name.
type Decision struct {
	Patch  bool
	Reason string
}

// Patcher drives overwrite_symbols/restore_symbols against a Hook
// Registry. Install/uninstall exclusivity is a caller contract: Patcher
// does not lock, since it is meant to be driven by a single controller
// thread (the goroutine that owns dlopen/dlclose notifications), not
// called concurrently with itself. Callers must likewise serialize
// OverwriteSymbols/RestoreSymbols with any dlopen in flight on another
// thread.
type Patcher struct {
	registry *hooks.Registry
	objects  ObjectIterator
	selfName string
	policy   Policy

	// patched deduplicates objects already processed by any install pass
	// since the last uninstall pass, and is cleared at the start of every
	// uninstall pass.
	patched map[string]bool
}

// SetPolicy installs (or clears, with nil) the install-policy predicate.
func (p *Patcher) SetPolicy(policy Policy) {
	p.policy = policy
}

// New creates a Patcher. selfName, if non-empty, is always skipped — the
// tracer's own loaded object, to avoid patching its own allocator calls and
// recursing into its own wrappers.
func New(registry *hooks.Registry, objects ObjectIterator, selfName string) *Patcher {
	return &Patcher{
		registry: registry,
		objects:  objects,
		selfName: selfName,
		patched:  make(map[string]bool),
	}
}

// FindSelfName locates this package's own loaded object by comparing the
// address of one of its own functions against each object's mapped range.
// Pass the result to New as selfName.
func FindSelfName(objects ObjectIterator) string {
	marker := reflect.ValueOf(FindSelfName).Pointer()
	var self string
	objects.ForEach(func(o Object) bool {
		if o.Base == 0 || marker < o.Base {
			return false
		}
		if o.End != 0 && marker >= o.End {
			return false
		}
		self = o.Name
		return true
	})
	return self
}

func isDynamicLinker(name string) bool {
	base := name
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		base = name[i+1:]
	}
	return strings.HasPrefix(base, "ld-linux") || strings.HasPrefix(base, "ld-musl") || base == "ld.so.1"
}

func (p *Patcher) shouldSkip(name string) bool {
	if name == vdsoName {
		return true
	}
	if isDynamicLinker(name) {
		return true
	}
	if p.selfName != "" && name == p.selfName {
		return true
	}
	return false
}

// OverwriteSymbols installs wrappers across all currently loaded objects.
func (p *Patcher) OverwriteSymbols() {
	p.run(true)
}

// RestoreSymbols reverses the effect of OverwriteSymbols.
func (p *Patcher) RestoreSymbols() {
	p.run(false)
}

func (p *Patcher) run(install bool) {
	if !install {
		// Uninstall clears the set, forcing every subsequent install pass
		// to re-patch every object: needed so a dlopen/dlclose re-install
		// sees every currently loaded object as "not yet patched" again.
		p.patched = make(map[string]bool)
	}

	p.objects.ForEach(func(obj Object) bool {
		if p.shouldSkip(obj.Name) {
			return false
		}
		if install {
			if p.patched[obj.Name] {
				return false
			}
			if p.policy != nil {
				if d := p.policy.Decide(obj.Name); !d.Patch {
					if glog.L != nil {
						glog.L.Debug("patcher: install policy skipped object",
							zap.String("obj", obj.Name), zap.String("reason", d.Reason))
					}
					return false // not added to the Patched-object set
				}
			}
			p.patched[obj.Name] = true
		}
		if obj.Dynamic == 0 {
			return false
		}

		view, err := elfview.New(obj.Base, obj.Dynamic)
		if err != nil {
			if glog.L != nil {
				glog.L.Debug("patcher: object has no usable dynamic section",
					zap.String("obj", obj.Name), zap.Error(err))
			}
			return false
		}

		// elfview decodes every relocation entry (Offset, SymIndex, and
		// friends) in the process's own class, elfview.NativeClass(); an
		// object of the other class would need the other layout, so it is
		// skipped rather than walked with the wrong macro.
		if class := view.Class(); class != elfview.NativeClass() {
			if glog.L != nil {
				glog.L.Warn("patcher: object class does not match process, skipping",
					zap.String("obj", obj.Name),
					zap.String("class", class.String()),
					zap.String("machine", view.Machine().String()))
			}
			return false
		}

		// Rel -> Rela -> Jmprel, in on-disk order within each table
		// (elfview.Relocs already returns them in this order).
		for _, r := range view.Relocs() {
			name := view.SymbolName(int(r.SymIndex))
			if name == "" {
				continue
			}
			entry := p.registry.Lookup(name)
			if entry == nil {
				continue
			}
			target := entry.Original()
			if install {
				target = entry.Wrapper
			}
			if target == 0 {
				continue
			}
			slot := r.Slot(obj.Base)
			if err := patchSlot(slot, target); err != nil {
				if glog.L != nil {
					glog.L.Warn("patcher: mprotect failed, slot left unpatched",
						zap.String("obj", obj.Name), zap.String("sym", name), zap.Error(err))
				}
				continue
			}
		}
		return false
	})
}

// patchSlot makes the page containing slot read+write (the caller logs and
// continues rather than aborting on mprotect failure), then writes value
// into it. The write is a naturally-aligned pointer store, which is atomic
// with respect to any thread concurrently reading through the same slot —
// a racing reader observes either the old or the new function, both valid.
func patchSlot(slot uintptr, value uintptr) error {
	if err := mprotectRW(slot); err != nil {
		return err
	}
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(slot)), value)
	// Deliberately not restoring the page's original protection afterwards:
	// the page is left read+write for the remainder of the process's life,
	// trading a looser protection model for not having to track and
	// re-apply per-page flags on every future patch/restore.
	return nil
}

func mprotectRW(addr uintptr) error {
	pageSize := uintptr(unix.Getpagesize())
	pageAddr := addr &^ (pageSize - 1)
	page := unsafe.Slice((*byte)(unsafe.Pointer(pageAddr)), int(pageSize))
	return unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE)
}
