// Package hooks implements the Hook Registry: a process-wide,
// compile-time-enumerated table of tracked symbols, each carrying the
// symbol's name, the address of the real implementation (resolved lazily
// at startup), and the address of the wrapper that replaces it in every
// loaded object's GOT.
package hooks

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/alloctrace/internal/elfview"
	glog "github.com/zboralski/alloctrace/internal/log"
)

// vdsoName is always skipped during resolution: the VDSO carries no usable
// symbol table for the symbols this tracer cares about.
const vdsoName = "linux-vdso.so.1"

// Def is the compile-time declaration of one tracked symbol: its name and
// the address of the wrapper that should replace it. Original is resolved
// later, by Resolve.
type Def struct {
	Name    string
	Wrapper uintptr
}

// Entry is one Hook Registry row. Lifetime equals process lifetime;
// Original/initialized are mutated only once, by the first successful
// resolution in Resolve.
type Entry struct {
	Name    string
	Wrapper uintptr

	original    atomic.Uintptr
	initialized atomic.Bool
}

// Original returns the real implementation's address, or 0 if this entry
// has not been resolved yet.
func (e *Entry) Original() uintptr {
	return e.original.Load()
}

// Initialized reports whether Original() has been populated.
func (e *Entry) Initialized() bool {
	return e.initialized.Load()
}

func (e *Entry) resolve(addr uintptr) {
	// First definition wins, as with normal dynamic linking: once
	// initialized, later matches (from objects scanned later in link-map
	// order) are ignored.
	if e.initialized.CompareAndSwap(false, true) {
		e.original.Store(addr)
	}
}

// LoadedObject is the minimal description of a loaded shared object the
// Registry needs to resolve a symbol: its link-map name, load base, and
// the absolute address of its PT_DYNAMIC segment. internal/patcher's phdr
// iteration produces these; this package never walks phdrs itself so it
// stays testable without cgo.
type LoadedObject struct {
	Name    string
	Base    uintptr
	Dynamic uintptr
}

// ObjectIterator yields every object currently loaded into the process, in
// link-map order, stopping early if fn returns true.
type ObjectIterator interface {
	ForEach(fn func(LoadedObject) (stop bool))
}

// Registry holds the closed set of tracked-symbol entries.
type Registry struct {
	entries []*Entry
	byName  map[string]*Entry
}

// New builds a Registry from the given compile-time definitions. defs is
// expected to be the fourteen tracked symbols; New does not enforce that
// count so tests can exercise a smaller registry.
func New(defs []Def) *Registry {
	r := &Registry{
		entries: make([]*Entry, 0, len(defs)),
		byName:  make(map[string]*Entry, len(defs)),
	}
	for _, d := range defs {
		e := &Entry{Name: d.Name, Wrapper: d.Wrapper}
		r.entries = append(r.entries, e)
		r.byName[d.Name] = e
	}
	return r
}

// Entries returns every registry row, in declaration order.
func (r *Registry) Entries() []*Entry {
	return r.entries
}

// Lookup returns the entry for name, or nil if name is not tracked.
func (r *Registry) Lookup(name string) *Entry {
	return r.byName[name]
}

// Resolve walks objects in link-map order (the executable, an unnamed map,
// is always considered; later unnamed maps and the VDSO are skipped), and
// for each remaining object, looks up every still-unresolved entry's symbol
// name via an elfview.View over that object's PT_DYNAMIC. The first object
// that provides a nonzero address for a symbol wins; resolution for that
// symbol stops there, mirroring how the dynamic linker itself picks a
// definition out of the link map.
func (r *Registry) Resolve(objects ObjectIterator) {
	sessionID := uuid.New()
	seenUnnamed := false

	objects.ForEach(func(obj LoadedObject) (stop bool) {
		if obj.Name == "" {
			if seenUnnamed {
				return false // only the first (main executable) unnamed map counts
			}
			seenUnnamed = true
		}
		if obj.Name == vdsoName {
			return false
		}

		view, err := elfview.New(obj.Base, obj.Dynamic)
		if err != nil {
			if glog.L != nil {
				glog.L.Debug("hooks: skipping object without usable dynamic section",
					zap.String("obj", obj.Name), zap.Error(err))
			}
			return false
		}

		remaining := 0
		for _, e := range r.entries {
			if e.Initialized() {
				continue
			}
			if addr := view.AddressOf(e.Name); addr != 0 {
				e.resolve(addr)
				if glog.L != nil {
					glog.L.Debug("hooks: resolved",
						zap.String("session", sessionID.String()),
						zap.String("sym", e.Name),
						zap.String("obj", obj.Name),
						glog.Addr(uint64(addr)))
				}
			} else {
				remaining++
			}
		}
		return remaining == 0
	})
}

// EnsureAllValid checks that every entry resolved to a nonzero original; a
// still-unresolved entry means later use of it would dereference a null
// function pointer from inside a wrapper, a programming error rather than a
// recoverable condition.
func (r *Registry) EnsureAllValid() error {
	var unresolved []string
	for _, e := range r.entries {
		if !e.Initialized() || e.Original() == 0 {
			unresolved = append(unresolved, e.Name)
		}
	}
	if len(unresolved) > 0 {
		return fmt.Errorf("hooks: unresolved tracked symbols: %v", unresolved)
	}
	return nil
}

// MustEnsureAllValid calls EnsureAllValid and aborts the process on
// failure: an interceptor entered with a null original pointer would
// otherwise crash opaquely deep inside the wrapper.
func (r *Registry) MustEnsureAllValid() {
	if err := r.EnsureAllValid(); err != nil {
		if glog.L != nil {
			glog.L.Fatal("hooks: startup resolution invariant violated", zap.Error(err))
			return
		}
		panic(err)
	}
}
