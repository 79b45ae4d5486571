// Package allockind defines the closed set of tracked allocator symbols and
// the semantic class each one belongs to.
package allockind

import "fmt"

// Allocator identifies one of the ten allocator variants the tracer reports
// to a Tracker. Of the fourteen intercepted symbols, mmap64 is reported as
// Mmap, and dlopen, dlclose and PyGILState_Ensure have no Allocator value.
type Allocator int

const (
	Malloc Allocator = iota
	Calloc
	Realloc
	Memalign
	PosixMemalign
	Valloc
	Pvalloc
	Free
	Mmap
	Munmap
)

func (a Allocator) String() string {
	switch a {
	case Malloc:
		return "malloc"
	case Calloc:
		return "calloc"
	case Realloc:
		return "realloc"
	case Memalign:
		return "memalign"
	case PosixMemalign:
		return "posix_memalign"
	case Valloc:
		return "valloc"
	case Pvalloc:
		return "pvalloc"
	case Free:
		return "free"
	case Mmap:
		return "mmap"
	case Munmap:
		return "munmap"
	default:
		return fmt.Sprintf("allocator(%d)", int(a))
	}
}

// Kind is the semantic class a Tracker needs to update its shadow map
// without knowing the specific allocator variant.
type Kind int

const (
	SimpleAllocator Kind = iota
	SimpleDeallocator
	RangedAllocator
	RangedDeallocator
)

func (k Kind) String() string {
	switch k {
	case SimpleAllocator:
		return "simple-allocator"
	case SimpleDeallocator:
		return "simple-deallocator"
	case RangedAllocator:
		return "ranged-allocator"
	case RangedDeallocator:
		return "ranged-deallocator"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// All enumerates every tracked allocator, for iteration in tests.
var All = []Allocator{
	Malloc, Calloc, Realloc, Memalign, PosixMemalign, Valloc, Pvalloc,
	Free, Mmap, Munmap,
}

// Of classifies an Allocator into its semantic Kind. Total over Allocator's
// closed range; an unrecognised value panics rather than silently
// misclassifying a caller's shadow map.
func Of(a Allocator) Kind {
	switch a {
	case Malloc, Calloc, Realloc, Memalign, PosixMemalign, Valloc, Pvalloc:
		return SimpleAllocator
	case Free:
		return SimpleDeallocator
	case Mmap:
		return RangedAllocator
	case Munmap:
		return RangedDeallocator
	default:
		panic(fmt.Sprintf("allockind: unclassified allocator %v", a))
	}
}
