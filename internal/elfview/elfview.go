// Package elfview provides read-only structural access to the PT_DYNAMIC
// segment of an already-loaded ELF object: its symbol table, string table,
// and the three relocation tables (Rel, Rela, Jmprel/PLT).
//
// Unlike debug/elf, this package never opens a file. It walks memory that
// the dynamic linker has already mapped into the current process, the same
// way the dynamic linker itself resolves symbols at load time. The caller
// supplies the object's load base and the address of its PT_DYNAMIC
// segment (found by phdr iteration, see internal/patcher).
package elfview

import (
	"debug/elf"
	"fmt"
	"unsafe"
)

// ELF dynamic tags this package understands. Unlisted tags are skipped.
type dynTag int64

const (
	dtNull     dynTag = 0
	dtHash     dynTag = 4
	dtStrtab   dynTag = 5
	dtSymtab   dynTag = 6
	dtRela     dynTag = 7
	dtRelaSz   dynTag = 8
	dtRelaEnt  dynTag = 9
	dtStrSz    dynTag = 10
	dtSymEnt   dynTag = 11
	dtPltRelSz dynTag = 2
	dtJmprel   dynTag = 23
	dtPltRel   dynTag = 20
	dtRel      dynTag = 17
	dtRelSz    dynTag = 18
	dtRelEnt   dynTag = 19
	dtGnuHash  dynTag = 0x6ffffef5
)

// relType distinguishes the DT_PLTREL value (DT_REL=17 or DT_RELA=7).
const (
	pltRelIsRel  = 17
	pltRelIsRela = 7
)

// wordSize64 is true on LP64 targets (amd64, arm64) where Elf64 structures
// apply. Derived from the size of a native pointer rather than a separate
// build tag, since the object being parsed always shares the running
// process's word size.
const wordSize64 = unsafe.Sizeof(uintptr(0)) == 8

// RelocTable names which of the three relocation tables an entry came from.
type RelocTable int

const (
	TableRel RelocTable = iota
	TableRela
	TableJmprel
)

func (t RelocTable) String() string {
	switch t {
	case TableRel:
		return "rel"
	case TableRela:
		return "rela"
	case TableJmprel:
		return "jmprel"
	default:
		return "unknown"
	}
}

// Reloc is one relocation entry, normalised across Elf32/Elf64 and across
// Rel/Rela representations.
type Reloc struct {
	Table    RelocTable
	Offset   uintptr // object-relative offset of the GOT/data slot
	SymIndex uint32
	Type     uint32
	Addend   int64 // 0 for implicit-addend (Rel) entries
}

// Slot returns the absolute address of the GOT slot this relocation fills,
// given the object's load base.
func (r Reloc) Slot(base uintptr) uintptr {
	return base + r.Offset
}

// View is a read-only handle onto one loaded object's dynamic section.
type View struct {
	base uintptr

	symtab    uintptr
	strtab    uintptr
	strtabSz  uint64
	symCount  int
	symEntSz  uint64

	rel, rela, jmprel []Reloc
}

// New parses the PT_DYNAMIC array found at dynAddr (an absolute address:
// base + the PT_DYNAMIC program header's Vaddr) for an object loaded at
// base.
func New(base, dynAddr uintptr) (*View, error) {
	v := &View{base: base}

	var (
		strtab, symtab             uintptr
		strSz, symEnt              uint64
		relAddr, relaAddr, jmprel  uintptr
		relSz, relaSz, jmprelSz    uint64
		relEnt, relaEnt            uint64 = 16, 24
		pltRelKind                 int64
		hashAddr, gnuHashAddr      uintptr
	)

	for off := uintptr(0); ; {
		tag, val, sz := readDyn(dynAddr, off)
		if dynTag(tag) == dtNull {
			break
		}
		switch dynTag(tag) {
		case dtStrtab:
			strtab = base + uintptr(val)
		case dtSymtab:
			symtab = base + uintptr(val)
		case dtStrSz:
			strSz = val
		case dtSymEnt:
			symEnt = val
		case dtRel:
			relAddr = base + uintptr(val)
		case dtRelSz:
			relSz = val
		case dtRelEnt:
			relEnt = val
		case dtRela:
			relaAddr = base + uintptr(val)
		case dtRelaSz:
			relaSz = val
		case dtRelaEnt:
			relaEnt = val
		case dtJmprel:
			jmprel = base + uintptr(val)
		case dtPltRelSz:
			jmprelSz = val
		case dtPltRel:
			pltRelKind = int64(val)
		case dtHash:
			hashAddr = base + uintptr(val)
		case dtGnuHash:
			gnuHashAddr = base + uintptr(val)
		}
		off += uintptr(sz)
	}

	if symtab == 0 || strtab == 0 {
		return nil, fmt.Errorf("elfview: object at 0x%x has no DT_SYMTAB/DT_STRTAB", base)
	}
	if symEnt == 0 {
		if wordSize64 {
			symEnt = 24
		} else {
			symEnt = 16
		}
	}

	v.symtab = symtab
	v.strtab = strtab
	v.strtabSz = strSz
	v.symEntSz = symEnt
	v.symCount = symbolCount(hashAddr, gnuHashAddr, symtab, strtab, symEnt)

	if relAddr != 0 && relSz != 0 {
		v.rel = decodeRelocs(TableRel, relAddr, relSz, relEnt, false)
	}
	if relaAddr != 0 && relaSz != 0 {
		v.rela = decodeRelocs(TableRela, relaAddr, relaSz, relaEnt, true)
	}
	if jmprel != 0 && jmprelSz != 0 {
		isRela := pltRelKind == pltRelIsRela
		entSz := uint64(16)
		if isRela {
			entSz = 24
		}
		v.jmprel = decodeRelocs(TableJmprel, jmprel, jmprelSz, entSz, isRela)
	}

	return v, nil
}

// Class reads EI_CLASS out of the object's ELF header (ELFCLASS32 or
// ELFCLASS64), letting a caller that walks several objects in the same
// process notice a class mismatch before touching that object's relocation
// tables. base is assumed to point at byte 0 of the file image, true for
// every object dl_iterate_phdr reports.
func (v *View) Class() elf.Class {
	return elf.Class(*(*byte)(unsafe.Pointer(v.base + 4)))
}

// Machine reads e_machine out of the object's ELF header. Offset 18 is the
// same in both the Elf32 and Elf64 header layout, since e_ident is 16 bytes
// in either case.
func (v *View) Machine() elf.Machine {
	return elf.Machine(*(*uint16)(unsafe.Pointer(v.base + 18)))
}

// NativeClass is the ELF class (32 or 64-bit) this process's own relocation
// decoding assumes, derived from the running binary's pointer width.
func NativeClass() elf.Class {
	if wordSize64 {
		return elf.ELFCLASS64
	}
	return elf.ELFCLASS32
}

// readDyn reads one Elf_Dyn entry at dynAddr+off, returning its tag, value,
// and the entry's size in bytes (8 on Elf32, 16 on Elf64).
func readDyn(dynAddr, off uintptr) (tag int64, val uint64, size uintptr) {
	if wordSize64 {
		p := dynAddr + off
		tag = int64(*(*int64)(unsafe.Pointer(p)))
		val = *(*uint64)(unsafe.Pointer(p + 8))
		return tag, val, 16
	}
	p := dynAddr + off
	tag = int64(*(*int32)(unsafe.Pointer(p)))
	val = uint64(*(*uint32)(unsafe.Pointer(p + 4)))
	return tag, val, 8
}

// symbolCount determines how many entries the symbol table has. ELF has no
// explicit DT_SYMTABSZ, so the conventional trick (used by every minimal
// in-memory dynamic loader, glibc included) is to derive it from DT_HASH's
// nchain field, or, for DT_GNU_HASH-only objects, to walk the hash chain to
// find the highest symbol index referenced.
func symbolCount(hashAddr, gnuHashAddr, symtab, strtab uintptr, symEnt uint64) int {
	if hashAddr != 0 {
		// Elf_Hash: { nbucket uint32; nchain uint32; buckets[nbucket]; chains[nchain] }
		nchain := *(*uint32)(unsafe.Pointer(hashAddr + 4))
		return int(nchain)
	}
	if gnuHashAddr != 0 {
		if n := gnuHashSymCount(gnuHashAddr, symtab); n > 0 {
			return n
		}
	}
	// Last resort: scan forward until a symbol's nonzero name offset points
	// at an empty string in the string table, taken as the sign that the
	// scan has left the symbol table, which is contiguous and immediately
	// followed by unrelated data in every layout this package has to deal
	// with.
	n := 0
	for {
		nameOff := *(*uint32)(unsafe.Pointer(symtab + uintptr(n)*uintptr(symEnt)))
		if nameOff != 0 && readCString(strtab, uintptr(nameOff)) == "" {
			break
		}
		n++
		if n > 1<<20 {
			break
		}
	}
	return n
}

// gnuHashSymCount skips a DT_GNU_HASH table's bloom filter and walks its
// bucket array and chains to find the highest symbol index any bucket chain reaches; GNU hash
// chains are sorted and terminated by a set low bit, and the symbol table
// index space below the hash's symoffset is the .dynsym entries no bucket
// covers (typically just the null entry and any non-exported-but-present
// symbols), so this only bounds the visible (exported) symbol count.
func gnuHashSymCount(gnuHashAddr, symtab uintptr) int {
	nbuckets := *(*uint32)(unsafe.Pointer(gnuHashAddr))
	symOffset := *(*uint32)(unsafe.Pointer(gnuHashAddr + 4))
	bloomSize := *(*uint32)(unsafe.Pointer(gnuHashAddr + 8))

	wordBytes := uintptr(8)
	if !wordSize64 {
		wordBytes = 4
	}
	bucketsAddr := gnuHashAddr + 16 + uintptr(bloomSize)*wordBytes
	chainAddr := bucketsAddr + uintptr(nbuckets)*4

	maxIdx := uint32(0)
	for b := uint32(0); b < nbuckets; b++ {
		idx := *(*uint32)(unsafe.Pointer(bucketsAddr + uintptr(b)*4))
		if idx == 0 {
			continue
		}
		for {
			if idx > maxIdx {
				maxIdx = idx
			}
			hashVal := *(*uint32)(unsafe.Pointer(chainAddr + uintptr(idx-symOffset)*4))
			idx++
			if hashVal&1 != 0 {
				break
			}
			if idx-symOffset > 1<<20 {
				break
			}
		}
	}
	if maxIdx == 0 {
		return 0
	}
	return int(maxIdx) + 1
}

func decodeRelocs(table RelocTable, addr uintptr, totalSize, entSize uint64, hasAddend bool) []Reloc {
	if entSize == 0 {
		return nil
	}
	count := int(totalSize / entSize)
	out := make([]Reloc, 0, count)
	for i := 0; i < count; i++ {
		entAddr := addr + uintptr(uint64(i)*entSize)
		var offset uintptr
		var info uint64
		var addend int64

		if wordSize64 {
			offset = uintptr(*(*uint64)(unsafe.Pointer(entAddr)))
			info = *(*uint64)(unsafe.Pointer(entAddr + 8))
			if hasAddend {
				addend = *(*int64)(unsafe.Pointer(entAddr + 16))
			}
		} else {
			offset = uintptr(*(*uint32)(unsafe.Pointer(entAddr)))
			info = uint64(*(*uint32)(unsafe.Pointer(entAddr + 4)))
			if hasAddend {
				addend = int64(*(*int32)(unsafe.Pointer(entAddr + 8)))
			}
		}

		var symIdx uint32
		var relType uint32
		if wordSize64 {
			symIdx = uint32(info >> 32)
			relType = uint32(info)
		} else {
			symIdx = uint32(info >> 8)
			relType = uint32(info & 0xff)
		}

		out = append(out, Reloc{
			Table:    table,
			Offset:   offset,
			SymIndex: symIdx,
			Type:     relType,
			Addend:   addend,
		})
	}
	return out
}

// Relocs returns every relocation entry in Rel, then Rela, then Jmprel
// order, mirroring on-disk table order within PT_DYNAMIC.
func (v *View) Relocs() []Reloc {
	out := make([]Reloc, 0, len(v.rel)+len(v.rela)+len(v.jmprel))
	out = append(out, v.rel...)
	out = append(out, v.rela...)
	out = append(out, v.jmprel...)
	return out
}

// SymbolName returns the name of the symbol table entry at idx, or "" if
// idx is out of range.
func (v *View) SymbolName(idx int) string {
	if idx < 0 || idx >= v.symCount {
		return ""
	}
	symAddr := v.symtab + uintptr(idx)*uintptr(v.symEntSz)
	nameOff := *(*uint32)(unsafe.Pointer(symAddr)) // st_name is the first field on both Elf32/64
	return readCString(v.strtab, uintptr(nameOff))
}

// symbolValue returns the st_value field of the symbol at idx.
func (v *View) symbolValue(idx int) uint64 {
	symAddr := v.symtab + uintptr(idx)*uintptr(v.symEntSz)
	if wordSize64 {
		// Elf64_Sym: name(4) info(1) other(1) shndx(2) value(8) size(8)
		return *(*uint64)(unsafe.Pointer(symAddr + 8))
	}
	// Elf32_Sym: name(4) value(4) size(4) info(1) other(1) shndx(2)
	return uint64(*(*uint32)(unsafe.Pointer(symAddr + 4)))
}

// AddressOf looks up a symbol by name via a linear scan, returning the
// absolute address (base + value) of the first match, or 0 if absent. 0 is
// reserved to mean "not found", matching undefined ELF symbols which carry
// a zero st_value themselves.
func (v *View) AddressOf(name string) uintptr {
	for i := 0; i < v.symCount; i++ {
		if v.SymbolName(i) == name {
			if val := v.symbolValue(i); val != 0 {
				return v.base + uintptr(val)
			}
		}
	}
	return 0
}

func readCString(strtab, off uintptr) string {
	start := strtab + off
	n := 0
	for *(*byte)(unsafe.Pointer(start + uintptr(n))) != 0 {
		n++
		if n > 4096 {
			break
		}
	}
	return unsafe.String((*byte)(unsafe.Pointer(start)), n)
}
