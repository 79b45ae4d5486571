package elfview

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

// buildImage lays out a minimal synthetic Elf64 dynamic section, symbol
// table, string table, classic SysV hash table, and one Rela + one Jmprel
// relocation entry inside a single Go byte slice, then returns the absolute
// addresses New() needs. This exercises the real pointer-arithmetic parsing
// path against memory this process actually owns, rather than mocking the
// View's internals.
type image struct {
	buf                                  []byte
	base                                 uintptr
	dynOff, symOff, strOff, hashOff      uintptr
	relaOff, jmprelOff                   uintptr
}

func buildImage(t *testing.T) *image {
	t.Helper()
	if !wordSize64 {
		t.Skip("synthetic image targets Elf64 layout; skip on 32-bit test runners")
	}

	const (
		strtabSize = 64
		nsyms      = 3 // [0]=STN_UNDEF, [1]="malloc", [2]="free"
	)

	buf := make([]byte, 4096)
	le := binary.LittleEndian

	// Layout regions at fixed offsets within the buffer.
	strOff := uintptr(0x100)
	symOff := uintptr(0x200)
	hashOff := uintptr(0x300)
	relaOff := uintptr(0x400)
	jmprelOff := uintptr(0x500)
	dynOff := uintptr(0x600)

	// String table: \0malloc\0free\0
	copy(buf[strOff:], "\x00malloc\x00free\x00")

	// Symbol table (Elf64_Sym, 24 bytes each): name, info, other, shndx, value, size
	putSym := func(idx int, nameOff uint32, value uint64) {
		p := symOff + uintptr(idx)*24
		le.PutUint32(buf[p:], nameOff)
		buf[p+4] = 0x12 // info: STB_GLOBAL<<4 | STT_FUNC
		buf[p+5] = 0
		le.PutUint16(buf[p+6:], 1)
		le.PutUint64(buf[p+8:], value)
		le.PutUint64(buf[p+16:], 0)
	}
	putSym(0, 0, 0)
	putSym(1, 1, 0x1000) // "malloc" at base+0x1000
	putSym(2, 8, 0x2000) // "free" at base+0x2000

	// SysV hash table: nbucket, nchain, buckets[nbucket], chain[nchain].
	// One bucket is enough; nchain must cover nsyms.
	le.PutUint32(buf[hashOff:], 1)       // nbucket
	le.PutUint32(buf[hashOff+4:], nsyms) // nchain

	// One Rela entry pointing at symbol 1 ("malloc"), R_X86_64_JUMP_SLOT(=7)-shaped.
	relaSlotOff := uint64(0x3000)
	le.PutUint64(buf[relaOff:], relaSlotOff)
	le.PutUint64(buf[relaOff+8:], (uint64(1)<<32)|7)
	le.PutUint64(buf[relaOff+16:], 0)

	// One Jmprel (Rela-shaped) entry pointing at symbol 2 ("free").
	jmprelSlotOff := uint64(0x3008)
	le.PutUint64(buf[jmprelOff:], jmprelSlotOff)
	le.PutUint64(buf[jmprelOff+8:], (uint64(2)<<32)|7)
	le.PutUint64(buf[jmprelOff+16:], 0)

	// Dynamic array.
	putDyn := func(i int, tag int64, val uint64) {
		p := dynOff + uintptr(i)*16
		le.PutUint64(buf[p:], uint64(tag))
		le.PutUint64(buf[p+8:], val)
	}
	putDyn(0, int64(dtHash), uint64(hashOff))
	putDyn(1, int64(dtStrtab), uint64(strOff))
	putDyn(2, int64(dtSymtab), uint64(symOff))
	putDyn(3, int64(dtStrSz), strtabSize)
	putDyn(4, int64(dtSymEnt), 24)
	putDyn(5, int64(dtRela), uint64(relaOff))
	putDyn(6, int64(dtRelaSz), 24)
	putDyn(7, int64(dtRelaEnt), 24)
	putDyn(8, int64(dtJmprel), uint64(jmprelOff))
	putDyn(9, int64(dtPltRelSz), 24)
	putDyn(10, int64(dtPltRel), pltRelIsRela)
	putDyn(11, int64(dtNull), 0)

	return &image{
		buf:       buf,
		base:      uintptr(unsafe.Pointer(&buf[0])),
		dynOff:    dynOff,
		symOff:    symOff,
		strOff:    strOff,
		hashOff:   hashOff,
		relaOff:   relaOff,
		jmprelOff: jmprelOff,
	}
}

func TestViewSymbolNameAndAddressOf(t *testing.T) {
	img := buildImage(t)
	v, err := New(img.base, img.base+img.dynOff)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := v.SymbolName(1); got != "malloc" {
		t.Errorf("SymbolName(1) = %q, want %q", got, "malloc")
	}
	if got := v.SymbolName(2); got != "free" {
		t.Errorf("SymbolName(2) = %q, want %q", got, "free")
	}
	if got := v.SymbolName(99); got != "" {
		t.Errorf("SymbolName(99) = %q, want empty for out-of-range index", got)
	}

	if got, want := v.AddressOf("malloc"), img.base+0x1000; got != want {
		t.Errorf("AddressOf(malloc) = 0x%x, want 0x%x", got, want)
	}
	if got := v.AddressOf("nonexistent"); got != 0 {
		t.Errorf("AddressOf(nonexistent) = 0x%x, want 0", got)
	}
}

func TestViewRelocOrderAndSlots(t *testing.T) {
	img := buildImage(t)
	v, err := New(img.base, img.base+img.dynOff)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	relocs := v.Relocs()
	if len(relocs) != 2 {
		t.Fatalf("Relocs() len = %d, want 2", len(relocs))
	}

	// Rel -> Rela -> Jmprel processing order: the Rela entry (malloc) must
	// come before the Jmprel entry (free).
	if relocs[0].Table != TableRela || relocs[1].Table != TableJmprel {
		t.Fatalf("reloc order = %v, %v; want Rela then Jmprel", relocs[0].Table, relocs[1].Table)
	}

	if got := v.SymbolName(int(relocs[0].SymIndex)); got != "malloc" {
		t.Errorf("first reloc symbol = %q, want malloc", got)
	}
	if got := v.SymbolName(int(relocs[1].SymIndex)); got != "free" {
		t.Errorf("second reloc symbol = %q, want free", got)
	}

	wantSlot0 := img.base + 0x3000
	if got := relocs[0].Slot(img.base); got != wantSlot0 {
		t.Errorf("relocs[0].Slot = 0x%x, want 0x%x", got, wantSlot0)
	}
}
