package resolver_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/openeuler-mirror/syscare/internal/patch"
	"github.com/openeuler-mirror/syscare/internal/resolver"
)

func TestPickLinkerAllC(t *testing.T) {
	t.Parallel()
	got := resolver.PickLinker([]string{"GNU C17 11.4.0", "GNU C17 11.4.0"}, "ld", "ld.lld-cxx")
	if got != "ld" {
		t.Fatalf("PickLinker() = %q, want the C linker", got)
	}
}

func TestPickLinkerCxxWins(t *testing.T) {
	t.Parallel()
	got := resolver.PickLinker([]string{"GNU C17 11.4.0", "GNU C++17 11.4.0"}, "ld", "ld.lld-cxx")
	if got != "ld.lld-cxx" {
		t.Fatalf("PickLinker() = %q, want the C++ linker when any input is C++", got)
	}
}

func TestPickLinkerNoProducers(t *testing.T) {
	t.Parallel()
	got := resolver.PickLinker(nil, "ld", "ld.lld-cxx")
	if got != "ld" {
		t.Fatalf("PickLinker() = %q, want the C linker as the default", got)
	}
}

// elfSym describes one .symtab entry for buildElf.
type elfSym struct {
	name  string
	info  byte
	shndx uint16
	value uint64
	size  uint64
}

// buildElf writes a hand-built ET_REL ELF64 object with a single empty
// .text section and the given symbols, so Finalize can be exercised
// without a real compiler or linker (grounded on
// internal/elf/elf_test.go's buildMinimalRelocatable).
func buildElf(t *testing.T, path string, syms []elfSym) {
	t.Helper()

	var strtab bytes.Buffer
	strtab.WriteByte(0)
	nameOff := make([]uint32, len(syms))
	for i, s := range syms {
		nameOff[i] = uint32(strtab.Len())
		strtab.WriteString(s.name)
		strtab.WriteByte(0)
	}

	var symtab bytes.Buffer
	symtab.Write(make([]byte, 24)) // null symbol
	for i, s := range syms {
		binary.Write(&symtab, binary.LittleEndian, nameOff[i])
		symtab.WriteByte(s.info)
		symtab.WriteByte(0)
		binary.Write(&symtab, binary.LittleEndian, s.shndx)
		binary.Write(&symtab, binary.LittleEndian, s.value)
		binary.Write(&symtab, binary.LittleEndian, s.size)
	}

	shstrtab := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")
	textNameOff := uint32(1)
	symtabNameOff := uint32(7)
	strtabNameOff := uint32(15)
	shstrtabNameOff := uint32(23)

	const ehsize = 64
	const shentsize = 64

	textOff := uint64(ehsize)
	symtabOff := textOff
	strtabOff := symtabOff + uint64(symtab.Len())
	shstrtabOff := strtabOff + uint64(strtab.Len())
	shoff := shstrtabOff + uint64(len(shstrtab))

	var buf bytes.Buffer
	ident := make([]byte, 16)
	copy(ident, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(ident)
	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_REL))
	binary.Write(&buf, binary.LittleEndian, uint16(elf.EM_X86_64))
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	binary.Write(&buf, binary.LittleEndian, shoff)
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(shentsize))
	binary.Write(&buf, binary.LittleEndian, uint16(5)) // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(4)) // e_shstrndx

	if buf.Len() != ehsize {
		t.Fatalf("header size = %d, want %d", buf.Len(), ehsize)
	}

	buf.Write(symtab.Bytes())
	buf.Write(strtab.Bytes())
	buf.Write(shstrtab)

	writeShdr := func(nameOff uint32, typ uint32, link, info uint32, off, size, entsize uint64) {
		binary.Write(&buf, binary.LittleEndian, nameOff)
		binary.Write(&buf, binary.LittleEndian, typ)
		binary.Write(&buf, binary.LittleEndian, uint64(0))
		binary.Write(&buf, binary.LittleEndian, uint64(0))
		binary.Write(&buf, binary.LittleEndian, off)
		binary.Write(&buf, binary.LittleEndian, size)
		binary.Write(&buf, binary.LittleEndian, link)
		binary.Write(&buf, binary.LittleEndian, info)
		binary.Write(&buf, binary.LittleEndian, uint64(1))
		binary.Write(&buf, binary.LittleEndian, entsize)
	}

	writeShdr(0, 0, 0, 0, 0, 0, 0)
	writeShdr(textNameOff, uint32(elf.SHT_PROGBITS), 0, 0, textOff, 0, 0)
	writeShdr(symtabNameOff, uint32(elf.SHT_SYMTAB), 3, 1, symtabOff, uint64(symtab.Len()), 24)
	writeShdr(strtabNameOff, uint32(elf.SHT_STRTAB), 0, 0, strtabOff, uint64(strtab.Len()), 0)
	writeShdr(shstrtabNameOff, uint32(elf.SHT_STRTAB), 0, 0, shstrtabOff, uint64(len(shstrtab)), 0)

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func funcSym(name string, value, size uint64) elfSym {
	return elfSym{
		name:  name,
		info:  byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC),
		shndx: 1, // defined in .text
		value: value,
		size:  size,
	}
}

// TestFinalizeReturnsResolvedFunctionTable exercises the pass added to
// Finalize that walks the patch's own defined STT_FUNC symbols and, for
// every one that shadows a same-named function in the baseline
// debuginfo, records an old/new address+size row (spec.md §3 "resolved
// function table").
func TestFinalizeReturnsResolvedFunctionTable(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	debuginfo := filepath.Join(dir, "debuginfo.elf")
	buildElf(t, debuginfo, []elfSym{funcSym("do_work", 0x1000, 0x20)})

	patchPath := filepath.Join(dir, "patch.upatch")
	buildElf(t, patchPath, []elfSym{funcSym("do_work", 0x50, 0x10)})

	functions, err := resolver.Finalize(patchPath, debuginfo, "vmlinux", false)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	want := []patch.FuncEntry{{Name: "do_work", Object: "vmlinux", OldAddr: 0x1000, OldSize: 0x20, NewAddr: 0x50, NewSize: 0x10}}
	if len(functions) != 1 || functions[0] != want[0] {
		t.Fatalf("Finalize() functions = %+v, want %+v", functions, want)
	}
}

// TestFinalizeSkipsFunctionsAbsentFromDebuginfo confirms a defined
// function with no baseline counterpart (a brand new function, not a
// replacement) is not recorded into the function table.
func TestFinalizeSkipsFunctionsAbsentFromDebuginfo(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	debuginfo := filepath.Join(dir, "debuginfo.elf")
	buildElf(t, debuginfo, []elfSym{funcSym("unrelated", 0x2000, 0x8)})

	patchPath := filepath.Join(dir, "patch.upatch")
	buildElf(t, patchPath, []elfSym{funcSym("brand_new", 0x50, 0x10)})

	functions, err := resolver.Finalize(patchPath, debuginfo, "vmlinux", false)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if len(functions) != 0 {
		t.Fatalf("Finalize() functions = %+v, want none", functions)
	}
}
