// Package elf memory-maps, parses and mutates ELF relocatables: it is
// the toolchain's only component that touches raw object-file bytes.
// Reading reuses debug/elf the way the teacher's cmd/distri/buildid.go
// and internal/build/dwarf.go do; mutation (symbol binding/type/value
// rewriting for the livepatch resolver, §4.4) writes directly into the
// mmap'd bytes, since the standard library's debug/elf is read-only.
package elf

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/openeuler-mirror/syscare/internal/kind"
)

// symEntSize64 is sizeof(Elf64_Sym): st_name(4) st_info(1) st_other(1)
// st_shndx(2) st_value(8) st_size(8).
const symEntSize64 = 24

// ShnLivepatch is the reserved section index marking a symbol resolved
// at patch-apply time against the running target (spec.md glossary).
const ShnLivepatch = 0xff20

// File is a memory-mapped ELF relocatable open for both reading
// (via the embedded *elf.File) and in-place mutation of its existing
// symbol table entries.
type File struct {
	*elf.File

	path    string
	data    []byte
	symtab  *elf.Section
	strtab  *elf.Section
	entsize uint64
	byteOrd binary.ByteOrder
}

// Open mmaps path (read-write when writable is true, read-only
// otherwise) and parses it as ELF. The returned File must be Closed to
// flush and unmap.
func Open(path string, writable bool) (*File, error) {
	prot := unix.PROT_READ
	mode := unix.O_RDONLY
	if writable {
		prot |= unix.PROT_WRITE
		mode = unix.O_RDWR
	}
	fd, err := unix.Open(path, mode, 0)
	if err != nil {
		return nil, kind.Wrap(kind.System, "opening %s: %w", path, err)
	}
	defer unix.Close(fd)

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return nil, kind.Wrap(kind.System, "stat %s: %w", path, err)
	}
	if stat.Size == 0 {
		return nil, kind.Wrap(kind.Format, "%s: empty file", path)
	}

	flags := unix.MAP_SHARED
	data, err := unix.Mmap(fd, 0, int(stat.Size), prot, flags)
	if err != nil {
		return nil, kind.Wrap(kind.System, "mmap %s: %w", path, err)
	}

	ef, err := elf.NewFile(&sliceReaderAt{data})
	if err != nil {
		unix.Munmap(data)
		return nil, kind.Wrap(kind.Format, "parsing ELF %s: %w", path, err)
	}

	f := &File{File: ef, path: path, data: data, byteOrd: ef.ByteOrder}
	f.symtab = ef.Section(".symtab")
	f.strtab = ef.Section(".strtab")
	if f.symtab != nil {
		f.entsize = f.symtab.Entsize
		if f.entsize == 0 {
			f.entsize = symEntSize64
		}
	}
	return f, nil
}

// Close flushes mutated pages back to disk and unmaps the file.
func (f *File) Close() error {
	if err := unix.Msync(f.data, unix.MS_SYNC); err != nil {
		return kind.Wrap(kind.System, "msync %s: %w", f.path, err)
	}
	if err := unix.Munmap(f.data); err != nil {
		return kind.Wrap(kind.System, "munmap %s: %w", f.path, err)
	}
	return nil
}

type sliceReaderAt struct{ b []byte }

func (s *sliceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(s.b)) {
		return 0, xerrors.New("elf: read past end of mapping")
	}
	n := copy(p, s.b[off:])
	if n < len(p) {
		return n, xerrors.New("elf: short read")
	}
	return n, nil
}

// UpatchSymbols scans the symbol table for local symbols named
// ".upatch_<uuid>", returning uuid -> symbol-table index. Used by the
// build observer to tag objects and by the file-relation resolver to
// correlate them (spec.md §4.1, §4.2).
func (f *File) UpatchSymbols() (map[string]int, error) {
	syms, err := f.File.Symbols()
	if err != nil {
		return nil, kind.Wrap(kind.Format, "reading symbols of %s: %w", f.path, err)
	}
	out := make(map[string]int)
	for i, s := range syms {
		const prefix = ".upatch_"
		if strings.HasPrefix(s.Name, prefix) {
			out[strings.TrimPrefix(s.Name, prefix)] = i + 1 // .symtab index 0 is always the null symbol
		}
	}
	return out, nil
}

// symOffset returns the byte offset of symbol table entry idx within
// the mapped file.
func (f *File) symOffset(idx int) (int64, error) {
	if f.symtab == nil {
		return 0, xerrors.New("elf: no .symtab section")
	}
	off := int64(f.symtab.Offset) + int64(idx)*int64(f.entsize)
	if off+symEntSize64 > int64(len(f.data)) {
		return 0, xerrors.New("elf: symbol index out of range")
	}
	return off, nil
}

// SetSymbolInfo rewrites the st_info byte (binding<<4 | type) of
// symbol table entry idx in place.
func (f *File) SetSymbolInfo(idx int, bind elf.SymBind, typ elf.SymType) error {
	off, err := f.symOffset(idx)
	if err != nil {
		return err
	}
	f.data[off+4] = byte(bind)<<4 | byte(typ)&0xf
	return nil
}

// SetSymbolOther rewrites the st_other byte of symbol table entry idx.
func (f *File) SetSymbolOther(idx int, other byte) error {
	off, err := f.symOffset(idx)
	if err != nil {
		return err
	}
	f.data[off+5] = other
	return nil
}

// SetSymbolShndx rewrites st_shndx, e.g. to ShnLivepatch.
func (f *File) SetSymbolShndx(idx int, shndx uint16) error {
	off, err := f.symOffset(idx)
	if err != nil {
		return err
	}
	f.byteOrd.PutUint16(f.data[off+6:off+8], shndx)
	return nil
}

// SetSymbolValueSize rewrites st_value and st_size.
func (f *File) SetSymbolValueSize(idx int, value, size uint64) error {
	off, err := f.symOffset(idx)
	if err != nil {
		return err
	}
	f.byteOrd.PutUint64(f.data[off+8:off+16], value)
	f.byteOrd.PutUint64(f.data[off+16:off+24], size)
	return nil
}

// Producer returns the DW_AT_producer string of the first compile
// unit, generalizing internal/build/dwarf.go's dwarfPaths to also
// extract the producer (needed by the compiler-family classification
// in §4.4).
func Producer(path string) (string, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return "", kind.Wrap(kind.Format, "opening %s: %w", path, err)
	}
	defer ef.Close()

	dwf, err := ef.DWARF()
	if err != nil {
		return "", kind.Wrap(kind.Format, "reading DWARF of %s: %w", path, err)
	}
	dr := dwf.Reader()
	for {
		ent, err := dr.Next()
		if err != nil {
			return "", kind.Wrap(kind.Format, "walking DWARF of %s: %w", path, err)
		}
		if ent == nil {
			break
		}
		if ent.Tag != dwarf.TagCompileUnit {
			dr.SkipChildren()
			continue
		}
		if v := ent.Val(dwarf.AttrProducer); v != nil {
			if s, ok := v.(string); ok {
				return s, nil
			}
		}
	}
	return "", nil
}

// CompileUnitPaths lists the absolute source paths of every compile
// unit in path, adapted from internal/build/dwarf.go's dwarfPaths.
func CompileUnitPaths(path string) ([]string, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, kind.Wrap(kind.Format, "opening %s: %w", path, err)
	}
	defer ef.Close()

	dwf, err := ef.DWARF()
	if err != nil {
		return nil, kind.Wrap(kind.Format, "reading DWARF of %s: %w", path, err)
	}

	var paths []string
	dr := dwf.Reader()
	for {
		ent, err := dr.Next()
		if err != nil {
			return nil, kind.Wrap(kind.Format, "walking DWARF of %s: %w", path, err)
		}
		if ent == nil {
			break
		}
		if ent.Tag != dwarf.TagCompileUnit {
			dr.SkipChildren()
			continue
		}
		nameVal := ent.Val(dwarf.AttrName)
		if nameVal == nil {
			continue
		}
		name, _ := nameVal.(string)
		var dir string
		if v := ent.Val(dwarf.AttrCompDir); v != nil {
			dir, _ = v.(string)
		}
		full := name
		if !strings.HasPrefix(full, "/") {
			full = filepath.Join(dir, full)
		}
		paths = append(paths, full)
	}
	return paths, nil
}

// IsRelocatable reports whether path is an ET_REL ELF object, the
// build observer's filter when it walks a build's output directory
// (spec.md §4.1).
func IsRelocatable(path string) (bool, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return false, nil // not an ELF file at all; caller should skip
	}
	defer ef.Close()
	return ef.Type == elf.ET_REL, nil
}
